package assemble

import (
	"context"
	"encoding/json"
	"image"
	"image/draw"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/tikzgif/tikzgif"
	"github.com/tikzgif/tikzgif/render"
)

type spriteAssembler struct {
	opts Options
}

// SpriteDescriptor is the JSON companion of a spritesheet.
type SpriteDescriptor struct {
	Image       string        `json:"image"`
	FrameWidth  int           `json:"frame_width"`
	FrameHeight int           `json:"frame_height"`
	Columns     int           `json:"columns"`
	Rows        int           `json:"rows"`
	TotalFrames int           `json:"total_frames"`
	Frames      []SpriteFrame `json:"frames"`
}

// SpriteFrame locates one cell within the sheet.
type SpriteFrame struct {
	Index   int `json:"index"`
	X       int `json:"x"`
	Y       int `json:"y"`
	W       int `json:"w"`
	H       int `json:"h"`
	DelayMS int `json:"delay_ms"`
}

// Assemble tiles all frames into a single PNG grid. Deduplication is
// never applied here: every logical frame gets its own cell so that
// consumers can index by frame number.
func (a *spriteAssembler) Assemble(ctx context.Context, results []tikzgif.FrameResult) (string, error) {
	images, err := LoadFrames(results, a.opts.MaxWidth())
	if err != nil {
		return "", err
	}
	delays := a.opts.Delay.Resolve(len(images))

	n := len(images)
	fw, fh := images[0].Bounds().Dx(), images[0].Bounds().Dy()
	pad := a.opts.Sprite.Padding

	cols := a.opts.Sprite.Columns
	if cols <= 0 {
		cols = max(1, int(math.Ceil(math.Sqrt(float64(n)))))
	}
	rows := (n + cols - 1) / cols

	sheet := image.NewNRGBA(image.Rect(0, 0, cols*fw+(cols-1)*pad, rows*fh+(rows-1)*pad))
	cells := make([]SpriteFrame, n)
	for i, img := range images {
		x := (i % cols) * (fw + pad)
		y := (i / cols) * (fh + pad)
		draw.Draw(sheet, image.Rect(x, y, x+fw, y+fh), img, img.Bounds().Min, draw.Src)
		cells[i] = SpriteFrame{Index: i, X: x, Y: y, W: fw, H: fh, DelayMS: delays[i]}
	}

	if err := render.SavePNG(sheet, a.opts.OutputPath); err != nil {
		return "", err
	}

	if a.opts.Sprite.WriteJSON {
		desc := SpriteDescriptor{
			Image:       filepath.Base(a.opts.OutputPath),
			FrameWidth:  fw,
			FrameHeight: fh,
			Columns:     cols,
			Rows:        rows,
			TotalFrames: n,
			Frames:      cells,
		}
		data, err := json.MarshalIndent(desc, "", "  ")
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(sidecarPath(a.opts.OutputPath, ".json"), data, 0o644); err != nil {
			return "", err
		}
	}
	return a.opts.OutputPath, nil
}

// sidecarPath swaps the extension of path for ext.
func sidecarPath(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}
