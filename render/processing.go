package render

import (
	"context"
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
)

// ProcessingOptions shapes raw rasterized frames into animation-ready
// images: trim surrounding background, normalize every frame to one
// size, composite the final background.
type ProcessingOptions struct {
	Trim       bool
	TrimFuzz   int // per-channel tolerance when matching background, 0-255
	TrimMargin int // pixels kept around the detected content

	// TargetWidth/TargetHeight force the output size. Zero means the
	// maximum trimmed frame size across the batch.
	TargetWidth  int
	TargetHeight int

	Background string
	Workers    int
}

// DefaultProcessingOptions returns the processing defaults used by the
// pipeline: trim with a small fuzz and margin, white background.
func DefaultProcessingOptions() ProcessingOptions {
	return ProcessingOptions{
		Trim:       true,
		TrimFuzz:   10,
		TrimMargin: 8,
		Background: "white",
		Workers:    4,
	}
}

// ProcessingResult reports what happened to a batch of frames.
type ProcessingResult struct {
	Frames   []image.Image
	Width    int
	Height   int
	Warnings []string
}

// ProcessFrames validates, trims, and normalizes a batch of frames so
// that every output image has identical dimensions. Nil or empty frames
// are dropped with a warning rather than failing the batch.
func ProcessFrames(ctx context.Context, frames []image.Image, opts ProcessingOptions) (*ProcessingResult, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames to process")
	}

	var warnings []string
	valid := make([]image.Image, 0, len(frames))
	for i, f := range frames {
		if f == nil {
			warnings = append(warnings, fmt.Sprintf("frame %d: missing or corrupt, dropped", i))
			continue
		}
		b := f.Bounds()
		if b.Dx() == 0 || b.Dy() == 0 {
			warnings = append(warnings, fmt.Sprintf("frame %d: zero dimension %dx%d, dropped", i, b.Dx(), b.Dy()))
			continue
		}
		valid = append(valid, f)
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("all %d frames were corrupt or empty", len(frames))
	}

	bg, _ := namedColor(opts.Background)

	trimmed := make([]*image.NRGBA, len(valid))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, opts.Workers))
	for i, f := range valid {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			img := toNRGBA(f)
			if opts.Trim {
				img = trimBackground(img, bg, opts.TrimFuzz, opts.TrimMargin)
			}
			trimmed[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	targetW, targetH := opts.TargetWidth, opts.TargetHeight
	if targetW == 0 || targetH == 0 {
		var maxW, maxH int
		for _, img := range trimmed {
			maxW = max(maxW, img.Bounds().Dx())
			maxH = max(maxH, img.Bounds().Dy())
		}
		if targetW == 0 {
			targetW = maxW
		}
		if targetH == 0 {
			targetH = maxH
		}
	}

	out := make([]image.Image, len(trimmed))
	for i, img := range trimmed {
		out[i] = normalizeSize(img, targetW, targetH, bg)
	}
	return &ProcessingResult{Frames: out, Width: targetW, Height: targetH, Warnings: warnings}, nil
}

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Bounds().Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// trimBackground crops away the border matching bg within fuzz, then
// re-adds margin pixels on each side. A frame that is entirely
// background collapses to a single pixel.
func trimBackground(img *image.NRGBA, bg color.NRGBA, fuzz, margin int) *image.NRGBA {
	b := img.Bounds()
	minX, minY := b.Max.X, b.Max.Y
	maxX, maxY := b.Min.X-1, b.Min.Y-1

	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)]
		for x := 0; x < b.Dx(); x++ {
			px := row[x*4 : x*4+4]
			if colorDiff(px, bg) > fuzz {
				if x < minX {
					minX = x
				}
				if x > maxX {
					maxX = x
				}
				if y < minY {
					minY = y
				}
				if y > maxY {
					maxY = y
				}
			}
		}
	}

	if maxX < minX || maxY < minY {
		// Nothing but background.
		out := image.NewNRGBA(image.Rect(0, 0, 1, 1))
		out.SetNRGBA(0, 0, bg)
		return out
	}

	left := max(b.Min.X, minX-margin)
	top := max(b.Min.Y, minY-margin)
	right := min(b.Max.X, maxX+1+margin)
	bottom := min(b.Max.Y, maxY+1+margin)

	out := image.NewNRGBA(image.Rect(0, 0, right-left, bottom-top))
	draw.Draw(out, out.Bounds(), img, image.Pt(left, top), draw.Src)
	return out
}

// colorDiff returns the maximum per-channel distance between an NRGBA
// pixel slice and a reference color, treating transparency as
// background.
func colorDiff(px []uint8, bg color.NRGBA) int {
	if px[3] == 0 {
		return 0
	}
	d := absInt(int(px[0]) - int(bg.R))
	if g := absInt(int(px[1]) - int(bg.G)); g > d {
		d = g
	}
	if b := absInt(int(px[2]) - int(bg.B)); b > d {
		d = b
	}
	return d
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// normalizeSize pads or center-crops img to exactly w x h over bg.
func normalizeSize(img *image.NRGBA, w, h int, bg color.NRGBA) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return img
	}

	// Center-crop anything oversized first.
	if b.Dx() > w || b.Dy() > h {
		cropW := min(b.Dx(), w)
		cropH := min(b.Dy(), h)
		left := b.Min.X + (b.Dx()-cropW)/2
		top := b.Min.Y + (b.Dy()-cropH)/2
		cropped := image.NewNRGBA(image.Rect(0, 0, cropW, cropH))
		draw.Draw(cropped, cropped.Bounds(), img, image.Pt(left, top), draw.Src)
		img = cropped
		b = img.Bounds()
	}

	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(out, out.Bounds(), &image.Uniform{bg}, image.Point{}, draw.Src)
	pasteX := (w - b.Dx()) / 2
	pasteY := (h - b.Dy()) / 2
	draw.Draw(out, image.Rect(pasteX, pasteY, pasteX+b.Dx(), pasteY+b.Dy()), img, b.Min, draw.Over)
	return out
}

// ValidateFrames flags suspicious frames before assembly: size
// mismatches and frames that collapsed to a single solid color, which
// usually means the drawing rendered blank.
func ValidateFrames(frames []image.Image) []string {
	var warnings []string
	if len(frames) == 0 {
		return []string{"no frames"}
	}
	ref := frames[0].Bounds()
	for i, f := range frames {
		if f.Bounds().Dx() != ref.Dx() || f.Bounds().Dy() != ref.Dy() {
			warnings = append(warnings, fmt.Sprintf(
				"frame %d: size %dx%d differs from %dx%d",
				i, f.Bounds().Dx(), f.Bounds().Dy(), ref.Dx(), ref.Dy()))
		}
		if isSolidColor(f) {
			warnings = append(warnings, fmt.Sprintf("frame %d: solid color, likely rendered blank", i))
		}
	}
	return warnings
}

func isSolidColor(img image.Image) bool {
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return true
	}
	first := img.At(b.Min.X, b.Min.Y)
	fr, fg, fb, fa := first.RGBA()
	// Sampling a grid is enough to catch blank renders.
	stepX := max(1, b.Dx()/16)
	stepY := max(1, b.Dy()/16)
	for y := b.Min.Y; y < b.Max.Y; y += stepY {
		for x := b.Min.X; x < b.Max.X; x += stepX {
			r, g, bb, a := img.At(x, y).RGBA()
			if r != fr || g != fg || bb != fb || a != fa {
				return false
			}
		}
	}
	return true
}
