package assemble

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tikzgif/tikzgif"
	"github.com/tikzgif/tikzgif/render"
)

func solidFrame(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
	}
	return img
}

var (
	white = color.NRGBA{255, 255, 255, 255}
	black = color.NRGBA{0, 0, 0, 255}
)

// writeFrameFiles saves n frames to dir and returns matching results.
func writeFrameFiles(t *testing.T, dir string, imgs []*image.NRGBA) []tikzgif.FrameResult {
	t.Helper()
	results := make([]tikzgif.FrameResult, len(imgs))
	for i, img := range imgs {
		path := filepath.Join(dir, fmt.Sprintf("frame_%03d.png", i))
		if err := render.SavePNG(img, path); err != nil {
			t.Fatalf("SavePNG: %v", err)
		}
		results[i] = tikzgif.FrameResult{Index: i, Success: true, PNGPath: path}
	}
	return results
}

func TestParseFormat(t *testing.T) {
	for _, name := range []string{"gif", "mp4", "spritesheet", "svg"} {
		if _, err := ParseFormat(name); err != nil {
			t.Errorf("ParseFormat(%q) = %v", name, err)
		}
	}
	if _, err := ParseFormat("webm"); err == nil {
		t.Error("ParseFormat(webm) should fail")
	}
}

func TestDelayResolve(t *testing.T) {
	tests := []struct {
		name string
		opts DelayOptions
		n    int
		want []int
	}{
		{
			name: "all default",
			opts: DelayOptions{DefaultMS: 100},
			n:    3,
			want: []int{100, 100, 100},
		},
		{
			name: "zero default falls back to 100",
			opts: DelayOptions{},
			n:    2,
			want: []int{100, 100},
		},
		{
			name: "per-frame override",
			opts: DelayOptions{DefaultMS: 50, Overrides: map[int]int{1: 300}},
			n:    3,
			want: []int{50, 300, 50},
		},
		{
			name: "pause first and last win over overrides",
			opts: DelayOptions{
				DefaultMS:    50,
				Overrides:    map[int]int{0: 10, 3: 10},
				PauseFirstMS: 500,
				PauseLastMS:  2000,
			},
			n:    4,
			want: []int{500, 50, 50, 2000},
		},
		{
			name: "empty",
			opts: DelayOptions{DefaultMS: 100},
			n:    0,
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.opts.Resolve(tt.n)
			if len(got) != len(tt.want) {
				t.Fatalf("Resolve(%d) = %v, want %v", tt.n, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("delay[%d] = %d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDeduplicateMergesIdenticalRuns(t *testing.T) {
	imgs := []*image.NRGBA{
		solidFrame(8, 8, white),
		solidFrame(8, 8, white),
		solidFrame(8, 8, white),
		solidFrame(8, 8, black),
		solidFrame(8, 8, black),
	}
	delays := []int{100, 100, 100, 100, 100}

	frames := Deduplicate(imgs, delays, 0.005)
	if len(frames) != 2 {
		t.Fatalf("got %d groups, want 2", len(frames))
	}
	if frames[0].DurationMS != 300 {
		t.Errorf("first group duration = %d, want 300", frames[0].DurationMS)
	}
	if len(frames[0].Indices) != 3 || frames[0].Indices[2] != 2 {
		t.Errorf("first group indices = %v, want [0 1 2]", frames[0].Indices)
	}
	if frames[1].DurationMS != 200 {
		t.Errorf("second group duration = %d, want 200", frames[1].DurationMS)
	}
}

func TestDeduplicateMismatchedSizesNeverMerge(t *testing.T) {
	imgs := []*image.NRGBA{
		solidFrame(8, 8, white),
		solidFrame(9, 8, white),
	}
	frames := Deduplicate(imgs, []int{100, 100}, 0.9)
	if len(frames) != 2 {
		t.Fatalf("got %d groups, want 2", len(frames))
	}
}

func TestFrameRMSE(t *testing.T) {
	a := solidFrame(4, 4, white)
	if got := frameRMSE(a, solidFrame(4, 4, white)); got != 0 {
		t.Errorf("identical frames RMSE = %v, want 0", got)
	}
	if got := frameRMSE(a, solidFrame(4, 4, black)); got < 0.8 {
		// Alpha channel matches, so the error is sqrt(3/4) not 1.
		t.Errorf("opposite frames RMSE = %v, want near 0.87", got)
	}
}

func TestBuildGlobalPaletteCoversAllFrames(t *testing.T) {
	red := color.NRGBA{200, 30, 30, 255}
	frames := []Frame{
		{Image: solidFrame(16, 16, white)},
		{Image: solidFrame(16, 16, black)},
		{Image: solidFrame(16, 16, red)},
	}
	palette := BuildGlobalPalette(frames, 8)
	if len(palette) > 8 {
		t.Fatalf("palette has %d entries, want <= 8", len(palette))
	}
	for _, want := range []color.NRGBA{white, black, red} {
		idx := palette.Index(want)
		got := palette[idx].(color.NRGBA)
		if colorDistance(got, want) > 24 {
			t.Errorf("nearest palette entry to %v is %v, too far", want, got)
		}
	}
}

func colorDistance(a, b color.NRGBA) int {
	d := func(x, y uint8) int {
		if x > y {
			return int(x - y)
		}
		return int(y - x)
	}
	return max(d(a.R, b.R), max(d(a.G, b.G), d(a.B, b.B)))
}

func TestQuantizeFramesUsesPalette(t *testing.T) {
	frames := []Frame{{Image: solidFrame(4, 4, black)}}
	palette := color.Palette{color.NRGBA{0, 0, 0, 255}, color.NRGBA{255, 255, 255, 255}}
	out := QuantizeFrames(frames, palette, false)
	if len(out) != 1 {
		t.Fatalf("got %d frames", len(out))
	}
	if out[0].ColorIndexAt(2, 2) != 0 {
		t.Errorf("black pixel mapped to palette index %d, want 0", out[0].ColorIndexAt(2, 2))
	}
}

func TestGIFAssemblerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	results := writeFrameFiles(t, dir, []*image.NRGBA{
		solidFrame(16, 16, white),
		solidFrame(16, 16, black),
		solidFrame(16, 16, white),
	})

	opts := DefaultOptions(FormatGIF, filepath.Join(dir, "out.gif"))
	opts.Deduplicate = false
	opts.GIF.Optimize = false
	opts.Delay = DelayOptions{DefaultMS: 100, PauseLastMS: 500}

	path, err := Assemble(context.Background(), results, opts)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()
	decoded, err := gif.DecodeAll(f)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if len(decoded.Image) != 3 {
		t.Fatalf("got %d frames, want 3", len(decoded.Image))
	}
	if decoded.LoopCount != 0 {
		t.Errorf("loop count = %d, want 0 (infinite)", decoded.LoopCount)
	}
	if decoded.Delay[0] != 10 || decoded.Delay[2] != 50 {
		t.Errorf("delays = %v, want [10 10 50]", decoded.Delay)
	}
}

func TestGIFAssemblerDeduplicates(t *testing.T) {
	dir := t.TempDir()
	results := writeFrameFiles(t, dir, []*image.NRGBA{
		solidFrame(16, 16, white),
		solidFrame(16, 16, white),
		solidFrame(16, 16, black),
	})

	opts := DefaultOptions(FormatGIF, filepath.Join(dir, "out.gif"))
	opts.GIF.Optimize = false

	path, err := Assemble(context.Background(), results, opts)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	decoded, err := gif.DecodeAll(f)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded.Image) != 2 {
		t.Fatalf("got %d frames after dedup, want 2", len(decoded.Image))
	}
	if decoded.Delay[0] != 20 {
		t.Errorf("merged frame delay = %d ticks, want 20", decoded.Delay[0])
	}
}

func TestSpriteAssembler(t *testing.T) {
	dir := t.TempDir()
	results := writeFrameFiles(t, dir, []*image.NRGBA{
		solidFrame(10, 8, white),
		solidFrame(10, 8, black),
		solidFrame(10, 8, white),
		solidFrame(10, 8, black),
		solidFrame(10, 8, white),
	})

	opts := DefaultOptions(FormatSpritesheet, filepath.Join(dir, "sheet.png"))
	opts.Sprite.Padding = 2

	path, err := Assemble(context.Background(), results, opts)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	sheet, err := render.LoadPNG(path)
	if err != nil {
		t.Fatalf("LoadPNG: %v", err)
	}
	// 5 frames auto-layout to 3 columns, 2 rows.
	wantW := 3*10 + 2*2
	wantH := 2*8 + 1*2
	if sheet.Bounds().Dx() != wantW || sheet.Bounds().Dy() != wantH {
		t.Errorf("sheet is %dx%d, want %dx%d",
			sheet.Bounds().Dx(), sheet.Bounds().Dy(), wantW, wantH)
	}

	data, err := os.ReadFile(filepath.Join(dir, "sheet.json"))
	if err != nil {
		t.Fatalf("descriptor missing: %v", err)
	}
	var desc SpriteDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		t.Fatalf("descriptor unmarshal: %v", err)
	}
	if desc.TotalFrames != 5 || desc.Columns != 3 || desc.Rows != 2 {
		t.Errorf("descriptor = %+v", desc)
	}
	if desc.Frames[4].X != 10+2 || desc.Frames[4].Y != 8+2 {
		t.Errorf("frame 4 at (%d,%d), want (12,10)", desc.Frames[4].X, desc.Frames[4].Y)
	}
}

func TestSVGAssembler(t *testing.T) {
	dir := t.TempDir()
	results := writeFrameFiles(t, dir, []*image.NRGBA{
		solidFrame(20, 10, white),
		solidFrame(20, 10, black),
	})

	opts := DefaultOptions(FormatSVG, filepath.Join(dir, "anim.svg"))
	opts.Deduplicate = false
	opts.SVG.ViewBoxWidth = 400

	path, err := Assemble(context.Background(), results, opts)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	svg := string(data)

	if !strings.Contains(svg, `viewBox="0 0 400 200"`) {
		t.Error("viewBox not scaled to configured width")
	}
	if got := strings.Count(svg, "data:image/png;base64,"); got != 2 {
		t.Errorf("embedded %d frames, want 2", got)
	}
	if got := strings.Count(svg, "<animate "); got != 2 {
		t.Errorf("found %d animate elements, want 2", got)
	}
	if !strings.Contains(svg, `repeatCount="indefinite"`) {
		t.Error("animation does not loop")
	}
	if !strings.Contains(svg, `calcMode="discrete"`) {
		t.Error("visibility animation must be discrete")
	}
}

func TestLoadFramesSkipsFailures(t *testing.T) {
	dir := t.TempDir()
	results := writeFrameFiles(t, dir, []*image.NRGBA{
		solidFrame(8, 8, white),
		solidFrame(8, 8, black),
	})
	results = append(results, tikzgif.FrameResult{Index: 2, Success: false})

	images, err := LoadFrames(results, 0)
	if err != nil {
		t.Fatalf("LoadFrames: %v", err)
	}
	if len(images) != 2 {
		t.Errorf("got %d frames, want 2", len(images))
	}
}

func TestLoadFramesAllFailed(t *testing.T) {
	results := []tikzgif.FrameResult{
		{Index: 0, Success: false, ErrorMessage: "boom"},
	}
	if _, err := LoadFrames(results, 0); err == nil {
		t.Fatal("expected error when no frame succeeded")
	}
}

func TestLoadFramesCapsWidth(t *testing.T) {
	dir := t.TempDir()
	results := writeFrameFiles(t, dir, []*image.NRGBA{solidFrame(200, 100, white)})

	images, err := LoadFrames(results, 50)
	if err != nil {
		t.Fatal(err)
	}
	if images[0].Bounds().Dx() != 50 || images[0].Bounds().Dy() != 25 {
		t.Errorf("capped frame is %dx%d, want 50x25",
			images[0].Bounds().Dx(), images[0].Bounds().Dy())
	}
}

func TestWriteSourceSidecar(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.gif")

	sidecar, err := WriteSourceSidecar(out, "\\documentclass{standalone}")
	if err != nil {
		t.Fatal(err)
	}
	if sidecar != filepath.Join(dir, "out.source.tex") {
		t.Errorf("sidecar path = %s", sidecar)
	}
	data, err := os.ReadFile(sidecar)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "\\documentclass{standalone}" {
		t.Errorf("sidecar content = %q", data)
	}
}

func TestCommentString(t *testing.T) {
	m := Metadata{Title: "Spiral", Author: "someone", Comment: "test run"}
	got := m.CommentString()
	if !strings.Contains(got, "Title: Spiral") || !strings.Contains(got, "test run") {
		t.Errorf("CommentString() = %q", got)
	}
	if (Metadata{}).CommentString() != "tikzgif output" {
		t.Errorf("empty metadata comment = %q", (Metadata{}).CommentString())
	}
}
