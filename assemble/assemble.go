package assemble

import (
	"context"
	"fmt"
	"image"
	"os"
	"sort"

	"golang.org/x/image/draw"

	"github.com/tikzgif/tikzgif"
	"github.com/tikzgif/tikzgif/render"
)

// Assembler builds one output file from compiled frame results.
type Assembler interface {
	// Assemble writes the animation and returns the output path.
	Assemble(ctx context.Context, results []tikzgif.FrameResult) (string, error)
}

// New returns the assembler for the format named in opts.
func New(opts Options) (Assembler, error) {
	switch opts.Format {
	case FormatGIF:
		return &gifAssembler{opts: opts}, nil
	case FormatMP4:
		return &mp4Assembler{opts: opts}, nil
	case FormatSpritesheet:
		return &spriteAssembler{opts: opts}, nil
	case FormatSVG:
		return &svgAssembler{opts: opts}, nil
	}
	return nil, fmt.Errorf("unsupported output format %q", opts.Format)
}

// Assemble is the one-call entry point: dispatch on format, build the
// output, and write the source sidecar when metadata carries the .tex
// source.
func Assemble(ctx context.Context, results []tikzgif.FrameResult, opts Options) (string, error) {
	asm, err := New(opts)
	if err != nil {
		return "", err
	}
	path, err := asm.Assemble(ctx, results)
	if err != nil {
		return "", err
	}
	if opts.Metadata.SourceTeX != "" {
		if _, err := WriteSourceSidecar(path, opts.Metadata.SourceTeX); err != nil {
			tikzgif.Logger().Warn("could not write source sidecar", "error", err)
		}
	}
	return path, nil
}

// LoadFrames loads the PNG of every successful result in index order
// and scales frames down when they exceed maxWidth. It fails when no
// frame compiled successfully.
func LoadFrames(results []tikzgif.FrameResult, maxWidth int) ([]*image.NRGBA, error) {
	ok := make([]tikzgif.FrameResult, 0, len(results))
	for _, r := range results {
		if !r.Success || r.PNGPath == "" {
			continue
		}
		if _, err := os.Stat(r.PNGPath); err != nil {
			continue
		}
		ok = append(ok, r)
	}
	if len(ok) == 0 {
		return nil, fmt.Errorf("no successfully compiled frames to assemble")
	}
	sort.Slice(ok, func(i, j int) bool { return ok[i].Index < ok[j].Index })

	images := make([]*image.NRGBA, len(ok))
	for i, r := range ok {
		img, err := render.LoadPNG(r.PNGPath)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", r.Index, err)
		}
		images[i] = capWidth(toNRGBA(img), maxWidth)
	}
	return images, nil
}

// capWidth scales img down to maxWidth, preserving aspect. Frames at or
// under the cap are returned unchanged.
func capWidth(img *image.NRGBA, maxWidth int) *image.NRGBA {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if maxWidth <= 0 || w <= maxWidth {
		return img
	}
	nh := max(1, h*maxWidth/w)
	dst := image.NewNRGBA(image.Rect(0, 0, maxWidth, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// prepare runs the shared pipeline: load, time, and optionally
// deduplicate.
func prepare(results []tikzgif.FrameResult, opts Options) ([]Frame, error) {
	images, err := LoadFrames(results, opts.MaxWidth())
	if err != nil {
		return nil, err
	}
	delays := opts.Delay.Resolve(len(images))
	if opts.Deduplicate {
		frames := Deduplicate(images, delays, opts.DedupThreshold)
		if len(frames) < len(images) {
			tikzgif.Logger().Debug("merged duplicate frames",
				"before", len(images), "after", len(frames))
		}
		return frames, nil
	}
	return wrapFrames(images, delays), nil
}
