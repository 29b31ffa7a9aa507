package render

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/tikzgif/tikzgif"
)

// Rasterize converts every successful frame's PDF into an image,
// preserving frame order. The returned slice is parallel to results;
// failed frames yield a nil image. A cached PNG on the result is
// decoded directly instead of re-running the conversion tool.
func Rasterize(ctx context.Context, backend Backend, cfg Config, results []tikzgif.FrameResult) ([]image.Image, error) {
	images := make([]image.Image, len(results))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, cfg.Threads))
	for i, r := range results {
		if !r.Success {
			continue
		}
		g.Go(func() error {
			if r.PNGPath != "" {
				img, err := LoadPNG(r.PNGPath)
				if err == nil {
					images[i] = finishRaster(img, cfg)
					return nil
				}
				tikzgif.Logger().Warn("cached PNG unreadable, reconverting",
					"frame", r.Index, "path", r.PNGPath, "error", err)
			}
			pages, err := backend.Convert(gctx, r.PDFPath, cfg)
			if err != nil {
				return fmt.Errorf("frame %d: %w", r.Index, err)
			}
			if len(pages) == 0 {
				return fmt.Errorf("frame %d: conversion produced no pages", r.Index)
			}
			images[i] = pages[0]
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

// finishRaster applies the background composite to an already-decoded
// image without the supersampling downscale, which cached PNGs have
// already been through.
func finishRaster(img image.Image, cfg Config) image.Image {
	return compositeBackground(img, cfg.Background)
}

// LoadPNG decodes a PNG file.
func LoadPNG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return png.Decode(f)
}

// SavePNG encodes an image to path.
func SavePNG(img image.Image, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
