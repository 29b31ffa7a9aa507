package assemble

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

// Frame is a display unit after timing resolution and deduplication.
// Indices lists the original frame indices merged into it.
type Frame struct {
	Image      *image.NRGBA
	DurationMS int
	Indices    []int
}

// Deduplicate merges consecutive near-duplicate frames, summing their
// durations. Two frames merge when their normalized RMSE is below
// threshold; frames of differing dimensions never merge. Each group
// keeps its first frame's pixels and is compared against that
// representative, so slow drifts still break into new groups once they
// accumulate past the threshold.
func Deduplicate(images []*image.NRGBA, delaysMS []int, threshold float64) []Frame {
	if len(images) == 0 {
		return nil
	}
	groups := []Frame{{
		Image:      images[0],
		DurationMS: delaysMS[0],
		Indices:    []int{0},
	}}
	for i := 1; i < len(images); i++ {
		last := &groups[len(groups)-1]
		if frameRMSE(last.Image, images[i]) < threshold {
			last.DurationMS += delaysMS[i]
			last.Indices = append(last.Indices, i)
			continue
		}
		groups = append(groups, Frame{
			Image:      images[i],
			DurationMS: delaysMS[i],
			Indices:    []int{i},
		})
	}
	return groups
}

// wrapFrames pairs each image with its delay without any merging.
func wrapFrames(images []*image.NRGBA, delaysMS []int) []Frame {
	frames := make([]Frame, len(images))
	for i, img := range images {
		frames[i] = Frame{Image: img, DurationMS: delaysMS[i], Indices: []int{i}}
	}
	return frames
}

// frameRMSE returns the root mean square pixel difference between two
// frames, normalized to [0, 1]. Mismatched dimensions count as fully
// different.
func frameRMSE(a, b *image.NRGBA) float64 {
	if a.Bounds().Dx() != b.Bounds().Dx() || a.Bounds().Dy() != b.Bounds().Dy() {
		return 1.0
	}
	w, h := a.Bounds().Dx(), a.Bounds().Dy()
	if w == 0 || h == 0 {
		return 0
	}
	var sum float64
	for y := 0; y < h; y++ {
		rowA := a.Pix[y*a.Stride : y*a.Stride+w*4]
		rowB := b.Pix[y*b.Stride : y*b.Stride+w*4]
		for x := 0; x < w*4; x++ {
			d := float64(rowA[x]) - float64(rowB[x])
			sum += d * d
		}
	}
	return math.Sqrt(sum/float64(w*h*4)) / 255.0
}

// toNRGBA returns img as NRGBA, copying only when the backing type
// differs.
func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
