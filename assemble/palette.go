package assemble

import (
	"image"
	"image/color"
	"image/draw"
	"sort"
)

// paletteSampleCap bounds how many frames feed the shared histogram.
const paletteSampleCap = 64

// BuildGlobalPalette derives a single palette from every frame so that
// colors present in only a few frames are not dropped by per-frame
// quantization. At most paletteSampleCap frames are sampled, evenly
// spaced across the sequence, and their pixels are median-cut down to
// maxColors entries.
func BuildGlobalPalette(frames []Frame, maxColors int) color.Palette {
	if maxColors < 2 {
		maxColors = 2
	}
	if maxColors > 256 {
		maxColors = 256
	}

	indices := make([]int, 0, paletteSampleCap)
	if len(frames) > paletteSampleCap {
		step := float64(len(frames)) / float64(paletteSampleCap)
		for i := 0; i < paletteSampleCap; i++ {
			indices = append(indices, int(float64(i)*step))
		}
	} else {
		for i := range frames {
			indices = append(indices, i)
		}
	}

	var pixels []color.NRGBA
	for _, fi := range indices {
		img := frames[fi].Image
		w, h := img.Bounds().Dx(), img.Bounds().Dy()
		// Sample a coarse grid per frame rather than every pixel; line
		// art has large uniform regions and the histogram converges fast.
		stepX, stepY := max(1, w/64), max(1, h/64)
		for y := 0; y < h; y += stepY {
			row := img.Pix[y*img.Stride:]
			for x := 0; x < w; x += stepX {
				o := x * 4
				pixels = append(pixels, color.NRGBA{row[o], row[o+1], row[o+2], 255})
			}
		}
	}
	if len(pixels) == 0 {
		return color.Palette{color.NRGBA{A: 255}, color.NRGBA{255, 255, 255, 255}}
	}
	return medianCut(pixels, maxColors)
}

// medianCut repeatedly splits the box with the widest channel range at
// that range's midpoint value until the requested number of boxes is
// reached or every box is a single color, then averages each box into
// one palette entry. Splitting on value rather than pixel count keeps
// sparse but distinct colors (a thin stroke against a large background)
// from being averaged away.
func medianCut(pixels []color.NRGBA, colors int) color.Palette {
	boxes := [][]color.NRGBA{pixels}
	for len(boxes) < colors {
		bestBox, bestRange, bestChan := -1, 0, 0
		for i, box := range boxes {
			if len(box) < 2 {
				continue
			}
			ch, spread := widestChannel(box)
			if spread > bestRange {
				bestBox, bestRange, bestChan = i, spread, ch
			}
		}
		if bestBox < 0 {
			break
		}
		box := boxes[bestBox]
		sort.Slice(box, func(a, b int) bool {
			return channelValue(box[a], bestChan) < channelValue(box[b], bestChan)
		})
		lo := channelValue(box[0], bestChan)
		hi := channelValue(box[len(box)-1], bestChan)
		mid := (int(lo) + int(hi)) / 2
		cut := sort.Search(len(box), func(i int) bool {
			return int(channelValue(box[i], bestChan)) > mid
		})
		boxes[bestBox] = box[:cut]
		boxes = append(boxes, box[cut:])
	}

	palette := make(color.Palette, 0, len(boxes))
	for _, box := range boxes {
		var r, g, b uint64
		for _, p := range box {
			r += uint64(p.R)
			g += uint64(p.G)
			b += uint64(p.B)
		}
		n := uint64(len(box))
		palette = append(palette, color.NRGBA{
			R: uint8(r / n),
			G: uint8(g / n),
			B: uint8(b / n),
			A: 255,
		})
	}
	return palette
}

func widestChannel(box []color.NRGBA) (channel, spread int) {
	var minC, maxC [3]int
	for i := range minC {
		minC[i] = 255
	}
	for _, p := range box {
		for c, v := range [3]uint8{p.R, p.G, p.B} {
			minC[c] = min(minC[c], int(v))
			maxC[c] = max(maxC[c], int(v))
		}
	}
	for c := 0; c < 3; c++ {
		if maxC[c]-minC[c] > spread {
			channel, spread = c, maxC[c]-minC[c]
		}
	}
	return channel, spread
}

func channelValue(p color.NRGBA, channel int) uint8 {
	switch channel {
	case 0:
		return p.R
	case 1:
		return p.G
	default:
		return p.B
	}
}

// QuantizeFrames remaps every frame onto the shared palette, with
// optional Floyd-Steinberg dithering.
func QuantizeFrames(frames []Frame, palette color.Palette, dither bool) []*image.Paletted {
	out := make([]*image.Paletted, len(frames))
	for i, f := range frames {
		p := image.NewPaletted(f.Image.Bounds(), palette)
		if dither {
			draw.FloydSteinberg.Draw(p, p.Bounds(), f.Image, f.Image.Bounds().Min)
		} else {
			draw.Draw(p, p.Bounds(), f.Image, f.Image.Bounds().Min, draw.Src)
		}
		out[i] = p
	}
	return out
}
