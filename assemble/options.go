// Package assemble turns sequences of rendered frames into animation
// files. Four output shapes are supported: animated GIF, MP4 video,
// spritesheet PNG with a JSON descriptor, and a SMIL-animated SVG.
//
// All formats share the same preparation pipeline: successful frames
// are loaded in index order, capped to the preset's maximum width,
// timed through DelayOptions, and optionally merged by near-duplicate
// detection before the format-specific encoder runs.
package assemble

import "fmt"

// Format selects the output container.
type Format string

const (
	FormatGIF         Format = "gif"
	FormatMP4         Format = "mp4"
	FormatSpritesheet Format = "spritesheet"
	FormatSVG         Format = "svg"
)

// ParseFormat maps a user-supplied name to a Format.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatGIF, FormatMP4, FormatSpritesheet, FormatSVG:
		return Format(s), nil
	}
	return "", fmt.Errorf("unknown output format %q (valid: gif, mp4, spritesheet, svg)", s)
}

// Preset names a quality/size tradeoff profile.
type Preset string

const (
	PresetWeb          Preset = "web"
	PresetPresentation Preset = "presentation"
	PresetPrint        Preset = "print"
)

type presetSpec struct {
	GIFColors int
	GIFLossy  int
	MP4CRF    int
	MaxWidth  int
}

var presets = map[Preset]presetSpec{
	PresetWeb:          {GIFColors: 128, GIFLossy: 80, MP4CRF: 28, MaxWidth: 800},
	PresetPresentation: {GIFColors: 256, GIFLossy: 40, MP4CRF: 23, MaxWidth: 1920},
	PresetPrint:        {GIFColors: 256, GIFLossy: 0, MP4CRF: 18, MaxWidth: 3840},
}

func presetFor(p Preset) presetSpec {
	if spec, ok := presets[p]; ok {
		return spec
	}
	return presets[PresetPresentation]
}

// DelayOptions controls per-frame display timing.
//
// Overrides maps a frame index to its duration in milliseconds; frames
// not present use DefaultMS. PauseFirstMS and PauseLastMS, when
// positive, replace the first and last frame's duration, which is the
// common way to hold the end state of a sweep on screen.
type DelayOptions struct {
	DefaultMS    int
	Overrides    map[int]int
	PauseFirstMS int
	PauseLastMS  int
}

// Resolve returns the duration of each of n frames in milliseconds.
func (d DelayOptions) Resolve(n int) []int {
	if n <= 0 {
		return nil
	}
	def := d.DefaultMS
	if def <= 0 {
		def = 100
	}
	delays := make([]int, n)
	for i := range delays {
		if ms, ok := d.Overrides[i]; ok {
			delays[i] = ms
		} else {
			delays[i] = def
		}
	}
	if d.PauseFirstMS > 0 {
		delays[0] = d.PauseFirstMS
	}
	if d.PauseLastMS > 0 {
		delays[n-1] = d.PauseLastMS
	}
	return delays
}

// GIFOptions holds GIF-specific knobs.
type GIFOptions struct {
	// Colors is the maximum palette size, clamped to [2, 256].
	Colors int
	// Dither applies Floyd-Steinberg error diffusion during quantization.
	Dither bool
	// LoopCount follows the GIF convention: 0 loops forever.
	LoopCount int
	// Optimize runs gifsicle on the finished file when it is installed.
	Optimize bool
	// LossyLevel is passed to gifsicle as --lossy=N; 0 keeps it lossless.
	LossyLevel int
}

// MP4Options holds video encoding knobs passed through to ffmpeg.
type MP4Options struct {
	Codec       string // libx264 or libx265
	CRF         int
	PixelFormat string
	Speed       string // ffmpeg -preset value
	// LoopCount repeats the whole frame sequence; MP4 has no native loop.
	LoopCount int
}

// SpriteOptions controls spritesheet layout.
type SpriteOptions struct {
	// Columns fixes the grid width; 0 picks ceil(sqrt(n)).
	Columns int
	// Padding is the gap between cells in pixels.
	Padding int
	// WriteJSON emits a companion descriptor next to the sheet.
	WriteJSON bool
}

// SVGOptions controls the SMIL animation output.
type SVGOptions struct {
	// ViewBoxWidth scales the document; frame height follows the aspect.
	ViewBoxWidth int
}

// Metadata is embedded into outputs where the format allows and written
// to a .source.tex sidecar when SourceTeX is set.
type Metadata struct {
	Title     string
	Author    string
	Comment   string
	SourceTeX string
	Custom    map[string]string
}

// Options is the full assembly configuration.
type Options struct {
	Format     Format
	OutputPath string
	Preset     Preset

	Delay DelayOptions

	// Deduplicate merges consecutive near-identical frames, summing
	// their durations.
	Deduplicate    bool
	DedupThreshold float64

	GIF    GIFOptions
	MP4    MP4Options
	Sprite SpriteOptions
	SVG    SVGOptions

	Metadata Metadata
}

// DefaultOptions returns assembly options for the given format and
// destination with the presentation preset applied.
func DefaultOptions(format Format, outputPath string) Options {
	spec := presetFor(PresetPresentation)
	return Options{
		Format:         format,
		OutputPath:     outputPath,
		Preset:         PresetPresentation,
		Delay:          DelayOptions{DefaultMS: 100},
		Deduplicate:    true,
		DedupThreshold: 0.005,
		GIF: GIFOptions{
			Colors:     spec.GIFColors,
			Dither:     true,
			LoopCount:  0,
			Optimize:   true,
			LossyLevel: spec.GIFLossy,
		},
		MP4: MP4Options{
			Codec:       "libx264",
			CRF:         spec.MP4CRF,
			PixelFormat: "yuv420p",
			Speed:       "medium",
			LoopCount:   1,
		},
		Sprite: SpriteOptions{WriteJSON: true},
		SVG:    SVGOptions{ViewBoxWidth: 800},
		Metadata: Metadata{
			Comment: "Generated by tikzgif",
		},
	}
}

// ApplyPreset overwrites the quality-sensitive fields from the named
// preset while leaving everything else untouched.
func (o *Options) ApplyPreset(p Preset) {
	spec := presetFor(p)
	o.Preset = p
	o.GIF.Colors = spec.GIFColors
	o.GIF.LossyLevel = spec.GIFLossy
	o.MP4.CRF = spec.MP4CRF
}

// MaxWidth reports the frame width cap for the active preset.
func (o Options) MaxWidth() int {
	return presetFor(o.Preset).MaxWidth
}
