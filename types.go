package tikzgif

import (
	"fmt"
	"time"
)

// Engine identifies a LaTeX compilation engine.
type Engine string

// Supported LaTeX engines.
const (
	PDFLatex Engine = "pdflatex"
	XeLatex  Engine = "xelatex"
	LuaLatex Engine = "lualatex"
)

// Engines lists all supported engines in detection order.
var Engines = []Engine{PDFLatex, XeLatex, LuaLatex}

// ErrorPolicy controls what happens when a single frame fails to compile.
type ErrorPolicy int

const (
	// PolicyRetry resubmits a failed frame once with a doubled timeout,
	// then records it as failed. This is the default.
	PolicyRetry ErrorPolicy = iota

	// PolicyAbort cancels all outstanding work on the first failure and
	// returns a fatal error identifying the failing frame.
	PolicyAbort

	// PolicySkip records the failure and continues with remaining frames.
	PolicySkip
)

// String returns the policy name as used on the command line.
func (p ErrorPolicy) String() string {
	switch p {
	case PolicyAbort:
		return "abort"
	case PolicySkip:
		return "skip"
	default:
		return "retry"
	}
}

// ParseErrorPolicy parses an error policy name ("abort", "skip", "retry").
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch s {
	case "abort":
		return PolicyAbort, nil
	case "skip":
		return PolicySkip, nil
	case "retry", "":
		return PolicyRetry, nil
	}
	return PolicyRetry, fmt.Errorf("unknown error policy %q (want abort, skip, or retry)", s)
}

// BoundingBox is an axis-aligned rectangle in TeX big points
// (bp, 1bp = 1/72 inch). The zero value is an empty box at the origin.
//
// BoundingBox values are immutable: Union and Padded return new boxes.
type BoundingBox struct {
	XMin float64 `json:"x_min"`
	YMin float64 `json:"y_min"`
	XMax float64 `json:"x_max"`
	YMax float64 `json:"y_max"`
}

// Width returns the horizontal extent of the box.
func (b BoundingBox) Width() float64 { return b.XMax - b.XMin }

// Height returns the vertical extent of the box.
func (b BoundingBox) Height() float64 { return b.YMax - b.YMin }

// Union returns the smallest box enclosing both b and other.
func (b BoundingBox) Union(other BoundingBox) BoundingBox {
	return BoundingBox{
		XMin: min(b.XMin, other.XMin),
		YMin: min(b.YMin, other.YMin),
		XMax: max(b.XMax, other.XMax),
		YMax: max(b.YMax, other.YMax),
	}
}

// Padded returns a new box expanded by pad on all sides.
func (b BoundingBox) Padded(pad float64) BoundingBox {
	return BoundingBox{
		XMin: b.XMin - pad,
		YMin: b.YMin - pad,
		XMax: b.XMax + pad,
		YMax: b.YMax + pad,
	}
}

// TikZClip renders the box as a \useasboundingbox directive, the TikZ
// command that forces a picture onto a fixed canvas.
func (b BoundingBox) TikZClip() string {
	return fmt.Sprintf(
		`\useasboundingbox (%gbp, %gbp) rectangle (%gbp, %gbp);`,
		b.XMin, b.YMin, b.XMax, b.YMax,
	)
}

// FrameSpec is one fully-resolved, self-contained .tex document for a
// single animation frame.
//
// ContentHash is a SHA-256 digest of Source and nothing else: identical
// source always yields an identical hash, which is what makes the
// compilation cache sound.
type FrameSpec struct {
	// Index is the 0-based position of this frame in the sweep.
	Index int

	// ParamValue is the swept scalar substituted into this frame.
	ParamValue float64

	// ParamToken is the placeholder that was substituted (e.g. `\PARAM`).
	ParamToken string

	// Source is the complete, compilable .tex document.
	Source string

	// ContentHash is the hex SHA-256 of Source.
	ContentHash string
}

// FrameResult is the outcome of attempting to compile one FrameSpec.
type FrameResult struct {
	Index        int
	Success      bool
	PDFPath      string
	PNGPath      string
	ErrorMessage string

	// FromCache is true when the result was served from the compilation
	// cache without invoking the engine.
	FromCache bool

	// Elapsed is the wall time spent compiling (zero for cache hits).
	Elapsed time.Duration

	// BBox is the natural bounding box extracted from the compiled PDF,
	// or nil when extraction failed (extraction is best-effort).
	BBox *BoundingBox
}

// Config holds the settings for a compilation job.
// The zero value is not usable; start from DefaultConfig.
type Config struct {
	// Engine is the preferred LaTeX engine. Detection may override it
	// when the template requires a Unicode or Lua engine.
	Engine Engine

	// Policy controls per-frame failure handling.
	Policy ErrorPolicy

	// Workers bounds concurrent engine invocations.
	// 0 means runtime.NumCPU()-1, minimum 1.
	Workers int

	// Timeout is the per-frame compile timeout. The retry phase doubles it.
	Timeout time.Duration

	// CacheDir overrides the cache root. Empty means the platform
	// user-cache directory (see DefaultCacheDir).
	CacheDir string

	// ShellEscape passes --shell-escape to the engine. It is also enabled
	// automatically when the template loads a package that requires it.
	ShellEscape bool

	// ExtraArgs are appended verbatim to the engine command line.
	ExtraArgs []string

	// BBoxPadding is the margin in bp added around the probed envelope.
	BBoxPadding float64

	// MaxProbes caps how many frames the two-pass normalizer compiles
	// to measure natural bounding boxes.
	MaxProbes int

	// ParamToken is the placeholder substituted per frame.
	// Empty means DefaultParamToken.
	ParamToken string

	// DPI is the target rasterization resolution.
	DPI int
}

// DefaultConfig returns the configuration used when callers do not
// override anything: retry policy, auto worker count, 30s timeout,
// 2bp padding, 10 probes, 300 DPI.
func DefaultConfig() Config {
	return Config{
		Engine:      PDFLatex,
		Policy:      PolicyRetry,
		Workers:     0,
		Timeout:     30 * time.Second,
		BBoxPadding: 2.0,
		MaxProbes:   10,
		DPI:         300,
	}
}
