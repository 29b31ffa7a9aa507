package tikzgif

import (
	"errors"
	"fmt"
)

// Sentinel errors for the small set of fatal conditions. Per-frame
// compile failures are not errors at all: they surface as FrameResult
// values with Success=false, so a batch with some bad frames still
// returns a full result list.
var (
	// ErrTemplate marks a structural defect in the input template
	// (missing document markers, missing parameter token). Always fatal
	// before any compilation starts.
	ErrTemplate = errors.New("template error")

	// ErrBoundingBox marks a failed bounding-box normalization: zero
	// probe frames produced a usable box. Always fatal.
	ErrBoundingBox = errors.New("bounding box error")

	// ErrNoEngine is returned when no suitable LaTeX engine is on PATH.
	ErrNoEngine = errors.New("no LaTeX engine found on PATH (install TeX Live or MiKTeX)")
)

// CompileError is the fatal error raised under PolicyAbort when a frame
// fails. It identifies the frame and carries the diagnostic text parsed
// from the engine log.
type CompileError struct {
	Index      int
	Diagnostic string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("frame %d failed to compile:\n%s", e.Index, e.Diagnostic)
}
