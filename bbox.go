package tikzgif

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// SelectProbeIndices chooses which frames the normalizer compiles to
// measure natural bounding boxes. The first and last frame are always
// included; the rest are evenly spaced up to maxProbes, so probing cost
// is bounded regardless of sweep length. When totalFrames <= maxProbes,
// every frame is probed.
func SelectProbeIndices(totalFrames, maxProbes int) []int {
	if totalFrames <= 0 {
		return []int{}
	}
	if totalFrames <= maxProbes {
		all := make([]int, totalFrames)
		for i := range all {
			all[i] = i
		}
		return all
	}

	seen := map[int]bool{0: true, totalFrames - 1: true}
	if remaining := maxProbes - 2; remaining > 0 {
		step := float64(totalFrames-1) / float64(remaining+1)
		for i := 1; i <= remaining; i++ {
			seen[int(math.Round(float64(i)*step))] = true
		}
	}

	indices := make([]int, 0, len(seen))
	for idx := range seen {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices
}

// ComputeEnvelope returns the union of all boxes. It returns an error
// wrapping ErrBoundingBox for an empty input, since normalization
// cannot proceed without at least one measured box.
func ComputeEnvelope(boxes []BoundingBox) (BoundingBox, error) {
	if len(boxes) == 0 {
		return BoundingBox{}, fmt.Errorf("%w: cannot compute envelope of zero boxes", ErrBoundingBox)
	}
	env := boxes[0]
	for _, b := range boxes[1:] {
		env = env.Union(b)
	}
	return env, nil
}

// CheckConsistency reports whether all boxes are within tolerance of
// each other in both dimensions. It is a diagnostic, not a gate: the
// returned message describes the worst offenders when inconsistent.
func CheckConsistency(boxes map[int]BoundingBox, tolerance float64) (bool, string) {
	if len(boxes) == 0 {
		return true, "no bounding boxes to check"
	}

	minW, maxW := math.Inf(1), math.Inf(-1)
	minH, maxH := math.Inf(1), math.Inf(-1)
	var minWFrame, maxWFrame, minHFrame, maxHFrame int
	for i, b := range boxes {
		if w := b.Width(); w < minW {
			minW, minWFrame = w, i
		}
		if w := b.Width(); w > maxW {
			maxW, maxWFrame = w, i
		}
		if h := b.Height(); h < minH {
			minH, minHFrame = h, i
		}
		if h := b.Height(); h > maxH {
			maxH, maxHFrame = h, i
		}
	}

	if maxW-minW <= tolerance && maxH-minH <= tolerance {
		return true, "all frames have consistent bounding boxes"
	}

	msg := fmt.Sprintf(
		"bounding boxes are inconsistent across frames: width range %.1fbp (frame %d: %.1fbp, frame %d: %.1fbp), height range %.1fbp (frame %d: %.1fbp, frame %d: %.1fbp)",
		maxW-minW, minWFrame, minW, maxWFrame, maxW,
		maxH-minH, minHFrame, minH, maxHFrame, maxH,
	)
	return false, msg
}

var (
	reHiResBBox = regexp.MustCompile(`%%HiResBoundingBox:\s+([\d.]+)\s+([\d.]+)\s+([\d.]+)\s+([\d.]+)`)
	reMediaBox  = regexp.MustCompile(`/MediaBox\s*\[\s*([-\d.]+)\s+([-\d.]+)\s+([-\d.]+)\s+([-\d.]+)\s*\]`)
)

// ExtractBBox returns the page bounding box of a single-page PDF.
//
// Three methods are tried in order, any one succeeding being
// sufficient: the Ghostscript bbox device (measures actual ink, most
// accurate), a structured parse of the first /MediaBox entry, and a raw
// byte scan for the same field anywhere in the file. An error wrapping
// ErrBoundingBox is returned only when all three fail.
func ExtractBBox(ctx context.Context, pdfPath string) (BoundingBox, error) {
	if b, ok := gsBBox(ctx, pdfPath); ok {
		return b, nil
	}

	raw, err := os.ReadFile(pdfPath)
	if err != nil {
		return BoundingBox{}, fmt.Errorf("%w: cannot read %s: %v", ErrBoundingBox, pdfPath, err)
	}
	if b, ok := mediaBoxStrict(raw); ok {
		return b, nil
	}
	if b, ok := mediaBoxScan(raw); ok {
		return b, nil
	}

	return BoundingBox{}, fmt.Errorf(
		"%w: could not extract bounding box from %s (is the PDF empty?)",
		ErrBoundingBox, pdfPath,
	)
}

// gsBBox runs Ghostscript's bbox device, which writes the measured box
// to stderr.
func gsBBox(ctx context.Context, pdfPath string) (BoundingBox, bool) {
	gs, err := exec.LookPath("gs")
	if err != nil {
		return BoundingBox{}, false
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, gs, "-dBATCH", "-dNOPAUSE", "-dQUIET", "-sDEVICE=bbox", pdfPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return BoundingBox{}, false
	}
	return parseBoxMatch(reHiResBBox.FindSubmatch(out))
}

// mediaBoxStrict parses the /MediaBox of the first page object token by
// token, rejecting anything that is not a well-formed four-number array.
func mediaBoxStrict(raw []byte) (BoundingBox, bool) {
	i := bytes.Index(raw, []byte("/MediaBox"))
	if i < 0 {
		return BoundingBox{}, false
	}
	rest := raw[i+len("/MediaBox"):]

	j := 0
	for j < len(rest) && isPDFSpace(rest[j]) {
		j++
	}
	if j >= len(rest) || rest[j] != '[' {
		return BoundingBox{}, false
	}
	j++

	var nums [4]float64
	for k := range nums {
		for j < len(rest) && isPDFSpace(rest[j]) {
			j++
		}
		start := j
		for j < len(rest) && isNumByte(rest[j]) {
			j++
		}
		v, err := strconv.ParseFloat(string(rest[start:j]), 64)
		if err != nil {
			return BoundingBox{}, false
		}
		nums[k] = v
	}
	for j < len(rest) && isPDFSpace(rest[j]) {
		j++
	}
	if j >= len(rest) || rest[j] != ']' {
		return BoundingBox{}, false
	}
	return BoundingBox{XMin: nums[0], YMin: nums[1], XMax: nums[2], YMax: nums[3]}, true
}

// mediaBoxScan is the loosest fallback: a regular-expression sweep over
// the raw bytes for anything that looks like a MediaBox.
func mediaBoxScan(raw []byte) (BoundingBox, bool) {
	return parseBoxMatch(reMediaBox.FindSubmatch(raw))
}

func parseBoxMatch(m [][]byte) (BoundingBox, bool) {
	if m == nil {
		return BoundingBox{}, false
	}
	var nums [4]float64
	for i := range nums {
		v, err := strconv.ParseFloat(string(m[i+1]), 64)
		if err != nil {
			return BoundingBox{}, false
		}
		nums[i] = v
	}
	return BoundingBox{XMin: nums[0], YMin: nums[1], XMax: nums[2], YMax: nums[3]}, true
}

func isPDFSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == '\f' || c == 0
}

func isNumByte(c byte) bool {
	return c >= '0' && c <= '9' || c == '-' || c == '+' || c == '.'
}
