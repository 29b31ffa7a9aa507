package assemble

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image/png"
	"os"
	"strings"

	"github.com/tikzgif/tikzgif"
)

type svgAssembler struct {
	opts Options
}

// Assemble writes a SMIL-animated SVG. Every frame is base64-encoded
// into an <image> element and a discrete <animate> on its visibility
// attribute shows it during its time slice. The whole timeline repeats
// indefinitely, so the result is self-contained and loops like a GIF
// when embedded in a page.
func (a *svgAssembler) Assemble(ctx context.Context, results []tikzgif.FrameResult) (string, error) {
	frames, err := prepare(results, a.opts)
	if err != nil {
		return "", err
	}

	fw := frames[0].Image.Bounds().Dx()
	fh := frames[0].Image.Bounds().Dy()
	vw := a.opts.SVG.ViewBoxWidth
	if vw <= 0 {
		vw = fw
	}
	vh := max(1, fh*vw/fw)

	var totalMS int
	for _, f := range frames {
		totalMS += f.DurationMS
	}
	totalS := float64(totalMS) / 1000.0

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	fmt.Fprintf(&b,
		`<svg xmlns="http://www.w3.org/2000/svg" xmlns:xlink="http://www.w3.org/1999/xlink" viewBox="0 0 %d %d" width="%d" height="%d">`+"\n",
		vw, vh, vw, vh)

	cumulativeMS := 0
	for _, f := range frames {
		var buf bytes.Buffer
		if err := png.Encode(&buf, f.Image); err != nil {
			return "", fmt.Errorf("encode frame png: %w", err)
		}
		uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())

		beginFrac := float64(cumulativeMS) / float64(totalMS)
		endFrac := float64(cumulativeMS+f.DurationMS) / float64(totalMS)

		fmt.Fprintf(&b, `  <image href="%s" width="%d" height="%d" visibility="hidden">`+"\n", uri, vw, vh)
		keyTimes, values := visibilityTimeline(beginFrac, endFrac)
		fmt.Fprintf(&b,
			`    <animate attributeName="visibility" values="%s" keyTimes="%s" dur="%.3fs" repeatCount="indefinite" calcMode="discrete"/>`+"\n",
			values, keyTimes, totalS)
		b.WriteString("  </image>\n")

		cumulativeMS += f.DurationMS
	}
	b.WriteString("</svg>\n")

	if err := os.WriteFile(a.opts.OutputPath, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return a.opts.OutputPath, nil
}

// visibilityTimeline builds the keyTimes/values pair that keeps a frame
// hidden outside [begin, end), expressed as fractions of the full
// animation duration.
func visibilityTimeline(begin, end float64) (keyTimes, values string) {
	times := []string{"0"}
	vals := []string{"hidden"}

	if begin > 0 {
		times = append(times, fmt.Sprintf("%.6f", begin))
		vals = append(vals, "hidden")
	}
	times = append(times, fmt.Sprintf("%.6f", begin))
	vals = append(vals, "visible")
	times = append(times, fmt.Sprintf("%.6f", end))
	vals = append(vals, "visible")
	if end < 1 {
		times = append(times, fmt.Sprintf("%.6f", end))
		vals = append(vals, "hidden")
	}
	times = append(times, "1")
	vals = append(vals, "hidden")

	return strings.Join(times, ";"), strings.Join(vals, ";")
}
