package tikzgif

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestSelectProbeIndices(t *testing.T) {
	tests := []struct {
		name        string
		totalFrames int
		maxProbes   int
		want        []int
	}{
		{"zero frames", 0, 5, []int{}},
		{"single frame", 1, 5, []int{0}},
		{"fewer frames than probes", 4, 10, []int{0, 1, 2, 3}},
		{"exactly max", 5, 5, []int{0, 1, 2, 3, 4}},
		{"two probes only endpoints", 100, 2, []int{0, 99}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectProbeIndices(tt.totalFrames, tt.maxProbes)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestSelectProbeIndicesProperties(t *testing.T) {
	for _, total := range []int{3, 10, 30, 100, 1000} {
		for _, maxP := range []int{2, 3, 5, 8} {
			got := SelectProbeIndices(total, maxP)
			if len(got) == 0 {
				t.Fatalf("total=%d max=%d: empty", total, maxP)
			}
			if len(got) > maxP && total > maxP {
				t.Errorf("total=%d max=%d: %d probes exceed the cap", total, maxP, len(got))
			}
			if got[0] != 0 {
				t.Errorf("total=%d max=%d: first probe is %d, want 0", total, maxP, got[0])
			}
			if got[len(got)-1] != total-1 {
				t.Errorf("total=%d max=%d: last probe is %d, want %d", total, maxP, got[len(got)-1], total-1)
			}
			for i := 1; i < len(got); i++ {
				if got[i] <= got[i-1] {
					t.Errorf("total=%d max=%d: probes not strictly increasing: %v", total, maxP, got)
				}
			}
		}
	}
}

func TestComputeEnvelope(t *testing.T) {
	boxes := []BoundingBox{
		{XMin: 0, YMin: 0, XMax: 10, YMax: 10},
		{XMin: -3, YMin: 2, XMax: 8, YMax: 15},
		{XMin: 1, YMin: -6, XMax: 4, YMax: 3},
	}
	env, err := ComputeEnvelope(boxes)
	if err != nil {
		t.Fatalf("ComputeEnvelope: %v", err)
	}
	want := BoundingBox{XMin: -3, YMin: -6, XMax: 10, YMax: 15}
	if env != want {
		t.Errorf("envelope = %+v, want %+v", env, want)
	}
}

func TestComputeEnvelopeEmpty(t *testing.T) {
	_, err := ComputeEnvelope(nil)
	if !errors.Is(err, ErrBoundingBox) {
		t.Errorf("ComputeEnvelope(nil) = %v, want ErrBoundingBox", err)
	}
}

func TestCheckConsistency(t *testing.T) {
	consistent := map[int]BoundingBox{
		0: {XMax: 100, YMax: 50},
		1: {XMax: 100.5, YMax: 50.2},
	}
	if ok, _ := CheckConsistency(consistent, 1.0); !ok {
		t.Error("boxes within tolerance flagged as inconsistent")
	}

	inconsistent := map[int]BoundingBox{
		0: {XMax: 100, YMax: 50},
		3: {XMax: 250, YMax: 50},
		7: {XMax: 120, YMax: 50},
	}
	ok, msg := CheckConsistency(inconsistent, 1.0)
	if ok {
		t.Fatal("width spread of 150bp must be flagged")
	}
	// The message names the worst offenders.
	for _, frag := range []string{"frame 0", "frame 3"} {
		if !strings.Contains(msg, frag) {
			t.Errorf("message %q missing %q", msg, frag)
		}
	}

	if ok, _ := CheckConsistency(nil, 1.0); !ok {
		t.Error("empty input must be consistent")
	}
}

// minimalPDF builds just enough PDF structure for the MediaBox parsers.
func minimalPDF(mediaBox string) []byte {
	return []byte("%PDF-1.5\n1 0 obj\n<< /Type /Page /MediaBox " + mediaBox + " >>\nendobj\n%%EOF\n")
}

func TestExtractBBoxMediaBox(t *testing.T) {
	if _, err := exec.LookPath("gs"); err == nil {
		t.Skip("ghostscript present; this test exercises the MediaBox fallback")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "frame.pdf")
	if err := os.WriteFile(path, minimalPDF("[0 0 595.28 841.89]"), 0o644); err != nil {
		t.Fatal(err)
	}

	box, err := ExtractBBox(context.Background(), path)
	if err != nil {
		t.Fatalf("ExtractBBox: %v", err)
	}
	want := BoundingBox{XMin: 0, YMin: 0, XMax: 595.28, YMax: 841.89}
	if box != want {
		t.Errorf("box = %+v, want %+v", box, want)
	}
}

func TestMediaBoxStrict(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want BoundingBox
		ok   bool
	}{
		{
			name: "plain",
			raw:  "/MediaBox [0 0 100 200]",
			want: BoundingBox{XMax: 100, YMax: 200},
			ok:   true,
		},
		{
			name: "negative origin and whitespace",
			raw:  "/MediaBox\n[ -10.5  -20  30  40 ]",
			want: BoundingBox{XMin: -10.5, YMin: -20, XMax: 30, YMax: 40},
			ok:   true,
		},
		{
			name: "missing bracket",
			raw:  "/MediaBox 0 0 100 200",
			ok:   false,
		},
		{
			name: "malformed number",
			raw:  "/MediaBox [0 0 abc 200]",
			ok:   false,
		},
		{
			name: "truncated array",
			raw:  "/MediaBox [0 0 100",
			ok:   false,
		},
		{
			name: "absent",
			raw:  "no box here",
			ok:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := mediaBoxStrict([]byte(tt.raw))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("box = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestMediaBoxScanFallback(t *testing.T) {
	// Garbage before the box defeats the strict parser's first match but
	// not the regexp sweep.
	raw := []byte("/MediaBox [broken\nsome stream data\n/MediaBox [0 0 72 72]\n")
	if _, ok := mediaBoxStrict(raw); ok {
		t.Fatal("strict parser should reject the first malformed box")
	}
	box, ok := mediaBoxScan(raw)
	if !ok {
		t.Fatal("scan fallback failed")
	}
	if box != (BoundingBox{XMax: 72, YMax: 72}) {
		t.Errorf("box = %+v", box)
	}
}

func TestExtractBBoxUnreadable(t *testing.T) {
	_, err := ExtractBBox(context.Background(), filepath.Join(t.TempDir(), "missing.pdf"))
	if !errors.Is(err, ErrBoundingBox) {
		t.Errorf("ExtractBBox on missing file = %v, want ErrBoundingBox", err)
	}
}
