package tikzgif

import (
	"strings"
	"testing"
)

func TestBoundingBoxDimensions(t *testing.T) {
	b := BoundingBox{XMin: -2, YMin: 1, XMax: 4, YMax: 6}
	if b.Width() != 6 {
		t.Errorf("Width() = %v, want 6", b.Width())
	}
	if b.Height() != 5 {
		t.Errorf("Height() = %v, want 5", b.Height())
	}
}

func TestBoundingBoxUnion(t *testing.T) {
	a := BoundingBox{XMin: 0, YMin: 0, XMax: 10, YMax: 10}
	b := BoundingBox{XMin: -5, YMin: 3, XMax: 7, YMax: 20}
	c := BoundingBox{XMin: 2, YMin: -1, XMax: 3, YMax: 2}

	want := BoundingBox{XMin: -5, YMin: -1, XMax: 10, YMax: 20}

	if got := a.Union(b).Union(c); got != want {
		t.Errorf("a.Union(b).Union(c) = %+v, want %+v", got, want)
	}
	if got := a.Union(c).Union(b); got != want {
		t.Errorf("a.Union(c).Union(b) = %+v, want %+v", got, want)
	}
	if a.Union(b) != b.Union(a) {
		t.Error("Union is not commutative")
	}
	if a.Union(a) != a {
		t.Error("Union with self must be identity")
	}
}

func TestBoundingBoxPadded(t *testing.T) {
	b := BoundingBox{XMin: 0, YMin: 0, XMax: 10, YMax: 4}
	p := b.Padded(5)
	want := BoundingBox{XMin: -5, YMin: -5, XMax: 15, YMax: 9}
	if p != want {
		t.Errorf("Padded(5) = %+v, want %+v", p, want)
	}
	if b != (BoundingBox{XMin: 0, YMin: 0, XMax: 10, YMax: 4}) {
		t.Error("Padded must not mutate the receiver")
	}
}

func TestBoundingBoxTikZClip(t *testing.T) {
	b := BoundingBox{XMin: -1.5, YMin: 0, XMax: 12, YMax: 7.25}
	got := b.TikZClip()
	want := `\useasboundingbox (-1.5bp, 0bp) rectangle (12bp, 7.25bp);`
	if got != want {
		t.Errorf("TikZClip() = %q, want %q", got, want)
	}
}

func TestErrorPolicyRoundTrip(t *testing.T) {
	for _, p := range []ErrorPolicy{PolicyRetry, PolicyAbort, PolicySkip} {
		parsed, err := ParseErrorPolicy(p.String())
		if err != nil {
			t.Errorf("ParseErrorPolicy(%q): %v", p.String(), err)
		}
		if parsed != p {
			t.Errorf("ParseErrorPolicy(%q) = %v, want %v", p.String(), parsed, p)
		}
	}
	if _, err := ParseErrorPolicy("panic"); err == nil {
		t.Error("ParseErrorPolicy(panic) should fail")
	}
	if p, err := ParseErrorPolicy(""); err != nil || p != PolicyRetry {
		t.Errorf("ParseErrorPolicy(\"\") = %v, %v; want retry default", p, err)
	}
}

func TestCompileErrorMessage(t *testing.T) {
	err := &CompileError{Index: 7, Diagnostic: "Undefined control sequence"}
	if !strings.Contains(err.Error(), "7") {
		t.Errorf("CompileError.Error() = %q, must name the frame index", err.Error())
	}
}
