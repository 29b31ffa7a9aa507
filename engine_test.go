package tikzgif

import (
	"strings"
	"testing"
)

func TestBuildCompileCommand(t *testing.T) {
	tests := []struct {
		name        string
		engine      Engine
		shellEscape bool
		extraArgs   []string
		want        []string
	}{
		{
			name:   "basic",
			engine: PDFLatex,
			want: []string{
				"pdflatex", "-interaction=nonstopmode", "-halt-on-error",
				"-output-directory=/tmp/out", "/tmp/frame.tex",
			},
		},
		{
			name:        "shell escape",
			engine:      XeLatex,
			shellEscape: true,
			want: []string{
				"xelatex", "-interaction=nonstopmode", "-halt-on-error",
				"-output-directory=/tmp/out", "--shell-escape", "/tmp/frame.tex",
			},
		},
		{
			name:      "extra args precede tex path",
			engine:    LuaLatex,
			extraArgs: []string{"-synctex=1"},
			want: []string{
				"lualatex", "-interaction=nonstopmode", "-halt-on-error",
				"-output-directory=/tmp/out", "-synctex=1", "/tmp/frame.tex",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildCompileCommand(tt.engine, "/tmp/frame.tex", "/tmp/out", tt.shellEscape, tt.extraArgs)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d args %v, want %d %v", len(got), got, len(tt.want), tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("arg %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestParseLogBasicError(t *testing.T) {
	log := `This is pdfTeX, Version 3.141592653
(./frame.tex
! Undefined control sequence.
l.12 \drawcircle
                 {0.5}
Here is how much of TeX's memory you used.
`
	errs := parseLogText(log)
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1: %+v", len(errs), errs)
	}
	if !strings.Contains(errs[0].Message, "Undefined control sequence") {
		t.Errorf("message = %q, want undefined control sequence", errs[0].Message)
	}
	if errs[0].Line != 12 {
		t.Errorf("line = %d, want 12", errs[0].Line)
	}
}

func TestParseLogMissingPackage(t *testing.T) {
	log := "! LaTeX Error: File `tikzlings.sty' not found.\n"
	errs := parseLogText(log)
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1", len(errs))
	}
	if !strings.Contains(errs[0].Message, "missing package: tikzlings.sty") {
		t.Errorf("message = %q, want missing package hint", errs[0].Message)
	}
}

func TestParseLogDimensionTooLarge(t *testing.T) {
	log := `! Dimension too large.
l.8 \draw (0,0) circle (1e30)
`
	errs := parseLogText(log)
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1", len(errs))
	}
	if !strings.Contains(errs[0].Message, "maximum dimension") {
		t.Errorf("message = %q, want dimension hint", errs[0].Message)
	}
	if errs[0].Line != 8 {
		t.Errorf("line = %d, want 8", errs[0].Line)
	}
}

func TestParseLogRunawayArgument(t *testing.T) {
	log := `Runaway argument?
{\draw (0,0) -- (1,1
! Paragraph ended before \path was complete.
`
	errs := parseLogText(log)
	var sawRunaway bool
	for _, e := range errs {
		if strings.Contains(e.Message, "mismatched braces") {
			sawRunaway = true
		}
	}
	if !sawRunaway {
		t.Fatalf("no runaway-argument error in %+v", errs)
	}
}

func TestParseLogUnrecognizedFormat(t *testing.T) {
	// "! " present mid-line only, so the structured pattern misses it.
	log := "something went wrong ! badly\n"
	errs := parseLogText(log)
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1", len(errs))
	}
	if !strings.Contains(errs[0].Message, "unrecognized error format") {
		t.Errorf("message = %q", errs[0].Message)
	}
}

func TestParseLogCleanRun(t *testing.T) {
	log := "This is pdfTeX\nOutput written on frame.pdf (1 page, 12345 bytes).\n"
	if errs := parseLogText(log); len(errs) != 0 {
		t.Fatalf("clean log produced errors: %+v", errs)
	}
}

func TestParseLogMissingFile(t *testing.T) {
	errs := ParseLog("/nonexistent/frame.log")
	if len(errs) != 1 || !strings.Contains(errs[0].Message, "log file not found") {
		t.Fatalf("got %+v, want log-file-not-found error", errs)
	}
}

func TestFormatErrors(t *testing.T) {
	errs := []LogError{
		{Line: 5, Message: "Undefined control sequence", Context: "l.5 \\oops\nmore context"},
		{Message: "runaway argument detected"},
	}
	out := FormatErrors(errs, false)
	if !strings.Contains(out, "[1] Undefined control sequence (line 5)") {
		t.Errorf("missing numbered first error:\n%s", out)
	}
	if !strings.Contains(out, "[2] runaway argument detected (unknown location)") {
		t.Errorf("missing second error:\n%s", out)
	}
	if strings.Contains(out, "| l.5") {
		t.Error("context shown without verbose")
	}

	verbose := FormatErrors(errs, true)
	if !strings.Contains(verbose, "      | l.5 \\oops") {
		t.Errorf("verbose output missing context:\n%s", verbose)
	}

	if got := FormatErrors(nil, false); got != "no errors detected" {
		t.Errorf("empty errors = %q", got)
	}
}

func TestSelectEngineNeedsLuaWithoutLua(t *testing.T) {
	// tikz-feynman forces lualatex; on a machine without TeX installed
	// this must fail with ErrNoEngine rather than fall back silently.
	if anyEngineInstalled() {
		t.Skip("a LaTeX engine is installed; selection paths covered elsewhere")
	}
	_, err := SelectEngine("", []string{"tikz-feynman"})
	if err == nil {
		t.Fatal("SelectEngine succeeded with no engines installed")
	}
}

func anyEngineInstalled() bool {
	for _, path := range DetectEngines() {
		if path != "" {
			return true
		}
	}
	return false
}
