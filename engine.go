package tikzgif

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// Packages that only work under a Unicode engine.
var unicodePackages = map[string]bool{
	"fontspec":     true,
	"unicode-math": true,
	"luacode":      true,
	"luatexbase":   true,
}

// Packages that specifically need LuaLaTeX.
var luaOnlyPackages = map[string]bool{
	"luacode":      true,
	"luatexbase":   true,
	"tikz-feynman": true,
}

// DetectEngines checks which engines are on PATH and maps each to its
// resolved binary path. Missing engines map to "".
func DetectEngines() map[Engine]string {
	found := make(map[Engine]string, len(Engines))
	for _, eng := range Engines {
		path, err := exec.LookPath(string(eng))
		if err != nil {
			path = ""
		}
		found[eng] = path
	}
	return found
}

// SelectEngine picks the engine to compile with.
//
// Priority: the caller's preference when installed, then the engine the
// drawing's packages demand, then pdflatex, then anything installed.
// Returns ErrNoEngine when nothing suitable is on PATH.
func SelectEngine(preferred Engine, packages []string) (Engine, error) {
	available := DetectEngines()

	var needsUnicode, needsLua bool
	for _, pkg := range packages {
		if unicodePackages[pkg] {
			needsUnicode = true
		}
		if luaOnlyPackages[pkg] {
			needsLua = true
		}
	}

	if preferred != "" && available[preferred] != "" {
		return preferred, nil
	}

	if needsLua {
		if available[LuaLatex] != "" {
			return LuaLatex, nil
		}
		return "", fmt.Errorf("%w: lualatex required by %s but not installed",
			ErrNoEngine, packageNames(packages, luaOnlyPackages))
	}

	if needsUnicode {
		for _, eng := range []Engine{XeLatex, LuaLatex} {
			if available[eng] != "" {
				return eng, nil
			}
		}
		return "", fmt.Errorf("%w: xelatex or lualatex required by %s but neither is installed",
			ErrNoEngine, packageNames(packages, unicodePackages))
	}

	if available[PDFLatex] != "" {
		return PDFLatex, nil
	}
	for _, eng := range Engines {
		if available[eng] != "" {
			return eng, nil
		}
	}
	return "", fmt.Errorf("%w: install TeX Live or MiKTeX", ErrNoEngine)
}

func packageNames(packages []string, filter map[string]bool) string {
	var names []string
	for _, pkg := range packages {
		if filter[pkg] {
			names = append(names, pkg)
		}
	}
	return strings.Join(names, ", ")
}

// BuildCompileCommand assembles the argv for compiling one .tex file.
// Output lands in outputDir, which must be unique per concurrent run:
// the engine writes .aux, .log, and .pdf next to each other and two
// engines sharing a directory corrupt each other's auxiliary files.
func BuildCompileCommand(engine Engine, texPath, outputDir string, shellEscape bool, extraArgs []string) []string {
	cmd := []string{
		string(engine),
		"-interaction=nonstopmode",
		"-halt-on-error",
		"-output-directory=" + outputDir,
	}
	if shellEscape {
		cmd = append(cmd, "--shell-escape")
	}
	cmd = append(cmd, extraArgs...)
	return append(cmd, texPath)
}

// LogError is a single error extracted from an engine .log file.
type LogError struct {
	Line    int    // line in the .tex source, 0 when undetected
	Message string
	Context string // surrounding log text
}

var (
	reErrorLine = regexp.MustCompile(`(?m)^! (.+)$`)
	reLineNum   = regexp.MustCompile(`(?m)^l\.(\d+)\s`)
	reMissPkg   = regexp.MustCompile("! LaTeX Error: File `([^']+)' not found")
	reDimTooBig = regexp.MustCompile(`! Dimension too large`)
	reRunaway   = regexp.MustCompile(`(?m)^Runaway argument\?`)
)

// ParseLog extracts compilation errors from an engine log file.
// Warnings are ignored. A missing log file is itself reported as an
// error, since it means the engine never got far enough to write one.
func ParseLog(logPath string) []LogError {
	data, err := os.ReadFile(logPath)
	if err != nil {
		return []LogError{{
			Message: "log file not found (compilation may have crashed)",
		}}
	}
	return parseLogText(string(data))
}

func parseLogText(text string) []LogError {
	var errs []LogError

	for _, m := range reErrorLine.FindAllStringSubmatchIndex(text, -1) {
		msg := strings.TrimSpace(text[m[2]:m[3]])
		ctx := text[max(0, m[0]-200):min(len(text), m[1]+500)]

		line := 0
		if lm := reLineNum.FindStringSubmatch(ctx); lm != nil {
			line, _ = strconv.Atoi(lm[1])
		}

		if pm := reMissPkg.FindStringSubmatch(text[m[0]:m[1]]); pm != nil {
			msg = fmt.Sprintf("missing package: %s (install it via your TeX distribution's package manager)", pm[1])
		}
		if reDimTooBig.MatchString(ctx) {
			msg += " [hint: a coordinate or length exceeded TeX's maximum dimension (~575cm); check the parameter range]"
		}

		errs = append(errs, LogError{Line: line, Message: msg, Context: ctx})
	}

	for _, m := range reRunaway.FindAllStringIndex(text, -1) {
		errs = append(errs, LogError{
			Message: "runaway argument detected; this usually means mismatched braces {} or brackets [] in the drawing",
			Context: text[max(0, m[0]-100):min(len(text), m[1]+400)],
		})
	}

	// A log with "! " but no matches means a truncated or unrecognized
	// error format; surface the tail rather than nothing.
	if len(errs) == 0 && strings.Contains(text, "! ") {
		tail := text
		if len(tail) > 1500 {
			tail = tail[len(tail)-1500:]
		}
		errs = append(errs, LogError{
			Message: "compilation failed (unrecognized error format)",
			Context: tail,
		})
	}
	return errs
}

// FormatErrors renders parsed log errors as a readable multi-line
// string. With verbose it includes up to ten context lines per error.
func FormatErrors(errs []LogError, verbose bool) string {
	if len(errs) == 0 {
		return "no errors detected"
	}
	var b strings.Builder
	for i, e := range errs {
		loc := "unknown location"
		if e.Line > 0 {
			loc = fmt.Sprintf("line %d", e.Line)
		}
		fmt.Fprintf(&b, "  [%d] %s (%s)\n", i+1, e.Message, loc)
		if verbose && e.Context != "" {
			lines := strings.Split(e.Context, "\n")
			if len(lines) > 10 {
				lines = lines[:10]
			}
			for _, line := range lines {
				fmt.Fprintf(&b, "      | %s\n", line)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
