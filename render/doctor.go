package render

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tikzgif/tikzgif"
)

// ToolProbe is the result of probing one external tool.
type ToolProbe struct {
	Name    string
	Found   bool
	Path    string
	Version string
	Notes   string
}

// probeTool locates a binary and asks it for its version line.
func probeTool(ctx context.Context, name, versionFlag string) ToolProbe {
	path, err := exec.LookPath(name)
	if err != nil {
		return ToolProbe{Name: name}
	}
	probe := ToolProbe{Name: name, Found: true, Path: path}

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(pctx, path, versionFlag).CombinedOutput()
	if err != nil && len(out) == 0 {
		probe.Notes = fmt.Sprintf("version check failed: %v", err)
		return probe
	}
	if line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n"); line != "" {
		probe.Version = strings.TrimSpace(line)
	} else {
		probe.Version = "unknown"
	}
	return probe
}

// ProbeSystem checks every external tool the pipeline can use: the
// LaTeX engines, the PDF conversion tools, and the assembly helpers.
func ProbeSystem(ctx context.Context) map[string]ToolProbe {
	tools := make(map[string]ToolProbe)

	for _, eng := range tikzgif.Engines {
		tools[string(eng)] = probeTool(ctx, string(eng), "--version")
	}

	tools["pdftoppm"] = probeTool(ctx, "pdftoppm", "-v")

	if bin := gsExecutable(); bin != "" {
		tools["ghostscript"] = probeTool(ctx, bin, "--version")
	} else {
		tools["ghostscript"] = ToolProbe{Name: "ghostscript"}
	}

	if bin := magickExecutable(); bin != "" {
		probe := probeTool(ctx, bin, "-version")
		probe.Notes = checkImageMagickPolicy()
		tools["imagemagick"] = probe
	} else {
		tools["imagemagick"] = ToolProbe{Name: "imagemagick"}
	}

	tools["ffmpeg"] = probeTool(ctx, "ffmpeg", "-version")
	tools["gifsicle"] = probeTool(ctx, "gifsicle", "--version")
	return tools
}

// checkImageMagickPolicy scans the system policy files for a rule that
// blocks PDF reads, the most common reason ImageMagick conversion fails.
func checkImageMagickPolicy() string {
	matches, _ := filepath.Glob("/etc/ImageMagick-*/policy.xml")
	for _, p := range matches {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		text := string(data)
		if strings.Contains(text, `pattern="PDF"`) && strings.Contains(text, `rights="none"`) {
			return fmt.Sprintf("PDF reads blocked by %s; set rights=\"read\" for pattern=\"PDF\"", p)
		}
	}
	return ""
}

// Report is the doctor's overall verdict.
type Report struct {
	Probes   map[string]ToolProbe
	Warnings []string
	Healthy  bool
}

// Doctor probes the system and judges whether a render can succeed:
// at least one LaTeX engine and one conversion tool must be present.
func Doctor(ctx context.Context) Report {
	probes := ProbeSystem(ctx)
	var warnings []string

	engineFound := false
	for _, eng := range tikzgif.Engines {
		if probes[string(eng)].Found {
			engineFound = true
			break
		}
	}
	if !engineFound {
		warnings = append(warnings, "no LaTeX engine found; install TeX Live or MiKTeX")
	}

	converterFound := false
	for _, b := range Backends() {
		if b.Available() {
			converterFound = true
			break
		}
	}
	if !converterFound {
		warnings = append(warnings, "no PDF conversion tool found; install poppler-utils, ghostscript, or imagemagick")
	}

	if p := probes["imagemagick"]; p.Found && p.Notes != "" {
		warnings = append(warnings, "imagemagick: "+p.Notes)
	}
	if !probes["ffmpeg"].Found {
		warnings = append(warnings, "ffmpeg not found; video output unavailable")
	}

	return Report{
		Probes:   probes,
		Warnings: warnings,
		Healthy:  engineFound && converterFound,
	}
}

// Format renders a report as the text shown by the doctor subcommand.
func (r Report) Format() string {
	names := make([]string, 0, len(r.Probes))
	for n := range r.Probes {
		names = append(names, n)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("tool check:\n")
	for _, n := range names {
		p := r.Probes[n]
		if !p.Found {
			fmt.Fprintf(&b, "  %-12s missing\n", n)
			continue
		}
		fmt.Fprintf(&b, "  %-12s %s (%s)\n", n, p.Version, p.Path)
	}
	if len(r.Warnings) > 0 {
		b.WriteString("warnings:\n")
		for _, w := range r.Warnings {
			fmt.Fprintf(&b, "  - %s\n", w)
		}
	}
	if r.Healthy {
		b.WriteString("system is ready to render\n")
	} else {
		b.WriteString("system cannot render; fix the warnings above\n")
	}
	return b.String()
}
