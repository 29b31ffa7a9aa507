package tikzgif

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultParamToken is the placeholder substituted by the sweep when the
// caller does not choose one.
const DefaultParamToken = `\PARAM`

var (
	reDocumentClass = regexp.MustCompile(`\\documentclass(?:\s*\[([^\]]*)\])?\s*\{([^}]+)\}`)
	reBeginDoc      = regexp.MustCompile(`\\begin\s*\{document\}`)
	reEndDoc        = regexp.MustCompile(`\\end\s*\{document\}`)
	reUsePackage    = regexp.MustCompile(`\\usepackage(?:\s*\[[^\]]*\])?\s*\{([^}]+)\}`)
	reBoundingBox   = regexp.MustCompile(`\\useasboundingbox\b`)
	reBeginTikz     = regexp.MustCompile(`\\begin\s*\{tikzpicture\}[^\n]*\n`)
)

// shellEscapePackages are LaTeX packages that only work with the
// engine's --shell-escape flag enabled.
var shellEscapePackages = map[string]bool{
	"minted":           true,
	"pythontex":        true,
	"svg":              true,
	"gnuplot-lua-tikz": true,
}

// ParsedTemplate is the structural decomposition of a parameterized
// .tex file: preamble, document body, and everything detected along the
// way that influences compilation.
type ParsedTemplate struct {
	Source        string
	Preamble      string
	Body          string
	DocumentClass string
	ClassOptions  []string
	Packages      []string

	// NeedsShellEscape is true when a detected package requires the
	// engine's --shell-escape flag.
	NeedsShellEscape bool

	// HasBoundingBox is true when the body already carries a
	// \useasboundingbox directive; normalization is skipped entirely
	// in that case.
	HasBoundingBox bool

	ParamToken string
}

// ParseTemplate parses a parameterized .tex source into its structural
// components. It returns an error wrapping ErrTemplate when the source
// is missing its document markers, its \documentclass, or the parameter
// token.
func ParseTemplate(source, paramToken string) (*ParsedTemplate, error) {
	if paramToken == "" {
		paramToken = DefaultParamToken
	}

	begin := reBeginDoc.FindStringIndex(source)
	if begin == nil {
		return nil, fmt.Errorf(`%w: missing \begin{document}`, ErrTemplate)
	}
	end := reEndDoc.FindStringIndex(source)
	if end == nil {
		return nil, fmt.Errorf(`%w: missing \end{document}`, ErrTemplate)
	}

	preamble := source[:begin[0]]
	body := source[begin[1]:end[0]]

	class := reDocumentClass.FindStringSubmatch(preamble)
	if class == nil {
		return nil, fmt.Errorf(`%w: missing \documentclass`, ErrTemplate)
	}
	var opts []string
	for _, o := range strings.Split(class[1], ",") {
		if o = strings.TrimSpace(o); o != "" {
			opts = append(opts, o)
		}
	}

	var packages []string
	shellEscape := false
	for _, m := range reUsePackage.FindAllStringSubmatch(preamble, -1) {
		for _, pkg := range strings.Split(m[1], ",") {
			pkg = strings.TrimSpace(pkg)
			if pkg == "" {
				continue
			}
			packages = append(packages, pkg)
			if shellEscapePackages[pkg] {
				shellEscape = true
			}
		}
	}

	if !strings.Contains(body, paramToken) {
		return nil, fmt.Errorf(
			`%w: parameter token %q not found between \begin{document} and \end{document}`,
			ErrTemplate, paramToken,
		)
	}

	return &ParsedTemplate{
		Source:           source,
		Preamble:         preamble,
		Body:             body,
		DocumentClass:    strings.TrimSpace(class[2]),
		ClassOptions:     opts,
		Packages:         packages,
		NeedsShellEscape: shellEscape,
		HasBoundingBox:   reBoundingBox.MatchString(body),
		ParamToken:       paramToken,
	}, nil
}

// FormatParamValue renders a parameter value in its canonical text form:
// shortest decimal representation, trailing zeros and trailing point
// stripped (5.0 -> "5"). Hashing depends on this being deterministic.
func FormatParamValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Linspace returns n evenly spaced values from lo to hi inclusive.
// n <= 0 returns nil; n == 1 returns just lo.
func Linspace(lo, hi float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []float64{lo}
	}
	vals := make([]float64, n)
	step := (hi - lo) / float64(n-1)
	for i := range vals {
		vals[i] = lo + float64(i)*step
	}
	return vals
}

// standalonePreamble rebuilds the preamble with the original document
// class replaced by `standalone` (one tightly cropped page per frame),
// preserving all \usepackage declarations and user class options.
func standalonePreamble(p *ParsedTemplate, extraPreamble string) string {
	var b strings.Builder

	opts := []string{"tikz"}
	hasBorder := false
	for _, o := range p.ClassOptions {
		if o == "tikz" {
			continue
		}
		if strings.HasPrefix(o, "border") {
			hasBorder = true
		}
		opts = append(opts, o)
	}
	if !hasBorder {
		opts = append(opts, "border=2pt")
	}
	fmt.Fprintf(&b, "\\documentclass[%s]{standalone}\n", strings.Join(opts, ", "))

	// Copy the original preamble minus its \documentclass line.
	loc := reDocumentClass.FindStringIndex(p.Preamble)
	rest := p.Preamble[:loc[0]] + p.Preamble[loc[1]:]
	rest = strings.TrimLeft(rest, "\n")
	b.WriteString(rest)
	if !strings.HasSuffix(rest, "\n") && rest != "" {
		b.WriteByte('\n')
	}

	if extraPreamble != "" {
		b.WriteString(strings.TrimRight(extraPreamble, "\n"))
		b.WriteByte('\n')
	}
	return b.String()
}

// frameBody substitutes the parameter token and optionally injects the
// enforced bounding box directly after the tikzpicture opening, where
// TikZ expects canvas directives.
func frameBody(p *ParsedTemplate, value float64, enforced *BoundingBox) string {
	body := strings.ReplaceAll(p.Body, p.ParamToken, FormatParamValue(value))

	if enforced != nil && !p.HasBoundingBox {
		if loc := reBeginTikz.FindStringIndex(body); loc != nil {
			body = body[:loc[1]] + "  " + enforced.TikZClip() + "\n" + body[loc[1]:]
		}
	}
	return body
}

// GenerateFrameSpecs produces one complete standalone .tex document per
// parameter value, each carrying its content hash.
//
// The same (template, value, enforced box) triple always yields byte
// identical source and therefore an identical hash; the cache and the
// normalization pass both rely on that.
func GenerateFrameSpecs(p *ParsedTemplate, values []float64, enforced *BoundingBox, extraPreamble string) []FrameSpec {
	preamble := standalonePreamble(p, extraPreamble)
	specs := make([]FrameSpec, 0, len(values))

	for i, v := range values {
		source := preamble + "\\begin{document}\n" + frameBody(p, v, enforced) + "\\end{document}\n"
		specs = append(specs, FrameSpec{
			Index:       i,
			ParamValue:  v,
			ParamToken:  p.ParamToken,
			Source:      source,
			ContentHash: hashText(source),
		})
	}
	return specs
}

// structureSentinel replaces the parameter token when hashing template
// structure, so the hash is invariant under parameter value changes.
const structureSentinel = "<<PARAM_SENTINEL>>"

// StructureHash digests the template with the parameter token
// neutralized. It stays constant across sweeps of the same drawing and
// changes only when the drawing itself changes; the cache keys its
// template->frame maps by it.
func StructureHash(p *ParsedTemplate) string {
	body := strings.ReplaceAll(p.Body, p.ParamToken, structureSentinel)
	return hashText(p.Preamble + body)
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
