package tikzgif

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed templates/*.tex
var builtinTemplates embed.FS

// Template metadata header delimiters inside a .tex file.
var (
	reMetaStart = regexp.MustCompile(`(?m)^%%---\s*TIKZGIF\s+META\s*---\s*$`)
	reMetaEnd   = regexp.MustCompile(`(?m)^%%---\s*END\s+META\s*---\s*$`)
)

// TemplateParam declares a single sweep or configuration parameter.
type TemplateParam struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"` // float, int, bool, choice, color
	Default     any      `yaml:"default"`
	Min         *float64 `yaml:"min"`
	Max         *float64 `yaml:"max"`
	Step        *float64 `yaml:"step"`
	Choices     []string `yaml:"choices"`
	Description string   `yaml:"description"`
	Sweep       bool     `yaml:"sweep"`
	Unit        string   `yaml:"unit"`
}

// SweepValues generates the values this parameter takes across frames.
// With nFrames > 0 the range is divided evenly; otherwise the declared
// step walks from min to max.
func (p TemplateParam) SweepValues(nFrames int) ([]float64, error) {
	if p.Min == nil || p.Max == nil {
		return nil, fmt.Errorf("parameter %q has no min/max for sweep", p.Name)
	}
	if nFrames > 0 {
		if nFrames < 2 {
			return []float64{*p.Min}, nil
		}
		return Linspace(*p.Min, *p.Max, nFrames), nil
	}
	if p.Step != nil && *p.Step > 0 {
		var vals []float64
		for v := *p.Min; v <= *p.Max+1e-12; v += *p.Step {
			vals = append(vals, v)
		}
		return vals, nil
	}
	return p.SweepValues(30)
}

// TemplateMeta is the metadata block parsed from a template header.
type TemplateMeta struct {
	Name          string          `yaml:"name"`
	Title         string          `yaml:"title"`
	Description   string          `yaml:"description"`
	Author        string          `yaml:"author"`
	Version       string          `yaml:"version"`
	Domain        string          `yaml:"domain"`
	Tags          []string        `yaml:"tags"`
	TikZLibraries []string        `yaml:"tikz_libraries"`
	LatexPackages []string        `yaml:"latex_packages"`
	Engine        Engine          `yaml:"engine"`
	Params        []TemplateParam `yaml:"params"`
	FPS           int             `yaml:"fps"`
	Frames        int             `yaml:"frames"`
	Loop          bool            `yaml:"loop"`
	Bounce        bool            `yaml:"bounce"`
	Extends       string          `yaml:"extends"`
}

// SweepParams returns the parameters marked as sweeps.
func (m TemplateMeta) SweepParams() []TemplateParam {
	var out []TemplateParam
	for _, p := range m.Params {
		if p.Sweep {
			out = append(out, p)
		}
	}
	return out
}

// Param returns the named parameter, or nil.
func (m TemplateMeta) Param(name string) *TemplateParam {
	for i := range m.Params {
		if m.Params[i].Name == name {
			return &m.Params[i]
		}
	}
	return nil
}

// Template is a complete registry entry: metadata plus the raw TeX body
// with {{{ NAME }}} placeholders.
type Template struct {
	Meta TemplateMeta
	Body string
	Path string // source file, empty for builtins and programmatic templates
}

// ParseTemplateMeta parses a .tex file with a TIKZGIF META header into
// a Template. The header is YAML carried in %% comment lines between
// the %%--- TIKZGIF META --- and %%--- END META --- delimiters.
func ParseTemplateMeta(source string) (*Template, error) {
	start := reMetaStart.FindStringIndex(source)
	end := reMetaEnd.FindStringIndex(source)
	if start == nil || end == nil || end[0] < start[1] {
		return nil, fmt.Errorf("%w: missing TIKZGIF META / END META delimiters", ErrTemplate)
	}

	var yamlLines []string
	for _, line := range strings.Split(source[start[1]:end[0]], "\n") {
		trimmed := strings.TrimLeft(line, " \t")
		switch {
		case strings.HasPrefix(trimmed, "%%"):
			trimmed = trimmed[2:]
		case strings.HasPrefix(trimmed, "%"):
			trimmed = trimmed[1:]
		}
		yamlLines = append(yamlLines, trimmed)
	}

	meta := TemplateMeta{
		Name:    "unnamed",
		Version: "1.0.0",
		Engine:  PDFLatex,
		FPS:     15,
		Frames:  30,
		Loop:    true,
	}
	if err := yaml.Unmarshal([]byte(strings.Join(yamlLines, "\n")), &meta); err != nil {
		return nil, fmt.Errorf("%w: invalid metadata header: %v", ErrTemplate, err)
	}

	body := strings.TrimLeft(source[end[1]:], "\n")
	return &Template{Meta: meta, Body: body}, nil
}

// RenderFrame substitutes parameter values into the body for one frame.
// Placeholders use {{{ NAME }}}, a syntax deliberately distinct from
// both LaTeX braces and common template engines. Missing values fall
// back to the parameter's declared default.
func (t *Template) RenderFrame(values map[string]any) string {
	out := t.Body
	for _, p := range t.Meta.Params {
		v, ok := values[p.Name]
		if !ok {
			v = p.Default
		}
		out = strings.ReplaceAll(out, "{{{ "+p.Name+" }}}", formatMetaValue(v))
	}
	return out
}

// TemplateFrame is one fully-substituted frame produced from a template.
type TemplateFrame struct {
	Index  int
	Values map[string]any
	Source string
}

// GenerateFrames renders every frame of the template's sweep. Overrides
// replace parameter defaults; nFrames <= 0 uses the template's
// recommended frame count. A template without a sweep parameter yields
// a single frame.
func (t *Template) GenerateFrames(overrides map[string]any, nFrames int) ([]TemplateFrame, error) {
	sweeps := t.Meta.SweepParams()
	if len(sweeps) == 0 {
		vals := make(map[string]any, len(t.Meta.Params))
		for _, p := range t.Meta.Params {
			vals[p.Name] = overrideOrDefault(overrides, p)
		}
		return []TemplateFrame{{Index: 0, Values: vals, Source: t.RenderFrame(vals)}}, nil
	}

	sweep := sweeps[0]
	if nFrames <= 0 {
		nFrames = t.Meta.Frames
	}
	sweepVals, err := sweep.SweepValues(nFrames)
	if err != nil {
		return nil, err
	}

	frames := make([]TemplateFrame, 0, len(sweepVals))
	for i, sv := range sweepVals {
		vals := make(map[string]any, len(t.Meta.Params))
		for _, p := range t.Meta.Params {
			if p.Name == sweep.Name {
				vals[p.Name] = sv
			} else {
				vals[p.Name] = overrideOrDefault(overrides, p)
			}
		}
		frames = append(frames, TemplateFrame{Index: i, Values: vals, Source: t.RenderFrame(vals)})
	}
	return frames, nil
}

func overrideOrDefault(overrides map[string]any, p TemplateParam) any {
	if v, ok := overrides[p.Name]; ok {
		return v
	}
	return p.Default
}

func formatMetaValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		s := strconv.FormatFloat(x, 'f', 6, 64)
		s = strings.TrimRight(s, "0")
		return strings.TrimRight(s, ".")
	case float32:
		return formatMetaValue(float64(x))
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

// Registry discovers, caches, and serves templates.
//
// Discovery order, highest priority first: caller-supplied extra
// directories, the project-local .tikzgif/templates directory, the
// colon-separated TIKZGIF_TEMPLATE_PATH directories, the user config
// directory, and finally the builtins compiled into the binary.
type Registry struct {
	extraDirs []string

	mu        sync.Mutex
	templates map[string]*Template
	scanned   bool
}

// NewRegistry builds a Registry with optional extra search directories.
func NewRegistry(extraDirs ...string) *Registry {
	return &Registry{extraDirs: extraDirs, templates: make(map[string]*Template)}
}

// SearchDirs returns the on-disk template directories in priority
// order. Builtins are not listed; they always participate last.
func (r *Registry) SearchDirs() []string {
	var dirs []string
	for _, d := range r.extraDirs {
		if isDir(d) {
			dirs = append(dirs, d)
		}
	}
	if cwd, err := os.Getwd(); err == nil {
		if local := filepath.Join(cwd, ".tikzgif", "templates"); isDir(local) {
			dirs = append(dirs, local)
		}
	}
	for _, d := range filepath.SplitList(os.Getenv("TIKZGIF_TEMPLATE_PATH")) {
		if d != "" && isDir(d) {
			dirs = append(dirs, d)
		}
	}
	if cfg, err := os.UserConfigDir(); err == nil {
		if user := filepath.Join(cfg, "tikzgif", "templates"); isDir(user) {
			dirs = append(dirs, user)
		}
	}
	return dirs
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

// Scan rebuilds the template index. It runs automatically on first use;
// call it directly to pick up templates added since.
func (r *Registry) Scan() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanned = false
	r.scanLocked()
}

func (r *Registry) scanLocked() {
	if r.scanned {
		return
	}
	r.templates = make(map[string]*Template)

	// Lowest priority first; later scans overwrite earlier entries.
	fs.WalkDir(builtinTemplates, "templates", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".tex") {
			return nil
		}
		data, err := builtinTemplates.ReadFile(path)
		if err != nil {
			return nil
		}
		if tpl, err := ParseTemplateMeta(string(data)); err == nil {
			r.templates[tpl.Meta.Name] = tpl
		}
		return nil
	})

	dirs := r.SearchDirs()
	for i := len(dirs) - 1; i >= 0; i-- {
		r.scanDir(dirs[i])
	}
	r.scanned = true
}

func (r *Registry) scanDir(dir string) {
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".tex") || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		tpl, err := ParseTemplateMeta(string(data))
		if err != nil {
			Logger().Debug("skipping unparsable template", "path", path, "error", err)
			return nil
		}
		tpl.Path = path
		r.templates[tpl.Meta.Name] = tpl
		return nil
	})
}

// List returns metadata for every known template, sorted by name.
// A non-empty domain filters to that domain.
func (r *Registry) List(domain string) []TemplateMeta {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanLocked()

	var metas []TemplateMeta
	for _, t := range r.templates {
		if domain == "" || t.Meta.Domain == domain {
			metas = append(metas, t.Meta)
		}
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Name < metas[j].Name })
	return metas
}

// Get returns the named template with any inheritance resolved.
func (r *Registry) Get(name string) (*Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanLocked()

	tpl, ok := r.templates[name]
	if !ok {
		names := make([]string, 0, len(r.templates))
		for n := range r.templates {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("template %q not found (available: %s)", name, strings.Join(names, ", "))
	}
	if tpl.Meta.Extends != "" {
		tpl = r.resolveInheritance(tpl)
	}
	return tpl, nil
}

// resolveInheritance merges a child template over its parent: child
// parameters and metadata win, the parent body replaces the child's
// {{{ PARENT_BODY }}} marker.
func (r *Registry) resolveInheritance(child *Template) *Template {
	parent, ok := r.templates[child.Meta.Extends]
	if !ok {
		return child
	}

	merged := child.Meta
	merged.Extends = ""
	if merged.Title == "" {
		merged.Title = parent.Meta.Title
	}
	if merged.Description == "" {
		merged.Description = parent.Meta.Description
	}
	if merged.Author == "" {
		merged.Author = parent.Meta.Author
	}
	if merged.Domain == "" {
		merged.Domain = parent.Meta.Domain
	}
	merged.Tags = mergeUnique(parent.Meta.Tags, child.Meta.Tags)
	merged.TikZLibraries = mergeUnique(parent.Meta.TikZLibraries, child.Meta.TikZLibraries)
	merged.LatexPackages = mergeUnique(parent.Meta.LatexPackages, child.Meta.LatexPackages)

	params := make([]TemplateParam, 0, len(parent.Meta.Params)+len(child.Meta.Params))
	seen := make(map[string]int)
	for _, p := range parent.Meta.Params {
		seen[p.Name] = len(params)
		params = append(params, p)
	}
	for _, p := range child.Meta.Params {
		if i, ok := seen[p.Name]; ok {
			params[i] = p
		} else {
			params = append(params, p)
		}
	}
	merged.Params = params

	body := strings.ReplaceAll(child.Body, "{{{ PARENT_BODY }}}", parent.Body)
	return &Template{Meta: merged, Body: body, Path: child.Path}
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// Register adds or replaces a template programmatically.
func (r *Registry) Register(tpl *Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanLocked()
	r.templates[tpl.Meta.Name] = tpl
}

// Domains returns the sorted set of domains known to the registry.
func (r *Registry) Domains() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanLocked()

	set := make(map[string]bool)
	for _, t := range r.templates {
		if t.Meta.Domain != "" {
			set[t.Meta.Domain] = true
		}
	}
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
