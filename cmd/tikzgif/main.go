// Command tikzgif renders parameterized TikZ documents into animations.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lmittmann/tint"

	"github.com/tikzgif/tikzgif"
	"github.com/tikzgif/tikzgif/assemble"
	"github.com/tikzgif/tikzgif/render"
)

const usage = `tikzgif renders parameterized TikZ/LaTeX documents into animations.

Usage:
  tikzgif render [flags] <input.tex>   compile a sweep and assemble the output
  tikzgif templates list [flags]       list available templates
  tikzgif templates show <name>        print a template's metadata and body
  tikzgif cache stats                  show cache size and entry count
  tikzgif cache gc [flags]             remove stale cache entries
  tikzgif cache clear                  remove the whole cache
  tikzgif doctor                       check external tool availability

Run 'tikzgif <command> -h' for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "render":
		err = cmdRender(ctx, os.Args[2:])
	case "templates":
		err = cmdTemplates(os.Args[2:])
	case "cache":
		err = cmdCache(os.Args[2:])
	case "doctor":
		err = cmdDoctor(ctx)
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// setupLogging installs a tinted slog handler as both the process
// default and the library logger.
func setupLogging(verbose, quiet bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if quiet {
		level = slog.LevelWarn
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(logger)
	tikzgif.SetLogger(logger)
}

type renderFlags struct {
	template  string
	set       string
	sweep     string
	from      float64
	to        float64
	frames    int
	output    string
	format    string
	engine    string
	policy    string
	timeout   time.Duration
	workers   int
	dpi       int
	backend   string
	bg        string
	grayscale bool
	noTrim    bool
	fps       int
	pauseLast int
	noDedup   bool
	preset    string
	bounce    bool
	cacheDir  string
	watch     bool
	verbose   bool
	quiet     bool
}

func cmdRender(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("render", flag.ExitOnError)
	var rf renderFlags
	fs.StringVar(&rf.template, "template", "", "render a registered template instead of a file")
	fs.StringVar(&rf.set, "set", "", "template parameter overrides, comma-separated key=value pairs")
	fs.StringVar(&rf.sweep, "sweep", "", "template parameter to sweep (default: first sweepable)")
	fs.Float64Var(&rf.from, "from", 0, "sweep start value (file input)")
	fs.Float64Var(&rf.to, "to", 1, "sweep end value (file input)")
	fs.IntVar(&rf.frames, "frames", 0, "number of frames (0 uses the template default or 30)")
	fs.StringVar(&rf.output, "output", "out.gif", "output file; extension picks the format")
	fs.StringVar(&rf.format, "format", "", "output format: gif, mp4, spritesheet, svg (default: from extension)")
	fs.StringVar(&rf.engine, "engine", "", "latex engine: pdflatex, xelatex, lualatex")
	fs.StringVar(&rf.policy, "on-error", "retry", "frame failure policy: retry, skip, abort")
	fs.DurationVar(&rf.timeout, "timeout", 30*time.Second, "per-frame compile timeout")
	fs.IntVar(&rf.workers, "workers", 0, "parallel compiles (0 = CPU count - 1)")
	fs.IntVar(&rf.dpi, "dpi", 300, "rasterization resolution")
	fs.StringVar(&rf.backend, "backend", "", "pdf converter: pdftoppm, ghostscript, imagemagick")
	fs.StringVar(&rf.bg, "background", "white", "background color name, #RRGGBB, or 'transparent'")
	fs.BoolVar(&rf.grayscale, "grayscale", false, "render in grayscale")
	fs.BoolVar(&rf.noTrim, "no-trim", false, "skip whitespace trimming")
	fs.IntVar(&rf.fps, "fps", 0, "frames per second (0 uses the template default or 10)")
	fs.IntVar(&rf.pauseLast, "pause-last", 0, "hold the final frame for this many milliseconds")
	fs.BoolVar(&rf.noDedup, "no-dedup", false, "keep consecutive duplicate frames")
	fs.StringVar(&rf.preset, "preset", "presentation", "quality preset: web, presentation, print")
	fs.BoolVar(&rf.bounce, "bounce", false, "play the sweep forward then backward")
	fs.StringVar(&rf.cacheDir, "cache-dir", "", "override the compile cache directory")
	fs.BoolVar(&rf.watch, "watch", false, "re-render whenever the input file changes")
	fs.BoolVar(&rf.verbose, "verbose", false, "debug logging")
	fs.BoolVar(&rf.quiet, "quiet", false, "warnings and errors only")
	fs.Parse(args)

	setupLogging(rf.verbose, rf.quiet)

	if rf.template == "" && fs.NArg() != 1 {
		return fmt.Errorf("render needs an input .tex file or --template")
	}

	job, err := buildJob(&rf, fs.Args())
	if err != nil {
		return err
	}

	if err := renderOnce(ctx, job, &rf); err != nil {
		if !rf.watch {
			return err
		}
		slog.Error("render failed, watching for changes", "error", err)
	}
	if !rf.watch {
		return nil
	}
	return watchLoop(ctx, job, &rf)
}

// renderJob is everything derived from the input that a single render
// run needs.
type renderJob struct {
	// watchPath is the file to monitor in watch mode; empty for
	// built-in templates.
	watchPath string

	// reload re-reads the input and returns the sweep source, sweep
	// values, and the delay default in milliseconds.
	reload func() (source string, values []float64, delayMS int, err error)
}

func buildJob(rf *renderFlags, args []string) (*renderJob, error) {
	if rf.template != "" {
		return templateJob(rf)
	}

	input := args[0]
	job := &renderJob{watchPath: input}
	job.reload = func() (string, []float64, int, error) {
		data, err := os.ReadFile(input)
		if err != nil {
			return "", nil, 0, err
		}
		n := rf.frames
		if n <= 0 {
			n = 30
		}
		values := tikzgif.Linspace(rf.from, rf.to, n)
		delay := delayFromFPS(rf.fps, 10)
		return string(data), values, delay, nil
	}
	return job, nil
}

// templateJob resolves a registered template. All non-swept parameters
// are substituted up front; the swept one is replaced by the compiler's
// parameter token so the sweep flows through the normal pipeline.
func templateJob(rf *renderFlags) (*renderJob, error) {
	reg := tikzgif.NewRegistry()

	reload := func() (string, []float64, int, error) {
		tpl, err := reg.Get(rf.template)
		if err != nil {
			return "", nil, 0, err
		}

		overrides, err := parseSetFlag(rf.set)
		if err != nil {
			return "", nil, 0, err
		}

		sweepName := rf.sweep
		if sweepName == "" {
			sweeps := tpl.Meta.SweepParams()
			if len(sweeps) == 0 {
				return "", nil, 0, fmt.Errorf("template %q has no sweepable parameter", rf.template)
			}
			sweepName = sweeps[0].Name
		}
		param := tpl.Meta.Param(sweepName)
		if param == nil {
			return "", nil, 0, fmt.Errorf("template %q has no parameter %q", rf.template, sweepName)
		}

		nFrames := rf.frames
		if nFrames <= 0 {
			nFrames = tpl.Meta.Frames
		}
		values, err := param.SweepValues(nFrames)
		if err != nil {
			return "", nil, 0, err
		}

		// Leave the compiler's token where the swept value goes.
		overrides[sweepName] = tikzgif.DefaultParamToken
		source := tpl.RenderFrame(overrides)

		fps := tpl.Meta.FPS
		if fps <= 0 {
			fps = 10
		}
		delay := delayFromFPS(rf.fps, fps)

		if rf.engine == "" && tpl.Meta.Engine != "" {
			rf.engine = string(tpl.Meta.Engine)
		}
		if tpl.Meta.Bounce {
			rf.bounce = true
		}
		return source, values, delay, nil
	}

	// Disk-backed templates can be watched; embedded ones cannot.
	var watchPath string
	if tpl, err := reg.Get(rf.template); err == nil {
		watchPath = tpl.Path
	}
	return &renderJob{watchPath: watchPath, reload: reload}, nil
}

func delayFromFPS(flagFPS, defaultFPS int) int {
	fps := flagFPS
	if fps <= 0 {
		fps = defaultFPS
	}
	return max(1, 1000/fps)
}

func parseSetFlag(s string) (map[string]any, error) {
	overrides := map[string]any{}
	if s == "" {
		return overrides, nil
	}
	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil, fmt.Errorf("bad --set entry %q (want key=value)", pair)
		}
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			overrides[key] = f
		} else if b, err := strconv.ParseBool(value); err == nil {
			overrides[key] = b
		} else {
			overrides[key] = value
		}
	}
	return overrides, nil
}

func renderOnce(ctx context.Context, job *renderJob, rf *renderFlags) error {
	start := time.Now()

	source, values, delayMS, err := job.reload()
	if err != nil {
		return err
	}
	if rf.bounce && len(values) > 2 {
		for i := len(values) - 2; i > 0; i-- {
			values = append(values, values[i])
		}
	}

	cfg := tikzgif.DefaultConfig()
	cfg.Engine = tikzgif.Engine(rf.engine)
	if rf.engine == "" {
		cfg.Engine = tikzgif.PDFLatex
	}
	cfg.Timeout = rf.timeout
	cfg.Workers = rf.workers
	cfg.CacheDir = rf.cacheDir
	cfg.DPI = rf.dpi
	cfg.Policy, err = tikzgif.ParseErrorPolicy(rf.policy)
	if err != nil {
		return err
	}

	cache, err := tikzgif.OpenCache(cfg.CacheDir)
	if err != nil {
		return err
	}

	total := len(values)
	compiler := tikzgif.NewCompiler(cfg, cache, tikzgif.WithProgress(func(r tikzgif.FrameResult) {
		switch {
		case !r.Success:
			slog.Warn("frame failed", "frame", r.Index, "error", firstLine(r.ErrorMessage))
		case r.FromCache:
			slog.Debug("frame cached", "frame", r.Index, "of", total)
		default:
			slog.Debug("frame compiled", "frame", r.Index, "of", total, "took", r.Elapsed.Round(time.Millisecond))
		}
	}))

	slog.Info("compiling frames", "frames", total, "engine", cfg.Engine)
	results, envelope, err := compiler.CompileNormalized(ctx, source, values)
	if err != nil {
		return err
	}
	slog.Debug("canvas normalized",
		"width_bp", fmt.Sprintf("%.1f", envelope.Width()),
		"height_bp", fmt.Sprintf("%.1f", envelope.Height()))

	backend, err := render.SelectBackend(rf.backend)
	if err != nil {
		return err
	}
	rcfg := render.DefaultConfig()
	rcfg.DPI = rf.dpi
	rcfg.Grayscale = rf.grayscale
	rcfg.Background = normalizeBG(rf.bg)

	slog.Info("rasterizing", "backend", backend.Name(), "dpi", rcfg.DPI)
	images, err := render.Rasterize(ctx, backend, rcfg, results)
	if err != nil {
		return err
	}

	popts := render.DefaultProcessingOptions()
	popts.Trim = !rf.noTrim
	popts.Background = normalizeBG(rf.bg)
	processed, err := render.ProcessFrames(ctx, images, popts)
	if err != nil {
		return err
	}
	for _, w := range processed.Warnings {
		slog.Warn(w)
	}
	for _, w := range render.ValidateFrames(processed.Frames) {
		slog.Warn(w)
	}

	frameResults, cleanup, err := stageFrames(processed)
	if err != nil {
		return err
	}
	defer cleanup()

	format := formatFromPath(rf.output)
	if rf.format != "" {
		if format, err = assemble.ParseFormat(rf.format); err != nil {
			return err
		}
	}
	opts := assemble.DefaultOptions(format, rf.output)
	opts.ApplyPreset(assemble.Preset(rf.preset))
	opts.Delay = assemble.DelayOptions{DefaultMS: delayMS, PauseLastMS: rf.pauseLast}
	opts.Deduplicate = !rf.noDedup
	opts.Metadata.SourceTeX = source

	out, err := assemble.Assemble(ctx, frameResults, opts)
	if err != nil {
		return err
	}

	info, err := os.Stat(out)
	if err != nil {
		return err
	}
	slog.Info("wrote animation",
		"path", out,
		"frames", len(processed.Frames),
		"size_kb", info.Size()/1024,
		"took", time.Since(start).Round(time.Millisecond))
	return nil
}

// stageFrames writes processed frames to a scratch directory so the
// assemblers, which read PNG files, can consume them.
func stageFrames(processed *render.ProcessingResult) ([]tikzgif.FrameResult, func(), error) {
	dir, err := os.MkdirTemp("", "tikzgif-frames-")
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { os.RemoveAll(dir) }

	results := make([]tikzgif.FrameResult, len(processed.Frames))
	for i, img := range processed.Frames {
		path := filepath.Join(dir, fmt.Sprintf("frame_%06d.png", i))
		if err := render.SavePNG(img, path); err != nil {
			cleanup()
			return nil, nil, err
		}
		results[i] = tikzgif.FrameResult{Index: i, Success: true, PNGPath: path}
	}
	return results, cleanup, nil
}

func normalizeBG(bg string) string {
	if bg == "transparent" || bg == "none" {
		return ""
	}
	return bg
}

func formatFromPath(path string) assemble.Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4":
		return assemble.FormatMP4
	case ".svg":
		return assemble.FormatSVG
	case ".png":
		return assemble.FormatSpritesheet
	default:
		return assemble.FormatGIF
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// watchLoop re-renders whenever the input file changes. Editors often
// emit bursts of events for one save, so changes are debounced.
func watchLoop(ctx context.Context, job *renderJob, rf *renderFlags) error {
	if job.watchPath == "" {
		return fmt.Errorf("--watch needs a file-backed input (built-in templates cannot be watched)")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: saves that replace the file (rename+create)
	// would otherwise drop the watch.
	if err := watcher.Add(filepath.Dir(job.watchPath)); err != nil {
		return err
	}
	target := filepath.Clean(job.watchPath)
	slog.Info("watching for changes", "path", target)

	var timer *time.Timer
	pending := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watch error", "error", err)
		case <-pending:
			slog.Info("input changed, re-rendering", "path", target)
			if err := renderOnce(ctx, job, rf); err != nil {
				slog.Error("render failed", "error", err)
			}
		}
	}
}

func cmdTemplates(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("templates needs a subcommand: list, show")
	}
	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("templates list", flag.ExitOnError)
		domain := fs.String("domain", "", "only show templates in this domain")
		verbose := fs.Bool("verbose", false, "debug logging")
		fs.Parse(args[1:])
		setupLogging(*verbose, false)

		reg := tikzgif.NewRegistry()
		metas := reg.List(*domain)
		if len(metas) == 0 {
			fmt.Println("no templates found")
			return nil
		}
		for _, m := range metas {
			fmt.Printf("%-20s %-12s %3d frames   %s\n", m.Name, m.Domain, m.Frames, m.Title)
		}
		return nil

	case "show":
		if len(args) < 2 {
			return fmt.Errorf("templates show needs a template name")
		}
		setupLogging(false, false)
		reg := tikzgif.NewRegistry()
		tpl, err := reg.Get(args[1])
		if err != nil {
			return err
		}
		m := tpl.Meta
		fmt.Printf("%s (%s)\n", m.Name, m.Version)
		if m.Title != "" {
			fmt.Println(m.Title)
		}
		if m.Description != "" {
			fmt.Println(m.Description)
		}
		fmt.Printf("domain: %s   fps: %d   frames: %d   engine: %s\n", m.Domain, m.FPS, m.Frames, m.Engine)
		if len(m.Params) > 0 {
			fmt.Println("\nparameters:")
			for _, p := range m.Params {
				sweep := ""
				if p.Sweep {
					sweep = " [sweep]"
				}
				fmt.Printf("  %-14s %-8s default=%v%s  %s\n", p.Name, p.Type, p.Default, sweep, p.Description)
			}
		}
		fmt.Println("\nbody:")
		fmt.Println(tpl.Body)
		return nil
	}
	return fmt.Errorf("unknown templates subcommand %q", args[0])
}

func cmdCache(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("cache needs a subcommand: stats, gc, clear")
	}

	fs := flag.NewFlagSet("cache "+args[0], flag.ExitOnError)
	dir := fs.String("cache-dir", "", "override the cache directory")
	maxAge := fs.Duration("max-age", 30*24*time.Hour, "gc: remove entries older than this")
	fs.Parse(args[1:])
	setupLogging(false, false)

	cache, err := tikzgif.OpenCache(*dir)
	if err != nil {
		return err
	}

	switch args[0] {
	case "stats":
		stats, err := cache.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("cache root: %s\n", stats.Root)
		fmt.Printf("entries:    %d\n", stats.Entries)
		fmt.Printf("size:       %.1f MB\n", float64(stats.SizeBytes)/(1024*1024))
		return nil
	case "gc":
		removed, err := cache.GC(*maxAge)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d stale entries\n", removed)
		return nil
	case "clear":
		removed, err := cache.Clear()
		if err != nil {
			return err
		}
		fmt.Printf("cleared %d entries\n", removed)
		return nil
	}
	return fmt.Errorf("unknown cache subcommand %q", args[0])
}

func cmdDoctor(ctx context.Context) error {
	setupLogging(false, false)
	report := render.Doctor(ctx)
	fmt.Print(report.Format())
	if !report.Healthy {
		return fmt.Errorf("required tools are missing")
	}
	return nil
}
