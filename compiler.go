package tikzgif

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// CompileRunner compiles one frame and reports the outcome. The runner
// must not panic the pool: panics are recovered into failed results,
// but a runner returning a FrameResult with Success=false and a
// diagnostic message is always preferable.
type CompileRunner func(ctx context.Context, spec FrameSpec, timeout time.Duration) FrameResult

// Compiler turns frame specifications into compiled PDFs, fanning the
// work out over a bounded worker pool and consulting the cache first.
type Compiler struct {
	cfg      Config
	cache    *Cache
	runner   CompileRunner
	progress func(FrameResult)

	mu          sync.Mutex
	engine      Engine   // resolved lazily on first engine invocation
	packages    []string // from the parsed drawing, drives engine choice
	shellEscape bool     // cfg.ShellEscape, or forced by the drawing's packages
}

// CompilerOption configures a Compiler.
type CompilerOption func(*Compiler)

// WithRunner replaces the engine subprocess runner. Intended for tests
// and for callers embedding the pipeline behind a different executor.
func WithRunner(r CompileRunner) CompilerOption {
	return func(c *Compiler) { c.runner = r }
}

// WithProgress registers a callback invoked once per finished frame,
// including cache hits. Called from the orchestrating goroutine, never
// concurrently.
func WithProgress(fn func(FrameResult)) CompilerOption {
	return func(c *Compiler) { c.progress = fn }
}

// NewCompiler builds a Compiler over the given cache.
func NewCompiler(cfg Config, cache *Cache, opts ...CompilerOption) *Compiler {
	c := &Compiler{cfg: cfg, cache: cache, shellEscape: cfg.ShellEscape}
	c.runner = c.defaultRunner
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Compiler) workerCount() int {
	if c.cfg.Workers > 0 {
		return c.cfg.Workers
	}
	// Leave a core for the orchestrator and the OS.
	return max(1, runtime.NumCPU()-1)
}

func (c *Compiler) report(r FrameResult) {
	if c.progress != nil {
		c.progress(r)
	}
}

// resolveEngine picks the engine once per Compiler, honoring the
// configured preference and the packages the drawing loads. Resolution
// happens on first engine invocation so that callers supplying their
// own runner never require a TeX installation.
func (c *Compiler) resolveEngine() (Engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.engine != "" {
		return c.engine, nil
	}
	eng, err := SelectEngine(c.cfg.Engine, c.packages)
	if err != nil {
		return "", err
	}
	c.engine = eng
	Logger().Debug("selected engine", "engine", eng)
	return eng, nil
}

// CompileFrames compiles the given specs and returns results in frame
// index order. Cached frames are served without touching the engine.
// Under PolicyAbort the first failure cancels outstanding work and is
// returned as a *CompileError; under PolicySkip failures appear as
// unsuccessful results; under PolicyRetry each failed frame is rerun
// once with a doubled timeout before being recorded as failed.
func (c *Compiler) CompileFrames(ctx context.Context, specs []FrameSpec) ([]FrameResult, error) {
	log := Logger()
	results := make(map[int]FrameResult, len(specs))
	var toCompile []FrameSpec

	for _, spec := range specs {
		pdf := c.cache.PDFPath(spec.ContentHash)
		if pdf == "" {
			toCompile = append(toCompile, spec)
			continue
		}
		r := FrameResult{
			Index:     spec.Index,
			Success:   true,
			PDFPath:   pdf,
			PNGPath:   c.cache.PNGPath(spec.ContentHash),
			FromCache: true,
			BBox:      c.cache.BBox(spec.ContentHash),
		}
		results[spec.Index] = r
		c.report(r)
	}

	if len(toCompile) == 0 {
		log.Info("all frames served from cache", "frames", len(specs))
		return orderResults(specs, results), nil
	}
	log.Info("compiling frames",
		"total", len(specs),
		"cached", len(specs)-len(toCompile),
		"compiling", len(toCompile),
		"workers", c.workerCount())

	var retryQueue []FrameSpec
	err := c.runPool(ctx, toCompile, c.cfg.Timeout, func(spec FrameSpec, r FrameResult) error {
		if r.Success {
			c.recordSuccess(spec, r, results)
			return nil
		}
		switch c.cfg.Policy {
		case PolicyAbort:
			return &CompileError{Index: spec.Index, Diagnostic: r.ErrorMessage}
		case PolicyRetry:
			retryQueue = append(retryQueue, spec)
		default:
			results[spec.Index] = r
			c.report(r)
			log.Warn("frame failed, skipping", "frame", spec.Index, "error", r.ErrorMessage)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(retryQueue) > 0 {
		log.Info("retrying failed frames", "count", len(retryQueue), "timeout", c.cfg.Timeout*2)
		err := c.runPool(ctx, retryQueue, c.cfg.Timeout*2, func(spec FrameSpec, r FrameResult) error {
			if r.Success {
				c.recordSuccess(spec, r, results)
				return nil
			}
			results[spec.Index] = r
			c.report(r)
			log.Warn("frame failed after retry", "frame", spec.Index, "error", r.ErrorMessage)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return orderResults(specs, results), nil
}

func (c *Compiler) recordSuccess(spec FrameSpec, r FrameResult, results map[int]FrameResult) {
	if r.BBox != nil {
		if err := c.cache.StoreBBox(spec.ContentHash, *r.BBox); err != nil {
			Logger().Warn("caching bounding box failed", "frame", spec.Index, "error", err)
		}
	}
	results[spec.Index] = r
	c.report(r)
}

// runPool runs one compile per spec across the worker pool and invokes
// onDone for every completed frame, in completion order, from this
// goroutine. A non-nil error from onDone cancels the remaining work and
// is returned.
func (c *Compiler) runPool(ctx context.Context, specs []FrameSpec, timeout time.Duration, onDone func(FrameSpec, FrameResult) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type completion struct {
		spec   FrameSpec
		result FrameResult
	}
	jobs := make(chan FrameSpec)
	out := make(chan completion)

	var wg sync.WaitGroup
	for i := 0; i < c.workerCount(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for spec := range jobs {
				r := c.runGuarded(ctx, spec, timeout)
				select {
				case out <- completion{spec, r}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, spec := range specs {
			select {
			case jobs <- spec:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(out)
	}()

	seen := 0
	for done := range out {
		seen++
		if err := onDone(done.spec, done.result); err != nil {
			cancel()
			for range out {
			}
			return err
		}
	}
	if err := ctx.Err(); err != nil && seen < len(specs) {
		return err
	}
	return nil
}

// runGuarded isolates runner panics so one bad frame cannot take down
// the pool.
func (c *Compiler) runGuarded(ctx context.Context, spec FrameSpec, timeout time.Duration) (result FrameResult) {
	defer func() {
		if rec := recover(); rec != nil {
			result = FrameResult{
				Index:        spec.Index,
				ErrorMessage: fmt.Sprintf("worker panic: %v", rec),
			}
		}
	}()
	return c.runner(ctx, spec, timeout)
}

// defaultRunner compiles a frame with the selected LaTeX engine inside
// the frame's own cache directory. The isolated directory is mandatory:
// the engine writes .aux, .log, and .pdf files with names derived from
// the input, and two engines sharing a directory clobber each other.
func (c *Compiler) defaultRunner(ctx context.Context, spec FrameSpec, timeout time.Duration) FrameResult {
	start := time.Now()
	fail := func(msg string) FrameResult {
		return FrameResult{Index: spec.Index, ErrorMessage: msg, Elapsed: time.Since(start)}
	}

	engine, err := c.resolveEngine()
	if err != nil {
		return fail(err.Error())
	}

	texPath, err := c.cache.StoreSource(spec)
	if err != nil {
		return fail(fmt.Sprintf("writing source: %v", err))
	}
	frameDir := filepath.Dir(texPath)

	c.mu.Lock()
	shellEscape := c.shellEscape
	c.mu.Unlock()
	argv := BuildCompileCommand(engine, texPath, frameDir, shellEscape, c.cfg.ExtraArgs)
	runCtx, cancelRun := context.WithTimeout(ctx, timeout)
	defer cancelRun()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = frameDir
	runErr := cmd.Run()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fail(fmt.Sprintf("frame %d timed out after %s; raise the per-frame timeout for complex drawings",
			spec.Index, timeout))
	}

	pdfPath := filepath.Join(frameDir, "frame.pdf")
	if fi, statErr := os.Stat(pdfPath); statErr != nil || fi.Size() == 0 {
		logErrs := ParseLog(filepath.Join(frameDir, "frame.log"))
		msg := FormatErrors(logErrs, false)
		if runErr != nil && len(logErrs) == 0 {
			msg = runErr.Error()
		}
		return fail(msg)
	}

	r := FrameResult{
		Index:   spec.Index,
		Success: true,
		PDFPath: pdfPath,
		Elapsed: time.Since(start),
	}
	// Best effort; frames without a recoverable box still count as
	// compiled and the probe pass tolerates the gap.
	if bbox, err := ExtractBBox(ctx, pdfPath); err == nil {
		r.BBox = &bbox
	}
	return r
}

func orderResults(specs []FrameSpec, results map[int]FrameResult) []FrameResult {
	ordered := make([]FrameResult, 0, len(specs))
	for _, spec := range specs {
		if r, ok := results[spec.Index]; ok {
			ordered = append(ordered, r)
			continue
		}
		ordered = append(ordered, FrameResult{
			Index:        spec.Index,
			ErrorMessage: "frame was not compiled (internal error)",
		})
	}
	return ordered
}

// CompileNormalized runs the full two-pass pipeline: probe a sample of
// frames for their natural bounding boxes, compute the padded envelope,
// then recompile every frame with the envelope enforced so all frames
// share identical dimensions.
//
// When the drawing already pins its box with \useasboundingbox the
// probe pass is skipped and the frames compile as authored.
//
// Returns the results in frame order together with the envelope that
// was enforced (or observed, in the authored-box case).
func (c *Compiler) CompileNormalized(ctx context.Context, source string, values []float64) ([]FrameResult, BoundingBox, error) {
	return c.CompileNormalizedExtra(ctx, source, values, "")
}

// CompileNormalizedExtra is CompileNormalized with extra preamble
// content appended to every frame.
func (c *Compiler) CompileNormalizedExtra(ctx context.Context, source string, values []float64, extraPreamble string) ([]FrameResult, BoundingBox, error) {
	log := Logger()
	parsed, err := ParseTemplate(source, c.paramToken())
	if err != nil {
		return nil, BoundingBox{}, err
	}
	c.adoptTemplate(parsed)

	if parsed.HasBoundingBox {
		log.Info("drawing pins its own bounding box, skipping probe pass")
		specs := GenerateFrameSpecs(parsed, values, nil, extraPreamble)
		results, err := c.CompileFrames(ctx, specs)
		if err != nil {
			return nil, BoundingBox{}, err
		}
		envelope := BoundingBox{XMax: 100, YMax: 100}
		for _, r := range results {
			if r.Success && r.BBox != nil {
				envelope = *r.BBox
				break
			}
		}
		return results, envelope, nil
	}

	// Pass 1: probe a sample of frames at their natural size.
	probeIndices := SelectProbeIndices(len(values), c.cfg.MaxProbes)
	log.Info("probing bounding boxes", "samples", len(probeIndices), "frames", len(values))

	naturalSpecs := GenerateFrameSpecs(parsed, values, nil, extraPreamble)
	probeSpecs := make([]FrameSpec, 0, len(probeIndices))
	for _, i := range probeIndices {
		probeSpecs = append(probeSpecs, naturalSpecs[i])
	}

	probeResults, err := c.CompileFrames(ctx, probeSpecs)
	if err != nil {
		return nil, BoundingBox{}, err
	}
	var probeBoxes []BoundingBox
	for _, r := range probeResults {
		if r.Success && r.BBox != nil {
			probeBoxes = append(probeBoxes, *r.BBox)
		}
	}
	if len(probeBoxes) == 0 {
		return nil, BoundingBox{}, fmt.Errorf("%w: all probe frames failed to compile, fix the engine errors and try again", ErrBoundingBox)
	}

	raw, err := ComputeEnvelope(probeBoxes)
	if err != nil {
		return nil, BoundingBox{}, err
	}
	envelope := raw.Padded(c.cfg.BBoxPadding)
	log.Info("bounding-box envelope computed",
		"xmin", envelope.XMin, "ymin", envelope.YMin,
		"xmax", envelope.XMax, "ymax", envelope.YMax,
		"width", envelope.Width(), "height", envelope.Height())

	// Pass 2: recompile everything with the envelope enforced.
	finalSpecs := GenerateFrameSpecs(parsed, values, &envelope, extraPreamble)

	frameMap := make(map[int]string, len(finalSpecs))
	for _, s := range finalSpecs {
		frameMap[s.Index] = s.ContentHash
	}
	if err := c.cache.StoreTemplateMap(StructureHash(parsed), frameMap); err != nil {
		log.Warn("storing template map failed", "error", err)
	}

	results, err := c.CompileFrames(ctx, finalSpecs)
	if err != nil {
		return nil, BoundingBox{}, err
	}
	return results, envelope, nil
}

// CompileSinglePass compiles every frame without the probe pass. Use it
// when normalization is disabled or an envelope is already known; a nil
// enforced box compiles frames at their natural size.
func (c *Compiler) CompileSinglePass(ctx context.Context, source string, values []float64, enforced *BoundingBox) ([]FrameResult, error) {
	parsed, err := ParseTemplate(source, c.paramToken())
	if err != nil {
		return nil, err
	}
	c.adoptTemplate(parsed)
	specs := GenerateFrameSpecs(parsed, values, enforced, "")
	return c.CompileFrames(ctx, specs)
}

// adoptTemplate records the parsed drawing's package set for engine
// selection and honors its shell-escape requirement.
func (c *Compiler) adoptTemplate(p *ParsedTemplate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packages = p.Packages
	if p.NeedsShellEscape && !c.shellEscape {
		c.shellEscape = true
		Logger().Debug("shell escape enabled by drawing packages")
	}
}

func (c *Compiler) paramToken() string {
	if c.cfg.ParamToken != "" {
		return c.cfg.ParamToken
	}
	return DefaultParamToken
}
