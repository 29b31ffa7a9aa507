// Package render converts compiled PDF frames into raster images.
//
// Conversion is delegated to whichever external tool is installed,
// probed in priority order: pdftoppm (fastest, from poppler-utils),
// Ghostscript (most portable), then ImageMagick (most common, but often
// blocked from reading PDFs by its security policy).
package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/image/draw"
)

// ErrNoBackend is returned when no PDF conversion tool is usable.
var ErrNoBackend = errors.New("no usable pdf conversion backend")

// Config holds the rasterization parameters shared by every backend.
//
// DPI guide: 72 for screen preview, 150 for web quality, 300 for
// presentations, 600 for print.
type Config struct {
	DPI        int
	Background string // X11/SVG color name, "" keeps transparency
	Grayscale  bool

	// Antialias renders at DPI*AAFactor and downsamples, which smooths
	// vector edges beyond what the tools' native antialiasing does.
	Antialias bool
	AAFactor  int

	Threads int
}

// DefaultConfig returns the rasterization defaults: 300 DPI, white
// background, 2x supersampled antialiasing.
func DefaultConfig() Config {
	return Config{
		DPI:        300,
		Background: "white",
		Antialias:  true,
		AAFactor:   2,
		Threads:    max(1, runtime.NumCPU()/2),
	}
}

// renderDPI is the DPI actually passed to the tool.
func (c Config) renderDPI() int {
	if c.Antialias && c.AAFactor > 1 {
		return c.DPI * c.AAFactor
	}
	return c.DPI
}

// Backend is one PDF-to-image conversion strategy.
type Backend interface {
	// Name is the short identifier used on the command line.
	Name() string

	// Available reports whether the backend's tool is installed.
	Available() bool

	// InstallHint returns install instructions for the current platform.
	InstallHint() string

	// Convert rasterizes every page of the PDF, in page order.
	Convert(ctx context.Context, pdfPath string, cfg Config) ([]image.Image, error)
}

// Backends returns all known backends in priority order.
func Backends() []Backend {
	return []Backend{pdftoppmBackend{}, ghostscriptBackend{}, imagemagickBackend{}}
}

// SelectBackend picks a backend by name, or the best available one when
// name is empty.
func SelectBackend(name string) (Backend, error) {
	if name != "" {
		for _, b := range Backends() {
			if b.Name() != name {
				continue
			}
			if !b.Available() {
				return nil, fmt.Errorf("%w: %q is not installed; install: %s", ErrNoBackend, name, b.InstallHint())
			}
			return b, nil
		}
		var names []string
		for _, b := range Backends() {
			names = append(names, b.Name())
		}
		return nil, fmt.Errorf("unknown backend %q (available: %s)", name, strings.Join(names, ", "))
	}
	for _, b := range Backends() {
		if b.Available() {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: install poppler-utils, ghostscript, or imagemagick", ErrNoBackend)
}

// scratchDir creates a private temp directory for a tool invocation.
func scratchDir(tool string) (string, error) {
	dir := filepath.Join(os.TempDir(), "tikzgif-"+tool+"-"+uuid.NewString())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	return dir, nil
}

// loadPNGs decodes the tool's numbered output files in name order and
// applies the shared post-steps (background composite, AA downscale).
func loadPNGs(dir, glob string, cfg Config) ([]image.Image, error) {
	paths, err := filepath.Glob(filepath.Join(dir, glob))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, fmt.Errorf("conversion produced no output files")
	}

	images := make([]image.Image, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		img, err := png.Decode(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", filepath.Base(p), err)
		}
		images = append(images, finishFrame(img, cfg))
	}
	return images, nil
}

// finishFrame composites onto the configured background and downscales
// a supersampled render back to the target DPI.
func finishFrame(img image.Image, cfg Config) image.Image {
	out := compositeBackground(img, cfg.Background)
	if cfg.Antialias && cfg.AAFactor > 1 {
		out = downscale(out, 1.0/float64(cfg.AAFactor))
	}
	return out
}

func compositeBackground(img image.Image, background string) *image.NRGBA {
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if c, ok := namedColor(background); ok {
		draw.Draw(out, out.Bounds(), &image.Uniform{c}, image.Point{}, draw.Src)
	}
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Over)
	return out
}

// downscale resamples with Catmull-Rom, which preserves the thin
// strokes typical of line art better than bilinear.
func downscale(img *image.NRGBA, scale float64) *image.NRGBA {
	b := img.Bounds()
	w := int(math.Round(float64(b.Dx()) * scale))
	h := int(math.Round(float64(b.Dy()) * scale))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(out, out.Bounds(), img, b, draw.Over, nil)
	return out
}

type pdftoppmBackend struct{}

func (pdftoppmBackend) Name() string { return "pdftoppm" }

func (pdftoppmBackend) Available() bool {
	_, err := exec.LookPath("pdftoppm")
	return err == nil
}

func (pdftoppmBackend) InstallHint() string {
	switch runtime.GOOS {
	case "darwin":
		return "brew install poppler"
	case "linux":
		return "sudo apt-get install poppler-utils"
	case "windows":
		return "choco install poppler"
	}
	return "install poppler-utils for your platform"
}

func (pdftoppmBackend) Convert(ctx context.Context, pdfPath string, cfg Config) ([]image.Image, error) {
	dir, err := scratchDir("pdftoppm")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	args := []string{"-png", "-r", strconv.Itoa(cfg.renderDPI())}
	if cfg.Antialias {
		args = append(args, "-aa", "yes")
	}
	if cfg.Grayscale {
		args = append(args, "-gray")
	}
	if cfg.Threads > 1 {
		args = append(args, "-nthreads", strconv.Itoa(cfg.Threads))
	}
	args = append(args, pdfPath, filepath.Join(dir, "page"))

	cmd := exec.CommandContext(ctx, "pdftoppm", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %v\n%s", err, out)
	}
	return loadPNGs(dir, "page-*.png", cfg)
}

type ghostscriptBackend struct{}

func (ghostscriptBackend) Name() string { return "ghostscript" }

func gsExecutable() string {
	for _, name := range []string{"gs", "gswin64c", "gswin32c"} {
		if _, err := exec.LookPath(name); err == nil {
			return name
		}
	}
	return ""
}

func (ghostscriptBackend) Available() bool { return gsExecutable() != "" }

func (ghostscriptBackend) InstallHint() string {
	switch runtime.GOOS {
	case "darwin":
		return "brew install ghostscript"
	case "linux":
		return "sudo apt-get install ghostscript"
	case "windows":
		return "choco install ghostscript"
	}
	return "install Ghostscript for your platform"
}

func (ghostscriptBackend) Convert(ctx context.Context, pdfPath string, cfg Config) ([]image.Image, error) {
	bin := gsExecutable()
	if bin == "" {
		return nil, fmt.Errorf("ghostscript not found on PATH")
	}
	dir, err := scratchDir("gs")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	device := "png16m"
	switch {
	case cfg.Background == "":
		device = "pngalpha"
	case cfg.Grayscale:
		device = "pnggray"
	}

	args := []string{
		"-dBATCH", "-dNOPAUSE", "-dSAFER", "-dQUIET",
		"-sDEVICE=" + device,
		"-r" + strconv.Itoa(cfg.renderDPI()),
		"-sOutputFile=" + filepath.Join(dir, "page-%04d.png"),
	}
	if cfg.Antialias {
		args = append(args, "-dTextAlphaBits=4", "-dGraphicsAlphaBits=4")
	} else {
		args = append(args, "-dTextAlphaBits=1", "-dGraphicsAlphaBits=1")
	}
	if cfg.Threads > 1 {
		args = append(args, "-dNumRenderingThreads="+strconv.Itoa(cfg.Threads))
	}
	args = append(args, pdfPath)

	cmd := exec.CommandContext(ctx, bin, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ghostscript failed: %v\n%s", err, out)
	}
	return loadPNGs(dir, "page-*.png", cfg)
}

type imagemagickBackend struct{}

func (imagemagickBackend) Name() string { return "imagemagick" }

func magickExecutable() string {
	for _, name := range []string{"magick", "convert"} {
		if _, err := exec.LookPath(name); err == nil {
			return name
		}
	}
	return ""
}

func (imagemagickBackend) Available() bool { return magickExecutable() != "" }

func (imagemagickBackend) InstallHint() string {
	var base string
	switch runtime.GOOS {
	case "darwin":
		base = "brew install imagemagick"
	case "linux":
		base = "sudo apt-get install imagemagick"
	case "windows":
		base = "choco install imagemagick"
	default:
		base = "install ImageMagick for your platform"
	}
	return base + policyHint
}

const policyHint = "\nif PDF conversion is blocked by policy, edit /etc/ImageMagick-*/policy.xml and set:\n" +
	`  <policy domain="coder" rights="read" pattern="PDF" />`

func (imagemagickBackend) Convert(ctx context.Context, pdfPath string, cfg Config) ([]image.Image, error) {
	bin := magickExecutable()
	if bin == "" {
		return nil, fmt.Errorf("imagemagick not found on PATH")
	}
	dir, err := scratchDir("magick")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	args := []string{"-density", strconv.Itoa(cfg.renderDPI())}
	if !cfg.Antialias {
		args = append(args, "+antialias")
	}
	if cfg.Background == "" {
		args = append(args, "-background", "none", "-alpha", "on")
	} else {
		args = append(args, "-background", cfg.Background, "-alpha", "remove")
	}
	args = append(args, pdfPath)
	if cfg.Grayscale {
		args = append(args, "-colorspace", "Gray")
	}
	args = append(args, filepath.Join(dir, "page.png"))

	cmd := exec.CommandContext(ctx, bin, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		if strings.Contains(strings.ToLower(string(out)), "not authorized") {
			return nil, fmt.Errorf("imagemagick PDF conversion blocked by security policy%s", policyHint)
		}
		return nil, fmt.Errorf("imagemagick failed: %v\n%s", err, out)
	}
	return loadPNGs(dir, "page*.png", cfg)
}
