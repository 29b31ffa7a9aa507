package assemble

import (
	"context"
	"fmt"
	"image/gif"
	"os"
	"os/exec"

	"github.com/tikzgif/tikzgif"
)

type gifAssembler struct {
	opts Options
}

// Assemble encodes frames into an animated GIF with a shared global
// palette, then hands the file to gifsicle for cross-frame
// optimization when available.
func (a *gifAssembler) Assemble(ctx context.Context, results []tikzgif.FrameResult) (string, error) {
	frames, err := prepare(results, a.opts)
	if err != nil {
		return "", err
	}

	palette := BuildGlobalPalette(frames, a.opts.GIF.Colors)
	paletted := QuantizeFrames(frames, palette, a.opts.GIF.Dither)

	anim := &gif.GIF{
		Image:     paletted,
		Delay:     make([]int, len(frames)),
		Disposal:  make([]byte, len(frames)),
		LoopCount: a.opts.GIF.LoopCount,
	}
	for i, f := range frames {
		// GIF delays are in hundredths of a second; zero stalls some
		// viewers, so a floor of one tick is applied.
		anim.Delay[i] = max(1, f.DurationMS/10)
		anim.Disposal[i] = gif.DisposalBackground
	}

	out, err := os.Create(a.opts.OutputPath)
	if err != nil {
		return "", err
	}
	if err := gif.EncodeAll(out, anim); err != nil {
		out.Close()
		return "", fmt.Errorf("encode gif: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}

	if a.opts.GIF.Optimize {
		if err := optimizeGifsicle(ctx, a.opts.OutputPath, a.opts.GIF); err != nil {
			tikzgif.Logger().Warn("gifsicle optimization skipped", "error", err)
		}
	}
	return a.opts.OutputPath, nil
}

// optimizeGifsicle rewrites the GIF in place with gifsicle's full
// cross-frame optimization. A missing binary is not an error for the
// caller; the unoptimized file is already valid.
func optimizeGifsicle(ctx context.Context, path string, opts GIFOptions) error {
	bin, err := exec.LookPath("gifsicle")
	if err != nil {
		return nil
	}

	tmp := path + ".opt"
	args := []string{"--optimize=3", "--no-warnings"}
	if opts.LossyLevel > 0 {
		args = append(args, fmt.Sprintf("--lossy=%d", opts.LossyLevel))
	}
	if opts.Colors > 0 && opts.Colors < 256 {
		args = append(args, fmt.Sprintf("--colors=%d", opts.Colors))
	}
	args = append(args, "-o", tmp, path)

	cmd := exec.CommandContext(ctx, bin, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("gifsicle: %w: %s", err, out)
	}
	return os.Rename(tmp, path)
}
