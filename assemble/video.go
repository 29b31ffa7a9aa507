package assemble

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/tikzgif/tikzgif"
	"github.com/tikzgif/tikzgif/render"
)

type mp4Assembler struct {
	opts Options
}

// Assemble encodes frames into an MP4 via ffmpeg's concat demuxer,
// which carries per-frame durations and so supports variable frame
// rate. LoopCount physically repeats the sequence since MP4 has no
// loop flag.
func (a *mp4Assembler) Assemble(ctx context.Context, results []tikzgif.FrameResult) (string, error) {
	ffmpeg, err := exec.LookPath("ffmpeg")
	if err != nil {
		return "", fmt.Errorf("ffmpeg is not installed or not on PATH")
	}

	frames, err := prepare(results, a.opts)
	if err != nil {
		return "", err
	}

	work := filepath.Join(os.TempDir(), "tikzgif-mp4-"+uuid.NewString())
	if err := os.MkdirAll(work, 0o755); err != nil {
		return "", err
	}
	defer os.RemoveAll(work)

	concat, err := writeConcatList(work, frames, a.opts.MP4.LoopCount)
	if err != nil {
		return "", err
	}

	args := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", concat,
		"-c:v", a.opts.MP4.Codec,
		"-pix_fmt", a.opts.MP4.PixelFormat,
		"-crf", fmt.Sprintf("%d", a.opts.MP4.CRF),
		"-preset", a.opts.MP4.Speed,
		// H.264 rejects odd dimensions.
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2",
		"-movflags", "+faststart",
	}
	args = append(args, metadataArgs(a.opts.Metadata)...)
	args = append(args, a.opts.OutputPath)

	cmd := exec.CommandContext(ctx, ffmpeg, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("ffmpeg: %w: %s", err, tail(string(out), 800))
	}
	return a.opts.OutputPath, nil
}

// writeConcatList writes frames as a numbered PNG sequence plus the
// concat demuxer list with per-frame durations. The final file entry is
// repeated because the demuxer ignores the duration of the last item
// otherwise.
func writeConcatList(dir string, frames []Frame, loops int) (string, error) {
	if loops < 1 {
		loops = 1
	}
	paths := make([]string, len(frames))
	for i, f := range frames {
		paths[i] = filepath.Join(dir, fmt.Sprintf("frame_%06d.png", i))
		if err := render.SavePNG(f.Image, paths[i]); err != nil {
			return "", err
		}
	}

	var b strings.Builder
	var lastPath string
	for range loops {
		for i, f := range frames {
			fmt.Fprintf(&b, "file '%s'\n", paths[i])
			fmt.Fprintf(&b, "duration %.6f\n", float64(f.DurationMS)/1000.0)
			lastPath = paths[i]
		}
	}
	if lastPath != "" {
		fmt.Fprintf(&b, "file '%s'\n", lastPath)
	}
	listPath := filepath.Join(dir, "frames.txt")
	if err := os.WriteFile(listPath, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return listPath, nil
}

func metadataArgs(m Metadata) []string {
	var args []string
	add := func(key, value string) {
		if value != "" {
			args = append(args, "-metadata", key+"="+value)
		}
	}
	add("title", m.Title)
	add("artist", m.Author)
	add("comment", m.Comment)
	if m.SourceTeX != "" {
		add("description", "source_tex_sha256:"+sourceDigest(m.SourceTeX))
	}
	for k, v := range m.Custom {
		add(k, v)
	}
	return args
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
