// Package tikzgif turns a parameterized TikZ document into an animation.
//
// # Overview
//
// A template is an ordinary .tex file containing a placeholder token
// (default `\PARAM`). The engine sweeps a scalar parameter across a
// range, generates one complete standalone document per value, compiles
// each with an external LaTeX engine, rasterizes the results, and hands
// the frames to the assemble package for GIF/MP4/spritesheet/SVG output.
//
// # Quick start
//
//	source, _ := os.ReadFile("spiral.tex")
//	cfg := tikzgif.DefaultConfig()
//	cache, _ := tikzgif.OpenCache(cfg.CacheDir)
//	c := tikzgif.NewCompiler(cfg, cache)
//
//	values := tikzgif.Linspace(0, 2*math.Pi, 60)
//	results, envelope, err := c.CompileNormalized(ctx, string(source), values)
//
// # Architecture
//
// The heart of the package is the two-pass bounding-box normalization:
// independently compiled frames of a growing or moving drawing produce
// pages of different sizes, which makes the assembled animation jitter.
// The engine probes a bounded sample of frames for their natural
// extents, unions them into a padded envelope, and regenerates every
// frame with that envelope enforced, so all pages are identical.
//
// Compiled artifacts are stored in a content-addressable cache keyed by
// the SHA-256 of each frame's full source, so unchanged frames are never
// recompiled, across runs and across processes.
//
// The library is silent by default; see [SetLogger].
package tikzgif
