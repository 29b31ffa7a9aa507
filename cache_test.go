package tikzgif

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testCache(t *testing.T) *Cache {
	t.Helper()
	c, err := OpenCache(t.TempDir())
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	return c
}

func TestCacheMissIsNotError(t *testing.T) {
	c := testCache(t)
	h := hashText("never compiled")
	if c.Has(h) {
		t.Fatal("Has returned true for a miss")
	}
	if p := c.PDFPath(h); p != "" {
		t.Fatalf("PDFPath on miss = %q, want empty", p)
	}
	if b := c.BBox(h); b != nil {
		t.Fatalf("BBox on miss = %+v, want nil", b)
	}
}

func TestCacheStoreAndHit(t *testing.T) {
	c := testCache(t)
	spec := FrameSpec{Index: 0, Source: "\\documentclass{standalone}", ContentHash: hashText("\\documentclass{standalone}")}

	srcPath, err := c.StoreSource(spec)
	if err != nil {
		t.Fatalf("StoreSource: %v", err)
	}
	if _, err := os.Stat(srcPath); err != nil {
		t.Fatalf("stored source missing: %v", err)
	}

	pdf := filepath.Join(t.TempDir(), "out.pdf")
	if err := os.WriteFile(pdf, []byte("%PDF-1.5 fake"), 0o644); err != nil {
		t.Fatal(err)
	}
	cached, err := c.StorePDF(spec.ContentHash, pdf)
	if err != nil {
		t.Fatalf("StorePDF: %v", err)
	}
	if !c.Has(spec.ContentHash) {
		t.Fatal("Has returned false after StorePDF")
	}
	if got := c.PDFPath(spec.ContentHash); got != cached {
		t.Fatalf("PDFPath = %q, want %q", got, cached)
	}
}

func TestCacheTwoLevelSharding(t *testing.T) {
	c := testCache(t)
	h := hashText("shard me")
	d, err := c.FrameDir(h)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(c.Root(), "frames", h[:2], h[2:])
	if d != want {
		t.Fatalf("FrameDir = %q, want %q", d, want)
	}
}

func TestCacheBBoxRoundTrip(t *testing.T) {
	c := testCache(t)
	h := hashText("bbox frame")
	b := BoundingBox{XMin: -1.5, YMin: 0, XMax: 12.25, YMax: 8}
	if err := c.StoreBBox(h, b); err != nil {
		t.Fatalf("StoreBBox: %v", err)
	}
	got := c.BBox(h)
	if got == nil {
		t.Fatal("BBox returned nil after StoreBBox")
	}
	if *got != b {
		t.Fatalf("BBox = %+v, want %+v", *got, b)
	}

	// The memo is a read-through layer; a fresh Cache over the same
	// root must see the same box from disk.
	c2, err := OpenCache(c.Root())
	if err != nil {
		t.Fatal(err)
	}
	if got := c2.BBox(h); got == nil || *got != b {
		t.Fatalf("fresh cache BBox = %v, want %+v", got, b)
	}
}

func TestCacheIdempotentStore(t *testing.T) {
	c := testCache(t)
	spec := FrameSpec{Source: "same bytes", ContentHash: hashText("same bytes")}
	p1, err := c.StoreSource(spec)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := c.StoreSource(spec)
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Fatalf("repeated StoreSource paths differ: %q vs %q", p1, p2)
	}
}

func TestCacheTemplateMap(t *testing.T) {
	c := testCache(t)
	th := hashText("template structure")
	frames := map[int]string{0: hashText("f0"), 1: hashText("f1"), 7: hashText("f7")}

	if err := c.StoreTemplateMap(th, frames); err != nil {
		t.Fatalf("StoreTemplateMap: %v", err)
	}
	got := c.LoadTemplateMap(th)
	if len(got) != len(frames) {
		t.Fatalf("LoadTemplateMap returned %d frames, want %d", len(got), len(frames))
	}
	for idx, h := range frames {
		if got[idx] != h {
			t.Errorf("frame %d hash = %q, want %q", idx, got[idx], h)
		}
	}
	if m := c.LoadTemplateMap(hashText("unknown")); m != nil {
		t.Fatalf("LoadTemplateMap for unknown hash = %v, want nil", m)
	}
}

func TestCacheGC(t *testing.T) {
	c := testCache(t)

	oldSpec := FrameSpec{Source: "old frame", ContentHash: hashText("old frame")}
	newSpec := FrameSpec{Source: "new frame", ContentHash: hashText("new frame")}
	oldPath, err := c.StoreSource(oldSpec)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.StoreSource(newSpec); err != nil {
		t.Fatal(err)
	}

	stale := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldPath, stale, stale); err != nil {
		t.Fatal(err)
	}

	removed, err := c.GC(24 * time.Hour)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if removed != 1 {
		t.Fatalf("GC removed %d entries, want 1", removed)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Fatal("stale entry survived GC")
	}
	stats, err := c.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 1 {
		t.Fatalf("Stats.Entries = %d after GC, want 1", stats.Entries)
	}
}

func TestCacheClear(t *testing.T) {
	c := testCache(t)
	for _, s := range []string{"a", "b", "c"} {
		if _, err := c.StoreSource(FrameSpec{Source: s, ContentHash: hashText(s)}); err != nil {
			t.Fatal(err)
		}
	}
	count, err := c.Clear()
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if count != 3 {
		t.Fatalf("Clear returned %d, want 3", count)
	}
	stats, err := c.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 0 {
		t.Fatalf("Stats.Entries = %d after Clear, want 0", stats.Entries)
	}
	// The cache must remain usable after Clear.
	if _, err := c.StoreSource(FrameSpec{Source: "d", ContentHash: hashText("d")}); err != nil {
		t.Fatalf("StoreSource after Clear: %v", err)
	}
}
