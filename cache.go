package tikzgif

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tikzgif/tikzgif/internal/cache"
)

// Cache artifact file names within a frame's hash directory.
const (
	sourceFile = "frame.tex"
	pdfFile    = "frame.pdf"
	pngFile    = "frame.png"
	bboxFile   = "bbox.json"
)

// DefaultCacheDir returns the platform cache root for tikzgif
// (e.g. ~/.cache/tikzgif on Linux).
func DefaultCacheDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve user cache dir: %w", err)
	}
	return filepath.Join(base, "tikzgif"), nil
}

// Cache is a content-addressable store of compiled frame artifacts.
//
// Layout:
//
//	<root>/frames/<hash[:2]>/<hash[2:]>/   frame.tex, frame.pdf,
//	                                       frame.png, bbox.json
//	<root>/meta/<template_hash>.json       frame index -> content hash
//
// The two-level hash split bounds per-directory entry counts. Entries
// are never mutated in place: new content means a new hash and a new
// directory. Concurrent writers to the same hash always write identical
// bytes, so last-writer-wins is safe without locking, including across
// processes.
type Cache struct {
	root      string
	framesDir string
	metaDir   string

	// bboxMemo avoids re-reading bbox.json for hashes already seen in
	// this process. Purely an optimization; the files stay the source
	// of truth.
	bboxMemo *cache.Memo[string, BoundingBox]
}

// OpenCache opens (creating if needed) the cache rooted at root.
// An empty root selects DefaultCacheDir.
func OpenCache(root string) (*Cache, error) {
	if root == "" {
		var err error
		if root, err = DefaultCacheDir(); err != nil {
			return nil, err
		}
	}
	c := &Cache{
		root:      root,
		framesDir: filepath.Join(root, "frames"),
		metaDir:   filepath.Join(root, "meta"),
		bboxMemo:  cache.New[string, BoundingBox](4096),
	}
	if err := os.MkdirAll(c.framesDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	if err := os.MkdirAll(c.metaDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return c, nil
}

// Root returns the cache root directory.
func (c *Cache) Root() string { return c.root }

func (c *Cache) keyDir(contentHash string) string {
	return filepath.Join(c.framesDir, contentHash[:2], contentHash[2:])
}

// FrameDir returns (creating if needed) the artifact directory for a
// content hash. Each worker compiles inside its frame's own directory, so
// parallel engine runs never share auxiliary files.
func (c *Cache) FrameDir(contentHash string) (string, error) {
	d := c.keyDir(contentHash)
	if err := os.MkdirAll(d, 0o755); err != nil {
		return "", fmt.Errorf("create frame dir: %w", err)
	}
	return d, nil
}

// Has reports whether a compiled PDF exists for the hash.
// Absence is not an error.
func (c *Cache) Has(contentHash string) bool {
	return c.PDFPath(contentHash) != ""
}

// PDFPath returns the cached PDF path, or "" when not cached.
func (c *Cache) PDFPath(contentHash string) string {
	p := filepath.Join(c.keyDir(contentHash), pdfFile)
	if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
		return p
	}
	return ""
}

// PNGPath returns the cached rasterized PNG path, or "" when not cached.
func (c *Cache) PNGPath(contentHash string) string {
	p := filepath.Join(c.keyDir(contentHash), pngFile)
	if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
		return p
	}
	return ""
}

// BBox returns the cached bounding box for the hash, or nil.
func (c *Cache) BBox(contentHash string) *BoundingBox {
	if b, ok := c.bboxMemo.Get(contentHash); ok {
		return &b
	}
	data, err := os.ReadFile(filepath.Join(c.keyDir(contentHash), bboxFile))
	if err != nil {
		return nil
	}
	var b BoundingBox
	if err := json.Unmarshal(data, &b); err != nil {
		return nil
	}
	c.bboxMemo.Set(contentHash, b)
	return &b
}

// StoreSource writes the frame's .tex source into its hash directory
// and returns the written path. Idempotent: the same hash always gets
// the same bytes.
func (c *Cache) StoreSource(spec FrameSpec) (string, error) {
	d, err := c.FrameDir(spec.ContentHash)
	if err != nil {
		return "", err
	}
	p := filepath.Join(d, sourceFile)
	if err := os.WriteFile(p, []byte(spec.Source), 0o644); err != nil {
		return "", fmt.Errorf("store source: %w", err)
	}
	return p, nil
}

// StorePDF copies a compiled PDF into the cache and returns the cached
// path. A no-op copy when src already is the cached path.
func (c *Cache) StorePDF(contentHash, src string) (string, error) {
	return c.storeArtifact(contentHash, src, pdfFile)
}

// StorePNG copies a rasterized PNG into the cache and returns the
// cached path.
func (c *Cache) StorePNG(contentHash, src string) (string, error) {
	return c.storeArtifact(contentHash, src, pngFile)
}

func (c *Cache) storeArtifact(contentHash, src, name string) (string, error) {
	d, err := c.FrameDir(contentHash)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(d, name)
	if same, err := filepath.Abs(src); err == nil {
		if abs, err := filepath.Abs(dest); err == nil && same == abs {
			return dest, nil
		}
	}
	if err := copyFile(src, dest); err != nil {
		return "", fmt.Errorf("store %s: %w", name, err)
	}
	return dest, nil
}

// StoreBBox persists a bounding box alongside the cached frame.
func (c *Cache) StoreBBox(contentHash string, b BoundingBox) error {
	d, err := c.FrameDir(contentHash)
	if err != nil {
		return err
	}
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(d, bboxFile), data, 0o644); err != nil {
		return fmt.Errorf("store bbox: %w", err)
	}
	c.bboxMemo.Set(contentHash, b)
	return nil
}

// templateMeta is the on-disk shape of a template->frames map.
type templateMeta struct {
	TemplateHash string            `json:"template_hash"`
	Timestamp    int64             `json:"timestamp"`
	Frames       map[string]string `json:"frames"`
}

// StoreTemplateMap records which frame hashes belong to a drawing
// revision, keyed by its structure hash. Bookkeeping only: it lets
// tooling relate a template to its frames and judge collectibility.
func (c *Cache) StoreTemplateMap(templateHash string, frames map[int]string) error {
	meta := templateMeta{
		TemplateHash: templateHash,
		Timestamp:    time.Now().Unix(),
		Frames:       make(map[string]string, len(frames)),
	}
	for idx, h := range frames {
		meta.Frames[strconv.Itoa(idx)] = h
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	p := filepath.Join(c.metaDir, templateHash+".json")
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("store template map: %w", err)
	}
	return nil
}

// LoadTemplateMap loads a previously stored frame map, or nil when the
// template hash is unknown or the file is unreadable.
func (c *Cache) LoadTemplateMap(templateHash string) map[int]string {
	data, err := os.ReadFile(filepath.Join(c.metaDir, templateHash+".json"))
	if err != nil {
		return nil
	}
	var meta templateMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil
	}
	frames := make(map[int]string, len(meta.Frames))
	for k, v := range meta.Frames {
		idx, err := strconv.Atoi(k)
		if err != nil {
			return nil
		}
		frames[idx] = v
	}
	return frames
}

// GC removes entries whose source artifact is older than maxAge and
// returns the count removed. Advisory cleanup: a removed entry simply
// becomes a future cache miss.
func (c *Cache) GC(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	prefixes, err := os.ReadDir(c.framesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	for _, prefix := range prefixes {
		if !prefix.IsDir() {
			continue
		}
		prefixDir := filepath.Join(c.framesDir, prefix.Name())
		entries, err := os.ReadDir(prefixDir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			entryDir := filepath.Join(prefixDir, entry.Name())
			fi, err := os.Stat(filepath.Join(entryDir, sourceFile))
			if err != nil || !fi.ModTime().Before(cutoff) {
				continue
			}
			if err := os.RemoveAll(entryDir); err == nil {
				removed++
			}
		}
	}
	c.bboxMemo.Clear()
	return removed, nil
}

// Clear removes every cache entry and returns the prior entry count.
func (c *Cache) Clear() (int, error) {
	count, _, err := c.walkEntries(false)
	if err != nil {
		return 0, err
	}
	if err := os.RemoveAll(c.root); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(c.framesDir, 0o755); err != nil {
		return count, err
	}
	if err := os.MkdirAll(c.metaDir, 0o755); err != nil {
		return count, err
	}
	c.bboxMemo.Clear()
	return count, nil
}

// CacheStats summarizes cache contents for the CLI.
type CacheStats struct {
	Entries   int
	SizeBytes int64
	Root      string
}

// Stats walks the cache and reports entry count and total size.
func (c *Cache) Stats() (CacheStats, error) {
	entries, size, err := c.walkEntries(true)
	if err != nil {
		return CacheStats{}, err
	}
	return CacheStats{Entries: entries, SizeBytes: size, Root: c.root}, nil
}

// walkEntries counts hash directories; with sizes=true it also sums
// file sizes underneath them.
func (c *Cache) walkEntries(sizes bool) (int, int64, error) {
	count := 0
	var total int64

	prefixes, err := os.ReadDir(c.framesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	for _, prefix := range prefixes {
		if !prefix.IsDir() {
			continue
		}
		prefixDir := filepath.Join(c.framesDir, prefix.Name())
		entries, err := os.ReadDir(prefixDir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			count++
			if !sizes {
				continue
			}
			files, err := os.ReadDir(filepath.Join(prefixDir, entry.Name()))
			if err != nil {
				continue
			}
			for _, f := range files {
				if fi, err := f.Info(); err == nil && fi.Mode().IsRegular() {
					total += fi.Size()
				}
			}
		}
	}
	return count, total, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
