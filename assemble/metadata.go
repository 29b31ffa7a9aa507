package assemble

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
)

// WriteSourceSidecar writes the full .tex source next to the output
// file as <output>.source.tex and returns the sidecar path. The
// sidecar is the universal reproducibility record for formats that
// cannot carry an embedded copy of the source.
func WriteSourceSidecar(outputPath, source string) (string, error) {
	sidecar := sidecarPath(outputPath, ".source.tex")
	if err := os.WriteFile(sidecar, []byte(source), 0o644); err != nil {
		return "", err
	}
	return sidecar, nil
}

// CommentString flattens metadata into a single pipe-separated line for
// formats with one free-text comment slot.
func (m Metadata) CommentString() string {
	var parts []string
	if m.Title != "" {
		parts = append(parts, "Title: "+m.Title)
	}
	if m.Author != "" {
		parts = append(parts, "Author: "+m.Author)
	}
	if m.Comment != "" {
		parts = append(parts, m.Comment)
	}
	if m.SourceTeX != "" {
		parts = append(parts, "Source SHA-256: "+sourceDigest(m.SourceTeX))
	}
	if len(parts) == 0 {
		return "tikzgif output"
	}
	return strings.Join(parts, " | ")
}

func sourceDigest(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}
