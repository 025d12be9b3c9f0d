package store

import (
	"crypto/sha256"
	"fmt"
	"sort"
)

// ContentHash returns the hex sha256 of data.
func ContentHash(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

// SourcesHash computes a deterministic hash over a unit's source files.
// Paths are sorted so the result does not depend on manifest order.
func SourcesHash(contents map[string][]byte) string {
	paths := make([]string, 0, len(contents))
	for p := range contents {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		fmt.Fprintf(h, "file:%s\n", p)
		fmt.Fprintf(h, "hash:%x\n", sha256.Sum256(contents[p]))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
