package syntax

import (
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	FileScheme = "file://"
	GenScheme  = "gen://"
)

// FileHandle returns the file:// handle of a path on disk.
func FileHandle(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return FileScheme + filepath.ToSlash(abs)
}

// PathOf returns the filesystem path of a file:// handle.
func PathOf(handle string) (string, bool) {
	if !strings.HasPrefix(handle, FileScheme) {
		return "", false
	}
	return filepath.FromSlash(strings.TrimPrefix(handle, FileScheme)), true
}

// IsGenerated reports whether handle names an expansion output.
func IsGenerated(handle string) bool {
	return strings.HasPrefix(handle, GenScheme)
}

// GeneratedHandle names the output of the call site at position in producer.
// The output hash is part of the name, so a handle's content never changes.
// A nonzero salt yields a distinct name for the same output, for when the
// plain name is already taken by another call site.
func GeneratedHandle(producer string, position int, outputHash string, salt int) string {
	sum := sha256.Sum256([]byte(producer))
	if len(outputHash) > 12 {
		outputHash = outputHash[:12]
	}
	if salt > 0 {
		return fmt.Sprintf("%s%x/%d-%s~%d", GenScheme, sum[:6], position, outputHash, salt)
	}
	return fmt.Sprintf("%s%x/%d-%s", GenScheme, sum[:6], position, outputHash)
}
