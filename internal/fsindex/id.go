package fsindex

import (
	"crypto/sha1"
	"encoding/hex"
	"path/filepath"
)

// ID returns the deterministic 16-character hex identifier for a path.
// The id is a function of the canonical path string only, never of file
// content: renaming or moving a file yields a new id and orphans anything
// cached under the old one. Collisions are accepted as negligible at the
// tens-of-thousands-of-files scale this serves.
func ID(path string) string {
	sum := sha1.Sum([]byte(canonical(path)))
	return hex.EncodeToString(sum[:])[:16]
}

// canonical resolves symlinks and relative segments. If the target does not
// exist the cleaned absolute path is used so an id is still produced.
func canonical(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}
