package fsindex

import (
	"path/filepath"
	"strings"
)

// Excluded reports whether an entry name matches any exclusion pattern.
//
// This is deliberately NOT glob matching. A pattern counts as "fuzzy" when
// it starts with '*' or '.' or contains a glob metacharacter; fuzzy patterns
// are stripped of asterisks and tested by substring containment, plain
// patterns by substring containment directly. Both sides are lowercased.
// The semantics are a compatibility shim carried over from the deployments
// this replaces; do not upgrade to real globbing without migrating configs.
func Excluded(name string, patterns []string) bool {
	lname := strings.ToLower(name)
	for _, p := range patterns {
		lp := strings.ToLower(p)
		if lp == "" {
			continue
		}
		if strings.HasPrefix(lp, "*") || strings.HasPrefix(lp, ".") || strings.ContainsAny(lp, "*?[]") {
			if strings.Contains(lname, strings.Trim(lp, "*")) {
				return true
			}
		} else if strings.Contains(lname, lp) {
			return true
		}
	}
	return false
}

// matchesExt reports whether name's extension is one of the recognized
// extensions. Extensions are expected lowercased with a leading dot.
func matchesExt(name string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return false
	}
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}
