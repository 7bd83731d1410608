// Package fsindex builds the browsing tree for slide directories: stable
// path-derived ids, name exclusion, shallow and full directory scanning,
// and on-demand single-level expansion.
package fsindex

import (
	"sort"
	"strings"
	"time"
)

// Node is a directory entry in the browsing tree. Files are never
// materialized as Nodes; they only contribute to slide counts.
//
// SlideCount and HasChildren are nil when not yet computed/unknown so the
// wire format carries an explicit null instead of a sentinel.
type Node struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Path        string  `json:"path"`
	IsDir       bool    `json:"is_dir"`
	Children    []*Node `json:"children"`
	SlideCount  *int    `json:"slide_count"`
	HasChildren *bool   `json:"has_children"`
}

// SlideRecord is the per-listing projection of a slide file. It lives only
// for the duration of a directory listing response.
type SlideRecord struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	MTime int64  `json:"mtime"`
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

// count returns the slide count, treating "not yet computed" as zero for
// ordering purposes.
func (n *Node) count() int {
	if n.SlideCount == nil {
		return 0
	}
	return *n.SlideCount
}

// sortChildren orders siblings so that directories holding slides come
// first, ties broken case-insensitively by name.
func sortChildren(children []*Node) {
	sort.SliceStable(children, func(i, j int) bool {
		ei, ej := children[i].count() == 0, children[j].count() == 0
		if ei != ej {
			return !ei
		}
		return strings.ToLower(children[i].Name) < strings.ToLower(children[j].Name)
	})
}

// newRecord builds a SlideRecord for a matching file.
func newRecord(path, name string, size int64, mtime time.Time) SlideRecord {
	return SlideRecord{
		ID:    ID(path),
		Name:  name,
		Path:  path,
		Size:  size,
		MTime: mtime.Unix(),
	}
}
