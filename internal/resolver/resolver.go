package resolver

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/KatherLab/wsi-viewer/internal/fsindex"
	"github.com/KatherLab/wsi-viewer/internal/logging"
	"github.com/KatherLab/wsi-viewer/internal/metrics"
)

// ErrNotFound is returned when no configured root holds a slide with the
// requested id.
var ErrNotFound = errors.New("slide id not found")

// Resolver turns a stable id back into a path. Tier one is the
// acceleration table; on a miss it either walks every root (fallback
// enabled) or fails fast — an explicit configuration choice, not a default.
type Resolver struct {
	table    *Table
	roots    []string
	exts     []string
	fallback bool
}

// New creates a Resolver over the configured roots.
func New(table *Table, roots, exts []string, fallbackWalk bool) *Resolver {
	return &Resolver{table: table, roots: roots, exts: exts, fallback: fallbackWalk}
}

// Table returns the shared acceleration table so scans can populate it
// opportunistically.
func (r *Resolver) Table() *Table { return r.table }

// Observer returns the fsindex observer hook that records every matching
// file a scan sees.
func (r *Resolver) Observer() fsindex.Observer {
	return func(id, path string) {
		r.table.Set(context.Background(), id, path)
	}
}

// Resolve returns the absolute path for id or ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, id string) (string, error) {
	if path, ok := r.table.Get(ctx, id); ok {
		return path, nil
	}
	if !r.fallback {
		return "", ErrNotFound
	}
	return r.walk(ctx, id)
}

// walk is the baseline lookup: recurse every root, filter by extension,
// compare ids. O(total matching files); every candidate seen is written
// into the table so repeat lookups stay off this path.
func (r *Resolver) walk(ctx context.Context, id string) (string, error) {
	metrics.RecordResolverWalk()

	var found string
	for _, root := range r.roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// Unreadable subtrees degrade to skipped, never fail the walk.
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			if d.IsDir() || !matchesExt(path, r.exts) {
				return nil
			}
			candidate := fsindex.ID(path)
			r.table.Set(ctx, candidate, path)
			if candidate == id {
				found = path
				return fs.SkipAll
			}
			return nil
		})
		if err != nil && !errors.Is(err, fs.SkipAll) {
			if ctx.Err() != nil {
				return "", err
			}
			logging.Warn("resolver walk failed", zap.String("root", root), zap.Error(err))
		}
		if found != "" {
			return found, nil
		}
	}
	return "", ErrNotFound
}

func matchesExt(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}
