package fsindex

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/KatherLab/wsi-viewer/internal/logging"
)

// ErrNotFound is returned when a requested directory does not exist or is
// not a directory.
var ErrNotFound = errors.New("directory not found")

// maxTreeDepth bounds full-tree recursion so cyclic or symlinked structures
// always terminate.
const maxTreeDepth = 20

// probeLimit is the number of entries the has-children probe will inspect
// before giving up and answering optimistically.
const probeLimit = 11

// Observer receives the stable id and absolute path of every matching slide
// file a scan encounters. Used to populate the resolver table
// opportunistically; may be nil.
type Observer func(id, path string)

// Indexer scans slide directories one level at a time.
type Indexer struct {
	exts    []string
	exclude []string
	observe Observer
}

// New creates an Indexer for the given recognized extensions (lowercase,
// leading dot) and exclusion patterns.
func New(exts, exclude []string) *Indexer {
	return &Indexer{exts: exts, exclude: exclude}
}

// SetObserver installs the matching-file observer hook.
func (ix *Indexer) SetObserver(fn Observer) { ix.observe = fn }

func (ix *Indexer) observeFile(path string) {
	if ix.observe != nil {
		ix.observe(ID(path), path)
	}
}

// ScanShallow lists exactly one level of dir. It returns a Node per
// surviving child directory and the count of direct matching files in dir
// itself. Excluded entries are skipped entirely; unreadable entries degrade
// to partial results and are logged, never surfaced as errors. An
// unreadable dir yields empty children and a zero count.
func (ix *Indexer) ScanShallow(ctx context.Context, dir string) ([]*Node, int, error) {
	children := []*Node{}
	total := 0

	entries, err := os.ReadDir(dir)
	if err != nil {
		logging.Warn("cannot list directory", zap.String("dir", dir), zap.Error(err))
		return children, 0, nil
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return children, total, err
		}
		name := entry.Name()
		if Excluded(name, ix.exclude) {
			continue
		}
		path := filepath.Join(dir, name)
		if entry.IsDir() {
			children = append(children, ix.childNode(path, name))
			continue
		}
		if entry.Type().IsRegular() && matchesExt(name, ix.exts) {
			total++
			ix.observeFile(path)
		}
	}

	sortChildren(children)
	return children, total, nil
}

// childNode builds the shallow Node for a subdirectory: direct slide count
// plus the bounded has-children probe. Emptiness is deferred; every
// non-excluded child directory is retained.
func (ix *Indexer) childNode(path, name string) *Node {
	node := &Node{
		ID:    ID(path),
		Name:  name,
		Path:  path,
		IsDir: true,
	}
	if count, ok := ix.countDirectSlides(path); ok {
		node.SlideCount = intPtr(count)
	}
	node.HasChildren = ix.probeChildren(path)
	return node
}

// countDirectSlides counts matching files directly inside dir, never
// descendants. ok is false when the directory cannot be listed.
func (ix *Indexer) countDirectSlides(dir string) (int, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logging.Debug("cannot count slides", zap.String("dir", dir), zap.Error(err))
		return 0, false
	}
	count := 0
	for _, entry := range entries {
		name := entry.Name()
		if Excluded(name, ix.exclude) || !entry.Type().IsRegular() {
			continue
		}
		if matchesExt(name, ix.exts) {
			count++
			ix.observeFile(filepath.Join(dir, name))
		}
	}
	return count, true
}

// probeChildren answers whether dir has at least one non-excluded
// subdirectory by inspecting at most probeLimit entries. If the probe
// exhausts its budget without a definitive answer it reports true, trading
// precision for bounded latency on large directories. Unreadable
// directories report unknown (nil).
func (ix *Indexer) probeChildren(dir string) *bool {
	f, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer f.Close()

	entries, err := f.ReadDir(probeLimit)
	if err != nil && !errors.Is(err, io.EOF) {
		// io.EOF just means an empty directory.
		return nil
	}
	for _, entry := range entries {
		if entry.IsDir() && !Excluded(entry.Name(), ix.exclude) {
			return boolPtr(true)
		}
	}
	if len(entries) >= probeLimit {
		return boolPtr(true)
	}
	return boolPtr(false)
}

// Expand returns one sorted level of children for path. Expansions of
// distinct paths are independent; callers cache per absolute path.
func (ix *Indexer) Expand(ctx context.Context, path string) ([]*Node, error) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil, ErrNotFound
	}
	children, _, err := ix.ScanShallow(ctx, path)
	return children, err
}

// BuildTree recursively indexes root in legacy full mode: the whole subtree
// is walked with a hard depth ceiling, subtrees holding no slides and no
// children are pruned, and slide counts aggregate descendants.
func (ix *Indexer) BuildTree(ctx context.Context, root string) *Node {
	root = canonical(root)
	return ix.walk(ctx, root, filepath.Base(root), 0)
}

func (ix *Indexer) walk(ctx context.Context, dir, name string, depth int) *Node {
	node := &Node{
		ID:       ID(dir),
		Name:     name,
		Path:     dir,
		IsDir:    true,
		Children: []*Node{},
	}
	if depth > maxTreeDepth {
		logging.Warn("max depth reached", zap.String("dir", dir), zap.Int("depth", depth))
		node.SlideCount = intPtr(0)
		return node
	}

	count := 0
	entries, err := os.ReadDir(dir)
	if err != nil {
		logging.Warn("cannot list directory", zap.String("dir", dir), zap.Error(err))
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		entryName := entry.Name()
		if Excluded(entryName, ix.exclude) {
			continue
		}
		path := filepath.Join(dir, entryName)
		if entry.IsDir() {
			child := ix.walk(ctx, path, entryName, depth+1)
			// Only retain subtrees that hold slides somewhere.
			if len(child.Children) > 0 || child.count() > 0 {
				node.Children = append(node.Children, child)
				count += child.count()
			}
		} else if entry.Type().IsRegular() && matchesExt(entryName, ix.exts) {
			count++
			ix.observeFile(path)
		}
	}

	sortChildren(node.Children)
	node.SlideCount = intPtr(count)
	node.HasChildren = boolPtr(len(node.Children) > 0)
	return node
}

// ListSlides returns the ordered SlideRecords for the matching files
// directly inside dir.
func (ix *Indexer) ListSlides(ctx context.Context, dir string) ([]SlideRecord, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, ErrNotFound
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		logging.Warn("cannot list directory", zap.String("dir", dir), zap.Error(err))
		return []SlideRecord{}, nil
	}

	records := []SlideRecord{}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return records, err
		}
		name := entry.Name()
		if !entry.Type().IsRegular() || !matchesExt(name, ix.exts) {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(dir, name)
		records = append(records, newRecord(path, name, fi.Size(), fi.ModTime()))
		ix.observeFile(path)
	}

	sort.Slice(records, func(i, j int) bool {
		return strings.ToLower(records[i].Name) < strings.ToLower(records[j].Name)
	})
	return records, nil
}
