package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/KatherLab/wsi-viewer/internal/config"
	"github.com/KatherLab/wsi-viewer/internal/fsindex"
	"github.com/KatherLab/wsi-viewer/internal/governor"
	"github.com/KatherLab/wsi-viewer/internal/logging"
	"github.com/KatherLab/wsi-viewer/internal/metrics"
	"github.com/KatherLab/wsi-viewer/internal/slide"
	"github.com/KatherLab/wsi-viewer/internal/tiles"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "wsi-viewer",
	})
}

// handleTree lists the configured roots as top-level nodes. The default
// shallow mode defers descent; mode=full builds the legacy pruned full
// tree. Roots scan concurrently and degrade independently: a missing or
// failed root yields a placeholder, never a failed response.
func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	full := r.URL.Query().Get("mode") == "full"

	results := make([]json.RawMessage, len(s.cfg.Roots))
	g, ctx := errgroup.WithContext(r.Context())
	for i, root := range s.cfg.Roots {
		i, root := i, root
		g.Go(func() error {
			results[i] = s.rootTree(ctx, root, full)
			return nil
		})
	}
	g.Wait()

	writeJSON(w, http.StatusOK, results)
}

func (s *Server) rootTree(ctx context.Context, root config.Root, full bool) json.RawMessage {
	category := "shallow"
	if full {
		category = "tree"
	}

	info, err := os.Stat(root.Path)
	if err != nil {
		logging.Warn("root path does not exist", zap.String("path", root.Path))
		return mustJSON(placeholderNode(root))
	}
	if !info.IsDir() {
		logging.Warn("root path is not a directory", zap.String("path", root.Path))
		return mustJSON(placeholderNode(root))
	}

	if raw := s.cache.Get(ctx, category, root.Path); raw != nil {
		return raw
	}

	node, err := governor.Do(s.gov, ctx, governor.ClassScan, s.cfg.ScanTimeout(),
		func(ctx context.Context) (*fsindex.Node, error) {
			start := time.Now()
			defer func() { metrics.RecordScan(category, time.Since(start)) }()

			if full {
				return s.indexer.BuildTree(ctx, root.Path), nil
			}
			children, count, err := s.indexer.ScanShallow(ctx, root.Path)
			if err != nil {
				return nil, err
			}
			n := &fsindex.Node{
				ID:       fsindex.ID(root.Path),
				Name:     filepath.Base(root.Path),
				Path:     root.Path,
				IsDir:    true,
				Children: children,
			}
			n.SlideCount = &count
			hasChildren := len(children) > 0
			n.HasChildren = &hasChildren
			return n, nil
		})
	if err != nil {
		logging.Warn("tree build failed", zap.String("path", root.Path), zap.Error(err))
		return mustJSON(placeholderNode(root))
	}
	if root.Label != "" {
		node.Name = root.Label
	}

	raw := mustJSON(node)
	s.cache.Set(ctx, category, raw, root.Path)
	return raw
}

// placeholderNode stands in for a root that is missing or failed to scan.
func placeholderNode(root config.Root) *fsindex.Node {
	name := root.Label
	if name == "" {
		name = filepath.Base(root.Path)
	}
	zero := 0
	return &fsindex.Node{
		ID:         fsindex.ID(root.Path),
		Name:       name,
		Path:       root.Path,
		IsDir:      true,
		Children:   []*fsindex.Node{},
		SlideCount: &zero,
	}
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return raw
}

// handleExpand returns one level of children for a directory.
func (s *Server) handleExpand(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: "path is required"})
		return
	}

	if raw := s.cache.Get(r.Context(), "expand", path); raw != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Write(raw)
		return
	}

	children, err := governor.Do(s.gov, r.Context(), governor.ClassScan, s.cfg.ScanTimeout(),
		func(ctx context.Context) ([]*fsindex.Node, error) {
			start := time.Now()
			defer func() { metrics.RecordScan("expand", time.Since(start)) }()
			return s.indexer.Expand(ctx, path)
		})
	if err != nil {
		writeError(w, r, err)
		return
	}

	raw := mustJSON(children)
	s.cache.Set(r.Context(), "expand", raw, path)
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

// handleDir lists the matching slide files directly inside a directory.
func (s *Server) handleDir(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: "path is required"})
		return
	}

	records, err := governor.Do(s.gov, r.Context(), governor.ClassScan, s.cfg.ScanTimeout(),
		func(ctx context.Context) ([]fsindex.SlideRecord, error) {
			return s.indexer.ListSlides(ctx, path)
		})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleThumb serves the slide preview. A priority hint tightens the
// budget so interactive viewers fail fast instead of queueing.
func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if raw := s.cache.Get(r.Context(), "thumb", id); raw != nil {
		writeImage(w, raw)
		return
	}

	timeout := s.cfg.DecodeTimeout()
	if r.URL.Query().Get("priority") != "" {
		timeout = s.cfg.PriorityTimeout()
	}

	raw, err := governor.Do(s.gov, r.Context(), governor.ClassThumbnail, timeout,
		func(ctx context.Context) ([]byte, error) {
			return s.tiles.Thumbnail(ctx, id)
		})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeImage(w, raw)
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	md, err := governor.Do(s.gov, r.Context(), governor.ClassTile, s.cfg.DecodeTimeout(),
		func(ctx context.Context) (tiles.Metadata, error) {
			return s.tiles.Metadata(ctx, id)
		})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, md)
}

// handleDZI serves the Deep Zoom descriptor for /dzi/{id}.dzi.
func (s *Server) handleDZI(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	id := strings.TrimSuffix(name, ".dzi")
	if id == name || id == "" {
		writeJSON(w, http.StatusNotFound, errorBody{Detail: "Not found"})
		return
	}

	desc, err := governor.Do(s.gov, r.Context(), governor.ClassTile, s.cfg.DecodeTimeout(),
		func(ctx context.Context) (slide.Descriptor, error) {
			return s.tiles.Descriptor(ctx, id)
		})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Write([]byte(desc.DZIXML()))
}

// handleTile serves /dzi/{id}_files/{level}/{col}_{row}.jpeg.
func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	id := strings.TrimSuffix(name, "_files")
	level, col, row, ok := parseTilePath(name, id, r.PathValue("level"), r.PathValue("tile"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Detail: "Not found"})
		return
	}

	parts := []string{id, strconv.Itoa(level), strconv.FormatInt(col, 10), strconv.FormatInt(row, 10)}
	if raw := s.cache.Get(r.Context(), "tile", parts...); raw != nil {
		writeImage(w, raw)
		return
	}

	raw, err := governor.Do(s.gov, r.Context(), governor.ClassTile, s.cfg.DecodeTimeout(),
		func(ctx context.Context) ([]byte, error) {
			return s.tiles.Tile(ctx, id, level, col, row)
		})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeImage(w, raw)
}

// parseTilePath validates the Deep Zoom tile path components.
func parseTilePath(name, id, levelStr, tileStr string) (level int, col, row int64, ok bool) {
	if id == name || id == "" {
		return 0, 0, 0, false
	}
	level, err := strconv.Atoi(levelStr)
	if err != nil {
		return 0, 0, 0, false
	}
	coords := strings.TrimSuffix(tileStr, ".jpeg")
	if coords == tileStr {
		return 0, 0, 0, false
	}
	xy := strings.SplitN(coords, "_", 2)
	if len(xy) != 2 {
		return 0, 0, 0, false
	}
	col, err = strconv.ParseInt(xy[0], 10, 64)
	if err != nil {
		return 0, 0, 0, false
	}
	row, err = strconv.ParseInt(xy[1], 10, 64)
	if err != nil {
		return 0, 0, 0, false
	}
	return level, col, row, true
}

func (s *Server) handleAssociatedList(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	names, err := governor.Do(s.gov, r.Context(), governor.ClassTile, s.cfg.DecodeTimeout(),
		func(ctx context.Context) ([]string, error) {
			return s.tiles.Associated(ctx, id)
		})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleAssociatedImage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	name := r.PathValue("name")

	raw, err := governor.Do(s.gov, r.Context(), governor.ClassTile, s.cfg.DecodeTimeout(),
		func(ctx context.Context) ([]byte, error) {
			return s.tiles.AssociatedImage(ctx, id, name)
		})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeImage(w, raw)
}
