// Package tiles serves pyramid descriptors, tiles, thumbnails, metadata
// and associated images for resolved slides, composing the resolver, the
// cache facade and the external decoder. Decoder handles are scoped
// strictly to a single call and released on every exit path.
package tiles

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/KatherLab/wsi-viewer/internal/cache"
	"github.com/KatherLab/wsi-viewer/internal/logging"
	"github.com/KatherLab/wsi-viewer/internal/metrics"
	"github.com/KatherLab/wsi-viewer/internal/resolver"
	"github.com/KatherLab/wsi-viewer/internal/slide"
)

const (
	tileQuality       = 85
	thumbQuality      = 85
	associatedQuality = 90
)

// assocPreference is the order in which embedded preview images are tried
// for thumbnails.
var assocPreference = []string{"thumbnail", "macro", "label"}

// Metadata is the on-demand projection of a slide's decoder properties.
type Metadata struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Path           string   `json:"path"`
	Width          int64    `json:"width"`
	Height         int64    `json:"height"`
	Vendor         *string  `json:"vendor"`
	ObjectivePower *string  `json:"objective_power"`
	LevelCount     int      `json:"level_count"`
	MPPX           *float64 `json:"mpp_x"`
	MPPY           *float64 `json:"mpp_y"`
	CreatedTS      float64  `json:"created_ts"`
	FileSize       *int64   `json:"file_size"`
}

// Config holds thumbnail policy.
type Config struct {
	ThumbMaxPx       int
	PreferAssociated bool
}

// Server answers descriptor, tile, thumbnail, metadata and associated-image
// requests.
type Server struct {
	opener   slide.Opener
	resolver *resolver.Resolver
	cache    *cache.Facade
	cfg      Config

	// levelCounts memoizes pyramid level counts per slide id so
	// out-of-range tile requests are rejected without touching the
	// decoder.
	mu          sync.Mutex
	levelCounts map[string]int
}

// NewServer creates a tile server.
func NewServer(opener slide.Opener, res *resolver.Resolver, facade *cache.Facade, cfg Config) *Server {
	if cfg.ThumbMaxPx <= 0 {
		cfg.ThumbMaxPx = 512
	}
	return &Server{
		opener:      opener,
		resolver:    res,
		cache:       facade,
		cfg:         cfg,
		levelCounts: make(map[string]int),
	}
}

// open resolves id and opens a decoder handle. The caller owns the close.
func (s *Server) open(ctx context.Context, id string) (string, slide.Slide, error) {
	path, err := s.resolver.Resolve(ctx, id)
	if err != nil {
		return "", nil, err
	}
	start := time.Now()
	handle, err := s.opener.Open(path)
	metrics.RecordDecode("open", time.Since(start))
	if err != nil {
		return "", nil, err
	}
	return path, handle, nil
}

func (s *Server) rememberLevels(id string, count int) {
	s.mu.Lock()
	s.levelCounts[id] = count
	s.mu.Unlock()
}

func (s *Server) knownLevels(id string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count, ok := s.levelCounts[id]
	return count, ok
}

// Descriptor returns the Deep Zoom pyramid descriptor for a slide.
func (s *Server) Descriptor(ctx context.Context, id string) (slide.Descriptor, error) {
	_, handle, err := s.open(ctx, id)
	if err != nil {
		return slide.Descriptor{}, err
	}
	defer handle.Close()

	dz := slide.NewDeepZoom(handle, slide.DefaultTileSize, slide.DefaultOverlap)
	desc := dz.Descriptor()
	s.rememberLevels(id, desc.LevelCount)
	return desc, nil
}

// Tile returns the JPEG bytes of one pyramid tile. A level outside
// [0, levelCount) is out of bounds and is never attempted against the
// decoder. Identical inputs always produce identical bytes, so concurrent
// recomputes of the same tile are safe (last cache write wins).
func (s *Server) Tile(ctx context.Context, id string, level int, col, row int64) ([]byte, error) {
	if level < 0 {
		return nil, slide.ErrOutOfBounds
	}
	if count, ok := s.knownLevels(id); ok && level >= count {
		return nil, slide.ErrOutOfBounds
	}

	parts := []string{id, strconv.Itoa(level), strconv.FormatInt(col, 10), strconv.FormatInt(row, 10)}
	if raw := s.cache.Get(ctx, "tile", parts...); raw != nil {
		return raw, nil
	}

	_, handle, err := s.open(ctx, id)
	if err != nil {
		return nil, err
	}
	defer handle.Close()

	dz := slide.NewDeepZoom(handle, slide.DefaultTileSize, slide.DefaultOverlap)
	s.rememberLevels(id, dz.LevelCount())
	if level >= dz.LevelCount() {
		return nil, slide.ErrOutOfBounds
	}

	start := time.Now()
	img, err := dz.Tile(level, col, row)
	metrics.RecordDecode("tile", time.Since(start))
	if err != nil {
		return nil, err
	}

	raw, err := encodeJPEG(img, tileQuality)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, "tile", raw, parts...)
	return raw, nil
}

// Thumbnail returns one JPEG preview per slide, preferring an embedded
// associated preview when configured and present, else downsampling the
// pyramid. Capped at the configured maximum pixel dimension.
func (s *Server) Thumbnail(ctx context.Context, id string) ([]byte, error) {
	if raw := s.cache.Get(ctx, "thumb", id); raw != nil {
		return raw, nil
	}

	_, handle, err := s.open(ctx, id)
	if err != nil {
		return nil, err
	}
	defer handle.Close()

	start := time.Now()
	img, err := s.previewImage(handle)
	metrics.RecordDecode("thumbnail", time.Since(start))
	if err != nil {
		return nil, err
	}

	thumb := imaging.Fit(img, s.cfg.ThumbMaxPx, s.cfg.ThumbMaxPx, imaging.Lanczos)
	raw, err := encodeJPEG(thumb, thumbQuality)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, "thumb", raw, id)
	return raw, nil
}

// previewImage picks the cheapest preview source available on the slide.
func (s *Server) previewImage(handle slide.Slide) (image.Image, error) {
	if s.cfg.PreferAssociated {
		available := make(map[string]bool)
		for _, name := range handle.AssociatedImages() {
			available[name] = true
		}
		for _, name := range assocPreference {
			if !available[name] {
				continue
			}
			img, err := handle.ReadAssociated(name)
			if err == nil {
				return img, nil
			}
			logging.Debug("associated preview unreadable", zap.String("name", name), zap.Error(err))
		}
	}

	// Downsample from the best level for the target size.
	w, h := handle.Dimensions()
	longest := w
	if h > longest {
		longest = h
	}
	downsample := float64(longest) / float64(s.cfg.ThumbMaxPx)
	if downsample < 1 {
		downsample = 1
	}
	level := handle.BestLevelFor(downsample)
	lw, lh := handle.LevelDimensions(level)
	return handle.ReadRegion(level, 0, 0, lw, lh)
}

// Metadata returns the decoder-derived slide metadata.
func (s *Server) Metadata(ctx context.Context, id string) (Metadata, error) {
	path, handle, err := s.open(ctx, id)
	if err != nil {
		return Metadata{}, err
	}
	defer handle.Close()

	w, h := handle.Dimensions()
	props := handle.Properties()

	md := Metadata{
		ID:         id,
		Name:       filepath.Base(path),
		Path:       path,
		Width:      w,
		Height:     h,
		LevelCount: handle.LevelCount(),
		MPPX:       parseMPP(props[slide.PropMPPX]),
		MPPY:       parseMPP(props[slide.PropMPPY]),
	}
	if v, ok := props[slide.PropVendor]; ok {
		md.Vendor = &v
	}
	if v, ok := props[slide.PropObjectivePower]; ok {
		md.ObjectivePower = &v
	}
	if st, err := os.Stat(path); err == nil {
		md.CreatedTS = float64(st.ModTime().Unix())
		size := st.Size()
		md.FileSize = &size
	}
	return md, nil
}

// Associated lists the slide's embedded auxiliary image names.
func (s *Server) Associated(ctx context.Context, id string) ([]string, error) {
	_, handle, err := s.open(ctx, id)
	if err != nil {
		return nil, err
	}
	defer handle.Close()

	names := handle.AssociatedImages()
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// AssociatedImage returns the JPEG bytes of a named associated image.
// Unknown names are out of bounds, not decoder failures.
func (s *Server) AssociatedImage(ctx context.Context, id, name string) ([]byte, error) {
	_, handle, err := s.open(ctx, id)
	if err != nil {
		return nil, err
	}
	defer handle.Close()

	known := false
	for _, n := range handle.AssociatedImages() {
		if n == name {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: associated image %q", slide.ErrOutOfBounds, name)
	}

	img, err := handle.ReadAssociated(name)
	if err != nil {
		return nil, err
	}
	return encodeJPEG(img, associatedQuality)
}

// parseMPP parses a micron-per-pixel property; absent, zero or unparsable
// values report nil rather than a bogus resolution.
func parseMPP(raw string) *float64 {
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v == 0 {
		return nil
	}
	return &v
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
