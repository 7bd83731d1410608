package slide

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// Deep Zoom defaults used by the tile endpoints.
const (
	DefaultTileSize = 256
	DefaultOverlap  = 0
)

// ErrOutOfBounds is returned for tile coordinates outside the pyramid.
var ErrOutOfBounds = errors.New("tile out of bounds")

// Descriptor describes a slide's Deep Zoom pyramid.
type Descriptor struct {
	Width      int64 `json:"width"`
	Height     int64 `json:"height"`
	TileSize   int   `json:"tile_size"`
	Overlap    int   `json:"overlap"`
	LevelCount int   `json:"level_count"`
}

// DZIXML renders the Deep Zoom descriptor document.
func (d Descriptor) DZIXML() string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Image xmlns="http://schemas.microsoft.com/deepzoom/2008" TileSize="%d" Overlap="%d" Format="jpeg">
  <Size Width="%d" Height="%d"/>
</Image>`, d.TileSize, d.Overlap, d.Width, d.Height)
}

type dzDims struct {
	w, h int64
}

// DeepZoom adapts an open slide to Deep Zoom tile coordinates. Level 0 is
// the 1×1 apex; the highest level is full resolution. All pyramid
// coordinate math lives here; callers only speak (level, col, row).
type DeepZoom struct {
	slide    Slide
	tileSize int
	overlap  int
	levels   []dzDims // smallest first
}

// NewDeepZoom builds the pyramid geometry for s.
func NewDeepZoom(s Slide, tileSize, overlap int) *DeepZoom {
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	w, h := s.Dimensions()

	var levels []dzDims
	for {
		levels = append(levels, dzDims{w, h})
		if w <= 1 && h <= 1 {
			break
		}
		w = max64(1, (w+1)/2)
		h = max64(1, (h+1)/2)
	}
	// Built largest-first; reverse so index 0 is the apex.
	for i, j := 0, len(levels)-1; i < j; i, j = i+1, j-1 {
		levels[i], levels[j] = levels[j], levels[i]
	}

	return &DeepZoom{slide: s, tileSize: tileSize, overlap: overlap, levels: levels}
}

// LevelCount returns the number of Deep Zoom levels.
func (d *DeepZoom) LevelCount() int { return len(d.levels) }

// Descriptor returns the pyramid descriptor.
func (d *DeepZoom) Descriptor() Descriptor {
	w, h := d.slide.Dimensions()
	return Descriptor{
		Width:      w,
		Height:     h,
		TileSize:   d.tileSize,
		Overlap:    d.overlap,
		LevelCount: len(d.levels),
	}
}

// LevelDimensions returns the pixel size of a Deep Zoom level.
func (d *DeepZoom) LevelDimensions(level int) (int64, int64) {
	dims := d.levels[level]
	return dims.w, dims.h
}

// TileGrid returns the tile column and row counts of a level.
func (d *DeepZoom) TileGrid(level int) (cols, rows int64) {
	dims := d.levels[level]
	ts := int64(d.tileSize)
	return (dims.w + ts - 1) / ts, (dims.h + ts - 1) / ts
}

// Tile extracts one tile as pixels, reading from the best matching slide
// level and downsampling to the tile's Deep Zoom size. Edge tiles are
// clipped to the level bounds.
func (d *DeepZoom) Tile(level int, col, row int64) (image.Image, error) {
	if level < 0 || level >= len(d.levels) {
		return nil, ErrOutOfBounds
	}
	cols, rows := d.TileGrid(level)
	if col < 0 || col >= cols || row < 0 || row >= rows {
		return nil, ErrOutOfBounds
	}

	dims := d.levels[level]
	ts := int64(d.tileSize)

	// Tile extent in Deep Zoom level coordinates, clipped at the edges.
	tileW := min64(ts, dims.w-ts*col)
	tileH := min64(ts, dims.h-ts*row)
	zX, zY := ts*col, ts*row

	// Downsample of this Deep Zoom level relative to level 0.
	l0Downsample := math.Pow(2, float64(len(d.levels)-1-level))

	slideLevel := d.slide.BestLevelFor(l0Downsample)
	levelDownsample := d.slide.LevelDownsample(slideLevel)
	lw, lh := d.slide.LevelDimensions(slideLevel)

	// Region origin in level-0 coordinates, extent in slide-level
	// coordinates.
	x := int64(math.Floor(float64(zX) * l0Downsample))
	y := int64(math.Floor(float64(zY) * l0Downsample))
	scale := l0Downsample / levelDownsample
	w := min64(int64(math.Ceil(float64(tileW)*scale)), lw-int64(math.Floor(float64(x)/levelDownsample)))
	h := min64(int64(math.Ceil(float64(tileH)*scale)), lh-int64(math.Floor(float64(y)/levelDownsample)))
	if w <= 0 || h <= 0 {
		return nil, ErrOutOfBounds
	}

	img, err := d.slide.ReadRegion(slideLevel, x, y, w, h)
	if err != nil {
		return nil, err
	}
	if int64(img.Bounds().Dx()) != tileW || int64(img.Bounds().Dy()) != tileH {
		img = imaging.Resize(img, int(tileW), int(tileH), imaging.Lanczos)
	}
	return img, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
