package slide

import (
	"errors"
	"image"
	"strings"
	"testing"
)

// flatSlide is a single-level fake slide for pyramid math tests.
type flatSlide struct {
	w, h    int64
	regions []image.Rectangle
}

func (s *flatSlide) Dimensions() (int64, int64)            { return s.w, s.h }
func (s *flatSlide) LevelCount() int                       { return 1 }
func (s *flatSlide) LevelDimensions(int) (int64, int64)    { return s.w, s.h }
func (s *flatSlide) LevelDownsample(int) float64           { return 1 }
func (s *flatSlide) BestLevelFor(float64) int              { return 0 }
func (s *flatSlide) Properties() map[string]string         { return nil }
func (s *flatSlide) AssociatedImages() []string            { return nil }
func (s *flatSlide) Close() error                          { return nil }

func (s *flatSlide) ReadAssociated(string) (image.Image, error) {
	return nil, errors.New("none")
}

func (s *flatSlide) ReadRegion(_ int, x, y, w, h int64) (image.Image, error) {
	r := image.Rect(int(x), int(y), int(x+w), int(y+h))
	s.regions = append(s.regions, r)
	return image.NewNRGBA(image.Rect(0, 0, int(w), int(h))), nil
}

func TestDeepZoomLevelCount(t *testing.T) {
	cases := []struct {
		w, h int64
		want int
	}{
		{1, 1, 1},
		{2, 2, 2},
		{256, 256, 9},
		{1000, 600, 11},
		{100000, 80000, 18},
	}
	for _, c := range cases {
		dz := NewDeepZoom(&flatSlide{w: c.w, h: c.h}, DefaultTileSize, DefaultOverlap)
		if got := dz.LevelCount(); got != c.want {
			t.Errorf("%dx%d: levels = %d, want %d", c.w, c.h, got, c.want)
		}
	}
}

func TestDeepZoomLevelDimensionsHalve(t *testing.T) {
	dz := NewDeepZoom(&flatSlide{w: 1000, h: 600}, DefaultTileSize, DefaultOverlap)

	// Index 0 is the 1x1 apex; the last level is full resolution.
	if w, h := dz.LevelDimensions(0); w != 1 || h != 1 {
		t.Errorf("apex = %dx%d, want 1x1", w, h)
	}
	last := dz.LevelCount() - 1
	if w, h := dz.LevelDimensions(last); w != 1000 || h != 600 {
		t.Errorf("full level = %dx%d, want 1000x600", w, h)
	}
	// Each level is the ceil-half of the one above it.
	if w, h := dz.LevelDimensions(last - 1); w != 500 || h != 300 {
		t.Errorf("level %d = %dx%d, want 500x300", last-1, w, h)
	}
	if w, h := dz.LevelDimensions(last - 3); w != 125 || h != 75 {
		t.Errorf("level %d = %dx%d, want 125x75", last-3, w, h)
	}
}

func TestDeepZoomTileGrid(t *testing.T) {
	dz := NewDeepZoom(&flatSlide{w: 1000, h: 600}, DefaultTileSize, DefaultOverlap)
	last := dz.LevelCount() - 1

	cols, rows := dz.TileGrid(last)
	if cols != 4 || rows != 3 {
		t.Errorf("full-level grid = %dx%d, want 4x3", cols, rows)
	}
	cols, rows = dz.TileGrid(0)
	if cols != 1 || rows != 1 {
		t.Errorf("apex grid = %dx%d, want 1x1", cols, rows)
	}
}

func TestDeepZoomEdgeTileClipped(t *testing.T) {
	s := &flatSlide{w: 1000, h: 600}
	dz := NewDeepZoom(s, DefaultTileSize, DefaultOverlap)
	last := dz.LevelCount() - 1

	img, err := dz.Tile(last, 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 232 || img.Bounds().Dy() != 88 {
		t.Errorf("edge tile = %dx%d, want 232x88", img.Bounds().Dx(), img.Bounds().Dy())
	}
	// Full-resolution tiles read 1:1, no resampling region inflation.
	want := image.Rect(768, 512, 1000, 600)
	if len(s.regions) != 1 || s.regions[0] != want {
		t.Errorf("region reads = %v, want [%v]", s.regions, want)
	}
}

func TestDeepZoomDownsampledTile(t *testing.T) {
	s := &flatSlide{w: 1000, h: 600}
	dz := NewDeepZoom(s, DefaultTileSize, DefaultOverlap)
	level := dz.LevelCount() - 1 - 3 // downsample 8: 125x75, single tile

	img, err := dz.Tile(level, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 125 || img.Bounds().Dy() != 75 {
		t.Errorf("tile = %dx%d, want 125x75", img.Bounds().Dx(), img.Bounds().Dy())
	}
	// The single-level fake forces the read from full resolution.
	want := image.Rect(0, 0, 1000, 600)
	if len(s.regions) != 1 || s.regions[0] != want {
		t.Errorf("region reads = %v, want [%v]", s.regions, want)
	}
}

func TestDeepZoomOutOfBounds(t *testing.T) {
	s := &flatSlide{w: 1000, h: 600}
	dz := NewDeepZoom(s, DefaultTileSize, DefaultOverlap)
	last := dz.LevelCount() - 1

	cases := []struct {
		level    int
		col, row int64
	}{
		{-1, 0, 0},
		{last + 1, 0, 0},
		{last, 4, 0},
		{last, 0, 3},
		{last, -1, 0},
		{last, 0, -1},
	}
	for _, c := range cases {
		if _, err := dz.Tile(c.level, c.col, c.row); !errors.Is(err, ErrOutOfBounds) {
			t.Errorf("Tile(%d,%d,%d) = %v, want ErrOutOfBounds", c.level, c.col, c.row, err)
		}
	}
	if len(s.regions) != 0 {
		t.Errorf("out-of-bounds tiles must not read regions, saw %v", s.regions)
	}
}

func TestDescriptorDZIXML(t *testing.T) {
	dz := NewDeepZoom(&flatSlide{w: 1000, h: 600}, DefaultTileSize, DefaultOverlap)
	xml := dz.Descriptor().DZIXML()

	for _, want := range []string{
		`TileSize="256"`,
		`Overlap="0"`,
		`Format="jpeg"`,
		`<Size Width="1000" Height="600"/>`,
		`xmlns="http://schemas.microsoft.com/deepzoom/2008"`,
	} {
		if !strings.Contains(xml, want) {
			t.Errorf("DZI missing %s:\n%s", want, xml)
		}
	}
	if !strings.HasPrefix(xml, `<?xml version="1.0" encoding="UTF-8"?>`) {
		t.Errorf("DZI missing xml declaration:\n%s", xml)
	}
}
