// Package slide defines the decoding capability the rest of the system
// depends on: opening a whole-slide image, reading its properties and
// pyramid levels, extracting regions and associated images. The cgo
// binding in the openslide subpackage is the production implementation;
// tests substitute fakes.
package slide

import (
	"errors"
	"image"
)

// ErrDecoder wraps failures of the external decoding capability. Handlers
// map it to a server error with a generic message; full detail is logged.
var ErrDecoder = errors.New("slide decoder failure")

// Well-known property names, mirroring the OpenSlide property namespace.
const (
	PropVendor         = "openslide.vendor"
	PropObjectivePower = "openslide.objective-power"
	PropMPPX           = "openslide.mpp-x"
	PropMPPY           = "openslide.mpp-y"
)

// Opener opens slides by path.
type Opener interface {
	Open(path string) (Slide, error)
}

// Slide is an open whole-slide image handle. Handles are expensive and
// latency-sensitive: callers scope them strictly to a single call and
// release them on every exit path.
type Slide interface {
	// Dimensions returns the level-0 pixel size.
	Dimensions() (w, h int64)

	// LevelCount returns the number of resolution levels.
	LevelCount() int

	// LevelDimensions returns the pixel size of a level.
	LevelDimensions(level int) (w, h int64)

	// LevelDownsample returns the downsample factor of a level relative to
	// level 0.
	LevelDownsample(level int) float64

	// BestLevelFor returns the best level for the given downsample factor.
	BestLevelFor(downsample float64) int

	// Properties returns the slide's string property bag.
	Properties() map[string]string

	// AssociatedImages lists embedded auxiliary image names (label, macro,
	// thumbnail).
	AssociatedImages() []string

	// ReadAssociated returns the pixels of a named associated image.
	ReadAssociated(name string) (image.Image, error)

	// ReadRegion reads a w×h region of the given level. x and y are
	// level-0 coordinates of the top-left corner; w and h are level
	// coordinates.
	ReadRegion(level int, x, y, w, h int64) (image.Image, error)

	// Close releases the handle.
	Close() error
}
