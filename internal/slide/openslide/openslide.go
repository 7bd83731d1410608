// Package openslide implements the slide decoding interface on top of
// libopenslide via cgo. Handles must be closed by the caller; the library
// reports errors through openslide_get_error, which permanently poisons a
// handle once set.
package openslide

/*
#cgo pkg-config: openslide
#include <stdlib.h>
#include <stdint.h>
#include <openslide/openslide.h>
*/
import "C"

import (
	"fmt"
	"image"
	"unsafe"

	"github.com/KatherLab/wsi-viewer/internal/slide"
)

// Opener opens slides with libopenslide.
type Opener struct{}

// New returns the libopenslide-backed Opener.
func New() Opener { return Opener{} }

// Open opens the slide at path.
func (Opener) Open(path string) (slide.Slide, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	handle := C.openslide_open(cpath)
	if handle == nil {
		return nil, fmt.Errorf("%w: unrecognized format: %s", slide.ErrDecoder, path)
	}
	s := &osSlide{handle: handle}
	if err := s.lastError(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

type osSlide struct {
	handle *C.openslide_t
}

func (s *osSlide) lastError() error {
	if msg := C.openslide_get_error(s.handle); msg != nil {
		return fmt.Errorf("%w: %s", slide.ErrDecoder, C.GoString(msg))
	}
	return nil
}

func (s *osSlide) Dimensions() (int64, int64) {
	var w, h C.int64_t
	C.openslide_get_level0_dimensions(s.handle, &w, &h)
	return int64(w), int64(h)
}

func (s *osSlide) LevelCount() int {
	return int(C.openslide_get_level_count(s.handle))
}

func (s *osSlide) LevelDimensions(level int) (int64, int64) {
	var w, h C.int64_t
	C.openslide_get_level_dimensions(s.handle, C.int32_t(level), &w, &h)
	return int64(w), int64(h)
}

func (s *osSlide) LevelDownsample(level int) float64 {
	return float64(C.openslide_get_level_downsample(s.handle, C.int32_t(level)))
}

func (s *osSlide) BestLevelFor(downsample float64) int {
	return int(C.openslide_get_best_level_for_downsample(s.handle, C.double(downsample)))
}

func (s *osSlide) Properties() map[string]string {
	props := make(map[string]string)
	names := C.openslide_get_property_names(s.handle)
	if names == nil {
		return props
	}
	for i := 0; ; i++ {
		name := cStringAt(names, i)
		if name == nil {
			break
		}
		key := C.GoString(name)
		if val := C.openslide_get_property_value(s.handle, name); val != nil {
			props[key] = C.GoString(val)
		}
	}
	return props
}

func (s *osSlide) AssociatedImages() []string {
	var out []string
	names := C.openslide_get_associated_image_names(s.handle)
	if names == nil {
		return out
	}
	for i := 0; ; i++ {
		name := cStringAt(names, i)
		if name == nil {
			break
		}
		out = append(out, C.GoString(name))
	}
	return out
}

func (s *osSlide) ReadAssociated(name string) (image.Image, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	var w, h C.int64_t
	C.openslide_get_associated_image_dimensions(s.handle, cname, &w, &h)
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: associated image %q not present", slide.ErrDecoder, name)
	}

	buf := make([]C.uint32_t, int64(w)*int64(h))
	C.openslide_read_associated_image(s.handle, cname, &buf[0])
	if err := s.lastError(); err != nil {
		return nil, err
	}
	return argbToNRGBA(buf, int(w), int(h)), nil
}

func (s *osSlide) ReadRegion(level int, x, y, w, h int64) (image.Image, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: empty region", slide.ErrDecoder)
	}
	buf := make([]C.uint32_t, w*h)
	C.openslide_read_region(s.handle, &buf[0],
		C.int64_t(x), C.int64_t(y), C.int32_t(level), C.int64_t(w), C.int64_t(h))
	if err := s.lastError(); err != nil {
		return nil, err
	}
	return argbToNRGBA(buf, int(w), int(h)), nil
}

func (s *osSlide) Close() error {
	C.openslide_close(s.handle)
	return nil
}

// cStringAt indexes a NULL-terminated C string array.
func cStringAt(arr **C.char, i int) *C.char {
	ptr := (**C.char)(unsafe.Pointer(uintptr(unsafe.Pointer(arr)) + uintptr(i)*unsafe.Sizeof(*arr)))
	return *ptr
}

// argbToNRGBA converts libopenslide's premultiplied ARGB output to NRGBA.
func argbToNRGBA(buf []C.uint32_t, w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i, px := range buf {
		v := uint32(px)
		a := uint8(v >> 24)
		r := uint8(v >> 16)
		g := uint8(v >> 8)
		b := uint8(v)
		if a != 0 && a != 255 {
			// Un-premultiply.
			r = uint8(uint32(r) * 255 / uint32(a))
			g = uint8(uint32(g) * 255 / uint32(a))
			b = uint8(uint32(b) * 255 / uint32(a))
		}
		o := i * 4
		img.Pix[o] = r
		img.Pix[o+1] = g
		img.Pix[o+2] = b
		img.Pix[o+3] = a
	}
	return img
}
