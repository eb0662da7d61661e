// Package screen defines the pixel sink the decoders stream into.
//
// Pixels are RGB565, the native packed format of the panel. A rectangle is
// written row-major, r.Dx()*r.Dy() values.
package screen

import (
	"errors"
	"image"
	"image/color"
)

// ErrOutOfBounds is returned for rectangles not fully inside the screen.
var ErrOutOfBounds = errors.New("screen: rectangle out of bounds")

// Screen pushes blocks of pixels to a display.
type Screen interface {
	Bounds() image.Rectangle
	WritePixels(r image.Rectangle, pix []uint16) error
}

// RGB565 packs 8-bit channels into the panel's native format.
func RGB565(r, g, b uint8) uint16 {
	return uint16(r&0xF8)<<8 | uint16(g&0xFC)<<3 | uint16(b>>3)
}

// Expand converts a packed pixel back to an opaque color.
func Expand(p uint16) color.RGBA {
	r := uint8(p>>11) & 0x1F
	g := uint8(p>>5) & 0x3F
	b := uint8(p) & 0x1F
	return color.RGBA{
		R: r<<3 | r>>2,
		G: g<<2 | g>>4,
		B: b<<3 | b>>2,
		A: 0xFF,
	}
}

// FromColor packs any color.Color.
func FromColor(c color.Color) uint16 {
	r, g, b, _ := c.RGBA()
	return RGB565(uint8(r>>8), uint8(g>>8), uint8(b>>8))
}

// Check validates a write request against the screen bounds.
func Check(bounds, r image.Rectangle, n int) error {
	if r.Empty() || !r.In(bounds) {
		return ErrOutOfBounds
	}
	if n < r.Dx()*r.Dy() {
		return errors.New("screen: pixel buffer shorter than rectangle")
	}
	return nil
}

// Fill paints r with a single color, one row at a time.
func Fill(s Screen, r image.Rectangle, c uint16) error {
	r = r.Intersect(s.Bounds())
	if r.Empty() {
		return nil
	}
	row := make([]uint16, r.Dx())
	for i := range row {
		row[i] = c
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		if err := s.WritePixels(image.Rect(r.Min.X, y, r.Max.X, y+1), row); err != nil {
			return err
		}
	}
	return nil
}
