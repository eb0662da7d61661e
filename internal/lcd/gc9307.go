package lcd

import (
	"fmt"
	"image"
	"image/color"

	"github.com/photonicat/pcat2_photo_frame/internal/bus"
	"github.com/photonicat/pcat2_photo_frame/internal/screen"
)

// Filler is the part of a gc9307.Device the panel writes through.
type Filler interface {
	FillRectangleWithBuffer(x, y, width, height int16, buffer []color.RGBA) error
}

// Panel adapts a controller driver that takes RGBA rectangles to
// screen.Screen. The driver leaves chip select alone, so every fill first
// takes the bus through the arbitrator.
type Panel struct {
	f    Filler
	arb  *bus.Arbitrator
	rect image.Rectangle
	// Reused between writes; grows to the largest rectangle seen.
	rgba []color.RGBA
}

// NewPanel wraps f, a w x h display.
func NewPanel(f Filler, arb *bus.Arbitrator, w, h int) *Panel {
	return &Panel{f: f, arb: arb, rect: image.Rect(0, 0, w, h)}
}

func (p *Panel) String() string {
	return fmt.Sprintf("lcd.Panel{%s}", p.rect.Max)
}

// Bounds implements screen.Screen.
func (p *Panel) Bounds() image.Rectangle {
	return p.rect
}

// WritePixels expands the RGB565 block and pushes it as one rectangle.
func (p *Panel) WritePixels(r image.Rectangle, pix []uint16) error {
	if err := screen.Check(p.rect, r, len(pix)); err != nil {
		return err
	}
	n := r.Dx() * r.Dy()
	if cap(p.rgba) < n {
		p.rgba = make([]color.RGBA, n)
	}
	buf := p.rgba[:n]
	for i := range buf {
		buf[i] = screen.Expand(pix[i])
	}
	p.arb.Acquire(bus.Display)
	return p.f.FillRectangleWithBuffer(int16(r.Min.X), int16(r.Min.Y), int16(r.Dx()), int16(r.Dy()), buf)
}

// Blank paints the whole panel black.
func (p *Panel) Blank() error {
	return screen.Fill(p, p.rect, 0)
}

var _ screen.Screen = &Panel{}
