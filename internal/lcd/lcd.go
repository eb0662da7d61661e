// Package lcd drives an RGB565 TFT controller of the ST7789 / GC9307 family
// over 4-wire SPI.
//
// The panel shares its SPI bus with the storage card. Every command and data
// transfer first takes the bus through the arbitrator.
//
// Dev speaks the command set itself. Panel wraps the photonicat gc9307
// driver instead.
package lcd

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/display"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"github.com/photonicat/pcat2_photo_frame/internal/bus"
	"github.com/photonicat/pcat2_photo_frame/internal/screen"
)

const (
	_SWRESET = 0x01
	_SLPOUT  = 0x11
	_NORON   = 0x13
	_INVON   = 0x21
	_DISPOFF = 0x28
	_DISPON  = 0x29
	_CASET   = 0x2A
	_RASET   = 0x2B
	_RAMWR   = 0x2C
	_MADCTL  = 0x36
	_COLMOD  = 0x3A
)

// MADCTL bits.
const (
	madctlMY  = 0x80
	madctlMX  = 0x40
	madctlMV  = 0x20
	madctlRGB = 0x00
)

// Rotation of the panel, clockwise.
type Rotation int

const (
	Rotation0 Rotation = iota
	Rotation90
	Rotation180
	Rotation270
)

// Opts defines the options for the device.
type Opts struct {
	W, H int
	// Controller RAM offsets of the visible area, applied after rotation.
	XOffset, YOffset int
	Rotation         Rotation
	// Speed of the SPI clock. Zero selects 40MHz.
	Speed physic.Frequency
}

// defaultMaxTx is used when the connection does not report a limit.
const defaultMaxTx = 4096

// Dev is an open handle to the display controller.
type Dev struct {
	c   conn.Conn
	dc  gpio.PinOut
	rst gpio.PinOut
	bl  gpio.PinOut
	arb *bus.Arbitrator

	rect    image.Rectangle
	xOff    int
	yOff    int
	maxTx   int
	scratch []byte
	halted  bool
}

// NewSPI returns a Dev that communicates with the controller over SPI.
//
// rst and bl may be nil when the reset line or the backlight are not wired
// to GPIOs.
func NewSPI(p spi.Port, dc, rst, bl gpio.PinOut, arb *bus.Arbitrator, opts *Opts) (*Dev, error) {
	if dc == nil || dc == gpio.INVALID {
		return nil, fmt.Errorf("lcd: a DC pin is required")
	}
	if opts.W <= 0 || opts.H <= 0 {
		return nil, fmt.Errorf("lcd: invalid size %dx%d", opts.W, opts.H)
	}
	speed := opts.Speed
	if speed == 0 {
		speed = 40 * physic.MegaHertz
	}
	c, err := p.Connect(speed, spi.Mode0, 8)
	if err != nil {
		return nil, fmt.Errorf("lcd: %w", err)
	}
	d := &Dev{
		c:     c,
		dc:    dc,
		rst:   rst,
		bl:    bl,
		arb:   arb,
		rect:  image.Rect(0, 0, opts.W, opts.H),
		xOff:  opts.XOffset,
		yOff:  opts.YOffset,
		maxTx: defaultMaxTx,
	}
	if l, ok := c.(conn.Limits); ok && l.MaxTxSize() > 0 {
		d.maxTx = l.MaxTxSize()
	}
	if err := d.init(opts.Rotation); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dev) String() string {
	return fmt.Sprintf("lcd.Dev{%s, %s, %s}", d.c, d.dc, d.rect.Max)
}

func (d *Dev) init(rot Rotation) error {
	if d.rst != nil {
		if err := d.rst.Out(gpio.Low); err != nil {
			return err
		}
		time.Sleep(10 * time.Millisecond)
		if err := d.rst.Out(gpio.High); err != nil {
			return err
		}
		time.Sleep(120 * time.Millisecond)
	}
	if err := d.command(_SWRESET); err != nil {
		return err
	}
	time.Sleep(150 * time.Millisecond)
	if err := d.command(_SLPOUT); err != nil {
		return err
	}
	time.Sleep(10 * time.Millisecond)
	for _, cmd := range [][]byte{
		{_COLMOD, 0x55}, // 16 bits per pixel
		{_MADCTL, madctl(rot)},
		{_INVON},
		{_NORON},
		{_DISPON},
	} {
		if err := d.command(cmd[0], cmd[1:]...); err != nil {
			return err
		}
	}
	return d.Backlight(true)
}

func madctl(rot Rotation) byte {
	switch rot {
	case Rotation90:
		return madctlMX | madctlMV | madctlRGB
	case Rotation180:
		return madctlMX | madctlMY | madctlRGB
	case Rotation270:
		return madctlMY | madctlMV | madctlRGB
	default:
		return madctlRGB
	}
}

// Bounds implements display.Drawer. Min is guaranteed to be {0, 0}.
func (d *Dev) Bounds() image.Rectangle {
	return d.rect
}

// ColorModel implements display.Drawer.
func (d *Dev) ColorModel() color.Model {
	return color.RGBAModel
}

// WritePixels pushes a block of RGB565 pixels, row-major.
func (d *Dev) WritePixels(r image.Rectangle, pix []uint16) error {
	if err := screen.Check(d.rect, r, len(pix)); err != nil {
		return err
	}
	if err := d.window(r); err != nil {
		return err
	}
	n := r.Dx() * r.Dy()
	if cap(d.scratch) < d.maxTx {
		d.scratch = make([]byte, d.maxTx)
	}
	buf := d.scratch[:0]
	for i := 0; i < n; i++ {
		buf = append(buf, byte(pix[i]>>8), byte(pix[i]))
		if len(buf)+2 > d.maxTx {
			if err := d.data(buf); err != nil {
				return err
			}
			buf = buf[:0]
		}
	}
	if len(buf) > 0 {
		return d.data(buf)
	}
	return nil
}

// Draw implements display.Drawer.
//
// The source is converted one row at a time.
func (d *Dev) Draw(r image.Rectangle, src image.Image, sp image.Point) error {
	r = r.Intersect(d.rect)
	if r.Empty() {
		return nil
	}
	row := image.NewRGBA(image.Rect(0, 0, r.Dx(), 1))
	pix := make([]uint16, r.Dx())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		draw.Src.Draw(row, row.Rect, src, image.Pt(sp.X, sp.Y+y-r.Min.Y))
		for x := range pix {
			c := row.RGBAAt(x, 0)
			pix[x] = screen.RGB565(c.R, c.G, c.B)
		}
		if err := d.WritePixels(image.Rect(r.Min.X, y, r.Max.X, y+1), pix); err != nil {
			return err
		}
	}
	return nil
}

// Halt turns off the display and its backlight.
//
// Any later write enables the display again.
func (d *Dev) Halt() error {
	if err := d.command(_DISPOFF); err != nil {
		return err
	}
	d.halted = true
	return d.Backlight(false)
}

// Backlight switches the backlight pin, if wired.
func (d *Dev) Backlight(on bool) error {
	if d.bl == nil {
		return nil
	}
	return d.bl.Out(gpio.Level(on))
}

func (d *Dev) window(r image.Rectangle) error {
	x0, x1 := r.Min.X+d.xOff, r.Max.X-1+d.xOff
	y0, y1 := r.Min.Y+d.yOff, r.Max.Y-1+d.yOff
	if err := d.command(_CASET, byte(x0>>8), byte(x0), byte(x1>>8), byte(x1)); err != nil {
		return err
	}
	if err := d.command(_RASET, byte(y0>>8), byte(y0), byte(y1>>8), byte(y1)); err != nil {
		return err
	}
	return d.command(_RAMWR)
}

func (d *Dev) command(cmd byte, args ...byte) error {
	if d.halted && cmd != _DISPOFF {
		// Transparently enable the display.
		d.halted = false
		if err := d.command(_DISPON); err != nil {
			return err
		}
		if err := d.Backlight(true); err != nil {
			return err
		}
	}
	d.arb.Acquire(bus.Display)
	if err := d.dc.Out(gpio.Low); err != nil {
		return err
	}
	if err := d.c.Tx([]byte{cmd}, nil); err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}
	return d.data(args)
}

func (d *Dev) data(b []byte) error {
	d.arb.Acquire(bus.Display)
	if err := d.dc.Out(gpio.High); err != nil {
		return err
	}
	return d.c.Tx(b, nil)
}

var _ display.Drawer = &Dev{}
var _ screen.Screen = &Dev{}
