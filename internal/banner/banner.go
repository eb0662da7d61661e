// Package banner draws a one-line failure message along the bottom of the
// screen.
package banner

import (
	"bytes"
	_ "embed"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/llgcode/draw2d/draw2dimg"
	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/photonicat/pcat2_photo_frame/internal/screen"
)

// Height is the height of the strip in pixels.
const Height = 28

const (
	margin   = 2
	radius   = 6
	iconSize = 18
	fontSize = 13
)

var (
	Red   = color.RGBA{0xD0, 0x21, 0x21, 0xFF}
	White = color.RGBA{0xFF, 0xFF, 0xFF, 0xFF}
	Black = color.RGBA{0, 0, 0, 0xFF}
)

//go:embed warning.svg
var warningSVG []byte

// Banner renders onto a screen.
type Banner struct {
	scr  screen.Screen
	face font.Face
	icon *image.RGBA
}

// New loads the font and icon.
func New(scr screen.Screen) (*Banner, error) {
	ttf, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("banner: parse font: %w", err)
	}
	face, err := opentype.NewFace(ttf, &opentype.FaceOptions{
		Size:    fontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("banner: font face: %w", err)
	}
	icon, err := renderSVG(warningSVG, iconSize, iconSize)
	if err != nil {
		return nil, fmt.Errorf("banner: icon: %w", err)
	}
	return &Banner{scr: scr, face: face, icon: icon}, nil
}

// Rect is the area the banner covers.
func (b *Banner) Rect() image.Rectangle {
	r := b.scr.Bounds()
	if r.Dy() > Height {
		r.Min.Y = r.Max.Y - Height
	}
	return r
}

// Show draws msg in the strip with a single write.
func (b *Banner) Show(msg string) error {
	r := b.Rect()
	img := b.Render(msg, r.Dx(), r.Dy())
	pix := make([]uint16, r.Dx()*r.Dy())
	for y := 0; y < r.Dy(); y++ {
		for x := 0; x < r.Dx(); x++ {
			c := img.RGBAAt(x, y)
			pix[y*r.Dx()+x] = screen.RGB565(c.R, c.G, c.B)
		}
	}
	return b.scr.WritePixels(r, pix)
}

// Render draws the banner into a new w x h image.
func (b *Banner) Render(msg string, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(Black), image.Point{}, draw.Src)

	gc := draw2dimg.NewGraphicContext(img)
	gc.SetFillColor(Red)
	drawRoundedRect(gc, margin, margin, float64(w-2*margin), float64(h-2*margin), radius)
	gc.Fill()

	x := margin + 4
	blend(img, b.icon, x, (h-iconSize)/2)
	x += iconSize + 4

	msg = fit(b.face, msg, w-x-margin-4)
	metrics := b.face.Metrics()
	textH := metrics.Ascent.Round() + metrics.Descent.Round()
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(White),
		Face: b.face,
		Dot:  fixed.P(x, (h-textH)/2+metrics.Ascent.Round()),
	}
	d.DrawString(msg)
	return img
}

// fit shortens s with an ellipsis until it is at most width pixels wide.
func fit(face font.Face, s string, width int) string {
	if font.MeasureString(face, s).Round() <= width {
		return s
	}
	r := []rune(s)
	for len(r) > 0 {
		r = r[:len(r)-1]
		t := string(r) + "..."
		if font.MeasureString(face, t).Round() <= width {
			return t
		}
	}
	return ""
}

func drawRoundedRect(gc *draw2dimg.GraphicContext, x, y, w, h, r float64) {
	gc.MoveTo(x+r, y)
	gc.LineTo(x+w-r, y)
	gc.ArcTo(x+w-r, y+r, r, r, -math.Pi/2, math.Pi/2)
	gc.LineTo(x+w, y+h-r)
	gc.ArcTo(x+w-r, y+h-r, r, r, 0, math.Pi/2)
	gc.LineTo(x+r, y+h)
	gc.ArcTo(x+r, y+h-r, r, r, math.Pi/2, math.Pi/2)
	gc.LineTo(x, y+r)
	gc.ArcTo(x+r, y+r, r, r, math.Pi, math.Pi/2)
	gc.Close()
}

func renderSVG(data []byte, w, h int) (*image.RGBA, error) {
	icon, err := oksvg.ReadIconStream(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	icon.SetTarget(0, 0, float64(w), float64(h))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	scanner := rasterx.NewScannerGV(w, h, img, img.Bounds())
	icon.Draw(rasterx.NewDasher(w, h, scanner), 1.0)
	return img, nil
}

// blend composites src over dst at (x0, y0), skipping transparent pixels.
func blend(dst, src *image.RGBA, x0, y0 int) {
	b := src.Bounds()
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			s := src.RGBAAt(x, y)
			if s.A == 0 {
				continue
			}
			if s.A == 0xFF {
				dst.SetRGBA(x0+x, y0+y, s)
				continue
			}
			d := dst.RGBAAt(x0+x, y0+y)
			// Premultiplied over.
			inv := uint16(0xFF - s.A)
			dst.SetRGBA(x0+x, y0+y, color.RGBA{
				R: uint8(uint16(s.R) + uint16(d.R)*inv/0xFF),
				G: uint8(uint16(s.G) + uint16(d.G)*inv/0xFF),
				B: uint8(uint16(s.B) + uint16(d.B)*inv/0xFF),
				A: uint8(uint16(s.A) + uint16(d.A)*inv/0xFF),
			})
		}
	}
}
