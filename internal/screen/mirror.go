package screen

import (
	"image"
	"net/http"

	"periph.io/x/devices/v3/videosink"
)

// Mirror is a Screen backed by a videosink display. It stands in for the
// panel when developing on a host and streams what would be shown as MJPEG.
type Mirror struct {
	sink *videosink.Display
	row  *image.RGBA
}

// NewMirror creates a mirror of the given size.
func NewMirror(width, height int) *Mirror {
	return &Mirror{
		sink: videosink.New(&videosink.Options{
			Width:  width,
			Height: height,
			Format: videosink.PNG,
		}),
	}
}

// Bounds implements Screen.
func (m *Mirror) Bounds() image.Rectangle {
	return m.sink.Bounds()
}

// WritePixels implements Screen.
func (m *Mirror) WritePixels(r image.Rectangle, pix []uint16) error {
	if err := Check(m.Bounds(), r, len(pix)); err != nil {
		return err
	}
	if m.row == nil || m.row.Rect.Dx() < r.Dx() || m.row.Rect.Dy() < r.Dy() {
		m.row = image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	}
	w := r.Dx()
	for y := 0; y < r.Dy(); y++ {
		for x := 0; x < w; x++ {
			m.row.SetRGBA(x, y, Expand(pix[y*w+x]))
		}
	}
	return m.sink.Draw(r, m.row, image.Point{})
}

// Handler serves the MJPEG stream.
func (m *Mirror) Handler() http.Handler {
	return m.sink
}

// Halt terminates connected stream clients.
func (m *Mirror) Halt() error {
	return m.sink.Halt()
}
