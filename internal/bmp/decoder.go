package bmp

import (
	"errors"
	"image"
	"io"

	"github.com/photonicat/pcat2_photo_frame/internal/screen"
)

// Opener opens a named file on the card.
type Opener interface {
	OpenReader(name string) (io.ReadSeekCloser, error)
}

// Stopper terminates whatever else is drawing on the screen.
type Stopper interface {
	Stop()
}

// Decoder draws still images.
type Decoder struct {
	files  Opener
	scr    screen.Screen
	player Stopper
}

// NewDecoder returns a decoder drawing to scr. player, if not nil, is stopped
// before every draw: a still image always pre-empts an animation.
func NewDecoder(files Opener, scr screen.Screen, player Stopper) *Decoder {
	return &Decoder{files: files, scr: scr, player: player}
}

// DrawStill validates the named bitmap and streams it to the screen.
//
// An I/O error part way through leaves the rows already pushed on screen.
func (d *Decoder) DrawStill(name string) error {
	if d.player != nil {
		d.player.Stop()
	}
	f, err := d.files.OpenReader(name)
	if err != nil {
		return fail(OpenFailed, err)
	}
	defer f.Close()

	h, err := ReadHeader(f)
	if err != nil {
		return err
	}
	it := newRows(f, h, d.scr.Bounds())
	pix := make([]uint16, it.width)
	for {
		y, row, err := it.next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		convertRow(pix, row, it.bpp)
		if err := d.scr.WritePixels(image.Rect(0, y, it.width, y+1), pix); err != nil {
			return fail(DisplayFailed, err)
		}
	}
}

// rows iterates over the destination rows of one decode. It cannot be
// restarted; the scratch buffer lives as long as the iterator.
type rows struct {
	r      io.ReadSeeker
	h      Header
	width  int
	height int
	bpp    int
	stride int64
	y      int
	buf    []byte
}

func newRows(r io.ReadSeeker, h Header, bounds image.Rectangle) *rows {
	it := &rows{
		r:      r,
		h:      h,
		width:  min(int(h.Width), bounds.Dx()),
		height: min(h.Rows(), bounds.Dy()),
		bpp:    h.BytesPerPixel(),
		stride: h.Stride(),
	}
	it.buf = make([]byte, it.width*it.bpp)
	return it
}

// next returns the next destination row and its bytes. Bottom-up files are
// read in reverse order so rows always come out top first.
func (it *rows) next() (int, []byte, error) {
	if it.y >= it.height {
		return 0, nil, io.EOF
	}
	src := int64(it.y)
	if it.h.BottomUp() {
		src = int64(it.h.Rows()-1-it.y)
	}
	off := int64(it.h.PixelOffset) + src*it.stride
	if _, err := it.r.Seek(off, io.SeekStart); err != nil {
		return 0, nil, fail(SeekFailed, err)
	}
	if _, err := io.ReadFull(it.r, it.buf); err != nil {
		return 0, nil, fail(ShortRead, err)
	}
	y := it.y
	it.y++
	return y, it.buf, nil
}

// convertRow packs B,G,R(,A) pixels into RGB565.
func convertRow(dst []uint16, src []byte, bpp int) {
	for x := range dst {
		p := src[x*bpp:]
		dst[x] = screen.RGB565(p[2], p[1], p[0])
	}
}
