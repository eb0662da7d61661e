// Package screentest provides an in-memory Screen for tests.
package screentest

import (
	"errors"
	"image"
	"sync"

	"github.com/photonicat/pcat2_photo_frame/internal/screen"
)

// Write is one recorded WritePixels call.
type Write struct {
	R   image.Rectangle
	Pix []uint16
}

// Recorder keeps a framebuffer and a log of every write.
type Recorder struct {
	mu     sync.Mutex
	rect   image.Rectangle
	fb     []uint16
	Writes []Write

	// FailAfter makes the write with this index (0-based) and every later
	// write fail. Negative disables failures.
	FailAfter int

	// OnWrite, when set, runs before each write is recorded.
	OnWrite func(r image.Rectangle)
}

// ErrInjected is returned once FailAfter is reached.
var ErrInjected = errors.New("screentest: injected write failure")

// New returns a recorder of the given size.
func New(width, height int) *Recorder {
	return &Recorder{
		rect:      image.Rect(0, 0, width, height),
		fb:        make([]uint16, width*height),
		FailAfter: -1,
	}
}

// Bounds implements screen.Screen.
func (r *Recorder) Bounds() image.Rectangle {
	return r.rect
}

// WritePixels implements screen.Screen.
func (r *Recorder) WritePixels(rect image.Rectangle, pix []uint16) error {
	if err := screen.Check(r.rect, rect, len(pix)); err != nil {
		return err
	}
	if r.OnWrite != nil {
		r.OnWrite(rect)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailAfter >= 0 && len(r.Writes) >= r.FailAfter {
		return ErrInjected
	}
	n := rect.Dx() * rect.Dy()
	r.Writes = append(r.Writes, Write{R: rect, Pix: append([]uint16(nil), pix[:n]...)})
	w := rect.Dx()
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		copy(r.fb[y*r.rect.Dx()+rect.Min.X:], pix[(y-rect.Min.Y)*w:(y-rect.Min.Y+1)*w])
	}
	return nil
}

// At returns the pixel currently at (x, y).
func (r *Recorder) At(x, y int) uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fb[y*r.rect.Dx()+x]
}

// Count returns the number of successful writes.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Writes)
}

// Reset forgets recorded writes, keeping the framebuffer.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.Writes = nil
	r.mu.Unlock()
}
