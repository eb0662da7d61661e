// Package anim paces GIF playback on the screen.
//
// The driver is ticked by the scheduler. Each tick draws at most one frame,
// so the control loop never waits longer than one frame's decode and push.
package anim

import (
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"time"

	"github.com/photonicat/pcat2_photo_frame/internal/gifseq"
	"github.com/photonicat/pcat2_photo_frame/internal/screen"
)

// Driver error codes. Codes below 100 come from gifseq.
const (
	OpenFailed    = 100
	DisplayFailed = 101
	NoFrames      = 102
	RewindFailed  = 103
)

// ErrNotPlaying is returned by Tick when no session is open.
var ErrNotPlaying = errors.New("anim: not playing")

// Error carries the numeric code reported in device state.
type Error struct {
	Code int
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("anim: code %d: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of err: 0 for nil, the gifseq code for decoder
// errors, -1 for anything else.
func CodeOf(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if c := gifseq.CodeOf(err); c >= 0 {
		return int(c)
	}
	return -1
}

// State is the driver's lifecycle state.
type State int

const (
	Stopped State = iota
	Playing
	Faulted
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Playing:
		return "playing"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Opener opens a named file on the card.
type Opener interface {
	OpenReader(name string) (io.ReadSeekCloser, error)
}

// Stats describes playback since the last Start.
type Stats struct {
	Frames    uint64
	Loops     int
	LastDelay time.Duration
	LastError int
}

// DefaultMinDelay is the shortest interval between two frames.
const DefaultMinDelay = 20 * time.Millisecond

// Driver plays one animation at a time.
type Driver struct {
	files    Opener
	scr      screen.Screen
	minDelay time.Duration

	state State
	sess  *session
	stats Stats
}

type session struct {
	name   string
	f      io.ReadSeekCloser
	dec    *gifseq.Decoder
	loop   bool
	due    time.Time
	frames int // frames drawn since the last (re)start

	fresh   bool
	dispose image.Rectangle
	pal     [256]uint16
	run     []uint16
}

// New returns a stopped driver. minDelay <= 0 selects DefaultMinDelay.
func New(files Opener, scr screen.Screen, minDelay time.Duration) *Driver {
	if minDelay <= 0 {
		minDelay = DefaultMinDelay
	}
	return &Driver{files: files, scr: scr, minDelay: minDelay}
}

// Start replaces any current session with one playing name. The screen is
// cleared and the first frame is due immediately.
func (d *Driver) Start(name string, loop bool, now time.Time) error {
	d.Stop()
	d.stats = Stats{}

	f, err := d.files.OpenReader(name)
	if err != nil {
		return d.startFailed(&Error{Code: OpenFailed, Err: err})
	}
	dec, err := gifseq.Open(f)
	if err != nil {
		f.Close()
		return d.startFailed(&Error{Code: int(gifseq.CodeOf(err)), Err: err})
	}
	b := d.scr.Bounds()
	if err := screen.Fill(d.scr, b, 0); err != nil {
		f.Close()
		return d.startFailed(&Error{Code: DisplayFailed, Err: err})
	}
	d.sess = &session{
		name: name,
		f:    f,
		dec:  dec,
		loop: loop,
		due:  now,
		run:  make([]uint16, b.Dx()),
	}
	d.state = Playing
	log.Printf("anim: playing %s (%dx%d, loop=%v, file loop count %d)", name, dec.Width(), dec.Height(), loop, dec.LoopCount())
	return nil
}

func (d *Driver) startFailed(err *Error) error {
	d.state = Faulted
	d.stats.LastError = err.Code
	log.Printf("anim: start failed: %v", err)
	return err
}

// Stop closes the session. It is safe to call in any state.
func (d *Driver) Stop() {
	if d.sess != nil {
		d.sess.f.Close()
		d.sess = nil
		log.Printf("anim: stopped after %d frames", d.stats.Frames)
	}
	d.state = Stopped
}

// State returns the lifecycle state.
func (d *Driver) State() State {
	return d.state
}

// Playing reports whether a session is open.
func (d *Driver) Playing() bool {
	return d.state == Playing
}

// Loop reports whether the current session loops.
func (d *Driver) Loop() bool {
	return d.sess != nil && d.sess.loop
}

// NextDue returns when the next frame should be drawn.
func (d *Driver) NextDue() (time.Time, bool) {
	if d.sess == nil {
		return time.Time{}, false
	}
	return d.sess.due, true
}

// Stats returns playback counters.
func (d *Driver) Stats() Stats {
	return d.stats
}

// Tick draws the next frame if it is due at now. When the sequence ends the
// session is rewound if looping and stopped otherwise. An error is returned
// for a frame that failed; the driver has already moved to its next state.
func (d *Driver) Tick(now time.Time) error {
	if d.state != Playing {
		return ErrNotPlaying
	}
	s := d.sess
	if now.Before(s.due) {
		return nil
	}

	s.fresh = true
	f, err := s.dec.Next(d.drawRow)
	switch {
	case err == nil:
		s.frames++
		d.stats.Frames++
		delay := max(f.Delay, d.minDelay)
		d.stats.LastDelay = delay
		s.due = now.Add(delay)
		s.dispose = image.Rectangle{}
		if f.Disposal == gifseq.DisposalBackground {
			s.dispose = f.Bounds
		}
		return nil

	case errors.Is(err, io.EOF) && s.frames > 0:
		return d.endOfSequence(now, nil)

	case errors.Is(err, io.EOF):
		err = &Error{Code: NoFrames, Err: errors.New("no frames")}
	}

	d.stats.LastError = CodeOf(err)
	log.Printf("anim: %s frame %d: %v", s.name, s.frames, err)
	if s.frames == 0 {
		d.fault()
		return err
	}
	return d.endOfSequence(now, err)
}

// endOfSequence restarts or stops the session. cause is the error that
// ended the sequence early, if any.
func (d *Driver) endOfSequence(now time.Time, cause error) error {
	s := d.sess
	if !s.loop {
		d.Stop()
		return cause
	}
	if err := s.dec.Rewind(); err != nil {
		d.stats.LastError = RewindFailed
		d.fault()
		return &Error{Code: RewindFailed, Err: err}
	}
	d.stats.Loops++
	s.frames = 0
	s.due = now
	return cause
}

func (d *Driver) fault() {
	d.Stop()
	d.state = Faulted
}

// drawRow pushes the opaque runs of one row, clipped to the screen.
func (d *Driver) drawRow(f *gifseq.Frame, y int, idx []byte) error {
	s := d.sess
	b := d.scr.Bounds()
	if s.fresh {
		s.fresh = false
		if !s.dispose.Empty() {
			if err := screen.Fill(d.scr, s.dispose, 0); err != nil {
				return &Error{Code: DisplayFailed, Err: err}
			}
		}
		for i := range s.pal {
			s.pal[i] = 0
			if i < len(f.Palette) {
				s.pal[i] = screen.FromColor(f.Palette[i])
			}
		}
	}
	if y < b.Min.Y || y >= b.Max.Y {
		return nil
	}

	x0 := f.Bounds.Min.X
	run := s.run[:0]
	start := 0
	flush := func() error {
		if len(run) == 0 {
			return nil
		}
		r := image.Rect(start, y, start+len(run), y+1)
		run = run[:0]
		if err := d.scr.WritePixels(r, s.run[:r.Dx()]); err != nil {
			return &Error{Code: DisplayFailed, Err: err}
		}
		return nil
	}
	for i, p := range idx {
		x := x0 + i
		if x < b.Min.X {
			continue
		}
		if x >= b.Max.X {
			break
		}
		if int(p) == f.Transparent {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if len(run) == 0 {
			start = x
		}
		run = append(run, s.pal[p])
	}
	return flush()
}
