// Package ingest receives chunked asset uploads and swaps them onto the card.
//
// An upload streams into a staging file next to the asset slot. Only a
// complete upload is renamed over the slot, so a failed or aborted upload
// leaves the previous asset untouched.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/photonicat/pcat2_photo_frame/internal/device"
)

var (
	// ErrBusy is returned by Start while another upload is in progress.
	ErrBusy = errors.New("ingest: upload already in progress")
	// ErrNoSession is returned by calls made outside an upload.
	ErrNoSession = errors.New("ingest: no upload in progress")
)

// MaxMessage is the longest failure message kept for a session.
const MaxMessage = 96

// StagingSuffix is appended to the asset name while an upload is written.
const StagingSuffix = ".part"

// Files is the subset of the card an upload needs.
type Files interface {
	Mount() error
	CreateWriter(name string) (io.WriteCloser, error)
	Remove(name string) error
	Rename(from, to string) error
}

// Stopper terminates animation playback.
type Stopper interface {
	Stop()
}

// Target is one asset slot.
type Target struct {
	Asset device.Asset
	Name  string
	Limit uint32
}

// Staging is the name the upload is written to.
func (t Target) Staging() string {
	return t.Name + StagingSuffix
}

// Session is the state of one upload.
type Session struct {
	ID             uuid.UUID
	Target         Target
	BytesWritten   uint32
	Failed         bool
	FailureMessage string
	Started        time.Time

	w        io.WriteCloser
	prevMode device.Mode
}

func (s *Session) fail(format string, args ...any) {
	if s.Failed {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if len(msg) > MaxMessage {
		msg = msg[:MaxMessage]
	}
	s.Failed = true
	s.FailureMessage = msg
	log.Printf("ingest: %s: failed: %s", s.ID, msg)
}

// UploadError reports a session that ended without replacing the asset.
type UploadError struct {
	Message string
}

func (e *UploadError) Error() string {
	return e.Message
}

// Coordinator runs at most one upload at a time. It is driven from the
// scheduler goroutine and is not safe for concurrent use.
type Coordinator struct {
	files   Files
	player  Stopper
	state   *device.Store
	targets map[device.Asset]Target
	done    func(device.Asset)
	sess    *Session
}

// New returns a coordinator for the given slots. done, if not nil, is
// called after an asset has been replaced.
func New(files Files, player Stopper, state *device.Store, targets []Target, done func(device.Asset)) *Coordinator {
	c := &Coordinator{
		files:   files,
		player:  player,
		state:   state,
		targets: make(map[device.Asset]Target, len(targets)),
		done:    done,
	}
	for _, t := range targets {
		c.targets[t.Asset] = t
	}
	return c
}

// Active returns a copy of the current session.
func (c *Coordinator) Active() (Session, bool) {
	if c.sess == nil {
		return Session{}, false
	}
	s := *c.sess
	s.w = nil
	return s, true
}

// Start opens a session for asset. Playback is stopped first because the
// card cannot be shared with a running animation.
//
// Storage failures do not make Start fail: the session is marked failed,
// its chunks are dropped and End reports the message.
func (c *Coordinator) Start(asset device.Asset) (uuid.UUID, error) {
	if c.sess != nil {
		return uuid.Nil, ErrBusy
	}
	t, ok := c.targets[asset]
	if !ok {
		return uuid.Nil, fmt.Errorf("ingest: no slot for %s", asset)
	}
	if c.player != nil {
		c.player.Stop()
	}

	prev := c.state.Mode()
	if !prev.Stable() {
		prev = device.Idle
	}
	s := &Session{ID: uuid.New(), Target: t, Started: time.Now(), prevMode: prev}
	c.sess = s
	c.state.Update(func(st device.State) device.State {
		st.Mode = device.Ingesting
		st.FaultReason = ""
		st.UploadBytes = 0
		st.UploadMessage = ""
		return st
	})
	log.Printf("ingest: %s: receiving %s into %s (limit %d bytes)", s.ID, asset, t.Staging(), t.Limit)

	if err := c.files.Mount(); err != nil {
		s.fail("storage unavailable: %v", err)
		return s.ID, nil
	}
	if err := c.files.Remove(t.Staging()); err != nil {
		s.fail("cannot clear %s: %v", t.Staging(), err)
		return s.ID, nil
	}
	w, err := c.files.CreateWriter(t.Staging())
	if err != nil {
		s.fail("cannot create %s: %v", t.Staging(), err)
		return s.ID, nil
	}
	s.w = w
	return s.ID, nil
}

// Chunk appends p to the upload. Chunks of a failed session are dropped.
func (c *Coordinator) Chunk(p []byte) error {
	s := c.sess
	if s == nil {
		return ErrNoSession
	}
	if s.Failed {
		return nil
	}
	total := uint64(s.BytesWritten) + uint64(len(p))
	if total > uint64(s.Target.Limit) {
		s.fail("upload exceeds %d bytes", s.Target.Limit)
		c.discard(s)
		return nil
	}
	n, err := s.w.Write(p)
	s.BytesWritten += uint32(n)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		s.fail("write failed after %d bytes: %v", s.BytesWritten, err)
		c.discard(s)
		return nil
	}
	c.state.Update(func(st device.State) device.State {
		st.UploadBytes = s.BytesWritten
		return st
	})
	return nil
}

// End completes the upload. On success the staging file replaces the asset
// and the done callback runs; otherwise an *UploadError carries the
// session's failure message.
func (c *Coordinator) End() (Session, error) {
	s := c.sess
	if s == nil {
		return Session{}, ErrNoSession
	}
	if s.w != nil {
		w := s.w
		s.w = nil
		if err := w.Close(); err != nil {
			s.fail("close failed: %v", err)
		}
	}
	if !s.Failed && s.BytesWritten == 0 {
		s.fail("empty upload")
	}
	if !s.Failed {
		if err := c.files.Rename(s.Target.Staging(), s.Target.Name); err != nil {
			s.fail("cannot replace %s: %v", s.Target.Name, err)
		}
	}
	if s.Failed {
		c.discard(s)
		c.finish(s)
		return *s, &UploadError{Message: s.FailureMessage}
	}

	c.state.Update(func(st device.State) device.State {
		switch s.Target.Asset {
		case device.Still:
			st.StillPresent = true
			st.StillReceived = true
		case device.Animation:
			st.AnimationPresent = true
			st.AnimationReceived = true
		}
		return st
	})
	log.Printf("ingest: %s: stored %s, %d bytes in %s", s.ID, s.Target.Name, s.BytesWritten, time.Since(s.Started).Round(time.Millisecond))
	c.finish(s)
	if c.done != nil {
		c.done(s.Target.Asset)
	}
	return *s, nil
}

// Abort discards the upload.
func (c *Coordinator) Abort() error {
	s := c.sess
	if s == nil {
		return ErrNoSession
	}
	s.fail("upload aborted")
	c.discard(s)
	c.finish(s)
	return nil
}

// discard closes and deletes the staging file.
func (c *Coordinator) discard(s *Session) {
	if s.w != nil {
		s.w.Close()
		s.w = nil
	}
	if err := c.files.Remove(s.Target.Staging()); err != nil {
		log.Printf("ingest: %s: cannot remove %s: %v", s.ID, s.Target.Staging(), err)
	}
}

// finish ends the session and leaves Ingesting.
func (c *Coordinator) finish(s *Session) {
	c.sess = nil
	c.state.Update(func(st device.State) device.State {
		st.Mode = s.prevMode
		st.UploadBytes = s.BytesWritten
		st.UploadMessage = s.FailureMessage
		return st
	})
}
