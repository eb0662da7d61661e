// Package scheduler runs the frame's control loop.
//
// Every access to the display and the card happens on the goroutine running
// the loop. Other goroutines (HTTP handlers, the power key) either submit a
// closure with Do, which runs as the dispatch unit of one pass, or queue a
// Command with Post.
//
// A pass runs, in order: at most one dispatched closure, the commands that
// were queued when the pass began, then at most one animation frame.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"sync"
	"time"

	"github.com/photonicat/pcat2_photo_frame/internal/anim"
	"github.com/photonicat/pcat2_photo_frame/internal/bmp"
	"github.com/photonicat/pcat2_photo_frame/internal/device"
)

// ErrStopped is returned by Do once the loop has exited.
var ErrStopped = errors.New("scheduler: stopped")

// Kind tags a queued command.
type Kind int

const (
	DrawStill Kind = iota
	StartAnimation
	StopAnimation
	// Toggle stops a playing animation and redraws the still image, or
	// starts the animation when nothing is playing.
	Toggle
)

func (k Kind) String() string {
	switch k {
	case DrawStill:
		return "draw_still"
	case StartAnimation:
		return "start_animation"
	case StopAnimation:
		return "stop_animation"
	case Toggle:
		return "toggle"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Command is a pending action.
type Command struct {
	Kind Kind
	Loop bool // StartAnimation only
}

// StillDrawer draws the still image.
type StillDrawer interface {
	DrawStill(name string) error
}

// Player is the animation driver.
type Player interface {
	Start(name string, loop bool, now time.Time) error
	Stop()
	Tick(now time.Time) error
	Playing() bool
	NextDue() (time.Time, bool)
	Stats() anim.Stats
}

// Banner shows a short failure message on screen.
type Banner interface {
	Show(msg string) error
}

// Files reports which assets are on the card.
type Files interface {
	Exists(name string) bool
}

// Options configures a Scheduler.
type Options struct {
	StillName     string
	AnimationName string
	// Loop is used when Toggle starts the animation.
	Loop bool
	// Now replaces time.Now in tests.
	Now func() time.Time
}

type request struct {
	fn   func()
	done chan struct{}
}

// Scheduler is the control loop.
type Scheduler struct {
	still  StillDrawer
	player Player
	banner Banner
	files  Files
	state  *device.Store
	opts   Options

	reqs    chan request
	wake    chan struct{}
	stopped chan struct{}
	once    sync.Once

	mu      sync.Mutex
	pending []Command
}

// New returns a scheduler. banner may be nil.
func New(still StillDrawer, player Player, banner Banner, files Files, state *device.Store, opts Options) *Scheduler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		still:   still,
		player:  player,
		banner:  banner,
		files:   files,
		state:   state,
		opts:    opts,
		reqs:    make(chan request),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// Boot records which assets are present and queues a draw of the still
// image if there is one.
func (s *Scheduler) Boot() {
	still := s.files.Exists(s.opts.StillName)
	animation := s.files.Exists(s.opts.AnimationName)
	s.state.Update(func(st device.State) device.State {
		st.Mode = device.Idle
		st.StillPresent = still
		st.AnimationPresent = animation
		return st
	})
	log.Printf("scheduler: boot, still=%v animation=%v", still, animation)
	if still {
		s.Post(Command{Kind: DrawStill})
	}
}

// Post queues a command for the next pass. It is safe to call from any
// goroutine.
func (s *Scheduler) Post(c Command) {
	s.mu.Lock()
	s.pending = append(s.pending, c)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued commands.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Do runs fn on the control goroutine and waits for it to return. Once the
// closure has been accepted Do always waits for it, even if ctx ends.
func (s *Scheduler) Do(ctx context.Context, fn func()) error {
	req := request{fn: fn, done: make(chan struct{})}
	select {
	case s.reqs <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrStopped
	}
	<-req.done
	return nil
}

// Step runs one pass without blocking.
func (s *Scheduler) Step() {
	select {
	case req := <-s.reqs:
		s.pass(&req)
	default:
		s.pass(nil)
	}
}

// Run loops until ctx ends, sleeping until a request arrives, a command is
// posted or the next frame is due. The animation is stopped on exit.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.once.Do(func() { close(s.stopped) })
	defer s.player.Stop()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		var wait <-chan time.Time
		if d, ok := s.idleFor(); ok {
			timer.Reset(d)
			wait = timer.C
		}
		select {
		case <-ctx.Done():
			log.Printf("scheduler: stopping: %v", ctx.Err())
			return ctx.Err()
		case req := <-s.reqs:
			s.pass(&req)
		case <-s.wake:
			s.pass(nil)
		case <-wait:
			s.pass(nil)
		}
	}
}

// idleFor returns how long the loop may sleep, false for indefinitely.
func (s *Scheduler) idleFor() (time.Duration, bool) {
	if s.Pending() > 0 && s.state.Mode() != device.Ingesting {
		return 0, true
	}
	if !s.player.Playing() {
		return 0, false
	}
	due, ok := s.player.NextDue()
	if !ok {
		return 0, false
	}
	return max(0, due.Sub(s.opts.Now())), true
}

func (s *Scheduler) serve(req request) {
	defer close(req.done)
	req.fn()
}

// pass runs the commands queued before it started, after serving req. A
// command posted by req itself, such as the redraw after an upload, waits
// for the next pass.
func (s *Scheduler) pass(req *request) {
	cmds := s.take()
	if req != nil {
		s.serve(*req)
	}
	// Commands wait while an upload holds the card.
	if s.state.Mode() == device.Ingesting {
		s.requeue(cmds)
		cmds = nil
	}
	for _, c := range cmds {
		s.execute(c)
	}
	if s.player.Playing() {
		s.tick()
	}
}

func (s *Scheduler) take() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmds := s.pending
	s.pending = nil
	return cmds
}

// requeue puts cmds back ahead of anything posted since they were taken.
func (s *Scheduler) requeue(cmds []Command) {
	if len(cmds) == 0 {
		return
	}
	s.mu.Lock()
	s.pending = append(cmds, s.pending...)
	s.mu.Unlock()
}

func (s *Scheduler) execute(c Command) {
	switch c.Kind {
	case DrawStill:
		s.drawStill()
	case StartAnimation:
		s.startAnimation(c.Loop)
	case StopAnimation:
		s.StopAnimation()
	case Toggle:
		if s.player.Playing() {
			s.StopAnimation()
			if s.files.Exists(s.opts.StillName) {
				s.drawStill()
			}
			return
		}
		s.startAnimation(s.opts.Loop)
	default:
		log.Printf("scheduler: unknown command %s", c.Kind)
	}
}

func (s *Scheduler) drawStill() {
	err := s.still.DrawStill(s.opts.StillName)
	code := bmp.CodeOf(err)
	s.state.Update(func(st device.State) device.State {
		st.LastDecodeCode = int(code)
		st.LastDecodeMessage = ""
		st.Loop = false
		if err != nil {
			st.LastDecodeMessage = err.Error()
		}
		return st
	})
	if err == nil {
		s.state.SetMode(device.ShowingStill)
		return
	}
	if errors.Is(err, fs.ErrNotExist) {
		// An empty slot is not a broken image.
		log.Printf("scheduler: no still image to draw")
		s.state.Update(func(st device.State) device.State {
			st.StillPresent = false
			st.LastDecodeMessage = "no image"
			if st.Mode != device.Ingesting {
				st.Mode = device.Idle
				st.FaultReason = ""
			}
			return st
		})
		return
	}

	reason := "image: " + code.String()
	log.Printf("scheduler: draw still failed: %v", err)
	s.state.Fault(reason)
	if s.banner != nil {
		if err := s.banner.Show(reason); err != nil {
			log.Printf("scheduler: banner: %v", err)
		}
	}
}

func (s *Scheduler) startAnimation(loop bool) {
	err := s.player.Start(s.opts.AnimationName, loop, s.opts.Now())
	st := s.player.Stats()
	s.state.Update(func(cur device.State) device.State {
		cur.LastAnimError = st.LastError
		cur.Frames = 0
		cur.LastFrameDelay = 0
		if err != nil {
			// Start drops any previous session.
			if cur.Mode == device.PlayingAnimation {
				cur.Mode = device.Idle
			}
			return cur
		}
		cur.Mode = device.PlayingAnimation
		cur.FaultReason = ""
		cur.Loop = loop
		return cur
	})
	if err != nil {
		log.Printf("scheduler: start animation failed: %v", err)
	}
}

// StopAnimation stops playback and leaves PlayingAnimation. It must run on
// the control goroutine.
func (s *Scheduler) StopAnimation() {
	s.player.Stop()
	s.state.Update(func(st device.State) device.State {
		if st.Mode == device.PlayingAnimation {
			st.Mode = device.Idle
		}
		return st
	})
}

func (s *Scheduler) tick() {
	err := s.player.Tick(s.opts.Now())
	st := s.player.Stats()
	playing := s.player.Playing()
	s.state.Update(func(cur device.State) device.State {
		cur.Frames = st.Frames
		cur.LastFrameDelay = st.LastDelay
		cur.LastAnimError = st.LastError
		if !playing && cur.Mode == device.PlayingAnimation {
			cur.Mode = device.Idle
		}
		return cur
	})
	if err != nil {
		log.Printf("scheduler: animation frame: %v", err)
	}
}
