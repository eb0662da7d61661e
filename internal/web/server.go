// Package web is the frame's HTTP surface: uploads, playback control and
// status.
//
// Handlers run on Fiber's goroutines. Anything that touches the card, the
// screen or the ingest coordinator is passed to the control loop with Do;
// handlers themselves only read state snapshots.
package web

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	svg "github.com/ajstarks/svgo"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/google/uuid"

	"github.com/photonicat/pcat2_photo_frame/internal/bus"
	"github.com/photonicat/pcat2_photo_frame/internal/device"
	"github.com/photonicat/pcat2_photo_frame/internal/ingest"
	"github.com/photonicat/pcat2_photo_frame/internal/netcheck"
	"github.com/photonicat/pcat2_photo_frame/internal/scheduler"
)

//go:embed index.html
var indexHTML []byte

// ChunkSize is how much of a request body is handed to the coordinator per
// control-loop round trip.
const ChunkSize = 4096

// DefaultReadTimeout bounds how long a request, upload body included, may
// take to arrive. A stalled upload is aborted when it expires.
const DefaultReadTimeout = 2 * time.Minute

// Loop is the control loop.
type Loop interface {
	Do(ctx context.Context, fn func()) error
	Post(c scheduler.Command)
	StopAnimation()
}

// Uploads is the ingest coordinator.
type Uploads interface {
	Start(asset device.Asset) (uuid.UUID, error)
	Chunk(p []byte) error
	End() (ingest.Session, error)
	Abort() error
	Active() (ingest.Session, bool)
}

// Files is the asset storage.
type Files interface {
	Exists(name string) bool
	Size(name string) (int64, error)
	OpenReader(name string) (io.ReadSeekCloser, error)
}

// Network reports the last reachability check.
type Network interface {
	Last() netcheck.Status
}

// Bus reports who holds the shared SPI bus.
type Bus interface {
	Owner() bus.Peripheral
	Switches() uint64
}

// Options configures a Server.
type Options struct {
	StillName     string
	AnimationName string
	Loop          bool

	// Network and Bus may be nil.
	Network Network
	Bus     Bus

	// ReadTimeout defaults to DefaultReadTimeout.
	ReadTimeout time.Duration

	// Live, if set, is served at /live.
	Live http.Handler
}

// Server owns the Fiber app.
type Server struct {
	app     *fiber.App
	loop    Loop
	uploads Uploads
	files   Files
	state   *device.Store
	opts    Options
}

// New builds the app and registers its routes.
func New(loop Loop, uploads Uploads, files Files, state *device.Store, opts Options) *Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	s := &Server{
		app: fiber.New(fiber.Config{
			StreamRequestBody:     true,
			DisableStartupMessage: true,
			ReadTimeout:           opts.ReadTimeout,
		}),
		loop:    loop,
		uploads: uploads,
		files:   files,
		state:   state,
		opts:    opts,
	}

	s.app.Get("/", s.index)
	s.app.Post("/upload/image", s.upload(device.Still))
	s.app.Post("/upload/animation", s.upload(device.Animation))
	s.app.Post("/draw", s.draw)
	s.app.Post("/play", s.play)
	s.app.Post("/stop", s.stop)
	s.app.Get("/image", s.image)
	s.app.Get("/status", s.status)
	s.app.Get("/status.svg", s.statusCard)
	if opts.Live != nil {
		s.app.Get("/live", adaptor.HTTPHandler(opts.Live))
	}
	return s
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	log.Println("Starting Fiber server on", addr)
	return s.app.Listen(addr)
}

// Shutdown stops the listener.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) index(c *fiber.Ctx) error {
	c.Type("html", "utf-8")
	return c.Send(indexHTML)
}

func (s *Server) upload(asset device.Asset) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()

		var startErr error
		if err := s.loop.Do(ctx, func() { _, startErr = s.uploads.Start(asset) }); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).SendString(err.Error())
		}
		switch {
		case errors.Is(startErr, ingest.ErrBusy):
			return c.Status(fiber.StatusConflict).SendString("upload already in progress")
		case startErr != nil:
			return c.Status(fiber.StatusInternalServerError).SendString(startErr.Error())
		}

		body := c.Context().RequestBodyStream()
		if body == nil {
			body = bytes.NewReader(c.Body())
		}
		if code, msg := s.receive(ctx, asset, body); code != 0 {
			return c.Status(code).SendString(msg)
		}

		var (
			sess   ingest.Session
			endErr error
		)
		if err := s.loop.Do(ctx, func() { sess, endErr = s.uploads.End() }); err != nil {
			s.abort()
			return c.Status(fiber.StatusServiceUnavailable).SendString(err.Error())
		}
		if endErr != nil {
			log.Printf("web: %s upload failed: %v", asset, endErr)
			return c.Status(fiber.StatusInternalServerError).SendString(endErr.Error())
		}
		log.Printf("web: %s upload %s complete, %d bytes", asset, sess.ID, sess.BytesWritten)
		return c.JSON(fiber.Map{
			"id":    sess.ID.String(),
			"asset": asset.String(),
			"bytes": sess.BytesWritten,
		})
	}
}

// receive hands body to the coordinator one chunk per control-loop round
// trip. On failure the session is aborted and the status and message for
// the client are returned; a zero status means the body was consumed.
func (s *Server) receive(ctx context.Context, asset device.Asset, body io.Reader) (int, string) {
	buf := make([]byte, ChunkSize)
	for {
		n, rerr := io.ReadFull(body, buf)
		if n > 0 {
			chunk := buf[:n]
			var cerr error
			if err := s.loop.Do(ctx, func() { cerr = s.uploads.Chunk(chunk) }); err != nil {
				s.abort()
				return fiber.StatusServiceUnavailable, err.Error()
			}
			if cerr != nil {
				log.Printf("web: %s upload: %v", asset, cerr)
				s.abort()
				return fiber.StatusInternalServerError, cerr.Error()
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			return 0, ""
		}
		if rerr != nil {
			// Includes the read deadline expiring on a stalled client.
			log.Printf("web: %s upload: read body: %v", asset, rerr)
			s.abort()
			return fiber.StatusInternalServerError, "upload aborted"
		}
	}
}

// abort ends a half-done upload even when the request context is gone.
func (s *Server) abort() {
	if err := s.loop.Do(context.Background(), func() { s.uploads.Abort() }); err != nil {
		log.Printf("web: abort upload: %v", err)
	}
}

func (s *Server) draw(c *fiber.Ctx) error {
	s.loop.Post(scheduler.Command{Kind: scheduler.DrawStill})
	return c.SendString("draw queued")
}

func (s *Server) play(c *fiber.Ctx) error {
	loop := s.opts.Loop
	switch c.Query("loop") {
	case "0", "false":
		loop = false
	case "1", "true":
		loop = true
	}
	var present bool
	if err := s.loop.Do(c.UserContext(), func() { present = s.files.Exists(s.opts.AnimationName) }); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).SendString(err.Error())
	}
	if !present {
		return c.Status(fiber.StatusInternalServerError).SendString("no animation uploaded")
	}
	s.loop.Post(scheduler.Command{Kind: scheduler.StartAnimation, Loop: loop})
	return c.SendString("play queued")
}

func (s *Server) stop(c *fiber.Ctx) error {
	if err := s.loop.Do(c.UserContext(), s.loop.StopAnimation); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).SendString(err.Error())
	}
	return c.SendString("stopped")
}

func (s *Server) image(c *fiber.Ctx) error {
	var (
		present, playing bool
		size             int64
		f                io.ReadSeekCloser
		openErr          error
	)
	err := s.loop.Do(c.UserContext(), func() {
		playing = s.state.Mode() == device.PlayingAnimation
		present = s.files.Exists(s.opts.StillName)
		if playing || !present {
			return
		}
		if size, openErr = s.files.Size(s.opts.StillName); openErr != nil {
			return
		}
		f, openErr = s.files.OpenReader(s.opts.StillName)
	})
	switch {
	case err != nil:
		return c.Status(fiber.StatusServiceUnavailable).SendString(err.Error())
	case playing:
		return c.Status(fiber.StatusConflict).SendString("animation is playing")
	case !present:
		return c.Status(fiber.StatusNotFound).SendString("no image uploaded")
	case openErr != nil:
		return c.Status(fiber.StatusInternalServerError).SendString(openErr.Error())
	}
	c.Type("bmp")
	return c.SendStream(&loopReader{loop: s.loop, f: f}, int(size))
}

// loopReader reads f on the control loop. Fasthttp drains and closes it after
// the handler returns, so it uses its own context.
type loopReader struct {
	loop Loop
	f    io.ReadSeekCloser
}

func (r *loopReader) Read(p []byte) (int, error) {
	var (
		n   int
		err error
	)
	if derr := r.loop.Do(context.Background(), func() { n, err = r.f.Read(p) }); derr != nil {
		return 0, derr
	}
	return n, err
}

func (r *loopReader) Close() error {
	var err error
	if derr := r.loop.Do(context.Background(), func() { err = r.f.Close() }); derr != nil {
		return r.f.Close()
	}
	return err
}

type busStatus struct {
	Owner    string `json:"owner"`
	Switches uint64 `json:"switches"`
}

type uploadStatus struct {
	ID     string `json:"id"`
	Asset  string `json:"asset"`
	Bytes  uint32 `json:"bytes"`
	Failed bool   `json:"failed"`
}

type statusResponse struct {
	device.State
	LastFrameDelayMs int64            `json:"last_frame_delay_ms"`
	Network          *netcheck.Status `json:"network,omitempty"`
	Bus              *busStatus       `json:"bus,omitempty"`
	Upload           *uploadStatus    `json:"upload,omitempty"`
}

// snapshot collects the status. The bus and the upload session belong to
// the control loop and are read there; if the loop is gone they are left out.
func (s *Server) snapshot(ctx context.Context) statusResponse {
	var (
		bs *busStatus
		us *uploadStatus
	)
	err := s.loop.Do(ctx, func() {
		if s.opts.Bus != nil {
			bs = &busStatus{Owner: s.opts.Bus.Owner().String(), Switches: s.opts.Bus.Switches()}
		}
		if sess, ok := s.uploads.Active(); ok {
			us = &uploadStatus{
				ID:     sess.ID.String(),
				Asset:  sess.Target.Asset.String(),
				Bytes:  sess.BytesWritten,
				Failed: sess.Failed,
			}
		}
	})
	if err != nil {
		log.Printf("web: status: %v", err)
	}

	st := s.state.Snapshot()
	resp := statusResponse{
		State:            st,
		LastFrameDelayMs: st.LastFrameDelay.Milliseconds(),
		Bus:              bs,
		Upload:           us,
	}
	if s.opts.Network != nil {
		n := s.opts.Network.Last()
		resp.Network = &n
	}
	return resp
}

func (s *Server) status(c *fiber.Ctx) error {
	return c.JSON(s.snapshot(c.UserContext()))
}

func (s *Server) statusCard(c *fiber.Ctx) error {
	var buf bytes.Buffer
	renderCard(&buf, s.snapshot(c.UserContext()))
	c.Set(fiber.HeaderContentType, "image/svg+xml")
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.Send(buf.Bytes())
}

const (
	cardWidth  = 260
	cardHeight = 150
)

// renderCard draws the status as a small SVG card.
func renderCard(w io.Writer, st statusResponse) {
	canvas := svg.New(w)
	canvas.Start(cardWidth, cardHeight)
	canvas.Roundrect(0, 0, cardWidth, cardHeight, 10, 10, "fill:#202020")

	accent := "#3CB371"
	if st.Mode == device.Faulted {
		accent = "#DC143C"
	}
	canvas.Rect(0, 0, 8, cardHeight, "fill:"+accent)

	text := "font-family:sans-serif;font-size:13px;fill:#FFFFFF"
	dim := "font-family:sans-serif;font-size:12px;fill:#B0B0B0"
	canvas.Text(18, 24, st.Mode.String(), "font-family:sans-serif;font-size:16px;font-weight:bold;fill:"+accent)

	y := 46
	line := func(style, format string, args ...any) {
		canvas.Text(18, y, fmt.Sprintf(format, args...), style)
		y += 18
	}
	if st.FaultReason != "" {
		line(text, "fault: %s", st.FaultReason)
	}
	line(text, "still: %s  animation: %s", presence(st.StillPresent), presence(st.AnimationPresent))
	if st.Mode == device.PlayingAnimation {
		line(dim, "frames %d, %d ms/frame, loop %v", st.Frames, st.LastFrameDelayMs, st.Loop)
	}
	if u := st.Upload; u != nil {
		line(dim, "receiving %s: %d bytes", u.Asset, u.Bytes)
	} else if st.UploadMessage != "" {
		line(dim, "upload: %s", st.UploadMessage)
	} else if st.UploadBytes > 0 {
		line(dim, "last upload %d bytes", st.UploadBytes)
	}
	if n := st.Network; n != nil && y < cardHeight {
		if n.Reachable {
			line(dim, "%s  rtt %d ms", n.Address, n.RTTMs)
		} else {
			line(dim, "offline %s", n.Error)
		}
	}
	canvas.End()
}

func presence(ok bool) string {
	if ok {
		return "yes"
	}
	return "no"
}
