package web

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"image"
	"image/color"
	"image/gif"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/photonicat/pcat2_photo_frame/internal/anim"
	"github.com/photonicat/pcat2_photo_frame/internal/bmp"
	"github.com/photonicat/pcat2_photo_frame/internal/bus"
	"github.com/photonicat/pcat2_photo_frame/internal/device"
	"github.com/photonicat/pcat2_photo_frame/internal/ingest"
	"github.com/photonicat/pcat2_photo_frame/internal/netcheck"
	"github.com/photonicat/pcat2_photo_frame/internal/scheduler"
	"github.com/photonicat/pcat2_photo_frame/internal/screen/screentest"
	"github.com/photonicat/pcat2_photo_frame/internal/storage"
)

const (
	stillName = "image.bmp"
	animName  = "anim.gif"
)

func bitmap(w, h int) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian
	stride := (w*3 + 3) &^ 3
	buf.WriteString("BM")
	binary.Write(&buf, le, uint32(54+stride*h))
	binary.Write(&buf, le, uint32(0))
	binary.Write(&buf, le, uint32(54))
	binary.Write(&buf, le, uint32(40))
	binary.Write(&buf, le, int32(w))
	binary.Write(&buf, le, int32(h))
	binary.Write(&buf, le, uint16(1))
	binary.Write(&buf, le, uint16(24))
	buf.Write(make([]byte, 24))
	buf.Write(bytes.Repeat([]byte{0x80}, stride*h))
	return buf.Bytes()
}

func animation(t *testing.T) []byte {
	t.Helper()
	pal := color.Palette{color.RGBA{0, 0, 0xFF, 0xFF}, color.RGBA{0xFF, 0xFF, 0, 0xFF}}
	g := &gif.GIF{}
	for i := 0; i < 2; i++ {
		f := image.NewPaletted(image.Rect(0, 0, 4, 4), pal)
		f.Pix[i] = 1
		g.Image = append(g.Image, f)
		g.Delay = append(g.Delay, 5)
	}
	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, g); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type nopBanner struct{}

func (nopBanner) Show(string) error { return nil }

type fixedNetwork netcheck.Status

func (n fixedNetwork) Last() netcheck.Status { return netcheck.Status(n) }

type fixture struct {
	dir   string
	state *device.Store
	sched *scheduler.Scheduler
	coord *ingest.Coordinator
	srv   *Server
}

func newFixture(t *testing.T, files map[string][]byte, stillLimit uint32, live http.Handler) *fixture {
	t.Helper()
	f := &fixture{dir: t.TempDir(), state: device.NewStore(device.State{})}
	for name, b := range files {
		if err := os.WriteFile(filepath.Join(f.dir, name), b, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	arb := bus.New(nil, nil)
	card := storage.New(f.dir, arb)
	if err := card.Mount(); err != nil {
		t.Fatal(err)
	}
	rec := screentest.New(4, 4)
	driver := anim.New(card, rec, 0)
	still := bmp.NewDecoder(card, rec, driver)
	f.sched = scheduler.New(still, driver, nopBanner{}, card, f.state, scheduler.Options{
		StillName:     stillName,
		AnimationName: animName,
		Loop:          true,
	})
	f.coord = ingest.New(card, driver, f.state, []ingest.Target{
		{Asset: device.Still, Name: stillName, Limit: stillLimit},
		{Asset: device.Animation, Name: animName, Limit: 1 << 20},
	}, func(a device.Asset) {
		if a == device.Still {
			f.sched.Post(scheduler.Command{Kind: scheduler.DrawStill})
			return
		}
		f.sched.Post(scheduler.Command{Kind: scheduler.StartAnimation, Loop: true})
	})
	f.sched.Boot()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sched.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	f.srv = New(f.sched, f.coord, card, f.state, Options{
		StillName:     stillName,
		AnimationName: animName,
		Loop:          true,
		Network:       fixedNetwork{Address: "192.168.1.20", Reachable: true, RTTMs: 3},
		Bus:           arb,
		Live:          live,
	})
	f.settle(t)
	return f
}

// settle waits until commands posted so far have run.
func (f *fixture) settle(t *testing.T) {
	t.Helper()
	for i := 0; i < 2; i++ {
		if err := f.sched.Do(context.Background(), func() {}); err != nil {
			t.Fatal(err)
		}
	}
}

func (f *fixture) do(t *testing.T, method, target string, body []byte) (int, string) {
	t.Helper()
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	resp, err := f.srv.App().Test(httptest.NewRequest(method, target, r), 5000)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, string(b)
}

func TestIndex(t *testing.T) {
	f := newFixture(t, nil, 1024, nil)
	code, body := f.do(t, "GET", "/", nil)
	if code != http.StatusOK || !strings.Contains(body, "/upload/image") {
		t.Errorf("GET / = %d %.60q", code, body)
	}
}

func TestUploadStillDrawsIt(t *testing.T) {
	f := newFixture(t, nil, 1024, nil)
	img := bitmap(4, 4)

	code, body := f.do(t, "POST", "/upload/image", img)
	if code != http.StatusOK {
		t.Fatalf("upload = %d %s", code, body)
	}
	var resp struct {
		ID    string `json:"id"`
		Asset string `json:"asset"`
		Bytes int    `json:"bytes"`
	}
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Asset != "still" || resp.Bytes != len(img) || resp.ID == "" {
		t.Errorf("upload response = %+v", resp)
	}

	f.settle(t)
	st := f.state.Snapshot()
	if st.Mode != device.ShowingStill || !st.StillPresent || !st.StillReceived || st.UploadBytes != uint32(len(img)) {
		t.Errorf("state after upload = %+v", st)
	}

	code, body = f.do(t, "GET", "/image", nil)
	if code != http.StatusOK {
		t.Fatalf("GET /image = %d", code)
	}
	if diff := cmp.Diff([]byte(body), img); diff != "" {
		t.Errorf("downloaded image differs (-got +want):\n%s", diff)
	}
}

func TestUploadMultipleChunks(t *testing.T) {
	f := newFixture(t, nil, 1<<20, nil)
	img := bitmap(64, 40)
	if len(img) <= 2*ChunkSize {
		t.Fatalf("test image too small: %d bytes", len(img))
	}
	if code, body := f.do(t, "POST", "/upload/image", img); code != http.StatusOK {
		t.Fatalf("upload = %d %s", code, body)
	}
	got, err := os.ReadFile(filepath.Join(f.dir, stillName))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, img) {
		t.Errorf("stored %d bytes, want the %d uploaded", len(got), len(img))
	}
}

func TestUploadTooLarge(t *testing.T) {
	old := bitmap(2, 2)
	f := newFixture(t, map[string][]byte{stillName: old}, 64, nil)

	code, body := f.do(t, "POST", "/upload/image", bitmap(4, 4))
	if code != http.StatusInternalServerError || body != "upload exceeds 64 bytes" {
		t.Errorf("upload = %d %q", code, body)
	}
	got, err := os.ReadFile(filepath.Join(f.dir, stillName))
	if err != nil || !bytes.Equal(got, old) {
		t.Errorf("previous still not kept: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.dir, stillName+ingest.StagingSuffix)); !os.IsNotExist(err) {
		t.Errorf("staging file left behind: %v", err)
	}
	if st := f.state.Snapshot(); st.Mode != device.ShowingStill || st.UploadMessage != "upload exceeds 64 bytes" {
		t.Errorf("state = %+v", st)
	}
}

func TestEmptyUploadRejected(t *testing.T) {
	f := newFixture(t, nil, 1024, nil)
	code, body := f.do(t, "POST", "/upload/animation", nil)
	if code != http.StatusInternalServerError || body != "empty upload" {
		t.Errorf("upload = %d %q", code, body)
	}
}

func TestUploadBusy(t *testing.T) {
	f := newFixture(t, nil, 1024, nil)
	var err error
	f.sched.Do(context.Background(), func() { _, err = f.coord.Start(device.Animation) })
	if err != nil {
		t.Fatal(err)
	}

	code, _ := f.do(t, "POST", "/upload/image", bitmap(4, 4))
	if code != http.StatusConflict {
		t.Errorf("upload during another upload = %d, want 409", code)
	}
	f.sched.Do(context.Background(), func() { f.coord.Abort() })
	if code, body := f.do(t, "POST", "/upload/image", bitmap(4, 4)); code != http.StatusOK {
		t.Errorf("upload after abort = %d %s", code, body)
	}
}

func TestPlayAndStop(t *testing.T) {
	f := newFixture(t, nil, 1024, nil)
	if code, body := f.do(t, "POST", "/play", nil); code != http.StatusInternalServerError || body != "no animation uploaded" {
		t.Errorf("play without animation = %d %q", code, body)
	}

	if code, body := f.do(t, "POST", "/upload/animation", animation(t)); code != http.StatusOK {
		t.Fatalf("upload = %d %s", code, body)
	}
	f.settle(t)
	if m := f.state.Mode(); m != device.PlayingAnimation {
		t.Fatalf("mode after animation upload = %s", m)
	}

	if code, _ := f.do(t, "POST", "/stop", nil); code != http.StatusOK {
		t.Errorf("stop = %d", code)
	}
	if m := f.state.Mode(); m != device.Idle {
		t.Errorf("mode after stop = %s, want idle", m)
	}

	if code, _ := f.do(t, "POST", "/play?loop=0", nil); code != http.StatusOK {
		t.Errorf("play = %d", code)
	}
	f.settle(t)
	st := f.state.Snapshot()
	if st.Loop {
		t.Error("loop=0 ignored")
	}
	if st.Mode != device.PlayingAnimation && st.Mode != device.Idle {
		t.Errorf("mode after play = %s", st.Mode)
	}
	if st.Frames == 0 {
		t.Error("no frame drawn")
	}
}

func TestImageStatuses(t *testing.T) {
	f := newFixture(t, map[string][]byte{animName: animation(t)}, 1024, nil)
	if code, _ := f.do(t, "GET", "/image", nil); code != http.StatusNotFound {
		t.Errorf("GET /image without still = %d, want 404", code)
	}

	if err := os.WriteFile(filepath.Join(f.dir, stillName), bitmap(4, 4), 0o644); err != nil {
		t.Fatal(err)
	}
	f.do(t, "POST", "/play?loop=1", nil)
	f.settle(t)
	if code, _ := f.do(t, "GET", "/image", nil); code != http.StatusConflict {
		t.Errorf("GET /image while playing = %d, want 409", code)
	}

	// Draw now replaces the animation.
	f.do(t, "POST", "/draw", nil)
	f.settle(t)
	if m := f.state.Mode(); m != device.ShowingStill {
		t.Fatalf("mode after draw = %s", m)
	}
	if code, _ := f.do(t, "GET", "/image", nil); code != http.StatusOK {
		t.Errorf("GET /image = %d, want 200", code)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t, map[string][]byte{stillName: bitmap(4, 4)}, 1024, nil)
	code, body := f.do(t, "GET", "/status", nil)
	if code != http.StatusOK {
		t.Fatalf("GET /status = %d", code)
	}
	var got struct {
		Mode         string `json:"mode"`
		StillPresent bool   `json:"still_present"`
		Network      struct {
			Address   string `json:"address"`
			Reachable bool   `json:"reachable"`
		} `json:"network"`
	}
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("bad json %q: %v", body, err)
	}
	if got.Mode != "showing_still" || !got.StillPresent || got.Network.Address != "192.168.1.20" || !got.Network.Reachable {
		t.Errorf("status = %+v", got)
	}
}

func TestStatusCard(t *testing.T) {
	f := newFixture(t, nil, 1024, nil)
	resp, err := f.srv.App().Test(httptest.NewRequest("GET", "/status.svg", nil), 5000)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if ct := resp.Header.Get("Content-Type"); ct != "image/svg+xml" {
		t.Errorf("Content-Type = %q", ct)
	}
	for _, want := range []string{"<svg", ">idle<", "192.168.1.20", "</svg>"} {
		if !bytes.Contains(b, []byte(want)) {
			t.Errorf("card missing %q", want)
		}
	}
}

func TestLiveRoute(t *testing.T) {
	f := newFixture(t, nil, 1024, nil)
	if code, _ := f.do(t, "GET", "/live", nil); code != http.StatusNotFound {
		t.Errorf("GET /live without mirror = %d, want 404", code)
	}

	live := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "frames")
	})
	f = newFixture(t, nil, 1024, live)
	if code, body := f.do(t, "GET", "/live", nil); code != http.StatusOK || body != "frames" {
		t.Errorf("GET /live = %d %q", code, body)
	}
}

// directLoop runs closures on the caller's goroutine.
type directLoop struct{}

func (directLoop) Do(_ context.Context, fn func()) error {
	fn()
	return nil
}

func (directLoop) Post(scheduler.Command) {}
func (directLoop) StopAnimation() {}

type recordingUploads struct {
	chunks   int
	chunkErr error
	aborted  bool
}

func (u *recordingUploads) Start(device.Asset) (uuid.UUID, error) { return uuid.New(), nil }
func (u *recordingUploads) Chunk([]byte) error {
	u.chunks++
	return u.chunkErr
}

func (u *recordingUploads) End() (ingest.Session, error) { return ingest.Session{}, nil }
func (u *recordingUploads) Abort() error {
	u.aborted = true
	return nil
}

func (u *recordingUploads) Active() (ingest.Session, bool) { return ingest.Session{}, false }

func TestReceive(t *testing.T) {
	for _, tc := range []struct {
		name     string
		body     io.Reader
		chunkErr error
		code     int
		msg      string
		chunks   int
		aborted  bool
	}{
		{
			name:   "whole body",
			body:   bytes.NewReader(make([]byte, 2*ChunkSize+1)),
			chunks: 3,
		},
		{
			name:     "chunk rejected",
			body:     bytes.NewReader(make([]byte, 10)),
			chunkErr: ingest.ErrNoSession,
			code:     http.StatusInternalServerError,
			msg:      ingest.ErrNoSession.Error(),
			chunks:   1,
			aborted:  true,
		},
		{
			name:    "read deadline",
			body:    iotest.TimeoutReader(bytes.NewReader(make([]byte, 3*ChunkSize))),
			code:    http.StatusInternalServerError,
			msg:     "upload aborted",
			chunks:  1,
			aborted: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			u := &recordingUploads{chunkErr: tc.chunkErr}
			s := &Server{loop: directLoop{}, uploads: u}
			code, msg := s.receive(context.Background(), device.Still, tc.body)
			if code != tc.code || msg != tc.msg {
				t.Errorf("receive() = %d %q, want %d %q", code, msg, tc.code, tc.msg)
			}
			if u.chunks != tc.chunks || u.aborted != tc.aborted {
				t.Errorf("chunks = %d, aborted = %v, want %d, %v", u.chunks, u.aborted, tc.chunks, tc.aborted)
			}
		})
	}
}

func TestStalledUploadIsAborted(t *testing.T) {
	old := bitmap(2, 2)
	f := newFixture(t, map[string][]byte{stillName: old}, 1<<20, nil)
	if got := f.srv.App().Config().ReadTimeout; got != DefaultReadTimeout {
		t.Errorf("ReadTimeout = %v, want %v", got, DefaultReadTimeout)
	}

	var err error
	f.sched.Do(context.Background(), func() { _, err = f.coord.Start(device.Still) })
	if err != nil {
		t.Fatal(err)
	}
	body := iotest.TimeoutReader(bytes.NewReader(bitmap(64, 40)))
	if code, msg := f.srv.receive(context.Background(), device.Still, body); code != http.StatusInternalServerError || msg != "upload aborted" {
		t.Errorf("receive() = %d %q", code, msg)
	}

	f.settle(t)
	st := f.state.Snapshot()
	if st.Mode != device.ShowingStill || st.UploadMessage != "upload aborted" {
		t.Errorf("state after stalled upload = %+v", st)
	}
	got, rerr := os.ReadFile(filepath.Join(f.dir, stillName))
	if rerr != nil || !bytes.Equal(got, old) {
		t.Errorf("previous still not kept: %v", rerr)
	}
	if code, _ := f.do(t, "POST", "/upload/image", bitmap(4, 4)); code != http.StatusOK {
		t.Errorf("upload after the stalled one = %d", code)
	}
}

func TestStatusShowsBusAndUpload(t *testing.T) {
	f := newFixture(t, map[string][]byte{stillName: bitmap(4, 4)}, 1024, nil)
	var err error
	f.sched.Do(context.Background(), func() { _, err = f.coord.Start(device.Animation) })
	if err != nil {
		t.Fatal(err)
	}
	defer f.sched.Do(context.Background(), func() { f.coord.Abort() })

	code, body := f.do(t, "GET", "/status", nil)
	if code != http.StatusOK {
		t.Fatalf("GET /status = %d", code)
	}
	var got struct {
		Mode string `json:"mode"`
		Bus  struct {
			Owner    string `json:"owner"`
			Switches uint64 `json:"switches"`
		} `json:"bus"`
		Upload *struct {
			ID    string `json:"id"`
			Asset string `json:"asset"`
		} `json:"upload"`
	}
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("bad json %q: %v", body, err)
	}
	if got.Mode != "ingesting" || got.Bus.Owner != "storage" || got.Bus.Switches == 0 {
		t.Errorf("status = %+v", got)
	}
	if got.Upload == nil || got.Upload.Asset != "animation" || got.Upload.ID == "" {
		t.Errorf("upload = %+v", got.Upload)
	}
}
