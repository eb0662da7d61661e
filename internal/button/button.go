// Package button watches the power key.
package button

import (
	"context"
	"fmt"
	"log"
	"time"

	evdev "github.com/holoplot/go-evdev"
)

// DefaultDevice is the Photonicat power key.
const DefaultDevice = "rk805 pwrkey"

// Debouncer accepts a press only if the previous accepted press is at
// least window old.
type Debouncer struct {
	window time.Duration
	last   time.Time
}

// NewDebouncer returns a debouncer with the given window.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{window: window}
}

// Press reports whether a press at now counts.
func (d *Debouncer) Press(now time.Time) bool {
	if !d.last.IsZero() && now.Sub(d.last) < d.window {
		return false
	}
	d.last = now
	return true
}

// Monitor calls OnPress for every debounced KEY_POWER press.
type Monitor struct {
	Device  string
	OnPress func()
	deb     *Debouncer
}

// New returns a monitor for the named input device.
func New(device string, debounce time.Duration, onPress func()) *Monitor {
	if device == "" {
		device = DefaultDevice
	}
	return &Monitor{Device: device, OnPress: onPress, deb: NewDebouncer(debounce)}
}

// Find returns the path of the input device with the given name.
func Find(name string) (string, error) {
	paths, err := evdev.ListDevicePaths()
	if err != nil {
		return "", err
	}
	for _, p := range paths {
		if p.Name == name {
			return p.Path, nil
		}
	}
	return "", fmt.Errorf("button: no input device named %q", name)
}

// Run reads key events until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	path, err := Find(m.Device)
	if err != nil {
		return err
	}
	dev, err := evdev.Open(path)
	if err != nil {
		return fmt.Errorf("button: open %s: %w", path, err)
	}
	if err := dev.Grab(); err != nil {
		log.Printf("button: warning: failed to grab %s: %v", path, err)
	}
	log.Printf("button: using input device %s (%s)", path, m.Device)

	// Closing the device unblocks ReadOne.
	go func() {
		<-ctx.Done()
		dev.Ungrab()
		dev.Close()
	}()

	for {
		ev, err := dev.ReadOne()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("button: read error: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		m.handle(ev, time.Now())
	}
}

func (m *Monitor) handle(ev *evdev.InputEvent, now time.Time) {
	if ev.Type != evdev.EV_KEY || ev.Code != evdev.KEY_POWER || ev.Value != 1 {
		return
	}
	if !m.deb.Press(now) {
		log.Println("button: press ignored (debounce)")
		return
	}
	log.Println("button: POWER pressed")
	if m.OnPress != nil {
		m.OnPress()
	}
}
