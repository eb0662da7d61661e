package config

import (
	"fmt"
	"net"
	"path/filepath"
)

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Listen == "" {
		return fmt.Errorf("listen: address is required")
	}
	if cfg.ReadTimeoutS < 0 {
		return fmt.Errorf("read_timeout_s must not be negative")
	}

	// ------------------------------------------------------------
	// DISPLAY
	// ------------------------------------------------------------

	d := cfg.Display
	switch d.Driver {
	case DriverGC9307, DriverLCD, "":
		driver := d.Driver
		if driver == "" {
			driver = DriverGC9307
		}
		if cfg.SPI.Port == "" {
			return fmt.Errorf("spi: port is required for the %q driver", driver)
		}
		if cfg.SPI.SpeedKHz < 0 {
			return fmt.Errorf("spi: speed_khz must not be negative")
		}
		if cfg.Pins.DC == "" {
			return fmt.Errorf("pins: dc is required for the %q driver", driver)
		}
		// The gc9307 driver is only set up in the panel's mounted orientation.
		if driver == DriverGC9307 && d.Rotation != 180 {
			return fmt.Errorf("display: the %q driver needs rotation 180, use %q for %d", DriverGC9307, DriverLCD, d.Rotation)
		}
	case DriverMirror:
	default:
		return fmt.Errorf("display: unknown driver %q", d.Driver)
	}
	if d.Width <= 0 || d.Height <= 0 {
		return fmt.Errorf("display: size %dx%d must be positive", d.Width, d.Height)
	}
	if d.XOffset < 0 || d.YOffset < 0 {
		return fmt.Errorf("display: offsets must not be negative")
	}
	switch d.Rotation {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("display: rotation %d is not a multiple of 90", d.Rotation)
	}

	// ------------------------------------------------------------
	// STORAGE
	// ------------------------------------------------------------

	s := cfg.Storage
	if s.Root == "" {
		return fmt.Errorf("storage: root is required")
	}
	for _, f := range []struct{ key, name string }{
		{"still_file", s.StillFile},
		{"animation_file", s.AnimationFile},
	} {
		if f.name == "" {
			continue
		}
		if filepath.Base(f.name) != f.name || f.name == "." || f.name == ".." {
			return fmt.Errorf("storage: %s %q must be a plain file name", f.key, f.name)
		}
	}
	if s.StillFile != "" && s.StillFile == s.AnimationFile {
		return fmt.Errorf("storage: still_file and animation_file must differ")
	}

	// ------------------------------------------------------------
	// TIMING
	// ------------------------------------------------------------

	if cfg.Animation.MinFrameDelayMs < 0 {
		return fmt.Errorf("animation: min_frame_delay_ms must not be negative")
	}
	if cfg.Network.IntervalS < 0 {
		return fmt.Errorf("network: interval_s must not be negative")
	}
	if g := cfg.Network.Gateway; g != "" && net.ParseIP(g) == nil {
		return fmt.Errorf("network: gateway %q is not an IP address", g)
	}
	if cfg.Button.DebounceMs < 0 {
		return fmt.Errorf("button: debounce_ms must not be negative")
	}
	return nil
}
