// Package config loads the frame's YAML configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen string `yaml:"listen"`
	// ReadTimeoutS bounds a whole request, upload body included.
	ReadTimeoutS int `yaml:"read_timeout_s"`

	SPI       SPIConfig       `yaml:"spi"`
	Pins      PinsConfig      `yaml:"pins"`
	Display   DisplayConfig   `yaml:"display"`
	Storage   StorageConfig   `yaml:"storage"`
	Animation AnimationConfig `yaml:"animation"`
	Network   NetworkConfig   `yaml:"network"`
	Button    ButtonConfig    `yaml:"button"`
}

// ---- SPI ----

type SPIConfig struct {
	Port     string `yaml:"port"`
	SpeedKHz int    `yaml:"speed_khz"`
}

// ---- PINS ----

// PinsConfig names GPIO lines as known to gpioreg. Empty means unused.
type PinsConfig struct {
	Reset         string `yaml:"reset"`
	DC            string `yaml:"dc"`
	Backlight     string `yaml:"backlight"`
	DisplaySelect string `yaml:"display_select"`
	StorageSelect string `yaml:"storage_select"`
}

// ---- DISPLAY ----

const (
	DriverGC9307 = "gc9307"
	DriverLCD    = "lcd"
	DriverMirror = "mirror"
)

type DisplayConfig struct {
	Driver   string `yaml:"driver"` // gc9307 | lcd | mirror
	Width    int    `yaml:"width"`
	Height   int    `yaml:"height"`
	XOffset  int    `yaml:"x_offset"`
	YOffset  int    `yaml:"y_offset"`
	Rotation int    `yaml:"rotation"` // degrees: 0, 90, 180, 270
}

// ---- STORAGE ----

type StorageConfig struct {
	Root                string `yaml:"root"`
	StillFile           string `yaml:"still_file"`
	AnimationFile       string `yaml:"animation_file"`
	StillLimitBytes     uint32 `yaml:"still_limit_bytes"`
	AnimationLimitBytes uint32 `yaml:"animation_limit_bytes"`
}

// ---- ANIMATION ----

type AnimationConfig struct {
	MinFrameDelayMs int  `yaml:"min_frame_delay_ms"`
	Loop            bool `yaml:"loop"`
}

// ---- NETWORK ----

type NetworkConfig struct {
	Gateway   string `yaml:"gateway"` // empty disables the ping
	IntervalS int    `yaml:"interval_s"`
}

// ---- BUTTON ----

type ButtonConfig struct {
	Device     string `yaml:"device"` // evdev name; empty disables the key
	DebounceMs int    `yaml:"debounce_ms"`
}

// Default returns a complete configuration for a Photonicat 2.
func Default() *Config {
	return &Config{
		Listen:       ":8081",
		ReadTimeoutS: 120,
		SPI:          SPIConfig{Port: "SPI1.0", SpeedKHz: 100000},
		Pins: PinsConfig{
			Reset:     "GPIO122",
			DC:        "GPIO121",
			Backlight: "GPIO117",
		},
		Display: DisplayConfig{
			Driver:   DriverGC9307,
			Width:    172,
			Height:   320,
			XOffset:  34,
			Rotation: 180,
		},
		Storage: StorageConfig{
			Root:                "/srv/frame",
			StillFile:           "image.bmp",
			AnimationFile:       "anim.gif",
			StillLimitBytes:     2 << 20,
			AnimationLimitBytes: 8 << 20,
		},
		Animation: AnimationConfig{MinFrameDelayMs: 20, Loop: true},
		Network:   NetworkConfig{IntervalS: 30},
		Button:    ButtonConfig{Device: "rk805 pwrkey", DebounceMs: 300},
	}
}

// Load reads path over Default. Fields missing from the file keep their
// default value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}
