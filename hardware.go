package main

import (
	"fmt"
	"log"
	"net/http"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"

	gc9307 "github.com/photonicat/periph.io-gc9307"

	"github.com/photonicat/pcat2_photo_frame/internal/bus"
	"github.com/photonicat/pcat2_photo_frame/internal/config"
	"github.com/photonicat/pcat2_photo_frame/internal/lcd"
	"github.com/photonicat/pcat2_photo_frame/internal/screen"
)

// pinOut looks up a GPIO by name. An empty name means the line is not wired.
func pinOut(name string) gpio.PinOut {
	if name == "" {
		return nil
	}
	p := gpioreg.ByName(name)
	if p == nil {
		log.Fatalf("Failed to find GPIO %s", name)
	}
	return p
}

// pinIO is pinOut for drivers that take a full pin. gpio.INVALID stands in
// for an unwired line.
func pinIO(name string) gpio.PinIO {
	if name == "" {
		return gpio.INVALID
	}
	p := gpioreg.ByName(name)
	if p == nil {
		log.Fatalf("Failed to find GPIO %s", name)
	}
	return p
}

// openBus builds the arbitrator for the shared SPI bus.
func openBus(cfg *config.Config) *bus.Arbitrator {
	return bus.New(pinOut(cfg.Pins.DisplaySelect), pinOut(cfg.Pins.StorageSelect))
}

// openScreen opens the configured display. live is non-nil only for the
// mirror driver. The gc9307 driver covers the board's mounted orientation;
// the lcd driver handles any rotation. closeFn blanks the display and releases the port.
func openScreen(cfg *config.Config, arb *bus.Arbitrator) (scr screen.Screen, live http.Handler, closeFn func(), err error) {
	d := cfg.Display
	if d.Driver == config.DriverMirror {
		m := screen.NewMirror(d.Width, d.Height)
		log.Printf("display: mirror %dx%d, stream at /live", d.Width, d.Height)
		return m, m.Handler(), func() { m.Halt() }, nil
	}

	port, err := spireg.Open(cfg.SPI.Port)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open %s: %w", cfg.SPI.Port, err)
	}
	speed := physic.Frequency(cfg.SPI.SpeedKHz) * physic.KiloHertz

	if d.Driver == config.DriverGC9307 {
		conn, err := port.Connect(speed, spi.Mode0, 8)
		if err != nil {
			port.Close()
			return nil, nil, nil, fmt.Errorf("connect %s: %w", cfg.SPI.Port, err)
		}
		// Chip select belongs to the arbitrator, so the driver never drives CS.
		arb.Acquire(bus.Display)
		dev := gc9307.New(conn, pinIO(cfg.Pins.Reset), pinIO(cfg.Pins.DC), gpio.INVALID, pinIO(cfg.Pins.Backlight))
		dev.Configure(gc9307.Config{
			Width:        int16(d.Width),
			Height:       int16(d.Height),
			Rotation:     gc9307.ROTATION_180,
			RowOffset:    int16(d.YOffset),
			ColumnOffset: int16(d.XOffset),
			FrameRate:    gc9307.FRAMERATE_60,
			VSyncLines:   gc9307.MAX_VSYNC_SCANLINES,
			UseCS:        false,
		})
		panel := lcd.NewPanel(&dev, arb, d.Width, d.Height)
		log.Printf("display: gc9307 %dx%d on %s", d.Width, d.Height, cfg.SPI.Port)
		return panel, nil, func() {
			if err := panel.Blank(); err != nil {
				log.Printf("display: blank: %v", err)
			}
			port.Close()
		}, nil
	}

	dev, err := lcd.NewSPI(port, pinOut(cfg.Pins.DC), pinOut(cfg.Pins.Reset), pinOut(cfg.Pins.Backlight), arb, &lcd.Opts{
		W:        d.Width,
		H:        d.Height,
		XOffset:  d.XOffset,
		YOffset:  d.YOffset,
		Rotation: lcd.Rotation(d.Rotation / 90),
		Speed:    physic.Frequency(cfg.SPI.SpeedKHz) * physic.KiloHertz,
	})
	if err != nil {
		port.Close()
		return nil, nil, nil, err
	}
	log.Printf("display: %s %dx%d on %s", dev, d.Width, d.Height, cfg.SPI.Port)
	return dev, nil, func() {
		if err := dev.Halt(); err != nil {
			log.Printf("display: halt: %v", err)
		}
		port.Close()
	}, nil
}
