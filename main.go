package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"periph.io/x/host/v3"

	"github.com/photonicat/pcat2_photo_frame/internal/anim"
	"github.com/photonicat/pcat2_photo_frame/internal/banner"
	"github.com/photonicat/pcat2_photo_frame/internal/bmp"
	"github.com/photonicat/pcat2_photo_frame/internal/button"
	"github.com/photonicat/pcat2_photo_frame/internal/config"
	"github.com/photonicat/pcat2_photo_frame/internal/device"
	"github.com/photonicat/pcat2_photo_frame/internal/ingest"
	"github.com/photonicat/pcat2_photo_frame/internal/netcheck"
	"github.com/photonicat/pcat2_photo_frame/internal/scheduler"
	"github.com/photonicat/pcat2_photo_frame/internal/storage"
	"github.com/photonicat/pcat2_photo_frame/internal/web"
)

func main() {
	path := "config.yaml"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	config.Normalize(cfg)

	// Initialize board.
	if _, err := host.Init(); err != nil {
		log.Fatal(err)
	}

	arb := openBus(cfg)
	scr, live, closeScreen, err := openScreen(cfg, arb)
	if err != nil {
		log.Fatalf("Failed to open display: %v", err)
	}
	defer closeScreen()

	card := storage.New(cfg.Storage.Root, arb)
	if err := card.Mount(); err != nil {
		// Boot continues with no assets; uploads try to mount again.
		log.Printf("storage: %v", err)
	}

	state := device.NewStore(device.State{})
	player := anim.New(card, scr, time.Duration(cfg.Animation.MinFrameDelayMs)*time.Millisecond)
	still := bmp.NewDecoder(card, scr, player)
	warn, err := banner.New(scr)
	if err != nil {
		log.Fatalf("Failed to load banner: %v", err)
	}

	sched := scheduler.New(still, player, warn, card, state, scheduler.Options{
		StillName:     cfg.Storage.StillFile,
		AnimationName: cfg.Storage.AnimationFile,
		Loop:          cfg.Animation.Loop,
	})
	coord := ingest.New(card, player, state, []ingest.Target{
		{Asset: device.Still, Name: cfg.Storage.StillFile, Limit: cfg.Storage.StillLimitBytes},
		{Asset: device.Animation, Name: cfg.Storage.AnimationFile, Limit: cfg.Storage.AnimationLimitBytes},
	}, func(a device.Asset) {
		switch a {
		case device.Still:
			sched.Post(scheduler.Command{Kind: scheduler.DrawStill})
		case device.Animation:
			sched.Post(scheduler.Command{Kind: scheduler.StartAnimation, Loop: cfg.Animation.Loop})
		}
	})
	sched.Boot()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reach := netcheck.New(cfg.Network.Gateway, time.Duration(cfg.Network.IntervalS)*time.Second)
	go reach.Run(ctx)

	if cfg.Button.Device != "" {
		key := button.New(cfg.Button.Device, time.Duration(cfg.Button.DebounceMs)*time.Millisecond, func() {
			sched.Post(scheduler.Command{Kind: scheduler.Toggle})
		})
		go func() {
			if err := key.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("button: %v", err)
			}
		}()
	}

	srv := web.New(sched, coord, card, state, web.Options{
		StillName:     cfg.Storage.StillFile,
		AnimationName: cfg.Storage.AnimationFile,
		Loop:          cfg.Animation.Loop,
		Network:       reach,
		Bus:           arb,
		Live:          live,
		ReadTimeout:   time.Duration(cfg.ReadTimeoutS) * time.Second,
	})
	go func() {
		if err := srv.Listen(cfg.Listen); err != nil {
			log.Printf("web: %v", err)
			stop()
		}
	}()

	err = sched.Run(ctx)
	if err := srv.Shutdown(); err != nil {
		log.Printf("web: shutdown: %v", err)
	}
	log.Println("Exiting:", err)
}
