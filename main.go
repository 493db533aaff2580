// ABOUTME: Entry point for the Resonate EQ output daemon
// ABOUTME: Loads config, registers sinks, serves the control API and optionally plays a source
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/Resonate-Protocol/resonate-eq/internal/api"
	"github.com/Resonate-Protocol/resonate-eq/internal/config"
	"github.com/Resonate-Protocol/resonate-eq/internal/lock"
	"github.com/Resonate-Protocol/resonate-eq/internal/logging"
	"github.com/Resonate-Protocol/resonate-eq/internal/manager"
	"github.com/Resonate-Protocol/resonate-eq/internal/source"
	"github.com/Resonate-Protocol/resonate-eq/internal/version"
	"github.com/Resonate-Protocol/resonate-eq/pkg/output"
	"github.com/Resonate-Protocol/resonate-eq/pkg/output/capture"
	"github.com/Resonate-Protocol/resonate-eq/pkg/output/dlna"
	"github.com/Resonate-Protocol/resonate-eq/pkg/output/local"
	"github.com/Resonate-Protocol/resonate-eq/pkg/output/receiver"
	"github.com/sirupsen/logrus"
)

var (
	configFile = flag.String("config", "resonate-eq.yaml", "Config file (YAML, TOML or JSON); missing is fine")
	play       = flag.String("play", "", "Stream a source through the active output: tone, tone:<hz>, or a .wav/.flac/.mp3 path")
	debug      = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		logrus.Fatalf("%v", err)
	}
}

func run() error {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}
	if *debug {
		cfg.Log.Level = "debug"
	}
	logFile, err := logging.Setup(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return err
	}
	defer logFile.Close()

	log := logrus.WithField("component", "main")
	log.Infof("Starting %s %s", version.Product, version.Version)

	pidLock, err := lock.Acquire(cfg.Lock.File)
	if err != nil {
		return err
	}
	defer pidLock.Release()

	mgr, err := manager.New(cfg.DSP)
	if err != nil {
		return err
	}
	defer mgr.Close()

	if err := registerSinks(mgr, cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Output.Name != "" {
		acfg, err := cfg.AudioConfig()
		if err != nil {
			return err
		}
		if err := mgr.Select(ctx, cfg.Output.Name, cfg.Output.Device, acfg); err != nil {
			// the API can retry with start or select
			log.Errorf("Initial output %s unavailable: %v", cfg.Output.Name, err)
		}
	}

	srv := api.New(mgr)
	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe(cfg.API.Bind)
	}()

	if *play != "" {
		src, err := source.Open(*play)
		if err != nil {
			return err
		}
		defer src.Close()
		go func() {
			if err := source.Stream(ctx, src, mgr, 0, true); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorf("Playback stopped: %v", err)
			}
		}()
	}

	log.Infof("Press Ctrl-C to stop")
	select {
	case <-ctx.Done():
		log.Infof("Shutdown signal received")
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("control API: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("API shutdown: %v", err)
	}
	if err := mgr.Close(); err != nil {
		log.Warnf("Closing outputs: %v", err)
	}
	log.Infof("Stopped")
	return nil
}

// registerSinks adds every output. A missing audio backend only disables
// the local sink.
func registerSinks(mgr *manager.Manager, cfg config.Config) error {
	log := logrus.WithField("component", "main")

	curve, err := output.ParseVolumeCurve(cfg.Receiver.VolumeCurve)
	if err != nil {
		return fmt.Errorf("receiver.volume_curve: %w", err)
	}

	sinks := []output.Sink{
		dlna.New(dlna.Config{
			Bind:             cfg.DLNA.Bind,
			AdvertiseHost:    cfg.DLNA.AdvertiseHost,
			DiscoveryTimeout: cfg.DLNA.DiscoveryTimeout,
		}),
		receiver.New(receiver.Config{
			ClientName:       cfg.Receiver.ClientName,
			ControlTimeout:   cfg.Receiver.ControlTimeout,
			DiscoveryTimeout: cfg.Receiver.DiscoveryTimeout,
			VolumeCurve:      curve,
		}),
		capture.New(cfg.Capture.Path),
	}
	if l, err := local.New(cfg.Local.Backend); err != nil {
		log.Warnf("Local output disabled: %v", err)
	} else {
		sinks = append([]output.Sink{l}, sinks...)
	}

	for _, s := range sinks {
		if err := mgr.Register(s); err != nil {
			return err
		}
	}
	return nil
}
