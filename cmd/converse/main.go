// Converse client - streams microphone audio to a remote speech-to-speech
// service, plays synthesized replies gaplessly, and serves a local control UI.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/converse/internal/capture"
	"github.com/GriffinCanCode/converse/internal/config"
	"github.com/GriffinCanCode/converse/internal/observe"
	"github.com/GriffinCanCode/converse/internal/playback"
	"github.com/GriffinCanCode/converse/internal/server"
	"github.com/GriffinCanCode/converse/internal/session"
	"github.com/GriffinCanCode/converse/internal/transport"
	"github.com/GriffinCanCode/converse/internal/wire"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	opts, err := config.LoadSessionOptions(cfg.SessionFile)
	if err != nil {
		slog.Error("invalid session options", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("metrics init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Error("metrics shutdown error", "error", err)
		}
	}()

	device, err := playback.NewDevice()
	if err != nil {
		slog.Error("opening output device failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = device.Close() }()

	setupFrame, err := wire.EncodeSetup(wire.Setup{
		Model:             opts.Model,
		Voice:             opts.Voice,
		SystemInstruction: opts.SystemInstruction,
	})
	if err != nil {
		slog.Error("encoding setup frame failed", "error", err)
		os.Exit(1)
	}

	ctrl := session.New(session.Config{
		Dial: func(ctx context.Context) (transport.Transport, error) {
			return transport.Dial(ctx, transport.Options{
				URL:        cfg.ServiceURL,
				APIKey:     cfg.APIKey,
				SetupFrame: setupFrame,
				SendQueue:  cfg.SendQueueFrames,
			})
		},
		NewCapturer: func() (session.Capturer, error) {
			return capture.New(cfg.CaptureBufferFrames)
		},
		Sink:    device,
		Metrics: observe.Default(),
	})
	defer ctrl.Stop()

	// Connect immediately; a failure here is not fatal, the control UI can
	// retry via /api/session/start.
	if err := ctrl.Start(ctx); err != nil {
		slog.Error("initial session start failed", "error", err)
	}

	srv := server.New(ctrl)
	httpServer := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     srv.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("converse starting", "http", cfg.HTTPAddr, "service", cfg.ServiceURL, "model", opts.Model)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
		ctrl.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}
