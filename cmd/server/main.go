package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/obiente/gowhisper/internal/config"
	serverhttp "github.com/obiente/gowhisper/internal/http"
	"github.com/obiente/gowhisper/internal/logger"
	"github.com/obiente/gowhisper/internal/observability"
	"github.com/obiente/gowhisper/internal/whisper"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		log.Error().Err(err).Msg("whisper-go server failed")
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger.Init(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observability.Setup(ctx, observability.Config{
		ServiceName:    "whisper-go",
		ServiceVersion: version,
		Endpoint:       cfg.OTelEndpoint,
		Insecure:       true,
		SampleRate:     cfg.OTelSampleRate,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	engine, err := whisper.NewEngine(whisper.SettingsFrom(cfg))
	if err != nil {
		return err
	}
	defer engine.Close()
	if native, ok := engine.(*whisper.NativeEngine); ok {
		if metrics, err := observability.NewMetrics(observability.Meter()); err == nil {
			native.WithMetrics(metrics)
		} else {
			log.Warn().Err(err).Msg("metrics disabled")
		}
	}

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      serverhttp.NewRouter(engine),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.Addr).
			Str("engine", engine.Name()).
			Str("backend", cfg.Backend).
			Msg("whisper-go server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}
