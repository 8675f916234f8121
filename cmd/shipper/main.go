package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/log-shipper/internal/config"
	"github.com/SteelMorgan/log-shipper/internal/observability"
	"github.com/SteelMorgan/log-shipper/internal/service"
)

const version = "0.1.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	closeLog := observability.InitLogger(cfg.LogLevel, cfg.LogFile)
	defer closeLog()

	log.Info().
		Str("version", version).
		Int("shippers", len(cfg.Shippers)).
		Msg("Starting log shipper")

	shutdownTracer, err := observability.InitTracer(observability.TracerConfig{
		ServiceName:    "log-shipper",
		ServiceVersion: version,
		Endpoint:       cfg.TracingEndpoint,
		Protocol:       cfg.TracingProtocol,
		SampleRatio:    cfg.TracingSample,
		Enabled:        cfg.TracingEnabled,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize tracer")
	} else {
		defer shutdownTracer(context.Background())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := service.NewShipperService(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create shipper service")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	errChan := make(chan error, 1)
	go func() {
		errChan <- svc.Start(ctx)
	}()

	log.Info().Msg("Shipper service started successfully")

	// SIGHUP ships immediately, anything else shuts down
loop:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				log.Info().Msg("Received SIGHUP, shipping now")
				svc.Signal()
				continue
			}
			log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
			break loop
		case err := <-errChan:
			log.Error().Err(err).Msg("Shipper service error")
			break loop
		}
	}

	log.Info().Msg("Shutting down gracefully...")
	cancel()

	if err := svc.Stop(); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}

	log.Info().Msg("Shipper service stopped")
}
