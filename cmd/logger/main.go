package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/saviobatista/asset-tracker/internal/config"
	"github.com/saviobatista/asset-tracker/internal/logging"
	"github.com/saviobatista/asset-tracker/internal/nats"
	"github.com/saviobatista/asset-tracker/internal/storage"
	"github.com/saviobatista/asset-tracker/internal/types"
)

// Subscriber interface for testability
type Subscriber interface {
	SubscribePositionUpdates(handler func(*types.PositionUpdate)) error
	Close()
}

// Archive receives position updates
type Archive interface {
	WriteUpdate(update *types.PositionUpdate) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.ForService("logger", cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runLogger(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Logger failed")
		stop()
		os.Exit(1)
	}
}

// runLogger connects to NATS and archives updates until ctx is cancelled
func runLogger(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if err := cfg.Require("NATS_URL", "OUTPUT_DIR"); err != nil {
		return err
	}

	client, err := nats.New(cfg.NATSURL, logger)
	if err != nil {
		return fmt.Errorf("failed to create NATS client: %w", err)
	}

	logger = logger.With().Str("output_dir", cfg.OutputDir).Logger()
	return archive(ctx, client, storage.New(cfg.OutputDir, logger), logger)
}

// archive writes every update from sub to store until ctx is cancelled
func archive(ctx context.Context, sub Subscriber, store *storage.Storage, logger zerolog.Logger) error {
	if err := store.Start(); err != nil {
		sub.Close()
		return fmt.Errorf("failed to start storage: %w", err)
	}

	if err := sub.SubscribePositionUpdates(writeHandler(store, logger)); err != nil {
		sub.Close()
		if stopErr := store.Stop(); stopErr != nil {
			logger.Error().Err(stopErr).Msg("Failed to stop storage")
		}
		return fmt.Errorf("failed to subscribe to position updates: %w", err)
	}

	logger.Info().Msg("Archiving position updates")
	<-ctx.Done()

	logger.Info().Msg("Shutting down...")
	// Stop the subscription before closing the file.
	sub.Close()
	return store.Stop()
}

// writeHandler returns a subscription handler that writes to the archive
func writeHandler(a Archive, logger zerolog.Logger) func(*types.PositionUpdate) {
	return func(update *types.PositionUpdate) {
		if err := a.WriteUpdate(update); err != nil {
			logger.Error().Err(err).Msg("Failed to write update")
		}
	}
}
