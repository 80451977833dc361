package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/saviobatista/asset-tracker/internal/config"
	"github.com/saviobatista/asset-tracker/internal/logging"
	"github.com/saviobatista/asset-tracker/internal/nats"
	"github.com/saviobatista/asset-tracker/internal/parser"
	"github.com/saviobatista/asset-tracker/internal/types"
)

const readTimeout = 30 * time.Second

// retryDelay is the pause between connection attempts
var retryDelay = 5 * time.Second

// NATSClient interface for testability
type NATSClient interface {
	PublishPositionUpdate(update *types.PositionUpdate) error
	Close()
}

// Source is one NMEA feed: a device identity and the TCP address it streams
// sentences on
type Source struct {
	DeviceID string
	Addr     string
}

// parseSource parses "deviceID@host:port". Without a device id the address
// itself identifies the device.
func parseSource(s string) (Source, error) {
	s = strings.TrimSpace(s)
	deviceID, addr, found := strings.Cut(s, "@")
	if !found {
		addr = s
		deviceID = s
	}
	if deviceID == "" || addr == "" {
		return Source{}, fmt.Errorf("invalid source %q: expected deviceID@host:port", s)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return Source{}, fmt.Errorf("invalid source %q: %w", s, err)
	}
	return Source{DeviceID: deviceID, Addr: addr}, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.ForService("ingestor", cfg.LogLevel, cfg.LogFormat)

	if err := cfg.Require("SOURCES", "NATS_URL"); err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	sources := make([]Source, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		source, err := parseSource(s)
		if err != nil {
			logger.Fatal().Err(err).Msg("Invalid configuration")
		}
		sources = append(sources, source)
	}

	client, err := nats.New(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create NATS client")
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, source := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ingestSource(ctx, source, client, logger)
		}()
	}

	<-ctx.Done()
	logger.Info().Msg("Shutting down...")
	wg.Wait()
}

// ingestSource reads from source until ctx is cancelled, reconnecting after
// errors
func ingestSource(ctx context.Context, source Source, client NATSClient, logger zerolog.Logger) {
	logger = logger.With().Str("device_id", source.DeviceID).Str("addr", source.Addr).Logger()

	for ctx.Err() == nil {
		if err := connectAndIngest(ctx, source, client, logger); err != nil {
			logger.Warn().Err(err).Msg("Source failed")
			select {
			case <-ctx.Done():
			case <-time.After(retryDelay):
			}
		}
	}
}

// connectAndIngest streams NMEA sentences from one connection. It returns nil
// when ctx is cancelled.
func connectAndIngest(ctx context.Context, source Source, client NATSClient, logger zerolog.Logger) error {
	conn, err := connectWithRetry(ctx, source.Addr, logger)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug().Err(err).Msg("Error closing connection")
		}
	}()

	// Unblock the read when shutting down.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	logger.Info().Msg("Connected to source")

	scanner := bufio.NewScanner(conn)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return fmt.Errorf("failed to set read deadline: %w", err)
		}
		if !scanner.Scan() {
			if ctx.Err() != nil {
				return nil
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read error: %w", err)
			}
			return fmt.Errorf("connection closed by source")
		}

		sentence := strings.TrimSpace(scanner.Text())
		if sentence == "" {
			continue
		}
		publishSentence(source, sentence, client, logger)
	}
}

// publishSentence parses a sentence and publishes the resulting update.
// Sentences without a position are skipped.
func publishSentence(source Source, sentence string, client NATSClient, logger zerolog.Logger) {
	update, err := parser.ParseNMEA(source.DeviceID, sentence, time.Now().UTC())
	if err != nil {
		logger.Debug().Err(err).Str("sentence", sentence).Msg("Skipping sentence")
		return
	}
	if update == nil {
		return
	}

	if err := client.PublishPositionUpdate(update); err != nil {
		logger.Error().Err(err).Msg("Failed to publish position update")
	}
}

// connectWithRetry dials addr until it succeeds or ctx is cancelled
func connectWithRetry(ctx context.Context, addr string, logger zerolog.Logger) (net.Conn, error) {
	var dialer net.Dialer
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, errors.Join(ctx.Err(), err)
		}

		logger.Warn().Err(err).Dur("retry_in", retryDelay).Msg("Failed to connect")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}
