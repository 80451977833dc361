package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/saviobatista/asset-tracker/internal/api"
	"github.com/saviobatista/asset-tracker/internal/clock"
	"github.com/saviobatista/asset-tracker/internal/config"
	"github.com/saviobatista/asset-tracker/internal/db"
	"github.com/saviobatista/asset-tracker/internal/demo"
	"github.com/saviobatista/asset-tracker/internal/labels"
	"github.com/saviobatista/asset-tracker/internal/logging"
	"github.com/saviobatista/asset-tracker/internal/mqtt"
	"github.com/saviobatista/asset-tracker/internal/nats"
	"github.com/saviobatista/asset-tracker/internal/redis"
	"github.com/saviobatista/asset-tracker/internal/session"
	"github.com/saviobatista/asset-tracker/internal/stats"
	"github.com/saviobatista/asset-tracker/internal/types"
)

const (
	persistBuffer     = 1024
	persistTimeout    = 5 * time.Second
	broadcastInterval = time.Second
	shutdownTimeout   = 10 * time.Second
)

// DBClient interface for testability
type DBClient interface {
	GetLabels(ctx context.Context) ([]types.RealTimeLabel, error)
	UpsertLabel(ctx context.Context, label *types.RealTimeLabel) error
	StorePositionUpdate(ctx context.Context, labelID string, update *types.PositionUpdate) error
	GetPositionHistory(ctx context.Context, labelID string, since, until time.Time) (types.Trace, error)
	StoreSystemStats(ctx context.Context, stats *types.SystemStats) error
	Close() error
}

// RedisClient interface for testability
type RedisClient interface {
	StoreLabel(ctx context.Context, label *types.RealTimeLabel) error
	LoadLabels(ctx context.Context) ([]types.RealTimeLabel, error)
	Close() error
}

// persistJob is one label change waiting to be written out. update is nil for
// labels that were registered without a position report.
type persistJob struct {
	label  types.RealTimeLabel
	update *types.PositionUpdate
}

// Tracker connects a simulation session to persistence and statistics
type Tracker struct {
	session *session.Session
	db      DBClient
	redis   RedisClient
	stats   *stats.Stats
	jobs    chan persistJob
	wg      sync.WaitGroup
	logger  zerolog.Logger
	now     func() time.Time
}

// NewTracker creates a tracker. db and redis may be nil to run without them.
func NewTracker(sess *session.Session, db DBClient, redis RedisClient, st *stats.Stats, logger zerolog.Logger) *Tracker {
	return &Tracker{
		session: sess,
		db:      db,
		redis:   redis,
		stats:   st,
		jobs:    make(chan persistJob, persistBuffer),
		logger:  logger.With().Str("component", "tracker").Logger(),
		now:     time.Now,
	}
}

// Start restores persisted labels, hooks the tracker into the session and
// starts the session. It returns once background work is running.
func (t *Tracker) Start(ctx context.Context, statsInterval time.Duration) error {
	if err := t.restoreLabels(ctx); err != nil {
		return fmt.Errorf("failed to restore labels: %w", err)
	}

	registry := t.session.Registry()
	t.stats.SetActiveLabels(uint64(registry.Len()))

	registry.OnRegister(func(label types.RealTimeLabel) {
		t.stats.SetActiveLabels(uint64(registry.Len()))
		t.enqueue(persistJob{label: label})
	})
	registry.OnUpdate(func(label types.RealTimeLabel, update types.PositionUpdate) {
		t.stats.IncrementApplied()
		t.stats.SetActiveLabels(uint64(registry.Len()))
		if !update.ReceivedAt.IsZero() {
			t.stats.AddProcessingTime(t.now().Sub(update.ReceivedAt))
		}
		if update.LabelID == "" {
			update.LabelID = label.ID
		}
		t.enqueue(persistJob{label: label, update: &update})
	})
	registry.OnReject(func(update types.PositionUpdate, err error) {
		t.stats.IncrementRejected()
	})
	t.session.Clock().OnTick(func(time.Time) {
		t.stats.IncrementTicks()
	})

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		t.persistLoop(ctx)
	}()
	if t.db != nil {
		t.stats.SetStore(t.db)
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.stats.StartPersistence(ctx, statsInterval)
		}()
	}
	go func() {
		defer t.wg.Done()
		t.logStats(ctx, statsInterval)
	}()

	if err := t.session.Run(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	return nil
}

// Wait stops the session and blocks until background work has finished. The
// context passed to Start must be cancelled first.
func (t *Tracker) Wait() {
	t.session.Teardown()
	t.wg.Wait()
}

// restoreLabels loads labels from Redis, falling back to the database when
// the cache is empty.
func (t *Tracker) restoreLabels(ctx context.Context) error {
	var restored []types.RealTimeLabel
	source := "redis"

	if t.redis != nil {
		cached, err := t.redis.LoadLabels(ctx)
		if err != nil {
			t.logger.Warn().Err(err).Msg("Failed to load labels from Redis")
		}
		restored = cached
	}

	if len(restored) == 0 && t.db != nil {
		stored, err := t.db.GetLabels(ctx)
		if err != nil {
			return err
		}
		restored = stored
		source = "database"
	}

	for _, label := range restored {
		t.session.Registry().Restore(label)
	}
	if len(restored) > 0 {
		t.logger.Info().Int("labels", len(restored)).Str("source", source).Msg("Restored labels")
	}
	return nil
}

// Ingest returns a handler that queues updates from source into the session.
func (t *Tracker) Ingest(ctx context.Context, source string) func(*types.PositionUpdate) {
	return func(update *types.PositionUpdate) {
		if update == nil {
			return
		}
		t.stats.IncrementReceived(source)
		if err := t.session.Submit(ctx, *update); err != nil {
			t.logger.Warn().Err(err).Str("source", source).Str("mac_id", update.MacID).Msg("Failed to queue update")
		}
	}
}

func (t *Tracker) enqueue(job persistJob) {
	if t.db == nil && t.redis == nil {
		return
	}
	select {
	case t.jobs <- job:
	default:
		t.logger.Warn().Str("label_id", job.label.ID).Msg("Persistence queue full, dropping update")
	}
}

func (t *Tracker) persistLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Drain what is already queued.
			for {
				select {
				case job := <-t.jobs:
					t.persist(job)
				default:
					return
				}
			}
		case job := <-t.jobs:
			t.persist(job)
		}
	}
}

// persist writes one label change to Redis and the database
func (t *Tracker) persist(job persistJob) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if t.redis != nil {
		if err := t.redis.StoreLabel(ctx, &job.label); err != nil {
			t.logger.Warn().Err(err).Str("label_id", job.label.ID).Msg("Failed to cache label in Redis")
		}
	}

	if t.db == nil {
		return
	}
	if err := t.db.UpsertLabel(ctx, &job.label); err != nil {
		t.logger.Error().Err(err).Str("label_id", job.label.ID).Msg("Failed to store label")
		return
	}
	if job.update == nil {
		return
	}
	if err := t.db.StorePositionUpdate(ctx, job.label.ID, job.update); err != nil {
		t.logger.Error().Err(err).Str("label_id", job.label.ID).Msg("Failed to store position update")
		return
	}
	t.stats.IncrementStored()
}

// logStats periodically logs statistics
func (t *Tracker) logStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.logger.Info().Msgf("Statistics:\n%s", t.stats)
		}
	}
}

// clients holds the optional collaborators enabled by configuration
type clients struct {
	nats  *nats.Client
	db    *db.Client
	redis *redis.Client
	mqtt  *mqtt.Feed
}

// createClients connects every collaborator whose address is configured
func createClients(cfg *config.Config, logger zerolog.Logger) (*clients, error) {
	c := &clients{}

	if cfg.NATSURL != "" {
		natsClient, err := nats.New(cfg.NATSURL, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create NATS client: %w", err)
		}
		c.nats = natsClient
	}

	if cfg.DBConnStr != "" {
		dbClient, err := db.New(cfg.DBConnStr)
		if err != nil {
			c.close(logger)
			return nil, fmt.Errorf("failed to create database client: %w", err)
		}
		c.db = dbClient

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = dbClient.Ping(pingCtx)
		cancel()
		if err != nil {
			c.close(logger)
			return nil, fmt.Errorf("failed to create database client: %w", err)
		}
	}

	if cfg.RedisAddr != "" {
		redisClient, err := redis.New(cfg.RedisAddr)
		if err != nil {
			c.close(logger)
			return nil, fmt.Errorf("failed to create Redis client: %w", err)
		}
		c.redis = redisClient
	}

	if cfg.MQTTBroker != "" {
		feed, err := mqtt.New(cfg.MQTTBroker, cfg.MQTTClientID, logger)
		if err != nil {
			c.close(logger)
			return nil, fmt.Errorf("failed to create MQTT feed: %w", err)
		}
		c.mqtt = feed
	}

	return c, nil
}

// dbClient returns the database as a DBClient, or nil when disabled
func (c *clients) dbClient() DBClient {
	if c.db == nil {
		return nil
	}
	return c.db
}

// redisClient returns Redis as a RedisClient, or nil when disabled
func (c *clients) redisClient() RedisClient {
	if c.redis == nil {
		return nil
	}
	return c.redis
}

func (c *clients) close(logger zerolog.Logger) {
	if c.mqtt != nil {
		c.mqtt.Close()
	}
	if c.nats != nil {
		c.nats.Close()
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing database client")
		}
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing Redis client")
		}
	}
}

// setupSubscriptions feeds NATS and MQTT updates into the tracker
func setupSubscriptions(ctx context.Context, c *clients, tracker *Tracker) error {
	if c.nats != nil {
		if err := c.nats.SubscribePositionUpdates(func(update *types.PositionUpdate) {
			if update != nil {
				tracker.Ingest(ctx, update.Source)(update)
			}
		}); err != nil {
			return fmt.Errorf("failed to subscribe to position updates: %w", err)
		}
	}
	if c.mqtt != nil {
		if err := c.mqtt.Subscribe(tracker.Ingest(ctx, "mqtt")); err != nil {
			return fmt.Errorf("failed to subscribe to MQTT feed: %w", err)
		}
	}
	return nil
}

// loadFleet reads the demo fleet from FLEET_FILE or the built-in fleet
func loadFleet(cfg *config.Config) ([]types.Asset, error) {
	if cfg.FleetFile != "" {
		return demo.LoadFile(cfg.FleetFile)
	}
	return demo.Default()
}

// newSession builds the session described by cfg
func newSession(cfg *config.Config, logger zerolog.Logger) (*session.Session, error) {
	fleet, err := loadFleet(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load fleet: %w", err)
	}

	registry := labels.New(logger)
	registry.SetAutoRegister(cfg.AutoRegister)

	return session.New(fleet, registry, clock.New(cfg.SimStart, cfg.Mode), logger), nil
}

// run starts the tracker and blocks until ctx is cancelled
func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	sess, err := newSession(cfg, logger)
	if err != nil {
		return err
	}

	c, err := createClients(cfg, logger)
	if err != nil {
		return err
	}
	defer c.close(logger)

	metrics, err := stats.NewMetrics(nil)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	st := stats.New(logger)
	st.SetMetrics(metrics)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tracker := NewTracker(sess, c.dbClient(), c.redisClient(), st, logger)
	if err := tracker.Start(ctx, cfg.StatsInterval); err != nil {
		return err
	}
	defer tracker.Wait()

	if err := setupSubscriptions(ctx, c, tracker); err != nil {
		cancel()
		return err
	}

	srv := api.New(sess, logger)
	srv.SetStats(st)
	srv.SetMetricsHandler(metrics.Handler())
	if c.db != nil {
		srv.SetHistory(c.db)
	}
	go srv.RunBroadcasts(ctx, broadcastInterval)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
		err = fmt.Errorf("HTTP server failed: %w", err)
	}

	logger.Info().Msg("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error().Err(shutdownErr).Msg("Error shutting down HTTP server")
	}
	srv.Hub().Close()
	cancel()

	return err
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.ForService("tracker", cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Tracker failed")
		stop()
		os.Exit(1)
	}
}
