package stats

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/saviobatista/asset-tracker/internal/types"
)

// ErrNoStore is returned by Persist when no store has been set.
var ErrNoStore = errors.New("stats store not set")

// Store persists snapshots of the counters.
type Store interface {
	StoreSystemStats(ctx context.Context, stats *types.SystemStats) error
}

// Stats tracks position update processing statistics
type Stats struct {
	updatesReceived uint64
	updatesApplied  uint64
	updatesRejected uint64
	storedUpdates   uint64
	clockTicks      uint64
	activeLabels    uint64

	sourceCounts map[string]uint64

	lastUpdateTime time.Time
	processingTime time.Duration
	startedAt      time.Time

	store   Store
	metrics *Metrics
	logger  zerolog.Logger

	mu sync.RWMutex
}

// New creates a new Stats instance
func New(logger zerolog.Logger) *Stats {
	return &Stats{
		sourceCounts: make(map[string]uint64),
		startedAt:    time.Now(),
		logger:       logger.With().Str("component", "stats").Logger(),
	}
}

// SetStore sets the store used by Persist
func (s *Stats) SetStore(store Store) {
	s.mu.Lock()
	s.store = store
	s.mu.Unlock()
}

// SetMetrics mirrors every counter change into the given Prometheus metrics
func (s *Stats) SetMetrics(m *Metrics) {
	s.mu.Lock()
	s.metrics = m
	s.mu.Unlock()
}

func (s *Stats) prom() *Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

// IncrementReceived counts an update received from source
func (s *Stats) IncrementReceived(source string) {
	atomic.AddUint64(&s.updatesReceived, 1)

	s.mu.Lock()
	s.sourceCounts[source]++
	s.lastUpdateTime = time.Now()
	m := s.metrics
	s.mu.Unlock()

	if m != nil {
		m.UpdatesReceived.WithLabelValues(source).Inc()
	}
}

// IncrementApplied counts an update applied to the registry
func (s *Stats) IncrementApplied() {
	atomic.AddUint64(&s.updatesApplied, 1)
	if m := s.prom(); m != nil {
		m.UpdatesApplied.Inc()
	}
}

// IncrementRejected counts an update the registry refused
func (s *Stats) IncrementRejected() {
	atomic.AddUint64(&s.updatesRejected, 1)
	if m := s.prom(); m != nil {
		m.UpdatesRejected.Inc()
	}
}

// IncrementStored counts an update written to persistent storage
func (s *Stats) IncrementStored() {
	atomic.AddUint64(&s.storedUpdates, 1)
	if m := s.prom(); m != nil {
		m.UpdatesStored.Inc()
	}
}

// IncrementTicks counts a simulation clock advance
func (s *Stats) IncrementTicks() {
	atomic.AddUint64(&s.clockTicks, 1)
	if m := s.prom(); m != nil {
		m.ClockTicks.Inc()
	}
}

// SetActiveLabels sets the number of registered labels
func (s *Stats) SetActiveLabels(count uint64) {
	atomic.StoreUint64(&s.activeLabels, count)
	if m := s.prom(); m != nil {
		m.ActiveLabels.Set(float64(count))
	}
}

// AddProcessingTime adds to the total processing time
func (s *Stats) AddProcessingTime(d time.Duration) {
	s.mu.Lock()
	s.processingTime += d
	m := s.metrics
	s.mu.Unlock()

	if m != nil {
		m.ProcessingSeconds.Observe(d.Seconds())
	}
}

// Snapshot returns a copy of the current statistics
func (s *Stats) Snapshot() types.SystemStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]uint64, len(s.sourceCounts))
	for k, v := range s.sourceCounts {
		counts[k] = v
	}

	return types.SystemStats{
		Time:            time.Now(),
		UpdatesReceived: atomic.LoadUint64(&s.updatesReceived),
		UpdatesApplied:  atomic.LoadUint64(&s.updatesApplied),
		UpdatesRejected: atomic.LoadUint64(&s.updatesRejected),
		StoredUpdates:   atomic.LoadUint64(&s.storedUpdates),
		ClockTicks:      atomic.LoadUint64(&s.clockTicks),
		ActiveLabels:    atomic.LoadUint64(&s.activeLabels),
		SourceCounts:    counts,
		ProcessingTime:  s.processingTime,
		LastUpdateTime:  s.lastUpdateTime,
		Uptime:          time.Since(s.startedAt),
	}
}

// String returns a string representation of the statistics
func (s *Stats) String() string {
	st := s.Snapshot()

	sources := make([]string, 0, len(st.SourceCounts))
	for src, n := range st.SourceCounts {
		sources = append(sources, fmt.Sprintf("%s=%d", src, n))
	}
	sort.Strings(sources)

	return fmt.Sprintf(
		"Updates Received: %d\n"+
			"Updates Applied: %d\n"+
			"Updates Rejected: %d\n"+
			"Stored Updates: %d\n"+
			"Clock Ticks: %d\n"+
			"Active Labels: %d\n"+
			"Sources: %s\n"+
			"Processing Time: %s\n"+
			"Uptime: %s",
		st.UpdatesReceived,
		st.UpdatesApplied,
		st.UpdatesRejected,
		st.StoredUpdates,
		st.ClockTicks,
		st.ActiveLabels,
		strings.Join(sources, ", "),
		st.ProcessingTime,
		st.Uptime.Truncate(time.Second),
	)
}

// Persist stores the current statistics
func (s *Stats) Persist(ctx context.Context) error {
	s.mu.RLock()
	store := s.store
	s.mu.RUnlock()
	if store == nil {
		return ErrNoStore
	}

	snap := s.Snapshot()
	return store.StoreSystemStats(ctx, &snap)
}

// StartPersistence persists statistics every interval until ctx is done, then
// persists a final snapshot.
func (s *Stats) StartPersistence(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Persist(final); err != nil {
				s.logger.Error().Err(err).Msg("Failed to persist final statistics")
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.Persist(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Failed to persist statistics")
			}
		}
	}
}
