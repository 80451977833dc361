// Package session owns one running simulation: the demo fleet, the virtual
// clock driving it and the registry of live labels.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/saviobatista/asset-tracker/internal/clock"
	"github.com/saviobatista/asset-tracker/internal/labels"
	"github.com/saviobatista/asset-tracker/internal/trace"
	"github.com/saviobatista/asset-tracker/internal/types"
)

// UpdateBufferSize is the capacity of the inbound position update channel.
const UpdateBufferSize = 1024

var (
	// ErrNotRunning is returned when updates are submitted outside Run.
	ErrNotRunning = errors.New("session is not running")
	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("session is already running")
)

// Snapshot is the state of every demo asset at a single virtual instant.
type Snapshot struct {
	Clock  clock.State       `json:"clock"`
	Assets []types.AssetView `json:"assets"`
}

// AssetDetail is the full view of one demo asset.
type AssetDetail struct {
	types.AssetView
	Description string        `json:"description,omitempty"`
	Trace       types.Trace   `json:"trace"`
	Summary     trace.Summary `json:"summary"`
}

// Session ties the fleet, clock and registry together for the lifetime of a
// server.
type Session struct {
	fleet     []types.Asset
	index     map[string]int
	summaries []trace.Summary

	clock    *clock.Clock
	registry *labels.Registry
	updates  chan labels.Request

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    <-chan struct{}
	wg      sync.WaitGroup

	logger zerolog.Logger
}

// New creates a session. Summaries of every trace are computed once here.
func New(fleet []types.Asset, registry *labels.Registry, clk *clock.Clock, logger zerolog.Logger) *Session {
	s := &Session{
		fleet:     fleet,
		index:     make(map[string]int, len(fleet)),
		summaries: make([]trace.Summary, len(fleet)),
		clock:     clk,
		registry:  registry,
		updates:   make(chan labels.Request, UpdateBufferSize),
		logger:    logger.With().Str("component", "session").Logger(),
	}

	for i, a := range fleet {
		s.index[a.ID] = i
		s.summaries[i] = trace.Summarize(a.Trace)
	}

	return s
}

// Run starts the clock driver and the update consumer. It returns once both
// goroutines are started; Teardown stops them.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = ctx.Done()
	s.running = true

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.clock.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.registry.Consume(ctx, s.updates)
	}()

	s.logger.Info().
		Int("assets", len(s.fleet)).
		Str("mode", string(s.clock.Mode())).
		Time("virtual_time", s.clock.CurrentTime()).
		Msg("Simulation started")
	return nil
}

// Teardown stops the session goroutines and waits for them to exit.
func (s *Session) Teardown() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Simulation stopped")
}

// Submit queues a live position update. Updates are applied in the order
// they are submitted.
func (s *Session) Submit(ctx context.Context, update types.PositionUpdate) error {
	_, err := s.enqueue(ctx, labels.Request{Update: update})
	return err
}

// Apply queues update behind every update submitted before it and waits
// until it has been applied. It returns the label as updated.
func (s *Session) Apply(ctx context.Context, update types.PositionUpdate) (types.RealTimeLabel, error) {
	result := make(chan labels.Result, 1)
	done, err := s.enqueue(ctx, labels.Request{Update: update, Result: result})
	if err != nil {
		return types.RealTimeLabel{}, err
	}

	select {
	case res := <-result:
		return res.Label, res.Err
	case <-done:
		return types.RealTimeLabel{}, ErrNotRunning
	case <-ctx.Done():
		return types.RealTimeLabel{}, ctx.Err()
	}
}

func (s *Session) enqueue(ctx context.Context, req labels.Request) (<-chan struct{}, error) {
	s.mu.Lock()
	running, done := s.running, s.done
	s.mu.Unlock()
	if !running {
		return nil, ErrNotRunning
	}

	select {
	case s.updates <- req:
		return done, nil
	case <-done:
		return nil, ErrNotRunning
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Snapshot returns the view of every demo asset at the current virtual time.
func (s *Session) Snapshot() Snapshot {
	st := s.clock.State()

	views := make([]types.AssetView, len(s.fleet))
	for i, a := range s.fleet {
		views[i] = view(a, s.summaries[i], st.CurrentTime)
	}

	return Snapshot{Clock: st, Assets: views}
}

// Asset returns the detail view of one demo asset at the current virtual time.
func (s *Session) Asset(id string) (AssetDetail, bool) {
	i, ok := s.index[id]
	if !ok {
		return AssetDetail{}, false
	}

	a := s.fleet[i]
	return AssetDetail{
		AssetView:   view(a, s.summaries[i], s.clock.CurrentTime()),
		Description: a.Description,
		Trace:       a.Trace,
		Summary:     s.summaries[i],
	}, true
}

// Fleet returns the demo assets.
func (s *Session) Fleet() []types.Asset {
	return s.fleet
}

// Labels returns the registered real-time labels.
func (s *Session) Labels() []types.RealTimeLabel {
	return s.registry.List()
}

// Registry returns the live label registry.
func (s *Session) Registry() *labels.Registry {
	return s.registry
}

// Clock returns the simulation clock.
func (s *Session) Clock() *clock.Clock {
	return s.clock
}

// Start resumes playback.
func (s *Session) Start() clock.State {
	s.clock.Start()
	return s.clock.State()
}

// Pause stops playback.
func (s *Session) Pause() clock.State {
	s.clock.Pause()
	return s.clock.State()
}

// Restart rewinds to the epoch and resumes playback.
func (s *Session) Restart() clock.State {
	s.clock.Restart()
	return s.clock.State()
}

// SetRate sets the playback multiplier.
func (s *Session) SetRate(m float64) clock.State {
	s.clock.SetRate(m)
	return s.clock.State()
}

// SetMode switches between demo and realtime playback.
func (s *Session) SetMode(mode types.Mode) clock.State {
	s.clock.SetMode(mode)
	return s.clock.State()
}

// View computes the state of asset a at virtual time t.
func View(a types.Asset, t time.Time) types.AssetView {
	return view(a, trace.Summarize(a.Trace), t)
}

func view(a types.Asset, sum trace.Summary, t time.Time) types.AssetView {
	v := types.AssetView{
		ID:              a.ID,
		Name:            a.Name,
		Status:          trace.ClassifyStatus(a.Trace, a.TargetReached, t),
		TargetReached:   a.TargetReached,
		DistanceKm:      sum.DistanceKm,
		AverageSpeedKmh: sum.AverageSpeedKmh,
		Duration:        sum.Duration,
		Progress:        trace.Progress(a.Trace, t),
	}
	if p, ok := trace.PositionAt(a.Trace, t); ok {
		v.Position = &p
	}
	return v
}
