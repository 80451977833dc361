// Package clock implements the virtual clock that drives trace playback.
package clock

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/saviobatista/asset-tracker/internal/types"
)

// TicksPerSecond is the number of advancements per real second issued by Run.
const TicksPerSecond = 10

// DefaultEpoch is the virtual time the clock starts from and restarts to.
var DefaultEpoch = time.Date(2025, time.April, 1, 10, 0, 0, 0, time.UTC)

var allowedRates = map[types.Mode][]float64{
	types.ModeDemo:     {0.1, 0.25, 0.5, 1, 1.5, 2, 3},
	types.ModeRealtime: {0.5, 1, 2, 4, 8},
}

// AllowedRates returns the playback multipliers accepted in mode.
func AllowedRates(mode types.Mode) []float64 {
	rates := allowedRates[mode]
	out := make([]float64, len(rates))
	copy(out, rates)
	return out
}

// BaseRatio returns virtual time elapsed per real second at multiplier 1.
func BaseRatio(mode types.Mode) time.Duration {
	if mode == types.ModeRealtime {
		return time.Second
	}
	return time.Minute
}

// State is a point-in-time snapshot of the clock.
type State struct {
	CurrentTime time.Time  `json:"currentTime"`
	Running     bool       `json:"running"`
	Rate        float64    `json:"rate"`
	Mode        types.Mode `json:"mode"`
}

// Clock is a virtual clock with a playback multiplier. Readers may call any
// accessor concurrently with the tick driver.
type Clock struct {
	mu        sync.RWMutex
	epoch     time.Time
	current   time.Time
	running   bool
	rate      float64
	mode      types.Mode
	listeners []func(time.Time)
}

// New creates a running clock positioned at epoch. A zero epoch selects
// DefaultEpoch and an unknown mode selects demo.
func New(epoch time.Time, mode types.Mode) *Clock {
	if epoch.IsZero() {
		epoch = DefaultEpoch
	}
	if !mode.Valid() {
		mode = types.ModeDemo
	}
	return &Clock{
		epoch:   epoch,
		current: epoch,
		running: true,
		rate:    1,
		mode:    mode,
	}
}

// OnTick registers fn to be called with the new virtual time after every
// advancement. Listeners run on the driver goroutine and must not block.
func (c *Clock) OnTick(fn func(time.Time)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Start resumes playback.
func (c *Clock) Start() {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
}

// Pause stops playback. Calling it while stopped has no effect.
func (c *Clock) Pause() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

// Restart rewinds to the epoch and resumes playback.
func (c *Clock) Restart() {
	c.mu.Lock()
	c.current = c.epoch
	c.running = true
	listeners := c.listeners
	now := c.current
	c.mu.Unlock()

	notify(listeners, now)
}

// SetRate sets the playback multiplier. Values outside the allowed set for
// the current mode fall back to 1. It returns the multiplier in effect.
func (c *Clock) SetRate(m float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rate = 1
	for _, r := range allowedRates[c.mode] {
		if r == m {
			c.rate = m
			break
		}
	}
	return c.rate
}

// SetMode switches the base ratio and resets the multiplier to 1. Virtual
// time is kept. Unknown modes are ignored.
func (c *Clock) SetMode(mode types.Mode) {
	if !mode.Valid() {
		return
	}
	c.mu.Lock()
	c.mode = mode
	c.rate = 1
	c.mu.Unlock()
}

// CurrentTime returns the virtual time.
func (c *Clock) CurrentTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Rate returns the playback multiplier.
func (c *Clock) Rate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rate
}

// Mode returns the current mode.
func (c *Clock) Mode() types.Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// Running reports whether playback is active.
func (c *Clock) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// State returns a consistent snapshot of the clock.
func (c *Clock) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return State{
		CurrentTime: c.current,
		Running:     c.running,
		Rate:        c.rate,
		Mode:        c.mode,
	}
}

// Tick advances virtual time by one tick's worth of playback, which is
// 1/TicksPerSecond of a real second. It is a no-op while paused.
func (c *Clock) Tick() {
	c.Advance(time.Second / TicksPerSecond)
}

// Advance moves virtual time forward by realElapsed scaled by the base ratio
// and multiplier. It is a no-op while paused or for non-positive deltas.
func (c *Clock) Advance(realElapsed time.Duration) {
	if realElapsed <= 0 {
		return
	}

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}

	ratio := float64(BaseRatio(c.mode)/time.Second) * c.rate
	step := time.Duration(math.Round(float64(realElapsed) * ratio))
	c.current = c.current.Add(step)
	listeners := c.listeners
	now := c.current
	c.mu.Unlock()

	notify(listeners, now)
}

// Run drives the clock at TicksPerSecond until ctx is cancelled. Each tick
// advances by the measured wall-clock delta since the previous one.
func (c *Clock) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second / TicksPerSecond)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.Advance(now.Sub(last))
			last = now
		}
	}
}

func notify(listeners []func(time.Time), t time.Time) {
	for _, fn := range listeners {
		fn(t)
	}
}
