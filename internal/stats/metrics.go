package stats

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the Prometheus collectors mirrored from Stats.
type Metrics struct {
	gatherer prometheus.Gatherer

	UpdatesReceived   *prometheus.CounterVec
	UpdatesApplied    prometheus.Counter
	UpdatesRejected   prometheus.Counter
	UpdatesStored     prometheus.Counter
	ClockTicks        prometheus.Counter
	ActiveLabels      prometheus.Gauge
	ProcessingSeconds prometheus.Histogram
}

// NewMetrics registers the tracker collectors against reg, defaulting to the
// global Prometheus registry when nil. Collectors already registered under
// the same name are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{gatherer: gatherer}
	var err error

	if m.UpdatesReceived, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_updates_received_total",
		Help: "Position updates received, labeled by source.",
	}, []string{"source"})); err != nil {
		return nil, err
	}
	if m.UpdatesApplied, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracker_updates_applied_total",
		Help: "Position updates applied to the label registry.",
	})); err != nil {
		return nil, err
	}
	if m.UpdatesRejected, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracker_updates_rejected_total",
		Help: "Position updates rejected by the label registry.",
	})); err != nil {
		return nil, err
	}
	if m.UpdatesStored, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracker_updates_stored_total",
		Help: "Position updates written to the history store.",
	})); err != nil {
		return nil, err
	}
	if m.ClockTicks, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracker_clock_ticks_total",
		Help: "Simulation clock advances.",
	})); err != nil {
		return nil, err
	}
	if m.ActiveLabels, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_active_labels",
		Help: "Number of registered real-time labels.",
	})); err != nil {
		return nil, err
	}
	if m.ProcessingSeconds, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tracker_update_processing_seconds",
		Help:    "Time spent handling one position update.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})); err != nil {
		return nil, err
	}

	return m, nil
}

// Handler exposes the registered collectors for scraping.
func (m *Metrics) Handler() http.Handler {
	gatherer := m.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
			return c, fmt.Errorf("collector already registered with incompatible type: %w", err)
		}
		return c, err
	}
	return c, nil
}
