// Package trace interpolates asset positions along recorded traces and
// classifies asset status against a virtual clock.
//
// Every function here assumes the trace is ordered by non-decreasing
// timestamp and does not re-sort it. Loaders are expected to call Validate
// once at ingestion.
package trace

import (
	"time"

	"github.com/saviobatista/asset-tracker/internal/types"
)

// PositionAt returns the position of the asset at time t. The second return
// value is false only when the trace is empty.
//
// Times before the first point or at/after the last point are clamped to that
// endpoint, which is returned unmodified. Otherwise the position is linearly
// interpolated between the first consecutive pair bracketing t and stamped
// with t.
func PositionAt(trace types.Trace, t time.Time) (types.TracePoint, bool) {
	if len(trace) == 0 {
		return types.TracePoint{}, false
	}

	first := trace[0]
	if t.Before(first.Timestamp) {
		return first, true
	}

	last := trace[len(trace)-1]
	if !t.Before(last.Timestamp) {
		return last, true
	}

	for i := 0; i < len(trace)-1; i++ {
		a, b := trace[i], trace[i+1]
		if t.Before(a.Timestamp) || t.After(b.Timestamp) {
			continue
		}

		span := b.Timestamp.Sub(a.Timestamp)
		if span <= 0 {
			return a, true
		}

		ratio := float64(t.Sub(a.Timestamp)) / float64(span)
		return types.TracePoint{
			Lat:       a.Lat + ratio*(b.Lat-a.Lat),
			Lng:       a.Lng + ratio*(b.Lng-a.Lng),
			Timestamp: t,
		}, true
	}

	// Only reachable when the trace is out of order.
	return last, true
}

// ClassifyStatus reports whether the asset is moving, idle or delivered at t.
// An empty trace is Idle.
func ClassifyStatus(trace types.Trace, targetReached bool, t time.Time) types.Status {
	last, ok := trace.Last()
	if !ok {
		return types.StatusIdle
	}

	if t.Before(last.Timestamp) {
		return types.StatusMoving
	}
	if targetReached {
		return types.StatusDelivered
	}
	return types.StatusIdle
}

// Duration returns the time between the first and last point of the trace.
func Duration(trace types.Trace) time.Duration {
	if len(trace) < 2 {
		return 0
	}
	return trace[len(trace)-1].Timestamp.Sub(trace[0].Timestamp)
}

// Progress returns the elapsed fraction of the trace's time span at t,
// clamped to [0, 1].
func Progress(trace types.Trace, t time.Time) float64 {
	first, ok := trace.First()
	if !ok {
		return 0
	}

	span := Duration(trace)
	if span <= 0 {
		if t.Before(first.Timestamp) {
			return 0
		}
		return 1
	}

	p := float64(t.Sub(first.Timestamp)) / float64(span)
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}
