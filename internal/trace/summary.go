package trace

import (
	"fmt"
	"time"

	"github.com/saviobatista/asset-tracker/internal/geo"
	"github.com/saviobatista/asset-tracker/internal/types"
)

// Checkpoint is a recorded trace point with the distance covered to reach it.
type Checkpoint struct {
	Index        int              `json:"index"`
	Point        types.TracePoint `json:"point"`
	SegmentKm    float64          `json:"segmentKm"`
	CumulativeKm float64          `json:"cumulativeKm"`
	Elapsed      time.Duration    `json:"elapsed"`
}

// Summary holds the derived statistics of a trace.
type Summary struct {
	DistanceKm      float64       `json:"distanceKm"`
	AverageSpeedKmh float64       `json:"averageSpeedKmh"`
	Duration        time.Duration `json:"duration"`
	DurationText    string        `json:"durationText"`
	Checkpoints     []Checkpoint  `json:"checkpoints"`
}

// Summarize computes distance, speed, duration and per-checkpoint distances.
func Summarize(trace types.Trace) Summary {
	segments := geo.SegmentDistances(trace)
	checkpoints := make([]Checkpoint, len(trace))

	cumulative := 0.0
	for i, p := range trace {
		cumulative += segments[i]
		checkpoints[i] = Checkpoint{
			Index:        i,
			Point:        p,
			SegmentKm:    segments[i],
			CumulativeKm: cumulative,
			Elapsed:      p.Timestamp.Sub(trace[0].Timestamp),
		}
	}

	d := Duration(trace)
	return Summary{
		DistanceKm:      cumulative,
		AverageSpeedKmh: geo.AverageSpeed(trace),
		Duration:        d,
		DurationText:    FormatDuration(d),
		Checkpoints:     checkpoints,
	}
}

// FormatDuration renders d as whole minutes ("48 min") below an hour and as
// "2h 15m" otherwise.
func FormatDuration(d time.Duration) string {
	minutes := int(d / time.Minute)
	if minutes < 60 {
		return fmt.Sprintf("%d min", minutes)
	}
	return fmt.Sprintf("%dh %dm", minutes/60, minutes%60)
}

// FormatDistance renders kilometres as metres below 1 km.
func FormatDistance(km float64) string {
	if km < 1 {
		return fmt.Sprintf("%.0f m", km*1000)
	}
	return fmt.Sprintf("%.1f km", km)
}

// FormatSpeed renders a speed in km/h with one decimal.
func FormatSpeed(kmh float64) string {
	return fmt.Sprintf("%.1f km/h", kmh)
}
