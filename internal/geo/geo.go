// Package geo provides great-circle distance and speed helpers over traces.
package geo

import (
	"math"

	"github.com/saviobatista/asset-tracker/internal/types"
)

// EarthRadiusKm is the mean Earth radius used by the haversine formula.
const EarthRadiusKm = 6371.0

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Distance returns the great-circle distance between a and b in kilometres.
func Distance(a, b types.TracePoint) float64 {
	dLat := toRadians(b.Lat - a.Lat)
	dLng := toRadians(b.Lng - a.Lng)

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	h := sinLat*sinLat + math.Cos(toRadians(a.Lat))*math.Cos(toRadians(b.Lat))*sinLng*sinLng
	// Rounding can push h past 1 for antipodal points.
	h = math.Min(math.Max(h, 0), 1)

	return EarthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// TotalDistance sums Distance over each consecutive pair of the trace.
func TotalDistance(trace types.Trace) float64 {
	total := 0.0
	for i := 0; i < len(trace)-1; i++ {
		total += Distance(trace[i], trace[i+1])
	}
	return total
}

// SegmentDistances returns the incremental distance to each point from its
// predecessor. The first entry is always zero.
func SegmentDistances(trace types.Trace) []float64 {
	out := make([]float64, len(trace))
	for i := 1; i < len(trace); i++ {
		out[i] = Distance(trace[i-1], trace[i])
	}
	return out
}

// AverageSpeed returns the mean speed over the recorded span of the trace in
// km/h. Traces shorter than two points or with zero duration yield 0.
func AverageSpeed(trace types.Trace) float64 {
	if len(trace) < 2 {
		return 0
	}

	hours := trace[len(trace)-1].Timestamp.Sub(trace[0].Timestamp).Hours()
	if hours == 0 {
		return 0
	}

	return TotalDistance(trace) / hours
}
