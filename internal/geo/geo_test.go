package geo

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/saviobatista/asset-tracker/internal/types"
)

var t0 = time.Date(2025, time.April, 1, 10, 0, 0, 0, time.UTC)

func pt(lat, lng float64, offset time.Duration) types.TracePoint {
	return types.TracePoint{Lat: lat, Lng: lng, Timestamp: t0.Add(offset)}
}

func TestDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b types.TracePoint
		want float64
		tol  float64
	}{
		{
			name: "same point",
			a:    pt(34.0522, -118.2437, 0),
			b:    pt(34.0522, -118.2437, time.Hour),
			want: 0,
			tol:  0,
		},
		{
			name: "one degree of latitude",
			a:    pt(0, 0, 0),
			b:    pt(1, 0, 0),
			want: 111.195,
			tol:  0.01,
		},
		{
			name: "los angeles to san francisco",
			a:    pt(34.0522, -118.2437, 0),
			b:    pt(37.7749, -122.4194, 0),
			want: 559.12,
			tol:  1,
		},
		{
			name: "antipodal on equator",
			a:    pt(0, 0, 0),
			b:    pt(0, 180, 0),
			want: 20015.09,
			tol:  0.1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Distance(tt.a, tt.b), tt.tol)
		})
	}
}

func TestDistance_Symmetric(t *testing.T) {
	pairs := [][2]types.TracePoint{
		{pt(34.0522, -118.2437, 0), pt(34.0530, -118.2450, 0)},
		{pt(-33.8688, 151.2093, 0), pt(51.5074, -0.1278, 0)},
		{pt(89.9, 10, 0), pt(-89.9, -170, 0)},
		{pt(0, -179.5, 0), pt(0, 179.5, 0)},
	}

	for _, p := range pairs {
		assert.InDelta(t, Distance(p[0], p[1]), Distance(p[1], p[0]), 1e-9)
	}
}

func TestDistance_Antipodal(t *testing.T) {
	halfCircumference := math.Pi * EarthRadiusKm

	for lat := -90.0; lat <= 90; lat += 0.5 {
		for lng := -180.0; lng <= 0; lng += 0.5 {
			a := pt(lat, lng, 0)
			b := pt(-lat, lng+180, 0)

			d := Distance(a, b)
			if math.IsNaN(d) {
				t.Fatalf("Distance(%v, %v) is NaN", a, b)
			}
			assert.InDelta(t, halfCircumference, d, 1e-3)
		}
	}

	total := TotalDistance(types.Trace{pt(0, 0, 0), pt(0, 180, time.Hour)})
	assert.False(t, math.IsNaN(total))
}

func TestTotalDistance(t *testing.T) {
	assert.Equal(t, 0.0, TotalDistance(nil))
	assert.Equal(t, 0.0, TotalDistance(types.Trace{}))
	assert.Equal(t, 0.0, TotalDistance(types.Trace{pt(34, -118, 0)}))

	trace := types.Trace{
		pt(0, 0, 0),
		pt(1, 0, time.Hour),
		pt(2, 0, 2*time.Hour),
	}
	assert.InDelta(t, 2*Distance(trace[0], trace[1]), TotalDistance(trace), 1e-9)
}

func TestSegmentDistances(t *testing.T) {
	trace := types.Trace{
		pt(0, 0, 0),
		pt(1, 0, time.Hour),
		pt(1, 1, 2*time.Hour),
	}

	segs := SegmentDistances(trace)
	assert.Len(t, segs, 3)
	assert.Equal(t, 0.0, segs[0])
	assert.InDelta(t, Distance(trace[0], trace[1]), segs[1], 1e-9)
	assert.InDelta(t, Distance(trace[1], trace[2]), segs[2], 1e-9)

	assert.Empty(t, SegmentDistances(nil))
}

func TestAverageSpeed(t *testing.T) {
	t.Run("fewer than two points", func(t *testing.T) {
		assert.Equal(t, 0.0, AverageSpeed(nil))
		assert.Equal(t, 0.0, AverageSpeed(types.Trace{pt(1, 1, 0)}))
	})

	t.Run("zero duration", func(t *testing.T) {
		trace := types.Trace{pt(0, 0, 0), pt(1, 0, 0)}
		assert.Equal(t, 0.0, AverageSpeed(trace))
	})

	t.Run("one degree in two hours", func(t *testing.T) {
		trace := types.Trace{pt(0, 0, 0), pt(1, 0, 2*time.Hour)}
		assert.InDelta(t, 111.195/2, AverageSpeed(trace), 0.01)
	})
}
