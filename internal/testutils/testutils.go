package testutils

import (
	"context"
	"fmt"
	"time"

	"github.com/saviobatista/asset-tracker/internal/types"
)

// Epoch is the virtual start time of the demo fleet
var Epoch = time.Date(2025, time.April, 1, 10, 0, 0, 0, time.UTC)

// MockPositionUpdate creates a mock position update for a MAC id
func MockPositionUpdate(macID string, lat, lng float64) *types.PositionUpdate {
	now := time.Now().UTC()
	return &types.PositionUpdate{
		MacID: macID,
		Position: types.TracePoint{
			Lat:       lat,
			Lng:       lng,
			Timestamp: now,
		},
		Source:     "test-source",
		ReceivedAt: now,
	}
}

// MockLabel creates a mock real-time label
func MockLabel(id, macID string) types.RealTimeLabel {
	now := time.Now().UTC()
	return types.RealTimeLabel{
		ID:          id,
		MacID:       macID,
		Name:        fmt.Sprintf("Label-%s", macID),
		Position:    types.TracePoint{Lat: 34.0522, Lng: -118.2437, Timestamp: now},
		LastUpdated: now,
		IsActive:    true,
		CreatedAt:   now,
	}
}

// MockTrace creates a trace of n points starting at Epoch, one minute apart,
// moving north-west by a fixed step
func MockTrace(n int) types.Trace {
	trace := make(types.Trace, n)
	for i := range trace {
		trace[i] = types.TracePoint{
			Lat:       34.0522 + float64(i)*0.001,
			Lng:       -118.2437 - float64(i)*0.001,
			Timestamp: Epoch.Add(time.Duration(i) * time.Minute),
		}
	}
	return trace
}

// WaitForCondition waits for a condition to be true with timeout
func WaitForCondition(condition func() bool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for condition")
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}
