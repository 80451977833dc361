package types

import (
	"time"
)

// TracePoint is a single recorded or interpolated observation
type TracePoint struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

// Trace is the recorded path of one asset, ordered by non-decreasing timestamp
type Trace []TracePoint

// Len returns the number of points in the trace
func (t Trace) Len() int {
	return len(t)
}

// First returns the first point of the trace
func (t Trace) First() (TracePoint, bool) {
	if len(t) == 0 {
		return TracePoint{}, false
	}
	return t[0], true
}

// Last returns the last point of the trace
func (t Trace) Last() (TracePoint, bool) {
	if len(t) == 0 {
		return TracePoint{}, false
	}
	return t[len(t)-1], true
}

// Asset is a demo asset replayed by the simulated clock
type Asset struct {
	ID            string `json:"id"`
	Name          string `json:"asset"`
	Description   string `json:"description,omitempty"`
	Trace         Trace  `json:"trace"`
	TargetReached bool   `json:"targetReached"`
}

// LabelMeta holds the optional device metadata reported with live positions
type LabelMeta struct {
	Status      *string        `json:"status,omitempty"`
	Battery     *float64       `json:"battery,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Merge overlays the non-nil fields of other onto m. Extra is replaced with
// a new map rather than written in place, so copies of m taken earlier keep
// their view.
func (m *LabelMeta) Merge(other *LabelMeta) {
	if other == nil {
		return
	}
	if other.Status != nil {
		m.Status = other.Status
	}
	if other.Battery != nil {
		m.Battery = other.Battery
	}
	if other.Temperature != nil {
		m.Temperature = other.Temperature
	}
	if len(other.Extra) > 0 {
		extra := make(map[string]any, len(m.Extra)+len(other.Extra))
		for k, v := range m.Extra {
			extra[k] = v
		}
		for k, v := range other.Extra {
			extra[k] = v
		}
		m.Extra = extra
	}
}

// RealTimeLabel is a device tracked through live position reports
type RealTimeLabel struct {
	ID          string     `json:"id"`
	MacID       string     `json:"macId"`
	Name        string     `json:"name"`
	Position    TracePoint `json:"position"`
	LastUpdated time.Time  `json:"lastUpdated"`
	IsActive    bool       `json:"isActive"`
	CreatedAt   time.Time  `json:"createdAt"`
	Meta        LabelMeta  `json:"meta"`
}

// PositionUpdate is one live position event for a label
type PositionUpdate struct {
	LabelID    string     `json:"labelId,omitempty"`
	MacID      string     `json:"macId,omitempty"`
	Position   TracePoint `json:"position"`
	Meta       *LabelMeta `json:"meta,omitempty"`
	Source     string     `json:"source"`
	ReceivedAt time.Time  `json:"receivedAt"`
}

// Status is the classification of a demo asset at a point in virtual time
type Status string

const (
	StatusMoving    Status = "Moving"
	StatusIdle      Status = "Idle"
	StatusDelivered Status = "Delivered"
)

// Mode selects the base playback ratio of the simulated clock
type Mode string

const (
	ModeDemo     Mode = "demo"
	ModeRealtime Mode = "realtime"
)

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	return m == ModeDemo || m == ModeRealtime
}

// AssetView is the state of a demo asset at a given virtual time
type AssetView struct {
	ID              string        `json:"id"`
	Name            string        `json:"asset"`
	Position        *TracePoint   `json:"position"`
	Status          Status        `json:"status"`
	TargetReached   bool          `json:"targetReached"`
	DistanceKm      float64       `json:"distanceKm"`
	AverageSpeedKmh float64       `json:"averageSpeedKmh"`
	Duration        time.Duration `json:"duration"`
	Progress        float64       `json:"progress"`
}

// SystemStats is a point-in-time copy of the processing counters
type SystemStats struct {
	Time            time.Time         `json:"time"`
	UpdatesReceived uint64            `json:"updatesReceived"`
	UpdatesApplied  uint64            `json:"updatesApplied"`
	UpdatesRejected uint64            `json:"updatesRejected"`
	StoredUpdates   uint64            `json:"storedUpdates"`
	ClockTicks      uint64            `json:"clockTicks"`
	ActiveLabels    uint64            `json:"activeLabels"`
	SourceCounts    map[string]uint64 `json:"sourceCounts"`
	ProcessingTime  time.Duration     `json:"processingTime"`
	LastUpdateTime  time.Time         `json:"lastUpdateTime"`
	Uptime          time.Duration     `json:"uptime"`
}
