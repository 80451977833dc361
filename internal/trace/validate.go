package trace

import (
	"errors"
	"fmt"

	"github.com/saviobatista/asset-tracker/internal/types"
)

var (
	// ErrOutOfRange is returned for coordinates outside [-90, 90] / [-180, 180].
	ErrOutOfRange = errors.New("coordinate out of range")
	// ErrUnordered is returned when a point is older than its predecessor.
	ErrUnordered = errors.New("trace timestamps are not in ascending order")
)

// ValidatePoint checks the coordinate ranges of a single point.
func ValidatePoint(p types.TracePoint) error {
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("latitude %f: %w", p.Lat, ErrOutOfRange)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("longitude %f: %w", p.Lng, ErrOutOfRange)
	}
	return nil
}

// Validate checks coordinate ranges and timestamp ordering of the trace.
// Equal consecutive timestamps are allowed.
func Validate(trace types.Trace) error {
	for i, p := range trace {
		if err := ValidatePoint(p); err != nil {
			return fmt.Errorf("point %d: %w", i, err)
		}
		if i > 0 && p.Timestamp.Before(trace[i-1].Timestamp) {
			return fmt.Errorf("point %d at %s precedes point %d: %w",
				i, p.Timestamp.Format("2006-01-02T15:04:05Z07:00"), i-1, ErrUnordered)
		}
	}
	return nil
}
