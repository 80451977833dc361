// Package labels keeps the in-memory registry of real-time labels and applies
// live position updates to it.
package labels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/saviobatista/asset-tracker/internal/trace"
	"github.com/saviobatista/asset-tracker/internal/types"
)

var (
	// ErrLabelNotFound is returned when no label matches an id or MAC id.
	ErrLabelNotFound = errors.New("label not found")
	// ErrMissingMacID is returned when a label is registered without a MAC id.
	ErrMissingMacID = errors.New("macId is required")
)

// DefaultPosition is assigned to labels that have not reported yet.
var DefaultPosition = types.TracePoint{Lat: 34.0522, Lng: -118.2437}

// UpdateFunc observes a label after an update has been applied to it.
type UpdateFunc func(label types.RealTimeLabel, update types.PositionUpdate)

// RejectFunc observes an update that could not be applied.
type RejectFunc func(update types.PositionUpdate, err error)

// RegisterFunc observes a label created through Add.
type RegisterFunc func(label types.RealTimeLabel)

// Request is one update queued for Consume. When Result is set it receives
// the outcome once the update has been applied; it must have room for one
// value.
type Request struct {
	Update types.PositionUpdate
	Result chan<- Result
}

// Result is the outcome of a Request.
type Result struct {
	Label types.RealTimeLabel
	Err   error
}

// Registry holds real-time labels keyed by id with a MAC id index. Reads are
// lock-free; mutations are serialized so that the label and index maps stay
// consistent. Observers run one mutation at a time, in the order the
// mutations were applied.
type Registry struct {
	labels cmap.ConcurrentMap[string, types.RealTimeLabel]
	byMac  cmap.ConcurrentMap[string, string]

	// notify is taken before mu is released and held while observers run.
	notify sync.Mutex

	mu           sync.Mutex
	autoRegister bool
	onUpdate     []UpdateFunc
	onReject     []RejectFunc
	onRegister   []RegisterFunc

	logger zerolog.Logger
	now    func() time.Time
}

// New creates an empty registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		labels: cmap.New[types.RealTimeLabel](),
		byMac:  cmap.New[string](),
		logger: logger.With().Str("component", "labels").Logger(),
		now:    time.Now,
	}
}

// SetAutoRegister controls whether updates for unknown MAC ids create labels.
func (r *Registry) SetAutoRegister(enabled bool) {
	r.mu.Lock()
	r.autoRegister = enabled
	r.mu.Unlock()
}

// OnUpdate registers an observer called after every applied update.
// Observers must not mutate the registry.
func (r *Registry) OnUpdate(fn UpdateFunc) {
	r.mu.Lock()
	r.onUpdate = append(r.onUpdate, fn)
	r.mu.Unlock()
}

// OnReject registers an observer called for every update Apply refuses.
func (r *Registry) OnReject(fn RejectFunc) {
	r.mu.Lock()
	r.onReject = append(r.onReject, fn)
	r.mu.Unlock()
}

// OnRegister registers an observer called for every label Add creates.
// Labels created by auto-registration are reported through OnUpdate.
func (r *Registry) OnRegister(fn RegisterFunc) {
	r.mu.Lock()
	r.onRegister = append(r.onRegister, fn)
	r.mu.Unlock()
}

// Add registers a label for macID. If the MAC id is already known the
// existing label is returned with created=false.
func (r *Registry) Add(macID, name string) (label types.RealTimeLabel, created bool, err error) {
	if macID == "" {
		return types.RealTimeLabel{}, false, ErrMissingMacID
	}

	r.mu.Lock()
	label, created, err = r.addLocked(macID, name)
	observers := r.onRegister
	r.notify.Lock()
	r.mu.Unlock()
	defer r.notify.Unlock()

	if created {
		for _, fn := range observers {
			fn(label)
		}
	}
	return label, created, err
}

func (r *Registry) addLocked(macID, name string) (types.RealTimeLabel, bool, error) {
	if id, ok := r.byMac.Get(macID); ok {
		if existing, ok := r.labels.Get(id); ok {
			return existing, false, nil
		}
	}

	if name == "" {
		name = fmt.Sprintf("Label-%s", macID)
	}

	now := r.now()
	pos := DefaultPosition
	pos.Timestamp = now

	label := types.RealTimeLabel{
		ID:          fmt.Sprintf("rt-%s", uuid.NewString()),
		MacID:       macID,
		Name:        name,
		Position:    pos,
		LastUpdated: now,
		IsActive:    true,
		CreatedAt:   now,
	}

	r.labels.Set(label.ID, label)
	r.byMac.Set(macID, label.ID)

	r.logger.Info().Str("id", label.ID).Str("mac_id", macID).Msg("Registered label")
	return label, true, nil
}

// Restore inserts a previously persisted label as-is, replacing any label with
// the same id.
func (r *Registry) Restore(label types.RealTimeLabel) {
	if label.ID == "" || label.MacID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.labels.Set(label.ID, label)
	r.byMac.Set(label.MacID, label.ID)
}

// Get returns the label with the given id.
func (r *Registry) Get(id string) (types.RealTimeLabel, bool) {
	return r.labels.Get(id)
}

// GetByMac returns the label registered for macID.
func (r *Registry) GetByMac(macID string) (types.RealTimeLabel, bool) {
	id, ok := r.byMac.Get(macID)
	if !ok {
		return types.RealTimeLabel{}, false
	}
	return r.labels.Get(id)
}

// List returns all labels ordered by creation time, then id.
func (r *Registry) List() []types.RealTimeLabel {
	items := r.labels.Items()
	out := make([]types.RealTimeLabel, 0, len(items))
	for _, l := range items {
		out = append(out, l)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of registered labels.
func (r *Registry) Len() int {
	return r.labels.Count()
}

// Remove deletes a label and its MAC index entry.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	label, ok := r.labels.Get(id)
	if !ok {
		return false
	}

	r.labels.Remove(id)
	if current, ok := r.byMac.Get(label.MacID); ok && current == id {
		r.byMac.Remove(label.MacID)
	}
	return true
}

// UpdatePosition replaces the position of label id and merges meta into its
// metadata. A zero timestamp on point is replaced by the current time.
func (r *Registry) UpdatePosition(id string, point types.TracePoint, meta *types.LabelMeta) (types.RealTimeLabel, error) {
	if err := trace.ValidatePoint(point); err != nil {
		return types.RealTimeLabel{}, err
	}

	r.mu.Lock()
	label, err := r.updateLocked(id, point, meta)
	observers := r.onUpdate
	r.notify.Lock()
	r.mu.Unlock()
	defer r.notify.Unlock()

	if err != nil {
		return types.RealTimeLabel{}, err
	}

	update := types.PositionUpdate{
		LabelID:    label.ID,
		MacID:      label.MacID,
		Position:   label.Position,
		Meta:       meta,
		Source:     "api",
		ReceivedAt: label.LastUpdated,
	}
	for _, fn := range observers {
		fn(label, update)
	}
	return label, nil
}

func (r *Registry) updateLocked(id string, point types.TracePoint, meta *types.LabelMeta) (types.RealTimeLabel, error) {
	label, ok := r.labels.Get(id)
	if !ok {
		return types.RealTimeLabel{}, fmt.Errorf("%s: %w", id, ErrLabelNotFound)
	}

	now := r.now()
	if point.Timestamp.IsZero() {
		point.Timestamp = now
	}

	label.Position = point
	label.LastUpdated = now
	label.IsActive = true
	label.Meta.Merge(meta)

	r.labels.Set(id, label)
	return label, nil
}

// Apply resolves the label targeted by update, by id first and then by MAC
// id, and applies the new position. Unknown MAC ids are registered when
// auto-registration is enabled.
func (r *Registry) Apply(update types.PositionUpdate) (types.RealTimeLabel, error) {
	r.mu.Lock()
	label, err := r.applyLocked(update)
	onUpdate, onReject := r.onUpdate, r.onReject
	r.notify.Lock()
	r.mu.Unlock()
	defer r.notify.Unlock()

	if err != nil {
		for _, fn := range onReject {
			fn(update, err)
		}
		return types.RealTimeLabel{}, err
	}

	for _, fn := range onUpdate {
		fn(label, update)
	}
	return label, nil
}

func (r *Registry) applyLocked(update types.PositionUpdate) (types.RealTimeLabel, error) {
	if err := trace.ValidatePoint(update.Position); err != nil {
		return types.RealTimeLabel{}, err
	}

	id := update.LabelID
	if id == "" {
		if update.MacID == "" {
			return types.RealTimeLabel{}, ErrMissingMacID
		}

		var ok bool
		id, ok = r.byMac.Get(update.MacID)
		if !ok {
			if !r.autoRegister {
				return types.RealTimeLabel{}, fmt.Errorf("mac %s: %w", update.MacID, ErrLabelNotFound)
			}
			label, _, err := r.addLocked(update.MacID, "")
			if err != nil {
				return types.RealTimeLabel{}, err
			}
			id = label.ID
		}
	}

	return r.updateLocked(id, update.Position, update.Meta)
}

// Consume applies requests from ch in arrival order until ctx is cancelled
// or ch is closed. Rejected updates without a Result channel are logged and
// skipped.
func (r *Registry) Consume(ctx context.Context, ch <-chan Request) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-ch:
			if !ok {
				return
			}
			update := req.Update
			label, err := r.Apply(update)
			if req.Result != nil {
				req.Result <- Result{Label: label, Err: err}
				continue
			}
			if err != nil {
				r.logger.Warn().
					Err(err).
					Str("label_id", update.LabelID).
					Str("mac_id", update.MacID).
					Str("source", update.Source).
					Msg("Dropped position update")
			}
		}
	}
}
