package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/saviobatista/asset-tracker/internal/types"
)

type Client struct {
	db *sql.DB
}

// New creates a new database client
func New(connStr string) (*Client, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	return &Client{db: db}, nil
}

// Ping verifies the database is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

func marshalMeta(meta *types.LabelMeta) ([]byte, error) {
	if meta == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal meta: %w", err)
	}
	return data, nil
}

// UpsertLabel inserts a label or replaces the stored copy
func (c *Client) UpsertLabel(ctx context.Context, label *types.RealTimeLabel) error {
	meta, err := marshalMeta(&label.Meta)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO labels (
			id, mac_id, name, latitude, longitude, position_time,
			last_updated, is_active, created_at, meta
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			position_time = EXCLUDED.position_time,
			last_updated = EXCLUDED.last_updated,
			is_active = EXCLUDED.is_active,
			meta = EXCLUDED.meta
	`
	_, err = c.db.ExecContext(ctx, query,
		label.ID, label.MacID, label.Name,
		label.Position.Lat, label.Position.Lng, label.Position.Timestamp,
		label.LastUpdated, label.IsActive, label.CreatedAt, meta,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert label %s: %w", label.ID, err)
	}
	return nil
}

// GetLabels retrieves all stored labels ordered by creation time
func (c *Client) GetLabels(ctx context.Context) ([]types.RealTimeLabel, error) {
	query := `
		SELECT id, mac_id, name, latitude, longitude, position_time,
			last_updated, is_active, created_at, meta
		FROM labels
		ORDER BY created_at, id
	`
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var labels []types.RealTimeLabel
	for rows.Next() {
		var (
			l    types.RealTimeLabel
			meta []byte
		)
		if err := rows.Scan(
			&l.ID, &l.MacID, &l.Name, &l.Position.Lat, &l.Position.Lng, &l.Position.Timestamp,
			&l.LastUpdated, &l.IsActive, &l.CreatedAt, &meta,
		); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &l.Meta); err != nil {
				return nil, fmt.Errorf("failed to unmarshal meta for label %s: %w", l.ID, err)
			}
		}
		labels = append(labels, l)
	}
	return labels, rows.Err()
}

// StorePositionUpdate appends an applied update to the label's history
func (c *Client) StorePositionUpdate(ctx context.Context, labelID string, update *types.PositionUpdate) error {
	meta, err := marshalMeta(update.Meta)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO position_updates (
			time, label_id, mac_id, latitude, longitude, source, received_at, meta
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = c.db.ExecContext(ctx, query,
		update.Position.Timestamp, labelID, update.MacID,
		update.Position.Lat, update.Position.Lng,
		update.Source, update.ReceivedAt, meta,
	)
	if err != nil {
		return fmt.Errorf("failed to store position update: %w", err)
	}
	return nil
}

// GetPositionHistory returns the recorded positions of a label between since
// and until as a trace ordered by time
func (c *Client) GetPositionHistory(ctx context.Context, labelID string, since, until time.Time) (types.Trace, error) {
	query := `
		SELECT time, latitude, longitude
		FROM position_updates
		WHERE label_id = $1 AND time BETWEEN $2 AND $3
		ORDER BY time ASC
	`
	rows, err := c.db.QueryContext(ctx, query, labelID, since, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trace := types.Trace{}
	for rows.Next() {
		var p types.TracePoint
		if err := rows.Scan(&p.Timestamp, &p.Lat, &p.Lng); err != nil {
			return nil, err
		}
		trace = append(trace, p)
	}
	return trace, rows.Err()
}

// StoreSystemStats stores system statistics
func (c *Client) StoreSystemStats(ctx context.Context, stats *types.SystemStats) error {
	query := `
		INSERT INTO system_stats (
			time, updates_received, updates_applied, updates_rejected,
			stored_updates, clock_ticks, active_labels,
			sources, source_counts, processing_time_ms, uptime_seconds
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
	`

	// Flatten source counts into parallel arrays
	sources := make([]string, 0, len(stats.SourceCounts))
	for s := range stats.SourceCounts {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	counts := make([]int64, len(sources))
	for i, s := range sources {
		counts[i] = int64(stats.SourceCounts[s])
	}

	ts := stats.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := c.db.ExecContext(ctx, query,
		ts,
		int64(stats.UpdatesReceived),
		int64(stats.UpdatesApplied),
		int64(stats.UpdatesRejected),
		int64(stats.StoredUpdates),
		int64(stats.ClockTicks),
		int64(stats.ActiveLabels),
		pq.Array(sources),
		pq.Array(counts),
		stats.ProcessingTime.Milliseconds(),
		int64(stats.Uptime.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("failed to store system stats: %w", err)
	}
	return nil
}

// GetSystemStats retrieves system statistics for a time range
func (c *Client) GetSystemStats(ctx context.Context, start, end time.Time) ([]types.SystemStats, error) {
	query := `
		SELECT
			time, updates_received, updates_applied, updates_rejected,
			stored_updates, clock_ticks, active_labels,
			sources, source_counts, processing_time_ms, uptime_seconds
		FROM system_stats
		WHERE time BETWEEN $1 AND $2
		ORDER BY time DESC
	`

	rows, err := c.db.QueryContext(ctx, query, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []types.SystemStats
	for rows.Next() {
		var (
			s                types.SystemStats
			received         int64
			applied          int64
			rejected         int64
			stored           int64
			ticks            int64
			active           int64
			sources          []string
			counts           []int64
			processingTimeMs int64
			uptimeSeconds    int64
		)

		if err := rows.Scan(
			&s.Time,
			&received,
			&applied,
			&rejected,
			&stored,
			&ticks,
			&active,
			pq.Array(&sources),
			pq.Array(&counts),
			&processingTimeMs,
			&uptimeSeconds,
		); err != nil {
			return nil, err
		}

		s.UpdatesReceived = uint64(received)
		s.UpdatesApplied = uint64(applied)
		s.UpdatesRejected = uint64(rejected)
		s.StoredUpdates = uint64(stored)
		s.ClockTicks = uint64(ticks)
		s.ActiveLabels = uint64(active)
		s.ProcessingTime = time.Duration(processingTimeMs) * time.Millisecond
		s.Uptime = time.Duration(uptimeSeconds) * time.Second
		s.SourceCounts = make(map[string]uint64, len(sources))
		for i, src := range sources {
			if i < len(counts) {
				s.SourceCounts[src] = uint64(counts[i])
			}
		}

		stats = append(stats, s)
	}

	return stats, rows.Err()
}
