package migrations

var InitialSchema = &Migration{
	ID:   "001_initial_schema",
	Name: "001_initial_schema",
	UpSQL: `
	-- Enable TimescaleDB extension
	CREATE EXTENSION IF NOT EXISTS timescaledb;

	-- Real-time labels, one row per device
	CREATE TABLE IF NOT EXISTS labels (
		id TEXT PRIMARY KEY,
		mac_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		latitude DOUBLE PRECISION NOT NULL CHECK (latitude BETWEEN -90 AND 90),
		longitude DOUBLE PRECISION NOT NULL CHECK (longitude BETWEEN -180 AND 180),
		position_time TIMESTAMPTZ NOT NULL,
		last_updated TIMESTAMPTZ NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		meta JSONB NOT NULL DEFAULT '{}'::jsonb
	);

	-- Applied position updates
	CREATE TABLE IF NOT EXISTS position_updates (
		time TIMESTAMPTZ NOT NULL,
		label_id TEXT NOT NULL,
		mac_id TEXT NOT NULL,
		latitude DOUBLE PRECISION NOT NULL,
		longitude DOUBLE PRECISION NOT NULL,
		source TEXT NOT NULL,
		received_at TIMESTAMPTZ NOT NULL,
		meta JSONB NOT NULL DEFAULT '{}'::jsonb
	);

	SELECT create_hypertable('position_updates', 'time', if_not_exists => TRUE);

	CREATE INDEX IF NOT EXISTS idx_position_updates_label_time ON position_updates (label_id, time DESC);

	-- Processing counters sampled by the stats tracker
	CREATE TABLE IF NOT EXISTS system_stats (
		time TIMESTAMPTZ NOT NULL,
		updates_received BIGINT NOT NULL,
		updates_applied BIGINT NOT NULL,
		updates_rejected BIGINT NOT NULL,
		stored_updates BIGINT NOT NULL,
		clock_ticks BIGINT NOT NULL,
		active_labels BIGINT NOT NULL,
		sources TEXT[] NOT NULL,
		source_counts BIGINT[] NOT NULL,
		processing_time_ms BIGINT NOT NULL,
		uptime_seconds BIGINT NOT NULL
	);

	SELECT create_hypertable('system_stats', 'time', if_not_exists => TRUE);
	`,
	DownSQL: `
	DROP TABLE IF EXISTS system_stats;
	DROP TABLE IF EXISTS position_updates;
	DROP TABLE IF EXISTS labels;
	`,
}
