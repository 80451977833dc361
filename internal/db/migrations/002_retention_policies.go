package migrations

var RetentionPolicies = &Migration{
	ID:   "002_retention_policies",
	Name: "002_retention_policies",
	UpSQL: `
	-- Keep position history for 30 days
	SELECT add_retention_policy('position_updates', INTERVAL '30 days');

	-- Keep system stats for 90 days
	SELECT add_retention_policy('system_stats', INTERVAL '90 days');

	-- Daily processing totals
	CREATE MATERIALIZED VIEW IF NOT EXISTS system_stats_daily
	WITH (timescaledb.continuous) AS
	SELECT
		time_bucket('1 day', time) AS day,
		MAX(updates_received) AS updates_received,
		MAX(updates_applied) AS updates_applied,
		MAX(updates_rejected) AS updates_rejected,
		MAX(stored_updates) AS stored_updates,
		MAX(active_labels) AS active_labels
	FROM system_stats
	GROUP BY day
	WITH NO DATA;

	-- Hourly update volume per label
	CREATE MATERIALIZED VIEW IF NOT EXISTS position_updates_hourly
	WITH (timescaledb.continuous) AS
	SELECT
		time_bucket('1 hour', time) AS hour,
		label_id,
		COUNT(*) AS update_count
	FROM position_updates
	GROUP BY hour, label_id
	WITH NO DATA;
	`,
	DownSQL: `
	DROP MATERIALIZED VIEW IF EXISTS position_updates_hourly;
	DROP MATERIALIZED VIEW IF EXISTS system_stats_daily;
	SELECT remove_retention_policy('position_updates');
	SELECT remove_retention_policy('system_stats');
	`,
}
