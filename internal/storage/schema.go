package storage

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS detection_runs (
		run_id         String,
		started_at     DateTime64(3, 'UTC'),
		finished_at    DateTime64(3, 'UTC'),
		window_start   DateTime64(3, 'UTC'),
		status         LowCardinality(String),
		failed_stage   LowCardinality(String),
		event_count    UInt32,
		flagged        UInt32,
		write_failures UInt32,
		low_count      UInt32,
		medium_count   UInt32,
		high_count     UInt32,
		critical_count UInt32,
		decision_offset Float64,
		silhouette     Float64,
		davies_bouldin Float64,
		duration_ms    Float32,
		features       Array(String),
		error          String
	) ENGINE = MergeTree
	ORDER BY (started_at, run_id)
	TTL toDateTime(started_at) + INTERVAL 2 YEAR`,

	`CREATE TABLE IF NOT EXISTS anomaly_scores (
		run_id         String,
		event_id       String,
		event_time     DateTime64(3, 'UTC'),
		scored_at      DateTime64(3, 'UTC'),
		user_email     String,
		source_ip      String,
		file_id        String,
		file_name      String,
		event_type     LowCardinality(String),
		anomaly_score  Float64,
		decision_value Float64,
		severity       LowCardinality(String)
	) ENGINE = MergeTree
	PARTITION BY toYYYYMM(scored_at)
	ORDER BY (scored_at, run_id, event_id)
	TTL toDateTime(scored_at) + INTERVAL 2 YEAR`,
}

// EnsureSchema creates the history tables if they do not exist.
func EnsureSchema(ctx context.Context, conn driver.Conn) error {
	for _, ddl := range schema {
		if err := conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("EnsureSchema: %w", err)
		}
	}
	return nil
}
