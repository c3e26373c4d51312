package chread

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Reader provides read access to the ClickHouse detection history tables.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}

	return &Reader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// RunRow represents a single row from the detection_runs table.
type RunRow struct {
	RunID         string    `json:"run_id"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	WindowStart   time.Time `json:"window_start"`
	Status        string    `json:"status"`
	FailedStage   string    `json:"failed_stage,omitempty"`
	EventCount    uint32    `json:"event_count"`
	Flagged       uint32    `json:"flagged"`
	WriteFailures uint32    `json:"write_failures"`
	LowCount      uint32    `json:"low"`
	MediumCount   uint32    `json:"medium"`
	HighCount     uint32    `json:"high"`
	CriticalCount uint32    `json:"critical"`
	Offset        float64   `json:"offset"`
	Silhouette    float64   `json:"silhouette"`
	DaviesBouldin float64   `json:"davies_bouldin"`
	DurationMs    float32   `json:"duration_ms"`
	Features      []string  `json:"features"`
	Error         string    `json:"error,omitempty"`
}

// ScoreRow represents a single row from the anomaly_scores table.
type ScoreRow struct {
	RunID         string    `json:"run_id"`
	EventID       string    `json:"event_id"`
	EventTime     time.Time `json:"event_time"`
	UserEmail     string    `json:"user_email"`
	SourceIP      string    `json:"source_ip"`
	FileID        string    `json:"file_id"`
	FileName      string    `json:"file_name"`
	EventType     string    `json:"event_type"`
	AnomalyScore  float64   `json:"anomaly_score"`
	DecisionValue float64   `json:"decision_value"`
	Severity      string    `json:"severity"`
}

// ListRunsParams holds filters and pagination for run listing.
type ListRunsParams struct {
	Status    *string
	StartTime *time.Time
	EndTime   *time.Time
	Page      int
	PageSize  int
}

const runColumns = "run_id, started_at, finished_at, window_start, status, failed_stage, " +
	"event_count, flagged, write_failures, low_count, medium_count, high_count, critical_count, " +
	"decision_offset, silhouette, davies_bouldin, duration_ms, features, error"

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRow, error) {
	var run RunRow
	err := row.Scan(
		&run.RunID, &run.StartedAt, &run.FinishedAt, &run.WindowStart, &run.Status, &run.FailedStage,
		&run.EventCount, &run.Flagged, &run.WriteFailures,
		&run.LowCount, &run.MediumCount, &run.HighCount, &run.CriticalCount,
		&run.Offset, &run.Silhouette, &run.DaviesBouldin, &run.DurationMs, &run.Features, &run.Error,
	)
	return run, err
}

// ListRuns returns paginated detection runs, newest first, and the total count.
func (r *Reader) ListRuns(ctx context.Context, params ListRunsParams) ([]RunRow, int, error) {
	conditions := []string{"1 = 1"}
	var args []any

	if params.Status != nil {
		conditions = append(conditions, "status = @status")
		args = append(args, clickhouse.Named("status", *params.Status))
	}
	if params.StartTime != nil {
		conditions = append(conditions, "started_at >= @start_time")
		args = append(args, clickhouse.Named("start_time", *params.StartTime))
	}
	if params.EndTime != nil {
		conditions = append(conditions, "started_at <= @end_time")
		args = append(args, clickhouse.Named("end_time", *params.EndTime))
	}

	where := strings.Join(conditions, " AND ")
	offset := (params.Page - 1) * params.PageSize

	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM detection_runs WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListRuns count: %w", err)
	}

	dataQuery := fmt.Sprintf(
		"SELECT %s FROM detection_runs WHERE %s ORDER BY started_at DESC LIMIT @limit OFFSET @offset",
		runColumns, where,
	)
	args = append(args,
		clickhouse.Named("limit", uint32(params.PageSize)),
		clickhouse.Named("offset", uint32(offset)),
	)

	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListRuns query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []RunRow
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("ListRuns scan: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, int(total), rows.Err()
}

// GetRun returns a single run by ID, or nil if not found.
func (r *Reader) GetRun(ctx context.Context, runID string) (*RunRow, error) {
	rows, err := r.conn.Query(ctx,
		"SELECT "+runColumns+" FROM detection_runs WHERE run_id = @run_id LIMIT 1",
		clickhouse.Named("run_id", runID),
	)
	if err != nil {
		return nil, fmt.Errorf("GetRun: %w", err)
	}
	defer func() { _ = rows.Close() }()

	// ClickHouse doesn't return sql.ErrNoRows; an empty result is a miss.
	if !rows.Next() {
		return nil, rows.Err()
	}
	run, err := scanRun(rows)
	if err != nil {
		return nil, fmt.Errorf("GetRun scan: %w", err)
	}
	return &run, nil
}

// GetRunScores returns the flagged events recorded for a run, highest score first.
func (r *Reader) GetRunScores(ctx context.Context, runID string, limit int) ([]ScoreRow, error) {
	rows, err := r.conn.Query(ctx,
		"SELECT run_id, event_id, event_time, user_email, source_ip, file_id, file_name, event_type, "+
			"anomaly_score, decision_value, severity "+
			"FROM anomaly_scores WHERE run_id = @run_id "+
			"ORDER BY anomaly_score DESC LIMIT @limit",
		clickhouse.Named("run_id", runID),
		clickhouse.Named("limit", uint32(limit)),
	)
	if err != nil {
		return nil, fmt.Errorf("GetRunScores: %w", err)
	}
	defer func() { _ = rows.Close() }()

	scores := []ScoreRow{}
	for rows.Next() {
		var s ScoreRow
		if err := rows.Scan(&s.RunID, &s.EventID, &s.EventTime, &s.UserEmail, &s.SourceIP,
			&s.FileID, &s.FileName, &s.EventType, &s.AnomalyScore, &s.DecisionValue, &s.Severity); err != nil {
			return nil, fmt.Errorf("GetRunScores scan: %w", err)
		}
		scores = append(scores, s)
	}
	return scores, rows.Err()
}

// safeFloat replaces NaN/Inf with 0.0.
// ClickHouse returns NaN for quantile() on empty result sets.
func safeFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0.0
	}
	return f
}
