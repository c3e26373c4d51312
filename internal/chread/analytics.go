package chread

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// SummaryStats holds aggregate counts over the range.
type SummaryStats struct {
	Runs       int `json:"runs"`
	FailedRuns int `json:"failed_runs"`
	Anomalies  int `json:"anomalies"`
	Users      int `json:"users"`
	Files      int `json:"files"`
}

// DayBucket holds a daily anomaly count.
type DayBucket struct {
	Day   string `json:"day"`
	Count int    `json:"count"`
}

// SeverityCount holds a severity tier and its count.
type SeverityCount struct {
	Severity string `json:"severity"`
	Count    int    `json:"count"`
}

// UserCount holds a user email and its anomaly count.
type UserCount struct {
	UserEmail string `json:"user_email"`
	Count     int    `json:"count"`
}

// FileCount holds a file and its anomaly count.
type FileCount struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	Count    int    `json:"count"`
}

// ScoreStats holds anomaly score percentiles.
type ScoreStats struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	Max float64 `json:"max"`
}

// AnalyticsResult holds all analytics aggregations.
type AnalyticsResult struct {
	Summary           SummaryStats    `json:"summary"`
	AnomaliesPerDay   []DayBucket     `json:"anomalies_per_day"`
	SeverityBreakdown []SeverityCount `json:"severity_breakdown"`
	TopUsers          []UserCount     `json:"top_users"`
	TopFiles          []FileCount     `json:"top_files"`
	ScorePercentiles  ScoreStats      `json:"score_percentiles"`
}

// GetAnalytics returns aggregated detection history over the given number of days.
func (r *Reader) GetAnalytics(ctx context.Context, days int) (*AnalyticsResult, error) {
	rangeStart := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	arg := clickhouse.Named("range_start", rangeStart)

	result := &AnalyticsResult{}

	// Summary
	var runs, failed uint64
	err := r.conn.QueryRow(ctx,
		"SELECT count() as runs, countIf(status = 'failed') as failed "+
			"FROM detection_runs WHERE started_at >= @range_start",
		arg,
	).Scan(&runs, &failed)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics summary: %w", err)
	}
	var anomalies, users, files uint64
	err = r.conn.QueryRow(ctx,
		"SELECT count() as anomalies, uniqExact(user_email) as users, uniqExact(file_id) as files "+
			"FROM anomaly_scores WHERE scored_at >= @range_start",
		arg,
	).Scan(&anomalies, &users, &files)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics summary scores: %w", err)
	}
	result.Summary = SummaryStats{
		Runs:       int(runs),
		FailedRuns: int(failed),
		Anomalies:  int(anomalies),
		Users:      int(users),
		Files:      int(files),
	}

	// Anomalies per day, by the day the access happened
	dayRows, err := r.conn.Query(ctx,
		"SELECT toStartOfDay(event_time) as day, uniqExact(event_id) as count "+
			"FROM anomaly_scores WHERE scored_at >= @range_start "+
			"GROUP BY day ORDER BY day",
		arg,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics anomalies_per_day: %w", err)
	}
	defer func() { _ = dayRows.Close() }()
	for dayRows.Next() {
		var day time.Time
		var count uint64
		if err := dayRows.Scan(&day, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics anomalies_per_day scan: %w", err)
		}
		result.AnomaliesPerDay = append(result.AnomaliesPerDay, DayBucket{
			Day:   day.Format("2006-01-02"),
			Count: int(count),
		})
	}

	// Severity breakdown
	sevRows, err := r.conn.Query(ctx,
		"SELECT severity, count() as count "+
			"FROM anomaly_scores WHERE scored_at >= @range_start "+
			"GROUP BY severity ORDER BY count DESC",
		arg,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics severity: %w", err)
	}
	defer func() { _ = sevRows.Close() }()
	for sevRows.Next() {
		var sev string
		var count uint64
		if err := sevRows.Scan(&sev, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics severity scan: %w", err)
		}
		result.SeverityBreakdown = append(result.SeverityBreakdown, SeverityCount{Severity: sev, Count: int(count)})
	}

	// Top users
	userRows, err := r.conn.Query(ctx,
		"SELECT user_email, uniqExact(event_id) as count "+
			"FROM anomaly_scores WHERE scored_at >= @range_start AND user_email != '' "+
			"GROUP BY user_email ORDER BY count DESC LIMIT 10",
		arg,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics top_users: %w", err)
	}
	defer func() { _ = userRows.Close() }()
	for userRows.Next() {
		var email string
		var count uint64
		if err := userRows.Scan(&email, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics top_users scan: %w", err)
		}
		result.TopUsers = append(result.TopUsers, UserCount{UserEmail: email, Count: int(count)})
	}

	// Top files
	fileRows, err := r.conn.Query(ctx,
		"SELECT file_id, any(file_name) as file_name, uniqExact(event_id) as count "+
			"FROM anomaly_scores WHERE scored_at >= @range_start "+
			"GROUP BY file_id ORDER BY count DESC LIMIT 10",
		arg,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics top_files: %w", err)
	}
	defer func() { _ = fileRows.Close() }()
	for fileRows.Next() {
		var f FileCount
		var count uint64
		if err := fileRows.Scan(&f.FileID, &f.FileName, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics top_files scan: %w", err)
		}
		f.Count = int(count)
		result.TopFiles = append(result.TopFiles, f)
	}

	// Score percentiles
	var p50, p95, maxScore float64
	err = r.conn.QueryRow(ctx,
		"SELECT quantile(0.5)(anomaly_score) as p50, "+
			"quantile(0.95)(anomaly_score) as p95, "+
			"max(anomaly_score) as max_score "+
			"FROM anomaly_scores WHERE scored_at >= @range_start",
		arg,
	).Scan(&p50, &p95, &maxScore)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics score_percentiles: %w", err)
	}
	result.ScorePercentiles = ScoreStats{P50: safeFloat(p50), P95: safeFloat(p95), Max: safeFloat(maxScore)}

	// Ensure slices are non-nil for JSON serialization
	if result.AnomaliesPerDay == nil {
		result.AnomaliesPerDay = []DayBucket{}
	}
	if result.SeverityBreakdown == nil {
		result.SeverityBreakdown = []SeverityCount{}
	}
	if result.TopUsers == nil {
		result.TopUsers = []UserCount{}
	}
	if result.TopFiles == nil {
		result.TopFiles = []FileCount{}
	}

	return result, nil
}
