package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Feature column names.
const (
	FeatureUserEmail = "user_email"
	FeatureSourceIP  = "source_ip"
	FeatureEventType = "event_type"
	FeatureFileID    = "file_id"
	FeatureHourOfDay = "hour_of_day"
	FeatureDayOfWeek = "day_of_week"
)

// DefaultFeatures is the full column set in matrix order.
var DefaultFeatures = []string{
	FeatureUserEmail,
	FeatureSourceIP,
	FeatureEventType,
	FeatureFileID,
	FeatureHourOfDay,
	FeatureDayOfWeek,
}

// IsKnownFeature reports whether name is a supported column.
func IsKnownFeature(name string) bool {
	switch name {
	case FeatureUserEmail, FeatureSourceIP, FeatureEventType, FeatureFileID,
		FeatureHourOfDay, FeatureDayOfWeek:
		return true
	}
	return false
}

func isCategorical(name string) bool {
	switch name {
	case FeatureUserEmail, FeatureSourceIP, FeatureEventType, FeatureFileID:
		return true
	}
	return false
}

// FeatureMatrix is the numeric view of a window: one row per event, in input
// order, with a fixed set of columns for the run.
type FeatureMatrix struct {
	Columns []string
	Rows    [][]float64
}

// BuildFeatures derives the configured columns for every event.
//
// Categorical columns are encoded through book. A categorical column whose
// values are all empty is dropped with a warning; if nothing remains the
// call fails with ErrNoFeatures.
func BuildFeatures(ctx context.Context, events []AccessEvent, features []string, book Codebook, logger *zap.Logger) (*FeatureMatrix, error) {
	if len(events) == 0 {
		return nil, &FeatureBuildError{Reason: "empty window", Err: ErrInsufficientData}
	}

	columns := make([]string, 0, len(features))
	values := make([][]float64, 0, len(features))

	for _, name := range features {
		if !IsKnownFeature(name) {
			return nil, &FeatureBuildError{Feature: name, Reason: "unknown feature"}
		}

		if !isCategorical(name) {
			values = append(values, temporalColumn(events, name))
			columns = append(columns, name)
			continue
		}

		raw := categoricalColumn(events, name)
		if allEmpty(raw) {
			logger.Warn("feature column empty, dropping",
				zap.String("feature", name),
				zap.Int("events", len(events)),
			)
			continue
		}

		codes, err := book.Encode(ctx, name, raw)
		if err != nil {
			return nil, &FeatureBuildError{Feature: name, Reason: "encode failed", Err: err}
		}
		values = append(values, codes)
		columns = append(columns, name)
	}

	if len(columns) == 0 {
		return nil, &FeatureBuildError{Reason: "all feature columns dropped", Err: ErrNoFeatures}
	}

	rows := make([][]float64, len(events))
	for i := range events {
		row := make([]float64, len(columns))
		for j := range columns {
			row[j] = values[j][i]
		}
		rows[i] = row
	}

	return &FeatureMatrix{Columns: columns, Rows: rows}, nil
}

func temporalColumn(events []AccessEvent, name string) []float64 {
	out := make([]float64, len(events))
	for i, e := range events {
		ts := e.Timestamp.UTC()
		switch name {
		case FeatureHourOfDay:
			out[i] = float64(ts.Hour())
		case FeatureDayOfWeek:
			// Monday = 0
			out[i] = float64((int(ts.Weekday()) + 6) % 7)
		}
	}
	return out
}

func categoricalColumn(events []AccessEvent, name string) []string {
	out := make([]string, len(events))
	for i, e := range events {
		switch name {
		case FeatureUserEmail:
			out[i] = e.UserEmail
		case FeatureSourceIP:
			out[i] = e.SourceIP
		case FeatureEventType:
			out[i] = e.EventType
		case FeatureFileID:
			out[i] = e.FileID
		}
	}
	return out
}

func allEmpty(values []string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
