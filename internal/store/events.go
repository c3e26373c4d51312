package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/triage-ai/accesswatch/internal/engine"
)

// ErrEventNotFound is returned by writes keyed on an unknown event_id.
var ErrEventNotFound = errors.New("event not found")

// EventRecord is a row of access_events: the raw event plus derived state.
type EventRecord struct {
	engine.AccessEvent
	IsAnomaly     bool
	AnomalyScore  float64
	DecisionValue float64
	Severity      string
	AlertedAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ListAnomaliesParams holds filters and pagination for anomaly listing.
type ListAnomaliesParams struct {
	Severity  *string
	UserEmail *string
	Since     *time.Time
	Page      int
	PageSize  int
}

const eventColumns = `event_id, user_email, source_ip, timestamp, file_id, file_name, event_type,
	COALESCE(raw_details, 'null'::jsonb), is_anomaly, anomaly_score, decision_value, severity,
	alerted_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*EventRecord, error) {
	var r EventRecord
	var raw []byte
	var alerted sql.NullTime
	if err := row.Scan(&r.EventID, &r.UserEmail, &r.SourceIP, &r.Timestamp, &r.FileID,
		&r.FileName, &r.EventType, &raw, &r.IsAnomaly, &r.AnomalyScore, &r.DecisionValue,
		&r.Severity, &alerted, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if len(raw) > 0 && string(raw) != "null" {
		r.RawDetails = json.RawMessage(raw)
	}
	if alerted.Valid {
		t := alerted.Time
		r.AlertedAt = &t
	}
	r.Timestamp = r.Timestamp.UTC()
	return &r, nil
}

// ListWindow returns every event with timestamp >= since, oldest first.
func (s *Store) ListWindow(ctx context.Context, since time.Time) ([]engine.AccessEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, user_email, source_ip, timestamp, file_id, file_name, event_type,
		       COALESCE(raw_details, 'null'::jsonb)
		FROM access_events
		WHERE timestamp >= $1
		ORDER BY timestamp, event_id`, since)
	if err != nil {
		return nil, fmt.Errorf("ListWindow: %w", err)
	}
	defer rows.Close()

	var events []engine.AccessEvent
	for rows.Next() {
		var e engine.AccessEvent
		var raw []byte
		if err := rows.Scan(&e.EventID, &e.UserEmail, &e.SourceIP, &e.Timestamp,
			&e.FileID, &e.FileName, &e.EventType, &raw); err != nil {
			return nil, fmt.Errorf("ListWindow: %w", err)
		}
		if len(raw) > 0 && string(raw) != "null" {
			e.RawDetails = json.RawMessage(raw)
		}
		e.Timestamp = e.Timestamp.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// ResetWindow clears anomaly state for every event with timestamp >= since.
func (s *Store) ResetWindow(ctx context.Context, since time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE access_events SET
			is_anomaly     = FALSE,
			anomaly_score  = 0,
			decision_value = 0,
			severity       = 'LOW',
			updated_at     = now()
		WHERE timestamp >= $1`, since)
	if err != nil {
		return 0, fmt.Errorf("ResetWindow: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// WriteScore stores the derived fields for one event.
func (s *Store) WriteScore(ctx context.Context, sc engine.ScoredEvent) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE access_events SET
			is_anomaly     = $2,
			anomaly_score  = $3,
			decision_value = $4,
			severity       = $5,
			updated_at     = now()
		WHERE event_id = $1`,
		sc.EventID, sc.IsAnomaly, sc.AnomalyScore, sc.DecisionValue, sc.Severity.String(),
	)
	if err != nil {
		return fmt.Errorf("WriteScore: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("WriteScore: %s: %w", sc.EventID, ErrEventNotFound)
	}
	return nil
}

// UpsertEvent inserts an event or refreshes its descriptive fields. Derived
// anomaly state is never touched. Returns true when the row was created.
func (s *Store) UpsertEvent(ctx context.Context, e engine.AccessEvent) (bool, error) {
	var inserted bool
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO access_events (event_id, user_email, source_ip, timestamp, file_id, file_name, event_type, raw_details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO UPDATE SET
			user_email  = EXCLUDED.user_email,
			source_ip   = EXCLUDED.source_ip,
			timestamp   = EXCLUDED.timestamp,
			file_id     = EXCLUDED.file_id,
			file_name   = EXCLUDED.file_name,
			event_type  = EXCLUDED.event_type,
			raw_details = COALESCE(EXCLUDED.raw_details, access_events.raw_details),
			updated_at  = now()
		RETURNING (xmax = 0)`,
		e.EventID, e.UserEmail, e.SourceIP, e.Timestamp.UTC(), e.FileID, e.FileName, e.EventType,
		nullableRaw(e.RawDetails),
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("UpsertEvent: %w", err)
	}
	return inserted, nil
}

// GetEvent returns one event, or nil if not found.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*EventRecord, error) {
	r, err := scanEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM access_events WHERE event_id = $1`, eventID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetEvent: %w", err)
	}
	return r, nil
}

// ListAnomalies returns flagged events, newest first, and the total count.
func (s *Store) ListAnomalies(ctx context.Context, params ListAnomaliesParams) ([]*EventRecord, int, error) {
	conditions := []string{"is_anomaly = TRUE"}
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}
	if params.Severity != nil {
		add("severity = $%d", *params.Severity)
	}
	if params.UserEmail != nil {
		add("user_email = $%d", *params.UserEmail)
	}
	if params.Since != nil {
		add("timestamp >= $%d", *params.Since)
	}
	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT count(*) FROM access_events WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListAnomalies count: %w", err)
	}

	pageArgs := append(args, params.PageSize, (params.Page-1)*params.PageSize)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s FROM access_events WHERE %s ORDER BY anomaly_score DESC, timestamp DESC LIMIT $%d OFFSET $%d",
		eventColumns, where, len(args)+1, len(args)+2,
	), pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListAnomalies query: %w", err)
	}
	defer rows.Close()

	var out []*EventRecord
	for rows.Next() {
		r, err := scanEvent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("ListAnomalies scan: %w", err)
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// MarkAlerted records when a notification went out for an event.
func (s *Store) MarkAlerted(ctx context.Context, eventID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE access_events SET alerted_at = $2, updated_at = now() WHERE event_id = $1`,
		eventID, at.UTC())
	if err != nil {
		return fmt.Errorf("MarkAlerted: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("MarkAlerted: %s: %w", eventID, ErrEventNotFound)
	}
	return nil
}

// nullableRaw returns nil (SQL NULL) if the raw message is empty.
func nullableRaw(v json.RawMessage) interface{} {
	if len(v) == 0 {
		return nil
	}
	return []byte(v)
}
