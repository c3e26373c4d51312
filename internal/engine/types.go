package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Severity is the ordered risk tier attached to a scored event.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the upper-case tier name stored in Postgres and ClickHouse.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNSPECIFIED"
	}
}

// ParseSeverity is the inverse of Severity.String. Matching is case-insensitive.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return SeverityLow, nil
	case "MEDIUM":
		return SeverityMedium, nil
	case "HIGH":
		return SeverityHigh, nil
	case "CRITICAL":
		return SeverityCritical, nil
	default:
		return 0, fmt.Errorf("unknown severity %q", s)
	}
}

// MarshalJSON encodes the tier by name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// AccessEvent is one Drive audit record as read by the pipeline.
type AccessEvent struct {
	EventID    string          `json:"event_id"`
	UserEmail  string          `json:"user_email"`
	SourceIP   string          `json:"source_ip"`
	Timestamp  time.Time       `json:"timestamp"`
	FileID     string          `json:"file_id"`
	FileName   string          `json:"file_name"`
	EventType  string          `json:"event_type"`
	RawDetails json.RawMessage `json:"raw_details,omitempty"` // forensic only, never a feature
}

// ScoredEvent is the derived state written back onto an AccessEvent.
type ScoredEvent struct {
	EventID       string   `json:"event_id"`
	IsAnomaly     bool     `json:"is_anomaly"`
	AnomalyScore  float64  `json:"anomaly_score"`
	DecisionValue float64  `json:"decision_value"`
	Severity      Severity `json:"severity"`
}

// ScoredAlert pairs a persisted HIGH or CRITICAL result with its source event
// so a notifier can act on it without re-reading the store.
type ScoredAlert struct {
	Event AccessEvent `json:"event"`
	Score ScoredEvent `json:"score"`
}

// RunState tracks where a detection run stopped.
type RunState int

const (
	StateIdle RunState = iota
	StateLoadingWindow
	StateBuildingFeatures
	StateTraining
	StateScoring
	StateClassifying
	StatePersisting
	StateDone
	StateInsufficientData
	StateFailed
)

// String returns the snake_case state name.
func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoadingWindow:
		return "loading_window"
	case StateBuildingFeatures:
		return "building_features"
	case StateTraining:
		return "training"
	case StateScoring:
		return "scoring"
	case StateClassifying:
		return "classifying"
	case StatePersisting:
		return "persisting"
	case StateDone:
		return "done"
	case StateInsufficientData:
		return "insufficient_data"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RunReport summarises one pass of the detection pipeline.
type RunReport struct {
	RunID          string
	StartedAt      time.Time
	FinishedAt     time.Time
	WindowStart    time.Time
	State          RunState
	FailedStage    RunState // set when State == StateFailed
	EventCount     int
	Features       []string
	Flagged        int // confirmed anomalous writes
	WriteFailures  int
	SeverityCounts map[Severity]int
	Offset         float64
	Diagnostics    *Diagnostics
	Alerts         []ScoredAlert
	Error          string
}

// Duration is the wall time of the run.
func (r *RunReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
