package api

import (
	"encoding/json"
	"time"

	"github.com/triage-ai/accesswatch/internal/chread"
	"github.com/triage-ai/accesswatch/internal/engine"
)

// ErrorResp is the body of every non-2xx response.
type ErrorResp struct {
	Detail string `json:"detail"`
}

// --- Events ---

// EventResp is an access event with its derived anomaly state.
type EventResp struct {
	EventID       string          `json:"event_id"`
	UserEmail     string          `json:"user_email"`
	SourceIP      string          `json:"source_ip"`
	Timestamp     time.Time       `json:"timestamp"`
	FileID        string          `json:"file_id"`
	FileName      string          `json:"file_name"`
	EventType     string          `json:"event_type"`
	IsAnomaly     bool            `json:"is_anomaly"`
	AnomalyScore  float64         `json:"anomaly_score"`
	DecisionValue float64         `json:"decision_value"`
	Severity      string          `json:"severity"`
	AlertedAt     *time.Time      `json:"alerted_at"`
	RawDetails    json.RawMessage `json:"raw_details,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// AnomalyListResp is a page of flagged events.
type AnomalyListResp struct {
	Events   []EventResp `json:"events"`
	Total    int         `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

// --- Detection runs ---

// DiagnosticsResp holds the separation indices of a run.
type DiagnosticsResp struct {
	SampleSize    int     `json:"sample_size"`
	Silhouette    float64 `json:"silhouette"`
	DaviesBouldin float64 `json:"davies_bouldin"`
}

// DetectionResp summarises a run report.
type DetectionResp struct {
	RunID         string           `json:"run_id"`
	Status        string           `json:"status"`
	FailedStage   string           `json:"failed_stage,omitempty"`
	StartedAt     time.Time        `json:"started_at"`
	FinishedAt    time.Time        `json:"finished_at"`
	WindowStart   time.Time        `json:"window_start"`
	EventCount    int              `json:"event_count"`
	Flagged       int              `json:"flagged"`
	WriteFailures int              `json:"write_failures"`
	Severity      map[string]int   `json:"severity"`
	Alerts        int              `json:"alerts"`
	Features      []string         `json:"features"`
	Offset        float64          `json:"offset"`
	Diagnostics   *DiagnosticsResp `json:"diagnostics"`
	DurationMs    float64          `json:"duration_ms"`
	Error         string           `json:"error,omitempty"`
}

// RunListResp is a page of historical runs.
type RunListResp struct {
	Runs     []chread.RunRow `json:"runs"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

// RunDetailResp is one historical run with the events it flagged.
type RunDetailResp struct {
	Run    chread.RunRow     `json:"run"`
	Scores []chread.ScoreRow `json:"scores"`
}

// --- Operators ---

// CreateOperatorReq is the JSON body for POST /api/operators.
type CreateOperatorReq struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// UpdateOperatorReq is the JSON body for PATCH /api/operators/{id}.
type UpdateOperatorReq struct {
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty"`
	Role  *string `json:"role,omitempty"`
}

// OperatorResp never carries the key itself.
type OperatorResp struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Role         string    `json:"role"`
	APIKeyPrefix string    `json:"api_key_prefix"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CreateOperatorResp includes the plaintext API key (shown once).
type CreateOperatorResp struct {
	OperatorResp
	APIKey string `json:"api_key"`
}

// RotateKeyResp includes the new plaintext API key (shown once).
type RotateKeyResp struct {
	APIKey       string `json:"api_key"`
	APIKeyPrefix string `json:"api_key_prefix"`
}

func reportToResp(r *engine.RunReport) DetectionResp {
	resp := DetectionResp{
		RunID:         r.RunID,
		Status:        r.State.String(),
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
		WindowStart:   r.WindowStart,
		EventCount:    r.EventCount,
		Flagged:       r.Flagged,
		WriteFailures: r.WriteFailures,
		Severity:      make(map[string]int, len(r.SeverityCounts)),
		Alerts:        len(r.Alerts),
		Features:      r.Features,
		Offset:        r.Offset,
		DurationMs:    float64(r.Duration().Microseconds()) / 1000,
		Error:         r.Error,
	}
	if resp.Features == nil {
		resp.Features = []string{}
	}
	if r.State == engine.StateFailed {
		resp.FailedStage = r.FailedStage.String()
	}
	for sev, n := range r.SeverityCounts {
		resp.Severity[sev.String()] = n
	}
	if r.Diagnostics != nil {
		resp.Diagnostics = &DiagnosticsResp{
			SampleSize:    r.Diagnostics.SampleSize,
			Silhouette:    r.Diagnostics.Silhouette,
			DaviesBouldin: r.Diagnostics.DaviesBouldin,
		}
	}
	return resp
}
