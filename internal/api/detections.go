package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/triage-ai/accesswatch/internal/chread"
	"github.com/triage-ai/accesswatch/internal/engine"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// handleTriggerDetection runs the pipeline synchronously. The run outlives a
// disconnected client and is bounded by RunTimeout instead.
func (d *Dependencies) handleTriggerDetection(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	if d.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.RunTimeout)
		defer cancel()
	}

	if p := principalFromContext(r.Context()); p != nil {
		d.Logger.Info("detection triggered", zap.String("operator_id", p.OperatorID))
	}

	report, err := d.Runner.Run(ctx)
	if errors.Is(err, engine.ErrRunInProgress) {
		writeJSON(w, http.StatusConflict, ErrorResp{Detail: "A detection run is already in progress"})
		return
	}
	if report == nil {
		d.Logger.Error("detection run failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Detection run failed"})
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("run_id", report.RunID),
		attribute.String("run_state", report.State.String()),
	)
	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, reportToResp(report))
}

func (d *Dependencies) handleLatestDetection(w http.ResponseWriter, _ *http.Request) {
	report := d.Runner.LastReport()
	if report == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "No detection run since startup."})
		return
	}
	writeJSON(w, http.StatusOK, reportToResp(report))
}

func (d *Dependencies) handleListDetections(w http.ResponseWriter, r *http.Request) {
	if d.History == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	q := r.URL.Query()
	page, size := pageParams(q, 20, 100)
	params := chread.ListRunsParams{Page: page, PageSize: size}
	if v := q.Get("status"); v != "" {
		params.Status = &v
	}
	if v := q.Get("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.StartTime = &t
		}
	}
	if v := q.Get("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.EndTime = &t
		}
	}

	runs, total, err := d.History.ListRuns(r.Context(), params)
	if err != nil {
		d.Logger.Error("failed to list runs", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list detection runs"})
		return
	}
	if runs == nil {
		runs = []chread.RunRow{}
	}
	writeJSON(w, http.StatusOK, RunListResp{Runs: runs, Total: total, Page: page, PageSize: size})
}

func (d *Dependencies) handleGetDetection(w http.ResponseWriter, r *http.Request) {
	if d.History == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	runID := r.PathValue("run_id")
	run, err := d.History.GetRun(r.Context(), runID)
	if err != nil {
		d.Logger.Error("failed to get run", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get detection run"})
		return
	}
	if run == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Detection run not found."})
		return
	}

	limit := min(max(queryInt(r.URL.Query(), "limit", 100), 1), 1000)
	scores, err := d.History.GetRunScores(r.Context(), runID, limit)
	if err != nil {
		d.Logger.Error("failed to get run scores", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get detection run"})
		return
	}
	if scores == nil {
		scores = []chread.ScoreRow{}
	}
	writeJSON(w, http.StatusOK, RunDetailResp{Run: *run, Scores: scores})
}

func (d *Dependencies) handleGetAnalytics(w http.ResponseWriter, r *http.Request) {
	if d.History == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	days := min(max(queryInt(r.URL.Query(), "days", 7), 1), 90)
	result, err := d.History.GetAnalytics(r.Context(), days)
	if err != nil {
		d.Logger.Error("failed to get analytics", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get analytics"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}
