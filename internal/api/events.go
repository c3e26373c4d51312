package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/triage-ai/accesswatch/internal/engine"
	"github.com/triage-ai/accesswatch/internal/store"
	"go.uber.org/zap"
)

func (d *Dependencies) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, size := pageParams(q, 50, 200)
	params := store.ListAnomaliesParams{Page: page, PageSize: size}

	if v := q.Get("severity"); v != "" {
		sev, err := engine.ParseSeverity(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "severity must be one of LOW, MEDIUM, HIGH, CRITICAL"})
			return
		}
		s := sev.String()
		params.Severity = &s
	}
	if v := strings.TrimSpace(q.Get("user_email")); v != "" {
		params.UserEmail = &v
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "since must be an RFC 3339 timestamp"})
			return
		}
		params.Since = &t
	}

	records, total, err := d.Events.ListAnomalies(r.Context(), params)
	if err != nil {
		d.Logger.Error("failed to list anomalies", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list anomalies"})
		return
	}

	resp := AnomalyListResp{
		Events:   make([]EventResp, 0, len(records)),
		Total:    total,
		Page:     params.Page,
		PageSize: params.PageSize,
	}
	for _, rec := range records {
		resp.Events = append(resp.Events, eventToResp(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	rec, err := d.Events.GetEvent(r.Context(), r.PathValue("event_id"))
	if err != nil {
		d.Logger.Error("failed to get event", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get event"})
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Event not found."})
		return
	}
	writeJSON(w, http.StatusOK, eventToResp(rec))
}

func eventToResp(rec *store.EventRecord) EventResp {
	return EventResp{
		EventID:       rec.EventID,
		UserEmail:     rec.UserEmail,
		SourceIP:      rec.SourceIP,
		Timestamp:     rec.Timestamp,
		FileID:        rec.FileID,
		FileName:      rec.FileName,
		EventType:     rec.EventType,
		IsAnomaly:     rec.IsAnomaly,
		AnomalyScore:  rec.AnomalyScore,
		DecisionValue: rec.DecisionValue,
		Severity:      rec.Severity,
		AlertedAt:     rec.AlertedAt,
		RawDetails:    rec.RawDetails,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
}
