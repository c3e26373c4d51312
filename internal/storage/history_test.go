package storage

import (
	"sync"
	"testing"
	"time"

	"github.com/triage-ai/accesswatch/internal/engine"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type memWriter struct {
	mu     sync.Mutex
	runs   []*RunRecord
	scores []*ScoreRecord
	closed bool
}

func (w *memWriter) WriteRun(r *RunRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.runs = append(w.runs, r)
}

func (w *memWriter) WriteScore(s *ScoreRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scores = append(w.scores, s)
}

func (w *memWriter) Close() { w.closed = true }

var start = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

func doneReport() *engine.RunReport {
	return &engine.RunReport{
		RunID:       "run-1",
		StartedAt:   start,
		FinishedAt:  start.Add(1500 * time.Millisecond),
		WindowStart: start.Add(-180 * 24 * time.Hour),
		State:       engine.StateDone,
		EventCount:  3,
		Features:    []string{"user_email", "hour_of_day"},
		Flagged:     2,
		SeverityCounts: map[engine.Severity]int{
			engine.SeverityCritical: 1,
			engine.SeverityMedium:   1,
		},
		Offset:      -0.52,
		Diagnostics: &engine.Diagnostics{SampleSize: 3, Silhouette: 0.4, DaviesBouldin: 0.9},
	}
}

func TestNewRunRecord(t *testing.T) {
	rec := NewRunRecord(doneReport())

	if rec.Status != "done" || rec.FailedStage != "" {
		t.Errorf("status = %q failed_stage = %q", rec.Status, rec.FailedStage)
	}
	if rec.EventCount != 3 || rec.Flagged != 2 {
		t.Errorf("counts = %d/%d", rec.EventCount, rec.Flagged)
	}
	if rec.CriticalCount != 1 || rec.MediumCount != 1 || rec.HighCount != 0 || rec.LowCount != 0 {
		t.Errorf("severity counts = %+v", rec)
	}
	if rec.DurationMs != 1500 {
		t.Errorf("DurationMs = %v, want 1500", rec.DurationMs)
	}
	if rec.Silhouette != 0.4 || rec.DaviesBouldin != 0.9 {
		t.Errorf("diagnostics not copied: %+v", rec)
	}
}

func TestNewRunRecord_Failed(t *testing.T) {
	report := &engine.RunReport{
		RunID:          "run-2",
		State:          engine.StateFailed,
		FailedStage:    engine.StateTraining,
		Error:          "fit: boom",
		SeverityCounts: map[engine.Severity]int{},
	}
	rec := NewRunRecord(report)
	if rec.Status != "failed" || rec.FailedStage != "training" || rec.Error != "fit: boom" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.Features == nil {
		t.Error("features should be an empty slice, not nil")
	}
}

func TestRecorder_WritesOnlyFlaggedScores(t *testing.T) {
	w := &memWriter{}
	rec := NewRecorder(w)

	events := []engine.AccessEvent{
		{EventID: "a", UserEmail: "ana@corp.test", FileID: "f1", Timestamp: start},
		{EventID: "b", UserEmail: "intruder@external.test", FileID: "f9", Timestamp: start},
		{EventID: "c", UserEmail: "bob@corp.test", FileID: "f2", Timestamp: start},
	}
	scored := []engine.ScoredEvent{
		{EventID: "a", Severity: engine.SeverityLow, AnomalyScore: 0.3},
		{EventID: "b", IsAnomaly: true, Severity: engine.SeverityCritical, AnomalyScore: 0.81},
		{EventID: "c", IsAnomaly: true, Severity: engine.SeverityMedium, AnomalyScore: 0.52},
	}
	rec.RecordRun(doneReport(), events, scored)

	if len(w.runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(w.runs))
	}
	if len(w.scores) != 2 {
		t.Fatalf("scores = %d, want 2", len(w.scores))
	}
	got := w.scores[0]
	if got.EventID != "b" || got.UserEmail != "intruder@external.test" || got.Severity != "CRITICAL" || got.RunID != "run-1" {
		t.Errorf("unexpected score row: %+v", got)
	}
}

func TestRecorder_RunWithoutScores(t *testing.T) {
	w := &memWriter{}
	report := &engine.RunReport{RunID: "r", State: engine.StateInsufficientData, SeverityCounts: map[engine.Severity]int{}}
	NewRecorder(w).RecordRun(report, nil, nil)

	if len(w.runs) != 1 || w.runs[0].Status != "insufficient_data" {
		t.Errorf("runs = %+v", w.runs)
	}
	if len(w.scores) != 0 {
		t.Errorf("scores = %d, want 0", len(w.scores))
	}
}

func TestLogWriter(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	w := NewLogWriter(zap.New(core))

	w.WriteRun(NewRunRecord(doneReport()))
	w.WriteScore(&ScoreRecord{RunID: "run-1", EventID: "b", Severity: "HIGH"})
	w.Close()

	if logs.FilterMessage("detection_run").Len() != 1 {
		t.Error("expected one detection_run log entry")
	}
	entries := logs.FilterMessage("anomaly_score").All()
	if len(entries) != 1 {
		t.Fatalf("expected one anomaly_score log entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["severity"] != "HIGH" {
		t.Errorf("severity field = %v", entries[0].ContextMap()["severity"])
	}
}

func TestClickHouseWriter_DropsWhenBufferFull(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	w := &ClickHouseWriter{
		buffer: make(chan historyItem, 1),
		logger: zap.New(core),
	}

	w.WriteRun(&RunRecord{RunID: "first"})
	w.WriteRun(&RunRecord{RunID: "second"})
	w.WriteScore(&ScoreRecord{RunID: "second", EventID: "e"})

	if got := len(w.buffer); got != 1 {
		t.Errorf("buffer len = %d, want 1", got)
	}
	if logs.Len() != 2 {
		t.Errorf("expected 2 drop warnings, got %d", logs.Len())
	}
}
