package storage

import (
	"time"

	"github.com/triage-ai/accesswatch/internal/engine"
)

// HistoryWriter is the interface for writing detection history.
// Writes must NEVER block the caller.
type HistoryWriter interface {
	WriteRun(run *RunRecord)
	WriteScore(score *ScoreRecord)
	Close()
}

// RunRecord is one detection_runs row.
type RunRecord struct {
	RunID         string
	StartedAt     time.Time
	FinishedAt    time.Time
	WindowStart   time.Time
	Status        string
	FailedStage   string
	EventCount    uint32
	Flagged       uint32
	WriteFailures uint32
	LowCount      uint32
	MediumCount   uint32
	HighCount     uint32
	CriticalCount uint32
	Offset        float64
	Silhouette    float64
	DaviesBouldin float64
	DurationMs    float32
	Features      []string
	Error         string
}

// ScoreRecord is one anomaly_scores row: a flagged event as scored by a run.
type ScoreRecord struct {
	RunID         string
	EventID       string
	EventTime     time.Time
	ScoredAt      time.Time
	UserEmail     string
	SourceIP      string
	FileID        string
	FileName      string
	EventType     string
	AnomalyScore  float64
	DecisionValue float64
	Severity      string
}

// NewRunRecord flattens a run report into its history row.
func NewRunRecord(report *engine.RunReport) *RunRecord {
	rec := &RunRecord{
		RunID:         report.RunID,
		StartedAt:     report.StartedAt,
		FinishedAt:    report.FinishedAt,
		WindowStart:   report.WindowStart,
		Status:        report.State.String(),
		EventCount:    uint32(report.EventCount),
		Flagged:       uint32(report.Flagged),
		WriteFailures: uint32(report.WriteFailures),
		LowCount:      uint32(report.SeverityCounts[engine.SeverityLow]),
		MediumCount:   uint32(report.SeverityCounts[engine.SeverityMedium]),
		HighCount:     uint32(report.SeverityCounts[engine.SeverityHigh]),
		CriticalCount: uint32(report.SeverityCounts[engine.SeverityCritical]),
		Offset:        report.Offset,
		DurationMs:    float32(report.Duration().Microseconds()) / 1000,
		Features:      report.Features,
		Error:         report.Error,
	}
	if report.State == engine.StateFailed {
		rec.FailedStage = report.FailedStage.String()
	}
	if report.Diagnostics != nil {
		rec.Silhouette = report.Diagnostics.Silhouette
		rec.DaviesBouldin = report.Diagnostics.DaviesBouldin
	}
	if rec.Features == nil {
		rec.Features = []string{}
	}
	return rec
}

// Recorder adapts a HistoryWriter to engine.Recorder. Every run is recorded;
// only events the model flagged get a score row.
type Recorder struct {
	w HistoryWriter
}

// NewRecorder returns a Recorder writing to w.
func NewRecorder(w HistoryWriter) *Recorder {
	return &Recorder{w: w}
}

// RecordRun implements engine.Recorder.
func (r *Recorder) RecordRun(report *engine.RunReport, events []engine.AccessEvent, scored []engine.ScoredEvent) {
	r.w.WriteRun(NewRunRecord(report))

	for i, s := range scored {
		if !s.IsAnomaly || i >= len(events) {
			continue
		}
		e := events[i]
		r.w.WriteScore(&ScoreRecord{
			RunID:         report.RunID,
			EventID:       s.EventID,
			EventTime:     e.Timestamp,
			ScoredAt:      report.FinishedAt,
			UserEmail:     e.UserEmail,
			SourceIP:      e.SourceIP,
			FileID:        e.FileID,
			FileName:      e.FileName,
			EventType:     e.EventType,
			AnomalyScore:  s.AnomalyScore,
			DecisionValue: s.DecisionValue,
			Severity:      s.Severity.String(),
		})
	}
}
