package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/triage-ai/accesswatch/internal/engine"
)

func TestRecordRun_Done(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	start := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	m.RecordRun(&engine.RunReport{
		StartedAt:     start,
		FinishedAt:    start.Add(2 * time.Second),
		State:         engine.StateDone,
		EventCount:    1050,
		Flagged:       52,
		WriteFailures: 1,
		SeverityCounts: map[engine.Severity]int{
			engine.SeverityCritical: 10,
			engine.SeverityHigh:     12,
			engine.SeverityMedium:   30,
		},
	}, nil, nil)

	if got := testutil.ToFloat64(m.runsTotal.WithLabelValues("done")); got != 1 {
		t.Errorf("runs_total{done} = %v", got)
	}
	if got := testutil.ToFloat64(m.eventsScored); got != 1050 {
		t.Errorf("events_scored_total = %v", got)
	}
	if got := testutil.ToFloat64(m.anomaliesFlagged.WithLabelValues("CRITICAL")); got != 10 {
		t.Errorf("anomalies_flagged_total{CRITICAL} = %v", got)
	}
	if got := testutil.ToFloat64(m.lastRunAnomalies); got != 52 {
		t.Errorf("last_run_anomalies = %v", got)
	}
	if got := testutil.ToFloat64(m.writeFailures); got != 1 {
		t.Errorf("write_failures_total = %v", got)
	}
	if got := testutil.ToFloat64(m.lastRunUnix); got != float64(start.Unix()) {
		t.Errorf("last_run_unix = %v", got)
	}
}

func TestRecordRun_InsufficientDataCountsOnlyRun(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RecordRun(&engine.RunReport{State: engine.StateInsufficientData, EventCount: 12}, nil, nil)

	if got := testutil.ToFloat64(m.runsTotal.WithLabelValues("insufficient_data")); got != 1 {
		t.Errorf("runs_total{insufficient_data} = %v", got)
	}
	if got := testutil.ToFloat64(m.eventsScored); got != 0 {
		t.Errorf("events_scored_total = %v, want 0", got)
	}
}

func TestAlertAndImportCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveAlert("sent")
	m.ObserveAlert("sent")
	m.ObserveAlert("deduplicated")
	m.ObserveImport("report", 3, 1, 2)
	m.ObserveAuthFailure("invalid_key")

	expected := `
# HELP accesswatch_alerting_alerts_total Alert notifications partitioned by result.
# TYPE accesswatch_alerting_alerts_total counter
accesswatch_alerting_alerts_total{result="deduplicated"} 1
accesswatch_alerting_alerts_total{result="sent"} 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "accesswatch_alerting_alerts_total"); err != nil {
		t.Error(err)
	}
	if got := testutil.ToFloat64(m.importedEvents.WithLabelValues("report", "failed")); got != 2 {
		t.Errorf("ingest events_total{failed} = %v", got)
	}
	if got := testutil.ToFloat64(m.authFailuresTotal.WithLabelValues("invalid_key")); got != 1 {
		t.Errorf("auth_failures_total = %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordRun(&engine.RunReport{State: engine.StateDone}, nil, nil)
	m.ObserveAlert("sent")
	m.ObserveImport("report", 1, 0, 0)
	m.ObserveAuthFailure("missing_key")
}
