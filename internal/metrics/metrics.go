// Package metrics exposes Prometheus instruments for detection runs, alert
// delivery and imports. Every method is safe on a nil *Metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/triage-ai/accesswatch/internal/engine"
)

const namespace = "accesswatch"

type Metrics struct {
	runsTotal         *prometheus.CounterVec
	eventsScored      prometheus.Counter
	anomaliesFlagged  *prometheus.CounterVec
	writeFailures     prometheus.Counter
	runDuration       prometheus.Histogram
	lastRunUnix       prometheus.Gauge
	lastRunAnomalies  prometheus.Gauge
	alertsTotal       *prometheus.CounterVec
	importedEvents    *prometheus.CounterVec
	authFailuresTotal *prometheus.CounterVec
}

// New registers the instruments with reg. Pass prometheus.DefaultRegisterer
// in binaries and a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "detection",
				Name:      "runs_total",
				Help:      "Total detection runs partitioned by final state.",
			},
			[]string{"state"},
		),
		eventsScored: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "detection",
				Name:      "events_scored_total",
				Help:      "Total events scored by completed runs.",
			},
		),
		anomaliesFlagged: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "detection",
				Name:      "anomalies_flagged_total",
				Help:      "Total confirmed anomalous writes by severity.",
			},
			[]string{"severity"},
		),
		writeFailures: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "detection",
				Name:      "write_failures_total",
				Help:      "Total per-event score writes that failed.",
			},
		),
		runDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "detection",
				Name:      "run_duration_seconds",
				Help:      "Wall time of detection runs.",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 900},
			},
		),
		lastRunUnix: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "detection",
				Name:      "last_run_unix",
				Help:      "Unix time of the most recent detection run.",
			},
		),
		lastRunAnomalies: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "detection",
				Name:      "last_run_anomalies",
				Help:      "Anomalies flagged by the most recent detection run.",
			},
		),
		alertsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerting",
				Name:      "alerts_total",
				Help:      "Alert notifications partitioned by result.",
			},
			[]string{"result"},
		),
		importedEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "events_total",
				Help:      "Imported events partitioned by source and result.",
			},
			[]string{"source", "result"},
		),
		authFailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "auth_failures_total",
				Help:      "Rejected API requests partitioned by reason.",
			},
			[]string{"reason"},
		),
	}
}

// RecordRun implements engine.Recorder.
func (m *Metrics) RecordRun(report *engine.RunReport, _ []engine.AccessEvent, _ []engine.ScoredEvent) {
	if m == nil || report == nil {
		return
	}
	m.runsTotal.WithLabelValues(report.State.String()).Inc()
	m.lastRunUnix.Set(float64(report.StartedAt.Unix()))
	m.runDuration.Observe(report.Duration().Seconds())
	if report.State != engine.StateDone {
		return
	}
	m.eventsScored.Add(float64(report.EventCount))
	m.lastRunAnomalies.Set(float64(report.Flagged))
	for sev, n := range report.SeverityCounts {
		m.anomaliesFlagged.WithLabelValues(sev.String()).Add(float64(n))
	}
	if report.WriteFailures > 0 {
		m.writeFailures.Add(float64(report.WriteFailures))
	}
}

// ObserveAlert counts one notification outcome: "sent", "skipped",
// "deduplicated" or "failed".
func (m *Metrics) ObserveAlert(result string) {
	if m == nil {
		return
	}
	m.alertsTotal.WithLabelValues(result).Inc()
}

// ObserveImport counts the outcome of an import batch.
func (m *Metrics) ObserveImport(source string, created, updated, failed int) {
	if m == nil {
		return
	}
	m.importedEvents.WithLabelValues(source, "created").Add(float64(created))
	m.importedEvents.WithLabelValues(source, "updated").Add(float64(updated))
	m.importedEvents.WithLabelValues(source, "failed").Add(float64(failed))
}

// ObserveAuthFailure counts a rejected API request.
func (m *Metrics) ObserveAuthFailure(reason string) {
	if m == nil {
		return
	}
	m.authFailuresTotal.WithLabelValues(reason).Inc()
}
