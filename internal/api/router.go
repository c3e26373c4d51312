// Package api serves the accesswatch dashboard API.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/triage-ai/accesswatch/internal/auth"
	"github.com/triage-ai/accesswatch/internal/chread"
	"github.com/triage-ai/accesswatch/internal/engine"
	"github.com/triage-ai/accesswatch/internal/ingest"
	"github.com/triage-ai/accesswatch/internal/metrics"
	"github.com/triage-ai/accesswatch/internal/store"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// EventRepository reads stored access events.
type EventRepository interface {
	GetEvent(ctx context.Context, eventID string) (*store.EventRecord, error)
	ListAnomalies(ctx context.Context, params store.ListAnomaliesParams) ([]*store.EventRecord, int, error)
}

// OperatorRepository manages API operators.
type OperatorRepository interface {
	CreateOperator(ctx context.Context, name, email, role string) (*store.Operator, string, error)
	ListOperators(ctx context.Context) ([]*store.Operator, error)
	GetOperator(ctx context.Context, id string) (*store.Operator, error)
	UpdateOperator(ctx context.Context, id string, params store.UpdateOperatorParams) (*store.Operator, error)
	DeleteOperator(ctx context.Context, id string) error
	RotateAPIKey(ctx context.Context, id string) (*store.Operator, string, error)
}

// DetectionRunner triggers detection runs. Satisfied by *engine.Runner.
type DetectionRunner interface {
	Run(ctx context.Context) (*engine.RunReport, error)
	LastReport() *engine.RunReport
}

// HistoryReader queries run history. Satisfied by *chread.Reader.
type HistoryReader interface {
	ListRuns(ctx context.Context, params chread.ListRunsParams) ([]chread.RunRow, int, error)
	GetRun(ctx context.Context, runID string) (*chread.RunRow, error)
	GetRunScores(ctx context.Context, runID string, limit int) ([]chread.ScoreRow, error)
	GetAnalytics(ctx context.Context, days int) (*chread.AnalyticsResult, error)
}

// KeyRevoker drops cached credentials of an operator.
type KeyRevoker interface {
	Forget(operatorID string)
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Events    EventRepository
	Operators OperatorRepository
	Runner    DetectionRunner
	History   HistoryReader // nil if ClickHouse unavailable
	Importer  *ingest.Importer
	Auth      auth.Authenticator
	Revoker   KeyRevoker // optional
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer // nil uses the default registry
	Logger    *zap.Logger

	RunTimeout     time.Duration
	MaxImportBytes int64
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	monitor := func(h http.HandlerFunc) http.HandlerFunc { return deps.authMiddleware(auth.RoleMonitor, h) }
	admin := func(h http.HandlerFunc) http.HandlerFunc { return deps.authMiddleware(auth.RoleAdmin, h) }

	// Events
	mux.HandleFunc("GET /api/anomalies", monitor(deps.handleListAnomalies))
	mux.HandleFunc("GET /api/events/{event_id}", monitor(deps.handleGetEvent))

	// Detection runs & analytics
	mux.HandleFunc("POST /api/detections", admin(deps.handleTriggerDetection))
	mux.HandleFunc("GET /api/detections", monitor(deps.handleListDetections))
	mux.HandleFunc("GET /api/detections/latest", monitor(deps.handleLatestDetection))
	mux.HandleFunc("GET /api/detections/{run_id}", monitor(deps.handleGetDetection))
	mux.HandleFunc("GET /api/analytics", monitor(deps.handleGetAnalytics))

	// Imports
	mux.HandleFunc("POST /api/imports/report", admin(deps.handleImportReport))
	mux.HandleFunc("POST /api/imports/activities", admin(deps.handleImportActivities))

	// Operators
	mux.HandleFunc("POST /api/operators", admin(deps.handleCreateOperator))
	mux.HandleFunc("GET /api/operators", admin(deps.handleListOperators))
	mux.HandleFunc("GET /api/operators/{id}", admin(deps.handleGetOperator))
	mux.HandleFunc("PATCH /api/operators/{id}", admin(deps.handleUpdateOperator))
	mux.HandleFunc("DELETE /api/operators/{id}", admin(deps.handleDeleteOperator))
	mux.HandleFunc("POST /api/operators/{id}/rotate-key", admin(deps.handleRotateKey))

	// Health & metrics
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return otelhttp.NewHandler(corsMiddleware(requestLogging(mux, deps.Logger)), "accesswatch-api")
}
