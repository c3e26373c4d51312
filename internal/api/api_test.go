package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/triage-ai/accesswatch/internal/auth"
	"github.com/triage-ai/accesswatch/internal/chread"
	"github.com/triage-ai/accesswatch/internal/engine"
	"github.com/triage-ai/accesswatch/internal/ingest"
	"github.com/triage-ai/accesswatch/internal/metrics"
	"github.com/triage-ai/accesswatch/internal/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const bootstrapKey = "bootstrap-admin-key"

type fakeRunner struct {
	mu     sync.Mutex
	report *engine.RunReport
	err    error
	calls  int
}

func (f *fakeRunner) Run(context.Context) (*engine.RunReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err == engine.ErrRunInProgress {
		return nil, f.err
	}
	return f.report, f.err
}

func (f *fakeRunner) LastReport() *engine.RunReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == 0 {
		return nil
	}
	return f.report
}

type fakeHistory struct {
	runs []chread.RunRow
}

func (h *fakeHistory) ListRuns(_ context.Context, p chread.ListRunsParams) ([]chread.RunRow, int, error) {
	return h.runs, len(h.runs), nil
}

func (h *fakeHistory) GetRun(_ context.Context, runID string) (*chread.RunRow, error) {
	for _, r := range h.runs {
		if r.RunID == runID {
			return &r, nil
		}
	}
	return nil, nil
}

func (h *fakeHistory) GetRunScores(context.Context, string, int) ([]chread.ScoreRow, error) {
	return nil, nil
}

func (h *fakeHistory) GetAnalytics(_ context.Context, days int) (*chread.AnalyticsResult, error) {
	return &chread.AnalyticsResult{Summary: chread.SummaryStats{Runs: days}}, nil
}

type testEnv struct {
	handler    http.Handler
	mem        *store.MemoryStore
	runner     *fakeRunner
	monitorKey string
}

func newTestEnv(t *testing.T, history HistoryReader) *testEnv {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(bootstrapKey), bcrypt.MinCost)
	require.NoError(t, err)

	mem := store.NewMemoryStore()
	_, monitorKey, err := mem.CreateOperator(context.Background(), "Mona", "mona@corp.test", store.RoleMonitor)
	require.NoError(t, err)

	pgAuth := auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{Operators: mem, Logger: zap.NewNop()})
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	runner := &fakeRunner{report: &engine.RunReport{
		RunID:          "run-1",
		State:          engine.StateDone,
		EventCount:     1000,
		Flagged:        50,
		SeverityCounts: map[engine.Severity]int{engine.SeverityCritical: 5, engine.SeverityHigh: 10},
		Features:       []string{"hour", "user_code"},
	}}

	deps := &Dependencies{
		Events:    mem,
		Operators: mem,
		Runner:    runner,
		History:   history,
		Importer:  ingest.NewImporter(mem, m, zap.NewNop()),
		Auth:      auth.Chain{auth.NewStaticAuthenticator(string(hash)), pgAuth},
		Revoker:   pgAuth,
		Metrics:   m,
		Gatherer:  reg,
		Logger:    zap.NewNop(),
	}
	return &testEnv{handler: NewRouter(deps), mem: mem, runner: runner, monitorKey: monitorKey}
}

func (e *testEnv) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthzAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	env.do(t, http.MethodGet, "/api/anomalies", "awk_bogus_key_000000", nil)
	rec = env.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `accesswatch_api_auth_failures_total{reason="invalid"} 1`)
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		key    string
		want   int
	}{
		{"no header", http.MethodGet, "/api/anomalies", "", http.StatusUnauthorized},
		{"unknown key", http.MethodGet, "/api/anomalies", "awk_00000000deadbeef", http.StatusUnauthorized},
		{"monitor reads", http.MethodGet, "/api/anomalies", env.monitorKey, http.StatusOK},
		{"monitor cannot trigger", http.MethodPost, "/api/detections", env.monitorKey, http.StatusForbidden},
		{"monitor cannot manage operators", http.MethodGet, "/api/operators", env.monitorKey, http.StatusForbidden},
		{"bootstrap admin", http.MethodGet, "/api/operators", bootstrapKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.key, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodOptions, "/api/anomalies", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestListAnomaliesAndGetEvent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	when := time.Date(2025, 6, 2, 23, 0, 0, 0, time.UTC)

	for i, sev := range []engine.Severity{engine.SeverityCritical, engine.SeverityHigh, engine.SeverityLow} {
		ev := engine.AccessEvent{
			EventID:   []string{"ev-1", "ev-2", "ev-3"}[i],
			UserEmail: "ana@corp.test",
			SourceIP:  "118.99.8.7",
			Timestamp: when.Add(time.Duration(i) * time.Minute),
			FileID:    "f1",
			FileName:  "plan.docx",
			EventType: "download",
		}
		_, err := env.mem.UpsertEvent(ctx, ev)
		require.NoError(t, err)
		require.NoError(t, env.mem.WriteScore(ctx, engine.ScoredEvent{
			EventID:      ev.EventID,
			IsAnomaly:    sev >= engine.SeverityHigh,
			AnomalyScore: 0.9 - float64(i)/10,
			Severity:     sev,
		}))
	}

	rec := env.do(t, http.MethodGet, "/api/anomalies", env.monitorKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[AnomalyListResp](t, rec)
	assert.Equal(t, 2, list.Total)
	require.Len(t, list.Events, 2)
	assert.Equal(t, "ev-1", list.Events[0].EventID)

	rec = env.do(t, http.MethodGet, "/api/anomalies?severity=critical", env.monitorKey, nil)
	list = decode[AnomalyListResp](t, rec)
	assert.Equal(t, 1, list.Total)

	rec = env.do(t, http.MethodGet, "/api/anomalies?severity=severe", env.monitorKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/anomalies?since=yesterday", env.monitorKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/events/ev-3", env.monitorKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[EventResp](t, rec)
	assert.False(t, got.IsAnomaly)
	assert.Equal(t, "LOW", got.Severity)

	rec = env.do(t, http.MethodGet, "/api/events/missing", env.monitorKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerDetection(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/detections/latest", env.monitorKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/detections", bootstrapKey, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[DetectionResp](t, rec)
	assert.Equal(t, "done", resp.Status)
	assert.Equal(t, 50, resp.Flagged)
	assert.Equal(t, 5, resp.Severity["CRITICAL"])

	rec = env.do(t, http.MethodGet, "/api/detections/latest", env.monitorKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	env.runner.err = engine.ErrRunInProgress
	rec = env.do(t, http.MethodPost, "/api/detections", bootstrapKey, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHistoryRequiresClickHouse(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, path := range []string{"/api/detections", "/api/detections/run-1", "/api/analytics"} {
		rec := env.do(t, http.MethodGet, path, env.monitorKey, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestHistoryRoutes(t *testing.T) {
	env := newTestEnv(t, &fakeHistory{runs: []chread.RunRow{{RunID: "run-1", Status: "done"}}})

	rec := env.do(t, http.MethodGet, "/api/detections", env.monitorKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[RunListResp](t, rec).Total)

	rec = env.do(t, http.MethodGet, "/api/detections/run-1", env.monitorKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[RunDetailResp](t, rec)
	assert.Equal(t, "run-1", detail.Run.RunID)
	assert.NotNil(t, detail.Scores)

	rec = env.do(t, http.MethodGet, "/api/detections/run-9", env.monitorKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/analytics?days=500", env.monitorKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 90, decode[chread.AnalyticsResult](t, rec).Summary.Runs, "days is clamped")
}

func TestImportReport(t *testing.T) {
	env := newTestEnv(t, nil)
	body := `{"eventos": [
		{"hora": "05/03/2025 10:15 p.m.", "usuario": "ana@corp.test", "archivo": "plan.docx (f1)", "accion": "view", "ip": "10.0.0.1"},
		{"hora": "garbage"}
	]}`

	rec := env.do(t, http.MethodPost, "/api/imports/report", bootstrapKey, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[ingest.ImportResult](t, rec)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Failed)

	rec = env.do(t, http.MethodPost, "/api/imports/report", bootstrapKey, body)
	assert.Equal(t, 1, decode[ingest.ImportResult](t, rec).Updated, "re-import updates in place")

	rec = env.do(t, http.MethodPost, "/api/imports/report", bootstrapKey, `{"rows": []}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/imports/report", env.monitorKey, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestImportActivities_AllowList(t *testing.T) {
	env := newTestEnv(t, nil)
	body := `[
		{"id": {"time": "2025-06-02T10:00:00Z", "uniqueQualifier": "a"}, "ipAddress": "10.0.0.1", "events": [{"name": "view", "parameters": [{"name": "doc_id", "value": "keep"}]}]},
		{"id": {"time": "2025-06-02T10:01:00Z", "uniqueQualifier": "b"}, "ipAddress": "10.0.0.1", "events": [{"name": "view", "parameters": [{"name": "doc_id", "value": "drop"}]}]}
	]`

	rec := env.do(t, http.MethodPost, "/api/imports/activities?file_ids=keep", bootstrapKey, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[ingest.ImportResult](t, rec).Created)

	rec2, err := env.mem.GetEvent(context.Background(), "2025-06-02T10:00:00Z_a")
	require.NoError(t, err)
	require.NotNil(t, rec2)
}

func TestOperatorLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/operators", bootstrapKey, CreateOperatorReq{Name: "Ada", Email: "ada@corp.test", Role: "admin"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[CreateOperatorResp](t, rec)
	assert.True(t, strings.HasPrefix(created.APIKey, "awk_"))
	assert.Equal(t, created.APIKey[:8], created.APIKeyPrefix)

	// The new key works right away.
	rec = env.do(t, http.MethodGet, "/api/operators/"+created.ID, created.APIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/operators", bootstrapKey, CreateOperatorReq{Name: "x", Email: "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/operators", bootstrapKey, CreateOperatorReq{Name: "x", Email: "x@corp.test", Role: "root"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	name := "Ada L."
	rec = env.do(t, http.MethodPatch, "/api/operators/"+created.ID, bootstrapKey, UpdateOperatorReq{Name: &name})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, name, decode[OperatorResp](t, rec).Name)

	rec = env.do(t, http.MethodPost, "/api/operators/"+created.ID+"/rotate-key", bootstrapKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rotated := decode[RotateKeyResp](t, rec)
	assert.NotEqual(t, created.APIKey, rotated.APIKey)

	rec = env.do(t, http.MethodGet, "/api/operators", created.APIKey, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "old key revoked")
	rec = env.do(t, http.MethodGet, "/api/operators", rotated.APIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]OperatorResp](t, rec), 2)

	rec = env.do(t, http.MethodDelete, "/api/operators/"+created.ID, bootstrapKey, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodDelete, "/api/operators/"+created.ID, bootstrapKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/operators/"+created.ID+"/rotate-key", bootstrapKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
