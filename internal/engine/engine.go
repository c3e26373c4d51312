package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/accesswatch/internal/engine/iforest"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/triage-ai/accesswatch/internal/engine")

// EventStore is the read/write surface the pipeline needs from storage.
type EventStore interface {
	// ListWindow returns every event with timestamp >= since.
	ListWindow(ctx context.Context, since time.Time) ([]AccessEvent, error)
	// ResetWindow clears anomaly state on every event with timestamp >= since.
	ResetWindow(ctx context.Context, since time.Time) (int64, error)
	// WriteScore stores the derived fields for one event.
	WriteScore(ctx context.Context, s ScoredEvent) error
}

// Recorder observes finished runs (history sinks, metrics).
// events and scored are index-aligned and empty when the run stopped early.
type Recorder interface {
	RecordRun(report *RunReport, events []AccessEvent, scored []ScoredEvent)
}

// Pipeline runs the load → features → fit → score → classify → persist
// sequence over the trailing window.
type Pipeline struct {
	store     EventStore
	codes     CodeStore
	cfg       Config
	recorders []Recorder
	now       func() time.Time
	logger    *zap.Logger
}

// PipelineOption customises a Pipeline.
type PipelineOption func(*Pipeline)

// WithClock overrides the wall clock used to place the window.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// WithRecorder adds a sink notified after every run.
func WithRecorder(r Recorder) PipelineOption {
	return func(p *Pipeline) { p.recorders = append(p.recorders, r) }
}

// WithCodeStore supplies the dictionary used when Config.StableCodes is set.
func WithCodeStore(cs CodeStore) PipelineOption {
	return func(p *Pipeline) { p.codes = cs }
}

// NewPipeline validates cfg and builds a pipeline over store.
func NewPipeline(store EventStore, cfg Config, logger *zap.Logger, opts ...PipelineOption) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("NewPipeline: %w", err)
	}
	p := &Pipeline{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	if cfg.StableCodes && p.codes == nil {
		return nil, fmt.Errorf("NewPipeline: stable codes enabled without a code store")
	}
	return p, nil
}

// Config returns the pipeline settings.
func (p *Pipeline) Config() Config { return p.cfg }

// RunDetection runs the pipeline once and returns the number of events
// flagged anomalous whose write was confirmed. A window below MinEvents
// yields 0 and a nil error.
func (p *Pipeline) RunDetection(ctx context.Context) (int, error) {
	report, err := p.Run(ctx)
	if err != nil {
		return 0, err
	}
	return report.Flagged, nil
}

// Run performs one detection pass and returns its report. The report is
// non-nil even when err is non-nil.
//
// Stage failures before persistence leave the store untouched. Once the
// window reset succeeds, each row is written independently: failed writes
// are logged, counted in WriteFailures and never retried here.
func (p *Pipeline) Run(ctx context.Context) (*RunReport, error) {
	ctx, span := tracer.Start(ctx, "detection.run")
	defer span.End()

	started := p.now().UTC()
	report := &RunReport{
		RunID:          uuid.New().String(),
		StartedAt:      started,
		WindowStart:    started.Add(-time.Duration(p.cfg.WindowDays) * 24 * time.Hour),
		State:          StateLoadingWindow,
		SeverityCounts: make(map[Severity]int),
	}
	span.SetAttributes(attribute.String("run_id", report.RunID))

	log := p.logger.With(zap.String("run_id", report.RunID))
	log.Info("detection run started",
		zap.Time("window_start", report.WindowStart),
		zap.Int("window_days", p.cfg.WindowDays),
		zap.Float64("contamination", p.cfg.Contamination),
	)

	events, scored, err := p.run(ctx, report, log)
	report.FinishedAt = p.now().UTC()

	switch {
	case errors.Is(err, ErrInsufficientData):
		report.State = StateInsufficientData
		log.Warn("not enough events for detection",
			zap.Int("events", report.EventCount),
			zap.Int("min_events", p.cfg.MinEvents),
		)
		err = nil
	case err != nil:
		report.FailedStage = report.State
		report.State = StateFailed
		report.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("detection run failed",
			zap.String("stage", report.FailedStage.String()),
			zap.Error(err),
		)
	default:
		report.State = StateDone
		log.Info("detection run finished",
			zap.Int("events", report.EventCount),
			zap.Int("anomalies", report.Flagged),
			zap.Int("write_failures", report.WriteFailures),
			zap.Int("alerts", len(report.Alerts)),
			zap.Duration("duration", report.Duration()),
		)
	}

	span.SetAttributes(
		attribute.String("state", report.State.String()),
		attribute.Int("events", report.EventCount),
		attribute.Int("anomalies", report.Flagged),
	)

	for _, r := range p.recorders {
		r.RecordRun(report, events, scored)
	}
	return report, err
}

func (p *Pipeline) run(ctx context.Context, report *RunReport, log *zap.Logger) ([]AccessEvent, []ScoredEvent, error) {
	// LoadingWindow
	events, err := stage(ctx, "detection.load_window", func(ctx context.Context) ([]AccessEvent, error) {
		return p.store.ListWindow(ctx, report.WindowStart)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("load window: %w", err)
	}
	report.EventCount = len(events)
	if len(events) < p.cfg.MinEvents {
		return nil, nil, ErrInsufficientData
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	// BuildingFeatures
	report.State = StateBuildingFeatures
	matrix, err := stage(ctx, "detection.build_features", func(ctx context.Context) (*FeatureMatrix, error) {
		return BuildFeatures(ctx, events, p.cfg.Features, p.codebook(), log)
	})
	if err != nil {
		return nil, nil, err
	}
	report.Features = matrix.Columns

	// Training
	report.State = StateTraining
	forest, err := stage(ctx, "detection.fit", func(ctx context.Context) (*iforest.Forest, error) {
		return iforest.Fit(ctx, matrix.Rows, iforest.Options{
			NEstimators:   p.cfg.NEstimators,
			MaxSamples:    p.cfg.MaxSamples,
			Contamination: p.cfg.Contamination,
			Seed:          p.cfg.RandomSeed,
			Workers:       p.cfg.workers(),
		})
	})
	if err != nil {
		return nil, nil, &ModelError{Stage: "fit", Err: err}
	}
	report.Offset = forest.Offset

	// Scoring
	report.State = StateScoring
	decisions, err := stage(ctx, "detection.score", func(context.Context) ([]float64, error) {
		return forest.DecisionFunction(matrix.Rows)
	})
	if err != nil {
		return nil, nil, &ModelError{Stage: "score", Err: err}
	}

	// Classifying
	report.State = StateClassifying
	scored := make([]ScoredEvent, len(events))
	outlier := make([]bool, len(events))
	for i, e := range events {
		scored[i] = ScoreDecision(e.EventID, decisions[i], p.cfg.Severity)
		outlier[i] = scored[i].IsAnomaly
	}

	p.diagnose(report, matrix.Rows, outlier, log)
	p.saveModel(forest, log)

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	// Persisting
	report.State = StatePersisting
	if err := p.persist(ctx, report, events, scored, log); err != nil {
		return nil, nil, err
	}
	return events, scored, nil
}

func (p *Pipeline) persist(ctx context.Context, report *RunReport, events []AccessEvent, scored []ScoredEvent, log *zap.Logger) error {
	ctx, span := tracer.Start(ctx, "detection.persist")
	defer span.End()

	cleared, err := p.store.ResetWindow(ctx, report.WindowStart)
	if err != nil {
		return &PersistenceError{Op: "reset", Err: err}
	}
	log.Debug("window reset", zap.Int64("rows", cleared))

	for i, s := range scored {
		if err := p.store.WriteScore(ctx, s); err != nil {
			report.WriteFailures++
			log.Error("score write failed",
				zap.String("event_id", s.EventID),
				zap.Error(&PersistenceError{Op: "write_score", EventID: s.EventID, Err: err}),
			)
			continue
		}
		if !s.IsAnomaly {
			continue
		}
		report.Flagged++
		report.SeverityCounts[s.Severity]++
		if s.Severity.Alertable() {
			report.Alerts = append(report.Alerts, ScoredAlert{Event: events[i], Score: s})
		}
	}
	span.SetAttributes(attribute.Int("write_failures", report.WriteFailures))
	return nil
}

func (p *Pipeline) diagnose(report *RunReport, rows [][]float64, outlier []bool, log *zap.Logger) {
	if p.cfg.MetricsSampleCap == 0 {
		return
	}
	diag, err := Evaluate(rows, outlier, p.cfg.MetricsSampleCap, p.cfg.RandomSeed)
	if err != nil {
		log.Warn("cluster diagnostics unavailable", zap.Error(err))
		return
	}
	report.Diagnostics = diag
	log.Info("cluster diagnostics",
		zap.Int("sample_size", diag.SampleSize),
		zap.Float64("silhouette", diag.Silhouette),
		zap.Float64("davies_bouldin", diag.DaviesBouldin),
	)
}

func (p *Pipeline) saveModel(forest *iforest.Forest, log *zap.Logger) {
	if p.cfg.ModelPath == "" {
		return
	}
	if err := forest.WriteFile(p.cfg.ModelPath); err != nil {
		log.Warn("model save failed", zap.String("path", p.cfg.ModelPath), zap.Error(err))
		return
	}
	log.Debug("model saved", zap.String("path", p.cfg.ModelPath))
}

func (p *Pipeline) codebook() Codebook {
	if p.cfg.StableCodes {
		return NewStableCodebook(p.codes)
	}
	return NewLocalCodebook()
}

// stage wraps fn in a child span.
func stage[T any](ctx context.Context, name string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()
	v, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return v, err
}
