package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AfterRunFunc is called once a run completes, whatever its outcome.
// report is nil only when the run was rejected with ErrRunInProgress.
type AfterRunFunc func(ctx context.Context, report *RunReport, err error)

// Runner serializes pipeline runs. Overlapping windows must never be
// scored concurrently, so a second caller gets ErrRunInProgress instead of
// waiting.
type Runner struct {
	pipeline *Pipeline
	mu       sync.Mutex
	after    []AfterRunFunc
	logger   *zap.Logger

	lastMu sync.RWMutex
	last   *RunReport
}

// NewRunner wraps pipeline. Hooks run in order after each completed run.
func NewRunner(pipeline *Pipeline, logger *zap.Logger, after ...AfterRunFunc) *Runner {
	return &Runner{
		pipeline: pipeline,
		after:    after,
		logger:   logger,
	}
}

// Run executes one pass unless another is in flight.
func (r *Runner) Run(ctx context.Context) (*RunReport, error) {
	if !r.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer r.mu.Unlock()

	report, err := r.pipeline.Run(ctx)

	r.lastMu.Lock()
	r.last = report
	r.lastMu.Unlock()

	for _, fn := range r.after {
		fn(ctx, report, err)
	}
	return report, err
}

// RunDetection is Run reduced to the confirmed anomaly count.
func (r *Runner) RunDetection(ctx context.Context) (int, error) {
	report, err := r.Run(ctx)
	if err != nil {
		return 0, err
	}
	return report.Flagged, nil
}

// LastReport returns the most recent completed report, or nil.
func (r *Runner) LastReport() *RunReport {
	r.lastMu.RLock()
	defer r.lastMu.RUnlock()
	return r.last
}

// Schedule runs the pipeline every interval until ctx is done. A tick that
// lands while a run is still going is skipped.
func (r *Runner) Schedule(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("detection scheduler started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("detection scheduler stopped")
			return
		case <-ticker.C:
			if _, err := r.Run(ctx); errors.Is(err, ErrRunInProgress) {
				r.logger.Warn("scheduled detection skipped, previous run still in progress")
			}
		}
	}
}
