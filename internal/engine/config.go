package engine

import (
	"fmt"
	"runtime"
)

// Config holds every tunable of a detection run. It is passed explicitly to
// NewPipeline; nothing in this package reads the environment.
type Config struct {
	WindowDays    int     // trailing window length (default 180)
	MinEvents     int     // minimum events required to fit (default 50)
	Contamination float64 // expected outlier share, (0, 0.5] (default 0.05)
	NEstimators   int     // isolation trees (default 100)
	MaxSamples    int     // per-tree subsample, 0 = min(256, n)
	RandomSeed    uint64  // seeds sampling, splits and diagnostics (default 42)

	Features    []string // feature columns, see DefaultFeatures
	StableCodes bool     // use the persistent code dictionary instead of run-local codes

	MetricsSampleCap int    // row cap for silhouette/Davies-Bouldin (default 10000, 0 disables)
	ModelPath        string // optional JSON dump of the fitted forest
	Workers          int    // parallel tree builders, 0 = GOMAXPROCS

	Severity SeverityConfig
}

// DefaultConfig returns the stock detection settings.
func DefaultConfig() Config {
	return Config{
		WindowDays:       180,
		MinEvents:        50,
		Contamination:    0.05,
		NEstimators:      100,
		MaxSamples:       0,
		RandomSeed:       42,
		Features:         append([]string(nil), DefaultFeatures...),
		MetricsSampleCap: 10_000,
		Severity:         DefaultSeverityConfig(),
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	if c.WindowDays < 1 {
		return fmt.Errorf("window_days must be >= 1, got %d", c.WindowDays)
	}
	if c.MinEvents < 2 {
		return fmt.Errorf("min_events must be >= 2, got %d", c.MinEvents)
	}
	if c.Contamination <= 0 || c.Contamination > 0.5 {
		return fmt.Errorf("contamination must be in (0, 0.5], got %g", c.Contamination)
	}
	if c.NEstimators < 1 {
		return fmt.Errorf("n_estimators must be >= 1, got %d", c.NEstimators)
	}
	if c.MaxSamples < 0 {
		return fmt.Errorf("max_samples must be >= 0, got %d", c.MaxSamples)
	}
	if c.MetricsSampleCap < 0 {
		return fmt.Errorf("metrics_sample_cap must be >= 0, got %d", c.MetricsSampleCap)
	}
	if len(c.Features) == 0 {
		return fmt.Errorf("at least one feature is required")
	}
	seen := make(map[string]bool, len(c.Features))
	for _, f := range c.Features {
		if !IsKnownFeature(f) {
			return &FeatureBuildError{Feature: f, Reason: "unknown feature"}
		}
		if seen[f] {
			return &FeatureBuildError{Feature: f, Reason: "listed twice"}
		}
		seen[f] = true
	}
	return c.Severity.Validate()
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.GOMAXPROCS(0)
}
