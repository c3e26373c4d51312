package engine

import "fmt"

// SeverityConfig holds the normalized-score thresholds for flagged events.
type SeverityConfig struct {
	CriticalAbove float64 // score > this → CRITICAL (default 0.75)
	HighAbove     float64 // score > this → HIGH (default 0.60)
}

// DefaultSeverityConfig returns the stock tier thresholds.
func DefaultSeverityConfig() SeverityConfig {
	return SeverityConfig{
		CriticalAbove: 0.75,
		HighAbove:     0.60,
	}
}

// Validate requires CriticalAbove >= HighAbove so tiers stay ordered.
func (c SeverityConfig) Validate() error {
	if c.CriticalAbove < c.HighAbove {
		return fmt.Errorf("severity thresholds out of order: critical %g < high %g", c.CriticalAbove, c.HighAbove)
	}
	return nil
}

// NormalizeScore maps a raw decision value onto the stored anomaly score.
// Higher is more anomalous and 0.5 is the decision boundary. It is a
// rescaling, not a calibrated probability.
func NormalizeScore(decision float64) float64 {
	return 0.5 - decision
}

// Classify assigns a tier to one scored event.
//
// Rules (applied in order):
//  1. Not flagged → LOW
//  2. score > CriticalAbove → CRITICAL
//  3. score > HighAbove → HIGH
//  4. Otherwise → MEDIUM
//
// Flagged rows always have score > 0.5, so the result never decreases as the
// decision value decreases.
func Classify(flagged bool, score float64, cfg SeverityConfig) Severity {
	if !flagged {
		return SeverityLow
	}
	switch {
	case score > cfg.CriticalAbove:
		return SeverityCritical
	case score > cfg.HighAbove:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// ScoreDecision turns one decision value into a full ScoredEvent.
func ScoreDecision(eventID string, decision float64, cfg SeverityConfig) ScoredEvent {
	flagged := decision < 0
	score := NormalizeScore(decision)
	return ScoredEvent{
		EventID:       eventID,
		IsAnomaly:     flagged,
		AnomalyScore:  score,
		DecisionValue: decision,
		Severity:      Classify(flagged, score, cfg),
	}
}

// Alertable reports whether a tier is handed to the notifier.
func (s Severity) Alertable() bool {
	return s >= SeverityHigh
}
