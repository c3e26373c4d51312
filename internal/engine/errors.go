package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientData means the window held fewer than MinEvents events.
	// Runs stopping here report zero anomalies and write nothing.
	ErrInsufficientData = errors.New("insufficient events in detection window")

	// ErrRunInProgress is returned by Runner when another run holds the lock.
	ErrRunInProgress = errors.New("detection run already in progress")

	// ErrNoFeatures means every configured feature column was dropped.
	ErrNoFeatures = errors.New("no usable feature columns")
)

// FeatureBuildError describes a feature column that could not be derived.
type FeatureBuildError struct {
	Feature string
	Reason  string
	Err     error
}

func (e *FeatureBuildError) Error() string {
	if e.Feature == "" {
		return fmt.Sprintf("feature build: %s", e.Reason)
	}
	return fmt.Sprintf("feature build %q: %s", e.Feature, e.Reason)
}

func (e *FeatureBuildError) Unwrap() error { return e.Err }

// ModelError wraps a failure while fitting or scoring the isolation forest.
type ModelError struct {
	Stage string // "fit" or "score"
	Err   error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model %s: %v", e.Stage, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// PersistenceError wraps a failed write to the event store.
type PersistenceError struct {
	Op      string // "reset" or "write_score"
	EventID string
	Err     error
}

func (e *PersistenceError) Error() string {
	if e.EventID == "" {
		return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persist %s %s: %v", e.Op, e.EventID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
