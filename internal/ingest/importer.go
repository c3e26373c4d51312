package ingest

import (
	"context"
	"fmt"

	"github.com/triage-ai/accesswatch/internal/engine"
	"go.uber.org/zap"
)

// Import sources, used as metric labels.
const (
	SourceReport     = "report"
	SourceActivities = "activities"
	SourceSimulated  = "simulated"
)

// EventUpserter inserts or refreshes events by event_id.
type EventUpserter interface {
	UpsertEvent(ctx context.Context, e engine.AccessEvent) (bool, error)
}

// ImportObserver receives the outcome of each import batch.
type ImportObserver interface {
	ObserveImport(source string, created, updated, failed int)
}

// ImportResult counts what an import did.
type ImportResult struct {
	Created int           `json:"created"`
	Updated int           `json:"updated"`
	Failed  int           `json:"failed"`
	Errors  []RecordError `json:"errors,omitempty"`
}

// Importer writes parsed events to the store. Re-importing the same data
// updates rows in place and never resets their anomaly state.
type Importer struct {
	store    EventUpserter
	observer ImportObserver
	logger   *zap.Logger
}

// NewImporter returns an importer. observer may be nil.
func NewImporter(store EventUpserter, observer ImportObserver, logger *zap.Logger) *Importer {
	return &Importer{store: store, observer: observer, logger: logger}
}

// Import upserts events one by one. A failed row is logged and counted; the
// error return is reserved for cancellation.
func (im *Importer) Import(ctx context.Context, source string, events []engine.AccessEvent, parseErrors []RecordError) (ImportResult, error) {
	res := ImportResult{Failed: len(parseErrors), Errors: parseErrors}
	for i, e := range events {
		if err := ctx.Err(); err != nil {
			im.finish(source, res)
			return res, fmt.Errorf("Import: stopped after %d of %d events: %w", i, len(events), err)
		}
		created, err := im.store.UpsertEvent(ctx, e)
		if err != nil {
			res.Failed++
			im.logger.Warn("event import failed",
				zap.String("source", source),
				zap.String("event_id", e.EventID),
				zap.Error(err),
			)
			continue
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
	}
	im.finish(source, res)
	return res, nil
}

func (im *Importer) finish(source string, res ImportResult) {
	if im.observer != nil {
		im.observer.ObserveImport(source, res.Created, res.Updated, res.Failed)
	}
	im.logger.Info("import finished",
		zap.String("source", source),
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("failed", res.Failed),
	)
}
