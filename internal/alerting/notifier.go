package alerting

import (
	"context"
	"time"

	"github.com/triage-ai/accesswatch/internal/engine"
	"github.com/triage-ai/accesswatch/internal/store"
	"go.uber.org/zap"
)

// AlertStore is the slice of the event store the notifier needs.
type AlertStore interface {
	GetEvent(ctx context.Context, eventID string) (*store.EventRecord, error)
	MarkAlerted(ctx context.Context, eventID string, at time.Time) error
}

// Observer receives one call per alert outcome.
type Observer interface {
	ObserveAlert(result string)
}

// Result counts what Notify did with a batch.
type Result struct {
	Sent         int `json:"sent"`
	Skipped      int `json:"skipped"`
	Deduplicated int `json:"deduplicated"`
	Failed       int `json:"failed"`
}

// Notifier sends HIGH and CRITICAL alerts, at most once per event.
type Notifier struct {
	cfg      Config
	sender   Sender
	dedupe   Deduper
	store    AlertStore
	observer Observer
	logger   *zap.Logger
	now      func() time.Time
}

// NewNotifier wires a notifier. observer may be nil.
func NewNotifier(cfg Config, sender Sender, dedupe Deduper, st AlertStore, observer Observer, logger *zap.Logger) *Notifier {
	return &Notifier{
		cfg:      cfg,
		sender:   sender,
		dedupe:   dedupe,
		store:    st,
		observer: observer,
		logger:   logger,
		now:      time.Now,
	}
}

// Notify processes the alerts of one run. A failure on one alert never stops
// the others.
func (n *Notifier) Notify(ctx context.Context, alerts []engine.ScoredAlert) Result {
	var res Result
	for _, a := range alerts {
		if ctx.Err() != nil {
			break
		}
		outcome := n.notifyOne(ctx, a)
		switch outcome {
		case "sent":
			res.Sent++
		case "deduplicated":
			res.Deduplicated++
		case "failed":
			res.Failed++
		default:
			res.Skipped++
		}
		if n.observer != nil {
			n.observer.ObserveAlert(outcome)
		}
	}
	if len(alerts) > 0 {
		n.logger.Info("alerts processed",
			zap.Int("sent", res.Sent),
			zap.Int("skipped", res.Skipped),
			zap.Int("deduplicated", res.Deduplicated),
			zap.Int("failed", res.Failed),
		)
	}
	return res
}

func (n *Notifier) notifyOne(ctx context.Context, a engine.ScoredAlert) string {
	id := a.Event.EventID
	log := n.logger.With(zap.String("event_id", id), zap.String("severity", a.Score.Severity.String()))

	if !a.Score.IsAnomaly || !a.Score.Severity.Alertable() {
		return "skipped"
	}

	rec, err := n.store.GetEvent(ctx, id)
	if err != nil {
		log.Error("alert lookup failed", zap.Error(err))
		return "failed"
	}
	if rec == nil {
		log.Warn("alerted event no longer exists")
		return "skipped"
	}
	if rec.AlertedAt != nil {
		return "skipped"
	}

	ok, err := n.dedupe.Allow(ctx, id, n.cfg.Window)
	if err != nil {
		// Deduper unreachable: send anyway, alerted_at still prevents repeats.
		log.Warn("alert dedupe unavailable", zap.Error(err))
		ok = true
	}
	if !ok {
		return "deduplicated"
	}

	to := Recipients(a.Score.Severity, n.cfg)
	if len(to) == 0 {
		log.Warn("no recipients configured for severity")
		return "skipped"
	}

	if err := n.sender.Send(ctx, BuildMessage(a, to, n.cfg)); err != nil {
		log.Error("alert send failed", zap.Strings("to", to), zap.Error(err))
		return "failed"
	}
	if err := n.store.MarkAlerted(ctx, id, n.now().UTC()); err != nil {
		log.Error("mark alerted failed", zap.Error(err))
	}
	log.Info("alert sent", zap.Strings("to", to))
	return "sent"
}
