package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/triage-ai/accesswatch/internal/alerting"
	"github.com/triage-ai/accesswatch/internal/config"
	"github.com/triage-ai/accesswatch/internal/engine"
	"github.com/triage-ai/accesswatch/internal/store"
	"go.uber.org/zap"
)

func TestOpen_RequiresPostgres(t *testing.T) {
	_, err := Open(context.Background(), config.Config{}, zap.NewNop(), Options{})
	if err == nil || !strings.Contains(err.Error(), "POSTGRES_DSN") {
		t.Fatalf("expected POSTGRES_DSN error, got %v", err)
	}
}

type countingSender struct{ sent int }

func (s *countingSender) Send(context.Context, alerting.Message) error {
	s.sent++
	return nil
}

func TestNotifyHook(t *testing.T) {
	mem := store.NewMemoryStore()
	ts := time.Date(2025, 6, 2, 23, 0, 0, 0, time.UTC)
	if _, err := mem.UpsertEvent(context.Background(), engine.AccessEvent{
		EventID: "e1", UserEmail: "ana@corp.test", SourceIP: "118.99.8.4", Timestamp: ts,
		FileID: "f1", FileName: "plan.xlsx", EventType: "download",
	}); err != nil {
		t.Fatal(err)
	}

	cfg := alerting.DefaultConfig()
	cfg.Admins = []string{"admin@corp.test"}
	sender := &countingSender{}
	n := alerting.NewNotifier(cfg, sender, alerting.NewMemoryDeduper(), mem, nil, zap.NewNop())
	hook := NotifyHook(n)

	// Rejected and alert-free runs send nothing
	hook(context.Background(), nil, engine.ErrRunInProgress)
	hook(context.Background(), &engine.RunReport{State: engine.StateDone}, nil)
	if sender.sent != 0 {
		t.Fatalf("expected no sends, got %d", sender.sent)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	hook(ctx, &engine.RunReport{
		State: engine.StateDone,
		Alerts: []engine.ScoredAlert{{
			Event: engine.AccessEvent{EventID: "e1", UserEmail: "ana@corp.test", FileID: "f1", FileName: "plan.xlsx", Timestamp: ts},
			Score: engine.ScoredEvent{EventID: "e1", IsAnomaly: true, AnomalyScore: 0.8, Severity: engine.SeverityCritical},
		}},
	}, nil)
	if sender.sent != 1 {
		t.Errorf("expected 1 send despite cancelled run context, got %d", sender.sent)
	}
}

func TestServices_Fallbacks(t *testing.T) {
	s := &Services{Logger: zap.NewNop()}
	if s.Notifier() == nil {
		t.Error("expected notifier with log sender")
	}
	if s.Importer() == nil {
		t.Error("expected importer")
	}
}
