// Package app wires configuration into the long-lived services shared by the
// accesswatch binaries.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/triage-ai/accesswatch/internal/alerting"
	"github.com/triage-ai/accesswatch/internal/chread"
	"github.com/triage-ai/accesswatch/internal/config"
	"github.com/triage-ai/accesswatch/internal/engine"
	"github.com/triage-ai/accesswatch/internal/ingest"
	"github.com/triage-ai/accesswatch/internal/metrics"
	"github.com/triage-ai/accesswatch/internal/storage"
	"github.com/triage-ai/accesswatch/internal/store"
	"go.uber.org/zap"
)

// Options selects the optional services a binary needs.
type Options struct {
	HistoryReader bool                // open a ClickHouse reader for the API
	Registerer    prometheus.Registerer // nil skips metrics
}

// Services holds the connections and components built from Config.
type Services struct {
	Config  config.Config
	Logger  *zap.Logger
	DB      *sql.DB
	Store   *store.Store
	Metrics *metrics.Metrics
	History storage.HistoryWriter
	Reader  *chread.Reader // nil without ClickHouse
	Redis   *redis.Client  // nil without REDIS_ADDR

	closers []func()
}

// Open connects to Postgres (required), applies migrations and connects the
// optional backends. An unreachable ClickHouse or Redis degrades to the log
// writer and the in-process deduper.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*Services, error) {
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("app.Open: POSTGRES_DSN is required")
	}
	s := &Services{Config: cfg, Logger: logger}

	db, err := store.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("app.Open: %w", err)
	}
	s.DB = db
	s.closers = append(s.closers, func() { _ = db.Close() })
	if err := store.Migrate(db); err != nil {
		s.Close()
		return nil, fmt.Errorf("app.Open: %w", err)
	}
	s.Store = store.NewStore(db)
	logger.Info("postgres connected")

	if opts.Registerer != nil {
		s.Metrics = metrics.New(opts.Registerer)
	}

	// History sink: ClickHouse or LogWriter fallback
	if cfg.ClickHouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
			s.History = storage.NewLogWriter(logger)
		} else {
			s.History = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		s.History = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	s.closers = append(s.closers, s.History.Close)

	if opts.HistoryReader && cfg.ClickHouseDSN != "" {
		reader, err := chread.NewReader(cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
		} else {
			s.Reader = reader
			s.closers = append(s.closers, func() { _ = reader.Close() })
			logger.Info("clickhouse reader connected")
		}
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, alerts deduplicated in process only", zap.Error(err))
			_ = rdb.Close()
		} else {
			s.Redis = rdb
			s.closers = append(s.closers, func() { _ = rdb.Close() })
			logger.Info("redis connected")
		}
	}
	return s, nil
}

// Pipeline builds the detection pipeline with history and metrics recorders.
func (s *Services) Pipeline() (*engine.Pipeline, error) {
	opts := []engine.PipelineOption{
		engine.WithCodeStore(s.Store),
		engine.WithRecorder(storage.NewRecorder(s.History)),
	}
	if s.Metrics != nil {
		opts = append(opts, engine.WithRecorder(s.Metrics))
	}
	return engine.NewPipeline(s.Store, s.Config.Detection, s.Logger, opts...)
}

// Notifier builds the alert notifier: SMTP when SMTP_ADDR is set, otherwise
// alerts are logged.
func (s *Services) Notifier() *alerting.Notifier {
	var sender alerting.Sender
	if s.Config.SMTP.Addr != "" {
		sender = alerting.NewSMTPSender(s.Config.SMTP.Addr, s.Config.SMTP.Username, s.Config.SMTP.Password)
	} else {
		s.Logger.Info("no SMTP_ADDR set, alerts are logged only")
		sender = alerting.NewLogSender(s.Logger)
	}

	var dedupe alerting.Deduper = alerting.NewMemoryDeduper()
	if s.Redis != nil {
		dedupe = alerting.NewRedisDeduper(s.Redis)
	}

	var observer alerting.Observer
	if s.Metrics != nil {
		observer = s.Metrics
	}
	return alerting.NewNotifier(s.Config.Alerting, sender, dedupe, s.Store, observer, s.Logger)
}

// NotifyHook adapts a notifier into a runner hook.
func NotifyHook(n *alerting.Notifier) engine.AfterRunFunc {
	return func(ctx context.Context, report *engine.RunReport, _ error) {
		if report == nil || len(report.Alerts) == 0 {
			return
		}
		n.Notify(context.WithoutCancel(ctx), report.Alerts)
	}
}

// Importer builds an importer writing to the store.
func (s *Services) Importer() *ingest.Importer {
	var observer ingest.ImportObserver
	if s.Metrics != nil {
		observer = s.Metrics
	}
	return ingest.NewImporter(s.Store, observer, s.Logger)
}

// Close releases connections in reverse order of opening.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
