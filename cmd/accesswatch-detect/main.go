package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/triage-ai/accesswatch/internal/app"
	"github.com/triage-ai/accesswatch/internal/config"
	"github.com/triage-ai/accesswatch/internal/engine"
	"github.com/triage-ai/accesswatch/internal/telemetry"
	"go.uber.org/zap"
)

func main() {
	noAlerts := flag.Bool("no-alerts", false, "skip alert notification")
	windowDays := flag.Int("window-days", 0, "override ACCESSWATCH_WINDOW_DAYS")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		config.MustBuildLogger("info").Fatal("invalid configuration", zap.Error(err))
	}
	if *windowDays > 0 {
		cfg.Detection.WindowDays = *windowDays
	}

	logger := config.MustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RunTimeout)
		defer cancel()
	}

	shutdownTracer, err := telemetry.InitTracer(ctx, "accesswatch-detect", cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}

	os.Exit(run(ctx, cfg, logger, !*noAlerts, shutdownTracer))
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger, notify bool, shutdownTracer telemetry.ShutdownFunc) int {
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(flushCtx)
	}()

	svc, err := app.Open(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Error("failed to open services", zap.Error(err))
		return 1
	}
	defer svc.Close()

	pipeline, err := svc.Pipeline()
	if err != nil {
		logger.Error("failed to build pipeline", zap.Error(err))
		return 1
	}

	var hooks []engine.AfterRunFunc
	if notify {
		hooks = append(hooks, app.NotifyHook(svc.Notifier()))
	}
	runner := engine.NewRunner(pipeline, logger, hooks...)

	flagged, err := runner.RunDetection(ctx)
	if err != nil {
		logger.Error("detection failed", zap.Error(err))
		return 1
	}
	fmt.Printf("anomalies flagged: %d\n", flagged)
	return 0
}
