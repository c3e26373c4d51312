package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/triage-ai/accesswatch/internal/app"
	"github.com/triage-ai/accesswatch/internal/config"
	"github.com/triage-ai/accesswatch/internal/ingest"
	"go.uber.org/zap"
)

func main() {
	def := ingest.DefaultSimulateConfig()
	normal := flag.Int("normal", def.Normal, "number of office-hours events")
	anomalous := flag.Int("anomalous", def.Anomalous, "number of off-hours downloads of the sensitive file")
	days := flag.Int("days", def.Days, "days of history to spread events over")
	seed := flag.Uint64("seed", def.Seed, "random seed")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		config.MustBuildLogger("info").Fatal("invalid configuration", zap.Error(err))
	}
	logger := config.MustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	simCfg := ingest.SimulateConfig{
		Normal:    *normal,
		Anomalous: *anomalous,
		Days:      *days,
		Seed:      *seed,
		Now:       time.Now().UTC(),
	}
	os.Exit(run(ctx, cfg, logger, simCfg))
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger, simCfg ingest.SimulateConfig) int {
	svc, err := app.Open(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Error("failed to open services", zap.Error(err))
		return 1
	}
	defer svc.Close()

	events := ingest.Simulate(simCfg)
	logger.Info("simulated access events",
		zap.Int("normal", simCfg.Normal),
		zap.Int("anomalous", simCfg.Anomalous),
		zap.Uint64("seed", simCfg.Seed),
	)

	res, err := svc.Importer().Import(ctx, ingest.SourceSimulated, events, nil)
	if err != nil {
		logger.Error("import aborted", zap.Error(err))
		return 1
	}
	_ = json.NewEncoder(os.Stdout).Encode(res)
	return 0
}
