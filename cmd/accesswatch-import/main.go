package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/triage-ai/accesswatch/internal/app"
	"github.com/triage-ai/accesswatch/internal/config"
	"github.com/triage-ai/accesswatch/internal/engine"
	"github.com/triage-ai/accesswatch/internal/ingest"
	"go.uber.org/zap"
)

func main() {
	file := flag.String("file", "", "JSON file to import, - for stdin")
	format := flag.String("format", ingest.SourceReport, "input format: report or activities")
	fileIDs := flag.String("file-ids", "", "comma-separated Drive file IDs to keep (activities only)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		config.MustBuildLogger("info").Fatal("invalid configuration", zap.Error(err))
	}
	logger := config.MustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	if *file == "" {
		logger.Fatal("-file is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, cfg, logger, *file, *format, *fileIDs))
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger, file, format, fileIDs string) int {
	var in io.Reader = os.Stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			logger.Error("failed to open input", zap.String("file", file), zap.Error(err))
			return 1
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	var (
		events []engine.AccessEvent
		bad    []ingest.RecordError
		err    error
	)
	switch format {
	case ingest.SourceReport:
		events, bad, err = ingest.ParseReport(in)
	case ingest.SourceActivities:
		events, bad, err = ingest.ParseActivities(in, allowList(fileIDs))
	default:
		logger.Error("unknown format", zap.String("format", format))
		return 2
	}
	if err != nil {
		logger.Error("failed to parse input", zap.String("format", format), zap.Error(err))
		return 1
	}

	svc, err := app.Open(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Error("failed to open services", zap.Error(err))
		return 1
	}
	defer svc.Close()

	res, err := svc.Importer().Import(ctx, format, events, bad)
	if err != nil {
		logger.Error("import aborted", zap.Error(err))
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res)
	return 0
}

func allowList(csv string) map[string]bool {
	if csv == "" {
		return nil
	}
	ids := make(map[string]bool)
	for _, id := range strings.Split(csv, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids[id] = true
		}
	}
	return ids
}
