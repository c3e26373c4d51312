package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/triage-ai/accesswatch/internal/api"
	"github.com/triage-ai/accesswatch/internal/app"
	"github.com/triage-ai/accesswatch/internal/auth"
	"github.com/triage-ai/accesswatch/internal/config"
	"github.com/triage-ai/accesswatch/internal/engine"
	"github.com/triage-ai/accesswatch/internal/server"
	"github.com/triage-ai/accesswatch/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logger is not configured yet
		config.MustBuildLogger("info").Fatal("invalid configuration", zap.Error(err))
	}

	// Logger
	logger := config.MustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting accesswatch server",
		zap.String("http_port", cfg.HTTPPort),
		zap.String("grpc_port", cfg.GRPCPort),
		zap.Int("window_days", cfg.Detection.WindowDays),
		zap.Float64("contamination", cfg.Detection.Contamination),
		zap.Duration("detect_interval", cfg.DetectInterval),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, "accesswatch-server", cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			logger.Warn("tracer shutdown error", zap.Error(err))
		}
	}()

	svc, err := app.Open(ctx, cfg, logger, app.Options{
		HistoryReader: true,
		Registerer:    prometheus.DefaultRegisterer,
	})
	if err != nil {
		logger.Fatal("failed to open services", zap.Error(err))
	}
	defer svc.Close()

	pipeline, err := svc.Pipeline()
	if err != nil {
		logger.Fatal("failed to build pipeline", zap.Error(err))
	}

	// gRPC health tracks detection runs
	healthServer := server.NewHealthServer(logger)
	runner := engine.NewRunner(pipeline, logger, app.NotifyHook(svc.Notifier()), healthServer.AfterRun)

	// Auth: bootstrap admin key, then operator keys
	pgAuth := auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
		Operators: svc.Store,
		CacheTTL:  cfg.AuthCacheTTL,
		Logger:    logger,
	})
	if cfg.AdminKeyHash == "" {
		logger.Warn("no ACCESSWATCH_ADMIN_KEY_HASH set, only operator keys are accepted")
	}

	deps := &api.Dependencies{
		Events:     svc.Store,
		Operators:  svc.Store,
		Runner:     runner,
		Importer:   svc.Importer(),
		Auth:       auth.Chain{auth.NewStaticAuthenticator(cfg.AdminKeyHash), pgAuth},
		Revoker:    pgAuth,
		Metrics:    svc.Metrics,
		Gatherer:   prometheus.DefaultGatherer,
		Logger:     logger,
		RunTimeout: cfg.RunTimeout,
	}
	if svc.Reader != nil {
		deps.History = svc.Reader
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RunTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("port", cfg.GRPCPort), zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return healthServer.Serve(lis) })
	if cfg.DetectInterval > 0 {
		g.Go(func() error {
			runner.Schedule(gctx, cfg.DetectInterval)
			return nil
		})
	} else {
		logger.Info("no ACCESSWATCH_DETECT_INTERVAL_S set, runs are triggered through the API")
	}

	// Block until shutdown signal or a server failure
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", zap.Error(err))
		}
		healthServer.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server failed", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("accesswatch server stopped")
}
