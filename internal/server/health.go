// Package server exposes detector liveness over the standard gRPC health
// protocol.
package server

import (
	"context"
	"net"
	"time"

	"github.com/triage-ai/accesswatch/internal/engine"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

// DetectorService is the health service name tracking detection runs.
const DetectorService = "accesswatch.Detector"

// HealthServer reports SERVING while the last detection run finished or
// stopped for lack of data, and NOT_SERVING after a failed run.
type HealthServer struct {
	grpc   *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// NewHealthServer builds the gRPC server with health and reflection
// registered. The detector starts SERVING until a run says otherwise.
func NewHealthServer(logger *zap.Logger) *HealthServer {
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 10 * time.Second,
			Time:                  30 * time.Second,
			Timeout:               5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	hs.SetServingStatus(DetectorService, healthpb.HealthCheckResponse_SERVING)

	// Enable reflection for debugging with grpcurl
	reflection.Register(grpcServer)

	return &HealthServer{grpc: grpcServer, health: hs, logger: logger}
}

// AfterRun is an engine.AfterRunFunc updating the detector status.
func (s *HealthServer) AfterRun(_ context.Context, report *engine.RunReport, _ error) {
	if report == nil {
		return
	}
	status := healthpb.HealthCheckResponse_SERVING
	if report.State == engine.StateFailed {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		s.logger.Warn("detector marked not serving",
			zap.String("run_id", report.RunID),
			zap.String("failed_stage", report.FailedStage.String()),
		)
	}
	s.health.SetServingStatus(DetectorService, status)
}

// Serve blocks serving lis until Stop.
func (s *HealthServer) Serve(lis net.Listener) error {
	s.logger.Info("grpc health server listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// Stop marks every service NOT_SERVING and drains connections.
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
