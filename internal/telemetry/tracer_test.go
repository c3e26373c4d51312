package telemetry

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestInitTracer_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), "accesswatch-test", "", zap.NewNop())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("noop shutdown returned %v", err)
	}
}

func TestInitTracer_WithEndpoint(t *testing.T) {
	// The exporter connects lazily, so an unreachable collector is fine here.
	shutdown, err := InitTracer(context.Background(), "accesswatch-test", "http://127.0.0.1:4318", zap.NewNop())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}
