// ABOUTME: gRPC server exposing grpc.health.v1 and reflection
// ABOUTME: Health status follows the same store ping as GET /health/ready

package gateway

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/2389/hearth-gateway/internal/clock"
)

// HealthService is the service name reported alongside the overall "" status.
const HealthService = "hearth.Gateway"

// readinessInterval is how often the gRPC health status is re-checked.
const readinessInterval = 10 * time.Second

// pinger is anything whose liveness gates readiness.
type pinger interface {
	Ping(ctx context.Context) error
}

// healthReporter keeps the gRPC health server in step with readiness.
type healthReporter struct {
	server *health.Server
	logger *slog.Logger
}

func newGRPCServer(logger *slog.Logger) (*grpc.Server, *healthReporter) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	reflection.Register(server)

	h := &healthReporter{server: hs, logger: logger.With("component", "grpc-health")}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return server, h
}

func (h *healthReporter) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(HealthService, status)
}

// check pings p and records the result. It returns the ping error.
func (h *healthReporter) check(ctx context.Context, p pinger) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	h.set(healthpb.HealthCheckResponse_SERVING)
	return nil
}

// watch re-checks readiness until ctx is done.
func (h *healthReporter) watch(ctx context.Context, p pinger, clk clock.Clock) {
	if err := h.check(ctx, p); err != nil {
		h.logger.Warn("store not ready", "error", err)
	}
	ticker := clk.NewTicker(readinessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.check(ctx, p); err != nil {
				h.logger.Warn("store not ready", "error", err)
			}
		}
	}
}

// shutdown marks every service NOT_SERVING so clients drain.
func (h *healthReporter) shutdown() {
	h.server.Shutdown()
}
