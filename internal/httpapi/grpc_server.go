package httpapi

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"homebase.io/internal/obs"
)

// HealthServer publishes store readiness through grpc.health.v1 for the
// overall server and for serviceName.
type HealthServer struct {
	health *health.Server
	ready  ReadyProbe
}

func NewHealthServer(ready ReadyProbe) *HealthServer {
	return &HealthServer{health: health.NewServer(), ready: ready}
}

// NewGRPCServer builds a server with the health service registered.
func NewGRPCServer(hs *HealthServer) *grpc.Server {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(logUnary))
	healthpb.RegisterHealthServer(srv, hs.health)
	return srv
}

// Check probes the stores once and updates the published status.
func (h *HealthServer) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_SERVING
	if h.ready != nil {
		if err := h.ready.Ping(ctx); err != nil {
			obs.Logger().WarnContext(ctx, "readiness probe failed", slog.String("error", err.Error()))
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	h.health.SetServingStatus("", st)
	h.health.SetServingStatus(serviceName, st)
	return st
}

// Run re-probes every interval until ctx is done, then marks the server
// as shutting down.
func (h *HealthServer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	h.probe(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			return
		case <-ticker.C:
			h.probe(ctx)
		}
	}
}

func (h *HealthServer) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	h.Check(pctx)
}

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	obs.Logger().DebugContext(ctx, "grpc request",
		slog.String("method", info.FullMethod),
		slog.String("code", status.Code(err).String()),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return resp, err
}
