package httpapi

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService publishes readiness through the standard gRPC health
// protocol, both for the empty service name and for the guard service.
type HealthService struct {
	server   *health.Server
	ready    ReadyFunc
	interval time.Duration
	logger   *slog.Logger
}

// NewHealthService starts in NOT_SERVING until the first probe succeeds.
func NewHealthService(ready ReadyFunc, interval time.Duration, logger *slog.Logger) *HealthService {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &HealthService{server: health.NewServer(), ready: ready, interval: interval, logger: logger}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register adds the health service to s.
func (h *HealthService) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Probe runs the readiness check once and updates the serving status.
func (h *HealthService) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, h.interval)
	defer cancel()
	if err := h.ready.Check(ctx); err != nil {
		h.logger.Warn("grpc health probe failed", slog.String("error", err.Error()))
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	h.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Run probes until ctx ends, then reports NOT_SERVING for good.
func (h *HealthService) Run(ctx context.Context) {
	h.Probe(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-ticker.C:
			h.Probe(ctx)
		}
	}
}

func (h *HealthService) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(serviceName, status)
}
