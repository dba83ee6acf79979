package grpc

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health check service reported besides the overall one.
const ServiceName = "negotiation.Orchestrator"

// Probe reports whether the core is able to serve.
type Probe func() bool

// HealthServer publishes the probe through the standard gRPC health protocol.
// It runs as a supervised worker polling the probe.
type HealthServer struct {
	log      *slog.Logger
	probe    Probe
	interval time.Duration
	health   *health.Server
}

func NewHealthServer(log *slog.Logger, probe Probe, interval time.Duration) *HealthServer {
	if interval <= 0 {
		interval = time.Second
	}
	h := &HealthServer{log: log, probe: probe, interval: interval, health: health.NewServer()}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

func (h *HealthServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.health)
}

func (h *HealthServer) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if h.probe() {
			status = healthpb.HealthCheckResponse_SERVING
		}
		if status != last {
			h.log.Info("Health status changed", "service", ServiceName, "status", status.String())
			h.set(status)
			last = status
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Shutdown makes every check answer NOT_SERVING from now on.
func (h *HealthServer) Shutdown() {
	h.health.Shutdown()
}

func (h *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}
