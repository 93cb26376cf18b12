package api

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// DefaultHealthInterval is how often the broker check runs.
const DefaultHealthInterval = 5 * time.Second

// HealthReporter drives the standard gRPC health service from a check function.
// The service reports SERVING only while the check returns true.
type HealthReporter struct {
	logger   *slog.Logger
	server   *health.Server
	check    func() bool
	interval time.Duration
	serving  bool
}

// NewHealthReporter returns a reporter that starts NOT_SERVING.
func NewHealthReporter(logger *slog.Logger, check func() bool, interval time.Duration) *HealthReporter {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	h := &HealthReporter{
		logger:   logger.With("component", "health"),
		server:   health.NewServer(),
		check:    check,
		interval: interval,
	}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Server returns the health service to register on a grpc.Server.
func (h *HealthReporter) Server() *health.Server {
	return h.server
}

// Update runs the check once and publishes the result.
func (h *HealthReporter) Update() bool {
	ok := h.check()
	if ok != h.serving {
		h.logger.Info("serving status changed", "serving", ok)
	}
	h.serving = ok
	if ok {
		h.set(healthpb.HealthCheckResponse_SERVING)
	} else {
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return ok
}

// Run checks until ctx ends, then marks the service as shutting down.
func (h *HealthReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.Update()
	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-ticker.C:
			h.Update()
		}
	}
}

func (h *HealthReporter) set(s healthpb.HealthCheckResponse_ServingStatus) {
	h.server.SetServingStatus("", s)
	h.server.SetServingStatus(ServiceName, s)
}
