package api

import (
	"context"
	"log/slog"
	"path"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"procodus.dev/fleet-control/pkg/metrics"
)

// MetricsInterceptor records request counts, latency and in-flight requests.
func MetricsInterceptor(m *metrics.APIMetrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		method := path.Base(info.FullMethod)

		m.RequestsInFlight.WithLabelValues(method).Inc()
		defer m.RequestsInFlight.WithLabelValues(method).Dec()

		timer := prometheus.NewTimer(m.RequestDuration.WithLabelValues(method))
		defer timer.ObserveDuration()

		resp, err := handler(ctx, req)
		m.RequestsTotal.WithLabelValues(method, status.Code(err).String()).Inc()
		return resp, err
	}
}

// LoggingInterceptor logs every call with its outcome.
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	logger = logger.With("component", "api")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		method := path.Base(info.FullMethod)
		code := status.Code(err)
		if err != nil {
			logger.Warn("request failed", "method", method, "code", code.String(), "error", err, "duration", time.Since(start))
			return resp, err
		}
		logger.Debug("request served", "method", method, "duration", time.Since(start))
		return resp, nil
	}
}
