// Package router turns inbound broker messages into background jobs.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"procodus.dev/fleet-control/internal/broker"
	"procodus.dev/fleet-control/internal/jobs"
	"procodus.dev/fleet-control/internal/tasks"
	"procodus.dev/fleet-control/pkg/metrics"
)

// ErrOutbound is returned for topics the backend publishes itself.
var ErrOutbound = errors.New("outbound topic")

// Config holds the configuration for the Router.
type Config struct {
	Logger   *slog.Logger
	Enqueuer tasks.Enqueuer
	Now      func() time.Time
}

// Router validates topics and payloads and enqueues one job per message.
// It runs on the broker delivery goroutine and never blocks.
type Router struct {
	logger   *slog.Logger
	enqueuer tasks.Enqueuer
	now      func() time.Time
	metrics  *metrics.RouterMetrics
}

// NewRouter validates cfg.
func NewRouter(cfg *Config) (*Router, error) {
	if cfg == nil {
		return nil, errors.New("router config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Enqueuer == nil {
		return nil, errors.New("enqueuer cannot be nil")
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Router{
		logger:   cfg.Logger.With("component", "router"),
		enqueuer: cfg.Enqueuer,
		now:      now,
	}, nil
}

// SetMetrics sets the metrics collector.
func (r *Router) SetMetrics(m *metrics.RouterMetrics) {
	r.metrics = m
}

// JobFor maps an inbound message type to its job.
func JobFor(t broker.MessageType) (string, bool) {
	switch t {
	case broker.MessageStatus:
		return jobs.DeviceStatusUpdate, true
	case broker.MessageTelemetry:
		return jobs.DeviceTelemetry, true
	case broker.MessageResponse:
		return jobs.CommandResponse, true
	case broker.MessageAlert:
		return jobs.DeviceAlert, true
	case broker.MessageHeartbeat:
		return jobs.DeviceHeartbeat, true
	}
	return "", false
}

// HandleMessage is the broker.MessageHandler. Every failure ends in a log
// line and a drop.
func (r *Router) HandleMessage(topic string, payload []byte) {
	_, _ = r.Route(topic, payload)
}

// Route enqueues the job for one message and reports why it was dropped.
func (r *Router) Route(topic string, payload []byte) (tasks.Handle, error) {
	t, err := broker.ParseTopic(topic)
	switch {
	case errors.Is(err, broker.ErrUnknownMessageType):
		r.logger.Warn("unknown message type", "topic", topic, "tenant_id", t.TenantID, "device_id", t.DeviceID)
		r.drop("unknown_type")
		return tasks.Handle{}, err
	case err != nil:
		r.logger.Warn("invalid topic format", "topic", topic)
		r.drop("malformed_topic")
		return tasks.Handle{}, err
	case t.Broadcast || t.Outbound:
		r.logger.Debug("ignoring outbound topic", "topic", topic)
		r.drop("outbound")
		return tasks.Handle{}, fmt.Errorf("%w: %q", ErrOutbound, topic)
	}

	if r.metrics != nil {
		r.metrics.MessagesReceived.WithLabelValues(t.Type.String()).Inc()
	}
	logger := r.logger.With("tenant_id", t.TenantID, "device_id", t.DeviceID, "type", t.Type.String())

	name, ok := JobFor(t.Type)
	if !ok {
		logger.Warn("no job for message type")
		r.drop("unknown_type")
		return tasks.Handle{}, fmt.Errorf("%w: %s", broker.ErrUnknownMessageType, t.Type)
	}

	body, err := broker.DecodeObject(payload)
	if err != nil {
		logger.Warn("dropping undecodable payload", "error", err)
		r.drop("malformed_payload")
		return tasks.Handle{}, err
	}

	h, err := r.enqueuer.TryEnqueue(name, jobs.DeviceArgs{
		TenantID:   t.TenantID,
		DeviceID:   t.DeviceID,
		Payload:    body,
		ReceivedAt: r.now(),
	})
	if err != nil {
		if errors.Is(err, tasks.ErrQueueFull) {
			logger.Warn("task queue full, shedding message", "job", name)
			r.drop("queue_full")
		} else {
			logger.Error("failed to enqueue message", "job", name, "error", err)
			r.drop("enqueue_failed")
		}
		return tasks.Handle{}, err
	}

	if r.metrics != nil {
		r.metrics.MessagesRouted.WithLabelValues(t.Type.String()).Inc()
	}
	logger.Debug("message routed", "job", name, "task_id", h.ID)
	return h, nil
}

func (r *Router) drop(reason string) {
	if r.metrics != nil {
		r.metrics.MessagesDropped.WithLabelValues(reason).Inc()
	}
}
