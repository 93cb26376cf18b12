// Package realtime pushes tenant-scoped updates and notifications to
// dashboards through Redis Streams.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// Update categories.
const (
	CategoryDeviceStatus = "device_status"
	CategoryTelemetry    = "telemetry"
	CategoryAlerts       = "alerts"
	CategoryCommands     = "commands"
	CategoryAnalytics    = "analytics"
)

// Notification types.
const (
	NotificationDeviceOffline = "device_offline"
	NotificationCriticalAlert = "critical_alert"
)

// DefaultMaxLen caps each stream, approximately.
const DefaultMaxLen = 10000

// Sink receives real-time pushes. Implementations must be safe for
// concurrent use. Callers log sink errors and carry on.
type Sink interface {
	SendUpdate(ctx context.Context, tenantID, category, docID string, data any) error
	SendNotification(ctx context.Context, tenantID, notificationType string, data any) error
}

// StreamKey returns the stream an update category is written to.
func StreamKey(tenantID, category string) string {
	return fmt.Sprintf("realtime:%s:%s", tenantID, category)
}

// NotificationsKey returns a tenant's notification stream.
func NotificationsKey(tenantID string) string {
	return StreamKey(tenantID, "notifications")
}

// RedisSinkConfig holds the configuration for the RedisSink.
type RedisSinkConfig struct {
	Client redis.Cmdable
	// MaxLen bounds every stream (default DefaultMaxLen).
	MaxLen int64
	Now    func() time.Time
}

// RedisSink appends pushes to Redis Streams.
type RedisSink struct {
	client redis.Cmdable
	maxLen int64
	now    func() time.Time
}

// NewRedisSink validates cfg.
func NewRedisSink(cfg *RedisSinkConfig) (*RedisSink, error) {
	if cfg == nil {
		return nil, errors.New("redis sink config cannot be nil")
	}
	if cfg.Client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	s := &RedisSink{client: cfg.Client, maxLen: cfg.MaxLen, now: cfg.Now}
	if s.maxLen <= 0 {
		s.maxLen = DefaultMaxLen
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s, nil
}

// SendUpdate implements Sink.
func (s *RedisSink) SendUpdate(ctx context.Context, tenantID, category, docID string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s update: %w", category, err)
	}
	return s.add(ctx, StreamKey(tenantID, category), map[string]any{
		"doc_id":     docID,
		"data":       string(body),
		"updated_at": s.now().Format(time.RFC3339Nano),
	})
}

// SendNotification implements Sink. Notifications start unread.
func (s *RedisSink) SendNotification(ctx context.Context, tenantID, notificationType string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s notification: %w", notificationType, err)
	}
	return s.add(ctx, NotificationsKey(tenantID), map[string]any{
		"type":       notificationType,
		"data":       string(body),
		"read":       "false",
		"created_at": s.now().Format(time.RFC3339Nano),
	})
}

func (s *RedisSink) add(ctx context.Context, stream string, values map[string]any) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append to %s: %w", stream, err)
	}
	return nil
}

// LogSink writes pushes to the log when no Redis is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink logging at debug level.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "realtime")}
}

// SendUpdate implements Sink.
func (s *LogSink) SendUpdate(_ context.Context, tenantID, category, docID string, data any) error {
	s.logger.Debug("realtime update",
		"tenant_id", tenantID,
		"category", category,
		"doc_id", docID,
		"data", data)
	return nil
}

// SendNotification implements Sink.
func (s *LogSink) SendNotification(_ context.Context, tenantID, notificationType string, data any) error {
	s.logger.Info("realtime notification",
		"tenant_id", tenantID,
		"type", notificationType,
		"data", data)
	return nil
}

var (
	_ Sink = (*RedisSink)(nil)
	_ Sink = (*LogSink)(nil)
)
