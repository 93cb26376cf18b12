package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"procodus.dev/fleet-control/internal/broker"
	"procodus.dev/fleet-control/internal/jobs"
	"procodus.dev/fleet-control/internal/realtime"
	"procodus.dev/fleet-control/internal/store"
	"procodus.dev/fleet-control/internal/tasks"
	"procodus.dev/fleet-control/pkg/metrics"
)

// Enqueuer submits alert jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, args any) (tasks.Handle, error)
}

// Config holds the configuration for the Service.
type Config struct {
	Logger   *slog.Logger
	Store    store.Store
	Sink     realtime.Sink
	Enqueuer Enqueuer
	Now      func() time.Time
	// Rules defaults to DefaultRules.
	Rules []Rule
	// SuppressionWindow skips a breach while an unresolved alert of the same
	// type for the device is younger than the window. Zero disables it.
	// Alerts raised but not yet stored count within this process only; two
	// backends can still each raise one.
	SuppressionWindow time.Duration
}

// Service raises, stores and updates alerts.
type Service struct {
	logger      *slog.Logger
	store       store.Store
	sink        realtime.Sink
	enqueuer    Enqueuer
	now         func() time.Time
	rules       []Rule
	suppression time.Duration
	metrics     *metrics.AlertMetrics

	// pending holds breaches enqueued but maybe not stored yet, by raise time.
	mu      sync.Mutex
	pending map[pendingKey]time.Time
	sweepAt int
}

type pendingKey struct {
	tenantID, deviceID, alertType string
}

// NewService validates cfg.
func NewService(cfg *Config) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("alerting config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Sink == nil {
		return nil, errors.New("sink cannot be nil")
	}
	if cfg.Enqueuer == nil {
		return nil, errors.New("enqueuer cannot be nil")
	}
	if cfg.SuppressionWindow < 0 {
		return nil, errors.New("suppression window cannot be negative")
	}
	s := &Service{
		logger:      cfg.Logger.With("component", "alerting"),
		store:       cfg.Store,
		sink:        cfg.Sink,
		enqueuer:    cfg.Enqueuer,
		now:         cfg.Now,
		rules:       cfg.Rules,
		suppression: cfg.SuppressionWindow,
		pending:     make(map[pendingKey]time.Time),
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.rules == nil {
		s.rules = DefaultRules
	}
	return s, nil
}

// SetMetrics sets the metrics collector.
func (s *Service) SetMetrics(m *metrics.AlertMetrics) {
	s.metrics = m
}

// Check evaluates one telemetry message for a device and raises every
// breach. It returns the handles of the enqueued alert jobs.
func (s *Service) Check(ctx context.Context, device *store.Device, metricValues map[string]any, ts time.Time) ([]tasks.Handle, error) {
	breaches := Evaluate(s.rules, Thresholds(device.Configuration), metricValues, ts)
	return s.Raise(ctx, device.TenantID, device.ID, breaches)
}

// Raise enqueues one device.alert.process job per breach, skipping
// suppressed ones. It stops at the first enqueue failure.
func (s *Service) Raise(ctx context.Context, tenantID, deviceID string, breaches []Breach) ([]tasks.Handle, error) {
	logger := s.logger.With("tenant_id", tenantID, "device_id", deviceID)

	var handles []tasks.Handle
	for _, b := range breaches {
		if s.metrics != nil {
			s.metrics.Breaches.WithLabelValues(b.Alert.Type, b.Alert.Severity).Inc()
		}

		key := pendingKey{tenantID, deviceID, b.Alert.Type}
		suppressed, err := s.suppressed(ctx, key)
		if err != nil {
			return handles, err
		}
		if suppressed {
			logger.Debug("breach suppressed by open alert", "alert_type", b.Alert.Type)
			if s.metrics != nil {
				s.metrics.Suppressed.WithLabelValues(b.Alert.Type).Inc()
			}
			continue
		}

		payload, err := json.Marshal(b.Alert)
		if err != nil {
			s.release(key)
			return handles, fmt.Errorf("failed to encode alert: %w", err)
		}
		h, err := s.enqueuer.Enqueue(ctx, jobs.DeviceAlert, jobs.DeviceArgs{
			TenantID:   tenantID,
			DeviceID:   deviceID,
			Payload:    payload,
			ReceivedAt: s.now(),
		})
		if err != nil {
			s.release(key)
			return handles, fmt.Errorf("failed to enqueue %s alert: %w", b.Alert.Type, err)
		}
		logger.Info("threshold breached",
			"alert_type", b.Alert.Type,
			"current", b.Current,
			"threshold", b.Threshold,
			"task_id", h.ID)
		handles = append(handles, h)
	}
	return handles, nil
}

// suppressed reports whether a breach for key falls inside the window of an
// earlier one. A false result reserves key until the window passes, so a
// second breach arriving before the first alert job runs is still skipped.
func (s *Service) suppressed(ctx context.Context, key pendingKey) (bool, error) {
	if s.suppression == 0 {
		return false, nil
	}
	now := s.now()
	since := now.Add(-s.suppression)

	s.mu.Lock()
	if at, ok := s.pending[key]; ok && at.After(since) {
		s.mu.Unlock()
		return true, nil
	}
	s.sweep(since)
	s.pending[key] = now
	s.mu.Unlock()

	_, err := s.store.LatestOpenAlert(ctx, key.tenantID, key.deviceID, key.alertType, since)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	s.release(key)
	if err != nil {
		return false, fmt.Errorf("failed to look up open alert: %w", err)
	}
	return true, nil
}

func (s *Service) release(key pendingKey) {
	if s.suppression == 0 {
		return
	}
	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()
}

// sweep drops reservations older than since once the map has doubled since
// the last sweep. Callers hold s.mu.
func (s *Service) sweep(since time.Time) {
	if len(s.pending) < s.sweepAt {
		return
	}
	for k, at := range s.pending {
		if !at.After(since) {
			delete(s.pending, k)
		}
	}
	s.sweepAt = max(2*len(s.pending), 64)
}

// Pending reports how many breaches are reserved against the suppression
// window.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Process stores one alert, whether raised by a device or by threshold
// evaluation. Missing type becomes "unknown"; missing or invalid severity
// becomes medium. High and critical alerts also send a critical_alert
// notification.
func (s *Service) Process(ctx context.Context, tenantID, deviceID string, p broker.AlertPayload, receivedAt time.Time) (*store.Alert, error) {
	a := &store.Alert{
		TenantID:  tenantID,
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		AlertType: p.Type,
		Severity:  store.Severity(p.Severity),
		Message:   p.Message,
		Timestamp: p.Timestamp.Or(receivedAt),
		CreatedAt: s.now(),
	}
	if a.AlertType == "" {
		a.AlertType = "unknown"
	}
	if !a.Severity.Valid() {
		if p.Severity != "" {
			s.logger.Warn("invalid alert severity, using medium", "severity", p.Severity)
		}
		a.Severity = store.SeverityMedium
	}
	details := p.Details
	if details == nil {
		details = map[string]any{}
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("failed to encode alert details: %w", err)
	}
	a.Details = datatypes.JSON(b)

	if err := s.store.InsertAlert(ctx, a); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.Raised.WithLabelValues(string(a.Severity)).Inc()
	}

	logger := s.logger.With("tenant_id", tenantID, "device_id", deviceID, "alert_id", a.ID)
	if a.Severity.Urgent() {
		if err := s.sink.SendNotification(ctx, tenantID, realtime.NotificationCriticalAlert, map[string]any{
			"device_id":  deviceID,
			"alert_id":   a.ID,
			"alert_type": a.AlertType,
			"message":    a.Message,
			"severity":   string(a.Severity),
		}); err != nil {
			logger.Error("failed to send critical alert notification", "error", err)
		}
	}
	s.push(ctx, logger, a)

	logger.Info("alert processed", "alert_type", a.AlertType, "severity", a.Severity)
	return a, nil
}

// Acknowledge sets the acknowledged flag. Repeating it changes nothing.
func (s *Service) Acknowledge(ctx context.Context, tenantID, alertID string) (*store.Alert, error) {
	a, err := s.store.AcknowledgeAlert(ctx, tenantID, alertID, s.now())
	if err != nil {
		return nil, err
	}
	s.updated(ctx, "acknowledge", a)
	return a, nil
}

// Resolve sets the resolved flag, independent of acknowledgement.
func (s *Service) Resolve(ctx context.Context, tenantID, alertID string) (*store.Alert, error) {
	a, err := s.store.ResolveAlert(ctx, tenantID, alertID, s.now())
	if err != nil {
		return nil, err
	}
	s.release(pendingKey{a.TenantID, a.DeviceID, a.AlertType})
	s.updated(ctx, "resolve", a)
	return a, nil
}

func (s *Service) updated(ctx context.Context, action string, a *store.Alert) {
	if s.metrics != nil {
		s.metrics.Updates.WithLabelValues(action).Inc()
	}
	s.push(ctx, s.logger.With("tenant_id", a.TenantID, "alert_id", a.ID), a)
}

func (s *Service) push(ctx context.Context, logger *slog.Logger, a *store.Alert) {
	if err := s.sink.SendUpdate(ctx, a.TenantID, realtime.CategoryAlerts, a.ID, a); err != nil {
		logger.Error("failed to push alert update", "error", err)
	}
}
