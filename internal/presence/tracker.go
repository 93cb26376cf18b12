// Package presence tracks device liveness from heartbeats and status
// reports and marks silent devices offline.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/datatypes"

	"procodus.dev/fleet-control/internal/broker"
	"procodus.dev/fleet-control/internal/realtime"
	"procodus.dev/fleet-control/internal/store"
	"procodus.dev/fleet-control/pkg/metrics"
)

// DefaultOfflineAfter is how long a device may stay silent before a sweep
// marks it offline.
const DefaultOfflineAfter = 5 * time.Minute

// Config holds the configuration for the Tracker.
type Config struct {
	Logger       *slog.Logger
	Store        store.Store
	Sink         realtime.Sink
	Now          func() time.Time
	OfflineAfter time.Duration
}

// Tracker applies presence updates and runs offline sweeps.
type Tracker struct {
	logger       *slog.Logger
	store        store.Store
	sink         realtime.Sink
	now          func() time.Time
	offlineAfter time.Duration
	metrics      *metrics.PresenceMetrics
}

// NewTracker validates cfg and applies defaults.
func NewTracker(cfg *Config) (*Tracker, error) {
	if cfg == nil {
		return nil, errors.New("presence config cannot be nil")
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
	t := &Tracker{
		logger:       cfg.Logger.With("component", "presence"),
		store:        cfg.Store,
		sink:         cfg.Sink,
		now:          cfg.Now,
		offlineAfter: cfg.OfflineAfter,
	}
	if t.now == nil {
		t.now = func() time.Time { return time.Now().UTC() }
	}
	if t.offlineAfter <= 0 {
		t.offlineAfter = DefaultOfflineAfter
	}
	return t, nil
}

// SetMetrics sets the metrics collector.
func (t *Tracker) SetMetrics(m *metrics.PresenceMetrics) {
	t.metrics = m
}

// OfflineAfter returns the silence threshold.
func (t *Tracker) OfflineAfter() time.Duration {
	return t.offlineAfter
}

// RecordHeartbeat marks the device online and then sweeps its tenant.
// A zero ts means the heartbeat carried no timestamp; a ts ahead of the
// clock is clamped to now. Unknown devices are logged and skipped.
func (t *Tracker) RecordHeartbeat(ctx context.Context, tenantID, deviceID string, ts time.Time) error {
	if err := t.heartbeat(ctx, tenantID, deviceID, ts); err != nil {
		return err
	}
	if _, err := t.Sweep(ctx, tenantID); err != nil {
		return fmt.Errorf("failed to sweep after heartbeat: %w", err)
	}
	return nil
}

func (t *Tracker) heartbeat(ctx context.Context, tenantID, deviceID string, ts time.Time) error {
	now := t.now()
	// A device clock running ahead would pin last_heartbeat in the future.
	if ts.IsZero() || ts.After(now) {
		ts = now
	}

	err := t.store.RecordHeartbeat(ctx, tenantID, deviceID, ts, now)
	switch {
	case errors.Is(err, store.ErrNotFound):
		t.logger.Warn("heartbeat from unknown device", "tenant_id", tenantID, "device_id", deviceID)
		t.countHeartbeat("unknown_device")
		return nil
	case err != nil:
		t.countHeartbeat("error")
		return err
	}
	t.countHeartbeat("applied")
	t.logger.Debug("heartbeat recorded", "tenant_id", tenantID, "device_id", deviceID, "at", ts)
	return nil
}

func (t *Tracker) countHeartbeat(status string) {
	if t.metrics != nil {
		t.metrics.Heartbeats.WithLabelValues(status).Inc()
	}
}

// ApplyStatus writes a status report. An online report also counts as a
// heartbeat. receivedAt stands in for a missing payload timestamp.
func (t *Tracker) ApplyStatus(ctx context.Context, tenantID, deviceID string, p broker.StatusPayload, receivedAt time.Time) error {
	logger := t.logger.With("tenant_id", tenantID, "device_id", deviceID)

	u := store.StatusUpdate{
		LastSeen:       p.Timestamp.Or(receivedAt),
		UpdatedAt:      t.now(),
		ConnectionInfo: datatypes.JSON(p.ConnectionInfo),
		SystemInfo:     datatypes.JSON(p.SystemInfo),
	}
	if p.Status != "" {
		s := store.DeviceStatus(p.Status)
		if !s.Valid() {
			return fmt.Errorf("%w: invalid device status %q", broker.ErrMalformedPayload, p.Status)
		}
		u.Status = &s
	}

	err := t.store.ApplyDeviceStatus(ctx, tenantID, deviceID, u)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("status from unknown device")
		return nil
	}
	if err != nil {
		return err
	}
	if t.metrics != nil {
		t.metrics.StatusTransition.WithLabelValues(statusLabel(u.Status)).Inc()
	}

	if u.Status != nil && *u.Status == store.DeviceOnline {
		if err := t.heartbeat(ctx, tenantID, deviceID, u.LastSeen); err != nil {
			return err
		}
	}

	update := map[string]any{
		"device_id": deviceID,
		"last_seen": u.LastSeen,
	}
	if u.Status != nil {
		update["status"] = string(*u.Status)
	}
	if err := t.sink.SendUpdate(ctx, tenantID, realtime.CategoryDeviceStatus, deviceID, update); err != nil {
		logger.Error("failed to push status update", "error", err)
	}
	logger.Debug("status applied", "status", statusLabel(u.Status))
	return nil
}

func statusLabel(s *store.DeviceStatus) string {
	if s == nil {
		return "unchanged"
	}
	return string(*s)
}

// Sweep marks every device of the tenant offline whose last heartbeat is
// older than the threshold. It returns only the devices this call
// transitioned, each announced with one device_offline notification.
func (t *Tracker) Sweep(ctx context.Context, tenantID string) ([]store.Device, error) {
	started := time.Now()
	now := t.now()

	devices, err := t.store.MarkStaleOffline(ctx, tenantID, now.Add(-t.offlineAfter), now)
	if t.metrics != nil {
		t.metrics.SweepDuration.Observe(time.Since(started).Seconds())
	}
	if err != nil {
		if t.metrics != nil {
			t.metrics.SweepsTotal.WithLabelValues("error").Inc()
		}
		return nil, fmt.Errorf("failed to mark stale devices offline: %w", err)
	}
	if t.metrics != nil {
		t.metrics.SweepsTotal.WithLabelValues("success").Inc()
		t.metrics.DevicesOffline.Add(float64(len(devices)))
	}

	for i := range devices {
		d := &devices[i]
		t.logger.Info("device went offline",
			"tenant_id", tenantID,
			"device_id", d.ID,
			"last_heartbeat", d.LastHeartbeat)

		if err := t.sink.SendNotification(ctx, tenantID, realtime.NotificationDeviceOffline, map[string]any{
			"device_id":   d.ID,
			"device_name": d.Name,
			"last_seen":   d.LastHeartbeat,
		}); err != nil {
			t.logger.Error("failed to send offline notification", "device_id", d.ID, "error", err)
		}
	}
	return devices, nil
}
