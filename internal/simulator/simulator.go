// Package simulator emulates a tenant's devices against the MQTT broker:
// each device heartbeats, reports telemetry and status, and answers the
// commands sent to it.
package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/fleet-control/internal/broker"
	"procodus.dev/fleet-control/pkg/generator"
	"procodus.dev/fleet-control/pkg/metrics"
)

const (
	defaultStatusEvery = 6
	defaultDeviceCount = 1
)

// Config holds the configuration for a Simulator.
type Config struct {
	Logger    *slog.Logger
	Publisher broker.Publisher
	TenantID  string
	// DeviceCount is the number of devices to fake when DeviceIDs is empty.
	DeviceCount int
	// DeviceIDs pins the simulated device ids, e.g. to match registered devices.
	DeviceIDs []string
	// StatusEvery sends a status report every N ticks.
	StatusEvery int
	// ResponseDelay is how long a device "works" on a command before answering.
	ResponseDelay time.Duration
	// SpikeRate overrides the chance of an anomalous temperature reading.
	SpikeRate *float64
	Seed      uint64
	Now       func() time.Time
}

type device struct {
	generator.Device
	telemetry *generator.TelemetryGenerator
}

// Simulator drives a set of fake devices of one tenant.
type Simulator struct {
	logger    *slog.Logger
	publisher broker.Publisher
	tenantID  string
	devices   []*device
	byID      map[string]*device
	statusN   int
	delay     time.Duration
	now       func() time.Time
	metrics   *metrics.SimulatorMetrics
	mu        sync.Mutex // guards ticks and generator state
	ticks     int
	pending   sync.WaitGroup
}

// New builds a simulator and its devices.
func New(cfg *Config) (*Simulator, error) {
	if cfg == nil {
		return nil, errors.New("simulator config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}
	if cfg.TenantID == "" {
		return nil, errors.New("tenant id cannot be empty")
	}
	if cfg.DeviceCount < 0 {
		return nil, fmt.Errorf("invalid device count %d", cfg.DeviceCount)
	}

	s := &Simulator{
		logger:    cfg.Logger.With("component", "simulator", "tenant_id", cfg.TenantID),
		publisher: cfg.Publisher,
		tenantID:  cfg.TenantID,
		byID:      make(map[string]*device),
		statusN:   cfg.StatusEvery,
		delay:     cfg.ResponseDelay,
		now:       cfg.Now,
	}
	if s.statusN <= 0 {
		s.statusN = defaultStatusEvery
	}
	if s.now == nil {
		s.now = time.Now
	}

	faker := gofakeit.New(cfg.Seed)
	ids := cfg.DeviceIDs
	if len(ids) == 0 {
		n := cfg.DeviceCount
		if n == 0 {
			n = defaultDeviceCount
		}
		ids = make([]string, n)
	}

	started := s.now()
	for _, id := range ids {
		d, err := generator.NewDevice(faker)
		if err != nil {
			return nil, fmt.Errorf("failed to generate device: %w", err)
		}
		if id != "" {
			d.ID = id
		}
		if _, dup := s.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate device id %q", d.ID)
		}
		g := generator.NewTelemetryGenerator(faker, started)
		if cfg.SpikeRate != nil {
			g.SpikeRate = *cfg.SpikeRate
		}
		dev := &device{Device: d, telemetry: g}
		s.devices = append(s.devices, dev)
		s.byID[d.ID] = dev
	}
	return s, nil
}

// SetMetrics sets the metrics collector for this simulator.
func (s *Simulator) SetMetrics(m *metrics.SimulatorMetrics) {
	s.metrics = m
}

// TenantID returns the simulated tenant.
func (s *Simulator) TenantID() string {
	return s.tenantID
}

// Devices returns the simulated device identities.
func (s *Simulator) Devices() []generator.Device {
	out := make([]generator.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d.Device)
	}
	return out
}

// Filters returns the command topics of every simulated device.
func (s *Simulator) Filters() []string {
	filters := make([]string, 0, len(s.devices))
	for _, d := range s.devices {
		filters = append(filters, broker.CommandTopic(s.tenantID, d.ID))
	}
	return filters
}

// HandleMessage answers a command addressed to a simulated device. The
// response is published asynchronously so the broker's delivery goroutine
// is never blocked.
func (s *Simulator) HandleMessage(topic string, payload []byte) {
	t, err := broker.ParseTopic(topic)
	if err != nil || !t.Outbound || t.TenantID != s.tenantID {
		s.logger.Debug("ignoring message", "topic", topic)
		return
	}
	if _, ok := s.byID[t.DeviceID]; !ok {
		s.logger.Debug("ignoring command for unknown device", "device_id", t.DeviceID)
		return
	}

	var cmd broker.CommandMessage
	if err := broker.Decode(payload, &cmd); err != nil || cmd.CommandID == "" {
		s.logger.Warn("discarding malformed command", "device_id", t.DeviceID, "error", err)
		return
	}
	s.logger.Info("command received",
		"device_id", t.DeviceID,
		"command_id", cmd.CommandID,
		"command", cmd.Command,
	)

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
		s.respond(t.DeviceID, cmd)
	}()
}

func (s *Simulator) respond(deviceID string, cmd broker.CommandMessage) {
	result, _ := json.Marshal(map[string]any{
		"message": fmt.Sprintf("Command '%s' executed successfully", cmd.Command),
	})
	resp := broker.ResponsePayload{
		Timestamp: broker.Timestamp{Time: s.now()},
		CommandID: cmd.CommandID,
		Status:    "completed",
		Result:    result,
	}

	ctx := context.Background()
	if err := s.publish(ctx, deviceID, broker.MessageResponse, resp); err != nil {
		s.logger.Error("failed to publish command response",
			"device_id", deviceID,
			"command_id", cmd.CommandID,
			"error", err,
		)
		return
	}
	if s.metrics != nil {
		s.metrics.CommandsAnswered.Inc()
	}
}

// Tick publishes one round of device traffic: a heartbeat and telemetry
// from every device, plus a status report every StatusEvery ticks.
func (s *Simulator) Tick(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	withStatus := s.ticks%s.statusN == 0
	s.ticks++
	now := s.now()

	var errs []error
	for _, d := range s.devices {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		reading := d.telemetry.Next(now)

		if withStatus {
			if err := s.publish(ctx, d.ID, broker.MessageStatus, s.status(d, reading, now)); err != nil {
				errs = append(errs, err)
			}
		}
		heartbeat := broker.HeartbeatPayload{Timestamp: broker.Timestamp{Time: now}}
		if err := s.publish(ctx, d.ID, broker.MessageHeartbeat, heartbeat); err != nil {
			errs = append(errs, err)
		}
		telemetry := broker.TelemetryPayload{
			Timestamp: broker.Timestamp{Time: now},
			Metrics:   reading.Metrics(),
		}
		if err := s.publish(ctx, d.ID, broker.MessageTelemetry, telemetry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Simulator) status(d *device, r generator.Reading, now time.Time) broker.StatusPayload {
	conn, _ := json.Marshal(map[string]any{
		"ip_address":      d.IPAddress,
		"mac_address":     d.MacAddress,
		"signal_strength": r.SignalStrength,
	})
	sys, _ := json.Marshal(map[string]any{
		"firmware":      d.Firmware,
		"battery_level": r.BatteryLevel,
		"temperature":   r.Temperature,
	})
	return broker.StatusPayload{
		Timestamp:      broker.Timestamp{Time: now},
		Status:         "online",
		ConnectionInfo: conn,
		SystemInfo:     sys,
	}
}

func (s *Simulator) publish(ctx context.Context, deviceID string, t broker.MessageType, payload any) error {
	kind := t.String()
	var timer *prometheus.Timer
	if s.metrics != nil {
		timer = prometheus.NewTimer(s.metrics.PublishDuration.WithLabelValues(kind))
	}

	err := s.publisher.Publish(ctx, broker.DeviceTopic(s.tenantID, deviceID, t), payload)
	if s.metrics != nil {
		timer.ObserveDuration()
		if err != nil {
			s.metrics.PublishFailures.WithLabelValues(kind).Inc()
		} else {
			s.metrics.MessagesPublished.WithLabelValues(kind).Inc()
		}
	}
	if err != nil {
		return fmt.Errorf("failed to publish %s for %s: %w", kind, deviceID, err)
	}
	return nil
}

// Wait blocks until every in-flight command response is published.
func (s *Simulator) Wait() {
	s.pending.Wait()
}
