// Package pipeline binds every background job to the service that runs it.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"procodus.dev/fleet-control/internal/alerting"
	"procodus.dev/fleet-control/internal/broker"
	"procodus.dev/fleet-control/internal/commands"
	"procodus.dev/fleet-control/internal/fleet"
	"procodus.dev/fleet-control/internal/jobs"
	"procodus.dev/fleet-control/internal/presence"
	"procodus.dev/fleet-control/internal/realtime"
	"procodus.dev/fleet-control/internal/store"
	"procodus.dev/fleet-control/internal/tasks"
)

// Error classes recorded with failed jobs.
const (
	ClassParse    = "parse"
	ClassNotFound = "not_found"
	ClassStore    = "store"
	ClassPublish  = "publish"
	ClassInternal = "internal"
)

// Classify labels a job error for results and metrics.
func Classify(err error) string {
	switch {
	case errors.Is(err, broker.ErrMalformedPayload),
		errors.Is(err, tasks.ErrInvalidArgs),
		errors.Is(err, commands.ErrInvalidRequest):
		return ClassParse
	case errors.Is(err, store.ErrNotFound):
		return ClassNotFound
	case errors.Is(err, broker.ErrPublish):
		return ClassPublish
	case errors.Is(err, store.ErrStore):
		return ClassStore
	}
	return ClassInternal
}

// Registrar accepts job handlers.
type Registrar interface {
	Register(name string, h tasks.Handler)
}

// Config holds the configuration for the Pipeline.
type Config struct {
	Logger   *slog.Logger
	Store    store.Store
	Sink     realtime.Sink
	Presence *presence.Tracker
	Alerts   *alerting.Service
	Commands *commands.Service
	Fleet    *fleet.Sweeper
	// Enqueuer, when set, lets telemetry trigger device analytics jobs.
	Enqueuer tasks.Enqueuer
	// AnalyticsWindow is the span an analytics summary covers.
	AnalyticsWindow time.Duration
	// AnalyticsInterval is the least time between two analytics jobs of
	// one device.
	AnalyticsInterval time.Duration
	Now               func() time.Time
}

// Pipeline holds the job handlers.
type Pipeline struct {
	logger   *slog.Logger
	store    store.Store
	sink     realtime.Sink
	presence *presence.Tracker
	alerts   *alerting.Service
	commands *commands.Service
	fleet    *fleet.Sweeper
	enqueuer tasks.Enqueuer
	gate     *analyticsGate
	now      func() time.Time

	analyticsWindow time.Duration
}

// New validates cfg.
func New(cfg *Config) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("pipeline config cannot be nil")
	}
	switch {
	case cfg.Logger == nil:
		return nil, errors.New("logger cannot be nil")
	case cfg.Store == nil:
		return nil, errors.New("store cannot be nil")
	case cfg.Sink == nil:
		return nil, errors.New("sink cannot be nil")
	case cfg.Presence == nil:
		return nil, errors.New("presence tracker cannot be nil")
	case cfg.Alerts == nil:
		return nil, errors.New("alerting service cannot be nil")
	case cfg.Commands == nil:
		return nil, errors.New("commands service cannot be nil")
	case cfg.Fleet == nil:
		return nil, errors.New("fleet sweeper cannot be nil")
	}
	if cfg.AnalyticsWindow < 0 || cfg.AnalyticsInterval < 0 {
		return nil, errors.New("analytics durations cannot be negative")
	}

	p := &Pipeline{
		logger:          cfg.Logger.With("component", "pipeline"),
		store:           cfg.Store,
		sink:            cfg.Sink,
		presence:        cfg.Presence,
		alerts:          cfg.Alerts,
		commands:        cfg.Commands,
		fleet:           cfg.Fleet,
		enqueuer:        cfg.Enqueuer,
		now:             cfg.Now,
		analyticsWindow: cfg.AnalyticsWindow,
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.analyticsWindow == 0 {
		p.analyticsWindow = DefaultAnalyticsWindow
	}
	interval := cfg.AnalyticsInterval
	if interval == 0 {
		interval = DefaultAnalyticsInterval
	}
	p.gate = newAnalyticsGate(interval)
	return p, nil
}

// Register binds every job name to its handler.
func (p *Pipeline) Register(r Registrar) {
	r.Register(jobs.DeviceStatusUpdate, p.deviceStatus)
	r.Register(jobs.DeviceTelemetry, p.telemetry)
	r.Register(jobs.CommandResponse, p.commandResponse)
	r.Register(jobs.DeviceAlert, p.deviceAlert)
	r.Register(jobs.DeviceHeartbeat, p.heartbeat)
	r.Register(jobs.PresenceOfflineSweep, p.offlineSweep)
	r.Register(jobs.FleetSweep, p.fleetSweep)
	r.Register(jobs.FleetHealthCheck, p.healthCheck)
	r.Register(jobs.CommandBulkSend, p.bulkSend)
	r.Register(jobs.DeviceAnalytics, p.analytics)
}

func deviceArgs(job *tasks.Job) (jobs.DeviceArgs, error) {
	var args jobs.DeviceArgs
	if err := job.Decode(&args); err != nil {
		return args, err
	}
	if args.TenantID == "" || args.DeviceID == "" {
		return args, fmt.Errorf("%w: %s needs tenant_id and device_id", tasks.ErrInvalidArgs, job.Name)
	}
	return args, nil
}

func tenantArgs(job *tasks.Job) (string, error) {
	var args jobs.TenantArgs
	if err := job.Decode(&args); err != nil {
		return "", err
	}
	if args.TenantID == "" {
		return "", fmt.Errorf("%w: %s needs tenant_id", tasks.ErrInvalidArgs, job.Name)
	}
	return args.TenantID, nil
}

func (p *Pipeline) deviceStatus(ctx context.Context, job *tasks.Job) (any, error) {
	args, err := deviceArgs(job)
	if err != nil {
		return nil, err
	}
	var payload broker.StatusPayload
	if err := broker.Decode(args.Payload, &payload); err != nil {
		return nil, err
	}
	if err := p.presence.ApplyStatus(ctx, args.TenantID, args.DeviceID, payload, args.ReceivedAt); err != nil {
		return nil, err
	}
	return map[string]string{"device_id": args.DeviceID}, nil
}

func (p *Pipeline) heartbeat(ctx context.Context, job *tasks.Job) (any, error) {
	args, err := deviceArgs(job)
	if err != nil {
		return nil, err
	}
	var payload broker.HeartbeatPayload
	if err := broker.Decode(args.Payload, &payload); err != nil {
		return nil, err
	}
	if err := p.presence.RecordHeartbeat(ctx, args.TenantID, args.DeviceID, payload.Timestamp.Or(args.ReceivedAt)); err != nil {
		return nil, err
	}
	return map[string]string{"device_id": args.DeviceID}, nil
}

// TelemetryResult is the value stored for a telemetry job.
type TelemetryResult struct {
	RecordID     string   `json:"record_id"`
	AnalyticsJob string   `json:"analytics_job,omitempty"`
	AlertJobs    []string `json:"alert_jobs,omitempty"`
	Evaluated    bool     `json:"evaluated"`
}

func (p *Pipeline) telemetry(ctx context.Context, job *tasks.Job) (any, error) {
	args, err := deviceArgs(job)
	if err != nil {
		return nil, err
	}
	return p.ProcessTelemetry(ctx, args)
}

// ProcessTelemetry stores one telemetry message, evaluates it against the
// device thresholds and pushes it to dashboards. Telemetry from unknown
// devices is stored without evaluation.
func (p *Pipeline) ProcessTelemetry(ctx context.Context, args jobs.DeviceArgs) (TelemetryResult, error) {
	var payload broker.TelemetryPayload
	if err := broker.Decode(args.Payload, &payload); err != nil {
		return TelemetryResult{}, err
	}
	logger := p.logger.With("tenant_id", args.TenantID, "device_id", args.DeviceID)

	if payload.Metrics == nil {
		payload.Metrics = map[string]any{}
	}
	metricsJSON, err := json.Marshal(payload.Metrics)
	if err != nil {
		return TelemetryResult{}, fmt.Errorf("%w: metrics: %w", broker.ErrMalformedPayload, err)
	}
	data := datatypes.JSON(payload.Data)
	if len(data) == 0 {
		data = datatypes.JSON(args.Payload)
	}
	rec := &store.TelemetryRecord{
		ID:         uuid.NewString(),
		TenantID:   args.TenantID,
		DeviceID:   args.DeviceID,
		Timestamp:  payload.Timestamp.Or(args.ReceivedAt),
		ReceivedAt: args.ReceivedAt,
		Metrics:    datatypes.JSON(metricsJSON),
		Data:       data,
	}
	if err := p.store.InsertTelemetry(ctx, rec); err != nil {
		return TelemetryResult{}, err
	}
	res := TelemetryResult{RecordID: rec.ID}

	device, err := p.store.GetDevice(ctx, args.TenantID, args.DeviceID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		logger.Warn("telemetry from unknown device, skipping alert evaluation")
	case err != nil:
		return res, err
	default:
		handles, err := p.alerts.Check(ctx, device, payload.Metrics, rec.Timestamp)
		for _, h := range handles {
			res.AlertJobs = append(res.AlertJobs, h.ID)
		}
		if err != nil {
			return res, err
		}
		res.Evaluated = true
	}

	if err := p.sink.SendUpdate(ctx, args.TenantID, realtime.CategoryTelemetry, args.DeviceID, map[string]any{
		"device_id": args.DeviceID,
		"metrics":   payload.Metrics,
		"timestamp": rec.Timestamp,
	}); err != nil {
		logger.Error("failed to push telemetry update", "error", err)
	}
	if res.Evaluated {
		res.AnalyticsJob = p.triggerAnalytics(logger, args.TenantID, args.DeviceID, rec.Timestamp, args.ReceivedAt)
	}
	return res, nil
}

func (p *Pipeline) commandResponse(ctx context.Context, job *tasks.Job) (any, error) {
	args, err := deviceArgs(job)
	if err != nil {
		return nil, err
	}
	matched, err := p.commands.Reconcile(ctx, args.TenantID, args.DeviceID, args.Payload, args.ReceivedAt)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"matched": matched}, nil
}

func (p *Pipeline) deviceAlert(ctx context.Context, job *tasks.Job) (any, error) {
	args, err := deviceArgs(job)
	if err != nil {
		return nil, err
	}
	var payload broker.AlertPayload
	if err := broker.Decode(args.Payload, &payload); err != nil {
		return nil, err
	}
	a, err := p.alerts.Process(ctx, args.TenantID, args.DeviceID, payload, args.ReceivedAt)
	if err != nil {
		return nil, err
	}
	return map[string]string{"alert_id": a.ID, "alert_type": a.AlertType}, nil
}

func (p *Pipeline) offlineSweep(ctx context.Context, job *tasks.Job) (any, error) {
	tenantID, err := tenantArgs(job)
	if err != nil {
		return nil, err
	}
	devices, err := p.presence.Sweep(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.ID)
	}
	return map[string]any{"offline": ids}, nil
}

func (p *Pipeline) fleetSweep(ctx context.Context, _ *tasks.Job) (any, error) {
	return p.fleet.Sweep(ctx)
}

func (p *Pipeline) healthCheck(ctx context.Context, job *tasks.Job) (any, error) {
	tenantID, err := tenantArgs(job)
	if err != nil {
		return nil, err
	}
	id, err := p.fleet.HealthCheck(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return map[string]string{"command_id": id}, nil
}

func (p *Pipeline) bulkSend(ctx context.Context, job *tasks.Job) (any, error) {
	var req commands.BulkRequest
	if err := job.Decode(&req); err != nil {
		return nil, err
	}
	return p.commands.SendBulk(ctx, req, tasks.JobID(ctx))
}
