package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"google.golang.org/protobuf/types/known/structpb"
	"gorm.io/datatypes"

	"procodus.dev/fleet-control/internal/broker"
	"procodus.dev/fleet-control/internal/commands"
	"procodus.dev/fleet-control/internal/jobs"
	"procodus.dev/fleet-control/internal/store"
	"procodus.dev/fleet-control/internal/tasks"
)

// CommandService issues and looks up commands.
type CommandService interface {
	Send(ctx context.Context, req commands.SendRequest) (*store.Command, error)
	Broadcast(ctx context.Context, tenantID, command string, params map[string]any, fromUser string) (string, error)
	Get(ctx context.Context, tenantID, commandID string) (*store.Command, error)
}

// AlertService flips alert flags.
type AlertService interface {
	Acknowledge(ctx context.Context, tenantID, alertID string) (*store.Alert, error)
	Resolve(ctx context.Context, tenantID, alertID string) (*store.Alert, error)
}

// TaskQueue accepts background jobs and reports their results.
type TaskQueue interface {
	Enqueue(ctx context.Context, name string, args any) (tasks.Handle, error)
	Result(ctx context.Context, taskID string) (tasks.Result, error)
}

// RegisterTenantRequest creates a tenant. IsActive defaults to true.
type RegisterTenantRequest struct {
	Settings    map[string]any `json:"settings,omitempty"`
	IsActive    *bool          `json:"is_active,omitempty"`
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
}

// RegisterDeviceRequest creates a device in a tenant.
type RegisterDeviceRequest struct {
	Configuration map[string]any `json:"configuration,omitempty"`
	TenantID      string         `json:"tenant_id"`
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	DeviceType    string         `json:"device_type,omitempty"`
	Description   string         `json:"description,omitempty"`
	Location      string         `json:"location,omitempty"`
}

// BroadcastRequest addresses every device of a tenant.
type BroadcastRequest struct {
	Parameters map[string]any `json:"parameters,omitempty"`
	TenantID   string         `json:"tenant_id"`
	Command    string         `json:"command"`
	FromUser   string         `json:"from_user,omitempty"`
}

// BroadcastResponse carries the generated broadcast id.
type BroadcastResponse struct {
	CommandID string `json:"command_id"`
	Topic     string `json:"topic"`
}

// CommandRef names one command.
type CommandRef struct {
	TenantID  string `json:"tenant_id"`
	CommandID string `json:"command_id"`
}

// AlertRef names one alert.
type AlertRef struct {
	TenantID string `json:"tenant_id"`
	AlertID  string `json:"alert_id"`
}

// TaskRef names one background job.
type TaskRef struct {
	TaskID string `json:"task_id"`
}

// HealthCheckRequest triggers a health check broadcast for one tenant, or a
// full fleet sweep when TenantID is empty.
type HealthCheckRequest struct {
	TenantID string `json:"tenant_id,omitempty"`
}

// Config holds the configuration for the Service.
type Config struct {
	Logger   *slog.Logger
	Store    store.Store
	Commands CommandService
	Alerts   AlertService
	Tasks    TaskQueue
}

// Service implements ControlServiceServer.
type Service struct {
	logger   *slog.Logger
	store    store.Store
	commands CommandService
	alerts   AlertService
	tasks    TaskQueue
}

// NewService validates cfg.
func NewService(cfg *Config) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("api config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Commands == nil {
		return nil, errors.New("command service cannot be nil")
	}
	if cfg.Alerts == nil {
		return nil, errors.New("alert service cannot be nil")
	}
	if cfg.Tasks == nil {
		return nil, errors.New("task queue cannot be nil")
	}
	return &Service{
		logger:   cfg.Logger.With("component", "api"),
		store:    cfg.Store,
		commands: cfg.Commands,
		alerts:   cfg.Alerts,
		tasks:    cfg.Tasks,
	}, nil
}

// RegisterTenant creates a tenant.
func (s *Service) RegisterTenant(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RegisterTenantRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	if req.ID == "" || req.Name == "" {
		return nil, toStatus(invalid("id and name are required"))
	}
	settings, err := jsonColumn(req.Settings)
	if err != nil {
		return nil, toStatus(err)
	}

	t := &store.Tenant{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Settings:    settings,
		IsActive:    req.IsActive == nil || *req.IsActive,
	}
	if err := s.store.CreateTenant(ctx, t); err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("tenant registered", "tenant_id", t.ID)
	return respond(t)
}

// RegisterDevice creates a device. New devices start offline.
func (s *Service) RegisterDevice(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RegisterDeviceRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	if req.TenantID == "" || req.ID == "" || req.Name == "" {
		return nil, toStatus(invalid("tenant_id, id and name are required"))
	}
	configuration, err := jsonColumn(req.Configuration)
	if err != nil {
		return nil, toStatus(err)
	}

	d := &store.Device{
		TenantID:      req.TenantID,
		ID:            req.ID,
		Name:          req.Name,
		DeviceType:    req.DeviceType,
		Description:   req.Description,
		Location:      req.Location,
		Status:        store.DeviceOffline,
		Configuration: configuration,
	}
	if err := s.store.CreateDevice(ctx, d); err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("device registered", "tenant_id", d.TenantID, "device_id", d.ID)
	return respond(d)
}

// SendCommand issues a command to one device.
func (s *Service) SendCommand(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req commands.SendRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	cmd, err := s.commands.Send(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return respond(cmd)
}

// SendBulkCommand queues a command.bulk.send job and returns its handle.
func (s *Service) SendBulkCommand(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req commands.BulkRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	if req.TenantID == "" || req.Command == "" || len(req.DeviceIDs) == 0 {
		return nil, toStatus(invalid("tenant_id, command and device_ids are required"))
	}
	h, err := s.tasks.Enqueue(ctx, jobs.CommandBulkSend, req)
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("bulk command queued",
		"tenant_id", req.TenantID,
		"command", req.Command,
		"devices", len(req.DeviceIDs),
		"task_id", h.ID)
	return respond(h)
}

// BroadcastCommand publishes one command to every device of a tenant.
func (s *Service) BroadcastCommand(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req BroadcastRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	id, err := s.commands.Broadcast(ctx, req.TenantID, req.Command, req.Parameters, req.FromUser)
	if err != nil {
		return nil, toStatus(err)
	}
	return respond(BroadcastResponse{CommandID: id, Topic: broker.BroadcastTopic(req.TenantID, req.Command)})
}

// GetCommand loads a command.
func (s *Service) GetCommand(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CommandRef
	if err := decodeStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	if req.TenantID == "" || req.CommandID == "" {
		return nil, toStatus(invalid("tenant_id and command_id are required"))
	}
	cmd, err := s.commands.Get(ctx, req.TenantID, req.CommandID)
	if err != nil {
		return nil, toStatus(err)
	}
	return respond(cmd)
}

// GetTaskResult reports the outcome of a background job.
func (s *Service) GetTaskResult(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req TaskRef
	if err := decodeStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	if req.TaskID == "" {
		return nil, toStatus(invalid("task_id is required"))
	}
	res, err := s.tasks.Result(ctx, req.TaskID)
	if err != nil {
		return nil, toStatus(err)
	}
	return respond(res)
}

// AcknowledgeAlert marks an alert acknowledged.
func (s *Service) AcknowledgeAlert(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.flagAlert(ctx, in, s.alerts.Acknowledge)
}

// ResolveAlert marks an alert resolved.
func (s *Service) ResolveAlert(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.flagAlert(ctx, in, s.alerts.Resolve)
}

func (s *Service) flagAlert(ctx context.Context, in *structpb.Struct, flag func(context.Context, string, string) (*store.Alert, error)) (*structpb.Struct, error) {
	var req AlertRef
	if err := decodeStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	if req.TenantID == "" || req.AlertID == "" {
		return nil, toStatus(invalid("tenant_id and alert_id are required"))
	}
	a, err := flag(ctx, req.TenantID, req.AlertID)
	if err != nil {
		return nil, toStatus(err)
	}
	return respond(a)
}

// TriggerHealthCheck queues a health check for one tenant or a fleet sweep.
func (s *Service) TriggerHealthCheck(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req HealthCheckRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}

	var (
		h   tasks.Handle
		err error
	)
	if req.TenantID == "" {
		h, err = s.tasks.Enqueue(ctx, jobs.FleetSweep, nil)
	} else {
		h, err = s.tasks.Enqueue(ctx, jobs.FleetHealthCheck, jobs.TenantArgs{TenantID: req.TenantID})
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return respond(h)
}

func respond(v any) (*structpb.Struct, error) {
	out, err := encodeStruct(v)
	if err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}

func jsonColumn(v map[string]any) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, invalid("unencodable object: %v", err)
	}
	return datatypes.JSON(b), nil
}

var _ ControlServiceServer = (*Service)(nil)
