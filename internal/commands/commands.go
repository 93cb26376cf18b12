// Package commands issues commands to devices and reconciles their responses.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"procodus.dev/fleet-control/internal/broker"
	"procodus.dev/fleet-control/internal/realtime"
	"procodus.dev/fleet-control/internal/store"
	"procodus.dev/fleet-control/pkg/metrics"
)

// ErrInvalidRequest is returned for requests missing required fields.
var ErrInvalidRequest = errors.New("invalid command request")

// BroadcastPrefix starts every broadcast command id.
const BroadcastPrefix = "broadcast_"

// HealthCheck is the command the fleet sweep broadcasts.
const HealthCheck = "health_check"

// SendRequest addresses one device.
type SendRequest struct {
	Parameters map[string]any `json:"parameters,omitempty"`
	TenantID   string         `json:"tenant_id"`
	DeviceID   string         `json:"device_id"`
	Command    string         `json:"command"`
	FromUser   string         `json:"from_user,omitempty"`
}

// BulkRequest addresses several devices of one tenant with the same command.
// It is also the argument of the command.bulk.send job.
type BulkRequest struct {
	Parameters map[string]any `json:"parameters,omitempty"`
	TenantID   string         `json:"tenant_id"`
	Command    string         `json:"command"`
	FromUser   string         `json:"from_user,omitempty"`
	DeviceIDs  []string       `json:"device_ids"`
}

// BulkResult is the outcome for one device of a bulk request.
type BulkResult struct {
	DeviceID  string `json:"device_id"`
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// BulkOutcome is the value stored for a command.bulk.send job.
type BulkOutcome struct {
	Status  string       `json:"status"`
	Results []BulkResult `json:"results"`
}

// Config holds the configuration for the Service.
type Config struct {
	Logger    *slog.Logger
	Store     store.Store
	Publisher broker.Publisher
	Sink      realtime.Sink
	Now       func() time.Time
	// SharedBulkID reuses the bulk job id as command id for every device and
	// persists no command records.
	SharedBulkID bool
}

// Service issues and reconciles commands.
type Service struct {
	logger       *slog.Logger
	store        store.Store
	publisher    broker.Publisher
	sink         realtime.Sink
	now          func() time.Time
	sharedBulkID bool
	metrics      *metrics.CommandMetrics
}

// NewService validates cfg.
func NewService(cfg *Config) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("commands config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}
	if cfg.Sink == nil {
		return nil, errors.New("sink cannot be nil")
	}
	s := &Service{
		logger:       cfg.Logger.With("component", "commands"),
		store:        cfg.Store,
		publisher:    cfg.Publisher,
		sink:         cfg.Sink,
		now:          cfg.Now,
		sharedBulkID: cfg.SharedBulkID,
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s, nil
}

// SetMetrics sets the metrics collector.
func (s *Service) SetMetrics(m *metrics.CommandMetrics) {
	s.metrics = m
}

// Send persists a command for one device, publishes it and marks it sent.
// When the publish fails the command is marked failed and the error wraps
// broker.ErrPublish.
func (s *Service) Send(ctx context.Context, req SendRequest) (*store.Command, error) {
	if req.TenantID == "" || req.DeviceID == "" || req.Command == "" {
		return nil, fmt.Errorf("%w: tenant_id, device_id and command are required", ErrInvalidRequest)
	}
	if _, err := s.store.GetDevice(ctx, req.TenantID, req.DeviceID); err != nil {
		return nil, err
	}

	params, err := encodeParams(req.Parameters)
	if err != nil {
		return nil, err
	}
	cmd := &store.Command{
		TenantID:   req.TenantID,
		ID:         uuid.NewString(),
		DeviceID:   req.DeviceID,
		Command:    req.Command,
		FromUser:   req.FromUser,
		Status:     store.CommandPending,
		Parameters: params,
		CreatedAt:  s.now(),
	}
	if err := s.store.CreateCommand(ctx, cmd); err != nil {
		return nil, err
	}

	logger := s.logger.With("tenant_id", cmd.TenantID, "device_id", cmd.DeviceID, "command_id", cmd.ID)
	if err := s.publish(ctx, broker.CommandTopic(cmd.TenantID, cmd.DeviceID), cmd.ID, req.Command, req.Parameters, req.FromUser); err != nil {
		s.publishFailed("single")
		logger.Error("failed to publish command", "command", cmd.Command, "error", err)
		if failed, advErr := s.advance(ctx, cmd, store.CommandFailed); advErr != nil {
			logger.Error("failed to mark command failed", "error", advErr)
		} else {
			cmd = failed
			s.push(ctx, logger, cmd)
		}
		return cmd, fmt.Errorf("%w: command %s: %w", broker.ErrPublish, cmd.ID, err)
	}

	sent, err := s.advance(ctx, cmd, store.CommandSent)
	if err != nil {
		return cmd, fmt.Errorf("failed to mark command sent: %w", err)
	}
	s.issued("single")
	s.push(ctx, logger, sent)
	logger.Info("command sent", "command", sent.Command, "status", sent.Status)
	return sent, nil
}

// advance moves cmd to status and returns the stored command. When a device
// response got there first and the update is not applied, the stored state
// is returned instead of the requested one.
func (s *Service) advance(ctx context.Context, cmd *store.Command, status store.CommandStatus) (*store.Command, error) {
	applied, err := s.store.AdvanceCommand(ctx, cmd.TenantID, cmd.ID, store.CommandUpdate{Status: status})
	if err != nil {
		return nil, err
	}
	if applied {
		cmd.Status = status
		return cmd, nil
	}
	stored, err := s.store.GetCommand(ctx, cmd.TenantID, cmd.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload command: %w", err)
	}
	return stored, nil
}

// SendBulk publishes one command message per device. A device that fails
// does not stop the rest.
func (s *Service) SendBulk(ctx context.Context, req BulkRequest, taskID string) (BulkOutcome, error) {
	if req.TenantID == "" || req.Command == "" || len(req.DeviceIDs) == 0 {
		return BulkOutcome{}, fmt.Errorf("%w: tenant_id, command and device_ids are required", ErrInvalidRequest)
	}
	if s.sharedBulkID && taskID == "" {
		return BulkOutcome{}, fmt.Errorf("%w: shared bulk ids need a task id", ErrInvalidRequest)
	}

	results := make([]BulkResult, 0, len(req.DeviceIDs))
	for _, deviceID := range req.DeviceIDs {
		if err := ctx.Err(); err != nil {
			return BulkOutcome{Status: "failed", Results: results}, err
		}
		results = append(results, s.sendOne(ctx, req, deviceID, taskID))
	}

	s.logger.Info("bulk command sent",
		"tenant_id", req.TenantID,
		"command", req.Command,
		"devices", len(req.DeviceIDs),
		"shared_id", s.sharedBulkID)
	return BulkOutcome{Status: "completed", Results: results}, nil
}

func (s *Service) sendOne(ctx context.Context, req BulkRequest, deviceID, taskID string) BulkResult {
	if !s.sharedBulkID {
		cmd, err := s.Send(ctx, SendRequest{
			TenantID:   req.TenantID,
			DeviceID:   deviceID,
			Command:    req.Command,
			Parameters: req.Parameters,
			FromUser:   req.FromUser,
		})
		res := BulkResult{DeviceID: deviceID, Status: string(store.CommandSent)}
		if cmd != nil {
			res.CommandID, res.Status = cmd.ID, string(cmd.Status)
		}
		if err != nil {
			res.Status, res.Error = string(store.CommandFailed), err.Error()
		}
		return res
	}

	res := BulkResult{DeviceID: deviceID, CommandID: taskID, Status: string(store.CommandSent)}
	if err := s.publish(ctx, broker.CommandTopic(req.TenantID, deviceID), taskID, req.Command, req.Parameters, req.FromUser); err != nil {
		s.publishFailed("bulk")
		s.logger.Error("failed to publish bulk command", "tenant_id", req.TenantID, "device_id", deviceID, "error", err)
		res.Status, res.Error = string(store.CommandFailed), err.Error()
		return res
	}
	s.issued("bulk")
	return res
}

// Broadcast publishes one command to every device of a tenant. Broadcasts
// are not persisted; the returned id is broadcast_{uuid}.
func (s *Service) Broadcast(ctx context.Context, tenantID, command string, params map[string]any, fromUser string) (string, error) {
	if tenantID == "" || command == "" {
		return "", fmt.Errorf("%w: tenant_id and command are required", ErrInvalidRequest)
	}
	id := BroadcastPrefix + uuid.NewString()
	if err := s.publish(ctx, broker.BroadcastTopic(tenantID, command), id, command, params, fromUser); err != nil {
		s.publishFailed("broadcast")
		return "", fmt.Errorf("%w: broadcast %s: %w", broker.ErrPublish, command, err)
	}
	s.issued("broadcast")
	s.logger.Info("command broadcast", "tenant_id", tenantID, "command", command, "command_id", id)
	return id, nil
}

// Reconcile applies a device response to its command. Responses without a
// command id or for unknown commands are logged and reported unmatched.
// Updates that would move the status backwards are ignored.
func (s *Service) Reconcile(ctx context.Context, tenantID, deviceID string, raw json.RawMessage, receivedAt time.Time) (bool, error) {
	var p broker.ResponsePayload
	if err := broker.Decode(raw, &p); err != nil {
		return false, err
	}
	logger := s.logger.With("tenant_id", tenantID, "device_id", deviceID, "command_id", p.CommandID)

	if p.CommandID == "" {
		logger.Warn("response without command id")
		s.reconciled("unmatched")
		return false, nil
	}

	status := store.CommandCompleted
	if p.Status != "" {
		status = store.CommandStatus(p.Status)
		if !status.Valid() {
			return false, fmt.Errorf("%w: invalid command status %q", broker.ErrMalformedPayload, p.Status)
		}
	}
	executedAt := p.Timestamp.Or(receivedAt)
	result := datatypes.JSON(p.Result)
	if len(result) == 0 {
		result = datatypes.JSON(`{}`)
	}

	applied, err := s.store.AdvanceCommand(ctx, tenantID, p.CommandID, store.CommandUpdate{
		Status:       status,
		Result:       result,
		ExecutedAt:   &executedAt,
		ResponseData: datatypes.JSON(raw),
	})
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("response for unknown command")
		s.reconciled("unmatched")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !applied {
		logger.Info("ignoring stale command response", "status", status)
		s.reconciled("stale")
		return true, nil
	}

	s.reconciled("applied")
	cmd, err := s.store.GetCommand(ctx, tenantID, p.CommandID)
	if err != nil {
		logger.Error("failed to reload command", "error", err)
		return true, nil
	}
	s.push(ctx, logger, cmd)
	logger.Info("command response applied", "status", status)
	return true, nil
}

// Get loads one command.
func (s *Service) Get(ctx context.Context, tenantID, commandID string) (*store.Command, error) {
	return s.store.GetCommand(ctx, tenantID, commandID)
}

func (s *Service) publish(ctx context.Context, topic, id, command string, params map[string]any, fromUser string) error {
	if params == nil {
		params = map[string]any{}
	}
	return s.publisher.Publish(ctx, topic, broker.CommandMessage{
		Timestamp:  broker.Timestamp{Time: s.now()},
		CommandID:  id,
		Command:    command,
		Parameters: params,
		FromUser:   fromUser,
	})
}

func (s *Service) push(ctx context.Context, logger *slog.Logger, cmd *store.Command) {
	if err := s.sink.SendUpdate(ctx, cmd.TenantID, realtime.CategoryCommands, cmd.ID, cmd); err != nil {
		logger.Error("failed to push command update", "error", err)
	}
}

func (s *Service) issued(kind string) {
	if s.metrics != nil {
		s.metrics.Issued.WithLabelValues(kind).Inc()
	}
}

func (s *Service) publishFailed(kind string) {
	if s.metrics != nil {
		s.metrics.PublishFailures.WithLabelValues(kind).Inc()
	}
}

func (s *Service) reconciled(outcome string) {
	if s.metrics != nil {
		s.metrics.Reconciled.WithLabelValues(outcome).Inc()
	}
}

func encodeParams(params map[string]any) (datatypes.JSON, error) {
	if params == nil {
		return datatypes.JSON(`{}`), nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("%w: parameters: %w", ErrInvalidRequest, err)
	}
	return datatypes.JSON(b), nil
}
