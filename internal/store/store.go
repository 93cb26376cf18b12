package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

var (
	// ErrNotFound is returned when no row matches the (tenant_id, id) filter.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a row with the same (tenant_id, id) exists.
	ErrConflict = errors.New("already exists")
	// ErrStore marks failures of the underlying storage engine.
	ErrStore = errors.New("store error")
)

// storeErr wraps an engine failure so callers can classify it with errors.Is.
func storeErr(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", ErrStore, op, err)
}

// StatusUpdate is the field set applied by a device status report.
// A nil Status leaves the stored status untouched.
type StatusUpdate struct {
	Status         *DeviceStatus
	LastSeen       time.Time
	UpdatedAt      time.Time
	ConnectionInfo datatypes.JSON
	SystemInfo     datatypes.JSON
}

// CommandUpdate is the field set applied when a command advances.
type CommandUpdate struct {
	ExecutedAt   *time.Time
	Status       CommandStatus
	Result       datatypes.JSON
	ResponseData datatypes.JSON
}

// Store is the persistence contract. Every device, command and alert
// operation is scoped by tenant; there is no cross-tenant access path.
type Store interface {
	CreateTenant(ctx context.Context, t *Tenant) error
	ListActiveTenants(ctx context.Context) ([]Tenant, error)

	CreateDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, tenantID, deviceID string) (*Device, error)
	// RecordHeartbeat marks the device online. LastHeartbeat never moves
	// backwards: the stored value becomes max(existing, ts).
	RecordHeartbeat(ctx context.Context, tenantID, deviceID string, ts, now time.Time) error
	ApplyDeviceStatus(ctx context.Context, tenantID, deviceID string, u StatusUpdate) error
	// MarkStaleOffline atomically flips every non-offline device whose last
	// heartbeat is at or before cutoff and returns exactly those devices.
	MarkStaleOffline(ctx context.Context, tenantID string, cutoff, now time.Time) ([]Device, error)

	CreateCommand(ctx context.Context, c *Command) error
	GetCommand(ctx context.Context, tenantID, commandID string) (*Command, error)
	// AdvanceCommand applies u only if it increases the command's status
	// rank. It reports whether the update was applied.
	AdvanceCommand(ctx context.Context, tenantID, commandID string, u CommandUpdate) (bool, error)

	InsertTelemetry(ctx context.Context, r *TelemetryRecord) error
	// TelemetrySince returns the device's records timestamped at or after
	// since, oldest first.
	TelemetrySince(ctx context.Context, tenantID, deviceID string, since time.Time) ([]TelemetryRecord, error)

	InsertAlert(ctx context.Context, a *Alert) error
	// LatestOpenAlert returns the newest unresolved alert of alertType for
	// the device created at or after since.
	LatestOpenAlert(ctx context.Context, tenantID, deviceID, alertType string, since time.Time) (*Alert, error)
	AcknowledgeAlert(ctx context.Context, tenantID, alertID string, at time.Time) (*Alert, error)
	ResolveAlert(ctx context.Context, tenantID, alertID string, at time.Time) (*Alert, error)

	Ping(ctx context.Context) error
	Close() error
}

// lowerStatuses returns the statuses a command may advance from to reach next.
func lowerStatuses(next CommandStatus) []CommandStatus {
	var out []CommandStatus
	for _, s := range []CommandStatus{CommandPending, CommandSent, CommandCompleted, CommandFailed} {
		if s.CanAdvanceTo(next) {
			out = append(out, s)
		}
	}
	return out
}
