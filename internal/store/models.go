// Package store provides tenant-partitioned persistence for devices, commands,
// telemetry and alerts, backed by PostgreSQL through GORM or by memory.
package store

import (
	"time"

	"gorm.io/datatypes"
)

// DeviceStatus is the presence state of a device.
type DeviceStatus string

// Device statuses.
const (
	DeviceOnline      DeviceStatus = "online"
	DeviceOffline     DeviceStatus = "offline"
	DeviceMaintenance DeviceStatus = "maintenance"
	DeviceError       DeviceStatus = "error"
)

// Valid reports whether s is a known device status.
func (s DeviceStatus) Valid() bool {
	switch s {
	case DeviceOnline, DeviceOffline, DeviceMaintenance, DeviceError:
		return true
	}
	return false
}

// CommandStatus is the lifecycle state of a command.
type CommandStatus string

// Command statuses.
const (
	CommandPending   CommandStatus = "pending"
	CommandSent      CommandStatus = "sent"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
)

// Rank orders command statuses. Completed and failed share the terminal rank.
func (s CommandStatus) Rank() int {
	switch s {
	case CommandPending:
		return 0
	case CommandSent:
		return 1
	case CommandCompleted, CommandFailed:
		return 2
	}
	return -1
}

// Valid reports whether s is a known command status.
func (s CommandStatus) Valid() bool {
	return s.Rank() >= 0
}

// CanAdvanceTo reports whether a command in status s may move to next.
// Transitions only ever increase rank, so terminal states are final.
func (s CommandStatus) CanAdvanceTo(next CommandStatus) bool {
	return next.Valid() && next.Rank() > s.Rank()
}

// Severity is the urgency of an alert.
type Severity string

// Alert severities.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Urgent reports whether the severity warrants an operator notification.
func (s Severity) Urgent() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// Tenant is an isolation boundary owning devices, commands, telemetry and alerts.
type Tenant struct {
	CreatedAt   time.Time      `gorm:"autoCreateTime"           json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime"           json:"updated_at"`
	ID          string         `gorm:"primaryKey"               json:"id"`
	Name        string         `gorm:"not null"                 json:"name"`
	Description string         `json:"description,omitempty"`
	Settings    datatypes.JSON `gorm:"type:jsonb"               json:"settings,omitempty"`
	IsActive    bool           `gorm:"not null;default:true;index" json:"is_active"`
}

// TableName specifies the table name for Tenant model.
func (Tenant) TableName() string {
	return "tenants"
}

// Device is a physical endpoint identified by (tenant_id, id).
type Device struct {
	LastHeartbeat  *time.Time     `gorm:"index:idx_device_presence"   json:"last_heartbeat,omitempty"`
	LastSeen       *time.Time     `json:"last_seen,omitempty"`
	CreatedAt      time.Time      `gorm:"autoCreateTime"              json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime"              json:"updated_at"`
	TenantID       string         `gorm:"primaryKey;index:idx_device_presence" json:"tenant_id"`
	ID             string         `gorm:"primaryKey"                  json:"id"`
	Name           string         `gorm:"not null"                    json:"name"`
	DeviceType     string         `json:"device_type,omitempty"`
	Description    string         `json:"description,omitempty"`
	Location       string         `json:"location,omitempty"`
	Status         DeviceStatus   `gorm:"not null;default:offline;index:idx_device_presence" json:"status"`
	Configuration  datatypes.JSON `gorm:"type:jsonb"                  json:"configuration,omitempty"`
	ConnectionInfo datatypes.JSON `gorm:"type:jsonb"                  json:"connection_info,omitempty"`
	SystemInfo     datatypes.JSON `gorm:"type:jsonb"                  json:"system_info,omitempty"`
}

// TableName specifies the table name for Device model.
func (Device) TableName() string {
	return "devices"
}

// Command is an operator instruction addressed to one device.
type Command struct {
	ExecutedAt   *time.Time     `json:"executed_at,omitempty"`
	CreatedAt    time.Time      `gorm:"autoCreateTime"     json:"created_at"`
	TenantID     string         `gorm:"primaryKey"         json:"tenant_id"`
	ID           string         `gorm:"primaryKey"         json:"id"`
	DeviceID     string         `gorm:"index;not null"     json:"device_id"`
	Command      string         `gorm:"not null"           json:"command"`
	FromUser     string         `json:"from_user,omitempty"`
	Status       CommandStatus  `gorm:"not null;default:pending" json:"status"`
	Parameters   datatypes.JSON `gorm:"type:jsonb"         json:"parameters,omitempty"`
	Result       datatypes.JSON `gorm:"type:jsonb"         json:"result,omitempty"`
	ResponseData datatypes.JSON `gorm:"type:jsonb"         json:"response_data,omitempty"`
}

// TableName specifies the table name for Command model.
func (Command) TableName() string {
	return "commands"
}

// TelemetryRecord is one append-only sample of device metrics.
type TelemetryRecord struct {
	Timestamp  time.Time      `gorm:"index:idx_telemetry_device_ts;not null" json:"timestamp"`
	ReceivedAt time.Time      `gorm:"not null"        json:"received_at"`
	ID         string         `gorm:"primaryKey"      json:"id"`
	TenantID   string         `gorm:"index:idx_telemetry_device_ts;not null" json:"tenant_id"`
	DeviceID   string         `gorm:"index:idx_telemetry_device_ts;not null" json:"device_id"`
	Metrics    datatypes.JSON `gorm:"type:jsonb"      json:"metrics,omitempty"`
	Data       datatypes.JSON `gorm:"type:jsonb"      json:"data,omitempty"`
}

// TableName specifies the table name for TelemetryRecord model.
func (TelemetryRecord) TableName() string {
	return "telemetry"
}

// Alert is a raised condition on a device. Acknowledged and Resolved only
// ever move from false to true and are independent of each other.
type Alert struct {
	Timestamp      time.Time      `gorm:"not null"          json:"timestamp"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	CreatedAt      time.Time      `gorm:"autoCreateTime"    json:"created_at"`
	TenantID       string         `gorm:"primaryKey"        json:"tenant_id"`
	ID             string         `gorm:"primaryKey"        json:"id"`
	DeviceID       string         `gorm:"index:idx_alert_device_type;not null" json:"device_id"`
	AlertType      string         `gorm:"index:idx_alert_device_type;not null" json:"alert_type"`
	Severity       Severity       `gorm:"not null"          json:"severity"`
	Message        string         `json:"message"`
	Details        datatypes.JSON `gorm:"type:jsonb"        json:"details,omitempty"`
	Acknowledged   bool           `gorm:"not null;default:false" json:"acknowledged"`
	Resolved       bool           `gorm:"not null;default:false" json:"resolved"`
}

// TableName specifies the table name for Alert model.
func (Alert) TableName() string {
	return "alerts"
}
