// Package jobs names the background jobs and their argument shapes.
package jobs

import (
	"encoding/json"
	"time"
)

// Job names.
const (
	DeviceStatusUpdate   = "device.status.update"
	DeviceTelemetry      = "device.telemetry.process"
	CommandResponse      = "command.response.reconcile"
	DeviceAlert          = "device.alert.process"
	DeviceHeartbeat      = "device.heartbeat.update"
	PresenceOfflineSweep = "presence.offline.sweep"
	FleetSweep           = "fleet.sweep"
	FleetHealthCheck     = "fleet.health_check"
	CommandBulkSend      = "command.bulk.send"
	DeviceAnalytics      = "device.analytics.process"
)

// DeviceArgs carries one inbound device message.
type DeviceArgs struct {
	ReceivedAt time.Time       `json:"received_at"`
	TenantID   string          `json:"tenant_id"`
	DeviceID   string          `json:"device_id"`
	Payload    json.RawMessage `json:"payload"`
}

// TenantArgs scopes a job to one tenant.
type TenantArgs struct {
	TenantID string `json:"tenant_id"`
}

// AnalyticsArgs asks for a telemetry summary of one device over the window
// ending at Until.
type AnalyticsArgs struct {
	Until    time.Time `json:"until"`
	TenantID string    `json:"tenant_id"`
	DeviceID string    `json:"device_id"`
}
