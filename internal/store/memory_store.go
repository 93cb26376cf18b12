package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory. It backs development mode
// and unit tests and mirrors GormStore semantics.
type MemoryStore struct {
	mu        sync.Mutex
	tenants   map[string]Tenant
	devices   map[key]Device
	commands  map[key]Command
	alerts    map[key]Alert
	telemetry []TelemetryRecord
	now       func() time.Time
}

type key struct {
	tenant string
	id     string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:  make(map[string]Tenant),
		devices:  make(map[key]Device),
		commands: make(map[key]Command),
		alerts:   make(map[key]Alert),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateTenant inserts a tenant.
func (s *MemoryStore) CreateTenant(_ context.Context, t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[t.ID]; ok {
		return fmt.Errorf("tenant %s: %w", t.ID, ErrConflict)
	}
	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now
	s.tenants[t.ID] = *t
	return nil
}

// ListActiveTenants returns active tenants ordered by id.
func (s *MemoryStore) ListActiveTenants(_ context.Context) ([]Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Tenant
	for _, t := range s.tenants {
		if t.IsActive {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateDevice registers a device.
func (s *MemoryStore) CreateDevice(_ context.Context, d *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{d.TenantID, d.ID}
	if _, ok := s.devices[k]; ok {
		return fmt.Errorf("device %s/%s: %w", d.TenantID, d.ID, ErrConflict)
	}
	if d.Status == "" {
		d.Status = DeviceOffline
	}
	now := s.now()
	d.CreatedAt, d.UpdatedAt = now, now
	s.devices[k] = *d
	return nil
}

// GetDevice loads a device.
func (s *MemoryStore) GetDevice(_ context.Context, tenantID, deviceID string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[key{tenantID, deviceID}]
	if !ok {
		return nil, fmt.Errorf("device %s/%s: %w", tenantID, deviceID, ErrNotFound)
	}
	return &d, nil
}

// RecordHeartbeat marks the device online.
func (s *MemoryStore) RecordHeartbeat(_ context.Context, tenantID, deviceID string, ts, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{tenantID, deviceID}
	d, ok := s.devices[k]
	if !ok {
		return fmt.Errorf("device %s/%s: %w", tenantID, deviceID, ErrNotFound)
	}
	d.Status = DeviceOnline
	d.LastHeartbeat = latest(d.LastHeartbeat, ts)
	d.UpdatedAt = now
	s.devices[k] = d
	return nil
}

// ApplyDeviceStatus writes a status report.
func (s *MemoryStore) ApplyDeviceStatus(_ context.Context, tenantID, deviceID string, u StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{tenantID, deviceID}
	d, ok := s.devices[k]
	if !ok {
		return fmt.Errorf("device %s/%s: %w", tenantID, deviceID, ErrNotFound)
	}
	if u.Status != nil {
		d.Status = *u.Status
	}
	if u.ConnectionInfo != nil {
		d.ConnectionInfo = u.ConnectionInfo
	}
	if u.SystemInfo != nil {
		d.SystemInfo = u.SystemInfo
	}
	d.LastSeen = latest(d.LastSeen, u.LastSeen)
	d.UpdatedAt = u.UpdatedAt
	s.devices[k] = d
	return nil
}

// MarkStaleOffline flips stale devices under the store lock.
func (s *MemoryStore) MarkStaleOffline(_ context.Context, tenantID string, cutoff, now time.Time) ([]Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Device
	for k, d := range s.devices {
		if k.tenant != tenantID || d.Status == DeviceOffline {
			continue
		}
		if d.LastHeartbeat == nil || d.LastHeartbeat.After(cutoff) {
			continue
		}
		d.Status = DeviceOffline
		d.UpdatedAt = now
		s.devices[k] = d
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateCommand persists a command.
func (s *MemoryStore) CreateCommand(_ context.Context, c *Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{c.TenantID, c.ID}
	if _, ok := s.commands[k]; ok {
		return fmt.Errorf("command %s/%s: %w", c.TenantID, c.ID, ErrConflict)
	}
	if c.Status == "" {
		c.Status = CommandPending
	}
	c.CreatedAt = s.now()
	s.commands[k] = *c
	return nil
}

// GetCommand loads a command.
func (s *MemoryStore) GetCommand(_ context.Context, tenantID, commandID string) (*Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.commands[key{tenantID, commandID}]
	if !ok {
		return nil, fmt.Errorf("command %s/%s: %w", tenantID, commandID, ErrNotFound)
	}
	return &c, nil
}

// AdvanceCommand applies u when it raises the status rank.
func (s *MemoryStore) AdvanceCommand(_ context.Context, tenantID, commandID string, u CommandUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !u.Status.Valid() {
		return false, fmt.Errorf("invalid command status %q", u.Status)
	}
	k := key{tenantID, commandID}
	c, ok := s.commands[k]
	if !ok {
		return false, fmt.Errorf("command %s/%s: %w", tenantID, commandID, ErrNotFound)
	}
	if !c.Status.CanAdvanceTo(u.Status) {
		return false, nil
	}
	c.Status = u.Status
	if u.Result != nil {
		c.Result = u.Result
	}
	if u.ResponseData != nil {
		c.ResponseData = u.ResponseData
	}
	if u.ExecutedAt != nil {
		at := *u.ExecutedAt
		c.ExecutedAt = &at
	}
	s.commands[k] = c
	return true, nil
}

// InsertTelemetry appends a record.
func (s *MemoryStore) InsertTelemetry(_ context.Context, r *TelemetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.telemetry = append(s.telemetry, *r)
	return nil
}

// Telemetry returns the records stored for a device, oldest first.
func (s *MemoryStore) Telemetry(tenantID, deviceID string) []TelemetryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []TelemetryRecord
	for _, r := range s.telemetry {
		if r.TenantID == tenantID && r.DeviceID == deviceID {
			out = append(out, r)
		}
	}
	return out
}

// TelemetrySince filters a device's records by timestamp, oldest first.
func (s *MemoryStore) TelemetrySince(_ context.Context, tenantID, deviceID string, since time.Time) ([]TelemetryRecord, error) {
	var out []TelemetryRecord
	for _, r := range s.Telemetry(tenantID, deviceID) {
		if !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// InsertAlert persists an alert.
func (s *MemoryStore) InsertAlert(_ context.Context, a *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{a.TenantID, a.ID}
	if _, ok := s.alerts[k]; ok {
		return fmt.Errorf("alert %s/%s: %w", a.TenantID, a.ID, ErrConflict)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	s.alerts[k] = *a
	return nil
}

// Alerts returns the alerts stored for a device ordered by creation time.
func (s *MemoryStore) Alerts(tenantID, deviceID string) []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Alert
	for k, a := range s.alerts {
		if k.tenant == tenantID && a.DeviceID == deviceID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// LatestOpenAlert finds the newest unresolved alert of a type.
func (s *MemoryStore) LatestOpenAlert(_ context.Context, tenantID, deviceID, alertType string, since time.Time) (*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *Alert
	for k, a := range s.alerts {
		if k.tenant != tenantID || a.DeviceID != deviceID || a.AlertType != alertType || a.Resolved {
			continue
		}
		if a.CreatedAt.Before(since) {
			continue
		}
		if found == nil || a.CreatedAt.After(found.CreatedAt) {
			a := a
			found = &a
		}
	}
	if found == nil {
		return nil, fmt.Errorf("open %s alert for %s/%s: %w", alertType, tenantID, deviceID, ErrNotFound)
	}
	return found, nil
}

// AcknowledgeAlert sets the acknowledged flag.
func (s *MemoryStore) AcknowledgeAlert(_ context.Context, tenantID, alertID string, at time.Time) (*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{tenantID, alertID}
	a, ok := s.alerts[k]
	if !ok {
		return nil, fmt.Errorf("alert %s/%s: %w", tenantID, alertID, ErrNotFound)
	}
	a.Acknowledged = true
	if a.AcknowledgedAt == nil {
		a.AcknowledgedAt = &at
	}
	s.alerts[k] = a
	return &a, nil
}

// ResolveAlert sets the resolved flag.
func (s *MemoryStore) ResolveAlert(_ context.Context, tenantID, alertID string, at time.Time) (*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{tenantID, alertID}
	a, ok := s.alerts[k]
	if !ok {
		return nil, fmt.Errorf("alert %s/%s: %w", tenantID, alertID, ErrNotFound)
	}
	a.Resolved = true
	if a.ResolvedAt == nil {
		a.ResolvedAt = &at
	}
	s.alerts[k] = a
	return &a, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func latest(current *time.Time, ts time.Time) *time.Time {
	if current != nil && current.After(ts) {
		c := *current
		return &c
	}
	return &ts
}

var _ Store = (*MemoryStore)(nil)
