package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"procodus.dev/fleet-control/pkg/metrics"
)

// GormStore implements Store on PostgreSQL.
type GormStore struct {
	db      *gorm.DB
	logger  *slog.Logger
	metrics *metrics.StoreMetrics
}

// NewGormStore wraps an open connection.
func NewGormStore(db *gorm.DB, logger *slog.Logger) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &GormStore{db: db, logger: logger}, nil
}

// SetMetrics enables operation metrics.
func (s *GormStore) SetMetrics(m *metrics.StoreMetrics) {
	s.metrics = m
}

// DB exposes the underlying connection.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func (s *GormStore) observe(op, table string) func(error) {
	start := time.Now()
	return func(err error) {
		if s.metrics == nil {
			return
		}
		status := "success"
		if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrConflict) {
			status = "error"
		}
		s.metrics.OperationsTotal.WithLabelValues(op, table, status).Inc()
		s.metrics.OperationDuration.WithLabelValues(op, table).Observe(time.Since(start).Seconds())
	}
}

// CreateTenant inserts a tenant.
func (s *GormStore) CreateTenant(ctx context.Context, t *Tenant) (err error) {
	done := s.observe("insert", "tenants")
	defer func() { done(err) }()

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(t)
	if res.Error != nil {
		return storeErr("create tenant", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("tenant %s: %w", t.ID, ErrConflict)
	}
	return nil
}

// ListActiveTenants returns every tenant with is_active set.
func (s *GormStore) ListActiveTenants(ctx context.Context) (_ []Tenant, err error) {
	done := s.observe("select", "tenants")
	defer func() { done(err) }()

	var tenants []Tenant
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("id").Find(&tenants).Error; err != nil {
		return nil, storeErr("list tenants", err)
	}
	return tenants, nil
}

// CreateDevice registers a device. A duplicate (tenant_id, id) is a conflict.
func (s *GormStore) CreateDevice(ctx context.Context, d *Device) (err error) {
	done := s.observe("insert", "devices")
	defer func() { done(err) }()

	if d.Status == "" {
		d.Status = DeviceOffline
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(d)
	if res.Error != nil {
		return storeErr("create device", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("device %s/%s: %w", d.TenantID, d.ID, ErrConflict)
	}
	return nil
}

// GetDevice loads a device by (tenant_id, id).
func (s *GormStore) GetDevice(ctx context.Context, tenantID, deviceID string) (_ *Device, err error) {
	done := s.observe("select", "devices")
	defer func() { done(err) }()

	var d Device
	err = s.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, deviceID).
		First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("device %s/%s: %w", tenantID, deviceID, ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("get device", err)
	}
	return &d, nil
}

// RecordHeartbeat marks the device online without rewinding last_heartbeat.
func (s *GormStore) RecordHeartbeat(ctx context.Context, tenantID, deviceID string, ts, now time.Time) (err error) {
	done := s.observe("update", "devices")
	defer func() { done(err) }()

	res := s.db.WithContext(ctx).Model(&Device{}).
		Where("tenant_id = ? AND id = ?", tenantID, deviceID).
		Updates(map[string]any{
			"status":         DeviceOnline,
			"last_heartbeat": gorm.Expr("GREATEST(COALESCE(last_heartbeat, ?), ?)", ts, ts),
			"updated_at":     now,
		})
	if res.Error != nil {
		return storeErr("record heartbeat", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("device %s/%s: %w", tenantID, deviceID, ErrNotFound)
	}
	return nil
}

// ApplyDeviceStatus writes a status report. last_seen never moves backwards.
func (s *GormStore) ApplyDeviceStatus(ctx context.Context, tenantID, deviceID string, u StatusUpdate) (err error) {
	done := s.observe("update", "devices")
	defer func() { done(err) }()

	fields := map[string]any{
		"last_seen":  gorm.Expr("GREATEST(COALESCE(last_seen, ?), ?)", u.LastSeen, u.LastSeen),
		"updated_at": u.UpdatedAt,
	}
	if u.Status != nil {
		fields["status"] = *u.Status
	}
	if u.ConnectionInfo != nil {
		fields["connection_info"] = u.ConnectionInfo
	}
	if u.SystemInfo != nil {
		fields["system_info"] = u.SystemInfo
	}

	res := s.db.WithContext(ctx).Model(&Device{}).
		Where("tenant_id = ? AND id = ?", tenantID, deviceID).
		Updates(fields)
	if res.Error != nil {
		return storeErr("apply device status", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("device %s/%s: %w", tenantID, deviceID, ErrNotFound)
	}
	return nil
}

// MarkStaleOffline flips stale devices in one conditional UPDATE ... RETURNING,
// so concurrent sweeps never both observe the same transition.
func (s *GormStore) MarkStaleOffline(ctx context.Context, tenantID string, cutoff, now time.Time) (_ []Device, err error) {
	done := s.observe("update", "devices")
	defer func() { done(err) }()

	var devices []Device
	res := s.db.WithContext(ctx).Model(&devices).
		Clauses(clause.Returning{}).
		Where("tenant_id = ? AND status <> ? AND last_heartbeat <= ?", tenantID, DeviceOffline, cutoff).
		Updates(map[string]any{
			"status":     DeviceOffline,
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, storeErr("mark stale devices offline", res.Error)
	}
	return devices, nil
}

// CreateCommand persists a command.
func (s *GormStore) CreateCommand(ctx context.Context, c *Command) (err error) {
	done := s.observe("insert", "commands")
	defer func() { done(err) }()

	if c.Status == "" {
		c.Status = CommandPending
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(c)
	if res.Error != nil {
		return storeErr("create command", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("command %s/%s: %w", c.TenantID, c.ID, ErrConflict)
	}
	return nil
}

// GetCommand loads a command by (tenant_id, id).
func (s *GormStore) GetCommand(ctx context.Context, tenantID, commandID string) (_ *Command, err error) {
	done := s.observe("select", "commands")
	defer func() { done(err) }()

	var c Command
	err = s.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, commandID).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("command %s/%s: %w", tenantID, commandID, ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("get command", err)
	}
	return &c, nil
}

// AdvanceCommand applies u when the stored status ranks strictly below u.Status.
func (s *GormStore) AdvanceCommand(ctx context.Context, tenantID, commandID string, u CommandUpdate) (_ bool, err error) {
	done := s.observe("update", "commands")
	defer func() { done(err) }()

	from := lowerStatuses(u.Status)
	if len(from) == 0 {
		return false, fmt.Errorf("invalid command status %q", u.Status)
	}

	fields := map[string]any{"status": u.Status}
	if u.Result != nil {
		fields["result"] = u.Result
	}
	if u.ResponseData != nil {
		fields["response_data"] = u.ResponseData
	}
	if u.ExecutedAt != nil {
		fields["executed_at"] = *u.ExecutedAt
	}

	res := s.db.WithContext(ctx).Model(&Command{}).
		Where("tenant_id = ? AND id = ? AND status IN ?", tenantID, commandID, from).
		Updates(fields)
	if res.Error != nil {
		return false, storeErr("advance command", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	// Nothing changed: either the command is unknown or already at or past u.Status.
	var count int64
	if err := s.db.WithContext(ctx).Model(&Command{}).
		Where("tenant_id = ? AND id = ?", tenantID, commandID).
		Count(&count).Error; err != nil {
		return false, storeErr("advance command", err)
	}
	if count == 0 {
		return false, fmt.Errorf("command %s/%s: %w", tenantID, commandID, ErrNotFound)
	}
	return false, nil
}

// InsertTelemetry appends a telemetry record.
func (s *GormStore) InsertTelemetry(ctx context.Context, r *TelemetryRecord) (err error) {
	done := s.observe("insert", "telemetry")
	defer func() { done(err) }()

	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return storeErr("insert telemetry", err)
	}
	return nil
}

// TelemetrySince loads a device's recent telemetry, oldest first.
func (s *GormStore) TelemetrySince(ctx context.Context, tenantID, deviceID string, since time.Time) (_ []TelemetryRecord, err error) {
	done := s.observe("select", "telemetry")
	defer func() { done(err) }()

	var records []TelemetryRecord
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND device_id = ? AND timestamp >= ?", tenantID, deviceID, since).
		Order("timestamp").
		Find(&records).Error; err != nil {
		return nil, storeErr("select telemetry", err)
	}
	return records, nil
}

// InsertAlert persists an alert.
func (s *GormStore) InsertAlert(ctx context.Context, a *Alert) (err error) {
	done := s.observe("insert", "alerts")
	defer func() { done(err) }()

	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return storeErr("insert alert", err)
	}
	return nil
}

// LatestOpenAlert finds the newest unresolved alert of a type since a point in time.
func (s *GormStore) LatestOpenAlert(ctx context.Context, tenantID, deviceID, alertType string, since time.Time) (_ *Alert, err error) {
	done := s.observe("select", "alerts")
	defer func() { done(err) }()

	var a Alert
	err = s.db.WithContext(ctx).
		Where("tenant_id = ? AND device_id = ? AND alert_type = ? AND resolved = ? AND created_at >= ?",
			tenantID, deviceID, alertType, false, since).
		Order("created_at DESC").
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("open %s alert for %s/%s: %w", alertType, tenantID, deviceID, ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("find open alert", err)
	}
	return &a, nil
}

// AcknowledgeAlert sets acknowledged; the first acknowledgement time is kept.
func (s *GormStore) AcknowledgeAlert(ctx context.Context, tenantID, alertID string, at time.Time) (*Alert, error) {
	return s.flagAlert(ctx, tenantID, alertID, "acknowledged", "acknowledged_at", at)
}

// ResolveAlert sets resolved; the first resolution time is kept.
func (s *GormStore) ResolveAlert(ctx context.Context, tenantID, alertID string, at time.Time) (*Alert, error) {
	return s.flagAlert(ctx, tenantID, alertID, "resolved", "resolved_at", at)
}

func (s *GormStore) flagAlert(ctx context.Context, tenantID, alertID, flag, stamp string, at time.Time) (_ *Alert, err error) {
	done := s.observe("update", "alerts")
	defer func() { done(err) }()

	var a Alert
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Alert{}).
			Where("tenant_id = ? AND id = ?", tenantID, alertID).
			Updates(map[string]any{
				flag:  true,
				stamp: gorm.Expr("COALESCE("+stamp+", ?)", at),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Where("tenant_id = ? AND id = ?", tenantID, alertID).First(&a).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("alert %s/%s: %w", tenantID, alertID, ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("update alert "+flag, err)
	}
	return &a, nil
}

// Ping verifies the database is reachable.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return storeErr("get database instance", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return storeErr("ping database", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *GormStore) Close() error {
	return CloseDB(s.db, s.logger)
}

var _ Store = (*GormStore)(nil)
