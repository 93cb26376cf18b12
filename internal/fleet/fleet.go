// Package fleet runs the periodic tenant-wide sweep.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"procodus.dev/fleet-control/internal/commands"
	"procodus.dev/fleet-control/internal/jobs"
	"procodus.dev/fleet-control/internal/store"
	"procodus.dev/fleet-control/internal/tasks"
)

// DefaultSweepInterval is how often fleet.sweep runs.
const DefaultSweepInterval = 5 * time.Minute

// Broadcaster sends a command to every device of a tenant.
type Broadcaster interface {
	Broadcast(ctx context.Context, tenantID, command string, params map[string]any, fromUser string) (string, error)
}

// Config holds the configuration for the Sweeper.
type Config struct {
	Logger      *slog.Logger
	Store       store.Store
	Enqueuer    tasks.Enqueuer
	Broadcaster Broadcaster
}

// Sweeper fans the periodic sweep out to per-tenant jobs.
type Sweeper struct {
	logger      *slog.Logger
	store       store.Store
	enqueuer    tasks.Enqueuer
	broadcaster Broadcaster
}

// Summary is the value stored for a fleet.sweep job.
type Summary struct {
	Tenants  int `json:"tenants"`
	Enqueued int `json:"enqueued"`
	Failed   int `json:"failed"`
}

// NewSweeper validates cfg.
func NewSweeper(cfg *Config) (*Sweeper, error) {
	if cfg == nil {
		return nil, errors.New("fleet config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Enqueuer == nil {
		return nil, errors.New("enqueuer cannot be nil")
	}
	if cfg.Broadcaster == nil {
		return nil, errors.New("broadcaster cannot be nil")
	}
	return &Sweeper{
		logger:      cfg.Logger.With("component", "fleet"),
		store:       cfg.Store,
		enqueuer:    cfg.Enqueuer,
		broadcaster: cfg.Broadcaster,
	}, nil
}

// Sweep enqueues an offline sweep and a health check for every active
// tenant. A failed enqueue is logged and counted; the rest still run.
func (s *Sweeper) Sweep(ctx context.Context) (Summary, error) {
	tenants, err := s.store.ListActiveTenants(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to list tenants: %w", err)
	}

	sum := Summary{Tenants: len(tenants)}
	for _, t := range tenants {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		args := jobs.TenantArgs{TenantID: t.ID}
		for _, name := range []string{jobs.PresenceOfflineSweep, jobs.FleetHealthCheck} {
			if _, err := s.enqueuer.TryEnqueue(name, args); err != nil {
				s.logger.Error("failed to enqueue tenant job", "tenant_id", t.ID, "job", name, "error", err)
				sum.Failed++
				continue
			}
			sum.Enqueued++
		}
	}

	s.logger.Info("fleet sweep done", "tenants", sum.Tenants, "enqueued", sum.Enqueued, "failed", sum.Failed)
	return sum, nil
}

// HealthCheck broadcasts health_check to a tenant's devices.
func (s *Sweeper) HealthCheck(ctx context.Context, tenantID string) (string, error) {
	id, err := s.broadcaster.Broadcast(ctx, tenantID, commands.HealthCheck, nil, "")
	if err != nil {
		return "", err
	}
	s.logger.Debug("health check broadcast", "tenant_id", tenantID, "command_id", id)
	return id, nil
}
