package backend

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"procodus.dev/fleet-control/internal/fleet"
	"procodus.dev/fleet-control/internal/presence"
	"procodus.dev/fleet-control/internal/store"
	"procodus.dev/fleet-control/internal/tasks"
	"procodus.dev/fleet-control/pkg/metrics"
)

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Dispatch modes.
const (
	// DispatchLocal runs jobs in the backend process.
	DispatchLocal = "local"
	// DispatchAMQP forwards jobs to workers over RabbitMQ.
	DispatchAMQP = "amqp"
)

// StoreConfig selects and configures the persistent store.
type StoreConfig struct {
	Driver string
	DB     store.DBConfig
}

// MQTTConfig configures the device broker connection.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// RedisConfig configures the Redis connection used for real-time pushes and
// job results. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RabbitMQConfig configures the job transport between backend and workers.
type RabbitMQConfig struct {
	URL       string
	QueueName string
}

// DispatchConfig configures the background job dispatcher.
type DispatchConfig struct {
	Mode           string
	Overflow       string
	Workers        int
	QueueSize      int
	EnqueueTimeout time.Duration
	HardLimit      time.Duration
	SoftLimit      time.Duration
	ResultTTL      time.Duration
}

// ServerConfig holds the configuration shared by the backend and worker
// processes.
type ServerConfig struct {
	Logger *slog.Logger
	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Set

	Store    StoreConfig
	MQTT     MQTTConfig
	Redis    RedisConfig
	RabbitMQ RabbitMQConfig
	Dispatch DispatchConfig

	OfflineAfter      time.Duration
	SweepInterval     time.Duration
	SuppressionWindow time.Duration
	BulkSharedID      bool
	// AnalyticsInterval spaces the analytics jobs telemetry triggers per
	// device; zero disables them.
	AnalyticsInterval time.Duration
	AnalyticsWindow   time.Duration

	// GRPCPort is required by the backend; workers ignore it.
	GRPCPort int
	// MetricsPort serves /metrics when positive.
	MetricsPort int
}

func (cfg *ServerConfig) validate(r role) error {
	if cfg == nil {
		return errors.New("server config cannot be nil")
	}
	if cfg.Logger == nil {
		return errors.New("logger cannot be nil")
	}

	switch cfg.Store.Driver {
	case "", StorePostgres:
		db := cfg.Store.DB
		if db.Host == "" {
			return errors.New("database host cannot be empty")
		}
		if db.Port <= 0 {
			return errors.New("database port must be positive")
		}
		if db.User == "" {
			return errors.New("database user cannot be empty")
		}
		if db.DBName == "" {
			return errors.New("database name cannot be empty")
		}
	case StoreMemory:
		if r == roleWorker {
			return errors.New("workers need a shared store; the memory driver is backend-only")
		}
	default:
		return fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	if cfg.MQTT.Broker == "" {
		return errors.New("mqtt broker cannot be empty")
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("invalid mqtt QoS %d", cfg.MQTT.QoS)
	}

	switch cfg.Dispatch.Mode {
	case "", DispatchLocal, DispatchAMQP:
	default:
		return fmt.Errorf("unknown dispatch mode %q", cfg.Dispatch.Mode)
	}
	switch tasks.OverflowPolicy(cfg.Dispatch.Overflow) {
	case "", tasks.OverflowReject, tasks.OverflowBlock:
	default:
		return fmt.Errorf("unknown overflow policy %q", cfg.Dispatch.Overflow)
	}
	if r == roleWorker || cfg.Dispatch.Mode == DispatchAMQP {
		if cfg.RabbitMQ.URL == "" {
			return errors.New("rabbitmq URL cannot be empty")
		}
		if cfg.RabbitMQ.QueueName == "" {
			return errors.New("queue name cannot be empty")
		}
	}

	if cfg.OfflineAfter < 0 || cfg.SweepInterval < 0 || cfg.SuppressionWindow < 0 ||
		cfg.AnalyticsInterval < 0 || cfg.AnalyticsWindow < 0 {
		return errors.New("durations cannot be negative")
	}
	if r == roleBackend && cfg.GRPCPort <= 0 {
		return errors.New("gRPC port must be positive")
	}
	if cfg.MetricsPort < 0 {
		return errors.New("metrics port cannot be negative")
	}
	return nil
}

func (cfg *ServerConfig) offlineAfter() time.Duration {
	if cfg.OfflineAfter <= 0 {
		return presence.DefaultOfflineAfter
	}
	return cfg.OfflineAfter
}

func (cfg *ServerConfig) sweepInterval() time.Duration {
	if cfg.SweepInterval <= 0 {
		return fleet.DefaultSweepInterval
	}
	return cfg.SweepInterval
}
