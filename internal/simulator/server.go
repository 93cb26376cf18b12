package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"procodus.dev/fleet-control/internal/broker"
	"procodus.dev/fleet-control/pkg/metrics"
)

var (
	errInvalidInterval = errors.New("interval must be greater than 0")
	errLoggerRequired  = errors.New("logger is required")
)

// ServerConfig holds the configuration for the simulator server.
type ServerConfig struct {
	// Logger is the structured logger
	Logger *slog.Logger
	// Broker is the MQTT broker URL, e.g. tcp://localhost:1883
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
	// Simulation describes the tenant and its devices. Logger and Publisher
	// are filled in by the server.
	Simulation Config
	// Interval is the time between telemetry rounds
	Interval time.Duration
	// Metrics is the optional Prometheus metrics collector
	Metrics *metrics.SimulatorMetrics
	// BrokerMetrics is the optional collector for the MQTT connection
	BrokerMetrics *metrics.BrokerMetrics
}

// Server connects a Simulator to a real broker and ticks it on an interval.
type Server struct {
	logger *slog.Logger
	config *ServerConfig
	sim    *Simulator
	client *broker.Client
}

// NewServer builds the simulator and its MQTT client.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("simulator server config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errLoggerRequired
	}
	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}

	s := &Server{
		logger: cfg.Logger.With("component", "simulator-server"),
		config: cfg,
	}

	brokerCfg := &broker.ClientConfig{
		Logger:   cfg.Logger,
		Broker:   cfg.Broker,
		ClientID: cfg.ClientID,
		Username: cfg.Username,
		Password: cfg.Password,
		QoS:      cfg.QoS,
		Handler: func(topic string, payload []byte) {
			s.sim.HandleMessage(topic, payload)
		},
	}
	client, err := broker.NewClient(brokerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create mqtt client: %w", err)
	}
	if cfg.BrokerMetrics != nil {
		client.SetMetrics(cfg.BrokerMetrics)
	}
	s.client = client

	simCfg := cfg.Simulation
	simCfg.Logger = cfg.Logger
	simCfg.Publisher = client
	if s.sim, err = New(&simCfg); err != nil {
		return nil, err
	}
	if cfg.Metrics != nil {
		s.sim.SetMetrics(cfg.Metrics)
	}
	// Subscriptions are made on connect, after the devices exist.
	brokerCfg.Filters = s.sim.Filters()
	return s, nil
}

// Simulator returns the driven simulator.
func (s *Server) Simulator() *Simulator {
	return s.sim
}

// Run connects, then publishes a round of traffic every interval until the
// context ends or a shutdown signal arrives.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := s.client.Connect(ctx); err != nil {
		return err
	}

	devices := len(s.sim.devices)
	if m := s.config.Metrics; m != nil {
		m.ActiveDevices.Add(float64(devices))
		defer m.ActiveDevices.Sub(float64(devices))
	}

	s.logger.Info("simulator started",
		"tenant_id", s.sim.TenantID(),
		"device_count", devices,
		"interval", s.config.Interval,
	)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case sig := <-sigChan:
			s.logger.Info("received shutdown signal", "signal", sig.String())
			return s.Shutdown()
		case <-ctx.Done():
			s.logger.Info("context canceled, shutting down")
			return s.Shutdown()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Server) tick(ctx context.Context) {
	if err := s.sim.Tick(ctx); err != nil && ctx.Err() == nil {
		// Keep going; the broker client reconnects on its own.
		s.logger.Error("failed to publish device traffic", "error", err)
	}
}

// Shutdown waits for in-flight command responses and disconnects.
func (s *Server) Shutdown() error {
	s.sim.Wait()
	s.client.Disconnect()
	s.logger.Info("simulator stopped")
	return nil
}
