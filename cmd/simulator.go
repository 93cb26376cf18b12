package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"procodus.dev/fleet-control/internal/api"
	"procodus.dev/fleet-control/internal/simulator"
	"procodus.dev/fleet-control/pkg/metrics"
)

var simulatorCmd = &cobra.Command{
	Use:   "simulator",
	Short: "Run simulated devices",
	Long: `Run simulated devices of one tenant that:
- Publish heartbeats, telemetry and periodic status reports over MQTT
- Answer every command sent to them with a completed response
- Optionally register the tenant and devices through the control API first`,
	RunE: runSimulator,
}

func init() {
	rootCmd.AddCommand(simulatorCmd)

	f := simulatorCmd.Flags()
	f.String("mqtt-broker", "tcp://localhost:1883", "MQTT broker URL")
	f.String("mqtt-client-id", "fleetctl-simulator", "MQTT client id")
	f.String("mqtt-username", "", "MQTT username")
	f.String("mqtt-password", "", "MQTT password")
	f.Uint8("mqtt-qos", 1, "MQTT QoS")
	f.String("tenant", "demo", "tenant id of the simulated devices")
	f.Int("device-count", 3, "number of devices to simulate")
	f.StringSlice("device-ids", nil, "explicit device ids (overrides device-count)")
	f.Duration("interval", 10*time.Second, "interval between heartbeat and telemetry rounds")
	f.Int("status-every", 3, "send a status report every N rounds")
	f.Duration("response-delay", 0, "delay before answering a command")
	f.Float64("spike-rate", 0.05, "chance of an anomalous temperature reading")
	f.Uint64("seed", 0, "random seed (0 picks one)")
	f.Bool("register", false, "register the tenant and devices through the control API first")
	f.String("api-addr", "localhost:9090", "control API address used with --register")
	f.Int("metrics-port", 0, "Prometheus metrics port (0 disables)")

	_ = viper.BindPFlag("simulator.mqtt.broker", f.Lookup("mqtt-broker"))
	_ = viper.BindPFlag("simulator.mqtt.client_id", f.Lookup("mqtt-client-id"))
	_ = viper.BindPFlag("simulator.mqtt.username", f.Lookup("mqtt-username"))
	_ = viper.BindPFlag("simulator.mqtt.password", f.Lookup("mqtt-password"))
	_ = viper.BindPFlag("simulator.mqtt.qos", f.Lookup("mqtt-qos"))
	_ = viper.BindPFlag("simulator.tenant_id", f.Lookup("tenant"))
	_ = viper.BindPFlag("simulator.device_count", f.Lookup("device-count"))
	_ = viper.BindPFlag("simulator.device_ids", f.Lookup("device-ids"))
	_ = viper.BindPFlag("simulator.interval", f.Lookup("interval"))
	_ = viper.BindPFlag("simulator.status_every", f.Lookup("status-every"))
	_ = viper.BindPFlag("simulator.response_delay", f.Lookup("response-delay"))
	_ = viper.BindPFlag("simulator.spike_rate", f.Lookup("spike-rate"))
	_ = viper.BindPFlag("simulator.seed", f.Lookup("seed"))
	_ = viper.BindPFlag("simulator.register", f.Lookup("register"))
	_ = viper.BindPFlag("simulator.api_addr", f.Lookup("api-addr"))
	_ = viper.BindPFlag("simulator.metrics.port", f.Lookup("metrics-port"))
}

func runSimulator(_ *cobra.Command, _ []string) error {
	logger, err := GetLogger("fleetctl-simulator")
	if err != nil {
		return err
	}
	logger.Info("starting simulator")

	seed := viper.GetUint64("simulator.seed")
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	spikeRate := viper.GetFloat64("simulator.spike_rate")

	config := &simulator.ServerConfig{
		Logger:   logger,
		Broker:   viper.GetString("simulator.mqtt.broker"),
		ClientID: viper.GetString("simulator.mqtt.client_id"),
		Username: viper.GetString("simulator.mqtt.username"),
		Password: viper.GetString("simulator.mqtt.password"),
		QoS:      byte(viper.GetUint("simulator.mqtt.qos")),
		Interval: viper.GetDuration("simulator.interval"),
		Simulation: simulator.Config{
			TenantID:      viper.GetString("simulator.tenant_id"),
			DeviceCount:   viper.GetInt("simulator.device_count"),
			DeviceIDs:     viper.GetStringSlice("simulator.device_ids"),
			StatusEvery:   viper.GetInt("simulator.status_every"),
			ResponseDelay: viper.GetDuration("simulator.response_delay"),
			SpikeRate:     &spikeRate,
			Seed:          seed,
		},
	}

	metricsPort := viper.GetInt("simulator.metrics.port")
	if metricsPort > 0 {
		config.Metrics = metrics.NewSimulatorMetrics("fleetctl")
		config.BrokerMetrics = metrics.NewBrokerMetrics("fleetctl")
	}

	server, err := simulator.NewServer(config)
	if err != nil {
		logger.Error("failed to create simulator", "error", err)
		return err
	}

	logger.Info("simulator configuration",
		"mqtt_broker", config.Broker,
		"tenant_id", config.Simulation.TenantID,
		"device_count", len(server.Simulator().Devices()),
		"interval", config.Interval,
		"seed", seed,
	)

	ctx := context.Background()
	if viper.GetBool("simulator.register") {
		if err := registerSimulated(ctx, logger, viper.GetString("simulator.api_addr"), server.Simulator()); err != nil {
			logger.Error("failed to register simulated devices", "error", err)
			return err
		}
	}

	if metricsPort > 0 {
		ms := &http.Server{
			Addr:              fmt.Sprintf(":%d", metricsPort),
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
		defer func() { _ = ms.Close() }()
	}

	if err := server.Run(ctx); err != nil {
		logger.Error("simulator error", "error", err)
		return err
	}

	logger.Info("simulator stopped")
	return nil
}

// registerSimulated creates the tenant and devices, tolerating ones that
// already exist from an earlier run.
func registerSimulated(ctx context.Context, logger *slog.Logger, addr string, sim *simulator.Simulator) error {
	conn, err := api.Dial(addr)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	client, err := api.NewClient(conn)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tenantID := sim.TenantID()
	_, err = client.RegisterTenant(ctx, api.RegisterTenantRequest{
		ID:          tenantID,
		Name:        tenantID,
		Description: "simulated tenant",
	})
	if ignoreExisting(err) != nil {
		return fmt.Errorf("failed to register tenant %s: %w", tenantID, err)
	}

	for _, d := range sim.Devices() {
		_, err := client.RegisterDevice(ctx, api.RegisterDeviceRequest{
			TenantID:   tenantID,
			ID:         d.ID,
			Name:       d.Name,
			DeviceType: d.DeviceType,
			Location:   d.Location,
			Configuration: map[string]any{
				"firmware":    d.Firmware,
				"mac_address": d.MacAddress,
				"thresholds": map[string]any{
					"temperature": 60,
					"humidity":    90,
				},
			},
		})
		if ignoreExisting(err) != nil {
			return fmt.Errorf("failed to register device %s: %w", d.ID, err)
		}
	}
	logger.Info("simulated devices registered", "tenant_id", tenantID, "device_count", len(sim.Devices()))
	return nil
}

func ignoreExisting(err error) error {
	if status.Code(err) == codes.AlreadyExists {
		return nil
	}
	return err
}
