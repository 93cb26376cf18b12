package main

import (
	"context"

	"github.com/spf13/cobra"

	"procodus.dev/fleet-control/internal/backend"
	"procodus.dev/fleet-control/pkg/metrics"
)

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Run the backend server",
	Long: `Run the backend server that:
- Subscribes to device traffic of every tenant over MQTT
- Tracks presence, evaluates alert thresholds and correlates command responses
- Runs background jobs locally or forwards them to workers over RabbitMQ
- Sweeps the fleet for silent devices on a schedule
- Serves the gRPC control API and Prometheus metrics`,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return bindFlags(cmd, append(serverBindings, binding{"backend.grpc.port", "grpc-port"}))
	},
	RunE: runBackend,
}

func init() {
	rootCmd.AddCommand(backendCmd)

	addServerFlags(backendCmd, "fleetctl-backend")
	backendCmd.Flags().Int("grpc-port", 9090, "gRPC server port")
}

func runBackend(_ *cobra.Command, _ []string) error {
	logger, err := GetLogger("fleetctl-backend")
	if err != nil {
		return err
	}
	logger.Info("starting backend service")

	config := serverConfigFromViper(logger, metrics.NewSet("fleetctl"))

	server, err := backend.NewServer(config)
	if err != nil {
		logger.Error("failed to create backend server", "error", err)
		return err
	}
	logServerConfig(logger, config)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("backend server error", "error", err)
		return err
	}

	logger.Info("backend server stopped")
	return nil
}
