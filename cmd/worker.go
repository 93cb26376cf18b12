package main

import (
	"context"

	"github.com/spf13/cobra"

	"procodus.dev/fleet-control/internal/backend"
	"procodus.dev/fleet-control/pkg/metrics"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a background job worker",
	Long: `Run a worker that:
- Consumes jobs the backend forwards over RabbitMQ
- Runs them on a bounded local pool with time limits
- Publishes commands to devices on its own MQTT connection
- Stores job results in Redis for the backend to report`,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return bindFlags(cmd, serverBindings)
	},
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	addServerFlags(workerCmd, "fleetctl-worker")
}

func runWorker(_ *cobra.Command, _ []string) error {
	logger, err := GetLogger("fleetctl-worker")
	if err != nil {
		return err
	}
	logger.Info("starting worker service")

	config := serverConfigFromViper(logger, metrics.NewSet("fleetctl"))

	worker, err := backend.NewWorker(config)
	if err != nil {
		logger.Error("failed to create worker", "error", err)
		return err
	}
	logServerConfig(logger, config)

	if err := worker.Run(context.Background()); err != nil {
		logger.Error("worker error", "error", err)
		return err
	}

	logger.Info("worker stopped")
	return nil
}
