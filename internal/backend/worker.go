package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"procodus.dev/fleet-control/internal/tasks"
)

// Worker runs jobs the backend forwards over RabbitMQ. It consumes job
// envelopes into a local dispatcher and publishes commands on its own MQTT
// connection.
type Worker struct {
	logger        *slog.Logger
	config        *ServerConfig
	components    *components
	consumer      *tasks.Consumer
	metricsServer *http.Server
	cancel        context.CancelFunc
	shutdownOnce  sync.Once
}

// NewWorker validates cfg and returns a worker ready to Run.
func NewWorker(cfg *ServerConfig) (*Worker, error) {
	if err := cfg.validate(roleWorker); err != nil {
		return nil, err
	}
	return &Worker{
		logger: cfg.Logger.With("component", "worker"),
		config: cfg,
	}, nil
}

// Run starts the worker and blocks until shutdown.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("starting worker")

	ctx, w.cancel = context.WithCancel(ctx)
	defer w.cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	c, err := buildComponents(ctx, w.config, roleWorker)
	if err != nil {
		return err
	}
	w.components = c

	c.dispatcher.Start()
	if err := c.broker.Connect(ctx); err != nil {
		return errors.Join(err, w.Shutdown())
	}

	w.consumer, err = tasks.NewConsumer(&tasks.ConsumerConfig{
		Logger: w.config.Logger,
		Client: c.mq,
		Target: c.dispatcher,
		Queue:  w.config.RabbitMQ.QueueName,
	})
	if err != nil {
		return errors.Join(fmt.Errorf("failed to initialize consumer: %w", err), w.Shutdown())
	}
	if w.config.Metrics != nil {
		w.consumer.SetMetrics(w.config.Metrics.Transport)
	}

	consumeErr := make(chan error, 1)
	go func() {
		consumeErr <- w.consumer.Run(ctx)
	}()

	metricsErr := make(chan error, 1)
	if w.config.MetricsPort > 0 {
		w.metricsServer = newMetricsServer(w.config.MetricsPort)
		w.logger.Info("starting metrics server", "address", w.metricsServer.Addr)
		go func() {
			if err := w.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				metricsErr <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	w.logger.Info("worker started successfully", "queue", w.config.RabbitMQ.QueueName)

	select {
	case sig := <-sigChan:
		w.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		w.logger.Info("context canceled")
	case err := <-consumeErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("consumer stopped", "error", err)
			return errors.Join(err, w.Shutdown())
		}
	case err := <-metricsErr:
		w.logger.Error("metrics server error", "error", err)
		return errors.Join(err, w.Shutdown())
	}

	return w.Shutdown()
}

// Shutdown stops consuming, drains the pool and releases connections.
func (w *Worker) Shutdown() error {
	var shutdownErr error
	w.shutdownOnce.Do(func() {
		shutdownErr = w.shutdown()
	})
	return shutdownErr
}

func (w *Worker) shutdown() error {
	w.logger.Info("shutting down worker")
	if w.cancel != nil {
		w.cancel()
	}

	var errs []error
	if w.consumer != nil {
		<-w.consumer.Done()
	}
	if w.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := w.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown error: %w", err))
		}
		cancel()
	}
	if c := w.components; c != nil {
		if c.dispatcher != nil {
			c.dispatcher.Stop()
		}
		if c.broker != nil {
			c.broker.Disconnect()
		}
		if err := c.close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		w.logger.Error("worker shutdown completed with errors", "error", err)
		return err
	}
	w.logger.Info("worker shutdown completed successfully")
	return nil
}
