// Package backend assembles the fleet control processes: the backend, which
// ingests device traffic and serves the control API, and the worker, which
// runs jobs forwarded over RabbitMQ.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"procodus.dev/fleet-control/internal/api"
	"procodus.dev/fleet-control/internal/jobs"
	"procodus.dev/fleet-control/internal/tasks"
	"procodus.dev/fleet-control/pkg/metrics"
)

const shutdownTimeout = 10 * time.Second

// Server is the backend process: MQTT ingestion, job dispatch, the fleet
// sweep schedule and the gRPC control API.
type Server struct {
	logger        *slog.Logger
	config        *ServerConfig
	components    *components
	scheduler     *tasks.Scheduler
	grpcServer    *grpc.Server
	metricsServer *http.Server
	health        *api.HealthReporter
	addr          net.Addr
	ready         chan struct{}
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	shutdownOnce  sync.Once
}

// NewServer validates cfg and returns a server ready to Run.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if err := cfg.validate(roleBackend); err != nil {
		return nil, err
	}
	return &Server{
		logger: cfg.Logger.With("component", "backend"),
		config: cfg,
		ready:  make(chan struct{}),
	}, nil
}

// Ready is closed once the gRPC listener is accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the gRPC listen address after Ready.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Run starts the backend server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting backend server")

	ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	c, err := buildComponents(ctx, s.config, roleBackend)
	if err != nil {
		return err
	}
	s.components = c

	c.dispatcher.Start()

	if err := c.broker.Connect(ctx); err != nil {
		return errors.Join(err, s.Shutdown())
	}

	s.scheduler, err = tasks.NewScheduler(s.config.Logger, c.dispatcher)
	if err != nil {
		return errors.Join(err, s.Shutdown())
	}
	if err := s.scheduler.Every(jobs.FleetSweep, s.config.sweepInterval(), nil); err != nil {
		return errors.Join(err, s.Shutdown())
	}
	s.scheduler.Start(ctx)

	svc, err := api.NewService(&api.Config{
		Logger:   s.config.Logger,
		Store:    c.store,
		Commands: c.commands,
		Alerts:   c.alerts,
		Tasks:    c.dispatcher,
	})
	if err != nil {
		return errors.Join(fmt.Errorf("failed to initialize gRPC service: %w", err), s.Shutdown())
	}

	interceptors := []grpc.UnaryServerInterceptor{api.LoggingInterceptor(s.config.Logger)}
	if s.config.Metrics != nil {
		interceptors = append([]grpc.UnaryServerInterceptor{api.MetricsInterceptor(s.config.Metrics.API)}, interceptors...)
	}
	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(interceptors...))
	api.RegisterControlServiceServer(s.grpcServer, svc)

	s.health = api.NewHealthReporter(s.config.Logger, c.broker.IsConnected, api.DefaultHealthInterval)
	healthpb.RegisterHealthServer(s.grpcServer, s.health.Server())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.health.Run(ctx)
	}()

	grpcAddr := fmt.Sprintf(":%d", s.config.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to listen on %s: %w", grpcAddr, err), s.Shutdown())
	}
	s.addr = lis.Addr()
	s.logger.Info("starting gRPC server", "address", s.addr.String())

	grpcErr := make(chan error, 1)
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			grpcErr <- fmt.Errorf("gRPC server error: %w", err)
		}
		close(grpcErr)
	}()

	metricsErr := s.serveMetrics()
	close(s.ready)
	s.logger.Info("backend server started successfully")

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-grpcErr:
		if err != nil {
			s.logger.Error("gRPC server error", "error", err)
			return errors.Join(err, s.Shutdown())
		}
	case err := <-metricsErr:
		s.logger.Error("metrics server error", "error", err)
		return errors.Join(err, s.Shutdown())
	}

	return s.Shutdown()
}

func (s *Server) serveMetrics() <-chan error {
	errCh := make(chan error, 1)
	if s.config.MetricsPort <= 0 {
		return errCh
	}
	s.metricsServer = newMetricsServer(s.config.MetricsPort)
	s.logger.Info("starting metrics server", "address", s.metricsServer.Addr)
	go func() {
		if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()
	return errCh
}

// Shutdown gracefully shuts down the server in reverse start order.
func (s *Server) Shutdown() error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		shutdownErr = s.shutdown()
	})
	return shutdownErr
}

func (s *Server) shutdown() error {
	s.logger.Info("shutting down backend server")
	if s.cancel != nil {
		s.cancel()
	}

	var errs []error

	if s.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown error: %w", err))
		}
		cancel()
	}

	if s.grpcServer != nil {
		s.logger.Info("stopping gRPC server")
		s.grpcServer.GracefulStop()
		s.logger.Info("gRPC server stopped")
	}
	s.wg.Wait()

	if s.scheduler != nil {
		s.scheduler.Stop()
	}

	if c := s.components; c != nil {
		if c.broker != nil {
			c.broker.Disconnect()
		}
		if c.dispatcher != nil {
			c.dispatcher.Stop()
		}
		if err := c.close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("backend server shutdown completed with errors", "error", err)
		return err
	}
	s.logger.Info("backend server shutdown completed successfully")
	return nil
}

func newMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
