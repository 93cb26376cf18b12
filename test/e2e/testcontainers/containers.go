// Package testcontainers starts the PostgreSQL, RabbitMQ and Mosquitto
// containers the e2e suites run against.
package testcontainers

import (
	"context"
	"fmt"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
)

// endpoint is a started container and its mapped address.
type endpoint struct {
	container testcontainers.Container
	host      string
	port      int
}

// start runs req and resolves the host mapping of port. The container is
// terminated when the mapping cannot be read.
func start(ctx context.Context, req testcontainers.ContainerRequest, port string) (*endpoint, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start %s container: %w", req.Image, err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, terminate(ctx, container, fmt.Errorf("failed to get container host: %w", err))
	}
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		return nil, terminate(ctx, container, fmt.Errorf("failed to get container port: %w", err))
	}
	return &endpoint{container: container, host: host, port: mapped.Int()}, nil
}

func terminate(ctx context.Context, c testcontainers.Container, cause error) error {
	if err := c.Terminate(ctx); err != nil {
		return fmt.Errorf("%w (cleanup error: %w)", cause, err)
	}
	return cause
}
