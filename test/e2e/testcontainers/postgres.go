package testcontainers

import (
	"context"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"procodus.dev/fleet-control/internal/store"
)

// PostgresConfig holds configuration for PostgreSQL test container.
type PostgresConfig struct {
	// User is the PostgreSQL username (default: postgres)
	User string
	// Password is the PostgreSQL password (default: postgres)
	Password string
	// Database is the database name (default: fleet)
	Database string
	// ContainerName is the name of the container (optional)
	ContainerName string
}

// StartPostgres starts a PostgreSQL container and returns it with a
// store.DBConfig pointing at it.
func StartPostgres(ctx context.Context, config *PostgresConfig) (testcontainers.Container, store.DBConfig, error) {
	cfg := PostgresConfig{User: "postgres", Password: "postgres", Database: "fleet"}
	if config != nil {
		cfg.ContainerName = config.ContainerName
		if config.User != "" {
			cfg.User = config.User
		}
		if config.Password != "" {
			cfg.Password = config.Password
		}
		if config.Database != "" {
			cfg.Database = config.Database
		}
	}

	ep, err := start(ctx, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		),
		Env: map[string]string{
			"POSTGRES_USER":     cfg.User,
			"POSTGRES_PASSWORD": cfg.Password,
			"POSTGRES_DB":       cfg.Database,
		},
		Name: cfg.ContainerName,
	}, "5432")
	if err != nil {
		return nil, store.DBConfig{}, err
	}

	return ep.container, store.DBConfig{
		Host:     ep.host,
		Port:     ep.port,
		User:     cfg.User,
		Password: cfg.Password,
		DBName:   cfg.Database,
		SSLMode:  "disable",
	}, nil
}
