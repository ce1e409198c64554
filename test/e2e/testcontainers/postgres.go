package testcontainers

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresConfig holds configuration for PostgreSQL test container.
type PostgresConfig struct {
	// User is the PostgreSQL username (default: biosync)
	User string
	// Password is the PostgreSQL password (default: biosync)
	Password string
	// Database is the database name (default: biosync)
	Database string
	// ContainerName is the name of the container (optional)
	ContainerName string
}

// Postgres is a running PostgreSQL container and how to reach it.
type Postgres struct {
	Container testcontainers.Container
	Host      string
	Port      int
	User      string
	Password  string
	Database  string
}

// DSN renders the libpq connection string of the container.
func (p *Postgres) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
		p.Host, p.Port, p.User, p.Password, p.Database)
}

// Terminate stops the container.
func (p *Postgres) Terminate(ctx context.Context) error {
	return p.Container.Terminate(ctx)
}

// StartPostgres starts a PostgreSQL container for testing.
func StartPostgres(ctx context.Context, config *PostgresConfig) (*Postgres, error) {
	if config == nil {
		config = &PostgresConfig{}
	}
	if config.User == "" {
		config.User = "biosync"
	}
	if config.Password == "" {
		config.Password = "biosync"
	}
	if config.Database == "" {
		config.Database = "biosync"
	}

	ep, err := start(ctx, "PostgreSQL", testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		// The init script restarts the server once, so the ready line shows twice.
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		).WithDeadline(2 * time.Minute),
		Env: map[string]string{
			"POSTGRES_USER":     config.User,
			"POSTGRES_PASSWORD": config.Password,
			"POSTGRES_DB":       config.Database,
		},
		Name: config.ContainerName,
	}, "5432")
	if err != nil {
		return nil, err
	}

	port, err := strconv.Atoi(ep.port)
	if err != nil {
		return nil, terminateOnError(ctx, ep.container, fmt.Errorf("invalid PostgreSQL port %q: %w", ep.port, err))
	}

	return &Postgres{
		Container: ep.container,
		Host:      ep.host,
		Port:      port,
		User:      config.User,
		Password:  config.Password,
		Database:  config.Database,
	}, nil
}
