// Package testcontainers starts the PostgreSQL, RabbitMQ and Redis containers
// the e2e suites run against.
package testcontainers

import (
	"context"
	"fmt"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
)

// endpoint is a started container and the host and mapped port of its service.
type endpoint struct {
	container testcontainers.Container
	host      string
	port      string
}

// start runs req and resolves where servicePort is reachable from the test
// process. A container that started but cannot be resolved is terminated.
func start(ctx context.Context, kind string, req testcontainers.ContainerRequest, servicePort string) (*endpoint, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start %s container: %w", kind, err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, terminateOnError(ctx, container, fmt.Errorf("failed to get %s host: %w", kind, err))
	}

	mapped, err := container.MappedPort(ctx, nat.Port(servicePort))
	if err != nil {
		return nil, terminateOnError(ctx, container, fmt.Errorf("failed to get %s port: %w", kind, err))
	}

	return &endpoint{container: container, host: host, port: mapped.Port()}, nil
}

// terminateOnError stops a half-started container and reports both failures.
func terminateOnError(ctx context.Context, container testcontainers.Container, err error) error {
	if termErr := container.Terminate(ctx); termErr != nil {
		return fmt.Errorf("%w (cleanup error: %w)", err, termErr)
	}
	return err
}
