package testcontainers

import (
	"context"
	"net"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// StartRedis starts a Redis container and returns it with its host:port address.
func StartRedis(ctx context.Context, containerName string) (testcontainers.Container, string, error) {
	ep, err := start(ctx, "Redis", testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		).WithDeadline(time.Minute),
		Name: containerName,
	}, "6379")
	if err != nil {
		return nil, "", err
	}
	return ep.container, net.JoinHostPort(ep.host, ep.port), nil
}
