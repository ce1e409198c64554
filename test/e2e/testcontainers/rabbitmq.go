package testcontainers

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RabbitMQConfig configures the broker the trigger and summary queues live on.
type RabbitMQConfig struct {
	User          string // default guest
	Password      string // default guest
	ContainerName string
}

// StartRabbitMQ starts a broker and returns it with its amqp:// URL.
func StartRabbitMQ(ctx context.Context, config *RabbitMQConfig) (testcontainers.Container, string, error) {
	cfg := RabbitMQConfig{User: "guest", Password: "guest"}
	if config != nil {
		cfg.ContainerName = config.ContainerName
		if config.User != "" {
			cfg.User = config.User
		}
		if config.Password != "" {
			cfg.Password = config.Password
		}
	}

	ep, err := start(ctx, "RabbitMQ", testcontainers.ContainerRequest{
		Image:        "rabbitmq:3-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5672/tcp"),
			wait.ForLog("Server startup complete"),
		).WithDeadline(2 * time.Minute),
		Env: map[string]string{
			"RABBITMQ_DEFAULT_USER": cfg.User,
			"RABBITMQ_DEFAULT_PASS": cfg.Password,
		},
		Name: cfg.ContainerName,
	}, "5672")
	if err != nil {
		return nil, "", err
	}

	return ep.container, fmt.Sprintf("amqp://%s:%s@%s:%s/", cfg.User, cfg.Password, ep.host, ep.port), nil
}
