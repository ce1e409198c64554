package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Queue is the queue-client contract the services depend on, so tests can
// substitute the mock.
type Queue interface {
	// Publish sends body and waits for the broker's confirmation.
	Publish(ctx context.Context, body []byte) error
	// PublishJSON encodes v as JSON and publishes it.
	PublishJSON(ctx context.Context, v any) error
	// Consume starts delivering messages; each must be settled by the caller.
	Consume() (<-chan amqp.Delivery, error)
	// RecordDelivery counts a settled delivery.
	RecordDelivery(result string)
	Close() error
}

var _ Queue = (*Client)(nil)
