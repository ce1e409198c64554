// Package mock provides a scriptable mq.Queue for tests.
package mock

import (
	"context"
	"encoding/json"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/biosync/pkg/mq"
)

// Queue is an in-memory mq.Queue. It records published bodies and serves
// deliveries from Deliveries.
type Queue struct {
	mu sync.Mutex

	// PublishFunc overrides Publish when set.
	PublishFunc func(ctx context.Context, body []byte) error
	// PublishError is returned by Publish when PublishFunc is nil.
	PublishError error
	// Published holds every body passed to Publish or PublishJSON.
	Published [][]byte

	// Deliveries is returned by Consume.
	Deliveries chan amqp.Delivery
	// ConsumeError is returned by Consume when set.
	ConsumeError error
	ConsumeCalls int

	// Settled counts RecordDelivery results.
	Settled map[string]int

	CloseError error
	CloseCalls int
}

var _ mq.Queue = (*Queue)(nil)

// NewQueue creates a mock queue with a buffered delivery channel.
func NewQueue() *Queue {
	return &Queue{
		Deliveries: make(chan amqp.Delivery, 16),
		Settled:    make(map[string]int),
	}
}

// Publish implements mq.Queue.
func (q *Queue) Publish(ctx context.Context, body []byte) error {
	q.mu.Lock()
	q.Published = append(q.Published, body)
	fn, err := q.PublishFunc, q.PublishError
	q.mu.Unlock()
	if fn != nil {
		return fn(ctx, body)
	}
	return err
}

// PublishJSON implements mq.Queue.
func (q *Queue) PublishJSON(ctx context.Context, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return q.Publish(ctx, body)
}

// Consume implements mq.Queue.
func (q *Queue) Consume() (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ConsumeCalls++
	if q.ConsumeError != nil {
		return nil, q.ConsumeError
	}
	return q.Deliveries, nil
}

// RecordDelivery implements mq.Queue.
func (q *Queue) RecordDelivery(result string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Settled[result]++
}

// Close implements mq.Queue.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.CloseCalls++
	return q.CloseError
}

// Messages returns a copy of the published bodies.
func (q *Queue) Messages() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([][]byte(nil), q.Published...)
}

// SettledCount returns how many deliveries were settled with result.
func (q *Queue) SettledCount(result string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.Settled[result]
}
