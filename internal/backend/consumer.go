package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/biosync/internal/model"
	"procodus.dev/biosync/internal/syncer"
	"procodus.dev/biosync/pkg/metrics"
	"procodus.dev/biosync/pkg/mq"
)

// Delivery outcomes recorded per message.
const (
	deliveryAcked    = "acked"
	deliveryRequeued = "requeued"
	deliveryRejected = "rejected"
)

// Runner runs one sync pass.
type Runner interface {
	Run(ctx context.Context, req syncer.Request) (*syncer.Summary, error)
}

// Consumer runs a sync pass for every request on the trigger queue.
type Consumer struct {
	logger   *slog.Logger
	queue    mq.Queue
	runner   Runner
	validate *validator.Validate
	metrics  *metrics.BackendMetrics
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

// ConsumerConfig holds the configuration for the Consumer.
type ConsumerConfig struct {
	Logger *slog.Logger
	Queue  mq.Queue
	Runner Runner
	// Metrics is optional.
	Metrics *metrics.BackendMetrics
}

// NewConsumer creates a new Consumer instance.
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil {
		return nil, errors.New("consumer config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Queue == nil {
		return nil, errors.New("queue cannot be nil")
	}

	if cfg.Runner == nil {
		return nil, errors.New("runner cannot be nil")
	}

	return &Consumer{
		logger:   cfg.Logger.With("component", "consumer"),
		queue:    cfg.Queue,
		runner:   cfg.Runner,
		validate: validator.New(),
		metrics:  cfg.Metrics,
		done:     make(chan struct{}),
	}, nil
}

// Start begins consuming trigger messages.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting consumer")

	deliveries, err := c.queue.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.started.Store(true)
	if c.metrics != nil {
		c.metrics.ActiveConsumers.Inc()
	}
	c.logger.Info("consumer started, waiting for messages")

	go c.processMessages(ctx, deliveries)

	return nil
}

// processMessages handles deliveries one at a time until ctx ends or the
// channel closes.
func (c *Consumer) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer func() {
		if c.metrics != nil {
			c.metrics.ActiveConsumers.Dec()
		}
		close(c.done)
	}()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context canceled, stopping message processing")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("deliveries channel closed")
				return
			}

			c.handleDelivery(ctx, delivery)
		}
	}
}

// handleDelivery runs the requested pass. Malformed requests and requests the
// pipeline rejects as invalid are dropped; other failures are requeued.
func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	var timer *prometheus.Timer
	if c.metrics != nil {
		timer = prometheus.NewTimer(c.metrics.ProcessingDuration.WithLabelValues(c.queueLabel()))
		defer timer.ObserveDuration()
	}

	var req syncer.Request
	if err := json.Unmarshal(delivery.Body, &req); err != nil {
		c.logger.Error("failed to decode sync request", "error", err)
		c.countError("decode")
		c.settle(delivery, deliveryRejected)
		return
	}
	if err := c.validate.Struct(req); err != nil {
		c.logger.Error("invalid sync request", "error", err)
		c.countError("validation")
		c.settle(delivery, deliveryRejected)
		return
	}
	if req.Trigger == "" {
		req.Trigger = syncer.TriggerManual
	}

	summary, err := c.runner.Run(ctx, req)
	if err != nil {
		c.logger.Error("sync pass failed",
			"tenant_id", req.TenantID,
			"device_id", req.DeviceID,
			"error", err,
		)
		if errors.Is(err, model.ErrInvalidArgument) || errors.Is(err, model.ErrNotFound) {
			c.countError("rejected")
			c.settle(delivery, deliveryRejected)
			return
		}
		c.countError("run")
		c.settle(delivery, deliveryRequeued)
		return
	}

	c.logger.Info("sync pass completed",
		"tenant_id", req.TenantID,
		"pass_id", summary.ID,
		"devices_attempted", summary.DevicesAttempted,
		"devices_failed", summary.DevicesFailed,
	)
	c.settle(delivery, deliveryAcked)
}

func (c *Consumer) settle(delivery amqp.Delivery, result string) {
	var err error
	switch result {
	case deliveryAcked:
		err = delivery.Ack(false)
	case deliveryRequeued:
		err = delivery.Nack(false, true)
	default:
		err = delivery.Reject(false)
	}
	if err != nil {
		c.logger.Error("failed to settle message", "result", result, "error", err)
		return
	}

	c.queue.RecordDelivery(result)
	if c.metrics != nil {
		status := "success"
		if result != deliveryAcked {
			status = "error"
		}
		c.metrics.ConsumerMessagesTotal.WithLabelValues(c.queueLabel(), status).Inc()
	}
}

func (c *Consumer) countError(kind string) {
	if c.metrics != nil {
		c.metrics.ConsumerErrors.WithLabelValues(c.queueLabel(), kind).Inc()
	}
}

func (c *Consumer) queueLabel() string {
	if named, ok := c.queue.(interface{ Queue() string }); ok {
		return named.Queue()
	}
	return "trigger"
}

// Stop closes the queue and waits for the message in flight.
func (c *Consumer) Stop() error {
	c.logger.Info("stopping consumer")

	var stopErr error
	c.stopOnce.Do(func() {
		if err := c.queue.Close(); err != nil && !errors.Is(err, mq.ErrAlreadyClosed) {
			stopErr = fmt.Errorf("failed to close mq client: %w", err)
		}
	})

	if c.started.Load() {
		<-c.done
	}

	c.logger.Info("consumer stopped")
	return stopErr
}
