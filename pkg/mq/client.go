// Package mq provides a RabbitMQ queue client that reconnects on its own and
// publishes with confirmations.
package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/biosync/pkg/metrics"
)

const (
	// When reconnecting to the server after connection failure.
	reconnectDelay = 5 * time.Second

	// When setting up the channel after a channel exception.
	reInitDelay = 2 * time.Second

	initialBackoff    = 100 * time.Millisecond
	maxBackoff        = 10 * time.Second
	backoffMultiplier = 2
	maxRetryAttempts  = 5
)

var (
	ErrNotConnected       = errors.New("not connected to a server")
	ErrAlreadyClosed      = errors.New("already closed: not connected to the server")
	ErrShutdown           = errors.New("client is shutting down")
	ErrMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
)

// Config holds the configuration of a Client.
type Config struct {
	Logger *slog.Logger
	// URL is the AMQP connection string.
	URL string
	// Queue is declared on connect and used as the routing key.
	Queue string
	// Durable declares a queue that survives broker restarts.
	Durable bool
	// Prefetch bounds unacknowledged deliveries per consumer; 0 means 1.
	Prefetch int
	// Metrics is optional.
	Metrics *metrics.MQMetrics
}

// Client is bound to one queue. It keeps a connection and a confirm-mode
// channel open in the background and re-establishes both after failures.
type Client struct {
	mu              sync.Mutex
	logger          *slog.Logger
	cfg             Config
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan struct{}
	closeOnce       sync.Once
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	isReady         bool
	metrics         *metrics.MQMetrics
}

// New creates a client and starts connecting in the background.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("mq config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}
	if cfg.Queue == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	client := &Client{
		logger:  cfg.Logger.With("component", "mq", "queue", cfg.Queue),
		cfg:     *cfg,
		done:    make(chan struct{}),
		metrics: cfg.Metrics,
	}
	go client.handleReconnect()
	return client, nil
}

// Queue returns the queue name.
func (c *Client) Queue() string {
	return c.cfg.Queue
}

// Ready reports whether the client holds an open channel.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isReady
}

// WaitReady blocks until the client is connected, the client is closed or
// ctx ends.
func (c *Client) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for !c.Ready() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for queue %s: %w", c.cfg.Queue, ctx.Err())
		case <-c.done:
			return ErrShutdown
		case <-ticker.C:
		}
	}
	return nil
}

func (c *Client) setReady(ready bool) {
	c.mu.Lock()
	c.isReady = ready
	c.mu.Unlock()
	if c.metrics != nil {
		v := 0.0
		if ready {
			v = 1
		}
		c.metrics.ConnectionStatus.WithLabelValues(c.cfg.Queue).Set(v)
	}
}

// handleReconnect waits for a connection error and then keeps reconnecting.
func (c *Client) handleReconnect() {
	for {
		c.setReady(false)
		c.logger.Info("attempting to connect")
		if c.metrics != nil {
			c.metrics.ReconnectAttempts.WithLabelValues(c.cfg.Queue).Inc()
		}

		conn, err := c.connect()
		if err != nil {
			c.logger.Error("failed to connect, retrying", "error", err)
			select {
			case <-c.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		if done := c.handleReInit(conn); done {
			return
		}
	}
}

func (c *Client) connect() (*amqp.Connection, error) {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.connection = conn
	c.notifyConnClose = make(chan *amqp.Error, 1)
	c.connection.NotifyClose(c.notifyConnClose)
	c.mu.Unlock()

	c.logger.Info("connected")
	return conn, nil
}

// handleReInit waits for a channel error and re-opens the channel until the
// connection itself goes away. It returns true on shutdown.
func (c *Client) handleReInit(conn *amqp.Connection) bool {
	for {
		c.setReady(false)

		if err := c.init(conn); err != nil {
			c.logger.Error("failed to initialize channel, retrying", "error", err)
			select {
			case <-c.done:
				return true
			case <-c.notifyConnClose:
				c.logger.Info("connection closed, reconnecting")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-c.done:
			return true
		case <-c.notifyConnClose:
			c.logger.Info("connection closed, reconnecting")
			return false
		case <-c.notifyChanClose:
			c.logger.Info("channel closed, re-running init")
		}
	}
}

// init opens a confirm-mode channel and declares the queue.
func (c *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(
		c.cfg.Queue,
		c.cfg.Durable,
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return err
	}

	c.mu.Lock()
	c.channel = ch
	c.notifyChanClose = make(chan *amqp.Error, 1)
	c.notifyConfirm = make(chan amqp.Confirmation, 1)
	c.channel.NotifyClose(c.notifyChanClose)
	c.channel.NotifyPublish(c.notifyConfirm)
	c.mu.Unlock()

	c.setReady(true)
	c.logger.Info("client init done")
	return nil
}

// PublishJSON encodes v and publishes it with Publish.
func (c *Client) PublishJSON(ctx context.Context, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return c.Publish(ctx, body)
}

// Publish sends body to the queue and waits for the broker's confirmation.
// While disconnected, and after a failed or negatively acknowledged publish,
// it backs off exponentially and retries up to maxRetryAttempts times.
func (c *Client) Publish(ctx context.Context, body []byte) error {
	if c.metrics != nil {
		timer := prometheus.NewTimer(c.metrics.PublishDuration.WithLabelValues(c.cfg.Queue))
		defer timer.ObserveDuration()
	}

	backoff := initialBackoff
	wait := func() error {
		select {
		case <-ctx.Done():
			c.fail("context_canceled")
			return ctx.Err()
		case <-c.done:
			return ErrShutdown
		case <-time.After(backoff):
			backoff = min(backoff*backoffMultiplier, maxBackoff)
			return nil
		}
	}

	for attempt := 0; ; attempt++ {
		if attempt >= maxRetryAttempts {
			c.logger.Error("maximum retry attempts exceeded", "attempts", attempt)
			c.fail("max_retries_exceeded")
			return ErrMaxRetriesExceeded
		}

		if !c.Ready() {
			c.logger.Debug("not connected, waiting for reconnection", "backoff", backoff, "attempt", attempt)
			if err := wait(); err != nil {
				return err
			}
			continue
		}

		confirms, err := c.publishOnce(ctx, body)
		if err != nil {
			c.logger.Warn("publish failed, retrying", "error", err, "backoff", backoff, "attempt", attempt)
			if err := wait(); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			c.fail("context_canceled")
			return ctx.Err()
		case confirm := <-confirms:
			if confirm.Ack {
				if c.metrics != nil {
					c.metrics.MessagesPublished.WithLabelValues(c.cfg.Queue).Inc()
				}
				c.logger.Debug("publish confirmed", "delivery_tag", confirm.DeliveryTag, "attempt", attempt)
				return nil
			}
			c.logger.Warn("publish not acknowledged, retrying", "delivery_tag", confirm.DeliveryTag)
			if err := wait(); err != nil {
				return err
			}
		}
	}
}

// publishOnce publishes without waiting for the confirmation and returns the
// channel the confirmation arrives on.
func (c *Client) publishOnce(ctx context.Context, body []byte) (<-chan amqp.Confirmation, error) {
	c.mu.Lock()
	if !c.isReady {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	ch, confirms := c.channel, c.notifyConfirm
	c.mu.Unlock()

	mode := amqp.Transient
	if c.cfg.Durable {
		mode = amqp.Persistent
	}
	err := ch.PublishWithContext(ctx,
		"",          // default exchange
		c.cfg.Queue, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: mode,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		return nil, err
	}
	return confirms, nil
}

func (c *Client) fail(reason string) {
	if c.metrics != nil {
		c.metrics.PublishFailures.WithLabelValues(c.cfg.Queue, reason).Inc()
	}
}

// Consume starts delivering messages of the queue. Every delivery must be
// settled with Ack, Nack or Reject.
func (c *Client) Consume() (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	if !c.isReady {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	ch := c.channel
	c.mu.Unlock()

	prefetch := c.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, err
	}
	return ch.Consume(
		c.cfg.Queue,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
}

// RecordDelivery counts a settled delivery.
func (c *Client) RecordDelivery(result string) {
	if c.metrics != nil {
		c.metrics.Deliveries.WithLabelValues(c.cfg.Queue, result).Inc()
	}
}

// Close stops reconnecting and closes the channel and connection. It returns
// ErrAlreadyClosed when nothing was open.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isReady {
		return ErrAlreadyClosed
	}
	c.isReady = false
	if c.metrics != nil {
		c.metrics.ConnectionStatus.WithLabelValues(c.cfg.Queue).Set(0)
	}

	var errs []error
	if err := c.channel.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.connection.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
