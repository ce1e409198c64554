package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MQMetrics contains Prometheus metrics for RabbitMQ clients. Every series is
// labelled by queue so the trigger and summary clients can share one instance.
type MQMetrics struct {
	MessagesPublished *prometheus.CounterVec
	PublishFailures   *prometheus.CounterVec
	PublishDuration   *prometheus.HistogramVec
	ReconnectAttempts *prometheus.CounterVec
	ConnectionStatus  *prometheus.GaugeVec
	Deliveries        *prometheus.CounterVec
}

// NewMQMetrics creates and registers MQ client metrics.
func NewMQMetrics(namespace string) *MQMetrics {
	m := &MQMetrics{
		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "messages_published_total",
				Help:      "Total number of confirmed publishes",
			},
			[]string{"queue"},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "publish_failures_total",
				Help:      "Total number of failed publishes",
			},
			[]string{"queue", "reason"},
		),
		PublishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "publish_duration_seconds",
				Help:      "Duration of confirmed publishes",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
		ReconnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "reconnect_attempts_total",
				Help:      "Total number of connection attempts",
			},
			[]string{"queue"},
		),
		ConnectionStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "connection_status",
				Help:      "Current connection status (1=connected, 0=disconnected)",
			},
			[]string{"queue"},
		),
		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "deliveries_total",
				Help:      "Consumed deliveries by settlement",
			},
			[]string{"queue", "result"}, // result: ack, requeue, reject
		),
	}

	MustRegister(
		m.MessagesPublished,
		m.PublishFailures,
		m.PublishDuration,
		m.ReconnectAttempts,
		m.ConnectionStatus,
		m.Deliveries,
	)

	return m
}
