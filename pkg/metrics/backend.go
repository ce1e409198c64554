package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BackendMetrics contains Prometheus metrics for the sync service surfaces
// other than HTTP: gRPC, the trigger consumer and the scheduler.
type BackendMetrics struct {
	GRPCRequestsTotal     *prometheus.CounterVec
	GRPCRequestDuration   *prometheus.HistogramVec
	GRPCRequestsInFlight  *prometheus.GaugeVec
	ConsumerMessagesTotal *prometheus.CounterVec
	ConsumerErrors        *prometheus.CounterVec
	ProcessingDuration    *prometheus.HistogramVec
	ActiveConsumers       prometheus.Gauge
	SummariesPublished    *prometheus.CounterVec
	SchedulerTicks        prometheus.Counter
}

// NewBackendMetrics creates and registers backend service metrics.
func NewBackendMetrics(namespace string) *BackendMetrics {
	m := &BackendMetrics{
		GRPCRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "grpc",
				Name:      "requests_total",
				Help:      "Total number of gRPC requests",
			},
			[]string{"method", "status"}, // status: success, error
		),
		GRPCRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "grpc",
				Name:      "request_duration_seconds",
				Help:      "Duration of gRPC requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		GRPCRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "grpc",
				Name:      "requests_in_flight",
				Help:      "Number of gRPC requests currently being processed",
			},
			[]string{"method"},
		),
		ConsumerMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "messages_total",
				Help:      "Total number of sync trigger messages consumed",
			},
			[]string{"queue", "status"}, // status: success, error
		),
		ConsumerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "errors_total",
				Help:      "Total number of consumer errors",
			},
			[]string{"queue", "error_type"},
		),
		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "processing_duration_seconds",
				Help:      "Duration of trigger message processing",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"queue"},
		),
		ActiveConsumers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "active_consumers",
				Help:      "Number of active message consumers",
			},
		),
		SummariesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "publisher",
				Name:      "summaries_total",
				Help:      "Sync pass summaries handed to the message queue",
			},
			[]string{"status"}, // status: success, error
		),
		SchedulerTicks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "ticks_total",
				Help:      "Total number of scheduler ticks",
			},
		),
	}

	MustRegister(
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.GRPCRequestsInFlight,
		m.ConsumerMessagesTotal,
		m.ConsumerErrors,
		m.ProcessingDuration,
		m.ActiveConsumers,
		m.SummariesPublished,
		m.SchedulerTicks,
	)

	return m
}
