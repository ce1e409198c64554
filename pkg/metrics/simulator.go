package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SimulatorMetrics contains Prometheus metrics for the device simulator.
type SimulatorMetrics struct {
	PunchesGenerated *prometheus.CounterVec
	ISAPIRequests    *prometheus.CounterVec
	ActiveTerminals  prometheus.Gauge
	EnrolledUsers    *prometheus.GaugeVec
}

// NewSimulatorMetrics creates and registers simulator metrics.
func NewSimulatorMetrics(namespace string) *SimulatorMetrics {
	m := &SimulatorMetrics{
		PunchesGenerated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "punches_generated_total",
				Help:      "Total number of generated punches",
			},
			[]string{"modality"},
		),
		ISAPIRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "isapi_requests_total",
				Help:      "Total number of ISAPI requests served",
			},
			[]string{"endpoint", "status_code"},
		),
		ActiveTerminals: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "active_terminals",
				Help:      "Number of simulated terminals serving requests",
			},
		),
		EnrolledUsers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "enrolled_users",
				Help:      "Users enrolled per simulated terminal",
			},
			[]string{"terminal"},
		),
	}

	MustRegister(
		m.PunchesGenerated,
		m.ISAPIRequests,
		m.ActiveTerminals,
		m.EnrolledUsers,
	)

	return m
}
