package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SyncMetrics contains Prometheus metrics for the sync orchestrator.
type SyncMetrics struct {
	PassesTotal        *prometheus.CounterVec
	DeviceSyncsTotal   *prometheus.CounterVec
	DeviceSyncDuration *prometheus.HistogramVec
	EventsTotal        *prometheus.CounterVec
	AttendanceTotal    *prometheus.CounterVec
	ActiveDeviceSyncs  prometheus.Gauge
	LastSuccess        *prometheus.GaugeVec
}

// NewSyncMetrics creates and registers orchestrator metrics.
func NewSyncMetrics(namespace string) *SyncMetrics {
	m := &SyncMetrics{
		PassesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "passes_total",
				Help:      "Total number of sync passes",
			},
			[]string{"trigger"}, // trigger: scheduled, manual
		),
		DeviceSyncsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "device_syncs_total",
				Help:      "Total number of per-device sync attempts",
			},
			[]string{"status"}, // status: success, failed, skipped
		),
		DeviceSyncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "device_sync_duration_seconds",
				Help:      "Duration of a single device sync",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"status"},
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "events_total",
				Help:      "Device events seen by the orchestrator",
			},
			[]string{"outcome"}, // outcome: new, duplicate, unmapped
		),
		AttendanceTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "attendance_outcomes_total",
				Help:      "Reconciliation outcomes of resolved events",
			},
			[]string{"outcome"}, // outcome: created, closed, ignored
		),
		ActiveDeviceSyncs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "active_device_syncs",
				Help:      "Number of device syncs currently running",
			},
		),
		LastSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last successful sync per device",
			},
			[]string{"device_id"},
		),
	}

	MustRegister(
		m.PassesTotal,
		m.DeviceSyncsTotal,
		m.DeviceSyncDuration,
		m.EventsTotal,
		m.AttendanceTotal,
		m.ActiveDeviceSyncs,
		m.LastSuccess,
	)

	return m
}
