package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PresenceMetrics contains Prometheus metrics for device presence tracking.
type PresenceMetrics struct {
	Heartbeats       *prometheus.CounterVec
	DevicesOffline   prometheus.Counter
	SweepsTotal      *prometheus.CounterVec
	SweepDuration    prometheus.Histogram
	StatusTransition *prometheus.CounterVec
}

// NewPresenceMetrics creates and registers presence metrics.
func NewPresenceMetrics(namespace string) *PresenceMetrics {
	m := &PresenceMetrics{
		Heartbeats: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "presence",
				Name:      "heartbeats_total",
				Help:      "Total number of heartbeats applied",
			},
			[]string{"status"}, // status: applied, unknown_device, error
		),
		DevicesOffline: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "presence",
				Name:      "devices_marked_offline_total",
				Help:      "Total number of devices transitioned to offline by a sweep",
			},
		),
		SweepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "presence",
				Name:      "sweeps_total",
				Help:      "Total number of offline sweeps",
			},
			[]string{"status"},
		),
		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "presence",
				Name:      "sweep_duration_seconds",
				Help:      "Duration of offline sweeps",
				Buckets:   prometheus.DefBuckets,
			},
		),
		StatusTransition: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "presence",
				Name:      "status_reports_total",
				Help:      "Total number of device status reports applied",
			},
			[]string{"status"},
		),
	}

	MustRegister(m.Heartbeats, m.DevicesOffline, m.SweepsTotal, m.SweepDuration, m.StatusTransition)

	return m
}
