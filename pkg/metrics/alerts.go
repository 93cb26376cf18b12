package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// AlertMetrics contains Prometheus metrics for threshold evaluation and alerts.
type AlertMetrics struct {
	Breaches   *prometheus.CounterVec
	Suppressed *prometheus.CounterVec
	Raised     *prometheus.CounterVec
	Updates    *prometheus.CounterVec
}

// NewAlertMetrics creates and registers alert metrics.
func NewAlertMetrics(namespace string) *AlertMetrics {
	m := &AlertMetrics{
		Breaches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerts",
				Name:      "threshold_breaches_total",
				Help:      "Total number of telemetry threshold breaches",
			},
			[]string{"alert_type", "severity"},
		),
		Suppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerts",
				Name:      "suppressed_total",
				Help:      "Total number of breaches suppressed by an open alert",
			},
			[]string{"alert_type"},
		),
		Raised: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerts",
				Name:      "raised_total",
				Help:      "Total number of alerts persisted",
			},
			[]string{"severity"},
		),
		Updates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerts",
				Name:      "updates_total",
				Help:      "Total number of alert acknowledgements and resolutions",
			},
			[]string{"action"},
		),
	}

	MustRegister(m.Breaches, m.Suppressed, m.Raised, m.Updates)

	return m
}
