package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CommandMetrics contains Prometheus metrics for command dispatch and reconciliation.
type CommandMetrics struct {
	Issued          *prometheus.CounterVec
	PublishFailures *prometheus.CounterVec
	Reconciled      *prometheus.CounterVec
}

// NewCommandMetrics creates and registers command metrics.
func NewCommandMetrics(namespace string) *CommandMetrics {
	m := &CommandMetrics{
		Issued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "commands",
				Name:      "issued_total",
				Help:      "Total number of command messages published",
			},
			[]string{"kind"}, // kind: single, bulk, broadcast
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "commands",
				Name:      "publish_failures_total",
				Help:      "Total number of command messages that failed to publish",
			},
			[]string{"kind"},
		),
		Reconciled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "commands",
				Name:      "responses_total",
				Help:      "Total number of command responses, by reconciliation outcome",
			},
			[]string{"outcome"}, // outcome: applied, stale, unmatched
		),
	}

	MustRegister(m.Issued, m.PublishFailures, m.Reconciled)

	return m
}
