package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RouterMetrics contains Prometheus metrics for the broker topic router.
type RouterMetrics struct {
	MessagesReceived *prometheus.CounterVec
	MessagesRouted   *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
}

// NewRouterMetrics creates and registers router metrics.
func NewRouterMetrics(namespace string) *RouterMetrics {
	m := &RouterMetrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "messages_received_total",
				Help:      "Total number of broker messages received",
			},
			[]string{"type"},
		),
		MessagesRouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "messages_routed_total",
				Help:      "Total number of messages handed to the task dispatcher",
			},
			[]string{"type"},
		),
		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "messages_dropped_total",
				Help:      "Total number of messages dropped at the broker edge",
			},
			[]string{"reason"},
		),
	}

	MustRegister(m.MessagesReceived, m.MessagesRouted, m.MessagesDropped)

	return m
}
