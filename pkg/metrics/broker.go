package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BrokerMetrics contains Prometheus metrics for the MQTT device broker connection.
type BrokerMetrics struct {
	ConnectionStatus  prometheus.Gauge
	ConnectionLost    prometheus.Counter
	MessagesPublished *prometheus.CounterVec
	PublishFailures   *prometheus.CounterVec
	PublishDuration   prometheus.Histogram
}

// NewBrokerMetrics creates and registers broker metrics.
func NewBrokerMetrics(namespace string) *BrokerMetrics {
	m := &BrokerMetrics{
		ConnectionStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "connection_status",
				Help:      "Current connection status (1=connected, 0=disconnected)",
			},
		),
		ConnectionLost: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "connection_lost_total",
				Help:      "Total number of lost broker connections",
			},
		),
		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "messages_published_total",
				Help:      "Total number of messages published to the broker",
			},
			[]string{"kind"},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "publish_failures_total",
				Help:      "Total number of failed publishes",
			},
			[]string{"kind", "reason"},
		),
		PublishDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "publish_duration_seconds",
				Help:      "Duration of publish operations including broker acknowledgement",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	MustRegister(
		m.ConnectionStatus,
		m.ConnectionLost,
		m.MessagesPublished,
		m.PublishFailures,
		m.PublishDuration,
	)

	return m
}
