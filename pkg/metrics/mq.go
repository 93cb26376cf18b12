package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TransportMetrics covers the broker leg of the job queue: envelopes the
// backend hands to RabbitMQ and the deliveries workers take back off it.
type TransportMetrics struct {
	// Backend side.
	JobsSent     *prometheus.CounterVec
	SendFailures *prometheus.CounterVec
	SendDuration *prometheus.HistogramVec
	Reconnects   prometheus.Counter
	BrokerUp     prometheus.Gauge

	// Worker side.
	JobsReceived    *prometheus.CounterVec
	Rejected        *prometheus.CounterVec
	HandoffDuration *prometheus.HistogramVec
}

// NewTransportMetrics creates and registers job transport metrics.
func NewTransportMetrics(namespace string) *TransportMetrics {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "job_transport",
			Name:      name,
			Help:      help,
		}, labels)
	}
	latency := func(name, help string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "job_transport",
			Name:      name,
			Help:      help,
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
		}, []string{"queue"})
	}

	m := &TransportMetrics{
		JobsSent: counter("jobs_sent_total",
			"Job envelopes confirmed by the broker", "queue"),
		SendFailures: counter("send_failures_total",
			"Job envelopes the backend gave up on (max_retries_exceeded, context_canceled)", "queue", "reason"),
		SendDuration: latency("send_duration_seconds",
			"Time from handing a job envelope to the broker until its confirm, retries included"),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "job_transport",
			Name:      "reconnects_total",
			Help:      "Broker reconnects after a dropped connection",
		}),
		BrokerUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "job_transport",
			Name:      "broker_up",
			Help:      "1 while the job queue channel is open",
		}),
		JobsReceived: counter("jobs_received_total",
			"Job envelopes a worker accepted into its local queue", "queue", "job"),
		Rejected: counter("deliveries_rejected_total",
			"Deliveries a worker could not accept (malformed, unknown_job, submit)", "queue", "reason"),
		HandoffDuration: latency("handoff_duration_seconds",
			"Time a worker spends decoding a delivery and queueing its job"),
	}

	MustRegister(
		m.JobsSent,
		m.SendFailures,
		m.SendDuration,
		m.Reconnects,
		m.BrokerUp,
		m.JobsReceived,
		m.Rejected,
		m.HandoffDuration,
	)

	return m
}
