package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TaskMetrics contains Prometheus metrics for the task dispatcher.
type TaskMetrics struct {
	JobsEnqueued     *prometheus.CounterVec
	JobsRejected     *prometheus.CounterVec
	JobsCompleted    *prometheus.CounterVec
	JobDuration      *prometheus.HistogramVec
	SoftLimitReached *prometheus.CounterVec
	HardLimitReached *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	WorkersBusy      prometheus.Gauge
}

// NewTaskMetrics creates and registers task dispatcher metrics.
func NewTaskMetrics(namespace string) *TaskMetrics {
	m := &TaskMetrics{
		JobsEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tasks",
				Name:      "jobs_enqueued_total",
				Help:      "Total number of jobs accepted by the queue",
			},
			[]string{"job"},
		),
		JobsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tasks",
				Name:      "jobs_rejected_total",
				Help:      "Total number of jobs refused by the queue",
			},
			[]string{"job", "reason"},
		),
		JobsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tasks",
				Name:      "jobs_finished_total",
				Help:      "Total number of jobs finished, by outcome",
			},
			[]string{"job", "status", "error_class"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "tasks",
				Name:      "job_duration_seconds",
				Help:      "Duration of job execution",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"job"},
		),
		SoftLimitReached: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tasks",
				Name:      "soft_limit_exceeded_total",
				Help:      "Total number of jobs that ran past the soft deadline",
			},
			[]string{"job"},
		),
		HardLimitReached: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tasks",
				Name:      "hard_limit_exceeded_total",
				Help:      "Total number of jobs abandoned at the hard deadline",
			},
			[]string{"job"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "tasks",
				Name:      "queue_depth",
				Help:      "Number of jobs waiting in the queue",
			},
		),
		WorkersBusy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "tasks",
				Name:      "workers_busy",
				Help:      "Number of workers currently executing a job",
			},
		),
	}

	MustRegister(
		m.JobsEnqueued,
		m.JobsRejected,
		m.JobsCompleted,
		m.JobDuration,
		m.SoftLimitReached,
		m.HardLimitReached,
		m.QueueDepth,
		m.WorkersBusy,
	)

	return m
}
