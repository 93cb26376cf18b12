package metrics_test

import (
	"io"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/fleet-control/pkg/metrics"
)

var _ = Describe("Metrics", func() {
	It("should expose registered component metrics", func() {
		set := metrics.NewSet("metrics_test")
		set.Router.MessagesDropped.WithLabelValues("malformed_topic").Inc()
		set.Tasks.QueueDepth.Set(3)

		rec := httptest.NewRecorder()
		metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

		body, err := io.ReadAll(rec.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(ContainSubstring(`metrics_test_router_messages_dropped_total{reason="malformed_topic"} 1`))
		Expect(string(body)).To(ContainSubstring("metrics_test_tasks_queue_depth 3"))
	})

	It("should label received jobs by queue and job name", func() {
		m := metrics.NewTransportMetrics("metrics_transport")
		m.JobsReceived.WithLabelValues("fleet.jobs", "device.analytics.process").Inc()
		m.Rejected.WithLabelValues("fleet.jobs", "unknown_job").Inc()
		m.BrokerUp.Set(1)

		rec := httptest.NewRecorder()
		metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

		body := rec.Body.String()
		Expect(body).To(ContainSubstring(`metrics_transport_job_transport_jobs_received_total{job="device.analytics.process",queue="fleet.jobs"} 1`))
		Expect(body).To(ContainSubstring(`metrics_transport_job_transport_deliveries_rejected_total{queue="fleet.jobs",reason="unknown_job"} 1`))
		Expect(body).To(ContainSubstring("metrics_transport_job_transport_broker_up 1"))
	})

	It("should panic when a namespace is registered twice", func() {
		metrics.NewStoreMetrics("metrics_dup")
		Expect(func() { metrics.NewStoreMetrics("metrics_dup") }).To(Panic())
	})
})
