package store_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/fleet-control/internal/store"
)

var _ = Describe("Models", func() {
	Context("table names", func() {
		It("should map every model to its table", func() {
			Expect(store.Tenant{}.TableName()).To(Equal("tenants"))
			Expect(store.Device{}.TableName()).To(Equal("devices"))
			Expect(store.Command{}.TableName()).To(Equal("commands"))
			Expect(store.TelemetryRecord{}.TableName()).To(Equal("telemetry"))
			Expect(store.Alert{}.TableName()).To(Equal("alerts"))
		})
	})

	DescribeTable("command status transitions",
		func(from, to store.CommandStatus, allowed bool) {
			Expect(from.CanAdvanceTo(to)).To(Equal(allowed))
		},
		Entry("pending to sent", store.CommandPending, store.CommandSent, true),
		Entry("pending to completed", store.CommandPending, store.CommandCompleted, true),
		Entry("sent to failed", store.CommandSent, store.CommandFailed, true),
		Entry("sent to pending", store.CommandSent, store.CommandPending, false),
		Entry("completed to failed", store.CommandCompleted, store.CommandFailed, false),
		Entry("failed to completed", store.CommandFailed, store.CommandCompleted, false),
		Entry("sent to sent", store.CommandSent, store.CommandSent, false),
		Entry("pending to bogus", store.CommandPending, store.CommandStatus("bogus"), false),
	)

	DescribeTable("severity urgency",
		func(s store.Severity, urgent bool) {
			Expect(s.Valid()).To(BeTrue())
			Expect(s.Urgent()).To(Equal(urgent))
		},
		Entry("low", store.SeverityLow, false),
		Entry("medium", store.SeverityMedium, false),
		Entry("high", store.SeverityHigh, true),
		Entry("critical", store.SeverityCritical, true),
	)

	It("should validate device statuses", func() {
		Expect(store.DeviceMaintenance.Valid()).To(BeTrue())
		Expect(store.DeviceStatus("rebooting").Valid()).To(BeFalse())
	})
})
