package store_test

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/fleet-control/internal/store"
)

var _ = Describe("MemoryStore", func() {
	var (
		ctx context.Context
		s   *store.MemoryStore
		t0  time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		s = store.NewMemoryStore()
		t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		Expect(s.CreateDevice(ctx, &store.Device{TenantID: "t1", ID: "d1", Name: "pump"})).To(Succeed())
	})

	Describe("devices", func() {
		It("should start offline", func() {
			d, err := s.GetDevice(ctx, "t1", "d1")
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Status).To(Equal(store.DeviceOffline))
		})

		It("should reject duplicate registration", func() {
			err := s.CreateDevice(ctx, &store.Device{TenantID: "t1", ID: "d1", Name: "again"})
			Expect(err).To(MatchError(store.ErrConflict))
		})

		It("should scope lookups by tenant", func() {
			_, err := s.GetDevice(ctx, "t2", "d1")
			Expect(err).To(MatchError(store.ErrNotFound))
		})
	})

	Describe("RecordHeartbeat", func() {
		It("should mark the device online", func() {
			Expect(s.RecordHeartbeat(ctx, "t1", "d1", t0, t0)).To(Succeed())

			d, _ := s.GetDevice(ctx, "t1", "d1")
			Expect(d.Status).To(Equal(store.DeviceOnline))
			Expect(*d.LastHeartbeat).To(Equal(t0))
		})

		It("should not rewind last_heartbeat for an older heartbeat", func() {
			Expect(s.RecordHeartbeat(ctx, "t1", "d1", t0, t0)).To(Succeed())
			Expect(s.RecordHeartbeat(ctx, "t1", "d1", t0.Add(-time.Minute), t0)).To(Succeed())

			d, _ := s.GetDevice(ctx, "t1", "d1")
			Expect(*d.LastHeartbeat).To(Equal(t0))
		})

		It("should report unknown devices", func() {
			Expect(s.RecordHeartbeat(ctx, "t1", "nope", t0, t0)).To(MatchError(store.ErrNotFound))
		})
	})

	Describe("MarkStaleOffline", func() {
		BeforeEach(func() {
			Expect(s.CreateDevice(ctx, &store.Device{TenantID: "t1", ID: "d2", Name: "fan"})).To(Succeed())
			Expect(s.CreateDevice(ctx, &store.Device{TenantID: "t2", ID: "d1", Name: "other"})).To(Succeed())
			Expect(s.RecordHeartbeat(ctx, "t1", "d1", t0, t0)).To(Succeed())
			Expect(s.RecordHeartbeat(ctx, "t1", "d2", t0.Add(4*time.Minute), t0)).To(Succeed())
			Expect(s.RecordHeartbeat(ctx, "t2", "d1", t0, t0)).To(Succeed())
		})

		It("should return only the devices it transitioned", func() {
			now := t0.Add(6 * time.Minute)
			flipped, err := s.MarkStaleOffline(ctx, "t1", now.Add(-5*time.Minute), now)
			Expect(err).NotTo(HaveOccurred())
			Expect(flipped).To(HaveLen(1))
			Expect(flipped[0].ID).To(Equal("d1"))

			again, err := s.MarkStaleOffline(ctx, "t1", now.Add(-5*time.Minute), now)
			Expect(err).NotTo(HaveOccurred())
			Expect(again).To(BeEmpty())
		})

		It("should include a device silent for exactly the threshold", func() {
			now := t0.Add(9 * time.Minute)
			flipped, err := s.MarkStaleOffline(ctx, "t1", now.Add(-5*time.Minute), now)
			Expect(err).NotTo(HaveOccurred())
			Expect(flipped).To(HaveLen(2))
		})

		It("should leave other tenants alone", func() {
			now := t0.Add(6 * time.Minute)
			_, err := s.MarkStaleOffline(ctx, "t1", now.Add(-5*time.Minute), now)
			Expect(err).NotTo(HaveOccurred())

			d, _ := s.GetDevice(ctx, "t2", "d1")
			Expect(d.Status).To(Equal(store.DeviceOnline))
		})
	})

	Describe("TelemetrySince", func() {
		It("should return the device's records from since onwards, oldest first", func() {
			for i, at := range []time.Time{t0.Add(3 * time.Minute), t0.Add(-time.Minute), t0.Add(time.Minute)} {
				Expect(s.InsertTelemetry(ctx, &store.TelemetryRecord{
					ID: fmt.Sprintf("r%d", i), TenantID: "t1", DeviceID: "d1", Timestamp: at,
				})).To(Succeed())
			}
			Expect(s.InsertTelemetry(ctx, &store.TelemetryRecord{ID: "other", TenantID: "t2", DeviceID: "d1", Timestamp: t0})).To(Succeed())

			records, err := s.TelemetrySince(ctx, "t1", "d1", t0)
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(2))
			Expect(records[0].ID).To(Equal("r2"))
			Expect(records[1].ID).To(Equal("r0"))
		})
	})

	Describe("AdvanceCommand", func() {
		BeforeEach(func() {
			Expect(s.CreateCommand(ctx, &store.Command{TenantID: "t1", ID: "c1", DeviceID: "d1", Command: "reboot"})).To(Succeed())
		})

		It("should move forward through the lifecycle", func() {
			applied, err := s.AdvanceCommand(ctx, "t1", "c1", store.CommandUpdate{Status: store.CommandSent})
			Expect(err).NotTo(HaveOccurred())
			Expect(applied).To(BeTrue())

			applied, err = s.AdvanceCommand(ctx, "t1", "c1", store.CommandUpdate{Status: store.CommandCompleted})
			Expect(err).NotTo(HaveOccurred())
			Expect(applied).To(BeTrue())

			c, _ := s.GetCommand(ctx, "t1", "c1")
			Expect(c.Status).To(Equal(store.CommandCompleted))
		})

		It("should never regress a terminal command", func() {
			_, _ = s.AdvanceCommand(ctx, "t1", "c1", store.CommandUpdate{Status: store.CommandCompleted})

			applied, err := s.AdvanceCommand(ctx, "t1", "c1", store.CommandUpdate{Status: store.CommandSent})
			Expect(err).NotTo(HaveOccurred())
			Expect(applied).To(BeFalse())

			applied, err = s.AdvanceCommand(ctx, "t1", "c1", store.CommandUpdate{Status: store.CommandFailed})
			Expect(err).NotTo(HaveOccurred())
			Expect(applied).To(BeFalse())

			c, _ := s.GetCommand(ctx, "t1", "c1")
			Expect(c.Status).To(Equal(store.CommandCompleted))
		})

		It("should report unknown commands", func() {
			_, err := s.AdvanceCommand(ctx, "t1", "missing", store.CommandUpdate{Status: store.CommandCompleted})
			Expect(err).To(MatchError(store.ErrNotFound))
		})
	})

	Describe("alert flags", func() {
		BeforeEach(func() {
			Expect(s.InsertAlert(ctx, &store.Alert{
				TenantID: "t1", ID: "a1", DeviceID: "d1",
				AlertType: "temperature_high", Severity: store.SeverityHigh, Timestamp: t0,
			})).To(Succeed())
		})

		It("should set acknowledged and resolved independently", func() {
			a, err := s.ResolveAlert(ctx, "t1", "a1", t0)
			Expect(err).NotTo(HaveOccurred())
			Expect(a.Resolved).To(BeTrue())
			Expect(a.Acknowledged).To(BeFalse())

			a, err = s.AcknowledgeAlert(ctx, "t1", "a1", t0.Add(time.Minute))
			Expect(err).NotTo(HaveOccurred())
			Expect(a.Acknowledged).To(BeTrue())
			Expect(a.Resolved).To(BeTrue())
		})

		It("should keep the first acknowledgement time", func() {
			_, _ = s.AcknowledgeAlert(ctx, "t1", "a1", t0)
			a, err := s.AcknowledgeAlert(ctx, "t1", "a1", t0.Add(time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(*a.AcknowledgedAt).To(Equal(t0))
		})

		It("should not find alerts of another tenant", func() {
			_, err := s.AcknowledgeAlert(ctx, "t2", "a1", t0)
			Expect(err).To(MatchError(store.ErrNotFound))
		})

		It("should skip resolved alerts when looking for open ones", func() {
			_, err := s.LatestOpenAlert(ctx, "t1", "d1", "temperature_high", time.Time{})
			Expect(err).NotTo(HaveOccurred())

			_, _ = s.ResolveAlert(ctx, "t1", "a1", t0)
			_, err = s.LatestOpenAlert(ctx, "t1", "d1", "temperature_high", time.Time{})
			Expect(err).To(MatchError(store.ErrNotFound))
		})
	})

	Describe("tenants", func() {
		It("should list only active tenants", func() {
			Expect(s.CreateTenant(ctx, &store.Tenant{ID: "b", Name: "B", IsActive: true})).To(Succeed())
			Expect(s.CreateTenant(ctx, &store.Tenant{ID: "a", Name: "A", IsActive: true})).To(Succeed())
			Expect(s.CreateTenant(ctx, &store.Tenant{ID: "c", Name: "C"})).To(Succeed())

			tenants, err := s.ListActiveTenants(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(tenants).To(HaveLen(2))
			Expect(tenants[0].ID).To(Equal("a"))
			Expect(tenants[1].ID).To(Equal("b"))
		})
	})
})
