package presence_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/fleet-control/internal/broker"
	"procodus.dev/fleet-control/internal/presence"
	"procodus.dev/fleet-control/internal/realtime"
	"procodus.dev/fleet-control/internal/realtime/realtimetest"
	"procodus.dev/fleet-control/internal/store"
)

var _ = Describe("Tracker", func() {
	var (
		ctx     context.Context
		st      *store.MemoryStore
		sink    *realtimetest.Recorder
		tracker *presence.Tracker
		now     time.Time
		logger  *slog.Logger
	)

	BeforeEach(func() {
		ctx = context.Background()
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		st = store.NewMemoryStore()
		sink = &realtimetest.Recorder{}
		now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

		var err error
		tracker, err = presence.NewTracker(&presence.Config{
			Logger: logger,
			Store:  st,
			Sink:   sink,
			Now:    func() time.Time { return now },
		})
		Expect(err).NotTo(HaveOccurred())

		for _, id := range []string{"d1", "d2"} {
			Expect(st.CreateDevice(ctx, &store.Device{TenantID: "t1", ID: id, Name: "Device " + id})).To(Succeed())
		}
		Expect(st.CreateDevice(ctx, &store.Device{TenantID: "t2", ID: "d1", Name: "Other tenant"})).To(Succeed())
	})

	device := func(tenant, id string) *store.Device {
		d, err := st.GetDevice(ctx, tenant, id)
		Expect(err).NotTo(HaveOccurred())
		return d
	}

	It("should default the offline threshold to five minutes", func() {
		Expect(tracker.OfflineAfter()).To(Equal(5 * time.Minute))
	})

	Describe("RecordHeartbeat", func() {
		It("should mark the device online with the heartbeat time", func() {
			ts := now.Add(-10 * time.Second)
			Expect(tracker.RecordHeartbeat(ctx, "t1", "d1", ts)).To(Succeed())

			d := device("t1", "d1")
			Expect(d.Status).To(Equal(store.DeviceOnline))
			Expect(*d.LastHeartbeat).To(BeTemporally("==", ts))
		})

		It("should fall back to receipt time", func() {
			Expect(tracker.RecordHeartbeat(ctx, "t1", "d1", time.Time{})).To(Succeed())
			Expect(*device("t1", "d1").LastHeartbeat).To(BeTemporally("==", now))
		})

		It("should never move the heartbeat backwards", func() {
			Expect(tracker.RecordHeartbeat(ctx, "t1", "d1", now)).To(Succeed())
			Expect(tracker.RecordHeartbeat(ctx, "t1", "d1", now.Add(-time.Hour))).To(Succeed())
			Expect(*device("t1", "d1").LastHeartbeat).To(BeTemporally("==", now))
		})

		It("should ignore unknown devices", func() {
			Expect(tracker.RecordHeartbeat(ctx, "t1", "ghost", now)).To(Succeed())
		})

		It("should clamp a heartbeat from the future to the current time", func() {
			Expect(tracker.RecordHeartbeat(ctx, "t1", "d1", now.Add(time.Hour))).To(Succeed())
			Expect(*device("t1", "d1").LastHeartbeat).To(BeTemporally("==", now))

			now = now.Add(6 * time.Minute)
			devices, err := tracker.Sweep(ctx, "t1")
			Expect(err).NotTo(HaveOccurred())
			Expect(devices).To(ContainElement(HaveField("ID", "d1")))
			Expect(device("t1", "d1").Status).To(Equal(store.DeviceOffline))
		})

		It("should sweep the tenant after recording", func() {
			Expect(tracker.RecordHeartbeat(ctx, "t1", "d2", now.Add(-10*time.Minute))).To(Succeed())
			// d2's own heartbeat was already stale, so the inline sweep takes it offline.
			Expect(device("t1", "d2").Status).To(Equal(store.DeviceOffline))
			Expect(sink.Notifications(realtime.NotificationDeviceOffline)).To(HaveLen(1))
		})
	})

	Describe("Sweep", func() {
		BeforeEach(func() {
			Expect(st.RecordHeartbeat(ctx, "t1", "d1", now.Add(-6*time.Minute), now)).To(Succeed())
			Expect(st.RecordHeartbeat(ctx, "t1", "d2", now.Add(-1*time.Minute), now)).To(Succeed())
			Expect(st.RecordHeartbeat(ctx, "t2", "d1", now.Add(-time.Hour), now)).To(Succeed())
		})

		It("should take only stale devices of the tenant offline", func() {
			devices, err := tracker.Sweep(ctx, "t1")
			Expect(err).NotTo(HaveOccurred())
			Expect(devices).To(HaveLen(1))
			Expect(devices[0].ID).To(Equal("d1"))

			Expect(device("t1", "d1").Status).To(Equal(store.DeviceOffline))
			Expect(device("t1", "d2").Status).To(Equal(store.DeviceOnline))
			Expect(device("t2", "d1").Status).To(Equal(store.DeviceOnline))
		})

		It("should notify once per transitioned device", func() {
			_, err := tracker.Sweep(ctx, "t1")
			Expect(err).NotTo(HaveOccurred())
			again, err := tracker.Sweep(ctx, "t1")
			Expect(err).NotTo(HaveOccurred())
			Expect(again).To(BeEmpty())

			notes := sink.Notifications(realtime.NotificationDeviceOffline)
			Expect(notes).To(HaveLen(1))
			Expect(notes[0].TenantID).To(Equal("t1"))
			data, err := json.Marshal(notes[0].Data)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(MatchJSON(`{"device_id":"d1","device_name":"Device d1","last_seen":"2024-05-01T11:54:00Z"}`))
		})

		It("should not double-notify under concurrent sweeps", func() {
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := tracker.Sweep(ctx, "t1")
					Expect(err).NotTo(HaveOccurred())
				}()
			}
			wg.Wait()
			Expect(sink.Notifications(realtime.NotificationDeviceOffline)).To(HaveLen(1))
		})

		It("should take a device silent for exactly the threshold offline", func() {
			Expect(st.RecordHeartbeat(ctx, "t1", "d2", now.Add(-5*time.Minute), now)).To(Succeed())
			devices, err := tracker.Sweep(ctx, "t1")
			Expect(err).NotTo(HaveOccurred())
			Expect(devices).To(HaveLen(2))
			Expect(device("t1", "d2").Status).To(Equal(store.DeviceOffline))
			Expect(sink.Notifications(realtime.NotificationDeviceOffline)).To(HaveLen(2))
		})

		It("should keep a device one second inside the threshold online", func() {
			Expect(st.RecordHeartbeat(ctx, "t1", "d2", now.Add(-5*time.Minute+time.Second), now)).To(Succeed())
			devices, err := tracker.Sweep(ctx, "t1")
			Expect(err).NotTo(HaveOccurred())
			Expect(devices).To(HaveLen(1))
			Expect(devices[0].ID).To(Equal("d1"))
		})
	})

	Describe("ApplyStatus", func() {
		It("should store the report and push a status update", func() {
			p := broker.StatusPayload{
				Status:         "maintenance",
				ConnectionInfo: json.RawMessage(`{"ip":"10.0.0.4"}`),
			}
			Expect(tracker.ApplyStatus(ctx, "t1", "d1", p, now)).To(Succeed())

			d := device("t1", "d1")
			Expect(d.Status).To(Equal(store.DeviceMaintenance))
			Expect(*d.LastSeen).To(BeTemporally("==", now))
			Expect(d.ConnectionInfo).To(MatchJSON(`{"ip":"10.0.0.4"}`))

			updates := sink.Updates(realtime.CategoryDeviceStatus)
			Expect(updates).To(HaveLen(1))
			Expect(updates[0].DocID).To(Equal("d1"))
		})

		It("should count an online report as a heartbeat", func() {
			ts := now.Add(-30 * time.Second)
			p := broker.StatusPayload{Status: "online", Timestamp: broker.Timestamp{Time: ts}}
			Expect(tracker.ApplyStatus(ctx, "t1", "d1", p, now)).To(Succeed())
			Expect(*device("t1", "d1").LastHeartbeat).To(BeTemporally("==", ts))
		})

		It("should leave the status alone when the report has none", func() {
			Expect(tracker.ApplyStatus(ctx, "t1", "d1", broker.StatusPayload{}, now)).To(Succeed())
			Expect(device("t1", "d1").Status).To(Equal(store.DeviceOffline))
		})

		It("should reject an unknown status", func() {
			err := tracker.ApplyStatus(ctx, "t1", "d1", broker.StatusPayload{Status: "sleeping"}, now)
			Expect(err).To(MatchError(broker.ErrMalformedPayload))
			Expect(sink.Updates("")).To(BeEmpty())
		})

		It("should ignore unknown devices", func() {
			Expect(tracker.ApplyStatus(ctx, "t1", "ghost", broker.StatusPayload{Status: "online"}, now)).To(Succeed())
			Expect(sink.Updates("")).To(BeEmpty())
		})
	})
})
