package realtime_test

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/fleet-control/internal/realtime"
)

var _ = Describe("Sinks", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("RedisSink", func() {
		var (
			mr     *miniredis.Miniredis
			client *redis.Client
			sink   *realtime.RedisSink
			now    time.Time
		)

		BeforeEach(func() {
			mr = miniredis.RunT(GinkgoT())
			client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
			DeferCleanup(client.Close)

			now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
			var err error
			sink, err = realtime.NewRedisSink(&realtime.RedisSinkConfig{
				Client: client,
				MaxLen: 100,
				Now:    func() time.Time { return now },
			})
			Expect(err).NotTo(HaveOccurred())
		})

		It("should require a client", func() {
			_, err := realtime.NewRedisSink(&realtime.RedisSinkConfig{})
			Expect(err).To(HaveOccurred())
		})

		It("should append updates to the tenant category stream", func() {
			Expect(sink.SendUpdate(ctx, "t1", realtime.CategoryTelemetry, "d1",
				map[string]any{"temperature": 21.5})).To(Succeed())

			entries, err := client.XRange(ctx, "realtime:t1:telemetry", "-", "+").Result()
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Values).To(HaveKeyWithValue("doc_id", "d1"))
			Expect(entries[0].Values["data"]).To(MatchJSON(`{"temperature":21.5}`))
			Expect(entries[0].Values).To(HaveKeyWithValue("updated_at", "2024-05-01T12:00:00Z"))
		})

		It("should keep tenants apart", func() {
			Expect(sink.SendUpdate(ctx, "t1", realtime.CategoryAlerts, "a1", nil)).To(Succeed())
			Expect(sink.SendUpdate(ctx, "t2", realtime.CategoryAlerts, "a2", nil)).To(Succeed())

			n, err := client.XLen(ctx, "realtime:t1:alerts").Result()
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(1)))
		})

		It("should write unread notifications", func() {
			Expect(sink.SendNotification(ctx, "t1", realtime.NotificationDeviceOffline,
				map[string]string{"device_id": "d1"})).To(Succeed())

			entries, err := client.XRange(ctx, realtime.NotificationsKey("t1"), "-", "+").Result()
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Values).To(HaveKeyWithValue("type", "device_offline"))
			Expect(entries[0].Values).To(HaveKeyWithValue("read", "false"))
		})

		It("should report a broken connection", func() {
			mr.Close()
			err := sink.SendUpdate(ctx, "t1", realtime.CategoryCommands, "c1", nil)
			Expect(err).To(MatchError(ContainSubstring("realtime:t1:commands")))
		})
	})

	Describe("LogSink", func() {
		It("should never fail", func() {
			sink := realtime.NewLogSink(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelError,
			})))
			Expect(sink.SendUpdate(ctx, "t1", realtime.CategoryCommands, "c1", nil)).To(Succeed())
			Expect(sink.SendNotification(ctx, "t1", realtime.NotificationCriticalAlert, nil)).To(Succeed())
		})
	})
})
