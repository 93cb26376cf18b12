package api_test

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"procodus.dev/fleet-control/internal/alerting"
	"procodus.dev/fleet-control/internal/api"
	"procodus.dev/fleet-control/internal/broker"
	"procodus.dev/fleet-control/internal/broker/brokertest"
	"procodus.dev/fleet-control/internal/commands"
	"procodus.dev/fleet-control/internal/fleet"
	"procodus.dev/fleet-control/internal/pipeline"
	"procodus.dev/fleet-control/internal/presence"
	"procodus.dev/fleet-control/internal/realtime/realtimetest"
	"procodus.dev/fleet-control/internal/store"
	"procodus.dev/fleet-control/internal/tasks"
)

var _ = Describe("Control API", func() {
	var (
		ctx        context.Context
		logger     *slog.Logger
		st         *store.MemoryStore
		pub        *brokertest.Recorder
		dispatcher *tasks.Dispatcher
		client     *api.Client
		conn       *grpc.ClientConn
		connected  bool
		reporter   *api.HealthReporter
	)

	BeforeEach(func() {
		ctx = context.Background()
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		st = store.NewMemoryStore()
		pub = brokertest.NewRecorder()
		sink := &realtimetest.Recorder{}

		var err error
		dispatcher, err = tasks.NewDispatcher(&tasks.Config{Logger: logger, Workers: 2, QueueSize: 16, Classify: pipeline.Classify})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(dispatcher.Stop)

		tracker, err := presence.NewTracker(&presence.Config{Logger: logger, Store: st, Sink: sink})
		Expect(err).NotTo(HaveOccurred())
		alerts, err := alerting.NewService(&alerting.Config{Logger: logger, Store: st, Sink: sink, Enqueuer: dispatcher})
		Expect(err).NotTo(HaveOccurred())
		cmds, err := commands.NewService(&commands.Config{Logger: logger, Store: st, Publisher: pub, Sink: sink})
		Expect(err).NotTo(HaveOccurred())
		sweeper, err := fleet.NewSweeper(&fleet.Config{Logger: logger, Store: st, Enqueuer: dispatcher, Broadcaster: cmds})
		Expect(err).NotTo(HaveOccurred())
		p, err := pipeline.New(&pipeline.Config{
			Logger: logger, Store: st, Sink: sink,
			Presence: tracker, Alerts: alerts, Commands: cmds, Fleet: sweeper,
		})
		Expect(err).NotTo(HaveOccurred())
		p.Register(dispatcher)
		dispatcher.Start()

		svc, err := api.NewService(&api.Config{Logger: logger, Store: st, Commands: cmds, Alerts: alerts, Tasks: dispatcher})
		Expect(err).NotTo(HaveOccurred())

		connected = true
		reporter = api.NewHealthReporter(logger, func() bool { return connected }, time.Hour)
		reporter.Update()

		lis := bufconn.Listen(1 << 20)
		server := grpc.NewServer(grpc.ChainUnaryInterceptor(
			api.MetricsInterceptor(apiMetrics),
			api.LoggingInterceptor(logger),
		))
		api.RegisterControlServiceServer(server, svc)
		healthpb.RegisterHealthServer(server, reporter.Server())
		go func() { _ = server.Serve(lis) }()
		DeferCleanup(server.Stop)

		conn, err = api.Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(conn.Close)

		client, err = api.NewClient(conn)
		Expect(err).NotTo(HaveOccurred())
	})

	codeOf := func(err error) codes.Code {
		return status.Code(err)
	}

	registerFleet := func() {
		_, err := client.RegisterTenant(ctx, api.RegisterTenantRequest{ID: "acme", Name: "Acme"})
		Expect(err).NotTo(HaveOccurred())
		for _, id := range []string{"d1", "d2"} {
			_, err := client.RegisterDevice(ctx, api.RegisterDeviceRequest{
				TenantID:      "acme",
				ID:            id,
				Name:          "sensor " + id,
				Configuration: map[string]any{"thresholds": map[string]any{"temperature": 85}},
			})
			Expect(err).NotTo(HaveOccurred())
		}
	}

	Describe("NewService", func() {
		It("should reject a nil config", func() {
			_, err := api.NewService(nil)
			Expect(err).To(MatchError(ContainSubstring("cannot be nil")))
		})

		It("should require a task queue", func() {
			_, err := api.NewService(&api.Config{Logger: logger, Store: st, Commands: &commands.Service{}, Alerts: &alerting.Service{}})
			Expect(err).To(MatchError(ContainSubstring("task queue")))
		})
	})

	Describe("registration", func() {
		It("should register a tenant active by default", func() {
			t, err := client.RegisterTenant(ctx, api.RegisterTenantRequest{ID: "acme", Name: "Acme", Settings: map[string]any{"tier": "gold"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(t.IsActive).To(BeTrue())
			Expect(string(t.Settings)).To(MatchJSON(`{"tier":"gold"}`))

			active, err := st.ListActiveTenants(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(active).To(HaveLen(1))
		})

		It("should register devices offline", func() {
			registerFleet()
			d, err := st.GetDevice(ctx, "acme", "d1")
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Status).To(Equal(store.DeviceOffline))
			Expect(string(d.Configuration)).To(MatchJSON(`{"thresholds":{"temperature":85}}`))
		})

		It("should map duplicates to AlreadyExists", func() {
			registerFleet()
			_, err := client.RegisterDevice(ctx, api.RegisterDeviceRequest{TenantID: "acme", ID: "d1", Name: "again"})
			Expect(codeOf(err)).To(Equal(codes.AlreadyExists))
		})

		It("should map missing fields to InvalidArgument", func() {
			_, err := client.RegisterTenant(ctx, api.RegisterTenantRequest{ID: "acme"})
			Expect(codeOf(err)).To(Equal(codes.InvalidArgument))
		})
	})

	Describe("commands", func() {
		BeforeEach(registerFleet)

		It("should send a command and read it back", func() {
			cmd, err := client.SendCommand(ctx, commands.SendRequest{
				TenantID: "acme", DeviceID: "d1", Command: "reboot",
				Parameters: map[string]any{"delay": 5},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(cmd.Status).To(Equal(store.CommandSent))

			Expect(pub.Messages()).To(HaveLen(1))
			Expect(pub.Messages()[0].Topic).To(Equal(broker.CommandTopic("acme", "d1")))

			got, err := client.GetCommand(ctx, "acme", cmd.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Command).To(Equal("reboot"))
			Expect(string(got.Parameters)).To(MatchJSON(`{"delay":5}`))
		})

		It("should return NotFound for an unknown device", func() {
			_, err := client.SendCommand(ctx, commands.SendRequest{TenantID: "acme", DeviceID: "ghost", Command: "reboot"})
			Expect(codeOf(err)).To(Equal(codes.NotFound))
		})

		It("should return NotFound for a command of another tenant", func() {
			cmd, err := client.SendCommand(ctx, commands.SendRequest{TenantID: "acme", DeviceID: "d1", Command: "reboot"})
			Expect(err).NotTo(HaveOccurred())
			_, err = client.GetCommand(ctx, "other", cmd.ID)
			Expect(codeOf(err)).To(Equal(codes.NotFound))
		})

		It("should report Unavailable when the broker rejects the publish", func() {
			pub.PublishError = errors.New("not connected")
			_, err := client.SendCommand(ctx, commands.SendRequest{TenantID: "acme", DeviceID: "d1", Command: "reboot"})
			Expect(codeOf(err)).To(Equal(codes.Unavailable))
		})

		It("should broadcast on the tenant topic", func() {
			resp, err := client.BroadcastCommand(ctx, api.BroadcastRequest{TenantID: "acme", Command: "sync"})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.CommandID).To(HavePrefix(commands.BroadcastPrefix))
			Expect(resp.Topic).To(Equal("tenant/acme/broadcast/sync"))
		})

		It("should run a bulk command as a background job", func() {
			h, err := client.SendBulkCommand(ctx, commands.BulkRequest{
				TenantID: "acme", Command: "update", DeviceIDs: []string{"d1", "d2", "ghost"},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(h.ID).NotTo(BeEmpty())

			var res tasks.Result
			Eventually(func() tasks.Status {
				res, err = client.GetTaskResult(ctx, h.ID)
				Expect(err).NotTo(HaveOccurred())
				return res.Status
			}).Should(Equal(tasks.StatusCompleted))

			Expect(string(res.Value)).To(ContainSubstring(`"device_id":"ghost"`))
			Expect(pub.Commands()).To(HaveLen(2))
		})

		It("should reject an empty bulk request", func() {
			_, err := client.SendBulkCommand(ctx, commands.BulkRequest{TenantID: "acme", Command: "update"})
			Expect(codeOf(err)).To(Equal(codes.InvalidArgument))
		})

		It("should report unknown tasks as pending", func() {
			res, err := client.GetTaskResult(ctx, "nope")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Status).To(Equal(tasks.StatusPending))
		})
	})

	Describe("alerts", func() {
		BeforeEach(func() {
			registerFleet()
			Expect(st.InsertAlert(ctx, &store.Alert{
				TenantID: "acme", ID: "a1", DeviceID: "d1",
				AlertType: "temperature_high", Severity: store.SeverityHigh,
				Timestamp: time.Now().UTC(),
			})).To(Succeed())
		})

		It("should acknowledge then resolve", func() {
			a, err := client.AcknowledgeAlert(ctx, "acme", "a1")
			Expect(err).NotTo(HaveOccurred())
			Expect(a.Acknowledged).To(BeTrue())
			Expect(a.Resolved).To(BeFalse())

			a, err = client.ResolveAlert(ctx, "acme", "a1")
			Expect(err).NotTo(HaveOccurred())
			Expect(a.Acknowledged).To(BeTrue())
			Expect(a.Resolved).To(BeTrue())
		})

		It("should resolve without acknowledging", func() {
			a, err := client.ResolveAlert(ctx, "acme", "a1")
			Expect(err).NotTo(HaveOccurred())
			Expect(a.Acknowledged).To(BeFalse())
			Expect(a.Resolved).To(BeTrue())
		})

		It("should return NotFound for an unknown alert", func() {
			_, err := client.AcknowledgeAlert(ctx, "acme", "missing")
			Expect(codeOf(err)).To(Equal(codes.NotFound))
		})
	})

	Describe("TriggerHealthCheck", func() {
		BeforeEach(registerFleet)

		It("should broadcast health_check to one tenant", func() {
			h, err := client.TriggerHealthCheck(ctx, "acme")
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() tasks.Status {
				res, _ := client.GetTaskResult(ctx, h.ID)
				return res.Status
			}).Should(Equal(tasks.StatusCompleted))
			Expect(pub.Messages()).To(ContainElement(HaveField("Topic", "tenant/acme/broadcast/health_check")))
		})

		It("should sweep the fleet without a tenant", func() {
			_, err := client.TriggerHealthCheck(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Eventually(pub.Messages).Should(ContainElement(HaveField("Topic", "tenant/acme/broadcast/health_check")))
		})
	})

	Describe("health", func() {
		It("should follow the broker check", func() {
			hc := healthpb.NewHealthClient(conn)
			resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: api.ServiceName})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.GetStatus()).To(Equal(healthpb.HealthCheckResponse_SERVING))

			connected = false
			Expect(reporter.Update()).To(BeFalse())
			resp, err = hc.Check(ctx, &healthpb.HealthCheckRequest{Service: api.ServiceName})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.GetStatus()).To(Equal(healthpb.HealthCheckResponse_NOT_SERVING))
		})
	})

	Describe("metrics", func() {
		It("should count requests by method and code", func() {
			count := func() float64 {
				m := &dto.Metric{}
				Expect(apiMetrics.RequestsTotal.WithLabelValues(api.MethodGetCommand, codes.InvalidArgument.String()).Write(m)).To(Succeed())
				return m.GetCounter().GetValue()
			}
			before := count()
			_, err := client.GetCommand(ctx, "", "")
			Expect(codeOf(err)).To(Equal(codes.InvalidArgument))
			Expect(count() - before).To(Equal(1.0))
		})
	})
})
