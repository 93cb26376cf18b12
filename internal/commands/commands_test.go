package commands_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/fleet-control/internal/broker"
	"procodus.dev/fleet-control/internal/broker/brokertest"
	"procodus.dev/fleet-control/internal/commands"
	"procodus.dev/fleet-control/internal/realtime"
	"procodus.dev/fleet-control/internal/realtime/realtimetest"
	"procodus.dev/fleet-control/internal/store"
)

var _ = Describe("Service", func() {
	var (
		ctx    context.Context
		st     *store.MemoryStore
		pub    *brokertest.Recorder
		sink   *realtimetest.Recorder
		now    time.Time
		logger *slog.Logger
	)

	newService := func(shared bool) *commands.Service {
		svc, err := commands.NewService(&commands.Config{
			Logger:       logger,
			Store:        st,
			Publisher:    pub,
			Sink:         sink,
			Now:          func() time.Time { return now },
			SharedBulkID: shared,
		})
		Expect(err).NotTo(HaveOccurred())
		return svc
	}

	BeforeEach(func() {
		ctx = context.Background()
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		st = store.NewMemoryStore()
		pub = brokertest.NewRecorder()
		sink = &realtimetest.Recorder{}
		now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

		for _, id := range []string{"d1", "d2", "d3"} {
			Expect(st.CreateDevice(ctx, &store.Device{TenantID: "t1", ID: id, Name: id})).To(Succeed())
		}
	})

	Describe("Send", func() {
		It("should persist, publish and mark the command sent", func() {
			cmd, err := newService(false).Send(ctx, commands.SendRequest{
				TenantID:   "t1",
				DeviceID:   "d1",
				Command:    "reboot",
				Parameters: map[string]any{"delay": 5},
				FromUser:   "ops",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(cmd.Status).To(Equal(store.CommandSent))

			stored, err := st.GetCommand(ctx, "t1", cmd.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(store.CommandSent))
			Expect(stored.Parameters).To(MatchJSON(`{"delay":5}`))

			msgs := pub.Messages()
			Expect(msgs).To(HaveLen(1))
			Expect(msgs[0].Topic).To(Equal("tenant/t1/device/d1/command"))
			sent := pub.Commands()[0]
			Expect(sent.CommandID).To(Equal(cmd.ID))
			Expect(sent.Command).To(Equal("reboot"))
			Expect(sent.FromUser).To(Equal("ops"))

			Expect(sink.Updates(realtime.CategoryCommands)).To(HaveLen(1))
		})

		It("should refuse devices of another tenant", func() {
			_, err := newService(false).Send(ctx, commands.SendRequest{TenantID: "t2", DeviceID: "d1", Command: "reboot"})
			Expect(err).To(MatchError(store.ErrNotFound))
			Expect(pub.Messages()).To(BeEmpty())
		})

		It("should require a command", func() {
			_, err := newService(false).Send(ctx, commands.SendRequest{TenantID: "t1", DeviceID: "d1"})
			Expect(err).To(MatchError(commands.ErrInvalidRequest))
		})

		It("should mark the command failed when the publish fails", func() {
			pub.PublishError = errors.New("broker unreachable")
			cmd, err := newService(false).Send(ctx, commands.SendRequest{TenantID: "t1", DeviceID: "d1", Command: "reboot"})
			Expect(err).To(MatchError(broker.ErrPublish))
			Expect(cmd).NotTo(BeNil())

			stored, err := st.GetCommand(ctx, "t1", cmd.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(store.CommandFailed))
		})

		It("should keep the stored status when the response lands before the send is recorded", func() {
			fast := &answeringPublisher{}
			svc, err := commands.NewService(&commands.Config{
				Logger:    logger,
				Store:     st,
				Publisher: fast,
				Sink:      sink,
				Now:       func() time.Time { return now },
			})
			Expect(err).NotTo(HaveOccurred())
			fast.svc = svc

			cmd, err := svc.Send(ctx, commands.SendRequest{TenantID: "t1", DeviceID: "d1", Command: "reboot"})
			Expect(err).NotTo(HaveOccurred())
			Expect(cmd.Status).To(Equal(store.CommandCompleted))

			stored, err := st.GetCommand(ctx, "t1", cmd.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(store.CommandCompleted))

			updates := sink.Updates(realtime.CategoryCommands)
			Expect(updates).NotTo(BeEmpty())
			last, ok := updates[len(updates)-1].Data.(*store.Command)
			Expect(ok).To(BeTrue())
			Expect(last.Status).To(Equal(store.CommandCompleted))
		})
	})

	Describe("SendBulk", func() {
		It("should give every device its own command by default", func() {
			out, err := newService(false).SendBulk(ctx, commands.BulkRequest{
				TenantID:  "t1",
				DeviceIDs: []string{"d1", "d2", "ghost", "d3"},
				Command:   "update",
			}, "bulk-task")
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Status).To(Equal("completed"))
			Expect(out.Results).To(HaveLen(4))

			ids := map[string]bool{}
			for _, r := range out.Results {
				if r.DeviceID == "ghost" {
					Expect(r.Status).To(Equal("failed"))
					continue
				}
				Expect(r.Status).To(Equal("sent"))
				ids[r.CommandID] = true
			}
			Expect(ids).To(HaveLen(3))
			Expect(pub.Messages()).To(HaveLen(3))
		})

		It("should reuse the task id in shared mode without persisting", func() {
			out, err := newService(true).SendBulk(ctx, commands.BulkRequest{
				TenantID:  "t1",
				DeviceIDs: []string{"d1", "d2"},
				Command:   "update",
			}, "bulk-task")
			Expect(err).NotTo(HaveOccurred())
			for _, r := range out.Results {
				Expect(r.CommandID).To(Equal("bulk-task"))
			}

			msgs := pub.Messages()
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[0].Topic).To(Equal("tenant/t1/device/d1/command"))
			Expect(msgs[1].Topic).To(Equal("tenant/t1/device/d2/command"))
			_, err = st.GetCommand(ctx, "t1", "bulk-task")
			Expect(err).To(MatchError(store.ErrNotFound))
		})

		It("should carry on past a failed device", func() {
			pub.PublishFunc = func(topic string) error {
				if strings.Contains(topic, "/d2/") {
					return errors.New("boom")
				}
				return nil
			}
			out, err := newService(true).SendBulk(ctx, commands.BulkRequest{
				TenantID:  "t1",
				DeviceIDs: []string{"d1", "d2", "d3"},
				Command:   "update",
			}, "bulk-task")
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Results[1].Status).To(Equal("failed"))
			Expect(out.Results[2].Status).To(Equal("sent"))
		})

		It("should reject an empty device list", func() {
			_, err := newService(false).SendBulk(ctx, commands.BulkRequest{TenantID: "t1", Command: "x"}, "id")
			Expect(err).To(MatchError(commands.ErrInvalidRequest))
		})
	})

	Describe("Broadcast", func() {
		It("should publish once to the tenant broadcast topic", func() {
			id, err := newService(false).Broadcast(ctx, "t1", "health_check", nil, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(HavePrefix(commands.BroadcastPrefix))

			msgs := pub.Messages()
			Expect(msgs).To(HaveLen(1))
			Expect(msgs[0].Topic).To(Equal("tenant/t1/broadcast/health_check"))
			Expect(pub.Commands()[0].CommandID).To(Equal(id))
			_, err = st.GetCommand(ctx, "t1", id)
			Expect(err).To(MatchError(store.ErrNotFound))
		})
	})

	Describe("Reconcile", func() {
		var (
			svc *commands.Service
			cmd *store.Command
		)

		BeforeEach(func() {
			svc = newService(false)
			var err error
			cmd, err = svc.Send(ctx, commands.SendRequest{TenantID: "t1", DeviceID: "d1", Command: "reboot"})
			Expect(err).NotTo(HaveOccurred())
			sink.Reset()
		})

		It("should complete the command from the response", func() {
			raw := []byte(`{"command_id":"` + cmd.ID + `","result":{"ok":true},"timestamp":"2024-05-01T12:00:05Z"}`)
			matched, err := svc.Reconcile(ctx, "t1", "d1", raw, now)
			Expect(err).NotTo(HaveOccurred())
			Expect(matched).To(BeTrue())

			stored, err := st.GetCommand(ctx, "t1", cmd.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(store.CommandCompleted))
			Expect(stored.Result).To(MatchJSON(`{"ok":true}`))
			Expect(stored.ResponseData).To(MatchJSON(raw))
			Expect(*stored.ExecutedAt).To(BeTemporally("==", now.Add(5*time.Second)))
			Expect(sink.Updates(realtime.CategoryCommands)).To(HaveLen(1))
		})

		It("should not let a late response undo a terminal status", func() {
			failed := []byte(`{"command_id":"` + cmd.ID + `","status":"failed"}`)
			_, err := svc.Reconcile(ctx, "t1", "d1", failed, now)
			Expect(err).NotTo(HaveOccurred())

			sent := []byte(`{"command_id":"` + cmd.ID + `","status":"sent"}`)
			_, err = svc.Reconcile(ctx, "t1", "d1", sent, now)
			Expect(err).NotTo(HaveOccurred())

			stored, err := st.GetCommand(ctx, "t1", cmd.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(store.CommandFailed))
		})

		It("should discard responses for unknown commands quietly", func() {
			matched, err := svc.Reconcile(ctx, "t1", "d1", []byte(`{"command_id":"nope"}`), now)
			Expect(err).NotTo(HaveOccurred())
			Expect(matched).To(BeFalse())

			matched, err = svc.Reconcile(ctx, "t1", "d1", []byte(`{"status":"completed"}`), now)
			Expect(err).NotTo(HaveOccurred())
			Expect(matched).To(BeFalse())
			Expect(sink.Updates("")).To(BeEmpty())
		})

		It("should not match a command of another tenant", func() {
			matched, err := svc.Reconcile(ctx, "t2", "d1", []byte(`{"command_id":"`+cmd.ID+`"}`), now)
			Expect(err).NotTo(HaveOccurred())
			Expect(matched).To(BeFalse())
		})

		It("should reject an unknown status", func() {
			_, err := svc.Reconcile(ctx, "t1", "d1", []byte(`{"command_id":"`+cmd.ID+`","status":"exploded"}`), now)
			Expect(err).To(MatchError(broker.ErrMalformedPayload))
		})
	})
})

// answeringPublisher plays a device that answers before Publish returns.
type answeringPublisher struct {
	svc *commands.Service
}

func (p *answeringPublisher) Publish(ctx context.Context, topic string, payload any) error {
	msg, ok := payload.(broker.CommandMessage)
	if !ok {
		return errors.New("unexpected payload")
	}
	t, err := broker.ParseTopic(topic)
	if err != nil {
		return err
	}
	raw := []byte(`{"command_id":"` + msg.CommandID + `","status":"completed"}`)
	_, err = p.svc.Reconcile(ctx, t.TenantID, t.DeviceID, raw, time.Now())
	return err
}
