package backend

import (
	"context"
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"procodus.dev/fleet-control/internal/api"
	"procodus.dev/fleet-control/internal/broker"
	"procodus.dev/fleet-control/internal/commands"
	"procodus.dev/fleet-control/internal/store"
	"procodus.dev/fleet-control/internal/tasks"
)

var _ = Describe("Fleet E2E", func() {
	var ctx context.Context

	BeforeEach(func() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 60*time.Second)
		DeferCleanup(cancel)
	})

	deviceStatus := func(id string) func() store.DeviceStatus {
		return func() store.DeviceStatus {
			d, err := fleetStore.GetDevice(ctx, tenantID, id)
			if err != nil {
				return ""
			}
			return d.Status
		}
	}

	commandStatus := func(id string) func() store.CommandStatus {
		return func() store.CommandStatus {
			c, err := apiClient.GetCommand(ctx, tenantID, id)
			if err != nil {
				return ""
			}
			return c.Status
		}
	}

	taskResult := func(id string) tasks.Result {
		var res tasks.Result
		Eventually(func() tasks.Status {
			var err error
			res, err = apiClient.GetTaskResult(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			return res.Status
		}, 30*time.Second, 250*time.Millisecond).Should(Or(Equal(tasks.StatusCompleted), Equal(tasks.StatusFailed)))
		return res
	}

	Describe("Presence", func() {
		It("should bring heartbeating simulated devices online", func() {
			for _, id := range simulatedIDs {
				Eventually(deviceStatus(id), 20*time.Second, 250*time.Millisecond).Should(Equal(store.DeviceOnline))
			}
		})

		It("should sweep a silent device offline and back online on its next heartbeat", func() {
			beat := func() {
				Expect(device.Publish(ctx, broker.DeviceTopic(tenantID, sensorID, broker.MessageHeartbeat),
					broker.HeartbeatPayload{Timestamp: broker.Timestamp{Time: time.Now()}})).To(Succeed())
			}

			beat()
			Eventually(deviceStatus(sensorID), 10*time.Second, 100*time.Millisecond).Should(Equal(store.DeviceOnline))
			Eventually(deviceStatus(sensorID), 20*time.Second, 250*time.Millisecond).Should(Equal(store.DeviceOffline))

			beat()
			Eventually(deviceStatus(sensorID), 10*time.Second, 100*time.Millisecond).Should(Equal(store.DeviceOnline))
		})
	})

	Describe("Commands", func() {
		It("should complete a command answered by the device", func() {
			cmd, err := apiClient.SendCommand(ctx, commands.SendRequest{
				TenantID: tenantID,
				DeviceID: simulatedIDs[0],
				Command:  "reboot",
				FromUser: "e2e",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(cmd.Status).To(Equal(store.CommandSent))

			Eventually(commandStatus(cmd.ID), 20*time.Second, 250*time.Millisecond).Should(Equal(store.CommandCompleted))

			got, err := apiClient.GetCommand(ctx, tenantID, cmd.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(got.Result)).To(ContainSubstring("Command 'reboot' executed successfully"))
		})

		It("should reject a command for an unregistered device", func() {
			_, err := apiClient.SendCommand(ctx, commands.SendRequest{
				TenantID: tenantID,
				DeviceID: "ghost",
				Command:  "reboot",
			})
			Expect(status.Code(err)).To(Equal(codes.NotFound))
		})

		It("should run a bulk command on a worker and report per-device outcomes", func() {
			handle, err := apiClient.SendBulkCommand(ctx, commands.BulkRequest{
				TenantID:  tenantID,
				DeviceIDs: append(append([]string(nil), simulatedIDs...), "ghost"),
				Command:   "sync_clock",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(handle.ID).NotTo(BeEmpty())

			res := taskResult(handle.ID)
			Expect(res.Status).To(Equal(tasks.StatusCompleted))

			var outcome commands.BulkOutcome
			Expect(json.Unmarshal(res.Value, &outcome)).To(Succeed())
			Expect(outcome.Results).To(HaveLen(3))

			for _, r := range outcome.Results {
				if r.DeviceID == "ghost" {
					Expect(r.Error).NotTo(BeEmpty())
					continue
				}
				Expect(r.CommandID).NotTo(BeEmpty())
				Eventually(commandStatus(r.CommandID), 20*time.Second, 250*time.Millisecond).Should(Equal(store.CommandCompleted))
			}
		})

		It("should broadcast on the tenant topic", func() {
			resp, err := apiClient.BroadcastCommand(ctx, api.BroadcastRequest{
				TenantID: tenantID,
				Command:  "firmware_check",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Topic).To(Equal(broker.BroadcastTopic(tenantID, "firmware_check")))
		})

		It("should run a tenant health check as a job", func() {
			handle, err := apiClient.TriggerHealthCheck(ctx, tenantID)
			Expect(err).NotTo(HaveOccurred())
			Expect(taskResult(handle.ID).Status).To(Equal(tasks.StatusCompleted))
		})
	})

	Describe("Alerts", func() {
		It("should raise, acknowledge and resolve a threshold alert", func() {
			Expect(device.Publish(ctx, broker.DeviceTopic(tenantID, sensorID, broker.MessageTelemetry),
				map[string]any{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
					"metrics":   map[string]any{"temperature": 92},
				})).To(Succeed())

			var alert store.Alert
			Eventually(func() int64 {
				var n int64
				db.Model(&store.Alert{}).
					Where("tenant_id = ? AND device_id = ? AND alert_type = ?", tenantID, sensorID, "temperature_high").
					Count(&n)
				return n
			}, 20*time.Second, 250*time.Millisecond).Should(BeNumerically("==", 1))
			Expect(db.Where("tenant_id = ? AND device_id = ?", tenantID, sensorID).First(&alert).Error).To(Succeed())

			Expect(alert.Severity).To(Equal(store.SeverityHigh))
			var details map[string]float64
			Expect(json.Unmarshal(alert.Details, &details)).To(Succeed())
			Expect(details).To(HaveKeyWithValue("current_temp", 92.0))
			Expect(details).To(HaveKeyWithValue("threshold", 85.0))

			acked, err := apiClient.AcknowledgeAlert(ctx, tenantID, alert.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(acked.Acknowledged).To(BeTrue())

			resolved, err := apiClient.ResolveAlert(ctx, tenantID, alert.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(resolved.Acknowledged).To(BeTrue())
			Expect(resolved.Resolved).To(BeTrue())
		})

		It("should not raise an alert under the threshold", func() {
			Expect(device.Publish(ctx, broker.DeviceTopic(tenantID, sensorID, broker.MessageTelemetry),
				map[string]any{"metrics": map[string]any{"temperature": 40}})).To(Succeed())

			Consistently(func() int64 {
				var n int64
				db.Model(&store.Alert{}).
					Where("tenant_id = ? AND device_id = ? AND details->>'current_temp' = ?", tenantID, sensorID, "40").
					Count(&n)
				return n
			}, 2*time.Second, 250*time.Millisecond).Should(BeZero())
		})
	})

	Describe("Health", func() {
		It("should report the control service as serving", func() {
			resp, err := healthpb.NewHealthClient(grpcConn).Check(ctx, &healthpb.HealthCheckRequest{
				Service: api.ServiceName,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.GetStatus()).To(Equal(healthpb.HealthCheckResponse_SERVING))
		})
	})
})
