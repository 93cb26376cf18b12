package fleet_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/fleet-control/internal/fleet"
	"procodus.dev/fleet-control/internal/jobs"
	"procodus.dev/fleet-control/internal/store"
	"procodus.dev/fleet-control/internal/tasks"
)

type call struct {
	name   string
	tenant string
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []call
	fail  func(name, tenant string) bool
}

func (f *fakeEnqueuer) TryEnqueue(name string, args any) (tasks.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tenant := args.(jobs.TenantArgs).TenantID
	if f.fail != nil && f.fail(name, tenant) {
		return tasks.Handle{}, tasks.ErrQueueFull
	}
	f.calls = append(f.calls, call{name: name, tenant: tenant})
	return tasks.Handle{ID: "x", Name: name}, nil
}

type fakeBroadcaster struct {
	tenant  string
	command string
	err     error
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, tenantID, command string, _ map[string]any, _ string) (string, error) {
	f.tenant, f.command = tenantID, command
	return "broadcast_1", f.err
}

var _ = Describe("Sweeper", func() {
	var (
		ctx     context.Context
		st      *store.MemoryStore
		enq     *fakeEnqueuer
		bc      *fakeBroadcaster
		sweeper *fleet.Sweeper
	)

	BeforeEach(func() {
		ctx = context.Background()
		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		st = store.NewMemoryStore()
		enq = &fakeEnqueuer{}
		bc = &fakeBroadcaster{}

		Expect(st.CreateTenant(ctx, &store.Tenant{ID: "acme", Name: "Acme", IsActive: true})).To(Succeed())
		Expect(st.CreateTenant(ctx, &store.Tenant{ID: "globex", Name: "Globex", IsActive: true})).To(Succeed())
		Expect(st.CreateTenant(ctx, &store.Tenant{ID: "dormant", Name: "Dormant", IsActive: false})).To(Succeed())

		var err error
		sweeper, err = fleet.NewSweeper(&fleet.Config{Logger: logger, Store: st, Enqueuer: enq, Broadcaster: bc})
		Expect(err).NotTo(HaveOccurred())
	})

	It("should fan out to every active tenant", func() {
		sum, err := sweeper.Sweep(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(sum).To(Equal(fleet.Summary{Tenants: 2, Enqueued: 4}))
		Expect(enq.calls).To(ConsistOf(
			call{jobs.PresenceOfflineSweep, "acme"},
			call{jobs.FleetHealthCheck, "acme"},
			call{jobs.PresenceOfflineSweep, "globex"},
			call{jobs.FleetHealthCheck, "globex"},
		))
	})

	It("should keep going when one tenant cannot be enqueued", func() {
		enq.fail = func(_, tenant string) bool { return tenant == "acme" }
		sum, err := sweeper.Sweep(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(sum.Failed).To(Equal(2))
		Expect(sum.Enqueued).To(Equal(2))
	})

	It("should broadcast health checks", func() {
		id, err := sweeper.HealthCheck(ctx, "acme")
		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(Equal("broadcast_1"))
		Expect(bc.tenant).To(Equal("acme"))
		Expect(bc.command).To(Equal("health_check"))
	})

	It("should report broadcast failures", func() {
		bc.err = errors.New("down")
		_, err := sweeper.HealthCheck(ctx, "acme")
		Expect(err).To(HaveOccurred())
	})
})
