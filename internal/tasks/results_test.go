package tasks_test

import (
	"context"
	"fmt"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/fleet-control/internal/tasks"
)

var _ = Describe("Result stores", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("MemoryResults", func() {
		It("should return stored results", func() {
			store := tasks.NewMemoryResults(time.Minute)
			Expect(store.Put(ctx, tasks.Result{TaskID: "t1", Status: tasks.StatusCompleted})).To(Succeed())

			res, ok, err := store.Get(ctx, "t1")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(res.Status).To(Equal(tasks.StatusCompleted))
		})

		It("should forget results after the ttl", func() {
			store := tasks.NewMemoryResults(20 * time.Millisecond)
			Expect(store.Put(ctx, tasks.Result{TaskID: "t1", Status: tasks.StatusFailed})).To(Succeed())

			Eventually(func() bool {
				_, ok, _ := store.Get(ctx, "t1")
				return ok
			}).Should(BeFalse())
		})

		It("should drop expired results on the next put", func() {
			store := tasks.NewMemoryResults(20 * time.Millisecond)
			for i := 0; i < 100; i++ {
				Expect(store.Put(ctx, tasks.Result{TaskID: fmt.Sprintf("old-%d", i)})).To(Succeed())
			}
			Expect(store.Len()).To(Equal(100))

			time.Sleep(30 * time.Millisecond)
			Expect(store.Put(ctx, tasks.Result{TaskID: "new"})).To(Succeed())
			Expect(store.Len()).To(Equal(1))
		})

		It("should keep a result stored again under its later expiry", func() {
			store := tasks.NewMemoryResults(100 * time.Millisecond)
			Expect(store.Put(ctx, tasks.Result{TaskID: "t1", Status: tasks.StatusStarted})).To(Succeed())
			time.Sleep(60 * time.Millisecond)
			Expect(store.Put(ctx, tasks.Result{TaskID: "t1", Status: tasks.StatusCompleted})).To(Succeed())
			time.Sleep(60 * time.Millisecond)

			// The first expiry has passed; the second has not.
			Expect(store.Put(ctx, tasks.Result{TaskID: "t2"})).To(Succeed())
			res, ok, err := store.Get(ctx, "t1")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(res.Status).To(Equal(tasks.StatusCompleted))
		})

		It("should keep puts cheap as results accumulate", func() {
			store := tasks.NewMemoryResults(time.Hour)
			for i := 0; i < 50000; i++ {
				Expect(store.Put(ctx, tasks.Result{TaskID: fmt.Sprintf("bulk-%d", i)})).To(Succeed())
			}

			start := time.Now()
			for i := 0; i < 1000; i++ {
				Expect(store.Put(ctx, tasks.Result{TaskID: fmt.Sprintf("late-%d", i)})).To(Succeed())
			}
			Expect(time.Since(start)).To(BeNumerically("<", 100*time.Millisecond))
		})
	})

	Describe("RedisResults", func() {
		var (
			mr     *miniredis.Miniredis
			client *redis.Client
			store  *tasks.RedisResults
		)

		BeforeEach(func() {
			mr = miniredis.RunT(GinkgoT())
			client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
			DeferCleanup(client.Close)

			var err error
			store, err = tasks.NewRedisResults(client, time.Hour)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should reject a nil client", func() {
			_, err := tasks.NewRedisResults(nil, time.Hour)
			Expect(err).To(HaveOccurred())
		})

		It("should store results under the task key with an expiry", func() {
			Expect(store.Put(ctx, tasks.Result{
				TaskID: "abc",
				Name:   "fleet.sweep",
				Status: tasks.StatusCompleted,
				Value:  []byte(`{"tenants":2}`),
			})).To(Succeed())

			Expect(mr.Exists("task:result:abc")).To(BeTrue())
			Expect(mr.TTL("task:result:abc")).To(Equal(time.Hour))

			res, ok, err := store.Get(ctx, "abc")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(res.Name).To(Equal("fleet.sweep"))
			Expect(res.Value).To(MatchJSON(`{"tenants":2}`))
		})

		It("should report missing and expired results as absent", func() {
			_, ok, err := store.Get(ctx, "nope")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())

			Expect(store.Put(ctx, tasks.Result{TaskID: "old", Status: tasks.StatusCompleted})).To(Succeed())
			mr.FastForward(2 * time.Hour)
			_, ok, err = store.Get(ctx, "old")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("should surface backend errors", func() {
			mr.Close()
			_, _, err := store.Get(ctx, "abc")
			Expect(err).To(MatchError(ContainSubstring("failed to load result")))
		})
	})
})
