package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/storefront-payments/internal"
	"github.com/frahmantamala/storefront-payments/internal/queue"
)

var _ = Describe("Registry", func() {
	var (
		ctx      context.Context
		clock    *fakeClock
		broker   *queue.MemoryBroker
		registry *queue.Registry
	)

	BeforeEach(func() {
		ctx = context.Background()
		clock = newFakeClock()
		broker = queue.NewMemoryBroker(queue.WithMemoryClock(clock.Now))
		policies := map[string]queue.Policy{
			queue.QueueInventory: {
				Attempts:         3,
				Backoff:          queue.Backoff{Type: queue.BackoffFixed, Delay: 3000 * time.Millisecond},
				RemoveOnComplete: 100,
				RemoveOnFail:     100,
				LeaseDuration:    time.Minute,
			},
			queue.QueueNotification: {
				Attempts:      3,
				Backoff:       queue.Backoff{Type: queue.BackoffExponential, Delay: 2 * time.Second},
				LeaseDuration: time.Minute,
			},
		}
		registry = queue.NewRegistry(broker, policies, testLogger, queue.WithClock(clock.Now))
	})

	Describe("Enqueue", func() {
		It("applies the queue policy to the job", func() {
			job, err := registry.Enqueue(ctx, queue.QueueNotification, queue.JobSendEmail, queue.NotificationPayload{To: "a@example.com", Template: "order_status"})

			Expect(err).NotTo(HaveOccurred())
			Expect(job.ID).NotTo(BeEmpty())
			Expect(job.MaxAttempts).To(Equal(3))
			Expect(job.Backoff.Type).To(Equal(queue.BackoffExponential))
			Expect(job.State).To(Equal(queue.StateWaiting))

			payload, err := queue.Decode[queue.NotificationPayload](job)
			Expect(err).NotTo(HaveOccurred())
			Expect(payload.To).To(Equal("a@example.com"))
		})

		It("rejects queues outside the configured set", func() {
			_, err := registry.Enqueue(ctx, "marketing", queue.JobSendEmail, nil)
			Expect(errors.Is(err, internal.ErrUnknownQueue)).To(BeTrue())
		})

		It("can delay a job", func() {
			job, err := registry.Enqueue(ctx, queue.QueueInventory, queue.JobAdjustStock, queue.InventoryPayload{ProductID: "p1", Quantity: 1, Operation: "decrement"}, queue.WithDelay(time.Minute))
			Expect(err).NotTo(HaveOccurred())
			Expect(job.State).To(Equal(queue.StateDelayed))
		})
	})

	Describe("retry with fixed backoff", func() {
		It("succeeds on the third attempt after two 3000ms waits", func() {
			// Given a handler that fails twice
			var calls int32
			Expect(registry.Register(queue.QueueInventory, queue.JobAdjustStock, func(ctx context.Context, job *queue.Job) error {
				if atomic.AddInt32(&calls, 1) < 3 {
					return errors.New("stock service unavailable")
				}
				return nil
			})).To(Succeed())
			job, err := registry.Enqueue(ctx, queue.QueueInventory, queue.JobAdjustStock, queue.InventoryPayload{ProductID: "p1", Quantity: 2, Operation: "decrement"})
			Expect(err).NotTo(HaveOccurred())

			// When the first attempt fails
			ran, err := registry.RunOnce(ctx, queue.QueueInventory)
			Expect(err).NotTo(HaveOccurred())
			Expect(ran).To(BeTrue())

			// Then the job waits exactly 3000ms
			stored, _ := broker.Get(ctx, job.ID)
			Expect(stored.State).To(Equal(queue.StateDelayed))
			Expect(stored.Attempts).To(Equal(1))
			Expect(stored.AvailableAt.Sub(clock.Now())).To(Equal(3000 * time.Millisecond))

			ran, _ = registry.RunOnce(ctx, queue.QueueInventory)
			Expect(ran).To(BeFalse())

			clock.Advance(3000 * time.Millisecond)
			ran, _ = registry.RunOnce(ctx, queue.QueueInventory)
			Expect(ran).To(BeTrue())
			stored, _ = broker.Get(ctx, job.ID)
			Expect(stored.State).To(Equal(queue.StateDelayed))
			Expect(stored.Attempts).To(Equal(2))

			clock.Advance(3000 * time.Millisecond)
			ran, _ = registry.RunOnce(ctx, queue.QueueInventory)
			Expect(ran).To(BeTrue())

			stored, _ = broker.Get(ctx, job.ID)
			Expect(stored.State).To(Equal(queue.StateCompleted))
			Expect(stored.Attempts).To(Equal(3))
			Expect(atomic.LoadInt32(&calls)).To(Equal(int32(3)))
		})

		It("parks the job as failed once attempts are exhausted", func() {
			Expect(registry.Register(queue.QueueInventory, queue.JobAdjustStock, func(ctx context.Context, job *queue.Job) error {
				return errors.New("product does not exist")
			})).To(Succeed())
			job, _ := registry.Enqueue(ctx, queue.QueueInventory, queue.JobAdjustStock, queue.InventoryPayload{ProductID: "gone"})

			for i := 0; i < 3; i++ {
				ran, err := registry.RunOnce(ctx, queue.QueueInventory)
				Expect(err).NotTo(HaveOccurred())
				Expect(ran).To(BeTrue())
				clock.Advance(3 * time.Second)
			}

			stored, _ := broker.Get(ctx, job.ID)
			Expect(stored.State).To(Equal(queue.StateFailed))
			Expect(stored.Attempts).To(Equal(3))
			Expect(stored.LastError).To(Equal("product does not exist"))

			ran, _ := registry.RunOnce(ctx, queue.QueueInventory)
			Expect(ran).To(BeFalse())
		})
	})

	It("uses exponential backoff per attempt", func() {
		Expect(registry.Register(queue.QueueNotification, queue.JobSendEmail, func(ctx context.Context, job *queue.Job) error {
			return errors.New("smtp down")
		})).To(Succeed())
		job, _ := registry.Enqueue(ctx, queue.QueueNotification, queue.JobSendEmail, queue.NotificationPayload{})

		registry.RunOnce(ctx, queue.QueueNotification)
		stored, _ := broker.Get(ctx, job.ID)
		Expect(stored.AvailableAt.Sub(clock.Now())).To(Equal(2 * time.Second))

		clock.Advance(2 * time.Second)
		registry.RunOnce(ctx, queue.QueueNotification)
		stored, _ = broker.Get(ctx, job.ID)
		Expect(stored.AvailableAt.Sub(clock.Now())).To(Equal(4 * time.Second))
	})

	It("fails jobs with no registered handler immediately", func() {
		job, _ := registry.Enqueue(ctx, queue.QueueInventory, "recount_warehouse", nil)

		ran, err := registry.RunOnce(ctx, queue.QueueInventory)
		Expect(err).NotTo(HaveOccurred())
		Expect(ran).To(BeTrue())

		stored, _ := broker.Get(ctx, job.ID)
		Expect(stored.State).To(Equal(queue.StateFailed))
		Expect(stored.Attempts).To(Equal(1))
		Expect(stored.LastError).To(ContainSubstring("unknown job type"))
	})

	It("treats a handler panic as a failed attempt", func() {
		Expect(registry.Register(queue.QueueInventory, queue.JobAdjustStock, func(ctx context.Context, job *queue.Job) error {
			panic("nil product")
		})).To(Succeed())
		job, _ := registry.Enqueue(ctx, queue.QueueInventory, queue.JobAdjustStock, queue.InventoryPayload{})

		ran, err := registry.RunOnce(ctx, queue.QueueInventory)
		Expect(err).NotTo(HaveOccurred())
		Expect(ran).To(BeTrue())

		stored, _ := broker.Get(ctx, job.ID)
		Expect(stored.State).To(Equal(queue.StateDelayed))
		Expect(stored.LastError).To(ContainSubstring("nil product"))
	})
})

var _ = Describe("Worker pools", func() {
	var (
		ctx      context.Context
		broker   *queue.MemoryBroker
		registry *queue.Registry
	)

	BeforeEach(func() {
		ctx = context.Background()
		broker = queue.NewMemoryBroker()
		policies := map[string]queue.Policy{
			queue.QueueOrder: {
				Attempts:         2,
				Backoff:          queue.Backoff{Type: queue.BackoffFixed, Delay: 10 * time.Millisecond},
				Concurrency:      3,
				LeaseDuration:    time.Minute,
				StalledInterval:  50 * time.Millisecond,
				RemoveOnComplete: 100,
			},
		}
		registry = queue.NewRegistry(broker, policies, testLogger, queue.WithPollInterval(5*time.Millisecond))
	})

	It("processes enqueued jobs and retries transient failures", func() {
		var processed, failedOnce int32
		Expect(registry.Register(queue.QueueOrder, queue.JobUpdateOrderStatus, func(ctx context.Context, job *queue.Job) error {
			payload, err := queue.Decode[queue.OrderPayload](job)
			if err != nil {
				return err
			}
			if payload.OrderID == "flaky" && atomic.CompareAndSwapInt32(&failedOnce, 0, 1) {
				return errors.New("transient")
			}
			atomic.AddInt32(&processed, 1)
			return nil
		})).To(Succeed())
		Expect(registry.Start(ctx)).To(Succeed())

		for _, id := range []string{"o1", "o2", "o3", "flaky"} {
			_, err := registry.Enqueue(ctx, queue.QueueOrder, queue.JobUpdateOrderStatus, queue.OrderPayload{OrderID: id, Status: "confirmed"})
			Expect(err).NotTo(HaveOccurred())
		}

		Eventually(func() int32 { return atomic.LoadInt32(&processed) }, 2*time.Second, 10*time.Millisecond).Should(Equal(int32(4)))

		completed, err := broker.List(ctx, queue.QueueOrder, queue.StateCompleted, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(completed).To(HaveLen(4))

		shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		Expect(registry.Shutdown(shutdownCtx)).To(Succeed())
	})

	It("returns interrupted jobs to waiting when shutdown runs out of time", func() {
		started := make(chan struct{})
		Expect(registry.Register(queue.QueueOrder, queue.JobUpdateOrderStatus, func(ctx context.Context, job *queue.Job) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})).To(Succeed())
		Expect(registry.Start(ctx)).To(Succeed())

		job, err := registry.Enqueue(ctx, queue.QueueOrder, queue.JobUpdateOrderStatus, queue.OrderPayload{OrderID: "o1"})
		Expect(err).NotTo(HaveOccurred())
		Eventually(started, time.Second).Should(BeClosed())

		shutdownCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		Expect(registry.Shutdown(shutdownCtx)).To(Succeed())

		stored, err := broker.Get(ctx, job.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.State).To(Equal(queue.StateWaiting))
		Expect(stored.Attempts).To(Equal(0))
		Expect(stored.Owner).To(BeEmpty())
	})
})
