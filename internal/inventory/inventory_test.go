package inventory_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/storefront-payments/internal/core/datamodel/inventory"
	inventorypkg "github.com/frahmantamala/storefront-payments/internal/inventory"
	"github.com/frahmantamala/storefront-payments/internal/queue"
)

type fakeStore struct {
	seen    map[string]bool
	applied []inventory.Adjustment
	err     error
}

func (f *fakeStore) Apply(ctx context.Context, adj inventory.Adjustment) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.seen[adj.JobID] {
		return false, nil
	}
	f.seen[adj.JobID] = true
	f.applied = append(f.applied, adj)
	return true, nil
}

var _ = Describe("JobHandler", func() {
	var (
		ctx      context.Context
		broker   *queue.MemoryBroker
		registry *queue.Registry
		store    *fakeStore
	)

	BeforeEach(func() {
		ctx = context.Background()
		broker = queue.NewMemoryBroker()
		registry = queue.NewRegistry(broker, queue.DefaultPolicies(), testLogger)
		store = &fakeStore{seen: map[string]bool{}}
		Expect(inventorypkg.NewJobHandler(store, testLogger).Register(registry)).To(Succeed())
	})

	It("records the adjustment under the job id", func() {
		job, err := registry.Enqueue(ctx, queue.QueueInventory, queue.JobAdjustStock, queue.InventoryPayload{
			ProductID: "prod-1", Quantity: 2, Operation: queue.StockDecrement, OrderID: "order-1",
		})
		Expect(err).ToNot(HaveOccurred())

		_, err = registry.RunOnce(ctx, queue.QueueInventory)

		Expect(err).ToNot(HaveOccurred())
		Expect(store.applied).To(HaveLen(1))
		Expect(store.applied[0].JobID).To(Equal(job.ID))
		Expect(store.applied[0].OrderID).To(Equal("order-1"))
	})

	DescribeTable("rejects malformed payloads",
		func(payload queue.InventoryPayload) {
			job, err := registry.Enqueue(ctx, queue.QueueInventory, queue.JobAdjustStock, payload)
			Expect(err).ToNot(HaveOccurred())

			_, err = registry.RunOnce(ctx, queue.QueueInventory)

			Expect(err).ToNot(HaveOccurred())
			Expect(store.applied).To(BeEmpty())
			stored, err := broker.Get(ctx, job.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.State).To(Equal(queue.StateDelayed))
		},
		Entry("missing product", queue.InventoryPayload{Quantity: 1, Operation: queue.StockIncrement}),
		Entry("zero quantity", queue.InventoryPayload{ProductID: "p", Operation: queue.StockIncrement}),
		Entry("unknown operation", queue.InventoryPayload{ProductID: "p", Quantity: 1, Operation: "teleport"}),
	)

	It("surfaces store errors so the job is retried", func() {
		store.err = inventorypkg.ErrInsufficientStock
		raw := []byte(`{"productId":"prod-1","quantity":5,"operation":"reserve"}`)

		err := inventorypkg.NewJobHandler(store, testLogger).HandleAdjustStock(ctx, &queue.Job{ID: "j1", Payload: raw})

		Expect(errors.Is(err, inventorypkg.ErrInsufficientStock)).To(BeTrue())
	})
})
