package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/frahmantamala/storefront-payments/internal/core/datamodel/inventory"
	"github.com/frahmantamala/storefront-payments/internal/queue"
)

var (
	ErrProductNotFound   = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
)

type StoreAPI interface {
	// Apply records adj and changes stock in one transaction. applied is
	// false when adj.JobID was already recorded.
	Apply(ctx context.Context, adj inventory.Adjustment) (applied bool, err error)
}

type JobHandler struct {
	store  StoreAPI
	logger *slog.Logger
}

func NewJobHandler(store StoreAPI, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		store:  store,
		logger: logger,
	}
}

func (h *JobHandler) HandleAdjustStock(ctx context.Context, job *queue.Job) error {
	payload, err := queue.Decode[queue.InventoryPayload](job)
	if err != nil {
		return err
	}
	if err := validate(payload); err != nil {
		return err
	}

	applied, err := h.store.Apply(ctx, inventory.Adjustment{
		JobID:     job.ID,
		ProductID: payload.ProductID,
		OrderID:   payload.OrderID,
		Operation: payload.Operation,
		Quantity:  payload.Quantity,
	})
	if err != nil {
		h.logger.Error("adjust_stock failed",
			"job_id", job.ID,
			"product_id", payload.ProductID,
			"operation", payload.Operation,
			"error", err)
		return err
	}
	if !applied {
		h.logger.Info("adjust_stock already applied", "job_id", job.ID, "product_id", payload.ProductID)
		return nil
	}

	h.logger.Info("stock adjusted",
		"job_id", job.ID,
		"product_id", payload.ProductID,
		"operation", payload.Operation,
		"quantity", payload.Quantity)
	return nil
}

func validate(p queue.InventoryPayload) error {
	if p.ProductID == "" {
		return errors.New("productId is required")
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %d", p.Quantity)
	}
	switch p.Operation {
	case queue.StockReserve, queue.StockRelease, queue.StockDecrement, queue.StockIncrement:
		return nil
	}
	return fmt.Errorf("unknown stock operation %q", p.Operation)
}

func (h *JobHandler) Register(registry *queue.Registry) error {
	return registry.Register(queue.QueueInventory, queue.JobAdjustStock, h.HandleAdjustStock)
}
