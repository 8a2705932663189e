package order

import (
	"context"
	"log/slog"

	"github.com/frahmantamala/storefront-payments/internal/core/datamodel/order"
	"github.com/frahmantamala/storefront-payments/internal/queue"
)

type RepositoryAPI interface {
	GetByID(ctx context.Context, id string) (*order.Order, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, jobType string, payload interface{}, opts ...queue.EnqueueOption) (*queue.Job, error)
}

// JobHandler runs update_order_status jobs. It reads orders and fans out
// customer notifications; it never writes to the order store.
type JobHandler struct {
	orders RepositoryAPI
	jobs   Enqueuer
	logger *slog.Logger
}

func NewJobHandler(orders RepositoryAPI, jobs Enqueuer, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		orders: orders,
		jobs:   jobs,
		logger: logger,
	}
}

func (h *JobHandler) HandleUpdateOrderStatus(ctx context.Context, job *queue.Job) error {
	payload, err := queue.Decode[queue.OrderPayload](job)
	if err != nil {
		return err
	}

	o, err := h.orders.GetByID(ctx, payload.OrderID)
	if err != nil {
		h.logger.Error("order status job: failed to load order", "order_id", payload.OrderID, "job_id", job.ID, "error", err)
		return err
	}

	if payload.Status != "" && payload.Status != o.Status {
		h.logger.Warn("order status job: status differs from stored order",
			"order_id", o.ID,
			"job_status", payload.Status,
			"order_status", o.Status)
	}

	h.logger.Info("order status processed", "order_id", o.ID, "status", o.Status, "payment_status", o.PaymentStatus, "notify", payload.Notify)

	if !payload.Notify || o.CustomerEmail == "" {
		return nil
	}

	_, err = h.jobs.Enqueue(ctx, queue.QueueNotification, queue.JobSendEmail, queue.NotificationPayload{
		To:       o.CustomerEmail,
		Template: queue.TemplateOrderStatus,
		Data: map[string]interface{}{
			"orderNumber":   o.OrderNumber,
			"status":        o.Status,
			"paymentStatus": o.PaymentStatus,
		},
	})
	return err
}

func (h *JobHandler) Register(registry *queue.Registry) error {
	return registry.Register(queue.QueueOrder, queue.JobUpdateOrderStatus, h.HandleUpdateOrderStatus)
}
