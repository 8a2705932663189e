package payment

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/frahmantamala/storefront-payments/internal/core/events"
	"github.com/frahmantamala/storefront-payments/internal/queue"
)

// EventHandler turns payment domain events into queued side-effect jobs.
type EventHandler struct {
	jobs   Enqueuer
	logger *slog.Logger
}

func NewEventHandler(jobs Enqueuer, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		jobs:   jobs,
		logger: logger,
	}
}

func (h *EventHandler) HandlePaymentCompleted(ctx context.Context, event events.Event) error {
	completed, ok := event.(*events.PaymentCompletedEvent)
	if !ok {
		h.logger.Error("invalid event type for payment completed handler", "event_type", event.EventType())
		return fmt.Errorf("expected PaymentCompletedEvent, got %T", event)
	}

	h.logger.Info("handling payment completed event",
		"payment_id", completed.PaymentID,
		"order_id", completed.OrderID,
		"event_id", completed.EventID())

	data := map[string]interface{}{
		"orderNumber":   completed.OrderNumber,
		"paymentNumber": completed.PaymentNumber,
		"amount":        completed.Amount,
		"currency":      completed.Currency,
		"receiptNumber": completed.ReceiptNumber,
		"paidAt":        completed.PaidAt,
	}

	var errs []error
	if completed.CustomerEmail != "" {
		errs = append(errs, h.enqueue(ctx, completed.PaymentID+"-confirmation-email", queue.QueueNotification, queue.JobSendEmail, queue.NotificationPayload{
			To:       completed.CustomerEmail,
			Template: queue.TemplatePaymentConfirmation,
			Data:     data,
		}))
	}
	if completed.CustomerPhone != "" {
		errs = append(errs, h.enqueue(ctx, completed.PaymentID+"-confirmation-sms", queue.QueueNotification, queue.JobSendSMS, queue.NotificationPayload{
			To:       completed.CustomerPhone,
			Template: queue.TemplatePaymentConfirmation,
			Data:     data,
		}))
	}
	errs = append(errs, h.enqueue(ctx, completed.PaymentID+"-order-status", queue.QueueOrder, queue.JobUpdateOrderStatus, queue.OrderPayload{
		OrderID: completed.OrderID,
		Status:  completed.OrderStatus,
	}))
	for _, item := range completed.Items {
		errs = append(errs, h.enqueue(ctx, completed.PaymentID+"-stock-"+item.ProductID, queue.QueueInventory, queue.JobAdjustStock, queue.InventoryPayload{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Operation: queue.StockDecrement,
			OrderID:   completed.OrderID,
		}))
	}
	return stderrors.Join(errs...)
}

func (h *EventHandler) HandlePaymentRefunded(ctx context.Context, event events.Event) error {
	refunded, ok := event.(*events.PaymentRefundedEvent)
	if !ok {
		return fmt.Errorf("expected PaymentRefundedEvent, got %T", event)
	}
	if refunded.CustomerEmail == "" {
		return nil
	}
	return h.enqueue(ctx, refunded.RefundID+"-refund-email", queue.QueueNotification, queue.JobSendEmail, queue.NotificationPayload{
		To:       refunded.CustomerEmail,
		Template: queue.TemplateRefund,
		Data: map[string]interface{}{
			"paymentId": refunded.PaymentID,
			"refundId":  refunded.RefundID,
			"amount":    refunded.Amount,
			"currency":  refunded.Currency,
			"status":    refunded.Status,
		},
	})
}

func (h *EventHandler) HandleReconciliationRequired(ctx context.Context, event events.Event) error {
	required, ok := event.(*events.ReconciliationRequiredEvent)
	if !ok {
		return fmt.Errorf("expected ReconciliationRequiredEvent, got %T", event)
	}

	h.logger.Warn("payment reconciliation required",
		"payment_id", required.PaymentID,
		"checkout_request_id", required.CheckoutRequestID,
		"reason", required.Reason)

	return h.enqueue(ctx, "", queue.QueueReconciliation, queue.JobReconcilePayment, queue.ReconcilePayload{
		PaymentID:         required.PaymentID,
		CheckoutRequestID: required.CheckoutRequestID,
		Reason:            required.Reason,
		RawCallback:       required.RawCallback,
	})
}

// enqueue stores one side-effect job. A non-empty id makes re-emitting the
// same event a no-op for jobs that already exist.
func (h *EventHandler) enqueue(ctx context.Context, id, queueName, jobType string, payload interface{}) error {
	var opts []queue.EnqueueOption
	if id != "" {
		opts = append(opts, queue.WithJobID(id))
	}
	job, err := h.jobs.Enqueue(ctx, queueName, jobType, payload, opts...)
	if stderrors.Is(err, queue.ErrDuplicate) {
		h.logger.Debug("side effect already enqueued", "queue", queueName, "job_type", jobType, "job_id", id)
		return nil
	}
	if err != nil {
		h.logger.Error("failed to enqueue side effect", "queue", queueName, "job_type", jobType, "error", err)
		return fmt.Errorf("enqueue %s/%s: %w", queueName, jobType, err)
	}
	h.logger.Debug("side effect enqueued", "queue", queueName, "job_type", jobType, "job_id", job.ID)
	return nil
}

func (h *EventHandler) RegisterEventHandlers(eventBus *events.EventBus) {
	eventBus.Subscribe(events.EventTypePaymentCompleted, h.HandlePaymentCompleted)
	eventBus.Subscribe(events.EventTypePaymentRefunded, h.HandlePaymentRefunded)
	eventBus.Subscribe(events.EventTypeReconciliationRequired, h.HandleReconciliationRequired)

	h.logger.Info("payment event handlers registered",
		"handlers", []string{
			events.EventTypePaymentCompleted,
			events.EventTypePaymentRefunded,
			events.EventTypeReconciliationRequired,
		})
}

// ReconcileJobHandler adapts Service.Reconcile to the queue handler signature.
func ReconcileJobHandler(svc *Service) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		payload, err := queue.Decode[queue.ReconcilePayload](job)
		if err != nil {
			return err
		}
		return svc.Reconcile(ctx, payload)
	}
}
