package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypePaymentCompleted       = "payment.completed"
	EventTypePaymentFailed          = "payment.failed"
	EventTypePaymentRefunded        = "payment.refunded"
	EventTypeReconciliationRequired = "payment.reconciliation_required"
)

type LineItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type PaymentCompletedEvent struct {
	BaseEvent
	PaymentID     string     `json:"payment_id"`
	PaymentNumber string     `json:"payment_number"`
	OrderID       string     `json:"order_id"`
	OrderNumber   string     `json:"order_number"`
	OrderStatus   string     `json:"order_status"`
	CustomerID    string     `json:"customer_id"`
	CustomerEmail string     `json:"customer_email"`
	CustomerPhone string     `json:"customer_phone"`
	Amount        string     `json:"amount"`
	Currency      string     `json:"currency"`
	ReceiptNumber string     `json:"receipt_number"`
	PaidAt        time.Time  `json:"paid_at"`
	Items         []LineItem `json:"items"`
}

func NewPaymentCompletedEvent(e PaymentCompletedEvent) *PaymentCompletedEvent {
	e.BaseEvent = BaseEvent{
		ID:        uuid.New().String(),
		Type:      EventTypePaymentCompleted,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"payment_id":     e.PaymentID,
			"order_id":       e.OrderID,
			"amount":         e.Amount,
			"currency":       e.Currency,
			"receipt_number": e.ReceiptNumber,
		},
	}
	return &e
}

type PaymentFailedEvent struct {
	BaseEvent
	PaymentID     string `json:"payment_id"`
	OrderID       string `json:"order_id"`
	Status        string `json:"status"`
	FailureCode   string `json:"failure_code"`
	FailureReason string `json:"failure_reason"`
	Attempts      int    `json:"attempts"`
	MaxAttempts   int    `json:"max_attempts"`
}

func NewPaymentFailedEvent(paymentID, orderID, status, failureCode, failureReason string, attempts, maxAttempts int) *PaymentFailedEvent {
	return &PaymentFailedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentFailed,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_id":     paymentID,
				"order_id":       orderID,
				"status":         status,
				"failure_code":   failureCode,
				"failure_reason": failureReason,
			},
		},
		PaymentID:     paymentID,
		OrderID:       orderID,
		Status:        status,
		FailureCode:   failureCode,
		FailureReason: failureReason,
		Attempts:      attempts,
		MaxAttempts:   maxAttempts,
	}
}

type PaymentRefundedEvent struct {
	BaseEvent
	PaymentID     string `json:"payment_id"`
	OrderID       string `json:"order_id"`
	CustomerEmail string `json:"customer_email"`
	RefundID      string `json:"refund_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
}

func NewPaymentRefundedEvent(paymentID, orderID, customerEmail, refundID, amount, currency, status string) *PaymentRefundedEvent {
	return &PaymentRefundedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentRefunded,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_id": paymentID,
				"refund_id":  refundID,
				"amount":     amount,
				"status":     status,
			},
		},
		PaymentID:     paymentID,
		OrderID:       orderID,
		CustomerEmail: customerEmail,
		RefundID:      refundID,
		Amount:        amount,
		Currency:      currency,
		Status:        status,
	}
}

// ReconciliationRequiredEvent signals a gateway outcome that could not be applied.
type ReconciliationRequiredEvent struct {
	BaseEvent
	PaymentID         string `json:"payment_id"`
	CheckoutRequestID string `json:"checkout_request_id"`
	Reason            string `json:"reason"`
	RawCallback       []byte `json:"raw_callback,omitempty"`
}

func NewReconciliationRequiredEvent(paymentID, checkoutRequestID, reason string, raw []byte) *ReconciliationRequiredEvent {
	return &ReconciliationRequiredEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeReconciliationRequired,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_id":          paymentID,
				"checkout_request_id": checkoutRequestID,
				"reason":              reason,
			},
		},
		PaymentID:         paymentID,
		CheckoutRequestID: checkoutRequestID,
		Reason:            reason,
		RawCallback:       raw,
	}
}
