package payment

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	errors "github.com/frahmantamala/storefront-payments/internal"
	"github.com/frahmantamala/storefront-payments/internal/core/datamodel/mpesa"
	"github.com/frahmantamala/storefront-payments/internal/core/datamodel/order"
	"github.com/frahmantamala/storefront-payments/internal/core/datamodel/payment"
	"github.com/frahmantamala/storefront-payments/internal/core/events"
	"github.com/frahmantamala/storefront-payments/internal/queue"
)

// RepositoryAPI is the payment ledger store. Transition is a conditional
// single-document update; it returns the current document and whether the
// update applied.
type RepositoryAPI interface {
	Create(ctx context.Context, p *payment.Payment) error
	GetByID(ctx context.Context, id string) (*payment.Payment, error)
	GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*payment.Payment, error)
	FindActiveByOrderID(ctx context.Context, orderID string) (*payment.Payment, error)
	Transition(ctx context.Context, update payment.StatusUpdate) (*payment.Payment, bool, error)
	Save(ctx context.Context, p *payment.Payment, expectedVersion int) error
	ListStale(ctx context.Context, statuses []payment.Status, before time.Time, limit int) ([]*payment.Payment, error)
	// ListPendingSideEffects returns paid payments whose completion jobs were
	// not all enqueued, last touched before the cutoff.
	ListPendingSideEffects(ctx context.Context, before time.Time, limit int) ([]*payment.Payment, error)
	// ClearSideEffects drops the marker and bumps the version.
	ClearSideEffects(ctx context.Context, id string) error
}

// OrderRepositoryAPI is the narrow view of the order store this package needs.
type OrderRepositoryAPI interface {
	GetByID(ctx context.Context, id string) (*order.Order, error)
	UpdatePaymentMirror(ctx context.Context, orderID string, mirror order.PaymentMirror) error
	// ConfirmPayment marks the order paid and appends entry. applied is false
	// when the order was already paid.
	ConfirmPayment(ctx context.Context, orderID string, mirror order.PaymentMirror, entry order.StatusHistoryEntry) (*order.Order, bool, error)
}

type GatewayAPI interface {
	Push(ctx context.Context, req mpesa.PushRequest) (*mpesa.PushResult, error)
	Query(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResult, error)
	ParseCallback(raw []byte) *mpesa.CallbackResult
	ParseTimeout(raw []byte) *mpesa.TimeoutNotice
}

// EventPublisher delivers an event to every subscriber before returning.
type EventPublisher interface {
	PublishSync(ctx context.Context, event events.Event) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, jobType string, payload interface{}, opts ...queue.EnqueueOption) (*queue.Job, error)
}

// RefundExecutor moves money back to the customer. It returns the processor
// reference recorded on the refund.
type RefundExecutor interface {
	Refund(ctx context.Context, p *payment.Payment, amount decimal.Decimal, reason string) (string, error)
}

type noopRefundExecutor struct{}

func (noopRefundExecutor) Refund(context.Context, *payment.Payment, decimal.Decimal, string) (string, error) {
	return "manual", nil
}

var transitions = map[payment.Status][]payment.Status{
	payment.StatusPending: {
		payment.StatusProcessing,
		payment.StatusFailed,
		payment.StatusCancelled,
		payment.StatusExpired,
	},
	payment.StatusProcessing: {
		payment.StatusCompleted,
		payment.StatusFailed,
		payment.StatusCancelled,
		payment.StatusTimeout,
		payment.StatusExpired,
	},
	payment.StatusCompleted:     {payment.StatusRefunded, payment.StatusPartialRefund},
	payment.StatusPartialRefund: {payment.StatusRefunded, payment.StatusPartialRefund},
	// failed -> pending is only reachable through Retry.
	payment.StatusFailed: {payment.StatusPending},
}

func CanTransition(from, to payment.Status) bool {
	return slices.Contains(transitions[from], to)
}

// ValidateUpdate rejects a conditional update that would follow an edge the
// transition table does not allow from any of its expected statuses.
func ValidateUpdate(u payment.StatusUpdate) error {
	if len(u.From) == 0 {
		return errors.ErrInvalidTransition.WithCause(fmt.Errorf("no expected status for -> %s", u.To))
	}
	for _, from := range u.From {
		if !CanTransition(from, u.To) {
			return errors.ErrInvalidTransition.WithCause(fmt.Errorf("%s -> %s", from, u.To))
		}
	}
	return nil
}

// IsActive reports whether a payment still waits for a gateway outcome.
func IsActive(s payment.Status) bool {
	return s == payment.StatusPending || s == payment.StatusProcessing
}

// IsPaid reports whether the payment captured money, refunded or not.
func IsPaid(s payment.Status) bool {
	return s == payment.StatusCompleted || s == payment.StatusRefunded || s == payment.StatusPartialRefund
}

// ApplyTransition moves p to status to, stamping lifecycle timestamps that
// are still unset.
func ApplyTransition(p *payment.Payment, to payment.Status, now time.Time) error {
	if !CanTransition(p.Status, to) {
		return errors.ErrInvalidTransition.WithCause(fmt.Errorf("%s -> %s", p.Status, to))
	}
	p.Status = to
	stampTimestamps(p, to, now)
	p.UpdatedAt = now
	return nil
}

// ApplyUpdate applies a conditional update to an in-memory document the same
// way the stores do. It returns false, leaving p untouched, when p.Status is
// not one of u.From or the lifecycle table has no edge to u.To.
func ApplyUpdate(p *payment.Payment, u payment.StatusUpdate) bool {
	if !slices.Contains(u.From, p.Status) || !CanTransition(p.Status, u.To) {
		return false
	}
	p.Status = u.To
	stampTimestamps(p, u.To, u.At)
	if u.NewCheckoutRequestID != nil {
		p.CheckoutRequestID = u.NewCheckoutRequestID
	}
	if u.NewMerchantRequestID != nil {
		p.MerchantRequestID = u.NewMerchantRequestID
	}
	if u.ReceiptNumber != nil {
		p.ReceiptNumber = u.ReceiptNumber
	}
	if u.PhoneNumber != nil {
		p.PhoneNumber = u.PhoneNumber
	}
	if u.ActualAmount != nil {
		p.ActualAmount = decimal.NewNullDecimal(*u.ActualAmount)
	}
	if u.FailureCode != nil {
		p.FailureCode = u.FailureCode
	}
	if u.FailureMessage != nil {
		p.FailureMessage = u.FailureMessage
	}
	if u.FailureReason != nil {
		p.FailureReason = u.FailureReason
	}
	if u.GatewayResponse != nil {
		p.GatewayResponse = *u.GatewayResponse
	}
	if u.SideEffectsPending != nil {
		p.SideEffectsPending = *u.SideEffectsPending
	}
	p.Version++
	p.UpdatedAt = u.At
	return true
}

func stampTimestamps(p *payment.Payment, status payment.Status, now time.Time) {
	at := now
	for _, col := range payment.TimestampColumns(status) {
		var field **time.Time
		switch col {
		case "initiated_at":
			field = &p.InitiatedAt
		case "authorized_at":
			field = &p.AuthorizedAt
		case "captured_at":
			field = &p.CapturedAt
		case "paid_at":
			field = &p.PaidAt
		case "failed_at":
			field = &p.FailedAt
		case "cancelled_at":
			field = &p.CancelledAt
		case "expired_at":
			field = &p.ExpiredAt
		default:
			continue
		}
		if *field == nil {
			*field = &at
		}
	}
}

// Retry re-arms a failed payment for a new push. The superseded gateway
// correlation ids are dropped.
func Retry(p *payment.Payment, now time.Time) error {
	if p.Status != payment.StatusFailed {
		return errors.ErrInvalidTransition.WithCause(fmt.Errorf("cannot retry a %s payment", p.Status))
	}
	if p.Attempts >= p.MaxAttempts {
		return errors.ErrRetryExhausted.WithCause(fmt.Errorf("%d of %d attempts used", p.Attempts, p.MaxAttempts))
	}

	p.Attempts++
	p.Status = payment.StatusPending
	p.FailureCode = nil
	p.FailureMessage = nil
	p.FailureReason = nil
	p.NextRetryAt = nil
	p.CheckoutRequestID = nil
	p.MerchantRequestID = nil
	p.UpdatedAt = now
	return nil
}

// Refundable is the captured amount not yet returned to the customer or
// reserved by a refund still in flight.
func Refundable(p *payment.Payment) decimal.Decimal {
	if !p.ActualAmount.Valid {
		return decimal.Zero
	}
	return p.ActualAmount.Decimal.Sub(p.Refunds.ReservedTotal())
}

// ReserveRefund appends a pending refund that holds amount against the
// refundable balance. The payment status only changes when it settles.
func ReserveRefund(p *payment.Payment, amount decimal.Decimal, reason string, now time.Time) (*payment.Refund, error) {
	if p.Status != payment.StatusCompleted && p.Status != payment.StatusPartialRefund {
		return nil, errors.ErrInvalidTransition.WithCause(fmt.Errorf("cannot refund a %s payment", p.Status))
	}
	if !amount.IsPositive() {
		return nil, errors.NewValidationFieldError("amount", "amount must be greater than zero", errors.ErrCodeInvalidAmount)
	}
	if remaining := Refundable(p); amount.GreaterThan(remaining) {
		return nil, errors.ErrRefundExceedsBalance.WithCause(fmt.Errorf("requested %s, refundable %s", amount, remaining))
	}

	refund := payment.Refund{
		ID:        uuid.NewString(),
		Amount:    amount,
		Reason:    reason,
		Status:    payment.RefundPending,
		CreatedAt: now,
	}
	p.Refunds = append(p.Refunds, refund)
	p.UpdatedAt = now
	return &refund, nil
}

// SettleRefund records the executor outcome for a pending refund. A completed
// refund moves the payment to refunded once nothing is left, otherwise to
// partial_refund; a failed one releases its reservation.
func SettleRefund(p *payment.Payment, refundID, processor string, succeeded bool, now time.Time) (*payment.Refund, error) {
	i := slices.IndexFunc(p.Refunds, func(r payment.Refund) bool { return r.ID == refundID })
	if i < 0 {
		return nil, errors.ErrInvalidTransition.WithCause(fmt.Errorf("refund %s not found", refundID))
	}
	if p.Refunds[i].Status != payment.RefundPending {
		return nil, errors.ErrInvalidTransition.WithCause(fmt.Errorf("refund %s is %s", refundID, p.Refunds[i].Status))
	}

	p.Refunds[i].Processor = processor
	p.UpdatedAt = now
	if !succeeded {
		p.Refunds[i].Status = payment.RefundFailed
		return &p.Refunds[i], nil
	}

	p.Refunds[i].Status = payment.RefundCompleted
	next := payment.StatusPartialRefund
	if p.Refunds.CompletedTotal().GreaterThanOrEqual(p.ActualAmount.Decimal) {
		next = payment.StatusRefunded
	}
	if err := ApplyTransition(p, next, now); err != nil {
		p.Refunds[i].Status = payment.RefundPending
		return nil, err
	}
	refund := p.Refunds[i]
	return &refund, nil
}

// NewPaymentNumber formats PAY-YYYYMMDD-XXXXXXXX.
func NewPaymentNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("PAY-%s-%s", now.Format("20060102"), suffix)
}

// NewPayment builds the pending M-Pesa payment for an order.
func NewPayment(o *order.Order, phone, currency string, maxAttempts int, now time.Time) *payment.Payment {
	if currency == "" {
		currency = o.Currency
	}
	at := now
	return &payment.Payment{
		ID:            uuid.NewString(),
		PaymentNumber: NewPaymentNumber(now),
		OrderID:       o.ID,
		CustomerID:    o.CustomerID,
		Amount:        o.Total,
		Currency:      currency,
		FeeTotal:      decimal.Zero,
		Method:        payment.MethodMpesa,
		Gateway:       payment.GatewaySafaricom,
		RequestPhone:  phone,
		Status:        payment.StatusPending,
		InitiatedAt:   &at,
		Attempts:      1,
		MaxAttempts:   maxAttempts,
		RiskLevel:     payment.RiskLow,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func clonePayment(p *payment.Payment) *payment.Payment {
	cp := *p
	cp.Refunds = slices.Clone(p.Refunds)
	return &cp
}
