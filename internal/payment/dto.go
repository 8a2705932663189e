package payment

import (
	"time"

	"github.com/shopspring/decimal"

	errors "github.com/frahmantamala/storefront-payments/internal"
	"github.com/frahmantamala/storefront-payments/internal/core/common/validation"
	"github.com/frahmantamala/storefront-payments/internal/core/datamodel/payment"
)

const (
	CallbackStatusSuccess = "success"
	CallbackStatusIgnored = "ignored"
	CallbackStatusError   = "error"
)

type InitiateRequest struct {
	OrderID     string `json:"orderId"`
	PhoneNumber string `json:"phoneNumber"`
}

func (r *InitiateRequest) Validate() *errors.AppError {
	v := validation.NewValidator()
	v.Field("orderId", r.OrderID).Required()
	v.Field("phoneNumber", r.PhoneNumber).Required().Phone()
	return v.Validate()
}

type InitiateResult struct {
	PaymentID         string `json:"paymentId"`
	PaymentNumber     string `json:"paymentNumber"`
	CheckoutRequestID string `json:"checkoutRequestID"`
	MerchantRequestID string `json:"merchantRequestID"`
	CustomerMessage   string `json:"customerMessage,omitempty"`
}

type RefundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

func (r *RefundRequest) Validate() *errors.AppError {
	v := validation.NewValidator()
	v.Field("amount", r.Amount).Required().Positive()
	v.Field("reason", r.Reason).Required().MaxLength(255)
	return v.Validate()
}

// CallbackAck is the body returned to the gateway for callback and timeout
// notices. The gateway always receives HTTP 200.
type CallbackAck struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type RefundView struct {
	ID        string          `json:"id"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
}

type PaymentView struct {
	ID                string           `json:"id"`
	PaymentNumber     string           `json:"paymentNumber"`
	OrderID           string           `json:"orderId"`
	Status            payment.Status   `json:"status"`
	Amount            decimal.Decimal  `json:"amount"`
	ActualAmount      *decimal.Decimal `json:"actualAmount,omitempty"`
	Currency          string           `json:"currency"`
	Method            string           `json:"method"`
	CheckoutRequestID *string          `json:"checkoutRequestID,omitempty"`
	ReceiptNumber     *string          `json:"receiptNumber,omitempty"`
	FailureCode       *string          `json:"failureCode,omitempty"`
	FailureReason     *string          `json:"failureReason,omitempty"`
	Attempts          int              `json:"attempts"`
	MaxAttempts       int              `json:"maxAttempts"`
	Refunds           []RefundView     `json:"refunds,omitempty"`
	PaidAt            *time.Time       `json:"paidAt,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}

func NewPaymentView(p *payment.Payment) *PaymentView {
	view := &PaymentView{
		ID:                p.ID,
		PaymentNumber:     p.PaymentNumber,
		OrderID:           p.OrderID,
		Status:            p.Status,
		Amount:            p.Amount,
		Currency:          p.Currency,
		Method:            p.Method,
		CheckoutRequestID: p.CheckoutRequestID,
		ReceiptNumber:     p.ReceiptNumber,
		FailureCode:       p.FailureCode,
		FailureReason:     p.FailureReason,
		Attempts:          p.Attempts,
		MaxAttempts:       p.MaxAttempts,
		PaidAt:            p.PaidAt,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
	if p.ActualAmount.Valid {
		amount := p.ActualAmount.Decimal
		view.ActualAmount = &amount
	}
	for _, r := range p.Refunds {
		view.Refunds = append(view.Refunds, RefundView{
			ID:        r.ID,
			Amount:    r.Amount,
			Reason:    r.Reason,
			Status:    r.Status,
			CreatedAt: r.CreatedAt,
		})
	}
	return view
}
