package payment

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending       Status = "pending"
	StatusProcessing    Status = "processing"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
	StatusRefunded      Status = "refunded"
	StatusPartialRefund Status = "partial_refund"
	StatusTimeout       Status = "timeout"
	StatusExpired       Status = "expired"
)

const (
	MethodMpesa          = "mpesa"
	MethodCard           = "card"
	MethodBankTransfer   = "bank_transfer"
	MethodCashOnDelivery = "cash_on_delivery"
	MethodWallet         = "wallet"
	MethodAirtelMoney    = "airtel_money"
)

const GatewaySafaricom = "safaricom"

var Currencies = []string{"KES", "USD", "EUR", "GBP", "UGX", "TZS"}

const (
	RefundPending   = "pending"
	RefundCompleted = "completed"
	RefundFailed    = "failed"
)

const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

type Payment struct {
	ID            string `gorm:"column:id;primaryKey"`
	PaymentNumber string `gorm:"column:payment_number;not null;uniqueIndex"`
	OrderID       string `gorm:"column:order_id;not null;index"`
	CustomerID    string `gorm:"column:customer_id;not null;index"`

	Amount       decimal.Decimal     `gorm:"column:amount;type:decimal(14,2);not null"`
	ActualAmount decimal.NullDecimal `gorm:"column:actual_amount;type:decimal(14,2)"`
	Currency     string              `gorm:"column:currency;not null;default:KES"`
	Fees         Fees                `gorm:"column:fees;type:text"`
	FeeTotal     decimal.Decimal     `gorm:"column:fee_total;type:decimal(14,2);not null;default:0"`

	Method  string `gorm:"column:method;not null"`
	Gateway string `gorm:"column:gateway;not null"`

	CheckoutRequestID *string `gorm:"column:checkout_request_id;index"`
	MerchantRequestID *string `gorm:"column:merchant_request_id"`
	ReceiptNumber     *string `gorm:"column:receipt_number"`
	PhoneNumber       *string `gorm:"column:phone_number"`
	RequestPhone      string  `gorm:"column:request_phone"`

	Status Status `gorm:"column:status;not null;default:pending;index"`

	InitiatedAt  *time.Time `gorm:"column:initiated_at"`
	AuthorizedAt *time.Time `gorm:"column:authorized_at"`
	CapturedAt   *time.Time `gorm:"column:captured_at"`
	PaidAt       *time.Time `gorm:"column:paid_at"`
	FailedAt     *time.Time `gorm:"column:failed_at"`
	CancelledAt  *time.Time `gorm:"column:cancelled_at"`
	ExpiredAt    *time.Time `gorm:"column:expired_at"`

	FailureCode    *string `gorm:"column:failure_code"`
	FailureMessage *string `gorm:"column:failure_message"`
	FailureReason  *string `gorm:"column:failure_reason"`

	Refunds Refunds `gorm:"column:refunds;type:text"`

	Attempts    int        `gorm:"column:attempts;not null;default:1"`
	MaxAttempts int        `gorm:"column:max_attempts;not null;default:3"`
	NextRetryAt *time.Time `gorm:"column:next_retry_at"`

	RiskScore        int    `gorm:"column:risk_score;not null;default:0"`
	RiskLevel        string `gorm:"column:risk_level;not null;default:low"`
	FlaggedForReview bool   `gorm:"column:flagged_for_review;not null;default:false"`

	GatewayResponse string `gorm:"column:gateway_response;type:text"`

	// SideEffectsPending is set with the completed transition and cleared once
	// every completion job has been enqueued.
	SideEffectsPending bool `gorm:"column:side_effects_pending;not null;default:false"`

	Version   int       `gorm:"column:version;not null;default:1"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Payment) TableName() string {
	return "payments"
}

// Fees is stored as a JSON document alongside the payment row.
type Fees struct {
	Gateway    decimal.Decimal `json:"gateway"`
	Processing decimal.Decimal `json:"processing"`
	Tax        decimal.Decimal `json:"tax"`
}

func (f Fees) Total() decimal.Decimal {
	return f.Gateway.Add(f.Processing).Add(f.Tax)
}

func (f Fees) Value() (driver.Value, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (f *Fees) Scan(value interface{}) error {
	return scanJSON(value, f)
}

type Refund struct {
	ID        string          `json:"id"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
	Status    string          `json:"status"`
	Processor string          `json:"processor"`
	CreatedAt time.Time       `json:"createdAt"`
}

type Refunds []Refund

func (r Refunds) Value() (driver.Value, error) {
	if r == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]Refund(r))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r *Refunds) Scan(value interface{}) error {
	return scanJSON(value, r)
}

// CompletedTotal sums the refunds that returned money.
func (r Refunds) CompletedTotal() decimal.Decimal {
	return r.total(RefundCompleted)
}

// ReservedTotal sums completed refunds and those still pending, which both
// count against the captured amount.
func (r Refunds) ReservedTotal() decimal.Decimal {
	return r.total(RefundCompleted, RefundPending)
}

func (r Refunds) total(statuses ...string) decimal.Decimal {
	total := decimal.Zero
	for _, refund := range r {
		for _, s := range statuses {
			if refund.Status == s {
				total = total.Add(refund.Amount)
				break
			}
		}
	}
	return total
}

func scanJSON(value interface{}, dest interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dest)
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dest)
	default:
		return errors.New("unsupported JSON column type")
	}
}

// StatusUpdate is a conditional single-row transition. It applies only when the
// current status is one of From; timestamps are written first-write-wins.
type StatusUpdate struct {
	PaymentID         string
	CheckoutRequestID string
	From              []Status
	To                Status
	At                time.Time

	NewCheckoutRequestID *string
	NewMerchantRequestID *string
	ReceiptNumber        *string
	PhoneNumber          *string
	ActualAmount         *decimal.Decimal
	FailureCode          *string
	FailureMessage       *string
	FailureReason        *string
	GatewayResponse      *string
	SideEffectsPending   *bool
}

// TimestampColumns lists the lifecycle timestamp columns stamped on entering status.
func TimestampColumns(status Status) []string {
	switch status {
	case StatusPending:
		return []string{"initiated_at"}
	case StatusProcessing:
		return []string{"authorized_at"}
	case StatusCompleted:
		return []string{"captured_at", "paid_at"}
	case StatusFailed, StatusTimeout:
		return []string{"failed_at"}
	case StatusCancelled:
		return []string{"cancelled_at"}
	case StatusExpired:
		return []string{"expired_at"}
	}
	return nil
}

func StatusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
