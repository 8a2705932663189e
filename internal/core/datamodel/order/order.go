package order

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusPending    = "pending"
	StatusConfirmed  = "confirmed"
	StatusProcessing = "processing"
	StatusShipped    = "shipped"
	StatusDelivered  = "delivered"
	StatusCancelled  = "cancelled"
)

const (
	PaymentStatusPending    = "pending"
	PaymentStatusProcessing = "processing"
	PaymentStatusPaid       = "paid"
	PaymentStatusFailed     = "failed"
	PaymentStatusRefunded   = "refunded"
)

type Order struct {
	ID            string          `gorm:"column:id;primaryKey"`
	OrderNumber   string          `gorm:"column:order_number;not null;uniqueIndex"`
	CustomerID    string          `gorm:"column:customer_id;not null;index"`
	CustomerEmail string          `gorm:"column:customer_email"`
	CustomerPhone string          `gorm:"column:customer_phone"`
	Total         decimal.Decimal `gorm:"column:total;type:decimal(14,2);not null"`
	Currency      string          `gorm:"column:currency;not null;default:KES"`
	Status        string          `gorm:"column:status;not null;default:pending"`

	PaymentStatus         string     `gorm:"column:payment_status;not null;default:pending"`
	PaymentTransactionRef *string    `gorm:"column:payment_transaction_ref"`
	PaymentReceipt        *string    `gorm:"column:payment_receipt"`
	PaymentPaidAt         *time.Time `gorm:"column:payment_paid_at"`
	CheckoutRequestID     *string    `gorm:"column:checkout_request_id"`
	MerchantRequestID     *string    `gorm:"column:merchant_request_id"`

	Items         Items                `gorm:"column:items;type:text"`
	StatusHistory []StatusHistoryEntry `gorm:"foreignKey:OrderID;references:ID"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Order) TableName() string {
	return "orders"
}

func (o *Order) IsPaid() bool {
	return o.PaymentStatus == PaymentStatusPaid || o.PaymentStatus == PaymentStatusRefunded
}

type Item struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name,omitempty"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

type Items []Item

func (i Items) Value() (driver.Value, error) {
	if i == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]Item(i))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (i *Items) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		return json.Unmarshal([]byte(v), i)
	case []byte:
		return json.Unmarshal(v, i)
	}
	return errors.New("unsupported items column type")
}

type StatusHistoryEntry struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement"`
	OrderID   string    `gorm:"column:order_id;not null;index"`
	Status    string    `gorm:"column:status;not null"`
	Note      string    `gorm:"column:note"`
	Actor     string    `gorm:"column:actor"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (StatusHistoryEntry) TableName() string {
	return "order_status_history"
}

// PaymentMirror is the subset of payment state copied onto the order.
type PaymentMirror struct {
	Status            string
	TransactionRef    *string
	Receipt           *string
	PaidAt            *time.Time
	CheckoutRequestID *string
	MerchantRequestID *string
}

// ApplyMirror copies the non-nil fields of m onto the order.
func (o *Order) ApplyMirror(m PaymentMirror) {
	o.PaymentStatus = m.Status
	if m.TransactionRef != nil {
		o.PaymentTransactionRef = m.TransactionRef
	}
	if m.Receipt != nil {
		o.PaymentReceipt = m.Receipt
	}
	if m.PaidAt != nil {
		o.PaymentPaidAt = m.PaidAt
	}
	if m.CheckoutRequestID != nil {
		o.CheckoutRequestID = m.CheckoutRequestID
	}
	if m.MerchantRequestID != nil {
		o.MerchantRequestID = m.MerchantRequestID
	}
}

// Updates returns the mirror as column updates, skipping nil fields.
func (m PaymentMirror) Updates() map[string]interface{} {
	updates := map[string]interface{}{"payment_status": m.Status}
	if m.TransactionRef != nil {
		updates["payment_transaction_ref"] = *m.TransactionRef
	}
	if m.Receipt != nil {
		updates["payment_receipt"] = *m.Receipt
	}
	if m.PaidAt != nil {
		updates["payment_paid_at"] = *m.PaidAt
	}
	if m.CheckoutRequestID != nil {
		updates["checkout_request_id"] = *m.CheckoutRequestID
	}
	if m.MerchantRequestID != nil {
		updates["merchant_request_id"] = *m.MerchantRequestID
	}
	return updates
}
