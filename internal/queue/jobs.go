package queue

import "time"

// Job types. The set is closed; the registry maps each to one handler.
const (
	JobSendEmail         = "send_email"
	JobSendSMS           = "send_sms"
	JobAdjustStock       = "adjust_stock"
	JobUpdateOrderStatus = "update_order_status"
	JobGenerateReport    = "generate_report"
	JobReconcilePayment  = "reconcile_payment"
)

// Stock operations carried by adjust_stock jobs.
const (
	StockReserve   = "reserve"
	StockRelease   = "release"
	StockDecrement = "decrement"
	StockIncrement = "increment"
)

// Notification templates known to the notification handlers.
const (
	TemplatePaymentConfirmation = "payment_confirmation"
	TemplateOrderStatus         = "order_status"
	TemplateReconciliationAlert = "reconciliation_alert"
	TemplateDailyReport         = "daily_report"
	TemplateRefund              = "refund"
)

type NotificationPayload struct {
	To       string                 `json:"to"`
	Template string                 `json:"template"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

type InventoryPayload struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	Operation string `json:"operation"`
	OrderID   string `json:"orderId,omitempty"`
}

type OrderPayload struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
	Notify  bool   `json:"notify"`
}

type ReportPayload struct {
	ReportType string    `json:"reportType"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	Email      string    `json:"email,omitempty"`
}

type ReconcilePayload struct {
	PaymentID         string `json:"paymentId,omitempty"`
	CheckoutRequestID string `json:"checkoutRequestId"`
	Reason            string `json:"reason"`
	RawCallback       []byte `json:"rawCallback,omitempty"`
}
