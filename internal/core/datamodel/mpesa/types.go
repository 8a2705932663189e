package mpesa

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Result codes the STK query returns while the customer has not yet acted.
const (
	ResultCodeStillProcessing = "4999"
	ErrorCodeStillProcessing  = "500.001.1001"
)

type PushRequest struct {
	PhoneNumber string
	Amount      decimal.Decimal
	Reference   string
	Description string
}

type PushResult struct {
	CheckoutRequestID   string
	MerchantRequestID   string
	ResponseDescription string
	CustomerMessage     string
	Raw                 []byte
}

type QueryResult struct {
	CheckoutRequestID   string
	MerchantRequestID   string
	ResponseCode        string
	ResponseDescription string
	ResultCode          string
	ResultDesc          string
	Raw                 []byte
}

// Conclusive reports whether the query carries a final outcome.
func (q *QueryResult) Conclusive() bool {
	if q == nil || q.ResultCode == "" {
		return false
	}
	return q.ResultCode != ResultCodeStillProcessing && q.ResultCode != ErrorCodeStillProcessing
}

func (q *QueryResult) Success() bool {
	return q.Conclusive() && q.ResultCode == "0"
}

// CallbackResult is the normalized outcome of an STK callback or a conclusive query.
type CallbackResult struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Amount            decimal.NullDecimal
	ReceiptNumber     string
	TransactionDate   time.Time
	PhoneNumber       string
	Raw               []byte
}

func (c *CallbackResult) Success() bool {
	return c.ResultCode == 0
}

type TimeoutNotice struct {
	CheckoutRequestID string
	MerchantRequestID string
	Raw               []byte
}

// AsCallback converts a conclusive query into the same shape a callback produces.
func (q *QueryResult) AsCallback() *CallbackResult {
	code, err := strconv.Atoi(q.ResultCode)
	if err != nil {
		code = -1
	}
	return &CallbackResult{
		MerchantRequestID: q.MerchantRequestID,
		CheckoutRequestID: q.CheckoutRequestID,
		ResultCode:        code,
		ResultDesc:        q.ResultDesc,
		Raw:               q.Raw,
	}
}
