package mpesa

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	mpesatypes "github.com/frahmantamala/storefront-payments/internal/core/datamodel/mpesa"
)

// flexString accepts a JSON string or number. Daraja sends ResultCode as a
// number in callbacks and as a string in query responses.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

type callbackItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

type stkCallback struct {
	MerchantRequestID string     `json:"MerchantRequestID"`
	CheckoutRequestID string     `json:"CheckoutRequestID"`
	ResultCode        flexString `json:"ResultCode"`
	ResultDesc        string     `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []callbackItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

type callbackEnvelope struct {
	Body *struct {
		StkCallback *stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

// itemText returns the raw scalar text of an item value: strings unquoted,
// numbers verbatim so large phone numbers and amounts keep their digits.
func itemText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

// ParseCallback extracts the outcome of an STK push from the callback body.
// It returns nil when the envelope does not have the expected shape.
func (c *Client) ParseCallback(raw []byte) *mpesatypes.CallbackResult {
	return ParseCallback(raw)
}

func ParseCallback(raw []byte) *mpesatypes.CallbackResult {
	var env callbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil
	}
	if env.Body == nil || env.Body.StkCallback == nil {
		return nil
	}
	cb := env.Body.StkCallback
	if cb.CheckoutRequestID == "" || cb.ResultCode == "" {
		return nil
	}
	code, err := strconv.Atoi(string(cb.ResultCode))
	if err != nil {
		return nil
	}

	result := &mpesatypes.CallbackResult{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        code,
		ResultDesc:        cb.ResultDesc,
		Raw:               append([]byte(nil), raw...),
	}

	if cb.CallbackMetadata != nil {
		for _, item := range cb.CallbackMetadata.Item {
			value := itemText(item.Value)
			switch item.Name {
			case "Amount":
				if d, err := decimal.NewFromString(value); err == nil {
					result.Amount = decimal.NewNullDecimal(d)
				}
			case "MpesaReceiptNumber":
				result.ReceiptNumber = value
			case "TransactionDate":
				if t, err := time.ParseInLocation(timestampLayout, value, eat); err == nil {
					result.TransactionDate = t
				}
			case "PhoneNumber":
				result.PhoneNumber = value
			}
		}
	}
	return result
}

// ParseTimeout accepts either the stkCallback envelope or a flat body carrying
// CheckoutRequestID. It returns nil when neither is present.
func (c *Client) ParseTimeout(raw []byte) *mpesatypes.TimeoutNotice {
	return ParseTimeout(raw)
}

func ParseTimeout(raw []byte) *mpesatypes.TimeoutNotice {
	var env callbackEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Body != nil && env.Body.StkCallback != nil && env.Body.StkCallback.CheckoutRequestID != "" {
		return &mpesatypes.TimeoutNotice{
			CheckoutRequestID: env.Body.StkCallback.CheckoutRequestID,
			MerchantRequestID: env.Body.StkCallback.MerchantRequestID,
			Raw:               append([]byte(nil), raw...),
		}
	}

	var flat struct {
		CheckoutRequestID string `json:"CheckoutRequestID"`
		MerchantRequestID string `json:"MerchantRequestID"`
	}
	if err := json.Unmarshal(raw, &flat); err != nil || flat.CheckoutRequestID == "" {
		return nil
	}
	return &mpesatypes.TimeoutNotice{
		CheckoutRequestID: flat.CheckoutRequestID,
		MerchantRequestID: flat.MerchantRequestID,
		Raw:               append([]byte(nil), raw...),
	}
}
