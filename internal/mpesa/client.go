package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/frahmantamala/storefront-payments/internal"
	mpesatypes "github.com/frahmantamala/storefront-payments/internal/core/datamodel/mpesa"
)

const (
	SandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	ProductionBaseURL = "https://api.safaricom.co.ke"

	tokenPath = "/oauth/v1/generate?grant_type=client_credentials"
	pushPath  = "/mpesa/stkpush/v1/processrequest"
	queryPath = "/mpesa/stkpushquery/v1/query"

	transactionTypePayBill = "CustomerPayBillOnline"
	timestampLayout        = "20060102150405"

	maxAccountReference = 12
	maxTransactionDesc  = 13
	tokenSafetyMargin   = 60 * time.Second
)

// Daraja timestamps are East Africa Time.
var eat = time.FixedZone("EAT", 3*60*60)

type Config struct {
	Environment     string
	BaseURL         string
	ConsumerKey     string
	ConsumerSecret  string
	ShortCode       string
	Passkey         string
	CallbackURL     string
	TransactionType string
	Timeout         time.Duration
}

type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

func NewClient(cfg Config, logger *slog.Logger, opts ...ClientOption) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TransactionType == "" {
		cfg.TransactionType = transactionTypePayBill
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = SandboxBaseURL
		if cfg.Environment == "production" {
			baseURL = ProductionBaseURL
		}
	}

	c := &Client{
		cfg:        cfg,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func unavailable(err error) error {
	return internal.ErrGatewayUnavailable.WithCause(err)
}

type apiError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (e apiError) Error() string {
	return fmt.Sprintf("daraja error %s: %s", e.ErrorCode, e.ErrorMessage)
}

// statusError carries a non-2xx response from Daraja.
type statusError struct {
	StatusCode int
	API        apiError
	Body       []byte
}

func (e *statusError) Error() string {
	if e.API.ErrorCode != "" {
		return fmt.Sprintf("status %d: %s", e.StatusCode, e.API.Error())
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode, truncate(string(e.Body), 200))
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+tokenPath, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var tokenResp struct {
		AccessToken string     `json:"access_token"`
		ExpiresIn   flexString `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", errors.New("token response has no access_token")
	}

	expiresIn, err := strconv.Atoi(string(tokenResp.ExpiresIn))
	if err != nil || expiresIn <= 0 {
		expiresIn = 3599
	}
	c.token = tokenResp.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(expiresIn)*time.Second - tokenSafetyMargin)
	c.logger.Debug("mpesa access token refreshed", "expires_in", expiresIn)
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.tokenExpiry = time.Time{}
}

func (c *Client) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.Passkey + timestamp))
}

// post sends an authenticated JSON request, refreshing the token once on 401.
func (c *Client) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.accessToken(ctx)
		if err != nil {
			return nil, err
		}

		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create HTTP request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("HTTP request failed: %w", err)
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		cancel()
		if readErr != nil {
			return nil, fmt.Errorf("failed to read response: %w", readErr)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			c.invalidateToken()
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			se := &statusError{StatusCode: resp.StatusCode, Body: body}
			_ = json.Unmarshal(body, &se.API)
			return nil, se
		}
		return body, nil
	}
	return nil, errors.New("unauthorized after token refresh")
}

type pushRequestBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type pushResponseBody struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// Push sends an STK push prompting the customer to authorize the payment on their phone.
func (c *Client) Push(ctx context.Context, req mpesatypes.PushRequest) (*mpesatypes.PushResult, error) {
	phone, err := mpesatypes.NormalizePhone(req.PhoneNumber)
	if err != nil {
		return nil, internal.NewValidationFieldError("phoneNumber", err.Error(), internal.ErrCodeInvalidPhone)
	}

	amount := req.Amount.Ceil().IntPart()
	if amount < 1 {
		amount = 1
	}

	timestamp := c.now().In(eat).Format(timestampLayout)
	body := pushRequestBody{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          c.password(timestamp),
		Timestamp:         timestamp,
		TransactionType:   c.cfg.TransactionType,
		Amount:            amount,
		PartyA:            phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  truncate(req.Reference, maxAccountReference),
		TransactionDesc:   truncate(req.Description, maxTransactionDesc),
	}

	c.logger.Info("mpesa: sending stk push", "reference", body.AccountReference, "amount", amount)

	raw, err := c.post(ctx, pushPath, body)
	if err != nil {
		c.logger.Error("mpesa: stk push failed", "reference", body.AccountReference, "error", err)
		return nil, unavailable(err)
	}

	var resp pushResponseBody
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, unavailable(fmt.Errorf("failed to decode push response: %w", err))
	}
	if resp.ResponseCode != "0" || resp.CheckoutRequestID == "" {
		return nil, unavailable(fmt.Errorf("push rejected with code %q: %s", resp.ResponseCode, resp.ResponseDescription))
	}

	c.logger.Info("mpesa: stk push accepted",
		"checkout_request_id", resp.CheckoutRequestID,
		"merchant_request_id", resp.MerchantRequestID)

	return &mpesatypes.PushResult{
		CheckoutRequestID:   resp.CheckoutRequestID,
		MerchantRequestID:   resp.MerchantRequestID,
		ResponseDescription: resp.ResponseDescription,
		CustomerMessage:     resp.CustomerMessage,
		Raw:                 raw,
	}, nil
}

type queryRequestBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type queryResponseBody struct {
	ResponseCode        flexString `json:"ResponseCode"`
	ResponseDescription string     `json:"ResponseDescription"`
	MerchantRequestID   string     `json:"MerchantRequestID"`
	CheckoutRequestID   string     `json:"CheckoutRequestID"`
	ResultCode          flexString `json:"ResultCode"`
	ResultDesc          string     `json:"ResultDesc"`
}

// Query asks Daraja for the outcome of a previous push. A transaction the
// customer has not acted on yet comes back inconclusive rather than as an error.
func (c *Client) Query(ctx context.Context, checkoutRequestID string) (*mpesatypes.QueryResult, error) {
	timestamp := c.now().In(eat).Format(timestampLayout)
	body := queryRequestBody{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          c.password(timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	raw, err := c.post(ctx, queryPath, body)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.API.ErrorCode == mpesatypes.ErrorCodeStillProcessing {
			return &mpesatypes.QueryResult{
				CheckoutRequestID: checkoutRequestID,
				ResultCode:        mpesatypes.ErrorCodeStillProcessing,
				ResultDesc:        se.API.ErrorMessage,
				Raw:               se.Body,
			}, nil
		}
		c.logger.Warn("mpesa: stk query failed", "checkout_request_id", checkoutRequestID, "error", err)
		return nil, unavailable(err)
	}

	var resp queryResponseBody
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, unavailable(fmt.Errorf("failed to decode query response: %w", err))
	}

	result := &mpesatypes.QueryResult{
		CheckoutRequestID:   resp.CheckoutRequestID,
		MerchantRequestID:   resp.MerchantRequestID,
		ResponseCode:        string(resp.ResponseCode),
		ResponseDescription: resp.ResponseDescription,
		ResultCode:          string(resp.ResultCode),
		ResultDesc:          resp.ResultDesc,
		Raw:                 raw,
	}
	if result.CheckoutRequestID == "" {
		result.CheckoutRequestID = checkoutRequestID
	}
	return result, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
