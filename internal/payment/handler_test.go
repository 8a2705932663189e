package payment_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"

	"github.com/go-chi/chi"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/storefront-payments/internal"
	"github.com/frahmantamala/storefront-payments/internal/core/datamodel/payment"
	paymentpkg "github.com/frahmantamala/storefront-payments/internal/payment"
	"github.com/frahmantamala/storefront-payments/internal/transport"
)

type mockPaymentService struct {
	err          error
	result       *paymentpkg.InitiateResult
	view         *paymentpkg.PaymentView
	ack          paymentpkg.CallbackAck
	lastActor    internal.Actor
	lastID       string
	lastRequest  paymentpkg.InitiateRequest
	lastRefund   paymentpkg.RefundRequest
	lastCallback []byte
}

func (m *mockPaymentService) Initiate(ctx context.Context, req paymentpkg.InitiateRequest, actor internal.Actor) (*paymentpkg.InitiateResult, error) {
	m.lastRequest, m.lastActor = req, actor
	return m.result, m.err
}

func (m *mockPaymentService) HandleCallback(ctx context.Context, raw []byte) paymentpkg.CallbackAck {
	m.lastCallback = raw
	return m.ack
}

func (m *mockPaymentService) HandleTimeoutNotice(ctx context.Context, raw []byte) paymentpkg.CallbackAck {
	m.lastCallback = raw
	return m.ack
}

func (m *mockPaymentService) CheckStatus(ctx context.Context, paymentID string, actor internal.Actor) (*paymentpkg.PaymentView, error) {
	m.lastID, m.lastActor = paymentID, actor
	return m.view, m.err
}

func (m *mockPaymentService) Retry(ctx context.Context, paymentID string, actor internal.Actor) (*paymentpkg.InitiateResult, error) {
	m.lastID, m.lastActor = paymentID, actor
	return m.result, m.err
}

func (m *mockPaymentService) Refund(ctx context.Context, paymentID string, req paymentpkg.RefundRequest, actor internal.Actor) (*paymentpkg.PaymentView, error) {
	m.lastID, m.lastRefund, m.lastActor = paymentID, req, actor
	return m.view, m.err
}

func createRequestWithActor(method, target string, body []byte, actor *internal.Actor) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	if actor == nil {
		return req
	}
	return req.WithContext(internal.ContextWithActor(req.Context(), *actor))
}

func decodeError(rec *httptest.ResponseRecorder) map[string]interface{} {
	var body struct {
		Error map[string]interface{} `json:"error"`
	}
	gomega.Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(gomega.Succeed())
	return body.Error
}

var _ = ginkgo.Describe("PaymentHandler", func() {
	var (
		handler        *paymentpkg.Handler
		paymentService *mockPaymentService
		router         chi.Router
		recorder       *httptest.ResponseRecorder
		customer       *internal.Actor
	)

	ginkgo.BeforeEach(func() {
		paymentService = &mockPaymentService{}
		handler = paymentpkg.NewHandler(paymentService, testLogger)
		router = chi.NewRouter()
		router.Post("/api/v1/payments/mpesa/initiate", handler.Initiate)
		router.Get("/api/v1/payments/status/{paymentId}", handler.Status)
		router.Post("/api/v1/payments/{paymentId}/retry", handler.Retry)
		router.Post("/api/v1/payments/{paymentId}/refunds", handler.Refund)
		recorder = httptest.NewRecorder()
		customer = &internal.Actor{ID: "cust-1"}
	})

	ginkgo.Context("Initiate", func() {
		ginkgo.It("returns the checkout ids", func() {
			paymentService.result = &paymentpkg.InitiateResult{PaymentID: "pay-1", CheckoutRequestID: "C1", MerchantRequestID: "M1"}
			body := []byte(`{"orderId":"order-1","phoneNumber":"0712345678"}`)

			router.ServeHTTP(recorder, createRequestWithActor(http.MethodPost, "/api/v1/payments/mpesa/initiate", body, customer))

			gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusOK))
			var response map[string]interface{}
			gomega.Expect(json.Unmarshal(recorder.Body.Bytes(), &response)).To(gomega.Succeed())
			gomega.Expect(response["paymentId"]).To(gomega.Equal("pay-1"))
			gomega.Expect(response["checkoutRequestID"]).To(gomega.Equal("C1"))
			gomega.Expect(response["merchantRequestID"]).To(gomega.Equal("M1"))
			gomega.Expect(paymentService.lastRequest.OrderID).To(gomega.Equal("order-1"))
			gomega.Expect(paymentService.lastActor.ID).To(gomega.Equal("cust-1"))
		})

		ginkgo.It("requires an authenticated actor", func() {
			router.ServeHTTP(recorder, createRequestWithActor(http.MethodPost, "/api/v1/payments/mpesa/initiate", []byte(`{}`), nil))

			gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusUnauthorized))
		})

		ginkgo.It("rejects invalid JSON", func() {
			router.ServeHTTP(recorder, createRequestWithActor(http.MethodPost, "/api/v1/payments/mpesa/initiate", []byte("invalid json"), customer))

			gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusBadRequest))
		})

		ginkgo.DescribeTable("maps service errors to status codes",
			func(err error, status int, code string) {
				paymentService.err = err
				body := []byte(`{"orderId":"order-1","phoneNumber":"0712345678"}`)

				router.ServeHTTP(recorder, createRequestWithActor(http.MethodPost, "/api/v1/payments/mpesa/initiate", body, customer))

				gomega.Expect(recorder.Code).To(gomega.Equal(status))
				gomega.Expect(decodeError(recorder)["code"]).To(gomega.Equal(code))
			},
			ginkgo.Entry("order not found", internal.ErrOrderNotFound, http.StatusNotFound, "ORDER_NOT_FOUND"),
			ginkgo.Entry("forbidden", internal.ErrForbidden, http.StatusForbidden, "UNAUTHORIZED_ACCESS"),
			ginkgo.Entry("already paid", internal.ErrAlreadyPaid, http.StatusConflict, "ORDER_ALREADY_PAID"),
			ginkgo.Entry("active payment", internal.ErrActivePaymentExists, http.StatusConflict, "ACTIVE_PAYMENT_EXISTS"),
			ginkgo.Entry("gateway down", internal.ErrGatewayUnavailable.WithCause(errors.New("timeout")), http.StatusBadGateway, "GATEWAY_UNAVAILABLE"),
			ginkgo.Entry("unexpected", errors.New("database error"), http.StatusInternalServerError, "INTERNAL_ERROR"),
		)
	})

	ginkgo.Context("Status", func() {
		ginkgo.It("passes the path id and returns the view", func() {
			paymentService.view = &paymentpkg.PaymentView{ID: "pay-1", Status: payment.StatusProcessing, Amount: decimal.NewFromInt(500)}

			router.ServeHTTP(recorder, createRequestWithActor(http.MethodGet, "/api/v1/payments/status/pay-1", nil, customer))

			gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusOK))
			gomega.Expect(paymentService.lastID).To(gomega.Equal("pay-1"))
			var response map[string]interface{}
			gomega.Expect(json.Unmarshal(recorder.Body.Bytes(), &response)).To(gomega.Succeed())
			gomega.Expect(response["status"]).To(gomega.Equal("processing"))
		})

		ginkgo.It("returns not found", func() {
			paymentService.err = internal.ErrPaymentNotFound

			router.ServeHTTP(recorder, createRequestWithActor(http.MethodGet, "/api/v1/payments/status/nope", nil, customer))

			gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusNotFound))
		})
	})

	ginkgo.Context("Retry", func() {
		ginkgo.It("returns conflict when attempts are exhausted", func() {
			paymentService.err = internal.ErrRetryExhausted

			router.ServeHTTP(recorder, createRequestWithActor(http.MethodPost, "/api/v1/payments/pay-1/retry", nil, customer))

			gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusConflict))
			gomega.Expect(decodeError(recorder)["code"]).To(gomega.Equal("RETRY_EXHAUSTED"))
		})
	})

	ginkgo.Context("Refund", func() {
		ginkgo.It("creates a refund", func() {
			paymentService.view = &paymentpkg.PaymentView{ID: "pay-1", Status: payment.StatusPartialRefund}
			admin := &internal.Actor{ID: "admin-1", Role: internal.RoleAdmin}

			router.ServeHTTP(recorder, createRequestWithActor(http.MethodPost, "/api/v1/payments/pay-1/refunds", []byte(`{"amount":"200.00","reason":"damaged"}`), admin))

			gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusCreated))
			gomega.Expect(paymentService.lastRefund.Amount.Equal(decimal.NewFromInt(200))).To(gomega.BeTrue())
			gomega.Expect(paymentService.lastRefund.Reason).To(gomega.Equal("damaged"))
		})
	})
})

var _ = ginkgo.Describe("WebhookHandler", func() {
	var (
		webhook        *paymentpkg.WebhookHandler
		paymentService *mockPaymentService
		recorder       *httptest.ResponseRecorder
	)

	ginkgo.BeforeEach(func() {
		paymentService = &mockPaymentService{}
		webhook = paymentpkg.NewWebhookHandler(transport.NewBaseHandler(testLogger), paymentService, testLogger)
		recorder = httptest.NewRecorder()
	})

	ginkgo.It("always answers 200 with the service acknowledgement", func() {
		paymentService.ack = paymentpkg.CallbackAck{Status: paymentpkg.CallbackStatusError, Message: "invalid callback payload"}
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/mpesa/callback", bytes.NewBufferString("not json"))

		webhook.HandleCallback(recorder, req)

		gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusOK))
		var ack paymentpkg.CallbackAck
		gomega.Expect(json.Unmarshal(recorder.Body.Bytes(), &ack)).To(gomega.Succeed())
		gomega.Expect(ack.Status).To(gomega.Equal("error"))
		gomega.Expect(string(paymentService.lastCallback)).To(gomega.Equal("not json"))
	})

	ginkgo.It("forwards timeout notices", func() {
		paymentService.ack = paymentpkg.CallbackAck{Status: paymentpkg.CallbackStatusSuccess, Message: "timeout processed"}
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/mpesa/timeout", bytes.NewBufferString(`{"CheckoutRequestID":"C1"}`))

		webhook.HandleTimeout(recorder, req)

		gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusOK))
		gomega.Expect(string(paymentService.lastCallback)).To(gomega.Equal(`{"CheckoutRequestID":"C1"}`))
	})
})
