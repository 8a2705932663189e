package rest_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/golang-jwt/jwt/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/storefront-payments/internal"
	"github.com/frahmantamala/storefront-payments/internal/payment"
	"github.com/frahmantamala/storefront-payments/internal/queue"
	"github.com/frahmantamala/storefront-payments/internal/transport"
	"github.com/frahmantamala/storefront-payments/internal/transport/middleware"
	"github.com/frahmantamala/storefront-payments/internal/transport/rest"
)

const (
	testSecret  = "router-secret"
	openAPIPath = "../../../api/openapi.yml"
)

type stubPayments struct {
	refunds int
}

func (s *stubPayments) Initiate(ctx context.Context, req payment.InitiateRequest, actor internal.Actor) (*payment.InitiateResult, error) {
	return &payment.InitiateResult{PaymentID: "p1", CheckoutRequestID: "C1", MerchantRequestID: "M1"}, nil
}

func (s *stubPayments) HandleCallback(ctx context.Context, raw []byte) payment.CallbackAck {
	return payment.CallbackAck{Status: payment.CallbackStatusSuccess, Message: "processed"}
}

func (s *stubPayments) HandleTimeoutNotice(ctx context.Context, raw []byte) payment.CallbackAck {
	return payment.CallbackAck{Status: payment.CallbackStatusSuccess, Message: "expired"}
}

func (s *stubPayments) CheckStatus(ctx context.Context, paymentID string, actor internal.Actor) (*payment.PaymentView, error) {
	return &payment.PaymentView{ID: paymentID}, nil
}

func (s *stubPayments) Retry(ctx context.Context, paymentID string, actor internal.Actor) (*payment.InitiateResult, error) {
	return &payment.InitiateResult{PaymentID: paymentID}, nil
}

func (s *stubPayments) Refund(ctx context.Context, paymentID string, req payment.RefundRequest, actor internal.Actor) (*payment.PaymentView, error) {
	s.refunds++
	return &payment.PaymentView{ID: paymentID}, nil
}

func bearer(sub, role string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	Expect(err).NotTo(HaveOccurred())
	return "Bearer " + signed
}

var _ = Describe("RegisterAllRoutes", func() {
	var (
		router   *chi.Mux
		payments *stubPayments
		healthy  error
	)

	BeforeEach(func() {
		payments = &stubPayments{}
		healthy = nil

		auth, err := middleware.NewAuthenticator(internal.SecurityConfig{JWTSecret: testSecret}, testLogger)
		Expect(err).NotTo(HaveOccurred())
		registry := queue.NewRegistry(queue.NewMemoryBroker(), map[string]queue.Policy{
			queue.QueueReport: {Attempts: 2, LeaseDuration: time.Minute},
		}, testLogger)

		router = chi.NewRouter()
		err = rest.RegisterAllRoutes(router, rest.Dependencies{
			Logger:   testLogger,
			Auth:     auth,
			Payments: payment.NewHandler(payments, testLogger),
			Webhooks: payment.NewWebhookHandler(transport.NewBaseHandler(testLogger), payments, testLogger),
			Queues:   queue.NewAdminHandler(registry, testLogger),
			HealthChecks: map[string]rest.Check{
				"postgres": func(ctx context.Context) error { return healthy },
			},
			OpenAPIPath: openAPIPath,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	serve := func(method, path, body, authorization string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	It("accepts gateway callbacks without credentials", func() {
		rec := serve(http.MethodPost, "/api/v1/payments/mpesa/callback", `{"Body":{}}`, "")

		Expect(rec.Code).To(Equal(http.StatusOK))
		var ack payment.CallbackAck
		Expect(json.Unmarshal(rec.Body.Bytes(), &ack)).To(Succeed())
		Expect(ack.Status).To(Equal(payment.CallbackStatusSuccess))

		rec = serve(http.MethodPost, "/api/v1/payments/mpesa/timeout", `{}`, "")
		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	It("requires a token to initiate", func() {
		rec := serve(http.MethodPost, "/api/v1/payments/mpesa/initiate", `{"orderId":"o1","phoneNumber":"0712345678"}`, "")
		Expect(rec.Code).To(Equal(http.StatusUnauthorized))

		rec = serve(http.MethodPost, "/api/v1/payments/mpesa/initiate", `{"orderId":"o1","phoneNumber":"0712345678"}`, bearer("cust-1", "customer"))
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring(`"checkoutRequestID":"C1"`))
	})

	It("routes status lookups by payment id", func() {
		rec := serve(http.MethodGet, "/api/v1/payments/status/p9", "", bearer("cust-1", "customer"))

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring(`"id":"p9"`))
	})

	It("keeps refunds for admins", func() {
		body := `{"amount":"100","reason":"damaged"}`

		rec := serve(http.MethodPost, "/api/v1/payments/p1/refunds", body, bearer("cust-1", "customer"))
		Expect(rec.Code).To(Equal(http.StatusForbidden))
		Expect(payments.refunds).To(Equal(0))

		rec = serve(http.MethodPost, "/api/v1/payments/p1/refunds", body, bearer("ops-1", internal.RoleAdmin))
		Expect(rec.Code).To(Equal(http.StatusCreated))
		Expect(payments.refunds).To(Equal(1))
	})

	It("keeps queue inspection for admins", func() {
		rec := serve(http.MethodGet, "/api/v1/queues/report/jobs", "", bearer("cust-1", "customer"))
		Expect(rec.Code).To(Equal(http.StatusForbidden))

		rec = serve(http.MethodGet, "/api/v1/queues/report/jobs", "", bearer("ops-1", internal.RoleAdmin))
		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	It("reports unhealthy components with 503", func() {
		rec := serve(http.MethodGet, "/api/v1/health", "", "")
		Expect(rec.Code).To(Equal(http.StatusOK))

		healthy = errors.New("connection refused")
		rec = serve(http.MethodGet, "/api/v1/health", "", "")
		Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
		var resp rest.HealthResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Components["postgres"].Message).To(Equal("connection refused"))
	})

	It("publishes the OpenAPI document", func() {
		rec := serve(http.MethodGet, "/openapi.yml", "", "")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("/payments/mpesa/initiate"))
	})
})

var _ = Describe("LoadOpenAPI", func() {
	It("validates the published document", func() {
		doc, _, err := rest.LoadOpenAPI(context.Background(), openAPIPath)

		Expect(err).NotTo(HaveOccurred())
		Expect(doc.Paths.Find("/payments/status/{paymentId}")).NotTo(BeNil())
		Expect(doc.Components.SecuritySchemes).To(HaveKey("bearerAuth"))
	})

	It("fails for a missing file", func() {
		_, _, err := rest.LoadOpenAPI(context.Background(), "missing.yml")
		Expect(err).To(HaveOccurred())
	})
})
