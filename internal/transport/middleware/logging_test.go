package middleware_test

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/go-chi/chi/middleware"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	mw "github.com/frahmantamala/storefront-payments/internal/transport/middleware"
)

var _ = Describe("LoggingMiddleware", func() {
	var (
		buf    *bytes.Buffer
		logger *slog.Logger
	)

	BeforeEach(func() {
		buf = &bytes.Buffer{}
		logger = slog.New(slog.NewJSONHandler(buf, nil))
	})

	It("masks credentials and phone numbers in request bodies", func() {
		// Given an initiate request carrying a phone number and a token
		body := `{"orderId":"o1","phoneNumber":"254712345678","nested":{"passkey":"bfb279f9"}}`
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/mpesa/initiate", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer abc.def.ghi")
		rec := httptest.NewRecorder()

		// When it is logged
		mw.LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		})).ServeHTTP(rec, req)

		// Then none of the secrets reach the log
		out := buf.String()
		Expect(out).To(ContainSubstring(`"orderId\":\"o1\"`))
		Expect(out).NotTo(ContainSubstring("254712345678"))
		Expect(out).NotTo(ContainSubstring("bfb279f9"))
		Expect(out).NotTo(ContainSubstring("abc.def.ghi"))
		Expect(out).To(ContainSubstring(`"status_code":202`))
	})

	It("masks the payer phone and receipt in Daraja callback metadata", func() {
		// Given a success callback as Safaricom posts it
		body := `{"Body":{"stkCallback":{"MerchantRequestID":"M1","CheckoutRequestID":"ws_CO_1","ResultCode":0,"ResultDesc":"ok",` +
			`"CallbackMetadata":{"Item":[{"Name":"Amount","Value":500},{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"},` +
			`{"Name":"TransactionDate","Value":20240301091500},{"Name":"PhoneNumber","Value":254712345678}]}}}}`
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/mpesa/callback", strings.NewReader(body))
		rec := httptest.NewRecorder()

		// When it passes the access log
		mw.LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})).ServeHTTP(rec, req)

		// Then the phone and receipt are masked and the rest stays visible
		out := buf.String()
		Expect(out).NotTo(ContainSubstring("254712345678"))
		Expect(out).NotTo(ContainSubstring("NLJ7RT61SV"))
		Expect(out).To(ContainSubstring("ws_CO_1"))
		Expect(out).To(ContainSubstring("20240301091500"))
	})

	It("logs only the size of an oversized body and still passes all of it on", func() {
		// Given a body well past the logging cap
		body := `{"pad":"` + strings.Repeat("x", 100<<10) + `","phoneNumber":"254712345678"}`
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/mpesa/callback", strings.NewReader(body))
		rec := httptest.NewRecorder()
		var got int

		// When it is logged
		mw.LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b := new(bytes.Buffer)
			b.ReadFrom(r.Body)
			got = b.Len()
		})).ServeHTTP(rec, req)

		// Then the handler reads every byte and the log holds no payload
		Expect(got).To(Equal(len(body)))
		out := buf.String()
		Expect(out).To(ContainSubstring("TRUNCATED"))
		Expect(out).NotTo(ContainSubstring("254712345678"))
		Expect(len(out)).To(BeNumerically("<", 8<<10))
	})

	It("leaves the request body readable for the handler", func() {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}`))
		rec := httptest.NewRecorder()
		var got string

		mw.LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b := new(bytes.Buffer)
			b.ReadFrom(r.Body)
			got = b.String()
		})).ServeHTTP(rec, req)

		Expect(got).To(Equal(`{"a":1}`))
	})
})

var _ = Describe("RequestID", func() {
	It("reuses the inbound trace id", func() {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(mw.TraceHeader, "trace-1")
		rec := httptest.NewRecorder()
		var reqID string

		mw.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID = middleware.GetReqID(r.Context())
		})).ServeHTTP(rec, req)

		Expect(reqID).To(Equal("trace-1"))
		Expect(rec.Header().Get(mw.TraceHeader)).To(Equal("trace-1"))
	})

	It("mints one when absent", func() {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()

		mw.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(rec, req)

		Expect(rec.Header().Get(mw.TraceHeader)).To(HaveLen(36))
	})
})

var _ = Describe("RecoveryMiddleware", func() {
	It("turns a panic into a 500 envelope", func() {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()

		mw.RecoveryMiddleware(testLogger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		})).ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusInternalServerError))
		Expect(rec.Body.String()).To(ContainSubstring("INTERNAL_ERROR"))
		Expect(rec.Body.String()).NotTo(ContainSubstring("boom"))
	})
})

var _ = Describe("CORS", func() {
	It("answers preflight requests", func() {
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/payments/mpesa/initiate", nil)
		rec := httptest.NewRecorder()

		mw.CORS("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		})).ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusNoContent))
		Expect(rec.Header().Get("Access-Control-Allow-Origin")).To(Equal("*"))
	})
})
