package middleware_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/golang-jwt/jwt/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/storefront-payments/internal"
	"github.com/frahmantamala/storefront-payments/internal/transport"
	"github.com/frahmantamala/storefront-payments/internal/transport/middleware"
)

const testSecret = "storefront-test-secret"

func signHS256(sub, role string, expires time.Time) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
		Email: sub + "@example.com",
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	Expect(err).NotTo(HaveOccurred())
	return signed
}

func actorEcho(seen *internal.Actor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := internal.ActorFromContext(r.Context())
		Expect(ok).To(BeTrue())
		*seen = actor
		w.WriteHeader(http.StatusNoContent)
	})
}

var _ = Describe("Authenticator", func() {
	var (
		auth *middleware.Authenticator
		seen internal.Actor
	)

	BeforeEach(func() {
		var err error
		seen = internal.Actor{}
		auth, err = middleware.NewAuthenticator(internal.SecurityConfig{JWTSecret: testSecret}, testLogger)
		Expect(err).NotTo(HaveOccurred())
	})

	It("puts the token subject into the request context", func() {
		// Given a valid customer token
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+signHS256("cust-1", "customer", time.Now().Add(time.Hour)))
		rec := httptest.NewRecorder()

		// When the request passes the middleware
		auth.Middleware(actorEcho(&seen)).ServeHTTP(rec, req)

		// Then the handler sees the actor
		Expect(rec.Code).To(Equal(http.StatusNoContent))
		Expect(seen.ID).To(Equal("cust-1"))
		Expect(seen.Email).To(Equal("cust-1@example.com"))
		Expect(seen.IsAdmin()).To(BeFalse())
	})

	It("rejects a missing token", func() {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()

		auth.Middleware(actorEcho(&seen)).ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
	})

	It("reports expired tokens", func() {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+signHS256("cust-1", "customer", time.Now().Add(-time.Minute)))
		rec := httptest.NewRecorder()

		auth.Middleware(actorEcho(&seen)).ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		Expect(rec.Body.String()).To(ContainSubstring(string(internal.ErrCodeTokenExpired)))
	})

	It("rejects tokens signed with another secret", func() {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "cust-1"})
		signed, err := token.SignedString([]byte("other"))
		Expect(err).NotTo(HaveOccurred())

		_, err = auth.Verify(signed)

		Expect(err).To(MatchError(internal.ErrInvalidToken))
	})

	Context("with an RSA public key", func() {
		var key *rsa.PrivateKey

		BeforeEach(func() {
			var err error
			key, err = rsa.GenerateKey(rand.Reader, 2048)
			Expect(err).NotTo(HaveOccurred())
			der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
			Expect(err).NotTo(HaveOccurred())
			pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

			auth, err = middleware.NewAuthenticator(internal.SecurityConfig{
				JWTPublicKey: base64.StdEncoding.EncodeToString(pemBytes),
			}, testLogger)
			Expect(err).NotTo(HaveOccurred())
		})

		It("accepts RS256 tokens", func() {
			token := jwt.NewWithClaims(jwt.SigningMethodRS256, middleware.Claims{
				Role:             internal.RoleAdmin,
				RegisteredClaims: jwt.RegisteredClaims{Subject: "ops-1"},
			})
			signed, err := token.SignedString(key)
			Expect(err).NotTo(HaveOccurred())

			actor, err := auth.Verify(signed)

			Expect(err).NotTo(HaveOccurred())
			Expect(actor.ID).To(Equal("ops-1"))
			Expect(actor.IsAdmin()).To(BeTrue())
		})

		It("refuses HMAC tokens", func() {
			_, err := auth.Verify(signHS256("cust-1", "customer", time.Now().Add(time.Hour)))
			Expect(err).To(MatchError(internal.ErrInvalidToken))
		})
	})
})

var _ = Describe("RequireRole", func() {
	var (
		base *transport.BaseHandler
		next http.Handler
	)

	BeforeEach(func() {
		base = transport.NewBaseHandler(testLogger)
		next = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})

	It("lets admins through", func() {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req = req.WithContext(internal.ContextWithActor(req.Context(), internal.Actor{ID: "ops-1", Role: internal.RoleAdmin}))
		rec := httptest.NewRecorder()

		middleware.RequireRole(base, internal.RoleAdmin)(next).ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusNoContent))
	})

	It("forbids other roles", func() {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req = req.WithContext(internal.ContextWithActor(req.Context(), internal.Actor{ID: "cust-1", Role: "customer"}))
		rec := httptest.NewRecorder()

		middleware.RequireRole(base, internal.RoleAdmin)(next).ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusForbidden))
	})

	It("requires authentication", func() {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		rec := httptest.NewRecorder()

		middleware.RequireRole(base, internal.RoleAdmin)(next).ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
	})
})
