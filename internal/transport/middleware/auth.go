package middleware

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"github.com/frahmantamala/storefront-payments/internal"
	"github.com/frahmantamala/storefront-payments/internal/transport"
	"github.com/frahmantamala/storefront-payments/pkg/logger"
)

// Claims are the access token claims issued by the storefront auth service.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies Bearer tokens and puts the caller into the request
// context. RS256 is used when a public key is configured, HS256 otherwise.
type Authenticator struct {
	transport.BaseHandler
	publicKey *rsa.PublicKey
	secret    []byte
}

func NewAuthenticator(cfg internal.SecurityConfig, lg *slog.Logger) (*Authenticator, error) {
	a := &Authenticator{BaseHandler: *transport.NewBaseHandler(lg)}
	if cfg.JWTPublicKey != "" {
		key, err := cfg.GetPublicKey()
		if err != nil {
			return nil, err
		}
		a.publicKey = key
		return a, nil
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("authenticator: no verification key configured")
	}
	a.secret = []byte(cfg.JWTSecret)
	return a, nil
}

func (a *Authenticator) keyFunc(token *jwt.Token) (interface{}, error) {
	if a.publicKey != nil {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.publicKey, nil
	}
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return a.secret, nil
}

// Verify parses tokenString into an Actor.
func (a *Authenticator) Verify(tokenString string) (internal.Actor, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, a.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return internal.Actor{}, internal.ErrTokenExpired
		}
		return internal.Actor{}, internal.ErrInvalidToken.WithCause(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return internal.Actor{}, internal.ErrInvalidToken
	}
	return internal.Actor{ID: claims.Subject, Email: claims.Email, Role: claims.Role}, nil
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := a.ExtractTokenFromHeader(r)
		if token == "" {
			a.Logger.Warn("auth middleware: missing authorization token", "path", r.URL.Path)
			a.HandleError(w, internal.NewUnauthorizedError("missing authorization token", internal.ErrCodeInvalidToken))
			return
		}

		actor, err := a.Verify(token)
		if err != nil {
			a.Logger.Warn("auth middleware: token rejected", "error", err)
			a.HandleServiceError(w, err)
			return
		}

		ctx := internal.ContextWithActor(r.Context(), actor)
		ctx = logger.With(ctx, "userID", actor.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
