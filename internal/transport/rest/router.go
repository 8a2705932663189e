package rest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi"

	"github.com/frahmantamala/storefront-payments/internal"
	"github.com/frahmantamala/storefront-payments/internal/payment"
	"github.com/frahmantamala/storefront-payments/internal/queue"
	"github.com/frahmantamala/storefront-payments/internal/transport"
	"github.com/frahmantamala/storefront-payments/internal/transport/middleware"
	"github.com/frahmantamala/storefront-payments/internal/transport/swagger"
)

const specURL = "/openapi.yml"

type Dependencies struct {
	Logger       *slog.Logger
	Auth         *middleware.Authenticator
	Payments     *payment.Handler
	Webhooks     *payment.WebhookHandler
	Queues       *queue.AdminHandler
	HealthChecks map[string]Check
	// AllowedOrigins feeds the CORS header; empty allows any origin.
	AllowedOrigins string
	// OpenAPIPath points at api/openapi.yml. Empty disables /openapi.yml and /swagger.
	OpenAPIPath string
}

// LoadOpenAPI reads and validates the API document.
func LoadOpenAPI(ctx context.Context, path string) (*openapi3.T, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read openapi document: %w", err)
	}
	loader := openapi3.NewLoader()
	loader.Context = ctx
	doc, err := loader.LoadFromData(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("parse openapi document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, nil, fmt.Errorf("invalid openapi document: %w", err)
	}
	return doc, raw, nil
}

func RegisterAllRoutes(router *chi.Mux, deps Dependencies) error {
	logger := deps.Logger
	base := transport.NewBaseHandler(logger)
	healthHandler := NewHealthHandler(deps.HealthChecks)

	router.Use(middleware.CORS(deps.AllowedOrigins))
	router.Use(middleware.RequestID)
	router.Use(middleware.RecoveryMiddleware(base.Logger))
	router.Use(middleware.LoggingMiddleware(base.Logger))

	if deps.OpenAPIPath != "" {
		doc, raw, err := LoadOpenAPI(context.Background(), deps.OpenAPIPath)
		if err != nil {
			return err
		}
		base.Logger.Info("openapi document loaded", "title", doc.Info.Title, "version", doc.Info.Version, "paths", doc.Paths.Len())

		router.Get(specURL, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/yaml")
			w.Write(raw)
		})
		router.Handle("/swagger/*", swagger.Handler(specURL))
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		// Daraja posts here without credentials
		if deps.Webhooks != nil {
			r.Post("/payments/mpesa/callback", deps.Webhooks.HandleCallback)
			r.Post("/payments/mpesa/timeout", deps.Webhooks.HandleTimeout)
		}

		if deps.Auth == nil {
			return
		}

		r.Group(func(pr chi.Router) {
			pr.Use(deps.Auth.Middleware)

			if deps.Payments != nil {
				pr.Post("/payments/mpesa/initiate", deps.Payments.Initiate)
				pr.Get("/payments/status/{paymentId}", deps.Payments.Status)
				pr.Post("/payments/{paymentId}/retry", deps.Payments.Retry)

				pr.Group(func(ar chi.Router) {
					ar.Use(middleware.RequireRole(base, internal.RoleAdmin))
					ar.Post("/payments/{paymentId}/refunds", deps.Payments.Refund)
				})
			}

			if deps.Queues != nil {
				pr.Route("/queues/{queue}/jobs", func(qr chi.Router) {
					qr.Use(middleware.RequireRole(base, internal.RoleAdmin))
					qr.Get("/", deps.Queues.ListJobs)
					qr.Post("/{id}/retry", deps.Queues.RetryJob)
				})
			}
		})
	})
	return nil
}
