package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/storefront-payments/internal/payment"
	"github.com/frahmantamala/storefront-payments/internal/queue"
	"github.com/frahmantamala/storefront-payments/internal/transport"
	"github.com/frahmantamala/storefront-payments/internal/transport/middleware"
	"github.com/frahmantamala/storefront-payments/internal/transport/rest"
)

var (
	withWorkers bool
	openAPIPath string
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server for payment initiation, status, gateway callbacks and queue operations`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

func init() {
	httpServerCmd.Flags().BoolVar(&withWorkers, "with-workers", false, "also run every queue worker pool and the schedulers in this process")
	httpServerCmd.Flags().StringVar(&openAPIPath, "openapi", "./api/openapi.yml", "OpenAPI document served at /openapi.yml (empty to disable)")
}

func startHTTPServer() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := initializeDependencies(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	defer deps.Close()

	router, err := setupRoutes(deps)
	if err != nil {
		deps.Logger.Error("Failed to build routes", "error", err)
		return
	}

	if withWorkers {
		if err := startWorkers(ctx, deps, deps.Registry.Queues()); err != nil {
			deps.Logger.Error("Failed to start workers", "error", err)
			return
		}
	}

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	deps.Logger.Info("Starting HTTP server", "address", addr, "with_workers", withWorkers)

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: deps.Config.Server.ReadHeaderTimeout,
		ReadTimeout:       deps.Config.Server.ReadTimeout,
		WriteTimeout:      deps.Config.Server.WriteTimeout,
		IdleTimeout:       deps.Config.Server.IdleTimeout,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		deps.Logger.Info("Received signal, shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			deps.Logger.Error("Server shutdown error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			deps.Logger.Error("Server failed to start", "error", err)
		}
	}

	deps.Logger.Info("Server stopped")
}

func setupRoutes(deps *Dependencies) (*chi.Mux, error) {
	auth, err := middleware.NewAuthenticator(deps.Config.Security, deps.Logger)
	if err != nil {
		return nil, err
	}

	router := chi.NewRouter()
	err = rest.RegisterAllRoutes(router, rest.Dependencies{
		Logger:         deps.Logger,
		Auth:           auth,
		Payments:       payment.NewHandler(deps.Service, deps.Logger),
		Webhooks:       payment.NewWebhookHandler(transport.NewBaseHandler(deps.Logger), deps.Service, deps.Logger),
		Queues:         queue.NewAdminHandler(deps.Registry, deps.Logger),
		HealthChecks:   deps.HealthChecks,
		AllowedOrigins: deps.Config.Server.AllowedOrigins,
		OpenAPIPath:    openAPIPath,
	})
	return router, err
}
