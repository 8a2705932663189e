package payment

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"

	errors "github.com/frahmantamala/storefront-payments/internal"
	"github.com/frahmantamala/storefront-payments/internal/transport"
)

type Handler struct {
	transport.BaseHandler
	PaymentService ServiceAPI
	Logger         *slog.Logger
}

func NewHandler(paymentService ServiceAPI, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler:    *transport.NewBaseHandler(logger),
		PaymentService: paymentService,
		Logger:         logger,
	}
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request, op string) (errors.Actor, bool) {
	actor, ok := errors.ActorFromContext(r.Context())
	if !ok || actor.ID == "" {
		h.Logger.Error(op + ": actor not found in context")
		h.HandleError(w, errors.NewUnauthorizedError("authentication required", errors.ErrCodeInvalidToken))
		return errors.Actor{}, false
	}
	return actor, true
}

// Initiate handles POST /api/v1/payments/mpesa/initiate
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r, "Initiate")
	if !ok {
		return
	}

	var req InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("Initiate: failed to parse request body", "error", err)
		h.HandleError(w, errors.NewValidationError("invalid request body", errors.ErrCodeValidationFailed))
		return
	}

	result, err := h.PaymentService.Initiate(r.Context(), req, actor)
	if err != nil {
		h.Logger.Error("Initiate: service error", "error", err, "order_id", req.OrderID, "user_id", actor.ID)
		h.HandleServiceError(w, err)
		return
	}

	h.Logger.Info("Initiate: payment initiated",
		"payment_id", result.PaymentID,
		"order_id", req.OrderID,
		"checkout_request_id", result.CheckoutRequestID,
		"user_id", actor.ID)

	h.WriteJSON(w, http.StatusOK, result)
}

// Status handles GET /api/v1/payments/status/{paymentId}
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r, "Status")
	if !ok {
		return
	}

	paymentID := chi.URLParam(r, "paymentId")
	view, err := h.PaymentService.CheckStatus(r.Context(), paymentID, actor)
	if err != nil {
		h.Logger.Error("Status: service error", "error", err, "payment_id", paymentID, "user_id", actor.ID)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, view)
}

// Retry handles POST /api/v1/payments/{paymentId}/retry
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r, "Retry")
	if !ok {
		return
	}

	paymentID := chi.URLParam(r, "paymentId")
	result, err := h.PaymentService.Retry(r.Context(), paymentID, actor)
	if err != nil {
		h.Logger.Error("Retry: service error", "error", err, "payment_id", paymentID, "user_id", actor.ID)
		h.HandleServiceError(w, err)
		return
	}

	h.Logger.Info("Retry: payment retry initiated", "payment_id", paymentID, "user_id", actor.ID)
	h.WriteJSON(w, http.StatusOK, result)
}

// Refund handles POST /api/v1/payments/{paymentId}/refunds
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r, "Refund")
	if !ok {
		return
	}

	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("Refund: failed to parse request body", "error", err)
		h.HandleError(w, errors.NewValidationError("invalid request body", errors.ErrCodeValidationFailed))
		return
	}

	paymentID := chi.URLParam(r, "paymentId")
	view, err := h.PaymentService.Refund(r.Context(), paymentID, req, actor)
	if err != nil {
		h.Logger.Error("Refund: service error", "error", err, "payment_id", paymentID, "user_id", actor.ID)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusCreated, view)
}
