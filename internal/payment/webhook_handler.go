package payment

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/frahmantamala/storefront-payments/internal/transport"
)

const maxCallbackBody = 1 << 20

// CallbackAPI is the part of the service the gateway-facing routes call.
type CallbackAPI interface {
	HandleCallback(ctx context.Context, raw []byte) CallbackAck
	HandleTimeoutNotice(ctx context.Context, raw []byte) CallbackAck
}

// WebhookHandler serves the unauthenticated M-Pesa callback routes. The
// gateway retries anything but a 200, so every response is a 200 carrying a
// CallbackAck.
type WebhookHandler struct {
	*transport.BaseHandler
	paymentService CallbackAPI
	logger         *slog.Logger
}

func NewWebhookHandler(baseHandler *transport.BaseHandler, paymentService CallbackAPI, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		BaseHandler:    baseHandler,
		paymentService: paymentService,
		logger:         logger,
	}
}

// HandleCallback handles POST /api/v1/payments/mpesa/callback
func (h *WebhookHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	raw, err := h.readBody(r)
	if err != nil {
		h.logger.Error("HandleCallback: failed to read body", "error", err)
		h.WriteJSON(w, http.StatusOK, CallbackAck{Status: CallbackStatusError, Message: "unreadable body"})
		return
	}

	ack := h.paymentService.HandleCallback(r.Context(), raw)
	h.logger.Info("mpesa callback acknowledged", "status", ack.Status, "message", ack.Message)
	h.WriteJSON(w, http.StatusOK, ack)
}

// HandleTimeout handles POST /api/v1/payments/mpesa/timeout
func (h *WebhookHandler) HandleTimeout(w http.ResponseWriter, r *http.Request) {
	raw, err := h.readBody(r)
	if err != nil {
		h.logger.Error("HandleTimeout: failed to read body", "error", err)
		h.WriteJSON(w, http.StatusOK, CallbackAck{Status: CallbackStatusError, Message: "unreadable body"})
		return
	}

	ack := h.paymentService.HandleTimeoutNotice(r.Context(), raw)
	h.logger.Info("mpesa timeout acknowledged", "status", ack.Status, "message", ack.Message)
	h.WriteJSON(w, http.StatusOK, ack)
}

func (h *WebhookHandler) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
}
