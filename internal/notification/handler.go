package notification

import (
	"context"
	"errors"
	"log/slog"

	"github.com/frahmantamala/storefront-payments/internal/queue"
)

// Handler executes notification jobs. Delivery is at-least-once, so a
// retried job may send the same message twice.
type Handler struct {
	email     EmailSender
	sms       SMSSender
	templates *Templates
	logger    *slog.Logger
}

func NewHandler(email EmailSender, sms SMSSender, templates *Templates, logger *slog.Logger) *Handler {
	return &Handler{
		email:     email,
		sms:       sms,
		templates: templates,
		logger:    logger,
	}
}

func (h *Handler) HandleSendEmail(ctx context.Context, job *queue.Job) error {
	payload, err := queue.Decode[queue.NotificationPayload](job)
	if err != nil {
		return err
	}
	if payload.To == "" {
		return errors.New("notification has no recipient")
	}

	msg, err := h.templates.Email(payload.Template, payload.Data)
	if err != nil {
		h.logger.Error("send_email: render failed", "job_id", job.ID, "template", payload.Template, "error", err)
		return err
	}
	return h.email.SendMail(ctx, payload.To, msg.Subject, msg.Body)
}

func (h *Handler) HandleSendSMS(ctx context.Context, job *queue.Job) error {
	payload, err := queue.Decode[queue.NotificationPayload](job)
	if err != nil {
		return err
	}
	if payload.To == "" {
		return errors.New("notification has no recipient")
	}

	body, err := h.templates.SMS(payload.Template, payload.Data)
	if err != nil {
		h.logger.Error("send_sms: render failed", "job_id", job.ID, "template", payload.Template, "error", err)
		return err
	}
	return h.sms.SendSMS(ctx, payload.To, body)
}

func (h *Handler) Register(registry *queue.Registry) error {
	return errors.Join(
		registry.Register(queue.QueueNotification, queue.JobSendEmail, h.HandleSendEmail),
		registry.Register(queue.QueueNotification, queue.JobSendSMS, h.HandleSendSMS),
	)
}
