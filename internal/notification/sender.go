package notification

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"sort"
	"strings"

	"github.com/frahmantamala/storefront-payments/internal"
)

type EmailSender interface {
	SendMail(ctx context.Context, to, subject, body string) error
}

type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender delivers plain-text mail through a single SMTP relay.
type SMTPSender struct {
	config   internal.SMTPConfig
	logger   *slog.Logger
	sendMail sendMailFunc
}

type SMTPOption func(*SMTPSender)

func withSendMail(fn sendMailFunc) SMTPOption {
	return func(s *SMTPSender) {
		s.sendMail = fn
	}
}

func NewSMTPSender(cfg internal.SMTPConfig, logger *slog.Logger, opts ...SMTPOption) *SMTPSender {
	s := &SMTPSender{
		config:   cfg,
		logger:   logger,
		sendMail: smtp.SendMail,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SMTPSender) SendMail(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if s.config.Username != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	headers := map[string]string{
		"From":         s.config.From,
		"To":           to,
		"Subject":      subject,
		"MIME-Version": "1.0",
		"Content-Type": `text/plain; charset="utf-8"`,
	}
	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	sort.Strings(names)

	var message strings.Builder
	for _, k := range names {
		fmt.Fprintf(&message, "%s: %s\r\n", k, headers[k])
	}
	message.WriteString("\r\n")
	message.WriteString(body)

	if err := s.sendMail(addr, auth, s.config.From, []string{to}, []byte(message.String())); err != nil {
		s.logger.Error("email delivery failed", "to", to, "subject", subject, "error", err)
		return fmt.Errorf("send mail: %w", err)
	}

	s.logger.Info("email sent", "to", to, "subject", subject)
	return nil
}

// LogSMSSender writes messages to the log instead of an SMS provider.
type LogSMSSender struct {
	logger *slog.Logger
}

func NewLogSMSSender(logger *slog.Logger) *LogSMSSender {
	return &LogSMSSender{logger: logger}
}

func (s *LogSMSSender) SendSMS(ctx context.Context, to, body string) error {
	s.logger.Info("sms dispatched", "to", to, "body", body)
	return nil
}
