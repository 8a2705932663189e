package notification

import (
	"context"
	"errors"
	"net/smtp"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/storefront-payments/internal"
	"github.com/frahmantamala/storefront-payments/internal/queue"
)

type sentMail struct {
	to, subject, body string
}

type fakeEmail struct {
	sent []sentMail
	err  error
}

func (f *fakeEmail) SendMail(ctx context.Context, to, subject, body string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMail{to, subject, body})
	return nil
}

type fakeSMS struct {
	to, body []string
}

func (f *fakeSMS) SendSMS(ctx context.Context, to, body string) error {
	f.to = append(f.to, to)
	f.body = append(f.body, body)
	return nil
}

var _ = Describe("Templates", func() {
	It("renders every known template", func() {
		templates, err := NewTemplates()
		Expect(err).ToNot(HaveOccurred())

		for _, name := range []string{
			queue.TemplatePaymentConfirmation,
			queue.TemplateOrderStatus,
			queue.TemplateRefund,
			queue.TemplateReconciliationAlert,
			queue.TemplateDailyReport,
		} {
			msg, err := templates.Email(name, map[string]interface{}{"orderNumber": "ORD-1"})
			Expect(err).ToNot(HaveOccurred(), name)
			Expect(msg.Subject).ToNot(BeEmpty(), name)

			_, err = templates.SMS(name, nil)
			Expect(err).ToNot(HaveOccurred(), name)
		}
	})

	It("fills the payment confirmation", func() {
		templates, err := NewTemplates()
		Expect(err).ToNot(HaveOccurred())

		msg, err := templates.Email(queue.TemplatePaymentConfirmation, map[string]interface{}{
			"orderNumber":   "ORD-1001",
			"amount":        "500.00",
			"currency":      "KES",
			"receiptNumber": "ABC123",
		})

		Expect(err).ToNot(HaveOccurred())
		Expect(msg.Subject).To(Equal("Payment received for order ORD-1001"))
		Expect(msg.Body).To(ContainSubstring("KES 500.00"))
		Expect(msg.Body).To(ContainSubstring("ABC123"))
	})

	It("rejects unknown templates", func() {
		templates, err := NewTemplates()
		Expect(err).ToNot(HaveOccurred())

		_, err = templates.Email("nope", nil)
		Expect(err).To(MatchError(ContainSubstring("unknown template")))
	})
})

var _ = Describe("SMTPSender", func() {
	It("builds a message with headers and authenticates when a username is set", func() {
		// Given
		var (
			gotAddr string
			gotAuth smtp.Auth
			gotTo   []string
			gotMsg  string
		)
		sender := NewSMTPSender(internal.SMTPConfig{
			Host:     "smtp.example.com",
			Port:     587,
			Username: "mailer",
			Password: "secret",
			From:     "shop@example.com",
		}, testLogger, withSendMail(func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
			gotAddr, gotAuth, gotTo, gotMsg = addr, a, to, string(msg)
			return nil
		}))

		// When
		err := sender.SendMail(context.Background(), "jane@example.com", "Hello", "Body text")

		// Then
		Expect(err).ToNot(HaveOccurred())
		Expect(gotAddr).To(Equal("smtp.example.com:587"))
		Expect(gotAuth).ToNot(BeNil())
		Expect(gotTo).To(Equal([]string{"jane@example.com"}))
		Expect(gotMsg).To(ContainSubstring("Subject: Hello\r\n"))
		Expect(gotMsg).To(ContainSubstring("From: shop@example.com\r\n"))
		Expect(strings.HasSuffix(gotMsg, "\r\n\r\nBody text")).To(BeTrue())
	})

	It("wraps relay errors", func() {
		sender := NewSMTPSender(internal.SMTPConfig{Host: "localhost", Port: 25}, testLogger,
			withSendMail(func(string, smtp.Auth, string, []string, []byte) error {
				return errors.New("connection refused")
			}))

		err := sender.SendMail(context.Background(), "jane@example.com", "Hello", "Body")

		Expect(err).To(MatchError(ContainSubstring("connection refused")))
	})
})

var _ = Describe("Handler", func() {
	var (
		ctx      context.Context
		broker   *queue.MemoryBroker
		registry *queue.Registry
		email    *fakeEmail
		sms      *fakeSMS
	)

	BeforeEach(func() {
		ctx = context.Background()
		broker = queue.NewMemoryBroker()
		registry = queue.NewRegistry(broker, queue.DefaultPolicies(), testLogger)
		email = &fakeEmail{}
		sms = &fakeSMS{}
		templates, err := NewTemplates()
		Expect(err).ToNot(HaveOccurred())
		Expect(NewHandler(email, sms, templates, testLogger).Register(registry)).To(Succeed())
	})

	It("sends a templated email", func() {
		job, err := registry.Enqueue(ctx, queue.QueueNotification, queue.JobSendEmail, queue.NotificationPayload{
			To:       "jane@example.com",
			Template: queue.TemplateOrderStatus,
			Data:     map[string]interface{}{"orderNumber": "ORD-1001", "status": "confirmed"},
		})
		Expect(err).ToNot(HaveOccurred())

		_, err = registry.RunOnce(ctx, queue.QueueNotification)

		Expect(err).ToNot(HaveOccurred())
		Expect(email.sent).To(HaveLen(1))
		Expect(email.sent[0].subject).To(Equal("Order ORD-1001 is now confirmed"))
		stored, err := broker.Get(ctx, job.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(stored.State).To(Equal(queue.StateCompleted))
	})

	It("sends an sms", func() {
		_, err := registry.Enqueue(ctx, queue.QueueNotification, queue.JobSendSMS, queue.NotificationPayload{
			To:       "254712345678",
			Template: queue.TemplatePaymentConfirmation,
			Data:     map[string]interface{}{"orderNumber": "ORD-1001", "amount": "500.00", "currency": "KES", "receiptNumber": "ABC123"},
		})
		Expect(err).ToNot(HaveOccurred())

		_, err = registry.RunOnce(ctx, queue.QueueNotification)

		Expect(err).ToNot(HaveOccurred())
		Expect(sms.to).To(Equal([]string{"254712345678"}))
		Expect(sms.body[0]).To(ContainSubstring("Receipt ABC123"))
	})

	It("schedules a retry when delivery fails", func() {
		email.err = errors.New("relay down")
		job, err := registry.Enqueue(ctx, queue.QueueNotification, queue.JobSendEmail, queue.NotificationPayload{
			To:       "jane@example.com",
			Template: queue.TemplateOrderStatus,
		})
		Expect(err).ToNot(HaveOccurred())

		_, err = registry.RunOnce(ctx, queue.QueueNotification)

		Expect(err).ToNot(HaveOccurred())
		stored, err := broker.Get(ctx, job.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(stored.State).To(Equal(queue.StateDelayed))
		Expect(stored.LastError).To(ContainSubstring("relay down"))
	})
})
