package notification

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/frahmantamala/storefront-payments/internal/queue"
)

type messageTemplate struct {
	subject *template.Template
	body    *template.Template
	sms     *template.Template
}

type Message struct {
	Subject string
	Body    string
}

var templateSources = map[string][3]string{
	queue.TemplatePaymentConfirmation: {
		"Payment received for order {{.orderNumber}}",
		`Hello,

We received your payment of {{.currency}} {{.amount}} for order {{.orderNumber}}.
M-Pesa receipt: {{.receiptNumber}}
Payment reference: {{.paymentNumber}}

Thank you for shopping with us.
`,
		"Payment of {{.currency}} {{.amount}} received for order {{.orderNumber}}. Receipt {{.receiptNumber}}.",
	},
	queue.TemplateOrderStatus: {
		"Order {{.orderNumber}} is now {{.status}}",
		`Hello,

Your order {{.orderNumber}} is now {{.status}}.
Payment status: {{.paymentStatus}}
`,
		"Order {{.orderNumber}} is now {{.status}}.",
	},
	queue.TemplateRefund: {
		"Refund {{.status}} for payment {{.paymentId}}",
		`Hello,

A refund of {{.currency}} {{.amount}} was {{.status}} for your payment {{.paymentId}}.
Refund reference: {{.refundId}}
`,
		"Refund of {{.currency}} {{.amount}} {{.status}}. Ref {{.refundId}}.",
	},
	queue.TemplateReconciliationAlert: {
		"Payment reconciliation needed: {{.checkoutRequestId}}",
		`A gateway notification could not be applied automatically.

Payment: {{.paymentId}}
Checkout request: {{.checkoutRequestId}}
Reason: {{.reason}}
Error: {{.error}}
`,
		"Reconciliation needed for {{.checkoutRequestId}}: {{.error}}",
	},
	queue.TemplateDailyReport: {
		"Payments report {{.from}} to {{.to}}",
		`Payments report ({{.reportType}})
Period: {{.from}} to {{.to}}

Completed payments: {{.completedCount}}
Completed amount: {{.completedAmount}}
Failed payments: {{.failedCount}}
Refunded amount: {{.refundedAmount}}
`,
		"Payments {{.from}}: {{.completedCount}} completed, {{.completedAmount}} collected.",
	},
}

// Templates renders notification payloads into message text.
type Templates struct {
	byName map[string]messageTemplate
}

func NewTemplates() (*Templates, error) {
	t := &Templates{byName: make(map[string]messageTemplate, len(templateSources))}
	for name, src := range templateSources {
		subject, err := template.New(name + ".subject").Parse(src[0])
		if err != nil {
			return nil, fmt.Errorf("parse %s subject: %w", name, err)
		}
		body, err := template.New(name + ".body").Parse(src[1])
		if err != nil {
			return nil, fmt.Errorf("parse %s body: %w", name, err)
		}
		sms, err := template.New(name + ".sms").Parse(src[2])
		if err != nil {
			return nil, fmt.Errorf("parse %s sms: %w", name, err)
		}
		t.byName[name] = messageTemplate{subject: subject, body: body, sms: sms}
	}
	return t, nil
}

func (t *Templates) Email(name string, data map[string]interface{}) (Message, error) {
	tmpl, ok := t.byName[name]
	if !ok {
		return Message{}, fmt.Errorf("unknown template %q", name)
	}
	subject, err := execute(tmpl.subject, data)
	if err != nil {
		return Message{}, err
	}
	body, err := execute(tmpl.body, data)
	if err != nil {
		return Message{}, err
	}
	return Message{Subject: subject, Body: body}, nil
}

func (t *Templates) SMS(name string, data map[string]interface{}) (string, error) {
	tmpl, ok := t.byName[name]
	if !ok {
		return "", fmt.Errorf("unknown template %q", name)
	}
	return execute(tmpl.sms, data)
}

func execute(tmpl *template.Template, data map[string]interface{}) (string, error) {
	if data == nil {
		data = map[string]interface{}{}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}
