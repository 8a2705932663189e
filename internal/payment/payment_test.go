package payment_test

import (
	"errors"
	"math/rand"
	"regexp"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/storefront-payments/internal"
	"github.com/frahmantamala/storefront-payments/internal/core/datamodel/order"
	"github.com/frahmantamala/storefront-payments/internal/core/datamodel/payment"
	paymentpkg "github.com/frahmantamala/storefront-payments/internal/payment"
)

var allStatuses = []payment.Status{
	payment.StatusPending,
	payment.StatusProcessing,
	payment.StatusCompleted,
	payment.StatusFailed,
	payment.StatusCancelled,
	payment.StatusRefunded,
	payment.StatusPartialRefund,
	payment.StatusTimeout,
	payment.StatusExpired,
}

// legalEdges is written out independently of the production table.
var legalEdges = map[[2]payment.Status]bool{
	{payment.StatusPending, payment.StatusProcessing}:          true,
	{payment.StatusPending, payment.StatusFailed}:              true,
	{payment.StatusPending, payment.StatusCancelled}:           true,
	{payment.StatusPending, payment.StatusExpired}:             true,
	{payment.StatusProcessing, payment.StatusCompleted}:        true,
	{payment.StatusProcessing, payment.StatusFailed}:           true,
	{payment.StatusProcessing, payment.StatusCancelled}:        true,
	{payment.StatusProcessing, payment.StatusTimeout}:          true,
	{payment.StatusProcessing, payment.StatusExpired}:          true,
	{payment.StatusCompleted, payment.StatusRefunded}:          true,
	{payment.StatusCompleted, payment.StatusPartialRefund}:     true,
	{payment.StatusPartialRefund, payment.StatusRefunded}:      true,
	{payment.StatusPartialRefund, payment.StatusPartialRefund}: true,
	{payment.StatusFailed, payment.StatusPending}:              true,
}

func completedPayment(amount string) *payment.Payment {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return &payment.Payment{
		ID:           "pay-1",
		OrderID:      "order-1",
		Amount:       decimal.RequireFromString(amount),
		ActualAmount: decimal.NewNullDecimal(decimal.RequireFromString(amount)),
		Status:       payment.StatusCompleted,
		Attempts:     1,
		MaxAttempts:  3,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

var _ = Describe("Payment state machine", func() {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	Describe("transition table", func() {
		It("agrees with the legal edge list for every pair", func() {
			for _, from := range allStatuses {
				for _, to := range allStatuses {
					Expect(paymentpkg.CanTransition(from, to)).To(Equal(legalEdges[[2]payment.Status{from, to}]),
						"edge %s -> %s", from, to)
				}
			}
		})

		It("rejects illegal edges along random sequences", func() {
			// Given a seeded generator so failures are reproducible
			rng := rand.New(rand.NewSource(42))

			for run := 0; run < 200; run++ {
				p := &payment.Payment{Status: payment.StatusPending}
				for step := 0; step < 20; step++ {
					from := p.Status
					to := allStatuses[rng.Intn(len(allStatuses))]

					// When applying a random target
					err := paymentpkg.ApplyTransition(p, to, now)

					// Then only legal edges move the payment
					if legalEdges[[2]payment.Status{from, to}] {
						Expect(err).ToNot(HaveOccurred())
						Expect(p.Status).To(Equal(to))
					} else {
						Expect(errors.Is(err, internal.ErrInvalidTransition)).To(BeTrue(), "edge %s -> %s", from, to)
						Expect(p.Status).To(Equal(from))
					}
				}
			}
		})

		It("stamps lifecycle timestamps first-write-wins", func() {
			// Given a partially refunded payment
			p := completedPayment("1000")
			paidAt := now.Add(-time.Hour)
			p.PaidAt = &paidAt

			// When it moves through further states
			Expect(paymentpkg.ApplyTransition(p, payment.StatusPartialRefund, now)).To(Succeed())

			// Then the original paid timestamp is kept
			Expect(*p.PaidAt).To(Equal(paidAt))
		})
	})

	Describe("ApplyUpdate", func() {
		It("applies only when the current status matches", func() {
			receipt := "ABC123"
			p := &payment.Payment{Status: payment.StatusProcessing, Version: 1}
			update := payment.StatusUpdate{
				From:          []payment.Status{payment.StatusProcessing},
				To:            payment.StatusCompleted,
				At:            now,
				ReceiptNumber: &receipt,
			}

			Expect(paymentpkg.ApplyUpdate(p, update)).To(BeTrue())
			Expect(p.Status).To(Equal(payment.StatusCompleted))
			Expect(*p.ReceiptNumber).To(Equal("ABC123"))
			Expect(*p.PaidAt).To(Equal(now))
			Expect(*p.CapturedAt).To(Equal(now))
			Expect(p.Version).To(Equal(2))

			// A second identical update is a no-op
			Expect(paymentpkg.ApplyUpdate(p, update)).To(BeFalse())
			Expect(p.Version).To(Equal(2))
		})

		It("refuses an edge the lifecycle table does not allow", func() {
			p := &payment.Payment{Status: payment.StatusPending, Version: 1}
			update := payment.StatusUpdate{
				From: []payment.Status{payment.StatusPending},
				To:   payment.StatusCompleted,
				At:   now,
			}

			Expect(paymentpkg.ApplyUpdate(p, update)).To(BeFalse())
			Expect(p.Status).To(Equal(payment.StatusPending))
			Expect(p.PaidAt).To(BeNil())
			Expect(p.Version).To(Equal(1))
			Expect(errors.Is(paymentpkg.ValidateUpdate(update), internal.ErrInvalidTransition)).To(BeTrue())
		})

		It("accepts updates whose every expected status may reach the target", func() {
			update := payment.StatusUpdate{
				From: []payment.Status{payment.StatusPending, payment.StatusProcessing},
				To:   payment.StatusExpired,
			}
			Expect(paymentpkg.ValidateUpdate(update)).To(Succeed())

			update.To = payment.StatusCompleted
			Expect(errors.Is(paymentpkg.ValidateUpdate(update), internal.ErrInvalidTransition)).To(BeTrue())

			update.From = nil
			Expect(errors.Is(paymentpkg.ValidateUpdate(update), internal.ErrInvalidTransition)).To(BeTrue())
		})

		It("carries the side effects marker", func() {
			pending := true
			p := &payment.Payment{Status: payment.StatusProcessing, Version: 1}

			Expect(paymentpkg.ApplyUpdate(p, payment.StatusUpdate{
				From:               []payment.Status{payment.StatusProcessing},
				To:                 payment.StatusCompleted,
				At:                 now,
				SideEffectsPending: &pending,
			})).To(BeTrue())
			Expect(p.SideEffectsPending).To(BeTrue())
		})
	})

	Describe("Retry", func() {
		It("re-arms a failed payment and clears failure detail", func() {
			code := "1"
			checkout := "ws_CO_1"
			p := &payment.Payment{
				Status:            payment.StatusFailed,
				Attempts:          1,
				MaxAttempts:       3,
				FailureCode:       &code,
				CheckoutRequestID: &checkout,
			}

			Expect(paymentpkg.Retry(p, now)).To(Succeed())
			Expect(p.Status).To(Equal(payment.StatusPending))
			Expect(p.Attempts).To(Equal(2))
			Expect(p.FailureCode).To(BeNil())
			Expect(p.CheckoutRequestID).To(BeNil())
		})

		It("refuses once attempts are exhausted", func() {
			p := &payment.Payment{Status: payment.StatusFailed, Attempts: 3, MaxAttempts: 3}

			err := paymentpkg.Retry(p, now)

			Expect(errors.Is(err, internal.ErrRetryExhausted)).To(BeTrue())
			Expect(p.Status).To(Equal(payment.StatusFailed))
			Expect(p.Attempts).To(Equal(3))
		})

		It("refuses payments that are not failed", func() {
			for _, s := range []payment.Status{payment.StatusTimeout, payment.StatusCompleted, payment.StatusProcessing} {
				p := &payment.Payment{Status: s, Attempts: 1, MaxAttempts: 3}
				Expect(errors.Is(paymentpkg.Retry(p, now), internal.ErrInvalidTransition)).To(BeTrue(), string(s))
			}
		})
	})

	Describe("refund reservation", func() {
		refund := func(p *payment.Payment, amount string) (*payment.Refund, error) {
			r, err := paymentpkg.ReserveRefund(p, decimal.RequireFromString(amount), "reason", now)
			if err != nil {
				return nil, err
			}
			return paymentpkg.SettleRefund(p, r.ID, "manual", true, now)
		}

		It("accepts a partial refund and leaves a balance", func() {
			p := completedPayment("500")

			r, err := refund(p, "200")

			Expect(err).ToNot(HaveOccurred())
			Expect(r.Status).To(Equal(payment.RefundCompleted))
			Expect(r.Processor).To(Equal("manual"))
			Expect(p.Status).To(Equal(payment.StatusPartialRefund))
			Expect(paymentpkg.Refundable(p).Equal(decimal.NewFromInt(300))).To(BeTrue())
		})

		It("accepts exactly the refundable amount and flips to refunded", func() {
			// Given a payment with 200 of 500 already refunded
			p := completedPayment("500")
			_, err := refund(p, "200")
			Expect(err).ToNot(HaveOccurred())

			// When refunding the remaining 300
			_, err = refund(p, "300")

			// Then the payment is fully refunded
			Expect(err).ToNot(HaveOccurred())
			Expect(p.Status).To(Equal(payment.StatusRefunded))
			Expect(p.Refunds).To(HaveLen(2))
			Expect(paymentpkg.Refundable(p).IsZero()).To(BeTrue())
		})

		It("rejects one cent over the refundable amount", func() {
			p := completedPayment("500")

			_, err := paymentpkg.ReserveRefund(p, decimal.RequireFromString("500.01"), "too much", now)

			Expect(errors.Is(err, internal.ErrRefundExceedsBalance)).To(BeTrue())
			Expect(p.Status).To(Equal(payment.StatusCompleted))
			Expect(p.Refunds).To(BeEmpty())
		})

		It("counts a pending reservation against the balance", func() {
			// Given 500 reserved but not yet settled
			p := completedPayment("500")
			pending, err := paymentpkg.ReserveRefund(p, decimal.NewFromInt(500), "all", now)
			Expect(err).ToNot(HaveOccurred())
			Expect(pending.Status).To(Equal(payment.RefundPending))
			Expect(p.Status).To(Equal(payment.StatusCompleted))

			// When a second refund asks for any amount
			_, err = paymentpkg.ReserveRefund(p, decimal.NewFromInt(1), "again", now)

			// Then nothing is left to reserve
			Expect(errors.Is(err, internal.ErrRefundExceedsBalance)).To(BeTrue())
			Expect(p.Refunds).To(HaveLen(1))
		})

		It("releases the reservation when the refund fails", func() {
			p := completedPayment("500")
			pending, err := paymentpkg.ReserveRefund(p, decimal.NewFromInt(500), "all", now)
			Expect(err).ToNot(HaveOccurred())

			failed, err := paymentpkg.SettleRefund(p, pending.ID, "manual", false, now)

			Expect(err).ToNot(HaveOccurred())
			Expect(failed.Status).To(Equal(payment.RefundFailed))
			Expect(p.Status).To(Equal(payment.StatusCompleted))
			Expect(paymentpkg.Refundable(p).Equal(decimal.NewFromInt(500))).To(BeTrue())
		})

		It("settles a refund only once", func() {
			p := completedPayment("500")
			pending, err := paymentpkg.ReserveRefund(p, decimal.NewFromInt(100), "x", now)
			Expect(err).ToNot(HaveOccurred())
			_, err = paymentpkg.SettleRefund(p, pending.ID, "manual", true, now)
			Expect(err).ToNot(HaveOccurred())

			_, err = paymentpkg.SettleRefund(p, pending.ID, "manual", true, now)
			Expect(errors.Is(err, internal.ErrInvalidTransition)).To(BeTrue())
			_, err = paymentpkg.SettleRefund(p, "missing", "manual", true, now)
			Expect(errors.Is(err, internal.ErrInvalidTransition)).To(BeTrue())
			Expect(p.Refunds.CompletedTotal().Equal(decimal.NewFromInt(100))).To(BeTrue())
		})

		It("ignores refunds that did not complete", func() {
			p := completedPayment("500")
			p.Refunds = payment.Refunds{{ID: "r0", Amount: decimal.NewFromInt(400), Status: payment.RefundFailed}}

			_, err := refund(p, "500")

			Expect(err).ToNot(HaveOccurred())
			Expect(p.Status).To(Equal(payment.StatusRefunded))
		})

		It("rejects refunds on payments that never captured money", func() {
			p := completedPayment("500")
			p.Status = payment.StatusFailed

			_, err := paymentpkg.ReserveRefund(p, decimal.NewFromInt(1), "x", now)

			Expect(errors.Is(err, internal.ErrInvalidTransition)).To(BeTrue())
		})

		It("rejects non-positive amounts", func() {
			p := completedPayment("500")

			_, err := paymentpkg.ReserveRefund(p, decimal.Zero, "x", now)

			appErr, ok := internal.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Type).To(Equal(internal.ErrorTypeValidation))
		})
	})

	Describe("NewPayment", func() {
		It("builds a pending mpesa payment for the order", func() {
			o := &order.Order{ID: "order-1", CustomerID: "cust-1", Total: decimal.NewFromInt(500), Currency: "KES"}

			p := paymentpkg.NewPayment(o, "254712345678", "", 3, now)

			Expect(p.Status).To(Equal(payment.StatusPending))
			Expect(p.Method).To(Equal(payment.MethodMpesa))
			Expect(p.Gateway).To(Equal(payment.GatewaySafaricom))
			Expect(p.Currency).To(Equal("KES"))
			Expect(p.Attempts).To(Equal(1))
			Expect(*p.InitiatedAt).To(Equal(now))
			Expect(p.PaymentNumber).To(MatchRegexp(`^PAY-20240301-[0-9A-F]{8}$`))
		})

		It("generates distinct payment numbers", func() {
			re := regexp.MustCompile(`^PAY-\d{8}-[0-9A-F]{8}$`)
			seen := map[string]bool{}
			for i := 0; i < 50; i++ {
				n := paymentpkg.NewPaymentNumber(now)
				Expect(re.MatchString(n)).To(BeTrue())
				seen[n] = true
			}
			Expect(seen).To(HaveLen(50))
		})
	})
})
