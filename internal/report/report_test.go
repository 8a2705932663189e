package report_test

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/frahmantamala/storefront-payments/internal/core/datamodel/payment"
	"github.com/frahmantamala/storefront-payments/internal/queue"
	"github.com/frahmantamala/storefront-payments/internal/report"
)

type fixedSource struct {
	summary  report.Summary
	err      error
	from, to time.Time
}

func (f *fixedSource) Summarize(ctx context.Context, from, to time.Time) (report.Summary, error) {
	f.from, f.to = from, to
	return f.summary, f.err
}

var _ = Describe("SQLSource", func() {
	var (
		ctx    context.Context
		gormDB *gorm.DB
		source *report.SQLSource
		day    time.Time
	)

	insert := func(id string, status payment.Status, amount int64, createdAt time.Time, refunds payment.Refunds) {
		p := &payment.Payment{
			ID:            id,
			PaymentNumber: "PAY-" + id,
			OrderID:       "order-" + id,
			CustomerID:    "cust-1",
			Amount:        decimal.NewFromInt(amount),
			Currency:      "KES",
			Method:        payment.MethodMpesa,
			Gateway:       payment.GatewaySafaricom,
			Status:        status,
			Refunds:       refunds,
			Attempts:      1,
			MaxAttempts:   3,
			Version:       1,
			CreatedAt:     createdAt,
			UpdatedAt:     createdAt,
		}
		if payment.StatusCompleted == status || status == payment.StatusPartialRefund {
			p.ActualAmount = decimal.NewNullDecimal(decimal.NewFromInt(amount))
		}
		Expect(gormDB.Create(p).Error).To(Succeed())
	}

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		day = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
		gormDB, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		Expect(err).ToNot(HaveOccurred())
		sqlDB, err := gormDB.DB()
		Expect(err).ToNot(HaveOccurred())
		sqlDB.SetMaxOpenConns(1)
		Expect(gormDB.AutoMigrate(&payment.Payment{})).To(Succeed())
		source = report.NewSQLSource(sqlx.NewDb(sqlDB, "sqlite3"))
	})

	It("sums completed payments and completed refunds inside the window", func() {
		// Given payments inside and outside the day
		insert("a", payment.StatusCompleted, 500, day.Add(2*time.Hour), nil)
		insert("b", payment.StatusPartialRefund, 300, day.Add(3*time.Hour), payment.Refunds{
			{ID: "r1", Amount: decimal.NewFromInt(100), Status: payment.RefundCompleted},
			{ID: "r2", Amount: decimal.NewFromInt(50), Status: payment.RefundFailed},
		})
		insert("c", payment.StatusFailed, 200, day.Add(4*time.Hour), nil)
		insert("d", payment.StatusCompleted, 999, day.Add(-time.Hour), nil)

		// When
		summary, err := source.Summarize(ctx, day, day.Add(24*time.Hour))

		// Then
		Expect(err).ToNot(HaveOccurred())
		Expect(summary.CompletedCount).To(Equal(2))
		Expect(summary.CompletedAmount.Equal(decimal.NewFromInt(800))).To(BeTrue())
		Expect(summary.FailedCount).To(Equal(1))
		Expect(summary.RefundedAmount.Equal(decimal.NewFromInt(100))).To(BeTrue())
	})

	It("returns zeros for an empty window", func() {
		summary, err := source.Summarize(ctx, day, day.Add(24*time.Hour))

		Expect(err).ToNot(HaveOccurred())
		Expect(summary.CompletedCount).To(BeZero())
		Expect(summary.CompletedAmount.IsZero()).To(BeTrue())
	})
})

var _ = Describe("JobHandler", func() {
	var (
		ctx      context.Context
		broker   *queue.MemoryBroker
		registry *queue.Registry
		source   *fixedSource
		from, to time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		broker = queue.NewMemoryBroker()
		registry = queue.NewRegistry(broker, queue.DefaultPolicies(), testLogger)
		source = &fixedSource{summary: report.Summary{CompletedCount: 3, CompletedAmount: decimal.RequireFromString("1500.5")}}
		Expect(report.NewJobHandler(source, registry, "ops@example.com", testLogger).Register(registry)).To(Succeed())
		from = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
		to = from.AddDate(0, 0, 1)
	})

	It("mails the summary to the default recipient", func() {
		_, err := registry.Enqueue(ctx, queue.QueueReport, queue.JobGenerateReport, queue.ReportPayload{ReportType: report.TypeDaily, From: from, To: to})
		Expect(err).ToNot(HaveOccurred())

		_, err = registry.RunOnce(ctx, queue.QueueReport)

		Expect(err).ToNot(HaveOccurred())
		Expect(source.from.Equal(from)).To(BeTrue())
		jobs, err := broker.List(ctx, queue.QueueNotification, queue.StateWaiting, 10)
		Expect(err).ToNot(HaveOccurred())
		Expect(jobs).To(HaveLen(1))
		var payload queue.NotificationPayload
		Expect(json.Unmarshal(jobs[0].Payload, &payload)).To(Succeed())
		Expect(payload.To).To(Equal("ops@example.com"))
		Expect(payload.Template).To(Equal(queue.TemplateDailyReport))
		Expect(payload.Data["completedAmount"]).To(Equal("1500.50"))
		Expect(payload.Data["from"]).To(Equal("2024-03-01"))
	})

	It("retries when aggregation fails", func() {
		source.err = errors.New("db down")
		job, err := registry.Enqueue(ctx, queue.QueueReport, queue.JobGenerateReport, queue.ReportPayload{From: from, To: to})
		Expect(err).ToNot(HaveOccurred())

		_, err = registry.RunOnce(ctx, queue.QueueReport)

		Expect(err).ToNot(HaveOccurred())
		stored, err := broker.Get(ctx, job.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(stored.State).To(Equal(queue.StateDelayed))
	})

	It("enqueues the daily report once per day", func() {
		now := time.Date(2024, 3, 2, 6, 30, 0, 0, time.UTC)

		job, err := report.EnqueueDaily(ctx, registry, now, "")
		Expect(err).ToNot(HaveOccurred())
		_, err = report.EnqueueDaily(ctx, registry, now.Add(time.Hour), "")

		Expect(errors.Is(err, queue.ErrDuplicate)).To(BeTrue())
		payload, err := queue.Decode[queue.ReportPayload](job)
		Expect(err).ToNot(HaveOccurred())
		Expect(payload.From).To(Equal(from))
		Expect(payload.To).To(Equal(to))
	})
})
