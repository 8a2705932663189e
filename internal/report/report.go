package report

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/frahmantamala/storefront-payments/internal/queue"
)

const TypeDaily = "daily"

type Summary struct {
	CompletedCount  int
	CompletedAmount decimal.Decimal
	FailedCount     int
	RefundedAmount  decimal.Decimal
}

type SourceAPI interface {
	Summarize(ctx context.Context, from, to time.Time) (Summary, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, jobType string, payload interface{}, opts ...queue.EnqueueOption) (*queue.Job, error)
}

// JobHandler aggregates payments for generate_report jobs and mails the
// result through the notification queue.
type JobHandler struct {
	source       SourceAPI
	jobs         Enqueuer
	defaultEmail string
	logger       *slog.Logger
}

func NewJobHandler(source SourceAPI, jobs Enqueuer, defaultEmail string, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		source:       source,
		jobs:         jobs,
		defaultEmail: defaultEmail,
		logger:       logger,
	}
}

func (h *JobHandler) HandleGenerateReport(ctx context.Context, job *queue.Job) error {
	payload, err := queue.Decode[queue.ReportPayload](job)
	if err != nil {
		return err
	}
	if !payload.To.After(payload.From) {
		return errors.New("report window is empty")
	}

	summary, err := h.source.Summarize(ctx, payload.From, payload.To)
	if err != nil {
		h.logger.Error("generate_report: aggregation failed", "job_id", job.ID, "error", err)
		return err
	}

	h.logger.Info("report generated",
		"report_type", payload.ReportType,
		"from", payload.From,
		"to", payload.To,
		"completed_count", summary.CompletedCount,
		"completed_amount", summary.CompletedAmount.StringFixed(2))

	to := payload.Email
	if to == "" {
		to = h.defaultEmail
	}
	if to == "" {
		return nil
	}

	_, err = h.jobs.Enqueue(ctx, queue.QueueNotification, queue.JobSendEmail, queue.NotificationPayload{
		To:       to,
		Template: queue.TemplateDailyReport,
		Data: map[string]interface{}{
			"reportType":      payload.ReportType,
			"from":            payload.From.Format("2006-01-02"),
			"to":              payload.To.Format("2006-01-02"),
			"completedCount":  summary.CompletedCount,
			"completedAmount": summary.CompletedAmount.StringFixed(2),
			"failedCount":     summary.FailedCount,
			"refundedAmount":  summary.RefundedAmount.StringFixed(2),
		},
	})
	return err
}

func (h *JobHandler) Register(registry *queue.Registry) error {
	return registry.Register(queue.QueueReport, queue.JobGenerateReport, h.HandleGenerateReport)
}

// EnqueueDaily schedules the report for the day before now. The job id is
// derived from the day so repeated ticks do not queue duplicates.
func EnqueueDaily(ctx context.Context, jobs Enqueuer, now time.Time, email string) (*queue.Job, error) {
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	start := end.AddDate(0, 0, -1)
	return jobs.Enqueue(ctx, queue.QueueReport, queue.JobGenerateReport, queue.ReportPayload{
		ReportType: TypeDaily,
		From:       start,
		To:         end,
		Email:      email,
	}, queue.WithJobID("report-daily-"+start.Format("20060102")))
}
