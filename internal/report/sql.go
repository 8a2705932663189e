package report

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/storefront-payments/internal/core/datamodel/payment"
)

const summaryQuery = `
SELECT
	COUNT(CASE WHEN status IN ('completed', 'refunded', 'partial_refund') THEN 1 END) AS completed_count,
	COALESCE(SUM(CASE WHEN status IN ('completed', 'refunded', 'partial_refund') THEN actual_amount END), 0) AS completed_amount,
	COUNT(CASE WHEN status IN ('failed', 'timeout', 'expired', 'cancelled') THEN 1 END) AS failed_count
FROM payments
WHERE created_at >= ? AND created_at < ?`

const refundsQuery = `
SELECT refunds FROM payments
WHERE status IN ('refunded', 'partial_refund') AND created_at >= ? AND created_at < ?`

// SQLSource aggregates straight from the payments table.
type SQLSource struct {
	db *sqlx.DB
}

func NewSQLSource(db *sqlx.DB) *SQLSource {
	return &SQLSource{db: db}
}

type summaryRow struct {
	CompletedCount  int             `db:"completed_count"`
	CompletedAmount decimal.Decimal `db:"completed_amount"`
	FailedCount     int             `db:"failed_count"`
}

func (s *SQLSource) Summarize(ctx context.Context, from, to time.Time) (Summary, error) {
	var row summaryRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(summaryQuery), from, to); err != nil {
		return Summary{}, err
	}

	var refundLists []payment.Refunds
	if err := s.db.SelectContext(ctx, &refundLists, s.db.Rebind(refundsQuery), from, to); err != nil {
		return Summary{}, err
	}
	refunded := decimal.Zero
	for _, refunds := range refundLists {
		refunded = refunded.Add(refunds.CompletedTotal())
	}

	return Summary{
		CompletedCount:  row.CompletedCount,
		CompletedAmount: row.CompletedAmount,
		FailedCount:     row.FailedCount,
		RefundedAmount:  refunded,
	}, nil
}
