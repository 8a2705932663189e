package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/frahmantamala/storefront-payments/internal"
	"github.com/frahmantamala/storefront-payments/internal/core/datamodel/payment"
	paymentpkg "github.com/frahmantamala/storefront-payments/internal/payment"
)

// PaymentRepository implements paymentpkg.RepositoryAPI with GORM. Status
// changes are single UPDATE statements guarded by the expected status, so
// concurrent appliers race on the row and exactly one wins.
type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{
		db: db,
	}
}

var _ paymentpkg.RepositoryAPI = (*PaymentRepository)(nil)

var activeStatuses = []string{string(payment.StatusPending), string(payment.StatusProcessing)}

func (r *PaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	err := r.db.WithContext(ctx).Create(p).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return internal.ErrActivePaymentExists.WithCause(err)
	}
	return err
}

func (r *PaymentRepository) first(ctx context.Context, query string, args ...interface{}) (*payment.Payment, error) {
	var p payment.Payment
	err := r.db.WithContext(ctx).Where(query, args...).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, internal.ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, id string) (*payment.Payment, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *PaymentRepository) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*payment.Payment, error) {
	return r.first(ctx, "checkout_request_id = ?", checkoutRequestID)
}

func (r *PaymentRepository) FindActiveByOrderID(ctx context.Context, orderID string) (*payment.Payment, error) {
	return r.first(ctx, "order_id = ? AND status IN ?", orderID, activeStatuses)
}

// Transition applies u only while the row is still in one of u.From.
// Lifecycle timestamps keep their first value.
func (r *PaymentRepository) Transition(ctx context.Context, u payment.StatusUpdate) (*payment.Payment, bool, error) {
	updates := map[string]interface{}{
		"status":     u.To,
		"updated_at": u.At,
		"version":    gorm.Expr("version + 1"),
	}
	for _, col := range payment.TimestampColumns(u.To) {
		updates[col] = gorm.Expr("COALESCE("+col+", ?)", u.At)
	}
	setIf(updates, "checkout_request_id", u.NewCheckoutRequestID)
	setIf(updates, "merchant_request_id", u.NewMerchantRequestID)
	setIf(updates, "receipt_number", u.ReceiptNumber)
	setIf(updates, "phone_number", u.PhoneNumber)
	setIf(updates, "failure_code", u.FailureCode)
	setIf(updates, "failure_message", u.FailureMessage)
	setIf(updates, "failure_reason", u.FailureReason)
	setIf(updates, "gateway_response", u.GatewayResponse)
	if u.ActualAmount != nil {
		updates["actual_amount"] = *u.ActualAmount
	}
	if u.SideEffectsPending != nil {
		updates["side_effects_pending"] = *u.SideEffectsPending
	}

	key, value := "id = ?", u.PaymentID
	if u.PaymentID == "" {
		key, value = "checkout_request_id = ?", u.CheckoutRequestID
	}

	res := r.db.WithContext(ctx).
		Model(&payment.Payment{}).
		Where(key, value).
		Where("status IN ?", payment.StatusStrings(u.From)).
		Updates(updates)
	if res.Error != nil {
		return nil, false, res.Error
	}

	current, err := r.first(ctx, key, value)
	if err != nil {
		return nil, false, err
	}
	return current, res.RowsAffected == 1, nil
}

func setIf(updates map[string]interface{}, col string, v *string) {
	if v != nil {
		updates[col] = *v
	}
}

// Save writes the whole document when the stored version still equals
// expectedVersion and returns ErrVersionConflict otherwise.
func (r *PaymentRepository) Save(ctx context.Context, p *payment.Payment, expectedVersion int) error {
	p.Version = expectedVersion + 1
	res := r.db.WithContext(ctx).
		Model(p).
		Where("version = ?", expectedVersion).
		Select("*").
		Omit("id", "payment_number", "order_id", "customer_id", "created_at").
		Updates(p)
	if res.Error != nil {
		p.Version = expectedVersion
		return res.Error
	}
	if res.RowsAffected == 0 {
		p.Version = expectedVersion
		if _, err := r.GetByID(ctx, p.ID); err != nil {
			return err
		}
		return internal.ErrVersionConflict
	}
	return nil
}

func (r *PaymentRepository) ListStale(ctx context.Context, statuses []payment.Status, before time.Time, limit int) ([]*payment.Payment, error) {
	var payments []*payment.Payment
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", payment.StatusStrings(statuses), before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}

// ClearSideEffects drops the side-effects marker. It is a no-op when the
// marker is already clear.
func (r *PaymentRepository) ClearSideEffects(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Model(&payment.Payment{}).
		Where("id = ? AND side_effects_pending", id).
		Updates(map[string]interface{}{
			"side_effects_pending": false,
			"version":              gorm.Expr("version + 1"),
		}).Error
}

func (r *PaymentRepository) ListPendingSideEffects(ctx context.Context, before time.Time, limit int) ([]*payment.Payment, error) {
	var payments []*payment.Payment
	err := r.db.WithContext(ctx).
		Where("side_effects_pending AND updated_at < ?", before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}
