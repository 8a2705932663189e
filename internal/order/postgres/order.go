package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/frahmantamala/storefront-payments/internal"
	"github.com/frahmantamala/storefront-payments/internal/core/datamodel/order"
)

var paidStatuses = []string{order.PaymentStatusPaid, order.PaymentStatusRefunded}

type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{
		db: db,
	}
}

func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	return r.db.WithContext(ctx).Create(o).Error
}

func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	return r.getByID(r.db.WithContext(ctx), id)
}

func (r *OrderRepository) getByID(tx *gorm.DB, id string) (*order.Order, error) {
	var o order.Order
	err := tx.
		Preload("StatusHistory", func(db *gorm.DB) *gorm.DB {
			return db.Order("id ASC")
		}).
		Where("id = ?", id).
		First(&o).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, internal.ErrOrderNotFound
		}
		return nil, err
	}
	return &o, nil
}

// UpdatePaymentMirror never moves a paid order back to an unpaid payment
// status; only refunded may replace paid.
func (r *OrderRepository) UpdatePaymentMirror(ctx context.Context, orderID string, mirror order.PaymentMirror) error {
	updates := mirror.Updates()
	updates["updated_at"] = time.Now().UTC()

	query := r.db.WithContext(ctx).Model(&order.Order{}).Where("id = ?", orderID)
	if mirror.Status != order.PaymentStatusRefunded {
		query = query.Where("payment_status NOT IN ?", paidStatuses)
	}
	res := query.Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&order.Order{}).Where("id = ?", orderID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return internal.ErrOrderNotFound
		}
	}
	return nil
}

// ConfirmPayment marks the order paid and appends entry in one transaction.
// applied is false when another writer confirmed it first.
func (r *OrderRepository) ConfirmPayment(ctx context.Context, orderID string, mirror order.PaymentMirror, entry order.StatusHistoryEntry) (*order.Order, bool, error) {
	var (
		result  *order.Order
		applied bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		updates := mirror.Updates()
		updates["updated_at"] = now
		updates["status"] = gorm.Expr("CASE WHEN status = ? THEN ? ELSE status END", order.StatusPending, order.StatusConfirmed)

		res := tx.Model(&order.Order{}).
			Where("id = ? AND payment_status NOT IN ?", orderID, paidStatuses).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		applied = res.RowsAffected == 1

		if applied {
			entry.ID = 0
			entry.OrderID = orderID
			if entry.CreatedAt.IsZero() {
				entry.CreatedAt = now
			}
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
		}

		o, err := r.getByID(tx, orderID)
		if err != nil {
			return err
		}
		result = o
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, applied, nil
}
