package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/frahmantamala/storefront-payments/internal/core/datamodel/inventory"
	inventorypkg "github.com/frahmantamala/storefront-payments/internal/inventory"
	"github.com/frahmantamala/storefront-payments/internal/queue"
)

type InventoryRepository struct {
	db *gorm.DB
}

func NewInventoryRepository(db *gorm.DB) *InventoryRepository {
	return &InventoryRepository{
		db: db,
	}
}

var _ inventorypkg.StoreAPI = (*InventoryRepository)(nil)

func (r *InventoryRepository) Apply(ctx context.Context, adj inventory.Adjustment) (bool, error) {
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "job_id"}}, DoNothing: true}).Create(&adj)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		query := tx.Model(&inventory.Product{}).Where("id = ?", adj.ProductID)
		var updates map[string]interface{}
		switch adj.Operation {
		case queue.StockReserve:
			query = query.Where("stock - reserved >= ?", adj.Quantity)
			updates = map[string]interface{}{"reserved": gorm.Expr("reserved + ?", adj.Quantity)}
		case queue.StockRelease:
			updates = map[string]interface{}{"reserved": gorm.Expr("CASE WHEN reserved >= ? THEN reserved - ? ELSE 0 END", adj.Quantity, adj.Quantity)}
		case queue.StockDecrement:
			query = query.Where("stock >= ?", adj.Quantity)
			updates = map[string]interface{}{
				"stock":    gorm.Expr("stock - ?", adj.Quantity),
				"reserved": gorm.Expr("CASE WHEN reserved >= ? THEN reserved - ? ELSE 0 END", adj.Quantity, adj.Quantity),
			}
		case queue.StockIncrement:
			updates = map[string]interface{}{"stock": gorm.Expr("stock + ?", adj.Quantity)}
		default:
			return fmt.Errorf("unknown stock operation %q", adj.Operation)
		}

		res = query.Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&inventory.Product{}).Where("id = ?", adj.ProductID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return inventorypkg.ErrProductNotFound
			}
			return inventorypkg.ErrInsufficientStock
		}
		applied = true
		return nil
	})
	return applied, err
}

func (r *InventoryRepository) GetProduct(ctx context.Context, id string) (*inventory.Product, error) {
	var p inventory.Product
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *InventoryRepository) CreateProduct(ctx context.Context, p *inventory.Product) error {
	return r.db.WithContext(ctx).Create(p).Error
}
