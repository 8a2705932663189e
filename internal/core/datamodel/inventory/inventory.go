package inventory

import "time"

type Product struct {
	ID        string    `gorm:"column:id;primaryKey"`
	SKU       string    `gorm:"column:sku;uniqueIndex"`
	Name      string    `gorm:"column:name;not null"`
	Stock     int       `gorm:"column:stock;not null;default:0"`
	Reserved  int       `gorm:"column:reserved;not null;default:0"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Product) TableName() string {
	return "products"
}

func (p Product) Available() int {
	return p.Stock - p.Reserved
}

// Adjustment is the ledger row written once per inventory job.
type Adjustment struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement"`
	JobID     string    `gorm:"column:job_id;not null;uniqueIndex"`
	ProductID string    `gorm:"column:product_id;not null;index"`
	OrderID   string    `gorm:"column:order_id"`
	Operation string    `gorm:"column:operation;not null"`
	Quantity  int       `gorm:"column:quantity;not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (Adjustment) TableName() string {
	return "inventory_adjustments"
}
