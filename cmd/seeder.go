package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/frahmantamala/storefront-payments/internal"
	"github.com/frahmantamala/storefront-payments/internal/core/datamodel/inventory"
	"github.com/frahmantamala/storefront-payments/internal/core/datamodel/order"
	"github.com/frahmantamala/storefront-payments/internal/transport/middleware"
)

type demoCustomer struct {
	ID           string    `gorm:"column:id;primaryKey"`
	Email        string    `gorm:"column:email;uniqueIndex"`
	Name         string    `gorm:"column:name"`
	Phone        string    `gorm:"column:phone"`
	Role         string    `gorm:"column:role"`
	PasswordHash string    `gorm:"column:password_hash"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (demoCustomer) TableName() string {
	return "customers"
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with sample data",
	Long:  `Seed demo customers, products and an unpaid order for development and testing purposes.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}

		gdb, _, err := openGorm(cfg.Database)
		if err != nil {
			log.Fatalf("failed to init db: %v", err)
		}
		ctx := context.Background()
		db := gdb.WithContext(ctx)

		if clearData {
			for _, table := range []string{"inventory_adjustments", "products", "payments", "order_status_history", "orders", "customers"} {
				if err := db.Exec("DELETE FROM " + table).Error; err != nil {
					log.Fatalf("failed to clear %s: %v", table, err)
				}
			}
			fmt.Println("Cleared existing data")
		}

		password := "password"
		hash, err := bcrypt.GenerateFromPassword([]byte(password), cfg.Security.BCryptCost)
		if err != nil {
			log.Fatalf("failed to hash demo password: %v", err)
		}

		customers := []demoCustomer{
			{ID: "cust-demo", Email: "wanjiru@mail.com", Name: "Wanjiru", Phone: "254712345678", Role: "customer"},
			{ID: "ops-demo", Email: "ops@mail.com", Name: "Ops Admin", Role: internal.RoleAdmin},
		}
		for i := range customers {
			customers[i].PasswordHash = string(hash)
		}
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&customers).Error; err != nil {
			log.Fatalf("failed to insert customers: %v", err)
		}
		fmt.Println("Seeded customers:", customers[0].Email, customers[1].Email)

		products := []inventory.Product{
			{ID: "prod-kikoy", SKU: "KIKOY-001", Name: "Kikoy beach towel", Stock: 40},
			{ID: "prod-kiondo", SKU: "KIONDO-002", Name: "Kiondo basket", Stock: 15},
		}
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&products).Error; err != nil {
			log.Fatalf("failed to insert products: %v", err)
		}
		fmt.Println("Seeded products:", len(products))

		if err := seedOrder(db, cfg.Payment.Currency); err != nil {
			log.Fatalf("failed to insert demo order: %v", err)
		}

		if cfg.Security.JWTSecret != "" {
			for _, c := range customers {
				token, err := demoToken(cfg.Security.JWTSecret, c)
				if err != nil {
					log.Fatalf("failed to sign demo token: %v", err)
				}
				fmt.Printf("Bearer token for %s (%s): %s\n", c.Email, c.Role, token)
			}
		}
	},
}

func seedOrder(db *gorm.DB, currency string) error {
	o := order.Order{
		ID:            "order-demo",
		OrderNumber:   "ORD-DEMO-0001",
		CustomerID:    "cust-demo",
		CustomerEmail: "wanjiru@mail.com",
		CustomerPhone: "254712345678",
		Total:         decimal.NewFromInt(1500),
		Currency:      currency,
		Status:        order.StatusPending,
		PaymentStatus: order.PaymentStatusPending,
		Items: order.Items{
			{ProductID: "prod-kikoy", Name: "Kikoy beach towel", Quantity: 1, Price: decimal.NewFromInt(900)},
			{ProductID: "prod-kiondo", Name: "Kiondo basket", Quantity: 1, Price: decimal.NewFromInt(600)},
		},
	}
	if err := db.Omit(clause.Associations).Clauses(clause.OnConflict{DoNothing: true}).Create(&o).Error; err != nil {
		return err
	}
	fmt.Println("Seeded order:", o.OrderNumber, o.Total.StringFixed(2), o.Currency)
	return nil
}

func demoToken(secret string, c demoCustomer) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
		Email: c.Email,
		Role:  c.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.ID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		},
	})
	return token.SignedString([]byte(secret))
}
