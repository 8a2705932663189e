package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/frahmantamala/storefront-payments/db"
	"github.com/frahmantamala/storefront-payments/internal/core/datamodel/inventory"
	"github.com/frahmantamala/storefront-payments/internal/core/datamodel/order"
	"github.com/frahmantamala/storefront-payments/internal/core/datamodel/payment"
)

var (
	migrateCmd = &cobra.Command{
		RunE:  runMigration,
		Use:   "migrate",
		Short: "to run the embedded db migrations",
	}
	migrateRollback bool
)

func init() {
	migrateCmd.Flags().BoolVarP(&migrateRollback, "rollback", "r", false, "to rollback the latest version of sql migration")
}

func runMigration(_ *cobra.Command, _ []string) error {
	ctx := context.Background()
	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.Database.Driver == "sqlite" {
		gdb, _, err := openGorm(cfg.Database)
		if err != nil {
			log.Fatalf("failed to open sqlite: %v", err)
		}
		return autoMigrate(gdb)
	}

	sqlDB, err := goose.OpenDBWithDriver("pgx", cfg.Database.Source)
	if err != nil {
		log.Fatalf("goose: failed to open DB: %v\n", err)
	}
	defer sqlDB.Close()

	goose.SetBaseFS(db.Migrations)
	goose.SetTableName("schema_migrations")

	command := "up"
	if migrateRollback {
		command = "down"
	}
	if err := goose.RunContext(ctx, command, sqlDB, db.MigrationsDir); err != nil {
		log.Fatalf("goose %s: %v", command, err)
	}

	return nil
}

// autoMigrate builds the schema for local sqlite runs, where the postgres
// flavoured SQL files do not apply.
func autoMigrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(
		&demoCustomer{},
		&order.Order{},
		&order.StatusHistoryEntry{},
		&payment.Payment{},
		&inventory.Product{},
		&inventory.Adjustment{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return gdb.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_one_active_per_order ON payments (order_id) WHERE status IN ('pending','processing')`).Error
}
