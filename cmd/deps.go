package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.mongodb.org/mongo-driver/mongo"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/frahmantamala/storefront-payments/internal"
	"github.com/frahmantamala/storefront-payments/internal/core/events"
	"github.com/frahmantamala/storefront-payments/internal/inventory"
	inventorypg "github.com/frahmantamala/storefront-payments/internal/inventory/postgres"
	"github.com/frahmantamala/storefront-payments/internal/mpesa"
	"github.com/frahmantamala/storefront-payments/internal/notification"
	"github.com/frahmantamala/storefront-payments/internal/order"
	ordermongo "github.com/frahmantamala/storefront-payments/internal/order/mongo"
	orderpg "github.com/frahmantamala/storefront-payments/internal/order/postgres"
	"github.com/frahmantamala/storefront-payments/internal/payment"
	paymentmongo "github.com/frahmantamala/storefront-payments/internal/payment/mongo"
	paymentpg "github.com/frahmantamala/storefront-payments/internal/payment/postgres"
	"github.com/frahmantamala/storefront-payments/internal/queue"
	"github.com/frahmantamala/storefront-payments/internal/report"
	"github.com/frahmantamala/storefront-payments/internal/transport/rest"
	"github.com/frahmantamala/storefront-payments/pkg/logger"
	"github.com/frahmantamala/storefront-payments/pkg/mongodb"
)

// orderStore is what both order backends provide.
type orderStore interface {
	payment.OrderRepositoryAPI
	order.RepositoryAPI
}

// Dependencies holds the process-scoped handles. Everything opened here is
// released by Close in reverse order.
type Dependencies struct {
	Config *internal.Config
	Logger *slog.Logger

	GormDB  *gorm.DB
	SQLX    *sqlx.DB
	Mongo   *mongo.Client
	MongoDB *mongo.Database
	Redis   *redis.Client

	Payments  payment.RepositoryAPI
	Orders    orderStore
	Inventory *inventorypg.InventoryRepository
	Reports   report.SourceAPI

	EventBus *events.EventBus
	Registry *queue.Registry
	Gateway  *mpesa.Client
	Service  *payment.Service

	HealthChecks map[string]rest.Check

	closers []func() error
}

func initializeDependencies(ctx context.Context) (*Dependencies, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	lg := logger.Configure(os.Stdout, cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)
	deps := &Dependencies{
		Config:       cfg,
		Logger:       lg,
		HealthChecks: make(map[string]rest.Check),
	}

	if err := deps.openSQL(); err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if cfg.Store.Driver == "mongo" {
		if err := deps.openMongo(ctx); err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to initialize mongo: %w", err)
		}
	}
	if err := deps.openQueue(ctx); err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to initialize queue: %w", err)
	}

	deps.EventBus = events.NewEventBus(lg)
	deps.Gateway = mpesa.NewClient(mpesa.Config{
		Environment:    cfg.Mpesa.Environment,
		BaseURL:        cfg.Mpesa.BaseURL,
		ConsumerKey:    cfg.Mpesa.ConsumerKey,
		ConsumerSecret: cfg.Mpesa.ConsumerSecret,
		ShortCode:      cfg.Mpesa.ShortCode,
		Passkey:        cfg.Mpesa.Passkey,
		CallbackURL:    cfg.Mpesa.CallbackURL,
		Timeout:        cfg.Mpesa.Timeout,
	}, lg)
	deps.Service = payment.NewService(deps.Payments, deps.Orders, deps.Gateway, deps.EventBus, payment.Config{
		MaxAttempts:   cfg.Payment.MaxAttempts,
		Currency:      cfg.Payment.Currency,
		QueryTimeout:  cfg.Mpesa.QueryTimeout,
		PendingExpiry: cfg.Payment.PendingExpiry,
	}, lg, payment.WithAlerts(deps.Registry, cfg.SMTP.OpsEmail))

	payment.NewEventHandler(deps.Registry, lg).RegisterEventHandlers(deps.EventBus)

	lg.Info("dependencies initialized",
		"database_driver", cfg.Database.Driver,
		"store_driver", cfg.Store.Driver,
		"queue_driver", cfg.Queue.Driver,
		"mpesa_environment", cfg.Mpesa.Environment,
		"mpesa_timeout_url", cfg.Mpesa.TimeoutURL)
	return deps, nil
}

func openGorm(cfg internal.DatabaseConfig) (*gorm.DB, string, error) {
	gcfg := &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	if cfg.Driver == "sqlite" {
		db, err := gorm.Open(sqlite.Open(cfg.Source), gcfg)
		return db, "sqlite3", err
	}
	db, err := gorm.Open(postgres.New(postgres.Config{DriverName: "pgx", DSN: cfg.Source}), gcfg)
	return db, "pgx", err
}

// openSQL opens the relational database. It always backs the inventory
// ledger and, with store.driver=sql, payments, orders and reports too.
func (d *Dependencies) openSQL() error {
	db, driver, err := openGorm(d.Config.Database)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	d.closers = append(d.closers, sqlDB.Close)

	sqlDB.SetMaxIdleConns(d.Config.Database.MaxIdleConns)
	sqlDB.SetMaxOpenConns(d.Config.Database.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(d.Config.Database.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(d.Config.Database.ConnMaxIdleTime)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	d.GormDB = db
	d.SQLX = sqlx.NewDb(sqlDB, driver)
	d.HealthChecks[d.Config.Database.Driver] = d.SQLX.PingContext

	d.Inventory = inventorypg.NewInventoryRepository(db)
	d.Payments = paymentpg.NewPaymentRepository(db)
	d.Orders = orderpg.NewOrderRepository(db)
	d.Reports = report.NewSQLSource(d.SQLX)
	return nil
}

func (d *Dependencies) openMongo(ctx context.Context) error {
	client, err := mongodb.Connect(ctx, d.Config.Mongo.URI, d.Config.Mongo.ConnectTimeout)
	if err != nil {
		return err
	}
	d.closers = append(d.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return client.Disconnect(ctx)
	})

	d.Mongo = client
	d.MongoDB = client.Database(d.Config.Mongo.Database)
	d.HealthChecks["mongo"] = func(ctx context.Context) error {
		return client.Ping(ctx, nil)
	}

	payments := paymentmongo.NewPaymentRepository(d.MongoDB)
	if err := payments.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure payment indexes: %w", err)
	}
	d.Payments = payments
	d.Orders = ordermongo.NewOrderRepository(d.MongoDB)
	d.Reports = report.NewMongoSource(d.MongoDB)
	return nil
}

func (d *Dependencies) openQueue(ctx context.Context) error {
	cfg := d.Config.Queue
	policies := queue.PoliciesFromConfig(cfg)

	var broker queue.Broker
	switch cfg.Driver {
	case "memory":
		d.Logger.Warn("using in-memory job queue; jobs are lost on restart")
		broker = queue.NewMemoryBroker()
	default:
		client := redis.NewClient(&redis.Options{
			Addr:     d.Config.Redis.Addr,
			Password: d.Config.Redis.Password,
			DB:       d.Config.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		d.Redis = client
		d.HealthChecks["redis"] = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
		broker = queue.NewRedisBroker(client, cfg.Prefix, d.Logger)
	}

	d.Registry = queue.NewRegistry(broker, policies, d.Logger, queue.WithPollInterval(cfg.PollInterval))
	// the registry closes the broker, which owns the redis client
	d.closers = append(d.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return d.Registry.Shutdown(ctx)
	})
	return nil
}

// registerJobHandlers binds every job type to its handler.
func (d *Dependencies) registerJobHandlers() error {
	templates, err := notification.NewTemplates()
	if err != nil {
		return err
	}
	notifications := notification.NewHandler(
		notification.NewSMTPSender(d.Config.SMTP, d.Logger),
		notification.NewLogSMSSender(d.Logger),
		templates,
		d.Logger,
	)

	return errors.Join(
		notifications.Register(d.Registry),
		inventory.NewJobHandler(d.Inventory, d.Logger).Register(d.Registry),
		order.NewJobHandler(d.Orders, d.Registry, d.Logger).Register(d.Registry),
		report.NewJobHandler(d.Reports, d.Registry, d.Config.SMTP.OpsEmail, d.Logger).Register(d.Registry),
		d.Registry.Register(queue.QueueReconciliation, queue.JobReconcilePayment, payment.ReconcileJobHandler(d.Service)),
	)
}

func (d *Dependencies) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.Logger.Error("failed to release resource", "error", err)
		}
	}
	d.closers = nil
}
