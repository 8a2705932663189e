package internal

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"http_server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Mongo         MongoConfig         `mapstructure:"mongo"`
	Store         StoreConfig         `mapstructure:"store"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Mpesa         MpesaConfig         `mapstructure:"mpesa"`
	Security      SecurityConfig      `mapstructure:"security"`
	SMTP          SMTPConfig          `mapstructure:"smtp"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Payment       PaymentConfig       `mapstructure:"payment"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port" validate:"min=0,max=65535"`
	BaseURL           string        `mapstructure:"base_url"`
	AllowedOrigins    string        `mapstructure:"allowed_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"omitempty,oneof=postgres sqlite"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Source          string        `mapstructure:"source"`
}

type MongoConfig struct {
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// StoreConfig selects the backend for payments and orders.
type StoreConfig struct {
	Driver string `mapstructure:"driver" validate:"omitempty,oneof=sql mongo"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type QueueConfig struct {
	Driver       string                       `mapstructure:"driver" validate:"omitempty,oneof=redis memory"`
	Prefix       string                       `mapstructure:"prefix"`
	PollInterval time.Duration                `mapstructure:"poll_interval"`
	Queues       map[string]QueuePolicyConfig `mapstructure:"queues"`
}

type QueuePolicyConfig struct {
	Attempts         int           `mapstructure:"attempts" validate:"min=0"`
	BackoffType      string        `mapstructure:"backoff_type" validate:"omitempty,oneof=fixed exponential"`
	BackoffDelay     time.Duration `mapstructure:"backoff_delay"`
	RemoveOnComplete int           `mapstructure:"remove_on_complete"`
	RemoveOnFail     int           `mapstructure:"remove_on_fail"`
	Concurrency      int           `mapstructure:"concurrency" validate:"min=0"`
	LeaseDuration    time.Duration `mapstructure:"lease_duration"`
	StalledInterval  time.Duration `mapstructure:"stalled_interval"`
}

type MpesaConfig struct {
	Environment    string        `mapstructure:"environment" validate:"omitempty,oneof=sandbox production"`
	BaseURL        string        `mapstructure:"base_url"`
	ConsumerKey    string        `mapstructure:"consumer_key"`
	ConsumerSecret string        `mapstructure:"consumer_secret"`
	ShortCode      string        `mapstructure:"short_code"`
	Passkey        string        `mapstructure:"passkey"`
	CallbackURL    string        `mapstructure:"callback_url" validate:"omitempty,url"`
	TimeoutURL     string        `mapstructure:"timeout_url" validate:"omitempty,url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout"`
}

type SecurityConfig struct {
	JWTPublicKey string `mapstructure:"jwt_public_key"`
	JWTSecret    string `mapstructure:"jwt_secret"`
	BCryptCost   int    `mapstructure:"bcrypt_cost" validate:"omitempty,min=4,max=15"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from" validate:"omitempty,email"`
	OpsEmail string `mapstructure:"ops_email" validate:"omitempty,email"`
}

type PaymentConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts" validate:"min=0,max=10"`
	PendingExpiry     time.Duration `mapstructure:"pending_expiry"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	ReportInterval    time.Duration `mapstructure:"report_interval"`
	Currency          string        `mapstructure:"currency" validate:"omitempty,oneof=KES USD EUR GBP UGX TZS"`
}

type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json text"`
}

// ApplyDefaults fills zero values so a minimal config file is enough for local runs.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sql"
	}
	if c.Mongo.ConnectTimeout == 0 {
		c.Mongo.ConnectTimeout = 10 * time.Second
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "redis"
	}
	if c.Queue.Prefix == "" {
		c.Queue.Prefix = "storefront"
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = 500 * time.Millisecond
	}
	if c.Mpesa.Environment == "" {
		c.Mpesa.Environment = "sandbox"
	}
	if c.Mpesa.Timeout == 0 {
		c.Mpesa.Timeout = 30 * time.Second
	}
	if c.Mpesa.QueryTimeout == 0 {
		c.Mpesa.QueryTimeout = 10 * time.Second
	}
	if c.Security.BCryptCost == 0 {
		c.Security.BCryptCost = 12
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.Payment.MaxAttempts == 0 {
		c.Payment.MaxAttempts = 3
	}
	if c.Payment.PendingExpiry == 0 {
		c.Payment.PendingExpiry = 15 * time.Minute
	}
	if c.Payment.ReconcileInterval == 0 {
		c.Payment.ReconcileInterval = time.Minute
	}
	if c.Payment.ReportInterval == 0 {
		c.Payment.ReportInterval = time.Hour
	}
	if c.Payment.Currency == "" {
		c.Payment.Currency = "KES"
	}
	if c.Observability.Logging.Level == "" {
		c.Observability.Logging.Level = "info"
	}
	if c.Observability.Logging.Format == "" {
		c.Observability.Logging.Format = "text"
	}
}

// LoadConfigFromEnv builds the configuration for container deployments where no config file is mounted.
func LoadConfigFromEnv() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnvAsInt("PORT", 8080),
			BaseURL:        getEnv("BASE_URL", ""),
			AllowedOrigins: getEnv("ALLOWED_ORIGINS", "*"),
		},
		Database: DatabaseConfig{
			Driver:          getEnv("DB_DRIVER", "postgres"),
			Source:          getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
		},
		Mongo: MongoConfig{
			URI:      getEnv("MONGO_URI", ""),
			Database: getEnv("MONGO_DATABASE", "storefront"),
		},
		Store: StoreConfig{Driver: getEnv("STORE_DRIVER", "sql")},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			Driver: getEnv("QUEUE_DRIVER", "redis"),
			Prefix: getEnv("QUEUE_PREFIX", "storefront"),
		},
		Mpesa: MpesaConfig{
			Environment:    getEnv("MPESA_ENVIRONMENT", "sandbox"),
			BaseURL:        getEnv("MPESA_BASE_URL", ""),
			ConsumerKey:    getEnv("MPESA_CONSUMER_KEY", ""),
			ConsumerSecret: getEnv("MPESA_CONSUMER_SECRET", ""),
			ShortCode:      getEnv("MPESA_SHORTCODE", ""),
			Passkey:        getEnv("MPESA_PASSKEY", ""),
			CallbackURL:    getEnv("MPESA_CALLBACK_URL", ""),
			TimeoutURL:     getEnv("MPESA_TIMEOUT_URL", ""),
			Timeout:        getEnvAsDuration("MPESA_TIMEOUT", 30*time.Second),
			QueryTimeout:   getEnvAsDuration("MPESA_QUERY_TIMEOUT", 10*time.Second),
		},
		Security: SecurityConfig{
			JWTPublicKey: getEnv("JWT_PUBLIC_KEY", ""),
			JWTSecret:    getEnv("JWT_SECRET", ""),
			BCryptCost:   getEnvAsInt("BCRYPT_COST", 12),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", ""),
			OpsEmail: getEnv("OPS_EMAIL", ""),
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		},
		Payment: PaymentConfig{
			MaxAttempts:       getEnvAsInt("PAYMENT_MAX_ATTEMPTS", 3),
			PendingExpiry:     getEnvAsDuration("PAYMENT_PENDING_EXPIRY", 15*time.Minute),
			ReconcileInterval: getEnvAsDuration("PAYMENT_RECONCILE_INTERVAL", time.Minute),
			Currency:          getEnv("PAYMENT_CURRENCY", "KES"),
		},
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ----------------- HELPERS -----------------

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := validator.New().Struct(c); err != nil {
		errs = append(errs, err.Error())
	}

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if c.Store.Driver == "mongo" && c.Mongo.URI == "" {
		errs = append(errs, "mongo config: uri is required when store.driver is mongo")
	}

	if c.Queue.Driver == "redis" && c.Redis.Addr == "" {
		errs = append(errs, "redis config: addr is required when queue.driver is redis")
	}

	if err := c.Security.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("security config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.AllowedOrigins != "" {
		origins := strings.Split(c.AllowedOrigins, ",")
		for _, origin := range origins {
			origin = strings.TrimSpace(origin)
			if origin == "*" {
				continue
			}
			if _, err := url.Parse(origin); err != nil {
				return fmt.Errorf("invalid allowed origin %s: %w", origin, err)
			}
		}
	}
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *SecurityConfig) Validate() error {
	if c.JWTPublicKey == "" && c.JWTSecret == "" {
		return errors.New("one of jwt_public_key or jwt_secret is required")
	}
	if c.JWTPublicKey != "" {
		if _, err := c.GetPublicKey(); err != nil {
			return fmt.Errorf("invalid JWT public key: %w", err)
		}
	}
	return nil
}

func (c *SecurityConfig) GetPublicKey() (*rsa.PublicKey, error) {
	keyData, err := base64.StdEncoding.DecodeString(c.JWTPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, errors.New("failed to parse PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return rsaPub, nil
}
