package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"

	"kasirinaja/engine/internal/domain"
	"kasirinaja/engine/internal/retry"
)

type Config struct {
	Port          string `envconfig:"PORT" default:"8080"`
	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`
	LogFormat     string `envconfig:"LOG_FORMAT" default:"text"`

	DatabaseURL      string `envconfig:"DATABASE_URL"`
	DatabaseMaxConns int32  `envconfig:"DATABASE_MAX_CONNS" default:"8"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"kasirinaja.engine"`

	AuthSecret            string `envconfig:"AUTH_SECRET"`
	AccessTokenTTLMinutes int    `envconfig:"ACCESS_TOKEN_TTL_MINUTES" default:"480"`
	ManagerPIN            string `envconfig:"MANAGER_PIN"`

	DefaultTaxRate          decimal.Decimal       `envconfig:"DEFAULT_TAX_RATE" default:"0.11"`
	Surcharges              domain.SurchargeTable `envconfig:"SURCHARGE_TABLE" default:"cash:0,qris:0,debit_card:1,credit_card:2"`
	DefaultReorderThreshold int                   `envconfig:"DEFAULT_REORDER_THRESHOLD" default:"10"`

	StorageTimeout    time.Duration `envconfig:"STORAGE_TIMEOUT" default:"3s"`
	StorageMaxRetries uint          `envconfig:"STORAGE_MAX_RETRIES" default:"3"`
	CatalogCacheTTL   time.Duration `envconfig:"CATALOG_CACHE_TTL" default:"60s"`

	ReconcileCron        string `envconfig:"RECONCILE_CRON" default:"@every 1m"`
	ReconcileConcurrency int    `envconfig:"RECONCILE_CONCURRENCY" default:"4"`
	ReconcileBatch       int    `envconfig:"RECONCILE_BATCH" default:"500"`
	WorkerConcurrency    int    `envconfig:"WORKER_CONCURRENCY" default:"2"`
}

// Load reads the environment. Secrets get no defaults; startup decides
// whether their absence is fatal.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.ManagerPIN = strings.TrimSpace(cfg.ManagerPIN)
	if cfg.AccessTokenTTLMinutes < 1 {
		cfg.AccessTokenTTLMinutes = 480
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DefaultTaxRate.IsNegative() || c.DefaultTaxRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("DEFAULT_TAX_RATE must be a fraction between 0 and 1")
	}
	for method, percent := range c.Surcharges {
		if strings.TrimSpace(method) == "" {
			return fmt.Errorf("SURCHARGE_TABLE has an empty payment method")
		}
		if percent.IsNegative() {
			return fmt.Errorf("SURCHARGE_TABLE: surcharge for %s must not be negative", method)
		}
	}
	if c.DefaultReorderThreshold < 0 {
		return fmt.Errorf("DEFAULT_REORDER_THRESHOLD must not be negative")
	}
	if c.ReconcileConcurrency < 1 {
		return fmt.Errorf("RECONCILE_CONCURRENCY must be at least 1")
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) RetryPolicy() retry.Policy {
	policy := retry.DefaultPolicy()
	policy.MaxRetries = c.StorageMaxRetries
	policy.Timeout = c.StorageTimeout
	return policy
}

// NewLogger returns a JSON logger when format is "json" and a text logger otherwise.
func NewLogger(format string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{AddSource: true}))
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{AddSource: true}))
}
