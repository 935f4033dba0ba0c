// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries every tunable the service reads at startup.
type Config struct {
	AppEnv           string
	LogLevel         string
	LogFormat        string
	MetricsNamespace string

	HTTPListenAddr string
	PublicBasePath string

	// DatabaseDriver selects postgres or sqlite.
	DatabaseDriver string
	DatabaseURL    string
	DatabaseSchema string
	SQLitePath     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	ShopifyWebhookSecret string
	ShopifyAccessToken   string
	ShopifyAPIVersion    string
	ShopifyAPITimeout    time.Duration
	WebhookStaleAfter    time.Duration
	WebhookRetryInterval time.Duration
	WebhookRetryBatch    int

	FeeDefaultPct    string
	FeeDefaultFixed  string
	CogsDefaultRatio string

	HealthLookback        time.Duration
	MissingCostsWarning   float64
	MissingCostsCritical  float64
	EstimatedFeesWarning  float64
	EstimatedFeesCritical float64
	WebhookLagWarning     time.Duration
	WebhookLagCritical    time.Duration
}

// Load reads configuration from environment variables, applying
// defaults suitable for local development.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", "text"),
		MetricsNamespace: getEnv("METRICS_NAMESPACE", "profitpeek"),

		HTTPListenAddr: getEnv("HTTP_LISTEN_ADDR", ":8080"),
		PublicBasePath: getEnv("PUBLIC_BASE_PATH", ""),

		DatabaseDriver: strings.ToLower(getEnv("DATABASE_DRIVER", "postgres")),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DatabaseSchema: getEnv("DATABASE_SCHEMA", "public"),
		SQLitePath:     getEnv("SQLITE_PATH", "profitpeek.db"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		ShopifyWebhookSecret: os.Getenv("SHOPIFY_WEBHOOK_SECRET"),
		ShopifyAccessToken:   os.Getenv("SHOPIFY_ACCESS_TOKEN"),
		ShopifyAPIVersion:    getEnv("SHOPIFY_API_VERSION", "2024-01"),

		FeeDefaultPct:    getEnv("FEE_DEFAULT_PCT", "2.9"),
		FeeDefaultFixed:  getEnv("FEE_DEFAULT_FIXED", "0.30"),
		CogsDefaultRatio: getEnv("COGS_DEFAULT_RATIO", "0.40"),
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.RedisTLS, err = getEnvBool("REDIS_TLS", false); err != nil {
		return nil, err
	}
	if cfg.WebhookStaleAfter, err = getEnvDuration("WEBHOOK_STALE_AFTER", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.WebhookRetryInterval, err = getEnvDuration("WEBHOOK_RETRY_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.WebhookRetryBatch, err = getEnvInt("WEBHOOK_RETRY_BATCH", 50); err != nil {
		return nil, err
	}
	if cfg.ShopifyAPITimeout, err = getEnvDuration("SHOPIFY_API_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.HealthLookback, err = getEnvDuration("HEALTH_LOOKBACK", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.MissingCostsWarning, err = getEnvFloat("HEALTH_MISSING_COSTS_WARNING", 0.10); err != nil {
		return nil, err
	}
	if cfg.MissingCostsCritical, err = getEnvFloat("HEALTH_MISSING_COSTS_CRITICAL", 0.20); err != nil {
		return nil, err
	}
	if cfg.EstimatedFeesWarning, err = getEnvFloat("HEALTH_ESTIMATED_FEES_WARNING", 0.05); err != nil {
		return nil, err
	}
	if cfg.EstimatedFeesCritical, err = getEnvFloat("HEALTH_ESTIMATED_FEES_CRITICAL", 0.25); err != nil {
		return nil, err
	}
	if cfg.WebhookLagWarning, err = getEnvDuration("HEALTH_WEBHOOK_LAG_WARNING", time.Minute); err != nil {
		return nil, err
	}
	if cfg.WebhookLagCritical, err = getEnvDuration("HEALTH_WEBHOOK_LAG_CRITICAL", 5*time.Minute); err != nil {
		return nil, err
	}

	switch cfg.DatabaseDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required with the postgres driver")
		}
	case "sqlite":
	default:
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
