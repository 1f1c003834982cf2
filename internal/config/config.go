// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Settlement
	CommissionBPS     int           // platform fee in basis points; single source of truth
	AutoConfirmWindow time.Duration // how long a buyer has to dispute after delivery
	SweepInterval     time.Duration // how often the auto-confirmation sweep runs

	// Payment provider
	Provider        string // "mock" or "stripe"
	StripeSecretKey string
	ProviderTimeout time.Duration

	// Webhooks
	WebhookSecret string // HMAC secret for verifying inbound provider webhooks
	NotifySecret  string // HMAC secret for signing outbound webhooks

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultCommissionBPS     = 1000 // 10%
	DefaultAutoConfirmWindow = 72 * time.Hour
	DefaultSweepInterval     = 24 * time.Hour
	DefaultProvider          = "mock"
	DefaultProviderTimeout   = 15 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		CommissionBPS:     int(getEnvInt64("COMMISSION_BPS", DefaultCommissionBPS)),
		AutoConfirmWindow: getEnvDuration("AUTO_CONFIRM_WINDOW", DefaultAutoConfirmWindow),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		Provider:          getEnv("PAYMENT_PROVIDER", DefaultProvider),
		StripeSecretKey:   os.Getenv("STRIPE_SECRET_KEY"),
		ProviderTimeout:   getEnvDuration("PROVIDER_TIMEOUT", DefaultProviderTimeout),
		WebhookSecret:     os.Getenv("PAYMENT_WEBHOOK_SECRET"),
		NotifySecret:      os.Getenv("NOTIFY_SECRET"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.CommissionBPS < 0 || c.CommissionBPS > 10000 {
		return fmt.Errorf("COMMISSION_BPS must be between 0 and 10000, got %d", c.CommissionBPS)
	}

	if c.AutoConfirmWindow <= 0 {
		return fmt.Errorf("AUTO_CONFIRM_WINDOW must be positive")
	}

	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}

	switch c.Provider {
	case "mock":
	case "stripe":
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required when PAYMENT_PROVIDER=stripe")
		}
	default:
		return fmt.Errorf("unknown PAYMENT_PROVIDER %q (want mock or stripe)", c.Provider)
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
