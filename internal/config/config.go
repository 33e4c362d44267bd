// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Optional balance cache; disabled if not set

	// Chain indexer settings
	TonAPIURL      string // Base URL of the toncenter-style indexer
	TonAPIKey      string
	TonAPITimeout  time.Duration
	EscrowAddress  string // Platform escrow wallet receiving deposits
	DepositScanMax int    // Max transactions scanned per comment-match call

	// Escrow settings
	FeePercent string // Platform fee, 2-decimal percent string (e.g. "5.00")
	Currency   string

	// Security
	AdminSecret string // Shared secret promoting a caller to admin

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultTonAPIURL      = "https://toncenter.com/api/v2"
	DefaultFeePercent     = "5.00"
	DefaultCurrency       = "TON"
	DefaultDepositScanMax = 200
	DefaultTonAPITimeout  = 8 * time.Second
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		TonAPIURL:      getEnv("TON_API_URL", DefaultTonAPIURL),
		TonAPIKey:      os.Getenv("TON_API_KEY"),
		TonAPITimeout:  getEnvDuration("TON_API_TIMEOUT", DefaultTonAPITimeout),
		EscrowAddress:  os.Getenv("ESCROW_ADDRESS"),
		DepositScanMax: int(getEnvInt64("DEPOSIT_SCAN_MAX", DefaultDepositScanMax)),
		FeePercent:     getEnv("FEE_PERCENT", DefaultFeePercent),
		Currency:       getEnv("CURRENCY", DefaultCurrency),
		AdminSecret:    os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.EscrowAddress == "" {
		return fmt.Errorf("ESCROW_ADDRESS is required")
	}
	if c.TonAPIURL == "" {
		return fmt.Errorf("TON_API_URL is required")
	}
	if c.FeePercent == "" {
		return fmt.Errorf("FEE_PERCENT is required")
	}
	if c.DepositScanMax <= 0 {
		return fmt.Errorf("DEPOSIT_SCAN_MAX must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

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
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
