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

	// Payment processor
	StripeAPIKey   string        // Secret key for the Stripe account
	GatewayTimeout time.Duration // Per-call deadline for gateway requests

	// Marketplace economics
	PlatformFeeBps int // Platform fee in basis points (500 = 5%)
	EscrowHoldDays int // Days funds are held before auto-release
	OfferTTLDays   int // Default offer lifetime when the buyer sets none (0 = no expiry)

	// Background sweep
	SweepInterval time.Duration

	// Security
	AdminSecret  string // Operator secret for admin-only transaction operations
	RateLimitRPS int

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultPlatformFeeBps = 500 // 5%
	DefaultEscrowHoldDays = 7
	DefaultRateLimit      = 100
	DefaultSweepInterval  = 2 * time.Minute
	DefaultGatewayTimeout = 15 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:    os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeAPIKey:   os.Getenv("STRIPE_API_KEY"),
		GatewayTimeout: getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		PlatformFeeBps: int(getEnvInt64("PLATFORM_FEE_BPS", DefaultPlatformFeeBps)),
		EscrowHoldDays: int(getEnvInt64("ESCROW_HOLD_DAYS", DefaultEscrowHoldDays)),
		OfferTTLDays:   int(getEnvInt64("OFFER_TTL_DAYS", 0)),
		SweepInterval:  getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		AdminSecret:    os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:   int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PlatformFeeBps < 0 || c.PlatformFeeBps >= 10000 {
		return fmt.Errorf("PLATFORM_FEE_BPS must be in [0, 10000), got %d", c.PlatformFeeBps)
	}

	if c.EscrowHoldDays <= 0 {
		return fmt.Errorf("ESCROW_HOLD_DAYS must be positive, got %d", c.EscrowHoldDays)
	}

	if c.IsProduction() && c.StripeAPIKey == "" {
		return fmt.Errorf("STRIPE_API_KEY is required in production")
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
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
