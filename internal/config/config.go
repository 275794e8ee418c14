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
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Settlement chain
	RPCURL    string
	ChainID   int64
	SignerKey string // Hex-encoded custody authority key, injected at start, never compiled in

	// Keeper
	KeeperInterval    time.Duration // how often the expiry keeper ticks
	KeeperCallTimeout time.Duration // bound on the external settlement call per tick

	// Escrow limits
	MaxEscrowDuration time.Duration // longest accepted escrow lifetime
	MinEscrowDuration time.Duration

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; tracing disabled when empty

	// Security
	AdminSecret string // protects reconcile/admin endpoints
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultRPCURL            = "https://sepolia.base.org"
	DefaultChainID           = 84532 // Base Sepolia
	DefaultKeeperInterval    = 60 * time.Second
	DefaultKeeperCallTimeout = 30 * time.Second
	DefaultMaxEscrowDuration = 30 * 24 * time.Hour
	DefaultMinEscrowDuration = time.Minute
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:            getEnv("RPC_URL", DefaultRPCURL),
		ChainID:           getEnvInt64("CHAIN_ID", DefaultChainID),
		SignerKey:         os.Getenv("SIGNER_KEY"), // Required in production, no default
		KeeperInterval:    getEnvDuration("KEEPER_INTERVAL", DefaultKeeperInterval),
		KeeperCallTimeout: getEnvDuration("KEEPER_CALL_TIMEOUT", DefaultKeeperCallTimeout),
		MaxEscrowDuration: getEnvDuration("MAX_ESCROW_DURATION", DefaultMaxEscrowDuration),
		MinEscrowDuration: getEnvDuration("MIN_ESCROW_DURATION", DefaultMinEscrowDuration),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.SignerKey == "" {
			return fmt.Errorf("SIGNER_KEY is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
	}

	if c.SignerKey != "" {
		key := c.SignerKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("SIGNER_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	if c.KeeperInterval <= 0 {
		return fmt.Errorf("KEEPER_INTERVAL must be positive")
	}
	if c.KeeperCallTimeout <= 0 {
		return fmt.Errorf("KEEPER_CALL_TIMEOUT must be positive")
	}
	if c.MinEscrowDuration <= 0 || c.MaxEscrowDuration < c.MinEscrowDuration {
		return fmt.Errorf("escrow duration bounds are inconsistent")
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
