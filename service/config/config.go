package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the trade journal service and worker configuration loaded
// from environment variables. All required fields are validated at startup
// to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Credential configuration
	JWTSecret     string
	CredentialTTL time.Duration
	// AuthMessageMaxAge bounds how old a signed sign-in message may be.
	AuthMessageMaxAge time.Duration

	// Solana configuration, used to verify journaled trades
	SolanaRPCURL string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Verification configuration
	VerifyDelay   time.Duration
	VerifyTimeout time.Duration
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Credential configuration
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	} else if len(cfg.JWTSecret) < 16 {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least 16 bytes"))
	}

	ttl, err := parseDuration("CREDENTIAL_TTL", "24h")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.CredentialTTL = ttl
	}

	maxAge, err := parseDuration("AUTH_MESSAGE_MAX_AGE", "5m")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.AuthMessageMaxAge = maxAge
	}

	cfg.SolanaRPCURL = getEnvOrDefault("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com")

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "stockswap-trade-verification")

	verifyDelay, err := parseDuration("VERIFY_DELAY", "5s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.VerifyDelay = verifyDelay
	}

	verifyTimeout, err := parseDuration("VERIFY_TIMEOUT", "10m")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.VerifyTimeout = verifyTimeout
	}

	if cfg.CredentialTTL > 0 && cfg.CredentialTTL < time.Minute {
		errs = append(errs, fmt.Errorf("CREDENTIAL_TTL (%v) must be at least 1m", cfg.CredentialTTL))
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if c.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWTSecret is required"))
	}

	if c.CredentialTTL < time.Minute {
		errs = append(errs, fmt.Errorf("CredentialTTL must be at least 1 minute"))
	}

	if c.AuthMessageMaxAge <= 0 {
		errs = append(errs, fmt.Errorf("AuthMessageMaxAge must be positive"))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}

	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}

	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}
