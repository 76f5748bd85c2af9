package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// NetworkConfig describes one payment network the gateway accepts proofs from.
type NetworkConfig struct {
	RPCURL        string
	TokenContract string
	TokenDecimals int
}

// Config holds all application configuration
type Config struct {
	// Server configuration
	Port        string
	Environment string
	CORSOrigins []string

	// Database configuration
	DatabaseURL string

	// Redis configuration (optional rate-limit backend)
	RedisURL string

	// Auth configuration
	JWTSecret     string
	WebhookSecret string

	// Payment verification configuration
	TreasuryAddress     string
	PaymentNetworks     map[string]NetworkConfig
	PaymentTolerancePct float64

	// Rate limiting configuration
	RateLimitPerWallet int
	RateLimitPerIP     int
	RateLimitWindow    time.Duration

	// Job execution configuration
	JobTimeout             time.Duration
	MaxRetries             int
	RetryInitialDelay      time.Duration
	RetryBackoffMultiplier float64
	MaxConcurrentPerWallet int

	// Circuit breaker configuration
	CircuitBreakerThreshold int
	CircuitBreakerReset     time.Duration

	// Retention configuration
	JobRetention  time.Duration
	SweepInterval time.Duration

	// Pricing configuration
	PricingFile string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		CORSOrigins: splitCSV(getEnv("CORS_ORIGINS", "*")),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		JWTSecret:     getEnv("JWT_SECRET", ""),
		WebhookSecret: getEnv("WEBHOOK_SECRET", ""),

		TreasuryAddress:     getEnv("TREASURY_ADDRESS", ""),
		PaymentTolerancePct: getEnvAsFloat("PAYMENT_TOLERANCE_PCT", 1.0),

		RateLimitPerWallet: getEnvAsInt("RATE_LIMIT_PER_WALLET", 60),
		RateLimitPerIP:     getEnvAsInt("RATE_LIMIT_PER_IP", 100),
		RateLimitWindow:    time.Duration(getEnvAsInt("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,

		JobTimeout:             time.Duration(getEnvAsInt("JOB_TIMEOUT_MS", 300000)) * time.Millisecond,
		MaxRetries:             getEnvAsInt("MAX_RETRIES", 3),
		RetryInitialDelay:      time.Duration(getEnvAsInt("RETRY_INITIAL_DELAY_MS", 1000)) * time.Millisecond,
		RetryBackoffMultiplier: getEnvAsFloat("RETRY_BACKOFF_MULTIPLIER", 2.0),
		MaxConcurrentPerWallet: getEnvAsInt("MAX_CONCURRENT_PER_WALLET", 10),

		CircuitBreakerThreshold: getEnvAsInt("CIRCUIT_BREAKER_THRESHOLD", 5),
		CircuitBreakerReset:     time.Duration(getEnvAsInt("CIRCUIT_BREAKER_RESET_MS", 60000)) * time.Millisecond,

		JobRetention:  time.Duration(getEnvAsInt("JOB_RETENTION_HOURS", 168)) * time.Hour,
		SweepInterval: time.Duration(getEnvAsInt("SWEEP_INTERVAL_MINUTES", 60)) * time.Minute,

		PricingFile: getEnv("PRICING_FILE", ""),
	}

	cfg.PaymentNetworks = loadNetworks()

	return cfg, nil
}

// loadNetworks builds the payment network allow-list. Networks with no RPC
// endpoint configured are excluded entirely.
func loadNetworks() map[string]NetworkConfig {
	networks := make(map[string]NetworkConfig)

	// USDC contracts per network; 6-decimal fixed point.
	defaults := map[string]struct {
		rpcEnv   string
		contract string
	}{
		"base":     {"BASE_RPC_URL", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"},
		"ethereum": {"ETHEREUM_RPC_URL", "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"},
		"polygon":  {"POLYGON_RPC_URL", "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"},
	}

	for name, def := range defaults {
		rpc := getEnv(def.rpcEnv, "")
		if rpc == "" {
			continue
		}
		contract := getEnv(strings.ToUpper(name)+"_USDC_CONTRACT", def.contract)
		networks[name] = NetworkConfig{
			RPCURL:        rpc,
			TokenContract: contract,
			TokenDecimals: 6,
		}
	}

	return networks
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.Environment == "production" {
		if c.JWTSecret == "" {
			return errors.New("JWT_SECRET is required in production")
		}
		if c.TreasuryAddress == "" {
			return errors.New("TREASURY_ADDRESS is required in production")
		}
	}
	if c.PaymentTolerancePct < 0 || c.PaymentTolerancePct > 100 {
		return fmt.Errorf("PAYMENT_TOLERANCE_PCT must be between 0 and 100, got %f", c.PaymentTolerancePct)
	}
	if c.CircuitBreakerThreshold < 1 {
		return errors.New("CIRCUIT_BREAKER_THRESHOLD must be at least 1")
	}
	if c.MaxRetries < 0 {
		return errors.New("MAX_RETRIES must not be negative")
	}
	if c.RetryBackoffMultiplier < 1 {
		return errors.New("RETRY_BACKOFF_MULTIPLIER must be at least 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
