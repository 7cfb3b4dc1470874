// Package config provides configuration management for the settlement relay.
// It loads configuration from environment variables and .env files.
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
	Server        ServerConfig
	Database      DatabaseConfig
	Chain         ChainConfig
	Gateway       GatewayConfig
	FirstPurchase FirstPurchaseConfig
	ClaimWorker   ClaimWorkerConfig
	RateLimit     RateLimitConfig
	Logging       LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds store configuration
type DatabaseConfig struct {
	Redis      RedisConfig
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// PostgresConfig holds the payment-processor database configuration.
// This database is the external source of claimable orders.
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ClickHouseConfig holds the settlement audit archive configuration
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// ChainConfig holds chain node and account configuration
type ChainConfig struct {
	RPCURL           string
	ServiceAddress   string        // account signing webhook-path settlement extrinsics
	MakerAddress     string        // account paying fees for sponsored claims
	MakerReserve     uint64        // minimum maker balance in planck; relay refuses to start below this
	ClaimFeeEstimate uint64        // worst-case fee per claim in planck
	CallTimeout      time.Duration // per-RPC deadline
}

// GatewayConfig holds payment gateway configuration
type GatewayConfig struct {
	Endpoint  string // gateway base URL, e.g. https://pay.example.com
	PID       string // merchant id
	Key       string // shared signing secret
	NotifyURL string
	ReturnURL string
}

// FirstPurchaseConfig holds order state machine configuration
type FirstPurchaseConfig struct {
	MinAmount            int64   // MEMO, inclusive
	MaxAmount            int64   // MEMO, inclusive
	FiatRate             float64 // fiat per MEMO
	ReferralDiscountRate float64 // multiplier applied when a valid referrer exists
	ExpirySeconds        int     // payment window
	IPDailyMax           int64
	IPHourlyMax          int64
	ExpirySweepInterval  time.Duration
}

// ClaimWorkerConfig holds claim relay worker configuration
type ClaimWorkerConfig struct {
	PollInterval time.Duration // delay between batches
	OrderDelay   time.Duration // throttle between orders within a batch
	BatchSize    int
}

// RateLimitConfig holds HTTP surface rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "payment_processor"),
				User:           getEnv("POSTGRES_USER", "relay"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "settlement_audit"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
		},
		Chain: ChainConfig{
			RPCURL:           getEnv("CHAIN_RPC_URL", "ws://localhost:9944"),
			ServiceAddress:   getEnv("CHAIN_SERVICE_ADDRESS", ""),
			MakerAddress:     getEnv("CHAIN_MAKER_ADDRESS", ""),
			MakerReserve:     getEnvAsUint64("CHAIN_MAKER_RESERVE", 10*1_000_000_000_000),
			ClaimFeeEstimate: getEnvAsUint64("CHAIN_CLAIM_FEE_ESTIMATE", 1_000_000_000_000/10),
			CallTimeout:      getEnvAsDuration("CHAIN_CALL_TIMEOUT", 30*time.Second),
		},
		Gateway: GatewayConfig{
			Endpoint:  getEnv("EPAY_ENDPOINT", ""),
			PID:       getEnv("EPAY_PID", ""),
			Key:       getEnv("EPAY_KEY", ""),
			NotifyURL: getEnv("EPAY_NOTIFY_URL", ""),
			ReturnURL: getEnv("EPAY_RETURN_URL", ""),
		},
		FirstPurchase: FirstPurchaseConfig{
			MinAmount:            getEnvAsInt64("FIRST_PURCHASE_MIN_AMOUNT", 10),
			MaxAmount:            getEnvAsInt64("FIRST_PURCHASE_MAX_AMOUNT", 100),
			FiatRate:             getEnvAsFloat("FIRST_PURCHASE_FIAT_RATE", 0.01),
			ReferralDiscountRate: getEnvAsFloat("FIRST_PURCHASE_REFERRAL_DISCOUNT", 0.9),
			ExpirySeconds:        getEnvAsInt("FIRST_PURCHASE_EXPIRY_SECONDS", 900),
			IPDailyMax:           getEnvAsInt64("FIRST_PURCHASE_IP_DAILY_MAX", 5),
			IPHourlyMax:          getEnvAsInt64("FIRST_PURCHASE_IP_HOURLY_MAX", 3),
			ExpirySweepInterval:  getEnvAsDuration("FIRST_PURCHASE_SWEEP_INTERVAL", time.Minute),
		},
		ClaimWorker: ClaimWorkerConfig{
			PollInterval: getEnvAsDuration("CLAIM_POLL_INTERVAL", 30*time.Second),
			OrderDelay:   getEnvAsDuration("CLAIM_ORDER_DELAY", 2*time.Second),
			BatchSize:    getEnvAsInt("CLAIM_BATCH_SIZE", 10),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("RATE_LIMIT_RPS", 10),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 20),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// Validate checks configuration required for serving traffic.
func (c *Config) Validate() error {
	if c.Gateway.Endpoint == "" || c.Gateway.PID == "" || c.Gateway.Key == "" {
		return fmt.Errorf("payment gateway endpoint, pid and key are required")
	}
	if c.FirstPurchase.MinAmount <= 0 || c.FirstPurchase.MaxAmount < c.FirstPurchase.MinAmount {
		return fmt.Errorf("invalid first purchase amount bounds [%d, %d]",
			c.FirstPurchase.MinAmount, c.FirstPurchase.MaxAmount)
	}
	if c.Chain.ServiceAddress == "" {
		return fmt.Errorf("chain service address is required")
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsUint64(key string, defaultValue uint64) uint64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
