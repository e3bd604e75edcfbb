package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Kafka       KafkaConfig
	Redis       RedisConfig
	Webhook     WebhookConfig
	Dispatcher  DispatcherConfig
	Sizing      SizingConfig
	Eligibility EligibilityConfig
	LogLevel    string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port       string
	Host       string
	AdminToken string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host           string
	Port           string
	User           string
	Password       string
	DBName         string
	SSLMode        string
	MigrationsPath string
	MaxOpenConns   int
}

// KafkaConfig holds Kafka/Redpanda configuration
type KafkaConfig struct {
	Enabled          bool
	Brokers          []string
	OrdersTopic      string
	OrderStatusTopic string
	ConsumerGroup    string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// WebhookConfig holds admission gate settings
type WebhookConfig struct {
	Tokens         []string
	AllowedCIDRs   []string
	TrustProxy     bool
	RateLimit      int
	RateWindow     time.Duration
	DedupeWindow   time.Duration
	MaxBodyBytes   int64
	RequestTimeout time.Duration
}

// DispatcherConfig holds fan-out loop settings
type DispatcherConfig struct {
	Enabled           bool
	Workers           int
	BatchSize         int
	PollInterval      time.Duration
	SignalTimeout     time.Duration
	TransitionTimeout time.Duration
	ClaimTimeout      time.Duration
	ReclaimInterval   time.Duration
	MaxAttempts       int
}

// SizingConfig holds platform-wide defaults for absent user settings
type SizingConfig struct {
	DefaultLeverage          decimal.Decimal
	DefaultBalancePercentage decimal.Decimal
	DefaultTPMultiplier      decimal.Decimal
	DefaultSLMultiplier      decimal.Decimal
}

// EligibilityConfig holds user qualification thresholds
type EligibilityConfig struct {
	MinTradeBalance         decimal.Decimal
	DefaultMaxOpenPositions int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:       getEnv("SERVER_PORT", "8082"),
			Host:       getEnv("SERVER_HOST", "0.0.0.0"),
			AdminToken: getEnv("ADMIN_TOKEN", ""),
		},
		Database: DatabaseConfig{
			Host:           getEnv("DB_HOST", "postgres"),
			Port:           getEnv("DB_PORT", "5432"),
			User:           getEnv("DB_USER", "trader"),
			Password:       getEnv("DB_PASSWORD", "trader5"),
			DBName:         getEnv("DB_NAME", "trading_platform"),
			SSLMode:        getEnv("DB_SSLMODE", "disable"),
			MigrationsPath: getEnv("DB_MIGRATIONS_PATH", "file://./db/migrations"),
			MaxOpenConns:   getEnvInt("DB_MAX_OPEN_CONNS", 20),
		},
		Kafka: KafkaConfig{
			Enabled:          getEnvBool("KAFKA_ENABLED", true),
			Brokers:          parseList(getEnv("KAFKA_BROKERS", "localhost:19092")),
			OrdersTopic:      getEnv("KAFKA_ORDERS_TOPIC", "trading.fanout.orders"),
			OrderStatusTopic: getEnv("KAFKA_ORDER_STATUS_TOPIC", "trading.fanout.order-status"),
			ConsumerGroup:    getEnv("KAFKA_CONSUMER_GROUP", "signal-fanout"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Webhook: WebhookConfig{
			Tokens:         parseList(getEnv("WEBHOOK_TOKENS", "")),
			AllowedCIDRs:   parseList(getEnv("WEBHOOK_ALLOWED_CIDRS", "")),
			TrustProxy:     getEnvBool("WEBHOOK_TRUST_PROXY", false),
			RateLimit:      getEnvInt("WEBHOOK_RATE_LIMIT", 120),
			RateWindow:     getEnvDuration("WEBHOOK_RATE_WINDOW", time.Minute),
			DedupeWindow:   getEnvDuration("WEBHOOK_DEDUPE_WINDOW", time.Minute),
			MaxBodyBytes:   int64(getEnvInt("WEBHOOK_MAX_BODY_BYTES", 64<<10)),
			RequestTimeout: getEnvDuration("WEBHOOK_REQUEST_TIMEOUT", 5*time.Second),
		},
		Dispatcher: DispatcherConfig{
			Enabled:           getEnvBool("DISPATCHER_ENABLED", true),
			Workers:           getEnvInt("DISPATCHER_WORKERS", 2),
			BatchSize:         getEnvInt("DISPATCHER_BATCH_SIZE", 10),
			PollInterval:      getEnvDuration("DISPATCHER_POLL_INTERVAL", time.Second),
			SignalTimeout:     getEnvDuration("DISPATCHER_SIGNAL_TIMEOUT", 15*time.Second),
			TransitionTimeout: getEnvDuration("DISPATCHER_TRANSITION_TIMEOUT", 10*time.Second),
			ClaimTimeout:      getEnvDuration("DISPATCHER_CLAIM_TIMEOUT", 2*time.Minute),
			ReclaimInterval:   getEnvDuration("DISPATCHER_RECLAIM_INTERVAL", 30*time.Second),
			MaxAttempts:       getEnvInt("DISPATCHER_MAX_ATTEMPTS", 3),
		},
		Sizing: SizingConfig{
			DefaultLeverage:          getEnvDecimal("SIZING_DEFAULT_LEVERAGE", "1"),
			DefaultBalancePercentage: getEnvDecimal("SIZING_DEFAULT_BALANCE_PCT", "10"),
			DefaultTPMultiplier:      getEnvDecimal("SIZING_DEFAULT_TP_MULTIPLIER", "2"),
			DefaultSLMultiplier:      getEnvDecimal("SIZING_DEFAULT_SL_MULTIPLIER", "1"),
		},
		Eligibility: EligibilityConfig{
			MinTradeBalance:         getEnvDecimal("ELIGIBILITY_MIN_BALANCE", "10"),
			DefaultMaxOpenPositions: getEnvInt("ELIGIBILITY_DEFAULT_MAX_POSITIONS", 5),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// ConnectionString returns the PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + d.Port + "/" + d.DBName + "?sslmode=" + d.SSLMode
}

// Address returns the Redis address in host:port format
func (r *RedisConfig) Address() string {
	return r.Host + ":" + r.Port
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

// getEnvDecimal falls back to defaultValue when the variable is unset or unparsable
func getEnvDecimal(key, defaultValue string) decimal.Decimal {
	if d, err := decimal.NewFromString(os.Getenv(key)); err == nil {
		return d
	}
	return decimal.RequireFromString(defaultValue)
}

// parseList splits a comma-separated list, dropping blanks
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
