package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// JWT configuration
	JWT JWTConfig

	// CORS configuration
	CORS CORSConfig

	// Redis configuration (booking locks)
	Redis RedisConfig

	// Message broker configuration (slot events)
	Broker BrokerConfig

	// Payment processor configuration
	Payment PaymentConfig

	// Booking and reconciliation configuration
	Booking BookingConfig

	// Tracing configuration
	Tracing TracingConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port        string
	Environment string // development, staging, production
	LogLevel    string // debug, info, warn, error
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver             string // "postgres" or "memory"
	URL                string
	MaxConnections     int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
	ListenChannel      string
}

// JWTConfig holds JWT-related configuration.
// Tokens are issued by the identity service; this service only verifies them.
type JWTConfig struct {
	Secret            string
	AccessTokenExpiry time.Duration
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// RedisConfig holds the Redis connection used for per-rider booking locks.
// An empty Addr selects the in-process locker.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

// BrokerConfig holds RabbitMQ configuration. An empty URL disables publishing.
type BrokerConfig struct {
	URL      string
	Exchange string
}

// PaymentConfig holds payment processor configuration
type PaymentConfig struct {
	Provider          string // "sandbox" or "omise"
	OmisePublicKey    string
	OmiseSecretKey    string // SECRET - never expose to client
	DefaultCurrency   string
	CallTimeout       time.Duration
	SettleConcurrency int
}

// BookingConfig holds orchestration and reconciliation settings
type BookingConfig struct {
	AuthorizeRetries  int
	RetryBackoff      time.Duration
	HoldGracePeriod   time.Duration
	ReconcileSchedule string // cron expression with seconds field
	AutoCancelExpired bool
}

// TracingConfig holds OpenTelemetry exporter settings
type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8080"),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			Driver:             getEnv("DATABASE_DRIVER", "postgres"),
			URL:                getEnv("DATABASE_URL", ""),
			MaxConnections:     getEnvAsInt("DATABASE_MAX_CONNECTIONS", 10),
			MaxIdleConnections: getEnvAsInt("DATABASE_MAX_IDLE_CONNECTIONS", 5),
			ConnMaxLifetime:    time.Duration(getEnvAsInt("DATABASE_CONN_MAX_LIFETIME", 300)) * time.Second,
			ListenChannel:      getEnv("DATABASE_LISTEN_CHANNEL", "slot_changes"),
		},
		JWT: JWTConfig{
			Secret:            getEnv("JWT_SECRET", ""),
			AccessTokenExpiry: time.Duration(getEnvAsInt("JWT_ACCESS_TOKEN_EXPIRY", 3600)) * time.Second,
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvAsSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders: getEnvAsSlice("CORS_ALLOWED_HEADERS", []string{"Content-Type", "Authorization"}),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			LockTTL:  getEnvAsDuration("BOOKING_LOCK_TTL", 30*time.Second),
		},
		Broker: BrokerConfig{
			URL:      getEnv("RABBITMQ_URL", ""),
			Exchange: getEnv("RABBITMQ_EXCHANGE", "slot.events"),
		},
		Payment: PaymentConfig{
			Provider:          getEnv("PAYMENT_PROVIDER", "sandbox"),
			OmisePublicKey:    getEnv("OMISE_PUBLIC_KEY", ""),
			OmiseSecretKey:    getEnv("OMISE_SECRET_KEY", ""),
			DefaultCurrency:   getEnv("PAYMENT_DEFAULT_CURRENCY", "AED"),
			CallTimeout:       getEnvAsDuration("PAYMENT_CALL_TIMEOUT", 15*time.Second),
			SettleConcurrency: getEnvAsInt("PAYMENT_SETTLE_CONCURRENCY", 4),
		},
		Booking: BookingConfig{
			AuthorizeRetries:  getEnvAsInt("BOOKING_AUTHORIZE_RETRIES", 2),
			RetryBackoff:      getEnvAsDuration("BOOKING_RETRY_BACKOFF", 500*time.Millisecond),
			HoldGracePeriod:   getEnvAsDuration("HOLD_GRACE_PERIOD", 10*time.Minute),
			ReconcileSchedule: getEnv("RECONCILE_SCHEDULE", "0 */5 * * * *"),
			AutoCancelExpired: getEnvAsBool("AUTO_CANCEL_EXPIRED_SLOTS", true),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvAsBool("TRACING_ENABLED", false),
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName: getEnv("OTEL_SERVICE_NAME", "slot-booking-backend"),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
	case "memory":
		if c.Server.Environment == "production" {
			return fmt.Errorf("DATABASE_DRIVER=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("invalid database driver: %s (must be 'postgres' or 'memory')", c.Database.Driver)
	}

	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	switch c.Payment.Provider {
	case "omise":
		if c.Payment.OmisePublicKey == "" || c.Payment.OmiseSecretKey == "" {
			return fmt.Errorf("OMISE_PUBLIC_KEY and OMISE_SECRET_KEY are required for the omise provider")
		}
	case "sandbox":
		if c.Server.Environment == "production" {
			return fmt.Errorf("PAYMENT_PROVIDER=sandbox is not allowed in production")
		}
	default:
		return fmt.Errorf("invalid payment provider: %s (must be 'sandbox' or 'omise')", c.Payment.Provider)
	}

	if c.Payment.SettleConcurrency < 1 {
		return fmt.Errorf("PAYMENT_SETTLE_CONCURRENCY must be at least 1")
	}

	if c.Booking.AuthorizeRetries < 0 {
		return fmt.Errorf("BOOKING_AUTHORIZE_RETRIES must not be negative")
	}

	return nil
}

// Helper functions to get environment variables

func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Invalid integer value for %s, using default: %d", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Printf("Invalid boolean value for %s, using default: %t", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("Invalid duration value for %s, using default: %s", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var result []string
	for _, v := range strings.Split(valueStr, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
