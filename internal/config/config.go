package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	Telemetry TelemetryConfig

	DBType            string
	DBURL             string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DefaultCurrency  string
	SchedulerEnabled bool

	Gateway   GatewayConfig
	RateLimit RateLimitConfig
}

// GatewayConfig configures the outbound payment processor client.
type GatewayConfig struct {
	Provider         string
	SecretKey        string
	WebhookSecret    string
	WebhookTolerance time.Duration
	Timeout          time.Duration
	MaxRetries       int64
	BreakerFailures  uint32
	BreakerTimeout   time.Duration
}

// TelemetryConfig drives logging, tracing and metrics export.
type TelemetryConfig struct {
	LogLevel           string
	LogFormat          string
	SlowQueryThreshold time.Duration
	OtelEnabled        bool
	OtelEndpoint       string
	OtelProtocol       string
	OtelSamplingRatio  float64
}

// RateLimitConfig throttles pay-per-view intent creation per buyer. It
// only applies when redis is configured.
type RateLimitConfig struct {
	PayPerViewRate  float64
	PayPerViewBurst int
}

const (
	GatewayStripe = "stripe"
	GatewayFake   = "fake"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "patronage"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		NodeID:            getenvInt64("NODE_ID", 1),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBURL:             getenv("DATABASE_URL", ""),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "patronage"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "patronage.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		RedisAddr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           getenvInt("REDIS_DB", 0),
		DefaultCurrency:   strings.ToUpper(getenv("DEFAULT_CURRENCY", "USD")),
		SchedulerEnabled:  getenvBool("SCHEDULER_ENABLED", true),
		Gateway: GatewayConfig{
			Provider:         strings.ToLower(getenv("BILLING_GATEWAY", GatewayStripe)),
			SecretKey:        strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			WebhookSecret:    strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			WebhookTolerance: getenvDuration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
			Timeout:          getenvDuration("GATEWAY_TIMEOUT", 10*time.Second),
			MaxRetries:       getenvInt64("GATEWAY_MAX_RETRIES", 2),
			BreakerFailures:  uint32(getenvInt("GATEWAY_BREAKER_FAILURES", 5)),
			BreakerTimeout:   getenvDuration("GATEWAY_BREAKER_TIMEOUT", 30*time.Second),
		},
		Telemetry: TelemetryConfig{
			LogLevel:           strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:          strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			SlowQueryThreshold: getenvDuration("DATABASE_SLOW_QUERY_THRESHOLD", 200*time.Millisecond),
			OtelEnabled:        getenvBool("OTEL_ENABLED", false),
			OtelEndpoint:       strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")),
			OtelProtocol:       strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			OtelSamplingRatio:  getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},
		RateLimit: RateLimitConfig{
			PayPerViewRate:  getenvFloat("PPV_RATE_LIMIT_RATE", 0.5),
			PayPerViewBurst: getenvInt("PPV_RATE_LIMIT_BURST", 5),
		},
	}

	return cfg
}

func (c Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt(key string, def int) int {
	return int(getenvInt64(key, int64(def)))
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
