package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	// IntegrationConfigSecret derives the key encrypting stored integration
	// credentials.
	IntegrationConfigSecret string

	RateLimit RateLimitConfig

	Webhook WebhookConfig

	Sweep SweepConfig

	Bootstrap BootstrapConfig
}

// BootstrapConfig controls startup seeding for local and self-hosted installs.
type BootstrapConfig struct {
	EnsureDefaultOrg bool
}

// RateLimitConfig configures the redis-backed request limiter.
type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	WebhookOrgRate  float64
	WebhookOrgBurst int
}

// WebhookConfig carries billing-provider webhook credentials.
type WebhookConfig struct {
	StripeSecret string
}

// SweepConfig controls the concurrency-reconciliation sweep.
type SweepConfig struct {
	IntervalSeconds     int
	AbandonAfterMinutes int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "quotagate"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "quotagate"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		IntegrationConfigSecret: strings.TrimSpace(getenv("INTEGRATION_CONFIG_SECRET", "")),

		RateLimit: RateLimitConfig{
			Enabled:         getenvBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:       strings.TrimSpace(getenv("RATE_LIMIT_REDIS_ADDR", "")),
			RedisPassword:   strings.TrimSpace(getenv("RATE_LIMIT_REDIS_PASSWORD", "")),
			RedisDB:         getenvInt("RATE_LIMIT_REDIS_DB", 0),
			WebhookOrgRate:  getenvFloat("RATE_LIMIT_WEBHOOK_ORG_RATE", 10),
			WebhookOrgBurst: getenvInt("RATE_LIMIT_WEBHOOK_ORG_BURST", 20),
		},

		Webhook: WebhookConfig{
			StripeSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
		},

		Sweep: SweepConfig{
			IntervalSeconds:     getenvInt("SWEEP_INTERVAL_SECONDS", 60),
			AbandonAfterMinutes: getenvInt("SWEEP_ABANDON_AFTER_MINUTES", 30),
		},

		Bootstrap: BootstrapConfig{
			EnsureDefaultOrg: getenvBool("BOOTSTRAP_ENSURE_DEFAULT_ORG", true),
		},
	}
}

var Module = fx.Module("config",
	fx.Provide(Load),
)

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

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
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
