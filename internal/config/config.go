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
	AppBaseURL  string

	OTLPEndpoint string

	Iyzico    IyzicoConfig
	Supabase  SupabaseConfig
	SMTP      SMTPConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Outbox    OutboxConfig
	Scheduler SchedulerConfig

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
	MigrateOnStart    bool
}

type IyzicoConfig struct {
	APIKey    string
	SecretKey string
	BaseURL   string
	Locale    string
	Timeout   time.Duration
}

// Configured reports whether both iyzico credentials are present.
func (c IyzicoConfig) Configured() bool {
	return c.APIKey != "" && c.SecretKey != ""
}

type SupabaseConfig struct {
	URL            string
	ServiceRoleKey string
}

type SMTPConfig struct {
	Host     string
	Port     int
	Secure   bool
	User     string
	Password string
	From     string
}

// Configured reports whether enough SMTP settings exist to attempt delivery.
func (c SMTPConfig) Configured() bool {
	return c.Host != "" && c.From != ""
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RateLimitConfig applies only when Redis is configured.
type RateLimitConfig struct {
	StatusPollPerMinute int
	ConfirmLockTTL      time.Duration
}

type OutboxConfig struct {
	Interval     time.Duration
	BatchSize    int
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	LockDuration time.Duration
}

// SchedulerConfig selects background jobs. An empty EnabledJobs runs all of
// them.
type SchedulerConfig struct {
	EnabledJobs    []string
	ExpiryInterval time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "coachpay"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		AppBaseURL:   strings.TrimRight(getenv("APP_BASE_URL", "http://localhost:3000"), "/"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		Iyzico: IyzicoConfig{
			APIKey:    strings.TrimSpace(getenv("IYZICO_API_KEY", "")),
			SecretKey: strings.TrimSpace(getenv("IYZICO_SECRET_KEY", "")),
			BaseURL:   strings.TrimRight(getenv("IYZICO_BASE_URL", "https://sandbox-api.iyzipay.com"), "/"),
			Locale:    getenv("IYZICO_LOCALE", "tr"),
			Timeout:   getenvDuration("IYZICO_TIMEOUT", 20*time.Second),
		},
		Supabase: SupabaseConfig{
			URL:            strings.TrimRight(strings.TrimSpace(getenv("SUPABASE_URL", "")), "/"),
			ServiceRoleKey: strings.TrimSpace(getenv("SUPABASE_SERVICE_ROLE_KEY", "")),
		},
		SMTP: SMTPConfig{
			Host:     strings.TrimSpace(getenv("SMTP_HOST", "")),
			Port:     getenvInt("SMTP_PORT", 587),
			Secure:   getenvBool("SMTP_SECURE", false),
			User:     strings.TrimSpace(getenv("SMTP_USER", "")),
			Password: getenv("SMTP_PASSWORD", ""),
			From:     strings.TrimSpace(getenv("SMTP_FROM", "")),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			StatusPollPerMinute: getenvInt("RATE_LIMIT_STATUS_POLL_PER_MINUTE", 30),
			ConfirmLockTTL:      getenvDuration("RATE_LIMIT_CONFIRM_LOCK_TTL", 30*time.Second),
		},
		Outbox: OutboxConfig{
			Interval:     getenvDuration("OUTBOX_INTERVAL", 5*time.Second),
			BatchSize:    getenvInt("OUTBOX_BATCH_SIZE", 20),
			MaxAttempts:  getenvInt("OUTBOX_MAX_ATTEMPTS", 8),
			BaseBackoff:  getenvDuration("OUTBOX_BASE_BACKOFF", 30*time.Second),
			MaxBackoff:   getenvDuration("OUTBOX_MAX_BACKOFF", time.Hour),
			LockDuration: getenvDuration("OUTBOX_LOCK_DURATION", 2*time.Minute),
		},
		Scheduler: SchedulerConfig{
			EnabledJobs:    getenvList("SCHEDULER_ENABLED_JOBS"),
			ExpiryInterval: getenvDuration("SUBSCRIPTION_EXPIRY_INTERVAL", time.Hour),
		},
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		MigrateOnStart:    getenvBool("DATABASE_MIGRATE_ON_START", false),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
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

func getenvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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
