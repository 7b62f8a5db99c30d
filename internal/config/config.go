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
	InstanceID  string
	HTTPPort    string

	LogLevel          string
	LogFormat         string
	OTLPEndpoint      string
	OTLPProtocol      string
	OtelEnabled       bool
	OtelSamplingRatio float64

	DBType            string
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

	Redis        RedisConfig
	RateLimit    RateLimitConfig
	Reservations ReservationConfig
	UsageExport  UsageExportConfig
	Notify       NotifyConfig
	Scheduler    SchedulerConfig
	Metrics      AccountingMetricsConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type RateLimitConfig struct {
	Enabled                 bool
	UsageIngestAccountRate  float64
	UsageIngestAccountBurst int
}

type ReservationConfig struct {
	// Backend is "memory" or "redis".
	Backend string
}

type UsageExportConfig struct {
	Enabled       bool
	Endpoint      string
	AuthToken     string
	Timeout       time.Duration
	Compress      bool
	BatchSize     int
	SweepInterval time.Duration
	SweepMinAge   time.Duration
}

type NotifyConfig struct {
	CallbackURL string
	AuthToken   string
	Timeout     time.Duration
}

type SchedulerConfig struct {
	RunInterval       time.Duration
	BatchSize         int
	EnabledJobs       []string
	ReconcileInterval time.Duration
	LockTTL           time.Duration
}

type AccountingMetricsConfig struct {
	Enabled      bool
	Exporter     string
	Endpoint     string
	AuthToken    string
	PushInterval time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "creditmeter"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		InstanceID:   strings.TrimSpace(getenv("INSTANCE_ID", hostname())),
		HTTPPort:     getenv("HTTP_PORT", "8080"),
		LogLevel:     strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat:    strings.ToLower(getenv("LOG_FORMAT", "json")),
		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "")),
		OTLPProtocol: strings.ToLower(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")),

		OtelSamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),

		DBType:            strings.ToLower(getenv("DATABASE_TYPE", "postgres")),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "creditmeter"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "creditmeter.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			Enabled:                 getenvBool("RATE_LIMIT_ENABLED", false),
			UsageIngestAccountRate:  getenvFloat("RATE_LIMIT_USAGE_ACCOUNT_RATE", 50),
			UsageIngestAccountBurst: getenvInt("RATE_LIMIT_USAGE_ACCOUNT_BURST", 100),
		},
		Reservations: ReservationConfig{
			Backend: strings.ToLower(getenv("RESERVATION_BACKEND", "memory")),
		},
		UsageExport: UsageExportConfig{
			Enabled:       getenvBool("USAGE_EXPORT_ENABLED", false),
			Endpoint:      strings.TrimSpace(getenv("USAGE_EXPORT_ENDPOINT", "")),
			AuthToken:     strings.TrimSpace(getenv("USAGE_EXPORT_AUTH_TOKEN", "")),
			Timeout:       getenvDuration("USAGE_EXPORT_TIMEOUT", 5*time.Second),
			Compress:      getenvBool("USAGE_EXPORT_COMPRESS", false),
			BatchSize:     getenvInt("USAGE_EXPORT_BATCH_SIZE", 200),
			SweepInterval: getenvDuration("USAGE_EXPORT_SWEEP_INTERVAL", time.Minute),
			SweepMinAge:   getenvDuration("USAGE_EXPORT_SWEEP_MIN_AGE", 30*time.Second),
		},
		Notify: NotifyConfig{
			CallbackURL: strings.TrimSpace(getenv("SESSION_CALLBACK_URL", "")),
			AuthToken:   strings.TrimSpace(getenv("SESSION_CALLBACK_AUTH_TOKEN", "")),
			Timeout:     getenvDuration("SESSION_CALLBACK_TIMEOUT", 5*time.Second),
		},
		Scheduler: SchedulerConfig{
			RunInterval:       getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
			BatchSize:         getenvInt("SCHEDULER_BATCH_SIZE", 100),
			EnabledJobs:       parseList(getenv("SCHEDULER_ENABLED_JOBS", "")),
			ReconcileInterval: getenvDuration("SCHEDULER_RECONCILE_INTERVAL", 24*time.Hour),
			LockTTL:           getenvDuration("SCHEDULER_LOCK_TTL", 30*time.Minute),
		},
		Metrics: AccountingMetricsConfig{
			Enabled:      getenvBool("ACCOUNTING_METRICS_ENABLED", false),
			Exporter:     strings.ToLower(getenv("ACCOUNTING_METRICS_EXPORTER", "")),
			Endpoint:     strings.TrimSpace(getenv("ACCOUNTING_METRICS_ENDPOINT", "")),
			AuthToken:    strings.TrimSpace(getenv("ACCOUNTING_METRICS_AUTH_TOKEN", "")),
			PushInterval: getenvDuration("ACCOUNTING_METRICS_PUSH_INTERVAL", 5*time.Minute),
		},
	}

	cfg.OtelEnabled = getenvBool("OTEL_ENABLED", strings.TrimSpace(cfg.OTLPEndpoint) != "")

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	return name
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

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
