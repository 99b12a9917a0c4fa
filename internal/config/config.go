// Package config loads gateway configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	ListenAddr  string
	LogLevel    string

	// SecretKey peppers the per-row integrity checksums.
	SecretKey string

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

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	OTLPEndpoint   string
	TracingEnabled bool

	Trunk       TrunkConfig
	MIS         MISConfig
	RatingEngine RatingEngineConfig

	APIRequestsKeepDays int
	MaxCallDuration     int
	PackageCodePrefix   string
	// SchedulerJobs restricts the scheduler to a comma-separated job
	// list; empty runs everything.
	SchedulerJobs string

	MetricsPush MetricsPushConfig
}

// TrunkConfig addresses the trunk/customer-management backend.
type TrunkConfig struct {
	BaseURL      string
	AuthToken    string
	RelativeURLs map[string]string
	// InboundToken authenticates requests the trunk makes to us.
	InboundToken string
}

// MISConfig addresses the subscription-fee service.
type MISConfig struct {
	BaseURL  string
	Username string
	Password string
}

// RatingEngineConfig addresses the external rating engine.
type RatingEngineConfig struct {
	BaseURL   string
	AuthToken string
	Tenant    string
}

// MetricsPushConfig controls the optional prometheus remote-write pusher.
type MetricsPushConfig struct {
	Enabled   bool
	Endpoint  string
	AuthToken string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "cbg"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		ListenAddr:  getenv("LISTEN_ADDR", ":8080"),
		LogLevel:    getenv("LOG_LEVEL", "info"),

		SecretKey: strings.TrimSpace(getenv("SECRET_KEY", "")),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "cbg"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		OTLPEndpoint:   getenv("OTLP_ENDPOINT", "localhost:4317"),
		TracingEnabled: getenvBool("TRACING_ENABLED", false),

		Trunk: TrunkConfig{
			BaseURL:      strings.TrimRight(getenv("CBG_BASE_URLS_TRUNK_BACKEND", ""), "/"),
			AuthToken:    strings.TrimSpace(getenv("CBG_AUTH_TOKENS_TRUNK_OUT", "")),
			InboundToken: strings.TrimSpace(getenv("CBG_AUTH_TOKENS_TRUNK_IN", "")),
			RelativeURLs: trunkRelativeURLs(),
		},
		MIS: MISConfig{
			BaseURL:  strings.TrimRight(getenv("CBG_BASE_URLS_MIS_SERVICE", ""), "/"),
			Username: getenv("CBG_AUTH_TOKENS_MIS_BASIC_AUTHENTICATION_USERNAME", ""),
			Password: getenv("CBG_AUTH_TOKENS_MIS_BASIC_AUTHENTICATION_PASSWORD", ""),
		},
		RatingEngine: RatingEngineConfig{
			BaseURL:   strings.TrimRight(getenv("CBG_BASE_URLS_RATING_ENGINE", ""), "/"),
			AuthToken: strings.TrimSpace(getenv("CBG_AUTH_TOKENS_RATING_ENGINE", "")),
			Tenant:    getenv("CBG_RATING_ENGINE_TENANT", "cbg"),
		},

		APIRequestsKeepDays: getenvInt("CBG_API_REQUESTS_KEEP_DAYS", 30),
		MaxCallDuration:     getenvInt("CBG_MAX_CALL_DURATION", 10800),
		PackageCodePrefix:   getenv("CBG_PACKAGE_CODE_PREFIX", "pkg-"),
		SchedulerJobs:       getenv("CBG_SCHEDULER_JOBS", ""),

		MetricsPush: MetricsPushConfig{
			Enabled:   getenvBool("METRICS_PUSH_ENABLED", false),
			Endpoint:  strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("METRICS_PUSH_AUTH_TOKEN", "")),
		},
	}

	return cfg
}

// trunkRelativeURLs maps notification kinds to trunk backend paths. Paths can
// be overridden one by one through CBG_RELATIVE_URLS_TRUNK_BACKEND_<KIND>.
func trunkRelativeURLs() map[string]string {
	defaults := map[string]string{
		"DUE_DATE_WARNING_1":        "notifications/due-date-warning-1",
		"DUE_DATE_WARNING_2":        "notifications/due-date-warning-2",
		"DUE_DATE_WARNING_3":        "notifications/due-date-warning-3",
		"DUE_DATE_WARNING_4":        "notifications/due-date-warning-4",
		"PERIODIC_INVOICE":          "notifications/periodic-invoice",
		"INTERIM_INVOICE":           "notifications/interim-invoice",
		"INTERIM_INVOICE_AUTO_PAYED": "notifications/interim-invoice-auto-payed",
		"PREPAID_RENEWED":           "notifications/prepaid-renewed",
		"PREPAID_EXPIRED":           "notifications/prepaid-expired",
		"PREPAID_MAX_USAGE":         "notifications/prepaid-max-usage",
		"PREPAID_EIGHTY_PERCENT":    "notifications/prepaid-eighty-percent",
		"POSTPAID_MAX_USAGE":        "notifications/postpaid-max-usage",
		"DEALLOCATION_WARNING_1":    "notifications/deallocation-warning-1",
		"DEALLOCATION_WARNING_2":    "notifications/deallocation-warning-2",
	}
	out := make(map[string]string, len(defaults))
	for kind, path := range defaults {
		out[kind] = strings.Trim(getenv("CBG_RELATIVE_URLS_TRUNK_BACKEND_"+kind, path), "/")
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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
