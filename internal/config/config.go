package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string
	MigrateOnStart     bool

	Pricing   PricingConfig
	RateLimit string
	Worker    WorkerConfig
	Breaker   BreakerConfig
	Obs       ObsConfig
}

// PricingConfig tunes the calculation engine.
type PricingConfig struct {
	Currency         string
	CacheEnabled     bool
	CacheTTL         time.Duration
	RuleCacheTTL     time.Duration
	BulkConcurrency  int
	BulkMaxItems     int
	FormulaMaxLength int
	AnalyticsEnabled bool
	AnalyticsQueue   string
}

// WorkerConfig configures the analytics worker.
type WorkerConfig struct {
	Concurrency int
}

// BreakerConfig configures the breaker guarding analytics publishing.
type BreakerConfig struct {
	MinRequests int
	FailureRate float64
	OpenFor     time.Duration
}

// ObsConfig groups logging, metrics and tracing settings.
type ObsConfig struct {
	LogFormat        string
	LogLevel         string
	MetricsNamespace string
	EnablePrometheus bool
	EnableTracing    bool
	TracingExporter  string
	OTLPEndpoint     string
	SamplingRatio    float64
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           strings.TrimSpace(k.String("REDIS_URL")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		MigrateOnStart:     parseBool(k.String("MIGRATE_ON_START"), false),
		Pricing: PricingConfig{
			Currency:         strings.ToUpper(valueOrDefault(k.String("PRICING_CURRENCY"), "EUR")),
			CacheEnabled:     parseBool(k.String("PRICING_CACHE_ENABLED"), true),
			CacheTTL:         parseDuration(k.String("PRICING_CACHE_TTL"), "5m"),
			RuleCacheTTL:     parseDuration(k.String("PRICING_RULE_CACHE_TTL"), "5m"),
			BulkConcurrency:  parseInt(k.String("PRICING_BULK_CONCURRENCY"), 4),
			BulkMaxItems:     parseInt(k.String("PRICING_BULK_MAX_ITEMS"), 500),
			FormulaMaxLength: parseInt(k.String("PRICING_FORMULA_MAX_LENGTH"), 1000),
			AnalyticsEnabled: parseBool(k.String("PRICING_ANALYTICS_ENABLED"), true),
			AnalyticsQueue:   valueOrDefault(k.String("PRICING_ANALYTICS_QUEUE"), "pricing-analytics"),
		},
		RateLimit: valueOrDefault(k.String("RATE_LIMIT_PRICING"), "600-M"),
		Worker: WorkerConfig{
			Concurrency: parseInt(k.String("WORKER_CONCURRENCY"), 10),
		},
		Breaker: BreakerConfig{
			MinRequests: parseInt(k.String("BREAKER_MIN_REQUESTS"), 20),
			FailureRate: parseFloat(k.String("BREAKER_FAILURE_RATE"), 0.5),
			OpenFor:     parseDuration(k.String("BREAKER_OPEN_FOR"), "30s"),
		},
		Obs: ObsConfig{
			LogFormat:        valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
			LogLevel:         valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
			MetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "pricing"),
			EnablePrometheus: parseBool(k.String("OBS_ENABLE_PROMETHEUS"), true),
			EnableTracing:    parseBool(k.String("OBS_ENABLE_TRACING"), false),
			TracingExporter:  valueOrDefault(k.String("OBS_TRACING_EXPORTER"), "otlp"),
			OTLPEndpoint:     strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
			SamplingRatio:    parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1.0),
		},
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.Pricing.BulkConcurrency <= 0 {
		return nil, errors.New("PRICING_BULK_CONCURRENCY must be positive")
	}
	if r := cfg.Breaker.FailureRate; r <= 0 || r > 1 {
		return nil, errors.New("BREAKER_FAILURE_RATE must be in (0, 1]")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// CacheActive reports whether results can be cached.
func (c *Config) CacheActive() bool {
	return c.Pricing.CacheEnabled && c.RedisURL != ""
}

// AnalyticsActive reports whether rule events are published.
func (c *Config) AnalyticsActive() bool {
	return c.Pricing.AnalyticsEnabled && c.RedisURL != ""
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
