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

	"github.com/noah-isme/backend-bullion/internal/obs"
	"github.com/noah-isme/backend-bullion/internal/pricing"
)

// Tax policies applied when the tax engine cannot produce an amount.
const (
	TaxPolicyStrict  = "strict"
	TaxPolicyLenient = "lenient"
)

// Order submission modes.
const (
	SubmitModeQueue  = "queue"
	SubmitModeDirect = "direct"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	DBMigrateOnStart   bool
	CORSAllowedOrigins []string

	JWTSecret    string
	JWTIssuer    string
	JWTAudience  string
	JWTClockSkew time.Duration
	AccessCookie string

	MaxBodyBytes      int64
	SecurityHeaders   bool
	HSTSEnabled       bool
	ShutdownTimeout   time.Duration
	ReadyDBTimeout    time.Duration
	ReadyRedisTimeout time.Duration

	LogFormat        string
	LogLevel         string
	MetricsEnabled   bool
	MetricsNamespace string
	TracingEnabled   bool
	TracingExporter  string
	OTLPEndpoint     string
	TracingSampling  float64
	MetricsBuckets   []float64
	PprofEnabled     bool
	PprofUser        string
	PprofPass        string

	Currency     string
	PricingRates pricing.RateTable

	TaxServiceURL   string
	TaxAPIKey       string
	TaxTimeout      time.Duration
	TaxPolicy       string
	TaxDefaultBps   int64
	TaxRegionBps    map[string]int64
	TaxExemptMetals []pricing.Metal

	SpotUpstreamURL  string
	SpotPollInterval time.Duration
	SpotTimeout      time.Duration
	SpotSnapshotKey  string
	SpotChannel      string
	SpotMaxAge       time.Duration

	CheckoutSessionTTL time.Duration
	CheckoutLockTTL    time.Duration
	IdempotencyTTL     time.Duration
	EventRateLimit     int
	EventRateWindow    time.Duration
	PublicRateLimit    string

	OrderSubmitMode     string
	OrderServiceURL     string
	OrderServiceAPIKey  string
	OrderServiceTimeout time.Duration
	OrderQueue          string
	WorkerConcurrency   int
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
		RedisURL:           k.String("REDIS_URL"),
		DBMigrateOnStart:   parseBoolDefault(k.String("DB_MIGRATE_ON_START"), true),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		JWTSecret:    k.String("JWT_SECRET"),
		JWTIssuer:    k.String("JWT_ISSUER"),
		JWTAudience:  k.String("JWT_AUDIENCE"),
		JWTClockSkew: parseDuration(k.String("JWT_CLOCK_SKEW"), "30s"),
		AccessCookie: k.String("AUTH_ACCESS_COOKIE"),

		MaxBodyBytes:      parseInt64(k.String("HTTP_MAX_BODY_BYTES"), 64<<10),
		SecurityHeaders:   parseBoolDefault(k.String("SECURE_HEADERS_ENABLED"), true),
		HSTSEnabled:       parseBoolDefault(k.String("SECURE_HSTS_ENABLED"), false),
		ShutdownTimeout:   parseDuration(k.String("SHUTDOWN_TIMEOUT"), "15s"),
		ReadyDBTimeout:    parseDuration(k.String("HEALTH_READY_DB_TIMEOUT"), "500ms"),
		ReadyRedisTimeout: parseDuration(k.String("HEALTH_READY_REDIS_TIMEOUT"), "300ms"),

		LogFormat:        valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
		LogLevel:         valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
		MetricsEnabled:   parseBoolDefault(k.String("OBS_ENABLE_PROMETHEUS"), true),
		MetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "bullion"),
		TracingEnabled:   parseBoolDefault(k.String("OBS_ENABLE_TRACING"), false),
		TracingExporter:  valueOrDefault(k.String("OBS_TRACING_EXPORTER"), "otlp"),
		OTLPEndpoint:     k.String("OBS_OTLP_ENDPOINT"),
		TracingSampling:  parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1.0),
		MetricsBuckets:   obs.ParseBucketsCSV(k.String("OBS_METRICS_BUCKETS_MS")),
		PprofEnabled:     parseBoolDefault(k.String("OBS_ENABLE_PPROF"), false),
		PprofUser:        k.String("SECURE_PPROF_BASIC_AUTH_USER"),
		PprofPass:        k.String("SECURE_PPROF_BASIC_AUTH_PASS"),

		Currency:     strings.ToUpper(valueOrDefault(k.String("CURRENCY_CODE"), "USD")),
		PricingRates: loadRates(k),

		TaxServiceURL:   strings.TrimSpace(k.String("TAX_SERVICE_URL")),
		TaxAPIKey:       k.String("TAX_SERVICE_API_KEY"),
		TaxTimeout:      parseDuration(k.String("TAX_TIMEOUT"), "3s"),
		TaxPolicy:       strings.ToLower(valueOrDefault(k.String("TAX_POLICY"), TaxPolicyStrict)),
		TaxDefaultBps:   parseInt64(k.String("TAX_FLAT_DEFAULT_BPS"), 0),
		TaxRegionBps:    parseRegionRates(k.String("TAX_FLAT_REGION_BPS")),
		TaxExemptMetals: parseMetals(k.String("TAX_EXEMPT_METALS")),

		SpotUpstreamURL:  strings.TrimSpace(k.String("SPOT_UPSTREAM_URL")),
		SpotPollInterval: parseDuration(k.String("SPOT_POLL_INTERVAL"), "15s"),
		SpotTimeout:      parseDuration(k.String("SPOT_TIMEOUT"), "5s"),
		SpotSnapshotKey:  valueOrDefault(k.String("SPOT_SNAPSHOT_KEY"), "spot:latest"),
		SpotChannel:      valueOrDefault(k.String("SPOT_CHANNEL"), "spot:quotes"),
		SpotMaxAge:       parseDuration(k.String("SPOT_MAX_AGE"), "2m"),

		CheckoutSessionTTL: parseDuration(k.String("CHECKOUT_SESSION_TTL"), "2h"),
		CheckoutLockTTL:    parseDuration(k.String("CHECKOUT_LOCK_TTL"), "5s"),
		IdempotencyTTL:     parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		EventRateLimit:     int(parseInt64(k.String("CHECKOUT_EVENT_RATE_LIMIT"), 120)),
		EventRateWindow:    parseDuration(k.String("CHECKOUT_EVENT_RATE_WINDOW"), "1m"),
		PublicRateLimit:    valueOrDefault(k.String("PUBLIC_RATE_LIMIT"), "300-M"),

		OrderSubmitMode:     strings.ToLower(valueOrDefault(k.String("ORDER_SUBMIT_MODE"), SubmitModeQueue)),
		OrderServiceURL:     strings.TrimSpace(k.String("ORDER_SERVICE_URL")),
		OrderServiceAPIKey:  k.String("ORDER_SERVICE_API_KEY"),
		OrderServiceTimeout: parseDuration(k.String("ORDER_SERVICE_TIMEOUT"), "10s"),
		OrderQueue:          valueOrDefault(k.String("ORDER_QUEUE"), "orders"),
		WorkerConcurrency:   int(parseInt64(k.String("WORKER_CONCURRENCY"), 5)),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.TaxPolicy != TaxPolicyStrict && cfg.TaxPolicy != TaxPolicyLenient {
		return nil, fmt.Errorf("TAX_POLICY must be %q or %q", TaxPolicyStrict, TaxPolicyLenient)
	}
	if cfg.OrderSubmitMode != SubmitModeQueue && cfg.OrderSubmitMode != SubmitModeDirect {
		return nil, fmt.Errorf("ORDER_SUBMIT_MODE must be %q or %q", SubmitModeQueue, SubmitModeDirect)
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

// StrictTax reports whether an unavailable tax result blocks submission.
func (c *Config) StrictTax() bool {
	return c.TaxPolicy != TaxPolicyLenient
}

func loadRates(k *koanf.Koanf) pricing.RateTable {
	rates := pricing.DefaultRates()
	for method, prefix := range map[pricing.PaymentMethod]string{
		pricing.MethodCard:          "PRICING_CARD",
		pricing.MethodACH:           "PRICING_ACH",
		pricing.MethodWire:          "PRICING_WIRE",
		pricing.MethodECheck:        "PRICING_ECHECK",
		pricing.MethodDoradoAccount: "PRICING_DORADO_ACCOUNT",
	} {
		rate := rates[method]
		rate.RateBps = parseInt64(k.String(prefix+"_RATE_BPS"), rate.RateBps)
		rate.FixedMinor = parseInt64(k.String(prefix+"_FIXED_MINOR"), rate.FixedMinor)
		rates[method] = rate
	}
	return rates
}

// parseRegionRates reads "TX:825,CA:725".
func parseRegionRates(value string) map[string]int64 {
	out := map[string]int64{}
	for _, part := range splitAndTrim(value) {
		region, bps, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(bps), 10, 64)
		if err != nil || n < 0 {
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(region))] = n
	}
	return out
}

func parseMetals(value string) []pricing.Metal {
	var out []pricing.Metal
	for _, part := range splitAndTrim(value) {
		if m, err := pricing.ParseMetal(part); err == nil {
			out = append(out, m)
		}
	}
	return out
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

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "t", "true", "yes", "on":
		return true
	case "0", "f", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseInt64(value string, fallback int64) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
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
