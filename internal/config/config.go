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
	RunMigrations      bool
	JWTSecret          string
	JWTIssuer          string
	JWTAudience        string
	CORSAllowedOrigins []string
	MaxBodyBytes       int64

	Payment  PaymentConfig
	Stripe   StripeConfig
	Midtrans MidtransConfig
	Xendit   XenditConfig
	Mock     MockConfig

	IdempotencyBackend string
	IdempotencyTTL     time.Duration

	EventsDedupBackend string
	EventsDedupTTL     time.Duration

	CheckoutTaxRateBPS int
	CatalogCacheTTL    time.Duration
	FeatureCacheTTL    time.Duration

	RateLimitCheckout string
	RateLimitWebhook  string

	ReconcileInterval   string
	ReconcileStaleAfter time.Duration
	ReconcileBatchSize  int
	WorkerConcurrency   int
	LockTTL             time.Duration
	LockRetryBackoff    time.Duration
}

// PaymentConfig controls the retry policy applied to every provider adapter.
type PaymentConfig struct {
	DefaultProvider    string
	RetryMaxAttempts   int
	RetryBase          time.Duration
	RetryJitter        float64
	AttemptTimeout     time.Duration
	BreakerMinRequests int
	BreakerFailureRate float64
	BreakerOpenFor     time.Duration
}

// StripeConfig holds Stripe credentials.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	ManualCapture bool
}

// MidtransConfig holds Midtrans credentials. The server key doubles as the
// webhook signing secret.
type MidtransConfig struct {
	ServerKey string
	BaseURL   string
}

// XenditConfig holds Xendit credentials.
type XenditConfig struct {
	SecretKey      string
	CallbackSecret string
	BaseURL        string
}

// MockConfig enables the in-process mock provider used in development.
type MockConfig struct {
	Enabled       bool
	WebhookSecret string
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
		RunMigrations:      parseBool(k.String("RUN_MIGRATIONS")),
		JWTSecret:          k.String("JWT_SECRET"),
		JWTIssuer:          valueOrDefault(k.String("JWT_ISSUER"), "backend-billing"),
		JWTAudience:        valueOrDefault(k.String("JWT_AUDIENCE"), "billing-frontend"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		MaxBodyBytes:       int64(parseInt(k.String("HTTP_MAX_BODY_BYTES"), 1<<20)),

		Payment: PaymentConfig{
			DefaultProvider:    strings.ToLower(valueOrDefault(k.String("PAYMENT_DEFAULT_PROVIDER"), "stripe")),
			RetryMaxAttempts:   parseInt(k.String("PAYMENT_RETRY_MAX_ATTEMPTS"), 3),
			RetryBase:          parseDuration(k.String("PAYMENT_RETRY_BASE"), "100ms"),
			RetryJitter:        parseFloat(k.String("PAYMENT_RETRY_JITTER"), 0),
			AttemptTimeout:     parseDuration(k.String("PAYMENT_ATTEMPT_TIMEOUT"), "10s"),
			BreakerMinRequests: parseInt(k.String("PAYMENT_BREAKER_MIN_REQUESTS"), 10),
			BreakerFailureRate: parseFloat(k.String("PAYMENT_BREAKER_FAILURE_RATE"), 0.5),
			BreakerOpenFor:     parseDuration(k.String("PAYMENT_BREAKER_OPEN_FOR"), "30s"),
		},
		Stripe: StripeConfig{
			SecretKey:     k.String("STRIPE_SECRET_KEY"),
			WebhookSecret: k.String("STRIPE_WEBHOOK_SECRET"),
			ManualCapture: parseBool(k.String("STRIPE_MANUAL_CAPTURE")),
		},
		Midtrans: MidtransConfig{
			ServerKey: k.String("MIDTRANS_SERVER_KEY"),
			BaseURL:   valueOrDefault(k.String("MIDTRANS_BASE_URL"), "https://api.sandbox.midtrans.com"),
		},
		Xendit: XenditConfig{
			SecretKey:      k.String("XENDIT_SECRET_KEY"),
			CallbackSecret: k.String("XENDIT_CALLBACK_SECRET"),
			BaseURL:        valueOrDefault(k.String("XENDIT_BASE_URL"), "https://api.xendit.co"),
		},
		Mock: MockConfig{
			Enabled:       parseBool(k.String("PAYMENT_MOCK_ENABLED")),
			WebhookSecret: valueOrDefault(k.String("PAYMENT_MOCK_WEBHOOK_SECRET"), "mock-secret"),
		},

		IdempotencyBackend: strings.ToLower(valueOrDefault(k.String("IDEMPOTENCY_BACKEND"), "postgres")),
		IdempotencyTTL:     parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		EventsDedupBackend: strings.ToLower(valueOrDefault(k.String("EVENTS_DEDUP_BACKEND"), "postgres")),
		EventsDedupTTL:     parseDuration(k.String("EVENTS_DEDUP_TTL"), "168h"),

		CheckoutTaxRateBPS: parseInt(k.String("CHECKOUT_TAX_RATE_BPS"), 0),
		CatalogCacheTTL:    parseDuration(k.String("CATALOG_CACHE_TTL"), "5m"),
		FeatureCacheTTL:    parseDuration(k.String("FEATURE_CACHE_TTL"), "30s"),

		RateLimitCheckout: valueOrDefault(k.String("RATE_LIMIT_CHECKOUT"), "30-M"),
		RateLimitWebhook:  valueOrDefault(k.String("RATE_LIMIT_WEBHOOK"), "1200-M"),

		ReconcileInterval:   valueOrDefault(k.String("RECONCILE_INTERVAL"), "@every 5m"),
		ReconcileStaleAfter: parseDuration(k.String("RECONCILE_STALE_AFTER"), "15m"),
		ReconcileBatchSize:  parseInt(k.String("RECONCILE_BATCH_SIZE"), 100),
		WorkerConcurrency:   parseInt(k.String("WORKER_CONCURRENCY"), 10),
		LockTTL:             parseDuration(k.String("LOCK_TTL"), "2m"),
		LockRetryBackoff:    parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),
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
	if cfg.Payment.RetryMaxAttempts < 1 {
		return nil, errors.New("PAYMENT_RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if !oneOf(cfg.IdempotencyBackend, "postgres", "redis") {
		return nil, fmt.Errorf("IDEMPOTENCY_BACKEND %q is not supported", cfg.IdempotencyBackend)
	}
	if !oneOf(cfg.EventsDedupBackend, "postgres", "redis") {
		return nil, fmt.Errorf("EVENTS_DEDUP_BACKEND %q is not supported", cfg.EventsDedupBackend)
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

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
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

func parseInt(value string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return v
}

func parseFloat(value string, fallback float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return v
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// MustLoad behaves like Load but panics on error.
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
