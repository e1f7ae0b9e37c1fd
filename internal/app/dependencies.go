// Package app assembles the infrastructure and domain services shared by the
// API server and the reconciliation worker.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-billing/internal/billing"
	"github.com/noah-isme/backend-billing/internal/cache"
	"github.com/noah-isme/backend-billing/internal/capture"
	"github.com/noah-isme/backend-billing/internal/config"
	"github.com/noah-isme/backend-billing/internal/events"
	"github.com/noah-isme/backend-billing/internal/featurestate"
	"github.com/noah-isme/backend-billing/internal/idempotency"
	"github.com/noah-isme/backend-billing/internal/lock"
	"github.com/noah-isme/backend-billing/internal/migrations"
	"github.com/noah-isme/backend-billing/internal/obs"
	"github.com/noah-isme/backend-billing/internal/payment"
	"github.com/noah-isme/backend-billing/internal/resilience"
	"github.com/noah-isme/backend-billing/internal/webhook"
)

// Dependencies enumerates core services shared across modules.
type Dependencies struct {
	Config *config.Config
	Logger zerolog.Logger
	DB     *pgxpool.Pool
	Redis  *redis.Client

	Locks       lock.Locker
	Idempotency idempotency.Store
	Processed   events.ProcessedStore
	Billing     billing.Store
	Features    *featurestate.CachedStore
	Events      *events.Dispatcher
	Payments    *payment.Registry
}

// New connects to Postgres and Redis, applies migrations when enabled and
// builds the shared services. Callers must Close the result.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, appName string, instrumentMetrics bool) (*Dependencies, error) {
	if cfg.RunMigrations {
		if err := migrations.Up(cfg.DatabaseURL); err != nil {
			return nil, err
		}
		logger.Info().Msg("migrations applied")
	}

	pool, err := NewPool(ctx, cfg.DatabaseURL, appName)
	if err != nil {
		return nil, err
	}
	rdb, err := NewRedis(ctx, cfg.RedisURL, logger, instrumentMetrics)
	if err != nil {
		pool.Close()
		return nil, err
	}

	d := &Dependencies{Config: cfg, Logger: logger, DB: pool, Redis: rdb}
	if err := d.wire(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// NewPool opens a traced pgx pool and verifies connectivity.
func NewPool(ctx context.Context, databaseURL, appName string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = appName

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewRedis opens an instrumented Redis client and verifies connectivity.
func NewRedis(ctx context.Context, redisURL string, logger zerolog.Logger, instrumentMetrics bool) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if instrumentMetrics {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (d *Dependencies) wire() error {
	cfg := d.Config
	d.Locks = lock.Locker{R: d.Redis, TTL: cfg.LockTTL, RetryBackoff: cfg.LockRetryBackoff}

	switch cfg.IdempotencyBackend {
	case "redis":
		d.Idempotency = idempotency.NewRedisStore(d.Redis, "idempotency:")
	default:
		d.Idempotency = idempotency.NewPostgresStore(d.DB)
	}
	switch cfg.EventsDedupBackend {
	case "redis":
		d.Processed = events.NewRedisProcessedStore(d.Redis, cfg.EventsDedupTTL)
	default:
		d.Processed = events.NewPostgresProcessedStore(d.DB)
	}

	d.Billing = billing.NewPostgresStore(d.DB)
	d.Features = featurestate.NewCachedStore(
		featurestate.NewPostgresStore(d.DB),
		cache.New(d.Redis, cfg.FeatureCacheTTL),
		obs.Component(d.Logger, "featurestate"),
	)
	d.Events = NewDispatcher(d.Processed, events.NewPostgresLog(d.DB), d.Billing, d.Logger)

	payments, err := NewPaymentRegistry(cfg, d.Idempotency, d.Logger)
	if err != nil {
		return err
	}
	d.Payments = payments
	return nil
}

// NewDispatcher builds the domain event dispatcher with the billing handlers
// subscribed. log may be nil.
func NewDispatcher(processed events.ProcessedStore, log events.Log, store billing.Store, logger zerolog.Logger) *events.Dispatcher {
	opts := []events.Option{
		events.WithProcessedStore(processed),
		events.WithLogger(obs.Component(logger, "events")),
	}
	if log != nil {
		opts = append(opts, events.WithLog(log))
	}
	dispatcher := events.NewDispatcher(opts...)
	dispatcher.Subscribe(
		events.LogHandler{Logger: obs.Component(logger, "events")},
		&capture.Handler{Store: store, Logger: obs.Component(logger, "capture")},
		&capture.LifecycleHandler{Store: store, Logger: obs.Component(logger, "lifecycle")},
	)
	return dispatcher
}

// NewPaymentRegistry registers an adapter for every provider with
// credentials. The configured default provider must be among them.
func NewPaymentRegistry(cfg *config.Config, store idempotency.Store, logger zerolog.Logger) (*payment.Registry, error) {
	registry := payment.NewRegistry()
	httpClient := payment.NewHTTPClient()
	policy := payment.RetryPolicy{
		MaxAttempts:    cfg.Payment.RetryMaxAttempts,
		BaseBackoff:    cfg.Payment.RetryBase,
		Jitter:         cfg.Payment.RetryJitter,
		AttemptTimeout: cfg.Payment.AttemptTimeout,
	}
	breakerCfg := resilience.BreakerConfig{
		MinRequests: cfg.Payment.BreakerMinRequests,
		FailureRate: cfg.Payment.BreakerFailureRate,
		OpenFor:     cfg.Payment.BreakerOpenFor,
	}
	paymentLogger := obs.Component(logger, "payment")
	register := func(name string, client payment.Adapter) error {
		adapter := payment.NewBaseAdapter(name, client,
			payment.WithIdempotency(store, cfg.IdempotencyTTL),
			payment.WithRetryPolicy(policy),
			payment.WithBreaker(resilience.NewBreaker(name, breakerCfg, resilience.WithBreakerLogger(paymentLogger))),
			payment.WithLogger(paymentLogger),
		)
		return registry.Register(name, adapter)
	}

	if cfg.Stripe.SecretKey != "" {
		client := payment.NewStripeClient(cfg.Stripe.SecretKey, payment.StripeOptions{
			HTTPClient:    httpClient,
			ManualCapture: cfg.Stripe.ManualCapture,
		})
		if err := register("stripe", client); err != nil {
			return nil, err
		}
	}
	if cfg.Midtrans.ServerKey != "" {
		client := &payment.MidtransClient{ServerKey: cfg.Midtrans.ServerKey, BaseURL: cfg.Midtrans.BaseURL, HTTPClient: httpClient}
		if err := register("midtrans", client); err != nil {
			return nil, err
		}
	}
	if cfg.Xendit.SecretKey != "" {
		client := &payment.XenditClient{SecretKey: cfg.Xendit.SecretKey, BaseURL: cfg.Xendit.BaseURL, HTTPClient: httpClient}
		if err := register("xendit", client); err != nil {
			return nil, err
		}
	}
	if cfg.Mock.Enabled {
		if err := register("mock", payment.NewMockClient()); err != nil {
			return nil, err
		}
	}

	if !registry.Has(cfg.Payment.DefaultProvider) {
		return nil, fmt.Errorf("default payment provider %q is not configured (registered: %v)", cfg.Payment.DefaultProvider, registry.Names())
	}
	return registry, nil
}

// NewWebhookRegistry registers a normaliser for every provider with a
// signing secret.
func NewWebhookRegistry(cfg *config.Config) *webhook.Registry {
	registry := webhook.NewRegistry()
	if cfg.Stripe.WebhookSecret != "" {
		registry.Register(webhook.StripeNormalizer{}, cfg.Stripe.WebhookSecret)
	}
	if cfg.Midtrans.ServerKey != "" {
		registry.Register(webhook.MidtransNormalizer{}, cfg.Midtrans.ServerKey)
	}
	if cfg.Xendit.CallbackSecret != "" {
		registry.Register(webhook.XenditNormalizer{}, cfg.Xendit.CallbackSecret)
	}
	if cfg.Mock.Enabled && cfg.Mock.WebhookSecret != "" {
		registry.Register(webhook.MockNormalizer{}, cfg.Mock.WebhookSecret)
	}
	return registry
}

// IdempotencyPurger returns the idempotency store when it needs explicit
// purging. Redis expires records natively.
func (d *Dependencies) IdempotencyPurger() *idempotency.PostgresStore {
	if s, ok := d.Idempotency.(*idempotency.PostgresStore); ok {
		return s
	}
	return nil
}

// ProcessedPurger returns the processed-event store when it needs explicit
// purging.
func (d *Dependencies) ProcessedPurger() *events.PostgresProcessedStore {
	if s, ok := d.Processed.(*events.PostgresProcessedStore); ok {
		return s
	}
	return nil
}

// Close releases the pool and the Redis client.
func (d *Dependencies) Close() {
	var errs []error
	if d.Redis != nil {
		errs = append(errs, d.Redis.Close())
	}
	if d.DB != nil {
		d.DB.Close()
	}
	if err := errors.Join(errs...); err != nil {
		d.Logger.Error().Err(err).Msg("close dependencies")
	}
}
