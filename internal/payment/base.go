package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/backend-billing/internal/idempotency"
	"github.com/noah-isme/backend-billing/internal/obs"
	"github.com/noah-isme/backend-billing/internal/resilience"
)

// RetryPolicy bounds the attempts made for a single operation.
type RetryPolicy struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	Jitter         float64
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy returns three attempts with 100ms exponential backoff,
// no jitter and a 10s per-attempt timeout.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseBackoff:    100 * time.Millisecond,
		AttemptTimeout: 10 * time.Second,
	}
}

// BaseOption configures a BaseAdapter.
type BaseOption func(*BaseAdapter)

// WithIdempotency caches successful mutating results in store for ttl.
func WithIdempotency(store idempotency.Store, ttl time.Duration) BaseOption {
	return func(a *BaseAdapter) {
		a.store = store
		a.ttl = ttl
	}
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) BaseOption {
	return func(a *BaseAdapter) { a.policy = p }
}

// WithBreaker guards provider calls with a circuit breaker.
func WithBreaker(b *resilience.Breaker) BaseOption {
	return func(a *BaseAdapter) { a.breaker = b }
}

// WithLogger sets the adapter logger.
func WithLogger(logger zerolog.Logger) BaseOption {
	return func(a *BaseAdapter) { a.logger = logger }
}

// BaseAdapter adds idempotency, bounded retries and telemetry around a
// provider client. The client performs exactly one attempt per call.
type BaseAdapter struct {
	name    string
	client  Adapter
	store   idempotency.Store
	ttl     time.Duration
	policy  RetryPolicy
	breaker *resilience.Breaker
	logger  zerolog.Logger
}

var _ Adapter = (*BaseAdapter)(nil)

// NewBaseAdapter wraps client under the given provider name.
func NewBaseAdapter(name string, client Adapter, opts ...BaseOption) *BaseAdapter {
	a := &BaseAdapter{
		name:   strings.ToLower(strings.TrimSpace(name)),
		client: client,
		ttl:    idempotency.DefaultTTL,
		policy: DefaultRetryPolicy(),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.policy.MaxAttempts < 1 {
		a.policy.MaxAttempts = 1
	}
	a.logger = a.logger.With().Str("provider", a.name).Logger()
	return a
}

// Name returns the provider name.
func (a *BaseAdapter) Name() string { return a.name }

func (a *BaseAdapter) CreateIntent(ctx context.Context, amount decimal.Decimal, currency string, metadata map[string]string, idempotencyKey string) (Result, error) {
	return a.Execute(ctx, Request{
		Kind:           KindCreateIntent,
		Amount:         amount,
		Currency:       currency,
		Metadata:       metadata,
		IdempotencyKey: idempotencyKey,
	})
}

func (a *BaseAdapter) Capture(ctx context.Context, intentID, idempotencyKey string) (Result, error) {
	return a.Execute(ctx, Request{Kind: KindCapture, IntentID: intentID, IdempotencyKey: idempotencyKey})
}

func (a *BaseAdapter) Refund(ctx context.Context, intentID string, amount decimal.Decimal, idempotencyKey string) (Result, error) {
	return a.Execute(ctx, Request{Kind: KindRefund, IntentID: intentID, Amount: amount, IdempotencyKey: idempotencyKey})
}

func (a *BaseAdapter) GetStatus(ctx context.Context, intentID string) (Result, error) {
	return a.Execute(ctx, Request{Kind: KindGetStatus, IntentID: intentID})
}

// Execute runs req against the provider. Mutating operations are answered
// from the idempotency store when a result already exists for the key.
func (a *BaseAdapter) Execute(ctx context.Context, req Request) (Result, error) {
	ctx, span := otel.Tracer("payment.BaseAdapter").Start(ctx, "payment."+string(req.Kind))
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.provider", a.name),
		attribute.String("payment.operation", string(req.Kind)),
	)

	op := string(req.Kind)
	if err := req.validate(); err != nil {
		err = &PermanentError{Provider: a.name, Op: req.Kind, Err: err}
		obs.Inc(obs.PaymentOperationsTotal, a.name, op, string(ClassPermanent))
		return a.failed(err), err
	}

	var cacheKey string
	if req.Kind.Mutating() && a.store != nil {
		if req.IdempotencyKey == "" {
			req.IdempotencyKey = idempotency.DeriveKey(a.name, op, req.fingerprint()...)
		}
		cacheKey = fmt.Sprintf("payment:%s:%s:%s", a.name, op, req.IdempotencyKey)
		cached, ok, err := a.lookup(ctx, cacheKey)
		if err != nil {
			span.RecordError(err)
			return Result{}, fmt.Errorf("payment: idempotency lookup: %w", err)
		}
		if ok {
			span.SetAttributes(attribute.Bool("payment.idempotent_hit", true))
			obs.Inc(obs.IdempotencyHitsTotal, a.name, op)
			obs.Inc(obs.PaymentOperationsTotal, a.name, op, "cached")
			return cached, nil
		}
	}

	var (
		res            Result
		unknownRetried bool
	)
	policy := resilience.Policy{
		MaxAttempts:    a.policy.MaxAttempts,
		BaseBackoff:    a.policy.BaseBackoff,
		Jitter:         a.policy.Jitter,
		AttemptTimeout: a.policy.AttemptTimeout,
		Breaker:        a.breaker,
	}
	attempts, err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		start := time.Now()
		r, callErr := a.call(ctx, req)
		obs.Observe(obs.PaymentAttemptLatency, obs.DurationMillis(time.Since(start)), a.name, op)
		result := "ok"
		if callErr != nil {
			result = string(Classify(callErr))
			a.logger.Debug().Err(callErr).Str("operation", op).Int("attempt", attempt).Msg("payment_attempt_failed")
		} else {
			res = r
		}
		obs.Inc(obs.PaymentAttemptsTotal, a.name, op, result)
		return callErr
	}, func(_ int, err error) bool {
		switch Classify(err) {
		case ClassTransient:
			return true
		case ClassUnknown:
			if unknownRetried {
				return false
			}
			unknownRetried = true
			return true
		default:
			return false
		}
	})
	span.SetAttributes(attribute.Int("payment.attempts", attempts))

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		} else {
			err = a.finalError(req.Kind, attempts, err)
		}
		class := Classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(class))
		obs.Inc(obs.PaymentOperationsTotal, a.name, op, string(class))
		a.logger.Warn().Err(err).Str("operation", op).Int("attempts", attempts).Str("class", string(class)).Msg("payment_operation_failed")
		return a.failed(err), err
	}

	res.Success = true
	res.Provider = a.name
	res.ErrorClass = ""
	res.Error = ""
	if cacheKey != "" {
		res = a.remember(ctx, cacheKey, res)
	}
	obs.Inc(obs.PaymentOperationsTotal, a.name, op, "ok")
	return res, nil
}

func (a *BaseAdapter) call(ctx context.Context, req Request) (Result, error) {
	switch req.Kind {
	case KindCreateIntent:
		return a.client.CreateIntent(ctx, req.Amount, req.Currency, req.Metadata, req.IdempotencyKey)
	case KindCapture:
		return a.client.Capture(ctx, req.IntentID, req.IdempotencyKey)
	case KindRefund:
		return a.client.Refund(ctx, req.IntentID, req.Amount, req.IdempotencyKey)
	case KindGetStatus:
		return a.client.GetStatus(ctx, req.IntentID)
	default:
		return Result{}, &PermanentError{Provider: a.name, Op: req.Kind, Err: ErrInvalidRequest}
	}
}

func (a *BaseAdapter) finalError(op Kind, attempts int, err error) error {
	switch Classify(err) {
	case ClassTransient:
		if attempts >= a.policy.MaxAttempts {
			return &RetryExhaustedError{Provider: a.name, Op: op, Attempts: attempts, Err: err}
		}
		var transient *TransientError
		if !errors.As(err, &transient) {
			return &TransientError{Provider: a.name, Op: op, Err: err}
		}
	case ClassUnknown:
		var unknown *UnknownError
		if !errors.As(err, &unknown) {
			return &UnknownError{Provider: a.name, Op: op, Err: err}
		}
	}
	return err
}

func (a *BaseAdapter) failed(err error) Result {
	return Result{
		Success:    false,
		Provider:   a.name,
		Status:     StatusFailed,
		ErrorClass: Classify(err),
		Error:      err.Error(),
	}
}

func (a *BaseAdapter) lookup(ctx context.Context, key string) (Result, bool, error) {
	rec, ok, err := a.store.Get(ctx, key)
	if err != nil || !ok {
		return Result{}, false, err
	}
	var res Result
	if err := json.Unmarshal(rec.Result, &res); err != nil {
		a.logger.Warn().Err(err).Str("key", key).Msg("idempotency_record_corrupt")
		return Result{}, false, nil
	}
	return res, true, nil
}

// remember stores res unless another writer got there first, in which case the
// stored winner is returned instead.
func (a *BaseAdapter) remember(ctx context.Context, key string, res Result) Result {
	payload, err := json.Marshal(res)
	if err != nil {
		a.logger.Error().Err(err).Str("key", key).Msg("idempotency_encode_failed")
		return res
	}
	stored, err := a.store.Put(ctx, key, payload, a.ttl)
	if err != nil {
		a.logger.Error().Err(err).Str("key", key).Msg("idempotency_store_failed")
		return res
	}
	if stored {
		return res
	}
	winner, ok, err := a.lookup(ctx, key)
	if err != nil || !ok {
		return res
	}
	return winner
}
