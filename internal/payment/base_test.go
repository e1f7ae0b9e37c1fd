package payment_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-billing/internal/idempotency"
	"github.com/noah-isme/backend-billing/internal/payment"
	"github.com/noah-isme/backend-billing/internal/resilience"
)

var fastPolicy = payment.RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond, AttemptTimeout: time.Second}

func transient() error {
	return &payment.TransientError{Provider: "mock", Op: payment.KindCreateIntent, StatusCode: 503, Err: errors.New("unavailable")}
}

func permanent() error {
	return &payment.PermanentError{Provider: "mock", Op: payment.KindCreateIntent, StatusCode: 402, Code: "card_declined", Err: errors.New("declined")}
}

func redisStore(t *testing.T) idempotency.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return idempotency.NewRedisStore(client, "")
}

func newAdapter(t *testing.T, client payment.Adapter, withStore bool) *payment.BaseAdapter {
	t.Helper()
	opts := []payment.BaseOption{payment.WithRetryPolicy(fastPolicy)}
	if withStore {
		opts = append(opts, payment.WithIdempotency(redisStore(t), time.Hour))
	}
	return payment.NewBaseAdapter("mock", client, opts...)
}

var amount = decimal.RequireFromString("29.00")

func TestTransientFailuresExhaustAfterMaxAttempts(t *testing.T) {
	mock := payment.NewMockClient()
	mock.FailNext(transient(), transient(), transient(), transient())
	adapter := newAdapter(t, mock, false)

	res, err := adapter.CreateIntent(context.Background(), amount, "USD", nil, "k1")
	require.Error(t, err)

	var exhausted *payment.RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 3, exhausted.Attempts)
	require.Equal(t, 3, mock.Calls(payment.KindCreateIntent))
	require.Equal(t, payment.ClassTransient, payment.Classify(err))
	require.False(t, res.Success)
	require.Equal(t, payment.ClassTransient, res.ErrorClass)
}

func TestTransientFailureRecovers(t *testing.T) {
	mock := payment.NewMockClient()
	mock.FailNext(transient(), transient())
	adapter := newAdapter(t, mock, false)

	res, err := adapter.CreateIntent(context.Background(), amount, "usd", nil, "k1")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "mock", res.Provider)
	require.Equal(t, "USD", res.Currency)
	require.Equal(t, 3, mock.Calls(payment.KindCreateIntent))
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	mock := payment.NewMockClient()
	mock.FailNext(permanent())
	adapter := newAdapter(t, mock, false)

	res, err := adapter.CreateIntent(context.Background(), amount, "USD", nil, "k1")
	var perm *payment.PermanentError
	require.ErrorAs(t, err, &perm)
	require.Equal(t, "card_declined", perm.Code)
	require.Equal(t, 1, mock.Calls(payment.KindCreateIntent))
	require.Equal(t, payment.ClassPermanent, res.ErrorClass)
}

func TestUnknownFailureRetriedOnce(t *testing.T) {
	mock := payment.NewMockClient()
	mock.FailNext(errors.New("weird"), errors.New("weird"), errors.New("weird"))
	adapter := newAdapter(t, mock, false)

	_, err := adapter.CreateIntent(context.Background(), amount, "USD", nil, "k1")
	var unknown *payment.UnknownError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, 2, mock.Calls(payment.KindCreateIntent))

	mock2 := payment.NewMockClient()
	mock2.FailNext(errors.New("weird"))
	adapter2 := newAdapter(t, mock2, false)
	res, err := adapter2.CreateIntent(context.Background(), amount, "USD", nil, "k1")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 2, mock2.Calls(payment.KindCreateIntent))
}

func TestIdempotentCreateIntentCallsProviderOnce(t *testing.T) {
	mock := payment.NewMockClient()
	adapter := newAdapter(t, mock, true)
	ctx := context.Background()

	first, err := adapter.CreateIntent(ctx, amount, "USD", map[string]string{"invoice_id": "inv-1"}, "order-42")
	require.NoError(t, err)
	second, err := adapter.CreateIntent(ctx, amount, "USD", map[string]string{"invoice_id": "inv-1"}, "order-42")
	require.NoError(t, err)

	require.Equal(t, 1, mock.Calls(payment.KindCreateIntent))
	require.Equal(t, first.ReferenceID, second.ReferenceID)
	require.True(t, first.Amount.Equal(second.Amount))
	require.Equal(t, []string{"order-42"}, mock.IdempotencyKeys())

	third, err := adapter.CreateIntent(ctx, amount, "USD", nil, "order-43")
	require.NoError(t, err)
	require.NotEqual(t, first.ReferenceID, third.ReferenceID)
	require.Equal(t, 2, mock.Calls(payment.KindCreateIntent))
}

func TestDerivedKeyWhenCallerOmitsOne(t *testing.T) {
	mock := payment.NewMockClient()
	adapter := newAdapter(t, mock, true)
	ctx := context.Background()

	a, err := adapter.CreateIntent(ctx, amount, "USD", map[string]string{"invoice_id": "inv-1"}, "")
	require.NoError(t, err)
	b, err := adapter.CreateIntent(ctx, amount, "USD", map[string]string{"invoice_id": "inv-1"}, "")
	require.NoError(t, err)
	require.Equal(t, a.ReferenceID, b.ReferenceID)
	require.Equal(t, 1, mock.Calls(payment.KindCreateIntent))
	require.Len(t, mock.IdempotencyKeys()[0], 32)
}

func TestFailuresAreNotCached(t *testing.T) {
	mock := payment.NewMockClient()
	mock.FailNext(permanent())
	adapter := newAdapter(t, mock, true)
	ctx := context.Background()

	_, err := adapter.CreateIntent(ctx, amount, "USD", nil, "k1")
	require.Error(t, err)
	res, err := adapter.CreateIntent(ctx, amount, "USD", nil, "k1")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 2, mock.Calls(payment.KindCreateIntent))
}

func TestConcurrentCallersSeeSameResult(t *testing.T) {
	mock := payment.NewMockClient()
	adapter := newAdapter(t, mock, true)

	const callers = 8
	refs := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := adapter.CreateIntent(context.Background(), amount, "USD", nil, "shared")
			if err == nil {
				refs[i] = res.ReferenceID
			}
		}(i)
	}
	wg.Wait()
	for _, ref := range refs {
		require.NotEmpty(t, ref)
		require.Equal(t, refs[0], ref)
	}
}

func TestGetStatusIsNeverCached(t *testing.T) {
	mock := payment.NewMockClient()
	adapter := newAdapter(t, mock, true)
	ctx := context.Background()

	created, err := adapter.CreateIntent(ctx, amount, "USD", nil, "k1")
	require.NoError(t, err)

	status, err := adapter.GetStatus(ctx, created.ReferenceID)
	require.NoError(t, err)
	require.Equal(t, payment.StatusRequiresAction, status.Status)

	mock.SetStatus(created.ReferenceID, payment.StatusSucceeded)
	status, err = adapter.GetStatus(ctx, created.ReferenceID)
	require.NoError(t, err)
	require.Equal(t, payment.StatusSucceeded, status.Status)
	require.Equal(t, 2, mock.Calls(payment.KindGetStatus))
}

func TestCaptureAndRefundThroughAdapter(t *testing.T) {
	mock := payment.NewMockClient()
	adapter := newAdapter(t, mock, true)
	ctx := context.Background()

	created, err := adapter.CreateIntent(ctx, amount, "USD", nil, "k1")
	require.NoError(t, err)
	captured, err := adapter.Capture(ctx, created.ReferenceID, "cap-1")
	require.NoError(t, err)
	require.Equal(t, payment.StatusSucceeded, captured.Status)

	again, err := adapter.Capture(ctx, created.ReferenceID, "cap-1")
	require.NoError(t, err)
	require.Equal(t, captured.ReferenceID, again.ReferenceID)
	require.Equal(t, captured.Status, again.Status)
	require.True(t, captured.Amount.Equal(again.Amount))
	require.Equal(t, 1, mock.Calls(payment.KindCapture))

	refund, err := adapter.Refund(ctx, created.ReferenceID, decimal.RequireFromString("10"), "ref-1")
	require.NoError(t, err)
	require.Equal(t, payment.StatusRefunded, refund.Status)
}

type slowClient struct {
	*payment.MockClient
}

func (s slowClient) CreateIntent(ctx context.Context, _ decimal.Decimal, _ string, _ map[string]string, _ string) (payment.Result, error) {
	<-ctx.Done()
	return payment.Result{}, ctx.Err()
}

func TestAttemptTimeoutIsTransient(t *testing.T) {
	adapter := payment.NewBaseAdapter("slow", slowClient{payment.NewMockClient()}, payment.WithRetryPolicy(payment.RetryPolicy{
		MaxAttempts:    2,
		BaseBackoff:    time.Millisecond,
		AttemptTimeout: 20 * time.Millisecond,
	}))

	_, err := adapter.CreateIntent(context.Background(), amount, "USD", nil, "k1")
	var exhausted *payment.RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 2, exhausted.Attempts)
	require.ErrorIs(t, err, resilience.ErrAttemptTimeout)
}

func TestParentCancellationStopsRetries(t *testing.T) {
	adapter := payment.NewBaseAdapter("slow", slowClient{payment.NewMockClient()}, payment.WithRetryPolicy(payment.RetryPolicy{
		MaxAttempts:    5,
		BaseBackoff:    time.Millisecond,
		AttemptTimeout: time.Second,
	}))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := adapter.CreateIntent(ctx, amount, "USD", nil, "k1")
	require.ErrorIs(t, err, context.Canceled)
}

func TestInvalidRequestNeverReachesProvider(t *testing.T) {
	mock := payment.NewMockClient()
	adapter := newAdapter(t, mock, false)

	_, err := adapter.CreateIntent(context.Background(), decimal.Zero, "USD", nil, "k1")
	require.ErrorIs(t, err, payment.ErrInvalidRequest)
	require.Equal(t, payment.ClassPermanent, payment.Classify(err))

	_, err = adapter.Capture(context.Background(), "", "k")
	require.ErrorIs(t, err, payment.ErrInvalidRequest)
	require.Equal(t, 0, mock.Calls(payment.KindCreateIntent)+mock.Calls(payment.KindCapture))
}

func TestOpenBreakerFailsFastAsTransient(t *testing.T) {
	mock := payment.NewMockClient()
	mock.FailNext(transient(), transient())
	breaker := resilience.NewBreaker("mock", resilience.BreakerConfig{MinRequests: 1, FailureRate: 0.5, OpenFor: time.Minute})
	adapter := payment.NewBaseAdapter("mock", mock,
		payment.WithRetryPolicy(payment.RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond}),
		payment.WithBreaker(breaker))

	_, err := adapter.CreateIntent(context.Background(), amount, "USD", nil, "k1")
	require.Error(t, err)
	require.Equal(t, payment.ClassTransient, payment.Classify(err))
	require.ErrorIs(t, err, resilience.ErrOpenCircuit)
	require.Equal(t, 1, mock.Calls(payment.KindCreateIntent))
}
