package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// ErrAttemptTimeout marks an attempt that exceeded its own deadline while the
// caller's context was still alive.
var ErrAttemptTimeout = errors.New("resilience: attempt timed out")

// Backoff returns an exponential backoff duration for the provided attempt.
// Jitter is expressed as a fraction (e.g. 0.2 == 20%).
func Backoff(base time.Duration, attempt int, jitterPct float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if jitterPct <= 0 {
		return d
	}
	jitter := float64(d) * jitterPct
	delta := (rand.Float64()*2 - 1) * jitter
	return d + time.Duration(delta)
}

// Policy describes a bounded retry loop with per-attempt timeouts and an
// optional circuit breaker.
type Policy struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	Jitter         float64
	AttemptTimeout time.Duration
	Breaker        *Breaker
}

// RetryFunc decides whether err returned by the given attempt should be retried.
type RetryFunc func(attempt int, err error) bool

// Do calls fn until it succeeds, retry reports false, or MaxAttempts is
// reached. It returns the number of attempts made and the last error. Backoff
// sleeps honour ctx cancellation.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error, retry RetryFunc) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		err := p.attempt(ctx, attempt, fn)
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		again := retry != nil && retry(attempt, err)
		if p.Breaker != nil && !errors.Is(err, ErrOpenCircuit) {
			p.Breaker.Report(ctx, !again)
		}
		if !again || attempt == maxAttempts {
			return attempt, lastErr
		}
		if err := sleep(ctx, Backoff(p.BaseBackoff, attempt, p.Jitter)); err != nil {
			return attempt, err
		}
	}
	return maxAttempts, lastErr
}

func (p Policy) attempt(ctx context.Context, attempt int, fn func(context.Context, int) error) error {
	if p.Breaker != nil && !p.Breaker.Allow(ctx) {
		return ErrOpenCircuit
	}
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.AttemptTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
	}
	defer cancel()

	err := fn(callCtx, attempt)
	if err == nil {
		if p.Breaker != nil {
			p.Breaker.Report(ctx, true)
		}
		return nil
	}
	if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrAttemptTimeout, err)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
