package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpenCircuit is returned when the circuit breaker refuses a request.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// State represents the current breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func (s State) gauge() float64 {
	switch s {
	case Closed:
		return 0
	case Open:
		return 1
	case HalfOpen:
		return 2
	default:
		return -1
	}
}

// BreakerConfig holds the thresholds of a provider breaker.
type BreakerConfig struct {
	// MinRequests is the number of outcomes observed before the failure rate
	// is evaluated.
	MinRequests int
	FailureRate float64
	OpenFor     time.Duration
}

func (c BreakerConfig) normalised() BreakerConfig {
	if c.MinRequests <= 0 {
		c.MinRequests = 1
	}
	if c.FailureRate <= 0 {
		c.FailureRate = 0.5
	}
	if c.FailureRate > 1 {
		c.FailureRate = 1
	}
	if c.OpenFor <= 0 {
		c.OpenFor = 30 * time.Second
	}
	return c
}

// BreakerOption customises a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerLogger sets the logger used for transition events.
func WithBreakerLogger(logger zerolog.Logger) BreakerOption {
	return func(b *Breaker) { b.logger = logger }
}

// WithBreakerClock overrides the clock used to time the open window.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// Breaker guards calls to one payment provider. It opens once the failure
// rate over the current window reaches the threshold, rejects calls while
// open, and lets a single trial call through after OpenFor elapses.
type Breaker struct {
	provider string
	cfg      BreakerConfig
	logger   zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	trialOut  bool
}

// NewBreaker constructs a closed breaker for provider.
func NewBreaker(provider string, cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		provider: strings.ToLower(strings.TrimSpace(provider)),
		cfg:      cfg.normalised(),
		logger:   zerolog.Nop(),
		now:      time.Now,
		state:    Closed,
	}
	if b.provider == "" {
		b.provider = "default"
	}
	for _, opt := range opts {
		opt(b)
	}
	BreakerState.WithLabelValues(b.provider).Set(Closed.gauge())
	return b
}

// Provider returns the provider name used in metrics and logs.
func (b *Breaker) Provider() string { return b.provider }

// Allow reports whether a call may proceed. While half-open only one trial
// call is admitted until its outcome is reported.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.OpenFor {
			return false
		}
		b.moveLocked(ctx, HalfOpen)
		b.trialOut = true
		return true
	case HalfOpen:
		if b.trialOut {
			return false
		}
		b.trialOut = true
		return true
	default:
		return true
	}
}

// Report records the outcome of an admitted call.
func (b *Breaker) Report(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		return
	case HalfOpen:
		b.trialOut = false
		if success {
			b.moveLocked(ctx, Closed)
		} else {
			b.moveLocked(ctx, Open)
		}
		return
	}

	if success {
		b.successes++
	} else {
		b.failures++
	}
	total := b.failures + b.successes
	if total < b.cfg.MinRequests {
		return
	}
	if float64(b.failures)/float64(total) >= b.cfg.FailureRate {
		b.moveLocked(ctx, Open)
		return
	}
	if total >= b.cfg.MinRequests*2 {
		// halve the window so old successes do not mask a fresh outage
		b.successes = (b.successes + 1) / 2
		b.failures = (b.failures + 1) / 2
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) moveLocked(ctx context.Context, next State) {
	prev := b.state
	if prev == next {
		return
	}
	b.state = next
	b.failures, b.successes = 0, 0
	switch next {
	case Open:
		b.openedAt = b.now()
		BreakerOpenedTotal.WithLabelValues(b.provider).Inc()
	case Closed:
		b.openedAt = time.Time{}
	}
	BreakerState.WithLabelValues(b.provider).Set(next.gauge())
	BreakerTransitions.WithLabelValues(b.provider, prev.String(), next.String()).Inc()

	logger := b.logger
	if ctxLogger := zerolog.Ctx(ctx); ctxLogger != nil && ctxLogger.GetLevel() != zerolog.Disabled {
		logger = *ctxLogger
	}
	evt := logger.Warn()
	if next == Closed {
		evt = logger.Info()
	}
	evt = evt.Str("provider", b.provider).Str("from_state", prev.String()).Str("to_state", next.String())
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		evt = evt.Str("trace_id", sc.TraceID().String())
	}
	evt.Msg("provider_breaker_transition")
}
