package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentAttemptsTotal counts individual provider attempts by classification.
	PaymentAttemptsTotal *prometheus.CounterVec
	// PaymentOperationsTotal counts adapter operations by final outcome.
	PaymentOperationsTotal *prometheus.CounterVec
	// PaymentAttemptLatency records provider attempt latency in milliseconds.
	PaymentAttemptLatency *prometheus.HistogramVec
	// IdempotencyHitsTotal counts provider calls answered from the idempotency store.
	IdempotencyHitsTotal *prometheus.CounterVec
	// PaymentWebhookTotal counts inbound payment webhook processing outcomes.
	PaymentWebhookTotal *prometheus.CounterVec
	// DuplicateEventsTotal counts provider events skipped because they were already processed.
	DuplicateEventsTotal *prometheus.CounterVec
	// EventHandlerTotal counts domain event handler results.
	EventHandlerTotal *prometheus.CounterVec
	// CheckoutTotal counts checkout outcomes.
	CheckoutTotal *prometheus.CounterVec
	// TokensCreditedTotal counts tokens credited to user balances.
	TokensCreditedTotal prometheus.Counter
)

// MustRegisterDomainMetrics initialises and registers billing-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentAttemptsTotal = registerCounterVec(reg, prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_attempts_total",
			Help:      "Provider call attempts by classification.",
		}, "provider", "operation", "result")
		PaymentOperationsTotal = registerCounterVec(reg, prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_operations_total",
			Help:      "Adapter operations by final outcome.",
		}, "provider", "operation", "result")
		IdempotencyHitsTotal = registerCounterVec(reg, prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_hits_total",
			Help:      "Provider calls served from the idempotency store.",
		}, "provider", "operation")
		PaymentWebhookTotal = registerCounterVec(reg, prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed payment webhooks by outcome.",
		}, "provider", "result")
		DuplicateEventsTotal = registerCounterVec(reg, prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_events_total",
			Help:      "Provider events skipped as already processed.",
		}, "provider")
		EventHandlerTotal = registerCounterVec(reg, prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_handler_total",
			Help:      "Domain event handler results.",
		}, "type", "handler", "result")
		CheckoutTotal = registerCounterVec(reg, prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_total",
			Help:      "Checkout requests by outcome.",
		}, "result")

		latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_attempt_duration_ms",
			Help:      "Latency of provider attempts in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"provider", "operation"})
		mustRegisterCollector(reg, latency, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				latency = v
			}
		})
		PaymentAttemptLatency = latency

		credited := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_credited_total",
			Help:      "Tokens credited to user balances after captured payments.",
		})
		mustRegisterCollector(reg, credited, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				credited = v
			}
		})
		TokensCreditedTotal = credited
	})
}

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels ...string) *prometheus.CounterVec {
	vec := prometheus.NewCounterVec(opts, labels)
	mustRegisterCollector(reg, vec, func(existing prometheus.Collector) {
		if v, ok := existing.(*prometheus.CounterVec); ok {
			vec = v
		}
	})
	return vec
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}

// Inc increments vec for the given labels. It is a no-op until metrics are registered.
func Inc(vec *prometheus.CounterVec, labels ...string) {
	if vec == nil {
		return
	}
	vec.WithLabelValues(labels...).Inc()
}

// Observe records v on the histogram for the given labels when registered.
func Observe(vec *prometheus.HistogramVec, v float64, labels ...string) {
	if vec == nil {
		return
	}
	vec.WithLabelValues(labels...).Observe(v)
}

// AddTokensCredited adds n to the credited tokens counter when registered.
func AddTokensCredited(n int64) {
	if TokensCreditedTotal == nil || n <= 0 {
		return
	}
	TokensCreditedTotal.Add(float64(n))
}
