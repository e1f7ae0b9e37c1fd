package resilience

import "github.com/prometheus/client_golang/prometheus"

var (
	// BreakerState exposes the breaker state per provider: 0=closed, 1=open, 2=half-open.
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "payment_provider_breaker_state",
			Help: "Current payment provider breaker state: 0=closed,1=open,2=half-open",
		},
		[]string{"provider"},
	)
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_provider_breaker_transition_total",
			Help: "Count of payment provider breaker state transitions",
		},
		[]string{"provider", "from", "to"},
	)
	BreakerOpenedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_provider_breaker_open_total",
			Help: "Number of times a provider breaker opened",
		},
		[]string{"provider"},
	)
)

func init() {
	prometheus.MustRegister(BreakerState, BreakerTransitions, BreakerOpenedTotal)
}
