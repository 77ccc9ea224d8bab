package resilience

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once

	// BreakerState is 0 closed, 1 open, 2 half-open per upstream.
	BreakerState *prometheus.GaugeVec
	// BreakerTransitions counts state changes.
	BreakerTransitions *prometheus.CounterVec
	// BreakerOpenedTotal counts trips into the open state.
	BreakerOpenedTotal *prometheus.CounterVec
)

// MustRegisterMetrics creates the breaker collectors once. Breakers built
// before registration simply skip metric updates.
func MustRegisterMetrics(namespace string, reg prometheus.Registerer) {
	metricsOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		state := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "breaker_state",
			Help:      "Breaker state per upstream: 0=closed, 1=open, 2=half-open.",
		}, []string{"target"})
		transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "breaker_transitions_total",
			Help:      "Breaker state transitions per upstream.",
		}, []string{"target", "from", "to"})
		opened := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "breaker_opened_total",
			Help:      "Times a breaker tripped open.",
		}, []string{"target"})

		BreakerState = register(reg, state)
		BreakerTransitions = register(reg, transitions)
		BreakerOpenedTotal = register(reg, opened)
	})
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
