package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// OrderTotalsComputed counts order total computations by side and payment method.
	OrderTotalsComputed *prometheus.CounterVec
	// TaxLookupTotal counts tax engine lookups by outcome.
	TaxLookupTotal *prometheus.CounterVec
	// TaxResponseDiscarded counts tax results dropped because their inputs changed.
	TaxResponseDiscarded prometheus.Counter
	// PaymentOverrideRejected counts FUNDS overrides refused for insufficient balance.
	PaymentOverrideRejected prometheus.Counter
	// SpotQuoteUpdates counts accepted spot quote updates per metal.
	SpotQuoteUpdates *prometheus.CounterVec
	// OrderSubmissions counts order submission attempts by outcome.
	OrderSubmissions *prometheus.CounterVec
	// TaxLookupLatency records tax engine latency in milliseconds.
	TaxLookupLatency prometheus.Histogram
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		OrderTotalsComputed = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_totals_computed_total",
			Help:      "Count of order total computations.",
		}, []string{"side", "method"})
		TaxLookupTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tax_lookup_total",
			Help:      "Count of tax lookups by outcome.",
		}, []string{"result"})
		TaxResponseDiscarded = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tax_response_discarded_total",
			Help:      "Tax responses discarded because the cart or address changed in flight.",
		})
		PaymentOverrideRejected = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_override_rejected_total",
			Help:      "Stored-funds overrides rejected for insufficient balance.",
		})
		SpotQuoteUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spot_quote_updates_total",
			Help:      "Accepted spot quote updates.",
		}, []string{"metal"})
		OrderSubmissions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_submissions_total",
			Help:      "Count of order submission attempts by outcome.",
		}, []string{"result"})
		TaxLookupLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tax_lookup_duration_ms",
			Help:      "Latency of tax engine lookups in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		})

		mustRegisterCollector(reg, OrderTotalsComputed, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				OrderTotalsComputed = v
			}
		})
		mustRegisterCollector(reg, TaxLookupTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				TaxLookupTotal = v
			}
		})
		mustRegisterCollector(reg, TaxResponseDiscarded, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				TaxResponseDiscarded = v
			}
		})
		mustRegisterCollector(reg, PaymentOverrideRejected, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				PaymentOverrideRejected = v
			}
		})
		mustRegisterCollector(reg, SpotQuoteUpdates, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				SpotQuoteUpdates = v
			}
		})
		mustRegisterCollector(reg, OrderSubmissions, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				OrderSubmissions = v
			}
		})
		mustRegisterCollector(reg, TaxLookupLatency, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Histogram); ok {
				TaxLookupLatency = v
			}
		})
	})
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
