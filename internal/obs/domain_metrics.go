package obs

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PricingCalculationsTotal counts calculations by channel and outcome.
	PricingCalculationsTotal *prometheus.CounterVec
	// PricingCalculationDuration records calculation latency in milliseconds.
	PricingCalculationDuration *prometheus.HistogramVec
	// PricingRulesAppliedTotal counts rules that changed a price, by adjustment kind.
	PricingRulesAppliedTotal *prometheus.CounterVec
	// PricingCacheLookupsTotal counts result cache lookups by outcome.
	PricingCacheLookupsTotal *prometheus.CounterVec
	// PricingUsageWriteFailures counts swallowed usage counter write failures.
	PricingUsageWriteFailures prometheus.Counter
	// PricingAnalyticsEventsTotal counts rule events handed to the analytics pipeline.
	PricingAnalyticsEventsTotal *prometheus.CounterVec
	// PricingDBQueryDuration records Postgres statement latency by operation.
	PricingDBQueryDuration *prometheus.HistogramVec
)

// MustRegisterPricingMetrics initialises and registers the pricing collectors.
func MustRegisterPricingMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PricingCalculationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pricing_calculations_total",
			Help:      "Count of price calculations by channel and outcome.",
		}, []string{"channel", "result"})
		PricingCalculationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pricing_calculation_duration_ms",
			Help:      "Latency of price calculations in milliseconds.",
			Buckets:   []float64{1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"result"})
		PricingRulesAppliedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pricing_rules_applied_total",
			Help:      "Count of pricing rules that changed a price.",
		}, []string{"kind"})
		PricingCacheLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pricing_cache_lookups_total",
			Help:      "Count of result cache lookups by outcome.",
		}, []string{"result"})
		PricingUsageWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pricing_usage_write_failures_total",
			Help:      "Number of rule usage increments that failed to persist.",
		})
		PricingAnalyticsEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pricing_analytics_events_total",
			Help:      "Count of rule events published to the analytics pipeline.",
		}, []string{"result"})
		PricingDBQueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pricing_db_query_duration_ms",
			Help:      "Latency of pricing store statements in milliseconds.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250},
		}, []string{"operation", "status"})

		mustRegisterCollector(reg, PricingCalculationsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PricingCalculationsTotal = v
			}
		})
		mustRegisterCollector(reg, PricingCalculationDuration, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				PricingCalculationDuration = v
			}
		})
		mustRegisterCollector(reg, PricingRulesAppliedTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PricingRulesAppliedTotal = v
			}
		})
		mustRegisterCollector(reg, PricingCacheLookupsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PricingCacheLookupsTotal = v
			}
		})
		mustRegisterCollector(reg, PricingUsageWriteFailures, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				PricingUsageWriteFailures = v
			}
		})
		mustRegisterCollector(reg, PricingAnalyticsEventsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PricingAnalyticsEventsTotal = v
			}
		})
		mustRegisterCollector(reg, PricingDBQueryDuration, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				PricingDBQueryDuration = v
			}
		})
	})
}

// ObservePricingCalculation records one calculation. It is a no-op until the
// pricing metrics are registered.
func ObservePricingCalculation(channel, result string, d time.Duration) {
	if PricingCalculationsTotal != nil {
		PricingCalculationsTotal.WithLabelValues(channel, result).Inc()
	}
	if PricingCalculationDuration != nil {
		PricingCalculationDuration.WithLabelValues(result).Observe(DurationMillis(d))
	}
}

// ObservePricingRuleApplied counts one applied rule.
func ObservePricingRuleApplied(kind string) {
	if PricingRulesAppliedTotal != nil {
		PricingRulesAppliedTotal.WithLabelValues(kind).Inc()
	}
}

// ObservePricingCacheLookup counts one result cache lookup.
func ObservePricingCacheLookup(result string) {
	if PricingCacheLookupsTotal != nil {
		PricingCacheLookupsTotal.WithLabelValues(result).Inc()
	}
}

// ObservePricingAnalytics counts n events with the given publish outcome.
func ObservePricingAnalytics(result string, n int) {
	if PricingAnalyticsEventsTotal != nil {
		PricingAnalyticsEventsTotal.WithLabelValues(result).Add(float64(n))
	}
}

// ObserveDBQuery records one statement executed through the pgx tracer.
func ObserveDBQuery(operation string, failed bool, d time.Duration) {
	if PricingDBQueryDuration == nil {
		return
	}
	status := "ok"
	if failed {
		status = "error"
	}
	PricingDBQueryDuration.WithLabelValues(operation, status).Observe(DurationMillis(d))
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register pricing metric: %w", err))
	}
}
