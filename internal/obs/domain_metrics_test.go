package obs_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pricing-engine/internal/obs"
)

func TestPricingMetricsRecordOutcomes(t *testing.T) {
	registry := prometheus.NewRegistry()
	obs.MustRegisterPricingMetrics("pricing_test", registry)

	obs.ObservePricingCalculation("ERP", "ok", 3*time.Millisecond)
	obs.ObservePricingRuleApplied("percentage")
	obs.ObservePricingCacheLookup("miss")
	obs.ObservePricingAnalytics("ok", 3)
	obs.ObserveDBQuery("SELECT", false, time.Millisecond)

	require.Equal(t, 1.0, testutil.ToFloat64(obs.PricingCalculationsTotal.WithLabelValues("ERP", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(obs.PricingRulesAppliedTotal.WithLabelValues("percentage")))
	require.Equal(t, 1.0, testutil.ToFloat64(obs.PricingCacheLookupsTotal.WithLabelValues("miss")))
	require.Equal(t, 3.0, testutil.ToFloat64(obs.PricingAnalyticsEventsTotal.WithLabelValues("ok")))
	require.Equal(t, 1, testutil.CollectAndCount(obs.PricingCalculationDuration))
	require.Equal(t, 1, testutil.CollectAndCount(obs.PricingDBQueryDuration))
}
