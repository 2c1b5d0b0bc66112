package pricing

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/noah-isme/pricing-engine/internal/obs"
)

// UsageTracker persists usage increments for applied rules. Failures are
// logged and swallowed: usage accounting never fails a calculation.
type UsageTracker struct {
	Store  UsageStore
	Logger zerolog.Logger
}

// RecordUsage increments the global counter and, with a customer, the
// per-customer counter. The call completes before returning.
func (u UsageTracker) RecordUsage(ctx context.Context, rule Rule, customerID string) {
	if u.Store == nil {
		return
	}
	if err := u.Store.SaveRuleUsageIncrement(ctx, rule.ID, customerID); err != nil {
		if obs.PricingUsageWriteFailures != nil {
			obs.PricingUsageWriteFailures.Inc()
		}
		u.Logger.Warn().Err(err).Str("rule_id", rule.ID).Str("customer_id", customerID).Msg("pricing_usage_write_failed")
	}
}
