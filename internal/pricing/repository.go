package pricing

import "context"

// CandidateQuery scopes the rules fetched for one calculation. CustomerID
// lets the repository report per-customer usage on each rule.
type CandidateQuery struct {
	CompanyID  string
	Channel    Channel
	ItemID     string
	ItemFamily string
	CustomerID string
}

// ItemRef identifies an item by id or, failing that, by reference.
type ItemRef struct {
	ID        string
	Reference string
}

// RuleSource returns candidate rules ordered by priority desc, created asc.
type RuleSource interface {
	FindCandidateRules(ctx context.Context, q CandidateQuery) ([]Rule, error)
}

// UsageStore persists usage counter increments. Implementations must
// increment atomically.
type UsageStore interface {
	SaveRuleUsageIncrement(ctx context.Context, ruleID, customerID string) error
}

// Repository is everything the pricing service reads from and writes to.
// Lookups that miss return a nil pointer and a nil error.
type Repository interface {
	RuleSource
	UsageStore
	// FindRule fills CustomerUsageCount for customerID when it is set.
	FindRule(ctx context.Context, companyID, ruleID, customerID string) (*Rule, error)
	FindItem(ctx context.Context, companyID string, ref ItemRef) (*Item, error)
}

// InScope reports whether rule targets the company, channel and item.
// Repositories use it as their filter; an empty rule channel means ALL.
func InScope(rule Rule, companyID string, channel Channel, item Item) bool {
	if rule.CompanyID != companyID {
		return false
	}
	if rule.Channel != "" && rule.Channel != ChannelAll && rule.Channel != channel {
		return false
	}
	if rule.ItemID != "" && rule.ItemID != item.ID {
		return false
	}
	if rule.ItemFamily != "" && rule.ItemFamily != item.Family {
		return false
	}
	return true
}
