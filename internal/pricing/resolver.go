package pricing

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Resolution partitions the candidate rules of one calculation.
type Resolution struct {
	Candidates int
	Applicable []Rule
	Skipped    []SkippedRule
	// NextChange is the earliest instant after evaluation at which the
	// validity window or a date_range condition of any candidate flips.
	// Zero when no candidate depends on the clock.
	NextChange time.Time
}

// Resolver selects the rules that apply to an item in a given context.
type Resolver struct {
	Rules RuleSource
}

// Resolve fetches candidates and classifies them. Skipped rules are only
// collected when trackSkipped is set.
func (r Resolver) Resolve(ctx context.Context, item Item, ec Enriched, trackSkipped bool) (Resolution, error) {
	rules, err := r.Rules.FindCandidateRules(ctx, CandidateQuery{
		CompanyID:  ec.CompanyID,
		Channel:    ec.Channel,
		ItemID:     item.ID,
		ItemFamily: item.Family,
		CustomerID: ec.CustomerID,
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("find candidate rules: %w", err)
	}
	SortRules(rules)

	res := Resolution{Candidates: len(rules), NextChange: NextChange(rules, ec.Now)}
	for _, rule := range rules {
		if err := Eligibility(rule, ec); err != nil {
			if trackSkipped {
				res.Skipped = append(res.Skipped, SkippedRule{RuleID: rule.ID, RuleName: rule.Name, Reason: err.Error()})
			}
			continue
		}
		res.Applicable = append(res.Applicable, rule)
	}
	return res, nil
}

// Eligibility runs the gating checks in order: active flag, validity
// window, usage limits, then conditions.
func Eligibility(rule Rule, ec Enriched) error {
	if err := rule.Gate(ec.Now, ec.CustomerID); err != nil {
		return err
	}
	if !ConditionsSatisfied(rule.Conditions, ec) {
		return ErrConditionsNotMet
	}
	return nil
}

// SortRules orders rules by priority desc then creation asc. Ties keep
// their fetch order.
func SortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
}

// NextChange returns the earliest instant after now at which the gating of
// any rule can change with the clock alone, or the zero time.
func NextChange(rules []Rule, now time.Time) time.Time {
	var next time.Time
	consider := func(t time.Time) {
		if t.After(now) && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}
	for _, rule := range rules {
		if rule.ValidFrom != nil {
			consider(*rule.ValidFrom)
		}
		if rule.ValidUntil != nil {
			consider(rule.ValidUntil.Add(time.Nanosecond))
		}
		for _, c := range rule.Conditions {
			if c.Kind == CondDateRange {
				for _, t := range timeBoundaries(c) {
					consider(t)
				}
			}
		}
	}
	return next
}
