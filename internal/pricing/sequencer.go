package pricing

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"
)

// ReasonNoChange is reported for applicable rules that left the price as is.
const ReasonNoChange = "no price change"

// Evaluation records what happened to a rule the sequencer reached.
type Evaluation struct {
	Rule    Rule
	Applied bool
	Reason  string
}

// Sequence is the outcome of running applicable rules over a start price.
type Sequence struct {
	FinalPrice  float64
	Applied     []AppliedRule
	AppliedFrom []Rule
	Steps       []Step
	Warnings    []string
	Evaluations []Evaluation
}

// UsageRecorder is told about every rule that changed the price.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, rule Rule, customerID string)
}

// Sequencer applies rules in order, stopping after the first
// non-combinable rule that changed the price.
type Sequencer struct {
	Adjuster Adjuster
	Usage    UsageRecorder
	Logger   zerolog.Logger
}

// Run applies rules to start. Step numbers continue from stepOffset.
func (s Sequencer) Run(ctx context.Context, rules []Rule, start float64, item Item, ec Enriched, stepOffset int) Sequence {
	seq := Sequence{Applied: []AppliedRule{}}
	current := start

	for _, rule := range rules {
		adj, err := s.apply(rule, current, item, ec)
		if err != nil {
			msg := fmt.Sprintf("rule %s skipped: %v", ruleLabel(rule), err)
			seq.Warnings = append(seq.Warnings, msg)
			seq.Evaluations = append(seq.Evaluations, Evaluation{Rule: rule, Reason: err.Error()})
			s.Logger.Warn().Err(err).Str("rule_id", rule.ID).Str("company_id", ec.CompanyID).Str("item_id", item.ID).Msg("pricing_rule_error")
			continue
		}
		if adj.Warning != "" {
			seq.Warnings = append(seq.Warnings, adj.Warning)
		}
		if adj.Price == current {
			seq.Evaluations = append(seq.Evaluations, Evaluation{Rule: rule, Reason: ReasonNoChange})
			continue
		}

		before := current
		current = adj.Price
		discount := sub(before, current)
		seq.Applied = append(seq.Applied, AppliedRule{
			RuleID:             rule.ID,
			RuleName:           rule.Name,
			Kind:               rule.Kind,
			Value:              rule.Value,
			Unit:               rule.Unit,
			Discount:           discount,
			DiscountPercentage: percentOf(discount, before),
		})
		seq.AppliedFrom = append(seq.AppliedFrom, rule)
		seq.Steps = append(seq.Steps, Step{
			Step:        stepOffset + len(seq.Steps) + 1,
			RuleID:      rule.ID,
			RuleName:    rule.Name,
			Kind:        string(rule.Kind),
			PriceBefore: before,
			PriceAfter:  current,
			Adjustment:  sub(current, before),
			Description: Describe(rule, before, current),
		})
		seq.Evaluations = append(seq.Evaluations, Evaluation{Rule: rule, Applied: true})

		if s.Usage != nil {
			s.Usage.RecordUsage(ctx, rule, ec.CustomerID)
		}
		if !rule.Combinable {
			break
		}
	}

	seq.FinalPrice = math.Max(0, current)
	return seq
}

func (s Sequencer) apply(rule Rule, current float64, item Item, ec Enriched) (adj Adjustment, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("adjustment panicked: %v", r)
		}
	}()
	adj, err = s.Adjuster.Apply(rule, current, item, ec)
	if err != nil {
		return Adjustment{}, err
	}
	if math.IsNaN(adj.Price) || math.IsInf(adj.Price, 0) {
		return Adjustment{}, fmt.Errorf("adjustment produced %v", adj.Price)
	}
	return adj, nil
}
