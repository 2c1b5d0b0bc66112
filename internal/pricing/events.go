package pricing

import (
	"context"
	"time"
)

// RuleEvent is the analytics record emitted for every rule evaluated.
type RuleEvent struct {
	RuleID             string    `json:"ruleId"`
	CompanyID          string    `json:"companyId"`
	CustomerID         string    `json:"customerId,omitempty"`
	CustomerGroup      string    `json:"customerGroup,omitempty"`
	ItemID             string    `json:"itemId,omitempty"`
	Channel            Channel   `json:"channel"`
	BasePrice          float64   `json:"basePrice"`
	FinalPrice         float64   `json:"finalPrice"`
	Discount           float64   `json:"discount"`
	DiscountPercentage float64   `json:"discountPercentage"`
	Quantity           float64   `json:"quantity"`
	CalculationTimeMs  int64     `json:"calculationTimeMs"`
	Applied            bool      `json:"applied"`
	Reason             string    `json:"reason,omitempty"`
	CacheHit           bool      `json:"cacheHit"`
	OccurredAt         time.Time `json:"occurredAt"`
}

// EventSink receives rule events. Publishing is fire-and-forget: errors are
// logged by the caller and never affect the calculation.
type EventSink interface {
	Publish(ctx context.Context, events []RuleEvent) error
}

type eventFrame struct {
	ctx        Enriched
	itemID     string
	basePrice  float64
	finalPrice float64
	elapsed    time.Duration
	cacheHit   bool
}

func (f eventFrame) event(ruleID string) RuleEvent {
	return RuleEvent{
		RuleID:            ruleID,
		CompanyID:         f.ctx.CompanyID,
		CustomerID:        f.ctx.CustomerID,
		CustomerGroup:     f.ctx.CustomerGroup,
		ItemID:            f.itemID,
		Channel:           f.ctx.Channel,
		BasePrice:         f.basePrice,
		FinalPrice:        f.finalPrice,
		Quantity:          f.ctx.Quantity,
		CalculationTimeMs: f.elapsed.Milliseconds(),
		CacheHit:          f.cacheHit,
		OccurredAt:        f.ctx.Now.UTC(),
	}
}

// ruleEvents lists skipped rules first, then rules reached by the sequencer.
func ruleEvents(f eventFrame, skipped []SkippedRule, seq Sequence) []RuleEvent {
	out := make([]RuleEvent, 0, len(skipped)+len(seq.Evaluations))
	for _, s := range skipped {
		ev := f.event(s.RuleID)
		ev.Reason = s.Reason
		out = append(out, ev)
	}
	appliedIdx := 0
	for _, e := range seq.Evaluations {
		ev := f.event(e.Rule.ID)
		if e.Applied && appliedIdx < len(seq.Applied) {
			ev.Applied = true
			ev.Discount = seq.Applied[appliedIdx].Discount
			ev.DiscountPercentage = seq.Applied[appliedIdx].DiscountPercentage
			appliedIdx++
		} else {
			ev.Reason = e.Reason
		}
		out = append(out, ev)
	}
	return out
}

func cacheHitEvents(f eventFrame, applied []AppliedRule) []RuleEvent {
	out := make([]RuleEvent, 0, len(applied))
	for _, a := range applied {
		ev := f.event(a.RuleID)
		ev.Applied = true
		ev.Discount = a.Discount
		ev.DiscountPercentage = a.DiscountPercentage
		out = append(out, ev)
	}
	return out
}
