package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

// BreakdownInput carries everything the breakdown is assembled from.
type BreakdownInput struct {
	Item           Item
	Context        Enriched
	BasePrice      float64
	FinalPrice     float64
	Applied        []AppliedRule
	Skipped        []SkippedRule
	Steps          []Step
	Elapsed        time.Duration
	RulesEvaluated int
	IncludeSkipped bool
	IncludeMargins bool
}

// BuildBreakdown assembles the detailed audit trail. CacheHit starts false;
// the cache layer flips it on a hit.
func BuildBreakdown(in BreakdownInput) *Breakdown {
	steps := in.Steps
	if steps == nil {
		steps = []Step{}
	}
	b := &Breakdown{
		Steps:   steps,
		Context: snapshot(in.Item, in.Context),
		Metadata: Metadata{
			CalculatedAt:      in.Context.Now.UTC(),
			CalculationTimeMs: in.Elapsed.Milliseconds(),
			RulesEvaluated:    in.RulesEvaluated,
			RulesApplied:      len(in.Applied),
		},
	}
	if in.IncludeSkipped {
		b.SkippedRules = in.Skipped
		if b.SkippedRules == nil {
			b.SkippedRules = []SkippedRule{}
		}
	}
	if in.IncludeMargins {
		b.Margins = ComputeMargins(in.Item, in.FinalPrice)
	}
	return b
}

// ComputeMargins returns nil when the item has no purchase price.
func ComputeMargins(item Item, finalPrice float64) *Margins {
	if item.PurchasePrice <= 0 {
		return nil
	}
	coef := item.PurchaseCoefficient
	if coef <= 0 {
		coef = 1
	}
	cost := dec(item.PurchasePrice).Mul(dec(coef))
	margin := dec(finalPrice).Sub(cost)
	hundred := decimal.NewFromInt(100)

	m := &Margins{
		PurchasePrice: item.PurchasePrice,
		CostPrice:     cost.InexactFloat64(),
		Margin:        margin.InexactFloat64(),
	}
	if !cost.IsZero() {
		m.MarginPercentage = margin.Div(cost).Mul(hundred).InexactFloat64()
	}
	if finalPrice != 0 {
		m.MarkupPercentage = margin.Div(dec(finalPrice)).Mul(hundred).InexactFloat64()
	}
	return m
}

func snapshot(item Item, ec Enriched) Snapshot {
	s := Snapshot{
		ItemID:        item.ID,
		ItemReference: item.Reference,
		ItemName:      item.Name,
		ItemFamily:    item.Family,
		Weight:        item.Weight,
		Length:        item.Length,
		Width:         item.Width,
		Height:        item.Height,
		StockUnit:     item.StockUnit,
		SaleUnit:      item.SaleUnit,
		PurchaseUnit:  item.PurchaseUnit,
		CustomerID:    ec.CustomerID,
		CustomerGroup: ec.CustomerGroup,
		Quantity:      ec.Quantity,
		Channel:       ec.Channel,
		PromotionCode: ec.PromotionCode,
	}
	if surface, err := itemSurface(item); err == nil {
		s.Surface = surface
	}
	if volume, err := itemVolume(item); err == nil {
		s.Volume = volume
	}
	return s
}
