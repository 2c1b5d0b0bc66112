package pricing

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/pricing-engine/internal/formula"
	"github.com/noah-isme/pricing-engine/internal/units"
)

// ErrUnknownAdjustment is returned for a rule whose kind is not supported.
var ErrUnknownAdjustment = errors.New("unknown adjustment type")

// Adjustment is the outcome of applying one rule to the running price.
type Adjustment struct {
	Price   float64
	Warning string
}

// Adjuster computes the price produced by a single rule.
type Adjuster struct {
	Formulas *formula.Evaluator
}

// Apply returns the new price for rule. Missing physical quantities and
// formula failures are reported through Adjustment.Warning, not errors.
func (a Adjuster) Apply(rule Rule, current float64, item Item, ec Enriched) (Adjustment, error) {
	switch rule.Kind {
	case AdjustPercentage:
		factor := decimal.NewFromInt(1).Add(dec(rule.Value).Div(decimal.NewFromInt(100)))
		return Adjustment{Price: dec(current).Mul(factor).InexactFloat64()}, nil
	case AdjustFixedAmount:
		return Adjustment{Price: dec(current).Add(dec(rule.Value)).InexactFloat64()}, nil
	case AdjustFixedPrice:
		return Adjustment{Price: rule.Value}, nil
	case AdjustPerWeight:
		return perUnit(rule, units.Weight, item.Weight, unitOr(item.WeightUnit, units.KG))
	case AdjustPerLength:
		return perUnit(rule, units.Length, item.Length, unitOr(item.DimensionUnit, units.MM))
	case AdjustPerSurface:
		surface, err := itemSurface(item)
		if err != nil {
			return Adjustment{}, err
		}
		return perUnit(rule, units.Surface, surface, units.M2)
	case AdjustPerVolume:
		volume, err := itemVolume(item)
		if err != nil {
			return Adjustment{}, err
		}
		return perUnit(rule, units.Volume, volume, units.M3)
	case AdjustFormula:
		return a.formula(rule, current, item, ec), nil
	default:
		return Adjustment{}, fmt.Errorf("%w: %q", ErrUnknownAdjustment, rule.Kind)
	}
}

func perUnit(rule Rule, dim units.Dimension, quantity float64, stored string) (Adjustment, error) {
	if rule.Unit == "" {
		return Adjustment{Price: 0, Warning: fmt.Sprintf("rule %s has no adjustment unit", ruleLabel(rule))}, nil
	}
	if quantity <= 0 {
		return Adjustment{Price: 0, Warning: fmt.Sprintf("item has no %s for rule %s", dim, ruleLabel(rule))}, nil
	}
	price, err := units.PriceByQuantity(dim, quantity, stored, rule.Value, rule.Unit)
	if err != nil {
		return Adjustment{}, fmt.Errorf("rule %s: %w", ruleLabel(rule), err)
	}
	return Adjustment{Price: price}, nil
}

func (a Adjuster) formula(rule Rule, current float64, item Item, ec Enriched) Adjustment {
	if rule.Formula == "" {
		return Adjustment{Price: current}
	}
	ev := a.Formulas
	if ev == nil {
		ev = formula.New(0)
	}
	vars := map[string]float64{
		formula.VarPrice:     current,
		formula.VarBasePrice: current,
		formula.VarQuantity:  ec.Quantity,
		formula.VarWeight:    item.Weight,
		formula.VarLength:    item.Length,
		formula.VarWidth:     item.Width,
		formula.VarHeight:    item.Height,
	}
	if surface, err := itemSurface(item); err == nil && surface > 0 {
		vars[formula.VarSurface] = surface
	}
	if volume, err := itemVolume(item); err == nil && volume > 0 {
		vars[formula.VarVolume] = volume
	}
	out, err := ev.Evaluate(rule.Formula, vars)
	if err != nil {
		return Adjustment{Price: current, Warning: "formula error on rule " + ruleLabel(rule)}
	}
	return Adjustment{Price: math.Max(0, out)}
}

// itemSurface returns the stored surface or derives it from length and
// width, in square metres. Zero means not derivable.
func itemSurface(item Item) (float64, error) {
	if item.Surface > 0 {
		return item.Surface, nil
	}
	if item.Length > 0 && item.Width > 0 {
		return units.SurfaceArea(item.Length, item.Width, unitOr(item.DimensionUnit, units.MM))
	}
	return 0, nil
}

// itemVolume mirrors itemSurface for cubic metres.
func itemVolume(item Item) (float64, error) {
	if item.Volume > 0 {
		return item.Volume, nil
	}
	if item.Length > 0 && item.Width > 0 && item.Height > 0 {
		return units.BoxVolume(item.Length, item.Width, item.Height, unitOr(item.DimensionUnit, units.MM))
	}
	return 0, nil
}

// Describe renders the audit description of a price change.
func Describe(rule Rule, before, after float64) string {
	switch rule.Kind {
	case AdjustPercentage:
		if rule.Value < 0 {
			return fmt.Sprintf("applied a %s%% discount", num(-rule.Value))
		}
		return fmt.Sprintf("applied a %s%% surcharge", num(rule.Value))
	case AdjustFixedAmount:
		if rule.Value < 0 {
			return fmt.Sprintf("deducted %s", num(-rule.Value))
		}
		return fmt.Sprintf("added %s", num(rule.Value))
	case AdjustFixedPrice:
		return fmt.Sprintf("fixed price set to %s", num(rule.Value))
	case AdjustPerWeight:
		return fmt.Sprintf("priced by weight at %s per %s", num(rule.Value), units.Normalize(rule.Unit))
	case AdjustPerLength:
		return fmt.Sprintf("priced by length at %s per %s", num(rule.Value), units.Normalize(rule.Unit))
	case AdjustPerSurface:
		return fmt.Sprintf("priced by surface at %s per %s", num(rule.Value), units.Normalize(rule.Unit))
	case AdjustPerVolume:
		return fmt.Sprintf("priced by volume at %s per %s", num(rule.Value), units.Normalize(rule.Unit))
	case AdjustFormula:
		return fmt.Sprintf("formula %q changed price from %s to %s", rule.Formula, num(before), num(after))
	default:
		return fmt.Sprintf("price changed from %s to %s", num(before), num(after))
	}
}

func ruleLabel(rule Rule) string {
	if rule.Name != "" {
		return rule.Name
	}
	return rule.ID
}

func unitOr(unit, fallback string) string {
	if unit == "" {
		return fallback
	}
	return unit
}

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func num(v float64) string { return dec(v).Round(4).String() }

func sub(a, b float64) float64 { return dec(a).Sub(dec(b)).InexactFloat64() }

// percentOf returns part/whole*100, or 0 when whole is 0.
func percentOf(part, whole float64) float64 {
	if whole == 0 {
		return 0
	}
	return dec(part).Div(dec(whole)).Mul(decimal.NewFromInt(100)).InexactFloat64()
}
