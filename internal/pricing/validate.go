package pricing

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRule wraps every rule validation failure.
var ErrInvalidRule = errors.New("invalid rule")

// Validate checks the static shape of a rule before it is stored.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if strings.TrimSpace(r.CompanyID) == "" {
		return fmt.Errorf("%w: company is required", ErrInvalidRule)
	}
	if _, ok := ParseChannel(string(r.Channel)); !ok {
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidRule, r.Channel)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown adjustment type %q", ErrInvalidRule, r.Kind)
	}
	switch r.Kind {
	case AdjustPerWeight, AdjustPerLength, AdjustPerSurface, AdjustPerVolume:
		if r.Unit == "" {
			return fmt.Errorf("%w: %s needs an adjustment unit", ErrInvalidRule, r.Kind)
		}
	case AdjustFormula:
		if strings.TrimSpace(r.Formula) == "" {
			return fmt.Errorf("%w: formula is empty", ErrInvalidRule)
		}
	}
	if r.ValidFrom != nil && r.ValidUntil != nil && r.ValidUntil.Before(*r.ValidFrom) {
		return fmt.Errorf("%w: validity ends before it starts", ErrInvalidRule)
	}
	for i, c := range r.Conditions {
		if c.Kind == "" || (c.Operator == "" && !(c.Kind == CondCustom && c.Field == "")) {
			return fmt.Errorf("%w: condition %d is incomplete", ErrInvalidRule, i)
		}
	}
	return nil
}
