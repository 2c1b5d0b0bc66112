// Package pricing computes sale prices by running an item's base price
// through an ordered, conditional set of pricing rules and records how the
// final price was reached.
package pricing

import (
	"errors"
	"strings"
	"time"
)

// Channel identifies the sales channel a calculation runs for.
type Channel string

const (
	ChannelERP         Channel = "ERP"
	ChannelB2B         Channel = "B2B"
	ChannelAPI         Channel = "API"
	ChannelMarketplace Channel = "MARKETPLACE"
	// ChannelAll is only meaningful on rules: it matches every context channel.
	ChannelAll Channel = "ALL"
)

// ParseChannel normalises s into a known channel. Empty input maps to ERP.
func ParseChannel(s string) (Channel, bool) {
	switch c := Channel(strings.ToUpper(strings.TrimSpace(s))); c {
	case "":
		return ChannelERP, true
	case ChannelERP, ChannelB2B, ChannelAPI, ChannelMarketplace, ChannelAll:
		return c, true
	default:
		return c, false
	}
}

// AdjustmentKind selects how a rule transforms the running price.
type AdjustmentKind string

const (
	AdjustPercentage  AdjustmentKind = "percentage"
	AdjustFixedAmount AdjustmentKind = "fixed_amount"
	AdjustFixedPrice  AdjustmentKind = "fixed_price"
	AdjustPerWeight   AdjustmentKind = "per_weight"
	AdjustPerLength   AdjustmentKind = "per_length"
	AdjustPerSurface  AdjustmentKind = "per_surface"
	AdjustPerVolume   AdjustmentKind = "per_volume"
	AdjustFormula     AdjustmentKind = "formula"
)

// Valid reports whether k is one of the supported adjustment kinds.
func (k AdjustmentKind) Valid() bool {
	switch k {
	case AdjustPercentage, AdjustFixedAmount, AdjustFixedPrice, AdjustPerWeight,
		AdjustPerLength, AdjustPerSurface, AdjustPerVolume, AdjustFormula:
		return true
	}
	return false
}

// ConditionKind selects which context field a condition inspects.
type ConditionKind string

const (
	CondCustomerGroup ConditionKind = "customer_group"
	CondCustomerEmail ConditionKind = "customer_email"
	CondCustomerCode  ConditionKind = "customer_code"
	CondQuantity      ConditionKind = "quantity"
	CondDateRange     ConditionKind = "date_range"
	CondItemReference ConditionKind = "item_reference"
	CondItemFamily    ConditionKind = "item_family"
	CondCustom        ConditionKind = "custom"
)

// Operator compares an extracted context value with a condition value.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpIn          Operator = "in"
	OpBetween     Operator = "between"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
	OpStartsWith  Operator = "starts_with"
)

// Condition is a single typed predicate on the calculation context.
type Condition struct {
	Kind     ConditionKind `json:"type" yaml:"type"`
	Operator Operator      `json:"operator" yaml:"operator"`
	Value    any           `json:"value" yaml:"value"`
	Field    string        `json:"field,omitempty" yaml:"field,omitempty"`
}

// Item is the read-only snapshot of the article being priced. Dimensions
// and prices <= 0 are treated as absent.
type Item struct {
	ID                  string  `json:"id" yaml:"id"`
	CompanyID           string  `json:"companyId" yaml:"company_id"`
	Reference           string  `json:"reference" yaml:"reference"`
	Name                string  `json:"name,omitempty" yaml:"name"`
	Family              string  `json:"family,omitempty" yaml:"family"`
	SalePrice           float64 `json:"salePrice" yaml:"sale_price"`
	PurchasePrice       float64 `json:"purchasePrice,omitempty" yaml:"purchase_price"`
	PurchaseCoefficient float64 `json:"purchaseCoefficient,omitempty" yaml:"purchase_coefficient"`
	SaleCoefficient     float64 `json:"saleCoefficient,omitempty" yaml:"sale_coefficient"`
	Weight              float64 `json:"weight,omitempty" yaml:"weight"`
	Length              float64 `json:"length,omitempty" yaml:"length"`
	Width               float64 `json:"width,omitempty" yaml:"width"`
	Height              float64 `json:"height,omitempty" yaml:"height"`
	Surface             float64 `json:"surface,omitempty" yaml:"surface"`
	Volume              float64 `json:"volume,omitempty" yaml:"volume"`
	WeightUnit          string  `json:"weightUnit,omitempty" yaml:"weight_unit"`
	DimensionUnit       string  `json:"dimensionUnit,omitempty" yaml:"dimension_unit"`
	StockUnit           string  `json:"stockUnit,omitempty" yaml:"stock_unit"`
	SaleUnit            string  `json:"saleUnit,omitempty" yaml:"sale_unit"`
	PurchaseUnit        string  `json:"purchaseUnit,omitempty" yaml:"purchase_unit"`
}

// Rule is a stored conditional price transformation. The engine treats it
// as a snapshot: usage counters are incremented through the repository,
// never on the value itself.
type Rule struct {
	ID               string         `json:"id" yaml:"id"`
	Name             string         `json:"name" yaml:"name"`
	CompanyID        string         `json:"companyId" yaml:"company_id"`
	Channel          Channel        `json:"channel" yaml:"channel"`
	ItemID           string         `json:"itemId,omitempty" yaml:"item_id"`
	ItemFamily       string         `json:"itemFamily,omitempty" yaml:"item_family"`
	Kind             AdjustmentKind `json:"adjustmentType" yaml:"adjustment_type"`
	Value            float64        `json:"adjustmentValue" yaml:"adjustment_value"`
	Unit             string         `json:"adjustmentUnit,omitempty" yaml:"adjustment_unit"`
	Formula          string         `json:"formula,omitempty" yaml:"formula"`
	Conditions       []Condition    `json:"conditions,omitempty" yaml:"conditions"`
	Priority         int            `json:"priority" yaml:"priority"`
	Combinable       bool           `json:"combinable" yaml:"combinable"`
	Active           bool           `json:"active" yaml:"active"`
	ValidFrom        *time.Time     `json:"validFrom,omitempty" yaml:"valid_from"`
	ValidUntil       *time.Time     `json:"validUntil,omitempty" yaml:"valid_until"`
	UsageLimit       *int           `json:"usageLimit,omitempty" yaml:"usage_limit"`
	PerCustomerLimit *int           `json:"perCustomerLimit,omitempty" yaml:"per_customer_limit"`
	UsageCount       int            `json:"usageCount" yaml:"usage_count"`
	// CustomerUsageCount is the usage of the customer the rule was fetched for.
	CustomerUsageCount int       `json:"customerUsageCount,omitempty" yaml:"-"`
	CreatedAt          time.Time `json:"createdAt" yaml:"created_at"`
}

// Skip reasons. They double as the reason strings reported to callers.
var (
	ErrRuleInactive         = errors.New("rule inactive")
	ErrRuleNotYetValid      = errors.New("not yet valid")
	ErrRuleExpired          = errors.New("expired")
	ErrUsageLimitReached    = errors.New("usage limit reached")
	ErrCustomerLimitReached = errors.New("customer usage limit reached")
	ErrConditionsNotMet     = errors.New("conditions not met")
)

// Gate checks the non-conditional eligibility of the rule at now.
func (r Rule) Gate(now time.Time, customerID string) error {
	if !r.Active {
		return ErrRuleInactive
	}
	if r.ValidFrom != nil && now.Before(*r.ValidFrom) {
		return ErrRuleNotYetValid
	}
	if r.ValidUntil != nil && now.After(*r.ValidUntil) {
		return ErrRuleExpired
	}
	if r.UsageLimit != nil && r.UsageCount >= *r.UsageLimit {
		return ErrUsageLimitReached
	}
	if customerID != "" && r.PerCustomerLimit != nil && r.CustomerUsageCount >= *r.PerCustomerLimit {
		return ErrCustomerLimitReached
	}
	return nil
}

// Limited reports whether the rule carries any usage limit.
func (r Rule) Limited() bool {
	return r.UsageLimit != nil || r.PerCustomerLimit != nil
}

// Context carries the caller-provided inputs of a calculation.
type Context struct {
	CompanyID     string         `json:"companyId" yaml:"company_id"`
	ItemID        string         `json:"itemId,omitempty" yaml:"item_id"`
	ItemReference string         `json:"itemReference,omitempty" yaml:"item_reference"`
	CustomerID    string         `json:"customerId,omitempty" yaml:"customer_id"`
	CustomerGroup string         `json:"customerGroup,omitempty" yaml:"customer_group"`
	CustomerEmail string         `json:"customerEmail,omitempty" yaml:"customer_email"`
	CustomerCode  string         `json:"customerCode,omitempty" yaml:"customer_code"`
	Quantity      float64        `json:"quantity,omitempty" yaml:"quantity"`
	Channel       Channel        `json:"channel,omitempty" yaml:"channel"`
	PromotionCode string         `json:"promotionCode,omitempty" yaml:"promotion_code"`
	OrderTotal    float64        `json:"orderTotal,omitempty" yaml:"order_total"`
	Attributes    map[string]any `json:"attributes,omitempty" yaml:"attributes"`
}

// Normalize applies defaults: quantity 1 and the ERP channel.
func (c Context) Normalize() Context {
	c.CompanyID = strings.TrimSpace(c.CompanyID)
	c.ItemID = strings.TrimSpace(c.ItemID)
	c.ItemReference = strings.TrimSpace(c.ItemReference)
	c.CustomerID = strings.TrimSpace(c.CustomerID)
	if c.Quantity <= 0 {
		c.Quantity = 1
	}
	c.Channel, _ = ParseChannel(string(c.Channel))
	return c
}

// ValidChannel reports whether the context targets a concrete channel.
func (c Context) ValidChannel() bool {
	ch, ok := ParseChannel(string(c.Channel))
	return ok && ch != ChannelAll
}

// Options shape the calculation output.
type Options struct {
	Detailed            bool `json:"detailed"`
	IncludeMargins      bool `json:"includeMargins"`
	IncludeSkippedRules bool `json:"includeSkippedRules"`
}

// AppliedRule records a rule that changed the price. DiscountPercentage is
// expressed in percent of the price before the rule.
type AppliedRule struct {
	RuleID             string         `json:"ruleId"`
	RuleName           string         `json:"ruleName"`
	Kind               AdjustmentKind `json:"adjustmentType"`
	Value              float64        `json:"adjustmentValue"`
	Unit               string         `json:"adjustmentUnit,omitempty"`
	Discount           float64        `json:"discountAmount"`
	DiscountPercentage float64        `json:"discountPercentage"`
}

// SkippedRule names a candidate rule that was not applied and why.
type SkippedRule struct {
	RuleID   string `json:"ruleId"`
	RuleName string `json:"ruleName"`
	Reason   string `json:"reason"`
}

// Step is one entry of the audit trail.
type Step struct {
	Step        int     `json:"step"`
	RuleID      string  `json:"ruleId"`
	RuleName    string  `json:"ruleName"`
	Kind        string  `json:"type"`
	PriceBefore float64 `json:"priceBefore"`
	PriceAfter  float64 `json:"priceAfter"`
	Adjustment  float64 `json:"adjustment"`
	Description string  `json:"description"`
}

// Snapshot captures the inputs needed to reproduce a calculation.
type Snapshot struct {
	ItemID        string  `json:"itemId"`
	ItemReference string  `json:"itemReference"`
	ItemName      string  `json:"itemName,omitempty"`
	ItemFamily    string  `json:"itemFamily,omitempty"`
	Weight        float64 `json:"weight,omitempty"`
	Length        float64 `json:"length,omitempty"`
	Width         float64 `json:"width,omitempty"`
	Height        float64 `json:"height,omitempty"`
	Surface       float64 `json:"surface,omitempty"`
	Volume        float64 `json:"volume,omitempty"`
	StockUnit     string  `json:"stockUnit,omitempty"`
	SaleUnit      string  `json:"saleUnit,omitempty"`
	PurchaseUnit  string  `json:"purchaseUnit,omitempty"`
	CustomerID    string  `json:"customerId,omitempty"`
	CustomerGroup string  `json:"customerGroup,omitempty"`
	Quantity      float64 `json:"quantity"`
	Channel       Channel `json:"channel"`
	PromotionCode string  `json:"promotionCode,omitempty"`
}

// Margins is the optional margin analysis of a detailed result.
type Margins struct {
	PurchasePrice    float64 `json:"purchasePrice"`
	CostPrice        float64 `json:"costPrice"`
	Margin           float64 `json:"margin"`
	MarginPercentage float64 `json:"marginPercentage"`
	MarkupPercentage float64 `json:"markupPercentage"`
}

// Metadata describes how a result was produced.
type Metadata struct {
	CalculatedAt      time.Time `json:"calculatedAt"`
	CalculationTimeMs int64     `json:"calculationTimeMs"`
	RulesEvaluated    int       `json:"rulesEvaluated"`
	RulesApplied      int       `json:"rulesApplied"`
	CacheHit          bool      `json:"cacheHit"`
}

// Breakdown is the detailed audit trail of a calculation.
type Breakdown struct {
	Steps        []Step        `json:"steps"`
	SkippedRules []SkippedRule `json:"skippedRules,omitempty"`
	Context      Snapshot      `json:"context"`
	Margins      *Margins      `json:"margins,omitempty"`
	Metadata     Metadata      `json:"metadata"`
}

// Result is the value returned by a calculation. It is never mutated after
// being returned.
type Result struct {
	ItemID                  string        `json:"itemId,omitempty"`
	BasePrice               float64       `json:"basePrice"`
	FinalPrice              float64       `json:"finalPrice"`
	Currency                string        `json:"currency"`
	AppliedRules            []AppliedRule `json:"appliedRules"`
	TotalDiscount           float64       `json:"totalDiscount"`
	TotalDiscountPercentage float64       `json:"totalDiscountPercentage"`
	UnitPrice               *float64      `json:"unitPrice,omitempty"`
	SaleUnit                string        `json:"saleUnit,omitempty"`
	Warnings                []string      `json:"warnings,omitempty"`
	Breakdown               *Breakdown    `json:"breakdown,omitempty"`
}

// Warnings attached to empty results.
const (
	WarnCompanyRequired = "company id is required"
	WarnItemRequired    = "item id or reference is required"
	WarnItemNotFound    = "item not found"
	WarnRuleNotFound    = "rule not found"
	WarnUnknownChannel  = "unknown channel"
)
