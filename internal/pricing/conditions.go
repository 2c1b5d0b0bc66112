package pricing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/diegoholiveira/jsonlogic/v3"
)

var (
	errUnknownOperator  = errors.New("unknown operator")
	errUnknownCondition = errors.New("unknown condition type")
	errMalformedValue   = errors.New("malformed condition value")
	errMissingField     = errors.New("field not present in context")
)

// Enriched is the context conditions are evaluated against: the caller's
// context plus the resolved item identity and a fixed evaluation instant.
type Enriched struct {
	Context
	ItemFamily string
	Now        time.Time
}

// Enrich builds the evaluation context for item at now.
func Enrich(c Context, item Item, now time.Time) Enriched {
	c = c.Normalize()
	c.ItemID = item.ID
	c.ItemReference = item.Reference
	return Enriched{Context: c, ItemFamily: item.Family, Now: now}
}

// fields exposes the context as a flat map for custom conditions and
// JSON-logic data. Attributes never shadow built-in fields.
func (e Enriched) fields() map[string]any {
	out := make(map[string]any, len(e.Attributes)+12)
	for k, v := range e.Attributes {
		out[k] = v
	}
	out["customer_id"] = e.CustomerID
	out["customer_group"] = e.CustomerGroup
	out["customer_email"] = e.CustomerEmail
	out["customer_code"] = e.CustomerCode
	out["quantity"] = e.Quantity
	out["channel"] = string(e.Channel)
	out["promotion_code"] = e.PromotionCode
	out["order_total"] = e.OrderTotal
	out["item_id"] = e.ItemID
	out["item_reference"] = e.ItemReference
	out["item_family"] = e.ItemFamily
	out["company_id"] = e.CompanyID
	return out
}

// ConditionsSatisfied ANDs every condition. Any evaluation error counts as
// not satisfied.
func ConditionsSatisfied(conds []Condition, ec Enriched) bool {
	for _, c := range conds {
		ok, err := EvaluateCondition(c, ec)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// EvaluateCondition evaluates one condition. It never panics.
func EvaluateCondition(c Condition, ec Enriched) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("condition %s: %v", c.Kind, r)
		}
	}()

	switch c.Kind {
	case CondDateRange:
		return compareTime(c.Operator, ec.Now, c.Value)
	case CondCustom:
		if strings.TrimSpace(c.Field) == "" {
			logic, isObject := c.Value.(map[string]any)
			if !isObject {
				return false, fmt.Errorf("custom condition: %w", errMissingField)
			}
			return applyJSONLogic(logic, ec.fields())
		}
	}

	actual, err := extract(c, ec)
	if err != nil {
		return false, err
	}
	return compare(c.Operator, actual, c.Value)
}

func extract(c Condition, ec Enriched) (any, error) {
	switch c.Kind {
	case CondCustomerGroup:
		return ec.CustomerGroup, nil
	case CondCustomerEmail:
		return ec.CustomerEmail, nil
	case CondCustomerCode:
		return ec.CustomerCode, nil
	case CondQuantity:
		return ec.Quantity, nil
	case CondItemReference:
		return ec.ItemReference, nil
	case CondItemFamily:
		return ec.ItemFamily, nil
	case CondCustom:
		v, ok := ec.fields()[strings.TrimSpace(c.Field)]
		if !ok {
			return nil, fmt.Errorf("%w: %s", errMissingField, c.Field)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownCondition, c.Kind)
	}
}

func compare(op Operator, actual, expected any) (bool, error) {
	switch op {
	case OpEquals:
		return equalValues(actual, expected), nil
	case OpIn:
		list, ok := asList(expected)
		if !ok {
			return false, fmt.Errorf("%w: in expects a list", errMalformedValue)
		}
		for _, candidate := range list {
			if equalValues(actual, candidate) {
				return true, nil
			}
		}
		return false, nil
	case OpBetween:
		list, ok := asList(expected)
		if !ok || len(list) != 2 {
			return false, fmt.Errorf("%w: between expects two bounds", errMalformedValue)
		}
		v, okV := toNumber(actual)
		lo, okLo := toNumber(list[0])
		hi, okHi := toNumber(list[1])
		if !okV || !okLo || !okHi {
			return false, fmt.Errorf("%w: between expects numbers", errMalformedValue)
		}
		return v >= lo && v <= hi, nil
	case OpGreaterThan, OpLessThan:
		v, okV := toNumber(actual)
		bound, okB := toNumber(expected)
		if !okV || !okB {
			return false, fmt.Errorf("%w: %s expects numbers", errMalformedValue, op)
		}
		if op == OpGreaterThan {
			return v > bound, nil
		}
		return v < bound, nil
	case OpContains, OpStartsWith:
		s, okS := actual.(string)
		sub, okSub := expected.(string)
		if !okS || !okSub {
			return false, fmt.Errorf("%w: %s expects strings", errMalformedValue, op)
		}
		if op == OpContains {
			return strings.Contains(s, sub), nil
		}
		return strings.HasPrefix(s, sub), nil
	default:
		return false, fmt.Errorf("%w: %q", errUnknownOperator, op)
	}
}

// equalValues is strict: numbers only equal numbers, strings only strings.
func equalValues(a, b any) bool {
	if an, ok := toNumber(a); ok {
		bn, ok := toNumber(b)
		return ok && an == bn
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case []float64:
		out := make([]any, len(l))
		for i, f := range l {
			out[i] = f
		}
		return out, true
	}
	return nil, false
}

func compareTime(op Operator, now time.Time, expected any) (bool, error) {
	switch op {
	case OpBetween:
		from, to, err := timeBounds(expected)
		if err != nil {
			return false, err
		}
		if from != nil && now.Before(*from) {
			return false, nil
		}
		if to != nil && now.After(*to) {
			return false, nil
		}
		return true, nil
	case OpGreaterThan:
		t, _, err := parseTime(expected)
		if err != nil {
			return false, err
		}
		return now.After(t), nil
	case OpLessThan:
		t, _, err := parseTime(expected)
		if err != nil {
			return false, err
		}
		return now.Before(t), nil
	case OpEquals:
		t, _, err := parseTime(expected)
		if err != nil {
			return false, err
		}
		y1, m1, d1 := now.UTC().Date()
		y2, m2, d2 := t.UTC().Date()
		return y1 == y2 && m1 == m2 && d1 == d2, nil
	default:
		return false, fmt.Errorf("%w: %q for date_range", errUnknownOperator, op)
	}
}

// timeBoundaries lists the instants at which a date_range condition can
// change outcome. Malformed conditions never change and yield nothing.
func timeBoundaries(c Condition) []time.Time {
	switch c.Operator {
	case OpBetween:
		from, to, err := timeBounds(c.Value)
		if err != nil {
			return nil
		}
		var out []time.Time
		if from != nil {
			out = append(out, *from)
		}
		if to != nil {
			out = append(out, to.Add(time.Nanosecond))
		}
		return out
	case OpGreaterThan, OpLessThan, OpEquals:
		t, _, err := parseTime(c.Value)
		if err != nil {
			return nil
		}
		switch c.Operator {
		case OpGreaterThan:
			return []time.Time{t.Add(time.Nanosecond)}
		case OpLessThan:
			return []time.Time{t}
		}
		y, m, d := t.UTC().Date()
		day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		return []time.Time{day, day.AddDate(0, 0, 1)}
	}
	return nil
}

// timeBounds accepts [from, to] or {"from"|"start": ..., "to"|"end": ...};
// an empty bound is open. A date-only upper bound covers the whole day.
func timeBounds(v any) (*time.Time, *time.Time, error) {
	var rawFrom, rawTo any
	if list, ok := asList(v); ok {
		if len(list) != 2 {
			return nil, nil, fmt.Errorf("%w: date range expects two bounds", errMalformedValue)
		}
		rawFrom, rawTo = list[0], list[1]
	} else if m, ok := v.(map[string]any); ok {
		rawFrom = firstOf(m, "from", "start")
		rawTo = firstOf(m, "to", "end")
	} else {
		return nil, nil, fmt.Errorf("%w: date range", errMalformedValue)
	}

	var from, to *time.Time
	if !isBlank(rawFrom) {
		t, _, err := parseTime(rawFrom)
		if err != nil {
			return nil, nil, err
		}
		from = &t
	}
	if !isBlank(rawTo) {
		t, dateOnly, err := parseTime(rawTo)
		if err != nil {
			return nil, nil, err
		}
		if dateOnly {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		to = &t
	}
	return from, to, nil
}

func parseTime(v any) (time.Time, bool, error) {
	switch t := v.(type) {
	case time.Time:
		return t, false, nil
	case string:
		s := strings.TrimSpace(t)
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts, false, nil
		}
		if ts, err := time.Parse(time.DateOnly, s); err == nil {
			return ts, true, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("%w: not a date: %v", errMalformedValue, v)
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func applyJSONLogic(logic map[string]any, data map[string]any) (bool, error) {
	ruleJSON, err := json.Marshal(logic)
	if err != nil {
		return false, fmt.Errorf("%w: %v", errMalformedValue, err)
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("encode condition data: %w", err)
	}
	var out bytes.Buffer
	if err := jsonlogic.Apply(bytes.NewReader(ruleJSON), bytes.NewReader(dataJSON), &out); err != nil {
		return false, fmt.Errorf("json logic: %w", err)
	}
	var result any
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &result); err != nil {
		return false, fmt.Errorf("json logic result: %w", err)
	}
	return truthy(result), nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	default:
		return true
	}
}
