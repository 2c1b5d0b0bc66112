package formula_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pricing-engine/internal/formula"
)

func TestEvaluateArithmetic(t *testing.T) {
	ev := formula.New(0)

	got, err := ev.Evaluate("price * 0.9 + quantity", map[string]float64{"price": 100, "quantity": 2})
	require.NoError(t, err)
	require.InDelta(t, 92.0, got, 1e-9)

	got, err = ev.Evaluate("price > 50 ? price - 5 : price", map[string]float64{"price": 60})
	require.NoError(t, err)
	require.InDelta(t, 55.0, got, 1e-9)
}

func TestEvaluateWhitelistedFunctions(t *testing.T) {
	ev := formula.New(0)
	vars := map[string]float64{"price": 10.456, "weight": 4}

	got, err := ev.Evaluate("round(price, 2) + sqrt(weight)", vars)
	require.NoError(t, err)
	require.InDelta(t, 12.46, got, 1e-9)

	got, err = ev.Evaluate("max(1, price, 3) - min(weight, 2)", vars)
	require.NoError(t, err)
	require.InDelta(t, 8.456, got, 1e-9)

	got, err = ev.Evaluate("pow(2, 3) + abs(-1) + floor(1.7) + ceil(1.2)", vars)
	require.NoError(t, err)
	require.InDelta(t, 12.0, got, 1e-9)
}

func TestEvaluateRejectsUnsafeOrInvalidInput(t *testing.T) {
	ev := formula.New(20)

	_, err := ev.Evaluate("", nil)
	require.ErrorIs(t, err, formula.ErrEmptyExpression)

	_, err = ev.Evaluate(strings.Repeat("1+", 20)+"1", nil)
	require.ErrorIs(t, err, formula.ErrExpressionTooLong)

	_, err = ev.Evaluate("exec(price)", map[string]float64{"price": 1})
	require.Error(t, err)

	_, err = ev.Evaluate("now()", nil)
	require.Error(t, err)

	_, err = ev.Evaluate("secret * 2", map[string]float64{"price": 1})
	require.Error(t, err)

	_, err = ev.Evaluate("price", map[string]float64{"secret": 1})
	require.ErrorIs(t, err, formula.ErrUnknownVariable)
}

func TestEvaluateRejectsNonFiniteAndNonNumeric(t *testing.T) {
	ev := formula.New(0)

	_, err := ev.Evaluate("price / 0", map[string]float64{"price": 1})
	require.ErrorIs(t, err, formula.ErrNonNumericResult)

	_, err = ev.Evaluate("price > 1", map[string]float64{"price": 2})
	require.ErrorIs(t, err, formula.ErrNonNumericResult)

	_, err = ev.Evaluate("sqrt(-1)", nil)
	require.Error(t, err)
}

func TestSurfaceUnboundUntilDerivable(t *testing.T) {
	ev := formula.New(0)

	_, err := ev.Evaluate("surface * 10", map[string]float64{"price": 1})
	require.Error(t, err)

	got, err := ev.Evaluate("surface * 10", map[string]float64{"price": 1, "surface": 1.5})
	require.NoError(t, err)
	require.InDelta(t, 15.0, got, 1e-9)
}

func TestValidate(t *testing.T) {
	ev := formula.New(0)
	require.NoError(t, ev.Validate("price * quantity + volume"))
	require.Error(t, ev.Validate("price *"))
}
