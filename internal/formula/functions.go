package formula

import (
	"fmt"
	"math"

	"github.com/expr-lang/expr"
	"github.com/shopspring/decimal"
)

// functions is the complete whitelist callable from a formula.
func functions() []expr.Option {
	return []expr.Option{
		expr.Function("abs", unary("abs", math.Abs)),
		expr.Function("ceil", unary("ceil", math.Ceil)),
		expr.Function("floor", unary("floor", math.Floor)),
		expr.Function("sqrt", func(params ...any) (any, error) {
			args, err := floats("sqrt", 1, 1, params)
			if err != nil {
				return nil, err
			}
			if args[0] < 0 {
				return nil, fmt.Errorf("sqrt: negative argument %v", args[0])
			}
			return math.Sqrt(args[0]), nil
		}),
		expr.Function("pow", func(params ...any) (any, error) {
			args, err := floats("pow", 2, 2, params)
			if err != nil {
				return nil, err
			}
			return math.Pow(args[0], args[1]), nil
		}),
		expr.Function("round", func(params ...any) (any, error) {
			args, err := floats("round", 1, 2, params)
			if err != nil {
				return nil, err
			}
			places := int32(0)
			if len(args) == 2 {
				places = int32(args[1])
			}
			return decimal.NewFromFloat(args[0]).Round(places).InexactFloat64(), nil
		}),
		expr.Function("min", func(params ...any) (any, error) {
			args, err := floats("min", 1, -1, params)
			if err != nil {
				return nil, err
			}
			out := args[0]
			for _, v := range args[1:] {
				out = math.Min(out, v)
			}
			return out, nil
		}),
		expr.Function("max", func(params ...any) (any, error) {
			args, err := floats("max", 1, -1, params)
			if err != nil {
				return nil, err
			}
			out := args[0]
			for _, v := range args[1:] {
				out = math.Max(out, v)
			}
			return out, nil
		}),
	}
}

func unary(name string, fn func(float64) float64) func(params ...any) (any, error) {
	return func(params ...any) (any, error) {
		args, err := floats(name, 1, 1, params)
		if err != nil {
			return nil, err
		}
		return fn(args[0]), nil
	}
}

// floats converts params to float64, checking arity (max < 0 means unbounded).
func floats(name string, min, max int, params []any) ([]float64, error) {
	if len(params) < min || (max >= 0 && len(params) > max) {
		return nil, fmt.Errorf("%s: unexpected number of arguments (%d)", name, len(params))
	}
	out := make([]float64, len(params))
	for i, p := range params {
		v, ok := toFloat(p)
		if !ok {
			return nil, fmt.Errorf("%s: argument %d is not numeric", name, i+1)
		}
		out[i] = v
	}
	return out, nil
}
