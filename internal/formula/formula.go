// Package formula evaluates rule-supplied arithmetic expressions inside a
// restricted environment: a fixed set of numeric variables and a short list
// of math functions. Builtins, I/O and host callbacks are not reachable.
package formula

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// DefaultMaxLength bounds the size of an accepted expression.
const DefaultMaxLength = 1000

// Variable names bound by the pricing engine.
const (
	VarPrice     = "price"
	VarBasePrice = "basePrice"
	VarQuantity  = "quantity"
	VarWeight    = "weight"
	VarLength    = "length"
	VarWidth     = "width"
	VarHeight    = "height"
	VarSurface   = "surface"
	VarVolume    = "volume"
)

var allowedVars = map[string]struct{}{
	VarPrice: {}, VarBasePrice: {}, VarQuantity: {}, VarWeight: {}, VarLength: {},
	VarWidth: {}, VarHeight: {}, VarSurface: {}, VarVolume: {},
}

var (
	ErrEmptyExpression   = errors.New("formula: empty expression")
	ErrExpressionTooLong = errors.New("formula: expression too long")
	ErrUnknownVariable   = errors.New("formula: unknown variable")
	ErrNonNumericResult  = errors.New("formula: result is not a finite number")
)

// Evaluator compiles and runs formulas. Compiled programs are memoised per
// expression and bound variable set, so an Evaluator is safe to share.
type Evaluator struct {
	MaxLength int

	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// New returns an Evaluator enforcing maxLength (DefaultMaxLength when <= 0).
func New(maxLength int) *Evaluator {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Evaluator{MaxLength: maxLength, programs: map[string]*vm.Program{}}
}

// Evaluate runs expression against vars and returns a finite numeric result.
func (e *Evaluator) Evaluate(expression string, vars map[string]float64) (float64, error) {
	env, names, err := buildEnv(vars)
	if err != nil {
		return 0, err
	}
	program, err := e.program(expression, env, names)
	if err != nil {
		return 0, err
	}
	out, err := vm.Run(program, env)
	if err != nil {
		return 0, fmt.Errorf("formula: run: %w", err)
	}
	value, ok := toFloat(out)
	if !ok || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("%w: %v", ErrNonNumericResult, out)
	}
	return value, nil
}

// Validate compiles expression with every engine variable bound.
func (e *Evaluator) Validate(expression string) error {
	vars := make(map[string]float64, len(allowedVars))
	for name := range allowedVars {
		vars[name] = 1
	}
	env, names, err := buildEnv(vars)
	if err != nil {
		return err
	}
	_, err = e.program(expression, env, names)
	return err
}

func (e *Evaluator) program(expression string, env map[string]any, names []string) (*vm.Program, error) {
	src := strings.TrimSpace(expression)
	if src == "" {
		return nil, ErrEmptyExpression
	}
	if len(src) > e.maxLength() {
		return nil, fmt.Errorf("%w: %d > %d", ErrExpressionTooLong, len(src), e.maxLength())
	}
	key := src + "\x00" + strings.Join(names, ",")

	e.mu.RLock()
	program, ok := e.programs[key]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	opts := []expr.Option{expr.Env(env), expr.DisableAllBuiltins()}
	opts = append(opts, functions()...)
	program, err := expr.Compile(src, opts...)
	if err != nil {
		return nil, fmt.Errorf("formula: compile: %w", err)
	}

	e.mu.Lock()
	if e.programs == nil {
		e.programs = map[string]*vm.Program{}
	}
	e.programs[key] = program
	e.mu.Unlock()
	return program, nil
}

func (e *Evaluator) maxLength() int {
	if e.MaxLength <= 0 {
		return DefaultMaxLength
	}
	return e.MaxLength
}

func buildEnv(vars map[string]float64) (map[string]any, []string, error) {
	env := make(map[string]any, len(vars))
	names := make([]string, 0, len(vars))
	for name, value := range vars {
		if _, ok := allowedVars[name]; !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownVariable, name)
		}
		env[name] = value
		names = append(names, name)
	}
	sort.Strings(names)
	return env, names, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
