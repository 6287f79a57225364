package objective

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Knetic/govaluate"
)

var functions = map[string]govaluate.ExpressionFunction{
	"sin":  unary(math.Sin),
	"cos":  unary(math.Cos),
	"tan":  unary(math.Tan),
	"exp":  unary(math.Exp),
	"log":  unary(math.Log),
	"sqrt": unary(math.Sqrt),
	"abs":  unary(math.Abs),
	"pow": func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("pow takes 2 arguments, got %d", len(args))
		}
		return math.Pow(toFloat(args[0]), toFloat(args[1])), nil
	},
}

func unary(fn func(float64) float64) govaluate.ExpressionFunction {
	return func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
		}
		return fn(toFloat(args[0])), nil
	}
}

// Expression is an objective compiled from an arithmetic expression over the
// variables x0, x1, ... (x is accepted as an alias of x0).
type Expression struct {
	source   string
	expr     *govaluate.EvaluableExpression
	vars     map[string]int
	maxIndex int
}

// NewExpression compiles source.
func NewExpression(source string) (*Expression, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidExpression)
	}
	parsed, err := govaluate.NewEvaluableExpressionWithFunctions(source, functions)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}

	e := &Expression{source: source, expr: parsed, vars: map[string]int{}, maxIndex: -1}
	for _, name := range parsed.Vars() {
		idx, ok := variableIndex(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown variable %q, use x0, x1, ...", ErrInvalidExpression, name)
		}
		e.vars[name] = idx
		e.maxIndex = max(e.maxIndex, idx)
	}
	return e, nil
}

func variableIndex(name string) (int, bool) {
	if name == "x" {
		return 0, true
	}
	digits, ok := strings.CutPrefix(name, "x")
	if !ok || digits == "" {
		return 0, false
	}
	idx, err := strconv.Atoi(digits)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

// MinDimension returns the smallest point length the expression can be
// evaluated at.
func (e *Expression) MinDimension() int {
	return e.maxIndex + 1
}

func (e *Expression) String() string {
	return e.source
}

// Evaluate computes the expression at x.
func (e *Expression) Evaluate(x []float64) (float64, error) {
	if len(x) < e.MinDimension() {
		return math.NaN(), fmt.Errorf("expression %q needs %d parameters, got %d", e.source, e.MinDimension(), len(x))
	}

	params := make(map[string]interface{}, len(e.vars))
	for name, idx := range e.vars {
		params[name] = x[idx]
	}

	v, err := e.expr.Evaluate(params)
	if err != nil {
		return math.NaN(), fmt.Errorf("evaluate %q: %w", e.source, err)
	}

	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	default:
		return math.NaN(), fmt.Errorf("expression %q did not return a number: %T", e.source, v)
	}
}

func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}
