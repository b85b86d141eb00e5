package program

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"petoiwire/pkg/protocol"
)

var (
	ErrUnknownStep     = errors.New("program: unknown step")
	ErrInvalidStep     = errors.New("program: invalid step")
	ErrInvalidExpr     = errors.New("program: invalid expression")
	ErrUnknownVariable = errors.New("program: unknown variable")
	ErrNotNumber       = errors.New("program: value is not a number")
	ErrDivisionByZero  = errors.New("program: division by zero")
)

// Value is a runtime value: float64, string, bool, []Value or nil.
type Value = any

func toNumber(v Value) (float64, bool) {
	switch x := v.(type) {
	case nil:
		return 0, true
	case float64:
		return x, true
	case int:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func truthy(v Value) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0 && !math.IsNaN(x)
	case int:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}

// toParam converts a value to a command parameter. Fractional values are
// rejected rather than truncated.
func toParam(v Value) (int32, error) {
	f, ok := toNumber(v)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotNumber, formatValue(v))
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) || f < math.MinInt32 || f > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %s", protocol.ErrNonIntegerParam, formatValue(v))
	}
	return int32(f), nil
}

func formatValue(v Value) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	case string:
		return x
	case []Value:
		parts := make([]string, len(x))
		for i, item := range x {
			parts[i] = formatValue(item)
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		return fmt.Sprint(x)
	}
}

func intsToValues(nums []int) []Value {
	out := make([]Value, len(nums))
	for i, n := range nums {
		out[i] = float64(n)
	}
	return out
}

func floatsToValues(nums []float64) []Value {
	out := make([]Value, len(nums))
	for i, n := range nums {
		out[i] = n
	}
	return out
}

// flattenParams flattens nested lists of numbers into command parameters.
func flattenParams(v Value) ([]int32, error) {
	list, ok := v.([]Value)
	if !ok {
		p, err := toParam(v)
		if err != nil {
			return nil, err
		}
		return []int32{p}, nil
	}
	var out []int32
	for _, item := range list {
		if item == nil {
			continue
		}
		ps, err := flattenParams(item)
		if err != nil {
			return nil, err
		}
		out = append(out, ps...)
	}
	return out, nil
}

func binaryOp(op string, l, r Value) (Value, error) {
	switch op {
	case "and":
		return truthy(l) && truthy(r), nil
	case "or":
		return truthy(l) || truthy(r), nil
	case "==":
		return valuesEqual(l, r), nil
	case "!=":
		return !valuesEqual(l, r), nil
	}

	if op == "+" {
		_, ls := l.(string)
		_, rs := r.(string)
		if ls || rs {
			return formatValue(l) + formatValue(r), nil
		}
	}

	a, okA := toNumber(l)
	b, okB := toNumber(r)
	if !okA || !okB {
		return nil, fmt.Errorf("%w: %s %s %s", ErrNotNumber, formatValue(l), op, formatValue(r))
	}
	switch op {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	case "/":
		if b == 0 {
			return nil, ErrDivisionByZero
		}
		return a / b, nil
	case "%":
		if b == 0 {
			return nil, ErrDivisionByZero
		}
		return math.Mod(a, b), nil
	case "^":
		return math.Pow(a, b), nil
	case "<":
		return a < b, nil
	case "<=":
		return a <= b, nil
	case ">":
		return a > b, nil
	case ">=":
		return a >= b, nil
	default:
		return nil, fmt.Errorf("%w: operator %q", ErrInvalidExpr, op)
	}
}

func valuesEqual(l, r Value) bool {
	_, ls := l.(string)
	_, rs := r.(string)
	if !ls && !rs {
		a, okA := toNumber(l)
		b, okB := toNumber(r)
		if okA && okB {
			return a == b
		}
	}
	return formatValue(l) == formatValue(r)
}
