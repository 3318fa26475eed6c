package formula

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// toNumber coerces a value to float64. Strings that parse as finite
// numbers are numeric; booleans are not.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// stringify renders a value for lexical comparison and LEN. nil renders
// as the empty string.
func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1e15 {
		// Avoid "30.000000" noise for whole numbers.
		return strconv.FormatInt(int64(f), 10)
	}
	return fmt.Sprint(v)
}

// isBlank reports whether a value counts as blank: nil or the empty
// string. Zero, false and empty slices are not blank.
func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// truthy converts an evaluation result to a boolean: booleans stand,
// numbers are true when non-zero, strings when non-empty (and not the
// literal "false"), nil is false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && !strings.EqualFold(t, "false") && t != "0"
	default:
		if n, ok := toNumber(v); ok {
			return n != 0
		}
		return true
	}
}

// compare applies a comparison operator to two values. When both sides
// coerce to numbers the comparison is numeric; otherwise it is a
// case-insensitive lexical comparison of the stringified values.
func compare(a, b any, op string) bool {
	an, aok := toNumber(a)
	bn, bok := toNumber(b)
	if aok && bok {
		switch op {
		case "=", "==":
			return an == bn
		case "!=":
			return an != bn
		case ">":
			return an > bn
		case ">=":
			return an >= bn
		case "<":
			return an < bn
		case "<=":
			return an <= bn
		}
		return false
	}

	as := strings.ToLower(stringify(a))
	bs := strings.ToLower(stringify(b))
	switch op {
	case "=", "==":
		return as == bs
	case "!=":
		return as != bs
	case ">":
		return as > bs
	case ">=":
		return as >= bs
	case "<":
		return as < bs
	case "<=":
		return as <= bs
	}
	return false
}
