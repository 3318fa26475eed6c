package rules

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/trialgrid/crfengine/model"
)

// isEmptyValue reports whether a value counts as absent for the purposes
// of range and format rules: nil or the empty string. Zero and false are
// real values.
func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// numeric coerces a value to float64; strings parsing as finite numbers
// are numeric.
func numeric(v any) (float64, bool) {
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

func stringifyValue(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return fmt.Sprint(v)
}

// compareValues applies a consistency operator nil-safely: equality holds
// only when both sides are nil, and ordering against an absent value is
// always false. Numeric comparison applies when both sides coerce to
// numbers; otherwise the comparison is case-insensitive lexical.
func compareValues(a, b any, op string) bool {
	if a == nil || b == nil {
		switch op {
		case model.OpEqual:
			return a == nil && b == nil
		case model.OpNotEqual:
			return !(a == nil && b == nil)
		default:
			return false
		}
	}

	an, aok := numeric(a)
	bn, bok := numeric(b)
	if aok && bok {
		switch op {
		case model.OpEqual:
			return an == bn
		case model.OpNotEqual:
			return an != bn
		case model.OpGreater:
			return an > bn
		case model.OpGreaterOrEqual:
			return an >= bn
		case model.OpLess:
			return an < bn
		case model.OpLessOrEqual:
			return an <= bn
		}
		return false
	}

	as := strings.ToLower(stringifyValue(a))
	bs := strings.ToLower(stringifyValue(b))
	switch op {
	case model.OpEqual:
		return as == bs
	case model.OpNotEqual:
		return as != bs
	case model.OpGreater:
		return as > bs
	case model.OpGreaterOrEqual:
		return as >= bs
	case model.OpLess:
		return as < bs
	case model.OpLessOrEqual:
		return as <= bs
	}
	return false
}
