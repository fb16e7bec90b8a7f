// Package condition implements the pure predicate evaluator over a single
// context attribute (spec §4.2). It never touches persistence or cache;
// Evaluate is a deterministic function of its arguments.
package condition

import (
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/flagforge/evalservice/internal/domain"
	"github.com/flagforge/evalservice/internal/hashing"
)

// nullSafeOperators are the operators allowed to fire against an undefined
// attribute without being forced to false.
var nullSafeOperators = map[domain.Operator]bool{
	domain.OpIsNull:     true,
	domain.OpIsNotNull:  true,
	domain.OpIsEmpty:    true,
	domain.OpIsNotEmpty: true,
}

// Evaluate runs a single condition against ctx and reports whether it
// matches. It never panics: an unknown operator logs at ERROR level and
// returns false, and a missing attribute is false unless the operator is
// null-safe.
func Evaluate(cond domain.Condition, ctx map[string]any) bool {
	actual := hashing.GetNested(ctx, cond.Attribute)

	if hashing.IsUndefined(actual) && !nullSafeOperators[cond.Operator] {
		return false
	}

	switch cond.Operator {
	case domain.OpEquals:
		return equalValues(actual, cond.Value)
	case domain.OpNotEquals:
		return !equalValues(actual, cond.Value)
	case domain.OpContains:
		return strings.Contains(stringify(actual), stringify(cond.Value))
	case domain.OpNotContains:
		return !strings.Contains(stringify(actual), stringify(cond.Value))
	case domain.OpStartsWith:
		return strings.HasPrefix(stringify(actual), stringify(cond.Value))
	case domain.OpEndsWith:
		return strings.HasSuffix(stringify(actual), stringify(cond.Value))
	case domain.OpGT:
		return compareNumericOrLexical(actual, cond.Value) > 0
	case domain.OpLT:
		return compareNumericOrLexical(actual, cond.Value) < 0
	case domain.OpGTE:
		return compareNumericOrLexical(actual, cond.Value) >= 0
	case domain.OpLTE:
		return compareNumericOrLexical(actual, cond.Value) <= 0
	case domain.OpIn:
		return membership(actual, cond.Value)
	case domain.OpNotIn:
		return !membership(actual, cond.Value)
	case domain.OpIsNull:
		return hashing.IsUndefined(actual) || actual == nil
	case domain.OpIsNotNull:
		return !hashing.IsUndefined(actual) && actual != nil
	case domain.OpIsEmpty:
		return isEmpty(actual)
	case domain.OpIsNotEmpty:
		return !isEmpty(actual)
	default:
		slog.Error("condition: unknown operator", "operator", cond.Operator, "attribute", cond.Attribute)
		return false
	}
}

func isEmpty(v any) bool {
	if hashing.IsUndefined(v) || v == nil {
		return false
	}
	switch t := v.(type) {
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

// equalValues implements strict, type-sensitive equality (spec §4.2):
// a string never equals a number, "30" != 30. Only the two JSON-numeric
// Go representations (float64 from decoding, int/int64/float32 from
// code-constructed conditions) are compared across representations,
// since those are the same value merely decoded through different
// paths, not a type coercion the operator performs.
func equalValues(a, b any) bool {
	if hashing.IsUndefined(a) {
		return false
	}
	if an, aok := strictNumber(a); aok {
		bn, bok := strictNumber(b)
		return bok && an == bn
	}
	if as, aok := a.(string); aok {
		bs, bok := b.(string)
		return bok && as == bs
	}
	if ab, aok := a.(bool); aok {
		bb, bok := b.(bool)
		return bok && ab == bb
	}
	return reflect.DeepEqual(a, b)
}

// strictNumber reports whether v is a Go numeric type, never a numeric
// string. Used by equalValues, which must not coerce "30" into 30.
func strictNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func stringify(v any) string {
	if hashing.IsUndefined(v) || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func compareNumericOrLexical(a, b any) int {
	an, aok := toNumber(a)
	bn, bok := toNumber(b)
	if aok && bok {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(stringify(a), stringify(b))
}

// membership implements IN/NOT_IN. Expected must be an array; arrays with
// more than 10 homogeneous (all-string or all-number) elements use a
// sorted binary search, everything else falls back to a linear scan.
// Mixed-type arrays are never sorted — their order is not well-defined
// under the scheme's comparison rules.
func membership(actual, expected any) bool {
	arr, ok := expected.([]any)
	if !ok {
		return false
	}
	if hashing.IsUndefined(actual) {
		return false
	}

	if len(arr) > 10 {
		if strs, ok := allStrings(arr); ok {
			as, isString := actual.(string)
			return isString && binarySearchString(strs, as)
		}
		if nums, ok := allNumbers(arr); ok {
			if an, ok := strictNumber(actual); ok {
				return binarySearchFloat(nums, an)
			}
			return false
		}
	}

	for _, item := range arr {
		if equalValues(actual, item) {
			return true
		}
	}
	return false
}

func allStrings(arr []any) ([]string, bool) {
	out := make([]string, len(arr))
	for i, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		out[i] = s
	}
	return out, true
}

func allNumbers(arr []any) ([]float64, bool) {
	out := make([]float64, len(arr))
	for i, v := range arr {
		n, ok := strictNumber(v)
		if !ok {
			return nil, false
		}
		out[i] = n
	}
	return out, true
}

func binarySearchString(sorted []string, target string) bool {
	cp := append([]string(nil), sorted...)
	sort.Strings(cp)
	i := sort.SearchStrings(cp, target)
	return i < len(cp) && cp[i] == target
}

func binarySearchFloat(sorted []float64, target float64) bool {
	cp := append([]float64(nil), sorted...)
	sort.Float64s(cp)
	i := sort.SearchFloat64s(cp, target)
	return i < len(cp) && cp[i] == target
}
