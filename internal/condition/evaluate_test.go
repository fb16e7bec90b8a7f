package condition

import (
	"testing"

	"github.com/flagforge/evalservice/internal/domain"
	"github.com/stretchr/testify/assert"
)

func cond(attr string, op domain.Operator, val any) domain.Condition {
	return domain.Condition{Attribute: attr, Operator: op, Value: val}
}

func TestEqualsNotEquals(t *testing.T) {
	ctx := map[string]any{"plan": "pro"}
	assert.True(t, Evaluate(cond("plan", domain.OpEquals, "pro"), ctx))
	assert.False(t, Evaluate(cond("plan", domain.OpEquals, "free"), ctx))
	assert.True(t, Evaluate(cond("plan", domain.OpNotEquals, "free"), ctx))
}

func TestEqualsIsTypeSensitive(t *testing.T) {
	ctx := map[string]any{"age": float64(30)}
	assert.True(t, Evaluate(cond("age", domain.OpEquals, float64(30)), ctx))
	assert.False(t, Evaluate(cond("age", domain.OpEquals, "30"), ctx))
	assert.True(t, Evaluate(cond("age", domain.OpNotEquals, "30"), ctx))
}

func TestUndefinedAttributeIsFalseExceptNullSafe(t *testing.T) {
	ctx := map[string]any{}
	assert.False(t, Evaluate(cond("missing", domain.OpEquals, "x"), ctx))
	assert.False(t, Evaluate(cond("missing", domain.OpContains, "x"), ctx))
	assert.True(t, Evaluate(cond("missing", domain.OpIsNull, nil), ctx))
	assert.False(t, Evaluate(cond("missing", domain.OpIsNotNull, nil), ctx))
	assert.False(t, Evaluate(cond("missing", domain.OpIsEmpty, nil), ctx))
	assert.True(t, Evaluate(cond("missing", domain.OpIsNotEmpty, nil), ctx))
}

func TestIsNullMatchesStoredNilToo(t *testing.T) {
	ctx := map[string]any{"flag": nil}
	assert.True(t, Evaluate(cond("flag", domain.OpIsNull, nil), ctx))
}

func TestContainsStartsEnds(t *testing.T) {
	ctx := map[string]any{"email": "alice@example.com"}
	assert.True(t, Evaluate(cond("email", domain.OpContains, "example"), ctx))
	assert.True(t, Evaluate(cond("email", domain.OpStartsWith, "alice"), ctx))
	assert.True(t, Evaluate(cond("email", domain.OpEndsWith, ".com"), ctx))
	assert.False(t, Evaluate(cond("email", domain.OpStartsWith, "bob"), ctx))
}

func TestNumericComparison(t *testing.T) {
	ctx := map[string]any{"age": float64(25)}
	assert.True(t, Evaluate(cond("age", domain.OpGT, float64(18)), ctx))
	assert.True(t, Evaluate(cond("age", domain.OpLTE, float64(25)), ctx))
	assert.False(t, Evaluate(cond("age", domain.OpLT, float64(25)), ctx))
}

func TestLexicalComparisonFallback(t *testing.T) {
	ctx := map[string]any{"tier": "gold"}
	assert.True(t, Evaluate(cond("tier", domain.OpGT, "bronze"), ctx))
}

func TestInNotInSmallArray(t *testing.T) {
	ctx := map[string]any{"country": "DE"}
	list := []any{"DE", "FR", "IT"}
	assert.True(t, Evaluate(cond("country", domain.OpIn, list), ctx))
	assert.False(t, Evaluate(cond("country", domain.OpNotIn, list), ctx))
}

func TestInLargeHomogeneousArrayUsesBinarySearchPath(t *testing.T) {
	ctx := map[string]any{"country": "ZZ"}
	list := make([]any, 0, 20)
	for i := 0; i < 20; i++ {
		list = append(list, string(rune('A'+i)))
	}
	list = append(list, "ZZ")
	assert.True(t, Evaluate(cond("country", domain.OpIn, list), ctx))

	ctxMiss := map[string]any{"country": "not-there"}
	assert.False(t, Evaluate(cond("country", domain.OpIn, list), ctxMiss))
}

func TestInLargeMixedTypeArrayFallsBackToLinearScan(t *testing.T) {
	ctx := map[string]any{"value": "7"}
	list := make([]any, 0, 15)
	for i := 0; i < 14; i++ {
		list = append(list, i)
	}
	list = append(list, "7")
	assert.True(t, Evaluate(cond("value", domain.OpIn, list), ctx))
}

func TestIsEmptyVariants(t *testing.T) {
	assert.True(t, Evaluate(cond("s", domain.OpIsEmpty, nil), map[string]any{"s": ""}))
	assert.True(t, Evaluate(cond("a", domain.OpIsEmpty, nil), map[string]any{"a": []any{}}))
	assert.True(t, Evaluate(cond("o", domain.OpIsEmpty, nil), map[string]any{"o": map[string]any{}}))
	assert.False(t, Evaluate(cond("s", domain.OpIsEmpty, nil), map[string]any{"s": "x"}))
}

func TestUnknownOperatorNeverPanics(t *testing.T) {
	ctx := map[string]any{"a": "b"}
	assert.NotPanics(t, func() {
		result := Evaluate(cond("a", domain.Operator("BOGUS"), "b"), ctx)
		assert.False(t, result)
	})
}
