package store

import "encoding/json"

// decodeConditionValue unmarshals a condition's JSONB value column into
// the same any-typed representation the evaluator works with (string,
// float64, bool, []any, map[string]any). A malformed column degrades to
// nil rather than failing the whole flag load — the condition will then
// simply never match, which is safer than taking the service down.
func decodeConditionValue(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
