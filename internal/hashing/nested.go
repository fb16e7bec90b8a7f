package hashing

import "strings"

// undefinedType is a sentinel distinguishing "key missing" from "value is
// JSON null" — condition evaluators need to tell IS_NULL apart from an
// absent attribute.
type undefinedType struct{}

// Undefined is returned by GetNested when a path segment does not exist.
// It is distinct from a stored nil: IsUndefined(nil) is false.
var Undefined = undefinedType{}

// IsUndefined reports whether v is the Undefined sentinel.
func IsUndefined(v any) bool {
	_, ok := v.(undefinedType)
	return ok
}

// GetNested walks a dotted attribute path ("user.address.city") through
// nested maps. It returns Undefined (not nil) if any segment is missing
// or the value at an intermediate segment isn't a map.
func GetNested(ctx map[string]any, path string) any {
	if path == "" {
		return Undefined
	}
	segments := strings.Split(path, ".")
	var cur any = ctx
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return Undefined
		}
		v, present := m[seg]
		if !present {
			return Undefined
		}
		cur = v
	}
	return cur
}
