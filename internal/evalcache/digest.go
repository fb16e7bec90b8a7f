// Package evalcache is the second cache layer (spec §4.5): it memoizes a
// full EvaluationResult keyed by (tenant, flag key, context digest), so a
// repeat evaluation with an identical relevant context skips rule
// matching entirely.
package evalcache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/flagforge/evalservice/internal/domain"
)

// digestFields is the sanitized subset of the evaluation context that
// participates in the cache key. Anything else in the context (request
// IDs, timestamps, free-form debug attributes) must not fragment the
// cache, so it is deliberately excluded.
var digestFields = []string{
	"userId", "sessionId", "userRole", "userGroups", "deviceType", "location", "tenantId",
}

// Digest returns a stable MD5 hex digest of the canonical JSON of the
// sanitized context subset. Two contexts that differ only outside
// digestFields produce the same digest and therefore share a cache entry.
func Digest(ctx domain.EvaluationContext) string {
	sanitized := make(map[string]any, len(digestFields))
	for _, field := range digestFields {
		if v, ok := ctx[field]; ok {
			sanitized[field] = v
		}
	}
	canonical := canonicalJSON(sanitized)
	sum := md5.Sum(canonical)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON marshals v with map keys sorted, so semantically
// identical maps always serialize identically regardless of Go's
// randomized map iteration order. encoding/json already sorts map[string]any
// keys when marshaling, but intermediate slices of keys are sorted here
// too, defensively, since the digest is a long-lived contract.
func canonicalJSON(v map[string]any) []byte {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]struct {
		Key   string `json:"k"`
		Value any    `json:"v"`
	}, len(keys))
	for i, k := range keys {
		ordered[i].Key = k
		ordered[i].Value = v[k]
	}
	b, _ := json.Marshal(ordered)
	return b
}
