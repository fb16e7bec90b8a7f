// Package rules implements the targeting rule matcher (spec §4.3): a rule
// matches when it is enabled, every condition passes, and — for partial
// rollouts — the caller's bucket falls within the rule's percentage.
package rules

import (
	"github.com/flagforge/evalservice/internal/condition"
	"github.com/flagforge/evalservice/internal/domain"
	"github.com/flagforge/evalservice/internal/hashing"
)

// Match reports whether rule matches ctx. Conditions are AND-combined;
// a percentage below 100 additionally requires ctx.userId to be present
// and the deterministic bucket for (rule.ID, userID) to fall within the
// rollout.
func Match(rule domain.TargetingRule, ctx domain.EvaluationContext) bool {
	if !rule.Enabled {
		return false
	}
	for _, c := range rule.Conditions {
		if !condition.Evaluate(c, ctx) {
			return false
		}
	}
	if rule.Percentage >= 100 {
		return true
	}
	userID, ok := ctx.UserID()
	if !ok {
		return false
	}
	return hashing.Bucket(rule.ID, userID) <= rule.Percentage
}

// FirstMatch returns the first rule (in Position order) that matches ctx,
// and whether any did. Callers are responsible for presenting rules
// sorted by Position; this function does not re-sort.
func FirstMatch(orderedRules []domain.TargetingRule, ctx domain.EvaluationContext) (domain.TargetingRule, bool) {
	for _, r := range orderedRules {
		if Match(r, ctx) {
			return r, true
		}
	}
	return domain.TargetingRule{}, false
}
