// Package domain holds the core data model of the flag evaluation service:
// tenants, flags, rules, conditions, evaluation contexts/results, and
// metrics buckets. Nothing in this package touches persistence, caching,
// or transport.
package domain

import "time"

// Operator is a condition operator as defined by the targeting rule
// grammar. The zero value is not a valid operator.
type Operator string

const (
	OpEquals       Operator = "EQUALS"
	OpNotEquals    Operator = "NOT_EQUALS"
	OpContains     Operator = "CONTAINS"
	OpNotContains  Operator = "NOT_CONTAINS"
	OpStartsWith   Operator = "STARTS_WITH"
	OpEndsWith     Operator = "ENDS_WITH"
	OpGT           Operator = "GT"
	OpLT           Operator = "LT"
	OpGTE          Operator = "GTE"
	OpLTE          Operator = "LTE"
	OpIn           Operator = "IN"
	OpNotIn        Operator = "NOT_IN"
	OpIsNull       Operator = "IS_NULL"
	OpIsNotNull    Operator = "IS_NOT_NULL"
	OpIsEmpty      Operator = "IS_EMPTY"
	OpIsNotEmpty   Operator = "IS_NOT_EMPTY"
)

// Source explains where an EvaluationResult's value came from.
type Source string

const (
	SourceRule     Source = "RULE"
	SourceDefault  Source = "DEFAULT"
	SourceDisabled Source = "DISABLED"
	SourceCache    Source = "CACHE"
	SourceError    Source = "ERROR"
)

// Reason codes surfaced in EvaluationResult.Reason.
const (
	ReasonFlagNotFound = "FLAG_NOT_FOUND"
	ReasonFlagDisabled = "FLAG_DISABLED"
	ReasonNoRules      = "NO_RULES"
	ReasonRuleMatch    = "RULE_MATCH"
	ReasonNoRuleMatch  = "NO_RULE_MATCH"
	ReasonEvalError    = "EVALUATION_ERROR"
)

// Tenant is the isolation boundary: every flag, metric, and rate-limit
// bucket is scoped to exactly one tenant.
type Tenant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Condition is the atomic predicate over a single context attribute.
// Value is polymorphic (scalar or array) exactly as stored in JSON.
type Condition struct {
	ID        string   `json:"id"`
	RuleID    string   `json:"rule_id"`
	Attribute string   `json:"attribute"`
	Operator  Operator `json:"operator"`
	Value     any      `json:"value"`
}

// TargetingRule AND-combines its Conditions and gates admission by
// Percentage. Position is an explicit ordinal (not implicit insertion
// order) so evaluation order is well-defined regardless of storage engine.
type TargetingRule struct {
	ID         string      `json:"id"`
	FlagID     string      `json:"flag_id"`
	Name       string      `json:"name"`
	Enabled    bool        `json:"enabled"`
	Percentage int         `json:"percentage"` // 0..100
	Position   int         `json:"position"`
	Conditions []Condition `json:"conditions"`
}

// FeatureFlag is the authoritative definition of a flag within a tenant.
type FeatureFlag struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Key         string          `json:"key" validate:"required,flagkey"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Enabled     bool            `json:"enabled"`
	Rules       []TargetingRule `json:"rules"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// EvaluationContext is the caller-supplied attribute bag. Values are
// arbitrary JSON; unknown keys are permitted and reachable via dotted
// paths (see internal/hashing.GetNested).
type EvaluationContext map[string]any

// UserID returns the "userId" key as a string, and whether it was present
// and non-empty.
func (c EvaluationContext) UserID() (string, bool) {
	v, ok := c["userId"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// EvaluationResult is returned to callers and mirrored into the result
// cache.
type EvaluationResult struct {
	Value  *bool  `json:"value"` // nil means "undefined" (flag not found)
	Source Source `json:"source"`
	Reason string `json:"reason"`
	RuleID string `json:"rule_id,omitempty"`
}

func boolPtr(b bool) *bool { return &b }

// NewRuleMatch builds the RULE-source result for a matched rule.
func NewRuleMatch(ruleID string) EvaluationResult {
	return EvaluationResult{Value: boolPtr(true), Source: SourceRule, Reason: ReasonRuleMatch, RuleID: ruleID}
}

// NewDisabled builds the DISABLED-source result.
func NewDisabled() EvaluationResult {
	return EvaluationResult{Value: boolPtr(false), Source: SourceDisabled, Reason: ReasonFlagDisabled}
}

// NewNoRules builds the DEFAULT-source result for a flag with no rules.
func NewNoRules() EvaluationResult {
	return EvaluationResult{Value: boolPtr(false), Source: SourceDefault, Reason: ReasonNoRules}
}

// NewNoRuleMatch builds the DEFAULT-source result for a flag whose rules
// all failed to match.
func NewNoRuleMatch() EvaluationResult {
	return EvaluationResult{Value: boolPtr(false), Source: SourceDefault, Reason: ReasonNoRuleMatch}
}

// NewFlagNotFound builds the result for a flag that does not exist.
func NewFlagNotFound() EvaluationResult {
	return EvaluationResult{Value: nil, Source: SourceDefault, Reason: ReasonFlagNotFound}
}

// NewEvalError builds the result for an unhandled failure during matching.
func NewEvalError() EvaluationResult {
	return EvaluationResult{Value: boolPtr(false), Source: SourceError, Reason: ReasonEvalError}
}

// WithCacheSource returns a copy of r tagged as served from cache.
func (r EvaluationResult) WithCacheSource() EvaluationResult {
	r.Source = SourceCache
	return r
}

// BatchResult is the response shape for batched evaluation.
type BatchResult struct {
	Results  map[string]EvaluationResult `json:"results"`
	Errors   map[string]string           `json:"errors,omitempty"`
	Metadata BatchMetadata               `json:"metadata"`
}

// BatchMetadata carries batch-wide timing information.
type BatchMetadata struct {
	LatencyMS   int64     `json:"latency_ms"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// MetricsBucket is one (tenant, flag, period) aggregation row.
type MetricsBucket struct {
	TenantID        string    `json:"tenant_id"`
	FlagKey         string    `json:"flag_key"`
	PeriodStart     time.Time `json:"period_start"`
	PeriodEnd       time.Time `json:"period_end"`
	EvaluationCount int64     `json:"evaluation_count"`
	SuccessCount    int64     `json:"success_count"`
	ErrorCount      int64     `json:"error_count"`
	LatencySumMS    int64     `json:"latency_sum_ms"`
}

// AvgLatencyMS is the derived average latency for the bucket.
func (b MetricsBucket) AvgLatencyMS() float64 {
	if b.EvaluationCount == 0 {
		return 0
	}
	return float64(b.LatencySumMS) / float64(b.EvaluationCount)
}

// SuccessRate is the derived success ratio for the bucket.
func (b MetricsBucket) SuccessRate() float64 {
	if b.EvaluationCount == 0 {
		return 0
	}
	return float64(b.SuccessCount) / float64(b.EvaluationCount)
}

// FlagChanged is published on the change bus whenever a flag's definition
// is mutated (and whenever DefinitionStore.Invalidate is called).
type FlagChanged struct {
	Tenant    string    `json:"tenant"`
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorKind classifies the typed errors the core can surface (spec §7).
type ErrorKind string

const (
	ErrFlagNotFound    ErrorKind = "FlagNotFound"
	ErrInvalidTenant   ErrorKind = "InvalidTenant"
	ErrRateLimited     ErrorKind = "RateLimited"
	ErrStoreUnavailable ErrorKind = "StoreUnavailable"
	ErrEvaluationError ErrorKind = "EvaluationError"
)

// EvalError is the typed error the HTTP layer maps to a status code.
type EvalError struct {
	Kind ErrorKind
	Msg  string
}

func (e *EvalError) Error() string { return string(e.Kind) + ": " + e.Msg }

// NewEvalErrorKind builds an *EvalError of the given kind.
func NewEvalErrorKind(kind ErrorKind, msg string) *EvalError {
	return &EvalError{Kind: kind, Msg: msg}
}
