// Package evaluator is the evaluation orchestrator (spec §4.6): it runs
// the six-step resolution (cache check, flag lookup, enabled check,
// no-rules default, rule matching, no-match default) for single and batch evaluation, recording metrics
// asynchronously so the metrics pipeline never adds latency to a caller.
package evaluator

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flagforge/evalservice/internal/domain"
	"github.com/flagforge/evalservice/internal/evalcache"
	"github.com/flagforge/evalservice/internal/rules"
	"github.com/flagforge/evalservice/internal/store"
)

// DefaultSlowEvalThreshold is the latency past which a single evaluation
// logs a slow-evaluation warning.
const DefaultSlowEvalThreshold = 10 * time.Millisecond

// MetricEvent is emitted once per evaluation onto the Evaluator's metrics
// channel. The metrics aggregator (internal/metrics) consumes these.
type MetricEvent struct {
	Tenant    string
	FlagKey   string
	Success   bool
	LatencyMS int64
	Timestamp time.Time
}

// Evaluator resolves flag values against the definition store and result
// cache.
type Evaluator struct {
	definitions *store.DefinitionStore
	results     *evalcache.Cache
	metricsCh   chan MetricEvent
	slowThresh  time.Duration
}

// Option configures an Evaluator at construction time.
type Option func(*Evaluator)

// WithSlowEvalThreshold overrides DefaultSlowEvalThreshold.
func WithSlowEvalThreshold(d time.Duration) Option {
	return func(e *Evaluator) { e.slowThresh = d }
}

// New builds an Evaluator. metricsCh is a buffered channel the caller
// owns and drains (see internal/metrics.Aggregator.Consume) — recording
// a metric never blocks evaluation: a full channel just drops the event.
func New(definitions *store.DefinitionStore, results *evalcache.Cache, metricsCh chan MetricEvent, opts ...Option) *Evaluator {
	e := &Evaluator{
		definitions: definitions,
		results:     results,
		metricsCh:   metricsCh,
		slowThresh:  DefaultSlowEvalThreshold,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate resolves a single flag for tenant against evalCtx.
func (e *Evaluator) Evaluate(ctx context.Context, tenant, key string, evalCtx domain.EvaluationContext) domain.EvaluationResult {
	start := time.Now()
	result := e.evaluateOne(ctx, tenant, key, evalCtx)
	e.recordAndWarn(tenant, key, start, result)
	return result
}

// evaluateOne performs steps 1-6 without touching metrics, so BatchEvaluate
// can reuse it without double-instrumenting.
func (e *Evaluator) evaluateOne(ctx context.Context, tenant, key string, evalCtx domain.EvaluationContext) domain.EvaluationResult {
	// Step 1: result cache.
	if cached, ok := e.results.Get(ctx, tenant, key, evalCtx); ok {
		return cached
	}

	// Step 2: flag lookup.
	flag, err := e.definitions.Get(ctx, tenant, key)
	if err != nil {
		slog.Error("evaluator: definition store unavailable", "tenant", tenant, "key", key, "error", err)
		return domain.NewEvalError()
	}
	if flag == nil {
		// Not found is never cached in the result cache — it's already
		// covered by the definition store's own negative cache, and
		// caching "undefined" here would let a newly-created flag stay
		// invisible for up to the result-cache TTL.
		return domain.NewFlagNotFound()
	}

	// Step 3: enabled check.
	if !flag.Enabled {
		result := domain.NewDisabled()
		e.results.Put(ctx, tenant, key, evalCtx, result)
		return result
	}

	// Step 4: no rules -> default.
	if len(flag.Rules) == 0 {
		result := domain.NewNoRules()
		e.results.Put(ctx, tenant, key, evalCtx, result)
		return result
	}

	// Step 5: rule matching, ordered by Position, first match wins.
	ordered := make([]domain.TargetingRule, len(flag.Rules))
	copy(ordered, flag.Rules)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Position < ordered[j].Position })

	if matched, ok := rules.FirstMatch(ordered, evalCtx); ok {
		result := domain.NewRuleMatch(matched.ID)
		e.results.Put(ctx, tenant, key, evalCtx, result)
		return result
	}

	// Step 6: no rule matched -> default.
	result := domain.NewNoRuleMatch()
	e.results.Put(ctx, tenant, key, evalCtx, result)
	return result
}

func (e *Evaluator) recordAndWarn(tenant, key string, start time.Time, result domain.EvaluationResult) {
	elapsed := time.Since(start)
	if elapsed > e.slowThresh {
		slog.Warn("evaluator: slow evaluation", "tenant", tenant, "key", key, "elapsed_ms", elapsed.Milliseconds())
	}

	event := MetricEvent{
		Tenant:    tenant,
		FlagKey:   key,
		Success:   result.Source != domain.SourceError,
		LatencyMS: elapsed.Milliseconds(),
		Timestamp: time.Now(),
	}
	select {
	case e.metricsCh <- event:
	default:
		slog.Warn("evaluator: metrics channel full, dropping event", "tenant", tenant, "key", key)
	}
}

// maxBatchConcurrency bounds how many keys of one batch evaluate at once,
// so a single oversized batch can't exhaust the definition store/result
// cache's backing connections.
const maxBatchConcurrency = 16

// BatchEvaluate resolves every key in keys for tenant against the same
// evalCtx concurrently (spec §4.6), never failing the whole batch for one
// bad key — each key's evaluateOne call is isolated from the others, so
// one flag's lookup error only produces an error result for that key.
func (e *Evaluator) BatchEvaluate(ctx context.Context, tenant string, keys []string, evalCtx domain.EvaluationContext) domain.BatchResult {
	start := time.Now()
	values := make([]domain.EvaluationResult, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxBatchConcurrency)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			keyStart := time.Now()
			result := e.evaluateOne(gctx, tenant, key, evalCtx)
			e.recordAndWarn(tenant, key, keyStart, result)
			values[i] = result
			return nil // per-key failures are isolated into an error result, never propagated
		})
	}
	g.Wait()

	results := make(map[string]domain.EvaluationResult, len(keys))
	for i, key := range keys {
		results[key] = values[i]
	}
	return domain.BatchResult{
		Results: results,
		Metadata: domain.BatchMetadata{
			LatencyMS:   time.Since(start).Milliseconds(),
			EvaluatedAt: time.Now(),
		},
	}
}
