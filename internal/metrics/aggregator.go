// Package metrics is the metrics aggregator (spec §4.8): evaluation
// outcomes are folded into fixed-width time-window buckets in memory
// with lock-free atomic counters, then flushed to Postgres on a cron
// schedule via an idempotent upsert.
package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flagforge/evalservice/internal/domain"
	"github.com/flagforge/evalservice/internal/evaluator"
)

// DefaultPeriodWidth is the bucket width used when METRICS_PERIOD_MIN
// isn't set (spec §4.8: "YYYY-MM-DD-HH-n").
const DefaultPeriodWidth = 5 * time.Minute

// bucketKey identifies one (tenant, flag, period) aggregation cell.
type bucketKey struct {
	Tenant  string
	FlagKey string
	Period  string // e.g. "2026-07-31-14-2"
}

// counters is one bucket's in-memory tally. All fields are updated with
// atomic ops so concurrent evaluations never contend on a mutex.
type counters struct {
	evaluationCount atomic.Int64
	successCount    atomic.Int64
	errorCount      atomic.Int64
	latencySumMS    atomic.Int64
}

func (c *counters) isZero() bool {
	return c.evaluationCount.Load() == 0 && c.successCount.Load() == 0 &&
		c.errorCount.Load() == 0 && c.latencySumMS.Load() == 0
}

// swapAndZero atomically reads the current totals and resets the bucket,
// so increments that land during a flush are counted in the next
// generation instead of being lost or double-counted.
func (c *counters) swapAndZero() (eval, success, errs, latency int64) {
	return c.evaluationCount.Swap(0), c.successCount.Swap(0), c.errorCount.Swap(0), c.latencySumMS.Swap(0)
}

// Aggregator folds MetricEvents into in-memory buckets and periodically
// flushes them to Postgres.
type Aggregator struct {
	db          *sql.DB
	prom        *PromMetrics
	cron        *cron.Cron
	periodWidth time.Duration

	buckets sync.Map // bucketKey -> *counters
}

// NewAggregator builds an Aggregator backed by db, bucketing events into
// windows of periodWidth (spec §4.8, configurable via
// config.MetricsConfig.PeriodMin). Run Consume to fold events in, call
// Start to flush on a schedule, and call Stop for graceful shutdown.
func NewAggregator(db *sql.DB, prom *PromMetrics, periodWidth time.Duration) *Aggregator {
	if periodWidth <= 0 {
		periodWidth = DefaultPeriodWidth
	}
	return &Aggregator{db: db, prom: prom, cron: cron.New(), periodWidth: periodWidth}
}

func periodStart(t time.Time, width time.Duration) time.Time {
	return t.Truncate(width)
}

// periodKey formats t into the spec's "YYYY-MM-DD-HH-n" bucket label,
// where n is the within-hour bucket index (0-based) at the configured
// width — e.g. with a 15-minute width, n ranges 0..3.
func periodKey(t time.Time, width time.Duration) string {
	start := periodStart(t, width)
	bucketsPerHour := int(time.Hour / width)
	n := int(start.Minute()) / int(width/time.Minute) % bucketsPerHour
	return fmt.Sprintf("%04d-%02d-%02d-%02d-%d", start.Year(), start.Month(), start.Day(), start.Hour(), n)
}

// Consume drains metric events from ch until it is closed or ctx is
// canceled, folding each into its (tenant, flag, period) bucket.
func (a *Aggregator) Consume(ctx context.Context, ch <-chan evaluator.MetricEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			a.record(event)
		}
	}
}

func (a *Aggregator) record(event evaluator.MetricEvent) {
	key := bucketKey{Tenant: event.Tenant, FlagKey: event.FlagKey, Period: periodKey(event.Timestamp, a.periodWidth)}
	value, _ := a.buckets.LoadOrStore(key, &counters{})
	c := value.(*counters)

	c.evaluationCount.Add(1)
	c.latencySumMS.Add(event.LatencyMS)
	if event.Success {
		c.successCount.Add(1)
		a.prom.EvaluationTotal.WithLabelValues(event.Tenant, "success").Inc()
	} else {
		c.errorCount.Add(1)
		a.prom.EvaluationTotal.WithLabelValues(event.Tenant, "error").Inc()
	}
	a.prom.EvaluationLatency.WithLabelValues(event.Tenant).Observe(float64(event.LatencyMS) / 1000.0)
}

// Start schedules the flush loop every interval and blocks until the
// cron scheduler is started (non-blocking itself — cron runs its own
// goroutine).
func (a *Aggregator) Start(interval time.Duration) error {
	spec := fmt.Sprintf("@every %s", interval)
	_, err := a.cron.AddFunc(spec, func() {
		if err := a.Flush(context.Background()); err != nil {
			slog.Error("metrics: flush failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule flush: %w", err)
	}
	a.cron.Start()
	return nil
}

// Stop halts the cron scheduler and waits for any in-flight job.
func (a *Aggregator) Stop() {
	ctx := a.cron.Stop()
	<-ctx.Done()
}

const upsertQuery = `
INSERT INTO flag_metrics (tenant_id, flag_key, period_start, evaluation_count, success_count, error_count, latency_sum_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (tenant_id, flag_key, period_start)
DO UPDATE SET
	evaluation_count = flag_metrics.evaluation_count + excluded.evaluation_count,
	success_count    = flag_metrics.success_count + excluded.success_count,
	error_count      = flag_metrics.error_count + excluded.error_count,
	latency_sum_ms   = flag_metrics.latency_sum_ms + excluded.latency_sum_ms`

// Flush swaps out every bucket's counters and upserts the delta into
// Postgres. On a per-bucket upsert failure, the delta is merged back
// into the live bucket so the next tick retries it instead of losing it.
func (a *Aggregator) Flush(ctx context.Context) error {
	pending := 0
	var firstErr error

	a.buckets.Range(func(k, v any) bool {
		pending++
		key := k.(bucketKey)
		c := v.(*counters)

		eval, success, errs, latency := c.swapAndZero()
		if eval == 0 && success == 0 && errs == 0 && latency == 0 {
			return true
		}

		periodStart, err := parsePeriodStart(key.Period, a.periodWidth)
		if err != nil {
			slog.Error("metrics: unparsable period, dropping bucket", "period", key.Period, "error", err)
			return true
		}

		_, err = a.db.ExecContext(ctx, upsertQuery, key.Tenant, key.FlagKey, periodStart, eval, success, errs, latency)
		if err != nil {
			slog.Error("metrics: upsert failed, merging delta back for retry", "tenant", key.Tenant, "flag", key.FlagKey, "error", err)
			c.evaluationCount.Add(eval)
			c.successCount.Add(success)
			c.errorCount.Add(errs)
			c.latencySumMS.Add(latency)
			if firstErr == nil {
				firstErr = err
			}
		}
		return true
	})

	a.prom.FlushQueueDepth.Set(float64(pending))
	if firstErr == nil {
		a.prom.FlushTotal.Inc()
	}
	return firstErr
}

func parsePeriodStart(period string, width time.Duration) (time.Time, error) {
	var year, month, day, hour, bucket int
	_, err := fmt.Sscanf(period, "%04d-%02d-%02d-%02d-%d", &year, &month, &day, &hour, &bucket)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse period %q: %w", period, err)
	}
	minutesPerBucket := int(width / time.Minute)
	minute := bucket * minutesPerBucket
	return time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC), nil
}

const flagMetricsQuery = `
SELECT tenant_id, flag_key, period_start, evaluation_count, success_count, error_count, latency_sum_ms
FROM flag_metrics
WHERE tenant_id = $1 AND flag_key = $2 AND period_start >= $3 AND period_start < $4
ORDER BY period_start ASC`

// MetricsForFlag reads persisted buckets for one flag within [from, to).
func (a *Aggregator) MetricsForFlag(ctx context.Context, tenant, flagKey string, from, to time.Time) ([]domain.MetricsBucket, error) {
	rows, err := a.db.QueryContext(ctx, flagMetricsQuery, tenant, flagKey, from, to)
	if err != nil {
		return nil, fmt.Errorf("query flag metrics: %w", err)
	}
	defer rows.Close()
	return a.scanBuckets(rows)
}

const tenantSummaryQuery = `
SELECT tenant_id, flag_key, period_start, evaluation_count, success_count, error_count, latency_sum_ms
FROM flag_metrics
WHERE tenant_id = $1 AND period_start >= $2 AND period_start < $3
ORDER BY flag_key ASC, period_start ASC`

// TenantSummary reads persisted buckets across every flag for tenant
// within [from, to).
func (a *Aggregator) TenantSummary(ctx context.Context, tenant string, from, to time.Time) ([]domain.MetricsBucket, error) {
	rows, err := a.db.QueryContext(ctx, tenantSummaryQuery, tenant, from, to)
	if err != nil {
		return nil, fmt.Errorf("query tenant summary: %w", err)
	}
	defer rows.Close()
	return a.scanBuckets(rows)
}

func (a *Aggregator) scanBuckets(rows *sql.Rows) ([]domain.MetricsBucket, error) {
	var out []domain.MetricsBucket
	for rows.Next() {
		var b domain.MetricsBucket
		if err := rows.Scan(&b.TenantID, &b.FlagKey, &b.PeriodStart, &b.EvaluationCount, &b.SuccessCount, &b.ErrorCount, &b.LatencySumMS); err != nil {
			return nil, fmt.Errorf("scan metrics bucket: %w", err)
		}
		b.PeriodEnd = b.PeriodStart.Add(a.periodWidth)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metrics buckets: %w", err)
	}
	return out, nil
}
