// Package ratelimit implements the per-tenant fixed-window rate limiter
// (spec §4.9). Adapted from the teacher's middleware.RateLimiter
// (internal/middleware/rate_limiter.go) — a windows map and a background
// cleanup sweep — but guarded by a single mutex instead of the teacher's
// RLock fast path with write-lock double-check, windowed strictly per
// tenant (not tenant:agent), with a configurable window width instead of
// a fixed minute, and an optional Redis backing so the window is shared
// across instances.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flagforge/evalservice/internal/infra"
)

// DefaultWindow and DefaultLimit match spec §4.9's defaults.
const (
	DefaultWindow = time.Second
	DefaultLimit  = 100
)

type window struct {
	count int64
	start time.Time
}

// Decision is the outcome of an Allow check, carrying everything the
// HTTP layer needs to set X-RateLimit-* headers.
type Decision struct {
	Admitted bool
	Limit    int64
	Current  int64
	ResetAt  time.Time
}

// Limiter enforces a fixed-width window per tenant. A missing tenant ID
// passes through uncounted — rejecting it is the auth layer's job, not
// the rate limiter's.
type Limiter struct {
	windowSize time.Duration
	limit      int64
	redis      *infra.GoRedisAdapter // nil => in-memory only

	mu      sync.Mutex
	windows map[string]*window
}

// Option configures a Limiter at construction time.
type Option func(*Limiter)

// WithRedis shares the window across instances via Redis INCR+EXPIRE.
func WithRedis(r *infra.GoRedisAdapter) Option {
	return func(l *Limiter) { l.redis = r }
}

// WithWindow overrides the default window width and per-window limit.
func WithWindow(size time.Duration, limit int64) Option {
	return func(l *Limiter) {
		l.windowSize = size
		l.limit = limit
	}
}

// New builds a Limiter with the given defaults, starting a background
// sweep goroutine to garbage-collect expired in-memory windows.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		windowSize: DefaultWindow,
		limit:      DefaultLimit,
		windows:    make(map[string]*window),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.redis == nil {
		go l.sweep()
	}
	return l
}

// Allow admits or rejects a request for tenant, returning the full
// decision so callers can render X-RateLimit-* headers regardless of
// outcome.
func (l *Limiter) Allow(ctx context.Context, tenant string) Decision {
	if tenant == "" {
		return Decision{Admitted: true, Limit: l.limit, Current: 0, ResetAt: time.Now().Add(l.windowSize)}
	}
	if l.redis != nil {
		return l.allowRedis(ctx, tenant)
	}
	return l.allowLocal(tenant)
}

func (l *Limiter) allowLocal(tenant string) Decision {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[tenant]
	if !ok || now.Sub(w.start) > l.windowSize {
		w = &window{count: 0, start: now}
		l.windows[tenant] = w
	}
	w.count++

	return Decision{
		Admitted: w.count <= l.limit,
		Limit:    l.limit,
		Current:  w.count,
		ResetAt:  w.start.Add(l.windowSize),
	}
}

func (l *Limiter) allowRedis(ctx context.Context, tenant string) Decision {
	key := "ratelimit:" + tenant
	count, err := l.redis.IncrWithExpire(ctx, key, l.windowSize)
	if err != nil {
		slog.Error("ratelimit: redis unavailable, failing open", "tenant", tenant, "error", err)
		return Decision{Admitted: true, Limit: l.limit, Current: 0, ResetAt: time.Now().Add(l.windowSize)}
	}
	return Decision{
		Admitted: count <= l.limit,
		Limit:    l.limit,
		Current:  count,
		ResetAt:  time.Now().Add(l.windowSize),
	}
}

// sweep periodically removes windows that have aged out, bounding memory
// for tenants that stop sending traffic.
func (l *Limiter) sweep() {
	ticker := time.NewTicker(5 * l.windowSize)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		l.mu.Lock()
		for tenant, w := range l.windows {
			if now.Sub(w.start) > 2*l.windowSize {
				delete(l.windows, tenant)
			}
		}
		l.mu.Unlock()
	}
}

// Stats reports the number of tenants with an active window — used by
// the ops-facing health/metrics surface.
func (l *Limiter) Stats() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return map[string]any{
		"active_windows": len(l.windows),
		"limit":          l.limit,
		"window_ms":      l.windowSize.Milliseconds(),
	}
}
