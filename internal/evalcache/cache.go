package evalcache

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/flagforge/evalservice/internal/domain"
	"github.com/flagforge/evalservice/internal/eventbus"
	"github.com/flagforge/evalservice/internal/infra"
)

// DefaultTTL is how long a cached evaluation result lives before a fresh
// re-evaluation is required.
const DefaultTTL = 60 * time.Second

type entry struct {
	result  domain.EvaluationResult
	expires time.Time
}

// Cache is the result cache: key "eval:{tenant}:{key}:{digest}" ->
// EvaluationResult, TTL-bound, with a secondary index so purging every
// cached result for one flag doesn't require a full scan.
type Cache struct {
	ttl   time.Duration
	redis *infra.GoRedisAdapter // nil => in-memory only

	mu    sync.RWMutex
	local map[string]entry            // cache key -> entry
	index map[string]map[string]bool  // "tenant:key" -> set of digests
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithRedis backs the cache with Redis instead of an in-process map.
func WithRedis(r *infra.GoRedisAdapter) Option {
	return func(c *Cache) { c.redis = r }
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// New builds an empty Cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		ttl:   DefaultTTL,
		local: make(map[string]entry),
		index: make(map[string]map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func cacheKey(tenant, key, digest string) string {
	return "eval:" + tenant + ":" + key + ":" + digest
}

func indexKey(tenant, key string) string {
	return tenant + ":" + key
}

// Get returns the cached result for (tenant, key, ctx), tagged with
// Source=CACHE, and whether it was present.
func (c *Cache) Get(ctx context.Context, tenant, key string, evalCtx domain.EvaluationContext) (domain.EvaluationResult, bool) {
	digest := Digest(evalCtx)
	ck := cacheKey(tenant, key, digest)

	if c.redis != nil {
		raw, present, err := c.redis.Get(ctx, ck)
		if err != nil {
			slog.Warn("evalcache: redis read failed, treating as miss", "key", ck, "error", err)
			return domain.EvaluationResult{}, false
		}
		if !present {
			return domain.EvaluationResult{}, false
		}
		var r domain.EvaluationResult
		if err := json.Unmarshal(raw, &r); err != nil {
			slog.Warn("evalcache: corrupt entry, treating as miss", "key", ck, "error", err)
			return domain.EvaluationResult{}, false
		}
		return r.WithCacheSource(), true
	}

	c.mu.RLock()
	e, ok := c.local[ck]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expires) {
		return domain.EvaluationResult{}, false
	}
	return e.result.WithCacheSource(), true
}

// Put stores result for (tenant, key, ctx) and records the digest in the
// per-flag secondary index.
func (c *Cache) Put(ctx context.Context, tenant, key string, evalCtx domain.EvaluationContext, result domain.EvaluationResult) {
	digest := Digest(evalCtx)
	ck := cacheKey(tenant, key, digest)
	ik := indexKey(tenant, key)

	if c.redis != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			slog.Warn("evalcache: failed to marshal result", "key", ck, "error", err)
			return
		}
		if err := c.redis.Set(ctx, ck, raw, c.ttl); err != nil {
			slog.Warn("evalcache: redis write failed", "key", ck, "error", err)
			return
		}
		if err := c.redis.SAdd(ctx, "evalidx:"+ik, digest); err != nil {
			slog.Warn("evalcache: failed to update secondary index", "key", ik, "error", err)
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.local[ck] = entry{result: result, expires: time.Now().Add(c.ttl)}
	if c.index[ik] == nil {
		c.index[ik] = make(map[string]bool)
	}
	c.index[ik][digest] = true
}

// PurgeFlag drops every cached result for (tenant, key) using the
// secondary index, so the cost is proportional to the number of distinct
// contexts seen for that flag, not the whole cache.
func (c *Cache) PurgeFlag(ctx context.Context, tenant, key string) {
	ik := indexKey(tenant, key)

	if c.redis != nil {
		digests, err := c.redis.SMembers(ctx, "evalidx:"+ik)
		if err != nil {
			slog.Warn("evalcache: failed to read secondary index", "key", ik, "error", err)
			return
		}
		keys := make([]string, 0, len(digests)+1)
		for _, d := range digests {
			keys = append(keys, cacheKey(tenant, key, d))
		}
		keys = append(keys, "evalidx:"+ik)
		if err := c.redis.Del(ctx, keys...); err != nil {
			slog.Warn("evalcache: failed to purge flag", "key", ik, "error", err)
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for digest := range c.index[ik] {
		delete(c.local, cacheKey(tenant, key, digest))
	}
	delete(c.index, ik)
}

// PurgeTenant drops every cached result belonging to tenant, across all
// flags. Used when a bulk tenant-wide invalidation comes in over the
// change bus (definition_store.InvalidateTenant publishes Key "*").
func (c *Cache) PurgeTenant(ctx context.Context, tenant string) {
	prefix := tenant + ":"

	if c.redis != nil {
		if err := c.redis.DelPrefix(ctx, "eval:"+tenant+":"); err != nil {
			slog.Warn("evalcache: failed to purge tenant", "tenant", tenant, "error", err)
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for ik := range c.index {
		if !strings.HasPrefix(ik, prefix) {
			continue
		}
		for digest := range c.index[ik] {
			key := strings.TrimPrefix(ik, prefix)
			delete(c.local, cacheKey(tenant, key, digest))
		}
		delete(c.index, ik)
	}
}

// applyInvalidation purges the cache entries a single FlagChanged event
// names. Factored out of SubscribeInvalidation so it can be driven
// directly and synchronously in tests, instead of tests having to race
// a background goroutine.
func (c *Cache) applyInvalidation(ctx context.Context, evt domain.FlagChanged) {
	if evt.Key == "*" {
		c.PurgeTenant(ctx, evt.Tenant)
		return
	}
	c.PurgeFlag(ctx, evt.Tenant, evt.Key)
}

// SubscribeInvalidation wires the cache to bus: every FlagChanged event
// published by a DefinitionStore (on Invalidate/InvalidateTenant) purges
// the matching entries here, so a flag mutation is visible to the next
// evaluation instead of serving a stale result for up to the result
// cache's TTL (spec §4.7, testable property 3). Returns a stop function
// that unsubscribes and waits for the consuming goroutine to exit.
func (c *Cache) SubscribeInvalidation(bus *eventbus.Bus) (stop func()) {
	ch := bus.Subscribe("")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range ch {
			c.applyInvalidation(context.Background(), evt)
		}
	}()
	return func() {
		bus.Unsubscribe("", ch)
		<-done
	}
}
