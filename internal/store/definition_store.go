package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/flagforge/evalservice/internal/domain"
	"github.com/flagforge/evalservice/internal/eventbus"
	"github.com/flagforge/evalservice/internal/infra"
)

const (
	// DefaultHitTTL is how long a found flag definition stays cached.
	DefaultHitTTL = 5 * time.Minute
	// DefaultNegativeTTL is how long a "not found" result stays cached —
	// a firm contract (spec §4.4), not a sometimes-behavior, so repeated
	// lookups for a flag that doesn't exist never stampede the repository.
	DefaultNegativeTTL = 60 * time.Second
)

type cacheEntry struct {
	flag    *domain.FeatureFlag // nil means negative (not-found) cache
	expires time.Time
}

// DefinitionStore wraps a Repository with an in-memory TTL cache (or a
// Redis-backed one, when configured) plus single-flight coalescing of
// concurrent misses for the same (tenant, key).
type DefinitionStore struct {
	repo     Repository
	bus      eventbus.Publisher
	hitTTL   time.Duration
	negTTL   time.Duration
	group    singleflight.Group

	mu    sync.RWMutex
	local map[string]cacheEntry // used when redis is nil

	redis *infra.GoRedisAdapter // nil => in-memory only
}

// Option configures a DefinitionStore at construction time.
type Option func(*DefinitionStore)

// WithRedis backs the cache with Redis instead of an in-process map.
func WithRedis(r *infra.GoRedisAdapter) Option {
	return func(s *DefinitionStore) { s.redis = r }
}

// WithTTLs overrides the default hit/negative TTLs.
func WithTTLs(hit, negative time.Duration) Option {
	return func(s *DefinitionStore) {
		s.hitTTL = hit
		s.negTTL = negative
	}
}

// NewDefinitionStore builds a store over repo, publishing FlagChanged
// events on bus whenever a cached entry is invalidated.
func NewDefinitionStore(repo Repository, bus eventbus.Publisher, opts ...Option) *DefinitionStore {
	s := &DefinitionStore{
		repo:   repo,
		bus:    bus,
		hitTTL: DefaultHitTTL,
		negTTL: DefaultNegativeTTL,
		local:  make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func cacheKey(tenant, key string) string {
	return "flagdef:" + tenant + ":" + key
}

// Get returns the cached flag definition for (tenant, key), loading from
// the repository on a cache miss. Concurrent misses for the same pair
// coalesce onto a single repository call via singleflight. A cached
// not-found result returns (nil, nil) — callers distinguish "not found"
// from "store unavailable" by the error return, not by a sentinel value.
//
// If the repository call then fails and a now-expired cache entry for a
// real flag is still resident, that stale definition is served (with a
// logged warning) rather than propagating the error — spec §7's
// StoreUnavailable row: "if a cached definition exists (even expired),
// serve it and log; else return 503."
func (s *DefinitionStore) Get(ctx context.Context, tenant, key string) (*domain.FeatureFlag, error) {
	ck := cacheKey(tenant, key)

	cached, fresh := s.readCache(ctx, ck)
	if cached.present && fresh {
		if cached.hit {
			return cached.flag, nil
		}
		return nil, nil // cached negative
	}

	result, err, _ := s.group.Do(ck, func() (any, error) {
		flag, err := s.repo.Get(ctx, tenant, key)
		if errors.Is(err, ErrNotFound) {
			s.writeCache(ctx, ck, nil, s.negTTL)
			return (*domain.FeatureFlag)(nil), nil
		}
		if err != nil {
			return nil, err
		}
		s.writeCache(ctx, ck, flag, s.hitTTL)
		return flag, nil
	})
	if err != nil {
		if cached.present && cached.hit {
			slog.Warn("definition store: repository unavailable, serving stale cached definition", "tenant", tenant, "key", key, "error", err)
			return cached.flag, nil
		}
		return nil, err
	}
	flag, _ := result.(*domain.FeatureFlag)
	return flag, nil
}

// cacheLookup is what readCache found for one key, regardless of whether
// it's still within TTL.
type cacheLookup struct {
	flag    *domain.FeatureFlag // nil when hit is false (a cached negative)
	hit     bool                // true => a found flag, false => cached negative
	present bool                // true => some entry exists, fresh or stale
}

// readCache looks up ck and reports whether the entry found (if any) is
// still within TTL. An expired local-cache entry is still returned
// (present=true, fresh=false) instead of being discarded, so Get can fall
// back to it if the repository call that follows then fails. Redis
// entries have no such fallback state: once Redis's own TTL evicts a key
// it is simply gone, so a Redis-backed present entry is always fresh.
func (s *DefinitionStore) readCache(ctx context.Context, ck string) (lookup cacheLookup, fresh bool) {
	if s.redis != nil {
		raw, present, err := s.redis.Get(ctx, ck)
		if err != nil {
			slog.Warn("definition cache: redis read failed, treating as miss", "key", ck, "error", err)
			return cacheLookup{}, false
		}
		if !present {
			return cacheLookup{}, false
		}
		if len(raw) == 0 {
			return cacheLookup{present: true, hit: false}, true // cached negative
		}
		var f domain.FeatureFlag
		if err := json.Unmarshal(raw, &f); err != nil {
			slog.Warn("definition cache: corrupt entry, treating as miss", "key", ck, "error", err)
			return cacheLookup{}, false
		}
		return cacheLookup{present: true, hit: true, flag: &f}, true
	}

	s.mu.RLock()
	entry, ok := s.local[ck]
	s.mu.RUnlock()
	if !ok {
		return cacheLookup{}, false
	}
	lookup = cacheLookup{present: true, hit: entry.flag != nil, flag: entry.flag}
	fresh = !time.Now().After(entry.expires)
	return lookup, fresh
}

func (s *DefinitionStore) writeCache(ctx context.Context, ck string, flag *domain.FeatureFlag, ttl time.Duration) {
	if s.redis != nil {
		var raw []byte
		if flag != nil {
			raw, _ = json.Marshal(flag)
		}
		if err := s.redis.Set(ctx, ck, raw, ttl); err != nil {
			slog.Warn("definition cache: redis write failed", "key", ck, "error", err)
		}
		return
	}

	s.mu.Lock()
	s.local[ck] = cacheEntry{flag: flag, expires: time.Now().Add(ttl)}
	s.mu.Unlock()
}

// Invalidate purges the cached entry for (tenant, key) and publishes a
// FlagChanged event so subscribers (the evaluation cache, WebSocket
// gateway) can react.
func (s *DefinitionStore) Invalidate(ctx context.Context, tenant, key string) {
	ck := cacheKey(tenant, key)
	if s.redis != nil {
		if err := s.redis.Del(ctx, ck); err != nil {
			slog.Warn("definition cache: redis invalidate failed", "key", ck, "error", err)
		}
	} else {
		s.mu.Lock()
		delete(s.local, ck)
		s.mu.Unlock()
	}
	if s.bus != nil {
		s.bus.Publish(domain.FlagChanged{Tenant: tenant, Key: key, Timestamp: time.Now()})
	}
}

// InvalidateTenant purges every cached entry for tenant.
func (s *DefinitionStore) InvalidateTenant(ctx context.Context, tenant string) {
	if s.redis != nil {
		if err := s.redis.DelPrefix(ctx, "flagdef:"+tenant+":"); err != nil {
			slog.Warn("definition cache: redis tenant invalidate failed", "tenant", tenant, "error", err)
		}
	} else {
		prefix := "flagdef:" + tenant + ":"
		s.mu.Lock()
		for k := range s.local {
			if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
				delete(s.local, k)
			}
		}
		s.mu.Unlock()
	}
	if s.bus != nil {
		s.bus.Publish(domain.FlagChanged{Tenant: tenant, Key: "*", Timestamp: time.Now()})
	}
}
