// Package infra provides concrete infrastructure adapters shared by the
// definition store, evaluation cache, and rate limiter. If Redis is not
// configured, those packages fall back to in-memory storage instead of
// using this adapter at all.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// GoRedisAdapter wraps go-redis v9 with the minimal surface the cache
// layers need: byte get/set with TTL, delete, set membership for the
// evaluation cache's secondary digest index, and atomic increment for
// rate-limit counters.
type GoRedisAdapter struct {
	rdb *redis.Client
}

// NewGoRedisAdapter attempts to connect to Redis using the provided options.
// Returns the adapter and any connection error (caller decides whether to
// fall back to in-memory).
func NewGoRedisAdapter(addr, password string, db int) (*GoRedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	// Ping to verify connectivity
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &GoRedisAdapter{rdb: rdb}, nil
}

// Close shuts down the underlying redis client.
func (a *GoRedisAdapter) Close() error {
	return a.rdb.Close()
}

// Set stores value under key with the given TTL (0 means no expiry).
func (a *GoRedisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

// Get returns the value stored at key, and false if it was absent.
func (a *GoRedisAdapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := a.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Del removes one or more keys.
func (a *GoRedisAdapter) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return a.rdb.Del(ctx, keys...).Err()
}

// DelPrefix deletes every key matching prefix+"*". Only used for
// tenant-wide invalidation, never on the evaluation hot path.
func (a *GoRedisAdapter) DelPrefix(ctx context.Context, prefix string) error {
	iter := a.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	return a.Del(ctx, keys...)
}

// incrWithExpireScript increments KEYS[1] and sets its expiry (ARGV[1] ms)
// only when the increment created the key, so later increments in the
// same window never push the expiry back.
var incrWithExpireScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count`)

// IncrWithExpire atomically increments key and, when that creates it, sets
// its expiry to window, so the counter resets one window after the first
// increment. Used by the fixed-window rate limiter to share counters
// across instances.
func (a *GoRedisAdapter) IncrWithExpire(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := incrWithExpireScript.Run(ctx, a.rdb, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return count, nil
}

// SAdd adds members to a set — backs the evaluation cache's secondary
// digest index used for targeted per-flag purge.
func (a *GoRedisAdapter) SAdd(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return a.rdb.SAdd(ctx, key, ifaces...).Err()
}

// SMembers returns all members of a set.
func (a *GoRedisAdapter) SMembers(ctx context.Context, key string) ([]string, error) {
	return a.rdb.SMembers(ctx, key).Result()
}
