package evalcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flagforge/evalservice/internal/domain"
	"github.com/flagforge/evalservice/internal/eventbus"
)

func boolPtr(b bool) *bool { return &b }

func TestDigestStableAcrossIrrelevantFields(t *testing.T) {
	a := domain.EvaluationContext{"userId": "u1", "requestId": "req-1", "debug": true}
	b := domain.EvaluationContext{"userId": "u1", "requestId": "req-2"}
	assert.Equal(t, Digest(a), Digest(b))
}

func TestDigestDiffersOnRelevantField(t *testing.T) {
	a := domain.EvaluationContext{"userId": "u1"}
	b := domain.EvaluationContext{"userId": "u2"}
	assert.NotEqual(t, Digest(a), Digest(b))
}

func TestDigestOrderIndependent(t *testing.T) {
	a := domain.EvaluationContext{"userId": "u1", "userRole": "admin"}
	b := domain.EvaluationContext{"userRole": "admin", "userId": "u1"}
	assert.Equal(t, Digest(a), Digest(b))
}

func TestCachePutGet(t *testing.T) {
	c := New()
	ctx := domain.EvaluationContext{"userId": "u1"}
	result := domain.EvaluationResult{Value: boolPtr(true), Source: domain.SourceRule}

	_, ok := c.Get(context.Background(), "t1", "dark-mode", ctx)
	assert.False(t, ok)

	c.Put(context.Background(), "t1", "dark-mode", ctx, result)

	got, ok := c.Get(context.Background(), "t1", "dark-mode", ctx)
	require.True(t, ok)
	require.NotNil(t, got.Value)
	assert.True(t, *got.Value)
	assert.Equal(t, domain.SourceCache, got.Source)
}

func TestCacheExpires(t *testing.T) {
	c := New(WithTTL(10 * time.Millisecond))
	ctx := domain.EvaluationContext{"userId": "u1"}
	c.Put(context.Background(), "t1", "dark-mode", ctx, domain.EvaluationResult{Value: boolPtr(true)})

	time.Sleep(30 * time.Millisecond)
	_, ok := c.Get(context.Background(), "t1", "dark-mode", ctx)
	assert.False(t, ok)
}

func TestPurgeFlagRemovesOnlyThatFlag(t *testing.T) {
	c := New()
	ctxA := domain.EvaluationContext{"userId": "u1"}
	ctxB := domain.EvaluationContext{"userId": "u2"}
	c.Put(context.Background(), "t1", "dark-mode", ctxA, domain.EvaluationResult{Value: boolPtr(true)})
	c.Put(context.Background(), "t1", "dark-mode", ctxB, domain.EvaluationResult{Value: boolPtr(true)})
	c.Put(context.Background(), "t1", "other-flag", ctxA, domain.EvaluationResult{Value: boolPtr(false)})

	c.PurgeFlag(context.Background(), "t1", "dark-mode")

	_, ok := c.Get(context.Background(), "t1", "dark-mode", ctxA)
	assert.False(t, ok)
	_, ok = c.Get(context.Background(), "t1", "dark-mode", ctxB)
	assert.False(t, ok)

	_, ok = c.Get(context.Background(), "t1", "other-flag", ctxA)
	assert.True(t, ok)
}

func TestPurgeTenantRemovesOnlyThatTenant(t *testing.T) {
	c := New()
	ctx := domain.EvaluationContext{"userId": "u1"}
	c.Put(context.Background(), "t1", "dark-mode", ctx, domain.EvaluationResult{Value: boolPtr(true)})
	c.Put(context.Background(), "t2", "dark-mode", ctx, domain.EvaluationResult{Value: boolPtr(true)})

	c.PurgeTenant(context.Background(), "t1")

	_, ok := c.Get(context.Background(), "t1", "dark-mode", ctx)
	assert.False(t, ok)
	_, ok = c.Get(context.Background(), "t2", "dark-mode", ctx)
	assert.True(t, ok)
}

func TestSubscribeInvalidationPurgesOnFlagChangedEvent(t *testing.T) {
	bus := eventbus.New()
	c := New()
	ctx := domain.EvaluationContext{"userId": "u1"}
	c.Put(context.Background(), "t1", "dark-mode", ctx, domain.EvaluationResult{Value: boolPtr(true)})

	stop := c.SubscribeInvalidation(bus)
	bus.Publish(domain.FlagChanged{Tenant: "t1", Key: "dark-mode"})
	stop() // waits for the event to drain through the real subscription

	_, ok := c.Get(context.Background(), "t1", "dark-mode", ctx)
	assert.False(t, ok)
}

func TestSubscribeInvalidationPurgesWholeTenantOnWildcardEvent(t *testing.T) {
	bus := eventbus.New()
	c := New()
	ctx := domain.EvaluationContext{"userId": "u1"}
	c.Put(context.Background(), "t1", "dark-mode", ctx, domain.EvaluationResult{Value: boolPtr(true)})
	c.Put(context.Background(), "t1", "other-flag", ctx, domain.EvaluationResult{Value: boolPtr(false)})

	stop := c.SubscribeInvalidation(bus)
	bus.Publish(domain.FlagChanged{Tenant: "t1", Key: "*"})
	stop()

	_, ok := c.Get(context.Background(), "t1", "dark-mode", ctx)
	assert.False(t, ok)
	_, ok = c.Get(context.Background(), "t1", "other-flag", ctx)
	assert.False(t, ok)
}
