package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowAdmitsUpToLimit(t *testing.T) {
	l := New(WithWindow(time.Hour, 3))
	for i := 0; i < 3; i++ {
		d := l.Allow(context.Background(), "t1")
		assert.True(t, d.Admitted, "request %d should be admitted", i)
	}
	d := l.Allow(context.Background(), "t1")
	assert.False(t, d.Admitted)
	assert.Equal(t, int64(4), d.Current)
}

func TestAllowResetsAfterWindow(t *testing.T) {
	l := New(WithWindow(20*time.Millisecond, 1))
	first := l.Allow(context.Background(), "t1")
	assert.True(t, first.Admitted)

	second := l.Allow(context.Background(), "t1")
	assert.False(t, second.Admitted)

	time.Sleep(30 * time.Millisecond)
	third := l.Allow(context.Background(), "t1")
	assert.True(t, third.Admitted)
}

func TestAllowIsolatesTenants(t *testing.T) {
	l := New(WithWindow(time.Hour, 1))
	a := l.Allow(context.Background(), "tenant-a")
	b := l.Allow(context.Background(), "tenant-b")
	assert.True(t, a.Admitted)
	assert.True(t, b.Admitted)
}

func TestAllowMissingTenantPassesThrough(t *testing.T) {
	l := New(WithWindow(time.Hour, 1))
	for i := 0; i < 10; i++ {
		d := l.Allow(context.Background(), "")
		assert.True(t, d.Admitted)
	}
}
