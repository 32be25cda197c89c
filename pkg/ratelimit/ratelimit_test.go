package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimiter(t *testing.T, limit int, window time.Duration) *Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return New(rdb, "w-0", func(context.Context) (int, time.Duration) {
		return limit, window
	})
}

func TestAllowEnforcesLimit(t *testing.T) {
	l := testLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be admitted", i)
	}

	ok, err := l.Allow(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "request over the limit must be refused")
}

func TestAllowAdmitsAfterWindowPasses(t *testing.T) {
	l := testLimiter(t, 1, time.Minute)
	ctx := context.Background()

	now := time.Unix(1700000000, 0)
	l.nowFn = func() time.Time { return now }

	ok, err := l.Allow(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Allow(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	// the old entry falls out of the rolling window
	now = now.Add(61 * time.Second)
	ok, err = l.Allow(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllowBypassedWhenUnlimited(t *testing.T) {
	l := testLimiter(t, 0, time.Minute)

	for i := 0; i < 10; i++ {
		ok, err := l.Allow(context.Background())
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestConcurrentWorkersShareTheWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := func(context.Context) (int, time.Duration) { return 2, time.Minute }
	a := New(rdb, "w-a", cfg)
	b := New(rdb, "w-b", cfg)
	ctx := context.Background()

	ok, err := a.Allow(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.Allow(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// the limit is global, not per worker
	ok, err = a.Allow(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = b.Allow(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
