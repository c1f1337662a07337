package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMultiLevel(t *testing.T) (*MultiLevelCache, *MemoryCache, *miniredis.Miniredis) {
	t.Helper()
	l2, mr := setupTestRedis(t)
	l1 := NewMemoryCache(nil)
	return NewMultiLevelCache(l1, l2, nil), l1, mr
}

func TestMultiLevelCache_WritesBothLevels(t *testing.T) {
	c, l1, mr := setupMultiLevel(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "task:1", "value", 10*time.Minute))

	assert.Equal(t, 1, l1.Len())
	assert.True(t, mr.Exists("cache:task:1"))
}

func TestMultiLevelCache_ReadsThroughToRedisAndBackfills(t *testing.T) {
	c, l1, mr := setupMultiLevel(t)
	ctx := context.Background()

	mr.Set("cache:task:2", `"from-redis"`)

	var got string
	require.NoError(t, c.Get(ctx, "task:2", &got))
	assert.Equal(t, "from-redis", got)
	assert.Equal(t, 1, l1.Len())

	stats := c.metrics.Snapshot()
	assert.Equal(t, int64(1), stats.Hits)
}

func TestMultiLevelCache_MissOnBothLevels(t *testing.T) {
	c, _, _ := setupMultiLevel(t)

	var got string
	err := c.Get(context.Background(), "missing", &got)
	assert.True(t, errors.Is(err, ErrCacheMiss))
	assert.Equal(t, CircuitBreakerClosed, c.breaker.State(), "a miss is not a failure")
}

func TestMultiLevelCache_DeleteAndPattern(t *testing.T) {
	c, l1, mr := setupMultiLevel(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "task:1", 1, time.Minute))
	require.NoError(t, c.Set(ctx, "tasks:page:1:5", 1, time.Minute))
	require.NoError(t, c.Set(ctx, "tasks:page:2:5", 1, time.Minute))

	require.NoError(t, c.Delete(ctx, "task:1"))
	require.NoError(t, c.DeletePattern(ctx, "tasks:page:*"))

	assert.Equal(t, 0, l1.Len())
	assert.Empty(t, mr.Keys())
}

func TestMultiLevelCache_RedisDownDegradesToMiss(t *testing.T) {
	c, _, mr := setupMultiLevel(t)
	mr.Close()

	var got string
	err := c.Get(context.Background(), "task:1", &got)
	assert.True(t, errors.Is(err, ErrCacheMiss))
	assert.Equal(t, int64(1), c.metrics.Snapshot().Errors)
}

func TestMultiLevelCache_WithoutRedis(t *testing.T) {
	c := NewMultiLevelCache(nil, nil, nil)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))

	var got string
	require.NoError(t, c.Get(ctx, "k", &got))
	assert.Equal(t, "v", got)
	assert.NoError(t, c.Health(ctx))
	assert.NoError(t, c.Close())
	assert.NotContains(t, c.Stats(), "l2")
}
