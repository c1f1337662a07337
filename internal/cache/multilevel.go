package cache

import (
	"context"
	"errors"
	"time"
)

type Cache interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, keys ...string) error
	DeletePattern(ctx context.Context, pattern string) error
	Health(ctx context.Context) error
	Stats() map[string]interface{}
	Close() error
}

// MultiLevelCache keeps a short-lived process-local copy in front of Redis.
// Redis errors never fail a read: they count as misses and trip the breaker.
type MultiLevelCache struct {
	l1      *MemoryCache
	l2      *RedisCache
	l1TTL   time.Duration
	breaker *CircuitBreaker
	metrics *CacheMetrics
}

func NewMultiLevelCache(l1 *MemoryCache, l2 *RedisCache, breaker *CircuitBreaker) *MultiLevelCache {
	if l1 == nil {
		l1 = NewMemoryCache(nil)
	}
	if breaker == nil {
		breaker = NewCircuitBreaker(nil, nil)
	}
	return &MultiLevelCache{
		l1:      l1,
		l2:      l2,
		l1TTL:   time.Minute,
		breaker: breaker,
		metrics: NewCacheMetrics(),
	}
}

func (c *MultiLevelCache) l1Expiry(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > c.l1TTL {
		return c.l1TTL
	}
	return ttl
}

func (c *MultiLevelCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := c.l1.Set(ctx, key, value, c.l1Expiry(ttl)); err != nil {
		c.metrics.RecordError()
		return err
	}
	c.metrics.RecordSet()

	if c.l2 == nil {
		return nil
	}
	if err := c.breaker.Execute(func() error { return c.l2.Set(ctx, key, value, ttl) }); err != nil {
		c.metrics.RecordError()
		return err
	}
	return nil
}

func (c *MultiLevelCache) Get(ctx context.Context, key string, dest interface{}) error {
	if err := c.l1.Get(ctx, key, dest); err == nil {
		c.metrics.RecordHit()
		return nil
	}

	if c.l2 == nil {
		c.metrics.RecordMiss()
		return ErrCacheMiss
	}

	missed := false
	err := c.breaker.Execute(func() error {
		err := c.l2.Get(ctx, key, dest)
		if errors.Is(err, ErrCacheMiss) {
			missed = true
			return nil
		}
		return err
	})
	switch {
	case err != nil:
		c.metrics.RecordError()
		c.metrics.RecordMiss()
		return ErrCacheMiss
	case missed:
		c.metrics.RecordMiss()
		return ErrCacheMiss
	}

	c.metrics.RecordHit()
	_ = c.l1.Set(ctx, key, dest, c.l1TTL)
	return nil
}

func (c *MultiLevelCache) Delete(ctx context.Context, keys ...string) error {
	_ = c.l1.Delete(ctx, keys...)
	c.metrics.RecordDelete()

	if c.l2 == nil {
		return nil
	}
	return c.breaker.Execute(func() error { return c.l2.Delete(ctx, keys...) })
}

func (c *MultiLevelCache) DeletePattern(ctx context.Context, pattern string) error {
	if err := c.l1.DeletePattern(ctx, pattern); err != nil {
		return err
	}
	c.metrics.RecordDelete()

	if c.l2 == nil {
		return nil
	}
	return c.breaker.Execute(func() error { return c.l2.DeletePattern(ctx, pattern) })
}

func (c *MultiLevelCache) Health(ctx context.Context) error {
	if c.l2 == nil {
		return nil
	}
	return c.l2.Health(ctx)
}

func (c *MultiLevelCache) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"l1":       c.l1.Stats(),
		"metrics":  c.metrics.Snapshot(),
		"hit_rate": c.metrics.HitRate(),
		"breaker":  c.breaker.Stats(),
	}
	if c.l2 != nil {
		stats["l2"] = c.l2.Stats()
	}
	return stats
}

func (c *MultiLevelCache) Close() error {
	if c.l2 == nil {
		return nil
	}
	return c.l2.Close()
}
