package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/workspace-broker/internal/domain"
)

// Cache is a thin Redis wrapper for the store client's read cache.
type Cache struct {
	rdb *redis.Client
}

// NewCache connects to Redis at rawURL ("redis://host:port/db").
func NewCache(ctx context.Context, rawURL string) (*Cache, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("op=store.NewCache: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("op=store.NewCache: ping: %w", err)
	}
	return &Cache{rdb: rdb}, nil
}

// NewCacheFromClient wraps an existing Redis client, used in tests.
func NewCacheFromClient(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Get returns the raw value for key, or domain.ErrNotFound on a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("cache key %q: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("op=cache.Get: %w", err)
	}
	return raw, nil
}

// Set stores value under key with the given TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("op=cache.Set: %w", err)
	}
	return nil
}

// Delete removes every key matching a glob pattern, returning the count
// removed. Exact keys are just patterns without wildcards.
func (c *Cache) Delete(ctx context.Context, pattern string) (int64, error) {
	var removed int64
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		n, err := c.rdb.Del(ctx, iter.Val()).Result()
		if err != nil {
			return removed, fmt.Errorf("op=cache.Delete: %w", err)
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("op=cache.Delete: scan: %w", err)
	}
	return removed, nil
}

// Close releases the underlying connection.
func (c *Cache) Close() error { return c.rdb.Close() }
