// Package redisclient provides the optional read-through cache described in
// SPEC_FULL.md's Design Notes: tenant-key and active-backend lookups may be
// cached with a short TTL to spare Postgres on the hot path. The ledger
// reads that back admission decisions never go through this cache.
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/metergate/gateway/config"
)

// Client wraps a go-redis client with the narrow get/set/invalidate
// surface the gateway's caches need.
type Client struct {
	rdb *redis.Client
}

// New creates a Redis client from cfg.RedisURL. A blank RedisURL is valid
// and yields a disabled Client whose methods are no-ops (caching is an
// operability optimization, not a correctness requirement).
func New(cfg *config.Config) (*Client, error) {
	if cfg.RedisURL == "" {
		return &Client{}, nil
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redisclient: invalid REDIS_URL: %w", err)
	}
	return &Client{rdb: redis.NewClient(opt)}, nil
}

// Enabled reports whether a Redis URL was configured.
func (c *Client) Enabled() bool {
	return c.rdb != nil
}

// Ping checks connectivity; a no-op success when disabled.
func (c *Client) Ping(ctx context.Context) error {
	if c.rdb == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// Get returns the cached string value and whether it was present.
func (c *Client) Get(ctx context.Context, key string) (string, bool) {
	if c.rdb == nil {
		return "", false
	}
	v, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

// Set stores value under key with the given TTL.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if c.rdb == nil {
		return
	}
	_ = c.rdb.Set(ctx, key, value, ttl).Err()
}

// Invalidate deletes key, used after admin writes that change a cached
// tenant key or backend row.
func (c *Client) Invalidate(ctx context.Context, key string) {
	if c.rdb == nil {
		return
	}
	_ = c.rdb.Del(ctx, key).Err()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
