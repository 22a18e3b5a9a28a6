// Package cache provides the Redis-backed balance cache. The cache is a pure
// performance optimization: every method is best effort, and callers fall
// back to the durable store when it misbehaves.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// Config holds Redis connection settings for the balance cache.
type Config struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
}

// RedisBalanceCache stores per-user balances under credits:<userID> with a
// per-entry TTL bounding staleness.
type RedisBalanceCache struct {
	client *redis.Client
}

// NewRedisBalanceCache connects to Redis and verifies the connection.
func NewRedisBalanceCache(cfg Config) (*RedisBalanceCache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB > 0 {
		opts.DB = cfg.DB
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisBalanceCache{client: client}, nil
}

// NewRedisBalanceCacheFromClient wraps an existing client (tests, shared pools).
func NewRedisBalanceCacheFromClient(client *redis.Client) *RedisBalanceCache {
	return &RedisBalanceCache{client: client}
}

func balanceKey(userID string) string {
	return "credits:" + userID
}

// Get returns the cached balance. ok is false on miss; err is non-nil only
// for transport failures, which callers treat the same as a miss.
func (c *RedisBalanceCache) Get(ctx context.Context, userID string) (int64, bool, error) {
	val, err := c.client.Get(ctx, balanceKey(userID)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis get failed: %w", err)
	}
	balance, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		// Corrupt entry: drop it and report a miss.
		c.client.Del(ctx, balanceKey(userID))
		return 0, false, nil
	}
	return balance, true, nil
}

// Set stores the balance with the given TTL.
func (c *RedisBalanceCache) Set(ctx context.Context, userID string, balance int64, ttl time.Duration) error {
	return c.client.Set(ctx, balanceKey(userID), strconv.FormatInt(balance, 10), ttl).Err()
}

// Invalidate removes the cached balance.
func (c *RedisBalanceCache) Invalidate(ctx context.Context, userID string) error {
	return c.client.Del(ctx, balanceKey(userID)).Err()
}

// Ping checks Redis connectivity.
func (c *RedisBalanceCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Client returns the underlying Redis client for health checks and shared use.
func (c *RedisBalanceCache) Client() *redis.Client {
	return c.client
}

// Close closes the Redis connection.
func (c *RedisBalanceCache) Close() error {
	return c.client.Close()
}

// Noop is a balance cache that never holds anything. Used when the service
// runs without Redis; every read degrades to the store.
type Noop struct{}

func (Noop) Get(ctx context.Context, userID string) (int64, bool, error) { return 0, false, nil }
func (Noop) Set(ctx context.Context, userID string, balance int64, ttl time.Duration) error {
	return nil
}
func (Noop) Invalidate(ctx context.Context, userID string) error { return nil }
