package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "storylink:"
	epochKey           = "deps:epoch"
)

// RedisOptions configures a RedisCache
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisCache shares cached reference data between processes
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache connects to redis and verifies the connection
func NewRedisCache(ctx context.Context, opts RedisOptions) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, &CacheError{Type: "connection_error", Message: fmt.Sprintf("failed to ping redis at %s", opts.Addr), Err: err}
	}
	return NewRedisCacheWithClient(client, opts.Prefix), nil
}

// NewRedisCacheWithClient wraps an existing client
func NewRedisCacheWithClient(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisCache{client: client, prefix: prefix}
}

// Get retrieves a value; missing or expired keys report false
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &CacheError{Type: "backend_error", Message: "redis GET failed", Err: err, Key: key}
	}
	return val, true, nil
}

// Set stores a value with the given TTL. A non-positive TTL stores nothing.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		return &CacheError{Type: "backend_error", Message: "redis SET failed", Err: err, Key: key}
	}
	return nil
}

// Delete removes a key
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return &CacheError{Type: "backend_error", Message: "redis DEL failed", Err: err, Key: key}
	}
	return nil
}

// Epoch returns the shared epoch, 0 when it was never bumped
func (c *RedisCache) Epoch(ctx context.Context) (int64, error) {
	v, err := c.client.Get(ctx, c.prefix+epochKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, &CacheError{Type: "backend_error", Message: "redis GET epoch failed", Err: err, Key: epochKey}
	}
	return v, nil
}

// BumpEpoch atomically increments the shared epoch. Entries tagged with older
// epochs are left to expire on their own TTL.
func (c *RedisCache) BumpEpoch(ctx context.Context) (int64, error) {
	v, err := c.client.Incr(ctx, c.prefix+epochKey).Result()
	if err != nil {
		return 0, &CacheError{Type: "backend_error", Message: "redis INCR epoch failed", Err: err, Key: epochKey}
	}
	return v, nil
}

// Close closes the redis client
func (c *RedisCache) Close() error {
	return c.client.Close()
}
