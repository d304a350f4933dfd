// Package cache stores encoded reference data for a limited time. Entries are
// tagged by the caller with the current epoch; bumping the epoch makes every
// older entry unreachable without having to enumerate it.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chambrid/storylink/pkg/config"
)

// Cache is a byte-oriented TTL store with a monotonically increasing epoch
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Epoch returns the current epoch; BumpEpoch increments and returns it
	Epoch(ctx context.Context) (int64, error)
	BumpEpoch(ctx context.Context) (int64, error)

	Close() error
}

// New builds the cache backend selected by the configuration
func New(ctx context.Context, cfg *config.Config) (Cache, error) {
	switch cfg.CacheBackend {
	case config.CacheBackendRedis:
		return NewRedisCache(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	case config.CacheBackendMemory, "":
		return NewMemoryCache(), nil
	default:
		return nil, &CacheError{Type: "config_error", Message: fmt.Sprintf("unknown cache backend %q", cfg.CacheBackend)}
	}
}

// EpochKey combines a key with an epoch
func EpochKey(key string, epoch int64) string {
	return fmt.Sprintf("%s:%d", key, epoch)
}

// GetJSON reads and decodes a JSON value
func GetJSON(ctx context.Context, c Cache, key string, dest any) (bool, error) {
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, &CacheError{Type: "decode_error", Message: "failed to decode cached value", Err: err, Key: key}
	}
	return true, nil
}

// SetJSON encodes and stores a JSON value
func SetJSON(ctx context.Context, c Cache, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return &CacheError{Type: "encode_error", Message: "failed to encode value", Err: err, Key: key}
	}
	return c.Set(ctx, key, raw, ttl)
}

// CacheError represents a cache backend failure
type CacheError struct {
	Type    string
	Message string
	Err     error
	Key     string
}

func (e *CacheError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("cache error (%s) for %s: %s", e.Type, e.Key, e.Message)
	}
	return fmt.Sprintf("cache error (%s): %s", e.Type, e.Message)
}

func (e *CacheError) Unwrap() error {
	return e.Err
}
