package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// entry holds a cached value with expiration
type entry struct {
	value      []byte
	expiration time.Time
}

// MemoryCache is a thread-safe in-process cache with TTL
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]entry
	epoch atomic.Int64
	now   func() time.Time
}

// NewMemoryCache creates an empty cache at epoch 0
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		items: make(map[string]entry),
		now:   time.Now,
	}
}

// Get retrieves a value if it exists and hasn't expired
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expiration) {
		c.mu.Lock()
		// re-check under the write lock, a concurrent Set may have refreshed it
		if cur, still := c.items[key]; still && !c.now().Before(cur.expiration) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return nil, false, nil
	}

	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

// Set stores a value with the given TTL. A non-positive TTL stores nothing.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	stored := make([]byte, len(value))
	copy(stored, value)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = entry{value: stored, expiration: c.now().Add(ttl)}
	return nil
}

// Delete removes a key
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

// Epoch returns the current epoch
func (c *MemoryCache) Epoch(context.Context) (int64, error) {
	return c.epoch.Load(), nil
}

// BumpEpoch increments the epoch and drops every stored entry
func (c *MemoryCache) BumpEpoch(context.Context) (int64, error) {
	next := c.epoch.Add(1)

	c.mu.Lock()
	c.items = make(map[string]entry)
	c.mu.Unlock()

	return next, nil
}

// Len returns the number of stored entries, expired or not
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close implements Cache
func (c *MemoryCache) Close() error {
	return nil
}
