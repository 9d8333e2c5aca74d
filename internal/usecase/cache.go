package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache abstracts the key-value operations used for attempt state and
// verification grants. Misses are reported as redis.Nil by every implementation.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	// Take returns the value and deletes the key in one step.
	Take(ctx context.Context, key string) (string, error)
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a cached value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

// Take atomically reads and deletes a key with GETDEL.
func (c *RedisCache) Take(ctx context.Context, key string) (string, error) {
	return c.client.GetDel(ctx, key).Result()
}

type memoryItem struct {
	value     string
	expiresAt time.Time
}

// MemoryCache is a process-local Cache for single-instance deployments.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]memoryItem), now: time.Now}
}

// Set stores value as a string; zero expiration keeps it forever.
func (c *MemoryCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	item := memoryItem{value: fmt.Sprint(value)}
	if b, ok := value.([]byte); ok {
		item.value = string(b)
	}
	if expiration > 0 {
		item.expiresAt = c.now().Add(expiration)
	}
	c.mu.Lock()
	c.items[key] = item
	c.mu.Unlock()
	return nil
}

// Get returns the value or redis.Nil when absent or expired.
func (c *MemoryCache) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	if !ok {
		return "", redis.Nil
	}
	if !item.expiresAt.IsZero() && c.now().After(item.expiresAt) {
		delete(c.items, key)
		return "", redis.Nil
	}
	return item.value, nil
}

// Take returns the value and removes it; a second Take for the key misses.
func (c *MemoryCache) Take(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	if !ok {
		return "", redis.Nil
	}
	delete(c.items, key)
	if !item.expiresAt.IsZero() && c.now().After(item.expiresAt) {
		return "", redis.Nil
	}
	return item.value, nil
}
