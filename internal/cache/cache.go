// Package cache keeps computed aggregates so repeated queries over the same
// window skip the store scan. Entries are grouped by scope (a location key)
// and a whole scope is dropped when new readings arrive for it.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

type Observer interface {
	CacheHit()
	CacheMiss()
}

// Store is implemented by the in-memory and Redis caches. Readers take the
// scope generation once with Generation and pass it to Get and Set; Set
// drops the value when the scope was invalidated in between.
type Store interface {
	Generation(ctx context.Context, scope string) (uint64, error)
	Get(ctx context.Context, scope string, gen uint64, key string, dst any) (bool, error)
	Set(ctx context.Context, scope string, gen uint64, key string, v any) error
	Invalidate(ctx context.Context, scope string) error
}

type entry[T any] struct {
	val T
	exp time.Time
}

// Cache is a TTL map safe for concurrent use.
type Cache[T any] struct {
	mu  sync.RWMutex
	m   map[string]entry[T]
	ttl time.Duration
	obs Observer
	now func() time.Time
}

func New[T any](ttl time.Duration, obs Observer) *Cache[T] {
	return &Cache[T]{m: make(map[string]entry[T]), ttl: ttl, obs: obs, now: time.Now}
}

func (c *Cache[T]) Get(key string) (T, bool) {
	var zero T
	c.mu.RLock()
	e, ok := c.m[key]
	c.mu.RUnlock()
	if !ok || c.now().After(e.exp) {
		if c.obs != nil {
			c.obs.CacheMiss()
		}
		return zero, false
	}
	if c.obs != nil {
		c.obs.CacheHit()
	}
	return e.val, true
}

func (c *Cache[T]) Set(key string, v T) {
	c.mu.Lock()
	c.m[key] = entry[T]{val: v, exp: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Sweep drops expired entries and returns how many were removed.
func (c *Cache[T]) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.m {
		if now.After(e.exp) {
			delete(c.m, k)
			removed++
		}
	}
	return removed
}

func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

// Memory is a Store over Cache. Values are kept JSON encoded so callers never
// share slices with the cache.
type Memory struct {
	entries *Cache[[]byte]

	mu          sync.Mutex
	generations map[string]uint64
}

func NewMemory(ttl time.Duration, obs Observer) *Memory {
	return &Memory{
		entries:     New[[]byte](ttl, obs),
		generations: make(map[string]uint64),
	}
}

func scopedKey(scope string, gen uint64, key string) string {
	return fmt.Sprintf("%s|%d|%s", scope, gen, key)
}

func (m *Memory) Generation(_ context.Context, scope string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generations[scope], nil
}

func (m *Memory) Get(_ context.Context, scope string, gen uint64, key string, dst any) (bool, error) {
	data, ok := m.entries.Get(scopedKey(scope, gen, key))
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("failed to decode cached value: %w", err)
	}
	return true, nil
}

// Set stores v only while gen is still the current generation of scope.
func (m *Memory) Set(_ context.Context, scope string, gen uint64, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generations[scope] != gen {
		return nil
	}
	m.entries.Set(scopedKey(scope, gen, key), data)
	return nil
}

// Invalidate bumps the scope generation; stale entries age out on Sweep.
func (m *Memory) Invalidate(_ context.Context, scope string) error {
	m.mu.Lock()
	m.generations[scope]++
	m.mu.Unlock()
	m.entries.Sweep()
	return nil
}
