// Package cache is a time-boxed in-memory lookup used to avoid redundant
// calls to slow-changing catalog services. It is not used for
// correctness-critical data — staleness up to one TTL window is acceptable.
package cache

import (
	"sync"
	"time"
)

// Clock supplies the current time. Injected so expiry logic is
// deterministically testable.
type Clock func() time.Time

// Entry holds one cached payload with its creation and absolute expiry time.
type Entry[T any] struct {
	Value     T
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Cache is a TTL map with lazy eviction: a read past expiry deletes the entry
// and reports absence. No background sweep is required for correctness;
// Sweep may be called periodically for memory hygiene.
type Cache[T any] struct {
	mu      sync.Mutex
	clock   Clock
	entries map[string]Entry[T]
}

// New creates a cache using the given clock. A nil clock uses time.Now.
func New[T any](clock Clock) *Cache[T] {
	if clock == nil {
		clock = time.Now
	}
	return &Cache[T]{
		clock:   clock,
		entries: make(map[string]Entry[T]),
	}
}

// Get returns the cached value for key. An entry past its expiry is deleted
// and reported as absent — never returned stale.
func (c *Cache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		var zero T
		return zero, false
	}
	if !c.clock().Before(entry.ExpiresAt) {
		delete(c.entries, key)
		var zero T
		return zero, false
	}
	return entry.Value, true
}

// Set stores value under key for ttl.
func (c *Cache[T]) Set(key string, value T, ttl time.Duration) {
	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = Entry[T]{
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Invalidate removes the given keys. With no arguments it clears everything.
func (c *Cache[T]) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(keys) == 0 {
		c.entries = make(map[string]Entry[T])
		return
	}
	for _, key := range keys {
		delete(c.entries, key)
	}
}

// Sweep drops every expired entry and returns how many were removed.
func (c *Cache[T]) Sweep() int {
	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if !now.Before(entry.ExpiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of entries currently held, including any that have
// expired but not yet been evicted.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
