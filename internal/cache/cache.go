// Package cache provides a small TTL cache with in-flight de-duplication.
package cache

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a keyed cache whose entries expire after a per-entry duration.
// Concurrent loads of the same key share one call.
type TTL[V any] struct {
	name string

	mu      sync.Mutex
	entries map[string]entry[V]
	gen     map[string]uint64
	epoch   uint64

	group singleflight.Group
	now   func() time.Time
}

// New creates an empty cache. The name is used in debug logs.
func New[V any](name string) *TTL[V] {
	return &TTL[V]{
		name:    name,
		entries: make(map[string]entry[V]),
		gen:     make(map[string]uint64),
		now:     time.Now,
	}
}

// Get returns the cached value for key if present and not expired.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put stores value under key. A non-positive ttl keeps the entry until it is
// invalidated.
func (c *TTL[V]) Put(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value, ttl)
}

func (c *TTL[V]) putLocked(key string, value V, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}
	c.entries[key] = entry[V]{value: value, expiresAt: expiresAt}
}

// Invalidate drops key. A load already in flight for key will not
// repopulate it and later callers start a fresh load.
func (c *TTL[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.gen[key]++
}

// InvalidateAll drops every entry, including loads still in flight.
func (c *TTL[V]) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry[V])
	c.epoch++
}

// Len returns the number of stored entries, including expired ones not yet
// evicted.
func (c *TTL[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// GetOrLoad returns the cached value for key or runs load once for all
// concurrent callers. The shared load is not cancelled when a single caller
// gives up; each caller still returns as soon as its own ctx is done.
// Failed loads are not cached. Callers arriving after an invalidation never
// join a load that started before it.
func (c *TTL[V]) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		slog.Debug("Cache hit", "cache", c.name, "key", key)
		return v, nil
	}

	c.mu.Lock()
	gen, epoch := c.gen[key], c.epoch
	c.mu.Unlock()
	flight := key + "#" + strconv.FormatUint(gen, 10) + "." + strconv.FormatUint(epoch, 10)

	ch := c.group.DoChan(flight, func() (any, error) {
		v, err := load(context.WithoutCancel(ctx))
		if err != nil {
			return v, err
		}

		c.mu.Lock()
		if c.gen[key] == gen && c.epoch == epoch {
			c.putLocked(key, v, ttl)
		}
		c.mu.Unlock()
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}
