// Package cache provides the lookup caches used by Kestrel's collaborators:
// a local LRU, Redis, and a two-phase combination of both.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const defaultLRUSize = 10000

// LRUCache is an in-process cache bounded by entry count. Entries carry an
// optional deadline; a non-positive TTL never expires. Stored values are
// copied on the way in and out.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	index    map[string]*list.Element
	recency  *list.List // front is most recently used
	now      func() time.Time

	hits   int64
	misses int64
}

type lruEntry struct {
	key      string
	value    []byte
	deadline time.Time
}

func (e *lruEntry) expired(at time.Time) bool {
	return !e.deadline.IsZero() && at.After(e.deadline)
}

// NewLRUCache returns an empty cache holding at most capacity entries.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = defaultLRUSize
	}
	c := &LRUCache{capacity: capacity, now: time.Now}
	c.reset()
	return c
}

func (c *LRUCache) reset() {
	c.index = make(map[string]*list.Element)
	c.recency = list.New()
}

// Get returns a copy of the cached value, or nil, nil on a miss.
func (c *LRUCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if ok && el.Value.(*lruEntry).expired(c.now()) {
		c.unlink(el)
		ok = false
	}
	if !ok {
		c.misses++
		return nil, nil
	}

	c.hits++
	c.recency.MoveToFront(el)
	return clone(el.Value.(*lruEntry).value), nil
}

// Set inserts or replaces key, evicting the least recently used entries
// once the cache is over capacity.
func (c *LRUCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var deadline time.Time
	if ttl > 0 {
		deadline = c.now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		e := el.Value.(*lruEntry)
		e.value, e.deadline = clone(value), deadline
		c.recency.MoveToFront(el)
		return nil
	}

	c.index[key] = c.recency.PushFront(&lruEntry{key: key, value: clone(value), deadline: deadline})
	for c.recency.Len() > c.capacity {
		c.unlink(c.recency.Back())
	}
	return nil
}

// Delete drops key if present.
func (c *LRUCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.unlink(el)
	}
	return nil
}

// Purge removes every expired entry and reports how many were dropped.
func (c *LRUCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	at := c.now()
	dropped := 0
	for el := c.recency.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*lruEntry).expired(at) {
			c.unlink(el)
			dropped++
		}
		el = prev
	}
	return dropped
}

// Ping always succeeds.
func (c *LRUCache) Ping(context.Context) error { return nil }

// Close discards all entries. The cache stays usable.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	return nil
}

// Stats returns size, capacity and hit/miss counts.
func (c *LRUCache) Stats() (size, capacity int, hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Len(), c.capacity, c.hits, c.misses
}

func (c *LRUCache) unlink(el *list.Element) {
	c.recency.Remove(el)
	delete(c.index, el.Value.(*lruEntry).key)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
