// Package quota provides per-caller admission control using fixed one-minute
// windows aligned to wall-clock minute boundaries.
package quota

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

// Billing plans and their per-minute request limits.
const (
	PlanEnterprise   = "ENTERPRISE"
	PlanSubscription = "SUBSCRIPTION"
	PlanPayAsYouGo   = "PAY_AS_YOU_GO"

	LimitEnterprise int64 = 1000
	LimitPayAsYouGo int64 = 100
	LimitDefault    int64 = 50
)

// PlanLimit returns the per-minute limit of a plan. Unknown or empty plans
// get the default limit.
func PlanLimit(plan string) int64 {
	switch strings.ToUpper(strings.TrimSpace(plan)) {
	case PlanEnterprise, PlanSubscription:
		return LimitEnterprise
	case PlanPayAsYouGo:
		return LimitPayAsYouGo
	default:
		return LimitDefault
	}
}

const shardCount = 64

type counter struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int64
	dead        bool
}

type shard struct {
	mu       sync.RWMutex
	counters map[string]*counter
}

// Tracker counts acquisitions per key. Each key has its own lock; the
// shard lock is only taken to find or create a key's counter.
type Tracker struct {
	window time.Duration
	now    func() time.Time
	shards [shardCount]shard
}

// NewTracker creates a tracker with one-minute windows.
func NewTracker() *Tracker {
	return NewTrackerWithClock(time.Now)
}

// NewTrackerWithClock creates a tracker reading time from now.
func NewTrackerWithClock(now func() time.Time) *Tracker {
	t := &Tracker{window: time.Minute, now: now}
	for i := range t.shards {
		t.shards[i].counters = make(map[string]*counter)
	}
	return t
}

func (t *Tracker) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &t.shards[h.Sum32()%shardCount]
}

func (t *Tracker) counterFor(key string) *counter {
	s := t.shardFor(key)

	s.mu.RLock()
	c, ok := s.counters[key]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.counters[key]; ok {
		return c
	}
	c = &counter{}
	s.counters[key] = c
	return c
}

// TryAcquire counts one request for key and reports whether it is within
// limit for the current minute. The counter resets when the minute advances.
func (t *Tracker) TryAcquire(key string, limit int64) bool {
	for {
		c := t.counterFor(key)
		c.mu.Lock()
		if c.dead {
			// Swept between lookup and lock; retry on the live counter.
			c.mu.Unlock()
			continue
		}
		w := t.now().UTC().Truncate(t.window)
		if !c.windowStart.Equal(w) {
			c.windowStart = w
			c.count = 0
		}
		c.count++
		allowed := c.count <= limit
		c.mu.Unlock()
		return allowed
	}
}

// AllowPlan acquires against the limit of the caller's plan.
func (t *Tracker) AllowPlan(key, plan string) bool {
	return t.TryAcquire(key, PlanLimit(plan))
}

// Count returns the number of acquisitions recorded for key in the current minute.
func (t *Tracker) Count(key string) int64 {
	s := t.shardFor(key)
	s.mu.RLock()
	c, ok := s.counters[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.windowStart.Equal(t.now().UTC().Truncate(t.window)) {
		return 0
	}
	return c.count
}

// Sweep drops counters from windows before now's window and returns how
// many were removed.
func (t *Tracker) Sweep(now time.Time) int {
	current := now.UTC().Truncate(t.window)
	removed := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for key, c := range s.counters {
			c.mu.Lock()
			if c.windowStart.Before(current) {
				c.dead = true
				delete(s.counters, key)
				removed++
			}
			c.mu.Unlock()
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked keys.
func (t *Tracker) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		n += len(s.counters)
		s.mu.RUnlock()
	}
	return n
}
