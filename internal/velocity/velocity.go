// Package velocity tracks per-entity transaction counts and amounts over
// aligned fixed windows (UTC hours, days and Monday-aligned weeks).
package velocity

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const shardCount = 64

// Aggregates is an entity's state in every tracked window, keyed by window length.
type Aggregates map[time.Duration]domain.CounterWindow

type entityState struct {
	mu      sync.Mutex
	windows map[time.Duration]*windowState
	dead    bool
}

// windowState is one counter plus the transaction ids it has absorbed, so a
// redelivered transaction is not counted twice in the same window.
type windowState struct {
	domain.CounterWindow
	seen map[string]struct{}
}

func (ws *windowState) counted(txID string) bool {
	if txID == "" {
		return false
	}
	_, ok := ws.seen[txID]
	return ok
}

type shard struct {
	mu       sync.RWMutex
	entities map[string]*entityState
}

// Tracker holds velocity counters. All windows of an entity are updated
// under that entity's lock, so readers never observe a partial update.
type Tracker struct {
	windows []time.Duration
	now     func() time.Time
	shards  [shardCount]shard
}

// NewTracker creates a tracker for the given windows. With no windows it
// tracks hour, day and week.
func NewTracker(windows ...time.Duration) *Tracker {
	return NewTrackerWithClock(time.Now, windows...)
}

// NewTrackerWithClock creates a tracker reading time from now.
func NewTrackerWithClock(now func() time.Time, windows ...time.Duration) *Tracker {
	if len(windows) == 0 {
		windows = []time.Duration{domain.WindowHour, domain.WindowDay, domain.WindowWeek}
	}
	uniq := make([]time.Duration, 0, len(windows))
	seen := make(map[time.Duration]bool, len(windows))
	for _, w := range windows {
		if w > 0 && !seen[w] {
			seen[w] = true
			uniq = append(uniq, w)
		}
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i] < uniq[j] })

	t := &Tracker{windows: uniq, now: now}
	for i := range t.shards {
		t.shards[i].entities = make(map[string]*entityState)
	}
	return t
}

// Windows returns the tracked window lengths, shortest first.
func (t *Tracker) Windows() []time.Duration {
	out := make([]time.Duration, len(t.windows))
	copy(out, t.windows)
	return out
}

// Tracks reports whether the tracker maintains a window of length w.
func (t *Tracker) Tracks(w time.Duration) bool {
	for _, tw := range t.windows {
		if tw == w {
			return true
		}
	}
	return false
}

// windowStart aligns ts to its window. Truncation counts from the zero
// time, a Monday, so weekly windows start on Monday 00:00 UTC.
func windowStart(ts time.Time, w time.Duration) time.Time {
	return ts.UTC().Truncate(w)
}

func (t *Tracker) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &t.shards[h.Sum32()%shardCount]
}

func (t *Tracker) stateFor(entityID string, create bool) *entityState {
	s := t.shardFor(entityID)

	s.mu.RLock()
	st, ok := s.entities[entityID]
	s.mu.RUnlock()
	if ok || !create {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.entities[entityID]; ok {
		return st
	}
	st = &entityState{windows: make(map[time.Duration]*windowState, len(t.windows))}
	s.entities[entityID] = st
	return st
}

// Record adds tx to every tracked window of the entity and returns the
// resulting aggregates. A transaction id already counted in a window is not
// added to it again.
func (t *Tracker) Record(entityID string, tx *domain.Transaction) Aggregates {
	now := t.now()
	for {
		st := t.stateFor(entityID, true)
		st.mu.Lock()
		if st.dead {
			st.mu.Unlock()
			continue
		}

		out := make(Aggregates, len(t.windows))
		for _, w := range t.windows {
			start := windowStart(now, w)
			ws, ok := st.windows[w]
			if !ok || !ws.WindowStart.Equal(start) {
				ws = &windowState{
					CounterWindow: domain.CounterWindow{Key: entityID, WindowStart: start},
					seen:          make(map[string]struct{}),
				}
				st.windows[w] = ws
			}
			if !ws.counted(tx.ID) {
				ws.Count++
				ws.AmountCents += tx.AmountCents
				if tx.ID != "" {
					ws.seen[tx.ID] = struct{}{}
				}
			}
			out[w] = ws.CounterWindow
		}
		st.mu.Unlock()
		return out
	}
}

// Project returns the aggregates the entity would have if tx were recorded
// now, without changing any counter.
func (t *Tracker) Project(entityID string, tx *domain.Transaction) Aggregates {
	now := t.now()
	out := make(Aggregates, len(t.windows))

	st := t.stateFor(entityID, false)
	if st != nil {
		st.mu.Lock()
		defer st.mu.Unlock()
	}
	for _, w := range t.windows {
		start := windowStart(now, w)
		cw := domain.CounterWindow{Key: entityID, WindowStart: start}
		counted := false
		if st != nil {
			if ws, ok := st.windows[w]; ok && ws.WindowStart.Equal(start) {
				cw = ws.CounterWindow
				counted = ws.counted(tx.ID)
			}
		}
		if !counted {
			cw.Count++
			cw.AmountCents += tx.AmountCents
		}
		out[w] = cw
	}
	return out
}

// Current returns the entity's aggregate in the current window of length w.
// A window that has rolled over reads as empty.
func (t *Tracker) Current(entityID string, w time.Duration) domain.CounterWindow {
	start := windowStart(t.now(), w)
	empty := domain.CounterWindow{Key: entityID, WindowStart: start}

	st := t.stateFor(entityID, false)
	if st == nil {
		return empty
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	ws, ok := st.windows[w]
	if !ok || !ws.WindowStart.Equal(start) {
		return empty
	}
	return ws.CounterWindow
}

// Evaluate compares the entity's current aggregate against rule and returns
// the breach when a threshold is exceeded.
func (t *Tracker) Evaluate(entityID string, rule *domain.VelocityRule) (domain.VelocityBreach, bool) {
	if rule == nil || !t.Tracks(rule.Window) {
		return domain.VelocityBreach{}, false
	}
	return Breach(rule, t.Current(entityID, rule.Window))
}

// Breach checks cw against rule's thresholds. A zero threshold is disabled.
func Breach(rule *domain.VelocityRule, cw domain.CounterWindow) (domain.VelocityBreach, bool) {
	if rule == nil {
		return domain.VelocityBreach{}, false
	}
	exceeded := (rule.MaxCount > 0 && cw.Count > rule.MaxCount) ||
		(rule.MaxAmountCents > 0 && cw.AmountCents > rule.MaxAmountCents)
	if !exceeded {
		return domain.VelocityBreach{}, false
	}
	return domain.VelocityBreach{
		Rule:        rule.Name,
		Window:      rule.Window,
		Count:       cw.Count,
		AmountCents: cw.AmountCents,
		RiskLevel:   rule.RiskLevel,
	}, true
}

// Check reports whether the entity's current window exceeds rule.
func (t *Tracker) Check(entityID string, rule *domain.VelocityRule) bool {
	_, breached := t.Evaluate(entityID, rule)
	return breached
}

// Sweep removes entities whose windows have all rolled over and returns
// how many were removed.
func (t *Tracker) Sweep(now time.Time) int {
	removed := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for id, st := range s.entities {
			st.mu.Lock()
			stale := true
			for w, ws := range st.windows {
				if ws.WindowStart.Equal(windowStart(now, w)) {
					stale = false
					break
				}
			}
			if stale {
				st.dead = true
				delete(s.entities, id)
				removed++
			}
			st.mu.Unlock()
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked entities.
func (t *Tracker) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		n += len(s.entities)
		s.mu.RUnlock()
	}
	return n
}
