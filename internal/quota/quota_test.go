package quota

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func TestTryAcquireLimit(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 4, 12, 0, 10, 0, time.UTC)}
	tracker := NewTrackerWithClock(clock.Now)

	const limit = 5
	for i := 1; i <= limit; i++ {
		if !tracker.TryAcquire("psp-1", limit) {
			t.Fatalf("acquire %d should be allowed", i)
		}
	}
	if tracker.TryAcquire("psp-1", limit) {
		t.Fatal("acquire N+1 should be denied")
	}

	// Other keys are independent.
	if !tracker.TryAcquire("psp-2", limit) {
		t.Error("separate key should be allowed")
	}

	// The next minute resets the window and allows N more.
	clock.Set(time.Date(2026, 3, 4, 12, 1, 0, 0, time.UTC))
	if got := tracker.Count("psp-1"); got != 0 {
		t.Errorf("expected count 0 after reset, got %d", got)
	}
	for i := 1; i <= limit; i++ {
		if !tracker.TryAcquire("psp-1", limit) {
			t.Fatalf("acquire %d in new minute should be allowed", i)
		}
	}
	if tracker.TryAcquire("psp-1", limit) {
		t.Error("acquire N+1 in new minute should be denied")
	}
	if got := tracker.Count("psp-1"); got != limit {
		t.Errorf("expected count %d, got %d", limit, got)
	}
}

func TestWindowsAlignToMinuteBoundaries(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 4, 12, 0, 59, 0, time.UTC)}
	tracker := NewTrackerWithClock(clock.Now)

	if !tracker.TryAcquire("k", 1) {
		t.Fatal("first acquire should be allowed")
	}

	// One second later is a new aligned window even though only a second passed.
	clock.Set(time.Date(2026, 3, 4, 12, 1, 0, 0, time.UTC))
	if !tracker.TryAcquire("k", 1) {
		t.Error("boundary burst is accepted: new minute must allow")
	}
	if tracker.TryAcquire("k", 1) {
		t.Error("second acquire in the same minute must be denied")
	}
}

func TestConcurrentAcquireNeverExceedsLimit(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)}
	tracker := NewTrackerWithClock(clock.Now)

	const limit = 100
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tracker.TryAcquire("shared", limit) {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != limit {
		t.Errorf("expected exactly %d allowed, got %d", limit, allowed.Load())
	}
}

func TestPlanLimit(t *testing.T) {
	tests := []struct {
		plan string
		want int64
	}{
		{"ENTERPRISE", 1000},
		{"SUBSCRIPTION", 1000},
		{"pay_as_you_go", 100},
		{"", 50},
		{"FREE", 50},
	}
	for _, tt := range tests {
		t.Run(tt.plan, func(t *testing.T) {
			if got := PlanLimit(tt.plan); got != tt.want {
				t.Errorf("PlanLimit(%q) = %d, want %d", tt.plan, got, tt.want)
			}
		})
	}
}

func TestAllowPlan(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)}
	tracker := NewTrackerWithClock(clock.Now)

	for i := 0; i < 50; i++ {
		if !tracker.AllowPlan("unknown-psp", "") {
			t.Fatalf("request %d should be allowed on default plan", i+1)
		}
	}
	if tracker.AllowPlan("unknown-psp", "") {
		t.Error("request 51 should be denied on default plan")
	}
}

func TestSweep(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)}
	tracker := NewTrackerWithClock(clock.Now)

	tracker.TryAcquire("a", 10)
	tracker.TryAcquire("b", 10)
	clock.Set(time.Date(2026, 3, 4, 12, 1, 5, 0, time.UTC))
	tracker.TryAcquire("c", 10)

	removed := tracker.Sweep(clock.Now())
	if removed != 2 {
		t.Errorf("expected 2 stale counters removed, got %d", removed)
	}
	if tracker.Len() != 1 {
		t.Errorf("expected 1 live counter, got %d", tracker.Len())
	}

	// A swept key starts fresh.
	if !tracker.TryAcquire("a", 1) {
		t.Error("swept key should be allowed again")
	}
}
