package timerwheel

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type firing struct {
	timer   Timer
	overdue bool
}

type collector struct {
	mu      sync.Mutex
	firings []firing
}

func (c *collector) handler(_ context.Context, t Timer, overdue bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.firings = append(c.firings, firing{timer: t, overdue: overdue})
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.firings)
}

func (c *collector) waitFor(t *testing.T, n int, within time.Duration) []firing {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.firings) >= n {
			out := append([]firing(nil), c.firings...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d firings, got %d", n, c.count())
	return nil
}

func startWheel(t *testing.T, store Store, c *collector) *Wheel {
	t.Helper()
	w := New(store, c.handler, zerolog.Nop(), WithWorkers(2))
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(w.Stop)
	return w
}

func TestArmAndFire(t *testing.T) {
	store := NewMemStore()
	c := &collector{}
	w := startWheel(t, store, c)

	err := w.Arm(context.Background(), Timer{
		Key:    "ep1/blood-culture",
		Kind:   "element-deadline",
		FireAt: time.Now().Add(20 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("Arm failed: %v", err)
	}

	firings := c.waitFor(t, 1, 2*time.Second)
	if firings[0].timer.Key != "ep1/blood-culture" {
		t.Errorf("fired key = %q", firings[0].timer.Key)
	}
	if firings[0].overdue {
		t.Error("live firing should not be flagged overdue")
	}
	// The persisted row is consumed by the firing.
	if store.Len() != 0 {
		t.Errorf("store has %d timers after fire, want 0", store.Len())
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	store := NewMemStore()
	c := &collector{}
	w := startWheel(t, store, c)

	ctx := context.Background()
	if err := w.Arm(ctx, Timer{Key: "k1", Kind: "x", FireAt: time.Now().Add(50 * time.Millisecond)}); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}
	if err := w.Cancel(ctx, "k1"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if c.count() != 0 {
		t.Errorf("cancelled timer fired %d times", c.count())
	}
	if store.Len() != 0 {
		t.Errorf("store has %d timers after cancel", store.Len())
	}
}

func TestRearmReplacesDeadline(t *testing.T) {
	store := NewMemStore()
	c := &collector{}
	w := startWheel(t, store, c)

	ctx := context.Background()
	if err := w.Arm(ctx, Timer{Key: "k1", Kind: "x", FireAt: time.Now().Add(10 * time.Minute)}); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}
	if err := w.Arm(ctx, Timer{Key: "k1", Kind: "x", FireAt: time.Now().Add(20 * time.Millisecond)}); err != nil {
		t.Fatalf("re-Arm failed: %v", err)
	}

	firings := c.waitFor(t, 1, 2*time.Second)
	if len(firings) != 1 {
		t.Fatalf("got %d firings, want 1", len(firings))
	}

	time.Sleep(50 * time.Millisecond)
	if c.count() != 1 {
		t.Errorf("replaced timer fired %d times, want exactly 1", c.count())
	}
}

func TestRestartFiresOverdueAndRearmsRest(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	// Simulate a crash with 5 persisted timers, 3 already overdue.
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	for _, tm := range []Timer{
		{Key: "over1", Kind: "element-deadline", FireAt: past},
		{Key: "over2", Kind: "element-deadline", FireAt: past.Add(time.Minute)},
		{Key: "over3", Kind: "escalation", FireAt: past.Add(2 * time.Minute)},
		{Key: "later1", Kind: "element-deadline", FireAt: future},
		{Key: "later2", Kind: "escalation", FireAt: future},
	} {
		if err := store.Save(ctx, tm); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}

	c := &collector{}
	startWheel(t, store, c)

	firings := c.waitFor(t, 3, 2*time.Second)
	fired := make(map[string]bool)
	for _, f := range firings {
		if !f.overdue {
			t.Errorf("startup firing of %s not flagged overdue", f.timer.Key)
		}
		if fired[f.timer.Key] {
			t.Errorf("timer %s fired twice", f.timer.Key)
		}
		fired[f.timer.Key] = true
	}
	for _, k := range []string{"over1", "over2", "over3"} {
		if !fired[k] {
			t.Errorf("overdue timer %s did not fire", k)
		}
	}

	time.Sleep(50 * time.Millisecond)
	if c.count() != 3 {
		t.Errorf("%d firings, want exactly 3 (future timers must stay armed)", c.count())
	}
	if store.Len() != 2 {
		t.Errorf("store has %d timers, want the 2 future ones", store.Len())
	}
}

func TestStartDrainsBacklogLargerThanWorkBuffer(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	// A long outage leaves more overdue timers than the work channel buffers.
	past := time.Now().Add(-time.Hour)
	const backlog = 300
	for i := 0; i < backlog; i++ {
		tm := Timer{Key: fmt.Sprintf("backlog-%03d", i), Kind: "element-deadline", FireAt: past}
		if err := store.Save(ctx, tm); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}

	c := &collector{}
	w := New(store, c.handler, zerolog.Nop(), WithWorkers(2))
	startErr := make(chan error, 1)
	go func() { startErr <- w.Start(ctx) }()
	select {
	case err := <-startErr:
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start blocked on the startup backlog")
	}
	t.Cleanup(w.Stop)

	firings := c.waitFor(t, backlog, 10*time.Second)
	for _, f := range firings {
		if !f.overdue {
			t.Fatalf("startup firing of %s not flagged overdue", f.timer.Key)
		}
	}
	if store.Len() != 0 {
		t.Errorf("store has %d timers after the backlog drained, want 0", store.Len())
	}
}

func TestHandlerPanicDoesNotKillWorkers(t *testing.T) {
	store := NewMemStore()
	var mu sync.Mutex
	var seen []string
	handler := func(_ context.Context, tm Timer, _ bool) {
		mu.Lock()
		seen = append(seen, tm.Key)
		mu.Unlock()
		if tm.Key == "boom" {
			panic("detonated")
		}
	}

	w := New(store, handler, zerolog.Nop(), WithWorkers(1))
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	ctx := context.Background()
	if err := w.Arm(ctx, Timer{Key: "boom", Kind: "x", FireAt: time.Now().Add(10 * time.Millisecond)}); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}
	if err := w.Arm(ctx, Timer{Key: "after", Kind: "x", FireAt: time.Now().Add(30 * time.Millisecond)}); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n >= 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("worker died after panic; saw %v", seen)
}
