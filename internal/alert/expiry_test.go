package alert

import (
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestExpiryFiresOnceAfterTTL(t *testing.T) {
	t.Parallel()

	var fired atomic.Int32
	c := newExpiryCoordinator(30*time.Millisecond, func(chatID int64, topicID int, _ time.Time) {
		if chatID != 1 || topicID != 10 {
			t.Errorf("fired for (%d,%d)", chatID, topicID)
		}
		fired.Add(1)
	})
	defer c.Stop()

	c.Reschedule(1, 10, time.Now())
	waitFor(t, time.Second, func() bool { return fired.Load() == 1 })

	time.Sleep(60 * time.Millisecond)
	if n := fired.Load(); n != 1 {
		t.Fatalf("fired %d times, want 1", n)
	}
	if c.pendingCount() != 0 {
		t.Fatal("timer still pending after fire")
	}
}

func TestExpiryRescheduleSupersedes(t *testing.T) {
	t.Parallel()

	var fired atomic.Int32
	c := newExpiryCoordinator(40*time.Millisecond, func(int64, int, time.Time) {
		fired.Add(1)
	})
	defer c.Stop()

	// Repeated retriggers must collapse into a single eventual callback.
	for i := 0; i < 5; i++ {
		c.Reschedule(1, 10, time.Now())
		time.Sleep(10 * time.Millisecond)
	}
	if c.pendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", c.pendingCount())
	}

	waitFor(t, time.Second, func() bool { return fired.Load() == 1 })
	time.Sleep(80 * time.Millisecond)
	if n := fired.Load(); n != 1 {
		t.Fatalf("fired %d times, want 1", n)
	}
}

func TestExpiryCancel(t *testing.T) {
	t.Parallel()

	var fired atomic.Int32
	c := newExpiryCoordinator(30*time.Millisecond, func(int64, int, time.Time) {
		fired.Add(1)
	})
	defer c.Stop()

	c.Reschedule(1, 10, time.Now())
	c.Cancel(1, 10)
	c.Cancel(1, 10) // idempotent

	time.Sleep(80 * time.Millisecond)
	if n := fired.Load(); n != 0 {
		t.Fatalf("fired %d times after cancel", n)
	}
	if c.pendingCount() != 0 {
		t.Fatal("timer still pending after cancel")
	}
}

func TestExpiryStopCancelsAll(t *testing.T) {
	t.Parallel()

	var fired atomic.Int32
	c := newExpiryCoordinator(30*time.Millisecond, func(int64, int, time.Time) {
		fired.Add(1)
	})

	c.Reschedule(1, 10, time.Now())
	c.Reschedule(1, 20, time.Now())
	c.Reschedule(2, 10, time.Now())
	c.Stop()

	time.Sleep(80 * time.Millisecond)
	if n := fired.Load(); n != 0 {
		t.Fatalf("fired %d times after stop", n)
	}
}
