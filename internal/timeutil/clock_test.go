package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	if d := clock.Since(past); d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestRealClock_NewTicker(t *testing.T) {
	clock := RealClock{}
	ticker := clock.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
	case <-time.After(500 * time.Millisecond):
		t.Error("ticker did not fire")
	}
}

func TestMockClock_AdvanceFiresAfter(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	ch := clock.After(5 * time.Second)
	if clock.PendingWaiters() != 1 {
		t.Fatalf("expected 1 pending waiter, got %d", clock.PendingWaiters())
	}

	clock.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired early")
	default:
	}

	clock.Advance(time.Second)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(5 * time.Second)) {
			t.Errorf("After delivered %v", got)
		}
	default:
		t.Fatal("After did not fire at deadline")
	}
	if clock.PendingWaiters() != 0 {
		t.Errorf("expected no pending waiters, got %d", clock.PendingWaiters())
	}
}

func TestMockClock_SleepRecordsWithoutAdvancing(t *testing.T) {
	start := time.Unix(1000, 0)
	clock := NewMockClock(start)

	clock.Sleep(20 * time.Millisecond)
	clock.Sleep(30 * time.Millisecond)

	if !clock.Now().Equal(start) {
		t.Errorf("Now() moved to %v without AutoAdvance", clock.Now())
	}
	sleeps := clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 20*time.Millisecond || sleeps[1] != 30*time.Millisecond {
		t.Errorf("Sleeps() = %v", sleeps)
	}
}

func TestMockClock_AutoAdvance(t *testing.T) {
	start := time.Unix(1000, 0)
	clock := NewAutoAdvanceClock(start)

	clock.Sleep(20 * time.Millisecond)
	if got := clock.Since(start); got != 20*time.Millisecond {
		t.Errorf("Since(start) = %v after auto-advanced sleep", got)
	}
}

func TestMockTicker(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	ticker := clock.NewTicker(time.Second)

	clock.Advance(time.Second)
	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not fire after interval")
	}

	ticker.Stop()
	clock.Advance(time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}
