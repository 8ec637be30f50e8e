package respawn

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimerSet_ArmFiresAfterDelay(t *testing.T) {
	ts := newTimerSet()
	var fired int32
	ts.Arm("a", 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("expected timer to fire once, got %d", fired)
	}
}

func TestTimerSet_RearmingReplacesPreviousTimer(t *testing.T) {
	ts := newTimerSet()
	var fired int32
	ts.Arm("a", 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	ts.Arm("a", time.Hour, func() { atomic.AddInt32(&fired, 1) })

	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatalf("expected the first timer to be cancelled by rearming, got %d fires", fired)
	}
}

func TestTimerSet_CancelStopsNamedTimer(t *testing.T) {
	ts := newTimerSet()
	var fired int32
	ts.Arm("a", 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	ts.Cancel("a")

	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatal("expected cancelled timer not to fire")
	}
}

func TestTimerSet_CancelAllStopsEveryTimer(t *testing.T) {
	ts := newTimerSet()
	var fired int32
	ts.Arm("a", 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	ts.Arm("b", 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	ts.CancelAll()

	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatalf("expected CancelAll to stop every pending timer, got %d fires", fired)
	}
}

func TestTimerSet_CancelAllExceptSparesNamed(t *testing.T) {
	ts := newTimerSet()
	var spared, doomed int32
	ts.Arm("duration_cap", 20*time.Millisecond, func() { atomic.AddInt32(&spared, 1) })
	ts.Arm("confirm_idle", 20*time.Millisecond, func() { atomic.AddInt32(&doomed, 1) })
	ts.CancelAllExcept("duration_cap")

	time.Sleep(80 * time.Millisecond)
	if atomic.LoadInt32(&spared) != 1 {
		t.Fatal("expected the spared timer to still fire")
	}
	if atomic.LoadInt32(&doomed) != 0 {
		t.Fatal("expected the unspared timer to have been cancelled")
	}
}
