package progress

import "testing"

func TestBreaker_NoProgressTripsHalfOpenThenOpen(t *testing.T) {
	b := NewBreaker()

	_, changed := b.Observe(1, StatusBlock{Status: StatusInProgress})
	if changed {
		t.Fatal("first no-progress loop should not change state")
	}
	st, changed := b.Observe(2, StatusBlock{Status: StatusInProgress})
	if !changed || st.State != HalfOpen {
		t.Fatalf("expected HALF_OPEN after 2 no-progress loops, got %s", st.State)
	}
	st, changed = b.Observe(3, StatusBlock{Status: StatusInProgress})
	if !changed || st.State != Open {
		t.Fatalf("expected OPEN after 3 no-progress loops, got %s", st.State)
	}
	if st.ReasonCode != "no_progress_open" {
		t.Fatalf("expected reason code no_progress_open, got %q", st.ReasonCode)
	}
}

func TestBreaker_ProgressResetsAndClosesHalfOpen(t *testing.T) {
	b := NewBreaker()
	b.Observe(1, StatusBlock{Status: StatusInProgress})
	st, _ := b.Observe(2, StatusBlock{Status: StatusInProgress})
	if st.State != HalfOpen {
		t.Fatalf("expected HALF_OPEN, got %s", st.State)
	}
	st, changed := b.Observe(3, StatusBlock{Status: StatusInProgress, FilesModified: 1})
	if !changed || st.State != Closed {
		t.Fatalf("expected progress to close the breaker, got %s", st.State)
	}
	if st.ConsecutiveNoProgress != 0 {
		t.Fatalf("expected no-progress streak reset, got %d", st.ConsecutiveNoProgress)
	}
}

func TestBreaker_BlockedStatusTripsOpenImmediately(t *testing.T) {
	b := NewBreaker()
	st, changed := b.Observe(1, StatusBlock{Status: StatusBlocked})
	if !changed || st.State != Open || st.ReasonCode != "same_error_repeated" {
		t.Fatalf("expected immediate OPEN on blocked status, got %+v", st)
	}
}

func TestBreaker_TestsFailingFiveTimesOpens(t *testing.T) {
	b := NewBreaker()
	for i := 1; i <= 4; i++ {
		st, _ := b.Observe(i, StatusBlock{Status: StatusInProgress, FilesModified: 1, TestsStatus: TestsFailing})
		if st.State == Open {
			t.Fatalf("breaker opened too early at iteration %d", i)
		}
	}
	st, changed := b.Observe(5, StatusBlock{Status: StatusInProgress, FilesModified: 1, TestsStatus: TestsFailing})
	if !changed || st.State != Open || st.ReasonCode != "tests_failing_too_long" {
		t.Fatalf("expected OPEN after 5 consecutive test failures, got %+v", st)
	}
}

func TestBreaker_OpenIsMonotonicUntilReset(t *testing.T) {
	b := NewBreaker()
	b.Observe(1, StatusBlock{Status: StatusBlocked})
	if !b.IsOpen() {
		t.Fatal("expected breaker to be open")
	}
	b.Observe(2, StatusBlock{Status: StatusInProgress, FilesModified: 5})
	if !b.IsOpen() {
		t.Fatal("progress alone must not close an OPEN breaker")
	}
	b.Reset()
	if b.IsOpen() {
		t.Fatal("expected explicit Reset to close the breaker")
	}
}

func TestExitGate_RequiresTwoIndicators(t *testing.T) {
	g := &ExitGate{}
	if g.Evaluate(true, 1) {
		t.Fatal("should not fire with only 1 completion indicator")
	}
	if !g.Evaluate(true, 2) {
		t.Fatal("should fire once exitSignal and 2 indicators are present")
	}
	if g.Evaluate(true, 5) {
		t.Fatal("exit gate must fire at most once")
	}
}
