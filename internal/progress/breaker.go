package progress

import (
	"sync"
	"time"
)

// BreakerState mirrors the classic circuit-breaker vocabulary: CLOSED
// means the agent is making progress, HALF_OPEN means progress has
// stalled but it still gets a chance to recover, OPEN means the
// respawn controller must stop and escalate.
type BreakerState string

const (
	Closed   BreakerState = "CLOSED"
	HalfOpen BreakerState = "HALF_OPEN"
	Open     BreakerState = "OPEN"
)

// Breaker tracks consecutive no-progress/same-error/test-failure
// streaks across a Session's status blocks and trips according to the
// thresholds an agent-racer-style supervisor uses to decide an agent
// has stopped making headway. State is monotonic once OPEN: only an
// explicit Reset returns it to CLOSED. Observed progress closes a
// HALF_OPEN breaker but leaves an OPEN one open.
type Breaker struct {
	mu sync.Mutex

	state                   BreakerState
	consecutiveNoProgress   int
	consecutiveSameError    int
	consecutiveTestsFailure int
	lastProgressIteration   int
	reason                  string
	reasonCode              string
	lastTransitionAt        time.Time
}

func NewBreaker() *Breaker {
	return &Breaker{state: Closed, lastTransitionAt: time.Now()}
}

// Status is an immutable snapshot for API/event-bus consumption.
type Status struct {
	State                   BreakerState
	ConsecutiveNoProgress   int
	ConsecutiveSameError    int
	ConsecutiveTestsFailure int
	LastProgressIteration   int
	Reason                  string
	ReasonCode              string
	LastTransitionAt        time.Time
}

func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		State:                   b.state,
		ConsecutiveNoProgress:   b.consecutiveNoProgress,
		ConsecutiveSameError:    b.consecutiveSameError,
		ConsecutiveTestsFailure: b.consecutiveTestsFailure,
		LastProgressIteration:   b.lastProgressIteration,
		Reason:                  b.reason,
		ReasonCode:              b.reasonCode,
		LastTransitionAt:        b.lastTransitionAt,
	}
}

func (b *Breaker) transition(state BreakerState, reasonCode, reason string) {
	b.state = state
	b.reasonCode = reasonCode
	b.reason = reason
	b.lastTransitionAt = time.Now()
}

// Observe feeds one parsed StatusBlock into the breaker and returns
// the resulting snapshot plus whether this call changed the state.
func (b *Breaker) Observe(cycle int, block StatusBlock) (Status, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	prevState := b.state

	if block.Status == StatusBlocked {
		b.transition(Open, "same_error_repeated", "agent reported a blocked status")
		return b.snapshot(), prevState != b.state
	}

	if block.HasProgress() {
		b.consecutiveNoProgress = 0
		b.consecutiveSameError = 0
		b.lastProgressIteration = cycle
		if b.state == HalfOpen {
			b.transition(Closed, "", "")
		}
	} else {
		b.consecutiveNoProgress++
		switch b.state {
		case Closed:
			if b.consecutiveNoProgress >= 3 {
				b.transition(Open, "no_progress_open", "three consecutive loops with no files modified or tasks completed")
			} else if b.consecutiveNoProgress >= 2 {
				b.transition(HalfOpen, "no_progress", "two consecutive loops with no progress")
			}
		case HalfOpen:
			if b.consecutiveNoProgress >= 3 {
				b.transition(Open, "no_progress_open", "no progress recovered after half-open retry")
			}
		}
	}

	if block.TestsStatus == TestsFailing {
		b.consecutiveTestsFailure++
		if b.consecutiveTestsFailure >= 5 {
			b.transition(Open, "tests_failing_too_long", "tests have failed for five consecutive loops")
		}
	} else {
		b.consecutiveTestsFailure = 0
	}

	return b.snapshot(), prevState != b.state
}

func (b *Breaker) snapshot() Status {
	return Status{
		State:                   b.state,
		ConsecutiveNoProgress:   b.consecutiveNoProgress,
		ConsecutiveSameError:    b.consecutiveSameError,
		ConsecutiveTestsFailure: b.consecutiveTestsFailure,
		LastProgressIteration:   b.lastProgressIteration,
		Reason:                  b.reason,
		ReasonCode:              b.reasonCode,
		LastTransitionAt:        b.lastTransitionAt,
	}
}

// NotifyIterationProgress lets the supervisor reset the no-progress
// streak when the respawn controller observes forward motion outside
// of a parsed status block (e.g. it sent an update and the agent
// engaged with new output).
func (b *Breaker) NotifyIterationProgress(cycle int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveNoProgress = 0
	b.lastProgressIteration = cycle
	if b.state == HalfOpen {
		b.transition(Closed, "", "")
	}
}

// Reset explicitly returns the breaker to CLOSED, clearing all
// streaks — used when a user manually restarts a blocked session.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveNoProgress = 0
	b.consecutiveSameError = 0
	b.consecutiveTestsFailure = 0
	b.transition(Closed, "", "")
}

// IsOpen reports whether the breaker currently forbids further
// recovery cycles.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == Open
}

// ExitGate tracks the "exitSignal && completionIndicators>=2" rule and
// fires at most once.
type ExitGate struct {
	mu  sync.Mutex
	met bool
}

// Evaluate reports whether this call is the first time the exit gate
// condition has been satisfied.
func (g *ExitGate) Evaluate(exitSignal bool, completionIndicators int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.met {
		return false
	}
	if exitSignal && completionIndicators >= 2 {
		g.met = true
		return true
	}
	return false
}
