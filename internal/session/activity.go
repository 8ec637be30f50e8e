package session

import (
	"time"

	"github.com/loppo-llc/sentinel/internal/progress"
)

// ActivityState mirrors the spec's idle/busy vocabulary for a hosted
// CLI, independent of the Session's process Status (running/exited) —
// a running process can be idle or busy, but an exited one is neither.
type ActivityState string

const (
	ActivityUnknown ActivityState = ""
	ActivityIdle    ActivityState = "idle"
	ActivityBusy    ActivityState = "busy"
)

const (
	// parserThrottle bounds how often the expensive parsers (progress
	// blocks, bash-tool recognition, token status line) run per spec
	// §4.1 step 4. Content arriving inside the window is buffered, not
	// dropped: the status-block parser is stateful and must see every
	// chunk in order.
	parserThrottle = 150 * time.Millisecond

	// pendingParseCap bounds the buffered not-yet-parsed content; far
	// more than any 150ms window can accumulate, but a hard stop if the
	// parser goroutine is somehow starved.
	pendingParseCap = 512 * 1024
)

// activity holds the mutable state the throttled output-processing
// pipeline consults on every PTY chunk. It is owned by the Session it
// is embedded in and mutated only from the readLoop goroutine plus the
// idle-debounce timer it arms, so no separate lock is required beyond
// what Session.mu already provides for the fields it touches directly.
type activity struct {
	lastActivityAt time.Time
	state          ActivityState

	lastParseAt  time.Time
	pendingParse string
	parser       *progress.Parser
	breaker      *progress.Breaker
	exitGate     *progress.ExitGate
	cycle        int

	lastContextTokens int64
	autoClearFired    bool
	autoCompactFired  bool
	bashRunning       bool

	idleTimer *time.Timer
}

func newActivity() *activity {
	return &activity{
		parser:   progress.NewParser(),
		breaker:  progress.NewBreaker(),
		exitGate: &progress.ExitGate{},
	}
}

// Breaker exposes the session's circuit breaker for external readers
// (API snapshots, the respawn controller's blocking-condition check).
func (s *Session) Breaker() *progress.Breaker {
	return s.act.breaker
}

// LastActivityAt returns the last time a PTY chunk produced a non-empty
// ANSI-filtered content change — the sole driver of idle detection for
// TUI modes that redraw the screen continuously.
func (s *Session) LastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.act.lastActivityAt
}

// ActivityState returns the last observed idle/busy classification.
func (s *Session) ActivityState() ActivityState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.act.state
}

// processChunk runs the full output-processing pipeline from spec
// §4.1: content filtering (already applied by the caller into
// textOutput), throttled parsers, and idle/busy transition logic.
// Every per-mode policy is asked of the Detector — Session itself
// never branches on Mode here. Called once per PTY read from the
// session's single reader goroutine.
func (s *Session) processChunk(clean string) {
	s.mu.Lock()
	prevAt := s.act.lastActivityAt
	prevState := s.act.state
	if clean != "" {
		s.act.lastActivityAt = time.Now()
	}
	d := s.detector
	s.mu.Unlock()

	if d.FeedsParsers() {
		s.runThrottledParsers(clean)
	}

	if clean == "" {
		return
	}

	if d.HasWorkingPattern(clean) {
		s.setActivityState(ActivityBusy)
		s.cancelIdleTimer()
		return
	}

	if resume := d.SilenceBusyThreshold(); resume > 0 &&
		prevState == ActivityIdle && time.Since(prevAt) > resume {
		s.setActivityState(ActivityBusy)
	}

	if debounce, ok := d.PromptIdleDebounce(clean); ok {
		s.armIdleTimer(debounce)
		return
	}

	if idle := d.SilenceIdleTimeout(); idle > 0 {
		s.armIdleTimer(idle)
		return
	}

	s.cancelIdleTimer()
}

// runThrottledParsers buffers filtered content and feeds it through the
// stateful parsers at most once per parserThrottle window. Content that
// arrives inside the window is carried into the next due tick — a
// ---STATUS--- block split across bursty chunks must reach the parser
// whole and in order.
func (s *Session) runThrottledParsers(clean string) {
	now := time.Now()

	s.mu.Lock()
	s.act.pendingParse += clean
	if len(s.act.pendingParse) > pendingParseCap {
		s.act.pendingParse = s.act.pendingParse[len(s.act.pendingParse)-pendingParseCap:]
	}
	var toParse string
	if now.Sub(s.act.lastParseAt) >= parserThrottle && s.act.pendingParse != "" {
		s.act.lastParseAt = now
		toParse = s.act.pendingParse
		s.act.pendingParse = ""
	}
	s.mu.Unlock()

	if toParse == "" {
		return
	}

	blocks, _ := s.act.parser.Feed(toParse)
	for i := range blocks {
		s.handleStatusBlock(&blocks[i])
	}
	s.trackTokens(toParse)
	s.trackBashTool(toParse)
}

// armIdleTimer (re)starts the idle-declaration timer: if no further
// content arrives within d, the session transitions to idle.
func (s *Session) armIdleTimer(d time.Duration) {
	s.mu.Lock()
	if s.act.idleTimer != nil {
		s.act.idleTimer.Stop()
	}
	s.act.idleTimer = time.AfterFunc(d, func() {
		s.setActivityState(ActivityIdle)
	})
	s.mu.Unlock()
}

func (s *Session) cancelIdleTimer() {
	s.mu.Lock()
	if s.act.idleTimer != nil {
		s.act.idleTimer.Stop()
		s.act.idleTimer = nil
	}
	s.mu.Unlock()
}

func (s *Session) setActivityState(state ActivityState) {
	s.mu.Lock()
	changed := s.act.state != state
	s.act.state = state
	s.mu.Unlock()
	if !changed {
		return
	}
	if state == ActivityIdle {
		s.emit(EventIdle, nil)
	} else {
		s.emit(EventWorking, nil)
	}
}

// handleStatusBlock feeds one parsed block through the breaker and the
// exit gate, appending a structured message and emitting the
// corresponding events — the bridge between §4.5's parser/breaker and
// the event stream the respawn controller and event bus observe.
func (s *Session) handleStatusBlock(block *progress.StatusBlock) {
	s.mu.Lock()
	s.act.cycle++
	cycle := s.act.cycle
	s.mu.Unlock()

	s.AppendMessage("statusBlock", block.Recommendation)
	blockCopy := *block
	s.emit(EventStatusBlock, func(e *Event) { e.StatusBlock = &blockCopy })

	// One circuitBreakerUpdate per observed block, state change or not —
	// subscribers track the counters, not just the transitions.
	status, _ := s.act.breaker.Observe(cycle, *block)
	statusCopy := status
	s.emit(EventCircuitBreaker, func(e *Event) { e.Breaker = &statusCopy })

	indicators := s.act.parser.CompletionIndicators()
	if s.act.exitGate.Evaluate(block.ExitSignal, indicators) {
		s.emit(EventExitGateMet, nil)
	}
}

// NotifyIterationProgress lets the respawn controller reset the
// breaker's no-progress streak when it observes forward motion outside
// of a parsed status block (spec §4.5 "External progress hint").
func (s *Session) NotifyIterationProgress() {
	s.mu.Lock()
	s.act.cycle++
	cycle := s.act.cycle
	s.mu.Unlock()
	s.act.breaker.NotifyIterationProgress(cycle)
}
