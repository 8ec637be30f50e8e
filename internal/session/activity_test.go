package session

import (
	"testing"
	"time"
)

func newTestClaudeSession() *Session {
	return newSession("t1", ModeClaude, "claude", "/tmp", nil)
}

func TestProcessChunk_ClaudeWorkingKeywordSetsBusy(t *testing.T) {
	s := newTestClaudeSession()
	s.processChunk("Generating response, esc to interrupt")
	if s.ActivityState() != ActivityBusy {
		t.Fatalf("expected busy state, got %q", s.ActivityState())
	}
}

func TestProcessChunk_ClaudeBrailleSpinnerSetsBusy(t *testing.T) {
	s := newTestClaudeSession()
	s.processChunk("⠋ working")
	if s.ActivityState() != ActivityBusy {
		t.Fatalf("expected busy state from braille spinner, got %q", s.ActivityState())
	}
}

func TestProcessChunk_ClaudePromptCharArmsIdleTimer(t *testing.T) {
	s := newTestClaudeSession()
	ch := s.SubscribeEvents()
	defer s.UnsubscribeEvents(ch)

	// Bypass the real 2s debounce constant by arming directly with a
	// short duration, exercising the same transition path processChunk
	// would via the claude detector's PromptIdleDebounce.
	if !claudePromptRe.MatchString("❯") {
		t.Fatal("sanity check: prompt regex should match bare prompt char")
	}
	s.armIdleTimer(20 * time.Millisecond)

	select {
	case ev := <-ch:
		if ev.Kind != EventIdle {
			t.Fatalf("expected idle event, got %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for idle event")
	}
	if s.ActivityState() != ActivityIdle {
		t.Fatalf("expected idle state, got %q", s.ActivityState())
	}
}

func TestProcessChunk_ClaudeNewContentCancelsIdleTimer(t *testing.T) {
	s := newTestClaudeSession()
	ch := s.SubscribeEvents()
	defer s.UnsubscribeEvents(ch)

	s.armIdleTimer(30 * time.Millisecond)
	// New, non-working, non-prompt content cancels the pending timer.
	s.processChunk("some regular streamed output")

	select {
	case ev := <-ch:
		t.Fatalf("expected no idle event after cancellation, got %v", ev.Kind)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestSetActivityState_OnlyEmitsOnChange(t *testing.T) {
	s := newTestClaudeSession()
	ch := s.SubscribeEvents()
	defer s.UnsubscribeEvents(ch)

	s.setActivityState(ActivityBusy)
	select {
	case ev := <-ch:
		if ev.Kind != EventWorking {
			t.Fatalf("expected working event, got %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an event on first transition")
	}

	s.setActivityState(ActivityBusy)
	select {
	case ev := <-ch:
		t.Fatalf("expected no duplicate event for unchanged state, got %v", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProcessChunk_ShellModeSkipsParsers(t *testing.T) {
	s := newSession("t2", ModeShell, "shell", "/tmp", nil)
	ch := s.SubscribeEvents()
	defer s.UnsubscribeEvents(ch)

	s.processChunk("---STATUS---\nSTATUS: COMPLETE\n---END_STATUS---\n")

	select {
	case ev := <-ch:
		t.Fatalf("shell mode must never emit claude-specific events, got %v", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProcessChunk_UpdatesLastActivityOnlyOnContent(t *testing.T) {
	s := newTestClaudeSession()
	before := s.LastActivityAt()
	s.processChunk("")
	if !s.LastActivityAt().Equal(before) {
		t.Fatal("empty content must not update lastActivityAt")
	}
	s.processChunk("real output")
	if !s.LastActivityAt().After(before) {
		t.Fatal("non-empty content must update lastActivityAt")
	}
}

func TestRunThrottledParsers_BuffersContentInsideWindow(t *testing.T) {
	s := newTestClaudeSession()
	ch := s.SubscribeEvents()
	defer s.UnsubscribeEvents(ch)

	// First half arrives inside the throttle window: it must be
	// buffered for the next due tick, never dropped.
	s.mu.Lock()
	s.act.lastParseAt = time.Now()
	s.mu.Unlock()
	s.processChunk("---STATUS---\nSTATUS: COMPLETE\n")

	// Second half arrives after the window elapses; the block can only
	// parse if the first half was carried over.
	s.mu.Lock()
	s.act.lastParseAt = time.Now().Add(-time.Second)
	s.mu.Unlock()
	s.processChunk("FILES_MODIFIED: 2\n---END_STATUS---\n")

	var sawBlock bool
drain:
	for {
		select {
		case ev := <-ch:
			if ev.Kind == EventStatusBlock && ev.StatusBlock != nil && ev.StatusBlock.FilesModified == 2 {
				sawBlock = true
			}
		default:
			break drain
		}
	}
	if !sawBlock {
		t.Fatal("expected a status block split across the throttle window to still parse")
	}
}

func TestHandleStatusBlock_EmitsBreakerUpdatePerBlock(t *testing.T) {
	s := newTestClaudeSession()
	ch := s.SubscribeEvents()
	defer s.UnsubscribeEvents(ch)

	block := "---STATUS---\nSTATUS: IN_PROGRESS\nFILES_MODIFIED: 0\nTASKS_COMPLETED_THIS_LOOP: 0\nTESTS_STATUS: NOT_RUN\n---END_STATUS---\n"
	for i := 0; i < 3; i++ {
		s.mu.Lock()
		s.act.lastParseAt = time.Now().Add(-time.Second)
		s.mu.Unlock()
		s.processChunk(block)
	}

	var updates int
drain:
	for {
		select {
		case ev := <-ch:
			if ev.Kind == EventCircuitBreaker {
				updates++
			}
		default:
			break drain
		}
	}
	if updates != 3 {
		t.Fatalf("expected one circuitBreakerUpdate per observed block, got %d", updates)
	}
}

func TestHandleStatusBlock_ExitGateRequiresTwoIndicators(t *testing.T) {
	s := newTestClaudeSession()
	ch := s.SubscribeEvents()
	defer s.UnsubscribeEvents(ch)

	due := time.Now()
	s.mu.Lock()
	s.act.lastParseAt = due.Add(-time.Second)
	s.mu.Unlock()

	// Two COMPLETE blocks build up completionIndicators; a third with
	// ExitSignal=true should trip the exit gate.
	s.processChunk("---STATUS---\nSTATUS: COMPLETE\n---END_STATUS---\n")
	s.mu.Lock()
	s.act.lastParseAt = time.Now().Add(-time.Second)
	s.mu.Unlock()
	s.processChunk("---STATUS---\nSTATUS: COMPLETE\nEXIT_SIGNAL: false\n---END_STATUS---\n")
	s.mu.Lock()
	s.act.lastParseAt = time.Now().Add(-time.Second)
	s.mu.Unlock()
	s.processChunk("---STATUS---\nSTATUS: COMPLETE\nEXIT_SIGNAL: true\n---END_STATUS---\n")

	var sawExitGate bool
drain:
	for {
		select {
		case ev := <-ch:
			if ev.Kind == EventExitGateMet {
				sawExitGate = true
			}
		default:
			break drain
		}
	}
	if !sawExitGate {
		t.Fatal("expected exitGateMet event once completionIndicators >= 2 and ExitSignal true")
	}
}
