package respawn

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/loppo-llc/sentinel/internal/muxadapter"
	"github.com/loppo-llc/sentinel/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAdapter is a hand-written muxadapter.Adapter, following the rest
// of the tree's pattern of testing against the capability contract
// instead of shelling out to real tmux.
type fakeAdapter struct {
	mu       sync.Mutex
	sentKeys []string
}

var _ muxadapter.Adapter = (*fakeAdapter)(nil)

func (f *fakeAdapter) CreateSession(name, workDir, shellCmd string) error { return nil }
func (f *fakeAdapter) CreateIdleSession(name, workDir string) error       { return nil }
func (f *fakeAdapter) RespawnCommand(name, workDir, toolPath string, args []string) error {
	return nil
}
func (f *fakeAdapter) AttachPane(name string, cols, rows uint16, withPipe bool) (*muxadapter.AttachResult, error) {
	return nil, nil
}
func (f *fakeAdapter) RespawnPane(name, workDir, shellCmd string) error { return nil }
func (f *fakeAdapter) KillSession(name string) error                    { return nil }
func (f *fakeAdapter) HasSession(name string) bool                      { return false }
func (f *fakeAdapter) PaneDead(name string) (bool, int, error)          { return false, 0, nil }
func (f *fakeAdapter) SendKeys(name string, data string) error {
	f.mu.Lock()
	f.sentKeys = append(f.sentKeys, data)
	f.mu.Unlock()
	return nil
}
func (f *fakeAdapter) ForegroundCommand(name string) (string, error) { return "", nil }
func (f *fakeAdapter) Resize(name string, cols, rows uint16) error   { return nil }
func (f *fakeAdapter) SetEnv(name, key, value string) error          { return nil }
func (f *fakeAdapter) CapturePaneContent(name string) []byte         { return nil }
func (f *fakeAdapter) Stats(name string) (muxadapter.PaneStats, error) {
	return muxadapter.PaneStats{}, nil
}
func (f *fakeAdapter) StopPipePane(name string, file *os.File, fifo string) {}
func (f *fakeAdapter) ListManagedSessions() ([]string, error)               { return nil, nil }

func (f *fakeAdapter) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sentKeys))
	copy(out, f.sentKeys)
	return out
}

// fakeOracle is a hand-written AIOracle, never an LLM SDK call in
// tests — it answers with whatever verdict/error the test configures.
type fakeOracle struct {
	idle  bool
	err   error
	delay time.Duration

	planApprove bool
	planErr     error
}

func (f *fakeOracle) CheckIdle(ctx context.Context, model, tailText string) (bool, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return f.idle, f.err
}

func (f *fakeOracle) CheckPlan(ctx context.Context, model, planSummary string) (bool, error) {
	return f.planApprove, f.planErr
}

func newRestoredSession(t *testing.T, adapter muxadapter.Adapter, muxName string) *session.Session {
	t.Helper()
	mgr := session.NewManager(testLogger(), adapter)
	return mgr.RestoreFromInfo(session.SessionInfo{
		ID:             "s1",
		Mode:           session.ModeClaude,
		Tool:           "claude",
		MuxSessionName: muxName,
		CreatedAt:      time.Now().UTC().Format(time.RFC3339),
	})
}

func waitForState(t *testing.T, c *Controller, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %q, last seen %q", want, c.State())
}

func TestController_SilenceTriggersConfirmingIdleThenSendsUpdate(t *testing.T) {
	adapter := &fakeAdapter{}
	sess := newRestoredSession(t, adapter, "mux1")

	cfg := DefaultConfig()
	cfg.IdleTimeoutMs = 1
	cfg.CompletionConfirmMs = 1
	cfg.NoOutputTimeoutMs = 50
	cfg.AIIdleCheckEnabled = false

	c := New(sess, adapter, cfg, nil, testLogger(), nil)
	c.Start()
	defer c.Stop(ReasonExplicitStop)

	waitForState(t, c, StateWaitingUpdate, time.Second)
	if c.CycleCount() != 1 {
		t.Fatalf("expected one recovery cycle to have been sent, got %d", c.CycleCount())
	}
	keys := adapter.keys()
	if len(keys) != 1 || keys[0] != cfg.UpdatePrompt+"\r" {
		t.Fatalf("expected the update prompt to be sent via SendKeys, got %v", keys)
	}
}

func TestController_NotifyHookEventIdlePromptSkipsToSendingUpdate(t *testing.T) {
	adapter := &fakeAdapter{}
	sess := newRestoredSession(t, adapter, "mux1")

	cfg := DefaultConfig()
	cfg.IdleTimeoutMs = 0 // disable the silence poller so only the hook drives the transition
	cfg.NoOutputTimeoutMs = 10_000

	c := New(sess, adapter, cfg, nil, testLogger(), nil)
	c.Start()
	defer c.Stop(ReasonExplicitStop)

	c.NotifyHookEvent(session.HookIdlePrompt, nil)
	waitForState(t, c, StateWaitingUpdate, time.Second)

	keys := adapter.keys()
	if len(keys) != 1 {
		t.Fatalf("expected exactly one prompt sent, got %v", keys)
	}
}

func TestController_AutoAcceptPromptSendsReturnAfterDelay(t *testing.T) {
	adapter := &fakeAdapter{}
	sess := newRestoredSession(t, adapter, "mux1")

	cfg := DefaultConfig()
	cfg.IdleTimeoutMs = 0
	cfg.AutoAcceptPrompts = true
	cfg.AutoAcceptDelayMs = 10

	c := New(sess, adapter, cfg, nil, testLogger(), nil)
	c.Start()
	defer c.Stop(ReasonExplicitStop)

	c.NotifyHookEvent(session.HookPermissionPrompt, nil)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(adapter.keys()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	keys := adapter.keys()
	if len(keys) != 1 || keys[0] != "\r" {
		t.Fatalf("expected a single auto-accept keystroke, got %v", keys)
	}
}

func TestController_PendingElicitationSuppressesAutoAccept(t *testing.T) {
	adapter := &fakeAdapter{}
	sess := newRestoredSession(t, adapter, "mux1")

	cfg := DefaultConfig()
	cfg.IdleTimeoutMs = 0
	cfg.AutoAcceptPrompts = true
	cfg.AutoAcceptDelayMs = 10

	c := New(sess, adapter, cfg, nil, testLogger(), nil)
	c.Start()
	defer c.Stop(ReasonExplicitStop)

	c.NotifyHookEvent(session.HookElicitationDialog, nil)
	c.NotifyHookEvent(session.HookPermissionPrompt, nil)

	time.Sleep(100 * time.Millisecond)
	if len(adapter.keys()) != 0 {
		t.Fatalf("expected a pending elicitation to suppress auto-accept, got %v", adapter.keys())
	}
}

func TestController_PlanCheckDisapprovalWithholdsAutoAccept(t *testing.T) {
	adapter := &fakeAdapter{}
	sess := newRestoredSession(t, adapter, "mux1")

	cfg := DefaultConfig()
	cfg.IdleTimeoutMs = 0
	cfg.AutoAcceptPrompts = true
	cfg.AutoAcceptDelayMs = 10
	cfg.AIPlanCheckEnabled = true
	cfg.AIPlanCheckTimeoutMs = 1000

	oracle := &fakeOracle{planApprove: false}
	c := New(sess, adapter, cfg, oracle, testLogger(), nil)
	c.Start()
	defer c.Stop(ReasonExplicitStop)

	c.NotifyHookEvent(session.HookPermissionPrompt, map[string]string{"planSummary": "rewrite everything"})

	time.Sleep(200 * time.Millisecond)
	if len(adapter.keys()) != 0 {
		t.Fatalf("expected the plan check's veto to withhold auto-accept, got %v", adapter.keys())
	}
}

func TestController_PlanCheckApprovalArmsAutoAccept(t *testing.T) {
	adapter := &fakeAdapter{}
	sess := newRestoredSession(t, adapter, "mux1")

	cfg := DefaultConfig()
	cfg.IdleTimeoutMs = 0
	cfg.AutoAcceptPrompts = true
	cfg.AutoAcceptDelayMs = 10
	cfg.AIPlanCheckEnabled = true
	cfg.AIPlanCheckTimeoutMs = 1000

	oracle := &fakeOracle{planApprove: true}
	c := New(sess, adapter, cfg, oracle, testLogger(), nil)
	c.Start()
	defer c.Stop(ReasonExplicitStop)

	c.NotifyHookEvent(session.HookPermissionPrompt, map[string]string{"planSummary": "small fix"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(adapter.keys()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	keys := adapter.keys()
	if len(keys) != 1 || keys[0] != "\r" {
		t.Fatalf("expected an approved plan to be auto-accepted, got %v", keys)
	}
}

func TestController_AIOracleIdleProceedsToSendingUpdate(t *testing.T) {
	adapter := &fakeAdapter{}
	sess := newRestoredSession(t, adapter, "mux1")

	cfg := DefaultConfig()
	cfg.IdleTimeoutMs = 1
	cfg.CompletionConfirmMs = 1
	cfg.AIIdleCheckEnabled = true
	cfg.AIIdleCheckTimeoutMs = 1000
	cfg.NoOutputTimeoutMs = 10_000

	oracle := &fakeOracle{idle: true}
	c := New(sess, adapter, cfg, oracle, testLogger(), nil)
	c.Start()
	defer c.Stop(ReasonExplicitStop)

	waitForState(t, c, StateWaitingUpdate, time.Second)
}

func TestController_AIOracleNotIdleReturnsToWatching(t *testing.T) {
	adapter := &fakeAdapter{}
	sess := newRestoredSession(t, adapter, "mux1")

	cfg := DefaultConfig()
	cfg.IdleTimeoutMs = 1
	cfg.CompletionConfirmMs = 1
	cfg.AIIdleCheckEnabled = true
	cfg.AIIdleCheckTimeoutMs = 1000

	oracle := &fakeOracle{idle: false}
	c := New(sess, adapter, cfg, oracle, testLogger(), nil)
	c.Start()
	defer c.Stop(ReasonExplicitStop)

	// It must return to watching rather than ever sending a prompt.
	time.Sleep(300 * time.Millisecond)
	if len(adapter.keys()) != 0 {
		t.Fatalf("expected no prompt sent when the oracle reports not-idle, got %v", adapter.keys())
	}
	if c.State() != StateWatching {
		t.Fatalf("expected the controller back in watching, got %q", c.State())
	}
}

func TestController_DurationCapStopsController(t *testing.T) {
	adapter := &fakeAdapter{}
	sess := newRestoredSession(t, adapter, "mux1")

	cfg := DefaultConfig()
	cfg.IdleTimeoutMs = 0
	cfg.DurationMinutes = 1

	c := New(sess, adapter, cfg, nil, testLogger(), nil)
	// DurationMinutes is in whole minutes in Config; exercise the cap via
	// a directly-armed timer instead of waiting a real minute.
	c.Start()
	defer c.Stop(ReasonExplicitStop)
	c.timers.Arm("duration_cap", 10*time.Millisecond, c.wake("duration_cap"))

	waitForState(t, c, StateStopped, time.Second)
}

func TestController_StartIsNoOpWhenAlreadyRunning(t *testing.T) {
	adapter := &fakeAdapter{}
	sess := newRestoredSession(t, adapter, "mux1")
	cfg := DefaultConfig()
	cfg.IdleTimeoutMs = 0

	c := New(sess, adapter, cfg, nil, testLogger(), nil)
	c.Start()
	defer c.Stop(ReasonExplicitStop)
	first := c.State()
	c.Start()
	if c.State() != first {
		t.Fatalf("expected a second Start to be a no-op, states %q vs %q", first, c.State())
	}
}

func TestController_StopIsIdempotent(t *testing.T) {
	adapter := &fakeAdapter{}
	sess := newRestoredSession(t, adapter, "mux1")
	cfg := DefaultConfig()
	cfg.IdleTimeoutMs = 0

	c := New(sess, adapter, cfg, nil, testLogger(), nil)
	c.Start()
	c.Stop(ReasonExplicitStop)
	c.Stop(ReasonFatalError) // must not panic or overwrite the original reason's semantics
	if c.State() != StateStopped {
		t.Fatalf("expected stopped state, got %q", c.State())
	}
}

func TestController_OnEventCallbackReceivesStartedAndCycle(t *testing.T) {
	adapter := &fakeAdapter{}
	sess := newRestoredSession(t, adapter, "mux1")

	cfg := DefaultConfig()
	cfg.IdleTimeoutMs = 1
	cfg.CompletionConfirmMs = 1
	cfg.NoOutputTimeoutMs = 10_000
	cfg.AIIdleCheckEnabled = false

	var mu sync.Mutex
	var kinds []ControllerEventKind
	c := New(sess, adapter, cfg, nil, testLogger(), func(ev ControllerEvent) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})
	c.Start()
	defer c.Stop(ReasonExplicitStop)

	waitForState(t, c, StateWaitingUpdate, time.Second)

	mu.Lock()
	defer mu.Unlock()
	var sawStarted, sawCycle bool
	for _, k := range kinds {
		if k == CtrlEventStarted {
			sawStarted = true
		}
		if k == CtrlEventCycle {
			sawCycle = true
		}
	}
	if !sawStarted || !sawCycle {
		t.Fatalf("expected both started and cycle events, got %v", kinds)
	}
}
