package respawn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loppo-llc/sentinel/internal/muxadapter"
	"github.com/loppo-llc/sentinel/internal/progress"
	"github.com/loppo-llc/sentinel/internal/session"
)

// AIOracle is the optional AI consult: CheckIdle answers "is this
// agent waiting for me?" (spec §4.4 idle signal 5), CheckPlan answers
// "should this plan be approved without a human?" for plan-approval
// dialogs. A nil oracle, or one that errors/times out, is treated the
// same way on both: the controller proceeds as if it had no opinion.
type AIOracle interface {
	CheckIdle(ctx context.Context, model, tailText string) (idle bool, err error)
	CheckPlan(ctx context.Context, model, planSummary string) (approve bool, err error)
}

const silencePollInterval = 250 * time.Millisecond

// elicitationTimeout bounds how long a pending elicitation dialog
// suppresses auto-accept when no answer is ever observed, so a stale
// flag can't disable auto-accept for the rest of the run.
const elicitationTimeout = 2 * time.Minute

// Controller drives one Session's respawn state machine. It is owned
// by the supervisor but logically bound to one Session: it subscribes
// to that Session's events and writes recovery prompts back through
// that Session's writer, never holding a reference back to the
// supervisor itself.
type Controller struct {
	mu    sync.Mutex
	state State
	cfg   Config

	sess    *session.Session
	adapter muxadapter.Adapter
	oracle  AIOracle
	logger  *slog.Logger

	cycleCount         int
	updateRetries      int
	elicitationPending bool
	lastAICheckAt      time.Time
	lastPlanCheckAt    time.Time
	lastBlockReason    BlockReason
	startedAt          time.Time

	timers  *timerSet
	timerCh chan string

	evCh       chan session.Event
	hookCh     chan hookSignal
	aiResult   chan aiOutcome
	planResult chan planOutcome
	stopCh     chan struct{}
	stoppedCh  chan struct{}

	onEvent func(ControllerEvent)
}

type hookSignal struct {
	event session.HookEvent
	data  map[string]string
}

type aiOutcome struct {
	idle bool
}

type planOutcome struct {
	approve bool
}

// ControllerEventKind is the closed set of respawn-controller
// notifications the supervisor/event-bus can observe.
type ControllerEventKind string

const (
	CtrlEventStarted ControllerEventKind = "respawn:started"
	CtrlEventState   ControllerEventKind = "respawn:state"
	CtrlEventBlocked ControllerEventKind = "respawn:blocked"
	CtrlEventCycle   ControllerEventKind = "respawn:cycle"
)

// ControllerEvent is emitted on every observable state change.
type ControllerEvent struct {
	SessionID  string
	Kind       ControllerEventKind
	State      State
	CycleCount int
	Reason     BlockReason
	At         time.Time
}

// New builds a stopped Controller bound to sess. Callers invoke Start
// to begin watching — persistence/reconcile.go relies on this split so
// a restored controller can be constructed well before its grace
// period elapses.
func New(sess *session.Session, adapter muxadapter.Adapter, cfg Config, oracle AIOracle, logger *slog.Logger, onEvent func(ControllerEvent)) *Controller {
	return &Controller{
		state:      StateStopped,
		cfg:        cfg,
		sess:       sess,
		adapter:    adapter,
		oracle:     oracle,
		logger:     logger,
		timers:     newTimerSet(),
		timerCh:    make(chan string, 8),
		hookCh:     make(chan hookSignal, 16),
		aiResult:   make(chan aiOutcome, 1),
		planResult: make(chan planOutcome, 1),
		onEvent:    onEvent,
	}
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CycleCount returns the number of recovery prompts sent so far.
// Subscribers observe it as non-decreasing per the testable property
// in spec §8.
func (c *Controller) CycleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycleCount
}

// Start transitions a stopped controller to watching and begins its
// run loop. A no-op if already running.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.state != StateStopped {
		c.mu.Unlock()
		return
	}
	c.state = StateWatching
	c.startedAt = time.Now()
	c.stopCh = make(chan struct{})
	c.stoppedCh = make(chan struct{})
	c.mu.Unlock()

	c.evCh = c.sess.SubscribeEvents()

	if c.cfg.DurationMinutes > 0 {
		c.timers.Arm("duration_cap", time.Duration(c.cfg.DurationMinutes)*time.Minute, c.wake("duration_cap"))
	}

	c.logger.Info("respawn controller started", "sessionId", c.sess.ID)
	c.notify(CtrlEventStarted)
	go c.run()
}

// NotifyHookEvent feeds an out-of-band ingress notification (spec §6)
// into the controller. Never blocks the caller; an overflowing queue
// drops the oldest pending signal rather than stalling the ingress
// handler.
func (c *Controller) NotifyHookEvent(ev session.HookEvent, data map[string]string) {
	select {
	case c.hookCh <- hookSignal{event: ev, data: data}:
	default:
		select {
		case <-c.hookCh:
		default:
		}
		select {
		case c.hookCh <- hookSignal{event: ev, data: data}:
		default:
		}
	}
}

// Stop transitions the controller to its terminal absorbing state for
// an explicit reason (user action, or a caller-observed blocking
// condition not routed through session events).
func (c *Controller) Stop(reason BlockReason) {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.state = StateStopped
	c.lastBlockReason = reason
	stopCh := c.stopCh
	c.mu.Unlock()

	c.logger.Info("respawn controller stopped", "sessionId", c.sess.ID, "reason", reason)
	c.timers.CancelAll()
	if stopCh != nil {
		close(stopCh)
	}
	if c.evCh != nil {
		c.sess.UnsubscribeEvents(c.evCh)
	}
	c.notify(CtrlEventBlocked)
}

func (c *Controller) wake(name string) func() {
	return func() {
		select {
		case c.timerCh <- name:
		default:
		}
	}
}

func (c *Controller) run() {
	defer close(c.stoppedCh)

	ticker := time.NewTicker(silencePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case ev, ok := <-c.evCh:
			if !ok {
				return
			}
			c.handleSessionEvent(ev)
		case hs := <-c.hookCh:
			c.handleHookEvent(hs)
		case name := <-c.timerCh:
			c.handleTimer(name)
		case outcome := <-c.aiResult:
			c.handleAIOutcome(outcome)
		case outcome := <-c.planResult:
			c.handlePlanOutcome(outcome)
		case <-ticker.C:
			c.checkSilence()
		}

		if c.State() == StateStopped {
			return
		}
	}
}

// checkSilence implements idle signal 4 ("Output silence") directly
// against the configured idleTimeoutMs, independent of the Session's
// own mode-specific prompt-character/silence heuristics (signals 3 and
// the opencode equivalent), so a stalled claude pane with no visible
// ❯ still eventually triggers recovery.
func (c *Controller) checkSilence() {
	if c.State() != StateWatching {
		return
	}
	timeout := time.Duration(c.cfg.IdleTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		return
	}
	if time.Since(c.sess.LastActivityAt()) >= timeout {
		c.enterConfirmingIdle()
	}
}

func (c *Controller) handleSessionEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventIdle:
		if c.State() == StateWatching {
			c.enterConfirmingIdle()
		}
	case session.EventWorking:
		c.onContentResumed()
	case session.EventCircuitBreaker:
		if ev.Breaker != nil && ev.Breaker.State == progress.Open {
			reason := BlockReason(ev.Breaker.ReasonCode)
			if reason == "" {
				reason = ReasonCircuitOpen
			}
			c.stopAndNotify(reason)
		}
	case session.EventStatusBlock:
		if ev.StatusBlock != nil && ev.StatusBlock.Status == progress.StatusBlocked {
			c.stopAndNotify(ReasonBlockedStatus)
		}
	case session.EventExitGateMet:
		c.stopAndNotify(ReasonExitGateMet)
	case session.EventError:
		c.stopAndNotify(ReasonFatalError)
	case session.EventExit:
		c.stopAndNotify(ReasonPaneDead)
	}
}

// onContentResumed treats new activity as either a false idle alarm
// (back to watching) or an acknowledgement that a sent prompt landed,
// depending on which wait state the controller is in.
func (c *Controller) onContentResumed() {
	switch c.State() {
	case StateConfirmingIdle, StateAIChecking:
		c.transitionTo(StateWatching)
	case StateWaitingUpdate:
		c.advanceAfterUpdate()
	case StateWaitingClear:
		c.advanceAfterClear()
	case StateWaitingInit, StateMonitoringInit:
		c.advanceAfterInit()
	case StateWaitingKickstart:
		c.transitionTo(StateWatching)
	}
}

func (c *Controller) handleHookEvent(hs hookSignal) {
	switch hs.event {
	case session.HookIdlePrompt, session.HookStop:
		// Definitive idle notification: cancel every pending wait and jump
		// straight to sending_update, skipping the AI oracle entirely.
		c.timers.CancelAllExcept("duration_cap")
		c.enterSendingUpdate()
	case session.HookElicitationDialog:
		c.mu.Lock()
		c.elicitationPending = true
		c.mu.Unlock()
		c.timers.Arm("elicitation_timeout", elicitationTimeout, c.wake("elicitation_timeout"))
	case session.HookPermissionPrompt:
		c.mu.Lock()
		pending := c.elicitationPending
		c.mu.Unlock()
		if !c.cfg.AutoAcceptPrompts || pending {
			return
		}
		// Plan-approval dialogs carry a plan summary; when the plan
		// check is enabled, the oracle gets a veto before the accept
		// keystroke is armed.
		if c.cfg.AIPlanCheckEnabled && hs.data["planSummary"] != "" {
			c.startPlanCheck(hs.data["planSummary"])
			return
		}
		c.timers.Arm("auto_accept", time.Duration(c.cfg.AutoAcceptDelayMs)*time.Millisecond, c.wake("auto_accept"))
	case session.HookTeammateIdle, session.HookTaskCompleted:
		// Informational only; no direct state-machine effect.
	}
}

func (c *Controller) handleTimer(name string) {
	switch name {
	case "confirm_idle":
		if c.State() == StateConfirmingIdle {
			if c.cfg.AIIdleCheckEnabled {
				c.enterAIChecking()
			} else {
				c.enterSendingUpdate()
			}
		}
	case "ai_check_timeout":
		if c.State() == StateAIChecking {
			c.enterSendingUpdate()
		}
	case "waiting_update_timeout":
		if c.State() == StateWaitingUpdate {
			c.mu.Lock()
			c.updateRetries++
			retries := c.updateRetries
			c.mu.Unlock()
			if retries <= c.cfg.MaxUpdateRetries {
				c.enterSendingUpdate()
			} else {
				c.advanceAfterUpdate()
			}
		}
	case "waiting_clear_delay":
		if c.State() == StateWaitingClear {
			c.advanceAfterClear()
		}
	case "waiting_init_timeout":
		if c.State() == StateWaitingInit {
			c.enterMonitoringInit()
		}
	case "monitor_init_timeout":
		if c.State() == StateMonitoringInit {
			c.advanceAfterInit()
		}
	case "waiting_kickstart_timeout":
		if c.State() == StateWaitingKickstart {
			c.transitionTo(StateWatching)
		}
	case "duration_cap":
		c.stopAndNotify(ReasonDurationExpired)
	case "auto_accept":
		c.mu.Lock()
		pending := c.elicitationPending
		c.mu.Unlock()
		if !pending {
			c.autoAccept()
		}
	case "elicitation_timeout":
		c.mu.Lock()
		c.elicitationPending = false
		c.mu.Unlock()
	case "plan_check_timeout":
		// Oracle never answered: no opinion, proceed with auto-accept.
		c.handlePlanOutcome(planOutcome{approve: true})
	}
}

// startPlanCheck asks the oracle whether a plan-approval dialog should
// be auto-accepted. No oracle, an active cooldown, a timeout, or an
// error all degrade to the plain auto-accept path — the check can only
// withhold approval when the oracle affirmatively says no.
func (c *Controller) startPlanCheck(planSummary string) {
	c.mu.Lock()
	sinceLast := time.Since(c.lastPlanCheckAt)
	cooldown := time.Duration(c.cfg.AIPlanCheckCooldownMs) * time.Millisecond
	onCooldown := c.cfg.AIPlanCheckCooldownMs > 0 && sinceLast < cooldown
	c.mu.Unlock()

	if c.oracle == nil || onCooldown {
		c.timers.Arm("auto_accept", time.Duration(c.cfg.AutoAcceptDelayMs)*time.Millisecond, c.wake("auto_accept"))
		return
	}

	c.mu.Lock()
	c.lastPlanCheckAt = time.Now()
	c.mu.Unlock()

	timeout := time.Duration(c.cfg.AIPlanCheckTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	model := c.cfg.AIPlanCheckModel
	oracle := c.oracle

	c.timers.Arm("plan_check_timeout", timeout, c.wake("plan_check_timeout"))

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		approve, err := oracle.CheckPlan(ctx, model, planSummary)
		if err != nil {
			// No opinion: fall through to the plain auto-accept path.
			approve = true
		}
		select {
		case c.planResult <- planOutcome{approve: approve}:
		default:
		}
	}()
}

func (c *Controller) handlePlanOutcome(o planOutcome) {
	c.timers.Cancel("plan_check_timeout")
	if !o.approve {
		c.logger.Info("plan check withheld auto-accept", "sessionId", c.sess.ID)
		return
	}
	c.mu.Lock()
	pending := c.elicitationPending
	c.mu.Unlock()
	if !pending {
		c.timers.Arm("auto_accept", time.Duration(c.cfg.AutoAcceptDelayMs)*time.Millisecond, c.wake("auto_accept"))
	}
}

func (c *Controller) handleAIOutcome(o aiOutcome) {
	if c.State() != StateAIChecking {
		return
	}
	if o.idle {
		c.enterSendingUpdate()
	} else {
		c.transitionTo(StateWatching)
	}
}

func (c *Controller) enterConfirmingIdle() {
	c.transitionTo(StateConfirmingIdle)
	c.timers.Arm("confirm_idle", time.Duration(c.cfg.CompletionConfirmMs)*time.Millisecond, c.wake("confirm_idle"))
}

func (c *Controller) enterAIChecking() {
	c.transitionTo(StateAIChecking)

	c.mu.Lock()
	sinceLastCheck := time.Since(c.lastAICheckAt)
	cooldown := time.Duration(c.cfg.AIIdleCheckCooldownMs) * time.Millisecond
	onCooldown := c.cfg.AIIdleCheckCooldownMs > 0 && sinceLastCheck < cooldown
	c.mu.Unlock()

	if c.oracle == nil || onCooldown {
		c.enterSendingUpdate()
		return
	}

	c.mu.Lock()
	c.lastAICheckAt = time.Now()
	c.mu.Unlock()

	timeout := time.Duration(c.cfg.AIIdleCheckTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	tail := string(c.sess.TextOutput())
	if maxLen := c.cfg.AIIdleCheckMaxContext; maxLen > 0 && len(tail) > maxLen {
		tail = tail[len(tail)-maxLen:]
	}
	model := c.cfg.AIIdleCheckModel
	oracle := c.oracle

	c.timers.Arm("ai_check_timeout", timeout, c.wake("ai_check_timeout"))

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		idle, err := oracle.CheckIdle(ctx, model, tail)
		if err != nil {
			// Oracle failure: proceed as if it had no opinion.
			idle = true
		}
		select {
		case c.aiResult <- aiOutcome{idle: idle}:
		default:
		}
	}()
}

func (c *Controller) enterSendingUpdate() {
	c.transitionTo(StateSendingUpdate)
	_ = c.sess.WriteViaMux(c.adapter, c.cfg.UpdatePrompt+"\r")
	c.mu.Lock()
	c.cycleCount++
	cycle := c.cycleCount
	c.mu.Unlock()
	c.notifyCycle(cycle)
	c.transitionTo(StateWaitingUpdate)
	c.timers.Arm("waiting_update_timeout", time.Duration(c.cfg.NoOutputTimeoutMs)*time.Millisecond, c.wake("waiting_update_timeout"))
}

// advanceAfterUpdate runs once the agent has acknowledged the update
// prompt (or retries were exhausted): continue into the optional
// clear/init/kickstart sub-steps in order, or return to watching.
func (c *Controller) advanceAfterUpdate() {
	c.mu.Lock()
	c.updateRetries = 0
	c.mu.Unlock()

	switch {
	case c.cfg.SendClear:
		c.enterSendingClear()
	case c.cfg.SendInit:
		c.enterSendingInit()
	case c.cfg.KickstartPrompt != "":
		c.enterSendingKickstart()
	default:
		c.transitionTo(StateWatching)
	}
}

func (c *Controller) enterSendingClear() {
	c.transitionTo(StateSendingClear)
	_ = c.sess.WriteViaMux(c.adapter, "/clear\r")
	c.transitionTo(StateWaitingClear)
	c.timers.Arm("waiting_clear_delay", time.Duration(c.cfg.InterStepDelayMs)*time.Millisecond, c.wake("waiting_clear_delay"))
}

func (c *Controller) advanceAfterClear() {
	if c.cfg.SendInit {
		c.enterSendingInit()
		return
	}
	if c.cfg.KickstartPrompt != "" {
		c.enterSendingKickstart()
		return
	}
	c.transitionTo(StateWatching)
}

func (c *Controller) enterSendingInit() {
	c.transitionTo(StateSendingInit)
	prompt := c.cfg.InitPrompt
	if prompt == "" {
		prompt = "/init"
	}
	_ = c.sess.WriteViaMux(c.adapter, prompt+"\r")
	c.transitionTo(StateWaitingInit)
	c.timers.Arm("waiting_init_timeout", time.Duration(c.cfg.NoOutputTimeoutMs)*time.Millisecond, c.wake("waiting_init_timeout"))
}

func (c *Controller) enterMonitoringInit() {
	c.transitionTo(StateMonitoringInit)
	c.timers.Arm("monitor_init_timeout", time.Duration(c.cfg.InterStepDelayMs)*time.Millisecond, c.wake("monitor_init_timeout"))
}

func (c *Controller) advanceAfterInit() {
	if c.cfg.KickstartPrompt != "" {
		c.enterSendingKickstart()
		return
	}
	c.transitionTo(StateWatching)
}

func (c *Controller) enterSendingKickstart() {
	c.transitionTo(StateSendingKickstart)
	_ = c.sess.WriteViaMux(c.adapter, c.cfg.KickstartPrompt+"\r")
	c.transitionTo(StateWaitingKickstart)
	c.timers.Arm("waiting_kickstart_timeout", time.Duration(c.cfg.NoOutputTimeoutMs)*time.Millisecond, c.wake("waiting_kickstart_timeout"))
}

// autoAccept sends the accept keystroke for a permission dialog,
// defaulting to not auto-accepting when an elicitation is pending
// (checked by the caller before arming/firing this).
func (c *Controller) autoAccept() {
	_ = c.sess.WriteViaMux(c.adapter, "\r")
}

func (c *Controller) transitionTo(state State) {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()
	c.logger.Debug("respawn state transition", "sessionId", c.sess.ID, "state", state)
	// duration_cap spans the whole run; the elicitation/auto-accept/plan
	// timers are scoped to an on-screen dialog, not to the state machine.
	c.timers.CancelAllExcept("duration_cap", "elicitation_timeout", "auto_accept", "plan_check_timeout")
	c.notify(CtrlEventState)
}

func (c *Controller) stopAndNotify(reason BlockReason) {
	c.Stop(reason)
}

func (c *Controller) notify(kind ControllerEventKind) {
	if c.onEvent == nil {
		return
	}
	c.onEvent(ControllerEvent{
		SessionID:  c.sess.ID,
		Kind:       kind,
		State:      c.State(),
		CycleCount: c.CycleCount(),
		Reason:     c.lastBlockReason,
		At:         time.Now(),
	})
}

func (c *Controller) notifyCycle(cycle int) {
	if c.onEvent == nil {
		return
	}
	c.onEvent(ControllerEvent{
		SessionID:  c.sess.ID,
		Kind:       CtrlEventCycle,
		State:      c.State(),
		CycleCount: cycle,
		At:         time.Now(),
	})
}
