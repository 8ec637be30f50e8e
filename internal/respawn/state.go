// Package respawn drives the per-session recovery state machine: it
// watches a Session for idleness, injects recovery prompts through the
// multiplexer, and stops itself when the progress circuit breaker
// trips or the agent reports it is blocked.
package respawn

// State is one of the respawn controller's 13 states. stopped is the
// sole absorbing terminal state.
type State string

const (
	StateWatching         State = "watching"
	StateConfirmingIdle   State = "confirming_idle"
	StateAIChecking       State = "ai_checking"
	StateSendingUpdate    State = "sending_update"
	StateWaitingUpdate    State = "waiting_update"
	StateSendingClear     State = "sending_clear"
	StateWaitingClear     State = "waiting_clear"
	StateSendingInit      State = "sending_init"
	StateWaitingInit      State = "waiting_init"
	StateMonitoringInit   State = "monitoring_init"
	StateSendingKickstart State = "sending_kickstart"
	StateWaitingKickstart State = "waiting_kickstart"
	StateStopped          State = "stopped"
)

// Config enumerates every tunable the controller consults, per the
// option table in the respawn-controller specification.
type Config struct {
	IdleTimeoutMs int `json:"idleTimeoutMs"`

	UpdatePrompt     string `json:"updatePrompt"`
	InterStepDelayMs int    `json:"interStepDelayMs"`
	SendClear        bool   `json:"sendClear"`
	SendInit         bool   `json:"sendInit"`
	InitPrompt       string `json:"initPrompt,omitempty"`
	KickstartPrompt  string `json:"kickstartPrompt"`

	AutoAcceptPrompts bool `json:"autoAcceptPrompts"`
	AutoAcceptDelayMs int  `json:"autoAcceptDelayMs"`

	CompletionConfirmMs int `json:"completionConfirmMs"`
	NoOutputTimeoutMs   int `json:"noOutputTimeoutMs"`
	MaxUpdateRetries    int `json:"maxUpdateRetries"`

	AIIdleCheckEnabled    bool   `json:"aiIdleCheckEnabled"`
	AIIdleCheckModel      string `json:"aiIdleCheckModel,omitempty"`
	AIIdleCheckMaxContext int    `json:"aiIdleCheckMaxContext"`
	AIIdleCheckTimeoutMs  int    `json:"aiIdleCheckTimeoutMs"`
	AIIdleCheckCooldownMs int    `json:"aiIdleCheckCooldownMs"`

	AIPlanCheckEnabled    bool   `json:"aiPlanCheckEnabled"`
	AIPlanCheckModel      string `json:"aiPlanCheckModel,omitempty"`
	AIPlanCheckTimeoutMs  int    `json:"aiPlanCheckTimeoutMs"`
	AIPlanCheckCooldownMs int    `json:"aiPlanCheckCooldownMs"`

	DurationMinutes int `json:"durationMinutes"`
}

// DefaultConfig matches the spec's stated typical timings for a claude
// session; callers adjust per mode (OpenCode's idle timeout is longer).
func DefaultConfig() Config {
	return Config{
		IdleTimeoutMs:       3000,
		UpdatePrompt:        "Please continue with the task. Report progress using the status block format.",
		InterStepDelayMs:    500,
		SendClear:           false,
		SendInit:            false,
		KickstartPrompt:     "",
		AutoAcceptPrompts:   false,
		AutoAcceptDelayMs:   1500,
		CompletionConfirmMs: 2000,
		NoOutputTimeoutMs:   15000,
		MaxUpdateRetries:    3,
	}
}

// BlockReason names why a controller transitioned to stopped.
type BlockReason string

const (
	ReasonExplicitStop    BlockReason = "explicit_stop"
	ReasonCircuitOpen     BlockReason = "circuit_breaker_open"
	ReasonBlockedStatus   BlockReason = "blocked_status"
	ReasonFatalError      BlockReason = "fatal_error"
	ReasonPaneDead        BlockReason = "pane_dead"
	ReasonDurationExpired BlockReason = "duration_expired"
	ReasonExitGateMet     BlockReason = "exit_gate_met"

	// Breaker-specific reasons, mirrored from the breaker's reasonCode
	// so a blocked event says which condition actually tripped OPEN.
	ReasonNoProgressOpen BlockReason = "no_progress_open"
	ReasonSameError      BlockReason = "same_error_repeated"
	ReasonTestsFailing   BlockReason = "tests_failing_too_long"
)
