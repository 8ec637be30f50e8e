package session

import (
	"time"

	"github.com/loppo-llc/sentinel/internal/progress"
)

// EventKind is a closed tagged variant for everything a Session can
// report to its observers (the event bus, the respawn controller).
// Unlike the teacher's string-keyed emitter, an unknown kind is
// unrepresentable — callers switch over EventKind exhaustively.
type EventKind string

const (
	EventStarted        EventKind = "started"
	EventClearTerminal  EventKind = "clearTerminal"
	EventNeedsRefresh   EventKind = "needsRefresh"
	EventMessage        EventKind = "message"
	EventError          EventKind = "error"
	EventCompletion     EventKind = "completion"
	EventExit           EventKind = "exit"
	EventIdle           EventKind = "idle"
	EventWorking        EventKind = "working"
	EventAutoClear      EventKind = "autoClear"
	EventAutoCompact    EventKind = "autoCompact"
	EventStatusBlock    EventKind = "statusBlock"
	EventCircuitBreaker EventKind = "circuitBreakerUpdate"
	EventExitGateMet    EventKind = "exitGateMet"
	EventBashToolStart  EventKind = "bashToolStart"
	EventBashToolEnd    EventKind = "bashToolEnd"
	EventTaskCreated    EventKind = "taskCreated"
	EventTaskUpdated    EventKind = "taskUpdated"
	EventTaskCompleted  EventKind = "taskCompleted"
	EventTaskFailed     EventKind = "taskFailed"
)

// HookEvent is the closed set of out-of-band notifications an external
// hook/plugin bridge can deliver for a session (spec §6 ingress
// contract). Speculative OpenCode plugin-bridge event names are mapped
// onto this enum by internal/hookingress, never trusted verbatim.
type HookEvent string

const (
	HookIdlePrompt        HookEvent = "idle_prompt"
	HookPermissionPrompt  HookEvent = "permission_prompt"
	HookElicitationDialog HookEvent = "elicitation_dialog"
	HookStop              HookEvent = "stop"
	HookTeammateIdle      HookEvent = "teammate_idle"
	HookTaskCompleted     HookEvent = "task_completed"
)

// Event is the struct payload a Session emits. Only the fields
// relevant to Kind are populated; this keeps the wire encoding (JSON,
// string-keyed per the Design Notes carve-out) a simple flat object
// while the in-process type stays a closed variant.
type Event struct {
	SessionID string    `json:"sessionId"`
	Kind      EventKind `json:"kind"`
	At        time.Time `json:"at"`

	Chunk       []byte                `json:"-"`
	Text        string                `json:"text,omitempty"`
	ExitCode    int                   `json:"exitCode,omitempty"`
	Cost        float64               `json:"cost,omitempty"`
	StatusBlock *progress.StatusBlock `json:"statusBlock,omitempty"`
	Breaker     *progress.Status      `json:"breaker,omitempty"`
	Err         string                `json:"error,omitempty"`
}

const eventChanCap = 256

// SubscribeEvents registers a new receiver for the Session's structured
// lifecycle/event stream — distinct from Subscribe()'s raw terminal-byte
// channel. Both the event bus and the respawn controller subscribe
// independently, so events fan out to every subscriber rather than
// being read off one shared channel.
func (s *Session) SubscribeEvents() chan Event {
	ch := make(chan Event, eventChanCap)
	s.eventMu.Lock()
	s.eventSubs[ch] = struct{}{}
	s.eventMu.Unlock()
	return ch
}

// UnsubscribeEvents removes and closes a previously subscribed channel.
func (s *Session) UnsubscribeEvents(ch chan Event) {
	s.eventMu.Lock()
	delete(s.eventSubs, ch)
	s.eventMu.Unlock()
	close(ch)
}

// emit fans an event out to every event subscriber, dropping it for any
// subscriber whose channel is full rather than blocking the caller —
// output processing must never stall on a wedged consumer.
func (s *Session) emit(kind EventKind, mutate func(*Event)) {
	ev := Event{SessionID: s.ID, Kind: kind, At: time.Now()}
	if mutate != nil {
		mutate(&ev)
	}
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	for ch := range s.eventSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}
