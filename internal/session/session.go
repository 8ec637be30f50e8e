package session

import (
	"encoding/base64"
	"os"
	"os/exec"
	"sync"
	"time"
)

type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
)

// Message is one entry in a Session's bounded structured-message log
// (distinct from the raw terminalBuffer/textOutput byte streams) —
// used to hand parsed status blocks back to subscribers without
// replaying the whole scrollback.
type Message struct {
	At   time.Time `json:"at"`
	Kind string    `json:"kind"`
	Text string    `json:"text"`
}

// Session is a single hosted CLI process, attached to a multiplexer
// pane. Ownership: a Session never holds a pointer back to its
// RespawnController or to the supervisor; cross-references are by
// string ID through the supervisor's registry.
type Session struct {
	mu sync.Mutex

	ID        string
	Mode      Mode
	Tool      string // underlying binary: claude, opencode, or the shell
	Name      string // display label, user-assigned
	Color     string // display accent, user-assigned
	WorkDir   string
	Args      []string
	PTY       *os.File
	Cmd       *exec.Cmd
	CreatedAt time.Time
	Status    Status
	ExitCode  *int

	ToolSessionID  string
	ParentID       string
	MuxSessionName string
	restarting     bool

	// detaching is set by Manager.Detach just before it kills the local
	// attach process, so muxWaitLoop knows the resulting exit is a
	// deliberate detach (cleanupSession(killMux=false)) rather than a
	// pane death, and must not try to reattach or finalize the session.
	detaching bool

	rawPipe     *os.File
	rawPipePath string

	lastCols uint16
	lastRows uint16

	terminalBuffer *CapTrimBuffer
	textOutput     *CapTrimBuffer
	messages       *MessageLog[Message]

	subscribers map[chan []byte]struct{}
	subMu       sync.Mutex

	done     chan struct{}
	readDone chan struct{}

	detector Detector
	act      *activity

	eventMu   sync.Mutex
	eventSubs map[chan Event]struct{}

	// AutoAccept mirrors the teacher's YoloMode toggle, generalized to
	// every mode's permission-dialog detector rather than a single
	// hardcoded pattern.
	AutoAccept bool
	permTail   []byte

	// Feature flags (spec §3 Session fields).
	AutoClear            bool
	AutoClearThreshold   int64
	AutoCompact          bool
	AutoCompactThreshold int64
	AutoCompactPrompt    string
	ImageWatcher         bool
	FlickerFilter        bool

	// Token/cost accounting, surviving across respawns within one
	// Session's lifetime.
	Tokens         int64
	Cost           float64
	lifetimeTokens int64
	lifetimeCost   float64

	burnWindow []burnSample
	lastOutput []byte
}

type burnSample struct {
	at     time.Time
	tokens int64
}

const permTailSize = 4096

// SessionInfo is the JSON snapshot persisted and returned to clients.
type SessionInfo struct {
	ID             string   `json:"id"`
	Mode           Mode     `json:"mode"`
	Tool           string   `json:"tool"`
	Name           string   `json:"name,omitempty"`
	Color          string   `json:"color,omitempty"`
	WorkDir        string   `json:"workDir"`
	Args           []string `json:"args,omitempty"`
	Status         Status   `json:"status"`
	ExitCode       *int     `json:"exitCode,omitempty"`
	AutoAccept     bool     `json:"autoAccept"`
	CreatedAt      string   `json:"createdAt"`
	ToolSessionID  string   `json:"toolSessionId,omitempty"`
	ParentID       string   `json:"parentId,omitempty"`
	MuxSessionName string   `json:"muxSessionName,omitempty"`
	LastOutput     string   `json:"lastOutput,omitempty"`
	LastCols       uint16   `json:"lastCols,omitempty"`
	LastRows       uint16   `json:"lastRows,omitempty"`
	LifetimeTokens int64    `json:"lifetimeTokens,omitempty"`
	LifetimeCost   float64  `json:"lifetimeCost,omitempty"`

	AutoClear            bool   `json:"autoClear,omitempty"`
	AutoClearThreshold   int64  `json:"autoClearThreshold,omitempty"`
	AutoCompact          bool   `json:"autoCompact,omitempty"`
	AutoCompactThreshold int64  `json:"autoCompactThreshold,omitempty"`
	AutoCompactPrompt    string `json:"autoCompactPrompt,omitempty"`
}

func newSession(id string, mode Mode, tool, workDir string, args []string) *Session {
	return &Session{
		ID:             id,
		Mode:           mode,
		Tool:           tool,
		WorkDir:        workDir,
		Args:           args,
		CreatedAt:      time.Now(),
		Status:         StatusRunning,
		terminalBuffer: NewCapTrimBuffer(terminalBufferCap, terminalBufferTrim),
		textOutput:     NewCapTrimBuffer(textOutputCap, textOutputTrim),
		messages:       NewMessageLog[Message](messagesCap, messagesTrim),
		subscribers:    make(map[chan []byte]struct{}),
		done:           make(chan struct{}),
		detector:       ForMode(mode),
		act:            newActivity(),
		eventSubs:      make(map[chan Event]struct{}),
	}
}

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		ID:             s.ID,
		Mode:           s.Mode,
		Tool:           s.Tool,
		Name:           s.Name,
		Color:          s.Color,
		WorkDir:        s.WorkDir,
		Args:           s.Args,
		Status:         s.Status,
		ExitCode:       s.ExitCode,
		AutoAccept:     s.AutoAccept,
		CreatedAt:      s.CreatedAt.UTC().Format(time.RFC3339),
		ToolSessionID:  s.ToolSessionID,
		ParentID:       s.ParentID,
		MuxSessionName: s.MuxSessionName,
		LastCols:       s.lastCols,
		LastRows:       s.lastRows,
		LifetimeTokens: s.lifetimeTokens,
		LifetimeCost:   s.lifetimeCost,

		AutoClear:            s.AutoClear,
		AutoClearThreshold:   s.AutoClearThreshold,
		AutoCompact:          s.AutoCompact,
		AutoCompactThreshold: s.AutoCompactThreshold,
		AutoCompactPrompt:    s.AutoCompactPrompt,
	}
	if len(s.lastOutput) > 0 {
		info.LastOutput = base64.StdEncoding.EncodeToString(s.lastOutput)
	}
	return info
}

func (s *Session) Subscribe() (chan []byte, []byte) {
	ch := make(chan []byte, 1024)
	s.subMu.Lock()
	s.subscribers[ch] = struct{}{}
	scrollback := s.terminalBuffer.Bytes()
	s.subMu.Unlock()
	return ch, scrollback
}

func (s *Session) Unsubscribe(ch chan []byte) {
	s.subMu.Lock()
	delete(s.subscribers, ch)
	s.subMu.Unlock()
	close(ch)
}

func (s *Session) broadcast(data []byte) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- data:
		default:
			// slow consumer: drop rather than buffer unboundedly.
		}
	}
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// AppendMessage records a structured message (e.g. a parsed status
// block) into the bounded message log for mode-agnostic downstream
// consumers (progress parser, event bus) to read via Messages().
func (s *Session) AppendMessage(kind, text string) {
	s.messages.Append(Message{At: time.Now(), Kind: kind, Text: text})
	s.emit(EventMessage, func(e *Event) { e.Text = text })
}

func (s *Session) Messages() []Message {
	return s.messages.Items()
}

func (s *Session) TextOutput() []byte {
	return s.textOutput.Bytes()
}

// SetLabels updates the display-only name/color pair.
func (s *Session) SetLabels(name, color string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Name = name
	s.Color = color
}

// recordTokens folds usage into both the running and lifetime
// counters, and keeps a rolling window for burn-rate calculation.
func (s *Session) recordTokens(tokens int64, cost float64) {
	s.mu.Lock()
	s.Tokens += tokens
	s.Cost += cost
	s.lifetimeTokens += tokens
	s.lifetimeCost += cost
	s.burnWindow = append(s.burnWindow, burnSample{at: time.Now(), tokens: tokens})
	cutoff := time.Now().Add(-60 * time.Second)
	i := 0
	for i < len(s.burnWindow) && s.burnWindow[i].at.Before(cutoff) {
		i++
	}
	s.burnWindow = s.burnWindow[i:]
	s.mu.Unlock()
}

// BurnRate returns tokens/minute observed over the trailing 60s
// window, grounded on agent-racer's rolling burn-rate calculator.
func (s *Session) BurnRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.burnWindow) == 0 {
		return 0
	}
	var total int64
	span := time.Since(s.burnWindow[0].at)
	for _, sample := range s.burnWindow {
		total += sample.tokens
	}
	if span <= 0 {
		return 0
	}
	return float64(total) / span.Minutes()
}
