package session

import (
	"bytes"
	"regexp"
	"strings"
	"time"
)

// Mode selects which CLI a Session is hosting. Detector behavior is
// polymorphic over Mode instead of scattering `if mode == "x"` checks
// through Session, per the capability-set design this repo follows.
type Mode string

const (
	ModeClaude   Mode = "claude"
	ModeOpenCode Mode = "opencode"
	ModeShell    Mode = "shell"
)

// strip ANSI escapes, replacing with a space to preserve word boundaries.
var ansiRe = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]|\x1b\].*?(?:\x07|\x1b\\)|\x1b[()][0-9A-B]`)
var multiSpaceRe = regexp.MustCompile(`[ \t]{2,}`)

// cleanANSI normalizes raw pane bytes for content-based pattern
// matching: strips escape sequences, collapses CR/LF variants, and
// squashes runs of whitespace.
func cleanANSI(b []byte) string {
	clean := ansiRe.ReplaceAll(b, []byte(" "))
	clean = bytes.ReplaceAll(clean, []byte("\r\n"), []byte("\n"))
	clean = bytes.ReplaceAll(clean, []byte("\r"), []byte("\n"))
	clean = multiSpaceRe.ReplaceAll(clean, []byte(" "))
	return string(clean)
}

// PermissionPrompt is returned when a detector recognizes a
// yes/no-style permission dialog that auto-accept is allowed to
// answer. Elicitation prompts (free-form input requests) never
// produce one.
type PermissionPrompt struct {
	Matched  string
	Response string
}

// Detector is the mode-specific capability set a Session consults for
// output classification, idle detection, and permission auto-accept.
// Session holds one as a field and never branches on its Mode after
// construction; every per-mode policy below lives here instead.
type Detector interface {
	Mode() Mode

	// CheckPermissionPrompt inspects the trailing output tail for a
	// yes/no permission dialog eligible for auto-accept.
	CheckPermissionPrompt(tail []byte) *PermissionPrompt

	// IsIdlePrompt reports whether the trailing output tail looks like
	// the CLI is sitting at an interactive prompt with nothing running
	// — one of the respawn controller's idle-detection signals.
	IsIdlePrompt(tail []byte) bool

	// FeedsParsers reports whether this mode's output runs through the
	// throttled status-block/token/bash-tool parsers.
	FeedsParsers() bool

	// HasWorkingPattern reports whether a filtered chunk shows the CLI
	// actively working (spinner animation, known keywords).
	HasWorkingPattern(clean string) bool

	// PromptIdleDebounce returns how long an idle prompt visible in
	// clean must persist before the session is declared idle, and
	// whether clean shows one at all.
	PromptIdleDebounce(clean string) (time.Duration, bool)

	// SilenceIdleTimeout is the window of no content changes after
	// which the session is declared idle; zero disables silence-driven
	// idle for this mode.
	SilenceIdleTimeout() time.Duration

	// SilenceBusyThreshold is the content gap past which new output
	// flips an idle session back to busy; zero disables the transition.
	SilenceBusyThreshold() time.Duration
}

// ForMode returns the Detector for a hosted CLI mode.
func ForMode(mode Mode) Detector {
	switch mode {
	case ModeClaude:
		return claudeDetector{}
	case ModeOpenCode:
		return opencodeDetector{}
	default:
		return shellDetector{}
	}
}

// "Do you ...? ... 1. Yes" pattern, allowing blank lines between the
// question and its options.
var permissionPattern = regexp.MustCompile(`(?i)Do you \S[^\n]*\?[\s\S]{0,200}?1\.\s*Yes`)

// claude's interactive prompt character (❯, U+276F), shown when idle
// and waiting for the next instruction.
var claudePromptRe = regexp.MustCompile(`(?m)^[\s>]*[>❯]\s*$`)

type claudeDetector struct{}

func (claudeDetector) Mode() Mode { return ModeClaude }

func (claudeDetector) CheckPermissionPrompt(tail []byte) *PermissionPrompt {
	clean := cleanANSI(tail)
	loc := permissionPattern.FindStringIndex(clean)
	if loc == nil {
		return nil
	}
	return &PermissionPrompt{Matched: clean[loc[0]:loc[1]]}
}

func (claudeDetector) IsIdlePrompt(tail []byte) bool {
	clean := cleanANSI(tail)
	return claudePromptRe.MatchString(clean)
}

// workingKeywords are case-insensitive substrings that mark a claude
// pane as actively working even if a prompt character briefly appears
// mid-render (e.g. inside a code block being streamed).
var workingKeywords = []string{
	"esc to interrupt",
	"thinking",
	"running",
	"generating",
}

// containsBrailleSpinner covers the Braille block used by claude's
// spinner animation (U+2800-U+28FF).
func containsBrailleSpinner(s string) bool {
	for _, r := range s {
		if r >= '⠀' && r <= '⣿' {
			return true
		}
	}
	return false
}

// promptDebounce is how long a claude prompt character must persist
// with no new content before the session is declared idle.
const promptDebounce = 2 * time.Second

func (claudeDetector) FeedsParsers() bool { return true }

func (claudeDetector) HasWorkingPattern(clean string) bool {
	if containsBrailleSpinner(clean) {
		return true
	}
	lower := strings.ToLower(clean)
	for _, kw := range workingKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (claudeDetector) PromptIdleDebounce(clean string) (time.Duration, bool) {
	if claudePromptRe.MatchString(clean) {
		return promptDebounce, true
	}
	return 0, false
}

func (claudeDetector) SilenceIdleTimeout() time.Duration   { return 0 }
func (claudeDetector) SilenceBusyThreshold() time.Duration { return 0 }

// opencode has no known stable content signal for its permission
// dialogs or idle prompt in this integration (see the Open Question on
// OpenCode hook/plugin event names recorded in DESIGN.md) — it relies
// on hook events and silence-based idle detection upstream in the
// respawn controller instead of content matching here.
type opencodeDetector struct{}

const (
	// opencodeSilenceThreshold is the silence gap after which new
	// content flips an opencode session from idle back to busy.
	opencodeSilenceThreshold = 1500 * time.Millisecond

	// opencodeIdleTimeout is the silence window after which an opencode
	// session is declared idle; longer than claude's because the TUI
	// repaints lazily.
	opencodeIdleTimeout = 8 * time.Second
)

func (opencodeDetector) Mode() Mode                                          { return ModeOpenCode }
func (opencodeDetector) CheckPermissionPrompt(tail []byte) *PermissionPrompt { return nil }
func (opencodeDetector) IsIdlePrompt(tail []byte) bool                       { return false }
func (opencodeDetector) FeedsParsers() bool                                  { return false }
func (opencodeDetector) HasWorkingPattern(clean string) bool                 { return false }
func (opencodeDetector) PromptIdleDebounce(clean string) (time.Duration, bool) {
	return 0, false
}
func (opencodeDetector) SilenceIdleTimeout() time.Duration   { return opencodeIdleTimeout }
func (opencodeDetector) SilenceBusyThreshold() time.Duration { return opencodeSilenceThreshold }

// shellPromptRe matches a typical trailing shell prompt: optional path,
// then $ or # followed by a trailing space and nothing else on the line.
var shellPromptRe = regexp.MustCompile(`(?m)[$#]\s*$`)

// shellDetector deliberately disables everything but the respawn
// controller's idle-prompt probe: shell mode never feeds the progress
// parser and never emits busy/idle activity events.
type shellDetector struct{}

func (shellDetector) Mode() Mode                                          { return ModeShell }
func (shellDetector) CheckPermissionPrompt(tail []byte) *PermissionPrompt { return nil }
func (shellDetector) IsIdlePrompt(tail []byte) bool {
	clean := cleanANSI(tail)
	return shellPromptRe.MatchString(clean)
}
func (shellDetector) FeedsParsers() bool                                    { return false }
func (shellDetector) HasWorkingPattern(clean string) bool                   { return false }
func (shellDetector) PromptIdleDebounce(clean string) (time.Duration, bool) { return 0, false }
func (shellDetector) SilenceIdleTimeout() time.Duration                     { return 0 }
func (shellDetector) SilenceBusyThreshold() time.Duration                   { return 0 }
