package session

import (
	"regexp"
	"strconv"
	"strings"
)

// claude's status line reports context usage as e.g. "142.3k tokens".
var tokenStatusRe = regexp.MustCompile(`(\d+(?:\.\d+)?)k tokens`)

// claude renders a running tool invocation as "⏺ Bash(command)" and its
// captured result lines prefixed with "⎿".
var bashToolRe = regexp.MustCompile(`⏺\s*Bash\(([^)]*)\)`)

// parseContextTokens extracts the context-token count from a claude
// status line, returning 0 when the chunk contains none. When the chunk
// carries several (a redraw repeats the status line), the last one wins.
func parseContextTokens(clean string) int64 {
	matches := tokenStatusRe.FindAllStringSubmatch(clean, -1)
	if len(matches) == 0 {
		return 0
	}
	v, err := strconv.ParseFloat(matches[len(matches)-1][1], 64)
	if err != nil {
		return 0
	}
	return int64(v * 1000)
}

// trackTokens folds a freshly parsed context-token reading into the
// session counters and evaluates the auto-clear/auto-compact
// thresholds. Claude mode only; called from the throttled parser path.
func (s *Session) trackTokens(clean string) {
	contextTokens := parseContextTokens(clean)
	if contextTokens <= 0 {
		return
	}

	s.mu.Lock()
	prev := s.act.lastContextTokens
	s.act.lastContextTokens = contextTokens

	// The context shrinking (a /clear or /compact landed) re-arms both
	// threshold triggers for the next climb.
	if contextTokens < prev {
		s.act.autoClearFired = false
		s.act.autoCompactFired = false
	}

	clearDue := s.AutoClear && s.AutoClearThreshold > 0 &&
		contextTokens >= s.AutoClearThreshold && !s.act.autoClearFired
	if clearDue {
		s.act.autoClearFired = true
	}
	compactDue := !clearDue && s.AutoCompact && s.AutoCompactThreshold > 0 &&
		contextTokens >= s.AutoCompactThreshold && !s.act.autoCompactFired
	if compactDue {
		s.act.autoCompactFired = true
	}
	compactPrompt := s.AutoCompactPrompt
	s.mu.Unlock()

	if delta := contextTokens - prev; delta > 0 {
		s.recordTokens(delta, 0)
	}

	if clearDue {
		s.emit(EventAutoClear, nil)
	}
	if compactDue {
		s.emit(EventAutoCompact, func(e *Event) { e.Text = compactPrompt })
	}
}

// trackBashTool recognizes claude's Bash tool banner and result marker
// in the filtered output, emitting paired start/end events so
// subscribers can surface long-running commands.
func (s *Session) trackBashTool(clean string) {
	if m := bashToolRe.FindStringSubmatch(clean); m != nil {
		s.mu.Lock()
		already := s.act.bashRunning
		s.act.bashRunning = true
		s.mu.Unlock()
		if !already {
			cmd := strings.TrimSpace(m[1])
			s.emit(EventBashToolStart, func(e *Event) { e.Text = cmd })
		}
		return
	}

	if strings.Contains(clean, "⎿") {
		s.mu.Lock()
		running := s.act.bashRunning
		s.act.bashRunning = false
		s.mu.Unlock()
		if running {
			s.emit(EventBashToolEnd, nil)
		}
	}
}
