package hookingress

import "github.com/loppo-llc/sentinel/internal/session"

// maxFieldLen bounds any data field sentinel forwards downstream, per
// spec.md §6 ("truncate known-large fields to 500 chars").
const maxFieldLen = 500

// dataKeyWhitelist is the closed set of context keys a hook call may
// attach to an event. Anything else is dropped rather than forwarded,
// since this ingress is reachable by whatever plugin bridge the agent
// CLI ships and must not become an arbitrary data pipe.
var dataKeyWhitelist = map[string]bool{
	"message":     true,
	"tail":        true,
	"model":       true,
	"reason":      true,
	"planSummary": true,
}

// defaultEventNameTable maps the canonical event names from spec.md §6
// onto the closed session.HookEvent set.
func defaultEventNameTable() map[string]session.HookEvent {
	return map[string]session.HookEvent{
		"idle_prompt":        session.HookIdlePrompt,
		"permission_prompt":  session.HookPermissionPrompt,
		"elicitation_dialog": session.HookElicitationDialog,
		"stop":               session.HookStop,
		"teammate_idle":      session.HookTeammateIdle,
		"task_completed":     session.HookTaskCompleted,
	}
}

// resolveEvent looks a raw event name up in table, the concrete form of
// the Open Question decision recorded in DESIGN.md: unrecognized names
// are rejected rather than guessed at.
func resolveEvent(table map[string]session.HookEvent, name string) (session.HookEvent, bool) {
	ev, ok := table[name]
	return ev, ok
}

// sanitizeData applies the key whitelist and length truncation. Nil in,
// nil out — a call with no data attaches none rather than an empty map.
func sanitizeData(raw map[string]any) map[string]string {
	if raw == nil {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if !dataKeyWhitelist[k] {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		if len(s) > maxFieldLen {
			s = s[:maxFieldLen]
		}
		out[k] = s
	}
	return out
}
