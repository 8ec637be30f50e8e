package hookingress

import (
	"strings"
	"testing"

	"github.com/loppo-llc/sentinel/internal/session"
)

func TestResolveEvent_KnownNameMaps(t *testing.T) {
	table := defaultEventNameTable()
	ev, ok := resolveEvent(table, "idle_prompt")
	if !ok || ev != session.HookIdlePrompt {
		t.Fatalf("expected idle_prompt to resolve to HookIdlePrompt, got %v ok=%v", ev, ok)
	}
}

func TestResolveEvent_UnknownNameRejected(t *testing.T) {
	table := defaultEventNameTable()
	if _, ok := resolveEvent(table, "made_up_event"); ok {
		t.Fatal("expected an unrecognized event name to be rejected, not guessed at")
	}
}

func TestSanitizeData_NilInNilOut(t *testing.T) {
	if out := sanitizeData(nil); out != nil {
		t.Fatalf("expected nil data to stay nil, got %v", out)
	}
}

func TestSanitizeData_DropsNonWhitelistedKeys(t *testing.T) {
	out := sanitizeData(map[string]any{"message": "hi", "secretToken": "shh"})
	if _, ok := out["secretToken"]; ok {
		t.Fatal("expected a non-whitelisted key to be dropped")
	}
	if out["message"] != "hi" {
		t.Fatalf("expected whitelisted key to survive, got %+v", out)
	}
}

func TestSanitizeData_DropsNonStringValues(t *testing.T) {
	out := sanitizeData(map[string]any{"model": 42})
	if _, ok := out["model"]; ok {
		t.Fatal("expected a non-string value to be dropped rather than stringified")
	}
}

func TestSanitizeData_TruncatesOverlongFields(t *testing.T) {
	long := strings.Repeat("x", maxFieldLen+50)
	out := sanitizeData(map[string]any{"tail": long})
	if len(out["tail"]) != maxFieldLen {
		t.Fatalf("expected truncation to exactly %d chars, got %d", maxFieldLen, len(out["tail"]))
	}
}
