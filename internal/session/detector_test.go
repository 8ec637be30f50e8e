package session

import "testing"

func TestClaudeDetector_CheckPermissionPrompt_Match(t *testing.T) {
	d := ForMode(ModeClaude)
	prompt := []byte("Do you want to proceed?\n\n  1. Yes\n  2. No")
	p := d.CheckPermissionPrompt(prompt)
	if p == nil {
		t.Fatal("expected permission prompt match")
	}
}

func TestClaudeDetector_CheckPermissionPrompt_NoMatch(t *testing.T) {
	d := ForMode(ModeClaude)
	if d.CheckPermissionPrompt([]byte("just some regular output")) != nil {
		t.Fatal("expected no match for non-prompt output")
	}
}

func TestClaudeDetector_CheckPermissionPrompt_StripsANSI(t *testing.T) {
	d := ForMode(ModeClaude)
	raw := []byte("\x1b[1mDo you want to proceed?\x1b[0m\r\n\x1b[32m  1. Yes\x1b[0m")
	if d.CheckPermissionPrompt(raw) == nil {
		t.Fatal("expected match after ANSI stripping")
	}
}

func TestClaudeDetector_IsIdlePrompt(t *testing.T) {
	d := ForMode(ModeClaude)
	if !d.IsIdlePrompt([]byte("some output\n❯ ")) {
		t.Fatal("expected idle prompt character to be detected")
	}
	if d.IsIdlePrompt([]byte("thinking...")) {
		t.Fatal("expected no idle prompt match on plain output")
	}
}

func TestOpenCodeDetector_NeverMatchesContent(t *testing.T) {
	d := ForMode(ModeOpenCode)
	if d.CheckPermissionPrompt([]byte("Do you want to proceed? 1. Yes")) != nil {
		t.Fatal("opencode detector has no content-based permission signal")
	}
	if d.IsIdlePrompt([]byte("❯ ")) {
		t.Fatal("opencode detector has no content-based idle signal")
	}
}

func TestShellDetector_IsIdlePrompt(t *testing.T) {
	d := ForMode(ModeShell)
	if !d.IsIdlePrompt([]byte("user@host:/tmp$ ")) {
		t.Fatal("expected shell prompt to be detected as idle")
	}
	if d.IsIdlePrompt([]byte("running a long command")) {
		t.Fatal("expected no idle match mid-command")
	}
}

func TestForMode_DefaultsToShell(t *testing.T) {
	if ForMode(Mode("unknown")).Mode() != ModeShell {
		t.Fatal("expected unknown mode to fall back to shell detector")
	}
}

func TestCleanANSI_CollapsesWhitespaceAndStripsEscapes(t *testing.T) {
	got := cleanANSI([]byte("\x1b[2J\x1b[1;1Hhello\r\nworld"))
	if got != " hello\nworld" {
		t.Fatalf("unexpected clean output: %q", got)
	}
}
