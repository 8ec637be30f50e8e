package notify

import (
	"log/slog"
	"testing"
)

func TestNewSlackNotifier_EmptyTokenOrChannelReturnsNil(t *testing.T) {
	if n := NewSlackNotifier(slog.Default(), "", "chan"); n != nil {
		t.Fatal("expected a nil notifier when token is empty")
	}
	if n := NewSlackNotifier(slog.Default(), "tok", ""); n != nil {
		t.Fatal("expected a nil notifier when channel is empty")
	}
}

func TestSlackNotifier_AlertOnNilReceiverIsNoOp(t *testing.T) {
	var n *SlackNotifier
	// Must not panic: Alert is called unconditionally by callers that
	// never checked whether Slack was configured.
	n.Alert("s1", "breaker open")
}
