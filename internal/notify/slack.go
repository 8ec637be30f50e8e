package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/slack-go/slack"
)

// SlackNotifier posts respawn-blocked and breaker-OPEN alerts to a
// single configured channel. It is a best-effort secondary channel:
// a missing token or channel disables it rather than failing startup.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	logger  *slog.Logger
}

// NewSlackNotifier returns nil when token or channel is empty so
// callers can wire it unconditionally (`if n != nil { n.Alert(...) }`)
// without branching on configuration at every call site.
func NewSlackNotifier(logger *slog.Logger, token, channel string) *SlackNotifier {
	if token == "" || channel == "" {
		return nil
	}
	return &SlackNotifier{
		client:  slack.New(token),
		channel: channel,
		logger:  logger,
	}
}

// Alert posts a single-line message. Send failures are logged, never
// returned — a Slack outage must not block a respawn decision or a
// session exit.
func (n *SlackNotifier) Alert(sessionID, summary string) {
	if n == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	text := summary
	if sessionID != "" {
		text = sessionID + ": " + summary
	}
	_, _, err := n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
	if err != nil {
		n.logger.Debug("slack alert failed", "err", err)
	}
}
