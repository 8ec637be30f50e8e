package notify

import (
	"log/slog"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// newTestManager builds a Manager directly rather than through NewManager,
// which touches the real user's home directory to load or generate VAPID
// keys — unsuitable for a unit test.
func newTestManager() *Manager {
	return &Manager{
		logger:        slog.Default(),
		vapidPrivate:  "priv",
		vapidPublic:   "pub",
		subscriptions: make([]*webpush.Subscription, 0),
	}
}

func TestManager_VAPIDPublicKey(t *testing.T) {
	m := newTestManager()
	if m.VAPIDPublicKey() != "pub" {
		t.Fatalf("expected the configured public key, got %q", m.VAPIDPublicKey())
	}
}

func TestManager_SubscribeDedupesByEndpoint(t *testing.T) {
	m := newTestManager()
	m.Subscribe(&webpush.Subscription{Endpoint: "https://push.example/a"})
	m.Subscribe(&webpush.Subscription{Endpoint: "https://push.example/a"})
	if len(m.subscriptions) != 1 {
		t.Fatalf("expected duplicate endpoint to be deduped, got %d subscriptions", len(m.subscriptions))
	}
}

func TestManager_SubscribeAddsDistinctEndpoints(t *testing.T) {
	m := newTestManager()
	m.Subscribe(&webpush.Subscription{Endpoint: "https://push.example/a"})
	m.Subscribe(&webpush.Subscription{Endpoint: "https://push.example/b"})
	if len(m.subscriptions) != 2 {
		t.Fatalf("expected two distinct subscriptions, got %d", len(m.subscriptions))
	}
}

func TestManager_UnsubscribeRemovesMatchingEndpoint(t *testing.T) {
	m := newTestManager()
	m.Subscribe(&webpush.Subscription{Endpoint: "https://push.example/a"})
	m.Subscribe(&webpush.Subscription{Endpoint: "https://push.example/b"})
	m.Unsubscribe("https://push.example/a")
	if len(m.subscriptions) != 1 || m.subscriptions[0].Endpoint != "https://push.example/b" {
		t.Fatalf("expected only the non-matching endpoint to remain, got %+v", m.subscriptions)
	}
}

func TestManager_UnsubscribeUnknownEndpointIsNoOp(t *testing.T) {
	m := newTestManager()
	m.Subscribe(&webpush.Subscription{Endpoint: "https://push.example/a"})
	m.Unsubscribe("https://push.example/does-not-exist")
	if len(m.subscriptions) != 1 {
		t.Fatalf("expected unsubscribing an unknown endpoint to leave subscriptions untouched, got %+v", m.subscriptions)
	}
}

func TestManager_SendWithNoSubscriptionsIsNoOp(t *testing.T) {
	m := newTestManager()
	// Must not panic or dial out when there are no subscribers.
	m.Send([]byte("payload"))
}
