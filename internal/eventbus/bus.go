// Package eventbus fans Session events and batched terminal output out
// to live subscribers (the thin internal/server websocket glue),
// enforcing backpressure, adaptive batching, and the hard subscriber
// and session caps spec.md §4.3 requires.
package eventbus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loppo-llc/sentinel/internal/session"
)

var (
	ErrTooManySubscribers = errors.New("eventbus: too many subscribers")
	ErrTooManySessions    = errors.New("eventbus: too many sessions")
)

const (
	defaultMaxSubscribers = 100
	defaultHeartbeat      = 15 * time.Second
	updateDebounce        = 500 * time.Millisecond
	writeTimeout          = 5 * time.Second
)

// Frame is the wire envelope written to every subscriber. Kind stays
// string-keyed (the Design Notes' explicit carve-out) even though the
// in-process session.Event is a closed EventKind variant.
type Frame struct {
	Kind      string          `json:"kind"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Bus owns every live subscriber and per-session batcher.
type Bus struct {
	logger *slog.Logger

	maxSubscribers int
	maxSessions    int

	mu          sync.Mutex
	subscribers map[string]*Subscriber
	batchers    map[string]*batcher
	sessionIDs  map[string]struct{}

	scheduler *Scheduler
	cron      *cron.Cron

	onCacheInvalidate func(sessionID string)
}

// New builds a Bus. maxSubscribers<=0 uses the spec's default of 100;
// maxSessions<=0 means no session cap is enforced.
func New(logger *slog.Logger, maxSubscribers, maxSessions int) *Bus {
	if maxSubscribers <= 0 {
		maxSubscribers = defaultMaxSubscribers
	}
	return &Bus{
		logger:         logger,
		maxSubscribers: maxSubscribers,
		maxSessions:    maxSessions,
		subscribers:    make(map[string]*Subscriber),
		batchers:       make(map[string]*batcher),
		sessionIDs:     make(map[string]struct{}),
		scheduler:      NewScheduler(),
		cron:           cron.New(),
	}
}

// OnCacheInvalidate registers the callback the bus invokes whenever a
// session:created/deleted/updated frame goes out, per the §4.3 rule
// that only those three kinds invalidate light-state/session-list
// caches.
func (b *Bus) OnCacheInvalidate(fn func(sessionID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onCacheInvalidate = fn
}

// Start begins the liveness sweep on a robfig/cron schedule, the same
// library the multiplexer adapter uses for its periodic stats sampling.
func (b *Bus) Start(heartbeatInterval time.Duration) error {
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeat
	}
	if _, err := b.cron.AddFunc("@every "+heartbeatInterval.String(), b.sweep); err != nil {
		return err
	}
	b.cron.Start()
	return nil
}

// Stop halts the liveness sweep and flushes every debounced broadcast.
func (b *Bus) Stop() {
	<-b.cron.Stop().Done()
	b.scheduler.FlushAll()
}

// RegisterSession admits sessionID under the configurable session cap.
func (b *Bus) RegisterSession(sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessionIDs[sessionID]; ok {
		return nil
	}
	if b.maxSessions > 0 && len(b.sessionIDs) >= b.maxSessions {
		return ErrTooManySessions
	}
	b.sessionIDs[sessionID] = struct{}{}
	b.batchers[sessionID] = newBatcher(sessionID, b.flushBatch)
	return nil
}

// UnregisterSession drops a session's batcher and any pending debounced
// update broadcast for it.
func (b *Bus) UnregisterSession(sessionID string) {
	b.mu.Lock()
	batch, ok := b.batchers[sessionID]
	delete(b.batchers, sessionID)
	delete(b.sessionIDs, sessionID)
	b.mu.Unlock()
	if ok {
		batch.stop()
	}
	b.scheduler.CancelKey(updateKey(sessionID))
}

// Subscribe admits a new subscriber for sessionID ("" subscribes to the
// global session:created/deleted/updated feed only), enforcing the
// hard subscriber cap.
func (b *Bus) Subscribe(id, sessionID string, sink Sink) (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subscribers) >= b.maxSubscribers {
		return nil, ErrTooManySubscribers
	}
	sub := newSubscriber(id, sessionID, sink)
	b.subscribers[id] = sub
	return sub, nil
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// PublishTerminal feeds one PTY chunk into sessionID's batcher,
// registering the session on first use so callers don't have to order
// RegisterSession ahead of the first chunk.
func (b *Bus) PublishTerminal(sessionID string, data []byte) {
	b.mu.Lock()
	batch, ok := b.batchers[sessionID]
	if !ok {
		batch = newBatcher(sessionID, b.flushBatch)
		b.batchers[sessionID] = batch
		b.sessionIDs[sessionID] = struct{}{}
	}
	b.mu.Unlock()
	batch.feed(data)
}

func (b *Bus) flushBatch(sessionID string, framed []byte) {
	encoded, _ := json.Marshal(base64.StdEncoding.EncodeToString(framed))
	b.broadcast(sessionID, Frame{Kind: "terminal", SessionID: sessionID, Data: encoded})
}

// PublishEvent fans a session.Event out. session:created/deleted go
// straight through and invalidate caches; every other kind schedules a
// debounced session:updated and is itself broadcast immediately so
// high-frequency transitions (idle/working/completion) still reach
// live subscribers without themselves invalidating caches.
func (b *Bus) PublishEvent(ev session.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("failed to marshal event", "err", err)
		return
	}

	switch ev.Kind {
	case session.EventStarted:
		b.invalidate(ev.SessionID, "session:created", data)
	case session.EventExit:
		b.invalidate(ev.SessionID, "session:deleted", data)
	default:
		b.broadcast(ev.SessionID, Frame{Kind: string(ev.Kind), SessionID: ev.SessionID, Data: data})
		b.scheduleUpdated(ev.SessionID)
	}
}

// PublishRaw broadcasts an arbitrary payload under kind, for
// supervisor-level sources that aren't a session.Event — respawn
// controller transitions, the stats collector's periodic samples.
// These frames never invalidate caches or trigger session:updated.
func (b *Bus) PublishRaw(sessionID, kind string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Warn("failed to marshal raw frame", "kind", kind, "err", err)
		return
	}
	b.broadcast(sessionID, Frame{Kind: kind, SessionID: sessionID, Data: data})
}

func (b *Bus) scheduleUpdated(sessionID string) {
	b.scheduler.Schedule(updateKey(sessionID), updateDebounce, func() {
		b.invalidate(sessionID, "session:updated", nil)
	})
}

func (b *Bus) invalidate(sessionID, kind string, data json.RawMessage) {
	b.mu.Lock()
	cb := b.onCacheInvalidate
	b.mu.Unlock()
	if cb != nil {
		cb(sessionID)
	}
	b.broadcast(sessionID, Frame{Kind: kind, SessionID: sessionID, Data: data})
}

// broadcast serializes frame exactly once and writes it to every
// matching subscriber (global subscribers receive every session's
// frames; session-scoped subscribers only their own).
func (b *Bus) broadcast(sessionID string, frame Frame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		b.logger.Warn("failed to marshal frame", "err", err)
		return
	}

	b.mu.Lock()
	targets := make([]*Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.SessionID == "" || sub.SessionID == sessionID {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	for _, sub := range targets {
		sub.send(ctx, payload)
	}
}

func updateKey(sessionID string) string { return "session:updated:" + sessionID }

// heartbeatPad forces intermediate proxies (reverse proxies that
// buffer on line length) to flush the frame through immediately.
const heartbeatPad = "                                                                "

// sweep implements the §4.3 liveness pass: probe backpressured
// subscribers with the heartbeat frame, emit a single needsRefresh for
// any whose sink has genuinely drained, and send a keep-alive comment
// frame to everyone else. A permanently stalled sink fails its probe on
// every sweep and stays backpressured, so it never produces a
// needsRefresh at all.
func (b *Bus) sweep() {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	heartbeat, _ := json.Marshal(Frame{Kind: "heartbeat", Data: mustRaw(heartbeatPad)})
	for _, sub := range subs {
		if sub.IsBackpressured() {
			if sub.probe(ctx, heartbeat) {
				b.broadcast(sub.SessionID, Frame{Kind: "needsRefresh", SessionID: sub.SessionID})
			}
			continue
		}
		sub.send(ctx, heartbeat)
	}
}

func mustRaw(s string) json.RawMessage {
	encoded, _ := json.Marshal(s)
	return encoded
}
