package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// fakeSink is a hand-written Sink the bus can be tested against without
// a real websocket connection, as the Sink interface's doc comment allows.
type fakeSink struct {
	mu     sync.Mutex
	writes [][]byte
	fail   bool
	closed bool
}

func (f *fakeSink) WriteText(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("simulated stall")
	}
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSink) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeSink) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	for i, w := range f.writes {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

func (f *fakeSink) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func TestSubscriber_SendSucceeds(t *testing.T) {
	sink := &fakeSink{}
	sub := newSubscriber("id1", "s1", sink)
	sub.send(context.Background(), []byte("hello"))
	if sub.IsBackpressured() {
		t.Fatal("expected subscriber to remain writable after a successful send")
	}
	if sink.writeCount() != 1 {
		t.Fatalf("expected 1 write, got %d", sink.writeCount())
	}
}

func TestSubscriber_MarkedBackpressuredOnFailure(t *testing.T) {
	sink := &fakeSink{fail: true}
	sub := newSubscriber("id1", "s1", sink)
	sub.send(context.Background(), []byte("hello"))
	if !sub.IsBackpressured() {
		t.Fatal("expected subscriber to be marked backpressured after a failed write")
	}
}

func TestSubscriber_SkipsWritesWhileBackpressured(t *testing.T) {
	sink := &fakeSink{fail: true}
	sub := newSubscriber("id1", "s1", sink)
	sub.send(context.Background(), []byte("one"))
	sink.setFail(false)
	sub.send(context.Background(), []byte("two"))
	if sink.writeCount() != 0 {
		t.Fatal("expected no writes to reach a backpressured sink until drained")
	}
}

func TestSubscriber_ProbeFailsWhileSinkStillStalled(t *testing.T) {
	sink := &fakeSink{fail: true}
	sub := newSubscriber("id1", "s1", sink)
	sub.send(context.Background(), []byte("one"))

	if sub.probe(context.Background(), []byte("ping")) {
		t.Fatal("expected the probe to fail while the sink is still stalled")
	}
	if !sub.IsBackpressured() {
		t.Fatal("expected a failed probe to leave the subscriber backpressured")
	}
}

func TestSubscriber_ProbeClearsFlagOnlyOnSuccessfulWrite(t *testing.T) {
	sink := &fakeSink{fail: true}
	sub := newSubscriber("id1", "s1", sink)
	sub.send(context.Background(), []byte("one"))

	sink.setFail(false)
	if !sub.probe(context.Background(), []byte("ping")) {
		t.Fatal("expected the probe to report recovery once the sink accepts writes")
	}
	if sub.IsBackpressured() {
		t.Fatal("expected a successful probe to clear the backpressured flag")
	}

	// A second probe on a writable subscriber must report false: it was
	// not backpressured, so there is nothing to announce.
	if sub.probe(context.Background(), []byte("ping")) {
		t.Fatal("expected probing a writable subscriber to report false")
	}
}
