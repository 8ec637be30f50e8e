package eventbus

import (
	"sync"
	"time"
)

// Scheduler is the single debounced/batched-work primitive the bus uses
// for per-session session:updated coalescing and the global task-update
// batch, generalizing persistence.Store's per-key debounce timer beyond
// "write this key to disk" to "run this func after this delay."
type Scheduler struct {
	mu      sync.Mutex
	pending map[string]*time.Timer
	fns     map[string]func()
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		pending: make(map[string]*time.Timer),
		fns:     make(map[string]func()),
	}
}

// Schedule runs fn after delay under key, replacing (and resetting the
// clock on) any pending call already scheduled for that key.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.pending[key]; ok {
		t.Stop()
	}
	s.fns[key] = fn
	s.pending[key] = time.AfterFunc(delay, func() {
		s.FlushKey(key)
	})
}

// FlushKey runs key's pending fn immediately, if any, and clears it.
func (s *Scheduler) FlushKey(key string) {
	s.mu.Lock()
	if t, ok := s.pending[key]; ok {
		t.Stop()
		delete(s.pending, key)
	}
	fn, ok := s.fns[key]
	if ok {
		delete(s.fns, key)
	}
	s.mu.Unlock()

	if ok && fn != nil {
		fn()
	}
}

// FlushAll runs every pending fn immediately, in no particular order —
// used when the bus shuts down.
func (s *Scheduler) FlushAll() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.pending))
	for key := range s.pending {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	for _, key := range keys {
		s.FlushKey(key)
	}
}

// CancelKey drops a pending call without running it — used when a
// session is deleted before its debounce window elapses.
func (s *Scheduler) CancelKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.pending[key]; ok {
		t.Stop()
		delete(s.pending, key)
	}
	delete(s.fns, key)
}
