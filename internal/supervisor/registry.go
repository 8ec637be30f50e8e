package supervisor

import (
	"sync"

	"github.com/loppo-llc/sentinel/internal/respawn"
)

// registry holds everything the supervisor owns by string session id
// instead of by direct pointer, breaking the cyclic Session<->Controller
// <->Supervisor reference the Design Notes flag: a Controller is looked
// up by id whenever something needs to reach it, never captured in a
// closure held by the Session it watches.
type registry struct {
	mu          sync.Mutex
	controllers map[string]*respawn.Controller
	respawnCfg  map[string]respawn.Config
	cleaningUp  map[string]struct{}
}

func newRegistry() *registry {
	return &registry{
		controllers: make(map[string]*respawn.Controller),
		respawnCfg:  make(map[string]respawn.Config),
		cleaningUp:  make(map[string]struct{}),
	}
}

func (r *registry) putController(id string, c *respawn.Controller, cfg respawn.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controllers[id] = c
	r.respawnCfg[id] = cfg
}

func (r *registry) getController(id string) (*respawn.Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.controllers[id]
	return c, ok
}

func (r *registry) getRespawnConfig(id string) (respawn.Config, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.respawnCfg[id]
	return cfg, ok
}

func (r *registry) removeController(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.controllers, id)
	delete(r.respawnCfg, id)
}

// beginCleanup reports whether id was not already being cleaned up,
// and marks it as in-flight if so — the concurrency guard spec.md §4.6
// requires: two concurrent cleanupSession(id, true) calls must have the
// same observable effect as one.
func (r *registry) beginCleanup(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cleaningUp[id]; ok {
		return false
	}
	r.cleaningUp[id] = struct{}{}
	return true
}

func (r *registry) endCleanup(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cleaningUp, id)
}
