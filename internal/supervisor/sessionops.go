package supervisor

import (
	"context"
	"fmt"

	"github.com/loppo-llc/sentinel/internal/notify"
	"github.com/loppo-llc/sentinel/internal/persistence"
	"github.com/loppo-llc/sentinel/internal/progress"
	"github.com/loppo-llc/sentinel/internal/respawn"
	"github.com/loppo-llc/sentinel/internal/session"
)

// Push exposes the supervisor's own web-push notifier so the server layer
// can serve the VAPID key and subscribe/unsubscribe endpoints without
// constructing a second, divergent notify.Manager.
func (s *Supervisor) Push() *notify.Manager { return s.push }

// WriteSession pushes bytes directly into a session's PTY, the
// server layer's path for terminal input arriving over its websocket
// upgrade. internal/server never touches internal/session directly,
// so this and the other passthroughs below exist purely to keep that
// boundary intact.
func (s *Supervisor) WriteSession(id string, data []byte) error {
	sess, ok := s.manager.Get(id)
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	_, err := sess.Write(data)
	return err
}

// ResizeSession propagates a terminal resize from a client to both the
// PTY and (if multiplexer-backed) the pane itself.
func (s *Supervisor) ResizeSession(id string, cols, rows uint16) error {
	sess, ok := s.manager.Get(id)
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	return sess.Resize(s.adapter, cols, rows)
}

// SetAutoAccept toggles a session's permission auto-accept detector.
func (s *Supervisor) SetAutoAccept(id string, enabled bool) error {
	sess, ok := s.manager.Get(id)
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	sess.SetAutoAccept(enabled)
	s.persistSession(sess)
	return nil
}

// SetLabels renames a session's display name/color and persists the
// updated snapshot (including the pane record, so the name survives a
// supervisor restart even when sessions.json is lost).
func (s *Supervisor) SetLabels(id, name, color string) error {
	sess, ok := s.manager.Get(id)
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	sess.SetLabels(name, color)
	s.persistSession(sess)
	return nil
}

// LifetimeStats returns the accumulated tally of deleted sessions'
// final token/cost counters.
func (s *Supervisor) LifetimeStats() persistence.Tally {
	tally, _ := s.tallyStore.Get(persistence.TallyKey)
	return tally
}

// SetAutoClear and SetAutoCompact configure a session's context
// automation thresholds and persist the updated snapshot.
func (s *Supervisor) SetAutoClear(id string, enabled bool, threshold int64) error {
	sess, ok := s.manager.Get(id)
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	sess.SetAutoClear(enabled, threshold)
	s.persistSession(sess)
	return nil
}

func (s *Supervisor) SetAutoCompact(id string, enabled bool, threshold int64, prompt string) error {
	sess, ok := s.manager.Get(id)
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	sess.SetAutoCompact(enabled, threshold, prompt)
	s.persistSession(sess)
	return nil
}

// RunPrompt executes a one-shot prompt against a claude session,
// returning its structured result and cost.
func (s *Supervisor) RunPrompt(ctx context.Context, id, prompt string) (*session.PromptResult, error) {
	res, err := s.manager.RunPrompt(ctx, id, prompt)
	if err != nil {
		return nil, err
	}
	if sess, ok := s.manager.Get(id); ok {
		s.persistSession(sess)
	}
	return res, nil
}

// RespawnStatus reports a running controller's state and cycle count,
// for the server layer's GET .../respawn endpoint.
type RespawnStatus struct {
	Running    bool          `json:"running"`
	State      respawn.State `json:"state,omitempty"`
	CycleCount int           `json:"cycleCount,omitempty"`
}

func (s *Supervisor) RespawnStatus(id string) RespawnStatus {
	ctrl, ok := s.reg.getController(id)
	if !ok {
		return RespawnStatus{}
	}
	return RespawnStatus{Running: true, State: ctrl.State(), CycleCount: ctrl.CycleCount()}
}

// BreakerStatus returns a session's circuit-breaker snapshot.
func (s *Supervisor) BreakerStatus(id string) (progress.Status, error) {
	sess, ok := s.manager.Get(id)
	if !ok {
		return progress.Status{}, fmt.Errorf("session not found: %s", id)
	}
	return sess.Breaker().Status(), nil
}

// ResetBreaker implements the testable round-trip property that
// resetCircuitBreaker() always returns state to CLOSED regardless of
// prior state.
func (s *Supervisor) ResetBreaker(id string) error {
	sess, ok := s.manager.Get(id)
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	sess.Breaker().Reset()
	return nil
}

// NotifyIterationProgress lets an external caller (the server layer, on
// behalf of a respawn controller observing forward motion outside a
// parsed status block) reset the no-progress streak early.
func (s *Supervisor) NotifyIterationProgress(id string) error {
	sess, ok := s.manager.Get(id)
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	sess.NotifyIterationProgress()
	return nil
}

// Messages returns a session's bounded structured-message log (parsed
// status blocks) for API snapshots.
func (s *Supervisor) Messages(id string) ([]session.Message, error) {
	sess, ok := s.manager.Get(id)
	if !ok {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	return sess.Messages(), nil
}
