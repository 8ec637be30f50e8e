package supervisor

import (
	"fmt"

	"github.com/loppo-llc/sentinel/internal/persistence"
	"github.com/loppo-llc/sentinel/internal/respawn"
)

// CleanupSession implements spec.md §4.6's cleanupSession(id, killMux):
// killMux=true is an explicit user delete — it kills the pane, removes
// every persisted record, and leaves the session's already-accumulated
// lifetime token/cost counters as the final tally. killMux=false
// detaches the local PTY attach only, persisting final state so the
// pane and its record are rediscovered on the next reconciliation.
//
// Idempotent: a concurrent second call for the same id while the first
// is still in flight is a no-op, per the concurrency guard spec.md §9
// requires.
func (s *Supervisor) CleanupSession(id string, killMux bool) error {
	if !s.reg.beginCleanup(id) {
		return nil
	}
	defer s.reg.endCleanup(id)

	sess, ok := s.manager.Get(id)
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}

	s.StopRespawn(id, respawn.ReasonExplicitStop)

	if killMux {
		info := sess.Info()
		tally, _ := s.tallyStore.Get(persistence.TallyKey)
		tally.Sessions++
		tally.Tokens += info.LifetimeTokens
		tally.Cost += info.LifetimeCost
		s.tallyStore.Put(persistence.TallyKey, tally)

		if err := s.manager.Stop(id); err != nil {
			s.logger.Debug("cleanup: stop failed, session may already be exited", "id", id, "err", err)
		}
		s.sessionStore.Delete(id)
		s.paneStore.Delete(id)
		s.bus.UnregisterSession(id)
		if sess.MuxSessionName != "" {
			s.stats.Untrack(sess.MuxSessionName)
		}
		s.logger.Info("session cleaned up", "id", id, "killMux", true)
		return nil
	}

	s.persistSession(sess)
	if err := s.manager.Detach(id); err != nil {
		return fmt.Errorf("cleanup: detach: %w", err)
	}
	s.logger.Info("session cleaned up", "id", id, "killMux", false)
	return nil
}
