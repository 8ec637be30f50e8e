package persistence

import (
	"log/slog"
	"strings"
	"time"

	"github.com/loppo-llc/sentinel/internal/muxadapter"
	"github.com/loppo-llc/sentinel/internal/respawn"
	"github.com/loppo-llc/sentinel/internal/session"
)

// gracePeriod is how long a freshly restarted supervisor waits before
// letting any recovered RespawnController start sending recovery input,
// so it doesn't spray prompts into agents that are merely mid-render.
const gracePeriod = 2 * time.Minute

// PaneRecord is the sibling mapping to PersistedState: one row per
// multiplexer pane sentinel owns, independent of whether the Session
// that created it is still registered.
type PaneRecord struct {
	SessionID      string          `json:"sessionId"`
	MuxSessionName string          `json:"muxSessionName"`
	Mode           session.Mode    `json:"mode"`
	Tool           string          `json:"tool"`
	Name           string          `json:"name,omitempty"`
	WorkDir        string          `json:"workDir"`
	RespawnConfig  *respawn.Config `json:"respawnConfig,omitempty"`
}

// PersistedState is one row of the sessions.json mapping: the
// session's own JSON snapshot plus its respawn configuration, kept
// alongside it so a session carries its own respawn intent instead of
// relying solely on the pane record. session.SessionInfo cannot carry
// this field directly — session must not import respawn, since respawn
// already imports session.
type PersistedState struct {
	Info          session.SessionInfo `json:"info"`
	RespawnConfig *respawn.Config     `json:"respawnConfig,omitempty"`
}

// Reconciler runs the startup sequence of spec.md §4.6: load state,
// query live panes, classify, recover/discover/remove, and schedule
// (but not start) any RespawnController whose persisted config had
// respawn enabled.
type Reconciler struct {
	Logger  *slog.Logger
	Manager *session.Manager
	Adapter muxadapter.Adapter

	SessionStore *Store[PersistedState]
	PaneStore    *Store[PaneRecord]

	ServerStartTime time.Time

	// NewController builds (but does not start) a respawn.Controller for
	// a recovered session — supplied by the caller (internal/supervisor)
	// so reconcile.go never has to know about AI oracles or the
	// controller-event callback wiring.
	NewController func(s *session.Session, cfg respawn.Config) *respawn.Controller

	// OnControllerReady lets the caller register the controller (and the
	// config it was built with) in its own registry before it's
	// scheduled to start.
	OnControllerReady func(sessionID string, c *respawn.Controller, cfg respawn.Config)
}

// Result summarizes what Run did, for startup logging.
type Result struct {
	Recovered int
	Adopted   int
	Removed   int
	Scheduled int
}

// guessModeFromCommand implements the discovery heuristic from spec.md
// §4.2/§6: infer a session's mode from the pane's foreground process
// name when nothing else is known. Unrecognized commands default to
// shell mode rather than guessing wrong.
func guessModeFromCommand(cmd string) session.Mode {
	switch {
	case strings.Contains(cmd, "claude"):
		return session.ModeClaude
	case strings.Contains(cmd, "opencode"):
		return session.ModeOpenCode
	default:
		return session.ModeShell
	}
}

// Run executes the full reconciliation sequence. The caller must open
// the public listening socket only after Run returns (spec.md §4.6
// step 6).
func (r *Reconciler) Run() (Result, error) {
	var result Result

	paneRecords, err := r.PaneStore.Load()
	if err != nil {
		r.Logger.Warn("failed to load pane records, starting empty", "err", err)
		paneRecords = nil
	}

	sessionInfos, err := r.SessionStore.Load()
	if err != nil {
		r.Logger.Warn("failed to load session state, starting empty", "err", err)
		sessionInfos = nil
	}

	liveNames, err := r.Adapter.ListManagedSessions()
	if err != nil {
		r.Logger.Warn("failed to enumerate live panes", "err", err)
		liveNames = nil
	}
	live := make(map[string]bool, len(liveNames))
	for _, name := range liveNames {
		live[name] = true
	}

	knownByMux := make(map[string]PaneRecord, len(paneRecords))
	for _, rec := range paneRecords {
		if rec.MuxSessionName != "" {
			knownByMux[rec.MuxSessionName] = rec
		}
	}

	// Known-but-dead: panes we have a record for that no longer exist.
	for muxName, rec := range knownByMux {
		if !live[muxName] {
			r.Logger.Info("removing dead pane record", "mux", muxName, "sessionId", rec.SessionID)
			r.PaneStore.Delete(rec.SessionID)
			r.SessionStore.Delete(rec.SessionID)
			result.Removed++
		}
	}

	// Alive and known: recover via the Manager, which already implements
	// the attach-or-mark-dead branch of this classification.
	handledMux := make(map[string]bool, len(sessionInfos))
	for _, ps := range sessionInfos {
		info := ps.Info
		rec, known := knownByMux[info.MuxSessionName]
		if info.MuxSessionName == "" || !known || !live[info.MuxSessionName] {
			continue
		}
		handledMux[info.MuxSessionName] = true
		s := r.Manager.RestoreFromInfo(info)
		r.Manager.Register(s)
		result.Recovered++

		// State file wins; the pane record's config is consulted only
		// when the state file has none for this id.
		cfg := ps.RespawnConfig
		if cfg == nil {
			cfg = rec.RespawnConfig
		}
		if cfg != nil {
			r.scheduleController(s, *cfg)
			result.Scheduled++
		}
	}

	// Alive panes with a surviving pane record but no matching session
	// state (the sessions.json entry was lost independently of
	// panes.json): reconstruct from the pane record instead of silently
	// dropping them. Mode guessed from the live foreground process
	// unless the pane record already names one, per the persisted
	// record taking precedence over the guess.
	for muxName, rec := range knownByMux {
		if handledMux[muxName] || !live[muxName] {
			continue
		}
		mode := rec.Mode
		if mode == "" {
			cmd, err := r.Adapter.ForegroundCommand(muxName)
			if err != nil {
				r.Logger.Warn("failed to query foreground command", "mux", muxName, "err", err)
			}
			mode = guessModeFromCommand(cmd)
		}
		info := session.SessionInfo{
			ID:             rec.SessionID,
			Mode:           mode,
			Tool:           rec.Tool,
			Name:           rec.Name,
			WorkDir:        rec.WorkDir,
			Status:         session.StatusRunning,
			MuxSessionName: muxName,
			CreatedAt:      time.Now().UTC().Format(time.RFC3339),
		}
		s := r.Manager.RestoreFromInfo(info)
		r.Manager.Register(s)
		r.Logger.Info("recovered pane from record without session state", "mux", muxName, "mode", mode)
		result.Recovered++

		if rec.RespawnConfig != nil {
			r.scheduleController(s, *rec.RespawnConfig)
			result.Scheduled++
		}
	}

	// Alive and unknown: discover and adopt panes with no persisted
	// record at all (e.g. both state files were lost but the
	// multiplexer server survived a restart). Mode guessed from the
	// live foreground process name.
	for muxName := range live {
		if _, ok := knownByMux[muxName]; ok {
			continue
		}
		cmd, err := r.Adapter.ForegroundCommand(muxName)
		if err != nil {
			r.Logger.Warn("failed to query foreground command", "mux", muxName, "err", err)
		}
		mode := guessModeFromCommand(cmd)
		info := session.SessionInfo{
			ID:             muxName,
			Mode:           mode,
			Tool:           string(mode),
			Status:         session.StatusRunning,
			MuxSessionName: muxName,
			CreatedAt:      time.Now().UTC().Format(time.RFC3339),
		}
		s := r.Manager.RestoreFromInfo(info)
		r.Manager.Register(s)
		r.Logger.Info("adopted undiscovered pane", "mux", muxName, "mode", mode)
		result.Adopted++
	}

	return result, nil
}

// scheduleController builds the controller now (so it can be
// registered) but defers Start() until the grace period from
// ServerStartTime has elapsed.
func (r *Reconciler) scheduleController(s *session.Session, cfg respawn.Config) {
	if r.NewController == nil {
		return
	}
	ctrl := r.NewController(s, cfg)
	if r.OnControllerReady != nil {
		r.OnControllerReady(s.ID, ctrl, cfg)
	}

	delay := time.Until(r.ServerStartTime.Add(gracePeriod))
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, ctrl.Start)
}
