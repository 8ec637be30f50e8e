// Package supervisor is the glue layer spec.md's Ownership section
// describes: it owns the id -> Session mapping (via session.Manager),
// the event bus, and the id -> RespawnController mapping, and is the
// only place that wires a session's lifecycle to persistence, the
// lifecycle log, and outbound notifications. internal/server and
// internal/hookingress only ever call into Supervisor, never into
// session.Manager or respawn.Controller directly.
package supervisor

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loppo-llc/sentinel/internal/eventbus"
	"github.com/loppo-llc/sentinel/internal/hookingress"
	"github.com/loppo-llc/sentinel/internal/muxadapter"
	"github.com/loppo-llc/sentinel/internal/notify"
	"github.com/loppo-llc/sentinel/internal/persistence"
	"github.com/loppo-llc/sentinel/internal/persistence/lifecyclelog"
	"github.com/loppo-llc/sentinel/internal/progress"
	"github.com/loppo-llc/sentinel/internal/respawn"
	"github.com/loppo-llc/sentinel/internal/session"
)

// Config bundles what New needs beyond the components it builds
// internally, so cmd/sentineld stays a thin assembly of flags into
// this one struct.
type Config struct {
	Logger  *slog.Logger
	Adapter muxadapter.Adapter
	Oracle  respawn.AIOracle // optional; nil is a fully supported default

	MaxSubscribers    int
	MaxSessions       int
	HeartbeatInterval time.Duration
	StatsSchedule     string // robfig/cron expression, e.g. "@every 5s"

	LifecycleLogPath string

	SlackToken   string
	SlackChannel string
}

// Supervisor is the process-wide owner spec.md's Ownership section
// assigns to "the supervisor": the id->Session map (through Manager),
// the event bus, and the id->RespawnController map (through registry).
type Supervisor struct {
	logger  *slog.Logger
	adapter muxadapter.Adapter
	oracle  respawn.AIOracle

	manager *session.Manager
	bus     *eventbus.Bus
	stats   *muxadapter.StatsCollector

	sessionStore *persistence.Store[persistence.PersistedState]
	paneStore    *persistence.Store[persistence.PaneRecord]
	tallyStore   *persistence.Store[persistence.Tally]
	lifecycle    *lifecyclelog.Log

	push  *notify.Manager
	slack *notify.SlackNotifier

	reg *registry

	startTime         time.Time
	heartbeatInterval time.Duration
}

// New wires every subsystem together but starts none of them; the
// stats collector's ticker and the bus's heartbeat are started by
// Reconcile. Callers must call Reconcile before accepting external
// traffic (spec.md §4.6 step 6).
func New(cfg Config) (*Supervisor, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("supervisor: logger is required")
	}
	if cfg.Adapter == nil {
		return nil, fmt.Errorf("supervisor: adapter is required")
	}

	sessionStore, err := persistence.NewStore[persistence.PersistedState](cfg.Logger, "sessions.json")
	if err != nil {
		return nil, fmt.Errorf("supervisor: open session store: %w", err)
	}
	paneStore, err := persistence.NewStore[persistence.PaneRecord](cfg.Logger, "panes.json")
	if err != nil {
		return nil, fmt.Errorf("supervisor: open pane store: %w", err)
	}
	tallyStore, err := persistence.NewStore[persistence.Tally](cfg.Logger, "stats.json")
	if err != nil {
		return nil, fmt.Errorf("supervisor: open stats store: %w", err)
	}
	if _, err := tallyStore.Load(); err != nil {
		cfg.Logger.Warn("failed to load lifetime stats, starting empty", "err", err)
	}

	logPath := cfg.LifecycleLogPath
	if logPath == "" {
		dir, err := persistence.ConfigDir()
		if err != nil {
			return nil, fmt.Errorf("supervisor: resolve config dir: %w", err)
		}
		logPath = dir + "/lifecycle.db"
	}
	lifecycle, err := lifecyclelog.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open lifecycle log: %w", err)
	}

	push, err := notify.NewManager(cfg.Logger)
	if err != nil {
		lifecycle.Close()
		return nil, fmt.Errorf("supervisor: init push notifier: %w", err)
	}
	slackNotifier := notify.NewSlackNotifier(cfg.Logger, cfg.SlackToken, cfg.SlackChannel)

	statsSchedule := cfg.StatsSchedule
	if statsSchedule == "" {
		statsSchedule = "@every 5s"
	}
	stats, err := muxadapter.NewStatsCollector(cfg.Adapter, cfg.Logger, statsSchedule)
	if err != nil {
		lifecycle.Close()
		return nil, fmt.Errorf("supervisor: init stats collector: %w", err)
	}

	bus := eventbus.New(cfg.Logger, cfg.MaxSubscribers, cfg.MaxSessions)

	manager := session.NewManager(cfg.Logger, cfg.Adapter)

	sup := &Supervisor{
		logger:            cfg.Logger,
		adapter:           cfg.Adapter,
		oracle:            cfg.Oracle,
		manager:           manager,
		bus:               bus,
		stats:             stats,
		sessionStore:      sessionStore,
		paneStore:         paneStore,
		tallyStore:        tallyStore,
		lifecycle:         lifecycle,
		push:              push,
		slack:             slackNotifier,
		reg:               newRegistry(),
		startTime:         time.Now(),
		heartbeatInterval: cfg.HeartbeatInterval,
	}

	manager.OnSessionExit = sup.onSessionExit
	bus.OnCacheInvalidate(func(sessionID string) {
		// Light-state/session-list caches are the server layer's concern;
		// the bus already re-broadcasts the invalidating frame itself,
		// so there is nothing further for the supervisor to do here.
		// Nothing replaces this no-op callback after construction.
	})

	return sup, nil
}

// HookDispatcher returns the Dispatcher internal/hookingress needs to
// route a resolved hook event into the right session's controller.
func (s *Supervisor) HookDispatcher() hookingress.Dispatcher {
	return func(sessionID string, event session.HookEvent, data map[string]string) error {
		if _, ok := s.manager.Get(sessionID); !ok {
			return fmt.Errorf("session not found: %s", sessionID)
		}
		if event == session.HookTaskCompleted {
			s.bus.PublishEvent(session.Event{
				SessionID: sessionID,
				Kind:      session.EventTaskCompleted,
				At:        time.Now(),
				Text:      data["message"],
			})
		}
		if ctrl, ok := s.reg.getController(sessionID); ok {
			ctrl.NotifyHookEvent(event, data)
		}
		return nil
	}
}

// Reconcile runs the startup sequence (spec.md §4.6): load persisted
// state, classify live multiplexer panes against it, recover/adopt/
// remove, and schedule (but not start) respawn controllers for anything
// that had one configured. The caller must not open its public listener
// until this returns.
func (s *Supervisor) Reconcile() (persistence.Result, error) {
	rec := &persistence.Reconciler{
		Logger:          s.logger,
		Manager:         s.manager,
		Adapter:         s.adapter,
		SessionStore:    s.sessionStore,
		PaneStore:       s.paneStore,
		ServerStartTime: s.startTime,
		NewController:   s.newController,
		OnControllerReady: func(sessionID string, c *respawn.Controller, cfg respawn.Config) {
			s.reg.putController(sessionID, c, cfg)
		},
	}
	result, err := rec.Run()
	if err != nil {
		return result, err
	}

	for _, sess := range s.manager.List() {
		s.adoptSession(sess)
	}

	s.stats.Start()
	if err := s.bus.Start(s.heartbeatInterval); err != nil {
		return result, fmt.Errorf("supervisor: start event bus: %w", err)
	}

	s.logger.Info("reconciliation complete",
		"recovered", result.Recovered, "adopted", result.Adopted,
		"removed", result.Removed, "scheduled", result.Scheduled)
	return result, nil
}

// adoptSession registers a (possibly just-recovered) Session with the
// bus and stats collector and starts forwarding its event stream. Both
// CreateSession and Reconcile funnel through this single path so a
// session is wired identically regardless of how it came to exist.
func (s *Supervisor) adoptSession(sess *session.Session) {
	if err := s.bus.RegisterSession(sess.ID); err != nil {
		s.logger.Warn("failed to register session with event bus", "id", sess.ID, "err", err)
	}
	if sess.MuxSessionName != "" {
		s.stats.Track(sess.MuxSessionName)
	}
	go s.forwardEvents(sess)
	go s.forwardTerminal(sess)
}

// forwardTerminal relays one Session's raw PTY byte stream into the
// bus's per-session batcher until the session exits. This is the other
// half of adoptSession's wiring: forwardEvents carries the structured
// lifecycle stream, forwardTerminal carries the data-plane spec.md
// §2's data flow diagram calls "pane stdout -> Session buffer ->
// Event bus".
func (s *Supervisor) forwardTerminal(sess *session.Session) {
	ch, _ := sess.Subscribe()
	defer sess.Unsubscribe(ch)
	for {
		select {
		case data, ok := <-ch:
			if !ok {
				return
			}
			s.bus.PublishTerminal(sess.ID, data)
		case <-sess.Done():
			return
		}
	}
}

// forwardEvents relays one Session's structured event stream onto the
// bus and into the lifecycle log until the session exits or is removed.
func (s *Supervisor) forwardEvents(sess *session.Session) {
	ch := sess.SubscribeEvents()
	defer sess.UnsubscribeEvents(ch)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.bus.PublishEvent(ev)
			s.logLifecycleEvent(ev)
			s.notifyLifecycleEvent(ev)
			s.handleContextEvent(sess, ev)
			if ev.Kind == session.EventExit {
				return
			}
		case <-sess.Done():
			return
		}
	}
}

func (s *Supervisor) logLifecycleEvent(ev session.Event) {
	if s.lifecycle == nil {
		return
	}
	switch ev.Kind {
	case session.EventStarted, session.EventExit, session.EventCircuitBreaker, session.EventExitGateMet, session.EventError:
		if err := s.lifecycle.Append(ev.SessionID, string(ev.Kind), ev.Err); err != nil {
			s.logger.Debug("lifecycle log append failed", "err", err)
		}
	}
}

// handleContextEvent reacts to a session's own auto-clear/auto-compact
// threshold trips by sending the corresponding slash command into the
// pane. The session only detects and announces the threshold; acting on
// it needs the multiplexer adapter, which lives here.
func (s *Supervisor) handleContextEvent(sess *session.Session, ev session.Event) {
	switch ev.Kind {
	case session.EventAutoClear:
		if err := sess.WriteViaMux(s.adapter, "/clear\r"); err != nil {
			s.logger.Warn("auto-clear write failed", "id", sess.ID, "err", err)
			return
		}
		s.bus.PublishEvent(session.Event{SessionID: sess.ID, Kind: session.EventClearTerminal, At: time.Now()})
	case session.EventAutoCompact:
		prompt := "/compact"
		if ev.Text != "" {
			prompt += " " + ev.Text
		}
		if err := sess.WriteViaMux(s.adapter, prompt+"\r"); err != nil {
			s.logger.Warn("auto-compact write failed", "id", sess.ID, "err", err)
		}
	}
}

func (s *Supervisor) notifyLifecycleEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventCircuitBreaker:
		if ev.Breaker == nil || ev.Breaker.State != progress.Open {
			return
		}
		s.push.Send([]byte(fmt.Sprintf(`{"sessionId":%q,"kind":"breakerOpen"}`, ev.SessionID)))
		s.slack.Alert(ev.SessionID, "circuit breaker opened: "+ev.Breaker.Reason)
	case session.EventExit:
		s.push.Send([]byte(fmt.Sprintf(`{"sessionId":%q,"kind":"sessionExit","exitCode":%d}`, ev.SessionID, ev.ExitCode)))
	}
}

// newController is the factory persistence.Reconciler and
// Supervisor.StartRespawn both use to build a Controller bound to this
// supervisor's notification plumbing.
func (s *Supervisor) newController(sess *session.Session, cfg respawn.Config) *respawn.Controller {
	return respawn.New(sess, s.adapter, cfg, s.oracle, s.logger, func(ev respawn.ControllerEvent) {
		s.onControllerEvent(sess.ID, ev)
	})
}

func (s *Supervisor) onControllerEvent(sessionID string, ev respawn.ControllerEvent) {
	s.bus.PublishRaw(sessionID, string(ev.Kind), ev)
	if s.lifecycle != nil {
		_ = s.lifecycle.Append(sessionID, string(ev.Kind), string(ev.State))
	}
	if ev.Kind == respawn.CtrlEventBlocked {
		s.slack.Alert(sessionID, "respawn blocked: "+string(ev.Reason))
	}
}

// CreateSession starts a new Session through the Manager, registers it
// with the bus/stats collector, and persists its initial state.
//
// Manager.Create emits session's "started" event synchronously, before
// this call can subscribe to it, so the bus would otherwise never see
// a session:created frame for anything created this way. CreateSession
// re-publishes it explicitly once adoption has wired the subscription
// for everything after.
func (s *Supervisor) CreateSession(tool, workDir string, args []string, autoAccept bool, parentID string) (*session.Session, error) {
	sess, err := s.manager.Create(tool, workDir, args, autoAccept, parentID)
	if err != nil {
		return nil, err
	}
	s.adoptSession(sess)
	s.bus.PublishEvent(session.Event{SessionID: sess.ID, Kind: session.EventStarted, At: time.Now()})
	s.persistSession(sess)
	return sess, nil
}

// RestartSession resumes an exited session's prior tool invocation.
// Same re-publish caveat as CreateSession applies to Manager.Restart's
// synchronous "started" emission.
func (s *Supervisor) RestartSession(id string) (*session.Session, error) {
	sess, err := s.manager.Restart(id)
	if err != nil {
		return nil, err
	}
	s.adoptSession(sess)
	s.bus.PublishEvent(session.Event{SessionID: sess.ID, Kind: session.EventStarted, At: time.Now()})
	s.persistSession(sess)
	return sess, nil
}

// StartRespawn builds and starts a RespawnController for an existing
// session, registering it and persisting its config so a later restart
// recovers the same respawn intent.
func (s *Supervisor) StartRespawn(sessionID string, cfg respawn.Config) error {
	sess, ok := s.manager.Get(sessionID)
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	if _, exists := s.reg.getController(sessionID); exists {
		return fmt.Errorf("respawn already running: %s", sessionID)
	}
	ctrl := s.newController(sess, cfg)
	s.reg.putController(sessionID, ctrl, cfg)
	ctrl.Start()
	s.persistSession(sess)
	return nil
}

// StopRespawn stops a session's controller, if one is running.
func (s *Supervisor) StopRespawn(sessionID string, reason respawn.BlockReason) {
	if ctrl, ok := s.reg.getController(sessionID); ok {
		ctrl.Stop(reason)
		s.reg.removeController(sessionID)
	}
}

// GetSession, ListSessions mirror Manager's accessors so the server layer
// never imports internal/session directly.
func (s *Supervisor) GetSession(id string) (*session.Session, bool) { return s.manager.Get(id) }
func (s *Supervisor) ListSessions() []*session.Session              { return s.manager.List() }

// Bus exposes the event bus for server layer's websocket upgrade handler.
func (s *Supervisor) Bus() *eventbus.Bus { return s.bus }

// persistSession writes the session's current snapshot plus whatever
// respawn config is registered for it (if any) into the session store,
// and mirrors the pane identity into the pane store.
func (s *Supervisor) persistSession(sess *session.Session) {
	info := sess.Info()
	var cfg *respawn.Config
	if c, ok := s.reg.getRespawnConfig(sess.ID); ok {
		cfg = &c
	}
	s.sessionStore.Put(sess.ID, persistence.PersistedState{Info: info, RespawnConfig: cfg})

	if info.MuxSessionName != "" {
		s.paneStore.Put(sess.ID, persistence.PaneRecord{
			SessionID:      sess.ID,
			MuxSessionName: info.MuxSessionName,
			Mode:           info.Mode,
			Tool:           info.Tool,
			Name:           info.Name,
			WorkDir:        sess.WorkDir,
			RespawnConfig:  cfg,
		})
	}
}

// onSessionExit is Manager's exit callback: it persists the session's
// final state (status now exited) without removing the record, so a
// later restart still sees it — only an explicit CleanupSession(true)
// or the reconciler's known-but-dead pass ever deletes a record.
func (s *Supervisor) onSessionExit(sess *session.Session) {
	s.persistSession(sess)
	s.StopRespawn(sess.ID, respawn.ReasonPaneDead)
	if sess.MuxSessionName != "" {
		s.stats.Untrack(sess.MuxSessionName)
	}
}

// Shutdown implements the process-wide cleanupSession(killMux=false)
// path: persist every live session's current state, detach (not kill)
// every pane, flush every debounced store write, and close the
// lifecycle log. The multiplexer panes and their persisted records
// survive for the next startup's reconciliation to pick back up.
func (s *Supervisor) Shutdown() {
	s.logger.Info("supervisor shutting down")
	s.stats.Stop()
	s.bus.Stop()

	for _, sess := range s.manager.List() {
		s.persistSession(sess)
		if ctrl, ok := s.reg.getController(sess.ID); ok {
			ctrl.Stop(respawn.ReasonExplicitStop)
		}
	}
	s.manager.StopAll()

	s.sessionStore.FlushAll()
	s.paneStore.FlushAll()
	s.tallyStore.FlushAll()
	if s.lifecycle != nil {
		if err := s.lifecycle.Close(); err != nil {
			s.logger.Warn("failed to close lifecycle log", "err", err)
		}
	}
}
