package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/loppo-llc/sentinel/internal/muxadapter"
)

const (
	// exitDrainTimeout bounds how long finalizeMuxSession waits for
	// readLoop to finish draining output after the session process
	// exits. Closing a FIFO fd opened O_RDWR does not reliably
	// interrupt a blocked read() on every platform, so a timeout keeps
	// this from deadlocking session exit forever.
	exitDrainTimeout = 3 * time.Second

	// exitKillTimeout bounds how long we wait for the attach process to
	// exit after being killed.
	exitKillTimeout = 5 * time.Second
)

// every hosted mode runs inside a multiplexer pane.
var userTools = map[string]bool{
	"claude":   true,
	"opencode": true,
	"shell":    true,
}

func isAllowedTool(tool string) bool {
	return userTools[tool]
}

func modeForTool(tool string) Mode {
	switch tool {
	case "claude":
		return ModeClaude
	case "opencode":
		return ModeOpenCode
	default:
		return ModeShell
	}
}

// resolveToolPath returns the binary to exec for a mode: the named CLI
// for claude/opencode, or the user's login shell for shell mode (there
// is no literal "shell" binary on $PATH).
func resolveToolPath(tool string) (string, error) {
	if tool == "shell" {
		sh := os.Getenv("SHELL")
		if sh == "" {
			sh = "/bin/bash"
		}
		return sh, nil
	}
	return exec.LookPath(tool)
}

// Manager owns the set of live Sessions, keyed by string ID. It never
// hands out cross-pointers between Sessions; callers address each
// other by ID through whichever registry composes Manager (see
// internal/supervisor).
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	logger   *slog.Logger
	adapter  muxadapter.Adapter

	shuttingDown bool

	OnSessionExit func(s *Session)
}

func NewManager(logger *slog.Logger, adapter muxadapter.Adapter) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		logger:   logger,
		adapter:  adapter,
	}
}

// RestoreFromInfo rehydrates a Session from persisted SessionInfo and,
// if its multiplexer pane is still alive, reattaches and resumes
// monitoring. Returns the restored Session; callers decide whether to
// register it.
func (m *Manager) RestoreFromInfo(info SessionInfo) *Session {
	t, _ := time.Parse(time.RFC3339, info.CreatedAt)
	var lastOutput []byte
	if info.LastOutput != "" {
		lastOutput, _ = base64.StdEncoding.DecodeString(info.LastOutput)
	}

	s := newSession(info.ID, info.Mode, info.Tool, info.WorkDir, info.Args)
	s.CreatedAt = t
	s.Name = info.Name
	s.Color = info.Color
	s.Status = StatusExited
	s.ExitCode = info.ExitCode
	s.AutoAccept = info.AutoAccept
	s.ToolSessionID = info.ToolSessionID
	s.ParentID = info.ParentID
	s.MuxSessionName = info.MuxSessionName
	s.lastCols = info.LastCols
	s.lastRows = info.LastRows
	s.lifetimeTokens = info.LifetimeTokens
	s.lifetimeCost = info.LifetimeCost
	s.AutoClear = info.AutoClear
	s.AutoClearThreshold = info.AutoClearThreshold
	s.AutoCompact = info.AutoCompact
	s.AutoCompactThreshold = info.AutoCompactThreshold
	s.AutoCompactPrompt = info.AutoCompactPrompt
	s.lastOutput = lastOutput
	s.readDone = nil

	restored := false

	if info.MuxSessionName != "" && m.adapter.HasSession(info.MuxSessionName) {
		dead, exitCode, err := m.adapter.PaneDead(info.MuxSessionName)
		switch {
		case err == nil && !dead:
			res, attachErr := m.adapter.AttachPane(info.MuxSessionName, info.LastCols, info.LastRows, true)
			if attachErr == nil {
				s.PTY = res.PTY
				s.Cmd = res.Cmd
				s.rawPipe = res.RawPipe
				s.rawPipePath = res.RawPipePath
				s.Status = StatusRunning
				s.ExitCode = nil
				s.lastOutput = nil
				s.readDone = make(chan struct{})
				restored = true

				if content := m.adapter.CapturePaneContent(info.MuxSessionName); len(content) > 0 {
					s.terminalBuffer.Write(content)
				}

				go m.readLoop(s)
				if res.RawPipe != nil {
					go m.drainLoop(s)
				}
				go m.muxWaitLoop(s)

				m.logger.Info("reattached to persisted session", "id", info.ID, "mux", info.MuxSessionName)
			} else {
				m.adapter.StopPipePane(info.MuxSessionName, res.RawPipe, res.RawPipePath)
				m.logger.Error("failed to reattach persisted session", "id", info.ID, "err", attachErr)
				_ = m.adapter.KillSession(info.MuxSessionName)
			}
		case err == nil && dead:
			s.ExitCode = &exitCode
			_ = m.adapter.KillSession(info.MuxSessionName)
		default:
			m.logger.Warn("failed to check pane state, killing session", "id", info.ID, "mux", info.MuxSessionName, "err", err)
			_ = m.adapter.KillSession(info.MuxSessionName)
		}
	}

	if !restored {
		close(s.done)
	}

	return s
}

// Register adds a Session (e.g. one restored via RestoreFromInfo) to
// the live set.
func (m *Manager) Register(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
}

// CleanupOrphans kills multiplexer sessions not tracked by any
// registered Session, and removes stale pipe-pane FIFOs left behind by
// a previous crash.
func (m *Manager) CleanupOrphans() {
	names, err := m.adapter.ListManagedSessions()
	if err != nil {
		m.logger.Debug("failed to list sessions for orphan cleanup", "err", err)
		return
	}

	m.mu.Lock()
	known := make(map[string]bool)
	for _, s := range m.sessions {
		s.mu.Lock()
		if s.MuxSessionName != "" && s.Status == StatusRunning {
			known[s.MuxSessionName] = true
		}
		s.mu.Unlock()
	}
	m.mu.Unlock()

	for _, name := range names {
		if !known[name] {
			m.logger.Info("killing orphaned session", "name", name)
			_ = m.adapter.KillSession(name)
		}
	}
}

func (m *Manager) Create(tool, workDir string, args []string, autoAccept bool, parentID string) (*Session, error) {
	if !isAllowedTool(tool) {
		return nil, fmt.Errorf("unsupported tool: %s", tool)
	}

	toolPath, err := resolveToolPath(tool)
	if err != nil {
		return nil, fmt.Errorf("tool not found: %s", tool)
	}

	if info, err := os.Stat(workDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("working directory does not exist: %s", workDir)
	}

	id := generateID()

	var toolSessionID string
	runArgs := args
	if tool == "claude" {
		toolSessionID, runArgs = ensureClaudeSessionID(args)
	}

	if tool == "shell" && len(runArgs) == 0 {
		// The idle pane already runs the login shell; nothing to respawn.
		toolPath = ""
	}

	muxName := muxadapter.SessionName(id)
	res, err := m.startAttach(muxName, workDir, toolPath, runArgs, toolEnv(tool, autoAccept), 0, 0)
	if err != nil {
		return nil, err
	}

	s := newSession(id, modeForTool(tool), tool, workDir, args)
	s.PTY = res.PTY
	s.Cmd = res.Cmd
	s.AutoAccept = autoAccept
	s.ToolSessionID = toolSessionID
	s.ParentID = parentID
	s.MuxSessionName = muxName
	s.rawPipe = res.RawPipe
	s.rawPipePath = res.RawPipePath
	s.readDone = make(chan struct{})

	m.mu.Lock()
	if parentID != "" {
		for _, existing := range m.sessions {
			if existing.ParentID == parentID && existing.Tool == tool {
				existing.mu.Lock()
				status := existing.Status
				existing.mu.Unlock()
				if status == StatusRunning {
					m.mu.Unlock()
					if res.Cmd != nil && res.Cmd.Process != nil {
						_ = res.Cmd.Process.Kill()
						_ = res.Cmd.Wait()
					}
					if res.PTY != nil {
						res.PTY.Close()
					}
					m.adapter.StopPipePane(muxName, res.RawPipe, res.RawPipePath)
					_ = m.adapter.KillSession(muxName)
					return existing, nil
				}
			}
		}
	}
	m.sessions[id] = s
	m.mu.Unlock()

	m.startLoops(s)

	if tool == "opencode" {
		m.awaitOpenCodeReady(s)
	}

	s.emit(EventStarted, nil)

	m.logger.Info("session created", "id", id, "tool", tool, "workDir", workDir)
	return s, nil
}

func ensureClaudeSessionID(args []string) (string, []string) {
	for i, a := range args {
		if a == "--session-id" {
			if i+1 < len(args) {
				return args[i+1], args
			}
		}
		if strings.HasPrefix(a, "--session-id=") {
			return strings.TrimPrefix(a, "--session-id="), args
		}
	}
	id := uuid.New().String()
	runArgs := make([]string, len(args), len(args)+2)
	copy(runArgs, args)
	runArgs = append(runArgs, "--session-id", id)
	return id, runArgs
}

func (m *Manager) Restart(id string) (*Session, error) {
	s, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("session not found: %s", id)
	}

	s.mu.Lock()
	if s.Status == StatusRunning || s.restarting {
		s.mu.Unlock()
		return nil, fmt.Errorf("session is still running: %s", id)
	}
	s.restarting = true
	tool := s.Tool
	workDir := s.WorkDir
	args := s.Args
	toolSessionID := s.ToolSessionID
	muxName := s.MuxSessionName
	autoAccept := s.AutoAccept
	cols, rows := s.lastCols, s.lastRows
	s.mu.Unlock()

	clearRestarting := func() {
		s.mu.Lock()
		s.restarting = false
		s.mu.Unlock()
	}

	if !isAllowedTool(tool) {
		clearRestarting()
		return nil, fmt.Errorf("unsupported tool: %s", tool)
	}

	toolPath, err := resolveToolPath(tool)
	if err != nil {
		clearRestarting()
		return nil, fmt.Errorf("tool not found: %s", tool)
	}

	s.mu.Lock()
	if s.rawPipe != nil {
		m.adapter.StopPipePane(muxName, s.rawPipe, s.rawPipePath)
		s.rawPipe = nil
		s.rawPipePath = ""
	}
	s.mu.Unlock()

	if muxName != "" && m.adapter.HasSession(muxName) {
		_ = m.adapter.KillSession(muxName)
	}

	if muxName == "" {
		muxName = muxadapter.SessionName(id)
	}

	restartArgs := buildRestartArgs(tool, args, toolSessionID)
	if tool == "shell" && len(restartArgs) == 0 {
		toolPath = ""
	}

	res, err := m.startAttach(muxName, workDir, toolPath, restartArgs, toolEnv(tool, autoAccept), cols, rows)
	if err != nil {
		clearRestarting()
		return nil, err
	}

	s.mu.Lock()
	s.PTY = res.PTY
	s.Cmd = res.Cmd
	s.Args = args
	s.MuxSessionName = muxName
	s.rawPipe = res.RawPipe
	s.rawPipePath = res.RawPipePath
	s.Status = StatusRunning
	s.ExitCode = nil
	s.lastOutput = nil
	s.restarting = false
	s.done = make(chan struct{})
	s.readDone = make(chan struct{})
	s.mu.Unlock()

	m.startLoops(s)
	s.emit(EventStarted, nil)

	m.logger.Info("session restarted", "id", id, "tool", tool)
	return s, nil
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	return list
}

func (m *Manager) findChildSessions(parentID, tool string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Session
	for _, s := range m.sessions {
		if s.ParentID == parentID && s.Tool == tool {
			result = append(result, s)
		}
	}
	return result
}

func (m *Manager) Stop(id string) error {
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}

	s.mu.Lock()
	if s.Status != StatusRunning || s.restarting {
		s.mu.Unlock()
		return fmt.Errorf("session not running: %s", id)
	}
	cmd := s.Cmd
	muxName := s.MuxSessionName
	s.mu.Unlock()

	if muxName != "" {
		_ = m.adapter.KillSession(muxName)
	}

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		go func() {
			select {
			case <-s.done:
				return
			case <-time.After(5 * time.Second):
				_ = cmd.Process.Kill()
			}
		}()
	}

	return nil
}

// Detach implements cleanupSession(killMux=false): it kills the local
// PTY-attach process and removes the Session from the live set, but
// never touches the multiplexer pane itself, so the pane, its PID, and
// any persisted record survive for a later reconciliation to pick back
// up. Unlike Stop, the caller is expected to have already persisted the
// Session's final state before calling this.
func (m *Manager) Detach(id string) error {
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}

	s.mu.Lock()
	if s.Status != StatusRunning || s.restarting {
		s.mu.Unlock()
		return fmt.Errorf("session not running: %s", id)
	}
	s.detaching = true
	muxName := s.MuxSessionName
	rawPipe := s.rawPipe
	rawPipePath := s.rawPipePath
	cmd := s.Cmd
	ptmx := s.PTY
	s.mu.Unlock()

	if rawPipe != nil {
		m.adapter.StopPipePane(muxName, rawPipe, rawPipePath)
		s.mu.Lock()
		s.rawPipe = nil
		s.mu.Unlock()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	if ptmx != nil {
		ptmx.Close()
		s.mu.Lock()
		s.PTY = nil
		s.mu.Unlock()
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	m.logger.Info("session detached", "id", id, "mux", muxName)
	return nil
}

func (m *Manager) StopAll() {
	m.mu.Lock()
	m.shuttingDown = true
	var live []*Session
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range live {
		s.mu.Lock()
		running := s.Status == StatusRunning
		muxName := s.MuxSessionName
		rawPipe := s.rawPipe
		rawPipePath := s.rawPipePath
		cmd := s.Cmd
		ptmx := s.PTY
		s.mu.Unlock()
		if !running {
			continue
		}

		if rawPipe != nil {
			m.adapter.StopPipePane(muxName, rawPipe, rawPipePath)
			s.mu.Lock()
			s.rawPipe = nil
			s.mu.Unlock()
		}
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		if ptmx != nil {
			ptmx.Close()
			s.mu.Lock()
			s.PTY = nil
			s.mu.Unlock()
		}

		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			select {
			case <-sess.done:
			case <-time.After(5 * time.Second):
			}
		}(s)
	}
	wg.Wait()
}

func (m *Manager) readLoop(s *Session) {
	defer close(s.readDone)

	s.mu.Lock()
	var reader *os.File
	if s.rawPipe != nil {
		reader = s.rawPipe
	} else {
		reader = s.PTY
	}
	s.mu.Unlock()

	if reader == nil {
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.terminalBuffer.Write(data)
			clean := ansiRe.ReplaceAll(data, nil)
			s.textOutput.Write(clean)
			s.broadcast(data)
			s.processChunk(string(clean))

			if prompt := s.CheckPermissionPrompt(data); prompt != nil {
				m.logger.Info("auto-accept permission prompt", "id", s.ID, "matched", prompt.Matched)
				time.AfterFunc(100*time.Millisecond, func() {
					if !s.IsAutoAccept() {
						return
					}
					if _, err := s.Write([]byte("\r")); err != nil {
						m.logger.Debug("auto-accept write error", "id", s.ID, "err", err)
					}
				})
			}
		}
		if err != nil {
			if err != io.EOF {
				m.logger.Debug("pty read error", "id", s.ID, "err", err)
			}
			return
		}
	}
}

// drainLoop discards attach-PTY output to prevent its buffer from
// filling and blocking the multiplexer when readLoop reads the FIFO
// instead.
func (m *Manager) drainLoop(s *Session) {
	s.mu.Lock()
	ptmx := s.PTY
	s.mu.Unlock()
	if ptmx == nil {
		return
	}
	buf := make([]byte, 32*1024)
	for {
		if _, err := ptmx.Read(buf); err != nil {
			return
		}
	}
}

func (m *Manager) muxWaitLoop(s *Session) {
	const maxConsecutiveErrors = 10

	attachExited := make(chan struct{})
	go func() {
		s.mu.Lock()
		cmd := s.Cmd
		s.mu.Unlock()
		if cmd != nil {
			_ = cmd.Wait()
		}
		close(attachExited)
	}()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	consecutiveErrors := 0

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			shuttingDown := m.shuttingDown
			m.mu.Unlock()
			if shuttingDown {
				return
			}

			s.mu.Lock()
			muxName := s.MuxSessionName
			s.mu.Unlock()

			if !m.adapter.HasSession(muxName) {
				m.finalizeMuxSession(s, 1, attachExited)
				return
			}

			dead, exitCode, err := m.adapter.PaneDead(muxName)
			if err != nil {
				consecutiveErrors++
				if consecutiveErrors >= maxConsecutiveErrors {
					m.logger.Error("pane check failed repeatedly, finalizing session", "id", s.ID, "err", err)
					_ = m.adapter.KillSession(muxName)
					m.finalizeMuxSession(s, 1, attachExited)
					return
				}
				continue
			}
			consecutiveErrors = 0
			if dead {
				_ = m.adapter.KillSession(muxName)
				m.finalizeMuxSession(s, exitCode, attachExited)
				return
			}

			s.mu.Lock()
			readDone := s.readDone
			hasRawPipe := s.rawPipe != nil
			s.mu.Unlock()
			if hasRawPipe {
				select {
				case <-readDone:
					m.logger.Warn("pipe capture lost, forcing reattach", "id", s.ID)
					s.mu.Lock()
					m.adapter.StopPipePane(muxName, s.rawPipe, s.rawPipePath)
					s.rawPipe = nil
					cmd := s.Cmd
					s.mu.Unlock()
					if cmd != nil && cmd.Process != nil {
						_ = cmd.Process.Kill()
					}
				default:
				}
			}

		case <-attachExited:
			m.mu.Lock()
			shuttingDown := m.shuttingDown
			m.mu.Unlock()
			if shuttingDown {
				return
			}

			s.mu.Lock()
			if s.detaching {
				s.mu.Unlock()
				return
			}
			if s.PTY != nil {
				s.PTY.Close()
				s.PTY = nil
			}
			muxName := s.MuxSessionName
			hasRawPipe := s.rawPipe != nil
			s.mu.Unlock()

			if hasRawPipe {
				select {
				case <-s.readDone:
					s.mu.Lock()
					m.adapter.StopPipePane(muxName, s.rawPipe, s.rawPipePath)
					s.rawPipe = nil
					s.mu.Unlock()
					hasRawPipe = false
				default:
				}
			} else {
				m.awaitReadDone(s)
			}

			if !m.adapter.HasSession(muxName) {
				if hasRawPipe {
					s.mu.Lock()
					m.adapter.StopPipePane(muxName, s.rawPipe, s.rawPipePath)
					s.rawPipe = nil
					s.mu.Unlock()
					m.awaitReadDone(s)
				}
				m.completeExit(s, 1)
				return
			}

			dead, exitCode, _ := m.adapter.PaneDead(muxName)
			if dead {
				_ = m.adapter.KillSession(muxName)
				if hasRawPipe {
					s.mu.Lock()
					m.adapter.StopPipePane(muxName, s.rawPipe, s.rawPipePath)
					s.rawPipe = nil
					s.mu.Unlock()
					m.awaitReadDone(s)
				}
				m.completeExit(s, exitCode)
				return
			}

			if err := m.reattach(s); err != nil {
				m.logger.Error("failed to reattach", "id", s.ID, "err", err)
				if hasRawPipe {
					s.mu.Lock()
					m.adapter.StopPipePane(muxName, s.rawPipe, s.rawPipePath)
					s.rawPipe = nil
					s.mu.Unlock()
					m.awaitReadDone(s)
				}
				m.completeExit(s, 1)
				return
			}

			attachExited = make(chan struct{})
			go func() {
				s.mu.Lock()
				cmd := s.Cmd
				s.mu.Unlock()
				if cmd != nil {
					_ = cmd.Wait()
				}
				close(attachExited)
			}()
		}
	}
}

func (m *Manager) finalizeMuxSession(s *Session, exitCode int, attachExited <-chan struct{}) {
	s.mu.Lock()
	if s.Cmd != nil && s.Cmd.Process != nil {
		_ = s.Cmd.Process.Kill()
	}
	s.mu.Unlock()

	select {
	case <-attachExited:
	case <-time.After(exitKillTimeout):
		m.logger.Warn("attach process did not exit in time after kill", "id", s.ID)
	}

	s.mu.Lock()
	if s.rawPipe != nil {
		m.adapter.StopPipePane(s.MuxSessionName, s.rawPipe, s.rawPipePath)
		s.rawPipe = nil
	}
	if s.PTY != nil {
		s.PTY.Close()
		s.PTY = nil
	}
	s.mu.Unlock()

	m.awaitReadDone(s)
	m.completeExit(s, exitCode)
}

// startAttach follows the spec's create/setenv/respawn ordering: the
// pane comes up idle on the login shell, env lands via set-environment
// (never through a shell-interpolated string), and only then is the
// tool command respawned into the pane. A plain shell session with no
// args skips the respawn — the idle pane already is the tool.
func (m *Manager) startAttach(muxName, workDir, toolPath string, args []string, env map[string]string, cols, rows uint16) (*muxadapter.AttachResult, error) {
	if err := m.adapter.CreateIdleSession(muxName, workDir); err != nil {
		return nil, fmt.Errorf("failed to create multiplexer session: %w", err)
	}
	for key, value := range env {
		if err := m.adapter.SetEnv(muxName, key, value); err != nil {
			_ = m.adapter.KillSession(muxName)
			return nil, fmt.Errorf("failed to set session environment: %w", err)
		}
	}
	if toolPath != "" {
		if err := m.adapter.RespawnCommand(muxName, workDir, toolPath, args); err != nil {
			_ = m.adapter.KillSession(muxName)
			return nil, fmt.Errorf("failed to start session command: %w", err)
		}
	}

	res, err := m.adapter.AttachPane(muxName, cols, rows, true)
	if err != nil {
		_ = m.adapter.KillSession(muxName)
		return nil, fmt.Errorf("failed to attach to multiplexer session: %w", err)
	}
	return res, nil
}

// opencodePermissionConfig builds the JSON config opencode reads from
// its config env var, mapping the session's auto-accept toggle onto
// the tool's own permission model.
func opencodePermissionConfig(autoAccept bool) string {
	verdict := "ask"
	if autoAccept {
		verdict = "allow"
	}
	cfg := map[string]any{
		"permission": map[string]string{
			"edit":     verdict,
			"bash":     verdict,
			"webfetch": verdict,
		},
	}
	data, _ := json.Marshal(cfg)
	return string(data)
}

// toolEnv returns the pane-scoped environment a mode needs before its
// command starts. Only opencode carries one today: its permission
// config is delivered through an env var rather than flags.
func toolEnv(tool string, autoAccept bool) map[string]string {
	if tool != "opencode" {
		return nil
	}
	return map[string]string{
		"OPENCODE_CONFIG_CONTENT": opencodePermissionConfig(autoAccept),
	}
}

func (m *Manager) startLoops(s *Session) {
	go m.readLoop(s)
	s.mu.Lock()
	hasRawPipe := s.rawPipe != nil
	s.mu.Unlock()
	if hasRawPipe {
		go m.drainLoop(s)
	}
	go m.muxWaitLoop(s)
}

func (m *Manager) reattach(s *Session) error {
	s.mu.Lock()
	muxName := s.MuxSessionName
	pipeAlreadyActive := s.rawPipe != nil
	readDone := s.readDone
	s.mu.Unlock()

	if pipeAlreadyActive {
		select {
		case <-readDone:
			s.mu.Lock()
			m.adapter.StopPipePane(muxName, s.rawPipe, s.rawPipePath)
			s.rawPipe = nil
			s.mu.Unlock()
			pipeAlreadyActive = false
		default:
		}
	}

	s.mu.Lock()
	cols, rows := s.lastCols, s.lastRows
	s.mu.Unlock()

	res, err := m.adapter.AttachPane(muxName, cols, rows, !pipeAlreadyActive)
	if err != nil {
		return fmt.Errorf("reattach: %w", err)
	}

	s.mu.Lock()
	s.PTY = res.PTY
	s.Cmd = res.Cmd
	if res.RawPipe != nil {
		s.rawPipe = res.RawPipe
		s.rawPipePath = res.RawPipePath
		s.readDone = make(chan struct{})
	}
	hasPipe := s.rawPipe != nil
	s.mu.Unlock()

	if res.RawPipe != nil {
		go m.readLoop(s)
	}
	if hasPipe {
		go m.drainLoop(s)
	}

	m.logger.Info("reattached to session", "id", s.ID, "mux", muxName)
	return nil
}

func (m *Manager) awaitReadDone(s *Session) {
	select {
	case <-s.readDone:
	case <-time.After(exitDrainTimeout):
		m.logger.Warn("readLoop did not exit in time, proceeding with session exit", "id", s.ID)
	}
}

func (m *Manager) completeExit(s *Session, exitCode int) {
	const maxLastOutput = 8192
	scrollback := s.terminalBuffer.Bytes()
	if len(scrollback) > maxLastOutput {
		scrollback = scrollback[len(scrollback)-maxLastOutput:]
	}

	s.mu.Lock()
	s.Status = StatusExited
	s.lastOutput = scrollback
	s.ExitCode = &exitCode
	s.mu.Unlock()

	close(s.done)
	s.emit(EventExit, func(e *Event) { e.ExitCode = exitCode })

	for _, child := range m.findChildSessions(s.ID, "shell") {
		child.mu.Lock()
		childStatus := child.Status
		child.mu.Unlock()
		if childStatus == StatusRunning {
			_ = m.Stop(child.ID)
		}
	}

	m.logger.Info("session exited", "id", s.ID, "exitCode", s.ExitCode)

	if m.OnSessionExit != nil {
		m.OnSessionExit(s)
	}
}

// buildRestartArgs rewrites a mode's argv to resume its prior tool
// session instead of starting fresh, mirroring each CLI's own resume
// contract.
func buildRestartArgs(tool string, origArgs []string, toolSessionID string) []string {
	switch tool {
	case "claude":
		args := make([]string, 0, len(origArgs)+2)
		skipNext := false
		for _, a := range origArgs {
			if skipNext {
				skipNext = false
				continue
			}
			if a == "--resume" || a == "-r" {
				skipNext = true
				continue
			}
			if a == "--continue" || a == "-c" {
				continue
			}
			args = append(args, a)
		}
		if toolSessionID != "" {
			return append(args, "--resume", toolSessionID)
		}
		return append(args, "--continue")

	case "opencode":
		args := make([]string, 0, len(origArgs)+2)
		skipNext := false
		for _, a := range origArgs {
			if skipNext {
				skipNext = false
				continue
			}
			if a == "--session" || a == "--continue" {
				skipNext = a == "--session"
				continue
			}
			args = append(args, a)
		}
		if toolSessionID != "" {
			return append(args, "--session", toolSessionID)
		}
		return append(args, "--continue")

	default:
		out := make([]string, len(origArgs))
		copy(out, origArgs)
		return out
	}
}

func generateID() string {
	return "s_" + uuid.New().String()
}

// ToolAvailability reports which user-facing CLIs are available on
// this system; shell mode is always available.
func ToolAvailability() map[string]ToolInfo {
	result := map[string]ToolInfo{
		"shell": {Available: true},
	}
	for _, tool := range []string{"claude", "opencode"} {
		path, err := exec.LookPath(tool)
		result[tool] = ToolInfo{Available: err == nil, Path: path}
	}
	return result
}

type ToolInfo struct {
	Available bool   `json:"available"`
	Path      string `json:"path"`
}
