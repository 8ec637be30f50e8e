package muxadapter

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/creack/pty/v2"
)

// SessionPrefix tags every multiplexer session sentinel creates, so
// ListManagedSessions and orphan cleanup never touch panes started by
// something else on the same tmux server.
const SessionPrefix = "sentinel_"

// Tmux is the tmux-backed Adapter implementation.
type Tmux struct{}

// New returns a tmux Adapter.
func New() *Tmux {
	return &Tmux{}
}

var _ Adapter = (*Tmux)(nil)

// SessionName returns the tmux session name for a sentinel session id.
func SessionName(id string) string {
	return SessionPrefix + id
}

// shellQuote wraps s in single quotes, escaping embedded single quotes.
// This is the only string-interpolation path allowed into a tmux
// shell-command argument; callers must never build "sh -c" strings by
// any other means.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func buildShellCommand(toolPath string, args []string) string {
	parts := make([]string, 0, 1+len(args))
	parts = append(parts, shellQuote(toolPath))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func loginShellPath() string {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}
	return shell
}

// ensureServerConfig disables alternate-screen mode so an attaching
// browser terminal gets real scrollback instead of losing it to
// smcup/rmcup. Idempotent and safe to call before every attach.
func ensureServerConfig() {
	out, err := exec.Command("tmux", "show-options", "-s", "terminal-overrides").Output()
	if err != nil {
		return
	}
	if strings.Contains(string(out), "smcup@:rmcup@") {
		return
	}
	_ = exec.Command("tmux", "set-option", "-s", "-a", "terminal-overrides", ",xterm-256color:smcup@:rmcup@").Run()
}

// CreateSession creates a detached session running shellCmd, wrapped in
// the user's login shell so PATH/credential-helper state matches an
// interactive terminal, with prefix keys/status/mouse disabled.
func (t *Tmux) CreateSession(name, workDir, shellCmd string) error {
	shell := loginShellPath()
	return t.createRaw(name, workDir, "unset PATH; "+shellQuote(shell)+" -lc "+shellQuote(shellCmd))
}

// CreateIdleSession creates a detached session running only the login
// shell, ready to have environment set and a command respawned into it.
func (t *Tmux) CreateIdleSession(name, workDir string) error {
	return t.createRaw(name, workDir, "unset PATH; exec "+shellQuote(loginShellPath())+" -l")
}

func (t *Tmux) createRaw(name, workDir, wrapped string) error {
	args := []string{
		"new-session", "-d",
		"-s", name,
		"-c", workDir,
		"-x", "120", "-y", "36",
		wrapped,
	}
	if err := exec.Command("tmux", args...).Run(); err != nil {
		return fmt.Errorf("tmux new-session: %w", err)
	}
	if err := exec.Command("tmux", "set-option", "-t", name, "remain-on-exit", "on").Run(); err != nil {
		return fmt.Errorf("tmux set remain-on-exit: %w", err)
	}
	if err := exec.Command("tmux", "set-option", "-t", name, "default-terminal", "xterm-256color").Run(); err != nil {
		return fmt.Errorf("tmux set default-terminal: %w", err)
	}
	_ = exec.Command("tmux", "set-option", "-t", name, "prefix", "None").Run()
	_ = exec.Command("tmux", "set-option", "-t", name, "prefix2", "None").Run()
	_ = exec.Command("tmux", "set-option", "-t", name, "status", "off").Run()
	_ = exec.Command("tmux", "set-option", "-t", name, "mouse", "off").Run()

	ensureServerConfig()
	return nil
}

// RespawnCommand replaces the pane's foreground command with an argv,
// going through the same quoting as session creation.
func (t *Tmux) RespawnCommand(name, workDir, toolPath string, args []string) error {
	return t.RespawnPane(name, workDir, buildShellCommand(toolPath, args))
}

func defaultWinsize(cols, rows uint16) pty.Winsize {
	if cols == 0 {
		cols = 120
	}
	if rows == 0 {
		rows = 36
	}
	return pty.Winsize{Cols: cols, Rows: rows}
}

func (t *Tmux) AttachPane(name string, cols, rows uint16, withPipe bool) (*AttachResult, error) {
	ensureServerConfig()

	var rawPipe *os.File
	var rawPipePath string
	if withPipe {
		rp, rpPath, err := t.startPipePane(name)
		if err != nil {
			// Non-fatal: caller falls back to reading the attach PTY directly.
			rawPipe, rawPipePath = nil, ""
			_ = err
		} else {
			rawPipe, rawPipePath = rp, rpPath
		}
	}

	cmd := exec.Command("tmux", "attach-session", "-t", name)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	ws := defaultWinsize(cols, rows)
	ptmx, err := pty.StartWithSize(cmd, &ws)
	if err != nil {
		t.StopPipePane(name, rawPipe, rawPipePath)
		return nil, fmt.Errorf("attach pty.Start: %w", err)
	}

	return &AttachResult{PTY: ptmx, Cmd: cmd, RawPipe: rawPipe, RawPipePath: rawPipePath}, nil
}

func (t *Tmux) RespawnPane(name, workDir, shellCmd string) error {
	shell := loginShellPath()
	wrapped := "unset PATH; " + shellQuote(shell) + " -lc " + shellQuote(shellCmd)
	args := []string{"respawn-pane", "-k", "-t", name}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	args = append(args, wrapped)
	if err := exec.Command("tmux", args...).Run(); err != nil {
		return fmt.Errorf("tmux respawn-pane: %w", err)
	}
	return nil
}

func (t *Tmux) KillSession(name string) error {
	return exec.Command("tmux", "kill-session", "-t", name).Run()
}

func (t *Tmux) HasSession(name string) bool {
	return exec.Command("tmux", "has-session", "-t", name).Run() == nil
}

func (t *Tmux) PaneDead(name string) (bool, int, error) {
	out, err := exec.Command("tmux", "display-message", "-t", name, "-p", "#{pane_dead}:#{pane_dead_status}").Output()
	if err != nil {
		return false, 0, fmt.Errorf("tmux display-message: %w", err)
	}
	parts := strings.SplitN(strings.TrimSpace(string(out)), ":", 2)
	if len(parts) != 2 {
		return false, 0, fmt.Errorf("unexpected tmux output: %s", out)
	}
	if parts[0] != "1" {
		return false, 0, nil
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return true, 1, nil
	}
	return true, code, nil
}

// SendKeys injects literal text into the pane via tmux send-keys,
// using -l (literal) so the payload is never interpreted as tmux
// key-names, and passing it as a single argv element rather than
// interpolating it into a shell string.
func (t *Tmux) SendKeys(name string, data string) error {
	return exec.Command("tmux", "send-keys", "-t", name, "-l", "--", data).Run()
}

// ForegroundCommand reports the pane's current foreground process name
// (tmux's pane_current_command), the discovery heuristic's sole signal
// for guessing a recovered pane's mode when no persisted record exists.
func (t *Tmux) ForegroundCommand(name string) (string, error) {
	out, err := exec.Command("tmux", "display-message", "-t", name, "-p", "#{pane_current_command}").Output()
	if err != nil {
		return "", fmt.Errorf("tmux display-message: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (t *Tmux) Resize(name string, cols, rows uint16) error {
	return exec.Command("tmux", "resize-window", "-t", name, "-x", strconv.Itoa(int(cols)), "-y", strconv.Itoa(int(rows))).Run()
}

// SetEnv sets a pane-scoped environment variable. Using tmux
// set-environment keeps the value out of any shell-interpolated
// string entirely.
func (t *Tmux) SetEnv(name, key, value string) error {
	return exec.Command("tmux", "set-environment", "-t", name, key, value).Run()
}

func (t *Tmux) CapturePaneContent(name string) []byte {
	out, err := exec.Command("tmux", "capture-pane", "-t", name, "-p", "-e").Output()
	if err != nil {
		return nil
	}
	return out
}

func (t *Tmux) ListManagedSessions() ([]string, error) {
	out, err := exec.Command("tmux", "list-sessions", "-F", "#{session_name}").Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, err
	}
	var sessions []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, SessionPrefix) {
			sessions = append(sessions, line)
		}
	}
	return sessions, nil
}

func (t *Tmux) Stats(name string) (PaneStats, error) {
	out, err := exec.Command("tmux", "display-message", "-t", name, "-p",
		"#{pane_dead}:#{pane_width}:#{pane_height}:#{session_windows}").Output()
	if err != nil {
		return PaneStats{}, fmt.Errorf("tmux display-message: %w", err)
	}
	parts := strings.SplitN(strings.TrimSpace(string(out)), ":", 4)
	if len(parts) != 4 {
		return PaneStats{}, fmt.Errorf("unexpected tmux stats output: %s", out)
	}
	cols, _ := strconv.Atoi(parts[1])
	rows, _ := strconv.Atoi(parts[2])
	panes, _ := strconv.Atoi(parts[3])
	return PaneStats{
		Name:  name,
		Dead:  parts[0] == "1",
		Cols:  uint16(cols),
		Rows:  uint16(rows),
		Panes: panes,
	}, nil
}

// startPipePane sets up raw output capture via a named FIFO, bypassing
// tmux's screen-diff batching to attached clients so fast-scrolling
// output is never lost between polls.
func (t *Tmux) startPipePane(sessionName string) (*os.File, string, error) {
	fifoDir := filepath.Join(os.TempDir(), "sentinel")
	if err := os.MkdirAll(fifoDir, 0700); err != nil {
		return nil, "", fmt.Errorf("mkdir: %w", err)
	}

	fifoPath := filepath.Join(fifoDir, sessionName+".pipe")
	os.Remove(fifoPath)

	if err := syscall.Mkfifo(fifoPath, 0600); err != nil {
		return nil, "", fmt.Errorf("mkfifo: %w", err)
	}

	// O_RDWR keeps read() from returning EOF before the pipe-pane writer
	// (cat) has opened its end; O_NONBLOCK avoids blocking in open().
	fd, err := syscall.Open(fifoPath, syscall.O_RDWR|syscall.O_NONBLOCK, 0)
	if err != nil {
		os.Remove(fifoPath)
		return nil, "", fmt.Errorf("open fifo: %w", err)
	}
	if err := syscall.SetNonblock(fd, false); err != nil {
		syscall.Close(fd)
		os.Remove(fifoPath)
		return nil, "", fmt.Errorf("set blocking: %w", err)
	}
	f := os.NewFile(uintptr(fd), fifoPath)

	if err := exec.Command("tmux", "pipe-pane", "-t", sessionName, "-o",
		fmt.Sprintf("exec cat > %s", shellQuote(fifoPath))).Run(); err != nil {
		f.Close()
		os.Remove(fifoPath)
		return nil, "", fmt.Errorf("pipe-pane: %w", err)
	}

	return f, fifoPath, nil
}

func (t *Tmux) StopPipePane(sessionName string, f *os.File, fifoPath string) {
	if t.HasSession(sessionName) {
		_ = exec.Command("tmux", "pipe-pane", "-t", sessionName).Run()
	}
	if f != nil {
		f.Close()
	}
	if fifoPath != "" {
		os.Remove(fifoPath)
	}
}
