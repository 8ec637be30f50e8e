// Package muxadapter wraps the terminal multiplexer (tmux) used to host
// every agent-CLI pane. Only the capability contract below is depended on
// by the rest of the tree; the tmux-specific implementation lives in
// tmux.go so a different multiplexer could be substituted later.
package muxadapter

import (
	"errors"
	"os"
	"os/exec"
)

// ErrPaneNotFound is returned when an operation targets a pane that no
// longer exists on the multiplexer server.
var ErrPaneNotFound = errors.New("muxadapter: pane not found")

// AttachResult carries the PTY and process handle produced by attaching
// to a multiplexer pane, plus the raw pipe-pane capture (if available).
type AttachResult struct {
	PTY         *os.File
	Cmd         *exec.Cmd
	RawPipe     *os.File
	RawPipePath string
}

// PaneStats is a point-in-time snapshot used by the periodic sampler.
type PaneStats struct {
	Name  string
	Dead  bool
	Cols  uint16
	Rows  uint16
	Panes int
}

// Adapter is the capability set the rest of sentinel needs from a
// multiplexer. A Session never shells out to tmux directly; it always
// goes through this contract.
type Adapter interface {
	// CreateSession starts a detached multiplexer session running cmd in
	// workDir, disabling prefix keys/status/mouse so the session is
	// transparent to the hosted CLI.
	CreateSession(name, workDir, shellCmd string) error

	// CreateIdleSession starts a detached session running only the
	// user's login shell. Session creation goes through here first so
	// pane-scoped environment (SetEnv) can land before the real command
	// is respawned into the pane — the spec's create/setenv/respawn
	// ordering.
	CreateIdleSession(name, workDir string) error

	// RespawnCommand replaces the pane's foreground command with the
	// given argv, applying the adapter's shell-escaping discipline so
	// callers never assemble a command string themselves.
	RespawnCommand(name, workDir, toolPath string, args []string) error

	// AttachPane opens a PTY attach to an existing session, optionally
	// starting raw pipe-pane capture alongside it.
	AttachPane(name string, cols, rows uint16, withPipe bool) (*AttachResult, error)

	// RespawnPane restarts the command running in an existing pane
	// without tearing down the multiplexer session itself.
	RespawnPane(name, workDir, shellCmd string) error

	// KillSession destroys a multiplexer session and any attached panes.
	KillSession(name string) error

	// HasSession reports whether the named session still exists.
	HasSession(name string) bool

	// PaneDead reports whether the pane's foreground process has exited,
	// along with its exit code.
	PaneDead(name string) (dead bool, exitCode int, err error)

	// SendKeys injects literal input into a pane, as if typed.
	SendKeys(name string, data string) error

	// ForegroundCommand reports the name of the process currently
	// running in the pane, used by reconciliation's discovery heuristic
	// to guess a session's mode when no persisted record names one.
	ForegroundCommand(name string) (string, error)

	// Resize changes the pane's terminal dimensions.
	Resize(name string, cols, rows uint16) error

	// SetEnv sets a pane-scoped environment variable without shelling
	// out through a command string.
	SetEnv(name, key, value string) error

	// CapturePaneContent returns the currently visible screen content
	// (with escape sequences) for re-seeding a fresh subscriber.
	CapturePaneContent(name string) []byte

	// ListManagedSessions returns the names of all multiplexer sessions
	// owned by sentinel (i.e. carrying its name prefix).
	ListManagedSessions() ([]string, error)

	// Stats samples lightweight per-pane metadata for the periodic
	// collector.
	Stats(name string) (PaneStats, error)

	// StopPipePane tears down raw pipe-pane capture for a session.
	StopPipePane(name string, f *os.File, fifoPath string)
}
