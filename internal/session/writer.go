package session

import (
	"os"
	"time"

	"github.com/creack/pty/v2"
	"github.com/loppo-llc/sentinel/internal/muxadapter"
)

// Write sends input to the hosted CLI's PTY. It retries briefly when
// the PTY is nil (e.g. mid-reattach) instead of silently dropping
// input during the reconnection window.
func (s *Session) Write(data []byte) (int, error) {
	const maxRetries = 5
	for i := 0; i < maxRetries; i++ {
		s.mu.Lock()
		ptmx := s.PTY
		s.mu.Unlock()
		if ptmx != nil {
			return ptmx.Write(data)
		}
		if i < maxRetries-1 {
			select {
			case <-time.After(50 * time.Millisecond):
			case <-s.done:
				return 0, os.ErrClosed
			}
		}
	}
	return 0, os.ErrClosed
}

// WriteViaMux injects input through the multiplexer's send-keys
// instead of the PTY — used by the respawn controller so recovery
// prompts and nudges reach the pane even when nothing currently holds
// the PTY write lock, and so the exact shell-escaping discipline (argv
// element, never interpolated into "sh -c") is enforced in one place.
func (s *Session) WriteViaMux(adapter muxadapter.Adapter, data string) error {
	s.mu.Lock()
	name := s.MuxSessionName
	s.mu.Unlock()
	if name == "" {
		_, err := s.Write([]byte(data))
		return err
	}
	return adapter.SendKeys(name, data)
}

// Resize adjusts the PTY window size and, for multiplexer-backed
// sessions, the pane itself — deduping on unchanged dimensions since
// mobile browsers fire frequent resize events.
func (s *Session) Resize(adapter muxadapter.Adapter, cols, rows uint16) error {
	s.mu.Lock()
	ptmx := s.PTY
	muxName := s.MuxSessionName
	prevCols := s.lastCols
	prevRows := s.lastRows
	s.mu.Unlock()

	if ptmx == nil {
		return os.ErrClosed
	}

	if err := pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return err
	}

	if muxName != "" && (cols != prevCols || rows != prevRows) {
		if err := adapter.Resize(muxName, cols, rows); err != nil {
			return nil
		}
	}

	s.mu.Lock()
	s.lastCols = cols
	s.lastRows = rows
	s.mu.Unlock()
	return nil
}

// CheckPermissionPrompt appends data to the trailing output buffer
// and asks the mode-specific Detector whether it now contains an
// auto-acceptable permission dialog. Generalizes the teacher's
// CheckYolo, which only ever recognized claude's single hardcoded
// pattern, across every Mode's Detector.
func (s *Session) CheckPermissionPrompt(data []byte) *PermissionPrompt {
	s.mu.Lock()
	if !s.AutoAccept {
		s.mu.Unlock()
		return nil
	}
	s.permTail = append(s.permTail, data...)
	if len(s.permTail) > permTailSize {
		s.permTail = s.permTail[len(s.permTail)-permTailSize:]
	}
	tail := make([]byte, len(s.permTail))
	copy(tail, s.permTail)
	detector := s.detector
	s.mu.Unlock()

	prompt := detector.CheckPermissionPrompt(tail)
	if prompt == nil {
		return nil
	}

	s.mu.Lock()
	s.permTail = nil
	s.mu.Unlock()
	return prompt
}

// IsIdlePrompt reports whether the trailing output looks like an
// interactive idle prompt, one of the respawn controller's
// multi-signal idle-detection inputs.
func (s *Session) IsIdlePrompt(tail []byte) bool {
	s.mu.Lock()
	detector := s.detector
	s.mu.Unlock()
	return detector.IsIdlePrompt(tail)
}

func (s *Session) SetAutoAccept(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AutoAccept = enabled
	s.permTail = nil
}

func (s *Session) IsAutoAccept() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.AutoAccept
}

// SetAutoClear configures the context-size threshold past which the
// supervisor sends /clear into the pane. A zero threshold disables the
// trigger even when enabled.
func (s *Session) SetAutoClear(enabled bool, threshold int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AutoClear = enabled
	s.AutoClearThreshold = threshold
	s.act.autoClearFired = false
}

// SetAutoCompact configures the threshold and prompt for the /compact
// trigger, the gentler sibling of SetAutoClear.
func (s *Session) SetAutoCompact(enabled bool, threshold int64, prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AutoCompact = enabled
	s.AutoCompactThreshold = threshold
	s.AutoCompactPrompt = prompt
	s.act.autoCompactFired = false
}
