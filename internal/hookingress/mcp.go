// Package hookingress exposes the single external mutation point spec.md
// §6 calls "hook event ingress": a narrow channel an agent CLI's own
// hook/plugin bridge uses to tell sentinel about things it cannot infer
// from terminal bytes alone (an elicitation dialog opened, a teammate
// went idle, a task finished).
package hookingress

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loppo-llc/sentinel/internal/session"
)

// Dispatcher is what the hook tool calls into once an event has been
// resolved and sanitized — supplied by internal/supervisor so this
// package never has to know about the session registry.
type Dispatcher func(sessionID string, event session.HookEvent, data map[string]string) error

// Server wraps an MCP tool server exposing a single tool, notify_event,
// per SPEC_FULL.md §7. It is deliberately narrow: one tool, three
// fields, no resources or prompts.
type Server struct {
	mcp        *server.MCPServer
	logger     *slog.Logger
	eventNames map[string]session.HookEvent
	dispatch   Dispatcher
}

// NewServer builds the tool server. table overrides the default event
// name mapping when non-nil, letting a deployment adapt to whatever
// names its agent CLI's hook bridge emits.
func NewServer(logger *slog.Logger, dispatch Dispatcher, table map[string]session.HookEvent) *Server {
	if table == nil {
		table = defaultEventNameTable()
	}
	s := &Server{
		mcp:        server.NewMCPServer("sentinel-hookingress", "1.0.0"),
		logger:     logger,
		eventNames: table,
		dispatch:   dispatch,
	}

	tool := mcp.NewTool("notify_event",
		mcp.WithDescription("Report a session lifecycle event sentinel cannot observe from terminal output alone."),
		mcp.WithString("event", mcp.Required(), mcp.Description("Event name: idle_prompt, permission_prompt, elicitation_dialog, stop, teammate_idle, or task_completed.")),
		mcp.WithString("sessionId", mcp.Required(), mcp.Description("The sentinel session id this event belongs to.")),
		mcp.WithObject("data", mcp.Description("Optional context fields: message, tail, model, reason, planSummary.")),
	)
	s.mcp.AddTool(tool, s.handleNotifyEvent)
	return s
}

// ServeStdio runs the tool server over stdio, the transport a hook
// script spawned as a subprocess of the agent CLI can talk to without
// any network configuration.
func (s *Server) ServeStdio(ctx context.Context) error {
	return server.ServeStdio(s.mcp, server.WithStdioContextFunc(func(context.Context) context.Context { return ctx }))
}

func (s *Server) handleNotifyEvent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("event")
	if err != nil {
		return mcp.NewToolResultError("missing event"), nil
	}
	sessionID, err := req.RequireString("sessionId")
	if err != nil {
		return mcp.NewToolResultError("missing sessionId"), nil
	}

	ev, ok := resolveEvent(s.eventNames, name)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unrecognized event: %s", name)), nil
	}

	raw, _ := req.GetArguments()["data"].(map[string]any)
	data := sanitizeData(raw)

	if err := s.dispatch(sessionID, ev, data); err != nil {
		s.logger.Warn("hook dispatch failed", "sessionId", sessionID, "event", name, "err", err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("ok"), nil
}
