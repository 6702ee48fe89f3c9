package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
)

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTool(sessionStartTool(), s.handleSessionStart)
	s.mcpServer.AddTool(sessionInputTool(), s.handleSessionInput)
	s.mcpServer.AddTool(sessionOutputTool(), s.handleSessionOutput)
	s.mcpServer.AddTool(sessionResizeTool(), s.handleSessionResize)
	s.mcpServer.AddTool(sessionCloseTool(), s.handleSessionClose)
	s.mcpServer.AddTool(sessionCountTool(), s.handleSessionCount)
	s.mcpServer.AddTool(sessionListTool(), s.handleSessionList)
}

// Tool definitions

func sessionStartTool() mcp.Tool {
	return mcp.NewTool("session_start",
		mcp.WithDescription("Open a persistent SSH shell from a saved connection profile. Returns the session ID and the login banner."),
		mcp.WithNumber("profile_id",
			mcp.Required(),
			mcp.Description("ID of a saved connection profile"),
		),
	)
}

func sessionInputTool() mcp.Tool {
	return mcp.NewTool("session_input",
		mcp.WithDescription("Send keystrokes to a session. Newlines are sent as carriage returns; output is read with session_output."),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description(descSessionID),
		),
		mcp.WithString("data",
			mcp.Required(),
			mcp.Description("Text to type, e.g. \"ls -la\\n\""),
		),
	)
}

func sessionOutputTool() mcp.Tool {
	return mcp.NewTool("session_output",
		mcp.WithDescription("Return output produced since the last call. Empty when nothing new arrived."),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description(descSessionID),
		),
	)
}

func sessionResizeTool() mcp.Tool {
	return mcp.NewTool("session_resize",
		mcp.WithDescription("Change the terminal size of a session"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description(descSessionID),
		),
		mcp.WithNumber("rows",
			mcp.Description("Terminal rows (default: 24)"),
		),
		mcp.WithNumber("cols",
			mcp.Description("Terminal columns (default: 80)"),
		),
	)
}

func sessionCloseTool() mcp.Tool {
	return mcp.NewTool("session_close",
		mcp.WithDescription("Close a session and its SSH connection"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description(descSessionID),
		),
	)
}

func sessionCountTool() mcp.Tool {
	return mcp.NewTool("session_count",
		mcp.WithDescription("Return how many sessions are open"),
	)
}

func sessionListTool() mcp.Tool {
	return mcp.NewTool("session_list",
		mcp.WithDescription("List open sessions with host, state and last activity"),
	)
}

// Tool handlers

func (s *Server) handleSessionStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	profileID := mcp.ParseInt(req, "profile_id", 0)
	if profileID <= 0 {
		return mcp.NewToolResultError(errProfileIDRequired), nil
	}

	slog.Info("starting session from profile", slog.Int("profile_id", profileID))
	res, err := s.relay.Start(ctx, s.user, uint(profileID))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"session_id": res.SessionID,
		"output":     res.InitialOutput,
	})
}

func (s *Server) handleSessionInput(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError(errSessionIDRequired), nil
	}
	if err := s.relay.Input(ctx, s.user, sessionID, mcp.ParseString(req, "data", "")); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("Input sent"), nil
}

func (s *Server) handleSessionOutput(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError(errSessionIDRequired), nil
	}
	out, err := s.relay.Output(ctx, s.user, sessionID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"session_id": sessionID,
		"output":     out,
	})
}

func (s *Server) handleSessionResize(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError(errSessionIDRequired), nil
	}
	rows := mcp.ParseInt(req, "rows", 0)
	cols := mcp.ParseInt(req, "cols", 0)
	ok, err := s.relay.Resize(ctx, s.user, sessionID, rows, cols)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !ok {
		return mcp.NewToolResultError("resize rejected: session is not alive"), nil
	}
	return mcp.NewToolResultText("Terminal resized"), nil
}

func (s *Server) handleSessionClose(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError(errSessionIDRequired), nil
	}

	slog.Info("closing session", slog.String("session_id", sessionID))
	if err := s.relay.Close(ctx, s.user, sessionID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("Session closed"), nil
}

func (s *Server) handleSessionCount(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]int{"active_count": s.relay.Count(s.user)})
}

func (s *Server) handleSessionList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{"sessions": s.relay.Sessions(s.user)})
}

// jsonResult converts a value to a JSON tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
