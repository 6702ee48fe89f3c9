// Package mcp exposes shellkeeper sessions as MCP tools over stdio, acting
// on behalf of one configured user.
package mcp

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/acolita/shellkeeper/internal/relay"
)

// Server wraps the MCP server implementation.
type Server struct {
	mcpServer *server.MCPServer
	relay     *relay.Relay
	user      string
}

// NewServer creates an MCP server whose tools act as user.
func NewServer(r *relay.Relay, user, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"shellkeeper",
			version,
			server.WithToolCapabilities(false),
			server.WithLogging(),
		),
		relay: r,
		user:  user,
	}
	s.registerTools()
	return s
}

// Run serves MCP on stdin/stdout until the client disconnects.
func (s *Server) Run() error {
	slog.Info("starting MCP server on stdio transport", slog.String("user", s.user))
	return server.ServeStdio(s.mcpServer)
}
