package mcp

import (
	"log/slog"

	"github.com/guillermoBallester/sqlwarden/internal/core/port"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/trace"
)

const instructions = "Read-only gateway to SQL Server. Use list_servers to find a server, " +
	"validate_query to check a query cheaply, and read_data to run a single SELECT."

// NewServer creates an MCPServer with tools, logging hooks and panic recovery.
func NewServer(version string, svc Services, enableDBATools bool, logger *slog.Logger, tracer trace.Tracer, inst port.Instrumentation) *server.MCPServer {
	s := server.NewMCPServer(
		serverName,
		version,
		server.WithToolCapabilities(false),
		server.WithInstructions(instructions),
		server.WithRecovery(),
		server.WithHooks(ToolCallHooks(logger, tracer, inst)),
	)

	RegisterTools(s, svc, enableDBATools, logger)

	return s
}
