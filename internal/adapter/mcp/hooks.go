package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/guillermoBallester/sqlwarden/internal/core/port"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// maxLoggedMessage bounds the tool error text copied into logs.
const maxLoggedMessage = 512

// toolCall is the state kept between the before and after hooks of one call.
type toolCall struct {
	tool    string
	server  string
	session string
	start   time.Time
	span    trace.Span
}

// attrs returns the attributes shared by the tool-call span and log line.
func (c *toolCall) attrs() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("mcp.tool", c.tool),
		attribute.String("mcp.session.id", c.session),
	}
	if c.server != "" {
		attrs = append(attrs, attribute.String("server.name", c.server))
	}
	return attrs
}

func sessionID(ctx context.Context) string {
	if s := server.ClientSessionFromContext(ctx); s != nil {
		return s.SessionID()
	}
	return ""
}

func stringArgument(req *mcp.CallToolRequest, key string) string {
	v, _ := req.GetArguments()[key].(string)
	return v
}

// errorText returns the first text block of an error result, shortened for
// logging.
func errorText(r *mcp.CallToolResult) string {
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			if len(tc.Text) > maxLoggedMessage {
				return tc.Text[:maxLoggedMessage] + "..."
			}
			return tc.Text
		}
	}
	return ""
}

// ToolCallHooks logs every tool call and, when tracer is set, wraps it in an
// mcp.tool.call span. Calls are correlated across hooks by request id.
func ToolCallHooks(logger *slog.Logger, tracer trace.Tracer, inst port.Instrumentation) *server.Hooks {
	hooks := &server.Hooks{}
	var inflight sync.Map // request id -> *toolCall

	finish := func(ctx context.Context, id any) (*toolCall, time.Duration) {
		v, ok := inflight.LoadAndDelete(id)
		if !ok {
			return nil, 0
		}
		call := v.(*toolCall)
		elapsed := time.Since(call.start)
		if inst != nil {
			inst.RecordToolDuration(ctx, float64(elapsed.Milliseconds()))
		}
		return call, elapsed
	}

	hooks.AddBeforeCallTool(func(ctx context.Context, id any, req *mcp.CallToolRequest) {
		call := &toolCall{
			tool:    req.Params.Name,
			server:  stringArgument(req, "server_name"),
			session: sessionID(ctx),
			start:   time.Now(),
		}
		if tracer != nil {
			attrs := call.attrs()
			if q := stringArgument(req, "query"); q != "" {
				attrs = append(attrs, attribute.Int("db.query.text.length", len(q)))
			}
			_, call.span = tracer.Start(ctx, "mcp.tool.call", trace.WithAttributes(attrs...))
		}
		inflight.Store(id, call)
	})

	hooks.AddAfterCallTool(func(ctx context.Context, id any, req *mcp.CallToolRequest, result any) {
		call, elapsed := finish(ctx, id)
		if call == nil {
			call = &toolCall{tool: req.Params.Name, server: stringArgument(req, "server_name")}
		}

		attrs := []slog.Attr{
			slog.String("rpc.method", "tools/call"),
			slog.String("mcp.tool", call.tool),
			slog.String("server.name", call.server),
			slog.String("mcp.session.id", call.session),
			slog.Duration("duration", elapsed),
		}

		// Error results are rejections, admission refusals and SQL errors the
		// agent can act on; server faults are logged at ERROR where they occur.
		r, _ := result.(*mcp.CallToolResult)
		if r != nil && r.IsError {
			msg := errorText(r)
			logger.LogAttrs(ctx, slog.LevelWarn, "tool call refused",
				append(attrs, slog.Bool("error", true), slog.String("error.message", msg))...)
			if call.span != nil {
				call.span.SetStatus(codes.Error, msg)
				call.span.RecordError(errors.New(msg))
			}
		} else {
			logger.LogAttrs(ctx, slog.LevelInfo, "tool call", append(attrs, slog.Bool("error", false))...)
		}
		if call.span != nil {
			call.span.End()
		}
	})

	hooks.AddOnError(func(ctx context.Context, id any, method mcp.MCPMethod, message any, err error) {
		call, elapsed := finish(ctx, id)
		req, isTool := message.(*mcp.CallToolRequest)
		if call == nil && !isTool {
			return
		}
		var tool string
		if call != nil {
			tool = call.tool
		} else {
			tool = req.Params.Name
		}

		logger.LogAttrs(ctx, slog.LevelError, "tool call failed",
			slog.String("rpc.method", string(method)),
			slog.String("mcp.tool", tool),
			slog.Duration("duration", elapsed),
			slog.Bool("error", true),
			slog.String("error.message", err.Error()),
		)
		if call != nil && call.span != nil {
			call.span.RecordError(err)
			call.span.SetStatus(codes.Error, err.Error())
			call.span.End()
		}
	})

	return hooks
}
