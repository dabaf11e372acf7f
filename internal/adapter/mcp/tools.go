package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	mssql "github.com/microsoft/go-mssqldb"

	"github.com/guillermoBallester/sqlwarden/internal/admission"
	"github.com/guillermoBallester/sqlwarden/internal/core/domain"
	"github.com/guillermoBallester/sqlwarden/internal/core/port"
	"github.com/guillermoBallester/sqlwarden/internal/core/service"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server metadata
const serverName = "sqlwarden"

// Tool descriptions
const (
	descListServers = "List the names of the SQL Server instances this gateway can query. " +
		"Call this first and pass one of the names as server_name to the other tools."

	descReadData = "Execute a single read-only T-SQL SELECT against a named server and return the rows as JSON. " +
		"The query is validated before it runs: only one SELECT statement is accepted, with no SELECT INTO, " +
		"no OPENROWSET/OPENQUERY/OPENDATASOURCE/OPENXML and no linked-server (four-part) names. " +
		"A server-side row limit, query timeout and rate limit are enforced. " +
		"Use specific column names instead of SELECT *."

	descServerName = "Name of the server, as returned by list_servers"

	descDatabaseName = "Database to run in, as returned by list_databases. Defaults to the login's default database."

	descListDatabases = "List the databases on a server with their state, compatibility level and read-only flag. " +
		"Pass one of the names as database_name to read_data or get_query_plan."

	descReadDataQuery = "T-SQL SELECT statement to execute"

	descValidateQuery = "Check whether a T-SQL query would be accepted by read_data without running it. " +
		"Does not touch any database or count against the rate limit. " +
		"Returns {\"valid\":true} or {\"valid\":false,\"code\":...,\"message\":...}."

	descValidateQueryParam = "T-SQL query to check"

	descGetQueryPlan = "Return the SQL Server XML execution plan for a T-SQL SELECT. " +
		"The query goes through the same validation and rate limit as read_data. " +
		"An estimated plan compiles the query without running it. " +
		"An actual plan runs the query (its rows are discarded) and includes runtime statistics."

	descGetQueryPlanQuery = "The T-SQL SELECT statement to plan"

	descPlanType = "estimated (default) or actual. An actual plan executes the query."

	descWhoIsActive = "Run sp_WhoIsActive on a server to see current sessions, running requests, waits and blocking. " +
		"The procedure must be installed on the target server. Output and schema parameters are not exposed."
)

const (
	msgRateExceeded        = "Rate limit exceeded. Too many queries per minute. Please wait and try again."
	msgConcurrencyExceeded = "Too many concurrent queries. Please wait and try again."
	msgCancelled           = "Request cancelled while waiting for a query slot."
	msgTimeout             = "query timed out. Simplify the query or add a more selective WHERE clause."
)

// Services bundles what the tool handlers call into.
type Services struct {
	Query      *service.QueryService
	Procedures *service.ProcedureService
	Servers    port.ServerLister
}

// RegisterTools adds the core tools and, when enableDBATools is set, the DBA
// diagnostics tools to s.
func RegisterTools(s *server.MCPServer, svc Services, enableDBATools bool, logger *slog.Logger) {
	s.AddTools(coreTools(svc, logger)...)
	if enableDBATools {
		s.AddTools(dbaTools(svc, logger)...)
	}
}

func coreTools(svc Services, logger *slog.Logger) []server.ServerTool {
	return []server.ServerTool{
		{
			Tool: mcp.NewTool("list_servers",
				mcp.WithDescription(descListServers),
				mcp.WithReadOnlyHintAnnotation(true),
			),
			Handler: listServersHandler(svc.Servers),
		},
		{
			Tool: mcp.NewTool("list_databases",
				mcp.WithDescription(descListDatabases),
				mcp.WithReadOnlyHintAnnotation(true),
				mcp.WithString("server_name",
					mcp.Required(),
					mcp.Description(descServerName),
				),
			),
			Handler: listDatabasesHandler(svc.Query, logger),
		},
		{
			Tool: mcp.NewTool("read_data",
				mcp.WithDescription(descReadData),
				mcp.WithReadOnlyHintAnnotation(true),
				mcp.WithString("server_name",
					mcp.Required(),
					mcp.Description(descServerName),
				),
				mcp.WithString("query",
					mcp.Required(),
					mcp.Description(descReadDataQuery),
				),
				mcp.WithString("database_name",
					mcp.Description(descDatabaseName),
				),
			),
			Handler: readDataHandler(svc.Query, logger),
		},
		{
			Tool: mcp.NewTool("validate_query",
				mcp.WithDescription(descValidateQuery),
				mcp.WithReadOnlyHintAnnotation(true),
				mcp.WithString("query",
					mcp.Required(),
					mcp.Description(descValidateQueryParam),
				),
			),
			Handler: validateQueryHandler(svc.Query, logger),
		},
	}
}

// dbaTools always includes get_query_plan; who_is_active needs a procedure
// service.
func dbaTools(svc Services, logger *slog.Logger) []server.ServerTool {
	tools := []server.ServerTool{
		{
			Tool: mcp.NewTool("get_query_plan",
				mcp.WithDescription(descGetQueryPlan),
				mcp.WithReadOnlyHintAnnotation(true),
				mcp.WithString("server_name",
					mcp.Required(),
					mcp.Description(descServerName),
				),
				mcp.WithString("query",
					mcp.Required(),
					mcp.Description(descGetQueryPlanQuery),
				),
				mcp.WithString("database_name",
					mcp.Description(descDatabaseName),
				),
				mcp.WithString("plan_type",
					mcp.Description(descPlanType),
					mcp.Enum(domain.PlanEstimated, domain.PlanActual),
				),
			),
			Handler: queryPlanHandler(svc.Query, logger),
		},
	}
	if svc.Procedures == nil {
		return tools
	}
	return append(tools,
		server.ServerTool{
			Tool: mcp.NewTool("who_is_active",
				mcp.WithDescription(descWhoIsActive),
				mcp.WithReadOnlyHintAnnotation(true),
				mcp.WithString("server_name",
					mcp.Required(),
					mcp.Description(descServerName),
				),
				mcp.WithString("filter",
					mcp.Description("Only show sessions matching this value. Wildcards allowed."),
				),
				mcp.WithString("filter_type",
					mcp.Description("What filter matches against. Defaults to session."),
					mcp.Enum("session", "program", "database", "login", "host"),
				),
				mcp.WithString("not_filter",
					mcp.Description("Exclude sessions matching this value."),
				),
				mcp.WithString("not_filter_type",
					mcp.Description("What not_filter matches against."),
					mcp.Enum("session", "program", "database", "login", "host"),
				),
				mcp.WithBoolean("show_own_spid",
					mcp.Description("Include the session running sp_WhoIsActive."),
				),
				mcp.WithBoolean("show_system_spids",
					mcp.Description("Include system sessions."),
				),
				mcp.WithNumber("show_sleeping_spids",
					mcp.Description("0 = no sleeping sessions, 1 = sleeping with open transactions, 2 = all."),
				),
				mcp.WithBoolean("get_full_inner_text",
					mcp.Description("Return the full batch text instead of the current statement."),
				),
				mcp.WithNumber("get_plans",
					mcp.Description("1 = plan for the current statement, 2 = plan for the whole batch."),
				),
				mcp.WithBoolean("get_outer_command",
					mcp.Description("Include the outer batch or procedure call."),
				),
				mcp.WithBoolean("get_transaction_info",
					mcp.Description("Include transaction log writes and duration."),
				),
				mcp.WithNumber("get_task_info",
					mcp.Description("0 = none, 1 = lightweight, 2 = full task and wait info."),
				),
				mcp.WithBoolean("get_locks",
					mcp.Description("Include an XML description of held locks."),
				),
				mcp.WithBoolean("get_avg_time",
					mcp.Description("Include average historical runtime of the statement."),
				),
				mcp.WithBoolean("get_additional_info",
					mcp.Description("Include session settings and agent job details."),
				),
				mcp.WithBoolean("get_memory_info",
					mcp.Description("Include memory grant information."),
				),
				mcp.WithBoolean("find_block_leaders",
					mcp.Description("Count how many sessions each session is blocking."),
				),
				mcp.WithNumber("delta_interval",
					mcp.Description("Seconds to wait between two samples to compute deltas."),
				),
				mcp.WithString("sort_order",
					mcp.Description("Sort expression, for example '[start_time] ASC'."),
				),
				mcp.WithBoolean("format_output",
					mcp.Description("Format numbers and times as text. Set false for raw values."),
				),
			),
			Handler: whoIsActiveHandler(svc.Procedures, logger),
		},
	)
}

func listServersHandler(servers port.ServerLister) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(servers.ListServers())
	}
}

func readDataHandler(query *service.QueryService, logger *slog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		target, ok := request.GetArguments()["server_name"].(string)
		if !ok || target == "" {
			return mcp.NewToolResultError("server_name is required"), nil
		}
		// An empty query reaches the validator, which owns that message.
		sql, _ := request.GetArguments()["query"].(string)
		database, _ := request.GetArguments()["database_name"].(string)

		ctx = service.WithToolName(ctx, "read_data")
		result, err := query.Execute(ctx, target, database, sql)
		if err != nil {
			return mcp.NewToolResultError(sanitizeError(logger, err, "read_data")), nil
		}
		return jsonResult(result)
	}
}

func listDatabasesHandler(query *service.QueryService, logger *slog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		target, ok := request.GetArguments()["server_name"].(string)
		if !ok || target == "" {
			return mcp.NewToolResultError("server_name is required"), nil
		}

		ctx = service.WithToolName(ctx, "list_databases")
		result, err := query.ListDatabases(ctx, target)
		if err != nil {
			return mcp.NewToolResultError(sanitizeError(logger, err, "list_databases")), nil
		}
		return jsonResult(result)
	}
}

func queryPlanHandler(query *service.QueryService, logger *slog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		target, ok := args["server_name"].(string)
		if !ok || target == "" {
			return mcp.NewToolResultError("server_name is required"), nil
		}
		sql, _ := args["query"].(string)
		database, _ := args["database_name"].(string)

		var actual bool
		switch planType, _ := args["plan_type"].(string); planType {
		case "", domain.PlanEstimated:
		case domain.PlanActual:
			actual = true
		default:
			return mcp.NewToolResultError(fmt.Sprintf("plan_type must be %q or %q", domain.PlanEstimated, domain.PlanActual)), nil
		}

		ctx = service.WithToolName(ctx, "get_query_plan")
		plan, err := query.Plan(ctx, target, database, sql, actual)
		if err != nil {
			return mcp.NewToolResultError(sanitizeError(logger, err, "get_query_plan")), nil
		}
		return jsonResult(plan)
	}
}

type validationResult struct {
	Valid   bool   `json:"valid"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func validateQueryHandler(query *service.QueryService, logger *slog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sql, _ := request.GetArguments()["query"].(string)

		ctx = service.WithToolName(ctx, "validate_query")
		err := query.Validate(ctx, sql)
		if err == nil {
			return jsonResult(validationResult{Valid: true})
		}
		rej, ok := domain.AsRejection(err)
		if !ok {
			return mcp.NewToolResultError(sanitizeError(logger, err, "validate_query")), nil
		}
		return jsonResult(validationResult{Code: string(rej.Code), Message: rej.Message})
	}
}

func whoIsActiveHandler(procs *service.ProcedureService, logger *slog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		target, ok := args["server_name"].(string)
		if !ok || target == "" {
			return mcp.NewToolResultError("server_name is required"), nil
		}

		opts := service.WhoIsActiveOptions{
			Filter:             stringArg(args, "filter"),
			FilterType:         stringArg(args, "filter_type"),
			NotFilter:          stringArg(args, "not_filter"),
			NotFilterType:      stringArg(args, "not_filter_type"),
			ShowOwnSpid:        boolArg(args, "show_own_spid"),
			ShowSystemSpids:    boolArg(args, "show_system_spids"),
			ShowSleepingSpids:  intArg(args, "show_sleeping_spids"),
			GetFullInnerText:   boolArg(args, "get_full_inner_text"),
			GetPlans:           intArg(args, "get_plans"),
			GetOuterCommand:    boolArg(args, "get_outer_command"),
			GetTransactionInfo: boolArg(args, "get_transaction_info"),
			GetTaskInfo:        intArg(args, "get_task_info"),
			GetLocks:           boolArg(args, "get_locks"),
			GetAvgTime:         boolArg(args, "get_avg_time"),
			GetAdditionalInfo:  boolArg(args, "get_additional_info"),
			GetMemoryInfo:      boolArg(args, "get_memory_info"),
			FindBlockLeaders:   boolArg(args, "find_block_leaders"),
			DeltaInterval:      intArg(args, "delta_interval"),
			SortOrder:          stringArg(args, "sort_order"),
			FormatOutput:       boolArg(args, "format_output"),
		}

		ctx = service.WithToolName(ctx, "who_is_active")
		result, err := procs.WhoIsActive(ctx, target, opts)
		if err != nil {
			return mcp.NewToolResultError(sanitizeError(logger, err, "who_is_active")), nil
		}
		return jsonResult(result)
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// Optional arguments are nil when absent so the procedure keeps its own
// defaults.

func stringArg(args map[string]any, key string) *string {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return nil
	}
	return &v
}

func boolArg(args map[string]any, key string) *bool {
	v, ok := args[key].(bool)
	if !ok {
		return nil
	}
	return &v
}

// JSON numbers decode as float64.
func intArg(args map[string]any, key string) *int {
	switch v := args[key].(type) {
	case float64:
		n := int(v)
		return &n
	case int:
		return &v
	case int64:
		n := int(v)
		return &n
	}
	return nil
}

// sanitizeError turns err into a message that is safe to hand to the agent.
// Rejections, admission failures and lookup errors are written for the caller
// and pass through; SQL Server errors keep only the server's message; anything
// else is logged and replaced with a generic message.
func sanitizeError(logger *slog.Logger, err error, operation string) string {
	if rej, ok := domain.AsRejection(err); ok {
		return rej.Message
	}

	switch {
	case errors.Is(err, domain.ErrInternal):
		logger.Error("validator failure", slog.String("mcp.tool", operation), slog.String("error.message", err.Error()))
		return domain.ErrInternal.Error()
	case errors.Is(err, admission.ErrRateExceeded):
		return msgRateExceeded
	case errors.Is(err, admission.ErrConcurrencyExceeded):
		return msgConcurrencyExceeded
	case errors.Is(err, admission.ErrCancelled):
		return msgCancelled
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, service.ErrProcedureNotAllowed),
		errors.Is(err, service.ErrParameterNotAllowed):
		return err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return msgTimeout
	}

	var sqlErr mssql.Error
	if errors.As(err, &sqlErr) {
		return fmt.Sprintf("SQL Server error %d: %s", sqlErr.Number, sqlErr.Message)
	}

	logger.Error("tool call failed",
		slog.String("mcp.tool", operation),
		slog.String("error.message", err.Error()),
	)
	return fmt.Sprintf("%s failed: internal error (check server logs for details)", operation)
}
