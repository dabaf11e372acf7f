package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/guillermoBallester/sqlwarden/internal/adapter/mcp"
	"github.com/guillermoBallester/sqlwarden/internal/adapter/policy"
	"github.com/guillermoBallester/sqlwarden/internal/adapter/sqlserver"
	"github.com/guillermoBallester/sqlwarden/internal/admission"
	"github.com/guillermoBallester/sqlwarden/internal/audit"
	"github.com/guillermoBallester/sqlwarden/internal/config"
	"github.com/guillermoBallester/sqlwarden/internal/core/domain"
	"github.com/guillermoBallester/sqlwarden/internal/core/port"
	"github.com/guillermoBallester/sqlwarden/internal/core/service"
	"github.com/guillermoBallester/sqlwarden/internal/telemetry"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sqlwarden",
		Short: "Read-only MCP gateway for SQL Server",
		Long: `sqlwarden exposes SQL Server to MCP clients through a small set of tools.

Every query is parsed and checked before it runs: only a single SELECT is
accepted, SELECT INTO, OPENROWSET/OPENQUERY and linked servers are refused,
and an admission controller caps queries per minute and concurrent queries.

Configuration comes from environment variables; the flags below override them.`,
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), overridesFromFlags(cmd.Flags()))
		},
	}
	bindFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, overrides config.Overrides) error {
	cfg, err := config.Load(overrides)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Logs go to stderr; stdout is reserved for the MCP stdio transport.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	logger.Info("starting sqlwarden",
		slog.String("version", version),
		slog.String("log_level", cfg.LogLevel.String()),
		slog.Any("servers", cfg.ServerNames()),
		slog.Int("max_rows", cfg.MaxRows),
		slog.String("query_timeout", cfg.QueryTimeout.String()),
		slog.Int("max_concurrent_queries", cfg.MaxConcurrentQueries),
		slog.Int("max_queries_per_minute", cfg.MaxQueriesPerMinute),
		slog.Bool("dba_tools", cfg.EnableDBATools),
		slog.Bool("dry_run", cfg.DryRun),
	)

	// Telemetry (optional).
	var tracer trace.Tracer = telemetry.NoopTracer()
	var inst port.Instrumentation = port.NoopInstrumentation{}
	if cfg.OTelEnabled {
		provider, err := telemetry.Init(ctx, telemetry.Options{
			ServiceName:    "sqlwarden",
			ServiceVersion: version,
			Servers:        cfg.ServerNames(),
		})
		if err != nil {
			return fmt.Errorf("initializing telemetry: %w", err)
		}
		defer func() {
			if err := provider.Shutdown(context.Background()); err != nil {
				logger.Error("telemetry shutdown", slog.String("error", err.Error()))
			}
		}()
		tracer = provider.Tracer()
		inst = provider.Instruments()
		logger.Info("telemetry enabled")
	}

	// Adapters
	executor, closeExecutor, err := buildExecutor(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeExecutor()

	var masks map[string]domain.MaskType
	if cfg.PolicyFile != "" {
		pol, err := policy.LoadFromFile(cfg.PolicyFile)
		if err != nil {
			return fmt.Errorf("loading policy: %w", err)
		}
		masks = policy.MaskSpec(pol)
		logger.Info("policy loaded",
			slog.String("file", cfg.PolicyFile),
			slog.Int("masked_columns", len(masks)),
		)
	}

	var auditor port.QueryAuditor = audit.NoopAuditor{}
	if cfg.AuditLog != "" {
		fa, err := audit.NewFileAuditor(cfg.AuditLog)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer func() { _ = fa.Close() }()
		auditor = fa
		logger.Info("audit log enabled", slog.String("file", cfg.AuditLog))
	}

	// Domain
	validator := domain.NewQueryValidator(cfg.MaxQueryLength)
	gate, err := admission.New(admission.Options{
		MaxConcurrent: cfg.MaxConcurrentQueries,
		MaxPerMinute:  cfg.MaxQueriesPerMinute,
	})
	if err != nil {
		return fmt.Errorf("creating admission controller: %w", err)
	}

	// Services
	svc := mcp.Services{
		Query:      service.NewQueryService(validator, gate, executor, auditor, logger, masks, tracer, inst),
		Procedures: service.NewProcedureService(gate, executor, auditor, logger, tracer, inst),
		Servers:    executor,
	}

	// MCP server with tool handlers.
	mcpServer := mcp.NewServer(version, svc, cfg.EnableDBATools, logger, tracer, inst)

	switch cfg.Transport {
	case "http":
		err = serveHTTP(ctx, cfg, mcpServer, logger)
	default:
		err = serveStdio(ctx, mcpServer, logger)
	}
	if err != nil {
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

// buildExecutor connects to every configured server, or, in dry-run mode,
// returns an executor that never touches a database.
func buildExecutor(ctx context.Context, cfg *config.Config, logger *slog.Logger) (port.Executor, func(), error) {
	if cfg.DryRun {
		names := make(map[string]*sql.DB, len(cfg.Servers))
		for name := range cfg.Servers {
			names[name] = nil
		}
		logger.Warn("dry-run mode: queries are validated but never executed")
		inner := sqlserver.NewExecutor(names, cfg.MaxRows, cfg.QueryTimeout)
		return sqlserver.NewDryRunExecutor(inner), func() {}, nil
	}

	pools, err := openPools(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	closeAll := func() {
		for _, db := range pools {
			_ = db.Close()
		}
	}
	return sqlserver.NewExecutor(pools, cfg.MaxRows, cfg.QueryTimeout), closeAll, nil
}

// openPools connects to all servers concurrently. If any server is
// unreachable, the pools already opened are closed and the first error is
// returned.
func openPools(ctx context.Context, cfg *config.Config, logger *slog.Logger) (map[string]*sql.DB, error) {
	opts := sqlserver.PoolOptions{
		MaxOpenConns:    cfg.PoolMaxConns,
		MaxIdleConns:    cfg.PoolMaxIdleConns,
		ConnMaxLifetime: cfg.PoolMaxConnLifetime,
	}

	var mu sync.Mutex
	pools := make(map[string]*sql.DB, len(cfg.Servers))

	g, gctx := errgroup.WithContext(ctx)
	for name, dsn := range cfg.Servers {
		g.Go(func() error {
			db, err := sqlserver.NewPool(gctx, dsn, opts)
			if err != nil {
				return fmt.Errorf("connecting to server %q (%s): %w", name, redactDSN(dsn), err)
			}
			mu.Lock()
			pools[name] = db
			mu.Unlock()

			logger.Info("database pool connected",
				slog.String("db.system", "microsoft.sql_server"),
				slog.String("server.name", name),
				slog.String("db.connection_string", redactDSN(dsn)),
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, db := range pools {
			_ = db.Close()
		}
		return nil, err
	}
	return pools, nil
}

func serveStdio(ctx context.Context, s *mcpserver.MCPServer, logger *slog.Logger) error {
	stdioServer := mcpserver.NewStdioServer(s)

	logger.Info("serving MCP over stdio")
	if err := stdioServer.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stdio server: %w", err)
	}
	return nil
}
