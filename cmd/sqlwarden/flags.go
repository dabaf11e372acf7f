package main

import (
	"io"

	"github.com/guillermoBallester/sqlwarden/internal/config"
	"github.com/spf13/pflag"
)

func bindFlags(fs *pflag.FlagSet) {
	fs.String("servers-file", "", "YAML file mapping server names to connection strings (env: SERVERS_FILE)")
	fs.String("database-url", "", "connection string registered as server \"default\" (env: DATABASE_URL)")
	fs.String("log-level", "", "log level: debug, info, warn, error (env: LOG_LEVEL)")
	fs.Int("max-rows", 0, "maximum rows returned per query, 1-100000 (env: MAX_ROWS)")
	fs.Duration("query-timeout", 0, "per-query timeout, 1s-600s (env: QUERY_TIMEOUT)")
	fs.Int("max-query-length", 0, "maximum query length in characters (env: MAX_QUERY_LENGTH)")
	fs.Int("max-concurrent-queries", 0, "queries allowed to run at once, 1-100 (env: MAX_CONCURRENT_QUERIES)")
	fs.Int("max-queries-per-minute", 0, "queries admitted per minute, 1-10000 (env: MAX_QUERIES_PER_MINUTE)")
	fs.Bool("enable-dba-tools", false, "register DBA diagnostics tools get_query_plan and who_is_active (env: ENABLE_DBA_TOOLS)")
	fs.String("policy-file", "", "YAML policy with column masks (env: POLICY_FILE)")
	fs.String("transport", "", "MCP transport: stdio or http (env: TRANSPORT)")
	fs.String("http-addr", "", "listen address for the http transport (env: HTTP_ADDR)")
	fs.String("http-bearer-token", "", "bearer token required by the http transport (env: HTTP_BEARER_TOKEN)")
	fs.Int("pool-max-conns", 0, "maximum open connections per server (env: POOL_MAX_CONNS)")
	fs.Int("pool-max-idle-conns", 0, "maximum idle connections per server (env: POOL_MAX_IDLE_CONNS)")
	fs.Duration("pool-max-conn-lifetime", 0, "maximum lifetime of a pooled connection (env: POOL_MAX_CONN_LIFETIME)")
	fs.Bool("otel", false, "enable OpenTelemetry tracing and metrics (env: OTEL_ENABLED)")
	fs.Bool("dry-run", false, "validate and admit queries but never execute them")
	fs.String("audit-log", "", "append an NDJSON audit record per executed query to this file")
}

// changed returns a pointer to the flag's value, or nil when the flag was not
// given on the command line.
func changed[T any](fs *pflag.FlagSet, name string, get func(string) (T, error)) *T {
	if !fs.Changed(name) {
		return nil
	}
	v, err := get(name)
	if err != nil {
		return nil
	}
	return &v
}

func overridesFromFlags(fs *pflag.FlagSet) config.Overrides {
	otel, _ := fs.GetBool("otel")
	dryRun, _ := fs.GetBool("dry-run")
	auditLog, _ := fs.GetString("audit-log")

	return config.Overrides{
		ServersFile:          changed(fs, "servers-file", fs.GetString),
		DatabaseURL:          changed(fs, "database-url", fs.GetString),
		LogLevel:             changed(fs, "log-level", fs.GetString),
		MaxRows:              changed(fs, "max-rows", fs.GetInt),
		QueryTimeout:         changed(fs, "query-timeout", fs.GetDuration),
		MaxQueryLength:       changed(fs, "max-query-length", fs.GetInt),
		MaxConcurrentQueries: changed(fs, "max-concurrent-queries", fs.GetInt),
		MaxQueriesPerMinute:  changed(fs, "max-queries-per-minute", fs.GetInt),
		EnableDBATools:       changed(fs, "enable-dba-tools", fs.GetBool),
		PolicyFile:           changed(fs, "policy-file", fs.GetString),
		Transport:            changed(fs, "transport", fs.GetString),
		HTTPAddr:             changed(fs, "http-addr", fs.GetString),
		HTTPBearerToken:      changed(fs, "http-bearer-token", fs.GetString),
		PoolMaxConns:         changed(fs, "pool-max-conns", fs.GetInt),
		PoolMaxIdleConns:     changed(fs, "pool-max-idle-conns", fs.GetInt),
		PoolMaxConnLifetime:  changed(fs, "pool-max-conn-lifetime", fs.GetDuration),
		OTelEnabled:          otel,
		DryRun:               dryRun,
		AuditLog:             auditLog,
	}
}

// parseFlags parses args on a fresh flag set.
func parseFlags(args []string) (config.Overrides, error) {
	fs := pflag.NewFlagSet("sqlwarden", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	bindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return config.Overrides{}, err
	}
	return overridesFromFlags(fs), nil
}
