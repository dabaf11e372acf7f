package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/guillermoBallester/sqlwarden/internal/config"
	"github.com/guillermoBallester/sqlwarden/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
		check   func(t *testing.T, o config.Overrides)
	}{
		{
			name: "no flags",
			args: []string{},
			check: func(t *testing.T, o config.Overrides) {
				assert.False(t, o.DryRun)
				assert.False(t, o.OTelEnabled)
				assert.Nil(t, o.DatabaseURL)
				assert.Nil(t, o.ServersFile)
				assert.Nil(t, o.MaxRows)
				assert.Nil(t, o.EnableDBATools)
			},
		},
		{
			name: "dry-run",
			args: []string{"--dry-run"},
			check: func(t *testing.T, o config.Overrides) {
				assert.True(t, o.DryRun)
			},
		},
		{
			name: "servers-file",
			args: []string{"--servers-file", "servers.yaml"},
			check: func(t *testing.T, o config.Overrides) {
				require.NotNil(t, o.ServersFile)
				assert.Equal(t, "servers.yaml", *o.ServersFile)
			},
		},
		{
			name: "database-url",
			args: []string{"--database-url", "sqlserver://sa:pw@localhost:1433"},
			check: func(t *testing.T, o config.Overrides) {
				require.NotNil(t, o.DatabaseURL)
				assert.Equal(t, "sqlserver://sa:pw@localhost:1433", *o.DatabaseURL)
			},
		},
		{
			name: "max-rows",
			args: []string{"--max-rows", "500"},
			check: func(t *testing.T, o config.Overrides) {
				require.NotNil(t, o.MaxRows)
				assert.Equal(t, 500, *o.MaxRows)
			},
		},
		{
			name: "explicit zero is still an override",
			args: []string{"--max-rows", "0"},
			check: func(t *testing.T, o config.Overrides) {
				require.NotNil(t, o.MaxRows)
				assert.Equal(t, 0, *o.MaxRows)
			},
		},
		{
			name: "query-timeout",
			args: []string{"--query-timeout", "45s"},
			check: func(t *testing.T, o config.Overrides) {
				require.NotNil(t, o.QueryTimeout)
				assert.Equal(t, 45*time.Second, *o.QueryTimeout)
			},
		},
		{
			name: "admission limits",
			args: []string{"--max-concurrent-queries", "3", "--max-queries-per-minute", "30", "--max-query-length", "4000"},
			check: func(t *testing.T, o config.Overrides) {
				require.NotNil(t, o.MaxConcurrentQueries)
				assert.Equal(t, 3, *o.MaxConcurrentQueries)
				require.NotNil(t, o.MaxQueriesPerMinute)
				assert.Equal(t, 30, *o.MaxQueriesPerMinute)
				require.NotNil(t, o.MaxQueryLength)
				assert.Equal(t, 4000, *o.MaxQueryLength)
			},
		},
		{
			name: "enable-dba-tools",
			args: []string{"--enable-dba-tools"},
			check: func(t *testing.T, o config.Overrides) {
				require.NotNil(t, o.EnableDBATools)
				assert.True(t, *o.EnableDBATools)
			},
		},
		{
			name: "transport http with addr and token",
			args: []string{"--transport", "http", "--http-addr", ":9090", "--http-bearer-token", "tok"},
			check: func(t *testing.T, o config.Overrides) {
				require.NotNil(t, o.Transport)
				assert.Equal(t, "http", *o.Transport)
				require.NotNil(t, o.HTTPAddr)
				assert.Equal(t, ":9090", *o.HTTPAddr)
				require.NotNil(t, o.HTTPBearerToken)
				assert.Equal(t, "tok", *o.HTTPBearerToken)
			},
		},
		{
			name: "otel",
			args: []string{"--otel"},
			check: func(t *testing.T, o config.Overrides) {
				assert.True(t, o.OTelEnabled)
			},
		},
		{
			name: "pool settings",
			args: []string{"--pool-max-conns", "20", "--pool-max-idle-conns", "4", "--pool-max-conn-lifetime", "1h"},
			check: func(t *testing.T, o config.Overrides) {
				require.NotNil(t, o.PoolMaxConns)
				assert.Equal(t, 20, *o.PoolMaxConns)
				require.NotNil(t, o.PoolMaxIdleConns)
				assert.Equal(t, 4, *o.PoolMaxIdleConns)
				require.NotNil(t, o.PoolMaxConnLifetime)
				assert.Equal(t, time.Hour, *o.PoolMaxConnLifetime)
			},
		},
		{
			name: "audit-log",
			args: []string{"--audit-log", "/tmp/audit.ndjson"},
			check: func(t *testing.T, o config.Overrides) {
				assert.Equal(t, "/tmp/audit.ndjson", o.AuditLog)
			},
		},
		{
			name: "log-level",
			args: []string{"--log-level", "debug"},
			check: func(t *testing.T, o config.Overrides) {
				require.NotNil(t, o.LogLevel)
				assert.Equal(t, "debug", *o.LogLevel)
			},
		},
		{
			name: "policy-file",
			args: []string{"--policy-file", "policy.yaml"},
			check: func(t *testing.T, o config.Overrides) {
				require.NotNil(t, o.PolicyFile)
				assert.Equal(t, "policy.yaml", *o.PolicyFile)
			},
		},
		{
			name:    "unknown flag returns error",
			args:    []string{"--unknown-flag"},
			wantErr: true,
		},
		{
			name:    "bad int returns error",
			args:    []string{"--max-rows", "many"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			overrides, err := parseFlags(tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, overrides)
			}
		})
	}
}

func TestRootCmd_Version(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), version)
}

func TestRootCmd_RejectsArguments(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"serve"})

	assert.Error(t, cmd.Execute())
}

func TestRootCmd_ConfigError(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--database-url", "sqlserver://sa:pw@localhost", "--max-rows", "0"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config")
	assert.Contains(t, err.Error(), "MAX_ROWS")
}

func TestBuildExecutor_DryRun(t *testing.T) {
	cfg := &config.Config{
		Servers: map[string]string{
			"prod":      "sqlserver://sa:pw@unreachable.invalid:1433",
			"reporting": "sqlserver://sa:pw@unreachable.invalid:1433",
		},
		MaxRows:      10,
		QueryTimeout: time.Second,
		DryRun:       true,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	executor, closeFn, err := buildExecutor(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer closeFn()

	assert.Equal(t, []string{"prod", "reporting"}, executor.ListServers())

	res, err := executor.Execute(context.Background(), "prod", "", "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, true, res.Rows[0]["dry_run"])
	assert.Equal(t, "SELECT 1", res.Rows[0]["sql"])

	_, err = executor.Execute(context.Background(), "nope", "", "SELECT 1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	dbs, err := executor.ListDatabases(context.Background(), "reporting")
	require.NoError(t, err)
	assert.Empty(t, dbs)
}
