package sqlserver

import (
	"context"
	"slices"
	"strings"

	"github.com/guillermoBallester/sqlwarden/internal/core/domain"
	"github.com/guillermoBallester/sqlwarden/internal/core/port"
)

// DryRunExecutor wraps an Executor and never touches the database. Queries
// come back as a one-row result echoing the SQL that would have run, so the
// whole gate can be exercised against a live MCP client safely.
type DryRunExecutor struct {
	inner port.ServerLister
}

func NewDryRunExecutor(inner port.ServerLister) *DryRunExecutor {
	return &DryRunExecutor{inner: inner}
}

func (e *DryRunExecutor) ListServers() []string {
	return e.inner.ListServers()
}

func (e *DryRunExecutor) Execute(_ context.Context, server, database, sql string) (*domain.QueryResult, error) {
	if err := e.checkServer(server); err != nil {
		return nil, err
	}
	return &domain.QueryResult{
		Columns:  []string{"dry_run", "server", "database", "sql"},
		Rows:     []map[string]any{{"dry_run": true, "server": server, "database": database, "sql": sql}},
		RowCount: 1,
	}, nil
}

// QueryPlan returns an empty plan document naming the statement that would
// have been compiled.
func (e *DryRunExecutor) QueryPlan(_ context.Context, server, database, sql string, actual bool) (*domain.QueryPlan, error) {
	if err := e.checkServer(server); err != nil {
		return nil, err
	}
	planType := domain.PlanEstimated
	if actual {
		planType = domain.PlanActual
	}
	return &domain.QueryPlan{
		Server:   server,
		Database: database,
		PlanType: planType,
		PlanXML:  "<DryRun><![CDATA[" + strings.ReplaceAll(sql, "]]>", "]]]]><![CDATA[>") + "]]></DryRun>",
	}, nil
}

// ListDatabases reports no databases; the server is never contacted.
func (e *DryRunExecutor) ListDatabases(_ context.Context, server string) ([]domain.Database, error) {
	if err := e.checkServer(server); err != nil {
		return nil, err
	}
	return []domain.Database{}, nil
}

func (e *DryRunExecutor) ExecuteProcedure(_ context.Context, server, name string, params map[string]any) (*domain.ProcedureResult, error) {
	if err := e.checkServer(server); err != nil {
		return nil, err
	}
	return &domain.ProcedureResult{
		Server:    server,
		Procedure: name,
		ResultSets: []domain.QueryResult{{
			Columns:  []string{"dry_run", "procedure", "parameters"},
			Rows:     []map[string]any{{"dry_run": true, "procedure": name, "parameters": params}},
			RowCount: 1,
		}},
	}, nil
}

func (e *DryRunExecutor) checkServer(server string) error {
	if !slices.Contains(e.inner.ListServers(), server) {
		return &domain.ServerNotFoundError{Name: server}
	}
	return nil
}
