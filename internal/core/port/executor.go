package port

import (
	"context"

	"github.com/guillermoBallester/sqlwarden/internal/core/domain"
)

// QueryExecutor runs an already validated query against a named server. An
// empty database leaves the login's default database in place.
type QueryExecutor interface {
	Execute(ctx context.Context, server, database, sql string) (*domain.QueryResult, error)
}

// PlanExecutor returns the SHOWPLAN XML for an already validated query. When
// actual is set the query runs and the plan carries runtime statistics.
type PlanExecutor interface {
	QueryPlan(ctx context.Context, server, database, sql string, actual bool) (*domain.QueryPlan, error)
}

// DatabaseLister reports the databases present on a server.
type DatabaseLister interface {
	ListDatabases(ctx context.Context, server string) ([]domain.Database, error)
}

// QueryRunner is what the query service needs from the database adapter.
type QueryRunner interface {
	QueryExecutor
	PlanExecutor
	DatabaseLister
}

// ProcedureExecutor runs a stored procedure with named parameters. Parameter
// names carry their leading '@'.
type ProcedureExecutor interface {
	ExecuteProcedure(ctx context.Context, server, name string, params map[string]any) (*domain.ProcedureResult, error)
}

// ServerLister reports the configured server names in sorted order.
type ServerLister interface {
	ListServers() []string
}

// Executor is everything the services need from the database adapter.
type Executor interface {
	QueryRunner
	ProcedureExecutor
	ServerLister
}
