package sqlserver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"

	"github.com/guillermoBallester/sqlwarden/internal/core/domain"
)

// errProcNotFound is SQL Server error 2812, "Could not find stored procedure".
const errProcNotFound = 2812

const (
	queryDatabaseExists = "SELECT name FROM sys.databases WHERE name = @name"
	queryListDatabases  = "SELECT name, state_desc, compatibility_level, is_read_only FROM sys.databases ORDER BY name"
)

// Executor runs queries and procedures against a fixed set of named servers.
type Executor struct {
	servers      map[string]*sql.DB
	names        []string
	maxRows      int
	queryTimeout time.Duration
}

func NewExecutor(servers map[string]*sql.DB, maxRows int, queryTimeout time.Duration) *Executor {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	slices.Sort(names)
	return &Executor{
		servers:      servers,
		names:        names,
		maxRows:      maxRows,
		queryTimeout: queryTimeout,
	}
}

// ListServers returns the configured server names in sorted order.
func (e *Executor) ListServers() []string {
	return slices.Clone(e.names)
}

func (e *Executor) resolve(server string) (*sql.DB, error) {
	db, ok := e.servers[server]
	if !ok {
		return nil, &domain.ServerNotFoundError{Name: server}
	}
	return db, nil
}

// Execute runs query on a dedicated connection inside a transaction that is
// always rolled back. At most maxRows rows are returned.
func (e *Executor) Execute(ctx context.Context, server, database, query string) (*domain.QueryResult, error) {
	db, err := e.resolve(server)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	conn, err := e.session(ctx, db, server, database)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return readResult(rows, e.maxRows)
}

// session takes a dedicated connection, pins the isolation level and, when
// database is set, switches to it. The driver resets the database context
// when the connection goes back to the pool.
func (e *Executor) session(ctx context.Context, db *sql.DB, server, database string) (*sql.Conn, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}

	// Pooled connections keep their session settings, so the isolation level
	// is set on every use.
	if _, err := conn.ExecContext(ctx, "SET TRANSACTION ISOLATION LEVEL READ COMMITTED"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("setting isolation level: %w", err)
	}

	if database != "" {
		if err := useDatabase(ctx, conn, server, database); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// useDatabase switches conn to database after checking it exists. The name
// sys.databases returns is the one quoted into USE.
func useDatabase(ctx context.Context, conn *sql.Conn, server, database string) error {
	var name string
	err := conn.QueryRowContext(ctx, queryDatabaseExists, sql.Named("name", database)).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.DatabaseNotFoundError{Server: server, Name: database}
	}
	if err != nil {
		return fmt.Errorf("looking up database: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "USE "+quoteName(name)); err != nil {
		return fmt.Errorf("switching database: %w", err)
	}
	return nil
}

// quoteName brackets an identifier the way QUOTENAME does.
func quoteName(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// ListDatabases returns every database on server ordered by name.
func (e *Executor) ListDatabases(ctx context.Context, server string) ([]domain.Database, error) {
	db, err := e.resolve(server)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	rows, err := db.QueryContext(ctx, queryListDatabases)
	if err != nil {
		return nil, fmt.Errorf("listing databases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	databases := []domain.Database{}
	for rows.Next() {
		var d domain.Database
		if err := rows.Scan(&d.Name, &d.State, &d.CompatibilityLevel, &d.ReadOnly); err != nil {
			return nil, fmt.Errorf("scanning database: %w", err)
		}
		databases = append(databases, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating databases: %w", err)
	}
	return databases, nil
}

// QueryPlan returns the XML showplan for query. The estimated plan is
// compiled under SHOWPLAN_XML and never runs. The actual plan runs the query
// under STATISTICS XML inside a rolled back transaction. Either way the
// connection is discarded afterwards so the SET option cannot leak into the
// pool.
func (e *Executor) QueryPlan(ctx context.Context, server, database, query string, actual bool) (*domain.QueryPlan, error) {
	db, err := e.resolve(server)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	conn, err := e.session(ctx, db, server, database)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()
	defer discard(conn)

	plan := &domain.QueryPlan{Server: server, Database: database, PlanType: domain.PlanEstimated}
	if actual {
		plan.PlanType = domain.PlanActual
		plan.PlanXML, err = actualPlan(ctx, conn, query)
	} else {
		plan.PlanXML, err = estimatedPlan(ctx, conn, query)
	}
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func estimatedPlan(ctx context.Context, conn *sql.Conn, query string) (string, error) {
	if _, err := conn.ExecContext(ctx, "SET SHOWPLAN_XML ON"); err != nil {
		return "", fmt.Errorf("enabling showplan: %w", err)
	}
	var planXML string
	if err := conn.QueryRowContext(ctx, query).Scan(&planXML); err != nil {
		return "", fmt.Errorf("compiling query plan: %w", err)
	}
	return planXML, nil
}

func actualPlan(ctx context.Context, conn *sql.Conn, query string) (string, error) {
	if _, err := conn.ExecContext(ctx, "SET STATISTICS XML ON"); err != nil {
		return "", fmt.Errorf("enabling statistics xml: %w", err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return "", fmt.Errorf("executing query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	// The query's own rows come first and are drained. The plan follows as a
	// one-column result set named after the showplan schema.
	for {
		cols, err := rows.Columns()
		if err != nil {
			return "", fmt.Errorf("reading columns: %w", err)
		}
		if len(cols) == 1 && strings.Contains(cols[0], "Showplan") {
			var planXML string
			if rows.Next() {
				if err := rows.Scan(&planXML); err != nil {
					return "", fmt.Errorf("scanning query plan: %w", err)
				}
				return planXML, nil
			}
		}
		for rows.Next() {
		}
		if !rows.NextResultSet() {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("executing query: %w", err)
	}
	return "", errors.New("server returned no execution plan")
}

// discard makes database/sql drop conn instead of returning it to the pool.
func discard(conn *sql.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
}

// ExecuteProcedure calls the stored procedure name with params passed as
// named arguments. Every result set it produces is returned, each capped at
// maxRows rows.
func (e *Executor) ExecuteProcedure(ctx context.Context, server, name string, params map[string]any) (*domain.ProcedureResult, error) {
	db, err := e.resolve(server)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	// A bare procedure name makes the driver issue an RPC call instead of a
	// text batch.
	rows, err := db.QueryContext(ctx, name, namedArgs(params)...)
	if err != nil {
		var sqlErr mssql.Error
		if errors.As(err, &sqlErr) && sqlErr.Number == errProcNotFound {
			return nil, &domain.ProcedureNotInstalledError{Server: server, Procedure: name}
		}
		return nil, fmt.Errorf("executing procedure: %w", err)
	}
	defer func() { _ = rows.Close() }()

	res := &domain.ProcedureResult{
		Server:     server,
		Procedure:  name,
		ResultSets: []domain.QueryResult{},
	}
	for {
		cols, err := rows.Columns()
		if err != nil {
			return nil, fmt.Errorf("reading columns: %w", err)
		}
		if len(cols) > 0 {
			set, err := readResult(rows, e.maxRows)
			if err != nil {
				return nil, err
			}
			res.ResultSets = append(res.ResultSets, *set)
		}
		if !rows.NextResultSet() {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating result sets: %w", err)
	}
	return res, nil
}

// namedArgs converts "@name" keys into sql.Named arguments in a stable order.
func namedArgs(params map[string]any) []any {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	args := make([]any, 0, len(keys))
	for _, k := range keys {
		args = append(args, sql.Named(strings.TrimPrefix(k, "@"), params[k]))
	}
	return args
}
