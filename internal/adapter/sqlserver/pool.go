package sqlserver

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Registers the "sqlserver" driver.
	_ "github.com/microsoft/go-mssqldb"
)

const driverName = "sqlserver"

// PoolOptions tunes the database/sql connection pool of one server.
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewPool opens a connection pool for connString and verifies it with a ping.
func NewPool(ctx context.Context, connString string, opts PoolOptions) (*sql.DB, error) {
	db, err := sql.Open(driverName, connString)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database (10s timeout): %w", err)
	}

	return db, nil
}
