package sqlserver

import (
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"

	"github.com/guillermoBallester/sqlwarden/internal/core/domain"
)

// readResult drains the current result set of rows into a QueryResult,
// keeping at most maxRows rows. Reading stops at the first extra row, which
// marks the result truncated.
func readResult(rows *sql.Rows, maxRows int) (*domain.QueryResult, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("reading column types: %w", err)
	}

	res := &domain.QueryResult{
		Columns: cols,
		Rows:    make([]map[string]any, 0),
	}

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	for rows.Next() {
		if len(res.Rows) >= maxRows {
			res.Truncated = true
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("reading row values: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, name := range cols {
			row[name] = formatValue(vals[i], types[i].DatabaseTypeName())
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	res.RowCount = len(res.Rows)
	return res, nil
}

// formatValue turns a scanned driver value into something that encodes to
// JSON without losing meaning. Times become RFC 3339 with nanoseconds and
// binary becomes base64. The driver hands DECIMAL and MONEY back as their
// textual digits, and UNIQUEIDENTIFIER as raw bytes in SQL Server order.
func formatValue(v any, dbType string) any {
	switch t := v.(type) {
	case time.Time:
		return t.Format(time.RFC3339Nano)
	case []byte:
		switch strings.ToUpper(dbType) {
		case "DECIMAL", "NUMERIC", "MONEY", "SMALLMONEY":
			return string(t)
		case "UNIQUEIDENTIFIER":
			var u mssql.UniqueIdentifier
			if err := u.Scan(t); err == nil {
				return u.String()
			}
		}
		return base64.StdEncoding.EncodeToString(t)
	}
	return v
}
