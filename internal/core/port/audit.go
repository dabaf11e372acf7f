package port

import "context"

// AuditEntry represents a single auditable query event.
type AuditEntry struct {
	Tool         string
	Server       string
	Database     string
	SQL          string
	RowsReturned int
	Truncated    bool
	DurationMS   int64
	Err          error

	// Params holds the named parameters of a stored-procedure call.
	Params map[string]any
}

// QueryAuditor records query audit events.
type QueryAuditor interface {
	Record(ctx context.Context, entry AuditEntry)
	Close() error
}
