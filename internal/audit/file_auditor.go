package audit

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guillermoBallester/sqlwarden/internal/core/port"
	mssql "github.com/microsoft/go-mssqldb"
)

// record is one NDJSON line of the audit log.
type record struct {
	ID           string         `json:"id"`
	Timestamp    string         `json:"ts"`
	Tool         string         `json:"tool"`
	Server       string         `json:"server,omitempty"`
	Database     string         `json:"database,omitempty"`
	SQL          string         `json:"sql"`
	Params       map[string]any `json:"params,omitempty"`
	RowsReturned int            `json:"rows_returned"`
	Truncated    bool           `json:"truncated,omitempty"`
	DurationMS   int64          `json:"duration_ms"`
	Error        *string        `json:"error"`
	SQLErrorCode int32          `json:"sql_error_number,omitempty"`
}

// FileAuditor appends one JSON object per executed statement to a file.
// Each record gets a random ID so a line can be matched to the server logs.
type FileAuditor struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
	now  func() time.Time
}

// NewFileAuditor opens (or creates) the file at path for append-only writing.
func NewFileAuditor(path string) (*FileAuditor, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	return &FileAuditor{
		file: f,
		enc:  json.NewEncoder(f),
		now:  time.Now,
	}, nil
}

func (a *FileAuditor) Record(_ context.Context, entry port.AuditEntry) {
	rec := record{
		ID:           uuid.NewString(),
		Tool:         entry.Tool,
		Server:       entry.Server,
		Database:     entry.Database,
		SQL:          entry.SQL,
		Params:       entry.Params,
		RowsReturned: entry.RowsReturned,
		Truncated:    entry.Truncated,
		DurationMS:   entry.DurationMS,
	}
	if entry.Err != nil {
		msg := entry.Err.Error()
		rec.Error = &msg
		var sqlErr mssql.Error
		if errors.As(entry.Err, &sqlErr) {
			rec.SQLErrorCode = sqlErr.Number
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	rec.Timestamp = a.now().UTC().Format(time.RFC3339Nano)
	_ = a.enc.Encode(rec) // a failed audit write never fails the query
}

func (a *FileAuditor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// NoopAuditor discards all audit entries.
type NoopAuditor struct{}

func (NoopAuditor) Record(context.Context, port.AuditEntry) {}
func (NoopAuditor) Close() error                            { return nil }
