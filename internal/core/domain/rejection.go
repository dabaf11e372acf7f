package domain

import (
	"errors"
	"fmt"
)

// RejectionCode identifies why a query was refused.
type RejectionCode string

const (
	CodeEmptyQuery         RejectionCode = "empty_query"
	CodeQueryTooLong       RejectionCode = "too_long"
	CodeParseError         RejectionCode = "parse_error"
	CodeNoStatements       RejectionCode = "no_statements"
	CodeMultipleStatements RejectionCode = "multiple_statements"
	CodeNotSelect          RejectionCode = "not_select"
	CodeSelectInto         RejectionCode = "select_into"
	CodeForbiddenConstruct RejectionCode = "forbidden_construct"
)

// Rejection is the normal outcome for unsafe or malformed input. Message is
// safe to show to the caller as is.
type Rejection struct {
	Code    RejectionCode
	Message string
}

func (r *Rejection) Error() string { return r.Message }

// Is matches any rejection with the same code, so the sentinels below work
// with errors.Is regardless of the message.
func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	return ok && t.Code == r.Code
}

var (
	ErrEmptyQuery         = &Rejection{Code: CodeEmptyQuery, Message: "Query cannot be empty."}
	ErrQueryTooLong       = &Rejection{Code: CodeQueryTooLong, Message: "Query exceeds maximum allowed length."}
	ErrParseFailed        = &Rejection{Code: CodeParseError, Message: "SQL parse error."}
	ErrNoStatements       = &Rejection{Code: CodeNoStatements, Message: "Query contains no SQL statements."}
	ErrMultiStatement     = &Rejection{Code: CodeMultipleStatements, Message: "Multiple SQL statements are not allowed. Please provide a single SELECT query."}
	ErrNotAllowed         = &Rejection{Code: CodeNotSelect, Message: "Only SELECT queries are allowed."}
	ErrSelectInto         = &Rejection{Code: CodeSelectInto, Message: "SELECT INTO is not allowed. Only read-only SELECT queries are permitted."}
	ErrForbiddenConstruct = &Rejection{Code: CodeForbiddenConstruct, Message: "Query uses a construct that is not allowed."}
)

// ErrInternal marks a failure of the validator itself. It is never the
// caller's fault and must not be reported as a rejection.
var ErrInternal = errors.New("internal validator error")

var ErrNotFound = errors.New("not found")

// ServerNotFoundError is returned when a tool names a server that is not
// configured.
type ServerNotFoundError struct {
	Name string
}

func (e *ServerNotFoundError) Error() string {
	return fmt.Sprintf("Server '%s' not found. Use list_servers to see available names.", e.Name)
}

func (e *ServerNotFoundError) Is(target error) bool { return target == ErrNotFound }

// DatabaseNotFoundError is returned when a tool names a database that does
// not exist on the target server.
type DatabaseNotFoundError struct {
	Server string
	Name   string
}

func (e *DatabaseNotFoundError) Error() string {
	return fmt.Sprintf("Database '%s' not found on server '%s'. Use list_databases to see available names.", e.Name, e.Server)
}

func (e *DatabaseNotFoundError) Is(target error) bool { return target == ErrNotFound }

// ProcedureNotInstalledError is returned when an allowed procedure does not
// exist on the target server.
type ProcedureNotInstalledError struct {
	Server    string
	Procedure string
}

func (e *ProcedureNotInstalledError) Error() string {
	return fmt.Sprintf("stored procedure '%s' not found on server '%s'. "+
		"%s must be installed. See: https://github.com/amachanic/sp_whoisactive", e.Procedure, e.Server, e.Procedure)
}

func (e *ProcedureNotInstalledError) Is(target error) bool { return target == ErrNotFound }

func reject(code RejectionCode, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsRejection returns the rejection carried by err, if any.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
