package port

// QueryValidator decides whether query text may run. Validate returns nil to
// accept, a *domain.Rejection to refuse, and an error wrapping
// domain.ErrInternal when the validator itself failed. Prepare does the same
// checks and also returns the statement text to execute.
type QueryValidator interface {
	Validate(sql string) error
	Prepare(sql string) (string, error)
}
