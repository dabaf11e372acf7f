package domain

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/guillermoBallester/sqlwarden/internal/tsql"
)

// DefaultMaxQueryLength is the length ceiling used when none is configured.
const DefaultMaxQueryLength = 1_000_000

// QueryValidator decides whether free-text T-SQL is a single read-only query.
// Only a lone SELECT without INTO and without linked-server or rowset access
// is accepted (whitelist approach). It holds no mutable state and is safe for
// concurrent use.
type QueryValidator struct {
	maxLength int
}

// NewQueryValidator returns a validator rejecting queries longer than
// maxLength characters. A non-positive maxLength selects the default.
func NewQueryValidator(maxLength int) *QueryValidator {
	if maxLength <= 0 {
		maxLength = DefaultMaxQueryLength
	}
	return &QueryValidator{maxLength: maxLength}
}

// MaxLength returns the configured length ceiling in characters.
func (v *QueryValidator) MaxLength() int { return v.maxLength }

// Validate returns nil when sql may run, a *Rejection when it may not, or an
// error wrapping ErrInternal when the validator itself failed.
func (v *QueryValidator) Validate(sql string) error {
	_, err := v.check(sql)
	return err
}

// Prepare validates sql and returns the text to send to the server: the
// accepted statement alone, without surrounding comments, semicolons or GO
// separators, which the server itself would not accept.
func (v *QueryValidator) Prepare(sql string) (string, error) {
	sel, err := v.check(sql)
	if err != nil {
		return "", err
	}
	return sel.Source(sql), nil
}

func (v *QueryValidator) check(sql string) (*tsql.SelectStatement, error) {
	if strings.TrimSpace(sql) == "" {
		return nil, ErrEmptyQuery
	}

	// Counted in characters, not bytes, and before parsing.
	if n := utf8.RuneCountInString(sql); n > v.maxLength {
		return nil, reject(CodeQueryTooLong, "Query exceeds maximum allowed length of %d characters (got %d).", v.maxLength, n)
	}

	script, diags, err := tsql.Parse(sql)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInternal, err)
	}
	if len(diags) > 0 {
		return nil, reject(CodeParseError, "SQL parse error: %s", diags[0])
	}

	stmts := script.Statements()
	switch {
	case len(stmts) == 0:
		return nil, ErrNoStatements
	case len(stmts) > 1:
		return nil, ErrMultiStatement
	}

	sel, ok := stmts[0].(*tsql.SelectStatement)
	if !ok {
		if other, isOther := stmts[0].(*tsql.OtherStatement); isOther {
			return nil, reject(CodeNotSelect, "Only SELECT queries are allowed. Found statement of kind %s.", other.Kind)
		}
		return nil, fmt.Errorf("%w: unexpected statement type %T", ErrInternal, stmts[0])
	}

	if sel.Into != nil {
		return nil, ErrSelectInto
	}

	if err := scan(sel); err != nil {
		return nil, err
	}
	return sel, nil
}
