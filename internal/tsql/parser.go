// Package tsql is a hand-written lexer and recursive-descent parser for the
// subset of Transact-SQL needed to decide whether a script is a single
// read-only query.
//
// Queries are parsed into a full AST. Every other statement is recognised by
// its leading keywords and recorded as an OtherStatement of a known kind, with
// its body consumed up to the statement terminator.
package tsql

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"unicode/utf8"
)

// ErrInternal marks a failure of the parser itself, as opposed to a
// diagnostic about the input.
var ErrInternal = errors.New("internal parser failure")

// Diagnostic describes why the input could not be parsed.
type Diagnostic struct {
	Pos     Position
	Message string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("line %d, column %d: %s", d.Pos.Line, d.Pos.Column, d.Message)
}

// Parse parses src as one T-SQL script.
//
// Invalid input yields diagnostics and a nil script. A non-nil error is only
// returned when the parser itself fails; it wraps ErrInternal.
func Parse(src string) (script *Script, diags []Diagnostic, err error) {
	tokens, d := Tokenize(src)
	if d != nil {
		return nil, []Diagnostic{*d}, nil
	}

	if d := checkNesting(tokens); d != nil {
		return nil, []Diagnostic{*d}, nil
	}

	p := &parser{tokens: tokens}
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if se, ok := r.(*syntaxError); ok {
			script, diags, err = nil, []Diagnostic{se.diag}, nil
			return
		}
		script, diags = nil, nil
		err = fmt.Errorf("%w: %v\n%s", ErrInternal, r, debug.Stack())
	}()

	return p.parseScript(), nil, nil
}

// syntaxError is the panic value used to unwind the parser on bad input.
type syntaxError struct {
	diag Diagnostic
}

type parser struct {
	tokens []Token
	pos    int

	// parenQueries memoises parseParenQuery by starting token index.
	parenQueries map[int]parenQueryMemo
}

type parenQueryMemo struct {
	query *ParenQuery
	end   int
	err   *syntaxError
}

// maxNesting is the deepest parenthesis nesting the parser accepts.
const maxNesting = 128

// checkNesting rejects input whose parentheses nest deeper than maxNesting.
// Unbalanced parentheses are left for the parser to report.
func checkNesting(tokens []Token) *Diagnostic {
	depth := 0
	for _, tok := range tokens {
		switch {
		case tok.IsOp("("):
			depth++
			if depth > maxNesting {
				return &Diagnostic{
					Pos:     tok.Pos,
					Message: "Some part of your SQL statement is nested too deeply. Rewrite the query or break it up into smaller queries.",
				}
			}
		case tok.IsOp(")"):
			depth--
		}
	}
	return nil
}

func (p *parser) peek() Token {
	return p.tokens[p.pos]
}

func (p *parser) peekN(n int) Token {
	if p.pos+n < len(p.tokens) {
		return p.tokens[p.pos+n]
	}
	return p.tokens[len(p.tokens)-1]
}

func (p *parser) next() Token {
	tok := p.tokens[p.pos]
	if tok.Kind != TokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) failNear(tok Token) {
	msg := fmt.Sprintf("Incorrect syntax near '%s'.", truncate(tok.Text, 64))
	if tok.Kind == TokenEOF {
		msg = "Incorrect syntax near the end of the input."
	}
	panic(&syntaxError{diag: Diagnostic{Pos: tok.Pos, Message: msg}})
}

func (p *parser) failf(tok Token, format string, args ...any) {
	panic(&syntaxError{diag: Diagnostic{Pos: tok.Pos, Message: fmt.Sprintf(format, args...)}})
}

func (p *parser) expectOp(op string) Token {
	tok := p.next()
	if !tok.IsOp(op) {
		p.failNear(tok)
	}
	return tok
}

func (p *parser) expectKeyword(kw string) Token {
	tok := p.next()
	if !tok.IsKeyword(kw) {
		p.failNear(tok)
	}
	return tok
}

func (p *parser) expectWord(w string) Token {
	tok := p.next()
	if !tok.IsWord(w) {
		p.failNear(tok)
	}
	return tok
}

func (p *parser) acceptOp(op string) bool {
	if p.peek().IsOp(op) {
		p.next()
		return true
	}
	return false
}

func (p *parser) acceptKeyword(kw string) bool {
	if p.peek().IsKeyword(kw) {
		p.next()
		return true
	}
	return false
}

func (p *parser) acceptWord(w string) bool {
	if p.peek().IsWord(w) {
		p.next()
		return true
	}
	return false
}

// try runs fn and reports whether it parsed without a syntax error. On
// failure the token position is restored.
func (p *parser) try(fn func()) (ok bool) {
	saved := p.pos
	defer func() {
		if r := recover(); r != nil {
			if _, isSyntax := r.(*syntaxError); !isSyntax {
				panic(r)
			}
			p.pos = saved
			ok = false
		}
	}()
	fn()
	return true
}

// parseParenQuery parses ( query ). Outcomes are memoised by position, so
// backtracking across nested parentheses parses each one at most once.
func (p *parser) parseParenQuery() *ParenQuery {
	start := p.pos
	if m, ok := p.parenQueries[start]; ok {
		if m.err != nil {
			panic(m.err)
		}
		p.pos = m.end
		return m.query
	}
	if p.parenQueries == nil {
		p.parenQueries = make(map[int]parenQueryMemo)
	}
	defer func() {
		if r := recover(); r != nil {
			if se, ok := r.(*syntaxError); ok {
				p.parenQueries[start] = parenQueryMemo{err: se}
			}
			panic(r)
		}
	}()

	open := p.expectOp("(")
	q := p.parseQueryExpression(false)
	p.expectOp(")")
	pq := &ParenQuery{base: at(open), Query: q}
	p.parenQueries[start] = parenQueryMemo{query: pq, end: p.pos}
	return pq
}

// queryAhead reports whether the current token opens a run of parentheses
// that ends in SELECT. Anything else cannot be a parenthesised query.
func (p *parser) queryAhead() bool {
	i := p.pos
	for i < len(p.tokens) && p.tokens[i].IsOp("(") {
		i++
	}
	return i > p.pos && i < len(p.tokens) && p.tokens[i].IsKeyword("SELECT")
}

func at(tok Token) base {
	return base{pos: tok.Pos}
}

func (p *parser) parseScript() *Script {
	script := &Script{base: at(p.peek())}
	batch := &Batch{base: at(p.peek())}
	for {
		tok := p.peek()
		switch {
		case tok.Kind == TokenEOF:
			if len(batch.Statements) > 0 || len(script.Batches) == 0 {
				script.Batches = append(script.Batches, batch)
			}
			return script
		case tok.Kind == TokenBatchSeparator:
			p.next()
			if len(batch.Statements) > 0 {
				script.Batches = append(script.Batches, batch)
			}
			batch = &Batch{base: at(p.peek())}
		case tok.IsOp(";"):
			p.next()
		default:
			batch.Statements = append(batch.Statements, p.parseStatement())
		}
	}
}

// statementKeywords maps reserved words that can start a statement to the
// statement kind. SELECT and WITH are handled separately.
var statementKeywords = map[string]StatementKind{
	"INSERT":      StmtInsert,
	"UPDATE":      StmtUpdate,
	"DELETE":      StmtDelete,
	"MERGE":       StmtMerge,
	"DROP":        StmtDrop,
	"CREATE":      StmtCreate,
	"ALTER":       StmtAlter,
	"TRUNCATE":    StmtTruncate,
	"EXEC":        StmtExecute,
	"EXECUTE":     StmtExecute,
	"DBCC":        StmtDbcc,
	"SHUTDOWN":    StmtShutdown,
	"BACKUP":      StmtBackup,
	"DUMP":        StmtBackup,
	"RESTORE":     StmtRestore,
	"LOAD":        StmtRestore,
	"GRANT":       StmtGrant,
	"REVOKE":      StmtRevoke,
	"DENY":        StmtDeny,
	"SET":         StmtSet,
	"DECLARE":     StmtDeclare,
	"PRINT":       StmtPrint,
	"WAITFOR":     StmtWaitFor,
	"USE":         StmtUse,
	"COMMIT":      StmtTransaction,
	"ROLLBACK":    StmtTransaction,
	"SAVE":        StmtTransaction,
	"IF":          StmtControlFlow,
	"WHILE":       StmtControlFlow,
	"BREAK":       StmtControlFlow,
	"CONTINUE":    StmtControlFlow,
	"GOTO":        StmtControlFlow,
	"RETURN":      StmtControlFlow,
	"RAISERROR":   StmtRaiseError,
	"KILL":        StmtKill,
	"CHECKPOINT":  StmtCheckpoint,
	"RECONFIGURE": StmtReconfigure,
	"OPEN":        StmtCursor,
	"CLOSE":       StmtCursor,
	"FETCH":       StmtCursor,
	"DEALLOCATE":  StmtCursor,
	"READTEXT":    StmtText,
	"WRITETEXT":   StmtText,
	"UPDATETEXT":  StmtText,
	"SETUSER":     StmtSecurityContext,
	"REVERT":      StmtSecurityContext,
	"END":         StmtServiceBroker, // END CONVERSATION
}

// statementWords are non-reserved words that start a statement.
var statementWords = map[string]StatementKind{
	"THROW":   StmtRaiseError,
	"RECEIVE": StmtServiceBroker,
	"SEND":    StmtServiceBroker,
	"GET":     StmtServiceBroker,
	"MOVE":    StmtServiceBroker,
	"ENABLE":  StmtTrigger,
	"DISABLE": StmtTrigger,
}

func (p *parser) parseStatement() Statement {
	tok := p.peek()
	switch {
	case tok.IsKeyword("SELECT"), tok.IsOp("("):
		return p.parseSelectStatement(nil, tok)
	case tok.IsKeyword("WITH"):
		with := p.parseWith()
		switch next := p.peek(); {
		case next.IsKeyword("SELECT"), next.IsOp("("):
			return p.parseSelectStatement(with, tok)
		case next.IsKeyword("INSERT"), next.IsKeyword("UPDATE"), next.IsKeyword("DELETE"), next.IsKeyword("MERGE"):
			stmt := p.parseOtherStatement(statementKeywords[next.Value])
			stmt.With = with
			stmt.pos = tok.Pos
			return stmt
		default:
			p.failNear(next)
		}
	case tok.IsKeyword("BULK"):
		if p.peekN(1).IsKeyword("INSERT") {
			return p.parseOtherStatement(StmtBulkInsert)
		}
	case tok.IsKeyword("BEGIN"):
		switch next := p.peekN(1); {
		case next.IsKeyword("TRAN"), next.IsKeyword("TRANSACTION"), next.IsKeyword("DISTRIBUTED"):
			return p.parseOtherStatement(StmtTransaction)
		case next.IsWord("DIALOG"), next.IsWord("CONVERSATION"):
			return p.parseOtherStatement(StmtServiceBroker)
		default:
			return p.parseOtherStatement(StmtBlock)
		}
	case tok.Kind == TokenKeyword:
		if kind, ok := statementKeywords[tok.Value]; ok {
			return p.parseOtherStatement(kind)
		}
	case tok.Kind == TokenIdent:
		if kind, ok := statementWords[strings.ToUpper(tok.Value)]; ok {
			return p.parseOtherStatement(kind)
		}
	}
	p.failNear(tok)
	return nil
}

// parseOtherStatement consumes a non-query statement up to its terminator:
// a semicolon, a batch separator or the end of input, outside parentheses.
func (p *parser) parseOtherStatement(kind StatementKind) *OtherStatement {
	stmt := &OtherStatement{base: at(p.peek()), Kind: kind}
	p.next()
	depth := 0
	for {
		tok := p.peek()
		switch {
		case tok.Kind == TokenEOF, tok.Kind == TokenBatchSeparator:
			if depth > 0 {
				p.failNear(tok)
			}
			return stmt
		case tok.IsOp(";") && depth == 0:
			return stmt
		case tok.IsOp("("):
			depth++
		case tok.IsOp(")"):
			if depth == 0 {
				p.failNear(tok)
			}
			depth--
		}
		p.next()
	}
}

func (p *parser) parseSelectStatement(with *WithClause, start Token) *SelectStatement {
	stmt := &SelectStatement{base: at(start), With: with}
	stmt.Query = p.parseQueryExpression(true)
	if p.peek().IsKeyword("OPTION") {
		stmt.Options = p.parseOptionClause()
	}
	if spec := FirstSpecification(stmt.Query); spec != nil {
		stmt.Into = spec.Into
	}
	last := p.tokens[p.pos-1]
	stmt.End = last.Pos.Offset + utf8.RuneCountInString(last.Text)
	return stmt
}

// parseWith parses WITH [XMLNAMESPACES (...),] cte [, cte ...].
func (p *parser) parseWith() *WithClause {
	with := &WithClause{base: at(p.expectKeyword("WITH"))}
	if p.peek().IsWord("XMLNAMESPACES") {
		p.next()
		p.skipGroup()
		with.XMLNamespaces = true
		if !p.acceptOp(",") {
			return with
		}
	}
	for {
		with.CTEs = append(with.CTEs, p.parseCTE())
		if !p.acceptOp(",") {
			return with
		}
	}
}

func (p *parser) parseCTE() *CommonTableExpr {
	tok := p.next()
	if !tok.isName() {
		p.failNear(tok)
	}
	cte := &CommonTableExpr{base: at(tok), Name: tok.Value}
	if p.peek().IsOp("(") {
		cte.Columns = p.parseNameList()
	}
	p.expectKeyword("AS")
	p.expectOp("(")
	cte.Query = p.parseQueryExpression(false)
	p.expectOp(")")
	return cte
}

// parseNameList parses ( name [, name ...] ).
func (p *parser) parseNameList() []string {
	p.expectOp("(")
	var names []string
	for {
		tok := p.next()
		if !tok.isName() {
			p.failNear(tok)
		}
		names = append(names, tok.Value)
		if !p.acceptOp(",") {
			break
		}
	}
	p.expectOp(")")
	return names
}

// parseOptionClause parses OPTION ( hint [, hint ...] ).
func (p *parser) parseOptionClause() []*OptimizerHint {
	p.expectKeyword("OPTION")
	p.expectOp("(")
	var hints []*OptimizerHint
	for {
		hints = append(hints, p.parseOptimizerHint())
		if !p.acceptOp(",") {
			break
		}
	}
	p.expectOp(")")
	return hints
}

func (p *parser) parseOptimizerHint() *OptimizerHint {
	first := p.peek()
	if first.IsWord("MAXRECURSION") {
		p.next()
		tok := p.next()
		if tok.Kind != TokenNumber {
			p.failNear(tok)
		}
		return &OptimizerHint{
			base:  at(first),
			Kind:  HintMaxRecursion,
			Name:  "MAXRECURSION",
			Value: &Literal{base: at(tok), Kind: LitInteger, Value: tok.Value},
		}
	}

	var words []string
	depth := 0
	for {
		tok := p.peek()
		switch {
		case tok.Kind == TokenEOF, tok.Kind == TokenBatchSeparator, tok.IsOp(";"):
			p.failNear(tok)
		case tok.IsKeyword("SELECT"):
			p.failNear(tok)
		case depth == 0 && (tok.IsOp(",") || tok.IsOp(")")):
			if len(words) == 0 {
				p.failNear(tok)
			}
			return &OptimizerHint{base: at(first), Kind: HintOther, Name: strings.ToUpper(strings.Join(words, " "))}
		case tok.IsOp("("):
			depth++
		case tok.IsOp(")"):
			depth--
		}
		if depth == 0 && (tok.Kind == TokenIdent || tok.Kind == TokenKeyword) {
			words = append(words, tok.Value)
		}
		p.next()
	}
}

// skipGroup consumes a balanced parenthesised group and returns its text.
// Used for argument lists whose contents do not matter to the caller, such as
// XMLNAMESPACES and table hints. Queries are not allowed inside.
func (p *parser) skipGroup() string {
	p.expectOp("(")
	var sb strings.Builder
	depth := 1
	for {
		tok := p.next()
		switch {
		case tok.Kind == TokenEOF, tok.Kind == TokenBatchSeparator:
			p.failNear(tok)
		case tok.IsKeyword("SELECT"):
			p.failNear(tok)
		case tok.IsOp("("):
			depth++
		case tok.IsOp(")"):
			depth--
			if depth == 0 {
				return sb.String()
			}
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(tok.Text)
	}
}
