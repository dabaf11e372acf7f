package tsql

import (
	"fmt"
	"strings"
	"unicode"
)

// lexer turns T-SQL text into tokens. Comments and whitespace are dropped;
// block comments nest the way SQL Server nests them.
type lexer struct {
	src    []rune
	pos    int
	line   int
	col    int
	tokens []Token

	// lineHasToken is false until a token is emitted on the current line,
	// which is what makes a bare GO a batch separator.
	lineHasToken bool
}

// Tokenize splits src into tokens. The final token is always TokenEOF.
// A lexical error (unterminated string, comment or quoted identifier, or an
// unexpected character) is returned as a diagnostic.
func Tokenize(src string) ([]Token, *Diagnostic) {
	lx := &lexer{src: []rune(src), line: 1, col: 1}
	if d := lx.run(); d != nil {
		return nil, d
	}
	return lx.tokens, nil
}

func (lx *lexer) run() *Diagnostic {
	for {
		lx.skipSpace()
		if lx.pos >= len(lx.src) {
			lx.tokens = append(lx.tokens, Token{Kind: TokenEOF, Pos: lx.position()})
			return nil
		}

		start := lx.position()
		r := lx.src[lx.pos]
		next := lx.peekAt(1)

		var d *Diagnostic
		switch {
		case r == '-' && next == '-':
			lx.skipLineComment()
			continue
		case r == '/' && next == '*':
			d = lx.skipBlockComment()
			if d != nil {
				return d
			}
			continue
		case (r == 'N' || r == 'n') && next == '\'':
			lx.advance()
			d = lx.lexString(start, true)
		case r == '\'':
			d = lx.lexString(start, false)
		case r == '[':
			d = lx.lexDelimited(start, ']')
		case r == '"':
			d = lx.lexDelimited(start, '"')
		case r == '0' && (next == 'x' || next == 'X'):
			lx.lexBinary(start)
		case isDigit(r) || (r == '.' && isDigit(next)):
			lx.lexNumber(start, TokenNumber)
		case r == '$' && (isDigit(next) || next == '.'):
			lx.advance()
			lx.lexNumber(start, TokenMoney)
		case r == '@':
			d = lx.lexVariable(start)
		case isIdentStart(r), r == '$' && unicode.IsLetter(next):
			lx.lexWord(start)
		default:
			d = lx.lexOperator(start)
		}
		if d != nil {
			return d
		}
	}
}

func (lx *lexer) position() Position {
	return Position{Offset: lx.pos, Line: lx.line, Column: lx.col}
}

func (lx *lexer) peekAt(n int) rune {
	if lx.pos+n < len(lx.src) {
		return lx.src[lx.pos+n]
	}
	return 0
}

func (lx *lexer) advance() rune {
	r := lx.src[lx.pos]
	lx.pos++
	if r == '\n' {
		lx.line++
		lx.col = 1
		lx.lineHasToken = false
	} else {
		lx.col++
	}
	return r
}

func (lx *lexer) emit(kind TokenKind, start Position, value string) {
	lx.tokens = append(lx.tokens, Token{
		Kind:  kind,
		Text:  string(lx.src[start.Offset:lx.pos]),
		Value: value,
		Pos:   start,
	})
	lx.lineHasToken = true
}

func (lx *lexer) skipSpace() {
	for lx.pos < len(lx.src) && unicode.IsSpace(lx.src[lx.pos]) {
		lx.advance()
	}
}

func (lx *lexer) skipLineComment() {
	for lx.pos < len(lx.src) && lx.src[lx.pos] != '\n' {
		lx.advance()
	}
}

func (lx *lexer) skipBlockComment() *Diagnostic {
	start := lx.position()
	depth := 0
	for lx.pos < len(lx.src) {
		r, next := lx.src[lx.pos], lx.peekAt(1)
		switch {
		case r == '/' && next == '*':
			depth++
			lx.advance()
			lx.advance()
		case r == '*' && next == '/':
			depth--
			lx.advance()
			lx.advance()
			if depth == 0 {
				return nil
			}
		default:
			lx.advance()
		}
	}
	return &Diagnostic{Pos: start, Message: "Missing end comment mark '*/'."}
}

// lexString reads a quoted string starting at the opening quote. Two
// consecutive quotes inside the string stand for one.
func (lx *lexer) lexString(start Position, national bool) *Diagnostic {
	lx.advance() // opening quote
	var sb strings.Builder
	for lx.pos < len(lx.src) {
		r := lx.advance()
		if r == '\'' {
			if lx.pos < len(lx.src) && lx.src[lx.pos] == '\'' {
				lx.advance()
				sb.WriteRune('\'')
				continue
			}
			lx.emit(TokenString, start, sb.String())
			lx.tokens[len(lx.tokens)-1].National = national
			return nil
		}
		sb.WriteRune(r)
	}
	return &Diagnostic{
		Pos:     start,
		Message: fmt.Sprintf("Unclosed quotation mark after the character string '%s'.", truncate(sb.String(), 64)),
	}
}

// lexDelimited reads a [bracketed] or "double-quoted" identifier. The closing
// delimiter is escaped by doubling it.
func (lx *lexer) lexDelimited(start Position, closing rune) *Diagnostic {
	lx.advance()
	var sb strings.Builder
	for lx.pos < len(lx.src) {
		r := lx.advance()
		if r == closing {
			if lx.pos < len(lx.src) && lx.src[lx.pos] == closing {
				lx.advance()
				sb.WriteRune(closing)
				continue
			}
			lx.emit(TokenQuotedIdent, start, sb.String())
			return nil
		}
		sb.WriteRune(r)
	}
	return &Diagnostic{
		Pos:     start,
		Message: fmt.Sprintf("Unclosed quotation mark after the character string '%s'.", truncate(sb.String(), 64)),
	}
}

func (lx *lexer) lexBinary(start Position) {
	lx.advance()
	lx.advance()
	for lx.pos < len(lx.src) && isHexDigit(lx.src[lx.pos]) {
		lx.advance()
	}
	lx.emit(TokenBinary, start, string(lx.src[start.Offset:lx.pos]))
}

func (lx *lexer) lexNumber(start Position, kind TokenKind) {
	for lx.pos < len(lx.src) && isDigit(lx.src[lx.pos]) {
		lx.advance()
	}
	if lx.pos < len(lx.src) && lx.src[lx.pos] == '.' {
		lx.advance()
		for lx.pos < len(lx.src) && isDigit(lx.src[lx.pos]) {
			lx.advance()
		}
	}
	if r := lx.peekAt(0); kind == TokenNumber && (r == 'e' || r == 'E') {
		n := 1
		if s := lx.peekAt(1); s == '+' || s == '-' {
			n = 2
		}
		if isDigit(lx.peekAt(n)) {
			for i := 0; i < n; i++ {
				lx.advance()
			}
			for lx.pos < len(lx.src) && isDigit(lx.src[lx.pos]) {
				lx.advance()
			}
		}
	}
	lx.emit(kind, start, string(lx.src[start.Offset:lx.pos]))
}

func (lx *lexer) lexVariable(start Position) *Diagnostic {
	lx.advance()
	if lx.peekAt(0) == '@' {
		lx.advance()
	}
	n := 0
	for lx.pos < len(lx.src) && isIdentPart(lx.src[lx.pos]) {
		lx.advance()
		n++
	}
	if n == 0 {
		return &Diagnostic{Pos: start, Message: "Incorrect syntax near '@'."}
	}
	lx.emit(TokenVariable, start, string(lx.src[start.Offset:lx.pos]))
	return nil
}

func (lx *lexer) lexWord(start Position) {
	atLineStart := !lx.lineHasToken
	for lx.pos < len(lx.src) && isIdentPart(lx.src[lx.pos]) {
		lx.advance()
	}
	word := string(lx.src[start.Offset:lx.pos])
	upper := strings.ToUpper(word)

	if upper == "GO" && atLineStart && lx.restOfLineIsBatchCount() {
		lx.skipLineComment()
		lx.emit(TokenBatchSeparator, start, "GO")
		return
	}
	if _, ok := keywords[upper]; ok {
		lx.emit(TokenKeyword, start, upper)
		return
	}
	lx.emit(TokenIdent, start, word)
}

// restOfLineIsBatchCount reports whether the remainder of the current line is
// empty apart from an optional repeat count and an optional line comment.
func (lx *lexer) restOfLineIsBatchCount() bool {
	i := lx.pos
	skipBlank := func() {
		for i < len(lx.src) && (lx.src[i] == ' ' || lx.src[i] == '\t') {
			i++
		}
	}
	skipBlank()
	for i < len(lx.src) && isDigit(lx.src[i]) {
		i++
	}
	skipBlank()
	if i >= len(lx.src) {
		return true
	}
	switch lx.src[i] {
	case '\n', '\r':
		return true
	case '-':
		return i+1 < len(lx.src) && lx.src[i+1] == '-'
	}
	return false
}

var twoCharOps = map[string]struct{}{
	"<>": {}, "!=": {}, "!<": {}, "!>": {}, "<=": {}, ">=": {}, "::": {},
	"+=": {}, "-=": {}, "*=": {}, "/=": {}, "%=": {}, "&=": {}, "|=": {}, "^=": {},
}

func (lx *lexer) lexOperator(start Position) *Diagnostic {
	r := lx.src[lx.pos]
	if lx.pos+1 < len(lx.src) {
		pair := string([]rune{r, lx.src[lx.pos+1]})
		if _, ok := twoCharOps[pair]; ok {
			lx.advance()
			lx.advance()
			lx.emit(TokenOperator, start, pair)
			return nil
		}
	}
	switch r {
	case '(', ')', ',', '.', ';', '+', '-', '*', '/', '%', '=', '<', '>', '&', '|', '^', '~', ':':
		lx.advance()
		lx.emit(TokenOperator, start, string(r))
		return nil
	}
	return &Diagnostic{Pos: start, Message: fmt.Sprintf("Incorrect syntax near '%c'.", r)}
}

func isDigit(r rune) bool    { return r >= '0' && r <= '9' }
func isHexDigit(r rune) bool { return isDigit(r) || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F') }

func isIdentStart(r rune) bool {
	return r == '_' || r == '#' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || r == '#' || r == '@' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
