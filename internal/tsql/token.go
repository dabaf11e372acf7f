package tsql

import (
	"fmt"
	"strings"
)

// TokenKind classifies a lexical token.
type TokenKind int

const (
	TokenEOF TokenKind = iota
	TokenIdent
	TokenQuotedIdent // [name] or "name"
	TokenKeyword     // reserved word; Value holds the upper-cased form
	TokenVariable    // @name or @@name
	TokenString      // 'text' or N'text'; Value holds the decoded text
	TokenNumber
	TokenMoney
	TokenBinary
	TokenOperator
	TokenBatchSeparator // GO on its own line
)

func (k TokenKind) String() string {
	switch k {
	case TokenEOF:
		return "end of input"
	case TokenIdent:
		return "identifier"
	case TokenQuotedIdent:
		return "quoted identifier"
	case TokenKeyword:
		return "keyword"
	case TokenVariable:
		return "variable"
	case TokenString:
		return "string"
	case TokenNumber:
		return "number"
	case TokenMoney:
		return "money"
	case TokenBinary:
		return "binary"
	case TokenOperator:
		return "operator"
	case TokenBatchSeparator:
		return "batch separator"
	default:
		return fmt.Sprintf("TokenKind(%d)", int(k))
	}
}

// Position locates a token in the source text. Line and Column are 1-based
// and count runes.
type Position struct {
	Offset int
	Line   int
	Column int
}

// Token is a single lexical unit.
type Token struct {
	Kind TokenKind
	// Text is the token exactly as written.
	Text string
	// Value is the normalised form: unquoted identifier name, decoded string
	// contents, upper-cased keyword.
	Value    string
	National bool // N'...' string
	Pos      Position
}

// IsKeyword reports whether t is the reserved word kw (upper case).
func (t Token) IsKeyword(kw string) bool {
	return t.Kind == TokenKeyword && t.Value == kw
}

// IsWord reports whether t is the unquoted word w, reserved or not,
// compared case-insensitively.
func (t Token) IsWord(w string) bool {
	return (t.Kind == TokenKeyword || t.Kind == TokenIdent) && strings.EqualFold(t.Value, w)
}

// IsOp reports whether t is the operator or punctuation op.
func (t Token) IsOp(op string) bool {
	return t.Kind == TokenOperator && t.Text == op
}

// isName reports whether t can name an object or column.
func (t Token) isName() bool {
	return t.Kind == TokenIdent || t.Kind == TokenQuotedIdent
}

// keywords is the set of T-SQL reserved words. Anything else is lexed as an
// identifier, so non-reserved words (ROWS, OFFSET, PARTITION, ...) are matched
// with Token.IsWord.
var keywords = map[string]struct{}{}

func init() {
	for _, kw := range strings.Fields(`
		ADD ALL ALTER AND ANY AS ASC AUTHORIZATION BACKUP BEGIN BETWEEN BREAK
		BROWSE BULK BY CASCADE CASE CHECK CHECKPOINT CLOSE CLUSTERED COALESCE
		COLLATE COLUMN COMMIT COMPUTE CONSTRAINT CONTAINS CONTAINSTABLE CONTINUE
		CONVERT CREATE CROSS CURRENT CURRENT_DATE CURRENT_TIME CURRENT_TIMESTAMP
		CURRENT_USER CURSOR DATABASE DBCC DEALLOCATE DECLARE DEFAULT DELETE DENY
		DESC DISK DISTINCT DISTRIBUTED DOUBLE DROP DUMP ELSE END ERRLVL ESCAPE
		EXCEPT EXEC EXECUTE EXISTS EXIT EXTERNAL FETCH FILE FILLFACTOR FOR
		FOREIGN FREETEXT FREETEXTTABLE FROM FULL FUNCTION GOTO GRANT GROUP
		HAVING HOLDLOCK IDENTITY IDENTITY_INSERT IDENTITYCOL IF IN INDEX INNER
		INSERT INTERSECT INTO IS JOIN KEY KILL LEFT LIKE LINENO LOAD MERGE
		NATIONAL NOCHECK NONCLUSTERED NOT NULL NULLIF OF OFF OFFSETS ON OPEN
		OPENDATASOURCE OPENQUERY OPENROWSET OPENXML OPTION OR ORDER OUTER OVER
		PERCENT PIVOT PLAN PRECISION PRIMARY PRINT PROC PROCEDURE PUBLIC
		RAISERROR READ READTEXT RECONFIGURE REFERENCES REPLICATION RESTORE
		RESTRICT RETURN REVERT REVOKE RIGHT ROLLBACK ROWCOUNT ROWGUIDCOL RULE
		SAVE SCHEMA SECURITYAUDIT SELECT SEMANTICKEYPHRASETABLE
		SEMANTICSIMILARITYDETAILSTABLE SEMANTICSIMILARITYTABLE SESSION_USER SET
		SETUSER SHUTDOWN SOME STATISTICS SYSTEM_USER TABLE TABLESAMPLE TEXTSIZE
		THEN TO TOP TRAN TRANSACTION TRIGGER TRUNCATE TRY_CONVERT TSEQUAL UNION
		UNIQUE UNPIVOT UPDATE UPDATETEXT USE USER VALUES VARYING VIEW WAITFOR
		WHEN WHERE WHILE WITH WRITETEXT`) {
		keywords[kw] = struct{}{}
	}
}

// IsReserved reports whether word is a T-SQL reserved keyword.
func IsReserved(word string) bool {
	_, ok := keywords[strings.ToUpper(word)]
	return ok
}
