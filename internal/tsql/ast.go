package tsql

import "strings"

// Node is implemented by every AST node. The set of node types is closed:
// consumers walk the tree with a type switch and treat an unknown type as a
// programming error.
type Node interface {
	Position() Position
	node()
}

type base struct{ pos Position }

func (b base) Position() Position { return b.pos }
func (base) node()                {}

// Script is the root of a parse: one or more batches separated by GO.
type Script struct {
	base
	Batches []*Batch
}

// Statements flattens every statement of every batch in source order.
func (s *Script) Statements() []Statement {
	var out []Statement
	for _, b := range s.Batches {
		out = append(out, b.Statements...)
	}
	return out
}

type Batch struct {
	base
	Statements []Statement
}

// Statement is a top-level statement.
type Statement interface {
	Node
	statement()
}

// SelectStatement is a query, optionally preceded by CTEs and followed by an
// OPTION clause.
type SelectStatement struct {
	base
	With    *WithClause
	Query   QueryExpression
	Into    *ObjectName // INTO target of the first query specification, if any
	Options []*OptimizerHint
	End     int // rune offset just past the last token
}

// Source returns the statement's own text within src, the script it was
// parsed from.
func (s *SelectStatement) Source(src string) string {
	runes := []rune(src)
	return string(runes[s.pos.Offset:s.End])
}

// OtherStatement is any statement that is not a query. Its body is not
// modelled beyond its kind.
type OtherStatement struct {
	base
	Kind StatementKind
	With *WithClause
}

func (*SelectStatement) statement() {}
func (*OtherStatement) statement()  {}

// StatementKind classifies OtherStatement.
type StatementKind int

const (
	StmtUnknown StatementKind = iota
	StmtInsert
	StmtUpdate
	StmtDelete
	StmtMerge
	StmtDrop
	StmtCreate
	StmtAlter
	StmtTruncate
	StmtExecute
	StmtDbcc
	StmtShutdown
	StmtBackup
	StmtRestore
	StmtGrant
	StmtRevoke
	StmtDeny
	StmtSet
	StmtDeclare
	StmtPrint
	StmtBulkInsert
	StmtWaitFor
	StmtUse
	StmtTransaction
	StmtBlock
	StmtControlFlow
	StmtRaiseError
	StmtKill
	StmtCheckpoint
	StmtReconfigure
	StmtCursor
	StmtText
	StmtSecurityContext
	StmtServiceBroker
	StmtTrigger
)

var statementKindNames = map[StatementKind]string{
	StmtUnknown:         "UNKNOWN",
	StmtInsert:          "INSERT",
	StmtUpdate:          "UPDATE",
	StmtDelete:          "DELETE",
	StmtMerge:           "MERGE",
	StmtDrop:            "DROP",
	StmtCreate:          "CREATE",
	StmtAlter:           "ALTER",
	StmtTruncate:        "TRUNCATE",
	StmtExecute:         "EXECUTE",
	StmtDbcc:            "DBCC",
	StmtShutdown:        "SHUTDOWN",
	StmtBackup:          "BACKUP",
	StmtRestore:         "RESTORE",
	StmtGrant:           "GRANT",
	StmtRevoke:          "REVOKE",
	StmtDeny:            "DENY",
	StmtSet:             "SET",
	StmtDeclare:         "DECLARE",
	StmtPrint:           "PRINT",
	StmtBulkInsert:      "BULK INSERT",
	StmtWaitFor:         "WAITFOR",
	StmtUse:             "USE",
	StmtTransaction:     "TRANSACTION",
	StmtBlock:           "BEGIN...END",
	StmtControlFlow:     "control-of-flow",
	StmtRaiseError:      "RAISERROR/THROW",
	StmtKill:            "KILL",
	StmtCheckpoint:      "CHECKPOINT",
	StmtReconfigure:     "RECONFIGURE",
	StmtCursor:          "cursor",
	StmtText:            "text/image",
	StmtSecurityContext: "security context",
	StmtServiceBroker:   "Service Broker",
	StmtTrigger:         "ENABLE/DISABLE TRIGGER",
}

func (k StatementKind) String() string {
	if s, ok := statementKindNames[k]; ok {
		return s
	}
	return "UNKNOWN"
}

// WithClause holds the common table expressions of a statement.
type WithClause struct {
	base
	XMLNamespaces bool
	CTEs          []*CommonTableExpr
}

type CommonTableExpr struct {
	base
	Name    string
	Columns []string
	Query   QueryExpression
}

// QueryExpression is a query specification or a combination of them.
type QueryExpression interface {
	Node
	queryExpression()
}

// QuerySpecification is a single SELECT ... FROM ... block.
type QuerySpecification struct {
	base
	Distinct bool
	Top      *TopClause
	Select   []SelectElement
	Into     *ObjectName
	From     []TableSource
	Where    Expr
	GroupBy  []Expr
	Having   Expr
}

type SetOperator int

const (
	SetUnion SetOperator = iota
	SetExcept
	SetIntersect
)

func (o SetOperator) String() string {
	switch o {
	case SetExcept:
		return "EXCEPT"
	case SetIntersect:
		return "INTERSECT"
	default:
		return "UNION"
	}
}

// BinaryQuery combines two query expressions with a set operator.
type BinaryQuery struct {
	base
	Op    SetOperator
	All   bool
	Left  QueryExpression
	Right QueryExpression
}

// ParenQuery is a parenthesised query expression.
type ParenQuery struct {
	base
	Query QueryExpression
}

// OrderedQuery attaches ORDER BY, OFFSET/FETCH and FOR clauses to a query.
type OrderedQuery struct {
	base
	Query   QueryExpression
	OrderBy []*OrderItem
	Offset  Expr
	Fetch   Expr
	For     *ForClause
}

func (*QuerySpecification) queryExpression() {}
func (*BinaryQuery) queryExpression()        {}
func (*ParenQuery) queryExpression()         {}
func (*OrderedQuery) queryExpression()       {}

// FirstSpecification returns the leftmost query specification of q.
func FirstSpecification(q QueryExpression) *QuerySpecification {
	for {
		switch v := q.(type) {
		case *QuerySpecification:
			return v
		case *BinaryQuery:
			q = v.Left
		case *ParenQuery:
			q = v.Query
		case *OrderedQuery:
			q = v.Query
		default:
			return nil
		}
	}
}

type TopClause struct {
	base
	Count    Expr
	Percent  bool
	WithTies bool
}

type OrderItem struct {
	base
	Expr Expr
	Desc bool
}

// ForClause is FOR XML, FOR JSON or FOR BROWSE.
type ForClause struct {
	base
	Kind    string
	Options []string
}

// HintKind classifies an OPTION (...) query hint.
type HintKind int

const (
	HintOther HintKind = iota
	HintMaxRecursion
)

// OptimizerHint is one entry of an OPTION (...) clause. Value is set for hints
// that take a literal, such as MAXRECURSION.
type OptimizerHint struct {
	base
	Kind  HintKind
	Name  string
	Value *Literal
}

// SelectElement is one item of a select list.
type SelectElement interface {
	Node
	selectElement()
}

// SelectStar is * or qualifier.*.
type SelectStar struct {
	base
	Qualifier *ObjectName
}

// SelectExpr is an expression with an optional column alias.
type SelectExpr struct {
	base
	Expr  Expr
	Alias string
}

// SelectAssign is @var = expr inside a select list.
type SelectAssign struct {
	base
	Variable string
	Op       string
	Expr     Expr
}

func (*SelectStar) selectElement()   {}
func (*SelectExpr) selectElement()   {}
func (*SelectAssign) selectElement() {}

// ObjectName is a dotted name of one to four parts. Empty middle parts
// (server..object) are kept as empty strings.
type ObjectName struct {
	base
	Parts []string
}

// Server returns the linked-server part of a four-part name.
func (n *ObjectName) Server() (string, bool) {
	if len(n.Parts) == 4 {
		return n.Parts[0], true
	}
	return "", false
}

// Base returns the last part of the name.
func (n *ObjectName) Base() string {
	if len(n.Parts) == 0 {
		return ""
	}
	return n.Parts[len(n.Parts)-1]
}

func (n *ObjectName) String() string {
	return strings.Join(n.Parts, ".")
}

// TableSource is an item of a FROM clause.
type TableSource interface {
	Node
	tableSource()
}

type NamedTable struct {
	base
	Name  *ObjectName
	Alias string
	Hints []string
}

// FunctionTable is a table-valued function call, including the full-text
// rowset functions.
type FunctionTable struct {
	base
	Name    *ObjectName
	Args    []Expr
	Alias   string
	Columns []string
	Schema  []*SchemaColumn // OPENJSON ... WITH (...)
}

// SchemaColumn is one column of an OPENJSON WITH clause.
type SchemaColumn struct {
	base
	Name   string
	Type   *DataType
	Path   string
	AsJSON bool
}

type DerivedTable struct {
	base
	Query   QueryExpression
	Alias   string
	Columns []string
}

// ValuesTable is a (VALUES (...), (...)) AS t(cols) row constructor.
type ValuesTable struct {
	base
	Rows    [][]Expr
	Alias   string
	Columns []string
}

type VariableTable struct {
	base
	Name  string
	Alias string
}

type JoinKind int

const (
	JoinInner JoinKind = iota
	JoinLeft
	JoinRight
	JoinFull
	JoinCross
	JoinCrossApply
	JoinOuterApply
)

type JoinTable struct {
	base
	Kind  JoinKind
	Hint  string
	Left  TableSource
	Right TableSource
	On    Expr
}

// PivotTable is PIVOT or UNPIVOT applied to a source.
type PivotTable struct {
	base
	Source    TableSource
	Unpivot   bool
	Aggregate Expr
	Value     string
	Column    string
	In        []string
	Alias     string
}

// OpenRowset is OPENROWSET(...). Its arguments are kept as raw text.
type OpenRowset struct {
	base
	Args  string
	Alias string
}

// OpenQuery is OPENQUERY(linked_server, 'query').
type OpenQuery struct {
	base
	Args  string
	Alias string
}

// OpenDataSource is OPENDATASOURCE(provider, init)...object.
type OpenDataSource struct {
	base
	Args   string
	Object *ObjectName
	Alias  string
}

// OpenXML is OPENXML(@handle, 'xpath'[, flags]) [WITH ...].
type OpenXML struct {
	base
	Args  string
	Alias string
}

func (*NamedTable) tableSource()     {}
func (*FunctionTable) tableSource()  {}
func (*DerivedTable) tableSource()   {}
func (*ValuesTable) tableSource()    {}
func (*VariableTable) tableSource()  {}
func (*JoinTable) tableSource()      {}
func (*PivotTable) tableSource()     {}
func (*OpenRowset) tableSource()     {}
func (*OpenQuery) tableSource()      {}
func (*OpenDataSource) tableSource() {}
func (*OpenXML) tableSource()        {}

// Expr is a scalar or boolean expression.
type Expr interface {
	Node
	expr()
}

type LiteralKind int

const (
	LitInteger LiteralKind = iota
	LitNumeric
	LitReal
	LitMoney
	LitString
	LitBinary
	LitNull
	LitDefault
)

type Literal struct {
	base
	Kind     LiteralKind
	Value    string
	National bool
}

type Variable struct {
	base
	Name string
}

// ColumnRef is a possibly qualified column name.
type ColumnRef struct {
	base
	Parts []string
}

// Star is the * argument of COUNT(*) and similar.
type Star struct {
	base
}

type FunctionCall struct {
	base
	Name        *ObjectName
	Distinct    bool
	Args        []Expr
	Niladic     bool // CURRENT_TIMESTAMP, USER and friends: no parentheses
	WithinGroup []*OrderItem
	Over        *OverClause
}

// MethodCall is target.method(args), used for xml and CLR type methods.
type MethodCall struct {
	base
	Target Expr
	Name   string
	Args   []Expr
}

type OverClause struct {
	base
	PartitionBy []Expr
	OrderBy     []*OrderItem
	Frame       string
}

// CastExpr covers CAST, CONVERT, PARSE and their TRY_ forms. Style is the
// CONVERT style argument; Culture is the PARSE culture.
type CastExpr struct {
	base
	Func    string
	Expr    Expr
	Type    *DataType
	Style   Expr
	Culture Expr
}

type DataType struct {
	base
	Name   *ObjectName
	Params []string
}

type UnaryExpr struct {
	base
	Op string
	X  Expr
}

// BinaryExpr covers arithmetic, comparison, AND and OR.
type BinaryExpr struct {
	base
	Op    string
	Left  Expr
	Right Expr
}

type IsNullExpr struct {
	base
	X   Expr
	Not bool
}

type BetweenExpr struct {
	base
	X    Expr
	Low  Expr
	High Expr
	Not  bool
}

// InExpr is x [NOT] IN (list) or x [NOT] IN (subquery); exactly one of List
// and Query is set.
type InExpr struct {
	base
	X     Expr
	List  []Expr
	Query QueryExpression
	Not   bool
}

type LikeExpr struct {
	base
	X       Expr
	Pattern Expr
	Escape  Expr
	Not     bool
}

type ExistsExpr struct {
	base
	Query QueryExpression
}

type SubqueryExpr struct {
	base
	Query QueryExpression
}

// QuantifiedExpr is x op ALL|ANY|SOME (subquery).
type QuantifiedExpr struct {
	base
	X          Expr
	Op         string
	Quantifier string
	Query      QueryExpression
}

type CaseExpr struct {
	base
	Operand Expr
	Whens   []*WhenClause
	Else    Expr
}

type WhenClause struct {
	base
	Cond   Expr
	Result Expr
}

type CollateExpr struct {
	base
	X         Expr
	Collation string
}

type AtTimeZoneExpr struct {
	base
	X    Expr
	Zone Expr
}

type ParenExpr struct {
	base
	X Expr
}

// GroupingSet is a parenthesised list inside GROUPING SETS, ROLLUP or CUBE.
// An empty list is the grand total set ().
type GroupingSet struct {
	base
	Items []Expr
}

// ColumnList is the parenthesised column list of a full-text predicate,
// as in CONTAINS((Name, Description), 'word').
type ColumnList struct {
	base
	Columns []*ColumnRef
}

// GraphMatch is the graph search predicate MATCH(a-(e)->b). Nodes and Edges
// hold the aliases in pattern order; SHORTEST_PATH and LAST_NODE terms are
// kept as text.
type GraphMatch struct {
	base
	Nodes []string
	Edges []string
}

// NextValueFor is NEXT VALUE FOR sequence.
type NextValueFor struct {
	base
	Sequence *ObjectName
}

func (*Literal) expr()        {}
func (*Variable) expr()       {}
func (*ColumnRef) expr()      {}
func (*Star) expr()           {}
func (*FunctionCall) expr()   {}
func (*MethodCall) expr()     {}
func (*CastExpr) expr()       {}
func (*UnaryExpr) expr()      {}
func (*BinaryExpr) expr()     {}
func (*IsNullExpr) expr()     {}
func (*BetweenExpr) expr()    {}
func (*InExpr) expr()         {}
func (*LikeExpr) expr()       {}
func (*ExistsExpr) expr()     {}
func (*SubqueryExpr) expr()   {}
func (*QuantifiedExpr) expr() {}
func (*CaseExpr) expr()       {}
func (*CollateExpr) expr()    {}
func (*AtTimeZoneExpr) expr() {}
func (*ParenExpr) expr()      {}
func (*GroupingSet) expr()    {}
func (*ColumnList) expr()     {}
func (*GraphMatch) expr()     {}
func (*NextValueFor) expr()   {}
