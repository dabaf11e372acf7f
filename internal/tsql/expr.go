package tsql

import "strings"

func (p *parser) parseExpr() Expr {
	return p.parseOr()
}

func (p *parser) parseExprList() []Expr {
	var list []Expr
	for {
		list = append(list, p.parseExpr())
		if !p.acceptOp(",") {
			return list
		}
	}
}

func (p *parser) parseOr() Expr {
	left := p.parseAnd()
	for p.peek().IsKeyword("OR") {
		tok := p.next()
		left = &BinaryExpr{base: at(tok), Op: "OR", Left: left, Right: p.parseAnd()}
	}
	return left
}

func (p *parser) parseAnd() Expr {
	left := p.parseNot()
	for p.peek().IsKeyword("AND") {
		tok := p.next()
		left = &BinaryExpr{base: at(tok), Op: "AND", Left: left, Right: p.parseNot()}
	}
	return left
}

func (p *parser) parseNot() Expr {
	if tok := p.peek(); tok.IsKeyword("NOT") {
		p.next()
		return &UnaryExpr{base: at(tok), Op: "NOT", X: p.parseNot()}
	}
	return p.parsePredicate()
}

var comparisonOps = map[string]struct{}{
	"=": {}, "<>": {}, "!=": {}, "<": {}, ">": {}, "<=": {}, ">=": {}, "!<": {}, "!>": {},
}

// parsePredicate parses a comparison or one of the SQL predicates. Predicates
// do not chain: a = b = c is a syntax error, as in SQL Server.
func (p *parser) parsePredicate() Expr {
	start := p.peek()
	if start.IsKeyword("EXISTS") {
		p.next()
		p.expectOp("(")
		q := p.parseQueryExpression(false)
		p.expectOp(")")
		return &ExistsExpr{base: at(start), Query: q}
	}

	left := p.parseAdditive()
	tok := p.peek()

	if tok.Kind == TokenOperator {
		if _, ok := comparisonOps[tok.Text]; !ok {
			return left
		}
		p.next()
		if q := p.peek(); (q.IsKeyword("ALL") || q.IsKeyword("ANY") || q.IsKeyword("SOME")) && p.peekN(1).IsOp("(") {
			p.next()
			p.expectOp("(")
			sub := p.parseQueryExpression(false)
			p.expectOp(")")
			return &QuantifiedExpr{base: at(tok), X: left, Op: tok.Text, Quantifier: q.Value, Query: sub}
		}
		return &BinaryExpr{base: at(tok), Op: tok.Text, Left: left, Right: p.parseAdditive()}
	}

	if tok.IsKeyword("IS") {
		p.next()
		not := p.acceptKeyword("NOT")
		p.expectKeyword("NULL")
		return &IsNullExpr{base: at(tok), X: left, Not: not}
	}

	not := false
	if tok.IsKeyword("NOT") {
		switch next := p.peekN(1); {
		case next.IsKeyword("BETWEEN"), next.IsKeyword("IN"), next.IsKeyword("LIKE"):
			p.next()
			not = true
			tok = p.peek()
		default:
			return left
		}
	}

	switch {
	case tok.IsKeyword("BETWEEN"):
		p.next()
		low := p.parseAdditive()
		p.expectKeyword("AND")
		high := p.parseAdditive()
		return &BetweenExpr{base: at(tok), X: left, Low: low, High: high, Not: not}
	case tok.IsKeyword("IN"):
		p.next()
		in := &InExpr{base: at(tok), X: left, Not: not}
		switch {
		case p.peek().IsOp("(") && p.peekN(1).IsKeyword("SELECT"):
			in.Query = p.parseParenQuery().Query
		case p.queryAhead() && p.try(func() { in.Query = p.parseParenQuery().Query }):
		default:
			p.expectOp("(")
			in.List = p.parseExprList()
			p.expectOp(")")
		}
		return in
	case tok.IsKeyword("LIKE"):
		p.next()
		like := &LikeExpr{base: at(tok), X: left, Pattern: p.parseAdditive(), Not: not}
		if p.acceptKeyword("ESCAPE") {
			like.Escape = p.parseAdditive()
		}
		return like
	}
	return left
}

func (p *parser) parseAdditive() Expr {
	left := p.parseMultiplicative()
	for {
		tok := p.peek()
		switch {
		case tok.IsOp("+"), tok.IsOp("-"), tok.IsOp("&"), tok.IsOp("|"), tok.IsOp("^"):
			p.next()
			left = &BinaryExpr{base: at(tok), Op: tok.Text, Left: left, Right: p.parseMultiplicative()}
		default:
			return left
		}
	}
}

func (p *parser) parseMultiplicative() Expr {
	left := p.parseUnary()
	for {
		tok := p.peek()
		switch {
		case tok.IsOp("*"), tok.IsOp("/"), tok.IsOp("%"):
			p.next()
			left = &BinaryExpr{base: at(tok), Op: tok.Text, Left: left, Right: p.parseUnary()}
		default:
			return left
		}
	}
}

func (p *parser) parseUnary() Expr {
	tok := p.peek()
	if tok.IsOp("-") || tok.IsOp("+") || tok.IsOp("~") {
		p.next()
		return &UnaryExpr{base: at(tok), Op: tok.Text, X: p.parseUnary()}
	}
	return p.parsePostfix(p.parsePrimary())
}

// parsePostfix applies COLLATE, AT TIME ZONE and .method() suffixes.
func (p *parser) parsePostfix(x Expr) Expr {
	for {
		tok := p.peek()
		switch {
		case tok.IsKeyword("COLLATE"):
			p.next()
			name := p.next()
			if name.Kind != TokenIdent {
				p.failNear(name)
			}
			x = &CollateExpr{base: at(tok), X: x, Collation: name.Value}
		case tok.IsWord("AT") && p.peekN(1).IsWord("TIME") && p.peekN(2).IsWord("ZONE"):
			p.next()
			p.next()
			p.next()
			x = &AtTimeZoneExpr{base: at(tok), X: x, Zone: p.parsePostfix(p.parsePrimary())}
		case tok.IsOp(".") && p.peekN(1).isName() && p.peekN(2).IsOp("("):
			p.next()
			name := p.next()
			x = &MethodCall{base: at(tok), Target: x, Name: name.Value, Args: p.parseCallArgs(name.Value, nil)}
		default:
			return x
		}
	}
}

// niladicFunctions are reserved words that act as functions without
// parentheses.
var niladicFunctions = map[string]struct{}{
	"CURRENT_TIMESTAMP": {}, "CURRENT_USER": {}, "SESSION_USER": {}, "SYSTEM_USER": {}, "USER": {},
	"CURRENT_DATE": {}, "CURRENT_TIME": {},
}

// keywordFunctions are reserved words that are called like ordinary functions.
var keywordFunctions = map[string]struct{}{
	"COALESCE": {}, "NULLIF": {}, "LEFT": {}, "RIGHT": {}, "CONTAINS": {}, "FREETEXT": {}, "IDENTITY": {},
}

func (p *parser) parsePrimary() Expr {
	tok := p.peek()
	switch tok.Kind {
	case TokenNumber:
		p.next()
		return numberLiteral(tok)
	case TokenMoney:
		p.next()
		return &Literal{base: at(tok), Kind: LitMoney, Value: tok.Value}
	case TokenString:
		p.next()
		return &Literal{base: at(tok), Kind: LitString, Value: tok.Value, National: tok.National}
	case TokenBinary:
		p.next()
		return &Literal{base: at(tok), Kind: LitBinary, Value: tok.Value}
	case TokenVariable:
		p.next()
		return &Variable{base: at(tok), Name: tok.Value}
	case TokenIdent, TokenQuotedIdent:
		return p.parseNameExpr()
	case TokenKeyword:
		return p.parseKeywordExpr()
	}

	if tok.IsOp("(") {
		var pq *ParenQuery
		switch {
		case p.peekN(1).IsKeyword("SELECT"):
			pq = p.parseParenQuery()
		case p.queryAhead():
			p.try(func() { pq = p.parseParenQuery() })
		}
		if pq != nil {
			return &SubqueryExpr{base: at(tok), Query: pq.Query}
		}
		p.next()
		x := p.parseExpr()
		p.expectOp(")")
		return &ParenExpr{base: at(tok), X: x}
	}

	p.failNear(tok)
	return nil
}

func (p *parser) parseKeywordExpr() Expr {
	tok := p.peek()
	switch {
	case tok.IsKeyword("NULL"):
		p.next()
		return &Literal{base: at(tok), Kind: LitNull, Value: "NULL"}
	case tok.IsKeyword("DEFAULT"):
		p.next()
		return &Literal{base: at(tok), Kind: LitDefault, Value: "DEFAULT"}
	case tok.IsKeyword("CASE"):
		return p.parseCase()
	case tok.IsKeyword("CONVERT"), tok.IsKeyword("TRY_CONVERT"):
		return p.parseConvert()
	}
	if _, ok := niladicFunctions[tok.Value]; ok {
		p.next()
		return &FunctionCall{
			base:    at(tok),
			Name:    &ObjectName{base: at(tok), Parts: []string{tok.Value}},
			Niladic: true,
		}
	}
	if _, ok := keywordFunctions[tok.Value]; ok && p.peekN(1).IsOp("(") {
		p.next()
		return p.parseFunctionCall(&ObjectName{base: at(tok), Parts: []string{tok.Value}})
	}
	p.failNear(tok)
	return nil
}

// parseNameExpr parses a column reference, a function call, a static method
// call (type::method()) or one of the non-reserved special forms. Method calls
// on a column (t.xmlcol.value(...)) come out as a call with a dotted name.
func (p *parser) parseNameExpr() Expr {
	tok := p.peek()
	if tok.Kind == TokenIdent {
		switch upper := strings.ToUpper(tok.Value); {
		case (upper == "CAST" || upper == "TRY_CAST" || upper == "PARSE" || upper == "TRY_PARSE") && p.peekN(1).IsOp("("):
			return p.parseCast()
		case upper == "MATCH" && p.peekN(1).IsOp("("):
			return p.parseGraphMatch()
		case upper == "NEXT" && p.peekN(1).IsWord("VALUE") && p.peekN(2).IsKeyword("FOR"):
			p.next()
			p.next()
			p.next()
			return &NextValueFor{base: at(tok), Sequence: p.parseObjectName()}
		}
	}

	p.next()
	parts := []string{tok.Value}
	for p.peek().IsOp(".") {
		p.next()
		switch next := p.peek(); {
		case next.isName():
			p.next()
			parts = append(parts, next.Value)
		case next.IsOp("."):
			parts = append(parts, "")
		default:
			p.failNear(next)
		}
		if len(parts) > 5 {
			p.failf(tok, "The multi-part identifier '%s' contains more than the maximum number of prefixes.", strings.Join(parts, "."))
		}
	}

	name := &ObjectName{base: at(tok), Parts: parts}
	switch next := p.peek(); {
	case next.IsOp("("):
		if len(parts) > 4 {
			p.failNear(next)
		}
		return p.parseFunctionCall(name)
	case next.IsOp("::"):
		p.next()
		method := p.next()
		if !method.isName() {
			p.failNear(method)
		}
		name.Parts = append(name.Parts, method.Value)
		if p.peek().IsOp("(") {
			return p.parseFunctionCall(name)
		}
		return &ColumnRef{base: at(tok), Parts: name.Parts}
	}
	return &ColumnRef{base: at(tok), Parts: parts}
}

func (p *parser) parseFunctionCall(name *ObjectName) *FunctionCall {
	fc := &FunctionCall{base: name.base, Name: name}
	fc.Args = p.parseCallArgs(name.Base(), fc)

	if p.peek().IsWord("WITHIN") && p.peekN(1).IsKeyword("GROUP") {
		p.next()
		p.next()
		p.expectOp("(")
		p.expectKeyword("ORDER")
		p.expectKeyword("BY")
		fc.WithinGroup = p.parseOrderItems()
		p.expectOp(")")
	}
	if p.peek().IsKeyword("OVER") {
		fc.Over = p.parseOver()
	}
	return fc
}

// parseCallArgs parses a parenthesised argument list. When fc is non-nil a
// leading DISTINCT or ALL is recorded on it. TRIM accepts chars FROM string.
func (p *parser) parseCallArgs(name string, fc *FunctionCall) []Expr {
	p.expectOp("(")
	if p.acceptOp(")") {
		return nil
	}
	if fc != nil {
		if p.acceptKeyword("DISTINCT") {
			fc.Distinct = true
		} else {
			p.acceptKeyword("ALL")
		}
	}
	_, fullText := fullTextFunctions[strings.ToUpper(name)]
	var args []Expr
	for {
		switch tok := p.peek(); {
		case tok.IsOp("*"):
			p.next()
			args = append(args, &Star{base: at(tok)})
		case fullText && tok.IsOp("(") && p.peekN(1).isName():
			args = append(args, p.parseColumnList())
		case fullText && tok.IsWord("LANGUAGE"):
			p.next()
			args = append(args, p.parseExpr())
		default:
			args = append(args, p.parseExpr())
		}
		if strings.EqualFold(name, "TRIM") && p.acceptKeyword("FROM") {
			args = append(args, p.parseExpr())
		}
		if !p.acceptOp(",") {
			break
		}
	}
	p.expectOp(")")
	return args
}

// fullTextFunctions take a parenthesised column list and a LANGUAGE term.
var fullTextFunctions = map[string]struct{}{
	"CONTAINS": {}, "FREETEXT": {}, "CONTAINSTABLE": {}, "FREETEXTTABLE": {},
}

func (p *parser) parseColumnList() *ColumnList {
	cl := &ColumnList{base: at(p.expectOp("("))}
	for {
		tok := p.peek()
		if !tok.isName() {
			p.failNear(tok)
		}
		ref, ok := p.parseNameExpr().(*ColumnRef)
		if !ok {
			p.failNear(tok)
		}
		cl.Columns = append(cl.Columns, ref)
		if !p.acceptOp(",") {
			break
		}
	}
	p.expectOp(")")
	return cl
}

// parseGraphMatch parses MATCH ( pattern ), where a pattern is a chain of
// node aliases joined by -(edge)-> or <-(edge)-, combined with AND and
// optional parentheses.
func (p *parser) parseGraphMatch() *GraphMatch {
	m := &GraphMatch{base: at(p.next())}
	p.expectOp("(")
	p.parseMatchPattern(m)
	p.expectOp(")")
	return m
}

func (p *parser) parseMatchPattern(m *GraphMatch) {
	for {
		if p.acceptOp("(") {
			p.parseMatchPattern(m)
			p.expectOp(")")
		} else {
			p.parseMatchChain(m)
		}
		if !p.acceptKeyword("AND") {
			return
		}
	}
}

func (p *parser) parseMatchChain(m *GraphMatch) {
	p.parseMatchNode(m)
	for {
		switch {
		case p.peek().IsOp("-") && p.peekN(1).IsOp("("):
			p.next()
			p.parseMatchEdge(m)
			p.expectOp("-")
			p.expectOp(">")
		case p.peek().IsOp("<") && p.peekN(1).IsOp("-"):
			p.next()
			p.next()
			p.parseMatchEdge(m)
			p.expectOp("-")
		default:
			return
		}
		p.parseMatchNode(m)
	}
}

func (p *parser) parseMatchNode(m *GraphMatch) {
	tok := p.next()
	if !tok.isName() {
		p.failNear(tok)
	}
	if (tok.IsWord("SHORTEST_PATH") || tok.IsWord("LAST_NODE")) && p.peek().IsOp("(") {
		m.Nodes = append(m.Nodes, strings.ToUpper(tok.Value)+"("+p.skipGroup()+")")
		return
	}
	m.Nodes = append(m.Nodes, tok.Value)
}

func (p *parser) parseMatchEdge(m *GraphMatch) {
	p.expectOp("(")
	tok := p.next()
	if !tok.isName() {
		p.failNear(tok)
	}
	m.Edges = append(m.Edges, tok.Value)
	p.expectOp(")")
}

// parseOver parses OVER ( [PARTITION BY ...] [ORDER BY ...] [frame] ). The
// window frame is kept as text.
func (p *parser) parseOver() *OverClause {
	over := &OverClause{base: at(p.expectKeyword("OVER"))}
	p.expectOp("(")
	if p.peek().IsWord("PARTITION") {
		p.next()
		p.expectKeyword("BY")
		over.PartitionBy = p.parseExprList()
	}
	if p.acceptKeyword("ORDER") {
		p.expectKeyword("BY")
		over.OrderBy = p.parseOrderItems()
	}
	if p.peek().IsWord("ROWS") || p.peek().IsWord("RANGE") {
		var frame []string
		for {
			tok := p.peek()
			if tok.IsOp(")") {
				break
			}
			if tok.Kind == TokenEOF || tok.Kind == TokenBatchSeparator || tok.IsOp("(") || tok.IsOp(";") {
				p.failNear(tok)
			}
			frame = append(frame, strings.ToUpper(tok.Text))
			p.next()
		}
		over.Frame = strings.Join(frame, " ")
	}
	p.expectOp(")")
	return over
}

func (p *parser) parseCase() *CaseExpr {
	c := &CaseExpr{base: at(p.expectKeyword("CASE"))}
	if !p.peek().IsKeyword("WHEN") {
		c.Operand = p.parseExpr()
	}
	for p.peek().IsKeyword("WHEN") {
		tok := p.next()
		w := &WhenClause{base: at(tok), Cond: p.parseExpr()}
		p.expectKeyword("THEN")
		w.Result = p.parseExpr()
		c.Whens = append(c.Whens, w)
	}
	if len(c.Whens) == 0 {
		p.failNear(p.peek())
	}
	if p.acceptKeyword("ELSE") {
		c.Else = p.parseExpr()
	}
	p.expectKeyword("END")
	return c
}

// parseCast parses CAST, TRY_CAST, PARSE and TRY_PARSE:
// fn ( expr AS type [USING culture] ).
func (p *parser) parseCast() *CastExpr {
	tok := p.next()
	c := &CastExpr{base: at(tok), Func: strings.ToUpper(tok.Value)}
	p.expectOp("(")
	c.Expr = p.parseExpr()
	p.expectKeyword("AS")
	c.Type = p.parseDataType()
	if c.Func != "CAST" && c.Func != "TRY_CAST" && p.acceptWord("USING") {
		c.Culture = p.parseExpr()
	}
	p.expectOp(")")
	return c
}

// parseConvert parses CONVERT ( type, expr [, style] ) and TRY_CONVERT.
func (p *parser) parseConvert() *CastExpr {
	tok := p.next()
	c := &CastExpr{base: at(tok), Func: tok.Value}
	p.expectOp("(")
	c.Type = p.parseDataType()
	p.expectOp(",")
	c.Expr = p.parseExpr()
	if p.acceptOp(",") {
		c.Style = p.parseExpr()
	}
	p.expectOp(")")
	return c
}

// parseDataType parses a type name with optional length, precision and
// scale, or MAX.
func (p *parser) parseDataType() *DataType {
	tok := p.peek()
	dt := &DataType{base: at(tok)}
	if tok.IsKeyword("DOUBLE") && p.peekN(1).IsKeyword("PRECISION") {
		p.next()
		p.next()
		dt.Name = &ObjectName{base: at(tok), Parts: []string{"float"}}
		return dt
	}
	dt.Name = p.parseObjectName()
	if p.peek().IsOp("(") {
		p.next()
		for {
			arg := p.next()
			switch {
			case arg.Kind == TokenNumber, arg.IsWord("MAX"):
				dt.Params = append(dt.Params, strings.ToUpper(arg.Value))
			default:
				p.failNear(arg)
			}
			if !p.acceptOp(",") {
				break
			}
		}
		p.expectOp(")")
	}
	return dt
}

func numberLiteral(tok Token) *Literal {
	kind := LitInteger
	switch {
	case strings.ContainsAny(tok.Value, "eE"):
		kind = LitReal
	case strings.Contains(tok.Value, "."):
		kind = LitNumeric
	}
	return &Literal{base: at(tok), Kind: kind, Value: tok.Value}
}
