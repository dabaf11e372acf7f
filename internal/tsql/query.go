package tsql

import "strings"

// parseQueryExpression parses a query with set operators, followed by the
// optional ORDER BY, OFFSET/FETCH and FOR clauses. allowInto permits an INTO
// clause in the leftmost query specification, which is only legal at the top
// level of a SELECT statement.
func (p *parser) parseQueryExpression(allowInto bool) QueryExpression {
	start := p.peek()
	left := p.parseQueryTerm(allowInto)
	for {
		tok := p.peek()
		var op SetOperator
		switch {
		case tok.IsKeyword("UNION"):
			op = SetUnion
		case tok.IsKeyword("EXCEPT"):
			op = SetExcept
		default:
			return p.parseQueryTail(left, start)
		}
		p.next()
		all := p.acceptKeyword("ALL")
		right := p.parseQueryTerm(false)
		left = &BinaryQuery{base: at(tok), Op: op, All: all, Left: left, Right: right}
	}
}

// parseQueryTerm handles INTERSECT, which binds tighter than UNION and EXCEPT.
func (p *parser) parseQueryTerm(allowInto bool) QueryExpression {
	left := p.parseQueryPrimary(allowInto)
	for p.peek().IsKeyword("INTERSECT") {
		tok := p.next()
		right := p.parseQueryPrimary(false)
		left = &BinaryQuery{base: at(tok), Op: SetIntersect, Left: left, Right: right}
	}
	return left
}

func (p *parser) parseQueryPrimary(allowInto bool) QueryExpression {
	tok := p.peek()
	switch {
	case tok.IsKeyword("SELECT"):
		return p.parseQuerySpecification(allowInto)
	case tok.IsOp("("):
		return p.parseParenQuery()
	}
	p.failNear(tok)
	return nil
}

func (p *parser) parseQueryTail(q QueryExpression, start Token) QueryExpression {
	ordered := &OrderedQuery{base: at(start), Query: q}
	if p.peek().IsKeyword("ORDER") {
		p.next()
		p.expectKeyword("BY")
		ordered.OrderBy = p.parseOrderItems()
		if p.peek().IsWord("OFFSET") {
			p.next()
			ordered.Offset = p.parseExpr()
			if !p.acceptWord("ROWS") {
				p.expectWord("ROW")
			}
			if p.acceptKeyword("FETCH") {
				if !p.acceptWord("NEXT") {
					p.expectWord("FIRST")
				}
				ordered.Fetch = p.parseExpr()
				if !p.acceptWord("ROWS") {
					p.expectWord("ROW")
				}
				p.expectWord("ONLY")
			}
		}
	}
	if p.peek().IsKeyword("FOR") {
		ordered.For = p.parseForClause()
	}
	if ordered.OrderBy == nil && ordered.For == nil {
		return q
	}
	return ordered
}

func (p *parser) parseOrderItems() []*OrderItem {
	var items []*OrderItem
	for {
		tok := p.peek()
		item := &OrderItem{base: at(tok), Expr: p.parseExpr()}
		if p.acceptKeyword("DESC") {
			item.Desc = true
		} else {
			p.acceptKeyword("ASC")
		}
		items = append(items, item)
		if !p.acceptOp(",") {
			return items
		}
	}
}

// parseForClause parses FOR XML ..., FOR JSON ... or FOR BROWSE.
func (p *parser) parseForClause() *ForClause {
	start := p.expectKeyword("FOR")
	tok := p.next()
	fc := &ForClause{base: at(start)}
	switch {
	case tok.IsKeyword("BROWSE"):
		fc.Kind = "BROWSE"
		return fc
	case tok.IsWord("XML"):
		fc.Kind = "XML"
	case tok.IsWord("JSON"):
		fc.Kind = "JSON"
	default:
		p.failNear(tok)
	}
	for {
		opt := p.next()
		if opt.Kind != TokenIdent {
			p.failNear(opt)
		}
		words := []string{strings.ToUpper(opt.Value)}
		for p.peek().Kind == TokenIdent {
			words = append(words, strings.ToUpper(p.next().Value))
		}
		fc.Options = append(fc.Options, strings.Join(words, " "))
		if p.peek().IsOp("(") {
			p.next()
			if p.peek().Kind == TokenString {
				p.next()
			}
			p.expectOp(")")
		}
		if !p.acceptOp(",") {
			return fc
		}
	}
}

func (p *parser) parseQuerySpecification(allowInto bool) *QuerySpecification {
	spec := &QuerySpecification{base: at(p.expectKeyword("SELECT"))}
	if p.acceptKeyword("DISTINCT") {
		spec.Distinct = true
	} else {
		p.acceptKeyword("ALL")
	}
	if p.peek().IsKeyword("TOP") {
		spec.Top = p.parseTop()
	}
	spec.Select = p.parseSelectList()

	if tok := p.peek(); tok.IsKeyword("INTO") {
		if !allowInto {
			p.failNear(tok)
		}
		p.next()
		spec.Into = p.parseObjectName()
	}
	if p.acceptKeyword("FROM") {
		spec.From = p.parseTableSources()
	}
	if p.acceptKeyword("WHERE") {
		spec.Where = p.parseExpr()
	}
	if p.acceptKeyword("GROUP") {
		p.expectKeyword("BY")
		spec.GroupBy = p.parseGroupBy()
	}
	if p.acceptKeyword("HAVING") {
		spec.Having = p.parseExpr()
	}
	return spec
}

func (p *parser) parseTop() *TopClause {
	top := &TopClause{base: at(p.expectKeyword("TOP"))}
	if p.peek().IsOp("(") {
		tok := p.next()
		top.Count = &ParenExpr{base: at(tok), X: p.parseExpr()}
		p.expectOp(")")
	} else {
		tok := p.next()
		if tok.Kind != TokenNumber && tok.Kind != TokenVariable {
			p.failNear(tok)
		}
		top.Count = literalOrVariable(tok)
	}
	top.Percent = p.acceptKeyword("PERCENT")
	if p.peek().IsKeyword("WITH") && p.peekN(1).IsWord("TIES") {
		p.next()
		p.next()
		top.WithTies = true
	}
	return top
}

func literalOrVariable(tok Token) Expr {
	if tok.Kind == TokenVariable {
		return &Variable{base: at(tok), Name: tok.Value}
	}
	return numberLiteral(tok)
}

func (p *parser) parseSelectList() []SelectElement {
	var elems []SelectElement
	for {
		elems = append(elems, p.parseSelectElement())
		if !p.acceptOp(",") {
			return elems
		}
	}
}

var assignOps = map[string]struct{}{
	"=": {}, "+=": {}, "-=": {}, "*=": {}, "/=": {}, "%=": {}, "&=": {}, "|=": {}, "^=": {},
}

func (p *parser) parseSelectElement() SelectElement {
	tok := p.peek()
	next := p.peekN(1)

	switch {
	case tok.IsOp("*"):
		p.next()
		return &SelectStar{base: at(tok)}
	case tok.Kind == TokenVariable && next.Kind == TokenOperator:
		if _, ok := assignOps[next.Text]; ok {
			p.next()
			p.next()
			return &SelectAssign{base: at(tok), Variable: tok.Value, Op: next.Text, Expr: p.parseExpr()}
		}
	case (tok.isName() || tok.Kind == TokenString) && next.IsOp("="):
		p.next()
		p.next()
		return &SelectExpr{base: at(tok), Alias: tok.Value, Expr: p.parseExpr()}
	case tok.isName():
		if q, ok := p.qualifiedStar(); ok {
			return q
		}
	}

	elem := &SelectExpr{base: at(tok), Expr: p.parseExpr()}
	elem.Alias = p.parseAlias(true)
	return elem
}

// qualifiedStar consumes name[.name...].* if that is what follows.
func (p *parser) qualifiedStar() (*SelectStar, bool) {
	start := p.peek()
	i := 0
	var parts []string
	for {
		tok := p.peekN(i)
		if !tok.isName() || !p.peekN(i+1).IsOp(".") {
			return nil, false
		}
		parts = append(parts, tok.Value)
		if p.peekN(i + 2).IsOp("*") {
			p.pos += i + 3
			return &SelectStar{base: at(start), Qualifier: &ObjectName{base: at(start), Parts: parts}}, true
		}
		i += 2
	}
}

// parseAlias parses an optional [AS] alias. String aliases are accepted in
// select lists only.
func (p *parser) parseAlias(allowString bool) string {
	if p.acceptKeyword("AS") {
		tok := p.next()
		if tok.isName() || (allowString && tok.Kind == TokenString) {
			return tok.Value
		}
		p.failNear(tok)
	}
	tok := p.peek()
	if tok.isName() || (allowString && tok.Kind == TokenString) {
		p.next()
		return tok.Value
	}
	return ""
}

// parseObjectName parses a dotted name of up to four parts. Middle parts may
// be empty, as in server..object or db..table.
func (p *parser) parseObjectName() *ObjectName {
	first := p.next()
	if !first.isName() {
		p.failNear(first)
	}
	name := &ObjectName{base: at(first), Parts: []string{first.Value}}
	p.parseNameSuffix(name)
	return name
}

// parseNameSuffix appends .part segments to name.
func (p *parser) parseNameSuffix(name *ObjectName) {
	for p.peek().IsOp(".") {
		p.next()
		if len(name.Parts) == 4 {
			p.failf(p.peek(), "The object name '%s' contains more than the maximum number of prefixes. The maximum is 3.", name.String())
		}
		if tok := p.peek(); tok.isName() {
			p.next()
			name.Parts = append(name.Parts, tok.Value)
			continue
		}
		if p.peek().IsOp(".") {
			name.Parts = append(name.Parts, "")
			continue
		}
		p.failNear(p.peek())
	}
}

func (p *parser) parseTableSources() []TableSource {
	var sources []TableSource
	for {
		sources = append(sources, p.parseJoinedTable())
		if !p.acceptOp(",") {
			return sources
		}
	}
}

var joinHints = map[string]struct{}{"LOOP": {}, "HASH": {}, "MERGE": {}, "REMOTE": {}}

// parseJoinedTable parses a table primary followed by any number of joins.
func (p *parser) parseJoinedTable() TableSource {
	left := p.parseTablePrimary()
	for {
		tok := p.peek()
		join := &JoinTable{base: at(tok), Left: left}
		switch {
		case tok.IsKeyword("CROSS") && p.peekN(1).IsKeyword("JOIN"):
			p.next()
			p.next()
			join.Kind = JoinCross
			join.Right = p.parseTablePrimary()
			left = join
			continue
		case tok.IsKeyword("CROSS") && p.peekN(1).IsWord("APPLY"):
			join.Kind = JoinCrossApply
		case tok.IsKeyword("OUTER") && p.peekN(1).IsWord("APPLY"):
			join.Kind = JoinOuterApply
		case tok.IsKeyword("JOIN"), tok.IsKeyword("INNER"), tok.IsKeyword("LEFT"),
			tok.IsKeyword("RIGHT"), tok.IsKeyword("FULL"), p.isJoinHint(tok):
			join.Kind, join.Hint = p.parseJoinKeywords()
			join.Right = p.parseTablePrimary()
			p.expectKeyword("ON")
			join.On = p.parseExpr()
			left = join
			continue
		default:
			return left
		}
		p.next()
		p.next()
		join.Right = p.parseTablePrimary()
		left = join
	}
}

func (p *parser) isJoinHint(tok Token) bool {
	if tok.Kind != TokenIdent && tok.Kind != TokenKeyword {
		return false
	}
	_, ok := joinHints[strings.ToUpper(tok.Value)]
	return ok && p.peekN(1).IsKeyword("JOIN")
}

// parseJoinKeywords consumes [INNER | {LEFT|RIGHT|FULL} [OUTER]] [hint] JOIN.
func (p *parser) parseJoinKeywords() (JoinKind, string) {
	kind := JoinInner
	switch tok := p.peek(); {
	case tok.IsKeyword("INNER"):
		p.next()
	case tok.IsKeyword("LEFT"):
		p.next()
		p.acceptKeyword("OUTER")
		kind = JoinLeft
	case tok.IsKeyword("RIGHT"):
		p.next()
		p.acceptKeyword("OUTER")
		kind = JoinRight
	case tok.IsKeyword("FULL"):
		p.next()
		p.acceptKeyword("OUTER")
		kind = JoinFull
	}
	hint := ""
	if tok := p.peek(); p.isJoinHint(tok) {
		p.next()
		hint = strings.ToUpper(tok.Value)
	}
	p.expectKeyword("JOIN")
	return kind, hint
}

func (p *parser) parseTablePrimary() TableSource {
	tok := p.peek()
	var src TableSource
	switch {
	case tok.IsKeyword("OPENROWSET"):
		p.next()
		args := p.skipGroup()
		src = &OpenRowset{base: at(tok), Args: args, Alias: p.parseTableAlias()}
		p.skipOptionalColumns()
	case tok.IsKeyword("OPENQUERY"):
		p.next()
		args := p.skipGroup()
		src = &OpenQuery{base: at(tok), Args: args, Alias: p.parseTableAlias()}
	case tok.IsKeyword("OPENDATASOURCE"):
		p.next()
		ds := &OpenDataSource{base: at(tok), Args: p.skipGroup()}
		obj := &ObjectName{base: at(p.peek())}
		p.parseNameSuffix(obj)
		if len(obj.Parts) == 0 {
			p.failNear(p.peek())
		}
		ds.Object = obj
		ds.Alias = p.parseTableAlias()
		src = ds
	case tok.IsKeyword("OPENXML"):
		p.next()
		ox := &OpenXML{base: at(tok), Args: p.skipGroup()}
		if p.peek().IsKeyword("WITH") {
			p.next()
			if p.peek().IsOp("(") {
				p.skipGroup()
			} else {
				p.parseObjectName()
			}
		}
		ox.Alias = p.parseTableAlias()
		src = ox
	case tok.IsKeyword("CONTAINSTABLE"), tok.IsKeyword("FREETEXTTABLE"),
		tok.IsKeyword("SEMANTICKEYPHRASETABLE"), tok.IsKeyword("SEMANTICSIMILARITYTABLE"),
		tok.IsKeyword("SEMANTICSIMILARITYDETAILSTABLE"):
		p.next()
		name := &ObjectName{base: at(tok), Parts: []string{tok.Value}}
		src = p.parseFunctionTable(name)
	case tok.Kind == TokenVariable:
		p.next()
		if p.peek().IsOp(".") {
			// @xml.nodes('/path') AS t(c)
			p.next()
			method := p.next()
			if !method.isName() {
				p.failNear(method)
			}
			ft := &FunctionTable{base: at(tok), Name: &ObjectName{base: at(tok), Parts: []string{tok.Value, method.Value}}}
			ft.Args = p.parseCallArgs(ft.Name.Base(), nil)
			ft.Alias = p.parseTableAlias()
			if p.peek().IsOp("(") {
				ft.Columns = p.parseNameList()
			}
			src = ft
		} else {
			src = &VariableTable{base: at(tok), Name: tok.Value, Alias: p.parseTableAlias()}
		}
	case tok.IsOp("("):
		src = p.parseParenTableSource()
	case tok.isName():
		name := p.parseObjectName()
		if p.peek().IsOp("(") {
			src = p.parseFunctionTable(name)
		} else {
			src = p.parseNamedTable(name)
		}
	default:
		p.failNear(tok)
	}

	for {
		switch next := p.peek(); {
		case next.IsKeyword("PIVOT"):
			src = p.parsePivot(src, false)
		case next.IsKeyword("UNPIVOT"):
			src = p.parsePivot(src, true)
		default:
			return src
		}
	}
}

func (p *parser) parseNamedTable(name *ObjectName) *NamedTable {
	t := &NamedTable{base: name.base, Name: name}
	if p.peek().IsKeyword("FOR") && p.peekN(1).IsWord("SYSTEM_TIME") {
		p.parseSystemTime()
	}
	t.Alias = p.parseTableAlias()
	if p.peek().IsKeyword("TABLESAMPLE") {
		p.next()
		p.acceptWord("SYSTEM")
		p.skipGroup()
		if p.acceptWord("REPEATABLE") {
			p.skipGroup()
		}
	}
	switch {
	case p.peek().IsKeyword("WITH") && p.peekN(1).IsOp("("):
		p.next()
		t.Hints = strings.Split(p.skipGroup(), " , ")
	case p.peek().IsOp("(") && p.peekN(1).Kind == TokenIdent:
		// legacy form without WITH: FROM t (NOLOCK)
		t.Hints = strings.Split(p.skipGroup(), " , ")
	}
	return t
}

// parseSystemTime parses the temporal table clause FOR SYSTEM_TIME ...
func (p *parser) parseSystemTime() {
	p.expectKeyword("FOR")
	p.expectWord("SYSTEM_TIME")
	switch tok := p.next(); {
	case tok.IsKeyword("AS"):
		p.expectKeyword("OF")
		p.parseAdditive()
	case tok.IsKeyword("FROM"):
		p.parseAdditive()
		p.expectKeyword("TO")
		p.parseAdditive()
	case tok.IsKeyword("BETWEEN"):
		p.parseAdditive()
		p.expectKeyword("AND")
		p.parseAdditive()
	case tok.IsWord("CONTAINED"):
		p.expectKeyword("IN")
		p.expectOp("(")
		p.parseExpr()
		p.expectOp(",")
		p.parseExpr()
		p.expectOp(")")
	case tok.IsKeyword("ALL"):
	default:
		p.failNear(tok)
	}
}

func (p *parser) parseFunctionTable(name *ObjectName) *FunctionTable {
	ft := &FunctionTable{base: name.base, Name: name}
	ft.Args = p.parseCallArgs(name.Base(), nil)
	if strings.EqualFold(name.Base(), "OPENJSON") && p.peek().IsKeyword("WITH") && p.peekN(1).IsOp("(") {
		p.next()
		ft.Schema = p.parseJSONSchema()
	}
	ft.Alias = p.parseTableAlias()
	if p.peek().IsOp("(") {
		ft.Columns = p.parseNameList()
	}
	return ft
}

// parseJSONSchema parses ( column type [path] [AS JSON], ... ).
func (p *parser) parseJSONSchema() []*SchemaColumn {
	p.expectOp("(")
	var cols []*SchemaColumn
	for {
		tok := p.next()
		if !tok.isName() {
			p.failNear(tok)
		}
		col := &SchemaColumn{base: at(tok), Name: tok.Value, Type: p.parseDataType()}
		if path := p.peek(); path.Kind == TokenString {
			p.next()
			col.Path = path.Value
		}
		if p.peek().IsKeyword("AS") && p.peekN(1).IsWord("JSON") {
			p.next()
			p.next()
			col.AsJSON = true
		}
		cols = append(cols, col)
		if !p.acceptOp(",") {
			break
		}
	}
	p.expectOp(")")
	return cols
}

// parseParenTableSource handles the three things a parenthesis can open in a
// FROM clause: a derived table, a VALUES constructor or a nested join.
func (p *parser) parseParenTableSource() TableSource {
	open := p.peek()

	var pq *ParenQuery
	switch {
	case p.peekN(1).IsKeyword("SELECT"):
		pq = p.parseParenQuery()
	case p.queryAhead():
		p.try(func() { pq = p.parseParenQuery() })
	}
	if pq != nil {
		derived := &DerivedTable{base: at(open), Query: pq.Query}
		derived.Alias = p.parseTableAlias()
		if p.peek().IsOp("(") {
			derived.Columns = p.parseNameList()
		}
		return derived
	}

	if p.peekN(1).IsKeyword("VALUES") {
		p.next()
		p.next()
		vt := &ValuesTable{base: at(open)}
		for {
			p.expectOp("(")
			vt.Rows = append(vt.Rows, p.parseExprList())
			p.expectOp(")")
			if !p.acceptOp(",") {
				break
			}
		}
		p.expectOp(")")
		vt.Alias = p.parseTableAlias()
		if p.peek().IsOp("(") {
			vt.Columns = p.parseNameList()
		}
		return vt
	}

	p.expectOp("(")
	inner := p.parseJoinedTable()
	p.expectOp(")")
	return inner
}

// parseTableAlias parses an optional [AS] alias after a table source.
func (p *parser) parseTableAlias() string {
	return p.parseAlias(false)
}

// skipOptionalColumns consumes a column alias list if present.
func (p *parser) skipOptionalColumns() {
	if p.peek().IsOp("(") {
		p.parseNameList()
	}
}

// parsePivot parses PIVOT (agg(col) FOR col IN (...)) AS alias or
// UNPIVOT (value FOR col IN (...)) AS alias.
func (p *parser) parsePivot(src TableSource, unpivot bool) *PivotTable {
	tok := p.next()
	pt := &PivotTable{base: at(tok), Source: src, Unpivot: unpivot}
	p.expectOp("(")
	if unpivot {
		v := p.next()
		if !v.isName() {
			p.failNear(v)
		}
		pt.Value = v.Value
	} else {
		pt.Aggregate = p.parseExpr()
	}
	p.expectKeyword("FOR")
	col := p.next()
	if !col.isName() {
		p.failNear(col)
	}
	pt.Column = col.Value
	p.expectKeyword("IN")
	pt.In = p.parseNameList()
	p.expectOp(")")
	pt.Alias = p.parseTableAlias()
	return pt
}

// parseGroupBy parses the GROUP BY list, including ROLLUP, CUBE, GROUPING
// SETS and the legacy WITH ROLLUP / WITH CUBE suffix.
func (p *parser) parseGroupBy() []Expr {
	p.acceptKeyword("ALL")
	var items []Expr
	for {
		tok := p.peek()
		switch {
		case tok.IsWord("GROUPING") && p.peekN(1).IsWord("SETS"):
			p.next()
			p.next()
			items = append(items, &FunctionCall{
				base: at(tok),
				Name: &ObjectName{base: at(tok), Parts: []string{"GROUPING SETS"}},
				Args: p.parseGroupingElements(),
			})
		case (tok.IsWord("ROLLUP") || tok.IsWord("CUBE")) && p.peekN(1).IsOp("("):
			p.next()
			items = append(items, &FunctionCall{
				base: at(tok),
				Name: &ObjectName{base: at(tok), Parts: []string{strings.ToUpper(tok.Value)}},
				Args: p.parseGroupingElements(),
			})
		default:
			items = append(items, p.parseExpr())
		}
		if !p.acceptOp(",") {
			break
		}
	}
	if p.peek().IsKeyword("WITH") && (p.peekN(1).IsWord("ROLLUP") || p.peekN(1).IsWord("CUBE")) {
		p.next()
		p.next()
	}
	return items
}

// parseGroupingElements parses ( element [, element ...] ) where an element
// is an expression, a parenthesised list, or () for the grand total.
func (p *parser) parseGroupingElements() []Expr {
	p.expectOp("(")
	var elems []Expr
	for {
		tok := p.peek()
		switch {
		case tok.IsOp("(") && p.peekN(1).IsOp(")"):
			p.next()
			p.next()
			elems = append(elems, &GroupingSet{base: at(tok)})
		case tok.IsWord("ROLLUP"), tok.IsWord("CUBE"):
			p.next()
			elems = append(elems, &FunctionCall{
				base: at(tok),
				Name: &ObjectName{base: at(tok), Parts: []string{strings.ToUpper(tok.Value)}},
				Args: p.parseGroupingElements(),
			})
		case tok.IsOp("("):
			var set *GroupingSet
			if p.try(func() {
				p.next()
				set = &GroupingSet{base: at(tok), Items: p.parseExprList()}
				p.expectOp(")")
			}) && (p.peek().IsOp(",") || p.peek().IsOp(")")) {
				elems = append(elems, set)
			} else {
				elems = append(elems, p.parseExpr())
			}
		default:
			elems = append(elems, p.parseExpr())
		}
		if !p.acceptOp(",") {
			break
		}
	}
	p.expectOp(")")
	return elems
}
