package domain

import (
	"strings"

	"github.com/guillermoBallester/sqlwarden/internal/tsql"
)

// ColumnAlias records that a result column named Alias carries the values of
// a column named Source.
type ColumnAlias struct {
	Source string
	Alias  string
}

// ExtractAliases parses a SELECT and returns every place where a plain column
// reference is renamed: select-list aliases (Email AS e, e = c.[Email]),
// single-column scalar subqueries, and the column lists of CTEs and derived
// tables. Expressions are skipped because they won't match any mask key.
// Returns nil when sql does not parse as a single SELECT.
func ExtractAliases(sql string) []ColumnAlias {
	script, diags, err := tsql.Parse(sql)
	if err != nil || len(diags) > 0 || script == nil {
		return nil
	}
	stmts := script.Statements()
	if len(stmts) != 1 {
		return nil
	}
	sel, ok := stmts[0].(*tsql.SelectStatement)
	if !ok {
		return nil
	}

	var c aliasCollector
	if sel.With != nil {
		for _, cte := range sel.With.CTEs {
			c.query(cte.Query)
			c.columnList(cte.Query, cte.Columns)
		}
	}
	c.query(sel.Query)
	return c.out
}

type aliasCollector struct {
	out []ColumnAlias
}

func (c *aliasCollector) add(source, alias string) {
	if source == "" || alias == "" || strings.EqualFold(source, alias) {
		return
	}
	c.out = append(c.out, ColumnAlias{Source: source, Alias: alias})
}

func (c *aliasCollector) query(q tsql.QueryExpression) {
	switch q := q.(type) {
	case *tsql.QuerySpecification:
		for _, el := range q.Select {
			se, ok := el.(*tsql.SelectExpr)
			if !ok {
				continue
			}
			if sub, ok := unparen(se.Expr).(*tsql.SubqueryExpr); ok {
				c.query(sub.Query)
			}
			c.add(sourceColumn(se.Expr), se.Alias)
		}
		for _, src := range q.From {
			c.table(src)
		}
	case *tsql.BinaryQuery:
		c.query(q.Left)
		c.query(q.Right)
	case *tsql.ParenQuery:
		c.query(q.Query)
	case *tsql.OrderedQuery:
		c.query(q.Query)
	}
}

func (c *aliasCollector) table(src tsql.TableSource) {
	switch t := src.(type) {
	case *tsql.DerivedTable:
		c.query(t.Query)
		c.columnList(t.Query, t.Columns)
	case *tsql.JoinTable:
		c.table(t.Left)
		c.table(t.Right)
	case *tsql.PivotTable:
		c.table(t.Source)
	}
}

// columnList maps an explicit column list, as in WITH x(a, b) AS (...), onto
// the output columns of q by position.
func (c *aliasCollector) columnList(q tsql.QueryExpression, columns []string) {
	if len(columns) == 0 {
		return
	}
	spec := tsql.FirstSpecification(q)
	if spec == nil {
		return
	}
	for i, el := range spec.Select {
		if i >= len(columns) {
			return
		}
		se, ok := el.(*tsql.SelectExpr)
		if !ok {
			continue
		}
		name := se.Alias
		if name == "" {
			name = sourceColumn(se.Expr)
		}
		c.add(name, columns[i])
	}
}

// sourceColumn returns the column name an expression passes through
// unchanged, or "" when it computes something.
func sourceColumn(e tsql.Expr) string {
	switch e := unparen(e).(type) {
	case *tsql.ColumnRef:
		if len(e.Parts) == 0 {
			return ""
		}
		return e.Parts[len(e.Parts)-1]
	case *tsql.SubqueryExpr:
		spec := tsql.FirstSpecification(e.Query)
		if spec == nil || len(spec.Select) != 1 {
			return ""
		}
		se, ok := spec.Select[0].(*tsql.SelectExpr)
		if !ok {
			return ""
		}
		if se.Alias != "" {
			return se.Alias
		}
		return sourceColumn(se.Expr)
	}
	return ""
}

func unparen(e tsql.Expr) tsql.Expr {
	for {
		p, ok := e.(*tsql.ParenExpr)
		if !ok {
			return e
		}
		e = p.X
	}
}

// MasksForQuery extends masks with the aliases sql gives to masked columns,
// so SELECT Email AS e still masks e. Renames are followed transitively
// (a CTE alias renamed again by the outer query). masks is not modified.
func MasksForQuery(masks map[string]MaskType, sql string) map[string]MaskType {
	if len(masks) == 0 {
		return masks
	}
	aliases := ExtractAliases(sql)
	if len(aliases) == 0 {
		return masks
	}

	folded := make(map[string]MaskType, len(masks)+len(aliases))
	for col, mt := range masks {
		folded[strings.ToLower(col)] = mt
	}
	for changed := true; changed; {
		changed = false
		for _, a := range aliases {
			mt, ok := folded[strings.ToLower(a.Source)]
			if !ok {
				continue
			}
			key := strings.ToLower(a.Alias)
			if _, done := folded[key]; !done {
				folded[key] = mt
				changed = true
			}
		}
	}
	return folded
}
