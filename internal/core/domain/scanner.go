package domain

import (
	"fmt"

	"github.com/guillermoBallester/sqlwarden/internal/tsql"
)

const (
	msgLinkedServer = "Linked server references (four-part names) are not allowed."
	msgMaxRecursion = "MAXRECURSION hint is not allowed. The default recursion limit (100) applies."
)

// scan walks the tree in source order and returns the first forbidden
// construct as a *Rejection. A node type it does not know is an internal
// error: new node kinds must be classified here before they can be accepted.
func scan(n tsql.Node) error {
	switch n := n.(type) {
	case *tsql.Script:
		for _, b := range n.Batches {
			if err := scan(b); err != nil {
				return err
			}
		}
		return nil
	case *tsql.Batch:
		return scanStatements(n.Statements)

	case *tsql.SelectStatement:
		if n.With != nil {
			if err := scan(n.With); err != nil {
				return err
			}
		}
		if err := scan(n.Query); err != nil {
			return err
		}
		for _, h := range n.Options {
			if err := scan(h); err != nil {
				return err
			}
		}
		return nil
	case *tsql.OtherStatement:
		if n.With != nil {
			return scan(n.With)
		}
		return nil
	case *tsql.WithClause:
		for _, cte := range n.CTEs {
			if err := scan(cte); err != nil {
				return err
			}
		}
		return nil
	case *tsql.CommonTableExpr:
		return scan(n.Query)
	case *tsql.OptimizerHint:
		if n.Kind == tsql.HintMaxRecursion {
			return reject(CodeForbiddenConstruct, msgMaxRecursion)
		}
		return nil

	// Query expressions.
	case *tsql.QuerySpecification:
		if n.Top != nil {
			if err := scan(n.Top); err != nil {
				return err
			}
		}
		for _, el := range n.Select {
			if err := scan(el); err != nil {
				return err
			}
		}
		for _, src := range n.From {
			if err := scan(src); err != nil {
				return err
			}
		}
		return scanExprs(n.Where, scanList(n.GroupBy), n.Having)
	case *tsql.BinaryQuery:
		if err := scan(n.Left); err != nil {
			return err
		}
		return scan(n.Right)
	case *tsql.ParenQuery:
		return scan(n.Query)
	case *tsql.OrderedQuery:
		if err := scan(n.Query); err != nil {
			return err
		}
		for _, item := range n.OrderBy {
			if err := scan(item); err != nil {
				return err
			}
		}
		if err := scanExprs(n.Offset, n.Fetch); err != nil {
			return err
		}
		if n.For != nil {
			return scan(n.For)
		}
		return nil
	case *tsql.TopClause:
		return scanExprs(n.Count)
	case *tsql.OrderItem:
		return scanExprs(n.Expr)
	case *tsql.ForClause:
		return nil

	// Select list.
	case *tsql.SelectStar:
		return nil
	case *tsql.SelectExpr:
		return scanExprs(n.Expr)
	case *tsql.SelectAssign:
		return scanExprs(n.Expr)

	// Table sources.
	case *tsql.NamedTable:
		if _, linked := n.Name.Server(); linked {
			return reject(CodeForbiddenConstruct, msgLinkedServer)
		}
		return nil
	case *tsql.FunctionTable:
		if _, linked := n.Name.Server(); linked {
			return reject(CodeForbiddenConstruct, msgLinkedServer)
		}
		return scanExprs(scanList(n.Args))
	case *tsql.DerivedTable:
		return scan(n.Query)
	case *tsql.ValuesTable:
		for _, row := range n.Rows {
			if err := scanExprs(scanList(row)); err != nil {
				return err
			}
		}
		return nil
	case *tsql.VariableTable:
		return nil
	case *tsql.JoinTable:
		if err := scan(n.Left); err != nil {
			return err
		}
		if err := scan(n.Right); err != nil {
			return err
		}
		return scanExprs(n.On)
	case *tsql.PivotTable:
		if err := scan(n.Source); err != nil {
			return err
		}
		return scanExprs(n.Aggregate)
	case *tsql.OpenRowset:
		return reject(CodeForbiddenConstruct, "OPENROWSET is not allowed.")
	case *tsql.OpenQuery:
		return reject(CodeForbiddenConstruct, "OPENQUERY is not allowed.")
	case *tsql.OpenDataSource:
		return reject(CodeForbiddenConstruct, "OPENDATASOURCE is not allowed.")
	case *tsql.OpenXML:
		return reject(CodeForbiddenConstruct, "OPENXML is not allowed.")

	// Expressions.
	case *tsql.Literal, *tsql.Variable, *tsql.ColumnRef, *tsql.Star, *tsql.NextValueFor,
		*tsql.ColumnList, *tsql.GraphMatch:
		return nil
	case *tsql.FunctionCall:
		if err := scanExprs(scanList(n.Args)); err != nil {
			return err
		}
		for _, item := range n.WithinGroup {
			if err := scan(item); err != nil {
				return err
			}
		}
		if n.Over != nil {
			return scan(n.Over)
		}
		return nil
	case *tsql.OverClause:
		if err := scanExprs(scanList(n.PartitionBy)); err != nil {
			return err
		}
		for _, item := range n.OrderBy {
			if err := scan(item); err != nil {
				return err
			}
		}
		return nil
	case *tsql.MethodCall:
		return scanExprs(n.Target, scanList(n.Args))
	case *tsql.CastExpr:
		return scanExprs(n.Expr, n.Style, n.Culture)
	case *tsql.UnaryExpr:
		return scanExprs(n.X)
	case *tsql.BinaryExpr:
		return scanExprs(n.Left, n.Right)
	case *tsql.IsNullExpr:
		return scanExprs(n.X)
	case *tsql.BetweenExpr:
		return scanExprs(n.X, n.Low, n.High)
	case *tsql.InExpr:
		if err := scanExprs(n.X, scanList(n.List)); err != nil {
			return err
		}
		if n.Query != nil {
			return scan(n.Query)
		}
		return nil
	case *tsql.LikeExpr:
		return scanExprs(n.X, n.Pattern, n.Escape)
	case *tsql.ExistsExpr:
		return scan(n.Query)
	case *tsql.SubqueryExpr:
		return scan(n.Query)
	case *tsql.QuantifiedExpr:
		if err := scanExprs(n.X); err != nil {
			return err
		}
		return scan(n.Query)
	case *tsql.CaseExpr:
		if err := scanExprs(n.Operand); err != nil {
			return err
		}
		for _, w := range n.Whens {
			if err := scanExprs(w.Cond, w.Result); err != nil {
				return err
			}
		}
		return scanExprs(n.Else)
	case *tsql.CollateExpr:
		return scanExprs(n.X)
	case *tsql.AtTimeZoneExpr:
		return scanExprs(n.X, n.Zone)
	case *tsql.ParenExpr:
		return scanExprs(n.X)
	case *tsql.GroupingSet:
		return scanExprs(scanList(n.Items))
	}

	return fmt.Errorf("%w: scanner cannot classify node type %T", ErrInternal, n)
}

func scanStatements(stmts []tsql.Statement) error {
	for _, s := range stmts {
		if err := scan(s); err != nil {
			return err
		}
	}
	return nil
}

// exprList lets a slice of expressions stand in scanExprs' argument list.
type exprList []tsql.Expr

func scanList(list []tsql.Expr) exprList { return exprList(list) }

// scanExprs scans each argument in order, skipping nil expressions. An
// argument is either a tsql.Expr or an exprList.
func scanExprs(items ...any) error {
	for _, item := range items {
		switch v := item.(type) {
		case nil:
		case exprList:
			for _, e := range v {
				if err := scanExprs(e); err != nil {
					return err
				}
			}
		case tsql.Expr:
			if err := scan(v); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: scanner got %T", ErrInternal, item)
		}
	}
	return nil
}
