package usecase

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xwb1989/sqlparser"
)

// rawInspection is everything the guard and analyzer need to know about a
// raw SQL statement, derived from the parsed AST rather than string
// matching. The configured regex deny-list is a separate, narrower check.
type rawInspection struct {
	Normalized     string
	Kind           string // select, insert, update, delete, other
	Tables         []string
	Columns        []string
	JoinCount      int
	MultiStatement bool

	// AssignsTenantID is true when the statement tries to set tenant_id
	// through an UPDATE assignment or INSERT column list.
	AssignsTenantID bool

	// HasTenantPredicate is true when the WHERE clause constrains tenant_id
	// with an equality comparison that is a top-level conjunct, on every
	// branch of a union. A comparison inside an OR, a subquery or a single
	// union branch does not constrain the result set and does not count.
	HasTenantPredicate bool

	// TenantLiterals are literal values equality-compared to tenant_id.
	TenantLiterals []string

	// TenantParamOrdinals are zero-based indexes of positional parameters
	// equality-compared to tenant_id.
	TenantParamOrdinals []int
}

const tenantColumn = "tenant_id"

// inspectRaw parses sql and extracts the structural facts enforcement needs.
// A statement that does not parse is returned as an error; the guard fails
// closed on it.
func inspectRaw(sql string) (rawInspection, error) {
	var ins rawInspection

	pieces, err := sqlparser.SplitStatementToPieces(sql)
	if err != nil {
		return ins, fmt.Errorf("split raw query: %w", err)
	}
	if len(pieces) > 1 {
		ins.MultiStatement = true
		sql = pieces[0]
	}

	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return ins, fmt.Errorf("parse raw query: %w", err)
	}

	switch stmt.(type) {
	case *sqlparser.Select, *sqlparser.Union:
		ins.Kind = "select"
	case *sqlparser.Insert:
		ins.Kind = "insert"
	case *sqlparser.Update:
		ins.Kind = "update"
	case *sqlparser.Delete:
		ins.Kind = "delete"
	default:
		// DDL, SET, SHOW, USE, transaction control: never allowed raw.
		ins.Kind = "other"
	}

	ins.Normalized = normalizeStatement(stmt)
	collectStructure(stmt, &ins)
	return ins, nil
}

// normalizeStatement renders the statement with every literal replaced by a
// placeholder, so structurally identical queries normalize identically.
func normalizeStatement(stmt sqlparser.Statement) string {
	buf := sqlparser.NewTrackedBuffer(func(buf *sqlparser.TrackedBuffer, node sqlparser.SQLNode) {
		if _, ok := node.(*sqlparser.SQLVal); ok {
			buf.WriteByte('?')
			return
		}
		node.Format(buf)
	})
	buf.Myprintf("%v", stmt)
	return strings.Join(strings.Fields(buf.String()), " ")
}

func collectStructure(stmt sqlparser.Statement, ins *rawInspection) {
	seenTables := map[string]bool{}
	seenColumns := map[string]bool{}

	addTable := func(name sqlparser.TableName) {
		table := name.Name.String()
		if table != "" && !seenTables[table] {
			seenTables[table] = true
			ins.Tables = append(ins.Tables, table)
		}
	}

	switch s := stmt.(type) {
	case *sqlparser.Insert:
		addTable(s.Table)
		for _, col := range s.Columns {
			colName := col.Lowered()
			if colName == tenantColumn {
				ins.AssignsTenantID = true
			}
			if !seenColumns[colName] {
				seenColumns[colName] = true
				ins.Columns = append(ins.Columns, colName)
			}
		}
	case *sqlparser.Update:
		for _, expr := range s.Exprs {
			if expr.Name.Name.EqualString(tenantColumn) {
				ins.AssignsTenantID = true
			}
		}
		ins.HasTenantPredicate = whereTenantPredicate(s.Where, ins)
	case *sqlparser.Delete:
		ins.HasTenantPredicate = whereTenantPredicate(s.Where, ins)
	case sqlparser.SelectStatement:
		ins.HasTenantPredicate = selectTenantPredicate(s, ins)
	}

	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		switch n := node.(type) {
		case *sqlparser.AliasedTableExpr:
			if name, ok := n.Expr.(sqlparser.TableName); ok {
				addTable(name)
			}
		case *sqlparser.JoinTableExpr:
			ins.JoinCount++
		case *sqlparser.ColName:
			colName := n.Name.Lowered()
			if !seenColumns[colName] {
				seenColumns[colName] = true
				ins.Columns = append(ins.Columns, colName)
			}
		}
		return true, nil
	}, stmt)
}

// selectTenantPredicate reports whether every branch of a select constrains
// tenant_id. A union where only one branch carries the predicate still
// exposes the other branch's rows, so all branches must pass.
func selectTenantPredicate(stmt sqlparser.SelectStatement, ins *rawInspection) bool {
	switch s := stmt.(type) {
	case *sqlparser.Select:
		return whereTenantPredicate(s.Where, ins)
	case *sqlparser.Union:
		left := selectTenantPredicate(s.Left, ins)
		right := selectTenantPredicate(s.Right, ins)
		return left && right
	case *sqlparser.ParenSelect:
		return selectTenantPredicate(s.Select, ins)
	}
	return false
}

func whereTenantPredicate(where *sqlparser.Where, ins *rawInspection) bool {
	if where == nil {
		return false
	}
	return conjunctTenantPredicate(where.Expr, ins)
}

// conjunctTenantPredicate descends only through AND and parentheses: a
// tenant comparison reachable that way constrains every returned row, while
// one hidden behind an OR branch or inside a subquery does not.
func conjunctTenantPredicate(expr sqlparser.Expr, ins *rawInspection) bool {
	switch e := expr.(type) {
	case *sqlparser.AndExpr:
		left := conjunctTenantPredicate(e.Left, ins)
		right := conjunctTenantPredicate(e.Right, ins)
		return left || right
	case *sqlparser.ParenExpr:
		return conjunctTenantPredicate(e.Expr, ins)
	case *sqlparser.ComparisonExpr:
		return tenantComparison(e, ins)
	}
	return false
}

// tenantComparison records an equality comparison against tenant_id so the
// guard can verify the bound value matches the calling context.
func tenantComparison(cmp *sqlparser.ComparisonExpr, ins *rawInspection) bool {
	if cmp.Operator != sqlparser.EqualStr {
		return false
	}

	col, val := comparisonOperands(cmp)
	if col == nil || val == nil || !col.Name.EqualString(tenantColumn) {
		return false
	}

	switch val.Type {
	case sqlparser.StrVal:
		ins.TenantLiterals = append(ins.TenantLiterals, string(val.Val))
		return true
	case sqlparser.ValArg:
		if ordinal, ok := paramOrdinal(string(val.Val)); ok {
			ins.TenantParamOrdinals = append(ins.TenantParamOrdinals, ordinal)
			return true
		}
	}
	return false
}

func comparisonOperands(cmp *sqlparser.ComparisonExpr) (*sqlparser.ColName, *sqlparser.SQLVal) {
	if col, ok := cmp.Left.(*sqlparser.ColName); ok {
		if val, ok := cmp.Right.(*sqlparser.SQLVal); ok {
			return col, val
		}
	}
	if col, ok := cmp.Right.(*sqlparser.ColName); ok {
		if val, ok := cmp.Left.(*sqlparser.SQLVal); ok {
			return col, val
		}
	}
	return nil, nil
}

// paramOrdinal converts the parser's ":v1"-style placeholder names to the
// zero-based index of the caller-supplied parameter.
func paramOrdinal(arg string) (int, bool) {
	if !strings.HasPrefix(arg, ":v") {
		return 0, false
	}
	n, err := strconv.Atoi(arg[2:])
	if err != nil || n < 1 {
		return 0, false
	}
	return n - 1, true
}
