package litedb

import (
	"context"
	"fmt"
	"strconv"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/seawire/anchor/dialect"
)

// Execute implements dialect.Conn. The statement is parsed with the
// PostgreSQL grammar and interpreted against the store.
func (c *Conn) Execute(ctx context.Context, stmt string, args []any) (*dialect.Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := pg_query.Parse(stmt)
	if err != nil {
		return nil, fmt.Errorf("litedb: parsing %q: %w", stmt, err)
	}
	if len(result.Stmts) != 1 {
		return nil, fmt.Errorf("litedb: expected one statement, got %d", len(result.Stmts))
	}

	node := result.Stmts[0].Stmt
	switch {
	case node.GetCreateStmt() != nil:
		return c.execCreate(node.GetCreateStmt())
	case node.GetDropStmt() != nil:
		return c.execDrop(node.GetDropStmt())
	case node.GetInsertStmt() != nil:
		return c.execInsert(node.GetInsertStmt(), args)
	case node.GetSelectStmt() != nil:
		return c.execSelect(node.GetSelectStmt(), args)
	case node.GetUpdateStmt() != nil:
		return c.execUpdate(node.GetUpdateStmt(), args)
	case node.GetDeleteStmt() != nil:
		return c.execDelete(node.GetDeleteStmt(), args)
	default:
		return nil, fmt.Errorf("litedb: unsupported statement: %s", stmt)
	}
}

func (c *Conn) execCreate(stmt *pg_query.CreateStmt) (*dialect.Rows, error) {
	table := stmt.GetRelation().GetRelname()
	if table == "" {
		return nil, fmt.Errorf("litedb: CREATE TABLE without a table name")
	}
	if _, exists, err := c.get(schemaPrefix + table); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("litedb: table %s already exists", table)
	}

	var columns []string
	for _, elt := range stmt.GetTableElts() {
		if colDef := elt.GetColumnDef(); colDef != nil {
			columns = append(columns, colDef.GetColname())
		}
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("litedb: table %s has no columns", table)
	}

	enc, err := encodeStrings(columns)
	if err != nil {
		return nil, err
	}
	if err := c.set(schemaPrefix+table, enc); err != nil {
		return nil, err
	}
	return &dialect.Rows{Status: "CREATE TABLE"}, nil
}

func (c *Conn) execDrop(stmt *pg_query.DropStmt) (*dialect.Rows, error) {
	for _, obj := range stmt.GetObjects() {
		items := obj.GetList().GetItems()
		if len(items) == 0 {
			continue
		}
		table := items[len(items)-1].GetString_().GetSval()
		if _, exists, err := c.get(schemaPrefix + table); err != nil {
			return nil, err
		} else if !exists {
			if stmt.GetMissingOk() {
				continue
			}
			return nil, fmt.Errorf("litedb: table %s does not exist", table)
		}
		keys, _, err := c.scan(rowPrefix + table + "/")
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if err := c.delete(k); err != nil {
				return nil, err
			}
		}
		if err := c.delete(seqPrefix + table); err != nil {
			return nil, err
		}
		if err := c.delete(schemaPrefix + table); err != nil {
			return nil, err
		}
	}
	return &dialect.Rows{Status: "DROP TABLE"}, nil
}

func (c *Conn) execInsert(stmt *pg_query.InsertStmt, args []any) (*dialect.Rows, error) {
	table := stmt.GetRelation().GetRelname()
	schema, err := c.schema(table)
	if err != nil {
		return nil, err
	}

	cols := make([]string, 0, len(stmt.GetCols()))
	for _, col := range stmt.GetCols() {
		cols = append(cols, col.GetResTarget().GetName())
	}
	if len(cols) == 0 {
		cols = schema
	}

	sel := stmt.GetSelectStmt().GetSelectStmt()
	lists := sel.GetValuesLists()
	if len(lists) == 0 {
		return nil, fmt.Errorf("litedb: INSERT without VALUES is not supported")
	}

	inserted := 0
	for _, list := range lists {
		items := list.GetList().GetItems()
		if len(items) != len(cols) {
			return nil, fmt.Errorf("litedb: INSERT has %d values for %d columns", len(items), len(cols))
		}
		row := make([]any, len(schema))
		for i, item := range items {
			v, err := c.eval(item, args, nil, nil)
			if err != nil {
				return nil, err
			}
			idx := indexOf(schema, cols[i])
			if idx < 0 {
				return nil, fmt.Errorf("litedb: table %s has no column %s", table, cols[i])
			}
			row[idx] = v
		}
		id, err := c.nextRowID(table)
		if err != nil {
			return nil, err
		}
		enc, err := encodeRow(row)
		if err != nil {
			return nil, err
		}
		if err := c.set(rowKey(table, id), enc); err != nil {
			return nil, err
		}
		inserted++
	}
	return &dialect.Rows{Status: fmt.Sprintf("INSERT 0 %d", inserted)}, nil
}

func (c *Conn) execSelect(stmt *pg_query.SelectStmt, args []any) (*dialect.Rows, error) {
	if len(stmt.GetFromClause()) == 0 {
		// Expression-only select, e.g. SELECT 1.
		var cols []string
		var vals []any
		for i, target := range stmt.GetTargetList() {
			rt := target.GetResTarget()
			v, err := c.eval(rt.GetVal(), args, nil, nil)
			if err != nil {
				return nil, err
			}
			cols = append(cols, targetName(rt, i))
			vals = append(vals, v)
		}
		return &dialect.Rows{Columns: cols, Values: [][]any{vals}, Status: "SELECT 1"}, nil
	}

	table := stmt.GetFromClause()[0].GetRangeVar().GetRelname()
	schema, rows, err := c.tableRows(table)
	if err != nil {
		return nil, err
	}

	// Resolve the projection first: either * or named targets.
	star := false
	var targets []*pg_query.ResTarget
	for _, target := range stmt.GetTargetList() {
		rt := target.GetResTarget()
		if ref := rt.GetVal().GetColumnRef(); ref != nil {
			fields := ref.GetFields()
			if len(fields) > 0 && fields[len(fields)-1].GetAStar() != nil {
				star = true
				continue
			}
		}
		targets = append(targets, rt)
	}

	var outCols []string
	if star {
		outCols = append(outCols, schema...)
	}
	for i, rt := range targets {
		outCols = append(outCols, targetName(rt, i))
	}

	out := &dialect.Rows{Columns: outCols}
	for _, row := range rows {
		match, err := c.matches(stmt.GetWhereClause(), args, schema, row)
		if err != nil {
			return nil, err
		}
		if !match {
			continue
		}
		vals := make([]any, 0, len(outCols))
		if star {
			vals = append(vals, row...)
		}
		for _, rt := range targets {
			v, err := c.eval(rt.GetVal(), args, schema, row)
			if err != nil {
				return nil, err
			}
			vals = append(vals, v)
		}
		out.Values = append(out.Values, vals)
	}
	out.Status = fmt.Sprintf("SELECT %d", len(out.Values))
	return out, nil
}

func (c *Conn) execUpdate(stmt *pg_query.UpdateStmt, args []any) (*dialect.Rows, error) {
	table := stmt.GetRelation().GetRelname()
	schema, err := c.schema(table)
	if err != nil {
		return nil, err
	}
	keys, vals, err := c.scan(rowPrefix + table + "/")
	if err != nil {
		return nil, err
	}

	updated := 0
	for i, key := range keys {
		row, err := decodeRow(vals[i])
		if err != nil {
			return nil, err
		}
		match, err := c.matches(stmt.GetWhereClause(), args, schema, row)
		if err != nil {
			return nil, err
		}
		if !match {
			continue
		}
		// SET expressions see the row's values before any assignment.
		next := append([]any(nil), row...)
		for _, target := range stmt.GetTargetList() {
			rt := target.GetResTarget()
			idx := indexOf(schema, rt.GetName())
			if idx < 0 {
				return nil, fmt.Errorf("litedb: table %s has no column %s", table, rt.GetName())
			}
			v, err := c.eval(rt.GetVal(), args, schema, row)
			if err != nil {
				return nil, err
			}
			next[idx] = v
		}
		enc, err := encodeRow(next)
		if err != nil {
			return nil, err
		}
		if err := c.set(key, enc); err != nil {
			return nil, err
		}
		updated++
	}
	return &dialect.Rows{Status: fmt.Sprintf("UPDATE %d", updated)}, nil
}

func (c *Conn) execDelete(stmt *pg_query.DeleteStmt, args []any) (*dialect.Rows, error) {
	table := stmt.GetRelation().GetRelname()
	schema, err := c.schema(table)
	if err != nil {
		return nil, err
	}
	keys, vals, err := c.scan(rowPrefix + table + "/")
	if err != nil {
		return nil, err
	}

	deleted := 0
	for i, key := range keys {
		row, err := decodeRow(vals[i])
		if err != nil {
			return nil, err
		}
		match, err := c.matches(stmt.GetWhereClause(), args, schema, row)
		if err != nil {
			return nil, err
		}
		if !match {
			continue
		}
		if err := c.delete(key); err != nil {
			return nil, err
		}
		deleted++
	}
	return &dialect.Rows{Status: fmt.Sprintf("DELETE %d", deleted)}, nil
}

func (c *Conn) schema(table string) ([]string, error) {
	if table == "" {
		return nil, fmt.Errorf("litedb: statement without a table name")
	}
	enc, ok, err := c.get(schemaPrefix + table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("litedb: table %s does not exist", table)
	}
	return decodeStrings(enc)
}

func (c *Conn) tableRows(table string) ([]string, [][]any, error) {
	schema, err := c.schema(table)
	if err != nil {
		return nil, nil, err
	}
	_, vals, err := c.scan(rowPrefix + table + "/")
	if err != nil {
		return nil, nil, err
	}
	rows := make([][]any, len(vals))
	for i, v := range vals {
		if rows[i], err = decodeRow(v); err != nil {
			return nil, nil, err
		}
	}
	return schema, rows, nil
}

func (c *Conn) nextRowID(table string) (int64, error) {
	var id int64
	if enc, ok, err := c.get(seqPrefix + table); err != nil {
		return 0, err
	} else if ok {
		if id, err = decodeInt(enc); err != nil {
			return 0, err
		}
	}
	id++
	enc, err := encodeInt(id)
	if err != nil {
		return 0, err
	}
	if err := c.set(seqPrefix+table, enc); err != nil {
		return 0, err
	}
	return id, nil
}

func rowKey(table string, id int64) string {
	return fmt.Sprintf("%s%s/%016d", rowPrefix, table, id)
}

// matches evaluates a WHERE clause against one row. A nil clause matches.
func (c *Conn) matches(where *pg_query.Node, args []any, schema []string, row []any) (bool, error) {
	if where == nil {
		return true, nil
	}
	v, err := c.eval(where, args, schema, row)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("litedb: WHERE clause is not boolean")
	}
	return b, nil
}

// eval interprets an expression node. schema and row may be nil when no row
// context exists, e.g. in VALUES lists.
func (c *Conn) eval(node *pg_query.Node, args []any, schema []string, row []any) (any, error) {
	switch {
	case node == nil:
		return nil, fmt.Errorf("litedb: empty expression")

	case node.GetAConst() != nil:
		return constValue(node.GetAConst())

	case node.GetParamRef() != nil:
		n := int(node.GetParamRef().GetNumber())
		if n < 1 || n > len(args) {
			return nil, fmt.Errorf("litedb: parameter $%d out of range", n)
		}
		return args[n-1], nil

	case node.GetColumnRef() != nil:
		fields := node.GetColumnRef().GetFields()
		if len(fields) == 0 {
			return nil, fmt.Errorf("litedb: empty column reference")
		}
		name := fields[len(fields)-1].GetString_().GetSval()
		idx := indexOf(schema, name)
		if idx < 0 || idx >= len(row) {
			return nil, fmt.Errorf("litedb: unknown column %s", name)
		}
		return row[idx], nil

	case node.GetTypeCast() != nil:
		return c.eval(node.GetTypeCast().GetArg(), args, schema, row)

	case node.GetBoolExpr() != nil:
		be := node.GetBoolExpr()
		and := be.GetBoolop() == pg_query.BoolExprType_AND_EXPR
		if !and && be.GetBoolop() != pg_query.BoolExprType_OR_EXPR {
			return nil, fmt.Errorf("litedb: unsupported boolean operator")
		}
		for _, arg := range be.GetArgs() {
			v, err := c.eval(arg, args, schema, row)
			if err != nil {
				return nil, err
			}
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("litedb: boolean operand is not boolean")
			}
			if and && !b {
				return false, nil
			}
			if !and && b {
				return true, nil
			}
		}
		return and, nil

	case node.GetAExpr() != nil:
		ae := node.GetAExpr()
		if ae.GetKind() != pg_query.A_Expr_Kind_AEXPR_OP {
			return nil, fmt.Errorf("litedb: unsupported expression kind")
		}
		var op string
		if len(ae.GetName()) > 0 {
			op = ae.GetName()[0].GetString_().GetSval()
		}
		left, err := c.eval(ae.GetLexpr(), args, schema, row)
		if err != nil {
			return nil, err
		}
		right, err := c.eval(ae.GetRexpr(), args, schema, row)
		if err != nil {
			return nil, err
		}
		return applyOp(op, left, right)

	default:
		return nil, fmt.Errorf("litedb: unsupported expression")
	}
}

func constValue(c *pg_query.A_Const) (any, error) {
	switch {
	case c.GetIsnull():
		return nil, nil
	case c.GetIval() != nil:
		return int64(c.GetIval().GetIval()), nil
	case c.GetFval() != nil:
		return strconv.ParseFloat(c.GetFval().GetFval(), 64)
	case c.GetSval() != nil:
		return c.GetSval().GetSval(), nil
	case c.GetBoolval() != nil:
		return c.GetBoolval().GetBoolval(), nil
	default:
		return nil, fmt.Errorf("litedb: unsupported constant")
	}
}

func applyOp(op string, left, right any) (any, error) {
	switch op {
	case "=":
		return compare(left, right) == 0, nil
	case "<>", "!=":
		return compare(left, right) != 0, nil
	case "<":
		return compare(left, right) < 0, nil
	case "<=":
		return compare(left, right) <= 0, nil
	case ">":
		return compare(left, right) > 0, nil
	case ">=":
		return compare(left, right) >= 0, nil
	case "+", "-", "*":
		return arith(op, left, right)
	default:
		return nil, fmt.Errorf("litedb: unsupported operator %q", op)
	}
}

// compare orders two values of the same general kind. Mixed numeric kinds
// compare as float64; everything else compares by string form.
func compare(a, b any) int {
	af, aNum := asFloat(a)
	bf, bNum := asFloat(b)
	if aNum && bNum {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as := fmt.Sprintf("%v", a)
	bs := fmt.Sprintf("%v", b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func arith(op string, a, b any) (any, error) {
	ai, aInt := asInt(a)
	bi, bInt := asInt(b)
	if aInt && bInt {
		switch op {
		case "+":
			return ai + bi, nil
		case "-":
			return ai - bi, nil
		default:
			return ai * bi, nil
		}
	}
	af, aNum := asFloat(a)
	bf, bNum := asFloat(b)
	if !aNum || !bNum {
		return nil, fmt.Errorf("litedb: arithmetic on non-numeric values")
	}
	switch op {
	case "+":
		return af + bf, nil
	case "-":
		return af - bf, nil
	default:
		return af * bf, nil
	}
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

func indexOf(schema []string, col string) int {
	for i, s := range schema {
		if s == col {
			return i
		}
	}
	return -1
}

func targetName(rt *pg_query.ResTarget, i int) string {
	if name := rt.GetName(); name != "" {
		return name
	}
	if ref := rt.GetVal().GetColumnRef(); ref != nil {
		fields := ref.GetFields()
		if len(fields) > 0 {
			if s := fields[len(fields)-1].GetString_(); s != nil {
				return s.GetSval()
			}
		}
	}
	return fmt.Sprintf("column%d", i+1)
}
