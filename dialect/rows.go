package dialect

import "context"

// Rows is a fully buffered query result.
type Rows struct {
	// Columns holds result column names in select order.
	Columns []string
	// Values holds one slice of column values per row.
	Values [][]any
	// Status is the backend's command tag, e.g. "UPDATE 3".
	Status string
}

// Len returns the number of rows.
func (r *Rows) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Values)
}

// Row returns the i-th row as a Row view sharing the column header.
func (r *Rows) Row(i int) Row {
	return Row{Columns: r.Columns, Values: r.Values[i]}
}

// Row is a single result row paired with its column names.
type Row struct {
	Columns []string
	Values  []any
}

// Value returns the value of the named column and whether it exists.
func (r Row) Value(name string) (any, bool) {
	for i, c := range r.Columns {
		if c == name {
			return r.Values[i], true
		}
	}
	return nil, false
}

// Index returns the value at column position i, or nil if out of range.
func (r Row) Index(i int) any {
	if i < 0 || i >= len(r.Values) {
		return nil
	}
	return r.Values[i]
}

// rowsCursor adapts buffered Rows to the Cursor interface for drivers whose
// results are never streamed.
type rowsCursor struct {
	rows *Rows
	pos  int
}

// NewRowsCursor wraps buffered rows in a Cursor.
func NewRowsCursor(rows *Rows) Cursor {
	return &rowsCursor{rows: rows}
}

func (c *rowsCursor) Next(ctx context.Context) (Row, bool, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, false, err
	}
	if c.rows == nil || c.pos >= c.rows.Len() {
		return Row{}, false, nil
	}
	row := c.rows.Row(c.pos)
	c.pos++
	return row, true, nil
}

func (c *rowsCursor) Close(ctx context.Context) error {
	c.rows = nil
	return nil
}
