package engine

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/seawire/anchor/dialect"
	"github.com/seawire/anchor/errors"
	"github.com/seawire/anchor/logger"
)

// execute compiles and runs the query on this handle's physical connection,
// materializing it first if needed.
func (c *Connection) execute(ctx context.Context, q Query) (*dialect.Rows, execOptions, error) {
	opts := q.opts.merge(c.opts)
	ctx = c.logCtx(ctx)

	dc, err := c.s.materialize(ctx)
	if err != nil {
		return nil, opts, err
	}

	eng := c.s.root().engine
	stmt, args, err := eng.compiler.Compile(q.text, q.args)
	if err != nil {
		return nil, opts, err
	}

	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}
	if eng.cfg.Echo {
		logger.InfoContext(ctx, "executing statement", "stmt", stmt)
	}

	rows, err := dc.Execute(ctx, stmt, args)
	if err != nil {
		if opts.timeout > 0 && stderrors.Is(err, context.DeadlineExceeded) {
			return nil, opts, errors.Timeout("connection.execute", err)
		}
		return nil, opts, err
	}
	return rows, opts, nil
}

func loadRow(row dialect.Row, opts execOptions) (any, error) {
	if opts.noModel || opts.loader == nil {
		return row, nil
	}
	return opts.loader.Load(row)
}

// All runs the query and returns every result row, loader applied.
func (c *Connection) All(ctx context.Context, q Query) ([]any, error) {
	rows, opts, err := c.execute(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, rows.Len())
	for i := 0; i < rows.Len(); i++ {
		v, err := loadRow(rows.Row(i), opts)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// First returns the first result row, or nil when there are none.
func (c *Connection) First(ctx context.Context, q Query) (any, error) {
	rows, opts, err := c.execute(ctx, q)
	if err != nil {
		return nil, err
	}
	if rows.Len() == 0 {
		return nil, nil
	}
	return loadRow(rows.Row(0), opts)
}

// One returns exactly one result row and errs on zero or many.
func (c *Connection) One(ctx context.Context, q Query) (any, error) {
	const op = "connection.one"
	rows, opts, err := c.execute(ctx, q)
	if err != nil {
		return nil, err
	}
	switch rows.Len() {
	case 0:
		return nil, errors.NoResult(op)
	case 1:
		return loadRow(rows.Row(0), opts)
	default:
		return nil, errors.MultipleResults(op)
	}
}

// OneOrNone returns one result row, nil when there are none, and errs when
// there are many.
func (c *Connection) OneOrNone(ctx context.Context, q Query) (any, error) {
	rows, opts, err := c.execute(ctx, q)
	if err != nil {
		return nil, err
	}
	switch rows.Len() {
	case 0:
		return nil, nil
	case 1:
		return loadRow(rows.Row(0), opts)
	default:
		return nil, errors.MultipleResults("connection.one_or_none")
	}
}

// Scalar returns the first column of the first row, or nil when the result
// is empty. No loader is applied.
func (c *Connection) Scalar(ctx context.Context, q Query) (any, error) {
	rows, _, err := c.execute(ctx, q)
	if err != nil {
		return nil, err
	}
	if rows.Len() == 0 {
		return nil, nil
	}
	return rows.Row(0).Index(0), nil
}

// Status runs the query for its side effect and returns the backend's
// command tag.
func (c *Connection) Status(ctx context.Context, q Query) (string, error) {
	rows, _, err := c.execute(ctx, q)
	if err != nil {
		return "", err
	}
	return rows.Status, nil
}

// Iterate runs the query and returns a streaming cursor over its rows. The
// cursor registers on the handle so a covering transaction closes it before
// finishing; close it explicitly otherwise.
func (c *Connection) Iterate(ctx context.Context, q Query) (*Cursor, error) {
	opts := q.opts.merge(c.opts)
	ctx = c.logCtx(ctx)

	dc, err := c.s.materialize(ctx)
	if err != nil {
		return nil, err
	}
	eng := c.s.root().engine
	stmt, args, err := eng.compiler.Compile(q.text, q.args)
	if err != nil {
		return nil, err
	}
	inner, err := dc.Query(ctx, stmt, args)
	if err != nil {
		return nil, err
	}

	cur := &Cursor{inner: inner, opts: opts}
	c.s.root().addCursor(cur)
	return cur, nil
}

// Cursor streams loaded rows from a running query.
type Cursor struct {
	inner dialect.Cursor
	opts  execOptions

	mu     sync.Mutex
	closed bool
}

// Next returns the next loaded row; ok is false once the result is
// exhausted or the cursor is closed.
func (c *Cursor) Next(ctx context.Context) (any, bool, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, false, errors.Interface("cursor.next", "cursor is closed")
	}

	row, ok, err := c.inner.Next(ctx)
	if err != nil || !ok {
		return nil, false, err
	}
	v, err := loadRow(row, c.opts)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Many returns up to n loaded rows, fewer when the result runs out.
func (c *Cursor) Many(ctx context.Context, n int) ([]any, error) {
	out := make([]any, 0, n)
	for len(out) < n {
		v, ok, err := c.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, v)
	}
	return out, nil
}

// Close releases the cursor's backend resources. Safe to call repeatedly.
func (c *Cursor) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.inner.Close(ctx)
}
