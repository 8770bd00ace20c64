// Package dialecttest provides a scripted in-memory driver for exercising
// connection lifecycle, pooling and transaction control without a database.
package dialecttest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/seawire/anchor/dialect"
)

// Driver is a fake dialect.Driver that counts connects and closes and lets
// tests script results per statement.
type Driver struct {
	mu      sync.Mutex
	results map[string]*dialect.Rows
	failOn  map[string]error

	Connects    atomic.Int64
	Closes      atomic.Int64
	ConnectErr  error
	CommitErr   error
	RollbackErr error
}

// NewDriver returns an empty fake driver.
func NewDriver() *Driver {
	return &Driver{
		results: make(map[string]*dialect.Rows),
		failOn:  make(map[string]error),
	}
}

// Script registers the result returned for an exact statement text.
func (d *Driver) Script(stmt string, rows *dialect.Rows) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results[stmt] = rows
}

// FailOn makes an exact statement text fail with the given error.
func (d *Driver) FailOn(stmt string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failOn[stmt] = err
}

// Name implements dialect.Driver.
func (d *Driver) Name() string { return "fake" }

// Compiler implements dialect.Driver with a pass-through compiler.
func (d *Driver) Compiler() dialect.Compiler { return passthrough{} }

// Connect implements dialect.Driver.
func (d *Driver) Connect(ctx context.Context) (dialect.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.ConnectErr != nil {
		return nil, d.ConnectErr
	}
	d.Connects.Add(1)
	return &Conn{driver: d, id: d.Connects.Load()}, nil
}

type passthrough struct{}

func (passthrough) Compile(text string, args []any) (string, []any, error) {
	return text, args, nil
}

// Conn is a fake physical connection. It records executed statements and
// tracks transaction depth so savepoint degradation can be asserted.
type Conn struct {
	driver *Driver
	id     int64
	closed bool

	mu         sync.Mutex
	Statements []string
	txDepth    int

	Begins     int
	Savepoints int
	Commits    int
	Rollbacks  int
}

// ID returns the connect sequence number of this connection, used by tests
// to tell physical connections apart.
func (c *Conn) ID() int64 { return c.id }

// Execute implements dialect.Conn.
func (c *Conn) Execute(ctx context.Context, stmt string, args []any) (*dialect.Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("fake conn: use after close")
	}
	c.Statements = append(c.Statements, stmt)

	c.driver.mu.Lock()
	failErr := c.driver.failOn[stmt]
	rows := c.driver.results[stmt]
	c.driver.mu.Unlock()

	if failErr != nil {
		return nil, failErr
	}
	if rows == nil {
		return &dialect.Rows{Status: "OK"}, nil
	}
	return rows, nil
}

// Query implements dialect.Conn.
func (c *Conn) Query(ctx context.Context, stmt string, args []any) (dialect.Cursor, error) {
	rows, err := c.Execute(ctx, stmt, args)
	if err != nil {
		return nil, err
	}
	return dialect.NewRowsCursor(rows), nil
}

// InTransaction implements dialect.Conn.
func (c *Conn) InTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txDepth > 0
}

// Begin implements dialect.Conn.
func (c *Conn) Begin(ctx context.Context, opts dialect.TxOptions) (dialect.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txDepth > 0 {
		return nil, fmt.Errorf("fake conn: begin inside transaction")
	}
	c.txDepth++
	c.Begins++
	return &fakeTx{conn: c}, nil
}

// Savepoint implements dialect.Conn.
func (c *Conn) Savepoint(ctx context.Context, name string) (dialect.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txDepth == 0 {
		return nil, fmt.Errorf("fake conn: savepoint outside transaction")
	}
	c.txDepth++
	c.Savepoints++
	return &fakeTx{conn: c, savepoint: name}, nil
}

// Ping implements dialect.Conn.
func (c *Conn) Ping(ctx context.Context) error { return ctx.Err() }

// Close implements dialect.Conn.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.driver.Closes.Add(1)
	return nil
}

type fakeTx struct {
	conn      *Conn
	savepoint string
	done      bool
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	if t.done {
		return fmt.Errorf("fake tx: already finished")
	}
	t.done = true
	t.conn.txDepth--
	t.conn.Commits++
	if t.conn.driver.CommitErr != nil {
		return t.conn.driver.CommitErr
	}
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	if t.done {
		return fmt.Errorf("fake tx: already finished")
	}
	t.done = true
	t.conn.txDepth--
	t.conn.Rollbacks++
	if t.conn.driver.RollbackErr != nil {
		return t.conn.driver.RollbackErr
	}
	return nil
}
