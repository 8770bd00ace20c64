// Package dialect defines the boundary contracts between the engine core and
// its collaborators: the driver that speaks to an actual database, the
// compiler that turns query text into an executable statement, and the pool
// that owns physical connections. The core consumes all three through these
// interfaces and implements none of them itself.
package dialect

import (
	"context"
)

// Driver produces physical connections for one database backend.
type Driver interface {
	// Name identifies the backend, e.g. "postgres", "sqlite", "litedb".
	Name() string

	// Connect opens a new physical connection.
	Connect(ctx context.Context) (Conn, error)

	// Compiler returns the statement compiler for this backend.
	Compiler() Compiler
}

// Compiler turns query text and arguments into the statement and parameters
// the backend executes. It is a pure function of its inputs.
type Compiler interface {
	Compile(text string, args []any) (string, []any, error)
}

// Conn is a single physical database connection. Drivers are assumed to be
// single-operation-at-a-time; callers serialize use.
type Conn interface {
	// Execute runs a statement and buffers the full result.
	Execute(ctx context.Context, stmt string, args []any) (*Rows, error)

	// Query runs a statement and returns a streaming cursor.
	Query(ctx context.Context, stmt string, args []any) (Cursor, error)

	// InTransaction reports whether the connection currently has an open
	// transaction. The transaction manager uses this to degrade nested
	// begins to savepoints.
	InTransaction() bool

	// Begin opens a root transaction on this connection.
	Begin(ctx context.Context, opts TxOptions) (Tx, error)

	// Savepoint opens a nested transaction scope under the current one.
	Savepoint(ctx context.Context, name string) (Tx, error)

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error

	// Close tears the physical connection down.
	Close(ctx context.Context) error
}

// Tx is an open transaction or savepoint scope on a connection.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TxOptions are passed through to the backend when beginning a root
// transaction. Zero value means backend defaults.
type TxOptions struct {
	Isolation  string
	ReadOnly   bool
	Deferrable bool
}

// Pool owns physical connections. Acquire blocks until a connection is free,
// the context expires, or the pool is closed.
type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
	Release(ctx context.Context, conn Conn) error
	Close(ctx context.Context) error
	Stat() PoolStat
}

// PoolStat is a point-in-time snapshot of pool accounting.
type PoolStat struct {
	// CheckedOut counts connections currently held by callers, overflow
	// included.
	CheckedOut int
	// CheckedIn counts idle connections sitting in the pool.
	CheckedIn int
	// Overflow counts connections currently open beyond the steady size.
	Overflow int
	// TotalOpened counts physical connections opened over the pool's
	// lifetime.
	TotalOpened int64
}

// Cursor streams rows one at a time. Close releases backend resources and is
// safe to call more than once.
type Cursor interface {
	// Next returns the next row. ok is false when the result is exhausted.
	Next(ctx context.Context) (row Row, ok bool, err error)
	Close(ctx context.Context) error
}
