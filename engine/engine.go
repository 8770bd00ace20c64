// Package engine binds a connection pool to context.Context lineage so
// application code can implicitly borrow, reuse and release database
// connections, and layers transaction management and query helpers on top.
package engine

import (
	"context"
	"time"

	"github.com/seawire/anchor/dialect"
	"github.com/seawire/anchor/errors"
	"github.com/seawire/anchor/logger"
	"github.com/seawire/anchor/pool"
	"github.com/seawire/anchor/transaction"
)

// Engine is the entry point: one engine per database, holding the driver,
// its compiler and the pool.
type Engine struct {
	driver   dialect.Driver
	compiler dialect.Compiler
	pool     dialect.Pool
	cfg      Config
}

// New builds an engine over the driver, opening Pool.MinSize connections up
// front.
func New(ctx context.Context, driver dialect.Driver, cfg Config) (*Engine, error) {
	if driver == nil {
		return nil, errors.Uninitialized("engine.new", "no driver configured")
	}
	p, err := pool.New(driver, cfg.Pool)
	if err != nil {
		return nil, err
	}
	if err := p.Warm(ctx); err != nil {
		_ = p.Close(ctx)
		return nil, err
	}
	logger.Info("engine ready", "dialect", driver.Name(), "pool_max", cfg.Pool.MaxSize)
	return &Engine{driver: driver, compiler: driver.Compiler(), pool: p, cfg: cfg}, nil
}

// Close disposes the pool. Held connections drain as they are released.
func (e *Engine) Close(ctx context.Context) error {
	return e.pool.Close(ctx)
}

// Stat returns the pool's accounting snapshot.
func (e *Engine) Stat() dialect.PoolStat { return e.pool.Stat() }

// Compile runs the query through the dialect's compiler without executing
// it.
func (e *Engine) Compile(q Query) (string, []any, error) {
	return e.compiler.Compile(q.text, q.args)
}

// AcquireOption adjusts how a connection is acquired.
type AcquireOption func(*acquireOptions)

type acquireOptions struct {
	reuse    bool
	lazy     bool
	reusable bool
	timeout  time.Duration
}

// Reuse makes the acquisition borrow the current contextual connection when
// one exists instead of checking a new one out of the pool.
func Reuse() AcquireOption { return func(o *acquireOptions) { o.reuse = true } }

// Lazy defers checking a connection out of the pool until first use. A lazy
// connection that is never used never touches the pool.
func Lazy() AcquireOption { return func(o *acquireOptions) { o.lazy = true } }

// NotReusable keeps the connection off the contextual stack so later Reuse
// acquisitions cannot see it.
func NotReusable() AcquireOption { return func(o *acquireOptions) { o.reusable = false } }

// WithTimeout caps the wait for a physical connection, as one budget across
// lock and pool waits, when the caller's context has no deadline.
func WithTimeout(d time.Duration) AcquireOption {
	return func(o *acquireOptions) { o.timeout = d }
}

// Acquire returns a logical connection. By default it is eager, reusable
// and not reusing; combine Reuse, Lazy, NotReusable and WithTimeout to
// change that. Reusable connections are tracked on the context bound by
// BindContext and must be released in reverse acquisition order.
func (e *Engine) Acquire(ctx context.Context, opts ...AcquireOption) (*Connection, error) {
	if e == nil || e.pool == nil {
		return nil, errors.Uninitialized("engine.acquire", "engine is not initialized")
	}
	o := acquireOptions{reusable: true}
	for _, opt := range opts {
		opt(&o)
	}

	holder := e.holder(ctx)
	if o.reuse && holder != nil {
		if parent := holder.top(); parent != nil {
			conn := newConnection(&reusingSlot{parent: parent})
			if !o.lazy {
				if _, err := conn.s.materialize(conn.logCtx(ctx)); err != nil {
					return nil, err
				}
			}
			logger.DebugContext(conn.logCtx(ctx), "connection acquired", "reusing", true)
			return conn, nil
		}
	}

	s := newRootSlot(e, o.timeout)
	conn := newConnection(s)
	s.owner = conn
	if !o.lazy {
		if _, err := s.materialize(conn.logCtx(ctx)); err != nil {
			return nil, err
		}
	}
	if o.reusable && holder != nil {
		s.holder = holder
		holder.push(s)
	}
	logger.DebugContext(conn.logCtx(ctx), "connection acquired", "reusing", false, "lazy", o.lazy)
	return conn, nil
}

// Connect returns an untracked eager connection: never reused, never
// reusable. The caller owns its whole lifecycle.
func (e *Engine) Connect(ctx context.Context) (*Connection, error) {
	return e.Acquire(ctx, NotReusable())
}

// CurrentConnection returns the connection on top of this context's stack,
// or nil when none is held.
func (e *Engine) CurrentConnection(ctx context.Context) *Connection {
	h := e.holder(ctx)
	if h == nil {
		return nil
	}
	top := h.top()
	if top == nil {
		return nil
	}
	return top.owner
}

// Transaction acquires a connection with reuse and runs fn inside a managed
// transaction on it. When the context already holds a connection with an
// open transaction, fn runs inside a savepoint on that same connection. The
// connection is released on every path, including panics.
func (e *Engine) Transaction(ctx context.Context, fn func(ctx context.Context, tx *transaction.Tx) error, opts dialect.TxOptions) error {
	conn, err := e.Acquire(ctx, Reuse())
	if err != nil {
		return err
	}
	defer e.releaseQuiet(ctx, conn)
	return transaction.Run(ctx, conn, fn, opts)
}

// All acquires with reuse, runs the query, releases, and returns every row.
func (e *Engine) All(ctx context.Context, q Query) ([]any, error) {
	conn, err := e.Acquire(ctx, Reuse())
	if err != nil {
		return nil, err
	}
	defer e.releaseQuiet(ctx, conn)
	return conn.All(ctx, q)
}

// First is the engine-level counterpart of Connection.First.
func (e *Engine) First(ctx context.Context, q Query) (any, error) {
	conn, err := e.Acquire(ctx, Reuse())
	if err != nil {
		return nil, err
	}
	defer e.releaseQuiet(ctx, conn)
	return conn.First(ctx, q)
}

// One is the engine-level counterpart of Connection.One.
func (e *Engine) One(ctx context.Context, q Query) (any, error) {
	conn, err := e.Acquire(ctx, Reuse())
	if err != nil {
		return nil, err
	}
	defer e.releaseQuiet(ctx, conn)
	return conn.One(ctx, q)
}

// OneOrNone is the engine-level counterpart of Connection.OneOrNone.
func (e *Engine) OneOrNone(ctx context.Context, q Query) (any, error) {
	conn, err := e.Acquire(ctx, Reuse())
	if err != nil {
		return nil, err
	}
	defer e.releaseQuiet(ctx, conn)
	return conn.OneOrNone(ctx, q)
}

// Scalar is the engine-level counterpart of Connection.Scalar.
func (e *Engine) Scalar(ctx context.Context, q Query) (any, error) {
	conn, err := e.Acquire(ctx, Reuse())
	if err != nil {
		return nil, err
	}
	defer e.releaseQuiet(ctx, conn)
	return conn.Scalar(ctx, q)
}

// Status is the engine-level counterpart of Connection.Status.
func (e *Engine) Status(ctx context.Context, q Query) (string, error) {
	conn, err := e.Acquire(ctx, Reuse())
	if err != nil {
		return "", err
	}
	defer e.releaseQuiet(ctx, conn)
	return conn.Status(ctx, q)
}

// Iterate opens a streaming cursor on the current contextual connection.
// Unlike the buffered helpers it cannot acquire-and-release around the call,
// because the cursor outlives it; the caller must hold a connection already.
func (e *Engine) Iterate(ctx context.Context, q Query) (*Cursor, error) {
	conn := e.CurrentConnection(ctx)
	if conn == nil {
		return nil, errors.Uninitialized("engine.iterate",
			"no connection is bound to this context; acquire one first")
	}
	return conn.Iterate(ctx, q)
}

// releaseQuiet releases a helper-held connection after the statement ran.
// Release must happen even when the surrounding context was canceled, so it
// runs detached from the caller's cancellation.
func (e *Engine) releaseQuiet(ctx context.Context, conn *Connection) {
	if err := conn.Release(context.WithoutCancel(ctx)); err != nil {
		logger.WarnContext(conn.logCtx(ctx), "releasing connection", logger.ErrorField(err))
	}
}
