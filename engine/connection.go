package engine

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/seawire/anchor/dialect"
	"github.com/seawire/anchor/errors"
	"github.com/seawire/anchor/logger"
)

// slot is the acquisition state behind a Connection: either a root slot that
// owns a pooled physical connection, or a reusing slot that borrows another
// root's.
type slot interface {
	// materialize returns the physical connection, checking one out of the
	// pool on first use.
	materialize(ctx context.Context) (dialect.Conn, error)
	// held returns the physical connection without materializing, or nil.
	held() dialect.Conn
	// release finishes the slot. A permanent release closes it for good; a
	// soft release returns the physical connection but keeps the slot
	// usable, re-acquiring transparently on next use.
	release(ctx context.Context, permanent bool) error
	isClosed() bool
	root() *rootSlot
}

// rootSlot owns at most one physical connection checked out of the engine's
// pool. The semaphore serializes materialization so concurrent users of the
// same logical connection cannot check out two physical ones; as a context-
// aware lock it keeps the caller's deadline as a single budget across the
// lock wait and the pool wait.
type rootSlot struct {
	engine  *Engine
	holder  *stackHolder
	owner   *Connection
	timeout time.Duration

	sem *semaphore.Weighted

	mu     sync.Mutex
	conn   dialect.Conn
	closed bool

	cursorMu sync.Mutex
	cursors  []*Cursor
}

func newRootSlot(e *Engine, timeout time.Duration) *rootSlot {
	return &rootSlot{engine: e, timeout: timeout, sem: semaphore.NewWeighted(1)}
}

func (s *rootSlot) root() *rootSlot { return s }

func (s *rootSlot) held() dialect.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *rootSlot) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *rootSlot) materialize(ctx context.Context) (dialect.Conn, error) {
	const op = "connection.acquire"
	if s.timeout > 0 {
		if _, has := ctx.Deadline(); !has {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return nil, errors.Timeout(op, err)
		}
		return nil, err
	}
	defer s.sem.Release(1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.Interface(op, "connection is released")
	}
	if s.conn != nil {
		conn := s.conn
		s.mu.Unlock()
		return conn, nil
	}
	s.mu.Unlock()

	conn, err := s.engine.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		// Released while we were waiting on the pool.
		s.mu.Unlock()
		if rerr := s.engine.pool.Release(ctx, conn); rerr != nil {
			logger.Warn("returning connection acquired after release", logger.ErrorField(rerr))
		}
		return nil, errors.Interface(op, "connection is released")
	}
	s.conn = conn
	s.mu.Unlock()
	return conn, nil
}

func (s *rootSlot) release(ctx context.Context, permanent bool) error {
	const op = "connection.release"
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.Interface(op, "connection was already released")
	}
	s.mu.Unlock()

	if permanent && s.holder != nil {
		// Enforce release order before touching any state, so a
		// wrong-order release leaves the connection fully usable.
		if err := s.holder.remove(s); err != nil {
			return err
		}
	}

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	if permanent {
		s.closed = true
	}
	s.mu.Unlock()

	if conn == nil {
		// A lazy slot that never materialized has nothing to return.
		return nil
	}
	return s.engine.pool.Release(ctx, conn)
}

func (s *rootSlot) addCursor(c *Cursor) {
	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()
	s.cursors = append(s.cursors, c)
}

func (s *rootSlot) closeCursors(ctx context.Context) error {
	s.cursorMu.Lock()
	open := s.cursors
	s.cursors = nil
	s.cursorMu.Unlock()

	var errs []error
	for _, c := range open {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// reusingSlot borrows the physical connection of an existing root. Releasing
// it, permanently or not, only closes this view; the root and its physical
// connection are untouched.
type reusingSlot struct {
	parent *rootSlot

	mu     sync.Mutex
	closed bool
}

func (s *reusingSlot) root() *rootSlot { return s.parent }

func (s *reusingSlot) held() dialect.Conn { return s.parent.held() }

func (s *reusingSlot) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *reusingSlot) materialize(ctx context.Context) (dialect.Conn, error) {
	if s.isClosed() {
		return nil, errors.Interface("connection.acquire", "connection is released")
	}
	return s.parent.materialize(ctx)
}

func (s *reusingSlot) release(ctx context.Context, permanent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Interface("connection.release", "connection was already released")
	}
	if permanent {
		s.closed = true
	}
	return nil
}

// Connection is a logical database connection handle. Copies made through
// the With* methods share the underlying slot, so releasing any copy
// releases them all, while each copy carries its own execution options.
type Connection struct {
	s    slot
	id   string
	opts execOptions
}

func newConnection(s slot) *Connection {
	return &Connection{s: s, id: uuid.NewString()[:8]}
}

// ID identifies this handle in log records.
func (c *Connection) ID() string { return c.id }

// Raw returns the physical connection, materializing it on first use.
func (c *Connection) Raw(ctx context.Context) (dialect.Conn, error) {
	return c.s.materialize(c.logCtx(ctx))
}

// Closed reports whether the handle was permanently released.
func (c *Connection) Closed() bool { return c.s.isClosed() }

// Release permanently finishes the handle. A root handle returns its
// physical connection to the pool and must be the most recently acquired
// reusable connection in its context; a reusing handle only closes itself.
func (c *Connection) Release(ctx context.Context) error {
	return c.s.release(c.logCtx(ctx), true)
}

// Detach softly releases the handle: the physical connection goes back to
// the pool but the handle stays usable and will transparently check a
// connection out again on next use.
func (c *Connection) Detach(ctx context.Context) error {
	return c.s.release(c.logCtx(ctx), false)
}

// CloseCursors closes every cursor opened through this handle's physical
// connection. The transaction manager calls it before finishing a
// transaction that covers them.
func (c *Connection) CloseCursors(ctx context.Context) error {
	return c.s.root().closeCursors(ctx)
}

// WithLoader returns a copy of the handle, sharing the slot, whose results
// are loaded with the given loader expression by default.
func (c *Connection) WithLoader(expr any) *Connection {
	copied := *c
	copied.opts.loader = loaderFor(expr)
	return &copied
}

// WithTimeout returns a copy of the handle whose statements run under the
// given timeout by default.
func (c *Connection) WithTimeout(d time.Duration) *Connection {
	copied := *c
	copied.opts.timeout = d
	return &copied
}

// WithModel returns a copy of the handle that applies (or skips) model
// loading for its results.
func (c *Connection) WithModel(enabled bool) *Connection {
	copied := *c
	copied.opts.noModel = !enabled
	return &copied
}

func (c *Connection) logCtx(ctx context.Context) context.Context {
	return context.WithValue(ctx, logger.ConnectionIDKey, c.id)
}
