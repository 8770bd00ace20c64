// Package pool implements the default connection pool: a steady tier backed
// by puddle plus a bounded overflow tier of direct connections that are
// closed instead of pooled when released.
package pool

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"

	"github.com/seawire/anchor/dialect"
	"github.com/seawire/anchor/errors"
	"github.com/seawire/anchor/logger"
)

// DefaultMaxSize is the steady-state size used when none is configured.
const DefaultMaxSize = 10

// Config controls pool sizing and acquire behavior.
type Config struct {
	// MinSize is the number of connections opened up front by Warm.
	MinSize int32 `yaml:"min_size"`
	// MaxSize is the steady-state capacity. Zero means DefaultMaxSize.
	MaxSize int32 `yaml:"max_size"`
	// MaxOverflow bounds how many extra connections may be opened beyond
	// MaxSize while the steady tier is exhausted. They are closed on
	// release rather than pooled.
	MaxOverflow int32 `yaml:"max_overflow"`
	// AcquireTimeout caps each Acquire when the caller's context carries
	// no deadline of its own. Zero means wait forever.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// Pool is the default dialect.Pool implementation.
type Pool struct {
	driver dialect.Driver
	cfg    Config
	inner  *puddle.Pool[dialect.Conn]

	mu           sync.Mutex
	held         map[dialect.Conn]*puddle.Resource[dialect.Conn]
	overflowHeld map[dialect.Conn]struct{}

	overflow atomic.Int32
	opened   atomic.Int64
	closed   atomic.Bool
}

// New builds a pool over the driver. No connections are opened until Warm or
// the first Acquire.
func New(driver dialect.Driver, cfg Config) (*Pool, error) {
	if driver == nil {
		return nil, errors.Uninitialized("pool.new", "no driver configured")
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.MaxOverflow < 0 {
		cfg.MaxOverflow = 0
	}

	p := &Pool{
		driver:       driver,
		cfg:          cfg,
		held:         make(map[dialect.Conn]*puddle.Resource[dialect.Conn]),
		overflowHeld: make(map[dialect.Conn]struct{}),
	}

	inner, err := puddle.NewPool(&puddle.Config[dialect.Conn]{
		Constructor: func(ctx context.Context) (dialect.Conn, error) {
			conn, err := driver.Connect(ctx)
			if err != nil {
				return nil, err
			}
			p.opened.Add(1)
			return conn, nil
		},
		Destructor: func(conn dialect.Conn) {
			if err := conn.Close(context.Background()); err != nil {
				logger.Warn("closing pooled connection", logger.ErrorField(err))
			}
		},
		MaxSize: cfg.MaxSize,
	})
	if err != nil {
		return nil, err
	}
	p.inner = inner
	return p, nil
}

// Warm opens MinSize idle connections.
func (p *Pool) Warm(ctx context.Context) error {
	for i := int32(0); i < p.cfg.MinSize; i++ {
		if err := p.inner.CreateResource(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Acquire returns a free connection, opening one if capacity allows. When the
// steady tier is exhausted and overflow capacity remains, a direct connection
// is opened instead of waiting. The caller's deadline covers the whole wait.
func (p *Pool) Acquire(ctx context.Context) (dialect.Conn, error) {
	const op = "pool.acquire"
	if p.closed.Load() {
		return nil, errors.Uninitialized(op, "pool is closed")
	}

	if p.cfg.AcquireTimeout > 0 {
		if _, has := ctx.Deadline(); !has {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
			defer cancel()
		}
	}

	if conn, ok, err := p.acquireOverflow(ctx); err != nil {
		return nil, err
	} else if ok {
		return conn, nil
	}

	res, err := p.inner.Acquire(ctx)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return nil, errors.Timeout(op, err)
		}
		return nil, err
	}

	p.mu.Lock()
	p.held[res.Value()] = res
	p.mu.Unlock()
	return res.Value(), nil
}

// acquireOverflow opens a direct connection when the steady tier has nothing
// idle and nothing under construction. The snapshot check is advisory; at
// worst a connection waits in the steady queue instead of overflowing.
func (p *Pool) acquireOverflow(ctx context.Context) (dialect.Conn, bool, error) {
	if p.cfg.MaxOverflow <= 0 {
		return nil, false, nil
	}
	st := p.inner.Stat()
	exhausted := st.IdleResources() == 0 &&
		st.ConstructingResources() == 0 &&
		st.TotalResources() >= st.MaxResources()
	if !exhausted {
		return nil, false, nil
	}
	if p.overflow.Add(1) > p.cfg.MaxOverflow {
		p.overflow.Add(-1)
		return nil, false, nil
	}

	conn, err := p.driver.Connect(ctx)
	if err != nil {
		p.overflow.Add(-1)
		if stderrors.Is(err, context.DeadlineExceeded) {
			return nil, false, errors.Timeout("pool.acquire", err)
		}
		return nil, false, err
	}
	p.opened.Add(1)

	p.mu.Lock()
	p.overflowHeld[conn] = struct{}{}
	p.mu.Unlock()
	return conn, true, nil
}

// Release returns a connection to the pool, or closes it if it came from the
// overflow tier. Releasing a connection the pool does not track is an
// interface error, never a silent no-op.
func (p *Pool) Release(ctx context.Context, conn dialect.Conn) error {
	const op = "pool.release"
	if conn == nil {
		return errors.Interface(op, "nil connection")
	}

	p.mu.Lock()
	if _, ok := p.overflowHeld[conn]; ok {
		delete(p.overflowHeld, conn)
		p.mu.Unlock()
		p.overflow.Add(-1)
		return conn.Close(ctx)
	}
	res, ok := p.held[conn]
	if !ok {
		p.mu.Unlock()
		return errors.Interface(op, "connection is not checked out of this pool")
	}
	delete(p.held, conn)
	p.mu.Unlock()

	res.Release()
	return nil
}

// Close disposes the pool, closing idle connections and waiting for held
// ones to be released.
func (p *Pool) Close(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}
	p.inner.Close()
	return nil
}

// Stat implements dialect.Pool.
func (p *Pool) Stat() dialect.PoolStat {
	st := p.inner.Stat()
	overflow := int(p.overflow.Load())
	return dialect.PoolStat{
		CheckedOut:  int(st.AcquiredResources()) + overflow,
		CheckedIn:   int(st.IdleResources()),
		Overflow:    overflow,
		TotalOpened: p.opened.Load(),
	}
}
