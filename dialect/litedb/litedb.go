// Package litedb is an embedded dialect backed by pebble. It executes a
// practical subset of SQL (CREATE/DROP TABLE, INSERT ... VALUES, SELECT,
// UPDATE, DELETE with equality/comparison predicates and arithmetic in SET
// clauses) parsed with the PostgreSQL grammar, and layers transactions and
// savepoints over the key-value store as in-memory write overlays that are
// applied atomically on root commit.
package litedb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/seawire/anchor/dialect"
	"github.com/seawire/anchor/logger"
)

// Key layout: "s/<table>" schema, "q/<table>" row id sequence,
// "r/<table>/<16-digit id>" row values. The zero-padded id keeps pebble's
// key order equal to insertion order.
const (
	schemaPrefix = "s/"
	seqPrefix    = "q/"
	rowPrefix    = "r/"
)

// Driver opens connections onto one pebble store.
type Driver struct {
	db   *pebble.DB
	path string
}

// Open creates or reopens the store at path.
func Open(path string) (*Driver, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening litedb store at %s: %w", path, err)
	}
	logger.Debug("litedb store open", "path", path)
	return &Driver{db: db, path: path}, nil
}

// Name implements dialect.Driver.
func (d *Driver) Name() string { return "litedb" }

// Compiler implements dialect.Driver. Statements execute as written; the
// parse happens at execution time.
func (d *Driver) Compiler() dialect.Compiler { return compiler{} }

// Connect implements dialect.Driver. Connections share the store; each
// carries its own transaction state.
func (d *Driver) Connect(ctx context.Context) (dialect.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Conn{db: d.db}, nil
}

// Close closes the underlying store. Call it after the engine's pool is
// closed.
func (d *Driver) Close() error { return d.db.Close() }

type compiler struct{}

func (compiler) Compile(text string, args []any) (string, []any, error) {
	return text, args, nil
}

// txLevel is one open transaction scope: a write overlay keyed by store key.
// A nil entry is a pending delete.
type txLevel struct {
	writes   map[string][]byte
	deletes  map[string]struct{}
	readOnly bool
}

func newTxLevel(readOnly bool) *txLevel {
	return &txLevel{
		writes:   make(map[string][]byte),
		deletes:  make(map[string]struct{}),
		readOnly: readOnly,
	}
}

// Conn is a logical session on the store. Reads see the connection's own
// open transaction overlays on top of the committed state.
type Conn struct {
	db *pebble.DB

	mu     sync.Mutex
	levels []*txLevel
	closed bool
}

// InTransaction implements dialect.Conn.
func (c *Conn) InTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.levels) > 0
}

// Begin implements dialect.Conn.
func (c *Conn) Begin(ctx context.Context, opts dialect.TxOptions) (dialect.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("litedb: connection is closed")
	}
	if len(c.levels) > 0 {
		return nil, fmt.Errorf("litedb: transaction already open")
	}
	c.levels = append(c.levels, newTxLevel(opts.ReadOnly))
	return &tx{conn: c, depth: 1}, nil
}

// Savepoint implements dialect.Conn.
func (c *Conn) Savepoint(ctx context.Context, name string) (dialect.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.levels) == 0 {
		return nil, fmt.Errorf("litedb: savepoint %s outside a transaction", name)
	}
	c.levels = append(c.levels, newTxLevel(c.levels[len(c.levels)-1].readOnly))
	return &tx{conn: c, depth: len(c.levels), savepoint: name}, nil
}

// Ping implements dialect.Conn.
func (c *Conn) Ping(ctx context.Context) error { return ctx.Err() }

// Close implements dialect.Conn. The shared store stays open; open
// transaction state is discarded.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.levels = nil
	return nil
}

// Query implements dialect.Conn.
func (c *Conn) Query(ctx context.Context, stmt string, args []any) (dialect.Cursor, error) {
	rows, err := c.Execute(ctx, stmt, args)
	if err != nil {
		return nil, err
	}
	return dialect.NewRowsCursor(rows), nil
}

// get reads one key through the open overlays, topmost first.
func (c *Conn) get(key string) ([]byte, bool, error) {
	c.mu.Lock()
	for i := len(c.levels) - 1; i >= 0; i-- {
		if v, ok := c.levels[i].writes[key]; ok {
			c.mu.Unlock()
			return v, true, nil
		}
		if _, ok := c.levels[i].deletes[key]; ok {
			c.mu.Unlock()
			return nil, false, nil
		}
	}
	c.mu.Unlock()

	val, closer, err := c.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out := append([]byte(nil), val...)
	if err := closer.Close(); err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// scan returns all live keys under prefix in key order, overlays applied.
func (c *Conn) scan(prefix string) ([]string, [][]byte, error) {
	merged := make(map[string][]byte)

	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefix + "\xff"),
	})
	if err != nil {
		return nil, nil, err
	}
	for iter.First(); iter.Valid(); iter.Next() {
		merged[string(iter.Key())] = append([]byte(nil), iter.Value()...)
	}
	if err := iter.Close(); err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	for _, lv := range c.levels {
		for k, v := range lv.writes {
			if strings.HasPrefix(k, prefix) {
				merged[k] = v
			}
		}
		for k := range lv.deletes {
			if strings.HasPrefix(k, prefix) {
				delete(merged, k)
			}
		}
	}
	c.mu.Unlock()

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := make([][]byte, len(keys))
	for i, k := range keys {
		vals[i] = merged[k]
	}
	return keys, vals, nil
}

// set stages a write in the innermost transaction, or applies it directly
// when none is open.
func (c *Conn) set(key string, val []byte) error {
	c.mu.Lock()
	if n := len(c.levels); n > 0 {
		lv := c.levels[n-1]
		if lv.readOnly {
			c.mu.Unlock()
			return fmt.Errorf("litedb: write in a read-only transaction")
		}
		lv.writes[key] = val
		delete(lv.deletes, key)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.db.Set([]byte(key), val, pebble.Sync)
}

func (c *Conn) delete(key string) error {
	c.mu.Lock()
	if n := len(c.levels); n > 0 {
		lv := c.levels[n-1]
		if lv.readOnly {
			c.mu.Unlock()
			return fmt.Errorf("litedb: write in a read-only transaction")
		}
		delete(lv.writes, key)
		lv.deletes[key] = struct{}{}
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.db.Delete([]byte(key), pebble.Sync)
}

// tx is one open scope. Scopes must finish innermost-first; the depth check
// catches a scope finished out of order.
type tx struct {
	conn      *Conn
	depth     int
	savepoint string
	done      bool
}

func (t *tx) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := t.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := t.checkOrder(); err != nil {
		return err
	}
	t.done = true

	lv := c.levels[len(c.levels)-1]
	c.levels = c.levels[:len(c.levels)-1]
	if n := len(c.levels); n > 0 {
		// Savepoint commit folds the overlay into the enclosing scope.
		parent := c.levels[n-1]
		for k, v := range lv.writes {
			parent.writes[k] = v
			delete(parent.deletes, k)
		}
		for k := range lv.deletes {
			delete(parent.writes, k)
			parent.deletes[k] = struct{}{}
		}
		return nil
	}

	// Root commit applies the overlay atomically.
	batch := c.db.NewBatch()
	for k, v := range lv.writes {
		if err := batch.Set([]byte(k), v, nil); err != nil {
			return err
		}
	}
	for k := range lv.deletes {
		if err := batch.Delete([]byte(k), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (t *tx) Rollback(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := t.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := t.checkOrder(); err != nil {
		return err
	}
	t.done = true
	c.levels = c.levels[:len(c.levels)-1]
	return nil
}

func (t *tx) checkOrder() error {
	if t.done {
		return fmt.Errorf("litedb: transaction already finished")
	}
	if t.depth != len(t.conn.levels) {
		return fmt.Errorf("litedb: inner savepoint still open")
	}
	return nil
}
