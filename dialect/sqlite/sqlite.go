// Package sqlite is the embedded-file dialect over mattn/go-sqlite3. Each
// logical connection pins one database/sql connection so transaction state
// stays with it, and transactions run as explicit BEGIN/SAVEPOINT statements
// under the engine's transaction manager.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/seawire/anchor/dialect"
	"github.com/seawire/anchor/logger"
)

// Driver opens connections on one sqlite database file.
type Driver struct {
	dsn string

	mu sync.Mutex
	db *sql.DB
}

// Open builds a driver for the database file at path, with busy timeout,
// foreign keys and WAL journaling switched on.
// See: https://github.com/mattn/go-sqlite3#connection-string
func Open(path string) *Driver {
	return &Driver{dsn: fmt.Sprintf(
		"file:%s?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL", path)}
}

// Memory builds a driver on a shared in-memory database that lives as long
// as any connection is open.
func Memory() *Driver {
	return &Driver{dsn: "file:anchor?mode=memory&cache=shared&_foreign_keys=on"}
}

// Name implements dialect.Driver.
func (d *Driver) Name() string { return "sqlite" }

// Compiler implements dialect.Driver. SQLite accepts ?NNN and $N parameter
// markers natively, so statements pass through as written.
func (d *Driver) Compiler() dialect.Compiler { return compiler{} }

// Connect implements dialect.Driver by pinning one connection out of the
// database/sql handle.
func (d *Driver) Connect(ctx context.Context) (dialect.Conn, error) {
	d.mu.Lock()
	if d.db == nil {
		db, err := sql.Open("sqlite3", d.dsn)
		if err != nil {
			d.mu.Unlock()
			return nil, fmt.Errorf("opening sqlite database: %w", err)
		}
		d.db = db
	}
	db := d.db
	d.mu.Unlock()

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	logger.Debug("sqlite connection open")
	return &Conn{conn: conn}, nil
}

// Close closes the database handle once every connection is back.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

type compiler struct{}

func (compiler) Compile(text string, args []any) (string, []any, error) {
	return text, args, nil
}

// Conn wraps one pinned sqlite connection. database/sql exposes no
// transaction status, so depth is tracked alongside the explicit
// BEGIN/SAVEPOINT statements this package issues.
type Conn struct {
	conn *sql.Conn

	mu      sync.Mutex
	txDepth int
}

// Execute implements dialect.Conn. Row-returning statements run as queries;
// everything else runs as a command and reports its affected-row count.
func (c *Conn) Execute(ctx context.Context, stmt string, args []any) (*dialect.Rows, error) {
	if returnsRows(stmt) {
		return c.queryRows(ctx, stmt, args)
	}
	res, err := c.conn.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		affected = 0
	}
	return &dialect.Rows{Status: commandTag(stmt, affected)}, nil
}

func (c *Conn) queryRows(ctx context.Context, stmt string, args []any) (*dialect.Rows, error) {
	rows, err := c.conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := &dialect.Rows{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out.Values = append(out.Values, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out.Status = fmt.Sprintf("SELECT %d", out.Len())
	return out, nil
}

// Query implements dialect.Conn. sqlite results are buffered; the cursor
// streams from the buffer.
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

// Begin implements dialect.Conn. Isolation levels and deferrable are
// PostgreSQL notions; sqlite transactions are always serializable, so only
// ReadOnly is honored, as a query_only pragma for the transaction's span.
func (c *Conn) Begin(ctx context.Context, opts dialect.TxOptions) (dialect.Tx, error) {
	if _, err := c.conn.ExecContext(ctx, "BEGIN"); err != nil {
		return nil, err
	}
	if opts.ReadOnly {
		if _, err := c.conn.ExecContext(ctx, "PRAGMA query_only = on"); err != nil {
			_, _ = c.conn.ExecContext(ctx, "ROLLBACK")
			return nil, err
		}
	}
	c.mu.Lock()
	c.txDepth++
	c.mu.Unlock()
	return &tx{conn: c, commit: "COMMIT", rollback: "ROLLBACK", readOnly: opts.ReadOnly}, nil
}

// Savepoint implements dialect.Conn.
func (c *Conn) Savepoint(ctx context.Context, name string) (dialect.Tx, error) {
	ident := quoteIdent(name)
	if _, err := c.conn.ExecContext(ctx, "SAVEPOINT "+ident); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.txDepth++
	c.mu.Unlock()
	return &tx{
		conn:     c,
		commit:   "RELEASE SAVEPOINT " + ident,
		rollback: "ROLLBACK TO SAVEPOINT " + ident + "; RELEASE SAVEPOINT " + ident,
	}, nil
}

// Ping implements dialect.Conn.
func (c *Conn) Ping(ctx context.Context) error { return c.conn.PingContext(ctx) }

// Close implements dialect.Conn.
func (c *Conn) Close(ctx context.Context) error { return c.conn.Close() }

type tx struct {
	conn     *Conn
	commit   string
	rollback string
	readOnly bool
	done     bool
}

func (t *tx) finish(ctx context.Context, stmt string) error {
	if t.done {
		return fmt.Errorf("sqlite: transaction already finished")
	}
	t.done = true
	if t.readOnly {
		if _, err := t.conn.conn.ExecContext(ctx, "PRAGMA query_only = off"); err != nil {
			return err
		}
	}
	_, err := t.conn.conn.ExecContext(ctx, stmt)
	t.conn.mu.Lock()
	t.conn.txDepth--
	t.conn.mu.Unlock()
	return err
}

func (t *tx) Commit(ctx context.Context) error {
	return t.finish(ctx, t.commit)
}

func (t *tx) Rollback(ctx context.Context) error {
	return t.finish(ctx, t.rollback)
}

func returnsRows(stmt string) bool {
	head := strings.ToUpper(firstWord(stmt))
	switch head {
	case "SELECT", "WITH", "PRAGMA", "EXPLAIN", "VALUES":
		return true
	default:
		return false
	}
}

func commandTag(stmt string, affected int64) string {
	head := strings.ToUpper(firstWord(stmt))
	switch head {
	case "INSERT":
		return fmt.Sprintf("INSERT 0 %d", affected)
	case "UPDATE", "DELETE":
		return fmt.Sprintf("%s %d", head, affected)
	default:
		return head
	}
}

func firstWord(stmt string) string {
	fields := strings.Fields(strings.TrimSpace(stmt))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
