// Package postgres is the network dialect for PostgreSQL, speaking through
// pgx. Transactions and savepoints are driven with explicit SQL so the
// engine's transaction manager owns their lifecycle.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/seawire/anchor/dialect"
	"github.com/seawire/anchor/logger"
)

// Driver opens connections from a pgx connection string.
type Driver struct {
	connString string
	compiler   *Compiler
}

// New builds a driver for the connection string. No connection is opened
// until the pool asks for one.
func New(connString string) *Driver {
	return &Driver{
		connString: connString,
		compiler:   &Compiler{fingerprints: make(map[string]string)},
	}
}

// Name implements dialect.Driver.
func (d *Driver) Name() string { return "postgres" }

// Compiler implements dialect.Driver.
func (d *Driver) Compiler() dialect.Compiler { return d.compiler }

// Connect implements dialect.Driver.
func (d *Driver) Connect(ctx context.Context) (dialect.Conn, error) {
	conn, err := pgx.Connect(ctx, d.connString)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	logger.Debug("postgres connection open")
	return &Conn{conn: conn}, nil
}

// Compiler validates statements with the PostgreSQL grammar, caching by
// statement text so each distinct statement is parsed once. Arguments pass
// through untouched; pgx binds them server-side.
type Compiler struct {
	mu           sync.Mutex
	fingerprints map[string]string
}

// Compile implements dialect.Compiler.
func (c *Compiler) Compile(text string, args []any) (string, []any, error) {
	c.mu.Lock()
	_, seen := c.fingerprints[text]
	c.mu.Unlock()
	if seen {
		return text, args, nil
	}

	fp, err := pg_query.Fingerprint(text)
	if err != nil {
		return "", nil, fmt.Errorf("invalid statement %q: %w", text, err)
	}
	c.mu.Lock()
	c.fingerprints[text] = fp
	c.mu.Unlock()
	return text, args, nil
}

// Fingerprint returns the cached query fingerprint for statement text, or ""
// when the statement has not been compiled yet.
func (c *Compiler) Fingerprint(text string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fingerprints[text]
}

// Conn wraps one pgx connection.
type Conn struct {
	conn *pgx.Conn
}

// Execute implements dialect.Conn.
func (c *Conn) Execute(ctx context.Context, stmt string, args []any) (*dialect.Rows, error) {
	rows, err := c.conn.Query(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := &dialect.Rows{}
	for _, fd := range rows.FieldDescriptions() {
		out.Columns = append(out.Columns, fd.Name)
	}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		out.Values = append(out.Values, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out.Status = rows.CommandTag().String()
	return out, nil
}

// Query implements dialect.Conn with a true streaming cursor.
func (c *Conn) Query(ctx context.Context, stmt string, args []any) (dialect.Cursor, error) {
	rows, err := c.conn.Query(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	var cols []string
	for _, fd := range rows.FieldDescriptions() {
		cols = append(cols, fd.Name)
	}
	return &cursor{rows: rows, cols: cols}, nil
}

// InTransaction implements dialect.Conn using the backend's transaction
// status byte; a failed transaction still counts as open.
func (c *Conn) InTransaction() bool {
	status := c.conn.PgConn().TxStatus()
	return status == 'T' || status == 'E'
}

// Begin implements dialect.Conn.
func (c *Conn) Begin(ctx context.Context, opts dialect.TxOptions) (dialect.Tx, error) {
	if _, err := c.conn.Exec(ctx, beginStatement(opts)); err != nil {
		return nil, err
	}
	return &tx{conn: c, commit: "COMMIT", rollback: "ROLLBACK"}, nil
}

// Savepoint implements dialect.Conn.
func (c *Conn) Savepoint(ctx context.Context, name string) (dialect.Tx, error) {
	ident := pgx.Identifier{name}.Sanitize()
	if _, err := c.conn.Exec(ctx, "SAVEPOINT "+ident); err != nil {
		return nil, err
	}
	return &tx{
		conn:     c,
		commit:   "RELEASE SAVEPOINT " + ident,
		rollback: "ROLLBACK TO SAVEPOINT " + ident,
	}, nil
}

// Ping implements dialect.Conn.
func (c *Conn) Ping(ctx context.Context) error { return c.conn.Ping(ctx) }

// Close implements dialect.Conn.
func (c *Conn) Close(ctx context.Context) error { return c.conn.Close(ctx) }

func beginStatement(opts dialect.TxOptions) string {
	var b strings.Builder
	b.WriteString("BEGIN")
	if opts.Isolation != "" {
		b.WriteString(" ISOLATION LEVEL ")
		b.WriteString(strings.ToUpper(opts.Isolation))
	}
	if opts.ReadOnly {
		b.WriteString(" READ ONLY")
	}
	if opts.Deferrable {
		b.WriteString(" DEFERRABLE")
	}
	return b.String()
}

type tx struct {
	conn     *Conn
	commit   string
	rollback string
}

func (t *tx) Commit(ctx context.Context) error {
	_, err := t.conn.conn.Exec(ctx, t.commit)
	return err
}

func (t *tx) Rollback(ctx context.Context) error {
	_, err := t.conn.conn.Exec(ctx, t.rollback)
	return err
}

type cursor struct {
	rows pgx.Rows
	cols []string
}

func (c *cursor) Next(ctx context.Context) (dialect.Row, bool, error) {
	if err := ctx.Err(); err != nil {
		return dialect.Row{}, false, err
	}
	if !c.rows.Next() {
		return dialect.Row{}, false, c.rows.Err()
	}
	vals, err := c.rows.Values()
	if err != nil {
		return dialect.Row{}, false, err
	}
	return dialect.Row{Columns: c.cols, Values: vals}, true, nil
}

func (c *cursor) Close(ctx context.Context) error {
	c.rows.Close()
	return nil
}
