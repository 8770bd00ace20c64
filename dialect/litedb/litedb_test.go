package litedb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seawire/anchor/dialect"
)

func openConn(t *testing.T) (*Driver, dialect.Conn) {
	t.Helper()
	drv, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, drv.Close()) })

	conn, err := drv.Connect(context.Background())
	require.NoError(t, err)
	return drv, conn
}

func mustExec(t *testing.T, conn dialect.Conn, stmt string, args ...any) *dialect.Rows {
	t.Helper()
	rows, err := conn.Execute(context.Background(), stmt, args)
	require.NoError(t, err, "statement: %s", stmt)
	return rows
}

func TestCreateInsertSelect(t *testing.T) {
	_, conn := openConn(t)

	rows := mustExec(t, conn, "CREATE TABLE users (id int, name text)")
	assert.Equal(t, "CREATE TABLE", rows.Status)

	rows = mustExec(t, conn, "INSERT INTO users (id, name) VALUES (1, 'ada'), (2, 'grace')")
	assert.Equal(t, "INSERT 0 2", rows.Status)

	rows = mustExec(t, conn, "SELECT * FROM users")
	assert.Equal(t, []string{"id", "name"}, rows.Columns)
	require.Equal(t, 2, rows.Len())
	assert.Equal(t, []any{int64(1), "ada"}, rows.Values[0])
	assert.Equal(t, []any{int64(2), "grace"}, rows.Values[1])
	assert.Equal(t, "SELECT 2", rows.Status)
}

func TestSelectProjectionAndWhere(t *testing.T) {
	_, conn := openConn(t)
	mustExec(t, conn, "CREATE TABLE nums (a int, b int)")
	mustExec(t, conn, "INSERT INTO nums (a, b) VALUES (1, 10), (2, 20), (3, 30)")

	rows := mustExec(t, conn, "SELECT b FROM nums WHERE a = 2")
	assert.Equal(t, []string{"b"}, rows.Columns)
	require.Equal(t, 1, rows.Len())
	assert.Equal(t, int64(20), rows.Values[0][0])

	rows = mustExec(t, conn, "SELECT a FROM nums WHERE b > 10 AND b < 30")
	require.Equal(t, 1, rows.Len())
	assert.Equal(t, int64(2), rows.Values[0][0])

	rows = mustExec(t, conn, "SELECT a FROM nums WHERE a = 1 OR a = 3")
	assert.Equal(t, 2, rows.Len())
}

func TestParameterRefs(t *testing.T) {
	_, conn := openConn(t)
	mustExec(t, conn, "CREATE TABLE kv (k text, v int)")
	mustExec(t, conn, "INSERT INTO kv (k, v) VALUES ($1, $2)", "answer", int64(42))

	rows := mustExec(t, conn, "SELECT v FROM kv WHERE k = $1", "answer")
	require.Equal(t, 1, rows.Len())
	assert.Equal(t, int64(42), rows.Values[0][0])
}

func TestUpdateWithArithmetic(t *testing.T) {
	_, conn := openConn(t)
	mustExec(t, conn, "CREATE TABLE counters (name text, value int)")
	mustExec(t, conn, "INSERT INTO counters (name, value) VALUES ('hits', 10)")

	rows := mustExec(t, conn, "UPDATE counters SET value = value + 5 WHERE name = 'hits'")
	assert.Equal(t, "UPDATE 1", rows.Status)

	rows = mustExec(t, conn, "SELECT value FROM counters WHERE name = 'hits'")
	assert.Equal(t, int64(15), rows.Values[0][0])
}

func TestDelete(t *testing.T) {
	_, conn := openConn(t)
	mustExec(t, conn, "CREATE TABLE t (id int)")
	mustExec(t, conn, "INSERT INTO t (id) VALUES (1), (2), (3)")

	rows := mustExec(t, conn, "DELETE FROM t WHERE id = 2")
	assert.Equal(t, "DELETE 1", rows.Status)

	rows = mustExec(t, conn, "SELECT * FROM t")
	assert.Equal(t, 2, rows.Len())
}

func TestDropTable(t *testing.T) {
	_, conn := openConn(t)
	mustExec(t, conn, "CREATE TABLE gone (id int)")
	mustExec(t, conn, "INSERT INTO gone (id) VALUES (1)")
	mustExec(t, conn, "DROP TABLE gone")

	_, err := conn.Execute(context.Background(), "SELECT * FROM gone", nil)
	assert.Error(t, err)

	// The name is free for a fresh table with no leftover rows.
	mustExec(t, conn, "CREATE TABLE gone (id int)")
	rows := mustExec(t, conn, "SELECT * FROM gone")
	assert.Equal(t, 0, rows.Len())
}

func TestExpressionSelect(t *testing.T) {
	_, conn := openConn(t)
	rows := mustExec(t, conn, "SELECT 1")
	require.Equal(t, 1, rows.Len())
	assert.Equal(t, int64(1), rows.Values[0][0])
}

func TestErrors(t *testing.T) {
	ctx := context.Background()
	_, conn := openConn(t)

	_, err := conn.Execute(ctx, "SELECT * FROM missing", nil)
	assert.ErrorContains(t, err, "does not exist")

	mustExec(t, conn, "CREATE TABLE t (id int)")
	_, err = conn.Execute(ctx, "CREATE TABLE t (id int)", nil)
	assert.ErrorContains(t, err, "already exists")

	_, err = conn.Execute(ctx, "INSERT INTO t (nope) VALUES (1)", nil)
	assert.ErrorContains(t, err, "no column")

	_, err = conn.Execute(ctx, "SELECT $2 FROM t", nil)
	assert.ErrorContains(t, err, "out of range")

	_, err = conn.Execute(ctx, "this is not sql", nil)
	assert.Error(t, err)
}

func TestTransactionRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	_, conn := openConn(t)
	mustExec(t, conn, "CREATE TABLE t (id int)")

	tx, err := conn.Begin(ctx, dialect.TxOptions{})
	require.NoError(t, err)
	assert.True(t, conn.InTransaction())

	mustExec(t, conn, "INSERT INTO t (id) VALUES (1)")
	rows := mustExec(t, conn, "SELECT * FROM t")
	assert.Equal(t, 1, rows.Len(), "transaction sees its own writes")

	require.NoError(t, tx.Rollback(ctx))
	assert.False(t, conn.InTransaction())
	rows = mustExec(t, conn, "SELECT * FROM t")
	assert.Equal(t, 0, rows.Len())
}

func TestTransactionCommitPersists(t *testing.T) {
	ctx := context.Background()
	_, conn := openConn(t)
	mustExec(t, conn, "CREATE TABLE t (id int)")

	tx, err := conn.Begin(ctx, dialect.TxOptions{})
	require.NoError(t, err)
	mustExec(t, conn, "INSERT INTO t (id) VALUES (1)")
	require.NoError(t, tx.Commit(ctx))

	rows := mustExec(t, conn, "SELECT * FROM t")
	assert.Equal(t, 1, rows.Len())
}

func TestSavepointPartialRollback(t *testing.T) {
	ctx := context.Background()
	_, conn := openConn(t)
	mustExec(t, conn, "CREATE TABLE t (id int)")

	tx, err := conn.Begin(ctx, dialect.TxOptions{})
	require.NoError(t, err)
	mustExec(t, conn, "INSERT INTO t (id) VALUES (1)")

	sp, err := conn.Savepoint(ctx, "sp1")
	require.NoError(t, err)
	mustExec(t, conn, "INSERT INTO t (id) VALUES (2)")
	rows := mustExec(t, conn, "SELECT * FROM t")
	assert.Equal(t, 2, rows.Len())

	require.NoError(t, sp.Rollback(ctx))
	rows = mustExec(t, conn, "SELECT * FROM t")
	assert.Equal(t, 1, rows.Len(), "savepoint rollback keeps earlier writes")

	require.NoError(t, tx.Commit(ctx))
	rows = mustExec(t, conn, "SELECT * FROM t")
	require.Equal(t, 1, rows.Len())
	assert.Equal(t, int64(1), rows.Values[0][0])
}

func TestSavepointCommitFoldsIntoParent(t *testing.T) {
	ctx := context.Background()
	_, conn := openConn(t)
	mustExec(t, conn, "CREATE TABLE t (id int)")

	tx, err := conn.Begin(ctx, dialect.TxOptions{})
	require.NoError(t, err)
	sp, err := conn.Savepoint(ctx, "sp1")
	require.NoError(t, err)
	mustExec(t, conn, "INSERT INTO t (id) VALUES (1)")
	require.NoError(t, sp.Commit(ctx))

	// Still invisible outside until the root commits.
	rows := mustExec(t, conn, "SELECT * FROM t")
	assert.Equal(t, 1, rows.Len())
	require.NoError(t, tx.Rollback(ctx))
	rows = mustExec(t, conn, "SELECT * FROM t")
	assert.Equal(t, 0, rows.Len(), "root rollback discards committed savepoints")
}

func TestFinishOrderEnforced(t *testing.T) {
	ctx := context.Background()
	_, conn := openConn(t)
	mustExec(t, conn, "CREATE TABLE t (id int)")

	tx, err := conn.Begin(ctx, dialect.TxOptions{})
	require.NoError(t, err)
	_, err = conn.Savepoint(ctx, "sp1")
	require.NoError(t, err)

	err = tx.Commit(ctx)
	assert.ErrorContains(t, err, "inner savepoint still open")
}

func TestSavepointOutsideTransaction(t *testing.T) {
	_, conn := openConn(t)
	_, err := conn.Savepoint(context.Background(), "sp1")
	assert.Error(t, err)
}

func TestReadOnlyTransactionRejectsWrites(t *testing.T) {
	ctx := context.Background()
	_, conn := openConn(t)
	mustExec(t, conn, "CREATE TABLE t (id int)")

	tx, err := conn.Begin(ctx, dialect.TxOptions{ReadOnly: true})
	require.NoError(t, err)

	_, err = conn.Execute(ctx, "INSERT INTO t (id) VALUES (1)", nil)
	assert.ErrorContains(t, err, "read-only")

	rows := mustExec(t, conn, "SELECT * FROM t")
	assert.Equal(t, 0, rows.Len())
	require.NoError(t, tx.Rollback(ctx))
}

func TestPersistenceAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	drv, err := Open(dir)
	require.NoError(t, err)
	conn, err := drv.Connect(ctx)
	require.NoError(t, err)
	mustExec(t, conn, "CREATE TABLE t (id int)")
	mustExec(t, conn, "INSERT INTO t (id) VALUES (7)")
	require.NoError(t, drv.Close())

	drv, err = Open(dir)
	require.NoError(t, err)
	defer func() { require.NoError(t, drv.Close()) }()
	conn, err = drv.Connect(ctx)
	require.NoError(t, err)
	rows := mustExec(t, conn, "SELECT * FROM t")
	require.Equal(t, 1, rows.Len())
	assert.Equal(t, int64(7), rows.Values[0][0])
}
