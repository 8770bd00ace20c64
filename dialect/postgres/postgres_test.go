package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seawire/anchor/dialect"
)

func TestCompilerValidatesAndCaches(t *testing.T) {
	c := New("postgres://ignored").compiler

	stmt, args, err := c.Compile("SELECT * FROM users WHERE id = $1", []any{int64(1)})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM users WHERE id = $1", stmt)
	assert.Equal(t, []any{int64(1)}, args)
	fp := c.Fingerprint("SELECT * FROM users WHERE id = $1")
	assert.NotEmpty(t, fp)

	// The second compile hits the cache and keeps the fingerprint.
	_, _, err = c.Compile("SELECT * FROM users WHERE id = $1", nil)
	require.NoError(t, err)
	assert.Equal(t, fp, c.Fingerprint("SELECT * FROM users WHERE id = $1"))

	_, _, err = c.Compile("definitely not sql", nil)
	assert.Error(t, err)
	assert.Empty(t, c.Fingerprint("definitely not sql"))
}

func TestBeginStatement(t *testing.T) {
	tests := []struct {
		name string
		opts dialect.TxOptions
		want string
	}{
		{"defaults", dialect.TxOptions{}, "BEGIN"},
		{"isolation", dialect.TxOptions{Isolation: "serializable"},
			"BEGIN ISOLATION LEVEL SERIALIZABLE"},
		{"read only", dialect.TxOptions{ReadOnly: true}, "BEGIN READ ONLY"},
		{"all", dialect.TxOptions{Isolation: "repeatable read", ReadOnly: true, Deferrable: true},
			"BEGIN ISOLATION LEVEL REPEATABLE READ READ ONLY DEFERRABLE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, beginStatement(tt.opts))
		})
	}
}

// Live tests run only when ANCHOR_POSTGRES_DSN points at a disposable
// database.
func liveConn(t *testing.T) dialect.Conn {
	t.Helper()
	dsn := os.Getenv("ANCHOR_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ANCHOR_POSTGRES_DSN not set")
	}
	conn, err := New(dsn).Connect(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, conn.Close(context.Background())) })
	return conn
}

func TestLiveExecute(t *testing.T) {
	conn := liveConn(t)
	ctx := context.Background()

	rows, err := conn.Execute(ctx, "SELECT 1 AS one, 'x' AS tag", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "tag"}, rows.Columns)
	require.Equal(t, 1, rows.Len())
}

func TestLiveTransactionStatus(t *testing.T) {
	conn := liveConn(t)
	ctx := context.Background()

	assert.False(t, conn.InTransaction())
	tx, err := conn.Begin(ctx, dialect.TxOptions{})
	require.NoError(t, err)
	assert.True(t, conn.InTransaction())

	sp, err := conn.Savepoint(ctx, "anchor_sp_test")
	require.NoError(t, err)
	require.NoError(t, sp.Rollback(ctx))

	require.NoError(t, tx.Rollback(ctx))
	assert.False(t, conn.InTransaction())
}
