package transaction

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seawire/anchor/dialect"
	"github.com/seawire/anchor/dialect/dialecttest"
	"github.com/seawire/anchor/errors"
)

// testConn adapts a fake physical connection to the Conn interface.
type testConn struct {
	conn          *dialecttest.Conn
	cursorsClosed int
	closeErr      error
}

func (c *testConn) Raw(ctx context.Context) (dialect.Conn, error) {
	return c.conn, nil
}

func (c *testConn) CloseCursors(ctx context.Context) error {
	c.cursorsClosed++
	return c.closeErr
}

func newTestConn(t *testing.T, drv *dialecttest.Driver) *testConn {
	t.Helper()
	dc, err := drv.Connect(context.Background())
	require.NoError(t, err)
	return &testConn{conn: dc.(*dialecttest.Conn)}
}

func TestManualCommit(t *testing.T) {
	drv := dialecttest.NewDriver()
	conn := newTestConn(t, drv)
	ctx := context.Background()

	tx, err := Begin(ctx, conn, dialect.TxOptions{})
	require.NoError(t, err)
	assert.Equal(t, StateStarted, tx.State())
	assert.False(t, tx.Nested())

	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, StateCommitted, tx.State())
	assert.Equal(t, 1, conn.conn.Begins)
	assert.Equal(t, 1, conn.conn.Commits)
	assert.Equal(t, 1, conn.cursorsClosed)
}

func TestManualRollback(t *testing.T) {
	drv := dialecttest.NewDriver()
	conn := newTestConn(t, drv)
	ctx := context.Background()

	tx, err := Begin(ctx, conn, dialect.TxOptions{})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))
	assert.Equal(t, StateRolledBack, tx.State())
	assert.Equal(t, 1, conn.conn.Rollbacks)
}

func TestManualFinishTwice(t *testing.T) {
	drv := dialecttest.NewDriver()
	conn := newTestConn(t, drv)
	ctx := context.Background()

	tx, err := Begin(ctx, conn, dialect.TxOptions{})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	err = tx.Commit(ctx)
	assert.True(t, errors.IsInterface(err))
	err = tx.Rollback(ctx)
	assert.True(t, errors.IsInterface(err))
}

func TestStartTwice(t *testing.T) {
	drv := dialecttest.NewDriver()
	conn := newTestConn(t, drv)
	ctx := context.Background()

	tx := New(conn, dialect.TxOptions{})
	require.NoError(t, tx.Start(ctx))
	err := tx.Start(ctx)
	assert.True(t, errors.IsInterface(err))
}

func TestManagedCommitOnCleanReturn(t *testing.T) {
	drv := dialecttest.NewDriver()
	conn := newTestConn(t, drv)
	ctx := context.Background()

	err := Run(ctx, conn, func(ctx context.Context, tx *Tx) error {
		assert.Equal(t, StateStarted, tx.State())
		return nil
	}, dialect.TxOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, conn.conn.Commits)
	assert.Equal(t, 0, conn.conn.Rollbacks)
}

func TestManagedRollbackOnError(t *testing.T) {
	drv := dialecttest.NewDriver()
	conn := newTestConn(t, drv)
	ctx := context.Background()

	boom := fmt.Errorf("boom")
	err := Run(ctx, conn, func(ctx context.Context, tx *Tx) error {
		return boom
	}, dialect.TxOptions{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, conn.conn.Commits)
	assert.Equal(t, 1, conn.conn.Rollbacks)
}

func TestManagedModeMismatch(t *testing.T) {
	drv := dialecttest.NewDriver()
	conn := newTestConn(t, drv)
	ctx := context.Background()

	err := Run(ctx, conn, func(ctx context.Context, tx *Tx) error {
		assert.True(t, errors.IsInterface(tx.Commit(ctx)))
		assert.True(t, errors.IsInterface(tx.Rollback(ctx)))
		return nil
	}, dialect.TxOptions{})
	require.NoError(t, err)
}

func TestManualBreakMismatch(t *testing.T) {
	drv := dialecttest.NewDriver()
	conn := newTestConn(t, drv)
	ctx := context.Background()

	tx, err := Begin(ctx, conn, dialect.TxOptions{})
	require.NoError(t, err)
	assert.True(t, errors.IsInterface(tx.BreakCommit()))
	assert.True(t, errors.IsInterface(tx.BreakRollback()))
	require.NoError(t, tx.Rollback(ctx))
}

func TestSavepointDegradation(t *testing.T) {
	drv := dialecttest.NewDriver()
	conn := newTestConn(t, drv)
	ctx := context.Background()

	err := Run(ctx, conn, func(ctx context.Context, outer *Tx) error {
		assert.False(t, outer.Nested())
		return Run(ctx, conn, func(ctx context.Context, inner *Tx) error {
			assert.True(t, inner.Nested())
			assert.NotEmpty(t, inner.SavepointName())
			return nil
		}, dialect.TxOptions{})
	}, dialect.TxOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, conn.conn.Begins)
	assert.Equal(t, 1, conn.conn.Savepoints)
	assert.Equal(t, 2, conn.conn.Commits)
}

func TestSavepointRollbackKeepsOuter(t *testing.T) {
	drv := dialecttest.NewDriver()
	conn := newTestConn(t, drv)
	ctx := context.Background()

	boom := fmt.Errorf("inner failure")
	err := Run(ctx, conn, func(ctx context.Context, outer *Tx) error {
		inner := Run(ctx, conn, func(ctx context.Context, tx *Tx) error {
			return boom
		}, dialect.TxOptions{})
		assert.ErrorIs(t, inner, boom)
		// The outer transaction survives the inner rollback.
		return nil
	}, dialect.TxOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, conn.conn.Rollbacks)
	assert.Equal(t, 1, conn.conn.Commits)
}

func TestBreakCommitSelf(t *testing.T) {
	drv := dialecttest.NewDriver()
	conn := newTestConn(t, drv)
	ctx := context.Background()

	reached := false
	err := Run(ctx, conn, func(ctx context.Context, tx *Tx) error {
		if true {
			return tx.BreakCommit()
		}
		reached = true
		return nil
	}, dialect.TxOptions{})
	require.NoError(t, err)
	assert.False(t, reached)
	assert.Equal(t, 1, conn.conn.Commits)
	assert.Equal(t, 0, conn.conn.Rollbacks)
}

func TestBreakRollbackSelf(t *testing.T) {
	drv := dialecttest.NewDriver()
	conn := newTestConn(t, drv)
	ctx := context.Background()

	err := Run(ctx, conn, func(ctx context.Context, tx *Tx) error {
		return tx.BreakRollback()
	}, dialect.TxOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, conn.conn.Commits)
	assert.Equal(t, 1, conn.conn.Rollbacks)
}

// A break targeting the outermost scope unwinds through three nested levels;
// the intermediates roll back, the target commits, and nothing after the
// break in any level runs.
func TestBreakToOuterAcrossThreeLevels(t *testing.T) {
	drv := dialecttest.NewDriver()
	conn := newTestConn(t, drv)
	ctx := context.Background()

	var afterMid, afterInner, afterBreak bool
	err := Run(ctx, conn, func(ctx context.Context, outer *Tx) error {
		err := Run(ctx, conn, func(ctx context.Context, mid *Tx) error {
			err := Run(ctx, conn, func(ctx context.Context, inner *Tx) error {
				if true {
					return outer.BreakCommit()
				}
				afterBreak = true
				return nil
			}, dialect.TxOptions{})
			if err != nil {
				return err
			}
			afterInner = true
			return nil
		}, dialect.TxOptions{})
		if err != nil {
			return err
		}
		afterMid = true
		return nil
	}, dialect.TxOptions{})
	require.NoError(t, err)
	assert.False(t, afterBreak)
	assert.False(t, afterInner)
	assert.False(t, afterMid)
	// Outermost commits, both savepoint scopes roll back on the way out.
	assert.Equal(t, 1, conn.conn.Commits)
	assert.Equal(t, 2, conn.conn.Rollbacks)
	assert.Equal(t, 1, conn.conn.Begins)
	assert.Equal(t, 2, conn.conn.Savepoints)
}

func TestForeignBreakPropagates(t *testing.T) {
	drv := dialecttest.NewDriver()
	conn := newTestConn(t, drv)
	ctx := context.Background()

	// A signal whose target was never entered by any Run on this path
	// must keep propagating after the outermost scope rolls back.
	stray := New(newTestConn(t, drv), dialect.TxOptions{})
	stray.managed = true
	err := Run(ctx, conn, func(ctx context.Context, tx *Tx) error {
		return stray.BreakCommit()
	}, dialect.TxOptions{})
	require.Error(t, err)
	isBreak, mine := IsBreak(err, stray)
	assert.True(t, isBreak)
	assert.True(t, mine)
	assert.Equal(t, 1, conn.conn.Rollbacks)
	assert.Equal(t, 0, conn.conn.Commits)
}

func TestCommitFailurePropagates(t *testing.T) {
	drv := dialecttest.NewDriver()
	drv.CommitErr = fmt.Errorf("commit refused")
	conn := newTestConn(t, drv)
	ctx := context.Background()

	err := Run(ctx, conn, func(ctx context.Context, tx *Tx) error {
		return nil
	}, dialect.TxOptions{})
	require.Error(t, err)
	assert.Equal(t, "commit refused", err.Error())
	// No rollback is attempted on top of a failed commit.
	assert.Equal(t, 0, conn.conn.Rollbacks)
}

func TestRollbackErrorJoinsOriginal(t *testing.T) {
	drv := dialecttest.NewDriver()
	drv.RollbackErr = fmt.Errorf("rollback refused")
	conn := newTestConn(t, drv)
	ctx := context.Background()

	boom := fmt.Errorf("boom")
	err := Run(ctx, conn, func(ctx context.Context, tx *Tx) error {
		return boom
	}, dialect.TxOptions{})
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, drv.RollbackErr)
}

func TestIsBreakOnPlainError(t *testing.T) {
	isBreak, mine := IsBreak(stderrors.New("plain"), nil)
	assert.False(t, isBreak)
	assert.False(t, mine)
}
