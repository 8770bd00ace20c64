// Package transaction manages database transactions over a logical
// connection: begin/commit/rollback, automatic degradation of nested begins
// to savepoints, managed and manual modes, and targeted early-exit control
// flow that unwinds nested managed scopes to a specific ancestor.
package transaction

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/seawire/anchor/dialect"
	"github.com/seawire/anchor/errors"
	"github.com/seawire/anchor/logger"
)

// Conn is the slice of a logical connection the transaction manager needs:
// access to the materialized physical connection, and cursor cleanup before
// a covering transaction finishes.
type Conn interface {
	Raw(ctx context.Context) (dialect.Conn, error)
	CloseCursors(ctx context.Context) error
}

// State is the lifecycle state of a transaction.
type State int

const (
	// StateUnstarted means Start or Run has not begun the transaction yet.
	StateUnstarted State = iota
	// StateStarted means the physical transaction or savepoint is open.
	StateStarted
	// StateCommitted is terminal.
	StateCommitted
	// StateRolledBack is terminal.
	StateRolledBack
)

// Tx is one transaction or savepoint scope. A Tx may be started exactly
// once, either manually through Start or in managed mode through Run; its
// mode is fixed at that moment.
type Tx struct {
	conn Conn
	opts dialect.TxOptions

	id        string
	modeSet   bool
	managed   bool
	state     State
	nested    bool
	savepoint string
	inner     dialect.Tx
}

// New creates an unstarted transaction on the connection.
func New(conn Conn, opts dialect.TxOptions) *Tx {
	return &Tx{conn: conn, opts: opts, id: uuid.NewString()[:8]}
}

// Begin creates a transaction in manual mode and starts it. The caller must
// finish it with Commit or Rollback.
func Begin(ctx context.Context, conn Conn, opts dialect.TxOptions) (*Tx, error) {
	tx := New(conn, opts)
	if err := tx.Start(ctx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Run starts a managed transaction, invokes fn, and finishes the transaction
// based on fn's error: nil commits, a break signal targeting this
// transaction commits or rolls back as requested and is swallowed, and any
// other error - including a break signal targeting an enclosing transaction -
// rolls back and propagates.
func Run(ctx context.Context, conn Conn, fn func(ctx context.Context, tx *Tx) error, opts dialect.TxOptions) error {
	tx := New(conn, opts)
	if err := tx.start(ctx, true); err != nil {
		return err
	}
	return tx.finishManaged(ctx, fn(ctx, tx))
}

// Start begins the transaction in manual mode.
func (t *Tx) Start(ctx context.Context) error {
	return t.start(ctx, false)
}

func (t *Tx) start(ctx context.Context, managed bool) error {
	const op = "transaction.start"
	if t.modeSet {
		return errors.Interface(op, "transaction was already started")
	}
	t.modeSet = true
	t.managed = managed

	dc, err := t.conn.Raw(ctx)
	if err != nil {
		return err
	}

	ctx = context.WithValue(ctx, logger.TransactionIDKey, t.id)
	if dc.InTransaction() {
		// Already inside a transaction on this physical connection:
		// degrade to a savepoint whether or not nesting was asked for.
		t.nested = true
		t.savepoint = fmt.Sprintf("anchor_sp_%s", t.id)
		t.inner, err = dc.Savepoint(ctx, t.savepoint)
	} else {
		t.inner, err = dc.Begin(ctx, t.opts)
	}
	if err != nil {
		return err
	}
	t.state = StateStarted
	logger.DebugContext(ctx, "transaction started", "nested", t.nested)
	return nil
}

// State returns the transaction's lifecycle state.
func (t *Tx) State() State { return t.state }

// Nested reports whether this transaction runs as a savepoint inside an
// enclosing transaction.
func (t *Tx) Nested() bool { return t.nested }

// SavepointName returns the savepoint identifier, or "" for a root
// transaction.
func (t *Tx) SavepointName() string { return t.savepoint }

// Commit finishes a manual transaction. In managed mode it is a mode
// mismatch and fails loudly; use BreakCommit instead. A commit failure
// propagates as-is, with no automatic rollback masking it.
func (t *Tx) Commit(ctx context.Context) error {
	const op = "transaction.commit"
	if t.managed {
		return errors.Interface(op, "managed transaction: use BreakCommit to finish early")
	}
	if t.state != StateStarted {
		return errors.Interface(op, "transaction is not active")
	}
	if err := t.closeCursors(ctx); err != nil {
		return err
	}
	if err := t.inner.Commit(ctx); err != nil {
		return err
	}
	t.state = StateCommitted
	return nil
}

// Rollback finishes a manual transaction. In managed mode it is a mode
// mismatch and fails loudly; use BreakRollback instead.
func (t *Tx) Rollback(ctx context.Context) error {
	const op = "transaction.rollback"
	if t.managed {
		return errors.Interface(op, "managed transaction: use BreakRollback to finish early")
	}
	if t.state != StateStarted {
		return errors.Interface(op, "transaction is not active")
	}
	if err := t.closeCursors(ctx); err != nil {
		return err
	}
	if err := t.inner.Rollback(ctx); err != nil {
		return err
	}
	t.state = StateRolledBack
	return nil
}

// BreakCommit returns the signal that commits this managed transaction and
// resumes execution right after its Run call. Return it from the managed
// function body, however deeply nested. In manual mode it is a mode
// mismatch.
func (t *Tx) BreakCommit() error {
	if !t.managed {
		return errors.Interface("transaction.break", "manual transaction: use Commit instead")
	}
	return &breakSignal{target: t, commit: true}
}

// BreakRollback is the rollback counterpart of BreakCommit.
func (t *Tx) BreakRollback() error {
	if !t.managed {
		return errors.Interface("transaction.break", "manual transaction: use Rollback instead")
	}
	return &breakSignal{target: t, commit: false}
}

func (t *Tx) finishManaged(ctx context.Context, err error) error {
	ctx = context.WithValue(ctx, logger.TransactionIDKey, t.id)
	if cerr := t.closeCursors(ctx); cerr != nil {
		logger.WarnContext(ctx, "closing cursors before transaction end", logger.ErrorField(cerr))
	}

	var sig *breakSignal
	isBreak := stderrors.As(err, &sig)
	mine := isBreak && sig.target == t

	if err == nil || (mine && sig.commit) {
		// Commit failures propagate unmasked; no automatic rollback.
		if cerr := t.inner.Commit(ctx); cerr != nil {
			return cerr
		}
		t.state = StateCommitted
		logger.DebugContext(ctx, "transaction committed", "nested", t.nested)
		return nil
	}

	// The body did not complete normally. This holds for this
	// transaction's own break-rollback, for real errors, and for break
	// signals that target an enclosing transaction and are merely passing
	// through this scope.
	rerr := t.inner.Rollback(ctx)
	t.state = StateRolledBack
	logger.DebugContext(ctx, "transaction rolled back", "nested", t.nested)
	if mine {
		return rerr
	}
	if rerr != nil {
		return stderrors.Join(err, rerr)
	}
	return err
}

func (t *Tx) closeCursors(ctx context.Context) error {
	return t.conn.CloseCursors(ctx)
}

// breakSignal unwinds nested managed scopes until it reaches its target.
// Each intermediate Run rolls its own scope back and re-returns the signal;
// the target's Run consumes it.
type breakSignal struct {
	target *Tx
	commit bool
}

func (s *breakSignal) Error() string {
	if s.commit {
		return "transaction break: commit requested"
	}
	return "transaction break: rollback requested"
}

// IsBreak reports whether err is a break signal, and if so whether it
// targets tx.
func IsBreak(err error, tx *Tx) (isBreak, targetsTx bool) {
	var sig *breakSignal
	if !stderrors.As(err, &sig) {
		return false, false
	}
	return true, sig.target == tx
}
