package kernel

import (
	"bytes"
	"context"
	"database/sql"
	"runtime"
	"strconv"

	"github.com/latticedb/lattice/internal/types"
)

// Tx is a single, serializable kernel transaction. Nested Begin calls
// and commit-without-begin are refused with TransactionMisuse, and a
// kernel call made from inside an observer callback invoked by this
// same transaction's commit is refused with ReentrantWrite.
type Tx struct {
	k          *Kernel
	sqlTx      *sql.Tx
	events     []RowEvent
	done       bool
	sinkResult any
	remote     bool
}

// MarkRemote flags every RowEvent this transaction emits as
// isFromRemote=true, set by remote replay before invoking the kernel
// so the resulting audit entries carry the flag.
func (t *Tx) MarkRemote() { t.remote = true }

// SinkResult returns whatever the installed Sink's Collect call handed
// back (the Change Log returns the sequenced audit entries it just
// durably wrote, so the caller can publish them to the Observation Bus
// after Commit returns). Valid only after a successful Commit.
func (t *Tx) SinkResult() any { return t.sinkResult }

// BeginTransaction opens a serializable write transaction. The store
// connection carries _txlock=immediate (set in Open's DSN), so every
// BeginTx acquires the write lock up front via BEGIN IMMEDIATE instead
// of deferring it to the first write statement.
func (k *Kernel) BeginTransaction(ctx context.Context) (*Tx, error) {
	if err := k.checkReentrant(); err != nil {
		return nil, err
	}
	// A nested begin on the goroutine that already owns the writer slot
	// would deadlock on writerMu; refuse it instead. Begins from other
	// goroutines block until the slot frees, per the single-writer model.
	if k.txOwner.Load() == goid() {
		return nil, types.ErrTransactionMisuse
	}
	k.writerMu.Lock()

	sqlTx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		k.writerMu.Unlock()
		return nil, types.Wrap(types.KindIOError, "begin transaction", err)
	}

	k.curTx = sqlTx
	k.txOwner.Store(goid())
	return &Tx{k: k, sqlTx: sqlTx}, nil
}

// goid returns the current goroutine's id, parsed from the runtime
// stack header. Used only to detect a nested begin; never for
// scheduling.
func goid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// Header shape: "goroutine 123 [running]:"
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return -1
	}
	id, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}

// Commit appends the transaction's audit batch (via the installed Sink)
// and commits the writes together, then returns the row events so the
// caller (the Store) can publish them to the Observation Bus after this
// call returns.
func (t *Tx) Commit(ctx context.Context) ([]RowEvent, error) {
	if t.done {
		return nil, types.ErrTransactionMisuse
	}
	defer func() {
		t.done = true
		t.k.curTx = nil
		t.k.txOwner.Store(0)
		t.k.writerMu.Unlock()
	}()

	if t.k.sink != nil && len(t.events) > 0 {
		result, err := t.k.sink.Collect(ctx, t, t.events)
		if err != nil {
			_ = t.sqlTx.Rollback()
			return nil, err
		}
		t.sinkResult = result
	}

	if err := t.sqlTx.Commit(); err != nil {
		return nil, types.Wrap(types.KindIOError, "commit transaction", err)
	}
	return t.events, nil
}

// Rollback discards the transaction's writes. Safe to call after a
// failed Commit or instead of Commit.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	defer func() {
		t.done = true
		t.k.curTx = nil
		t.k.txOwner.Store(0)
		t.k.writerMu.Unlock()
	}()
	return t.sqlTx.Rollback()
}

// emit records a row event produced during this transaction. Called by
// rows.go/links.go mutation paths; consumed by Commit's return value.
func (t *Tx) emit(ev RowEvent) {
	ev.IsFromRemote = t.remote
	t.events = append(t.events, ev)
}

// Exec runs a statement within this transaction. Used by the Change Log
// to append audit rows in the same transaction as the data they
// describe, and by the Migration Engine for shadow-table DDL and row
// copies.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.sqlTx.ExecContext(ctx, query, args...)
}

// Query runs a query within this transaction.
func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.sqlTx.QueryContext(ctx, query, args...)
}

// checkReentrant fails fast if a kernel call arrives while an observer
// callback triggered by this kernel's own commit is still running.
func (k *Kernel) checkReentrant() error {
	if k.dispatching.Load() {
		return types.ErrReentrantWrite
	}
	return nil
}
