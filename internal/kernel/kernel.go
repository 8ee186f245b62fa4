// Package kernel is the Storage Kernel: durable, single-writer access
// to rows, indices, and DDL over one physical SQLite store, opened
// through github.com/ncruces/go-sqlite3.
package kernel

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	lru "github.com/hashicorp/golang-lru/v2"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/latticedb/lattice/internal/types"
)

// RowEvent is the structured event every mutating operation emits
// before its transaction commits, consumed by the Change Log before
// commit returns.
type RowEvent struct {
	Op           types.Op
	Table        string
	RowID        int64
	GlobalRowID  string
	Before       map[string]any
	After        map[string]any
	// ChangedNames is the ordered set of columns whose post-write value
	// differs from pre-write (update) or from the column default
	// (insert). Always empty for delete.
	ChangedNames []string
	IsFromRemote bool
}

// Sink durably records a batch of row events inside the same SQL
// transaction that produced them, just before that transaction commits
// (so audit durability equals data durability). The Change Log
// (internal/audit) is the only implementer used in practice; it's an
// interface here so the kernel package never imports audit (which
// imports kernel for row access).
type Sink interface {
	Collect(ctx context.Context, tx *Tx, events []RowEvent) (any, error)
}

// Kernel wraps one physical store opened in read/write mode, plus a
// read-only replica handle for file-backed stores so readers proceed
// concurrently against the WAL snapshot while a write transaction is
// open. It is single-writer: a Tx acquired via BeginTransaction holds
// writerMu for its entire lifetime, serializing all mutating access.
type Kernel struct {
	path     string
	db       *sql.DB
	readDB   *sql.DB // nil for in-memory stores
	flock    *flock.Flock
	stmts    *lru.Cache[string, *sql.Stmt]
	writerMu sync.Mutex

	curTx   *sql.Tx
	txOwner atomic.Int64
	sink    Sink

	// dispatching is set while a commit is delivering row events to
	// observer callbacks, so a kernel call made from inside a callback
	// fails fast with ReentrantWrite instead of deadlocking on writerMu.
	dispatching atomic.Bool
}

// Options configures Open. StmtCacheSize <= 0 falls back to 256.
type Options struct {
	InMemory      bool
	StmtCacheSize int
}

// Open opens or creates the store at path. It acquires an advisory file
// lock first, so a second process attempting to open the same file
// fails fast with OpenFailed instead of silently corrupting the WAL.
func Open(path string, opts Options) (*Kernel, error) {
	dsn := path
	if opts.InMemory || path == "" {
		dsn = ":memory:"
	} else {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_txlock=immediate", path)
	}

	var fl *flock.Flock
	if path != "" && !opts.InMemory {
		fl = flock.New(path + ".lock")
		locked, err := fl.TryLock()
		if err != nil {
			return nil, types.Wrap(types.KindOpenFailed, "acquire store lock", err)
		}
		if !locked {
			return nil, types.New(types.KindOpenFailed, "store is locked by another process")
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		if fl != nil {
			_ = fl.Unlock()
		}
		return nil, types.Wrap(types.KindOpenFailed, "open store", err)
	}
	// One writer connection. A :memory: DSN yields a distinct empty
	// database per connection, so the cap also keeps in-memory stores
	// coherent; file-backed stores get a separate read-only pool below.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		if fl != nil {
			_ = fl.Unlock()
		}
		return nil, types.Wrap(types.KindOpenFailed, "ping store", err)
	}

	cacheSize := opts.StmtCacheSize
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.NewWithEvict(cacheSize, func(_ string, stmt *sql.Stmt) {
		_ = stmt.Close()
	})
	if err != nil {
		_ = db.Close()
		return nil, types.Wrap(types.KindOpenFailed, "create statement cache", err)
	}

	k := &Kernel{
		path:  path,
		db:    db,
		flock: fl,
		stmts: cache,
	}
	if err := k.applyReservedSchema(); err != nil {
		_ = db.Close()
		if fl != nil {
			_ = fl.Unlock()
		}
		return nil, err
	}

	// Read-only replica handle: many readers against the WAL snapshot,
	// never blocked by (and never blocking) the single writer. Opened
	// after the reserved schema lands so the store file exists. The
	// in-memory case stays on the single shared connection.
	if path != "" && !opts.InMemory {
		roDSN := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", path)
		readDB, err := sql.Open("sqlite3", roDSN)
		if err == nil {
			err = readDB.Ping()
		}
		if err != nil {
			if readDB != nil {
				_ = readDB.Close()
			}
			_ = k.Close()
			return nil, types.Wrap(types.KindOpenFailed, "open read replica", err)
		}
		k.readDB = readDB
	}
	return k, nil
}

// SetSink installs the Change Log as the recipient of row events. Must
// be called once, before any mutating operation.
func (k *Kernel) SetSink(s Sink) { k.sink = s }

// DB returns the underlying *sql.DB for components (registry,
// migration engine) that need raw access to run DDL or introspection
// queries the kernel doesn't itself expose.
func (k *Kernel) DB() *sql.DB { return k.db }

// Close releases the statement cache, both connections, and the file
// lock.
func (k *Kernel) Close() error {
	k.stmts.Purge()
	if k.readDB != nil {
		_ = k.readDB.Close()
	}
	err := k.db.Close()
	if k.flock != nil {
		_ = k.flock.Unlock()
	}
	return err
}

// preparedStmt returns a cached *sql.Stmt for query, preparing and
// caching it on miss. Cache key is the SQL text itself, which is
// already shaped by table + predicate signature + order signature by
// the Query Engine's lowering step.
func (k *Kernel) preparedStmt(ctx context.Context, tx *sql.Tx, query string) (*sql.Stmt, error) {
	if tx != nil {
		// Statements prepared against a transaction aren't safely
		// cacheable across transactions; prepare directly.
		return tx.PrepareContext(ctx, query)
	}
	if stmt, ok := k.stmts.Get(query); ok {
		return stmt, nil
	}
	stmt, err := k.readHandle().PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	k.stmts.Add(query, stmt)
	return stmt, nil
}

// readHandle returns the read-only replica pool when one exists, else
// the shared writer connection.
func (k *Kernel) readHandle() *sql.DB {
	if k.readDB != nil {
		return k.readDB
	}
	return k.db
}

// queryer abstracts where a read executes: the open transaction when
// the calling goroutine owns the writer slot (so it sees its own
// uncommitted writes, and never waits on the single writer connection
// it already holds), the read replica otherwise. In-memory stores have
// no replica and fall back to the shared writer connection.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// querier routes a read to the open transaction when the caller is the
// goroutine that began it, and to the read replica (or the shared
// connection for in-memory stores) otherwise. The atomic owner check
// comes first: curTx is only written by the owning goroutine, so it is
// safe to read once the owner id matches.
func (k *Kernel) querier() queryer {
	if k.txOwner.Load() == goid() && k.curTx != nil {
		return k.curTx
	}
	return k.readHandle()
}

// inOwnTx reports whether the calling goroutine owns the open write
// transaction.
func (k *Kernel) inOwnTx() bool {
	return k.txOwner.Load() == goid() && k.curTx != nil
}

// BeginDispatch and EndDispatch bracket observer fan-out after a
// commit. While the bracket is open, any mutating kernel call fails
// fast with ReentrantWrite instead of deadlocking on the writer lock.
// The Store calls these around Bus.Publish.
func (k *Kernel) BeginDispatch() { k.dispatching.Store(true) }

// EndDispatch closes the bracket opened by BeginDispatch.
func (k *Kernel) EndDispatch() { k.dispatching.Store(false) }
