package lattice

import (
	"context"
	"fmt"

	"github.com/latticedb/lattice/internal/audit"
	"github.com/latticedb/lattice/internal/bus"
	"github.com/latticedb/lattice/internal/config"
	"github.com/latticedb/lattice/internal/geo"
	"github.com/latticedb/lattice/internal/kernel"
	"github.com/latticedb/lattice/internal/logging"
	"github.com/latticedb/lattice/internal/migrate"
	"github.com/latticedb/lattice/internal/object"
	"github.com/latticedb/lattice/internal/query"
	"github.com/latticedb/lattice/internal/registry"
	"github.com/latticedb/lattice/internal/types"
	"github.com/latticedb/lattice/internal/vector"
)

// Store is one open Lattice store: the storage kernel, reconciled
// schema, change log, and observation bus behind a typed API. A Store
// is safe for concurrent use; writes serialize through the kernel's
// single writer transaction slot.
type Store struct {
	cfg *config.Config
	k   *kernel.Kernel
	reg *registry.Registry
	log *audit.Log
	bus *bus.Bus
}

// Open opens or creates the store described by cfg, reconciles the
// declared tables against whatever schema the store last persisted,
// and migrates if they diverge. plan may be nil when the divergence is
// additive; a type-changing divergence without a plan fails with
// SchemaConflict.
func Open(cfg *Config, plan *MigrationPlan, tables ...*TableDescriptor) (*Store, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if cfg.LogPath != "" {
		logging.Configure(cfg.LogPath, 10, 3, 28)
	}

	reg, err := registry.Build(tables...)
	if err != nil {
		return nil, err
	}

	k, err := kernel.Open(cfg.Path, kernel.Options{
		InMemory:      cfg.InMemory,
		StmtCacheSize: cfg.StmtCacheSize,
	})
	if err != nil {
		return nil, err
	}

	log := audit.New(k)

	diff, err := reg.Reconcile(k)
	if err != nil {
		_ = k.Close()
		return nil, err
	}
	if !diff.Empty() {
		if err := migrate.Run(context.Background(), k, reg, diff, plan); err != nil {
			_ = k.Close()
			return nil, err
		}
	}

	return &Store{cfg: cfg, k: k, reg: reg, log: log, bus: bus.New()}, nil
}

// Close releases the kernel, its statement cache, and the store lock.
func (s *Store) Close() error {
	return s.k.Close()
}

// Config returns the configuration the store was opened with.
func (s *Store) Config() *Config { return s.cfg }

// Tx is one open write transaction, passed to the function given to
// Write. All mutations flow through it; reads may use the Store
// directly (they observe the WAL snapshot).
type Tx struct {
	s   *Store
	ktx *kernel.Tx
}

// Write runs fn inside the single writer transaction. On success the
// transaction commits with its audit batch, then the commit's events
// fan out to observers; fn returning an error rolls everything back
// and nothing is published.
func (s *Store) Write(ctx context.Context, fn func(tx *Tx) error) error {
	ktx, err := s.k.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	tx := &Tx{s: s, ktx: ktx}
	if err := fn(tx); err != nil {
		_ = ktx.Rollback()
		return err
	}
	events, err := ktx.Commit(ctx)
	if err != nil {
		return err
	}
	s.publish(events, ktx.SinkResult())
	return nil
}

// publish fans one commit's events out to the bus with the reentrancy
// bracket held, so an observer that calls back into a mutating kernel
// operation fails fast instead of deadlocking.
func (s *Store) publish(events []kernel.RowEvent, sinkResult any) {
	if len(events) == 0 {
		return
	}
	entries, _ := sinkResult.([]audit.Entry)
	s.k.BeginDispatch()
	defer s.k.EndDispatch()
	s.bus.Publish(events, entries)
}

// NewRow builds an unmanaged row for table, applying column defaults
// for any field not present in initial.
func (s *Store) NewRow(table string, initial map[string]any) (*Row, error) {
	desc, ok := s.reg.Table(table)
	if !ok {
		return nil, types.New(types.KindQueryInvalid, "unknown table").WithTable(table)
	}
	return object.New(desc, initial), nil
}

// Insert persists an unmanaged row, transitioning it to managed and
// registering its handle with the instance registry.
func (t *Tx) Insert(ctx context.Context, row *Row) error {
	if err := row.Insert(ctx, t.ktx, t.s.k); err != nil {
		return err
	}
	t.s.bus.Instances.Register(row.Table().Name, row.PrimaryKey(), row)
	return nil
}

// InsertFields is Insert for callers that start from a bare field map.
func (t *Tx) InsertFields(ctx context.Context, table string, fields map[string]any) (*Row, error) {
	row, err := t.s.NewRow(table, fields)
	if err != nil {
		return nil, err
	}
	if err := t.Insert(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// Set writes one field of a managed row through the kernel.
func (t *Tx) Set(ctx context.Context, row *Row, name string, value any) error {
	return row.Set(ctx, t.ktx, name, value)
}

// Delete removes a managed row. Terminal for the handle.
func (t *Tx) Delete(ctx context.Context, row *Row) (bool, error) {
	deleted, err := row.Delete(ctx, t.ktx)
	if deleted {
		t.s.bus.Instances.Deregister(row.Table().Name, row.PrimaryKey(), row)
	}
	return deleted, err
}

// DeleteWhere removes every row of table matching p, returning the
// count.
func (t *Tx) DeleteWhere(ctx context.Context, table string, p *Predicate) (int64, error) {
	desc, ok := t.s.reg.Table(table)
	if !ok {
		return 0, types.New(types.KindQueryInvalid, "unknown table").WithTable(table)
	}
	whereSQL, args, err := p.Lower(t.s.reg.Schema(), desc)
	if err != nil {
		return 0, err
	}
	return kernel.DeleteWhere(ctx, t.ktx, desc, whereSQL, args)
}

// AppendLink appends target to the end of row's ordered link list on
// column.
func (t *Tx) AppendLink(ctx context.Context, row *Row, column string, target *Row) error {
	col, err := t.linkColumn(row, column)
	if err != nil {
		return err
	}
	return kernel.AppendLink(ctx, t.ktx, row.Table().Name, col.TargetTable, column, row.GlobalID(), target.GlobalID())
}

// RemoveLinkAt removes the link at the given position, compacting the
// list.
func (t *Tx) RemoveLinkAt(ctx context.Context, row *Row, column string, index int) error {
	col, err := t.linkColumn(row, column)
	if err != nil {
		return err
	}
	return kernel.RemoveLinkAt(ctx, t.ktx, row.Table().Name, col.TargetTable, column, row.GlobalID(), index)
}

func (t *Tx) linkColumn(row *Row, column string) (types.ColumnDescriptor, error) {
	col, ok := row.Table().Column(column)
	if !ok || (col.Kind != types.KindLink && col.Kind != types.KindList) {
		return col, types.New(types.KindQueryInvalid, "not a link column").
			WithTable(row.Table().Name).WithColumn(column)
	}
	return col, nil
}

// LinkAt resolves the managed row at the given position of row's link
// list on column.
func (s *Store) LinkAt(ctx context.Context, row *Row, column string, index int) (*Row, error) {
	col, ok := row.Table().Column(column)
	if !ok || (col.Kind != types.KindLink && col.Kind != types.KindList) {
		return nil, types.New(types.KindQueryInvalid, "not a link column").
			WithTable(row.Table().Name).WithColumn(column)
	}
	gid, err := s.k.LinkAt(ctx, row.Table().Name, col.TargetTable, column, row.GlobalID(), index)
	if err != nil {
		return nil, err
	}
	return s.GetByGlobalID(ctx, col.TargetTable, gid)
}

// LinkCount returns the size of row's link list on column.
func (s *Store) LinkCount(ctx context.Context, row *Row, column string) (int, error) {
	col, ok := row.Table().Column(column)
	if !ok || (col.Kind != types.KindLink && col.Kind != types.KindList) {
		return 0, types.New(types.KindQueryInvalid, "not a link column").
			WithTable(row.Table().Name).WithColumn(column)
	}
	return s.k.LinkCount(ctx, row.Table().Name, col.TargetTable, column, row.GlobalID())
}

// FindLinkIndex returns target's position in row's link list on
// column, or -1 if absent.
func (s *Store) FindLinkIndex(ctx context.Context, row *Row, column string, target *Row) (int, error) {
	col, ok := row.Table().Column(column)
	if !ok || (col.Kind != types.KindLink && col.Kind != types.KindList) {
		return -1, types.New(types.KindQueryInvalid, "not a link column").
			WithTable(row.Table().Name).WithColumn(column)
	}
	return s.k.FindLinkIndex(ctx, row.Table().Name, col.TargetTable, column, row.GlobalID(), target.GlobalID())
}

// FindLinkIndicesWhere returns the positions of every link target
// satisfying p, which is rooted at the target table.
func (s *Store) FindLinkIndicesWhere(ctx context.Context, row *Row, column string, p *Predicate) ([]int, error) {
	col, ok := row.Table().Column(column)
	if !ok || (col.Kind != types.KindLink && col.Kind != types.KindList) {
		return nil, types.New(types.KindQueryInvalid, "not a link column").
			WithTable(row.Table().Name).WithColumn(column)
	}
	target, ok := s.reg.Table(col.TargetTable)
	if !ok {
		return nil, types.New(types.KindQueryInvalid, "link target table is not declared").
			WithTable(row.Table().Name).WithColumn(column)
	}
	whereSQL, args, err := p.LowerForLinkTarget(s.reg.Schema(), target)
	if err != nil {
		return nil, err
	}
	return s.k.FindLinkIndicesWhere(ctx, row.Table().Name, col.TargetTable, column, row.GlobalID(), whereSQL, args)
}

// Get resolves a managed handle by primary key.
func (s *Store) Get(ctx context.Context, table string, primaryKey int64) (*Row, error) {
	desc, ok := s.reg.Table(table)
	if !ok {
		return nil, types.New(types.KindQueryInvalid, "unknown table").WithTable(table)
	}
	gid, err := s.k.GetColumn(ctx, table, "globalId", primaryKey)
	if err != nil {
		return nil, err
	}
	row := object.Managed(s.k, desc, primaryKey, fmt.Sprint(gid))
	s.bus.Instances.Register(table, primaryKey, row)
	return row, nil
}

// GetByGlobalID resolves a managed handle by its replica-stable id.
func (s *Store) GetByGlobalID(ctx context.Context, table, globalID string) (*Row, error) {
	desc, ok := s.reg.Table(table)
	if !ok {
		return nil, types.New(types.KindQueryInvalid, "unknown table").WithTable(table)
	}
	rows, err := s.k.Query(ctx, fmt.Sprintf("SELECT id FROM %q WHERE globalId = ?", table), globalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, types.New(types.KindNotFound, "row not found").WithTable(table).WithColumn("globalId")
	}
	var id int64
	if err := rows.Scan(&id); err != nil {
		return nil, types.Wrap(types.KindIOError, "scan row id", err)
	}
	row := object.Managed(s.k, desc, id, globalID)
	s.bus.Instances.Register(table, id, row)
	return row, nil
}

// Resolve re-acquires a managed handle from a SendableRef on the
// calling context.
func (s *Store) Resolve(ctx context.Context, ref SendableRef) (*Row, error) {
	return s.Get(ctx, ref.Table, ref.RowID)
}

// Objects starts a typed query over table.
func (s *Store) Objects(table string) (*query.Query, error) {
	return query.All(s.k, s.reg.Schema(), table)
}

// VirtualObjects starts a query that maps one interface onto multiple
// participating tables via a UNION, preserving per-row table identity.
func (s *Store) VirtualObjects(tables ...string) (*query.VirtualQuery, error) {
	return query.Virtual(s.k, s.reg.Schema(), tables...)
}

// ObserveRow registers cb to run on octx whenever the given row's
// fields change; cb receives the changed field's name.
func (s *Store) ObserveRow(octx ObserverContext, table string, primaryKey int64, cb func(field string)) *Token {
	return s.bus.ObserveRow(octx, table, primaryKey, cb)
}

// ObserveTable registers cb to run on octx once per commit with the
// batch of audit entries that touched table.
func (s *Store) ObserveTable(octx ObserverContext, table string, cb func(entries []AuditEntry)) *Token {
	return s.bus.ObserveTable(octx, table, cb)
}

// ObserveCollection registers cb for Insert/Delete events on table,
// optionally filtered by p evaluated at insert time (inserts) or
// against the pre-delete row (deletes).
func (s *Store) ObserveCollection(octx ObserverContext, table string, p *Predicate, cb func(event CollectionEvent, rowID int64)) *Token {
	var pred func(map[string]any) bool
	if p != nil {
		pred = p.Eval
	}
	return s.bus.ObserveCollection(octx, table, pred, cb)
}

// EventsAfter returns audit entries strictly after the entry identified
// by globalID, or every entry when globalID is empty.
func (s *Store) EventsAfter(ctx context.Context, globalID string) ([]AuditEntry, error) {
	return s.log.EventsAfter(ctx, globalID)
}

// GeoValue encodes a point for writing into a geo column.
func GeoValue(p GeoPoint) []byte { return geo.Encode(p) }

// GeoFrom decodes a geo column value read back from a row.
func GeoFrom(v any) (GeoPoint, bool) {
	b, _ := v.([]byte)
	return geo.Decode(b)
}

// VectorValue encodes an embedding for writing into a vector column.
func VectorValue(v []float32) []byte { return vector.Encode(v) }

// VectorFrom decodes a vector column value read back from a row.
func VectorFrom(v any) ([]float32, bool) {
	b, _ := v.([]byte)
	return vector.Decode(b)
}

