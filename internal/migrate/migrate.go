// Package migrate is the Migration Engine: it takes the Schema
// Registry's diff between the persisted and declared descriptors and
// rewrites the store to match, invoking user-supplied row transforms
// inside one logical migration transaction. Any failure rolls back the
// whole migration, descriptor updates included.
package migrate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/latticedb/lattice/internal/kernel"
	"github.com/latticedb/lattice/internal/object"
	"github.com/latticedb/lattice/internal/registry"
	"github.com/latticedb/lattice/internal/types"
)

// Transform is one table's row-level migration hook. old is a read-only
// view of the pre-migration row; next is the unmanaged post-migration
// row, pre-seeded by copying same-named, type-compatible columns (and
// any planned renames). The transform mutates next in place.
type Transform func(ctx context.Context, old, next *object.Row) error

// Plan carries everything a migration may need beyond the schema diff
// itself. All fields are optional; a nil Plan auto-migrates by column
// copy alone.
type Plan struct {
	// Transforms maps table name to its row transform.
	Transforms map[string]Transform

	// Renames maps table name to old-column→new-column renames, applied
	// during row seeding before the transform runs.
	Renames map[string]map[string]string

	// DeleteAll lists tables whose rows are discarded instead of
	// migrated.
	DeleteAll []string
}

func (p *Plan) transform(table string) Transform {
	if p == nil {
		return nil
	}
	return p.Transforms[table]
}

func (p *Plan) renames(table string) map[string]string {
	if p == nil {
		return nil
	}
	return p.Renames[table]
}

func (p *Plan) deletesAll(table string) bool {
	if p == nil {
		return false
	}
	for _, t := range p.DeleteAll {
		if t == table {
			return true
		}
	}
	return false
}

// shadowName is the physical name a table migrates through.
func shadowName(table string) string {
	return "_migrate_" + table
}

// Run applies diff to the store inside one kernel transaction. New
// tables are created, dropped tables are removed, and every changed
// table is rewritten through a shadow table row by row, preserving
// global ids. Sidecar and secondary indices are rebuilt from the new
// table after the rename. Commit is atomic: the descriptor updates in
// _lattice_schema land in the same transaction as the rewrites.
func Run(ctx context.Context, k *kernel.Kernel, reg *registry.Registry, diff *registry.Diff, plan *Plan) error {
	if diff.Empty() {
		return nil
	}

	persisted, err := registry.LoadPersisted(k)
	if err != nil {
		return err
	}

	tx, err := k.BeginTransaction(ctx)
	if err != nil {
		return err
	}

	if err := run(ctx, tx, k, reg, diff, plan, persisted); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.Commit(ctx); err != nil {
		return err
	}
	return nil
}

func run(ctx context.Context, tx *kernel.Tx, k *kernel.Kernel, reg *registry.Registry, diff *registry.Diff, plan *Plan, persisted map[string]*types.TableDescriptor) error {
	for _, t := range diff.NewTables {
		if err := k.ApplyDDLTx(tx, registry.CreateTableDDL(t)); err != nil {
			return err
		}
		if err := registry.PersistTx(ctx, tx, t); err != nil {
			return err
		}
	}

	changed := make([]string, 0, len(diff.ChangedTables))
	for name := range diff.ChangedTables {
		changed = append(changed, name)
	}
	sort.Strings(changed)

	for _, name := range changed {
		td := diff.ChangedTables[name]
		old := persisted[name]
		next, ok := reg.Table(name)
		if !ok || old == nil {
			return types.New(types.KindMigrationFailed, "changed table missing a descriptor").WithTable(name)
		}

		// Purely additive diffs with no plan hooks take the cheap path:
		// ALTER TABLE in place, no row rewrite. New columns start at
		// their defaults, so fresh sidecars have nothing to index yet.
		additive := len(td.Removed) == 0 && len(td.Changed) == 0
		if additive && plan.transform(name) == nil && plan.renames(name) == nil && !plan.deletesAll(name) {
			if err := k.ApplyDDLTx(tx, registry.AlterTableDDL(name, td)); err != nil {
				return err
			}
			if err := registry.PersistTx(ctx, tx, next); err != nil {
				return err
			}
			continue
		}

		if len(td.Changed) > 0 && plan.transform(name) == nil && plan.renames(name) == nil && !plan.deletesAll(name) {
			return types.New(types.KindSchemaConflict,
				fmt.Sprintf("column types changed (%s) and no migration plan covers the table", columnNames(td.Changed))).
				WithTable(name)
		}
		if err := rewriteTable(ctx, tx, k, old, next, plan); err != nil {
			return err
		}
		if err := registry.PersistTx(ctx, tx, next); err != nil {
			return err
		}
	}

	for _, name := range diff.DroppedTables {
		old := persisted[name]
		if old != nil {
			for _, colName := range old.LinkColumns() {
				col, _ := old.Column(colName)
				_, err := tx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s",
					quoteIdent(fmt.Sprintf("_%s_%s_%s", name, col.TargetTable, col.Name))))
				if err != nil {
					return types.Wrap(types.KindMigrationFailed, "drop link table", err)
				}
			}
			if err := dropSidecars(ctx, tx, old); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(name))); err != nil {
			return types.Wrap(types.KindMigrationFailed, "drop table", err)
		}
		if err := registry.DeletePersistedTx(ctx, tx, name); err != nil {
			return err
		}
	}

	return nil
}

// rewriteTable migrates one table through a shadow: create shadow with
// the new descriptor, seed-and-transform every old row into it, drop
// the old table, rename the shadow into place, rebuild indices.
func rewriteTable(ctx context.Context, tx *kernel.Tx, k *kernel.Kernel, old, next *types.TableDescriptor, plan *Plan) error {
	shadow := shadowName(next.Name)
	if err := k.ApplyDDLTx(tx, registry.BareTableDDL(shadow, next)); err != nil {
		return err
	}

	if !plan.deletesAll(next.Name) {
		if err := copyRows(ctx, tx, old, next, shadow, plan); err != nil {
			return err
		}
	}

	if err := dropSidecars(ctx, tx, old); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TABLE %s", quoteIdent(old.Name))); err != nil {
		return types.Wrap(types.KindMigrationFailed, "drop old table", err).WithTable(old.Name)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(shadow), quoteIdent(next.Name))); err != nil {
		return types.Wrap(types.KindMigrationFailed, "rename shadow table", err).WithTable(next.Name)
	}

	if err := k.ApplyDDLTx(tx, registry.IndexDDL(next)); err != nil {
		return err
	}
	return kernel.RebuildSidecars(ctx, tx, next)
}

func copyRows(ctx context.Context, tx *kernel.Tx, old, next *types.TableDescriptor, shadow string, plan *Plan) error {
	oldCols := []string{"id", "globalId"}
	for _, c := range old.Columns {
		if c.Kind == types.KindLink || c.Kind == types.KindList {
			continue
		}
		oldCols = append(oldCols, c.Name)
	}
	sel := fmt.Sprintf("SELECT %s FROM %s ORDER BY id", strings.Join(quoteIdents(oldCols), ", "), quoteIdent(old.Name))
	rows, err := tx.Query(ctx, sel)
	if err != nil {
		return types.Wrap(types.KindMigrationFailed, "scan old table", err).WithTable(old.Name)
	}

	type oldRow struct {
		globalID string
		fields   map[string]any
	}
	var oldRows []oldRow
	for rows.Next() {
		dest := make([]any, len(oldCols))
		ptrs := make([]any, len(oldCols))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			rows.Close()
			return types.Wrap(types.KindMigrationFailed, "scan old row", err).WithTable(old.Name)
		}
		fields := make(map[string]any, len(oldCols))
		for i, c := range oldCols {
			fields[c] = dest[i]
		}
		oldRows = append(oldRows, oldRow{globalID: fmt.Sprint(fields["globalId"]), fields: fields})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return types.Wrap(types.KindMigrationFailed, "iterate old rows", err).WithTable(old.Name)
	}

	transform := plan.transform(next.Name)
	renames := plan.renames(next.Name)

	for _, or := range oldRows {
		oldView := object.New(old, or.fields)

		seeded := make(map[string]any)
		for _, nc := range next.Columns {
			if nc.Kind == types.KindLink || nc.Kind == types.KindList {
				continue
			}
			src := nc.Name
			for o, n := range renames {
				if n == nc.Name {
					src = o
				}
			}
			oc, existed := old.Column(src)
			if !existed {
				continue
			}
			if compatible(oc.Kind, nc.Kind) {
				seeded[nc.Name] = or.fields[src]
			}
		}
		newView := object.New(next, seeded)

		if transform != nil {
			if err := transform(ctx, oldView, newView); err != nil {
				return types.Wrap(types.KindMigrationFailed, "transform block failed", err).WithTable(next.Name)
			}
		}

		cols := []string{"globalId"}
		vals := []any{or.globalID}
		for _, nc := range next.Columns {
			if nc.Kind == types.KindLink || nc.Kind == types.KindList {
				continue
			}
			v, err := newView.Get(ctx, nc.Name)
			if err != nil {
				return err
			}
			if v == nil && !nc.Nullable && nc.Kind == types.KindGeo {
				// An unset non-nullable geo column gets the same empty
				// blob the ALTER path backfills.
				v = []byte{}
			}
			cols = append(cols, nc.Name)
			vals = append(vals, v)
		}
		marks := strings.Repeat("?,", len(cols))
		ins := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quoteIdent(shadow), strings.Join(quoteIdents(cols), ", "), marks[:len(marks)-1])
		if _, err := tx.Exec(ctx, ins, vals...); err != nil {
			return types.Wrap(types.KindMigrationFailed, "insert migrated row", err).WithTable(next.Name)
		}
	}
	return nil
}

// compatible reports whether a value of kind a seeds a column of kind b
// without a transform. Numeric widening is allowed; everything else
// requires an exact kind match.
func compatible(a, b types.Kind) bool {
	if a == b {
		return true
	}
	return (a == types.KindInt && b == types.KindReal) || (a == types.KindReal && b == types.KindInt)
}

func dropSidecars(ctx context.Context, tx *kernel.Tx, t *types.TableDescriptor) error {
	for _, c := range t.Columns {
		var name string
		switch c.Kind {
		case types.KindGeo:
			name = kernel.RtreeTableName(t.Name, c.Name)
		case types.KindText:
			name = kernel.FTSTableName(t.Name, c.Name)
		case types.KindVector:
			name = kernel.ANNTableName(t.Name, c.Name)
		default:
			continue
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(name))); err != nil {
			return types.Wrap(types.KindMigrationFailed, "drop sidecar", err).WithTable(t.Name).WithColumn(c.Name)
		}
	}
	return nil
}

func columnNames(cols []types.ColumnDescriptor) string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return strings.Join(names, ", ")
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteIdents(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quoteIdent(n)
	}
	return out
}
