// Package registry is the Schema Registry: it holds the reconciled
// per-table descriptor set and turns it into DDL, diffing against
// whatever descriptor set was last persisted in the store's
// _lattice_schema table.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/latticedb/lattice/internal/kernel"
	"github.com/latticedb/lattice/internal/types"
)

// Registry holds the live, reconciled schema for one open store.
type Registry struct {
	schema *types.Schema
}

// Build registers exactly the tables passed in seedTables (deduped by
// table name, first one wins), then validates constraint encoding: at
// most one unique constraint per table may carry AllowsUpsert, and
// every link column's target table must itself be among the tables
// passed. Link targets are not discovered: a target that was not passed
// fails with SchemaInvalid.
func Build(seedTables ...*types.TableDescriptor) (*Registry, error) {
	schema := types.NewSchema()
	queue := append([]*types.TableDescriptor{}, seedTables...)
	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]
		if _, seen := schema.Tables[t.Name]; seen {
			continue
		}
		schema.Add(t)
	}

	for _, t := range schema.Tables {
		upserts := 0
		for _, c := range t.Constraints {
			if c.AllowsUpsert {
				upserts++
			}
		}
		if upserts > 1 {
			return nil, types.New(types.KindSchemaInvalid,
				"at most one unique constraint may carry allowsUpsert").WithTable(t.Name)
		}
		for _, col := range t.Columns {
			if col.Kind != types.KindLink && col.Kind != types.KindList {
				continue
			}
			if _, ok := schema.Tables[col.TargetTable]; !ok {
				return nil, types.New(types.KindSchemaInvalid,
					fmt.Sprintf("link column %q targets undeclared table %q", col.Name, col.TargetTable)).
					WithTable(t.Name).WithColumn(col.Name)
			}
		}
	}

	return &Registry{schema: schema}, nil
}

// Schema returns the reconciled schema.
func (r *Registry) Schema() *types.Schema { return r.schema }

// Table looks up one table's descriptor by name.
func (r *Registry) Table(name string) (*types.TableDescriptor, bool) {
	t, ok := r.schema.Tables[name]
	return t, ok
}

// Diff is the result of comparing a declared schema against the
// persisted descriptor set found in _lattice_schema at open time.
type Diff struct {
	NewTables     []*types.TableDescriptor
	DroppedTables []string
	ChangedTables map[string]*TableDiff
}

// TableDiff describes how one already-declared table's columns moved
// between the persisted and declared descriptor.
type TableDiff struct {
	Added   []types.ColumnDescriptor
	Removed []types.ColumnDescriptor
	Changed []types.ColumnDescriptor // new kind/nullability for a same-named column
}

// Empty reports whether the diff requires no migration.
func (d *Diff) Empty() bool {
	return len(d.NewTables) == 0 && len(d.DroppedTables) == 0 && len(d.ChangedTables) == 0
}

// Reconcile loads the persisted descriptor set from the kernel's
// reserved _lattice_schema table and diffs it against r's declared
// schema.
func (r *Registry) Reconcile(k *kernel.Kernel) (*Diff, error) {
	persisted, err := loadPersisted(k)
	if err != nil {
		return nil, err
	}

	diff := &Diff{ChangedTables: map[string]*TableDiff{}}

	for name, t := range r.schema.Tables {
		old, existed := persisted[name]
		if !existed {
			diff.NewTables = append(diff.NewTables, t)
			continue
		}
		if td := diffColumns(old, t); td != nil {
			diff.ChangedTables[name] = td
		}
	}
	for name := range persisted {
		if _, declared := r.schema.Tables[name]; !declared {
			diff.DroppedTables = append(diff.DroppedTables, name)
		}
	}

	sort.Slice(diff.NewTables, func(i, j int) bool { return diff.NewTables[i].Name < diff.NewTables[j].Name })
	sort.Strings(diff.DroppedTables)

	return diff, nil
}

func diffColumns(old, next *types.TableDescriptor) *TableDiff {
	oldCols := map[string]types.ColumnDescriptor{}
	for _, c := range old.Columns {
		oldCols[c.Name] = c
	}
	nextCols := map[string]types.ColumnDescriptor{}
	for _, c := range next.Columns {
		nextCols[c.Name] = c
	}

	var td TableDiff
	for name, c := range nextCols {
		o, existed := oldCols[name]
		if !existed {
			td.Added = append(td.Added, c)
			continue
		}
		if o.Kind != c.Kind || o.Nullable != c.Nullable {
			td.Changed = append(td.Changed, c)
		}
	}
	for name, c := range oldCols {
		if _, stillDeclared := nextCols[name]; !stillDeclared {
			td.Removed = append(td.Removed, c)
		}
	}

	if len(td.Added) == 0 && len(td.Removed) == 0 && len(td.Changed) == 0 {
		return nil
	}
	sortColumns(td.Added)
	sortColumns(td.Removed)
	sortColumns(td.Changed)
	return &td
}

func sortColumns(cols []types.ColumnDescriptor) {
	sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })
}

// LoadPersisted loads the descriptor set persisted in _lattice_schema,
// used by the Migration Engine to construct OldRow views when a
// persisted descriptor diverges from the declared one.
func LoadPersisted(k *kernel.Kernel) (map[string]*types.TableDescriptor, error) {
	return loadPersisted(k)
}

func loadPersisted(k *kernel.Kernel) (map[string]*types.TableDescriptor, error) {
	rows, err := k.DB().Query(`SELECT "table", descriptor FROM _lattice_schema`)
	if err != nil {
		return nil, types.Wrap(types.KindOpenFailed, "load persisted schema", err)
	}
	defer rows.Close()

	out := map[string]*types.TableDescriptor{}
	for rows.Next() {
		var name string
		var blob []byte
		if err := rows.Scan(&name, &blob); err != nil {
			return nil, types.Wrap(types.KindOpenFailed, "scan persisted schema row", err)
		}
		var desc types.TableDescriptor
		if err := json.Unmarshal(blob, &desc); err != nil {
			return nil, types.Wrap(types.KindOpenFailed, "decode persisted descriptor", err)
		}
		out[name] = &desc
	}
	return out, rows.Err()
}

// Persist writes t's descriptor into _lattice_schema, replacing any
// prior entry for the same table name.
func Persist(k *kernel.Kernel, t *types.TableDescriptor) error {
	blob, err := json.Marshal(t)
	if err != nil {
		return types.Wrap(types.KindIOError, "encode descriptor", err)
	}
	_, err = k.DB().Exec(
		`INSERT INTO _lattice_schema ("table", descriptor) VALUES (?, ?)
		 ON CONFLICT("table") DO UPDATE SET descriptor = excluded.descriptor`,
		t.Name, blob,
	)
	if err != nil {
		return types.Wrap(types.KindIOError, "persist descriptor", err)
	}
	return nil
}

// PersistTx is Persist inside an open kernel transaction, so a
// migration's descriptor update commits atomically with the row
// rewrites it induces.
func PersistTx(ctx context.Context, tx *kernel.Tx, t *types.TableDescriptor) error {
	blob, err := json.Marshal(t)
	if err != nil {
		return types.Wrap(types.KindIOError, "encode descriptor", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO _lattice_schema ("table", descriptor) VALUES (?, ?)
		 ON CONFLICT("table") DO UPDATE SET descriptor = excluded.descriptor`,
		t.Name, blob,
	)
	if err != nil {
		return types.Wrap(types.KindIOError, "persist descriptor", err)
	}
	return nil
}

// DeletePersistedTx removes a table's descriptor inside an open kernel
// transaction.
func DeletePersistedTx(ctx context.Context, tx *kernel.Tx, table string) error {
	_, err := tx.Exec(ctx, `DELETE FROM _lattice_schema WHERE "table" = ?`, table)
	if err != nil {
		return types.Wrap(types.KindIOError, "delete persisted descriptor", err)
	}
	return nil
}

// DeletePersisted removes a table's descriptor from _lattice_schema
// outside any transaction. The Migration Engine drops descriptors with
// DeletePersistedTx instead.
func DeletePersisted(k *kernel.Kernel, table string) error {
	_, err := k.DB().Exec(`DELETE FROM _lattice_schema WHERE "table" = ?`, table)
	if err != nil {
		return types.Wrap(types.KindIOError, "delete persisted descriptor", err)
	}
	return nil
}

// CreateTableDDL synthesizes a CREATE TABLE statement for a newly
// declared table, plus one CREATE TABLE per link/list column (link
// tables are always created, even for a brand-new owner table) and one
// CREATE UNIQUE INDEX per declared constraint.
func CreateTableDDL(t *types.TableDescriptor) string {
	return BareTableDDL(t.Name, t) + IndexDDL(t)
}

// BareTableDDL synthesizes only the base CREATE TABLE, under an
// arbitrary physical name. The Migration Engine uses this for shadow
// tables, which get their indices rebuilt only after the rename.
func BareTableDDL(name string, t *types.TableDescriptor) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n", quoteIdent(name)))
	b.WriteString("\tid INTEGER PRIMARY KEY AUTOINCREMENT,\n")
	b.WriteString("\tglobalId TEXT UNIQUE NOT NULL")
	for _, c := range t.Columns {
		if c.Kind == types.KindLink || c.Kind == types.KindList {
			continue
		}
		b.WriteString(",\n\t")
		b.WriteString(quoteIdent(c.Name))
		b.WriteString(" ")
		b.WriteString(sqlType(c))
		if !c.Nullable {
			b.WriteString(" NOT NULL")
		}
	}
	b.WriteString("\n);\n")
	return b.String()
}

// IndexDDL synthesizes every index and sidecar for t: link tables,
// unique-constraint indices, secondary indices, and the proximity
// sidecars (R-tree, FTS, ANN) for indexed geo/text/vector columns.
func IndexDDL(t *types.TableDescriptor) string {
	var b strings.Builder
	for _, c := range t.Columns {
		if c.Kind == types.KindLink || c.Kind == types.KindList {
			b.WriteString(linkDDL(t.Name, c))
		}
	}
	for i, c := range t.Constraints {
		idxName := fmt.Sprintf("idx_%s_uniq_%d", t.Name, i)
		cols := make([]string, len(c.Columns))
		for j, cn := range c.Columns {
			cols[j] = quoteIdent(cn)
		}
		b.WriteString(fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s);\n",
			quoteIdent(idxName), quoteIdent(t.Name), strings.Join(cols, ", ")))
	}
	for _, c := range t.Columns {
		if !c.Indexed || c.Kind == types.KindLink || c.Kind == types.KindList {
			continue
		}
		b.WriteString(secondaryIndexDDL(t.Name, c))
	}
	return b.String()
}

func linkDDL(owner string, c types.ColumnDescriptor) string {
	return kernel.LinkTableDDL(owner, c.TargetTable, c.Name)
}

func secondaryIndexDDL(table string, c types.ColumnDescriptor) string {
	switch c.Kind {
	case types.KindGeo:
		return fmt.Sprintf("CREATE VIRTUAL TABLE IF NOT EXISTS %s USING rtree(id, minX, maxX, minY, maxY);\n",
			quoteIdent(kernel.RtreeTableName(table, c.Name)))
	case types.KindText:
		return fmt.Sprintf("CREATE VIRTUAL TABLE IF NOT EXISTS %s USING fts5(%s, content='%s', content_rowid='id');\n",
			quoteIdent(kernel.FTSTableName(table, c.Name)), quoteIdent(c.Name), table)
	case types.KindVector:
		return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id INTEGER PRIMARY KEY, vector BLOB NOT NULL);\n",
			quoteIdent(kernel.ANNTableName(table, c.Name)))
	default:
		idxName := fmt.Sprintf("idx_%s_%s", table, c.Name)
		return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s);\n",
			quoteIdent(idxName), quoteIdent(table), quoteIdent(c.Name))
	}
}

func sqlType(c types.ColumnDescriptor) string {
	switch c.Kind {
	case types.KindInt:
		return "INTEGER"
	case types.KindReal:
		return "REAL"
	case types.KindText:
		return "TEXT"
	case types.KindBlob, types.KindVector:
		return "BLOB"
	case types.KindGeo:
		return "BLOB" // packed (lat, lon) pair; sidecar R-tree indexes it
	default:
		return "TEXT"
	}
}

// AlterTableDDL synthesizes the DDL for a purely additive table diff:
// ADD COLUMN per new scalar column (NOT NULL columns get a
// type-appropriate default so existing rows backfill), a link table per
// new link/list column, and the secondary index or proximity sidecar
// for new indexed columns. Removed and type-changed columns cannot be
// expressed as ALTER TABLE against SQLite and take the Migration
// Engine's shadow-table rewrite instead.
func AlterTableDDL(table string, td *TableDiff) string {
	var b strings.Builder
	for _, c := range td.Added {
		if c.Kind == types.KindLink || c.Kind == types.KindList {
			b.WriteString(linkDDL(table, c))
			continue
		}
		b.WriteString(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(table), quoteIdent(c.Name), sqlType(c)))
		if !c.Nullable {
			b.WriteString(" NOT NULL DEFAULT " + sqlDefault(c))
		}
		b.WriteString(";\n")
		if c.Indexed {
			b.WriteString(secondaryIndexDDL(table, c))
		}
	}
	return b.String()
}

func sqlDefault(c types.ColumnDescriptor) string {
	switch c.Kind {
	case types.KindInt, types.KindReal:
		return "0"
	case types.KindBlob, types.KindVector, types.KindGeo:
		return "X''"
	default:
		return "''"
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
