package registry_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/latticedb/lattice/internal/kernel"
	"github.com/latticedb/lattice/internal/registry"
	"github.com/latticedb/lattice/internal/types"
)

func placeDesc() *types.TableDescriptor {
	return &types.TableDescriptor{
		Name: "places",
		Columns: []types.ColumnDescriptor{
			{Name: "name", Kind: types.KindText, Indexed: true},
			{Name: "location", Kind: types.KindGeo, Indexed: true},
			{Name: "description", Kind: types.KindText},
		},
	}
}

func TestBuildRejectsTwoUpsertConstraints(t *testing.T) {
	desc := &types.TableDescriptor{
		Name: "users",
		Columns: []types.ColumnDescriptor{
			{Name: "email", Kind: types.KindText},
			{Name: "handle", Kind: types.KindText},
		},
		Constraints: []types.ConstraintDescriptor{
			{Columns: []string{"email"}, AllowsUpsert: true},
			{Columns: []string{"handle"}, AllowsUpsert: true},
		},
	}
	_, err := registry.Build(desc)
	var le *types.LatticeError
	if !errors.As(err, &le) || le.Kind != types.KindSchemaInvalid {
		t.Errorf("err = %v, want SchemaInvalid", err)
	}
}

func TestBuildRejectsDanglingLinkTarget(t *testing.T) {
	desc := &types.TableDescriptor{
		Name: "trips",
		Columns: []types.ColumnDescriptor{
			{Name: "place", Kind: types.KindLink, TargetTable: "places"},
		},
	}
	_, err := registry.Build(desc)
	var le *types.LatticeError
	if !errors.As(err, &le) || le.Kind != types.KindSchemaInvalid {
		t.Errorf("err = %v, want SchemaInvalid", err)
	}

	// Declaring the target alongside fixes it.
	if _, err := registry.Build(desc, placeDesc()); err != nil {
		t.Errorf("build with target declared: %v", err)
	}
}

func TestCreateTableDDLShape(t *testing.T) {
	ddl := registry.CreateTableDDL(placeDesc())

	for _, want := range []string{
		`CREATE TABLE IF NOT EXISTS "places"`,
		"id INTEGER PRIMARY KEY AUTOINCREMENT",
		"globalId TEXT UNIQUE NOT NULL",
		`"name" TEXT NOT NULL`,
		"USING rtree(id, minX, maxX, minY, maxY)",
		// An indexed text column gets an inverted-index sidecar.
		`"_places_name_fts"`,
		"USING fts5",
	} {
		if !strings.Contains(ddl, want) {
			t.Errorf("DDL missing %q:\n%s", want, ddl)
		}
	}
	// description is not indexed; no FTS sidecar for it.
	if strings.Contains(ddl, "_places_description_fts") {
		t.Errorf("DDL creates sidecar for non-indexed column:\n%s", ddl)
	}
}

func TestAlterTableDDLAdditive(t *testing.T) {
	td := &registry.TableDiff{
		Added: []types.ColumnDescriptor{
			{Name: "notes", Kind: types.KindText, Nullable: true},
			{Name: "score", Kind: types.KindInt, Indexed: true},
			{Name: "tags", Kind: types.KindList, TargetTable: "tags"},
		},
	}
	ddl := registry.AlterTableDDL("items", td)

	for _, want := range []string{
		`ALTER TABLE "items" ADD COLUMN "notes" TEXT;`,
		`ALTER TABLE "items" ADD COLUMN "score" INTEGER NOT NULL DEFAULT 0;`,
		`CREATE INDEX IF NOT EXISTS "idx_items_score"`,
		`"_items_tags_tags"`,
	} {
		if !strings.Contains(ddl, want) {
			t.Errorf("DDL missing %q:\n%s", want, ddl)
		}
	}
	// List columns have no scalar representation on the base table.
	if strings.Contains(ddl, `ADD COLUMN "tags"`) {
		t.Errorf("DDL adds a scalar column for a list:\n%s", ddl)
	}
}

func TestReconcileClassifiesDiff(t *testing.T) {
	k, err := kernel.Open("", kernel.Options{InMemory: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer k.Close()

	v1 := &types.TableDescriptor{
		Name: "items",
		Columns: []types.ColumnDescriptor{
			{Name: "title", Kind: types.KindText},
			{Name: "weight", Kind: types.KindInt},
		},
	}
	if err := registry.Persist(k, v1); err != nil {
		t.Fatalf("persist: %v", err)
	}

	v2 := &types.TableDescriptor{
		Name: "items",
		Columns: []types.ColumnDescriptor{
			{Name: "title", Kind: types.KindText},
			{Name: "weight", Kind: types.KindReal}, // type change
			{Name: "notes", Kind: types.KindText, Nullable: true},
		},
	}
	extra := &types.TableDescriptor{Name: "tags", Columns: []types.ColumnDescriptor{{Name: "label", Kind: types.KindText}}}

	reg, err := registry.Build(v2, extra)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	diff, err := reg.Reconcile(k)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if len(diff.NewTables) != 1 || diff.NewTables[0].Name != "tags" {
		t.Errorf("new tables = %+v, want [tags]", diff.NewTables)
	}
	td, ok := diff.ChangedTables["items"]
	if !ok {
		t.Fatal("items not classified as changed")
	}
	if len(td.Added) != 1 || td.Added[0].Name != "notes" {
		t.Errorf("added = %+v, want [notes]", td.Added)
	}
	if len(td.Changed) != 1 || td.Changed[0].Name != "weight" {
		t.Errorf("changed = %+v, want [weight]", td.Changed)
	}
	if len(td.Removed) != 0 {
		t.Errorf("removed = %+v, want none", td.Removed)
	}
}

func TestReconcileEmptyWhenUnchanged(t *testing.T) {
	k, err := kernel.Open("", kernel.Options{InMemory: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer k.Close()

	desc := placeDesc()
	if err := registry.Persist(k, desc); err != nil {
		t.Fatalf("persist: %v", err)
	}
	reg, err := registry.Build(desc)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	diff, err := reg.Reconcile(k)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !diff.Empty() {
		t.Errorf("diff not empty: %+v", diff)
	}
}
