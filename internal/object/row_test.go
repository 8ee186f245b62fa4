package object

import (
	"context"
	"errors"
	"testing"

	"github.com/latticedb/lattice/internal/types"
)

func noteDesc() *types.TableDescriptor {
	return &types.TableDescriptor{
		Name: "notes",
		Columns: []types.ColumnDescriptor{
			{Name: "title", Kind: types.KindText},
			{Name: "stars", Kind: types.KindInt},
			{Name: "body", Kind: types.KindText, Nullable: true},
		},
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	row := New(noteDesc(), map[string]any{"title": "hello"})
	ctx := context.Background()

	v, err := row.Get(ctx, "title")
	if err != nil || v != "hello" {
		t.Errorf("title = (%v, %v), want hello", v, err)
	}
	v, err = row.Get(ctx, "stars")
	if err != nil || v != int64(0) {
		t.Errorf("stars default = (%v, %v), want 0", v, err)
	}
	v, err = row.Get(ctx, "body")
	if err != nil || v != nil {
		t.Errorf("nullable default = (%v, %v), want nil", v, err)
	}
	if row.IsManaged() {
		t.Error("fresh row reports managed")
	}
}

func TestSetAndGetUnmanaged(t *testing.T) {
	row := New(noteDesc(), nil)
	ctx := context.Background()

	if err := row.Set(ctx, nil, "stars", int64(4)); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, _ := row.Get(ctx, "stars")
	if v != int64(4) {
		t.Errorf("stars = %v, want 4", v)
	}
}

func TestUnknownColumnRejected(t *testing.T) {
	row := New(noteDesc(), nil)
	ctx := context.Background()

	_, err := row.Get(ctx, "nope")
	var le *types.LatticeError
	if !errors.As(err, &le) || le.Kind != types.KindQueryInvalid {
		t.Errorf("get err = %v, want QueryInvalid", err)
	}
	if err := row.Set(ctx, nil, "nope", 1); !errors.As(err, &le) || le.Kind != types.KindQueryInvalid {
		t.Errorf("set err = %v, want QueryInvalid", err)
	}
}

func TestFieldsIteratorOrder(t *testing.T) {
	row := New(noteDesc(), map[string]any{"title": "t", "stars": int64(2)})
	fields, err := row.Fields(context.Background())
	if err != nil {
		t.Fatalf("fields: %v", err)
	}
	wantNames := []string{"title", "stars", "body"}
	if len(fields) != len(wantNames) {
		t.Fatalf("got %d fields, want %d", len(fields), len(wantNames))
	}
	for i, want := range wantNames {
		if fields[i].Name != want {
			t.Errorf("field %d = %s, want %s", i, fields[i].Name, want)
		}
	}
	if fields[1].Kind != types.KindInt || fields[1].Value != int64(2) {
		t.Errorf("stars field = %+v", fields[1])
	}
}

func TestDeleteUnmanagedRejected(t *testing.T) {
	row := New(noteDesc(), nil)
	_, err := row.Delete(context.Background(), nil)
	var le *types.LatticeError
	if !errors.As(err, &le) || le.Kind != types.KindTransactionMisuse {
		t.Errorf("err = %v, want TransactionMisuse", err)
	}
}
