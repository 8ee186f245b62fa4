// Package object is the Object Model: the in-memory representation of
// a row, either unmanaged (a detached field map) or managed (bound to a
// primary key in the Storage Kernel, every access forwarded through it).
package object

import (
	"context"

	"github.com/latticedb/lattice/internal/kernel"
	"github.com/latticedb/lattice/internal/types"
)

// Field is a single named, typed value on a row, as yielded by
// Row.Fields(). It carries no back-reference to the row or store;
// reads and writes always take an explicit (row, name) pair.
type Field struct {
	Name  string
	Kind  types.Kind
	Value any
}

// Row is a dynamic row: unmanaged until Insert binds it to a primary
// key, managed thereafter. Managed → Unmanaged is not supported;
// delete is terminal and the Row must not be reused afterward.
type Row struct {
	desc   *types.TableDescriptor
	fields map[string]any

	managed  bool
	k        *kernel.Kernel
	rowID    int64
	globalID string
}

// New creates an unmanaged row for desc, applying column defaults for
// any field not present in initial.
func New(desc *types.TableDescriptor, initial map[string]any) *Row {
	fields := make(map[string]any, len(desc.Columns))
	for _, c := range desc.Columns {
		if v, ok := initial[c.Name]; ok {
			fields[c.Name] = v
			continue
		}
		fields[c.Name] = defaultValue(c)
	}
	return &Row{desc: desc, fields: fields}
}

func defaultValue(c types.ColumnDescriptor) any {
	if c.Nullable {
		return nil
	}
	switch c.Kind {
	case types.KindInt:
		return int64(0)
	case types.KindReal:
		return float64(0)
	case types.KindText:
		return ""
	case types.KindBlob, types.KindVector:
		return []byte{}
	case types.KindList:
		return []string{}
	default:
		return nil
	}
}

// IsManaged reports whether the row is bound to a storage kernel.
func (r *Row) IsManaged() bool { return r.managed }

// PrimaryKey returns the row's local primary key. Valid only when
// IsManaged.
func (r *Row) PrimaryKey() int64 { return r.rowID }

// GlobalID returns the row's stable, replica-wide identifier.
func (r *Row) GlobalID() string { return r.globalID }

// Table returns the row's table descriptor.
func (r *Row) Table() *types.TableDescriptor { return r.desc }

// Fields returns the row's (name, kind, value) triples in declared
// column order. For a managed row this re-reads every column from the
// kernel.
func (r *Row) Fields(ctx context.Context) ([]Field, error) {
	out := make([]Field, 0, len(r.desc.Columns))
	for _, c := range r.desc.Columns {
		// Link/list columns carry no scalar value; they're read through
		// the link operations (AppendLink, LinkAt, ...), not Get/Set.
		if c.Kind == types.KindLink || c.Kind == types.KindList {
			out = append(out, Field{Name: c.Name, Kind: c.Kind})
			continue
		}
		v, err := r.Get(ctx, c.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, Field{Name: c.Name, Kind: c.Kind, Value: v})
	}
	return out, nil
}

// Get reads one field. On an unmanaged row this reads the local field
// map; on a managed row it reads through the kernel.
func (r *Row) Get(ctx context.Context, name string) (any, error) {
	if !r.managed {
		if _, ok := r.desc.Column(name); !ok {
			return nil, types.New(types.KindQueryInvalid, "unknown column").WithTable(r.desc.Name).WithColumn(name)
		}
		return r.fields[name], nil
	}
	return r.k.GetColumn(ctx, r.desc.Name, name, r.rowID)
}

// Set writes one field. On an unmanaged row this updates the local
// field map; on a managed row it writes through the kernel inside tx
// and the kernel emits the resulting RowEvent.
func (r *Row) Set(ctx context.Context, tx *kernel.Tx, name string, value any) error {
	col, ok := r.desc.Column(name)
	if !ok {
		return types.New(types.KindQueryInvalid, "unknown column").WithTable(r.desc.Name).WithColumn(name)
	}
	if col.Kind == types.KindLink || col.Kind == types.KindList {
		return types.New(types.KindQueryInvalid, "link/list columns are written via link operations").
			WithTable(r.desc.Name).WithColumn(name)
	}
	if !r.managed {
		r.fields[name] = value
		return nil
	}
	return r.k.SetColumn(ctx, tx, r.desc, r.rowID, name, value)
}

// Insert binds an unmanaged row to k by inserting its local field map,
// transitioning it to managed. Calling Insert on an already-managed row
// is a no-op error.
func (r *Row) Insert(ctx context.Context, tx *kernel.Tx, k *kernel.Kernel) error {
	if r.managed {
		return types.New(types.KindTransactionMisuse, "row is already managed").WithTable(r.desc.Name)
	}
	rowID, globalID, err := kernel.InsertRow(ctx, tx, r.desc, r.fields)
	if err != nil {
		return err
	}
	r.managed = true
	r.k = k
	r.rowID = rowID
	r.globalID = globalID
	r.fields = nil
	return nil
}

// Delete removes a managed row. Terminal: the Row must not be used
// again afterward.
func (r *Row) Delete(ctx context.Context, tx *kernel.Tx) (bool, error) {
	if !r.managed {
		return false, types.New(types.KindTransactionMisuse, "cannot delete an unmanaged row").WithTable(r.desc.Name)
	}
	return kernel.DeleteRow(ctx, tx, r.desc, r.rowID)
}

// Managed wraps an already-persisted row as a managed handle, used by
// the Query Engine when materializing select results and by the Store
// when resolving a primary key, a global id, or a SendableRef.
func Managed(k *kernel.Kernel, desc *types.TableDescriptor, rowID int64, globalID string) *Row {
	return &Row{desc: desc, managed: true, k: k, rowID: rowID, globalID: globalID}
}
