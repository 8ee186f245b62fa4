package bus

import (
	"sync"
	"weak"

	"github.com/latticedb/lattice/internal/object"
)

// rowKey identifies one live row by table and local primary key.
type rowKey struct {
	table string
	rowID int64
}

// InstanceRegistry is the process-wide map from (table, primaryKey) to
// every live in-memory handle for that row. It holds weak references
// only: observation and registration never keep a row alive past its
// last strong reference elsewhere in the program.
type InstanceRegistry struct {
	mu      sync.Mutex
	handles map[rowKey][]weak.Pointer[object.Row]
}

// NewInstanceRegistry returns an empty registry.
func NewInstanceRegistry() *InstanceRegistry {
	return &InstanceRegistry{handles: make(map[rowKey][]weak.Pointer[object.Row])}
}

// Register records row as a live handle for (table, primaryKey). The
// Store registers a handle when Tx.Insert makes it managed and when
// Get or GetByGlobalID hands one out, and calls Deregister when
// Tx.Delete removes the row.
func (r *InstanceRegistry) Register(table string, rowID int64, row *object.Row) {
	key := rowKey{table, rowID}
	ptr := weak.Make(row)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[key] = append(r.handles[key], ptr)
}

// Deregister removes row's weak handle for (table, primaryKey).
func (r *InstanceRegistry) Deregister(table string, rowID int64, row *object.Row) {
	key := rowKey{table, rowID}
	target := weak.Make(row)
	r.mu.Lock()
	defer r.mu.Unlock()
	ptrs := r.handles[key]
	for i, p := range ptrs {
		if p == target {
			r.handles[key] = append(ptrs[:i], ptrs[i+1:]...)
			break
		}
	}
	if len(r.handles[key]) == 0 {
		delete(r.handles, key)
	}
}

// Live resolves every still-reachable handle for (table, primaryKey),
// compacting the registry's slot as it goes so handles collected by the
// GC don't accumulate. Used to satisfy the guarantee that a write
// through one handle is visible to every other live handle of the same
// row: since a Managed Row caches no field data (every read forwards to
// the kernel), that guarantee holds automatically. Live exists so a
// caller (e.g. a future cache layer, or diagnostics) can still enumerate
// the siblings explicitly.
func (r *InstanceRegistry) Live(table string, rowID int64) []*object.Row {
	key := rowKey{table, rowID}
	r.mu.Lock()
	defer r.mu.Unlock()
	ptrs := r.handles[key]
	live := ptrs[:0]
	var out []*object.Row
	for _, p := range ptrs {
		if v := p.Value(); v != nil {
			out = append(out, v)
			live = append(live, p)
		}
	}
	if len(live) == 0 {
		delete(r.handles, key)
	} else {
		r.handles[key] = live
	}
	return out
}

// SendableRef is a value safe to pass across execution contexts,
// carrying only (table, primaryKey); resolution re-acquires a managed
// handle from the kernel on the destination context (DESIGN NOTES:
// "Cross-isolation sendability of row handles").
type SendableRef struct {
	Table string
	RowID int64
}
