package lattice_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	lattice "github.com/latticedb/lattice"
	"github.com/latticedb/lattice/internal/types"
)

func tripTable() *lattice.TableDescriptor {
	return &lattice.TableDescriptor{
		Name: "trips",
		Columns: []lattice.ColumnDescriptor{
			{Name: "name", Kind: lattice.KindText},
			{Name: "days", Kind: lattice.KindInt},
		},
	}
}

func openMem(t *testing.T, tables ...*lattice.TableDescriptor) *lattice.Store {
	t.Helper()
	store, err := lattice.Open(&lattice.Config{InMemory: true}, nil, tables...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func insertTrip(t *testing.T, store *lattice.Store, name string, days int64) *lattice.Row {
	t.Helper()
	var row *lattice.Row
	err := store.Write(context.Background(), func(tx *lattice.Tx) error {
		var err error
		row, err = tx.InsertFields(context.Background(), "trips", map[string]any{"name": name, "days": days})
		return err
	})
	if err != nil {
		t.Fatalf("insert %s: %v", name, err)
	}
	return row
}

func TestInsertAndQuery(t *testing.T) {
	store := openMem(t, tripTable())
	ctx := context.Background()

	insertTrip(t, store, "X", 3)
	insertTrip(t, store, "Y", 7)

	q, err := store.Objects("trips")
	if err != nil {
		t.Fatalf("objects: %v", err)
	}
	filtered := q.Where(lattice.Gt("days", 4))

	n, err := filtered.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}

	matches, err := filtered.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	name, err := matches[0].Row.Get(ctx, "name")
	if err != nil || name != "Y" {
		t.Errorf("name = (%v, %v), want Y", name, err)
	}
}

func TestUpsertAuditTrail(t *testing.T) {
	users := &lattice.TableDescriptor{
		Name: "users",
		Columns: []lattice.ColumnDescriptor{
			{Name: "email", Kind: lattice.KindText},
			{Name: "score", Kind: lattice.KindInt},
		},
		Constraints: []lattice.ConstraintDescriptor{
			{Columns: []string{"email"}, AllowsUpsert: true},
		},
	}
	store := openMem(t, users)
	ctx := context.Background()

	for _, score := range []int64{1, 2} {
		err := store.Write(ctx, func(tx *lattice.Tx) error {
			_, err := tx.InsertFields(ctx, "users", map[string]any{"email": "a@b", "score": score})
			return err
		})
		if err != nil {
			t.Fatalf("write score=%d: %v", score, err)
		}
	}

	q, _ := store.Objects("users")
	n, _ := q.Count(ctx)
	if n != 1 {
		t.Fatalf("row count = %d, want 1", n)
	}
	matches, _ := q.Run(ctx)
	score, _ := matches[0].Row.Get(ctx, "score")
	if score != int64(2) {
		t.Errorf("score = %v, want 2", score)
	}

	entries, err := store.EventsAfter(ctx, "")
	if err != nil {
		t.Fatalf("eventsAfter: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("audit size = %d, want 2", len(entries))
	}
	if entries[0].Op != types.OpInsert || entries[1].Op != types.OpUpdate {
		t.Errorf("ops = %v, %v; want insert then update", entries[0].Op, entries[1].Op)
	}
}

func TestObserverFanoutOrdering(t *testing.T) {
	store := openMem(t, tripTable())
	ctx := context.Background()

	row := insertTrip(t, store, "A", 1)

	// A second live handle of the same row: writes through the first
	// handle must be visible to it inside its row observer, and row
	// observers fire before the external table observer.
	sibling, err := store.Get(ctx, "trips", row.PrimaryKey())
	if err != nil {
		t.Fatalf("get sibling: %v", err)
	}

	var order []string
	store.ObserveRow(lattice.Immediate{}, "trips", row.PrimaryKey(), func(field string) {
		order = append(order, "row:"+field)
		v, err := sibling.Get(ctx, field)
		if err != nil {
			t.Errorf("sibling read: %v", err)
		}
		if v != "Z" {
			t.Errorf("sibling sees %v, want Z", v)
		}
	})
	store.ObserveTable(lattice.Immediate{}, "trips", func(entries []lattice.AuditEntry) {
		order = append(order, "table")
	})

	err = store.Write(ctx, func(tx *lattice.Tx) error {
		return tx.Set(ctx, row, "name", "Z")
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	if len(order) != 2 || order[0] != "row:name" || order[1] != "table" {
		t.Errorf("order = %v, want [row:name table]", order)
	}
}

func TestCollectionObserver(t *testing.T) {
	store := openMem(t, tripTable())
	ctx := context.Background()

	var inserts, deletes []int64
	store.ObserveCollection(lattice.Immediate{}, "trips", lattice.Gt("days", 4),
		func(ev lattice.CollectionEvent, rowID int64) {
			switch ev {
			case lattice.EventInsert:
				inserts = append(inserts, rowID)
			case lattice.EventDelete:
				deletes = append(deletes, rowID)
			}
		})

	short := insertTrip(t, store, "short", 2)
	long := insertTrip(t, store, "long", 9)

	if len(inserts) != 1 || inserts[0] != long.PrimaryKey() {
		t.Errorf("inserts = %v, want just the matching row", inserts)
	}

	err := store.Write(ctx, func(tx *lattice.Tx) error {
		if _, err := tx.Delete(ctx, short); err != nil {
			return err
		}
		_, err := tx.Delete(ctx, long)
		return err
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(deletes) != 1 || deletes[0] != long.PrimaryKey() {
		t.Errorf("deletes = %v, want just the pre-delete-matching row", deletes)
	}
}

func TestReentrantWriteRejected(t *testing.T) {
	store := openMem(t, tripTable())
	ctx := context.Background()

	var reentrantErr error
	fired := false
	store.ObserveTable(lattice.Immediate{}, "trips", func(entries []lattice.AuditEntry) {
		if fired {
			return
		}
		fired = true
		reentrantErr = store.Write(ctx, func(tx *lattice.Tx) error { return nil })
	})

	insertTrip(t, store, "A", 1)

	if !errors.Is(reentrantErr, types.ErrReentrantWrite) {
		t.Errorf("reentrant write err = %v, want ReentrantWrite", reentrantErr)
	}
}

func TestOrderByTieBreakAndPagination(t *testing.T) {
	store := openMem(t, tripTable())
	ctx := context.Background()

	// Three trips share days=5; tie-break is primary key ascending.
	var pks []int64
	for _, name := range []string{"c", "a", "b"} {
		pks = append(pks, insertTrip(t, store, name, 5).PrimaryKey())
	}
	insertTrip(t, store, "z", 1)

	q, _ := store.Objects("trips")
	matches, err := q.OrderBy("days", true).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(matches) != 4 {
		t.Fatalf("got %d rows", len(matches))
	}
	// days=5 group first (descending), within it pk ascending.
	for i, want := range pks {
		if matches[i].Row.PrimaryKey() != want {
			t.Errorf("position %d = pk %d, want %d", i, matches[i].Row.PrimaryKey(), want)
		}
	}

	// Pagination windows the same ordering.
	window, err := q.OrderBy("days", true).Limit(2).Offset(1).Run(ctx)
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if len(window) != 2 || window[0].Row.PrimaryKey() != pks[1] || window[1].Row.PrimaryKey() != pks[2] {
		t.Errorf("window = %v", window)
	}
}

func TestGroupRepresentative(t *testing.T) {
	store := openMem(t, tripTable())
	ctx := context.Background()

	insertTrip(t, store, "first-of-3", 3)
	insertTrip(t, store, "second-of-3", 3)
	insertTrip(t, store, "only-7", 7)

	q, _ := store.Objects("trips")
	matches, err := q.Group("days").Run(ctx)
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d groups, want 2", len(matches))
	}
	// Without an order, the representative is the smallest primary key.
	name, _ := matches[0].Row.Get(ctx, "name")
	if name != "first-of-3" {
		t.Errorf("representative = %v, want first-of-3", name)
	}

	// With a descending order on name, the representative flips.
	matches, err = q.Group("days").OrderBy("name", true).Run(ctx)
	if err != nil {
		t.Fatalf("group ordered: %v", err)
	}
	var names []string
	for _, m := range matches {
		n, _ := m.Row.Get(ctx, "name")
		names = append(names, n.(string))
	}
	found := false
	for _, n := range names {
		if n == "second-of-3" {
			found = true
		}
	}
	if !found {
		t.Errorf("ordered group representatives = %v, want second-of-3 among them", names)
	}
}

func TestResultsLiveCountAndIterate(t *testing.T) {
	store := openMem(t, tripTable())
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		insertTrip(t, store, fmt.Sprintf("t%d", i), int64(i))
	}

	q, _ := store.Objects("trips")
	results := q.Where(lattice.Ge("days", 2)).Results()

	n, err := results.Count(ctx)
	if err != nil || n != 5 {
		t.Fatalf("count = (%d, %v), want 5", n, err)
	}

	// Live: a new insert is visible to the same Results value.
	insertTrip(t, store, "late", 10)
	n, _ = results.Count(ctx)
	if n != 6 {
		t.Errorf("live count = %d, want 6", n)
	}

	var seen int
	if err := results.Iterate(ctx, func(m lattice.Match) bool {
		seen++
		return true
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if seen != 6 {
		t.Errorf("iterated %d rows, want 6", seen)
	}

	// Count always agrees with a simultaneous materialization.
	matches, _ := q.Where(lattice.Ge("days", 2)).Run(ctx)
	n, _ = results.Count(ctx)
	if int64(len(matches)) != n {
		t.Errorf("count %d != select %d", n, len(matches))
	}
}

func TestDurabilityAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trips.db")
	cfg := &lattice.Config{Path: path}

	store, err := lattice.Open(cfg, nil, tripTable())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	err = store.Write(ctx, func(tx *lattice.Tx) error {
		_, err := tx.InsertFields(ctx, "trips", map[string]any{"name": "durable", "days": int64(1)})
		return err
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := lattice.Open(cfg, nil, tripTable())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	q, _ := reopened.Objects("trips")
	n, err := q.Count(ctx)
	if err != nil || n != 1 {
		t.Fatalf("count after reopen = (%d, %v), want 1", n, err)
	}
	entries, err := reopened.EventsAfter(ctx, "")
	if err != nil || len(entries) != 1 {
		t.Fatalf("audit after reopen = (%d, %v), want 1 entry", len(entries), err)
	}
}

func TestRemoteReplayIdempotence(t *testing.T) {
	store := openMem(t, tripTable())
	ctx := context.Background()

	entries := make([]map[string]any, 0, 100)
	for i := 0; i < 100; i++ {
		entries = append(entries, map[string]any{
			"globalId":    fmt.Sprintf("remote-%03d", i),
			"table":       "trips",
			"op":          "insert",
			"globalRowId": fmt.Sprintf("row-%03d", i),
			"changedFields": map[string]any{
				"name": map[string]any{"kind": "string", "value": fmt.Sprintf("t%d", i)},
				"days": map[string]any{"kind": "int", "value": i},
			},
			"timestamp": 1000 + i,
		})
	}
	payload, err := json.Marshal(map[string]any{"kind": "auditLog", "entries": entries})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	acked, err := store.ApplyRemote(ctx, payload)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if len(acked) != 100 {
		t.Fatalf("first apply acked %d, want 100", len(acked))
	}

	q, _ := store.Objects("trips")
	countAfterFirst, _ := q.Count(ctx)
	auditAfterFirst, _ := store.EventsAfter(ctx, "")

	if _, err := store.ApplyRemote(ctx, payload); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	countAfterSecond, _ := q.Count(ctx)
	auditAfterSecond, _ := store.EventsAfter(ctx, "")

	if countAfterFirst != countAfterSecond {
		t.Errorf("row count changed: %d -> %d", countAfterFirst, countAfterSecond)
	}
	if len(auditAfterFirst) != len(auditAfterSecond) {
		t.Errorf("audit size changed: %d -> %d", len(auditAfterFirst), len(auditAfterSecond))
	}
}

func TestAckPayloadMarksSynchronized(t *testing.T) {
	store := openMem(t, tripTable())
	ctx := context.Background()

	insertTrip(t, store, "A", 1)
	entries, _ := store.EventsAfter(ctx, "")

	payload, _ := json.Marshal(map[string]any{"kind": "ack", "ids": []string{entries[0].GlobalID}})
	if _, err := store.ApplyRemote(ctx, payload); err != nil {
		t.Fatalf("ack: %v", err)
	}

	again, _ := store.EventsAfter(ctx, "")
	if !again[0].IsSynchronized {
		t.Error("entry not marked synchronized")
	}
}

func TestDeleteWhere(t *testing.T) {
	store := openMem(t, tripTable())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		insertTrip(t, store, fmt.Sprintf("t%d", i), int64(i))
	}

	var n int64
	err := store.Write(ctx, func(tx *lattice.Tx) error {
		var err error
		n, err = tx.DeleteWhere(ctx, "trips", lattice.Lt("days", 3))
		return err
	})
	if err != nil {
		t.Fatalf("deleteWhere: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted %d, want 3", n)
	}
	q, _ := store.Objects("trips")
	left, _ := q.Count(ctx)
	if left != 2 {
		t.Errorf("remaining = %d, want 2", left)
	}
}

func TestVirtualObjectsUnion(t *testing.T) {
	cars := &lattice.TableDescriptor{
		Name: "cars",
		Columns: []lattice.ColumnDescriptor{
			{Name: "label", Kind: lattice.KindText},
			{Name: "speed", Kind: lattice.KindInt},
		},
	}
	bikes := &lattice.TableDescriptor{
		Name: "bikes",
		Columns: []lattice.ColumnDescriptor{
			{Name: "label", Kind: lattice.KindText},
			{Name: "speed", Kind: lattice.KindInt},
		},
	}
	store := openMem(t, cars, bikes)
	ctx := context.Background()

	err := store.Write(ctx, func(tx *lattice.Tx) error {
		if _, err := tx.InsertFields(ctx, "cars", map[string]any{"label": "sedan", "speed": int64(120)}); err != nil {
			return err
		}
		if _, err := tx.InsertFields(ctx, "bikes", map[string]any{"label": "roadie", "speed": int64(35)}); err != nil {
			return err
		}
		_, err := tx.InsertFields(ctx, "bikes", map[string]any{"label": "clunker", "speed": int64(10)})
		return err
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	v, err := store.VirtualObjects("cars", "bikes")
	if err != nil {
		t.Fatalf("virtual: %v", err)
	}
	fast := v.Where(lattice.Gt("speed", 20)).OrderBy("speed", true)

	matches, err := fast.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d rows, want 2", len(matches))
	}
	if matches[0].Table != "cars" || matches[1].Table != "bikes" {
		t.Errorf("tables = %s, %s; want cars then bikes", matches[0].Table, matches[1].Table)
	}
	label, _ := matches[1].Row.Get(ctx, "label")
	if label != "roadie" {
		t.Errorf("label = %v, want roadie (concrete table materialization)", label)
	}

	n, err := v.Where(lattice.Gt("speed", 20)).Count(ctx)
	if err != nil || n != 2 {
		t.Errorf("virtual count = (%d, %v), want 2", n, err)
	}
}

func TestLinkTraversalPredicate(t *testing.T) {
	places := &lattice.TableDescriptor{
		Name: "places",
		Columns: []lattice.ColumnDescriptor{
			{Name: "city", Kind: lattice.KindText},
		},
	}
	visits := &lattice.TableDescriptor{
		Name: "visits",
		Columns: []lattice.ColumnDescriptor{
			{Name: "note", Kind: lattice.KindText},
			{Name: "stops", Kind: lattice.KindList, TargetTable: "places"},
		},
	}
	store := openMem(t, visits, places)
	ctx := context.Background()

	var sf, nyc, visit1, visit2 *lattice.Row
	err := store.Write(ctx, func(tx *lattice.Tx) error {
		var err error
		if sf, err = tx.InsertFields(ctx, "places", map[string]any{"city": "SF"}); err != nil {
			return err
		}
		if nyc, err = tx.InsertFields(ctx, "places", map[string]any{"city": "NYC"}); err != nil {
			return err
		}
		if visit1, err = tx.InsertFields(ctx, "visits", map[string]any{"note": "west"}); err != nil {
			return err
		}
		if visit2, err = tx.InsertFields(ctx, "visits", map[string]any{"note": "east"}); err != nil {
			return err
		}
		if err = tx.AppendLink(ctx, visit1, "stops", sf); err != nil {
			return err
		}
		return tx.AppendLink(ctx, visit2, "stops", nyc)
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	q, _ := store.Objects("visits")
	matches, err := q.Where(lattice.Eq("stops.city", "SF")).Run(ctx)
	if err != nil {
		t.Fatalf("traversal query: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("got %d rows, want 1", len(matches))
	}
	note, _ := matches[0].Row.Get(ctx, "note")
	if note != "west" {
		t.Errorf("note = %v, want west", note)
	}

	// Link helpers agree.
	n, err := store.LinkCount(ctx, visit1, "stops")
	if err != nil || n != 1 {
		t.Errorf("linkCount = (%d, %v), want 1", n, err)
	}
	idx, err := store.FindLinkIndex(ctx, visit1, "stops", sf)
	if err != nil || idx != 0 {
		t.Errorf("findLinkIndex = (%d, %v), want 0", idx, err)
	}
	idxs, err := store.FindLinkIndicesWhere(ctx, visit1, "stops", lattice.Eq("city", "SF"))
	if err != nil || len(idxs) != 1 || idxs[0] != 0 {
		t.Errorf("findLinkIndicesWhere = (%v, %v), want [0]", idxs, err)
	}
}
