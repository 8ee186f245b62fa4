package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/latticedb/lattice/internal/audit"
	"github.com/latticedb/lattice/internal/kernel"
	"github.com/latticedb/lattice/internal/types"
)

func insertEvent(table string, rowID int64, after map[string]any, changed ...string) kernel.RowEvent {
	return kernel.RowEvent{
		Op:           types.OpInsert,
		Table:        table,
		RowID:        rowID,
		After:        after,
		ChangedNames: changed,
	}
}

func TestRowObserverReceivesChangedFields(t *testing.T) {
	b := New()
	var got []string
	b.ObserveRow(Immediate{}, "trips", 1, func(field string) {
		got = append(got, field)
	})

	b.Publish([]kernel.RowEvent{
		{Op: types.OpUpdate, Table: "trips", RowID: 1, ChangedNames: []string{"name", "days"}},
		{Op: types.OpUpdate, Table: "trips", RowID: 2, ChangedNames: []string{"name"}}, // different row
	}, nil)

	if len(got) != 2 || got[0] != "name" || got[1] != "days" {
		t.Errorf("got %v, want [name days]", got)
	}
}

func TestTableObserverGetsBatchOncePerCommit(t *testing.T) {
	b := New()
	var batches [][]audit.Entry
	b.ObserveTable(Immediate{}, "trips", func(entries []audit.Entry) {
		batches = append(batches, entries)
	})

	entries := []audit.Entry{
		{Table: "trips", Op: types.OpInsert, RowID: 1},
		{Table: "trips", Op: types.OpInsert, RowID: 2},
		{Table: "other", Op: types.OpInsert, RowID: 3},
	}
	b.Publish([]kernel.RowEvent{
		insertEvent("trips", 1, nil, "name"),
		insertEvent("trips", 2, nil, "name"),
		insertEvent("other", 3, nil, "label"),
	}, entries)

	if len(batches) != 1 {
		t.Fatalf("table observer fired %d times, want 1", len(batches))
	}
	if len(batches[0]) != 2 {
		t.Errorf("batch carried %d entries, want the 2 for trips", len(batches[0]))
	}
}

func TestCollectionObserverPredicateFilters(t *testing.T) {
	b := New()
	var events []CollectionEvent
	var rows []int64
	pred := func(fields map[string]any) bool {
		days, _ := fields["days"].(int64)
		return days > 4
	}
	b.ObserveCollection(Immediate{}, "trips", pred, func(ev CollectionEvent, rowID int64) {
		events = append(events, ev)
		rows = append(rows, rowID)
	})

	b.Publish([]kernel.RowEvent{
		insertEvent("trips", 1, map[string]any{"days": int64(3)}, "days"),
		insertEvent("trips", 2, map[string]any{"days": int64(7)}, "days"),
		{Op: types.OpUpdate, Table: "trips", RowID: 2, ChangedNames: []string{"days"}}, // updates never surface
		{Op: types.OpDelete, Table: "trips", RowID: 2, Before: map[string]any{"days": int64(7)}},
		{Op: types.OpDelete, Table: "trips", RowID: 1, Before: map[string]any{"days": int64(3)}},
	}, nil)

	if len(events) != 2 {
		t.Fatalf("got %d events (%v rows), want 2", len(events), rows)
	}
	if events[0] != EventInsert || rows[0] != 2 {
		t.Errorf("first event = (%v, %d), want insert of row 2", events[0], rows[0])
	}
	if events[1] != EventDelete || rows[1] != 2 {
		t.Errorf("second event = (%v, %d), want delete of row 2", events[1], rows[1])
	}
}

func TestCancellationIsIdempotent(t *testing.T) {
	b := New()
	fired := 0
	token := b.ObserveRow(Immediate{}, "trips", 1, func(string) { fired++ })

	token.Cancel()
	token.Cancel() // second cancel is a no-op
	var nilToken *Token
	nilToken.Cancel() // nil-safe

	b.Publish([]kernel.RowEvent{
		{Op: types.OpUpdate, Table: "trips", RowID: 1, ChangedNames: []string{"name"}},
	}, nil)
	if fired != 0 {
		t.Errorf("cancelled observer fired %d times", fired)
	}
}

func TestSubscriberPanicIsIsolated(t *testing.T) {
	b := New()
	ok := false
	b.ObserveRow(Immediate{}, "trips", 1, func(string) { panic("subscriber bug") })
	b.ObserveRow(Immediate{}, "trips", 1, func(string) { ok = true })

	// Publish must not panic and must still reach the healthy subscriber.
	b.Publish([]kernel.RowEvent{
		{Op: types.OpUpdate, Table: "trips", RowID: 1, ChangedNames: []string{"name"}},
	}, nil)

	if !ok {
		t.Error("healthy subscriber starved by a panicking sibling")
	}
}

func TestDispatchPreservesCommitOrder(t *testing.T) {
	d := NewDispatch(64)
	defer d.Close()

	b := New()
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	b.ObserveRow(d, "trips", 1, func(field string) {
		mu.Lock()
		got = append(got, field)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	})

	for _, f := range []string{"a", "b", "c"} {
		b.Publish([]kernel.RowEvent{
			{Op: types.OpUpdate, Table: "trips", RowID: 1, ChangedNames: []string{f}},
		}, nil)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not drain")
	}
	mu.Lock()
	defer mu.Unlock()
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("out of order: %v", got)
	}
}

func TestDispatchDropsWhenFull(t *testing.T) {
	d := NewDispatch(1)
	defer d.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	d.Run(func() { close(started); <-block }) // occupies the worker
	<-started
	d.Run(func() {}) // fills the buffer
	d.Run(func() {}) // dropped

	if n := d.Dropped(); n != 1 {
		t.Errorf("dropped = %d, want 1", n)
	}
	close(block)
}
