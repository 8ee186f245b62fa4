package bus

import (
	"sync"

	"github.com/latticedb/lattice/internal/audit"
	"github.com/latticedb/lattice/internal/kernel"
	"github.com/latticedb/lattice/internal/logging"
)

// CollectionEvent is the kind of change a collection observer sees.
// Updates are never surfaced here; individual row observers cover them.
type CollectionEvent int

const (
	EventInsert CollectionEvent = iota
	EventDelete
)

type rowSub struct {
	id  int64
	ctx Context
	cb  func(field string)
}

type tableSub struct {
	id  int64
	ctx Context
	cb  func(entries []audit.Entry)
}

type collectionSub struct {
	id        int64
	ctx       Context
	predicate func(fields map[string]any) bool
	cb        func(event CollectionEvent, rowID int64)
}

// Bus is the Observation Bus. Its subscriber maps are guarded by a
// mutex held only for lookup/update, never across a subscriber
// invocation.
type Bus struct {
	mu     sync.Mutex
	nextID int64

	rowSubs  map[rowKey]map[int64]*rowSub
	tableSubs map[string]map[int64]*tableSub
	collSubs  map[string]map[int64]*collectionSub

	Instances *InstanceRegistry
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{
		rowSubs:   make(map[rowKey]map[int64]*rowSub),
		tableSubs: make(map[string]map[int64]*tableSub),
		collSubs:  make(map[string]map[int64]*collectionSub),
		Instances: NewInstanceRegistry(),
	}
}

// ObserveRow registers cb to run on ctx whenever the given row's fields
// change. cb receives the name of the field that changed; it is invoked
// once per changed field per commit.
func (b *Bus) ObserveRow(ctx Context, table string, rowID int64, cb func(field string)) *Token {
	key := rowKey{table, rowID}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.rowSubs[key] == nil {
		b.rowSubs[key] = make(map[int64]*rowSub)
	}
	b.rowSubs[key][id] = &rowSub{id: id, ctx: ctx, cb: cb}
	b.mu.Unlock()

	return &Token{cancel: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.rowSubs[key], id)
		if len(b.rowSubs[key]) == 0 {
			delete(b.rowSubs, key)
		}
	}}
}

// ObserveTable registers cb to run on ctx once per commit with the
// batch of audit entries that touched table.
func (b *Bus) ObserveTable(ctx Context, table string, cb func(entries []audit.Entry)) *Token {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.tableSubs[table] == nil {
		b.tableSubs[table] = make(map[int64]*tableSub)
	}
	b.tableSubs[table][id] = &tableSub{id: id, ctx: ctx, cb: cb}
	b.mu.Unlock()

	return &Token{cancel: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.tableSubs[table], id)
		if len(b.tableSubs[table]) == 0 {
			delete(b.tableSubs, table)
		}
	}}
}

// ObserveCollection registers cb to run on ctx for Insert/Delete events
// on table. If predicate is non-nil, an Insert fires only if the row
// satisfies predicate at insert time, and a Delete fires only if the
// pre-delete row satisfied it.
func (b *Bus) ObserveCollection(ctx Context, table string, predicate func(fields map[string]any) bool, cb func(event CollectionEvent, rowID int64)) *Token {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.collSubs[table] == nil {
		b.collSubs[table] = make(map[int64]*collectionSub)
	}
	b.collSubs[table][id] = &collectionSub{id: id, ctx: ctx, predicate: predicate, cb: cb}
	b.mu.Unlock()

	return &Token{cancel: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.collSubs[table], id)
		if len(b.collSubs[table]) == 0 {
			delete(b.collSubs, table)
		}
	}}
}

// Publish fans out one commit's row events to every matching
// subscriber. events and entries are parallel slices produced by the
// same transaction (kernel.RowEvent and the audit.Entry the Change Log
// built for it). Called by the Store after Tx.Commit returns, never
// while holding the kernel's writer lock.
func (b *Bus) Publish(events []kernel.RowEvent, entries []audit.Entry) {
	rowSnap, tableSnap, collSnap := b.snapshot(events)

	byTable := make(map[string][]audit.Entry)
	for _, e := range entries {
		byTable[e.Table] = append(byTable[e.Table], e)
	}

	for _, ev := range events {
		key := rowKey{ev.Table, ev.RowID}
		for _, name := range ev.ChangedNames {
			for _, sub := range rowSnap[key] {
				sub := sub
				name := name
				safeRun(sub.ctx, func() { sub.cb(name) })
			}
		}

		for _, sub := range collSnap[ev.Table] {
			sub := sub
			switch ev.Op {
			case "insert":
				if sub.predicate == nil || sub.predicate(ev.After) {
					rowID := ev.RowID
					safeRun(sub.ctx, func() { sub.cb(EventInsert, rowID) })
				}
			case "delete":
				if sub.predicate == nil || sub.predicate(ev.Before) {
					rowID := ev.RowID
					safeRun(sub.ctx, func() { sub.cb(EventDelete, rowID) })
				}
			}
		}
	}

	for table, subs := range tableSnap {
		es := byTable[table]
		if len(es) == 0 {
			continue
		}
		for _, sub := range subs {
			sub := sub
			safeRun(sub.ctx, func() { sub.cb(es) })
		}
	}
}

func (b *Bus) snapshot(events []kernel.RowEvent) (map[rowKey][]*rowSub, map[string][]*tableSub, map[string][]*collectionSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rowSnap := make(map[rowKey][]*rowSub)
	seen := make(map[rowKey]bool)
	for _, ev := range events {
		key := rowKey{ev.Table, ev.RowID}
		if seen[key] {
			continue
		}
		seen[key] = true
		for _, sub := range b.rowSubs[key] {
			rowSnap[key] = append(rowSnap[key], sub)
		}
	}

	tableSnap := make(map[string][]*tableSub)
	for table, subs := range b.tableSubs {
		for _, sub := range subs {
			tableSnap[table] = append(tableSnap[table], sub)
		}
	}

	collSnap := make(map[string][]*collectionSub)
	for table, subs := range b.collSubs {
		for _, sub := range subs {
			collSnap[table] = append(collSnap[table], sub)
		}
	}

	return rowSnap, tableSnap, collSnap
}

// safeRun isolates a subscriber callback: a panic is logged at error
// severity and never propagates to the writer.
func safeRun(ctx Context, fn func()) {
	ctx.Run(func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Errorf("observer callback panicked: %v", r)
			}
		}()
		fn()
	})
}
