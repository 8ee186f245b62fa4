// Package bus is the Observation Bus: per-row, per-table, and
// collection-change subscribers, fanned out after each durable commit
// on the execution context each subscription was registered with.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/latticedb/lattice/internal/logging"
)

// Context is where a subscriber's callback runs. The bus never holds
// its internal locks while invoking Run; it copies its subscriber list
// then iterates.
type Context interface {
	Run(fn func())
}

// Immediate runs callbacks synchronously on the publishing goroutine.
// It's the natural choice for tests and single-threaded embedding.
type Immediate struct{}

// Run implements Context.
func (Immediate) Run(fn func()) { fn() }

// Dispatch is a serial execution context backed by one goroutine
// draining a bounded channel, so all callbacks registered on the same
// Dispatch observe events in commit order without making the writer
// wait on a slow subscriber. A full queue drops the callback and
// counts the drop.
type Dispatch struct {
	ch      chan func()
	dropped atomic.Int64
	once    sync.Once
}

// NewDispatch starts a Dispatch context with the given queue depth.
func NewDispatch(bufferSize int) *Dispatch {
	if bufferSize <= 0 {
		bufferSize = 512
	}
	d := &Dispatch{ch: make(chan func(), bufferSize)}
	go d.loop()
	return d
}

func (d *Dispatch) loop() {
	for fn := range d.ch {
		fn()
	}
}

// Run implements Context. Non-blocking: drops fn if the queue is full.
func (d *Dispatch) Run(fn func()) {
	select {
	case d.ch <- fn:
	default:
		d.dropped.Add(1)
		logging.Warnf("observer dispatch queue full, dropping callback")
	}
}

// Dropped returns the number of callbacks dropped due to a full queue.
func (d *Dispatch) Dropped() int64 { return d.dropped.Load() }

// Close stops the dispatch loop. Idempotent.
func (d *Dispatch) Close() { d.once.Do(func() { close(d.ch) }) }
