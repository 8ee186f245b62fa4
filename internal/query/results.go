package query

import (
	"context"

	"github.com/latticedb/lattice/internal/types"
)

// cursorBatch is the minimum reissue window for Results iteration, per
// the pagination contract: iterating a large collection reissues the
// query in batches instead of walking offsets one row at a time.
const cursorBatch = 100

// Results is a live collection over a query: every access re-executes
// against the current store state, so Count and At stay coherent with
// concurrent writers.
type Results struct {
	q *Query
}

// Results wraps the query as a live collection.
func (q *Query) Results() *Results {
	return &Results{q: q}
}

// Count returns the collection's current size.
func (r *Results) Count(ctx context.Context) (int64, error) {
	return r.q.Count(ctx)
}

// At returns the i'th row of the collection under the query's ordering.
func (r *Results) At(ctx context.Context, i int) (Match, error) {
	matches, err := r.q.window(ctx, 1, i)
	if err != nil {
		return Match{}, err
	}
	if len(matches) == 0 {
		return Match{}, types.New(types.KindNotFound, "result index out of range").WithTable(r.q.desc.Name)
	}
	return matches[0], nil
}

// Snapshot materializes one window of the collection.
func (r *Results) Snapshot(ctx context.Context, limit, offset int) ([]Match, error) {
	return r.q.window(ctx, limit, offset)
}

// Iterate walks the whole collection in cursor batches, reissuing the
// query every cursorBatch rows so a long walk never pays quadratic
// offset cost in one statement. fn returning false stops the walk. The
// context is checked between batches (cooperative cancellation).
func (r *Results) Iterate(ctx context.Context, fn func(Match) bool) error {
	batch := cursorBatch
	if r.q.limit >= 0 && r.q.limit < batch {
		batch = r.q.limit
	}
	offset := r.q.offset
	remaining := r.q.limit // -1 = unbounded

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := batch
		if remaining >= 0 && remaining < n {
			n = remaining
		}
		if n == 0 {
			return nil
		}
		matches, err := r.q.window(ctx, n, offset)
		if err != nil {
			return err
		}
		for _, m := range matches {
			if !fn(m) {
				return nil
			}
		}
		if len(matches) < n {
			return nil
		}
		offset += len(matches)
		if remaining >= 0 {
			remaining -= len(matches)
		}
	}
}
