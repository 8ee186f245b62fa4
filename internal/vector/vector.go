// Package vector holds the embedding codec and distance metrics behind
// vector columns, plus the exact top-k scan used by the per-column ANN
// sidecar. The sidecar stores float32 little-endian blobs keyed by row
// id; nearest queries scan it and keep a bounded heap.
package vector

import (
	"container/heap"
	"encoding/binary"
	"math"

	"github.com/latticedb/lattice/internal/types"
)

// Encode packs an embedding into its little-endian float32 column blob.
func Encode(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// Decode unpacks a column blob produced by Encode. ok is false when the
// blob length is not a multiple of 4.
func Decode(b []byte) ([]float32, bool) {
	if len(b)%4 != 0 {
		return nil, false
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, true
}

// Distance computes the distance between a and b under metric. Vectors
// of mismatched length compare at +Inf so they never rank.
func Distance(metric types.VectorMetric, a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	switch metric {
	case types.MetricCosine:
		var dot, na, nb float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
			na += float64(a[i]) * float64(a[i])
			nb += float64(b[i]) * float64(b[i])
		}
		if na == 0 || nb == 0 {
			return math.Inf(1)
		}
		return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
	case types.MetricL1:
		var sum float64
		for i := range a {
			sum += math.Abs(float64(a[i]) - float64(b[i]))
		}
		return sum
	default: // L2
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return math.Sqrt(sum)
	}
}

// Candidate is one (row, distance) pair produced by a nearest scan.
type Candidate struct {
	RowID    int64
	Distance float64
}

// TopK keeps the k smallest-distance candidates seen by Push, ties
// broken by primary key ascending. Pop order is unspecified; call
// Sorted for the final ranked slice.
type TopK struct {
	k    int
	heap candHeap
}

// NewTopK returns a collector bounded at k results.
func NewTopK(k int) *TopK {
	return &TopK{k: k}
}

// Push offers one candidate.
func (t *TopK) Push(c Candidate) {
	if t.k <= 0 {
		return
	}
	if t.heap.Len() < t.k {
		heap.Push(&t.heap, c)
		return
	}
	worst := t.heap[0]
	if c.Distance < worst.Distance || (c.Distance == worst.Distance && c.RowID < worst.RowID) {
		t.heap[0] = c
		heap.Fix(&t.heap, 0)
	}
}

// Sorted drains the collector, returning candidates ordered by distance
// ascending, then primary key ascending.
func (t *TopK) Sorted() []Candidate {
	out := make([]Candidate, t.heap.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&t.heap).(Candidate)
	}
	return out
}

// candHeap is a max-heap on (distance, then rowID descending) so the
// root is always the current worst candidate.
type candHeap []Candidate

func (h candHeap) Len() int { return len(h) }
func (h candHeap) Less(i, j int) bool {
	if h[i].Distance != h[j].Distance {
		return h[i].Distance > h[j].Distance
	}
	return h[i].RowID > h[j].RowID
}
func (h candHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candHeap) Push(x any)        { *h = append(*h, x.(Candidate)) }
func (h *candHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}
