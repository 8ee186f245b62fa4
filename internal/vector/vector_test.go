package vector

import (
	"math"
	"testing"

	"github.com/latticedb/lattice/internal/types"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	v := []float32{1.5, -2.25, 0, 3.75}
	got, ok := Decode(Encode(v))
	if !ok {
		t.Fatal("Decode not ok")
	}
	if len(got) != len(v) {
		t.Fatalf("length %d, want %d", len(got), len(v))
	}
	for i := range v {
		if got[i] != v[i] {
			t.Errorf("element %d: got %v, want %v", i, got[i], v[i])
		}
	}
}

func TestDecodeRejectsBadLength(t *testing.T) {
	if _, ok := Decode([]byte{1, 2, 3}); ok {
		t.Error("Decode accepted a misaligned blob")
	}
}

func TestDistanceMetrics(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}

	if d := Distance(types.MetricL2, a, b); math.Abs(d-math.Sqrt2) > 1e-9 {
		t.Errorf("L2 = %v, want sqrt(2)", d)
	}
	if d := Distance(types.MetricL1, a, b); d != 2 {
		t.Errorf("L1 = %v, want 2", d)
	}
	// Orthogonal unit vectors: cosine distance 1.
	if d := Distance(types.MetricCosine, a, b); math.Abs(d-1) > 1e-9 {
		t.Errorf("cosine = %v, want 1", d)
	}
	if d := Distance(types.MetricCosine, a, a); math.Abs(d) > 1e-9 {
		t.Errorf("cosine to self = %v, want 0", d)
	}
}

func TestDistanceMismatchedDims(t *testing.T) {
	if d := Distance(types.MetricL2, []float32{1}, []float32{1, 2}); !math.IsInf(d, 1) {
		t.Errorf("mismatched dims = %v, want +Inf", d)
	}
}

func TestTopKOrderingAndTieBreak(t *testing.T) {
	topk := NewTopK(3)
	topk.Push(Candidate{RowID: 5, Distance: 2.0})
	topk.Push(Candidate{RowID: 1, Distance: 1.0})
	topk.Push(Candidate{RowID: 9, Distance: 3.0})
	topk.Push(Candidate{RowID: 2, Distance: 1.0}) // ties with rowID 1; lower id wins placement order
	topk.Push(Candidate{RowID: 7, Distance: 9.0}) // never ranks

	got := topk.Sorted()
	wantIDs := []int64{1, 2, 5}
	if len(got) != len(wantIDs) {
		t.Fatalf("got %d candidates, want %d", len(got), len(wantIDs))
	}
	for i, id := range wantIDs {
		if got[i].RowID != id {
			t.Errorf("position %d: got row %d, want %d", i, got[i].RowID, id)
		}
	}
}

func TestTopKZero(t *testing.T) {
	topk := NewTopK(0)
	topk.Push(Candidate{RowID: 1, Distance: 1})
	if got := topk.Sorted(); len(got) != 0 {
		t.Errorf("k=0 returned %d candidates", len(got))
	}
}
