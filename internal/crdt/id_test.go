package crdt

import "testing"

func TestDeleteSetNormalizes(t *testing.T) {
	ds := DeleteSet{}
	for _, c := range []uint64{5, 3, 4, 9, 10, 3} {
		ds.Add(NewID(7, c))
	}

	ranges := ds[7]
	if len(ranges) != 2 {
		t.Fatalf("Expected 2 ranges, got %+v", ranges)
	}
	if ranges[0].Start != 3 || ranges[0].Len != 3 {
		t.Errorf("Expected first range [3,6), got %+v", ranges[0])
	}
	if ranges[1].Start != 9 || ranges[1].Len != 2 {
		t.Errorf("Expected second range [9,11), got %+v", ranges[1])
	}
	if ds.Count() != 5 {
		t.Errorf("Expected 5 deleted ids, got %d", ds.Count())
	}
}

func TestDeleteSetContains(t *testing.T) {
	ds := DeleteSet{}
	ds.addRange(1, Range{Start: 10, Len: 5})

	tests := []struct {
		clock uint64
		want  bool
	}{
		{9, false},
		{10, true},
		{14, true},
		{15, false},
	}
	for _, tt := range tests {
		if got := ds.Contains(NewID(1, tt.clock)); got != tt.want {
			t.Errorf("Contains(%d) = %v, want %v", tt.clock, got, tt.want)
		}
	}
	if ds.Contains(NewID(2, 10)) {
		t.Error("Other replica should not be covered")
	}
}

func TestDeleteSetMergeIsIdempotent(t *testing.T) {
	a := DeleteSet{}
	a.addRange(1, Range{Start: 0, Len: 2})
	b := DeleteSet{}
	b.addRange(1, Range{Start: 1, Len: 3})
	b.addRange(2, Range{Start: 0, Len: 1})

	a.Merge(b)
	a.Merge(b)

	if len(a[1]) != 1 || a[1][0].Len != 4 {
		t.Errorf("Expected replica 1 merged to [0,4), got %+v", a[1])
	}
	if a.Count() != 5 {
		t.Errorf("Expected 5 ids after merge, got %d", a.Count())
	}
}

func TestStateVectorCovers(t *testing.T) {
	sv := StateVector{1: 3}
	if !sv.Covers(NewID(1, 2)) {
		t.Error("Clock 2 should be covered")
	}
	if sv.Covers(NewID(1, 3)) || sv.Covers(NewID(2, 0)) {
		t.Error("Unseen ids should not be covered")
	}
}
