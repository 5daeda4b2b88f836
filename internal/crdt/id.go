package crdt

import (
	"fmt"
	"math/rand/v2"
	"sort"
)

// ID names an item globally. Clocks are contiguous per replica starting at
// zero, so a replica's next expected clock summarizes everything seen from it.
type ID struct {
	_       struct{} `cbor:",toarray"`
	Replica uint64
	Clock   uint64
}

func NewID(replica, clock uint64) ID {
	return ID{Replica: replica, Clock: clock}
}

func (id ID) String() string {
	return fmt.Sprintf("%d@%d", id.Clock, id.Replica)
}

// NewReplicaID picks a random replica id for a new session.
func NewReplicaID() uint64 {
	for {
		if r := rand.Uint64(); r != 0 {
			return r
		}
	}
}

func sameID(a, b *ID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Replica == b.Replica && a.Clock == b.Clock
}

// StateVector maps replica id to the next clock not yet seen from it.
type StateVector map[uint64]uint64

func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for k, v := range sv {
		out[k] = v
	}
	return out
}

// Covers reports whether id is already accounted for by sv.
func (sv StateVector) Covers(id ID) bool {
	return id.Clock < sv[id.Replica]
}

// Range is a run of deleted clocks [Start, Start+Len) for one replica.
type Range struct {
	_     struct{} `cbor:",toarray"`
	Start uint64
	Len   uint64
}

func (r Range) end() uint64 { return r.Start + r.Len }

// DeleteSet records every deleted id as sorted, non-overlapping ranges.
// Union is idempotent and commutative.
type DeleteSet map[uint64][]Range

func (ds DeleteSet) Add(id ID) {
	ds.addRange(id.Replica, Range{Start: id.Clock, Len: 1})
}

func (ds DeleteSet) addRange(replica uint64, r Range) {
	if r.Len == 0 {
		return
	}
	ds[replica] = normalize(append(ds[replica], r))
}

func (ds DeleteSet) Contains(id ID) bool {
	ranges := ds[id.Replica]
	i := sort.Search(len(ranges), func(i int) bool { return ranges[i].end() > id.Clock })
	return i < len(ranges) && ranges[i].Start <= id.Clock
}

// Merge folds other into ds.
func (ds DeleteSet) Merge(other DeleteSet) {
	for replica, ranges := range other {
		combined := append(append([]Range(nil), ds[replica]...), ranges...)
		if merged := normalize(combined); len(merged) > 0 {
			ds[replica] = merged
		}
	}
}

func (ds DeleteSet) Clone() DeleteSet {
	out := make(DeleteSet, len(ds))
	for replica, ranges := range ds {
		out[replica] = append([]Range(nil), ranges...)
	}
	return out
}

// Count returns the number of deleted ids recorded.
func (ds DeleteSet) Count() uint64 {
	var n uint64
	for _, ranges := range ds {
		for _, r := range ranges {
			n += r.Len
		}
	}
	return n
}

func normalize(ranges []Range) []Range {
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	out := ranges[:0]
	for _, r := range ranges {
		if r.Len == 0 {
			continue
		}
		if n := len(out); n > 0 && r.Start <= out[n-1].end() {
			if r.end() > out[n-1].end() {
				out[n-1].Len = r.end() - out[n-1].Start
			}
			continue
		}
		out = append(out, r)
	}
	return out
}
