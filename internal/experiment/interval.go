package experiment

import (
	"math"
	"sort"
)

// addrEntry is one [start,stop) range with an opaque payload (a
// *binfmt.Function, *binfmt.Loop, or *KernelSymbol). stop is an exclusive
// upper bound, except when it equals math.MaxUint64, in which case the
// range is treated as closed (needed for the kernel symbol map's trailing
// sentinel, which covers [last_addr, UINT64_MAX]).
type addrEntry struct {
	start, stop uint64
	payload     any
}

// IntervalIndex answers "which range contains address x" queries over a
// fixed set of disjoint, sorted ranges.
//
// The index is built exactly once per node and then only ever queried
// (metadata is read-only once the writer closes the experiment
// directory), so a sorted slice searched with sort.Search gives O(log n)
// lookup with none of the rotation logic a self-balancing tree would
// need.
type IntervalIndex struct {
	entries []addrEntry // sorted by start, disjoint
}

// NewIntervalIndex builds an index over ranges, each association being
// (start inclusive, stop, payload). Ranges must be pairwise disjoint;
// NewIntervalIndex does not itself re-verify disjointness across
// payloads (the writer is responsible for persisting disjoint ranges).
func NewIntervalIndex(entries []addrEntry) *IntervalIndex {
	sorted := make([]addrEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].start < sorted[j].start })
	return &IntervalIndex{entries: sorted}
}

// Lookup returns the payload of the unique range containing addr, if any.
func (idx *IntervalIndex) Lookup(addr uint64) (any, bool) {
	// Find the last entry whose start <= addr.
	i := sort.Search(len(idx.entries), func(i int) bool { return idx.entries[i].start > addr })
	if i == 0 {
		return nil, false
	}
	e := idx.entries[i-1]
	if addr < e.start {
		return nil, false
	}
	if e.stop != math.MaxUint64 && addr >= e.stop {
		return nil, false
	}
	return e.payload, true
}

// Len reports the number of ranges in the index.
func (idx *IntervalIndex) Len() int { return len(idx.entries) }
