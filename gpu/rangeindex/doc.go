// Package rangeindex provides sorted, binary-searchable collections of
// non-overlapping address ranges.
//
// # Overview
//
// Entries are kept sorted by address and never overlap, so every entry that
// intersects a query range belongs to one contiguous run of the sorted array.
// Overlap queries therefore cost O(log n + k): one binary search for the left
// edge, one for the right edge, and a slice of the run in between.
//
// # Variants
//
// List: entries are caller-owned *Entry values. Used where the payload is
// mutated in place (dirty range stamps, cached buffers).
//
//	l := rangeindex.NewList[uint64](16)
//	l.Add(&rangeindex.Entry[uint64]{Address: 0x1000, Size: 0x100, Value: 5})
//	for _, e := range l.FindOverlaps(0x1080, 0x10) {
//	    // e.Address == 0x1000
//	}
//
// SplitList: entries live in an arena and are addressed by Handle. Each entry
// links to its sorted neighbors by arena index, and Split replaces an entry by
// two halves while keeping those links intact. GetOrAddRegions returns the
// exact tiling of a query range, splitting entries that cross its edges and
// creating entries for uncovered gaps.
//
//	s := rangeindex.NewSplitList[Mapping](splitMapping)
//	for _, h := range s.GetOrAddRegions(va, size, newGapMapping) {
//	    e := s.Get(h) // e.Address..e.End() lies within [va, va+size)
//	}
//
// # Failure semantics
//
// Queries with a zero size, or whose end overflows the 64-bit address space,
// return an empty result. Adding an overlapping or zero-size entry, or
// splitting outside an entry, is a programmer error and panics.
//
// # Thread Safety
//
// Neither collection is safe for concurrent use. Owners (trackers, address
// spaces, caches) guard them with their own locks.
package rangeindex
