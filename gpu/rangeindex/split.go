package rangeindex

import (
	"fmt"
	"iter"
	"slices"
	"sort"
)

// Handle addresses an entry of a SplitList. Handles stay valid until the
// entry is removed; a removed handle may be reused by a later Add or Split.
type Handle int32

// Invalid is returned by Next/Prev at the ends of the list.
const Invalid Handle = -1

// SplitFunc derives the value of the right half when an entry is split
// offset bytes after its start. The left half keeps the original value.
type SplitFunc[T any] func(v T, offset uint64) T

type splitNode[T any] struct {
	Entry[T]
	prev, next Handle
	live       bool
}

// SplitList is an arena-backed sorted collection of non-overlapping ranges
// supporting in-place splits. Neighbor links are arena indices.
//
// NOT thread-safe.
type SplitList[T any] struct {
	nodes []splitNode[T]
	free  []Handle
	order []Handle // sorted by address
	split SplitFunc[T]
}

// NewSplitList creates an empty list. split may be nil, in which case both
// halves of a split entry receive a copy of the original value.
func NewSplitList[T any](split SplitFunc[T]) *SplitList[T] {
	return &SplitList[T]{split: split}
}

// Len returns the number of live entries.
func (s *SplitList[T]) Len() int { return len(s.order) }

// Add inserts a new entry. It panics on zero size or overlap.
func (s *SplitList[T]) Add(address, size uint64, value T) Handle {
	end := checkedEnd(address, size)

	i := s.insertionPoint(address)
	if i < len(s.order) && s.nodes[s.order[i]].Address < end {
		n := &s.nodes[s.order[i]]
		panic(fmt.Sprintf("rangeindex: [%#x, %#x) overlaps [%#x, %#x)", address, end, n.Address, n.End()))
	}
	if i > 0 && s.nodes[s.order[i-1]].End() > address {
		n := &s.nodes[s.order[i-1]]
		panic(fmt.Sprintf("rangeindex: [%#x, %#x) overlaps [%#x, %#x)", address, end, n.Address, n.End()))
	}

	h := s.alloc(address, size, value)
	s.insertAt(i, h)
	return h
}

// Remove deletes the entry h.
func (s *SplitList[T]) Remove(h Handle) {
	n := s.node(h)
	i := s.position(h)

	if n.prev != Invalid {
		s.nodes[n.prev].next = n.next
	}
	if n.next != Invalid {
		s.nodes[n.next].prev = n.prev
	}
	s.order = slices.Delete(s.order, i, i+1)

	s.nodes[h] = splitNode[T]{prev: Invalid, next: Invalid}
	s.free = append(s.free, h)
}

// Get returns a copy of entry h.
func (s *SplitList[T]) Get(h Handle) Entry[T] {
	return s.node(h).Entry
}

// Value returns a pointer to the payload of h. The pointer is invalidated by
// the next Add, Split or GetOrAddRegions call.
func (s *SplitList[T]) Value(h Handle) *T {
	return &s.node(h).Value
}

// SetValue replaces the payload of h.
func (s *SplitList[T]) SetValue(h Handle, v T) {
	s.node(h).Value = v
}

// Next returns the entry following h in address order, or Invalid.
func (s *SplitList[T]) Next(h Handle) Handle { return s.node(h).next }

// Prev returns the entry preceding h in address order, or Invalid.
func (s *SplitList[T]) Prev(h Handle) Handle { return s.node(h).prev }

// First returns the lowest entry, or Invalid when empty.
func (s *SplitList[T]) First() Handle {
	if len(s.order) == 0 {
		return Invalid
	}
	return s.order[0]
}

// Split replaces h by [addr, at) and [at, end). h keeps the left half; the
// right half is a new entry. It panics if h has zero size or at is not
// strictly inside h.
func (s *SplitList[T]) Split(h Handle, at uint64) (left, right Handle) {
	n := s.node(h)
	if n.Size == 0 {
		panic(fmt.Sprintf("rangeindex: cannot split zero-size entry at %#x", n.Address))
	}
	if at <= n.Address || at >= n.End() {
		panic(fmt.Sprintf("rangeindex: can't split [%#x, %#x) at %#x", n.Address, n.End(), at))
	}

	offset := at - n.Address
	end := n.End()
	value := n.Value
	if s.split != nil {
		value = s.split(n.Value, offset)
	}
	pos := s.position(h)

	r := s.alloc(at, end-at, value)
	// alloc may have grown the arena.
	l := &s.nodes[h]
	l.Size = offset

	rn := &s.nodes[r]
	rn.prev = h
	rn.next = l.next
	if l.next != Invalid {
		s.nodes[l.next].prev = r
	}
	l.next = r
	s.order = slices.Insert(s.order, pos+1, r)
	return h, r
}

// FindOverlaps returns the handles intersecting [address, address+size) in
// ascending order.
func (s *SplitList[T]) FindOverlaps(address, size uint64) []Handle {
	lo, hi := s.findOverlapSpan(address, size)
	if lo >= hi {
		return nil
	}
	return slices.Clone(s.order[lo:hi])
}

// GetOrAddRegions returns entries exactly tiling [address, address+size).
// Entries crossing either edge are split, and every uncovered gap gets a new
// entry whose value is factory(gapAddress, gapSize).
func (s *SplitList[T]) GetOrAddRegions(address, size uint64, factory func(address, size uint64) T) []Handle {
	end, ok := queryEnd(address, size)
	if !ok {
		return nil
	}

	overlaps := s.FindOverlaps(address, size)
	result := make([]Handle, 0, len(overlaps)+2)
	cursor := address

	for _, h := range overlaps {
		if s.nodes[h].Address < address {
			_, h = s.Split(h, address)
		}
		if s.nodes[h].End() > end {
			h, _ = s.Split(h, end)
		}
		e := s.nodes[h].Entry
		if e.Address > cursor {
			gap := e.Address - cursor
			result = append(result, s.Add(cursor, gap, factory(cursor, gap)))
		}
		result = append(result, h)
		cursor = e.End()
	}
	if cursor < end {
		result = append(result, s.Add(cursor, end-cursor, factory(cursor, end-cursor)))
	}
	return result
}

// All iterates over every entry in ascending address order.
func (s *SplitList[T]) All() iter.Seq2[Handle, Entry[T]] {
	return func(yield func(Handle, Entry[T]) bool) {
		for _, h := range s.order {
			if !yield(h, s.nodes[h].Entry) {
				return
			}
		}
	}
}

// Clear removes every entry and releases the arena.
func (s *SplitList[T]) Clear() {
	s.nodes = s.nodes[:0]
	s.free = s.free[:0]
	s.order = s.order[:0]
}

func (s *SplitList[T]) node(h Handle) *splitNode[T] {
	if h < 0 || int(h) >= len(s.nodes) || !s.nodes[h].live {
		panic(fmt.Sprintf("rangeindex: stale handle %d", h))
	}
	return &s.nodes[h]
}

func (s *SplitList[T]) alloc(address, size uint64, value T) Handle {
	n := splitNode[T]{
		Entry: Entry[T]{Address: address, Size: size, Value: value},
		prev:  Invalid,
		next:  Invalid,
		live:  true,
	}
	if k := len(s.free); k > 0 {
		h := s.free[k-1]
		s.free = s.free[:k-1]
		s.nodes[h] = n
		return h
	}
	s.nodes = append(s.nodes, n)
	return Handle(len(s.nodes) - 1)
}

func (s *SplitList[T]) insertAt(i int, h Handle) {
	n := &s.nodes[h]
	if i > 0 {
		p := s.order[i-1]
		n.prev = p
		s.nodes[p].next = h
	}
	if i < len(s.order) {
		nx := s.order[i]
		n.next = nx
		s.nodes[nx].prev = h
	}
	s.order = slices.Insert(s.order, i, h)
}

// insertionPoint returns the index of the first entry starting at or after address.
func (s *SplitList[T]) insertionPoint(address uint64) int {
	return sort.Search(len(s.order), func(i int) bool {
		return s.nodes[s.order[i]].Address >= address
	})
}

// position returns the index of h in the sorted order.
func (s *SplitList[T]) position(h Handle) int {
	i := s.insertionPoint(s.nodes[h].Address)
	if i >= len(s.order) || s.order[i] != h {
		panic(fmt.Sprintf("rangeindex: handle %d missing from order", h))
	}
	return i
}

func (s *SplitList[T]) findOverlapSpan(address, size uint64) (int, int) {
	end, ok := queryEnd(address, size)
	if !ok {
		return 0, 0
	}
	n := len(s.order)
	lo := sort.Search(n, func(i int) bool { return s.nodes[s.order[i]].End() > address })
	hi := lo + sort.Search(n-lo, func(i int) bool { return s.nodes[s.order[lo+i]].Address >= end })
	return lo, hi
}
