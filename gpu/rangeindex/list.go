package rangeindex

import (
	"fmt"
	"iter"
	"slices"
	"sort"

	"github.com/joshuapare/gpuvm/internal/buf"
)

// List is a sorted collection of non-overlapping ranges owned by the caller.
//
// NOT thread-safe.
type List[T any] struct {
	items []*Entry[T]
}

// NewList creates an empty list with room for capacity entries.
func NewList[T any](capacity int) *List[T] {
	return &List[T]{items: make([]*Entry[T], 0, capacity)}
}

// Len returns the number of entries.
func (l *List[T]) Len() int { return len(l.items) }

// Add inserts e. It panics if e has zero size, wraps the address space, or
// overlaps an existing entry.
func (l *List[T]) Add(e *Entry[T]) {
	end := checkedEnd(e.Address, e.Size)

	i, _ := l.search(e.Address)
	if i < len(l.items) && l.items[i].Address < end {
		panic(fmt.Sprintf("rangeindex: [%#x, %#x) overlaps [%#x, %#x)",
			e.Address, end, l.items[i].Address, l.items[i].End()))
	}
	if i > 0 && l.items[i-1].End() > e.Address {
		panic(fmt.Sprintf("rangeindex: [%#x, %#x) overlaps [%#x, %#x)",
			e.Address, end, l.items[i-1].Address, l.items[i-1].End()))
	}
	l.items = slices.Insert(l.items, i, e)
}

// Remove deletes e (by identity). It returns false when e is not in the list.
func (l *List[T]) Remove(e *Entry[T]) bool {
	i, found := l.search(e.Address)
	if !found || l.items[i] != e {
		return false
	}
	l.items = slices.Delete(l.items, i, i+1)
	return true
}

// FindOverlaps returns the ascending run of entries intersecting
// [address, address+size). The returned slice aliases the list and is only
// valid until the next mutation; clone it before mutating.
func (l *List[T]) FindOverlaps(address, size uint64) []*Entry[T] {
	lo, hi := l.findOverlapSpan(address, size)
	if lo >= hi {
		return nil
	}
	return l.items[lo:hi:hi]
}

// FindOverlap returns any one entry intersecting [address, address+size).
func (l *List[T]) FindOverlap(address, size uint64) (*Entry[T], bool) {
	i := l.findOverlapIndex(address, size)
	if i < 0 {
		return nil, false
	}
	return l.items[i], true
}

// All iterates over every entry in ascending address order.
func (l *List[T]) All() iter.Seq[*Entry[T]] {
	return func(yield func(*Entry[T]) bool) {
		for _, e := range l.items {
			if !yield(e) {
				return
			}
		}
	}
}

// Entries returns a copy of the sorted entry slice.
func (l *List[T]) Entries() []*Entry[T] {
	return slices.Clone(l.items)
}

// Clear removes every entry.
func (l *List[T]) Clear() {
	clear(l.items)
	l.items = l.items[:0]
}

// search returns the index of the entry starting exactly at address, or the
// insertion point for such an entry.
func (l *List[T]) search(address uint64) (int, bool) {
	return slices.BinarySearchFunc(l.items, address, func(e *Entry[T], a uint64) int {
		switch {
		case e.Address < a:
			return -1
		case e.Address > a:
			return 1
		}
		return 0
	})
}

// findOverlapIndex returns the index of any entry intersecting the query, or -1.
func (l *List[T]) findOverlapIndex(address, size uint64) int {
	end, ok := queryEnd(address, size)
	if !ok {
		return -1
	}
	lo, hi := 0, len(l.items)-1
	for lo <= hi {
		mid := lo + (hi-lo)/2
		e := l.items[mid]
		switch {
		case e.Address < end && address < e.End():
			return mid
		case address < e.Address:
			hi = mid - 1
		default:
			lo = mid + 1
		}
	}
	return -1
}

// findOverlapSpan returns [lo, hi): the first entry ending after address and
// the first entry starting at or after the query end.
func (l *List[T]) findOverlapSpan(address, size uint64) (int, int) {
	end, ok := queryEnd(address, size)
	if !ok {
		return 0, 0
	}
	n := len(l.items)
	lo := sort.Search(n, func(i int) bool { return l.items[i].End() > address })
	hi := lo + sort.Search(n-lo, func(i int) bool { return l.items[lo+i].Address >= end })
	return lo, hi
}

func queryEnd(address, size uint64) (uint64, bool) {
	if size == 0 {
		return 0, false
	}
	return buf.End(address, size)
}

func checkedEnd(address, size uint64) uint64 {
	if size == 0 {
		panic(fmt.Sprintf("rangeindex: zero-size entry at %#x", address))
	}
	end, ok := buf.End(address, size)
	if !ok {
		panic(fmt.Sprintf("rangeindex: entry at %#x size %#x wraps the address space", address, size))
	}
	return end
}
