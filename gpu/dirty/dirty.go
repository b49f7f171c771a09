// Package dirty records which pages of guest memory the CPU wrote through the
// tracked path, so they can be written back to a file-backed store.
//
// The tracker keeps raw byte ranges, then page-aligns, sorts and merges them
// when they are read or flushed. Flushing uses msync on unix.
package dirty

import (
	"context"
	"slices"
	"sync"

	"github.com/joshuapare/gpuvm/internal/mmfile"
)

const (
	// defaultRangeCapacity is the pre-allocated capacity for dirty ranges.
	defaultRangeCapacity = 64

	// DefaultPageSize is the granularity ranges are aligned to.
	DefaultPageSize = 4096
)

// Range is a dirty byte range of guest memory.
type Range struct {
	Off uint64
	Len uint64
}

// End returns the exclusive end offset.
func (r Range) End() uint64 { return r.Off + r.Len }

// Tracker accumulates dirty ranges. Safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	ranges   []Range
	pageSize uint64
}

// NewTracker creates a tracker aligning to pageSize (DefaultPageSize if 0).
// pageSize must be a power of two.
func NewTracker(pageSize uint64) *Tracker {
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if pageSize&(pageSize-1) != 0 {
		panic("dirty: page size must be a power of two")
	}
	return &Tracker{
		ranges:   make([]Range, 0, defaultRangeCapacity),
		pageSize: pageSize,
	}
}

// PageSize returns the alignment granularity.
func (t *Tracker) PageSize() uint64 { return t.pageSize }

// Add records a dirty range. Empty ranges are ignored.
func (t *Tracker) Add(off, length uint64) {
	if length == 0 {
		return
	}
	t.mu.Lock()
	t.ranges = append(t.ranges, Range{Off: off, Len: length})
	t.mu.Unlock()
}

// Len returns the number of raw (uncoalesced) ranges.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ranges)
}

// Ranges returns the page-aligned, sorted and merged dirty ranges.
func (t *Tracker) Ranges() []Range {
	t.mu.Lock()
	defer t.mu.Unlock()
	return coalesce(t.ranges, t.pageSize)
}

// TakeRanges returns the coalesced ranges and clears the tracker.
func (t *Tracker) TakeRanges() []Range {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := coalesce(t.ranges, t.pageSize)
	t.ranges = t.ranges[:0]
	return out
}

// Reset clears all tracked ranges.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.ranges = t.ranges[:0]
	t.mu.Unlock()
}

// Flush msyncs every dirty page of data, which must be the mapping the
// offsets refer to, and clears the tracker. Ranges past the end of data are
// clipped.
//
// The context is checked between ranges. If cancelled, the ranges not yet
// flushed are put back.
func (t *Tracker) Flush(ctx context.Context, data []byte) error {
	ranges := t.TakeRanges()
	if len(ranges) == 0 || len(data) == 0 {
		return nil
	}

	limit := uint64(len(data))
	for i, r := range ranges {
		if err := ctx.Err(); err != nil {
			t.restore(ranges[i:])
			return err
		}
		if r.Off >= limit {
			break
		}
		end := min(r.End(), limit)
		if err := mmfile.Sync(data[r.Off:end]); err != nil {
			t.restore(ranges[i:])
			return err
		}
	}
	return nil
}

func (t *Tracker) restore(ranges []Range) {
	t.mu.Lock()
	t.ranges = append(t.ranges, ranges...)
	t.mu.Unlock()
}

// coalesce page-aligns ranges, sorts them, and merges overlapping or adjacent
// ones into a new slice.
func coalesce(ranges []Range, pageSize uint64) []Range {
	if len(ranges) == 0 {
		return nil
	}

	mask := pageSize - 1
	aligned := make([]Range, len(ranges))
	for i, r := range ranges {
		start := r.Off &^ mask
		end := r.End()
		if end < r.Off {
			end = ^uint64(0) &^ mask
		} else if end&mask != 0 {
			end = (end | mask) + 1
		}
		aligned[i] = Range{Off: start, Len: end - start}
	}

	slices.SortFunc(aligned, func(a, b Range) int {
		switch {
		case a.Off < b.Off:
			return -1
		case a.Off > b.Off:
			return 1
		}
		return 0
	})

	merged := make([]Range, 0, len(aligned))
	current := aligned[0]
	for _, next := range aligned[1:] {
		if next.Off <= current.End() {
			current.Len = max(current.End(), next.End()) - current.Off
			continue
		}
		merged = append(merged, current)
		current = next
	}
	return append(merged, current)
}
