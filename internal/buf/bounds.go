// Package buf contains overflow-safe helpers for address and slice arithmetic.
package buf

import (
	"fmt"
	"math"
)

// AddOverflowSafe adds a and b, returning ok = false when the result would overflow uint64.
func AddOverflowSafe(a, b uint64) (uint64, bool) {
	if a > math.MaxUint64-b {
		return 0, false
	}
	return a + b, true
}

// End returns address+size, or ok = false when the range wraps the 64-bit space.
func End(address, size uint64) (uint64, bool) {
	return AddOverflowSafe(address, size)
}

// IsAligned reports whether v is a multiple of align. align must be a power of two.
func IsAligned(v, align uint64) bool {
	return v&(align-1) == 0
}

// AlignDown rounds v down to a multiple of align. align must be a power of two.
func AlignDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}

// AlignUp rounds v up to a multiple of align, returning ok = false on overflow.
// align must be a power of two.
func AlignUp(v, align uint64) (uint64, bool) {
	sum, ok := AddOverflowSafe(v, align-1)
	if !ok {
		return 0, false
	}
	return sum &^ (align - 1), true
}

// Intersect clips [aStart, aEnd) to [bStart, bEnd).
// ok is false when the two ranges do not intersect.
func Intersect(aStart, aEnd, bStart, bEnd uint64) (start, end uint64, ok bool) {
	start = max(aStart, bStart)
	end = min(aEnd, bEnd)
	if start >= end {
		return 0, 0, false
	}
	return start, end, true
}

// CheckRange validates that [off, off+n) fits inside a region of length limit.
// It returns the end offset, or an error describing the specific failure.
//
//	end, err := buf.CheckRange(memSize, pa, uint64(len(data)))
//	if err != nil {
//	    return fmt.Errorf("physical: %w", err)
//	}
func CheckRange(limit, off, n uint64) (uint64, error) {
	end, ok := AddOverflowSafe(off, n)
	if !ok {
		return 0, fmt.Errorf("overflow: offset=%#x + size=%#x", off, n)
	}
	if end > limit {
		return 0, fmt.Errorf("bounds: end=%#x > len=%#x", end, limit)
	}
	return end, nil
}

// Slice returns the sub-slice [off:off+n] if it fits within len(b).
func Slice(b []byte, off, n uint64) ([]byte, bool) {
	end, err := CheckRange(uint64(len(b)), off, n)
	if err != nil {
		return nil, false
	}
	return b[off:end], true
}

// Has reports whether b[off:off+n] is within bounds.
func Has(b []byte, off, n uint64) bool {
	_, ok := Slice(b, off, n)
	return ok
}
