package rangeindex

// Entry is one address range and its payload.
type Entry[T any] struct {
	Address uint64
	Size    uint64
	Value   T
}

// End returns the exclusive end address of the entry.
func (e *Entry[T]) End() uint64 { return e.Address + e.Size }

// Overlaps reports whether the entry intersects [address, address+size).
func (e *Entry[T]) Overlaps(address, size uint64) bool {
	return address < e.Address+e.Size && e.Address < address+size
}

// Contains reports whether address falls inside the entry.
func (e *Entry[T]) Contains(address uint64) bool {
	return address >= e.Address && address < e.Address+e.Size
}
