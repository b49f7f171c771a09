// Package pagetable implements the GPU virtual page table: packed page table
// entries and a sparse two-level table of them.
//
// An Entry packs a page-aligned physical address (low 56 bits) and a Kind tag
// (high 8 bits) into one word. The all-ones value is the Unmapped sentinel.
//
// Table is a level-0 array of pointers to level-1 arrays, allocated on first
// write. It is not safe for concurrent use; package vm serializes access.
package pagetable

import "fmt"

const (
	kindShift = 56

	// PhysicalMask selects the physical address bits of an Entry.
	PhysicalMask = uint64(1)<<kindShift - 1
)

// Entry is a packed page table entry.
type Entry uint64

// Unmapped marks a page with no physical backing.
const Unmapped Entry = ^Entry(0)

// Pack combines a physical page address and kind. It panics when pa does not
// fit in the physical field or is not aligned to pageSize.
func Pack(pa uint64, kind Kind, pageSize uint64) Entry {
	if pa&^PhysicalMask != 0 {
		panic(fmt.Sprintf("pagetable: physical address %#x exceeds 56 bits", pa))
	}
	if pa&(pageSize-1) != 0 {
		panic(fmt.Sprintf("pagetable: physical address %#x not aligned to %#x", pa, pageSize))
	}
	return Entry(pa | uint64(kind)<<kindShift)
}

// PhysicalAddress returns the physical page address of e.
func (e Entry) PhysicalAddress() uint64 { return uint64(e) & PhysicalMask }

// Kind returns the layout tag of e.
func (e Entry) Kind() Kind { return Kind(uint64(e) >> kindShift) }

// IsMapped reports whether e refers to physical memory.
func (e Entry) IsMapped() bool { return e != Unmapped }

func (e Entry) String() string {
	if e == Unmapped {
		return "unmapped"
	}
	return fmt.Sprintf("%#x/%s", e.PhysicalAddress(), e.Kind())
}
