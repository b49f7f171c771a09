package pagetable

import "fmt"

// Geometry describes how a virtual address splits into table indices:
//
//	| level-0 index | level-1 index | page offset |
//	  Level0Bits      Level1Bits      PageBits
type Geometry struct {
	PageBits   uint
	Level1Bits uint
	Level0Bits uint
}

// DefaultGeometry is a 40-bit address space of 4 KiB pages.
var DefaultGeometry = Geometry{PageBits: 12, Level1Bits: 14, Level0Bits: 14}

// AddressBits returns the number of representable virtual address bits.
func (g Geometry) AddressBits() uint { return g.PageBits + g.Level1Bits + g.Level0Bits }

// Validate checks that the geometry describes a usable table.
func (g Geometry) Validate() error {
	switch {
	case g.PageBits < 8 || g.PageBits > 24:
		return fmt.Errorf("pagetable: page bits %d out of range [8, 24]", g.PageBits)
	case g.Level1Bits == 0 || g.Level0Bits == 0:
		return fmt.Errorf("pagetable: level bits must be non-zero")
	case g.Level1Bits > 20 || g.Level0Bits > 20:
		return fmt.Errorf("pagetable: level bits exceed 20")
	case g.AddressBits() > 56:
		return fmt.Errorf("pagetable: %d address bits exceed 56", g.AddressBits())
	}
	return nil
}

// Table is a sparse two-level page table. Level-1 arrays are allocated on
// the first Set that touches them, and every slot starts Unmapped.
//
// NOT thread-safe.
type Table struct {
	geo    Geometry
	level0 [][]Entry
	l1Used int
}

// New creates an empty table. It panics on an invalid geometry; callers that
// take geometry from configuration should call Geometry.Validate first.
func New(geo Geometry) *Table {
	if err := geo.Validate(); err != nil {
		panic(err)
	}
	return &Table{
		geo:    geo,
		level0: make([][]Entry, 1<<geo.Level0Bits),
	}
}

// Geometry returns the table geometry.
func (t *Table) Geometry() Geometry { return t.geo }

// PageSize returns the size of one page in bytes.
func (t *Table) PageSize() uint64 { return 1 << t.geo.PageBits }

// PageMask returns PageSize()-1.
func (t *Table) PageMask() uint64 { return t.PageSize() - 1 }

// AddressBits returns the number of representable virtual address bits.
func (t *Table) AddressBits() uint { return t.geo.AddressBits() }

// Valid reports whether va lies inside the representable address space.
func (t *Table) Valid(va uint64) bool {
	return va>>t.geo.AddressBits() == 0
}

// Get returns the entry for the page containing va. Invalid addresses and
// pages in unallocated level-1 arrays read as Unmapped.
func (t *Table) Get(va uint64) Entry {
	if !t.Valid(va) {
		return Unmapped
	}
	l0, l1 := t.indices(va)
	level1 := t.level0[l0]
	if level1 == nil {
		return Unmapped
	}
	return level1[l1]
}

// Set stores e for the page containing va. It panics on an invalid address.
// Storing Unmapped into an unallocated level-1 array does not allocate it.
func (t *Table) Set(va uint64, e Entry) {
	if !t.Valid(va) {
		panic(fmt.Sprintf("pagetable: address %#x outside %d-bit space", va, t.geo.AddressBits()))
	}
	l0, l1 := t.indices(va)
	level1 := t.level0[l0]
	if level1 == nil {
		if e == Unmapped {
			return
		}
		level1 = make([]Entry, 1<<t.geo.Level1Bits)
		for i := range level1 {
			level1[i] = Unmapped
		}
		t.level0[l0] = level1
		t.l1Used++
	}
	level1[l1] = e
}

// Level1Count returns how many level-1 arrays have been allocated.
func (t *Table) Level1Count() int { return t.l1Used }

// Reset drops every level-1 array, unmapping all pages.
func (t *Table) Reset() {
	clear(t.level0)
	t.l1Used = 0
}

func (t *Table) indices(va uint64) (l0, l1 uint64) {
	l1 = (va >> t.geo.PageBits) & (1<<t.geo.Level1Bits - 1)
	l0 = (va >> (t.geo.PageBits + t.geo.Level1Bits)) & (1<<t.geo.Level0Bits - 1)
	return l0, l1
}
