package vm

import "github.com/joshuapare/gpuvm/gpu/pagetable"

// Options configures an AddressSpace.
type Options struct {
	// Geometry of the page table.
	Geometry pagetable.Geometry

	// Name identifies the address space in log output.
	Name string

	// ZeroDemandPages clears pages installed by EnsureMapped.
	ZeroDemandPages bool
}

// DefaultOptions returns a 40-bit address space of 4 KiB pages.
func DefaultOptions() Options {
	return Options{
		Geometry:        pagetable.DefaultGeometry,
		Name:            "gpu",
		ZeroDemandPages: true,
	}
}
