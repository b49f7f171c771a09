// Package vm implements the GPU virtual address space: a page table guarded
// by a reader/writer lock, unmap notifications, demand paging and access to
// physical memory through translation.
//
// # Overview
//
//	as := vm.New(mem, alloc, vm.DefaultOptions())
//	if err := as.Map(0x40000, 0x1000, 0x2000, pagetable.KindPitch); err != nil {
//	    return err
//	}
//	pa := as.Translate(0x1234) // 0x40234
//
// Map and Unmap raise an UnmapEvent for the target range before touching any
// entry. Handlers can drop state keyed by the old translation and queue remap
// actions with QueueRemap; those run after the entries changed, in
// subscription order.
//
// # Thread Safety
//
// AddressSpace is safe for concurrent use. Translate and the other queries
// take the read lock; Map and Unmap the write lock. EnsureMapped holds the
// upgradeable read lock and only escalates for pages it has to install.
// Map and Unmap are serialized with each other, so handlers observe a stable
// table and may call Translate.
package vm
