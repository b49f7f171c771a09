package vm

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/joshuapare/gpuvm/gpu/pagetable"
	"github.com/joshuapare/gpuvm/gpu/physical"
)

const (
	testMemSize   = 1 << 20
	testAllocBase = 0x80000
)

func newTestSpace(t *testing.T) (*AddressSpace, *physical.Memory, *physical.Allocator) {
	t.Helper()
	opts := physical.DefaultOptions()
	opts.Size = testMemSize
	opts.AllocatorBase = testAllocBase

	mem, err := physical.NewMemory(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	alloc, err := physical.NewAllocatorFor(mem, opts)
	require.NoError(t, err)

	return New(mem, alloc, DefaultOptions()), mem, alloc
}

func Test_AddressSpace_TranslateAfterMap(t *testing.T) {
	as, _, _ := newTestSpace(t)
	const pa, va, size = 0x40000, 0x7000_0000, 0x3000

	require.NoError(t, as.Map(pa, va, size, pagetable.KindPitch))
	for off := uint64(0); off < size; off += 0x123 {
		require.Equal(t, uint64(pa+off), as.Translate(va+off), "offset %#x", off)
	}
	assert.Equal(t, Unmapped, as.Translate(va-1))
	assert.Equal(t, Unmapped, as.Translate(va+size))
	assert.Equal(t, pagetable.KindPitch, as.Kind(va))

	require.NoError(t, as.Unmap(va, size))
	for off := uint64(0); off < size; off += 0x123 {
		require.Equal(t, Unmapped, as.Translate(va+off))
	}
	assert.Equal(t, pagetable.KindInvalid, as.Kind(va))
}

func Test_AddressSpace_MapErrors(t *testing.T) {
	as, _, _ := newTestSpace(t)

	require.ErrorIs(t, as.Map(0x1000, 0x1001, 0x1000, pagetable.KindPitch), ErrUnaligned)
	require.ErrorIs(t, as.Map(0x1001, 0x1000, 0x1000, pagetable.KindPitch), ErrUnaligned)
	require.ErrorIs(t, as.Map(0x1000, 0x1000, 0x800, pagetable.KindPitch), ErrUnaligned)
	require.ErrorIs(t, as.Map(0x1000, 1<<40, 0x1000, pagetable.KindPitch), ErrInvalidAddress)
	require.ErrorIs(t, as.Map(0x1000, 1<<40-0x1000, 0x2000, pagetable.KindPitch), ErrInvalidAddress)
	require.ErrorIs(t, as.Map(pagetable.PhysicalMask&^0xfff, 0x1000, 0x2000, pagetable.KindPitch), ErrInvalidAddress)
	require.ErrorIs(t, as.Unmap(0x1000, 0x10), ErrUnaligned)

	require.NoError(t, as.Map(0x1000, 0x1000, 0, pagetable.KindPitch))
	require.Equal(t, uint64(0), as.Stats().Maps)
}

func Test_AddressSpace_InvalidAddressTranslatesToSentinel(t *testing.T) {
	as, _, _ := newTestSpace(t)
	assert.Equal(t, Unmapped, as.Translate(1<<40))
	assert.Equal(t, Unmapped, as.Translate(^uint64(0)))
	assert.False(t, as.IsValid(1<<40))
	assert.True(t, as.IsValid(1<<40-1))
	assert.False(t, as.IsMapped(0))
}

func Test_AddressSpace_IsContiguous(t *testing.T) {
	as, _, _ := newTestSpace(t)

	require.NoError(t, as.Map(0x10000, 0x1000, 0x1000, pagetable.KindPitch))
	require.NoError(t, as.Map(0x30000, 0x2000, 0x1000, pagetable.KindPitch))
	assert.False(t, as.IsContiguous(0x1000, 0x2000))
	assert.True(t, as.IsContiguous(0x1000, 0x1000))
	assert.True(t, as.IsContiguous(0x1800, 0x800))

	require.NoError(t, as.Map(0x11000, 0x2000, 0x1000, pagetable.KindPitch))
	assert.True(t, as.IsContiguous(0x1000, 0x2000))
	assert.False(t, as.IsContiguous(0x1000, 0x3000), "third page is unmapped")
}

func Test_AddressSpace_PhysicalRegions(t *testing.T) {
	as, _, _ := newTestSpace(t)
	require.NoError(t, as.Map(0x10000, 0x1000, 0x2000, pagetable.KindPitch))
	require.NoError(t, as.Map(0x40000, 0x3000, 0x1000, pagetable.KindPitch))

	regions, ok := as.PhysicalRegions(0x1800, 0x2000)
	require.True(t, ok)
	want := []Region{{0x10800, 0x1800}, {0x40000, 0x800}}
	if diff := cmp.Diff(want, regions); diff != "" {
		t.Fatalf("regions mismatch (-want +got):\n%s", diff)
	}

	_, ok = as.PhysicalRegions(0x3000, 0x2000)
	require.False(t, ok)
}

func Test_AddressSpace_NotificationOrdering(t *testing.T) {
	as, _, _ := newTestSpace(t)
	require.NoError(t, as.Map(0x10000, 0x1000, 0x1000, pagetable.KindPitch))

	var (
		log           []string
		before, after []uint64
	)
	as.Subscribe(func(e *UnmapEvent) {
		require.Equal(t, uint64(0x1000), e.Address)
		require.Equal(t, uint64(0x1000), e.Size)
		before = append(before, as.Translate(0x1000))
		log = append(log, "first")
		e.QueueRemap(func() {
			after = append(after, as.Translate(0x1000))
			log = append(log, "first-remap")
		})
	})
	unsubscribe := as.Subscribe(func(e *UnmapEvent) {
		log = append(log, "second")
		e.QueueRemap(func() { log = append(log, "second-remap") })
	})

	require.NoError(t, as.Map(0x20000, 0x1000, 0x1000, pagetable.KindPitch))
	require.Equal(t, []string{"first", "second", "first-remap", "second-remap"}, log)

	unsubscribe()
	unsubscribe()
	log = nil
	require.NoError(t, as.Unmap(0x1000, 0x1000))
	require.Equal(t, []string{"first", "first-remap"}, log)

	// Handlers see the old translation, remap actions the new one.
	require.Equal(t, []uint64{0x10000, 0x20000}, before)
	require.Equal(t, []uint64{0x20000, Unmapped}, after)

	s := as.Stats()
	assert.Equal(t, uint64(3), s.Notifications)
	assert.Equal(t, uint64(3), s.Remaps)
}

func Test_AddressSpace_UnmapIsIdempotent(t *testing.T) {
	as, _, _ := newTestSpace(t)
	require.NoError(t, as.Map(0x10000, 0x4000, 0x2000, pagetable.KindPitch))

	require.NoError(t, as.Unmap(0x4000, 0x2000))
	require.NoError(t, as.Unmap(0x4000, 0x2000))
	require.NoError(t, as.Unmap(0x100000, 0x1000))
	assert.Equal(t, uint64(0), as.Stats().MappedPages)
	assert.Empty(t, as.Mappings())
}

func Test_AddressSpace_MappingsSplitOnPartialUnmap(t *testing.T) {
	as, _, _ := newTestSpace(t)
	require.NoError(t, as.Map(0x10000, 0x1000, 0x3000, pagetable.KindZ16))
	require.NoError(t, as.Unmap(0x2000, 0x1000))

	want := []Mapping{
		{VirtualAddress: 0x1000, Size: 0x1000, PhysicalAddress: 0x10000, Kind: pagetable.KindZ16},
		{VirtualAddress: 0x3000, Size: 0x1000, PhysicalAddress: 0x12000, Kind: pagetable.KindZ16},
	}
	if diff := cmp.Diff(want, as.Mappings()); diff != "" {
		t.Fatalf("mappings mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, uint64(2), as.Stats().MappedPages)

	// Remapping over the hole and both neighbors replaces all records.
	require.NoError(t, as.Map(0x20000, 0x0000, 0x5000, pagetable.KindPitch))
	require.Len(t, as.Mappings(), 1)
	assert.Equal(t, uint64(5), as.Stats().MappedPages)
}

func Test_AddressSpace_EnsureMapped(t *testing.T) {
	as, _, alloc := newTestSpace(t)

	require.NoError(t, as.EnsureMapped(0x5_0800, 0x1000))
	assert.True(t, as.IsMapped(0x5_0000))
	assert.True(t, as.IsMapped(0x5_1fff))
	assert.False(t, as.IsMapped(0x5_2000))
	assert.Equal(t, pagetable.KindPitch, as.Kind(0x5_0000))
	assert.True(t, alloc.Owns(as.Translate(0x5_0000)))

	for _, m := range as.Mappings() {
		assert.True(t, m.Demand)
	}

	pa := as.Translate(0x5_0000)
	require.NoError(t, as.EnsureMapped(0x5_0000, 0x2000))
	assert.Equal(t, pa, as.Translate(0x5_0000), "existing pages are kept")
	assert.Equal(t, uint64(2), as.Stats().DemandPages)

	require.NoError(t, as.Unmap(0x5_0000, 0x2000))
	assert.Equal(t, uint64(0), alloc.Stats().InUse, "demand pages are returned")
}

func Test_AddressSpace_EnsureMapped_AllocationFailure(t *testing.T) {
	mem, err := physical.NewMemory(physical.Options{Size: 0x4000, PageSize: 0x1000})
	require.NoError(t, err)
	defer mem.Close()
	alloc, err := physical.NewAllocator(0x2000, 0x1000, 0x1000)
	require.NoError(t, err)
	as := New(mem, alloc, DefaultOptions())

	err = as.EnsureMapped(0x10000, 0x2000)
	require.ErrorIs(t, err, ErrAllocation)
	require.True(t, errors.Is(err, physical.ErrNoSpace), "got %v", err)
	assert.True(t, as.IsMapped(0x10000))
	assert.False(t, as.IsMapped(0x11000))
	assert.Equal(t, uint64(1), as.Stats().DemandFailures)

	noAlloc := New(mem, nil, DefaultOptions())
	require.ErrorIs(t, noAlloc.EnsureMapped(0, 1), ErrAllocation)
	require.ErrorIs(t, noAlloc.EnsureMapped(1<<40, 1), ErrInvalidAddress)
}

func Test_AddressSpace_EnsureMapped_Concurrent(t *testing.T) {
	as, _, alloc := newTestSpace(t)

	var g errgroup.Group
	for range 8 {
		g.Go(func() error { return as.EnsureMapped(0x100000, 0x10000) })
		g.Go(func() error {
			for va := uint64(0x100000); va < 0x110000; va += 0x1000 {
				_ = as.Translate(va)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, uint64(16), as.Stats().DemandPages)
	assert.Equal(t, uint64(16*0x1000), alloc.Stats().InUse)
}

func Test_AddressSpace_MapOverDemandPagesFreesThem(t *testing.T) {
	as, _, alloc := newTestSpace(t)
	require.NoError(t, as.EnsureMapped(0x1000, 0x2000))
	require.Equal(t, uint64(0x2000), alloc.Stats().InUse)

	require.NoError(t, as.Map(0x10000, 0x1000, 0x1000, pagetable.KindPitch))
	assert.Equal(t, uint64(0x1000), alloc.Stats().InUse)
	assert.Equal(t, uint64(0x10000), as.Translate(0x1000))
}

func Benchmark_AddressSpace_Translate(b *testing.B) {
	mem, err := physical.NewMemory(physical.Options{Size: 1 << 20, PageSize: 0x1000})
	require.NoError(b, err)
	defer mem.Close()
	as := New(mem, nil, DefaultOptions())
	require.NoError(b, as.Map(0, 0x1000_0000, 1<<20, pagetable.KindPitch))

	var va uint64
	for b.Loop() {
		_ = as.Translate(0x1000_0000 + va)
		va = (va + 0x1000) & (1<<20 - 1)
	}
}
