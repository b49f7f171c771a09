package vm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/gpuvm/gpu/pagetable"
	"github.com/joshuapare/gpuvm/gpu/rangeindex"
	"github.com/joshuapare/gpuvm/internal/buf"
	"github.com/joshuapare/gpuvm/internal/logger"
	"github.com/joshuapare/gpuvm/internal/rwlock"
)

// Unmapped is returned by Translate for addresses without a mapping.
const Unmapped = ^uint64(0)

// Region is a run of physical memory.
type Region struct {
	Address uint64
	Size    uint64
}

// Mapping describes one record of the mapping list.
type Mapping struct {
	VirtualAddress  uint64
	Size            uint64
	PhysicalAddress uint64
	Kind            pagetable.Kind
	Demand          bool // installed by EnsureMapped; backing is owned
}

type record struct {
	pa     uint64
	kind   pagetable.Kind
	demand bool
}

func splitRecord(r record, offset uint64) record {
	r.pa += offset
	return r
}

// Stats counts address space activity.
type Stats struct {
	MappedPages    uint64
	Mappings       int
	Level1Arrays   int
	Maps           uint64
	Unmaps         uint64
	DemandPages    uint64
	DemandFailures uint64
	Notifications  uint64
	Remaps         uint64
}

// AddressSpace is a GPU virtual address space.
type AddressSpace struct {
	name  string
	phys  PhysicalMemory
	alloc Allocator
	zero  bool

	mu       rwlock.RWMutex
	table    *pagetable.Table
	mappings *rangeindex.SplitList[record]
	mapped   uint64

	// notifyMu serializes Map and Unmap, including their notifications.
	notifyMu sync.Mutex
	subs     subscribers

	maps           atomic.Uint64
	unmaps         atomic.Uint64
	demandPages    atomic.Uint64
	demandFailures atomic.Uint64
	notifications  atomic.Uint64
	remaps         atomic.Uint64
}

// New creates an empty address space over phys. alloc backs demand paging
// and may be nil when EnsureMapped is not used. It panics on an invalid
// geometry.
func New(phys PhysicalMemory, alloc Allocator, opts Options) *AddressSpace {
	if phys == nil {
		panic("vm: nil physical memory")
	}
	return &AddressSpace{
		name:     opts.Name,
		phys:     phys,
		alloc:    alloc,
		zero:     opts.ZeroDemandPages,
		table:    pagetable.New(opts.Geometry),
		mappings: rangeindex.NewSplitList(splitRecord),
	}
}

// PageSize returns the page size in bytes.
func (s *AddressSpace) PageSize() uint64 { return s.table.PageSize() }

// AddressBits returns the width of the virtual address space.
func (s *AddressSpace) AddressBits() uint { return s.table.AddressBits() }

// Subscribe registers h for unmap events and returns a function removing it.
func (s *AddressSpace) Subscribe(h UnmapHandler) (unsubscribe func()) {
	return s.subs.add(h)
}

// checkRange validates a page-aligned virtual range. It returns the end.
func (s *AddressSpace) checkRange(va, size uint64) (uint64, error) {
	mask := s.table.PageMask()
	if va&mask != 0 || size&mask != 0 {
		return 0, fmt.Errorf("%w: [%#x, +%#x)", ErrUnaligned, va, size)
	}
	end, ok := buf.End(va, size)
	if !ok || end > uint64(1)<<s.table.AddressBits() {
		return 0, fmt.Errorf("%w: [%#x, +%#x)", ErrInvalidAddress, va, size)
	}
	return end, nil
}

// Map maps [va, va+size) to physical [pa, pa+size) with the given kind,
// replacing any existing mappings in the range.
func (s *AddressSpace) Map(pa, va, size uint64, kind pagetable.Kind) error {
	end, err := s.checkRange(va, size)
	if err != nil {
		return err
	}
	if pa&s.table.PageMask() != 0 {
		return fmt.Errorf("%w: physical address %#x", ErrUnaligned, pa)
	}
	if paEnd, ok := buf.End(pa, size); !ok || paEnd > pagetable.PhysicalMask+1 {
		return fmt.Errorf("%w: physical [%#x, +%#x)", ErrInvalidAddress, pa, size)
	}
	if size == 0 {
		return nil
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	ev := s.notify(va, size)

	ps := s.table.PageSize()
	s.mu.Lock()
	freed := s.carveLocked(va, size)
	for page, off := va, uint64(0); page < end; page, off = page+ps, off+ps {
		if !s.table.Get(page).IsMapped() {
			s.mapped++
		}
		s.table.Set(page, pagetable.Pack(pa+off, kind, ps))
	}
	s.mappings.Add(va, size, record{pa: pa, kind: kind})
	s.mu.Unlock()

	s.maps.Add(1)
	s.release(freed)
	s.remaps.Add(uint64(ev.runRemaps()))

	logger.Debug("vm: mapped", "space", s.name, "va", va, "pa", pa, "size", size, "kind", kind)
	return nil
}

// Unmap removes every mapping in [va, va+size). Pages already unmapped are
// left alone.
func (s *AddressSpace) Unmap(va, size uint64) error {
	end, err := s.checkRange(va, size)
	if err != nil {
		return err
	}
	if size == 0 {
		return nil
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	ev := s.notify(va, size)

	ps := s.table.PageSize()
	s.mu.Lock()
	freed := s.carveLocked(va, size)
	for page := va; page < end; page += ps {
		if s.table.Get(page).IsMapped() {
			s.mapped--
			s.table.Set(page, pagetable.Unmapped)
		}
	}
	s.mu.Unlock()

	s.unmaps.Add(1)
	s.release(freed)
	s.remaps.Add(uint64(ev.runRemaps()))

	logger.Debug("vm: unmapped", "space", s.name, "va", va, "size", size)
	return nil
}

func (s *AddressSpace) notify(va, size uint64) *UnmapEvent {
	s.notifications.Add(1)
	return s.subs.notify(va, size)
}

// carveLocked removes the mapping records inside [va, va+size), splitting
// records that cross its edges. It returns the demand-paged backing that
// was dropped.
func (s *AddressSpace) carveLocked(va, size uint64) []Region {
	if len(s.mappings.FindOverlaps(va, size)) == 0 {
		return nil
	}
	var freed []Region
	for _, h := range s.mappings.GetOrAddRegions(va, size, func(uint64, uint64) record { return record{} }) {
		e := s.mappings.Get(h)
		if e.Value.demand {
			freed = append(freed, Region{Address: e.Value.pa, Size: e.Size})
		}
		s.mappings.Remove(h)
	}
	return freed
}

func (s *AddressSpace) release(freed []Region) {
	if s.alloc == nil {
		return
	}
	for _, r := range freed {
		if err := s.alloc.Free(r.Address, r.Size); err != nil {
			logger.Warn("vm: free demand page", "space", s.name, "pa", r.Address, "err", err)
		}
	}
}

// Translate returns the physical address of va, or Unmapped.
func (s *AddressSpace) Translate(va uint64) uint64 {
	s.mu.RLock()
	e := s.table.Get(va)
	s.mu.RUnlock()
	if !e.IsMapped() {
		return Unmapped
	}
	return e.PhysicalAddress() + va&s.table.PageMask()
}

// Kind returns the kind of the page holding va, or KindInvalid if unmapped.
func (s *AddressSpace) Kind(va uint64) pagetable.Kind {
	s.mu.RLock()
	e := s.table.Get(va)
	s.mu.RUnlock()
	if !e.IsMapped() {
		return pagetable.KindInvalid
	}
	return e.Kind()
}

// IsMapped reports whether va has a mapping.
func (s *AddressSpace) IsMapped(va uint64) bool {
	return s.Translate(va) != Unmapped
}

// IsValid reports whether va lies inside the virtual address space.
func (s *AddressSpace) IsValid(va uint64) bool { return s.table.Valid(va) }

// IsContiguous reports whether [va, va+size) is fully mapped to one
// contiguous physical run.
func (s *AddressSpace) IsContiguous(va, size uint64) bool {
	regions, ok := s.PhysicalRegions(va, size)
	return ok && len(regions) <= 1
}

// PhysicalRegions returns the physical runs backing [va, va+size) in order,
// merging adjacent pages. ok is false if any page is unmapped.
func (s *AddressSpace) PhysicalRegions(va, size uint64) ([]Region, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.regionsLocked(va, size)
}

func (s *AddressSpace) regionsLocked(va, size uint64) ([]Region, bool) {
	if size == 0 {
		return nil, true
	}
	end, ok := buf.End(va, size)
	if !ok {
		return nil, false
	}

	ps := s.table.PageSize()
	mask := s.table.PageMask()
	var out []Region
	for cur := va; cur < end; {
		e := s.table.Get(cur)
		if !e.IsMapped() {
			return nil, false
		}
		n := min(end, (cur&^mask)+ps) - cur
		pa := e.PhysicalAddress() + cur&mask
		if last := len(out) - 1; last >= 0 && out[last].Address+out[last].Size == pa {
			out[last].Size += n
		} else {
			out = append(out, Region{Address: pa, Size: n})
		}
		cur += n
	}
	return out, true
}

// EnsureMapped installs backing for every unmapped page touching
// [va, va+size). Installed pages use KindPitch. On allocation failure the
// error wraps ErrAllocation, the failing page stays unmapped, and pages
// installed before it are kept.
func (s *AddressSpace) EnsureMapped(va, size uint64) error {
	if size == 0 {
		return nil
	}
	ps := s.table.PageSize()
	last, ok := buf.End(va, size-1)
	if !ok || !s.table.Valid(va) || !s.table.Valid(last) {
		return fmt.Errorf("%w: [%#x, +%#x)", ErrInvalidAddress, va, size)
	}
	start := buf.AlignDown(va, ps)
	stop := buf.AlignDown(last, ps)

	s.mu.UpgradeableRLock()
	defer s.mu.UpgradeableRUnlock()

	for page := start; page <= stop; page += ps {
		if s.table.Get(page).IsMapped() {
			continue
		}
		s.mu.Upgrade()
		err := s.installLocked(page)
		s.mu.Downgrade()
		if err != nil {
			return err
		}
	}
	return nil
}

// installLocked backs page unless a concurrent mapper got there first.
func (s *AddressSpace) installLocked(page uint64) error {
	if s.table.Get(page).IsMapped() {
		return nil
	}
	ps := s.table.PageSize()
	if s.alloc == nil {
		s.demandFailures.Add(1)
		return fmt.Errorf("%w: page %#x: no allocator", ErrAllocation, page)
	}
	pa, err := s.alloc.Allocate(ps)
	if err != nil {
		s.demandFailures.Add(1)
		logger.Warn("vm: demand paging failed", "space", s.name, "va", page, "err", err)
		return fmt.Errorf("%w: page %#x: %w", ErrAllocation, page, err)
	}
	if s.zero {
		if err := s.phys.WriteUntracked(pa, make([]byte, ps)); err != nil {
			_ = s.alloc.Free(pa, ps)
			s.demandFailures.Add(1)
			return fmt.Errorf("%w: page %#x: %w", ErrAllocation, page, err)
		}
	}

	s.table.Set(page, pagetable.Pack(pa, pagetable.KindPitch, ps))
	s.mappings.Add(page, ps, record{pa: pa, kind: pagetable.KindPitch, demand: true})
	s.mapped++
	s.demandPages.Add(1)

	logger.Debug("vm: demand page installed", "space", s.name, "va", page, "pa", pa)
	return nil
}

// Mappings returns the mapping records in address order.
func (s *AddressSpace) Mappings() []Mapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Mapping, 0, s.mappings.Len())
	for _, e := range s.mappings.All() {
		out = append(out, Mapping{
			VirtualAddress:  e.Address,
			Size:            e.Size,
			PhysicalAddress: e.Value.pa,
			Kind:            e.Value.kind,
			Demand:          e.Value.demand,
		})
	}
	return out
}

// Stats returns address space counters.
func (s *AddressSpace) Stats() Stats {
	s.mu.RLock()
	mapped, records, l1 := s.mapped, s.mappings.Len(), s.table.Level1Count()
	s.mu.RUnlock()
	return Stats{
		MappedPages:    mapped,
		Mappings:       records,
		Level1Arrays:   l1,
		Maps:           s.maps.Load(),
		Unmaps:         s.unmaps.Load(),
		DemandPages:    s.demandPages.Load(),
		DemandFailures: s.demandFailures.Load(),
		Notifications:  s.notifications.Load(),
		Remaps:         s.remaps.Load(),
	}
}
