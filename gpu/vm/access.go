package vm

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// checksumChunk bounds the scratch buffer Checksum reads through.
const checksumChunk = 64 << 10

// regions resolves [va, va+size) or reports ErrUnmapped.
func (s *AddressSpace) regions(va, size uint64) ([]Region, error) {
	regions, ok := s.PhysicalRegions(va, size)
	if !ok {
		return nil, fmt.Errorf("%w: [%#x, +%#x)", ErrUnmapped, va, size)
	}
	return regions, nil
}

// Read copies len(dst) bytes at va into dst.
func (s *AddressSpace) Read(va uint64, dst []byte) error {
	regions, err := s.regions(va, uint64(len(dst)))
	if err != nil {
		return err
	}
	var off uint64
	for _, r := range regions {
		if err := s.phys.Read(r.Address, dst[off:off+r.Size]); err != nil {
			return fmt.Errorf("vm: read %#x: %w", va+off, err)
		}
		off += r.Size
	}
	return nil
}

// Write copies data to va through the tracked physical write path.
func (s *AddressSpace) Write(va uint64, data []byte) error {
	return s.write(va, data, s.phys.Write)
}

// WriteUntracked copies data to va without CPU dirty tracking. Used to write
// GPU results back to guest memory.
func (s *AddressSpace) WriteUntracked(va uint64, data []byte) error {
	return s.write(va, data, s.phys.WriteUntracked)
}

func (s *AddressSpace) write(va uint64, data []byte, fn func(uint64, []byte) error) error {
	regions, err := s.regions(va, uint64(len(data)))
	if err != nil {
		return err
	}
	var off uint64
	for _, r := range regions {
		if err := fn(r.Address, data[off:off+r.Size]); err != nil {
			return fmt.Errorf("vm: write %#x: %w", va+off, err)
		}
		off += r.Size
	}
	return nil
}

// Checksum returns the xxhash64 of the guest bytes at [va, va+size).
func (s *AddressSpace) Checksum(va, size uint64) (uint64, error) {
	regions, err := s.regions(va, size)
	if err != nil {
		return 0, err
	}
	d := xxhash.New()
	scratch := make([]byte, min(size, checksumChunk))
	for _, r := range regions {
		for done := uint64(0); done < r.Size; {
			n := min(r.Size-done, uint64(len(scratch)))
			if err := s.phys.Read(r.Address+done, scratch[:n]); err != nil {
				return 0, fmt.Errorf("vm: checksum %#x: %w", r.Address+done, err)
			}
			_, _ = d.Write(scratch[:n])
			done += n
		}
	}
	return d.Sum64(), nil
}
