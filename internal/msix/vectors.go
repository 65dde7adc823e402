// Package msix is the MSI-X manager: per-device table/PBA mapping,
// contiguous interrupt-vector allocation, table-entry programming, and
// mask/unmask/pending-scan operations.
//
// Grounded on the teacher's biscuit/src/msi/msi.go (Msivecs_t's
// map[Msivec_t]bool allocate/free idiom), adapted in place per
// SPEC_FULL.md §[MODULE K]: the legacy package only ever handed out one
// bare vector number and never touched a table entry, so this keeps the
// same map-backed allocator shape but generalizes it to a contiguous
// range per device and wires it to the table/PBA mapping spec.md §4.K
// requires.
package msix

import (
	"sync"

	"novakern/internal/kconfig"
)

// Error enumerates the MSI-X manager's failure domain from spec.md §7.
type Error int

const (
	ErrVectorsExhausted Error = iota + 1
	ErrNoMSIXCapability
)

func (e Error) Error() string {
	switch e {
	case ErrVectorsExhausted:
		return "msix: no contiguous run of vectors available"
	case ErrNoMSIXCapability:
		return "msix: device has no MSI-X capability"
	default:
		return "msix: unknown error"
	}
}

// VectorAllocator hands out contiguous runs of interrupt vectors from
// the fixed kconfig.VecMsiXBase/VecMsiXCount range. Unlike the
// teacher's Msivecs_t, exhaustion returns ErrVectorsExhausted instead
// of panicking: spec.md §7 treats vector exhaustion as a recoverable
// per-device bring-up failure, not a kernel bug. Freeing a vector that
// is already free is not detected; FreeRange marks it available again.
type VectorAllocator struct {
	mu    sync.Mutex
	avail map[uint8]bool
}

// NewVectorAllocator returns an allocator seeded with every vector in
// the reserved MSI-X range marked available.
func NewVectorAllocator() *VectorAllocator {
	a := &VectorAllocator{avail: make(map[uint8]bool, kconfig.VecMsiXCount)}
	for v := 0; v < kconfig.VecMsiXCount; v++ {
		a.avail[uint8(kconfig.VecMsiXBase+v)] = true
	}
	return a
}

// AllocateRange finds the first contiguous run of n available vectors,
// marks them unavailable, and returns the run's base vector.
func (a *VectorAllocator) AllocateRange(n int) (uint8, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	last := kconfig.VecMsiXBase + kconfig.VecMsiXCount - n
	for base := kconfig.VecMsiXBase; base <= last; base++ {
		ok := true
		for i := 0; i < n; i++ {
			if !a.avail[uint8(base+i)] {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		for i := 0; i < n; i++ {
			delete(a.avail, uint8(base+i))
		}
		return uint8(base), nil
	}
	return 0, ErrVectorsExhausted
}

// FreeRange returns a run of n vectors starting at base to the pool.
func (a *VectorAllocator) FreeRange(base uint8, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < n; i++ {
		a.avail[base+uint8(i)] = true
	}
}
