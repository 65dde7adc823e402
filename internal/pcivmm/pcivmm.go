// Package pcivmm is the PCIe device-memory VMM: a single fixed 16 GiB
// virtual window (kconfig.PciVmmBase/PciVmmSize), page-granularity,
// managed by a first-fit bitmap allocator with a rotating search hint.
//
// Grounded on the gopher-os BitmapAllocator pattern
// (other_examples/e6183826_..._bitmap_allocator.go's framePool/freeBitmap
// idiom, and its vmm.go companion's page-at-a-time Map calls) adapted
// from a pool of physical frame pools to one virtual window of device
// memory, and on internal/stack.KernelSlab's 128-bit-word bitmap idiom
// already established in this kernel for the same "fixed region,
// bitmap occupancy, one mutex" shape.
package pcivmm

import (
	"sync"

	"novakern/internal/kconfig"
	"novakern/internal/mem"
	"novakern/internal/paging"
)

// Error enumerates the device-memory VMM's failure domain from spec.md §7.
type Error int

const (
	ErrWindowExhausted Error = iota + 1
)

func (e Error) Error() string {
	switch e {
	case ErrWindowExhausted:
		return "pcivmm: virtual window exhausted"
	default:
		return "pcivmm: unknown error"
	}
}

const (
	totalPages = kconfig.PciVmmPages
	wordBits   = 128
	totalWords = (totalPages + wordBits - 1) / wordBits
)

// word is one 128-bit occupancy group, the same shape
// internal/stack.KernelSlab uses for its much smaller 128-slot bitmap.
type word [2]uint64

// BarMapping is the descriptor spec.md §4.J's map_memory_bar returns:
// the virtual address a device's memory BAR was mapped at, its
// physical base, the rounded-up mapped size, and whether it was mapped
// prefetchable (cacheable) or not.
type BarMapping struct {
	Virt         uintptr
	Phys         mem.Pa
	Size         uintptr
	Prefetchable bool

	startPage int
	pages     int
}

// Manager owns the 16 GiB window's occupancy bitmap and the page table
// space BAR mappings are installed into.
type Manager struct {
	mu             sync.Mutex
	space          *paging.Space
	bitmap         []word
	hint           int
	allocatedPages int
}

// NewManager returns an empty device-memory VMM over space.
func NewManager(space *paging.Space) *Manager {
	return &Manager{space: space, bitmap: make([]word, totalWords)}
}

func (m *Manager) testBit(i int) bool {
	g, b := i/wordBits, i%wordBits
	return m.bitmap[g][b/64]&(1<<uint(b%64)) != 0
}

func (m *Manager) setBit(i int) {
	g, b := i/wordBits, i%wordBits
	m.bitmap[g][b/64] |= 1 << uint(b%64)
}

func (m *Manager) clearBit(i int) {
	g, b := i/wordBits, i%wordBits
	m.bitmap[g][b/64] &^= 1 << uint(b%64)
}

func (m *Manager) scanRange(from, to, n int) (int, bool) {
	runStart, runLen := -1, 0
	for i := from; i < to; i++ {
		if m.testBit(i) {
			runStart, runLen = -1, 0
			continue
		}
		if runStart == -1 {
			runStart = i
		}
		runLen++
		if runLen == n {
			return runStart, true
		}
	}
	return 0, false
}

// findRun does a first-fit scan starting at the rotating hint and
// wrapping around to the start of the window, per spec.md §4.J.
func (m *Manager) findRun(n int) (int, bool) {
	if s, ok := m.scanRange(m.hint, totalPages, n); ok {
		return s, true
	}
	return m.scanRange(0, m.hint, n)
}

// MapMemoryBAR rounds size up to whole pages, finds a contiguous run of
// clear bits, maps it to phys with NoExecute|Write always set and
// NoCache set iff the BAR is not prefetchable, and returns the mapping
// descriptor.
func (m *Manager) MapMemoryBAR(phys mem.Pa, size uintptr, prefetchable bool) (*BarMapping, error) {
	pages := int((size + kconfig.PGSIZE - 1) / kconfig.PGSIZE)
	if pages == 0 {
		pages = 1
	}

	m.mu.Lock()
	start, ok := m.findRun(pages)
	if !ok {
		m.mu.Unlock()
		return nil, ErrWindowExhausted
	}
	for i := 0; i < pages; i++ {
		m.setBit(start + i)
	}
	m.hint = (start + pages) % totalPages
	m.allocatedPages += pages
	m.mu.Unlock()

	flags := paging.Write | paging.NoExecute
	if !prefetchable {
		flags |= paging.NoCache
	}
	virt := kconfig.PciVmmBase + uintptr(start*kconfig.PGSIZE)
	for i := 0; i < pages; i++ {
		pa := phys + mem.Pa(i*kconfig.PGSIZE)
		va := virt + uintptr(i*kconfig.PGSIZE)
		if err := m.space.MapTo(va, pa, flags); err != nil {
			return nil, err
		}
	}

	return &BarMapping{
		Virt: virt, Phys: phys, Size: uintptr(pages * kconfig.PGSIZE),
		Prefetchable: prefetchable, startPage: start, pages: pages,
	}, nil
}

// UnmapBAR unmaps desc's pages, clears their occupancy bits, and rewinds
// the rotating hint if desc's pages sat earlier in the window, per
// spec.md §4.J's unmap_bar. The backing frames are not returned to
// internal/mem: BAR physical memory is device MMIO, not kernel-owned
// RAM, matching internal/stack.KernelSlab.Free's analogous distinction
// for why it does not release frames either.
func (m *Manager) UnmapBAR(desc *BarMapping) {
	for i := 0; i < desc.pages; i++ {
		va := desc.Virt + uintptr(i*kconfig.PGSIZE)
		_ = m.space.Unmap(va, false)
	}

	m.mu.Lock()
	for i := 0; i < desc.pages; i++ {
		m.clearBit(desc.startPage + i)
	}
	m.allocatedPages -= desc.pages
	if desc.startPage < m.hint {
		m.hint = desc.startPage
	}
	m.mu.Unlock()
}

// Stats reports allocated/free pages and bytes for kstats and logging.
func (m *Manager) Stats() (allocatedPages, freePages int, allocatedBytes, freeBytes uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	allocatedPages = m.allocatedPages
	freePages = totalPages - allocatedPages
	return allocatedPages, freePages,
		uintptr(allocatedPages * kconfig.PGSIZE),
		uintptr(freePages * kconfig.PGSIZE)
}
