// Package paging is the page-table service: a single process-wide lock
// around a standard x86-64 four-level page table, built from frames
// handed out by internal/mem.
//
// Grounded on biscuit/src/mem/dmap.go's page-table bit layout (PTE_P,
// PTE_W, PTE_U, PTE_ADDR, the shl/pgbits level-index arithmetic) and
// biscuit/src/mem/mem.go's Pmap_t ([512]Pa_t page-table page type), and
// on biscuit/src/vm/as.go's Vm_t, which locks a single mutex around
// every Pmap walk and calls into a pmap_walk/Pmap_lookup pair that the
// retrieved vm package references but never defines — this package
// supplies that walk directly instead of leaving it implicit.
package paging

import (
	"sync"

	"novakern/internal/cpu"
	"novakern/internal/mem"
)

// pte is one page-table entry, in the same bit layout biscuit's dmap.go
// uses: low 12 bits are flags, the rest (masked by addrMask) is the
// physical address of the next level (or of the final frame at L1).
type pte uint64

const (
	flagPresent  pte = 1 << 0
	flagWrite    pte = 1 << 1
	flagUser     pte = 1 << 2
	flagPCD      pte = 1 << 4  // page-level cache disable, for MMIO/ECAM windows
	flagPS       pte = 1 << 7  // 2 MiB/1 GiB large page, unused by this service
	flagNX       pte = 1 << 63 // no-execute, requires EFER.NXE set at boot
	addrMask     pte = 0x000f_ffff_ffff_f000
	entriesPerPT     = 512
)

// table is one page-table page: 512 64-bit entries, exactly biscuit's
// Pmap_t but with explicit PTE flag bits instead of a bare Pa_t.
type table [entriesPerPT]pte

// Flags are the caller-visible mapping permissions for MapTo.
type Flags int

const (
	ReadOnly Flags = 0
	Write    Flags = 1 << iota
	User
	// NoCache and NoExecute back the ECAM/MMIO windows internal/pci and
	// internal/pcivmm map: config space and device registers must never
	// be cached, and are never instruction fetches.
	NoCache
	NoExecute
)

// Error enumerates the paging failure domain from spec.md §7.
type Error int

const (
	ErrRemapConflict Error = iota + 1
	ErrNotMapped
	ErrNoFrame
)

func (e Error) Error() string {
	switch e {
	case ErrRemapConflict:
		return "paging: remap to different frame"
	case ErrNotMapped:
		return "paging: address not mapped"
	case ErrNoFrame:
		return "paging: no frame for page table"
	default:
		return "paging: unknown error"
	}
}

// Space is one page table (one PML4) plus the frame allocator table
// pages are drawn from. The teacher's Vm_t holds exactly one mutex
// around every Pmap mutation and every Userdmap8_inner walk; this
// service does the same, and never holds the lock across I/O.
type Space struct {
	mu     sync.Mutex
	frames *mem.Allocator
	root   mem.Pa
	mapped int
}

// New allocates a fresh, empty PML4 and returns the address space that
// owns it.
func New(frames *mem.Allocator) (*Space, error) {
	root, err := frames.AllocateFrame()
	if err != nil {
		return nil, ErrNoFrame
	}
	return &Space{frames: frames, root: root}, nil
}

// Root returns the physical address of the PML4, for loading into CR3.
func (s *Space) Root() mem.Pa { return s.root }

func (s *Space) tableAt(p mem.Pa) *table {
	return (*table)(s.frames.Dmap(p))
}

func pageIndices(va uintptr) (l4, l3, l2, l1 int) {
	return int((va >> 39) & 0x1ff),
		int((va >> 30) & 0x1ff),
		int((va >> 21) & 0x1ff),
		int((va >> 12) & 0x1ff)
}

// walk descends the four levels for va, allocating intermediate table
// pages as needed when alloc is true, and returns a pointer to the
// leaf PTE slot. This is the pmap_walk/Pmap_lookup pair biscuit's
// vm.Vm_t.Userdmap8_inner calls but the retrieved vm package does not
// itself define.
func (s *Space) walk(va uintptr, alloc bool) (*pte, error) {
	l4, l3, l2, l1 := pageIndices(va)
	idxs := [3]int{l4, l3, l2}

	cur := s.root
	for _, idx := range idxs {
		t := s.tableAt(cur)
		e := &t[idx]
		if *e&flagPresent == 0 {
			if !alloc {
				return nil, ErrNotMapped
			}
			next, err := s.frames.AllocateFrame()
			if err != nil {
				return nil, ErrNoFrame
			}
			*e = pte(next) | flagPresent | flagWrite | flagUser
		}
		cur = mem.Pa(*e & addrMask)
	}
	t := s.tableAt(cur)
	return &t[l1], nil
}

// MapTo maps page-aligned virtual address va to page-aligned physical
// frame pa with the given permissions. Mapping the same (va, pa, flags)
// twice is a no-op; mapping va to a different frame than it already
// maps to is an error rather than a silent overwrite, matching
// spec.md §4.B's map_to idempotence/conflict rule.
func (s *Space) MapTo(va uintptr, pa mem.Pa, flags Flags) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.walk(va, true)
	if err != nil {
		return err
	}
	want := pte(pa) | flagPresent
	if flags&Write != 0 {
		want |= flagWrite
	}
	if flags&User != 0 {
		want |= flagUser
	}
	if flags&NoCache != 0 {
		want |= flagPCD
	}
	if flags&NoExecute != 0 {
		want |= flagNX
	}
	if *e&flagPresent != 0 {
		if *e&addrMask != pte(pa)&addrMask {
			return ErrRemapConflict
		}
		if *e == want {
			return nil
		}
	} else {
		s.mapped++
	}
	*e = want
	cpu.Invlpg(va)
	return nil
}

// Unmap removes the mapping for va. If releaseFrame is true the
// backing frame is returned to the allocator mapped out of; this is
// false for mappings the caller owns by reference (e.g. MMIO windows)
// and true for kernel/user memory the page table itself owns.
func (s *Space) Unmap(va uintptr, releaseFrame bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.walk(va, false)
	if err != nil {
		return err
	}
	if *e&flagPresent == 0 {
		return ErrNotMapped
	}
	frame := mem.Pa(*e & addrMask)
	*e = 0
	s.mapped--
	cpu.Invlpg(va)
	if releaseFrame {
		s.frames.DeallocateFrame(frame)
	}
	return nil
}

// Translate returns the physical frame va currently maps to, and
// whether it is mapped at all.
func (s *Space) Translate(va uintptr) (mem.Pa, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.walk(va, false)
	if err != nil || *e&flagPresent == 0 {
		return 0, false
	}
	return mem.Pa(*e & addrMask), true
}

// Stats reports the number of leaf mappings currently installed, for
// kstats.
func (s *Space) Stats() (mappedPages int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mapped
}
