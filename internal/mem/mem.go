// Package mem owns all physical memory: it hands out 4 KiB frames from
// the bootloader-supplied usable memory map and exposes the higher-half
// direct map every physical address is simultaneously visible through.
//
// Grounded on biscuit/src/mem/mem.go's Physmem_t (intrusive free list
// threaded through free frames, one lock, zeroed allocation via a shared
// Zeropg) and biscuit/src/mem/dmap.go (the Pa_t type and the direct-map
// arithmetic), simplified to a single free list: spec.md's Non-goals
// exclude multi-processor support, so the teacher's per-CPU free-list
// fast path does not apply here.
package mem

import (
	"sync"
	"unsafe"

	"novakern/internal/kconfig"
)

// Pa is a physical address.
type Pa uintptr

// Error enumerates the frame-allocator failure domain from spec.md §7.
type Error int

const (
	ErrFrameExhausted Error = iota + 1
	ErrAllocationFailed
)

func (e Error) Error() string {
	switch e {
	case ErrFrameExhausted:
		return "mem: frame exhausted"
	case ErrAllocationFailed:
		return "mem: allocation failed"
	default:
		return "mem: unknown error"
	}
}

// noFrame marks the end of the free list. Physical address 0 is a valid
// frame (some bootloaders report usable memory starting there), so the
// teacher's ^uint32(0) end-of-list convention in Physmem_t is used here
// too rather than overloading zero.
const noFrame Pa = ^Pa(0)

// frame is the intrusive free-list node inlined into the head of each
// free frame, exactly as biscuit/src/mem/mem.go threads Physpg_t.nexti
// through the pgs array rather than a separate freelist slice.
type frame struct {
	next Pa // physical address of the next free frame, or noFrame if last
}

// Allocator owns the free list of physical frames and the HDDM offset.
// Invariant: every frame is in exactly one of {free list, allocated},
// never both (spec.md §3).
type Allocator struct {
	mu sync.Mutex

	hddmOffset uintptr
	freeHead   Pa
	freeCount  int
	total      int
	allocated  int
}

// New builds an Allocator from the bootloader's usable memory regions,
// each described as [base, base+length) in physical address space. Every
// page in a usable region is pushed onto the free list with the
// intrusive next-pointer written through the direct map, matching the
// teacher's "linked lists threaded through free frames" pattern named in
// spec.md §9.
func New(hddmOffset uintptr, regions []Region) *Allocator {
	a := &Allocator{hddmOffset: hddmOffset, freeHead: noFrame}
	for _, r := range regions {
		base := Pa(roundup(uintptr(r.Base), kconfig.PGSIZE))
		end := Pa(rounddown(uintptr(r.Base)+r.Length, kconfig.PGSIZE))
		for p := base; p < end; p += kconfig.PGSIZE {
			a.pushFree(p)
			a.total++
		}
	}
	return a
}

// Region describes one usable physical memory range from the bootloader
// memory map.
type Region struct {
	Base   uintptr
	Length uintptr
}

func roundup(v, b uintptr) uintptr   { return rounddown(v+b-1, b) }
func rounddown(v, b uintptr) uintptr { return v - v%b }

// Dmap returns the direct-mapped virtual address backing physical
// address p: every physical address P is simultaneously visible at
// virtual address P + hddm_offset (spec.md §3).
func (a *Allocator) Dmap(p Pa) unsafe.Pointer {
	return unsafe.Pointer(uintptr(p) + a.hddmOffset)
}

// DmapBytes returns a byte slice of length n backed by the direct map at
// physical address p.
func (a *Allocator) DmapBytes(p Pa, n int) []byte {
	return unsafe.Slice((*byte)(a.Dmap(p)), n)
}

func (a *Allocator) frameAt(p Pa) *frame {
	return (*frame)(a.Dmap(p))
}

func (a *Allocator) pushFree(p Pa) {
	a.frameAt(p).next = a.freeHead
	a.freeHead = p
	a.freeCount++
}

// AllocateFrame pops one 4 KiB frame from the free list and returns its
// physical address, zeroed. It returns ErrFrameExhausted when the free
// list is empty.
func (a *Allocator) AllocateFrame() (Pa, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.freeHead == noFrame {
		return 0, ErrFrameExhausted
	}
	p := a.freeHead
	a.freeHead = a.frameAt(p).next
	a.freeCount--
	a.allocated++
	clear(a.DmapBytes(p, kconfig.PGSIZE))
	return p, nil
}

// DeallocateFrame pushes f back onto the free list.
func (a *Allocator) DeallocateFrame(f Pa) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pushFree(f)
	a.allocated--
}

// AllocateContiguous returns the physical base address of n physically
// contiguous, zeroed frames, found by a scan-and-reserve pass over the
// free list. It does not return a virtual address; Dmap gives the
// direct-map alias of the run. It returns ErrAllocationFailed if no
// contiguous run of n frames is currently free.
func (a *Allocator) AllocateContiguous(n int) (Pa, error) {
	if n <= 0 {
		panic("mem: bad contiguous count")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	// Collect free frames into an unordered set, then try each free
	// frame as the base of a run of n. This is O(freeCount * n) and is
	// only used for the admin/IO queue and DMA-pool allocations, which
	// are rare relative to single-frame traffic.
	free := a.snapshotFree()
	run, ok := findContiguousRun(free, n, kconfig.PGSIZE)
	if !ok {
		return 0, ErrAllocationFailed
	}
	a.removeRun(run, n)
	a.allocated += n
	a.freeCount -= n
	for i := 0; i < n; i++ {
		clear(a.DmapBytes(run+Pa(i*kconfig.PGSIZE), kconfig.PGSIZE))
	}
	return run, nil
}

func (a *Allocator) snapshotFree() []Pa {
	out := make([]Pa, 0, a.freeCount)
	for p := a.freeHead; p != noFrame; p = a.frameAt(p).next {
		out = append(out, p)
	}
	return out
}

func findContiguousRun(free []Pa, n int, pgsize int) (Pa, bool) {
	set := make(map[Pa]bool, len(free))
	for _, p := range free {
		set[p] = true
	}
	for _, base := range free {
		ok := true
		for i := 1; i < n; i++ {
			if !set[base+Pa(i*pgsize)] {
				ok = false
				break
			}
		}
		if ok {
			return base, true
		}
	}
	return 0, false
}

// removeRun rebuilds the free list excluding [run, run+n*PGSIZE).
func (a *Allocator) removeRun(run Pa, n int) {
	excl := make(map[Pa]bool, n)
	for i := 0; i < n; i++ {
		excl[run+Pa(i*kconfig.PGSIZE)] = true
	}
	head := noFrame
	var tail *frame
	for p := a.freeHead; p != noFrame; {
		next := a.frameAt(p).next
		if !excl[p] {
			if head == noFrame {
				head = p
			} else {
				tail.next = p
			}
			tail = a.frameAt(p)
			tail.next = noFrame
		}
		p = next
	}
	a.freeHead = head
}

// Stats reports free and allocated frame counts for kstats.
func (a *Allocator) Stats() (free, allocated, total int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeCount, a.allocated, a.total
}

// HDDMOffset returns the fixed higher-half direct-map offset.
func (a *Allocator) HDDMOffset() uintptr { return a.hddmOffset }
