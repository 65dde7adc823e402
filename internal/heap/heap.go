// Package heap implements the kernel's general-purpose allocator: a
// fixed 128 KiB virtual range, mapped to physical frames once at boot
// and then carved up by a first-fit free-list allocator.
//
// Grounded on the rounding helpers in biscuit/src/util/util.go
// (Roundup/Rounddown, used here to align every block to a pointer
// boundary) and on the Rust original's memory/alloc.rs, which reserves
// exactly HEAP_START/HEAP_SIZE = 128 KiB and maps every page in that
// range before any allocation can occur — this package keeps that same
// "map everything up front, then sub-allocate" shape rather than
// growing the heap on demand, since spec.md §4.C fixes the heap at a
// constant size.
package heap

import (
	"sync"
	"unsafe"

	"novakern/internal/kconfig"
	"novakern/internal/mem"
	"novakern/internal/paging"
)

// Error enumerates the heap failure domain from spec.md §7.
type Error int

const ErrOutOfMemory Error = 1

func (e Error) Error() string { return "heap: out of memory" }

// blockHeader precedes every block, free or allocated. Free blocks
// additionally thread a next-pointer through their payload, the same
// intrusive-free-list idiom internal/mem uses for physical frames.
type blockHeader struct {
	size uintptr // payload size, not including this header
	free bool
	next unsafe.Pointer // valid only when free
}

func roundup(v, b uintptr) uintptr   { return rounddown(v+b-1, b) }
func rounddown(v, b uintptr) uintptr { return v - v%b }

const headerSize = unsafe.Sizeof(blockHeader{})
const align = unsafe.Sizeof(uintptr(0))

// Heap is the kernel's sole general-purpose allocator. Init maps the
// fixed range once; Alloc/Free then only ever touch the free list.
type Heap struct {
	mu        sync.Mutex
	base      uintptr
	size      uintptr
	freeList  unsafe.Pointer
	allocated uintptr
}

// Init reserves kconfig.HeapSize bytes of physically contiguous memory
// and maps it into space at the fixed virtual range starting at
// kconfig.HeapBase, one page at a time, before any allocation is
// possible. Unlike the Rust original's init_heap loop, which calls
// frame_allocator.allocate_frame() once per page, the frames come from
// a single AllocateContiguous run. The free list itself is
// built and walked through frames' direct map rather than through the
// kconfig.HeapBase pointers: those only resolve once this page table
// is the one active in CR3, which is true once the real kernel has
// booted but not in a hosted test process, whereas the direct map is a
// real, GC-visible Go address in both. The two are aliases of the same
// physical memory, so this changes nothing about what the heap serves
// to callers — kconfig.HeapBase remains the heap's nominal virtual
// home for anyone inspecting the mapped range directly.
func Init(space *paging.Space, frames *mem.Allocator) (*Heap, error) {
	npages := int(kconfig.HeapSize / kconfig.PGSIZE)
	run, err := frames.AllocateContiguous(npages)
	if err != nil {
		return nil, err
	}

	for i := 0; i < npages; i++ {
		frame := run + mem.Pa(i*kconfig.PGSIZE)
		va := kconfig.HeapBase + uintptr(i*kconfig.PGSIZE)
		if err := space.MapTo(va, frame, paging.Write); err != nil {
			return nil, err
		}
	}

	h := &Heap{base: uintptr(frames.Dmap(run)), size: kconfig.HeapSize}
	first := (*blockHeader)(unsafe.Pointer(h.base))
	first.size = h.size - headerSize
	first.free = true
	first.next = nil
	h.freeList = unsafe.Pointer(first)
	return h, nil
}

// Alloc returns a pointer to a zeroed block of at least n bytes, or
// ErrOutOfMemory if no free block (after splitting) is large enough.
func (h *Heap) Alloc(n uintptr) (unsafe.Pointer, error) {
	if n == 0 {
		n = 1
	}
	n = roundup(n, align)

	h.mu.Lock()
	defer h.mu.Unlock()

	var prev *blockHeader
	cur := (*blockHeader)(h.freeList)
	for cur != nil {
		if cur.free && cur.size >= n {
			h.split(cur, n)
			cur.free = false
			h.unlink(prev, cur)
			h.allocated += cur.size
			payload := unsafe.Add(unsafe.Pointer(cur), headerSize)
			clearBytes(payload, cur.size)
			return payload, nil
		}
		prev = cur
		next := cur.next
		cur = (*blockHeader)(next)
	}
	return nil, ErrOutOfMemory
}

// split carves a block of exactly want bytes off the front of blk when
// the remainder is large enough to host another header plus at least
// one aligned word, so that small requests do not waste the whole of a
// much larger free block.
func (h *Heap) split(blk *blockHeader, want uintptr) {
	const minRemainder = headerSize + align
	if blk.size < want+minRemainder {
		return
	}
	remPtr := unsafe.Add(unsafe.Pointer(blk), headerSize+want)
	rem := (*blockHeader)(remPtr)
	rem.size = blk.size - want - headerSize
	rem.free = true
	rem.next = blk.next
	blk.size = want
	blk.next = unsafe.Pointer(rem)
}

// unlink removes cur from the free list, splicing in whatever it
// points to next (set by split, or nil if it was the list tail).
func (h *Heap) unlink(prev, cur *blockHeader) {
	if prev == nil {
		h.freeList = cur.next
		return
	}
	prev.next = cur.next
}

// Free returns the block at p to the free list and coalesces every
// run of address-adjacent free blocks into one, the coalescing a
// first-fit allocator needs to avoid fragmenting into unusable slivers
// over the heap's fixed lifetime.
func (h *Heap) Free(p unsafe.Pointer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	blk := (*blockHeader)(unsafe.Add(p, -int(headerSize)))
	blk.free = true
	h.allocated -= blk.size

	blk.next = h.freeList
	h.freeList = unsafe.Pointer(blk)
	h.coalesce()
}

// coalesce merges any two adjacent free blocks in address order. It
// walks the full free list each time, which is acceptable because the
// heap is small (kconfig.HeapSize) and Free is not on any hot path.
func (h *Heap) coalesce() {
	blocks := make([]*blockHeader, 0, 64)
	for cur := (*blockHeader)(h.freeList); cur != nil; cur = (*blockHeader)(cur.next) {
		blocks = append(blocks, cur)
	}
	for i := 0; i < len(blocks); i++ {
		for j := i + 1; j < len(blocks); j++ {
			a, b := blocks[i], blocks[j]
			if addrOf(b)+headerSize+b.size == addrOf(a) {
				a, b = b, a
			}
			if addrOf(a)+headerSize+a.size == addrOf(b) {
				a.size += headerSize + b.size
				for k := range blocks {
					if blocks[k] == b {
						blocks[k] = a
					}
				}
			}
		}
	}
	h.rebuildFreeList(blocks)
}

// rebuildFreeList relinks the free list from blocks, keeping one entry
// per distinct block: coalesce replaces every absorbed block in blocks
// with the block that absorbed it.
func (h *Heap) rebuildFreeList(blocks []*blockHeader) {
	var head *blockHeader
	var tail *blockHeader
	seen := make(map[uintptr]bool)
	for _, cur := range blocks {
		a := addrOf(cur)
		if seen[a] {
			continue
		}
		seen[a] = true
		if head == nil {
			head = cur
		} else {
			tail.next = unsafe.Pointer(cur)
		}
		tail = cur
	}
	if tail != nil {
		tail.next = nil
	}
	h.freeList = unsafe.Pointer(head)
}

func addrOf(b *blockHeader) uintptr { return uintptr(unsafe.Pointer(b)) }

func clearBytes(p unsafe.Pointer, n uintptr) {
	s := unsafe.Slice((*byte)(p), n)
	clear(s)
}

// Allocated reports bytes currently handed out, for kstats.
func (h *Heap) Allocated() uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocated
}
