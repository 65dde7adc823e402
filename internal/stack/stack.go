// Package stack is the kernel-slab stack allocator: a fixed 128-slot
// bitmap of kernel stacks, plus growable user stacks that extend
// downward on demand.
//
// Grounded on the Rust original's tasks/kernelslab.rs KernelSlabAlloc
// (a u128 occupancy bitmap, one guard page skipped at the low end of
// each slot, "free does not unmap — it only marks the block
// available for reuse") and get_user_stack/return_user_stack (initial
// stack pages mapped eagerly, the rest of the region left unmapped
// until a page fault grows it). The bitmap-of-fixed-size-blocks idiom
// also matches the other_examples gopher-os bitmap_allocator.go, which
// this kernel's internal/mem and internal/pcivmm both draw the same
// pattern from for physical frames and PCI device memory respectively.
package stack

import (
	"sync"

	"novakern/internal/kconfig"
	"novakern/internal/mem"
	"novakern/internal/paging"
)

// Error enumerates the stack allocator's failure domain from spec.md §7.
type Error int

const (
	ErrSlotsExhausted Error = iota + 1
	ErrNoFrame
	ErrStackAtMax
	ErrOutOfWindow
)

func (e Error) Error() string {
	switch e {
	case ErrSlotsExhausted:
		return "stack: kernel stack slots exhausted"
	case ErrNoFrame:
		return "stack: no frame available"
	case ErrStackAtMax:
		return "stack: user stack already at maximum size"
	case ErrOutOfWindow:
		return "stack: fault address outside the growable stack window"
	default:
		return "stack: unknown error"
	}
}

const slotSize = kconfig.KstackSlotPages * kconfig.PGSIZE

// KernelSlab hands out fixed-size kernel task stacks from a 128-slot
// bitmap region. Each slot is KstackPages usable pages with one
// unmapped guard page below them.
type KernelSlab struct {
	mu     sync.Mutex
	bitmap [2]uint64 // bit i set means slot i is occupied
	space  *paging.Space
	frames *mem.Allocator
}

// NewKernelSlab returns a slab allocator backed by space for mapping
// and frames for the pages it maps.
func NewKernelSlab(space *paging.Space, frames *mem.Allocator) *KernelSlab {
	return &KernelSlab{space: space, frames: frames}
}

func bitSet(bm [2]uint64, i int) bool   { return bm[i/64]&(1<<(uint(i)%64)) != 0 }
func bitMark(bm *[2]uint64, i int)      { bm[i/64] |= 1 << (uint(i) % 64) }
func bitClear(bm *[2]uint64, i int)     { bm[i/64] &^= 1 << (uint(i) % 64) }

func firstClear(bm [2]uint64) int {
	for i := 0; i < kconfig.KstackSlots; i++ {
		if !bitSet(bm, i) {
			return i
		}
	}
	return -1
}

func slotBase(i int) uintptr {
	return kconfig.KstackBase + uintptr(i*slotSize)
}

// Alloc reserves the first free slot, maps its KstackPages usable
// pages (leaving the low guard page unmapped), and returns the stack
// top (the highest usable address, 16-byte aligned as the ABI
// requires) and the slot index the caller must pass back to Free.
func (k *KernelSlab) Alloc() (top uintptr, slot int, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	i := firstClear(k.bitmap)
	if i < 0 {
		return 0, 0, ErrSlotsExhausted
	}

	base := slotBase(i)
	for p := uintptr(kconfig.PGSIZE); p < slotSize; p += kconfig.PGSIZE {
		frame, ferr := k.frames.AllocateFrame()
		if ferr != nil {
			return 0, 0, ErrNoFrame
		}
		if merr := k.space.MapTo(base+p, frame, paging.Write); merr != nil {
			return 0, 0, merr
		}
	}

	bitMark(&k.bitmap, i)
	stackTop := (base + slotSize - 1) &^ 0xF
	return stackTop, i, nil
}

// Free marks slot as available for reuse. Mirroring the Rust
// original's return_stack, this does not unmap the slot's pages or
// return its frames — the mapping is kept so the slot can be reused
// immediately without repaying the mapping cost.
func (k *KernelSlab) Free(slot int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	bitClear(&k.bitmap, slot)
}

// UserStack tracks one user task's downward-growing stack: Top is
// fixed, End is the lowest address currently mapped, and it grows one
// page at a time up to kconfig.UstackMaxPages.
type UserStack struct {
	Top   uintptr
	End   uintptr
	Pages int
}

// initialUserStackPages mirrors the Rust original's
// INITIAL_STACK_PAGES: the stack starts small and grows on fault
// rather than being mapped to its maximum size up front.
const initialUserStackPages = 4

// NewUserStack maps the initial pages of a fresh user stack at the
// fixed top address kconfig.UstackTop and returns its descriptor.
func NewUserStack(space *paging.Space, frames *mem.Allocator) (*UserStack, error) {
	u := &UserStack{Top: kconfig.UstackTop}
	for i := 0; i < initialUserStackPages; i++ {
		if err := u.mapOnePageDown(space, frames); err != nil {
			return nil, err
		}
	}
	return u, nil
}

func (u *UserStack) mapOnePageDown(space *paging.Space, frames *mem.Allocator) error {
	va := u.Top - uintptr(u.Pages+1)*kconfig.PGSIZE
	frame, err := frames.AllocateFrame()
	if err != nil {
		return ErrNoFrame
	}
	if err := space.MapTo(va, frame, paging.Write|paging.User); err != nil {
		return err
	}
	u.Pages++
	u.End = va
	return nil
}

// Grow extends the stack by one page downward on a page fault at
// faultAddr, matching the Rust original's bound: growth past
// kconfig.UstackMaxPages is refused rather than silently extending
// into whatever lives below the reserved region. A fault outside the
// stack's reserved window entirely — at or above Top, or below the
// lowest address the stack could ever grow to — is never this
// stack's concern to map and is reported as ErrOutOfWindow rather than
// silently treated as already-covered or grown into the wrong page,
// per spec.md §4.F/§7/§8: the caller terminates the faulting task
// instead of resuming it.
func (u *UserStack) Grow(space *paging.Space, frames *mem.Allocator, faultAddr uintptr) error {
	if faultAddr >= u.End && faultAddr < u.Top {
		return nil // already covered
	}
	if u.Pages >= kconfig.UstackMaxPages {
		return ErrStackAtMax
	}
	floor := u.Top - uintptr(kconfig.UstackMaxPages)*kconfig.PGSIZE
	if faultAddr < floor || faultAddr >= u.Top {
		return ErrOutOfWindow
	}
	return u.mapOnePageDown(space, frames)
}

// Free unmaps every page of the user stack and returns its frames,
// mirroring the Rust original's return_user_stack.
func (u *UserStack) Free(space *paging.Space) {
	for va := u.End; va < u.Top; va += kconfig.PGSIZE {
		_ = space.Unmap(va, true)
	}
}
