// Package syscall owns the Go side of the fast-syscall boundary: MSR
// programming so SYSCALL/SYSRET work at all, and the dispatcher a
// runtime-side entry stub calls with a pointer to the saved register
// frame.
//
// Grounded on spec.md §4.H and the same runtime-trampoline-calls-a-
// plain-Go-function convention internal/sched's ScheduleInner already
// uses for the timer-interrupt path (SPEC_FULL.md §2): the entry stub
// (owned by the forked bare-metal runtime, not this package) swaps to
// the per-task kernel stack, pushes kconfig.RegisterFrame, and calls
// Dispatch with a pointer to it. Logging of surfaced writes follows the
// teacher's fmt.Printf-to-stdout-via-one-sink style, here internal/klog.
package syscall

import (
	"novakern/internal/cpu"
	"novakern/internal/gdt"
	"novakern/internal/kconfig"
	"novakern/internal/klog"
	"novakern/internal/mem"
	"novakern/internal/paging"
)

// Call numbers, per spec.md §4.H's dispatch table.
const (
	SysExit  = 0
	SysWrite = 1
	SysRead  = 2
)

// File descriptors write() recognizes.
const (
	FdStdout = 1
	FdStderr = 2
)

// NoReturn is the sentinel syscalls that never produce a useful result
// (exit) or that fail (write/read) return across the ABI boundary —
// spec.md §7 is explicit that no structured error type crosses this
// boundary, only ^uint64(0).
const NoReturn = ^uint64(0)

const (
	msrEfer  = 0xC0000080
	msrStar  = 0xC0000081
	msrLstar = 0xC0000082
	msrFmask = 0xC0000084

	eferSCE = 1 << 0  // SYSCALL Enable
	eferNXE = 1 << 11 // No-Execute Enable, required for internal/paging's NX PTE bit

	rflagsIF = 1 << 9
)

// Dispatcher exits a task, validates and copies a byte range out of a
// task's user address space, or halts the calling goroutine's scheduler
// slice. The caller supplies these as a closure over whichever concrete
// scheduler/address-space types this kernel's boot sequence wires, so
// this package does not itself import internal/sched (it would be the
// only reverse dependency: sched never calls into syscall).
type Dispatcher struct {
	// CurrentSpace returns the page table of the task currently
	// executing the syscall, for user-pointer validation.
	CurrentSpace func() *paging.Space
	// Frames is the physical frame allocator, used only for its direct
	// map: reading a validated user physical frame happens through the
	// same Dmap alias internal/heap builds its free list through,
	// rather than through the kernel's literal high-half mapping of
	// that frame (there usually is none — user frames aren't mapped
	// into the kernel's own address range).
	Frames *mem.Allocator
	// Exit is invoked for syscall 0; it must not return (it parks the
	// calling context on the scheduler's Terminated path).
	Exit func(code int32)
}

// Init programs EFER.SCE/NXE, STAR, LSTAR, and FMASK so the SYSCALL
// instruction works at all: entry is a naked stub living at entryAddr
// (owned by the runtime), STAR encodes the kernel and user segment
// bases per gdt's SYSRET-compatible layout, and FMASK clears RFLAGS.IF
// on entry so the syscall path, Dispatch included, runs with interrupts
// off, mirroring spec.md §4.H's minimum mask.
// EFER.NXE rides along here because this is the one place boot
// already owns EFER: internal/paging emits the NX bit on every
// NoExecute mapping (the LAPIC's MMIO window among them), which is a
// reserved-bit fault on real hardware until NXE is set, so it must be
// enabled no later than the first such mapping is made.
func Init(entryAddr uintptr) {
	star := (uint64(gdt.UserCode32) << 48) | (uint64(gdt.KernelCode) << 32)
	cpu.Wrmsr(msrStar, star)
	cpu.Wrmsr(msrLstar, uint64(entryAddr))
	cpu.Wrmsr(msrFmask, rflagsIF)

	efer := cpu.Rdmsr(msrEfer)
	cpu.Wrmsr(msrEfer, efer|eferSCE|eferNXE)
}

// userSpaceLimit is the canonical-address boundary between user and
// kernel halves on x86-64 with 4-level paging (2^47), per spec.md
// §4.H's buffer-validation rule.
const userSpaceLimit = 1 << 47

// validateUserBuffer checks that [ptr, ptr+n) lies entirely within the
// user half and does not overflow, per spec.md §4.H: "misaligned or
// kernel-pointing pointers fail." Alignment is not actually constrained
// by the ABI for a byte buffer; what must hold is that the range never
// crosses into the kernel half.
func validateUserBuffer(ptr uintptr, n uintptr) bool {
	if ptr >= userSpaceLimit {
		return false
	}
	end := ptr + n
	if end < ptr { // overflow
		return false
	}
	return end <= userSpaceLimit
}

// Dispatch is the single entry point the runtime-side syscall stub
// calls with a pointer to the saved register frame. Rax holds the call
// number and the result is written back into Rax before returning,
// matching the entry stub's documented pop-then-sysretq contract.
func (d *Dispatcher) Dispatch(regs *kconfig.RegisterFrame) {
	switch regs.Rax {
	case SysExit:
		code := int32(regs.Rdi)
		if d.Exit != nil {
			d.Exit(code)
		}
		// Exit never returns control to the caller; the scheduler has
		// already spliced in a different task's registers.
	case SysWrite:
		regs.Rax = d.sysWrite(int32(regs.Rdi), uintptr(regs.Rsi), uintptr(regs.Rdx))
	case SysRead:
		regs.Rax = NoReturn // reserved, not implemented, per spec.md §4.H
	default:
		regs.Rax = NoReturn
	}
}

// sysWrite validates the caller's buffer, copies it through the
// in-kernel direct-map view of the task's address space (CR3 still
// points at the calling task, so a direct read is valid without a
// temporary mapping), and forwards it to the log sinks. It returns
// NoReturn as soon as a page of the range turns out to be unmapped;
// pages before that one have already been forwarded by then.
func (d *Dispatcher) sysWrite(fd int32, buf, length uintptr) uint64 {
	if fd != FdStdout && fd != FdStderr {
		return NoReturn
	}
	if !validateUserBuffer(buf, length) {
		return NoReturn
	}
	space := d.CurrentSpace()
	if space == nil || d.Frames == nil {
		return NoReturn
	}

	written := uint64(0)
	for written < uint64(length) {
		va := buf + uintptr(written)
		pageBase, ok := space.Translate(va)
		if !ok {
			return NoReturn
		}
		offset := uint64(va % kconfig.PGSIZE)
		pa := pageBase + mem.Pa(offset)
		// Never copy past the end of the page va's mapping actually
		// covers, nor past the caller's requested length.
		pageRemaining := uint64(kconfig.PGSIZE) - offset
		chunk := uint64(length) - written
		if chunk > pageRemaining {
			chunk = pageRemaining
		}
		klog.Write(d.Frames.DmapBytes(pa, int(chunk)))
		written += chunk
	}
	return written
}
