// Package kconfig centralizes the build-time constants that more than one
// subsystem must agree on, the way the teacher centralizes PTE bit layout
// and virtual-address slot constants in biscuit/src/mem rather than
// repeating them per package.
package kconfig

const (
	// PGSHIFT is the base-2 exponent of the page size.
	PGSHIFT = 12
	// PGSIZE is the size in bytes of one physical/virtual page.
	PGSIZE = 1 << PGSHIFT

	// HeapBase is the fixed high-half virtual address of the kernel heap.
	HeapBase = 0xffff_ff80_0000_0000
	// HeapSize is the fixed size of the kernel heap (never grown).
	HeapSize = 128 * 1024

	// LapicBase is the fixed high-half virtual address the LAPIC MMIO
	// page is mapped at.
	LapicBase = 0xffff_ff80_0002_0000

	// EcamWindowBase is the base of the monotonic bump window reserved
	// for ECAM region mappings.
	EcamWindowBase = 0xffff_ff80_0010_0000
	// EcamWindowSize bounds the ECAM bump window.
	EcamWindowSize = 1 << 34

	// PciVmmBase is the base of the 16 GiB virtual window the PCIe
	// device-memory VMM partitions into 4 KiB pages.
	PciVmmBase = 0xffff_ff90_0000_0000
	// PciVmmSize is the size of the PCIe device-memory window (16 GiB).
	PciVmmSize = 16 << 30
	// PciVmmPages is PciVmmSize in pages.
	PciVmmPages = PciVmmSize / PGSIZE

	// KstackBase is the base of the kernel-task stack slab window.
	KstackBase = 0xffff_ffa0_0000_0000
	// KstackSlots is the number of fixed-size stack slots in the slab
	// (a 128-bit bitmap tracks occupancy, one bit per slot).
	KstackSlots = 128
	// KstackPages is the number of pages per slot, not counting the
	// guard page.
	KstackPages = 8
	// KstackSlotPages is the total pages reserved per slot, including
	// the unmapped guard page at the low end.
	KstackSlotPages = KstackPages + 1

	// UstackTop is the fixed top virtual address of a fresh user stack.
	UstackTop = 0x0000_7fff_ffff_f000
	// UstackMaxPages bounds how far a user stack may grow on fault.
	UstackMaxPages = 256

	// IdtDoubleFaultIST selects TSS.IST[0] for the double-fault handler.
	IdtDoubleFaultIST = 1
	// IdtTimerIST selects TSS.IST[1] for the timer handler, so the timer
	// always runs on a known stack regardless of what was preempted.
	IdtTimerIST = 2
	// ISTStackSize is the size in bytes of each IST stack (20 KiB).
	ISTStackSize = 20 * 1024

	// VecTimer is the LAPIC timer interrupt vector.
	VecTimer = 0x40
	// VecSpurious is the spurious-interrupt vector (SVR low byte is
	// conventionally 0xFF).
	VecSpurious = 0xFF
	// VecMsiXBase is the first vector handed out to MSI-X allocation;
	// spec.md names 0x50 as the kernel's chosen base.
	VecMsiXBase = 0x50
	// VecMsiXCount bounds the contiguous MSI-X vector range.
	VecMsiXCount = 16

	// DmaPoolBuffers is the number of buffers the fixed DMA pool holds.
	DmaPoolBuffers = 24
	// DmaPoolFramesPerBuffer is frames per DMA pool buffer.
	DmaPoolFramesPerBuffer = 1
)

// RegisterFrame is the exact on-stack layout the timer-interrupt and
// syscall-entry trampolines (owned by the bare-metal runtime, not this
// module) push before invoking Go code: fifteen general-purpose
// registers pushed by the stub in a fixed order, followed by the five
// words the CPU itself pushes on any privilege-changing trap. sched and
// syscall both describe "the same 15 GPRs + 5 CPU-pushed words" per
// spec.md §3, so the type lives once here rather than being redeclared
// per package, mirroring how the teacher keeps PTE_* bit constants in one
// package instead of duplicating them in vm and mem.
type RegisterFrame struct {
	R15, R14, R13, R12 uint64
	R11, R10, R9, R8   uint64
	Rbp, Rdi, Rsi, Rdx uint64
	Rcx, Rbx, Rax      uint64

	// Pushed by the CPU itself on trap/interrupt entry.
	Rip, Cs, Rflags, Rsp, Ss uint64
}
