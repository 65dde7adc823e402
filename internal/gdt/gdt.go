// Package gdt builds the kernel's Global Descriptor Table and Task
// State Segment and loads them through internal/cpu.
//
// The teacher's retrieved Go sources never touch the GDT or TSS at
// all — every package assumes a forked runtime that has already
// installed flat code/data segments before any Go code runs. Nothing
// in the retrieval pack shows what that setup looks like in Go, so
// this package is grounded instead on the Rust original's gdt.rs: the
// same flat segment descriptors (null, kernel code, kernel data, user
// code, user data), plus the unused 32-bit user code placeholder
// SYSRET's arithmetic needs, plus a TSS whose IST slots back the double
// fault and timer interrupt handlers with their own stacks, each sized
// 4096*5 = 20 KiB exactly as gdt.rs's STACK_SIZE constant does.
package gdt

import (
	"unsafe"

	"novakern/internal/cpu"
	"novakern/internal/kconfig"
)

// Selectors are the fixed segment selectors every other package refers
// to by value: the syscall MSR setup needs KernelCode/UserCode32, the
// IDT needs KernelCode for every gate, Init needs TSSSel.
//
// The user segment ordering (placeholder, data, code) is not arbitrary:
// it is the layout SYSCALL/SYSRET require. SYSRET (64-bit) loads
// CS = STAR[63:48]+16 and SS = STAR[63:48]+8, forcing RPL 3 on both; for
// those to land on UserCode/UserData with UserCode32 as STAR's base,
// UserCode must sit 16 bytes above UserCode32 and UserData 8 bytes above
// it, which only works if data comes before code in the table. internal/syscall's STAR value is built
// from UserCode32 (the base SYSRET expects), never from UserCode
// directly.
const (
	Null       uint16 = 0x00
	KernelCode uint16 = 0x08
	KernelData uint16 = 0x10
	UserCode32 uint16 = 0x18 // unused 32-bit placeholder SYSRET's arithmetic needs
	UserData   uint16 = 0x20 | 3
	UserCode   uint16 = 0x28 | 3
	TSSSel     uint16 = 0x30
)

// Flat segment descriptor flag bits. Base and limit are ignored in
// 64-bit mode for code/data descriptors; only type/S/DPL/P/L bits
// matter.
const (
	flagRW       uint64 = 1 << 41 // writable (data) / readable (code)
	flagExec     uint64 = 1 << 43
	flagCodeData uint64 = 1 << 44 // S bit: code/data, not a system segment
	flagDPL3     uint64 = 3 << 45
	flagPresent  uint64 = 1 << 47
	flagLong     uint64 = 1 << 53 // L bit: 64-bit code segment

	kernelCodeVal = flagPresent | flagCodeData | flagExec | flagRW | flagLong
	kernelDataVal = flagPresent | flagCodeData | flagRW
	userCodeVal   = kernelCodeVal | flagDPL3
	userDataVal   = kernelDataVal | flagDPL3
)

// TaskState is the 64-bit TSS layout: no hardware task-switching is
// used, only its IST (Interrupt Stack Table) slots and I/O permission
// bitmap base, exactly the subset gdt.rs's TaskStateSegment also sets.
type TaskState struct {
	reserved0 uint32
	rsp       [3]uint64
	reserved1 uint64
	ist       [7]uint64
	reserved2 uint64
	reserved3 uint16
	iomapBase uint16
}

const taskStateSize = unsafe.Sizeof(TaskState{})

// Table owns the GDT entries, the TSS, and the two IST stacks backing
// it. Init installs all of it via internal/cpu; nothing here is valid
// until Init has run.
type Table struct {
	entries     [8]uint64 // null, kcode, kdata, ucode32(unused), udata, ucode, tss-low, tss-high
	tss         TaskState
	doubleFault [kconfig.ISTStackSize]byte
	timer       [kconfig.ISTStackSize]byte
}

// New builds the descriptor table and TSS in memory but does not yet
// install them; call Init to load them into the CPU.
func New() *Table {
	t := &Table{}
	t.entries[1] = kernelCodeVal
	t.entries[2] = kernelDataVal
	t.entries[3] = userCodeVal // ucode32 placeholder: same flags, never entered
	t.entries[4] = userDataVal
	t.entries[5] = userCodeVal

	t.tss.ist[kconfig.IdtDoubleFaultIST-1] = uint64(stackTop(&t.doubleFault))
	t.tss.ist[kconfig.IdtTimerIST-1] = uint64(stackTop(&t.timer))
	t.tss.iomapBase = uint16(taskStateSize)

	t.entries[6], t.entries[7] = tssDescriptor(tssBase(t), uint64(taskStateSize-1))
	return t
}

func stackTop(stack *[kconfig.ISTStackSize]byte) uintptr {
	return uintptr(unsafe.Pointer(stack)) + uintptr(len(stack))
}

func tssBase(t *Table) uint64 {
	return uint64(uintptr(unsafe.Pointer(&t.tss)))
}

// tssDescriptor packs a 16-byte system-segment descriptor (TSS
// available, type 0x9) spanning two GDT entries, since a 64-bit TSS
// descriptor carries a full 64-bit base address unlike the flat
// code/data descriptors above.
func tssDescriptor(base, limit uint64) (lo, hi uint64) {
	const typeTSSAvailable = 0x9
	lo = (limit & 0xffff) |
		((base & 0xffffff) << 16) |
		(typeTSSAvailable << 40) |
		(flagPresent) |
		(((limit >> 16) & 0xf) << 48) |
		(((base >> 24) & 0xff) << 56)
	hi = base >> 32
	return lo, hi
}

// Init loads the table into GDTR, reloads CS to the kernel code
// selector, and loads TR with the TSS selector — the same three steps
// gdt.rs's init_gdt performs (GDT.0.load(), CS::set_reg, load_tss()).
func (t *Table) Init() {
	base := uintptr(unsafe.Pointer(&t.entries[0]))
	limit := uint16(len(t.entries)*8 - 1)
	cpu.LoadGDT(base, limit, KernelCode)
	cpu.Ltr(TSSSel)
}
