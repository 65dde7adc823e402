// Package interrupt owns the Interrupt Descriptor Table, the Local
// APIC, and legacy PIC quiescence.
//
// The teacher's retrieved Go sources never build an IDT either — like
// the GDT, trap delivery is assumed to already work by the time any Go
// package runs, handled entirely inside the forked runtime. This
// package is grounded on the Rust original's interrupts/{idt,apic,pic}.rs
// instead: the same three exception handlers (breakpoint, page fault,
// double fault, the last pinned to its own IST stack), the same
// "disable and fully mask the 8259s before touching the LAPIC" startup
// order, and the same spurious-vector/TPR/SVR LAPIC bring-up sequence.
package interrupt

import (
	"reflect"
	"unsafe"

	"novakern/internal/cpu"
	"novakern/internal/gdt"
	"novakern/internal/kconfig"
)

// gate is one 64-bit-mode IDT entry: a 16-byte interrupt/trap gate
// split across two uint64 words, addressed the same way
// gdt.tssDescriptor packs a system descriptor.
type gate [2]uint64

const (
	gateTypeInterrupt uint64 = 0xE   // bits 40-43 of the low qword
	gatePresent       uint64 = 1 << 7 // bit 47 (the P bit of the attr byte at 40-47)
)

// Table is the 256-entry IDT. Vectors 0-31 are CPU exceptions; 32 and
// up are hardware/software interrupts, laid out per kconfig's
// Vec* constants (VecTimer, VecMsiXBase.., VecSpurious).
type Table struct {
	entries [256]gate
}

// Handler is a niladic Go function usable as a vector's handler body.
// The caller is responsible for whatever minimal state save/restore
// its calling convention under the forked runtime requires; this
// package only wires the IDT gate to point at it.
type Handler func()

func funcAddr(h Handler) uintptr {
	return reflect.ValueOf(h).Pointer()
}

// Set installs handler at vector vec. ist is the 1-based Interrupt
// Stack Table index to switch to on entry (0 means "no stack switch"),
// matching the kconfig.IdtDoubleFaultIST/IdtTimerIST slots of
// gdt.Table's TSS.
func (t *Table) Set(vec int, handler Handler, ist uint8) {
	addr := uint64(funcAddr(handler))
	t.entries[vec] = gate{
		(addr & 0xffff) |
			(uint64(gdt.KernelCode) << 16) |
			(uint64(ist) << 32) |
			(uint64(gateTypeInterrupt|gatePresent) << 40) |
			(((addr >> 16) & 0xffff) << 48),
		addr >> 32,
	}
}

// Init builds the fixed CPU exception handlers (breakpoint, page
// fault, double fault) and loads the table. It must run after gdt.Init
// so the double-fault gate's IST index resolves to a real stack.
func (t *Table) Init(breakpoint, pageFault, doubleFault Handler) {
	t.Set(VecBreakpoint, breakpoint, 0)
	t.Set(VecPageFault, pageFault, 0)
	t.Set(VecDoubleFault, doubleFault, kconfig.IdtDoubleFaultIST)
	t.Load()
}

// Load installs the table into IDTR.
func (t *Table) Load() {
	base := uintptr(unsafe.Pointer(&t.entries[0]))
	limit := uint16(len(t.entries)*16 - 1)
	cpu.LoadIDT(base, limit)
}

// Fixed CPU exception vectors, matching the Rust original's three
// handled exceptions.
const (
	VecBreakpoint  = 3
	VecPageFault   = 14
	VecDoubleFault = 8
)
