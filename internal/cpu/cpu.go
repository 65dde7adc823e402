// Package cpu isolates every bare-metal primitive the kernel needs behind
// a single seam. As in the teacher's mem/dmap.go (runtime.Cpuid,
// runtime.Rcr4, runtime.Vtop, runtime.Pml4freeze, runtime.Condflush,
// runtime.CPUHint, runtime.Get_phys), this package assumes a Go runtime
// forked for bare-metal execution that exports these as extra runtime.*
// functions; no other package pokes a port, MSR, or control register
// directly.
package cpu

import (
	"runtime"
	"unsafe"

	"novakern/internal/kconfig"
)

// Outb writes a byte to an I/O port.
func Outb(port uint16, val uint8) { runtime.Outb(port, val) }

// Inb reads a byte from an I/O port.
func Inb(port uint16) uint8 { return runtime.Inb(port) }

// Outl writes a dword to an I/O port.
func Outl(port uint16, val uint32) { runtime.Outl(port, val) }

// Inl reads a dword from an I/O port.
func Inl(port uint16) uint32 { return runtime.Inl(port) }

// Wrmsr writes a model-specific register.
func Wrmsr(msr uint32, val uint64) { runtime.Wrmsr(msr, val) }

// Rdmsr reads a model-specific register.
func Rdmsr(msr uint32) uint64 { return runtime.Rdmsr(msr) }

// Cli disables external interrupts on this CPU.
func Cli() { runtime.Cli() }

// Sti enables external interrupts on this CPU.
func Sti() { runtime.Sti() }

// Halt parks the CPU until the next interrupt.
func Halt() { runtime.Hlt() }

// Invlpg invalidates the TLB entry for the page containing va.
func Invlpg(va uintptr) { runtime.Invlpg(va) }

// LoadCR3 switches the active top-level page table.
func LoadCR3(phys uintptr) { runtime.LoadCR3(phys) }

// ReadCR2 returns the faulting address recorded by the last page fault.
func ReadCR2() uintptr { return runtime.Rcr2() }

// Rdtsc returns the current cycle counter.
func Rdtsc() uint64 { return runtime.Rdtsc() }

// Cpuid executes CPUID with the given leaf/subleaf and returns eax..edx.
func Cpuid(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
	return runtime.Cpuid(leaf, subleaf)
}

// LoadGDT installs a new GDT from the given descriptor table pointer and
// reloads CS with the supplied kernel code selector.
func LoadGDT(base uintptr, limit uint16, kcodeSel uint16) { runtime.LoadGDT(base, limit, kcodeSel) }

// LoadIDT installs a new IDT from the given descriptor table pointer.
func LoadIDT(base uintptr, limit uint16) { runtime.LoadIDT(base, limit) }

// Ltr loads the task register with the given TSS selector.
func Ltr(sel uint16) { runtime.Ltr(sel) }

// CPUHint returns a best-effort identifier for the running logical CPU.
// Carried from the teacher for API parity; this kernel only ever runs on
// CPU 0 (spec.md Non-goals exclude MP).
func CPUHint() int { return runtime.CPUHint() }

// BootInfoAddr returns the physical address of the bootloader hand-off
// structure, per spec.md §6: "passed by address at kernel entry." The
// entry stub the forked runtime installs captures whatever register the
// bootloader's calling convention hands it before ever reaching Go code,
// the same way it captures CR2 or the CPUID leaves this package already
// wraps.
func BootInfoAddr() uintptr { return runtime.BootInfoAddr() }

// TrapFrame returns the in-progress interrupt or exception's saved
// register frame. It is only valid to call from inside a function
// installed as an interrupt.Handler: the entry stub underneath that
// vector has, by the time the handler body runs, already pushed
// kconfig.RegisterFrame's fifteen general-purpose registers on top of
// the five words the CPU itself pushes, and this is the runtime's
// pointer to that memory. A handler that mutates the returned frame
// changes what the stub resumes into on return — this is how
// internal/sched's ScheduleInner splices a different task in from a
// timer tick.
func TrapFrame() *kconfig.RegisterFrame {
	return (*kconfig.RegisterFrame)(unsafe.Pointer(runtime.TrapFrame()))
}

// SyscallEntryAddr returns the address of the forked runtime's naked
// SYSCALL entry stub, the value internal/syscall's Init programs into
// LSTAR. The stub swaps to the per-task kernel stack, pushes
// kconfig.RegisterFrame, and calls whatever dispatcher
// SetSyscallDispatcher last registered.
func SyscallEntryAddr() uintptr { return runtime.SyscallEntryAddr() }

var syscallDispatcher func(*kconfig.RegisterFrame)

// SetSyscallDispatcher registers the Go function the SYSCALL entry stub
// calls with a pointer to the saved register frame, the same
// register-once-call-back-from-asm idiom klog.AddSink uses for log
// sinks. cmd/kernel calls this once, during boot, with an
// internal/syscall.Dispatcher's Dispatch method.
func SetSyscallDispatcher(fn func(*kconfig.RegisterFrame)) { syscallDispatcher = fn }
