package main

import (
	"sync/atomic"

	"novakern/internal/cpu"
	"novakern/internal/diag"
	"novakern/internal/kconfig"
	"novakern/internal/klog"
)

// Every vector handler below is a plain, non-capturing top-level
// function: internal/interrupt.Table.Set resolves a Handler to a code
// address and installs that address directly in the IDT gate, so the
// CPU jumps to it on an entry stub's raw iretq path, never through
// Go's normal calling convention. A closure's captured environment
// pointer would never get loaded on that path, so these functions
// reach boot state only through the package-level variables below,
// set once in main before interrupts are ever enabled.
var (
	theScheduler *scheduler
	theLAPIC     *lapic
)

// breakpointHandler logs and resumes; INT3 is a debugging aid, not a
// fault, per the Rust original's interrupts/idt.rs.
func breakpointHandler() {
	frame := cpu.TrapFrame()
	klog.Warnf("breakpoint at rip=%#x", frame.Rip)
}

// pageFaultHandler tries to grow the faulting task's user stack before
// giving up. Per spec.md §4.F/§7/§8, a user fault outside the stack's
// growable window terminates only that task, not the kernel: it
// cannot simply return (the trap frame is still the dead task's), so
// it marks the task Terminated and splices in whatever runs next the
// same way timerHandler does. A fault with no attributable task
// context — no current task, or a fault in kernel-mode code — has no
// narrower scope to kill and is fatal to the whole kernel.
func pageFaultHandler() {
	frame := cpu.TrapFrame()
	addr := cpu.ReadCR2()

	if t := theScheduler.s.Current(); t != nil && t.UserStack() != nil && t.AddrSpace() != nil {
		if err := t.UserStack().Grow(t.AddrSpace(), theScheduler.frames, addr); err == nil {
			return
		}
		klog.Warnf("task %d: page fault at %#x outside stack window, terminating", t.ID, addr)
		theScheduler.s.Exit(t)
		next := theScheduler.s.ScheduleInner(frame)
		*frame = *next
		return
	}

	klog.Fatalf("%s", diag.Describe(diag.Report{
		Kind:      diag.PageFault,
		Frame:     *frame,
		FaultAddr: addr,
	}))
}

// doubleFaultHandler never attempts recovery: a double fault means the
// first fault's own handler faulted, so the kernel's own invariants are
// already suspect.
func doubleFaultHandler() {
	frame := cpu.TrapFrame()
	klog.Fatalf("%s", diag.Describe(diag.Report{
		Kind:  diag.DoubleFault,
		Frame: *frame,
	}))
}

// timerHandler is internal/sched's context-switch step, wired to
// kconfig.VecTimer: splice the next task's saved registers into the
// live trap frame so the entry stub's iretq resumes there instead of
// where the timer interrupted, per sched.ScheduleInner's contract.
func timerHandler() {
	cur := cpu.TrapFrame()
	next := theScheduler.s.ScheduleInner(cur)
	*cur = *next
	theLAPIC.l.EOI()
}

// vectorFired counts deliveries per MSI-X vector in the reserved range,
// incremented by msixHandler and polled by vectorWaiter.WaitVector.
var vectorFired [kconfig.VecMsiXCount]uint64

// msixHandler is installed across the whole reserved MSI-X vector
// range: a single shared niladic Handler can't tell which of several
// vectors fired from its own call, so it reads the LAPIC's in-service
// register back, the standard technique for exactly this "one ISR
// covers many vectors" shape.
func msixHandler() {
	if v, ok := theLAPIC.l.InService(); ok && v >= kconfig.VecMsiXBase && v < kconfig.VecMsiXBase+kconfig.VecMsiXCount {
		atomic.AddUint64(&vectorFired[v-kconfig.VecMsiXBase], 1)
	}
	theLAPIC.l.EOI()
}

// vectorWaiter implements internal/nvme.Waiter by parking the CPU
// (interrupts enabled) until msixHandler has observed at least one new
// delivery on the given vector since the call began. internal/nvme's
// own design note originally called for wrapping
// internal/sched.Scheduler.SleepOn/WakeAll, but that pair is meant to
// be driven from the same trampoline path as ScheduleInner (see its
// doc comment and internal/sched's own test), not from arbitrary
// linear boot code mid-bring-up; parking on the vector's own fired
// counter needs no scheduler involvement at all and still avoids a
// hot spin between interrupts.
type vectorWaiter struct{}

func (vectorWaiter) WaitVector(vector uint8) {
	idx := vector - kconfig.VecMsiXBase
	start := atomic.LoadUint64(&vectorFired[idx])
	for atomic.LoadUint64(&vectorFired[idx]) == start {
		cpu.Halt()
	}
}
