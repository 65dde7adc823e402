// Command kernel is the bare-metal entry point: boot hand-off parsing,
// then bring-up of every subsystem in the order spec.md §1 fixes —
// mem, paging, heap, gdt, syscall (EFER.NXE must be live before
// interrupt's NoExecute LAPIC mapping), interrupt, sched (built on
// stack), pci, pcivmm, msix, dma, nvme — followed by the idle loop.
package main

import (
	"novakern/internal/boot"
	"novakern/internal/cpu"
	"novakern/internal/dma"
	"novakern/internal/gdt"
	"novakern/internal/heap"
	"novakern/internal/interrupt"
	"novakern/internal/kconfig"
	"novakern/internal/klog"
	"novakern/internal/kstats"
	"novakern/internal/mem"
	"novakern/internal/msix"
	"novakern/internal/nvme"
	"novakern/internal/paging"
	"novakern/internal/pci"
	"novakern/internal/pcivmm"
	"novakern/internal/sched"
	"novakern/internal/stack"
	"novakern/internal/syscall"
)

// scheduler bundles internal/sched's Scheduler with the frame allocator
// its own page-fault-driven stack growth needs, so trap.go's handlers
// reach both through the one package-level pointer.
type scheduler struct {
	s      *sched.Scheduler
	frames *mem.Allocator
}

// lapic is the thinnest possible wrapper so trap.go need not import
// internal/interrupt itself just to spell the type out a second time.
type lapic struct {
	l *interrupt.LAPIC
}

// timerInitialCount and timerDivide pick a preemption quantum. The
// Rust original never arms a periodic LAPIC timer (it has no
// preemptive scheduler); this kernel's internal/sched does, so these
// are this kernel's own choice rather than a carried-over constant.
const (
	timerInitialCount = 10_000_000
	timerDivide       = 0x3 // divide-by-16, per the LAPIC's encoding
)

var (
	pciDeviceCount      kstats.Counter
	nvmeControllerCount kstats.Counter
)

func main() {
	info := boot.Parse(cpu.BootInfoAddr())

	frames := mem.New(info.HDDMOffset, info.MemoryMap)
	space, err := paging.New(frames)
	if err != nil {
		klog.Fatalf("paging init: %v", err)
	}
	if _, err := heap.Init(space, frames); err != nil {
		klog.Fatalf("heap init: %v", err)
	}

	gdtTable := gdt.New()
	gdtTable.Init()

	// syscall.Init programs EFER.NXE alongside EFER.SCE/STAR/LSTAR, and
	// must therefore run before anything maps a page NoExecute —
	// interrupt.InitLAPIC below is the first such mapping — or that
	// mapping's NX PTE bit is a reserved-bit fault waiting to happen.
	// The dispatcher's closures only need theScheduler to be live by the
	// time a syscall actually arrives, well after it's assigned below.
	dispatcher := &syscall.Dispatcher{
		CurrentSpace: func() *paging.Space { return theScheduler.s.Current().AddrSpace() },
		Frames:       frames,
		Exit: func(code int32) {
			klog.Infof("task %d exited, code=%d", theScheduler.s.Current().ID, code)
			theScheduler.s.Exit(theScheduler.s.Current())
		},
	}
	cpu.SetSyscallDispatcher(dispatcher.Dispatch)
	syscall.Init(cpu.SyscallEntryAddr())

	var idt interrupt.Table
	idt.Init(breakpointHandler, pageFaultHandler, doubleFaultHandler)
	idt.Set(kconfig.VecTimer, timerHandler, kconfig.IdtTimerIST)
	for v := kconfig.VecMsiXBase; v < kconfig.VecMsiXBase+kconfig.VecMsiXCount; v++ {
		idt.Set(v, msixHandler, 0)
	}

	l, err := interrupt.InitLAPIC(space, frames)
	if err != nil {
		klog.Fatalf("lapic init: %v", err)
	}
	theLAPIC = &lapic{l: l}
	theLAPIC.l.ProgramTimer(timerInitialCount, timerDivide)

	slab := stack.NewKernelSlab(space, frames)
	s := sched.New(slab)
	theScheduler = &scheduler{s: s, frames: frames}

	bringUpDevices(space, frames, info.RsdpPhysAddr)

	if _, err := theScheduler.s.SpawnKernel(heartbeatTask); err != nil {
		klog.Warnf("spawn heartbeat: %v", err)
	}

	kstats.Global.Register("pci.devices", &pciDeviceCount)
	kstats.Global.Register("nvme.controllers", &nvmeControllerCount)

	klog.Infof("novakern: boot complete")
	cpu.Sti()
	for {
		cpu.Halt()
	}
}

// bringUpDevices enumerates the PCI bus over the ECAM window boot.Parse
// decoded and brings up every NVMe controller it finds, mirroring how
// the Rust original's driver bring-up walks the bus once at boot and
// leaves anything it doesn't recognize untouched (spec.md Non-goals
// exclude hot-plug).
func bringUpDevices(space *paging.Space, frames *mem.Allocator, rsdpPhys mem.Pa) {
	mgr := pci.NewManager(space, frames)
	devices, err := mgr.Enumerate(rsdpPhys)
	if err != nil {
		klog.Warnf("pci enumerate: %v", err)
		return
	}

	pciDeviceCount.Add(int64(len(devices)))

	vmm := pcivmm.NewManager(space)
	vectors := msix.NewVectorAllocator()
	pool := dma.NewPool(frames)
	cache := msix.BarCache{}

	for i := range devices {
		dev := &devices[i]
		if !dev.Matches(nvme.NvmeClass, nvme.NvmeSubclass, nvme.NvmeProgIf) {
			continue
		}
		ctrl, err := nvme.BringUp(frames, dev, vmm, cache, pool, vectors, vectorWaiter{})
		if err != nil {
			klog.Warnf("nvme bring-up %02x:%02x.%x: %v", dev.Bus, dev.Slot, dev.Function, err)
			continue
		}
		nvmeControllerCount.Inc()
		klog.Infof("nvme controller online: model=%q serial=%q", ctrl.Model, ctrl.Serial)
	}
}

// heartbeatTask is a plain, non-capturing top-level function: it is
// installed as a scheduler entry point by raw code address (see
// trap.go's doc comment on why none of these functions may close over
// anything), so it can only ever touch package-level state.
func heartbeatTask() {
	for {
		klog.Debugf("heartbeat: tick")
		cpu.Halt()
	}
}
