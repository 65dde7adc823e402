package interrupt

import (
	"unsafe"

	"novakern/internal/cpu"
	"novakern/internal/kconfig"
	"novakern/internal/mem"
	"novakern/internal/paging"
)

// Local APIC register offsets and the few bits this package touches.
// Grounded on the Rust original's interrupts/apic.rs.
const (
	iaAPICBaseMSR uint32 = 0x1B
	apicBaseEnable       = 1 << 11 // global enable bit in the base MSR

	regSpurious    = 0xF0
	regTPR         = 0x80
	regEOI         = 0xB0
	regISRBase     = 0x100
	regLVTTimer    = 0x320
	regTimerInit   = 0x380
	regTimerCur    = 0x390
	regTimerDiv    = 0x3E0

	svrAPICEnable = 1 << 8
	timerPeriodic = 1 << 17
)

// LAPIC is the kernel's interface to the local interrupt controller:
// enabling it, masking the task-priority register open, and
// programming its periodic timer.
type LAPIC struct {
	mmio unsafe.Pointer
}

// InitLAPIC enables the LAPIC in the base MSR, maps its register frame
// at kconfig.LapicBase, and brings it up with the spurious-vector
// register enabled and TPR zero, so no priority class is blocked; the
// LVT entries are left as they are. This mirrors apic.rs's setup_apic: disable
// the legacy PICs first, enable the LAPIC in its base MSR, map its MMIO
// frame, then program SVR and TPR.
func InitLAPIC(space *paging.Space, frames *mem.Allocator) (*LAPIC, error) {
	DisableLegacyPICs()

	base := cpu.Rdmsr(iaAPICBaseMSR)
	cpu.Wrmsr(iaAPICBaseMSR, base|apicBaseEnable)

	phys := mem.Pa(base &^ 0xfff)
	if err := space.MapTo(kconfig.LapicBase, phys, paging.Write|paging.NoCache|paging.NoExecute); err != nil {
		return nil, err
	}

	l := &LAPIC{mmio: unsafe.Pointer(uintptr(kconfig.LapicBase))}
	l.write(regSpurious, svrAPICEnable|uint32(kconfig.VecSpurious))
	l.write(regTPR, 0)
	return l, nil
}

func (l *LAPIC) reg(offset uint32) *uint32 {
	return (*uint32)(unsafe.Add(l.mmio, offset))
}

func (l *LAPIC) write(offset uint32, val uint32) { *l.reg(offset) = val }
func (l *LAPIC) read(offset uint32) uint32       { return *l.reg(offset) }

// EOI signals end-of-interrupt for the currently-in-service vector.
// Every interrupt handler this kernel installs on a LAPIC-routed
// vector must call this exactly once before returning.
func (l *LAPIC) EOI() { l.write(regEOI, 0) }

// InService scans the eight 32-bit in-service registers for the
// highest vector currently flagged in-service. A Handler (necessarily
// niladic, per interrupt.Handler) installed across a whole range of
// vectors — internal/msix's allocated run, one per device queue pair —
// has no other way to learn which of them actually fired; reading the
// ISR back is the standard local-APIC technique for exactly that case.
func (l *LAPIC) InService() (uint8, bool) {
	for reg := 7; reg >= 0; reg-- {
		word := l.read(regISRBase + uint32(reg)*0x10)
		if word == 0 {
			continue
		}
		for bit := 31; bit >= 0; bit-- {
			if word&(1<<uint(bit)) != 0 {
				return uint8(reg*32 + bit), true
			}
		}
	}
	return 0, false
}

// ProgramTimer arms the LAPIC timer for periodic delivery on
// kconfig.VecTimer, at the given initial count and divide value (the
// same three registers apic.rs's design implies are needed for any
// preemptive scheduler, though the Rust original itself never goes
// beyond one-shot IPI delivery — the periodic timer is this kernel's
// own supplement, needed by internal/sched's preemption).
func (l *LAPIC) ProgramTimer(initialCount, divide uint32) {
	l.write(regLVTTimer, timerPeriodic|uint32(kconfig.VecTimer))
	l.write(regTimerDiv, divide)
	l.write(regTimerInit, initialCount)
}
