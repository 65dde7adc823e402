package interrupt

import "novakern/internal/cpu"

// Legacy 8259 PIC ports and the remap/mask sequence, grounded on the
// Rust original's interrupts/pic.rs: remap both PICs' interrupt
// vectors out of the CPU exception range even though they are about
// to be fully masked, in case a spurious IRQ arrives before masking
// completes, then mask every line so only the LAPIC delivers
// interrupts.
const (
	pic1Command uint16 = 0x20
	pic1Data    uint16 = 0x21
	pic2Command uint16 = 0xA0
	pic2Data    uint16 = 0xA1

	pic1Offset uint8 = 0x20
	pic2Offset uint8 = 0x28

	allIRQsMasked uint8 = 0xFF
	icw1Init      uint8 = 0x11
)

// DisableLegacyPICs remaps both 8259s past the CPU exception vector
// range and masks every line, quiescing them before the LAPIC is
// brought up.
func DisableLegacyPICs() {
	cpu.Outb(pic1Command, icw1Init)
	cpu.Outb(pic1Data, pic1Offset)
	cpu.Outb(pic1Data, 0x04) // tell PIC1 it has a slave on IRQ2
	cpu.Outb(pic1Data, 0x01)

	cpu.Outb(pic2Command, icw1Init)
	cpu.Outb(pic2Data, pic2Offset)
	cpu.Outb(pic2Data, 0x02) // tell PIC2 its cascade identity
	cpu.Outb(pic2Data, 0x01)

	cpu.Outb(pic1Data, allIRQsMasked)
	cpu.Outb(pic2Data, allIRQsMasked)
}
