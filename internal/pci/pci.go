// Package pci is the PCIe manager: it parses the ACPI MCFG table to
// find ECAM (Enhanced Configuration Access Mechanism) regions, maps
// them into the kernel's ECAM window, walks every (bus, device,
// function) slot each region covers, and parses BARs and the
// capability linked list for every device it finds.
//
// Grounded on original_source/kernel/src/pci/{mcfg,config,device}.rs
// for exact field layouts and the enumeration algorithm, and on
// biscuit/src/pci/olddiski.go's Disk_i for this kernel's habit of a
// small table-driven device interface rather than per-device Go types
// (generalized here: Device is one struct covering every class this
// kernel enumerates, not an IDE-specific one).
package pci

import "novakern/internal/mem"

// Error enumerates the PCIe manager's failure domain from spec.md §7.
type Error int

const (
	ErrMCFGNotFound Error = iota + 1
	ErrEcamWindowExhausted
	ErrInvalidDevice
)

func (e Error) Error() string {
	switch e {
	case ErrMCFGNotFound:
		return "pci: MCFG table not found"
	case ErrEcamWindowExhausted:
		return "pci: ECAM window exhausted"
	case ErrInvalidDevice:
		return "pci: invalid device"
	default:
		return "pci: unknown error"
	}
}

// Configuration space byte offsets, per device.rs's config_offsets.
const (
	offVendorID         = 0x00
	offDeviceID         = 0x02
	offCommand          = 0x04
	offStatus           = 0x06
	offRevisionID       = 0x08
	offProgIf           = 0x09
	offSubclass         = 0x0A
	offClassCode        = 0x0B
	offHeaderType       = 0x0E
	offBAR0             = 0x10
	offSubsystemVendor  = 0x2C
	offSubsystemID      = 0x2E
	offCapabilitiesPtr  = 0x34
	offInterruptLine    = 0x3C
	offInterruptPin     = 0x3D
)

const statusCapabilitiesList = 1 << 4
const headerTypeMultiFunction = 0x80

// Capability IDs this kernel cares about, per config.rs's capability_ids.
const (
	CapMSI        uint8 = 0x05
	CapPCIExpress uint8 = 0x10
	CapMSIX       uint8 = 0x11
)

// BarKind distinguishes a memory-mapped BAR from an I/O-port BAR, or a
// BAR slot that carries neither (unused/high-half of a 64-bit BAR).
type BarKind int

const (
	BarUnused BarKind = iota
	BarMemory
	BarIO
)

// Bar is one parsed Base Address Register, per spec.md §4.I's BAR
// parsing rules: size is deliberately left 0 at enumeration time (no
// write-all-1s probe), per the resolved Open Question in DESIGN.md.
type Bar struct {
	Kind         BarKind
	Address      uint64
	Size         uint64
	Prefetchable bool
	Is64Bit      bool
}

// Capability is one entry of the capability linked list, per
// device.rs's CapabilityHeader.
type Capability struct {
	ID     uint8
	Offset uint8
}

// ExpressCap is a supplemented diagnostic-only parse of the PCI
// Express Capability (config.rs's capability_ids::PCI_EXPRESS),
// dropped by spec.md's distillation but present in original_source;
// it gates no other module's behavior, per SPEC_FULL.md §4.I.
type ExpressCap struct {
	MaxPayloadSize uint16
	LinkSpeed      uint8
	LinkWidth      uint8
}

// Device is one enumerated (bus, device, function) slot.
type Device struct {
	Bus, Slot, Function uint8
	VendorID, DeviceID  uint16
	Class, Subclass     uint8
	ProgIf, Revision    uint8
	HeaderType          uint8
	SubsystemVendorID   uint16
	SubsystemID         uint16
	InterruptLine       uint8
	InterruptPin        uint8
	Bars                [6]Bar
	Capabilities        []Capability
	Express             *ExpressCap

	region EcamRegion
}

// Multifunction reports whether header-type bit 7 is set, per
// spec.md §4.I point 4.
func (d *Device) Multifunction() bool { return d.HeaderType&headerTypeMultiFunction != 0 }

// Matches reports whether the device's class triple matches (used by
// internal/nvme to filter for class=0x01, subclass=0x08, progIf=0x02).
func (d *Device) Matches(class, subclass, progIf uint8) bool {
	return d.Class == class && d.Subclass == subclass && d.ProgIf == progIf
}

// FindCapability returns the first capability list entry with the
// given ID.
func (d *Device) FindCapability(id uint8) (Capability, bool) {
	for _, c := range d.Capabilities {
		if c.ID == id {
			return c, true
		}
	}
	return Capability{}, false
}

// ReadConfig32/16/8 and WriteConfig32/16 let a collaborator (notably
// internal/msix, which must toggle the MSI-X Enable bit and write
// table/PBA BIR offsets it already has from the capability walk) read
// or mutate this device's configuration space directly.
func (d *Device) ReadConfig32(frames *mem.Allocator, offset uint16) uint32 {
	return readConfig32(frames, d.region, d.Bus, d.Slot, d.Function, offset)
}

func (d *Device) ReadConfig16(frames *mem.Allocator, offset uint16) uint16 {
	return readConfig16(frames, d.region, d.Bus, d.Slot, d.Function, offset)
}

func (d *Device) WriteConfig16(frames *mem.Allocator, offset uint16, val uint16) {
	writeConfig16(frames, d.region, d.Bus, d.Slot, d.Function, offset, val)
}

func (d *Device) WriteConfig32(frames *mem.Allocator, offset uint16, val uint32) {
	writeConfig32(frames, d.region, d.Bus, d.Slot, d.Function, offset, val)
}
