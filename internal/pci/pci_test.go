package pci

import (
	"runtime"
	"testing"
	"unsafe"

	"novakern/internal/kconfig"
	"novakern/internal/mem"
	"novakern/internal/paging"
)

// testSystem builds a fake physical address space (a real Go buffer
// whose address stands in for physical address 0, per the established
// GC-safe test-harness pattern) and writes a minimal ACPI RSDP/XSDT/MCFG
// table plus one function-0 PCIe device's configuration space into it.
type testSystem struct {
	frames  *mem.Allocator
	space   *paging.Space
	ecamPhy mem.Pa
}

const (
	testRsdpPhys = mem.Pa(0x0000)
	testXsdtPhys = mem.Pa(0x1000)
	testMcfgPhys = mem.Pa(0x2000)
	testEcamPhys = mem.Pa(0x10000)
)

// newTestSystem lays out a fake physical address space: [0, ecamEnd) is
// reserved for ACPI/ECAM content the test writes directly, and
// [ecamEnd, npages*PGSIZE) is handed to a separate frame allocator
// backing the page-table Space, so mapping the ECAM window never
// zeroes memory the test already wrote into.
func newTestSystem(t *testing.T, npages int) *testSystem {
	t.Helper()
	buf := make([]byte, npages*kconfig.PGSIZE)
	t.Cleanup(func() { runtime.KeepAlive(buf) })
	hddm := uintptr(unsafe.Pointer(&buf[0]))

	ecamEnd := uintptr(testEcamPhys) + (1 << 20) // one bus worth of ECAM space
	content := mem.New(hddm, nil)                // Dmap-only: never allocates/zeroes

	tableFrames := mem.New(hddm, []mem.Region{{
		Base:   ecamEnd,
		Length: uintptr(npages*kconfig.PGSIZE) - ecamEnd,
	}})
	space, err := paging.New(tableFrames)
	if err != nil {
		t.Fatalf("new space: %v", err)
	}
	return &testSystem{frames: content, space: space, ecamPhy: testEcamPhys}
}

func putStruct[T any](frames *mem.Allocator, p mem.Pa, v T) {
	*(*T)(frames.Dmap(p)) = v
}

func buildACPITables(frames *mem.Allocator) {
	putStruct(frames, testRsdpPhys, rsdpDescriptor{
		Signature: [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '},
		Revision:  2,
		XsdtAddr:  uint64(testXsdtPhys),
	})

	putStruct(frames, testXsdtPhys, sdtHeader{
		Signature: [4]byte{'X', 'S', 'D', 'T'},
		Length:    uint32(unsafe.Sizeof(sdtHeader{})) + 8,
	})
	xsdtEntries := uintptr(frames.Dmap(testXsdtPhys)) + unsafe.Sizeof(sdtHeader{})
	*(*uint64)(unsafe.Pointer(xsdtEntries)) = uint64(testMcfgPhys)

	putStruct(frames, testMcfgPhys, sdtHeader{
		Signature: [4]byte{'M', 'C', 'F', 'G'},
		Length:    uint32(unsafe.Sizeof(sdtHeader{})) + 8 + uint32(unsafe.Sizeof(mcfgEntry{})),
	})
	mcfgEntriesBase := uintptr(frames.Dmap(testMcfgPhys)) + unsafe.Sizeof(sdtHeader{}) + 8
	*(*mcfgEntry)(unsafe.Pointer(mcfgEntriesBase)) = mcfgEntry{
		BaseAddress: uint64(testEcamPhys),
		StartBus:    0,
		EndBus:      0,
	}
}

// writeDeviceHeader writes a function-0 PCIe device's configuration
// space at bus/dev/fn (0,0,0) within the ECAM region based at
// testEcamPhys, including a one-entry capability list terminating in a
// PCI Express Capability so both capability-walk and BAR parsing are
// exercised together.
func writeDeviceHeader(frames *mem.Allocator) {
	r := EcamRegion{Base: testEcamPhys, StartBus: 0, EndBus: 0}
	writeConfig16(frames, r, 0, 0, 0, offVendorID, 0x8086)
	writeConfig16(frames, r, 0, 0, 0, offDeviceID, 0x1234)
	writeConfig16(frames, r, 0, 0, 0, offStatus, statusCapabilitiesList)
	writeByte(frames, r, offRevisionID, 0x01)
	writeByte(frames, r, offProgIf, 0x02)
	writeByte(frames, r, offSubclass, 0x08)
	writeByte(frames, r, offClassCode, 0x01)
	writeByte(frames, r, offHeaderType, 0x00)
	writeConfig32(frames, r, 0, 0, 0, offBAR0, 0xFEE00000)
	writeConfig16(frames, r, 0, 0, 0, offSubsystemVendor, 0x8086)
	writeConfig16(frames, r, 0, 0, 0, offSubsystemID, 0x5678)
	writeByte(frames, r, offInterruptLine, 10)
	writeByte(frames, r, offInterruptPin, 1)
	writeByte(frames, r, offCapabilitiesPtr, 0x40)

	// Capability list: one PCI Express Capability at offset 0x40,
	// terminating the list (next = 0).
	writeByte(frames, r, 0x40, CapPCIExpress)
	writeByte(frames, r, 0x41, 0x00)
	writeConfig32(frames, r, 0, 0, 0, 0x44, 0x1) // Device Capabilities: max payload 256B
	writeConfig16(frames, r, 0, 0, 0, 0x52, 0x41) // Link Status: speed=1, width=4
}

func writeByte(frames *mem.Allocator, r EcamRegion, offset uint16, v uint8) {
	*(*uint8)(frames.Dmap(configPhys(r, 0, 0, 0, offset))) = v
}

func TestParseMCFGFindsRegion(t *testing.T) {
	sys := newTestSystem(t, 300)
	buildACPITables(sys.frames)

	regions, err := ParseMCFG(sys.frames, testRsdpPhys)
	if err != nil {
		t.Fatalf("ParseMCFG: %v", err)
	}
	if len(regions) != 1 {
		t.Fatalf("want 1 region, got %d", len(regions))
	}
	if regions[0].Base != testEcamPhys || regions[0].StartBus != 0 || regions[0].EndBus != 0 {
		t.Fatalf("unexpected region: %+v", regions[0])
	}
}

func TestParseMCFGRejectsACPI1RSDP(t *testing.T) {
	sys := newTestSystem(t, 8)
	putStruct(sys.frames, testRsdpPhys, rsdpDescriptor{
		Signature: [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '},
		Revision:  0,
	})
	if _, err := ParseMCFG(sys.frames, testRsdpPhys); err != ErrMCFGNotFound {
		t.Fatalf("want ErrMCFGNotFound, got %v", err)
	}
}

func TestManagerEnumerateParsesDeviceAndCapabilities(t *testing.T) {
	sys := newTestSystem(t, 300)
	buildACPITables(sys.frames)
	writeDeviceHeader(sys.frames)

	m := NewManager(sys.space, sys.frames)
	devices, err := m.Enumerate(testRsdpPhys)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("want 1 device, got %d", len(devices))
	}
	d := devices[0]
	if d.VendorID != 0x8086 || d.DeviceID != 0x1234 {
		t.Fatalf("unexpected IDs: vendor=%#x device=%#x", d.VendorID, d.DeviceID)
	}
	if !d.Matches(0x01, 0x08, 0x02) {
		t.Fatalf("want class triple (1,8,2), got (%#x,%#x,%#x)", d.Class, d.Subclass, d.ProgIf)
	}
	if d.Multifunction() {
		t.Fatalf("device should not be multifunction")
	}
	if d.Bars[0].Kind != BarMemory || d.Bars[0].Address != 0xFEE00000 {
		t.Fatalf("unexpected BAR0: %+v", d.Bars[0])
	}
	cap, ok := d.FindCapability(CapPCIExpress)
	if !ok || cap.Offset != 0x40 {
		t.Fatalf("want PCI Express capability at 0x40, got %+v (ok=%v)", cap, ok)
	}
	if d.Express == nil {
		t.Fatalf("want parsed Express capability")
	}
	if d.Express.MaxPayloadSize != 256 || d.Express.LinkSpeed != 1 || d.Express.LinkWidth != 4 {
		t.Fatalf("unexpected Express cap: %+v", *d.Express)
	}

	regions := m.Regions()
	if len(regions) != 1 || regions[0].Virt != kconfig.EcamWindowBase {
		t.Fatalf("want region mapped at EcamWindowBase, got %+v", regions)
	}
	if got, ok := sys.space.Translate(regions[0].Virt); !ok || got != testEcamPhys {
		t.Fatalf("ECAM window not mapped to region base: got (%v,%v)", got, ok)
	}
}

func TestManagerEnumerateSkipsVendorFFFF(t *testing.T) {
	sys := newTestSystem(t, 300)
	buildACPITables(sys.frames)
	// Leave the device's config space zeroed: vendor ID reads as 0x0000,
	// not 0xFFFF, so instead explicitly write the "no device" sentinel.
	r := EcamRegion{Base: testEcamPhys, StartBus: 0, EndBus: 0}
	writeConfig16(sys.frames, r, 0, 0, 0, offVendorID, 0xFFFF)

	m := NewManager(sys.space, sys.frames)
	devices, err := m.Enumerate(testRsdpPhys)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("want 0 devices, got %d", len(devices))
	}
}

func TestManagerMapRegionRejectsExhaustedWindow(t *testing.T) {
	sys := newTestSystem(t, 300)
	buildACPITables(sys.frames)
	writeDeviceHeader(sys.frames)

	m := NewManager(sys.space, sys.frames)
	m.next = kconfig.EcamWindowBase + kconfig.EcamWindowSize - kconfig.PGSIZE // leave less than 1 MiB
	if _, err := m.Enumerate(testRsdpPhys); err != ErrEcamWindowExhausted {
		t.Fatalf("want ErrEcamWindowExhausted, got %v", err)
	}
}
