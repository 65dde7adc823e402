package msix

import (
	"runtime"
	"testing"
	"unsafe"

	"novakern/internal/kconfig"
	"novakern/internal/mem"
	"novakern/internal/paging"
	"novakern/internal/pci"
	"novakern/internal/pcivmm"
)

// The ACPI/ECAM table shapes below duplicate internal/pci's (unexported)
// layouts byte-for-byte so this test can hand-build a fake system
// without reaching into that package's internals; only pci's exported
// surface (ParseMCFG, Manager, Device) is used once the device exists.
type rsdpDescriptor struct {
	Signature   [8]byte
	Checksum    uint8
	OEMID       [6]byte
	Revision    uint8
	RsdtAddr    uint32
	Length      uint32
	XsdtAddr    uint64
	ExtChecksum uint8
	_           [3]byte
}

type sdtHeader struct {
	Signature       [4]byte
	Length          uint32
	Revision        uint8
	Checksum        uint8
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       uint32
	CreatorRevision uint32
}

type mcfgEntry struct {
	BaseAddress  uint64
	SegmentGroup uint16
	StartBus     uint8
	EndBus       uint8
	_            uint32
}

const (
	rsdpPhys = mem.Pa(0x0000)
	xsdtPhys = mem.Pa(0x1000)
	mcfgPhys = mem.Pa(0x2000)
	ecamPhys = mem.Pa(0x10000)
	bar1Phys = mem.Pa(0x120000)
)

func put[T any](frames *mem.Allocator, p mem.Pa, v T) { *(*T)(frames.Dmap(p)) = v }

func cfg8(frames *mem.Allocator, off mem.Pa, v uint8)   { *(*uint8)(frames.Dmap(ecamPhys + off)) = v }
func cfg16(frames *mem.Allocator, off mem.Pa, v uint16) { *(*uint16)(frames.Dmap(ecamPhys + off)) = v }
func cfg32(frames *mem.Allocator, off mem.Pa, v uint32) { *(*uint32)(frames.Dmap(ecamPhys + off)) = v }

// buildSystem writes ACPI RSDP/XSDT/MCFG tables plus one function-0
// device at bus 0, slot 0, function 0 that advertises an MSI-X
// capability with a 4-entry table, both backed by BAR1.
func buildSystem(t *testing.T) (*mem.Allocator, *paging.Space) {
	t.Helper()
	const npages = 400
	buf := make([]byte, npages*kconfig.PGSIZE)
	t.Cleanup(func() { runtime.KeepAlive(buf) })
	hddm := uintptr(unsafe.Pointer(&buf[0]))

	content := mem.New(hddm, nil)
	tableFrames := mem.New(hddm, []mem.Region{{
		Base:   0x130000,
		Length: uintptr(npages*kconfig.PGSIZE) - 0x130000,
	}})
	space, err := paging.New(tableFrames)
	if err != nil {
		t.Fatalf("new space: %v", err)
	}

	put(content, rsdpPhys, rsdpDescriptor{
		Signature: [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '},
		Revision:  2,
		XsdtAddr:  uint64(xsdtPhys),
	})
	put(content, xsdtPhys, sdtHeader{
		Signature: [4]byte{'X', 'S', 'D', 'T'},
		Length:    uint32(unsafe.Sizeof(sdtHeader{})) + 8,
	})
	*(*uint64)(unsafe.Pointer(uintptr(content.Dmap(xsdtPhys)) + unsafe.Sizeof(sdtHeader{}))) = uint64(mcfgPhys)

	put(content, mcfgPhys, sdtHeader{
		Signature: [4]byte{'M', 'C', 'F', 'G'},
		Length:    uint32(unsafe.Sizeof(sdtHeader{})) + 8 + uint32(unsafe.Sizeof(mcfgEntry{})),
	})
	*(*mcfgEntry)(unsafe.Pointer(uintptr(content.Dmap(mcfgPhys)) + unsafe.Sizeof(sdtHeader{}) + 8)) = mcfgEntry{
		BaseAddress: uint64(ecamPhys),
	}

	cfg16(content, 0x00, 0x8086)            // vendor ID
	cfg16(content, 0x02, 0x1234)            // device ID
	cfg16(content, 0x06, 1<<4)              // status: capabilities list present
	cfg8(content, 0x08, 0x01)               // revision
	cfg8(content, 0x09, 0x02)               // prog_if
	cfg8(content, 0x0A, 0x08)               // subclass
	cfg8(content, 0x0B, 0x01)               // class (mass storage)
	cfg8(content, 0x0E, 0x00)               // header type 0
	cfg32(content, 0x14, uint32(bar1Phys))  // BAR1: 32-bit memory, non-prefetch
	cfg8(content, 0x34, 0x40)               // capabilities ptr

	// MSI-X capability at 0x40, sole entry in the list.
	cfg8(content, 0x40, pci.CapMSIX)
	cfg8(content, 0x41, 0x00) // next = 0, end of list
	cfg16(content, 0x42, 3)   // control: table_size-1 = 3 -> 4 entries
	cfg32(content, 0x44, uint32(1)|0x1000)    // table BIR=1, offset=0x1000
	cfg32(content, 0x48, uint32(1)|0x2000)    // PBA BIR=1, offset=0x2000

	return content, space
}

func TestFromDeviceParsesCapability(t *testing.T) {
	frames, space := buildSystem(t)
	m := pci.NewManager(space, frames)
	devices, err := m.Enumerate(rsdpPhys)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("want 1 device, got %d", len(devices))
	}
	dev := &devices[0]

	info, ok := FromDevice(frames, dev)
	if !ok {
		t.Fatalf("want MSI-X capability found")
	}
	if info.TableSize != 4 {
		t.Fatalf("want table size 4, got %d", info.TableSize)
	}
	if info.TableBAR != 1 || info.TableOffset != 0x1000 {
		t.Fatalf("unexpected table BAR/offset: bar=%d offset=%#x", info.TableBAR, info.TableOffset)
	}
	if info.PBABAR != 1 || info.PBAOffset != 0x2000 {
		t.Fatalf("unexpected PBA BAR/offset: bar=%d offset=%#x", info.PBABAR, info.PBAOffset)
	}
}

func TestSetupMapsBarsAndZeroesPBA(t *testing.T) {
	frames, space := buildSystem(t)
	m := pci.NewManager(space, frames)
	devices, err := m.Enumerate(rsdpPhys)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	dev := &devices[0]
	info, ok := FromDevice(frames, dev)
	if !ok {
		t.Fatalf("want MSI-X capability found")
	}

	// Poison the PBA region before Setup to verify it gets zeroed.
	*(*uint64)(frames.Dmap(bar1Phys + 0x2000)) = 0xFFFF_FFFF_FFFF_FFFF

	vmm := pcivmm.NewManager(space)
	cache := BarCache{}
	if err := info.Setup(frames, dev, vmm, cache); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if _, ok := cache[1]; !ok {
		t.Fatalf("want BAR1 present in cache after Setup")
	}
	pba := *(*uint64)(frames.Dmap(info.pbaPhys))
	if pba != 0 {
		t.Fatalf("want PBA zeroed by Setup, got %#x", pba)
	}
}

func TestAllocateVectorsWritesMaskedTableEntries(t *testing.T) {
	frames, space := buildSystem(t)
	m := pci.NewManager(space, frames)
	devices, err := m.Enumerate(rsdpPhys)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	dev := &devices[0]
	info, _ := FromDevice(frames, dev)
	vmm := pcivmm.NewManager(space)
	if err := info.Setup(frames, dev, vmm, BarCache{}); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	alloc := NewVectorAllocator()
	vectors, err := info.AllocateVectors(frames, alloc, 2)
	if err != nil {
		t.Fatalf("AllocateVectors: %v", err)
	}
	if len(vectors) != 2 || vectors[1].IRQ != vectors[0].IRQ+1 {
		t.Fatalf("want 2 contiguous vectors, got %+v", vectors)
	}
	if vectors[0].IRQ < kconfig.VecMsiXBase || vectors[0].IRQ >= kconfig.VecMsiXBase+kconfig.VecMsiXCount {
		t.Fatalf("vector out of MSI-X range: %d", vectors[0].IRQ)
	}

	entry := (*tableEntry)(frames.Dmap(info.entryPhys(0)))
	if entry.Data != uint32(vectors[0].IRQ) {
		t.Fatalf("want table entry data %d, got %d", vectors[0].IRQ, entry.Data)
	}
	if entry.Control&vectorMasked == 0 {
		t.Fatalf("want table entry to start masked")
	}

	info.SetMasked(frames, 0, false)
	if entry.Control&vectorMasked != 0 {
		t.Fatalf("want table entry unmasked after SetMasked(false)")
	}

	info.Enable(frames, dev)
	ctrl := dev.ReadConfig16(frames, uint16(info.CapOffset)+capControlOffset)
	if ctrl&msixEnableBit == 0 {
		t.Fatalf("want MSI-X enable bit set after Enable")
	}
}

func TestReadPendingVectorsScansPBA(t *testing.T) {
	frames, space := buildSystem(t)
	m := pci.NewManager(space, frames)
	devices, err := m.Enumerate(rsdpPhys)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	dev := &devices[0]
	info, _ := FromDevice(frames, dev)
	vmm := pcivmm.NewManager(space)
	if err := info.Setup(frames, dev, vmm, BarCache{}); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	*(*uint64)(frames.Dmap(info.pbaPhys)) = (1 << 0) | (1 << 2)

	pending := info.ReadPendingVectors(frames)
	if len(pending) != 2 || pending[0] != 0 || pending[1] != 2 {
		t.Fatalf("want pending [0 2], got %v", pending)
	}
}

func TestVectorAllocatorExhaustion(t *testing.T) {
	a := NewVectorAllocator()
	if _, err := a.AllocateRange(kconfig.VecMsiXCount + 1); err != ErrVectorsExhausted {
		t.Fatalf("want ErrVectorsExhausted, got %v", err)
	}
	base, err := a.AllocateRange(kconfig.VecMsiXCount)
	if err != nil {
		t.Fatalf("allocate full range: %v", err)
	}
	if _, err := a.AllocateRange(1); err != ErrVectorsExhausted {
		t.Fatalf("want exhaustion after consuming whole range, got %v", err)
	}
	a.FreeRange(base, kconfig.VecMsiXCount)
	if _, err := a.AllocateRange(1); err != nil {
		t.Fatalf("want allocation to succeed after FreeRange, got %v", err)
	}
}
