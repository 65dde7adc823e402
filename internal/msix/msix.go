package msix

import (
	"novakern/internal/mem"
	"novakern/internal/pci"
	"novakern/internal/pcivmm"
)

const (
	capControlOffset = 2
	capTableOffset   = 4
	capPBAOffset     = 8
	entrySize        = 16 // bytes per MSI-X table entry
	msixEnableBit    = 1 << 15
	vectorMasked     = 1 << 0
	msiAddrBase      = 0xFEE00000 // cpu_id 0 per spec.md §4.K
)

// Info is one device's parsed MSI-X capability plus, once Setup has
// run, the physical/virtual addresses of its table and PBA.
type Info struct {
	CapOffset   uint8
	TableSize   int
	TableBAR    uint8
	TableOffset uint32
	PBABAR      uint8
	PBAOffset   uint32

	tablePhys mem.Pa
	tableVirt uintptr
	pbaPhys   mem.Pa
	pbaVirt   uintptr

	baseVector uint8
	nVectors   int
}

// tableEntry is one 16-byte MSI-X table slot, written directly into the
// device's memory BAR.
type tableEntry struct {
	AddrLow  uint32
	AddrHigh uint32
	Data     uint32
	Control  uint32
}

func pbaQwords(tableSize int) int { return (tableSize + 63) / 64 }

// FromDevice reads dev's MSI-X capability control word and the
// table/PBA BIR+offset fields, per spec.md §4.K point 1. It returns
// false if dev has no MSI-X capability.
func FromDevice(frames *mem.Allocator, dev *pci.Device) (*Info, bool) {
	cap, ok := dev.FindCapability(pci.CapMSIX)
	if !ok {
		return nil, false
	}
	ctrl := dev.ReadConfig16(frames, uint16(cap.Offset)+capControlOffset)
	tableRaw := dev.ReadConfig32(frames, uint16(cap.Offset)+capTableOffset)
	pbaRaw := dev.ReadConfig32(frames, uint16(cap.Offset)+capPBAOffset)
	return &Info{
		CapOffset:   cap.Offset,
		TableSize:   int(ctrl&0x7FF) + 1,
		TableBAR:    uint8(tableRaw & 0x7),
		TableOffset: tableRaw &^ 0x7,
		PBABAR:      uint8(pbaRaw & 0x7),
		PBAOffset:   pbaRaw &^ 0x7,
	}, true
}

// BarCache tracks which of a device's BARs have already been mapped
// through internal/pcivmm, shared across MSI-X setup and whatever else
// (internal/nvme's own BAR0 bring-up) maps BARs for the same device, per
// spec.md §4.K point 2's "skipping already-mapped BARs".
type BarCache map[uint8]*pcivmm.BarMapping

// ensureBarMapped maps dev's BAR index bar for at least minBytes if it
// is not already present in cache. A BAR mapped by an earlier,
// larger-or-equal request is assumed to already cover minBytes: this
// kernel never shrinks or grows an existing BAR mapping in place.
func ensureBarMapped(dev *pci.Device, vmm *pcivmm.Manager, cache BarCache, bar uint8, minBytes uintptr) (*pcivmm.BarMapping, error) {
	if m, ok := cache[bar]; ok {
		return m, nil
	}
	b := dev.Bars[bar]
	desc, err := vmm.MapMemoryBAR(mem.Pa(b.Address), minBytes, b.Prefetchable)
	if err != nil {
		return nil, err
	}
	cache[bar] = desc
	return desc, nil
}

// Setup maps the table and PBA BARs (via vmm, reusing cache entries
// already mapped for this device), computes the table and PBA physical
// and virtual addresses, and zeroes the PBA, per spec.md §4.K points
// 2-3.
func (info *Info) Setup(frames *mem.Allocator, dev *pci.Device, vmm *pcivmm.Manager, cache BarCache) error {
	tableBytes := uintptr(info.TableOffset) + uintptr(info.TableSize)*entrySize
	tableBar, err := ensureBarMapped(dev, vmm, cache, info.TableBAR, tableBytes)
	if err != nil {
		return err
	}
	pbaBytes := uintptr(info.PBAOffset) + uintptr(pbaQwords(info.TableSize)*8)
	pbaBar, err := ensureBarMapped(dev, vmm, cache, info.PBABAR, pbaBytes)
	if err != nil {
		return err
	}

	info.tablePhys = tableBar.Phys + mem.Pa(info.TableOffset)
	info.tableVirt = tableBar.Virt + uintptr(info.TableOffset)
	info.pbaPhys = pbaBar.Phys + mem.Pa(info.PBAOffset)
	info.pbaVirt = pbaBar.Virt + uintptr(info.PBAOffset)

	clear(frames.DmapBytes(info.pbaPhys, pbaQwords(info.TableSize)*8))
	return nil
}

// entryPhys, AllocateVectors, SetMasked, and ReadPendingVectors all
// dereference table/PBA bytes through the direct-map alias
// (tablePhys/pbaPhys), not through tableVirt/pbaVirt: this is the same
// "literal kernel VA vs. Go-reachable alias" precedent internal/heap,
// internal/syscall, and internal/pci established, and it is what makes
// ensureBarMapped's "assume an already-cached BAR mapping is big
// enough" simplification harmless — the mapped virtual window's size
// never gates a byte of the actual table/PBA traffic.

func (info *Info) entryPhys(i int) mem.Pa { return info.tablePhys + mem.Pa(i*entrySize) }

// AllocateVectors allocates n contiguous interrupt vectors from alloc
// and writes a masked table entry for each, per spec.md §4.K point 4.
func (info *Info) AllocateVectors(frames *mem.Allocator, alloc *VectorAllocator, n int) ([]Vector, error) {
	base, err := alloc.AllocateRange(n)
	if err != nil {
		return nil, err
	}
	vectors := make([]Vector, n)
	for i := 0; i < n; i++ {
		irq := base + uint8(i)
		e := (*tableEntry)(frames.Dmap(info.entryPhys(i)))
		e.AddrLow = msiAddrBase
		e.AddrHigh = 0
		e.Data = uint32(irq)
		e.Control = vectorMasked
		vectors[i] = Vector{Index: i, IRQ: irq}
	}
	info.baseVector = base
	info.nVectors = n
	return vectors, nil
}

// Vector is one allocated MSI-X table slot: Index is the slot's
// position in the device's table, IRQ is the global interrupt vector
// routed to it.
type Vector struct {
	Index int
	IRQ   uint8
}

// Enable sets the MSI-X Enable bit in the capability control word, per
// spec.md §4.K point 5. Callers are expected to have unmasked whichever
// vectors should fire before calling Enable.
func (info *Info) Enable(frames *mem.Allocator, dev *pci.Device) {
	ctrl := dev.ReadConfig16(frames, uint16(info.CapOffset)+capControlOffset)
	dev.WriteConfig16(frames, uint16(info.CapOffset)+capControlOffset, ctrl|msixEnableBit)
}

// SetMasked toggles bit 0 of table entry index's vector-control word.
func (info *Info) SetMasked(frames *mem.Allocator, index int, masked bool) {
	e := (*tableEntry)(frames.Dmap(info.entryPhys(index)))
	if masked {
		e.Control |= vectorMasked
	} else {
		e.Control &^= vectorMasked
	}
}

// ReadPendingVectors scans the PBA qword-by-qword and returns the table
// indices whose pending bit is set.
func (info *Info) ReadPendingVectors(frames *mem.Allocator) []int {
	var pending []int
	for q := 0; q < pbaQwords(info.TableSize); q++ {
		word := *(*uint64)(frames.Dmap(info.pbaPhys + mem.Pa(q*8)))
		for b := 0; b < 64; b++ {
			idx := q*64 + b
			if idx >= info.TableSize {
				break
			}
			if word&(1<<uint(b)) != 0 {
				pending = append(pending, idx)
			}
		}
	}
	return pending
}
