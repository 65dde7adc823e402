package pci

import (
	"unsafe"

	"novakern/internal/klog"
	"novakern/internal/mem"
)

// rsdpDescriptor is the ACPI 2.0+ Root System Description Pointer,
// field-for-field per gopher-os's device/acpi/table RSDP struct and the
// ACPI spec it implements. Only the XSDT (64-bit) path is supported:
// spec.md §4.I targets a 64-bit-only kernel, so the legacy RSDT path an
// ACPI 1.0 RSDP would require is never exercised.
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

// sdtHeader is the common ACPI System Description Table header every
// table (XSDT, MCFG, ...) starts with, per gopher-os's SDTHeader.
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

// mcfgEntry is one entry of the MCFG table's configuration space base
// address allocation structure, per original_source's mcfg.rs.
type mcfgEntry struct {
	BaseAddress  uint64
	SegmentGroup uint16
	StartBus     uint8
	EndBus       uint8
	_            uint32
}

// EcamRegion is one parsed, not-yet-mapped MCFG entry: an ECAM-mapped
// slice of PCI configuration space covering StartBus..EndBus of one
// segment group.
type EcamRegion struct {
	Base     mem.Pa
	Segment  uint16
	StartBus uint8
	EndBus   uint8

	// Virt is the kernel virtual address this region is mapped at, set
	// by Manager.mapRegion. It is zero until mapping happens and exists
	// for diagnostics/kstats; configuration reads and writes go through
	// Base via the direct map instead (see readConfig32's doc comment).
	Virt uintptr
}

// ParseMCFG walks RSDP -> XSDT -> MCFG and returns every ECAM region the
// table describes, per spec.md §4.I point 1. Entries whose base address
// is zero or whose bus range is inverted are skipped with a warning
// rather than rejecting the whole table, matching the Rust original's
// per-entry validation in mcfg.rs.
func ParseMCFG(frames *mem.Allocator, rsdpPhys mem.Pa) ([]EcamRegion, error) {
	rsdp := (*rsdpDescriptor)(frames.Dmap(rsdpPhys))
	if rsdp.Revision < 2 {
		klog.Warnf("pci: ACPI 1.0 RSDP (no XSDT), MCFG unavailable")
		return nil, ErrMCFGNotFound
	}

	mcfgPhys, ok := findTable(frames, mem.Pa(rsdp.XsdtAddr), "MCFG")
	if !ok {
		return nil, ErrMCFGNotFound
	}

	mcfgHdr := (*sdtHeader)(frames.Dmap(mcfgPhys))
	const reserved = 8
	headerSize := unsafe.Sizeof(sdtHeader{}) + reserved
	if uintptr(mcfgHdr.Length) < headerSize {
		return nil, ErrMCFGNotFound
	}
	count := (int(mcfgHdr.Length) - int(headerSize)) / int(unsafe.Sizeof(mcfgEntry{}))
	entriesBase := uintptr(frames.Dmap(mcfgPhys)) + headerSize
	raw := unsafe.Slice((*mcfgEntry)(unsafe.Pointer(entriesBase)), count)

	regions := make([]EcamRegion, 0, count)
	for _, e := range raw {
		if e.BaseAddress == 0 || e.EndBus < e.StartBus {
			klog.Warnf("pci: skipping invalid MCFG entry base=%#x segment=%d buses=%d-%d",
				e.BaseAddress, e.SegmentGroup, e.StartBus, e.EndBus)
			continue
		}
		regions = append(regions, EcamRegion{
			Base:     mem.Pa(e.BaseAddress),
			Segment:  e.SegmentGroup,
			StartBus: e.StartBus,
			EndBus:   e.EndBus,
		})
	}
	if len(regions) == 0 {
		return nil, ErrMCFGNotFound
	}
	return regions, nil
}

// findTable walks the XSDT's array of 64-bit table pointers looking for
// one whose signature matches sig.
func findTable(frames *mem.Allocator, xsdtPhys mem.Pa, sig string) (mem.Pa, bool) {
	xsdtHdr := (*sdtHeader)(frames.Dmap(xsdtPhys))
	n := (int(xsdtHdr.Length) - int(unsafe.Sizeof(sdtHeader{}))) / 8
	if n <= 0 {
		return 0, false
	}
	entriesBase := uintptr(frames.Dmap(xsdtPhys)) + unsafe.Sizeof(sdtHeader{})
	ptrs := unsafe.Slice((*uint64)(unsafe.Pointer(entriesBase)), n)

	for _, p := range ptrs {
		h := (*sdtHeader)(frames.Dmap(mem.Pa(p)))
		if string(h.Signature[:]) == sig {
			return mem.Pa(p), true
		}
	}
	return 0, false
}
