// Package boot decodes the bootloader hand-off structure the kernel
// entry point receives by address: framebuffer info, the physical
// memory map, the higher-half direct-map offset, and the ACPI RSDP
// physical address, per spec.md §6's "Bootloader hand-off (input)".
//
// Grounded on iansmith-mazarin's FramebufferInfo (src/go/mazarin/
// framebuffer_common.go) for the framebuffer field shape, generalized
// with the pixel-format/channel-mask fields spec.md §6 additionally
// requires, and on biscuit/src/mem/dmap.go for the direct-map-offset
// concept this package threads through to internal/mem.New.
package boot

import (
	"unsafe"

	"novakern/internal/mem"
)

// maxMemoryRegions bounds the fixed-size region table the bootloader's
// hand-off structure carries; the structure is passed by address as a
// single fixed blob, not a slice, so its capacity must be bounded in
// advance.
const maxMemoryRegions = 64

// PixelFormat enumerates the framebuffer's channel ordering.
type PixelFormat uint32

const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatRGB
	PixelFormatBGR
)

// ChannelMask describes one colour channel's bit size and shift within
// a framebuffer pixel.
type ChannelMask struct {
	Size  uint8
	Shift uint8
}

// rawChannelMask is ChannelMask's on-the-wire layout.
type rawChannelMask struct {
	Size  uint8
	Shift uint8
}

// rawFramebuffer is the framebuffer section of the bootloader's
// hand-off structure, exactly as laid out in memory.
type rawFramebuffer struct {
	Addr   uint64
	Width  uint32
	Height uint32
	Pitch  uint32
	Format uint32
	Red    rawChannelMask
	Green  rawChannelMask
	Blue   rawChannelMask
	Alpha  rawChannelMask
	_      [4]byte // pad to 8-byte alignment
}

// rawMemoryRegion is one [Base, Base+Length) usable physical memory
// range, matching internal/mem.Region's shape at the wire level.
type rawMemoryRegion struct {
	Base   uint64
	Length uint64
}

// rawBootInfo is the bootloader hand-off structure's exact in-memory
// layout, per spec.md §6.
type rawBootInfo struct {
	Framebuffer       rawFramebuffer
	HDDMOffset        uint64
	RsdpPhysAddr      uint64
	MemoryRegionCount uint32
	_                 uint32
	MemoryRegions     [maxMemoryRegions]rawMemoryRegion
}

// FramebufferInfo is the decoded framebuffer description carried in
// Info.Framebuffer.
type FramebufferInfo struct {
	Addr          uintptr
	Width, Height uint32
	Pitch         uint32
	Format        PixelFormat
	Red, Green, Blue, Alpha ChannelMask
}

// Info is the decoded bootloader hand-off: the framebuffer description,
// the usable physical memory map, the higher-half direct-map offset,
// and the ACPI RSDP's physical address.
type Info struct {
	Framebuffer  FramebufferInfo
	MemoryMap    []mem.Region
	HDDMOffset   uintptr
	RsdpPhysAddr mem.Pa
}

func decodeChannelMask(r rawChannelMask) ChannelMask {
	return ChannelMask{Size: r.Size, Shift: r.Shift}
}

// Parse decodes the bootloader hand-off structure at addr. addr must
// point to a live rawBootInfo for the lifetime of this call; the
// decoded Info copies every field it needs out of that memory, so the
// caller may discard the bootloader's structure once Parse returns.
func Parse(addr uintptr) *Info {
	raw := (*rawBootInfo)(unsafe.Pointer(addr))

	fb := raw.Framebuffer
	info := &Info{
		Framebuffer: FramebufferInfo{
			Addr:   uintptr(fb.Addr),
			Width:  fb.Width,
			Height: fb.Height,
			Pitch:  fb.Pitch,
			Format: PixelFormat(fb.Format),
			Red:    decodeChannelMask(fb.Red),
			Green:  decodeChannelMask(fb.Green),
			Blue:   decodeChannelMask(fb.Blue),
			Alpha:  decodeChannelMask(fb.Alpha),
		},
		HDDMOffset:   uintptr(raw.HDDMOffset),
		RsdpPhysAddr: mem.Pa(raw.RsdpPhysAddr),
	}

	count := int(raw.MemoryRegionCount)
	if count > maxMemoryRegions {
		count = maxMemoryRegions
	}
	info.MemoryMap = make([]mem.Region, count)
	for i := 0; i < count; i++ {
		info.MemoryMap[i] = mem.Region{
			Base:   uintptr(raw.MemoryRegions[i].Base),
			Length: uintptr(raw.MemoryRegions[i].Length),
		}
	}
	return info
}
