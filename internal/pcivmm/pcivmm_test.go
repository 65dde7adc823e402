package pcivmm

import (
	"runtime"
	"testing"
	"unsafe"

	"novakern/internal/kconfig"
	"novakern/internal/mem"
	"novakern/internal/paging"
)

func newTestManager(t *testing.T, npages int) (*Manager, *mem.Allocator) {
	t.Helper()
	buf := make([]byte, npages*kconfig.PGSIZE)
	t.Cleanup(func() { runtime.KeepAlive(buf) })
	hddm := uintptr(unsafe.Pointer(&buf[0]))
	frames := mem.New(hddm, []mem.Region{{Base: 0, Length: uintptr(npages * kconfig.PGSIZE)}})
	space, err := paging.New(frames)
	if err != nil {
		t.Fatalf("new space: %v", err)
	}
	return NewManager(space), frames
}

func TestMapMemoryBARRoundsUpAndTranslates(t *testing.T) {
	m, _ := newTestManager(t, 64)
	// A device BAR's physical memory need not be a frame this
	// allocator owns; any page-aligned physical address works for
	// Translate's purposes.
	const phys = mem.Pa(0xE000_0000)

	desc, err := m.MapMemoryBAR(phys, kconfig.PGSIZE+1, false)
	if err != nil {
		t.Fatalf("MapMemoryBAR: %v", err)
	}
	if desc.pages != 2 {
		t.Fatalf("want size rounded up to 2 pages, got %d", desc.pages)
	}
	if desc.Virt != kconfig.PciVmmBase {
		t.Fatalf("want first mapping at PciVmmBase, got %#x", desc.Virt)
	}
	got, ok := m.space.Translate(desc.Virt)
	if !ok || got != phys {
		t.Fatalf("translate: got (%v,%v), want (%v,true)", got, ok, phys)
	}
	got2, ok := m.space.Translate(desc.Virt + kconfig.PGSIZE)
	if !ok || got2 != phys+kconfig.PGSIZE {
		t.Fatalf("translate second page: got (%v,%v)", got2, ok)
	}

	allocated, free, _, _ := m.Stats()
	if allocated != 2 || free != totalPages-2 {
		t.Fatalf("unexpected stats: allocated=%d free=%d", allocated, free)
	}
}

func TestUnmapBARClearsBitsAndRewindsHint(t *testing.T) {
	m, _ := newTestManager(t, 64)

	d1, err := m.MapMemoryBAR(0x1000_0000, kconfig.PGSIZE, false)
	if err != nil {
		t.Fatalf("map d1: %v", err)
	}
	d2, err := m.MapMemoryBAR(0x2000_0000, kconfig.PGSIZE, true)
	if err != nil {
		t.Fatalf("map d2: %v", err)
	}
	if d2.Virt <= d1.Virt {
		t.Fatalf("want d2 mapped after d1: d1=%#x d2=%#x", d1.Virt, d2.Virt)
	}

	m.UnmapBAR(d1)
	allocated, _, _, _ := m.Stats()
	if allocated != 1 {
		t.Fatalf("want 1 page still allocated after unmapping d1, got %d", allocated)
	}
	if m.hint != d1.startPage {
		t.Fatalf("want hint rewound to d1's page %d, got %d", d1.startPage, m.hint)
	}
	if _, ok := m.space.Translate(d1.Virt); ok {
		t.Fatalf("d1 still translates after unmap")
	}

	// A fresh allocation should reuse d1's freed page rather than
	// continuing to bump forward.
	d3, err := m.MapMemoryBAR(0x3000_0000, kconfig.PGSIZE, false)
	if err != nil {
		t.Fatalf("map d3: %v", err)
	}
	if d3.Virt != d1.Virt {
		t.Fatalf("want d3 to reuse d1's freed page %#x, got %#x", d1.Virt, d3.Virt)
	}
}

func TestMapMemoryBARNonPrefetchableSetsNoCache(t *testing.T) {
	m, _ := newTestManager(t, 64)
	if _, err := m.MapMemoryBAR(0x4000_0000, kconfig.PGSIZE, false); err != nil {
		t.Fatalf("MapMemoryBAR: %v", err)
	}
	// Mapping succeeded through paging.MapTo with NoCache set; paging's
	// own tests cover the PTE bit itself, so here we only assert the
	// call path didn't error and the page translates.
	if _, ok := m.space.Translate(kconfig.PciVmmBase); !ok {
		t.Fatalf("expected mapping to translate")
	}
}
