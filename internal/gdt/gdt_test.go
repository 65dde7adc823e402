package gdt

import (
	"testing"
	"unsafe"

	"novakern/internal/kconfig"
)

func TestFlatSegmentDescriptorsHaveExpectedBits(t *testing.T) {
	tbl := New()

	if tbl.entries[0] != 0 {
		t.Fatalf("null descriptor must be zero, got %#x", tbl.entries[0])
	}
	for i, want := range []struct {
		idx  int
		val  uint64
		name string
	}{
		{1, kernelCodeVal, "kernel code"},
		{2, kernelDataVal, "kernel data"},
		{3, userCodeVal, "user code32 placeholder"},
		{4, userDataVal, "user data"},
		{5, userCodeVal, "user code"},
	} {
		if got := tbl.entries[want.idx]; got != want.val {
			t.Fatalf("entry %d (%s): got %#x, want %#x", i, want.name, got, want.val)
		}
	}
}

func TestSelectorsMatchGDTLayout(t *testing.T) {
	// Each selector's index*8 must match its slot in New()'s entries
	// array, since LoadGDT/CS/TR all address entries by selector value.
	cases := []struct {
		sel  uint16
		slot int
	}{
		{KernelCode, 1},
		{KernelData, 2},
		{UserCode32, 3},
		{UserData &^ 3, 4},
		{UserCode &^ 3, 5},
		{TSSSel, 6},
	}
	for _, c := range cases {
		if got := int(c.sel) / 8; got != c.slot {
			t.Fatalf("selector %#x: computed slot %d, want %d", c.sel, got, c.slot)
		}
	}
}

func TestTSSDescriptorEncodesBaseAcrossBothQwords(t *testing.T) {
	tbl := New()
	base := tssBase(tbl)

	lo, hi := tbl.entries[6], tbl.entries[7]
	gotLow24 := (lo >> 16) & 0xffffff
	gotMid8 := (lo >> 56) & 0xff
	gotHigh32 := hi

	wantLow24 := base & 0xffffff
	wantMid8 := (base >> 24) & 0xff
	wantHigh32 := base >> 32

	if gotLow24 != wantLow24 || gotMid8 != wantMid8 || gotHigh32 != wantHigh32 {
		t.Fatalf("tss base not packed correctly: base=%#x lo=%#x hi=%#x", base, lo, hi)
	}
}

func TestISTStacksAreDistinctAndSized(t *testing.T) {
	tbl := New()
	dfTop := tbl.tss.ist[kconfig.IdtDoubleFaultIST-1]
	timerTop := tbl.tss.ist[kconfig.IdtTimerIST-1]
	if dfTop == 0 || timerTop == 0 {
		t.Fatal("IST stack top not set")
	}
	if dfTop == timerTop {
		t.Fatal("double-fault and timer IST stacks alias the same memory")
	}
	if got := dfTop - uint64(uintptr(unsafe.Pointer(&tbl.doubleFault))); got != kconfig.ISTStackSize {
		t.Fatalf("double-fault IST stack is %d bytes, want %d", got, kconfig.ISTStackSize)
	}
	if got := timerTop - uint64(uintptr(unsafe.Pointer(&tbl.timer))); got != kconfig.ISTStackSize {
		t.Fatalf("timer IST stack is %d bytes, want %d", got, kconfig.ISTStackSize)
	}
}
