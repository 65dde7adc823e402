package diag

import (
	"strings"
	"testing"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"

	"novakern/internal/kconfig"
)

func codeAt(t *testing.T, bytes []byte) uintptr {
	t.Helper()
	// pad so the decoder always has maxInstructionBytes to read from,
	// matching what a real code page (never the last few bytes of
	// mapped memory) would look like.
	buf := make([]byte, maxInstructionBytes+len(bytes))
	copy(buf, bytes)
	return uintptr(unsafe.Pointer(&buf[0]))
}

func TestDisassembleDecodesRet(t *testing.T) {
	rip := codeAt(t, []byte{0xC3}) // ret
	inst, err := Disassemble(rip)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if inst.Op != x86asm.RET {
		t.Fatalf("want RET, got %v", inst.Op)
	}
}

func TestDisassembleDecodesRegisterMove(t *testing.T) {
	rip := codeAt(t, []byte{0x48, 0x89, 0xC3}) // mov %rax, %rbx
	inst, err := Disassemble(rip)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if inst.Op != x86asm.MOV {
		t.Fatalf("want MOV, got %v", inst.Op)
	}
	if inst.Len != 3 {
		t.Fatalf("want 3-byte encoding, got %d", inst.Len)
	}
}

func TestDescribeIncludesFaultKindAndAddresses(t *testing.T) {
	rip := codeAt(t, []byte{0x90}) // nop
	r := Report{
		Kind:      PageFault,
		FaultAddr: 0xdeadbeef,
		ErrorCode: 0x2,
		Frame:     kconfig.RegisterFrame{Rip: uint64(rip), Rax: 1, Rbx: 2},
	}
	out := Describe(r)
	if !strings.Contains(out, string(PageFault)) {
		t.Fatalf("output missing fault kind: %q", out)
	}
	if !strings.Contains(out, "deadbeef") {
		t.Fatalf("output missing fault address: %q", out)
	}
	if !strings.Contains(out, "instruction:") {
		t.Fatalf("output missing disassembled instruction: %q", out)
	}
}

func TestDescribeOmitsFaultAddressForDoubleFault(t *testing.T) {
	rip := codeAt(t, []byte{0x90})
	r := Report{Kind: DoubleFault, Frame: kconfig.RegisterFrame{Rip: uint64(rip)}}
	out := Describe(r)
	if strings.Contains(out, "fault address") {
		t.Fatalf("double fault report should not claim a cr2 value: %q", out)
	}
}
