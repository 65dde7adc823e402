// Package diag renders a human-readable diagnostic for a page fault, a
// general protection fault, or a double fault. internal/interrupt
// installs handlers for page fault and double fault (and for
// breakpoint, which carries no diagnostic of its own); it installs no
// general protection handler. It is the natural complement
// to the teacher's raw Pa_t/pointer-heavy fault paths — rather than
// dumping only a register frame and a faulting address, it disassembles
// the instruction at RIP so a panic log reads like a debugger's "next
// instruction" line instead of a bare hex dump.
package diag

import (
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"

	"novakern/internal/kconfig"
)

// maxInstructionBytes bounds the longest possible x86 instruction
// encoding; Decode never needs more than this to recognize an
// instruction or fail trying.
const maxInstructionBytes = 15

// FaultKind identifies which of the three diagnosable exceptions
// produced a Report.
type FaultKind string

const (
	PageFault         FaultKind = "page fault"
	GeneralProtection FaultKind = "general protection fault"
	DoubleFault       FaultKind = "double fault"
)

// Report is everything internal/klog.Fatalf needs to render a fault
// diagnostic: the kind of exception, the register frame the trampoline
// saved, the CPU's error code (page fault and GP both push one; double
// fault's is always zero), and the faulting linear address CR2 holds
// for a page fault.
type Report struct {
	Kind      FaultKind
	Frame     kconfig.RegisterFrame
	ErrorCode uint64
	FaultAddr uintptr
}

// readInstructionBytes returns up to maxInstructionBytes of memory
// starting at rip. Kernel code pages are always mapped and present by
// the time a handler runs, so this is a plain reinterpretation of
// already-live memory, the same kind of unsafe aliasing
// internal/heap and internal/mem use to view a physical frame as a
// []byte.
func readInstructionBytes(rip uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(rip)), maxInstructionBytes)
}

// Disassemble decodes the single 64-bit-mode instruction at rip. It
// never panics: an undecodable byte sequence (a fault inside corrupted
// or non-code memory) returns the decode error as-is so the caller can
// still render the rest of the report.
func Disassemble(rip uintptr) (x86asm.Inst, error) {
	return x86asm.Decode(readInstructionBytes(rip), 64)
}

// Describe renders r as a multi-line diagnostic: the fault kind, the
// faulting address and error code, the full register frame, and the
// disassembled faulting instruction (or its raw bytes and the decode
// error, if it could not be decoded).
func Describe(r Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s at rip=%#x\n", r.Kind, r.Frame.Rip)
	if r.Kind == PageFault {
		fmt.Fprintf(&b, "  fault address (cr2): %#x\n", r.FaultAddr)
	}
	fmt.Fprintf(&b, "  error code: %#x\n", r.ErrorCode)

	inst, err := Disassemble(uintptr(r.Frame.Rip))
	if err != nil {
		raw := readInstructionBytes(uintptr(r.Frame.Rip))[:8]
		fmt.Fprintf(&b, "  instruction: <undecodable: %v> bytes=% x\n", err, raw)
	} else {
		fmt.Fprintf(&b, "  instruction: %s\n", x86asm.GNUSyntax(inst, uint64(r.Frame.Rip), nil))
	}

	fmt.Fprintf(&b, "  rax=%#x rbx=%#x rcx=%#x rdx=%#x\n", r.Frame.Rax, r.Frame.Rbx, r.Frame.Rcx, r.Frame.Rdx)
	fmt.Fprintf(&b, "  rsi=%#x rdi=%#x rbp=%#x rsp=%#x\n", r.Frame.Rsi, r.Frame.Rdi, r.Frame.Rbp, r.Frame.Rsp)
	fmt.Fprintf(&b, "  r8=%#x  r9=%#x  r10=%#x r11=%#x\n", r.Frame.R8, r.Frame.R9, r.Frame.R10, r.Frame.R11)
	fmt.Fprintf(&b, "  r12=%#x r13=%#x r14=%#x r15=%#x\n", r.Frame.R12, r.Frame.R13, r.Frame.R14, r.Frame.R15)
	fmt.Fprintf(&b, "  cs=%#x ss=%#x rflags=%#x\n", r.Frame.Cs, r.Frame.Ss, r.Frame.Rflags)
	return b.String()
}
