package syscall

import (
	"runtime"
	"testing"
	"unsafe"

	"novakern/internal/kconfig"
	"novakern/internal/klog"
	"novakern/internal/mem"
	"novakern/internal/paging"
)

type captureSink struct{ got []byte }

func (c *captureSink) Write(p []byte) (int, error) {
	c.got = append(c.got, p...)
	return len(p), nil
}

func newTestSpace(t *testing.T, npages int) (*paging.Space, *mem.Allocator) {
	t.Helper()
	buf := make([]byte, npages*kconfig.PGSIZE)
	t.Cleanup(func() { runtime.KeepAlive(buf) })
	hddm := uintptr(unsafe.Pointer(&buf[0]))
	frames := mem.New(hddm, []mem.Region{{Base: 0, Length: uintptr(npages * kconfig.PGSIZE)}})
	space, err := paging.New(frames)
	if err != nil {
		t.Fatalf("new space: %v", err)
	}
	return space, frames
}

func TestValidateUserBuffer(t *testing.T) {
	cases := []struct {
		ptr, n uintptr
		want   bool
	}{
		{0x1000, 0x100, true},
		{userSpaceLimit - 1, 1, true},
		{userSpaceLimit, 1, false},
		{userSpaceLimit - 1, 2, false},
		{^uintptr(0) - 4, 16, false}, // overflow
	}
	for _, c := range cases {
		if got := validateUserBuffer(c.ptr, c.n); got != c.want {
			t.Fatalf("validateUserBuffer(%#x, %#x) = %v, want %v", c.ptr, c.n, got, c.want)
		}
	}
}

func TestSysWriteCopiesMappedUserBuffer(t *testing.T) {
	space, frames := newTestSpace(t, 64)

	var sink captureSink
	klog.AddSink(&sink)

	const va = uintptr(0x2000)
	frame, err := frames.AllocateFrame()
	if err != nil {
		t.Fatalf("allocate frame: %v", err)
	}
	if err := space.MapTo(va, frame, paging.Write|paging.User); err != nil {
		t.Fatalf("map: %v", err)
	}
	msg := []byte("hello kernel")
	copy(frames.DmapBytes(frame, len(msg)), msg)

	d := &Dispatcher{
		CurrentSpace: func() *paging.Space { return space },
		Frames:       frames,
	}
	regs := &kconfig.RegisterFrame{
		Rax: SysWrite,
		Rdi: FdStdout,
		Rsi: uint64(va),
		Rdx: uint64(len(msg)),
	}
	d.Dispatch(regs)
	if regs.Rax != uint64(len(msg)) {
		t.Fatalf("want %d bytes written, got %d (rax=%#x)", len(msg), regs.Rax, regs.Rax)
	}
	if string(sink.got) != string(msg) {
		t.Fatalf("sink got %q, want %q", sink.got, msg)
	}
}

func TestSysWriteRejectsUnmappedBuffer(t *testing.T) {
	space, frames := newTestSpace(t, 64)
	d := &Dispatcher{
		CurrentSpace: func() *paging.Space { return space },
		Frames:       frames,
	}
	regs := &kconfig.RegisterFrame{
		Rax: SysWrite,
		Rdi: FdStdout,
		Rsi: 0x9000, // never mapped
		Rdx: 4,
	}
	d.Dispatch(regs)
	if regs.Rax != NoReturn {
		t.Fatalf("want NoReturn for unmapped buffer, got %#x", regs.Rax)
	}
}

func TestSysWriteRejectsBadFd(t *testing.T) {
	space, frames := newTestSpace(t, 64)
	d := &Dispatcher{
		CurrentSpace: func() *paging.Space { return space },
		Frames:       frames,
	}
	regs := &kconfig.RegisterFrame{Rax: SysWrite, Rdi: 7, Rsi: 0x1000, Rdx: 1}
	d.Dispatch(regs)
	if regs.Rax != NoReturn {
		t.Fatalf("want NoReturn for bad fd, got %#x", regs.Rax)
	}
}

func TestDispatchExitInvokesCallback(t *testing.T) {
	var gotCode int32 = -1
	d := &Dispatcher{Exit: func(code int32) { gotCode = code }}
	regs := &kconfig.RegisterFrame{Rax: SysExit, Rdi: 7}
	d.Dispatch(regs)
	if gotCode != 7 {
		t.Fatalf("want exit code 7, got %d", gotCode)
	}
}

func TestDispatchReadIsUnimplemented(t *testing.T) {
	d := &Dispatcher{}
	regs := &kconfig.RegisterFrame{Rax: SysRead}
	d.Dispatch(regs)
	if regs.Rax != NoReturn {
		t.Fatalf("want NoReturn for read, got %#x", regs.Rax)
	}
}

func TestDispatchUnknownCallIsNoReturn(t *testing.T) {
	d := &Dispatcher{}
	regs := &kconfig.RegisterFrame{Rax: 99}
	d.Dispatch(regs)
	if regs.Rax != NoReturn {
		t.Fatalf("want NoReturn for unknown call, got %#x", regs.Rax)
	}
}
