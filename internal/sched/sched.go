// Package sched is the preemptive round-robin task scheduler: a ready
// queue, a vector-keyed sleep/wake map, and the context-switch step an
// interrupt entry trampoline calls on every timer tick.
//
// Grounded on the Rust original's tasks/scheduler.rs: the same
// TaskRegisters layout (kconfig.RegisterFrame, fifteen GPRs pushed by
// the entry stub followed by the five words the CPU pushes on trap
// entry), the same Ready/Running/Terminated task states, and the same
// schedule_inner shape — reap a terminated task at the front of the
// queue, save the interrupted task's registers, requeue it at the
// back, and splice in the new front task's saved registers. The
// sleep/wake map is this kernel's own supplement: the Rust original's
// scheduler never blocks a task on anything but preemption, but
// spec.md §4.F requires tasks to be able to sleep on a vector (an
// NVMe completion, a DMA buffer becoming free) and be woken by it.
// Per-task accounting is grounded on biscuit/src/accnt/accnt.go's
// Accnt_t (Userns/Sysns nanosecond counters, atomic updates, a Finish
// step that folds remaining runtime in before the numbers are read).
package sched

import (
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"novakern/internal/gdt"
	"novakern/internal/kconfig"
	"novakern/internal/paging"
	"novakern/internal/stack"
)

// State is a task's scheduling state.
type State int

const (
	Ready State = iota
	Running
	Sleeping
	Terminated
)

// Accnt accumulates per-task CPU time, mirroring accnt.Accnt_t.
type Accnt struct {
	mu      sync.Mutex
	Userns  int64
	Sysns   int64
}

// Utadd adds delta nanoseconds of user time.
func (a *Accnt) Utadd(delta int64) { atomic.AddInt64(&a.Userns, delta) }

// Systadd adds delta nanoseconds of system time.
func (a *Accnt) Systadd(delta int64) { atomic.AddInt64(&a.Sysns, delta) }

// Finish folds the time elapsed since startNs into system time, the
// same final settling step accnt.Accnt_t.Finish performs when a task
// exits.
func (a *Accnt) Finish(startNs int64) {
	a.Systadd(time.Now().UnixNano() - startNs)
}

// Snapshot returns a consistent (Userns, Sysns) pair.
func (a *Accnt) Snapshot() (userns, sysns int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Userns, a.Sysns
}

// Kind distinguishes a kernel task (shares the kernel address space,
// no user stack) from a user task (its own address space and user
// stack, entered at ring 3).
type Kind int

const (
	Kernel Kind = iota
	User
)

// Task is one schedulable unit of execution.
type Task struct {
	ID    uint64
	Kind  Kind
	State State
	Regs  kconfig.RegisterFrame
	Accnt Accnt

	kstackSlot int
	userStack  *stack.UserStack
	addrSpace  *paging.Space

	waitKey uint64
}

// AddrSpace returns the task's page table, or nil for a kernel task
// that runs in the shared kernel address space.
func (t *Task) AddrSpace() *paging.Space { return t.addrSpace }

// UserStack returns the task's growable user stack, or nil for a
// kernel task.
func (t *Task) UserStack() *stack.UserStack { return t.userStack }

// Scheduler owns the ready queue, the sleep/wake map, and hands out
// task IDs. One lock guards all three, never held across a task's own
// execution — only across the bookkeeping steps below.
type Scheduler struct {
	mu       sync.Mutex
	ready    []*Task
	sleeping map[uint64][]*Task
	current  *Task
	nextID   uint64
	slab     *stack.KernelSlab
}

// New returns an empty scheduler. slab supplies kernel stacks for
// SpawnKernel.
func New(slab *stack.KernelSlab) *Scheduler {
	return &Scheduler{sleeping: make(map[uint64][]*Task), slab: slab}
}

func funcAddr(fn func()) uint64 {
	return uint64(reflect.ValueOf(fn).Pointer())
}

// SpawnKernel allocates a kernel stack from the slab and enqueues a
// new Ready task whose register frame resumes execution at entry on
// ring 0, interrupts enabled (RFLAGS.IF).
func (s *Scheduler) SpawnKernel(entry func()) (*Task, error) {
	top, slot, err := s.slab.Alloc()
	if err != nil {
		return nil, err
	}
	t := &Task{Kind: Kernel, State: Ready, kstackSlot: slot}
	t.Regs.Rip = funcAddr(entry)
	t.Regs.Cs = uint64(gdt.KernelCode)
	t.Regs.Ss = uint64(gdt.KernelData)
	t.Regs.Rsp = uint64(top)
	t.Regs.Rflags = 0x202 // IF set, reserved bit 1 set

	s.mu.Lock()
	t.ID = s.nextID
	s.nextID++
	s.ready = append(s.ready, t)
	s.mu.Unlock()
	return t, nil
}

// SpawnUser enqueues a new Ready task that resumes at entry on ring 3
// with its own address space and user stack.
func (s *Scheduler) SpawnUser(entry uintptr, addrSpace *paging.Space, ustack *stack.UserStack) (*Task, error) {
	_, kslot, err := s.slab.Alloc()
	if err != nil {
		return nil, err
	}
	t := &Task{
		Kind:       User,
		State:      Ready,
		kstackSlot: kslot,
		userStack:  ustack,
		addrSpace:  addrSpace,
	}
	t.Regs.Rip = uint64(entry)
	t.Regs.Cs = uint64(gdt.UserCode)
	t.Regs.Ss = uint64(gdt.UserData)
	t.Regs.Rsp = uint64(ustack.Top)
	t.Regs.Rflags = 0x202

	s.mu.Lock()
	t.ID = s.nextID
	s.nextID++
	s.ready = append(s.ready, t)
	s.mu.Unlock()
	return t, nil
}

// popReady removes and returns the front of the ready queue, or nil
// if it is empty. Callers hold s.mu.
func (s *Scheduler) popReady() *Task {
	if len(s.ready) == 0 {
		return nil
	}
	t := s.ready[0]
	s.ready = s.ready[1:]
	return t
}

func (s *Scheduler) pushReady(t *Task) {
	t.State = Ready
	s.ready = append(s.ready, t)
}

// ScheduleInner is the context-switch step: called from the timer
// interrupt trampoline with the interrupted task's saved register
// frame, it requeues that task (or reaps it, if Exit marked it
// Terminated) and returns the register frame to resume, matching the
// Rust original's schedule_inner exactly — reap-then-save-then-
// requeue-then-splice-in-next.
func (s *Scheduler) ScheduleInner(cur *kconfig.RegisterFrame) *kconfig.RegisterFrame {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		if s.current.State == Terminated {
			s.releaseTask(s.current)
		} else {
			s.current.Regs = *cur
			s.pushReady(s.current)
		}
	}

	next := s.popReady()
	if next == nil {
		// Nothing runnable: resume whoever was running (idle loop).
		return cur
	}
	next.State = Running
	s.current = next
	return &next.Regs
}

// releaseTask returns a terminated task's kernel stack slot to the
// slab. Called with s.mu held.
func (s *Scheduler) releaseTask(t *Task) {
	s.slab.Free(t.kstackSlot)
	if t.userStack != nil && t.addrSpace != nil {
		t.userStack.Free(t.addrSpace)
	}
}

// Exit marks t Terminated; its resources are reclaimed the next time
// ScheduleInner reaps it, exactly as the Rust original only pops a
// Terminated task lazily, at the front of the next reschedule.
func (s *Scheduler) Exit(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.State = Terminated
}

// SleepOn parks the currently-running task on key instead of
// requeuing it as Ready, and returns the register frame of whichever
// task runs next. Call this from the same trampoline path as
// ScheduleInner when the current task must block rather than merely
// yield the remainder of its quantum.
func (s *Scheduler) SleepOn(cur *kconfig.RegisterFrame, key uint64) *kconfig.RegisterFrame {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		s.current.Regs = *cur
		s.current.State = Sleeping
		s.current.waitKey = key
		s.sleeping[key] = append(s.sleeping[key], s.current)
	}

	next := s.popReady()
	if next == nil {
		return cur
	}
	next.State = Running
	s.current = next
	return &next.Regs
}

// WakeAll moves every task sleeping on key back onto the ready queue.
// It does not itself force a reschedule; the caller (typically an
// interrupt handler for the event key identifies) is expected to let
// the next timer tick or an explicit yield pick the woken tasks up.
func (s *Scheduler) WakeAll(key uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.sleeping[key] {
		s.pushReady(t)
	}
	delete(s.sleeping, key)
}

// Current returns the task currently selected to run, or nil before
// the first ScheduleInner call.
func (s *Scheduler) Current() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// ReadyLen and SleepingLen report queue depths, for kstats.
func (s *Scheduler) ReadyLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready)
}

func (s *Scheduler) SleepingLen(key uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sleeping[key])
}
