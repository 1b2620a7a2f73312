// Package task implements the task manager of spec §4.G: a fixed-size
// table of TCB slots, task creation for both kernel- and user-mode tasks,
// and the two-phase termination spec §4.G and §4.J describe (a task
// marks itself terminated and wakes its waiters, but never frees the
// stack it is currently running on; reclaiming the process VM and stacks
// is deferred to whoever reaps it once it is confirmed not running).
package task

import (
	"fmt"

	"github.com/fabbboy/slopos/internal/interrupts"
	"github.com/fabbboy/slopos/internal/kheap"
	"github.com/fabbboy/slopos/internal/klog"
	"github.com/fabbboy/slopos/internal/pagealloc"
	"github.com/fabbboy/slopos/internal/paging"
)

// State is the TCB lifecycle state (spec §3).
type State uint8

const (
	StateInvalid State = iota
	StateReady
	StateRunning
	StateBlocked
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateTerminated:
		return "terminated"
	default:
		return "invalid"
	}
}

// validTransitions enumerates the lifecycle edges spec §3 allows.
var validTransitions = map[State]map[State]bool{
	StateInvalid:    {StateReady: true},
	StateReady:      {StateRunning: true, StateTerminated: true},
	StateRunning:    {StateReady: true, StateBlocked: true, StateTerminated: true},
	StateBlocked:    {StateReady: true, StateTerminated: true},
	StateTerminated: {StateInvalid: true},
}

// Mode selects a kernel- or user-mode task. The zero value is ModeUser,
// matching spec §4.G step 1's "default user".
type Mode uint8

const (
	ModeUser Mode = iota
	ModeKernel
)

// Flags are per-task behavior bits.
type Flags uint32

const FlagNoPreempt Flags = 1 << 0

// ExitReason records why a task stopped running.
type ExitReason uint8

const (
	ExitNone ExitReason = iota
	ExitNormal
	ExitFaulted
)

// InvalidTaskID is the sentinel for "waiting on nothing" / "no task".
const InvalidTaskID = ^uint64(0)

const (
	kernelCS uint16 = 0x08
	kernelSS uint16 = 0x10
	userCS   uint16 = 0x1b
	userSS   uint16 = 0x23

	defaultUserStackSize   = 64 << 10
	defaultKernelStackSize = 16 << 10
)

// TCB is one task control block (spec §3).
type TCB struct {
	TaskID   uint64
	Name     string
	State    State
	Priority uint8
	Flags    Flags

	ProcessID       uint64
	UserStackBase   uint64
	UserStackSize   uint64
	KernelStackBase uint64
	KernelStackTop  uint64

	Entry uint64
	Arg   uint64

	Context interrupts.Frame
	CR3     pagealloc.Frame

	TimeSlice          uint32
	TimeSliceRemaining uint32
	TotalRuntime       uint64
	CreationTime       uint64
	YieldCount         uint64
	LastRunTS          uint64

	WaitingOnTaskID uint64

	UserStarted     bool
	ContextFromUser bool

	ExitReason  ExitReason
	FaultReason interrupts.FaultReason
	ExitCode    int32

	NextReady uint64

	dir           *paging.Directory
	kernelRSP0Ptr uint64 // kheap pointer backing KernelStackBase, freed on reap
	reaped        bool
}

// ReadyNotifier is implemented by internal/sched; the task manager never
// touches the ready queue directly (spec keeps scheduling in its own
// component).
type ReadyNotifier interface {
	NotifyReady(taskID uint64)
}

// CreateOpts configures Manager.Create.
type CreateOpts struct {
	Name            string
	Mode            Mode
	Entry           uint64
	Arg             uint64
	Priority        uint8
	Flags           Flags
	UserStackSize   uint64
	KernelStackSize uint64
	DefaultQuantum  uint32
}

// Manager owns the fixed-size TCB table.
type Manager struct {
	slots      []TCB
	nextID     uint64
	current    uint64
	kernelDir  *paging.Directory
	heap       *kheap.Heap
	alloc      *pagealloc.Allocator
	now        func() uint64
	readyNotif ReadyNotifier
	log        *klog.Component
}

// New builds a task manager with capacity slots, backed by the kernel
// directory/heap/allocator that Create uses to build new address spaces
// and stacks. now supplies a monotonic timestamp source for bookkeeping.
func New(capacity int, kernelDir *paging.Directory, heap *kheap.Heap, alloc *pagealloc.Allocator, now func() uint64) *Manager {
	return &Manager{
		slots:     make([]TCB, capacity),
		current:   InvalidTaskID,
		kernelDir: kernelDir,
		heap:      heap,
		alloc:     alloc,
		now:       now,
		log:       klog.New("task"),
	}
}

func (m *Manager) SetReadyNotifier(n ReadyNotifier) { m.readyNotif = n }

// SetCurrent records which task is presently running, so
// TerminateCurrentFaulted (called from interrupt context with no other
// way to name "the current task") knows who faulted.
func (m *Manager) SetCurrent(taskID uint64) { m.current = taskID }
func (m *Manager) Current() uint64          { return m.current }

func (m *Manager) findInvalidSlot() int {
	for i := range m.slots {
		if m.slots[i].State == StateInvalid {
			return i
		}
	}
	return -1
}

// Create builds a new task per spec §4.G's four creation steps.
func (m *Manager) Create(opts CreateOpts) (uint64, error) {
	idx := m.findInvalidSlot()
	if idx < 0 {
		return 0, fmt.Errorf("task: table full")
	}

	userStackSize := opts.UserStackSize
	if userStackSize == 0 {
		userStackSize = defaultUserStackSize
	}
	kernelStackSize := opts.KernelStackSize
	if kernelStackSize == 0 {
		kernelStackSize = defaultKernelStackSize
	}

	m.nextID++
	id := m.nextID

	t := TCB{
		TaskID:             id,
		Name:               opts.Name,
		Priority:           opts.Priority,
		Flags:              opts.Flags,
		Entry:              opts.Entry,
		Arg:                opts.Arg,
		WaitingOnTaskID:    InvalidTaskID,
		TimeSlice:          opts.DefaultQuantum,
		TimeSliceRemaining: opts.DefaultQuantum,
		CreationTime:       m.now(),
	}

	switch opts.Mode {
	case ModeKernel:
		ptr, err := m.heap.Kmalloc(kernelStackSize)
		if err != nil {
			return 0, fmt.Errorf("task: kernel stack allocation failed: %w", err)
		}
		t.KernelStackBase = ptr
		t.KernelStackTop = ptr + kernelStackSize
		t.dir = m.kernelDir
		t.CR3 = m.kernelDir.PML4Phys()
		t.Context.CS = kernelCS
		t.Context.SS = kernelSS
		t.Context.RSP = t.KernelStackTop - 16

	default: // ModeUser
		dir, err := paging.NewProcess(m.kernelDir)
		if err != nil {
			return 0, fmt.Errorf("task: process VM creation failed: %w", err)
		}
		userBase, err := m.mapUserStack(dir, userStackSize)
		if err != nil {
			return 0, err
		}
		rsp0, err := m.heap.Kmalloc(kernelStackSize)
		if err != nil {
			return 0, fmt.Errorf("task: kernel RSP0 stack allocation failed: %w", err)
		}

		t.ProcessID = id
		t.UserStackBase = userBase
		t.UserStackSize = userStackSize
		t.KernelStackBase = rsp0
		t.KernelStackTop = rsp0 + kernelStackSize
		t.dir = dir
		t.CR3 = dir.PML4Phys()
		t.Context.CS = userCS
		t.Context.SS = userSS
		t.Context.RSP = userBase + userStackSize - 16
		t.UserStarted = true
		t.kernelRSP0Ptr = rsp0
	}

	t.Context.RIP = t.Entry
	t.Context.RFLAGS = 0x202
	t.State = StateReady

	m.slots[idx] = t
	return id, nil
}

// userStackVirtBase is a fixed low-half window every process's user stack
// lands at; real task isolation comes from each process owning its own
// lower-half page tables, not from varying this base.
const userStackVirtBase = 0x0000700000000000

func (m *Manager) mapUserStack(dir *paging.Directory, size uint64) (uint64, error) {
	pages := size / pagealloc.PageSize
	mapped := make([]pagealloc.Frame, 0, pages)
	for i := uint64(0); i < pages; i++ {
		f := m.alloc.Alloc(1, 0)
		if f == pagealloc.InvalidFrame {
			for j, mf := range mapped {
				dir.Unmap(userStackVirtBase + uint64(j)*pagealloc.PageSize)
				m.alloc.Free(mf)
			}
			return 0, fmt.Errorf("task: out of frames for user stack")
		}
		virt := userStackVirtBase + i*pagealloc.PageSize
		if err := dir.Map(virt, f, paging.Present|paging.Writable|paging.User); err != nil {
			m.alloc.Free(f)
			for j, mf := range mapped {
				dir.Unmap(userStackVirtBase + uint64(j)*pagealloc.PageSize)
				m.alloc.Free(mf)
			}
			return 0, err
		}
		mapped = append(mapped, f)
	}
	return userStackVirtBase, nil
}

func (m *Manager) find(taskID uint64) *TCB {
	for i := range m.slots {
		if m.slots[i].TaskID == taskID && m.slots[i].State != StateInvalid {
			return &m.slots[i]
		}
	}
	return nil
}

// Get returns a copy of the TCB for taskID.
func (m *Manager) Get(taskID uint64) (TCB, bool) {
	t := m.find(taskID)
	if t == nil {
		return TCB{}, false
	}
	return *t, true
}

// SetState validates and applies a state transition (spec §3 "State
// transitions are validated; illegal transitions are logged but the new
// state is still recorded").
func (m *Manager) SetState(taskID uint64, newState State) {
	t := m.find(taskID)
	if t == nil {
		return
	}
	if !validTransitions[t.State][newState] {
		m.log.Warnf("illegal state transition task=%d %s -> %s", taskID, t.State, newState)
	}
	t.State = newState
}

// terminate is the shared core of self- and waiter-driven termination: it
// always marks the task terminated, records runtime, and wakes waiters.
// It never frees the stack the caller might currently be executing on;
// Reap does that once the caller is certain the task is not running.
func (m *Manager) terminate(t *TCB, reason ExitReason, fault interrupts.FaultReason, exitCode int32) {
	t.TotalRuntime += m.now() - t.LastRunTS
	t.State = StateTerminated
	t.ExitReason = reason
	t.FaultReason = fault
	t.ExitCode = exitCode

	for i := range m.slots {
		w := &m.slots[i]
		if w.State == StateBlocked && w.WaitingOnTaskID == t.TaskID {
			w.WaitingOnTaskID = InvalidTaskID
			w.State = StateReady
			if m.readyNotif != nil {
				m.readyNotif.NotifyReady(w.TaskID)
			}
		}
	}
}

// Terminate implements the exit syscall path: the currently running task
// terminates itself with exitCode (spec §4.G, §4.J).
func (m *Manager) Terminate(taskID uint64, exitCode int32) {
	t := m.find(taskID)
	if t == nil {
		return
	}
	m.terminate(t, ExitNormal, interrupts.FaultNone, exitCode)
}

// TerminateCurrentFaulted implements interrupts.TaskTerminator: the
// currently running task (tracked via SetCurrent) is killed by the
// exception dispatcher.
func (m *Manager) TerminateCurrentFaulted(reason interrupts.FaultReason) {
	t := m.find(m.current)
	if t == nil {
		return
	}
	m.terminate(t, ExitFaulted, reason, -1)
}

// Reap finalizes a terminated task once the caller (the scheduler, after
// switching away) has confirmed it is no longer running: it destroys the
// process VM, frees both stacks, and clears the TCB (spec §4.G "Non-self
// termination also destroys the process VM, frees stacks, and clears the
// TCB").
func (m *Manager) Reap(taskID uint64) {
	t := m.find(taskID)
	if t == nil || t.State != StateTerminated || t.reaped {
		return
	}
	t.reaped = true

	if t.UserStarted {
		pages := t.UserStackSize / pagealloc.PageSize
		for i := uint64(0); i < pages; i++ {
			virt := t.UserStackBase + i*pagealloc.PageSize
			if frame, _, ok := t.dir.VirtToPhys(virt); ok {
				t.dir.Unmap(virt)
				m.alloc.Free(frame)
			}
		}
		t.dir.DestroyProcess()
	}
	if t.KernelStackBase != 0 {
		m.heap.Kfree(t.KernelStackBase)
	}

	*t = TCB{State: StateInvalid}
}

// WaitFor implements task_wait_for(id): the caller blocks until taskID
// terminates (spec §4.J).
func (m *Manager) WaitFor(callerID, taskID uint64) {
	t := m.find(callerID)
	if t == nil {
		return
	}
	t.WaitingOnTaskID = taskID
	t.State = StateBlocked
}

// Slots exposes the table for the scheduler's ready-queue bookkeeping and
// for diagnostics; callers must not mutate State directly (use SetState).
func (m *Manager) Slots() []TCB { return append([]TCB(nil), m.slots...) }

// MutableSlot returns a pointer to taskID's live TCB for the scheduler's
// own bookkeeping fields (quantum, context, last-run timestamp) that this
// package does not own the update cadence of.
func (m *Manager) MutableSlot(taskID uint64) *TCB { return m.find(taskID) }

// Directory returns taskID's page directory, for internal/syscallabi's
// copy_from_user/copy_to_user page-accessibility checks (spec §4.I).
func (m *Manager) Directory(taskID uint64) *paging.Directory {
	t := m.find(taskID)
	if t == nil {
		return nil
	}
	return t.dir
}
