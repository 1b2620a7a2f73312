package task

import (
	"testing"

	"github.com/fabbboy/slopos/internal/interrupts"
	"github.com/fabbboy/slopos/internal/kheap"
	"github.com/fabbboy/slopos/internal/memmap"
	"github.com/fabbboy/slopos/internal/pagealloc"
	"github.com/fabbboy/slopos/internal/paging"
	"github.com/stretchr/testify/require"
)

const heapBase = uint64(0xffffffffa0000000)

func newManager(t *testing.T, capacity int) *Manager {
	t.Helper()
	m := memmap.New(0xffff800000000000)
	require.NoError(t, m.AddUsable(0, 64<<20, "ram"))
	alloc := pagealloc.New(m, 0)
	dir, err := paging.NewKernel(alloc)
	require.NoError(t, err)
	heap := kheap.New(dir, alloc, heapBase, heapBase+8<<20)

	clock := uint64(0)
	now := func() uint64 { clock++; return clock }
	return New(capacity, dir, heap, alloc, now)
}

func TestCreateKernelTaskBuildsKernelContext(t *testing.T) {
	m := newManager(t, 4)
	id, err := m.Create(CreateOpts{Name: "idle", Mode: ModeKernel, Entry: 0xffffffff80100000, DefaultQuantum: 10})
	require.NoError(t, err)

	tcb, ok := m.Get(id)
	require.True(t, ok)
	require.Equal(t, StateReady, tcb.State)
	require.Equal(t, uint16(0x08), tcb.Context.CS)
	require.Equal(t, uint64(0x202), tcb.Context.RFLAGS)
	require.Equal(t, uint64(0xffffffff80100000), tcb.Context.RIP)
	require.NotZero(t, tcb.KernelStackBase)
}

func TestCreateUserTaskMapsUserAccessibleStack(t *testing.T) {
	m := newManager(t, 4)
	id, err := m.Create(CreateOpts{Name: "shell", Entry: 0x400000})
	require.NoError(t, err)

	tcb, ok := m.Get(id)
	require.True(t, ok)
	require.Equal(t, uint16(0x1b), tcb.Context.CS)
	require.True(t, tcb.UserStarted)
	require.NotZero(t, tcb.UserStackBase)
	require.NotZero(t, tcb.KernelStackBase)
	require.True(t, tcb.dir.IsUserAccessible(tcb.UserStackBase))
}

func TestIllegalTransitionIsLoggedNotRejected(t *testing.T) {
	m := newManager(t, 4)
	id, err := m.Create(CreateOpts{Name: "t", Mode: ModeKernel, Entry: 1})
	require.NoError(t, err)
	// Ready -> Blocked has no edge in validTransitions, but must still apply.
	m.SetState(id, StateBlocked)
	tcb, _ := m.Get(id)
	require.Equal(t, StateBlocked, tcb.State)
}

type recordingNotifier struct{ notified []uint64 }

func (r *recordingNotifier) NotifyReady(taskID uint64) { r.notified = append(r.notified, taskID) }

func TestTerminateWakesWaiterAndNotifies(t *testing.T) {
	m := newManager(t, 4)
	notifier := &recordingNotifier{}
	m.SetReadyNotifier(notifier)

	a, err := m.Create(CreateOpts{Name: "a", Mode: ModeKernel, Entry: 1})
	require.NoError(t, err)
	b, err := m.Create(CreateOpts{Name: "b", Mode: ModeKernel, Entry: 2})
	require.NoError(t, err)

	m.WaitFor(b, a)
	bTCB, _ := m.Get(b)
	require.Equal(t, StateBlocked, bTCB.State)

	m.Terminate(a, 0)

	bTCB, _ = m.Get(b)
	require.Equal(t, StateReady, bTCB.State)
	require.Equal(t, InvalidTaskID, bTCB.WaitingOnTaskID)
	require.Contains(t, notifier.notified, b)
}

func TestSelfTerminationDefersReap(t *testing.T) {
	m := newManager(t, 4)
	id, err := m.Create(CreateOpts{Name: "a", Mode: ModeKernel, Entry: 1})
	require.NoError(t, err)

	m.Terminate(id, 7)
	tcb, ok := m.Get(id)
	require.True(t, ok)
	require.Equal(t, StateTerminated, tcb.State)
	require.Equal(t, int32(7), tcb.ExitCode)

	m.Reap(id)
	_, ok = m.Get(id)
	require.False(t, ok)
}

func TestTerminateCurrentFaultedUsesSetCurrent(t *testing.T) {
	m := newManager(t, 4)
	id, err := m.Create(CreateOpts{Name: "a", Mode: ModeUser, Entry: 0x400000})
	require.NoError(t, err)
	m.SetCurrent(id)

	m.TerminateCurrentFaulted(interrupts.FaultPageFault)

	tcb, ok := m.Get(id)
	require.True(t, ok)
	require.Equal(t, StateTerminated, tcb.State)
	require.Equal(t, ExitFaulted, tcb.ExitReason)
	require.Equal(t, interrupts.FaultPageFault, tcb.FaultReason)
}

func TestReapFreesKernelStackAndProcessVM(t *testing.T) {
	m := newManager(t, 4)
	id, err := m.Create(CreateOpts{Name: "a", Entry: 0x400000})
	require.NoError(t, err)

	tcb, _ := m.Get(id)
	freeBefore := m.alloc.FreeFrames()

	m.Terminate(id, 0)
	m.Reap(id)

	require.Greater(t, m.alloc.FreeFrames(), freeBefore)
	_, _, ok := tcb.dir.VirtToPhys(tcb.UserStackBase)
	require.False(t, ok)
}

func TestTableFullReturnsError(t *testing.T) {
	m := newManager(t, 1)
	_, err := m.Create(CreateOpts{Name: "a", Mode: ModeKernel, Entry: 1})
	require.NoError(t, err)
	_, err = m.Create(CreateOpts{Name: "b", Mode: ModeKernel, Entry: 1})
	require.Error(t, err)
}
