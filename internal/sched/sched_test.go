package sched

import (
	"testing"

	"github.com/fabbboy/slopos/internal/interrupts"
	"github.com/fabbboy/slopos/internal/kheap"
	"github.com/fabbboy/slopos/internal/memmap"
	"github.com/fabbboy/slopos/internal/pagealloc"
	"github.com/fabbboy/slopos/internal/paging"
	"github.com/fabbboy/slopos/internal/task"
	"github.com/stretchr/testify/require"
)

const heapBase = uint64(0xffffffffa0000000)

type fakeTimerLine struct {
	masked bool
	hz     uint32
}

func (f *fakeTimerLine) SetFrequencyHz(hz uint32) { f.hz = hz }
func (f *fakeTimerLine) Mask(masked bool)          { f.masked = masked }

func newHarness(t *testing.T, capacity, maxReady int) (*Scheduler, *task.Manager, *fakeTimerLine) {
	t.Helper()
	m := memmap.New(0xffff800000000000)
	require.NoError(t, m.AddUsable(0, 64<<20, "ram"))
	alloc := pagealloc.New(m, 0)
	dir, err := paging.NewKernel(alloc)
	require.NoError(t, err)
	heap := kheap.New(dir, alloc, heapBase, heapBase+8<<20)

	clock := uint64(0)
	now := func() uint64 { clock++; return clock }
	mgr := task.New(capacity, dir, heap, alloc, now)
	line := &fakeTimerLine{}
	s := New(mgr, maxReady, line, now)
	return s, mgr, line
}

func mustCreate(t *testing.T, mgr *task.Manager, name string, quantum uint32) uint64 {
	t.Helper()
	id, err := mgr.Create(task.CreateOpts{Name: name, Mode: task.ModeKernel, Entry: 1, DefaultQuantum: quantum})
	require.NoError(t, err)
	return id
}

func TestScheduleFallsBackToIdleWhenQueueEmpty(t *testing.T) {
	s, mgr, _ := newHarness(t, 4, 4)
	idle := mustCreate(t, mgr, "idle", DefaultQuantum)
	s.SetIdleTask(idle)

	s.Schedule()
	require.Equal(t, idle, s.Current())
}

func TestScheduleRoundRobinsReadyTasks(t *testing.T) {
	s, mgr, _ := newHarness(t, 4, 4)
	idle := mustCreate(t, mgr, "idle", DefaultQuantum)
	s.SetIdleTask(idle)
	a := mustCreate(t, mgr, "a", DefaultQuantum)
	b := mustCreate(t, mgr, "b", DefaultQuantum)
	require.True(t, s.Enqueue(a))
	require.True(t, s.Enqueue(b))

	s.Schedule()
	require.Equal(t, a, s.Current())
	s.Schedule()
	require.Equal(t, b, s.Current())
	// a re-enqueued behind b when schedule() ran it off of running.
	s.Schedule()
	require.Equal(t, a, s.Current())
}

func TestScheduleBackpressureKeepsRunningWhenQueueFull(t *testing.T) {
	s, mgr, _ := newHarness(t, 4, 1)
	idle := mustCreate(t, mgr, "idle", DefaultQuantum)
	s.SetIdleTask(idle)
	a := mustCreate(t, mgr, "a", DefaultQuantum)
	b := mustCreate(t, mgr, "b", DefaultQuantum)
	require.True(t, s.Enqueue(a))
	s.Schedule()
	require.Equal(t, a, s.Current())

	// Ready queue now empty (a is running); fill it to capacity with b.
	require.True(t, s.Enqueue(b))
	// maxReady=1 is already saturated by b, so re-enqueuing a to switch
	// away from it would overflow the queue: schedule() must keep a
	// running instead (spec §4.H step 2 backpressure).
	s.Schedule()
	require.Equal(t, a, s.Current())

	tcb, ok := mgr.Get(a)
	require.True(t, ok)
	require.Equal(t, task.StateRunning, tcb.State)
}

func TestTerminateThenScheduleReapsDeferred(t *testing.T) {
	s, mgr, _ := newHarness(t, 4, 4)
	idle := mustCreate(t, mgr, "idle", DefaultQuantum)
	s.SetIdleTask(idle)
	a := mustCreate(t, mgr, "a", DefaultQuantum)
	require.True(t, s.Enqueue(a))
	s.Schedule()
	require.Equal(t, a, s.Current())

	mgr.Terminate(a, 0)
	tcb, ok := mgr.Get(a)
	require.True(t, ok)
	require.Equal(t, task.StateTerminated, tcb.State)

	s.Schedule()
	require.Equal(t, idle, s.Current())
	_, ok = mgr.Get(a)
	require.False(t, ok, "reap should have cleared the slot")
}

func TestNotifyReadyImplementsReadyNotifier(t *testing.T) {
	s, mgr, _ := newHarness(t, 4, 4)
	idle := mustCreate(t, mgr, "idle", DefaultQuantum)
	s.SetIdleTask(idle)
	a := mustCreate(t, mgr, "a", DefaultQuantum)
	b := mustCreate(t, mgr, "b", DefaultQuantum)

	s.Enqueue(a)
	s.Schedule()
	require.Equal(t, a, s.Current())

	mgr.WaitFor(b, a) // b blocks
	mgr.Terminate(a, 0)
	// task manager notified sched (as ReadyNotifier) that b is ready.
	s.Schedule()
	require.Equal(t, b, s.Current())
}

func TestTimerTickSetsReschedulePendingAtZeroQuantum(t *testing.T) {
	s, mgr, _ := newHarness(t, 4, 4)
	idle := mustCreate(t, mgr, "idle", DefaultQuantum)
	s.SetIdleTask(idle)
	a := mustCreate(t, mgr, "a", 2)
	b := mustCreate(t, mgr, "b", DefaultQuantum)
	s.Enqueue(a)
	s.Enqueue(b)
	s.Schedule()
	require.Equal(t, a, s.Current())

	s.TimerTick(&interrupts.Frame{})
	require.False(t, s.ConsumeReschedulePending())
	s.TimerTick(&interrupts.Frame{})
	require.True(t, s.ConsumeReschedulePending())
	require.False(t, s.ConsumeReschedulePending(), "consuming clears the flag")
}

func TestTimerTickRespectsNoPreemptFlag(t *testing.T) {
	s, mgr, _ := newHarness(t, 4, 4)
	idle := mustCreate(t, mgr, "idle", DefaultQuantum)
	s.SetIdleTask(idle)
	id, err := mgr.Create(task.CreateOpts{Name: "a", Mode: task.ModeKernel, Entry: 1, DefaultQuantum: 1, Flags: task.FlagNoPreempt})
	require.NoError(t, err)
	b := mustCreate(t, mgr, "b", DefaultQuantum)
	s.Enqueue(id)
	s.Enqueue(b)
	s.Schedule()
	require.Equal(t, id, s.Current())

	s.TimerTick(&interrupts.Frame{})
	require.False(t, s.ConsumeReschedulePending())
}

func TestSetPreemptionEnabledMasksTimerLine(t *testing.T) {
	s, _, line := newHarness(t, 4, 4)
	s.SetPreemptionEnabled(false)
	require.True(t, line.masked)
	require.False(t, s.PreemptionEnabled())

	s.SetPreemptionEnabled(true)
	require.False(t, line.masked)
}

func TestYieldReschedulesAndCountsYield(t *testing.T) {
	s, mgr, _ := newHarness(t, 4, 4)
	idle := mustCreate(t, mgr, "idle", DefaultQuantum)
	s.SetIdleTask(idle)
	a := mustCreate(t, mgr, "a", DefaultQuantum)
	b := mustCreate(t, mgr, "b", DefaultQuantum)
	s.Enqueue(a)
	s.Enqueue(b)
	s.Schedule()
	require.Equal(t, a, s.Current())

	s.Yield()
	require.Equal(t, b, s.Current())

	tcb, ok := mgr.Get(a)
	require.True(t, ok)
	require.Equal(t, uint64(1), tcb.YieldCount)
}

func TestBlockCurrentMovesToBlockedAndReschedules(t *testing.T) {
	s, mgr, _ := newHarness(t, 4, 4)
	idle := mustCreate(t, mgr, "idle", DefaultQuantum)
	s.SetIdleTask(idle)
	a := mustCreate(t, mgr, "a", DefaultQuantum)
	s.Enqueue(a)
	s.Schedule()
	require.Equal(t, a, s.Current())

	s.BlockCurrent()
	require.Equal(t, idle, s.Current())
	tcb, ok := mgr.Get(a)
	require.True(t, ok)
	require.Equal(t, task.StateBlocked, tcb.State)
}

func TestWaitForTaskBlocksUntilTargetTerminates(t *testing.T) {
	s, mgr, _ := newHarness(t, 4, 4)
	idle := mustCreate(t, mgr, "idle", DefaultQuantum)
	s.SetIdleTask(idle)
	a := mustCreate(t, mgr, "a", DefaultQuantum)
	b := mustCreate(t, mgr, "b", DefaultQuantum)
	s.Enqueue(a)
	s.Schedule()
	require.Equal(t, a, s.Current())

	// a waits on b, which is not yet running; the only other ready task
	// (b) takes over.
	s.Enqueue(b)
	s.WaitForTask(b)
	require.Equal(t, b, s.Current())

	aTCB, ok := mgr.Get(a)
	require.True(t, ok)
	require.Equal(t, task.StateBlocked, aTCB.State)

	mgr.Terminate(b, 0)
	s.Schedule() // reaps b, notices a is ready again
	require.Equal(t, a, s.Current())
}

func TestSwitchKindReflectsTargetRingLevel(t *testing.T) {
	s, mgr, _ := newHarness(t, 4, 4)
	kid := mustCreate(t, mgr, "kernel", DefaultQuantum)
	uid, err := mgr.Create(task.CreateOpts{Name: "user", Entry: 0x400000})
	require.NoError(t, err)

	require.Equal(t, "plain", s.SwitchKind(kid))
	require.Equal(t, "iretq", s.SwitchKind(uid))
}
