package interrupts

import (
	"testing"

	"github.com/fabbboy/slopos/internal/chipset"
	"github.com/stretchr/testify/require"
)

type fakeSink struct{ calls []uint8 }

func (s *fakeSink) SetIRQ(irq uint8, high bool) {}

type fakeSyscall struct{ calls int }

func (f *fakeSyscall) Dispatch(frame *Frame) { f.calls++ }

type fakeTerminator struct {
	lastReason FaultReason
	calls      int
}

func (t *fakeTerminator) TerminateCurrentFaulted(reason FaultReason) {
	t.lastReason = reason
	t.calls++
}

type fakeScheduler struct {
	pending      bool
	scheduleHits int
}

func (s *fakeScheduler) ConsumeReschedulePending() bool {
	p := s.pending
	s.pending = false
	return p
}
func (s *fakeScheduler) Schedule() { s.scheduleHits++ }

func newCore() *Core {
	return New(chipset.NewLineSet(&fakeSink{}))
}

func TestSyscallVectorRoutesToDispatcher(t *testing.T) {
	c := newCore()
	sc := &fakeSyscall{}
	c.SetSyscallDispatcher(sc)
	c.Dispatch(&Frame{Vector: SyscallVector})
	require.Equal(t, 1, sc.calls)
}

func TestIRQDispatchRunsHandlerAndEOI(t *testing.T) {
	lines := chipset.NewLineSet(&fakeSink{})
	eoi := false
	lines.RegisterEOICallback(32, func() { eoi = true })
	c := New(lines)
	hit := false
	require.NoError(t, c.RegisterIRQHandler(32, func(f *Frame) { hit = true }))
	c.Dispatch(&Frame{Vector: 32})
	require.True(t, hit)
	require.True(t, eoi)
}

func TestPostIRQHookConsumesReschedulePending(t *testing.T) {
	c := newCore()
	sched := &fakeScheduler{pending: true}
	c.SetScheduler(sched)
	require.NoError(t, c.RegisterIRQHandler(32, func(f *Frame) {}))
	c.Dispatch(&Frame{Vector: 32})
	require.Equal(t, 1, sched.scheduleHits)
	require.False(t, sched.pending)
}

func TestCriticalExceptionAlwaysPanics(t *testing.T) {
	c := newCore()
	var gotMsg string
	c.SetPanicHook(func(msg string, frame *Frame) { gotMsg = msg })
	c.SetTestMode(true)
	require.Error(t, c.RegisterExceptionTestOverride(vectorDoubleFault, func(f *Frame) {}))
	c.Dispatch(&Frame{Vector: vectorDoubleFault})
	require.Contains(t, gotMsg, "critical")
}

func TestUserModePageFaultTerminatesTask(t *testing.T) {
	c := newCore()
	term := &fakeTerminator{}
	sched := &fakeScheduler{}
	c.SetTaskTerminator(term)
	c.SetScheduler(sched)
	c.Dispatch(&Frame{Vector: vectorPageFault, CS: 0x1b}) // RPL=3
	require.Equal(t, 1, term.calls)
	require.Equal(t, FaultPageFault, term.lastReason)
	require.Equal(t, 1, sched.scheduleHits)
}

func TestKernelModePageFaultPanics(t *testing.T) {
	c := newCore()
	var panicked bool
	c.SetPanicHook(func(msg string, frame *Frame) { panicked = true })
	c.Dispatch(&Frame{Vector: vectorPageFault, CS: 0x08}) // RPL=0
	require.True(t, panicked)
}

func TestGuardPageFaultReportsStackOverflow(t *testing.T) {
	c := newCore()
	c.RegisterGuardPage(0x7000)
	var gotMsg string
	c.SetPanicHook(func(msg string, frame *Frame) { gotMsg = msg })
	c.Dispatch(&Frame{Vector: vectorPageFault, CS: 0x1b, FaultAddr: 0x7000})
	require.Contains(t, gotMsg, "exception stack overflow")
}

func TestTestModeOverrideReplacesDefaultPanic(t *testing.T) {
	c := newCore()
	c.SetTestMode(true)
	hit := false
	require.NoError(t, c.RegisterExceptionTestOverride(vectorGeneralProtect, func(f *Frame) { hit = true }))
	var panicked bool
	c.SetPanicHook(func(msg string, frame *Frame) { panicked = true })
	c.Dispatch(&Frame{Vector: vectorGeneralProtect, CS: 0x08})
	require.True(t, hit)
	require.False(t, panicked)
}

func TestUnregisteredIRQLogsButDoesNotPanic(t *testing.T) {
	c := newCore()
	require.NotPanics(t, func() { c.Dispatch(&Frame{Vector: 40}) })
}
