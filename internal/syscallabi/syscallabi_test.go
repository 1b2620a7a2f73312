package syscallabi

import (
	"errors"
	"testing"

	"github.com/fabbboy/slopos/internal/extio"
	"github.com/fabbboy/slopos/internal/interrupts"
	"github.com/fabbboy/slopos/internal/kheap"
	"github.com/fabbboy/slopos/internal/memmap"
	"github.com/fabbboy/slopos/internal/pagealloc"
	"github.com/fabbboy/slopos/internal/paging"
	"github.com/fabbboy/slopos/internal/task"
	"github.com/stretchr/testify/require"
)

const heapBase = uint64(0xffffffffa0000000)

type fakeScheduler struct {
	current   uint64
	yields    int
	waitedFor uint64
}

func (f *fakeScheduler) Yield()                   { f.yields++ }
func (f *fakeScheduler) WaitForTask(taskID uint64) { f.waitedFor = taskID }
func (f *fakeScheduler) Current() uint64           { return f.current }

type fakeConsole struct {
	written []byte
	toRead  []byte
}

func (c *fakeConsole) Write(p []byte) (int, error) { c.written = append(c.written, p...); return len(p), nil }
func (c *fakeConsole) Read(p []byte) (int, error)  { return copy(p, c.toRead), nil }

type fakeLedger struct {
	spins   uint64
	losses  int
	crossed bool
}

func (l *fakeLedger) Spin() uint64  { l.spins++; return l.spins }
func (l *fakeLedger) Crossed() bool { return l.crossed }
func (l *fakeLedger) AwardLoss()    { l.losses++ }

type fakeRandom struct{ n uint64 }

func (r *fakeRandom) Next() uint64 { r.n++; return r.n }

type fakeFS struct{ openErr error }

func (f *fakeFS) Open(path string, flags uint32) (int32, error) { return 3, f.openErr }
func (f *fakeFS) Close(fd int32) error                           { return nil }
func (f *fakeFS) Read(fd int32, buf []byte) (int, error)         { return len(buf), nil }
func (f *fakeFS) Write(fd int32, buf []byte) (int, error)        { return len(buf), nil }
func (f *fakeFS) Stat(path string) (extio.FileInfo, error)       { return extio.FileInfo{Name: path}, nil }
func (f *fakeFS) Mkdir(path string) error                        { return nil }
func (f *fakeFS) Unlink(path string) error                       { return nil }
func (f *fakeFS) List(path string) ([]extio.FileInfo, error)     { return nil, nil }

func newHarness(t *testing.T) (*ABI, *task.Manager, *fakeScheduler) {
	t.Helper()
	m := memmap.New(0xffff800000000000)
	require.NoError(t, m.AddUsable(0, 64<<20, "ram"))
	alloc := pagealloc.New(m, 0)
	dir, err := paging.NewKernel(alloc)
	require.NoError(t, err)
	heap := kheap.New(dir, alloc, heapBase, heapBase+8<<20)

	clock := uint64(0)
	now := func() uint64 { clock++; return clock }
	mgr := task.New(4, dir, heap, alloc, now)
	sched := &fakeScheduler{}
	abi := New(mgr, sched, alloc, heap, now)
	return abi, mgr, sched
}

func createUserTask(t *testing.T, mgr *task.Manager) uint64 {
	t.Helper()
	id, err := mgr.Create(task.CreateOpts{Name: "u", Entry: 0x400000, DefaultQuantum: 10})
	require.NoError(t, err)
	return id
}

func TestDispatchSavesUserContextAndFlags(t *testing.T) {
	abi, mgr, sched := newHarness(t)
	id := createUserTask(t, mgr)
	sched.current = id

	frame := &interrupts.Frame{RAX: uint64(Yield), RIP: 0x401000}
	abi.Dispatch(frame)

	tcb, ok := mgr.Get(id)
	require.True(t, ok)
	require.True(t, tcb.ContextFromUser)
	require.Equal(t, uint64(0x401000), tcb.Context.RIP)
	require.Equal(t, 1, sched.yields)
}

func TestDispatchUnknownSyscallReturnsMinusOne(t *testing.T) {
	abi, mgr, sched := newHarness(t)
	id := createUserTask(t, mgr)
	sched.current = id

	frame := &interrupts.Frame{RAX: 0xffff}
	abi.Dispatch(frame)
	require.Equal(t, ^uint64(0), frame.RAX)
}

func TestWriteRejectsUnmappedUserPointer(t *testing.T) {
	abi, mgr, sched := newHarness(t)
	id := createUserTask(t, mgr)
	sched.current = id
	console := &fakeConsole{}
	ledger := &fakeLedger{}
	abi.SetConsole(console)
	abi.SetGamblingLedger(ledger)

	frame := &interrupts.Frame{RAX: uint64(Write), RSI: 0xdead0000, RDX: 16}
	abi.Dispatch(frame)

	require.Equal(t, ^uint64(0), frame.RAX) // -1
	require.Equal(t, 1, ledger.losses)
}

func TestWriteAcceptsMappedUserStack(t *testing.T) {
	abi, mgr, sched := newHarness(t)
	id := createUserTask(t, mgr)
	sched.current = id
	tcb, ok := mgr.Get(id)
	require.True(t, ok)
	console := &fakeConsole{}
	abi.SetConsole(console)

	frame := &interrupts.Frame{RAX: uint64(Write), RSI: tcb.UserStackBase, RDX: 16}
	abi.Dispatch(frame)

	require.Equal(t, uint64(16), frame.RAX)
	require.Len(t, console.written, 16)
}

func TestRouletteSpinAndResultDelegateToLedger(t *testing.T) {
	abi, mgr, sched := newHarness(t)
	id := createUserTask(t, mgr)
	sched.current = id
	ledger := &fakeLedger{crossed: true}
	abi.SetGamblingLedger(ledger)

	abi.Dispatch(&interrupts.Frame{RAX: uint64(RouletteSpin)})
	frame := &interrupts.Frame{RAX: uint64(RouletteResult)}
	abi.Dispatch(frame)

	require.Equal(t, uint64(1), ledger.spins)
	require.Equal(t, uint64(1), frame.RAX)
}

func TestRandomNextWithNoSourceReturnsMinusOne(t *testing.T) {
	abi, mgr, sched := newHarness(t)
	id := createUserTask(t, mgr)
	sched.current = id

	frame := &interrupts.Frame{RAX: uint64(RandomNext)}
	abi.Dispatch(frame)
	require.Equal(t, ^uint64(0), frame.RAX)
}

func TestRandomNextWithSourceReturnsValue(t *testing.T) {
	abi, mgr, sched := newHarness(t)
	id := createUserTask(t, mgr)
	sched.current = id
	abi.SetRandomSource(&fakeRandom{})

	frame := &interrupts.Frame{RAX: uint64(RandomNext)}
	abi.Dispatch(frame)
	require.Equal(t, uint64(1), frame.RAX)
}

func TestExitTerminatesCallerAndYields(t *testing.T) {
	abi, mgr, sched := newHarness(t)
	id := createUserTask(t, mgr)
	sched.current = id

	frame := &interrupts.Frame{RAX: uint64(Exit), RDI: 7}
	abi.Dispatch(frame)

	tcb, ok := mgr.Get(id)
	require.True(t, ok)
	require.Equal(t, task.StateTerminated, tcb.State)
	require.Equal(t, int32(7), tcb.ExitCode)
	require.Equal(t, 1, sched.yields)
}

func TestFsOpenFailsWithoutFilesystem(t *testing.T) {
	abi, mgr, sched := newHarness(t)
	id := createUserTask(t, mgr)
	sched.current = id
	tcb, _ := mgr.Get(id)

	frame := &interrupts.Frame{RAX: uint64(FsOpen), RDI: tcb.UserStackBase, RSI: 0}
	abi.Dispatch(frame)
	require.Equal(t, ^uint64(0), frame.RAX)
}

func TestFsOpenSucceedsWithMappedPathPointer(t *testing.T) {
	abi, mgr, sched := newHarness(t)
	id := createUserTask(t, mgr)
	sched.current = id
	tcb, _ := mgr.Get(id)
	abi.SetFilesystem(&fakeFS{})

	frame := &interrupts.Frame{RAX: uint64(FsOpen), RDI: tcb.UserStackBase, RSI: 0}
	abi.Dispatch(frame)
	require.Equal(t, uint64(3), frame.RAX)
}

func TestFsOpenPropagatesUnderlyingError(t *testing.T) {
	abi, mgr, sched := newHarness(t)
	id := createUserTask(t, mgr)
	sched.current = id
	tcb, _ := mgr.Get(id)
	abi.SetFilesystem(&fakeFS{openErr: errors.New("nope")})

	frame := &interrupts.Frame{RAX: uint64(FsOpen), RDI: tcb.UserStackBase, RSI: 0}
	abi.Dispatch(frame)
	require.Equal(t, ^uint64(0), frame.RAX)
}

func TestBuildSysInfoReportsLiveCounters(t *testing.T) {
	abi, mgr, _ := newHarness(t)
	createUserTask(t, mgr)
	createUserTask(t, mgr)

	info := abi.BuildSysInfo()
	require.Equal(t, uint64(2), info.TaskCount)
	require.Greater(t, info.TotalFrames, uint64(0))
}

func TestSleepMsClampsToMaximum(t *testing.T) {
	abi, mgr, sched := newHarness(t)
	id := createUserTask(t, mgr)
	sched.current = id

	frame := &interrupts.Frame{RAX: uint64(SleepMs), RDI: 1_000_000}
	abi.Dispatch(frame)
	require.Equal(t, uint64(60_000), frame.RAX)
}
