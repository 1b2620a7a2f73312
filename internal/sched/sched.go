// Package sched implements the scheduler of spec §4.H: a ready queue
// threaded through each TCB's NextReady field, an idle task that runs
// when nothing else is ready, cooperative/IRQ-driven/exit-path entry
// into schedule(), PIT-driven preemption with a deferred reschedule flag
// the interrupt core's post-IRQ hook consumes, and the wait/exit
// plumbing of spec §4.J built on top of internal/task's two-phase
// termination.
package sched

import (
	"sync"

	"github.com/fabbboy/slopos/internal/extio"
	"github.com/fabbboy/slopos/internal/interrupts"
	"github.com/fabbboy/slopos/internal/klog"
	"github.com/fabbboy/slopos/internal/task"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// DefaultQuantum is the scheduler's default task time slice, in ticks
// (spec §4.H "Default quantum is 10 ticks").
const DefaultQuantum uint32 = 10

// TSSUpdater lets the scheduler program the hardware TSS's RSP0 field for
// the task it is about to run (spec §4.H step 4, "for user tasks, update
// the TSS's RSP0").
type TSSUpdater interface {
	SetRSP0(rsp0 uint64)
}

// Scheduler is the cooperative + preemptive task scheduler.
type Scheduler struct {
	mu sync.Mutex

	mgr         *task.Manager
	readyHead   uint64
	readyTail   uint64
	membership  map[uint64]bool
	queueLen    int
	maxQueueLen int

	current    uint64
	idleTask   uint64
	tss        TSSUpdater
	timerLine  extio.TimerLine
	now        func() uint64

	reschedulePending atomicbitops.Bool
	preemptionEnabled atomicbitops.Bool
	contextSwitches   uint64

	log *klog.Component
}

// New builds a scheduler over mgr's task table. maxQueueLen bounds the
// ready queue (spec §4.H step 2 "if the queue is full, keep running the
// current task").
func New(mgr *task.Manager, maxQueueLen int, timerLine extio.TimerLine, now func() uint64) *Scheduler {
	s := &Scheduler{
		mgr:         mgr,
		readyHead:   task.InvalidTaskID,
		readyTail:   task.InvalidTaskID,
		membership:  make(map[uint64]bool),
		maxQueueLen: maxQueueLen,
		current:     task.InvalidTaskID,
		idleTask:    task.InvalidTaskID,
		timerLine:   timerLine,
		now:         now,
		log:         klog.New("sched"),
	}
	s.preemptionEnabled.Store(true)
	mgr.SetReadyNotifier(s)
	return s
}

func (s *Scheduler) SetIdleTask(taskID uint64)  { s.idleTask = taskID }
func (s *Scheduler) SetTSSUpdater(t TSSUpdater) { s.tss = t }

// Current returns the currently running task ID.
func (s *Scheduler) Current() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Scheduler) ContextSwitches() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextSwitches
}

// enqueueLocked appends taskID to the ready queue, guarded by the
// membership check spec §3 requires ("a task is enqueued at most once").
func (s *Scheduler) enqueueLocked(taskID uint64) bool {
	if s.membership[taskID] {
		return true
	}
	if s.queueLen >= s.maxQueueLen {
		return false
	}
	tcb := s.mgr.MutableSlot(taskID)
	if tcb == nil {
		return false
	}
	tcb.NextReady = task.InvalidTaskID
	if s.readyHead == task.InvalidTaskID {
		s.readyHead = taskID
	} else {
		tail := s.mgr.MutableSlot(s.readyTail)
		tail.NextReady = taskID
	}
	s.readyTail = taskID
	s.membership[taskID] = true
	s.queueLen++
	return true
}

func (s *Scheduler) dequeueLocked() uint64 {
	if s.readyHead == task.InvalidTaskID {
		return task.InvalidTaskID
	}
	id := s.readyHead
	tcb := s.mgr.MutableSlot(id)
	s.readyHead = tcb.NextReady
	if s.readyHead == task.InvalidTaskID {
		s.readyTail = task.InvalidTaskID
	}
	tcb.NextReady = task.InvalidTaskID
	delete(s.membership, id)
	s.queueLen--
	return id
}

// NotifyReady implements task.ReadyNotifier: a task the task manager just
// unblocked (its wait target terminated) re-enters the ready queue.
func (s *Scheduler) NotifyReady(taskID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueLocked(taskID)
}

// Enqueue admits a freshly created ready task into the queue.
func (s *Scheduler) Enqueue(taskID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(taskID)
}

// Schedule implements spec §4.H's schedule() algorithm.
func (s *Scheduler) Schedule() {
	s.mu.Lock()

	var reapID uint64 = task.InvalidTaskID
	if cur := s.current; cur != task.InvalidTaskID {
		if tcb := s.mgr.MutableSlot(cur); tcb != nil {
			switch tcb.State {
			case task.StateRunning:
				tcb.State = task.StateReady
				tcb.TimeSliceRemaining = tcb.TimeSlice
				if !s.enqueueLocked(cur) {
					// Ready queue full: backpressure, keep running current.
					tcb.State = task.StateRunning
					s.mu.Unlock()
					return
				}
			case task.StateTerminated:
				reapID = cur
			}
		}
	}

	next := s.dequeueLocked()
	if next == task.InvalidTaskID {
		next = s.idleTask
	}
	nextTCB := s.mgr.MutableSlot(next)
	if nextTCB != nil {
		nextTCB.State = task.StateRunning
		nextTCB.LastRunTS = s.now()
	}
	s.contextSwitches++
	s.current = next
	s.mgr.SetCurrent(next)
	if s.tss != nil && nextTCB != nil && nextTCB.UserStarted {
		s.tss.SetRSP0(nextTCB.KernelStackTop)
	}

	s.mu.Unlock()

	if reapID != task.InvalidTaskID {
		s.mgr.Reap(reapID)
	}
}

// SwitchKind reports which register-level switch spec §4.H step 5
// prescribes for the task the scheduler just selected: kernel-to-kernel
// uses a plain switch, anything landing in CPL=3 uses an IRETQ-style
// switch so the CPU performs the ring transition.
func (s *Scheduler) SwitchKind(taskID uint64) string {
	tcb, ok := s.mgr.Get(taskID)
	if !ok {
		return "plain"
	}
	if tcb.Context.CS&3 == 3 {
		return "iretq"
	}
	return "plain"
}

// Yield implements yield(): explicitly calls schedule() (spec §4.H).
func (s *Scheduler) Yield() {
	s.mu.Lock()
	if tcb := s.mgr.MutableSlot(s.current); tcb != nil {
		tcb.YieldCount++
	}
	s.mu.Unlock()
	s.Schedule()
}

// BlockCurrent implements block_current_task(): moves to blocked and
// reschedules.
func (s *Scheduler) BlockCurrent() {
	s.mu.Lock()
	if tcb := s.mgr.MutableSlot(s.current); tcb != nil {
		tcb.State = task.StateBlocked
	}
	s.mu.Unlock()
	s.Schedule()
}

// WaitForTask implements task_wait_for(id): the current task blocks until
// taskID terminates.
func (s *Scheduler) WaitForTask(taskID uint64) {
	s.mgr.WaitFor(s.Current(), taskID)
	s.Schedule()
}

// TimerTick implements scheduler_timer_tick(), called from the PIT IRQ
// handler (spec §4.H "Preemption").
func (s *Scheduler) TimerTick(_ *interrupts.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tcb := s.mgr.MutableSlot(s.current)
	if tcb == nil || tcb.Flags&task.FlagNoPreempt != 0 {
		return
	}
	if tcb.TimeSliceRemaining > 0 {
		tcb.TimeSliceRemaining--
	}
	if tcb.TimeSliceRemaining == 0 && s.queueLen > 0 {
		s.reschedulePending.Store(true)
	}
}

// ConsumeReschedulePending implements interrupts.Rescheduler.
func (s *Scheduler) ConsumeReschedulePending() bool {
	if s.reschedulePending.Load() {
		s.reschedulePending.Store(false)
		return true
	}
	return false
}

// SetPreemptionEnabled globally toggles preemption; when off, the PIT
// line is masked (spec §4.H).
func (s *Scheduler) SetPreemptionEnabled(on bool) {
	s.preemptionEnabled.Store(on)
	if s.timerLine != nil {
		s.timerLine.Mask(!on)
	}
}

func (s *Scheduler) PreemptionEnabled() bool { return s.preemptionEnabled.Load() }
