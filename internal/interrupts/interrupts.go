// Package interrupts implements the interrupt core of spec §4.F: a
// software model of the IDT's 256 vectors, the syscall/IRQ/exception
// dispatch tree, user-mode fault policy, and guard-page protection. It
// wires through internal/chipset's LineSet for IOAPIC-side EOI broadcast,
// the way the teacher's RV64 PLIC model (_examples/tinyrange-cc/internal/
// hv/riscv/rv64/plic.go) sits between a raw interrupt line and the CPU's
// trap entry point.
package interrupts

import (
	"fmt"

	"github.com/fabbboy/slopos/internal/chipset"
	"github.com/fabbboy/slopos/internal/klog"
)

const (
	vectorCount      = 256
	exceptionVectors = 32
	irqBase          = 32
	irqCount         = 16
	SyscallVector    = 0x80
)

// Exception vectors the user-mode fault policy and critical-set checks
// name explicitly (spec §4.F).
const (
	vectorNMI            uint8 = 2
	vectorInvalidOpcode  uint8 = 6
	vectorDeviceNotAvail uint8 = 7
	vectorDoubleFault    uint8 = 8
	vectorGeneralProtect uint8 = 13
	vectorPageFault      uint8 = 14
	vectorMachineCheck   uint8 = 18
)

var criticalVectors = map[uint8]bool{
	vectorNMI:          true,
	vectorDoubleFault:  true,
	vectorMachineCheck: true,
}

// FaultReason mirrors the TCB's fault_reason field (spec §3) for the
// subset of exceptions that can terminate a user task in place.
type FaultReason uint8

const (
	FaultNone FaultReason = iota
	FaultPageFault
	FaultGeneralProtection
	FaultInvalidOpcode
	FaultDeviceNotAvailable
)

func (r FaultReason) String() string {
	switch r {
	case FaultPageFault:
		return "page_fault"
	case FaultGeneralProtection:
		return "general_protection"
	case FaultInvalidOpcode:
		return "invalid_opcode"
	case FaultDeviceNotAvailable:
		return "device_not_available"
	default:
		return "none"
	}
}

func faultReasonFor(vector uint8) (FaultReason, bool) {
	switch vector {
	case vectorPageFault:
		return FaultPageFault, true
	case vectorGeneralProtect:
		return FaultGeneralProtection, true
	case vectorInvalidOpcode:
		return FaultInvalidOpcode, true
	case vectorDeviceNotAvail:
		return FaultDeviceNotAvailable, true
	default:
		return FaultNone, false
	}
}

// Frame is the trap frame the CPU model pushes and the dispatcher
// inspects. GPR naming follows the x86_64 System V layout.
type Frame struct {
	Vector    uint8
	ErrorCode uint64
	FaultAddr uint64 // CR2, meaningful only for vectorPageFault

	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	RIP, RFLAGS, RSP uint64
	CS, SS           uint16
}

// FromUserMode reports whether the frame was taken from CPL=3 (CS.RPL
// bits, spec §4.F "originate from CPL=3 (CS.RPL bits)").
func (f *Frame) FromUserMode() bool { return f.CS&3 == 3 }

func (f *Frame) String() string {
	return fmt.Sprintf("vector=%d err=0x%x rip=0x%x cs=0x%x rsp=0x%x rflags=0x%x cr2=0x%x",
		f.Vector, f.ErrorCode, f.RIP, f.CS, f.RSP, f.RFLAGS, f.FaultAddr)
}

// ExceptionHandler and IRQHandler are the two pluggable handler shapes.
type ExceptionHandler func(*Frame)
type IRQHandler func(*Frame)

// SyscallDispatcher is implemented by internal/syscallabi; the interrupt
// core never interprets syscall numbers itself (spec §4.F item 1).
type SyscallDispatcher interface {
	Dispatch(*Frame)
}

// TaskTerminator is implemented by internal/task; a user-mode fault
// terminates the current task with the matching FaultReason.
type TaskTerminator interface {
	TerminateCurrentFaulted(reason FaultReason)
}

// Rescheduler is implemented by internal/sched. The post-IRQ hook
// consumes the pending flag the scheduler's own timer tick set and, only
// then, calls Schedule (spec §4.H).
type Rescheduler interface {
	ConsumeReschedulePending() bool
	Schedule()
}

// Core is the interrupt core: dispatch table, guard-page registry, and
// the collaborators that own tasks/scheduling/syscalls (spec.md keeps
// those concerns in separate components; Core only routes to them).
type Core struct {
	lines      *chipset.LineSet
	syscall    SyscallDispatcher
	terminator TaskTerminator
	sched      Rescheduler
	irqHandlers [irqCount]IRQHandler

	testMode      bool
	testOverrides [exceptionVectors]ExceptionHandler

	guardPages map[uint64]bool

	panicHook func(msg string, frame *Frame) // overridable for tests; nil means real panic

	log *klog.Component
}

// New builds an interrupt core wired to lines for IOAPIC EOI broadcast.
func New(lines *chipset.LineSet) *Core {
	return &Core{
		lines:      lines,
		guardPages: make(map[uint64]bool),
		log:        klog.New("interrupts"),
	}
}

func (c *Core) SetSyscallDispatcher(d SyscallDispatcher) { c.syscall = d }
func (c *Core) SetTaskTerminator(t TaskTerminator)       { c.terminator = t }
func (c *Core) SetScheduler(s Rescheduler)               { c.sched = s }
func (c *Core) SetTestMode(on bool)                      { c.testMode = on }

// RegisterIRQHandler installs the handler for IRQ vector (32-47).
func (c *Core) RegisterIRQHandler(vector uint8, h IRQHandler) error {
	if vector < irqBase || int(vector) >= irqBase+irqCount {
		return fmt.Errorf("interrupts: vector %d is not an IRQ vector", vector)
	}
	c.irqHandlers[vector-irqBase] = h
	return nil
}

// RegisterExceptionTestOverride installs a non-critical exception
// override, active only while test mode is on (spec §4.F item 3).
func (c *Core) RegisterExceptionTestOverride(vector uint8, h ExceptionHandler) error {
	if vector >= exceptionVectors {
		return fmt.Errorf("interrupts: vector %d is not an exception vector", vector)
	}
	if criticalVectors[vector] {
		return fmt.Errorf("interrupts: vector %d is in the critical set, cannot be overridden", vector)
	}
	c.testOverrides[vector] = h
	return nil
}

// RegisterGuardPage / UnregisterGuardPage mark a page-aligned virtual
// address as a guard page (spec §4.F "Guard-page protection").
func (c *Core) RegisterGuardPage(virt uint64) { c.guardPages[virt&^0xfff] = true }
func (c *Core) UnregisterGuardPage(virt uint64) { delete(c.guardPages, virt&^0xfff) }
func (c *Core) isGuardPage(addr uint64) bool    { return c.guardPages[addr&^0xfff] }

// Dispatch routes one trapped vector (spec §4.F "Dispatch dispatcher").
func (c *Core) Dispatch(frame *Frame) {
	switch {
	case frame.Vector == SyscallVector:
		if c.syscall != nil {
			c.syscall.Dispatch(frame)
		} else {
			c.log.Warnf("syscall vector trapped with no dispatcher installed")
		}
	case frame.Vector >= irqBase && int(frame.Vector) < irqBase+irqCount:
		c.dispatchIRQ(frame)
		c.runPostIRQHook()
	case frame.Vector < exceptionVectors:
		c.dispatchException(frame)
	default:
		c.log.Warnf("unhandled vector %d", frame.Vector)
	}
}

func (c *Core) dispatchIRQ(frame *Frame) {
	idx := frame.Vector - irqBase
	if h := c.irqHandlers[idx]; h != nil {
		h(frame)
	} else {
		c.log.Warnf("unhandled IRQ vector %d", frame.Vector)
	}
	if c.lines != nil {
		c.lines.BroadcastEOI(frame.Vector)
	}
}

func (c *Core) runPostIRQHook() {
	if c.sched != nil && c.sched.ConsumeReschedulePending() {
		c.sched.Schedule()
	}
}

func (c *Core) dispatchException(frame *Frame) {
	if criticalVectors[frame.Vector] {
		c.panic("critical exception", frame)
		return
	}
	if frame.Vector == vectorPageFault && c.isGuardPage(frame.FaultAddr) {
		c.panic("exception stack overflow", frame)
		return
	}
	if c.testMode {
		if h := c.testOverrides[frame.Vector]; h != nil {
			h(frame)
			return
		}
	}
	if reason, ok := faultReasonFor(frame.Vector); ok && frame.FromUserMode() {
		c.handleUserFault(frame, reason)
		return
	}
	c.panic(fmt.Sprintf("unhandled exception vector %d", frame.Vector), frame)
}

func (c *Core) handleUserFault(frame *Frame, reason FaultReason) {
	c.log.Warnf("user task faulted: %s at rip=0x%x", reason, frame.RIP)
	if c.terminator != nil {
		c.terminator.TerminateCurrentFaulted(reason)
	}
	if c.sched != nil {
		c.sched.Schedule()
	}
}

// panic logs a full frame dump and hands off to panicHook if a test
// installed one, otherwise panics for real through klog's Fatalf (spec:
// "panic with a full frame dump").
func (c *Core) panic(msg string, frame *Frame) {
	if c.panicHook != nil {
		c.log.Warnf("%s: %s", msg, frame)
		c.panicHook(msg, frame)
		return
	}
	c.log.Fatalf("%s: %s", msg, frame)
}

// SetPanicHook lets tests observe a panic without unwinding the goroutine,
// mirroring the "non-critical overrides" escape hatch test mode gives the
// exception path.
func (c *Core) SetPanicHook(h func(msg string, frame *Frame)) { c.panicHook = h }
