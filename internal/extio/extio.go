// Package extio names the interfaces SlopOS's core kernel engine calls
// against for collaborators that spec.md places out of scope: serial/COM
// byte I/O, PIT/IOAPIC/APIC register pokes, PCI enumeration, framebuffer
// pixel plotting, the RAM filesystem, and shell built-ins. The core engine
// owns none of these implementations; it only needs something satisfying
// the interface so syscalls like write, fb_info, or fs_open have somewhere
// to go. cmd/slopos supplies concrete (demo-quality) implementations.
package extio

import "io"

// Console is the serial/COM collaborator. The core writes syscall output
// (write(2)-style) and reads console input (read(2)-style, for the
// gatekeeper/shell user task) through it.
type Console interface {
	io.Writer
	io.Reader
}

// TimerLine is the PIT collaborator: the services phase's scheduler step
// arms it and the scheduler's preemption toggle masks it at
// the line when preemption is globally disabled (§4.H).
type TimerLine interface {
	// SetFrequencyHz programs the PIT for periodic ticks.
	SetFrequencyHz(hz uint32)
	// Mask gates the IRQ line without reprogramming the PIT.
	Mask(masked bool)
}

// InterruptController is the IOAPIC/Local-APIC collaborator. The interrupt
// core asks it to route a GSI to a vector and to acknowledge (EOI) a
// handled vector.
type InterruptController interface {
	RouteGSI(gsi uint32, vector uint8, levelTriggered bool)
	EndOfInterrupt(vector uint8)
}

// PCIEnumerator is the PCI collaborator; optional-phase boot steps that
// depend on enumerated devices take one of these instead of walking config
// space themselves.
type PCIEnumerator interface {
	Enumerate() ([]PCIDevice, error)
}

// PCIDevice is the minimal shape a PCI enumerator reports.
type PCIDevice struct {
	Bus, Slot, Func uint8
	VendorID        uint16
	DeviceID        uint16
	BARs            [6]uint64
}

// Framebuffer is the gfx_* / fb_info / font_draw syscall collaborator.
type Framebuffer interface {
	Info() FramebufferInfo
	FillRect(x, y, w, h int32, colorRGBA uint32) error
	DrawLine(x0, y0, x1, y1 int32, colorRGBA uint32) error
	DrawCircle(cx, cy, r int32, colorRGBA uint32, filled bool) error
	DrawGlyph(x, y int32, ch byte, colorRGBA uint32) error
}

// FramebufferInfo mirrors the fb_info syscall's payload.
type FramebufferInfo struct {
	Width, Height uint32
	Stride        uint32
	BitsPerPixel  uint8
}

// RAMFilesystem is the fs_{open,close,read,write,stat,mkdir,unlink,list}
// collaborator. All content is volatile (§6 "Persisted state: none").
type RAMFilesystem interface {
	Open(path string, flags uint32) (fd int32, err error)
	Close(fd int32) error
	Read(fd int32, buf []byte) (int, error)
	Write(fd int32, buf []byte) (int, error)
	Stat(path string) (FileInfo, error)
	Mkdir(path string) error
	Unlink(path string) error
	List(path string) ([]FileInfo, error)
}

// FileInfo mirrors the fs_stat payload.
type FileInfo struct {
	Name  string
	Size  uint64
	IsDir bool
}

// RandomSource backs the random_next syscall.
type RandomSource interface {
	Next() uint64
}

// GamblingLedger is the "wheel of fate" collaborator: a whimsical
// win/loss counter the roulette_spin/roulette_result syscalls and the
// user-copy validation-failure path (§4.I) both drive. Its policy (the
// threshold, what a "win" even means) is entirely the collaborator's; the
// core only spins it and awards losses.
type GamblingLedger interface {
	// Spin records a roulette_spin call and returns the counter's new value.
	Spin() uint64
	// Crossed reports whether the counter has crossed the configured
	// threshold since the last reset (roulette_result).
	Crossed() bool
	// AwardLoss records a loss, e.g. on a failed copy_from_user/copy_to_user.
	AwardLoss()
}
