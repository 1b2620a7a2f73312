// Package demo supplies concrete, demo-quality implementations of every
// internal/extio collaborator interface, for cmd/slopos's interactive
// session and its test fixtures. None of this is part of the kernel core;
// it is the "whatever boots the kernel" half of the split SPEC_FULL.md's
// Configuration section describes.
package demo

import (
	"bufio"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/vt"
	"github.com/fabbboy/slopos/internal/chipset"
	"github.com/fabbboy/slopos/internal/extio"
	"golang.org/x/term"
)

// TermConsole is the demo extio.Console: a VT100 emulator (so the kernel's
// write(2) output is interpreted as a real terminal stream rather than
// raw bytes) mirrored to the host terminal, with stdin read through raw
// mode when attached to a tty. Grounded on the teacher's internal/term
// package, which wires the same charmbracelet/x/vt emulator into a
// graphics window; this is the same wiring without the window.
type TermConsole struct {
	out     io.Writer
	in      *bufio.Reader
	emu     *vt.SafeEmulator
	restore func()
}

// NewTermConsole builds a console over the host's stdin/stdout. If stdin
// is a real terminal it is switched to raw mode so keystrokes reach the
// simulated gatekeeper task one byte at a time, matching a real serial
// line's behavior; Close restores cooked mode.
func NewTermConsole() *TermConsole {
	c := &TermConsole{
		out:     os.Stdout,
		in:      bufio.NewReader(os.Stdin),
		emu:     vt.NewSafeEmulator(100, 32),
		restore: func() {},
	}
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		if old, err := term.MakeRaw(fd); err == nil {
			c.restore = func() { _ = term.Restore(fd, old) }
		}
	}
	return c
}

func (c *TermConsole) Write(p []byte) (int, error) {
	_, _ = c.emu.Write(p)
	return c.out.Write(p)
}

func (c *TermConsole) Read(p []byte) (int, error) { return c.in.Read(p) }

// Close restores the host terminal's original mode and releases the VT
// emulator's internal goroutines.
func (c *TermConsole) Close() error {
	c.restore()
	return c.emu.Close()
}

// WheelOfFate is the demo extio.GamblingLedger: spec.md §6 places its
// policy entirely out of scope, so this counter/threshold pair is the
// "whimsical" implementation cmd/slopos supplies, not kernel logic.
type WheelOfFate struct {
	mu        sync.Mutex
	count     uint64
	threshold uint64
	losses    uint64
}

// NewWheelOfFate builds a ledger that reports Crossed once Spin has been
// called threshold times.
func NewWheelOfFate(threshold uint64) *WheelOfFate {
	return &WheelOfFate{threshold: threshold}
}

func (w *WheelOfFate) Spin() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.count++
	return w.count
}

func (w *WheelOfFate) Crossed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count >= w.threshold
}

func (w *WheelOfFate) AwardLoss() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.losses++
}

// Losses reports the running loss count, for cmd/slopos's boot summary.
func (w *WheelOfFate) Losses() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.losses
}

var _ extio.GamblingLedger = (*WheelOfFate)(nil)
var _ extio.Console = (*TermConsole)(nil)

// PRNG is the demo extio.RandomSource. math/rand/v2 is stdlib rather than
// an example-pack dependency because none of the pack's repos carry a
// PRNG library of their own (their randomness needs, where they have
// any, are all satisfied by the standard library too); see DESIGN.md.
type PRNG struct {
	mu  sync.Mutex
	src *rand.Rand
}

// NewPRNG seeds a PRNG from seed, so fixture-driven demo runs (and tests
// constructed around this package) are reproducible.
func NewPRNG(seed uint64) *PRNG {
	return &PRNG{src: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (p *PRNG) Next() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.src.Uint64()
}

var _ extio.RandomSource = (*PRNG)(nil)

// RAMFS is the demo extio.RAMFilesystem: an in-memory, volatile file
// table, matching spec §6's "persisted state: none".
type RAMFS struct {
	mu     sync.Mutex
	files  map[string][]byte
	dirs   map[string]bool
	fds    map[int32]*fsHandle
	nextFD int32
}

type fsHandle struct {
	path string
	pos  int
}

// NewRAMFS builds an empty in-memory filesystem rooted at "/".
func NewRAMFS() *RAMFS {
	return &RAMFS{
		files: make(map[string][]byte),
		dirs:  map[string]bool{"/": true},
		fds:   make(map[int32]*fsHandle),
	}
}

func (f *RAMFS) Open(path string, flags uint32) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[path]; !ok {
		f.files[path] = nil
	}
	f.nextFD++
	fd := f.nextFD
	f.fds[fd] = &fsHandle{path: path}
	return fd, nil
}

func (f *RAMFS) Close(fd int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.fds[fd]; !ok {
		return fmt.Errorf("demo: fd %d not open", fd)
	}
	delete(f.fds, fd)
	return nil
}

func (f *RAMFS) Read(fd int32, buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.fds[fd]
	if !ok {
		return 0, fmt.Errorf("demo: fd %d not open", fd)
	}
	data := f.files[h.path]
	if h.pos >= len(data) {
		return 0, io.EOF
	}
	n := copy(buf, data[h.pos:])
	h.pos += n
	return n, nil
}

func (f *RAMFS) Write(fd int32, buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.fds[fd]
	if !ok {
		return 0, fmt.Errorf("demo: fd %d not open", fd)
	}
	data := f.files[h.path]
	if h.pos+len(buf) > len(data) {
		grown := make([]byte, h.pos+len(buf))
		copy(grown, data)
		data = grown
	}
	copy(data[h.pos:], buf)
	f.files[h.path] = data
	h.pos += len(buf)
	return len(buf), nil
}

func (f *RAMFS) Stat(path string) (extio.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dirs[path] {
		return extio.FileInfo{Name: path, IsDir: true}, nil
	}
	data, ok := f.files[path]
	if !ok {
		return extio.FileInfo{}, fmt.Errorf("demo: %s not found", path)
	}
	return extio.FileInfo{Name: path, Size: uint64(len(data))}, nil
}

func (f *RAMFS) Mkdir(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs[path] = true
	return nil
}

func (f *RAMFS) Unlink(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[path]; !ok {
		return fmt.Errorf("demo: %s not found", path)
	}
	delete(f.files, path)
	return nil
}

func (f *RAMFS) List(path string) ([]extio.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := path
	if prefix != "/" {
		prefix += "/"
	}
	var out []extio.FileInfo
	for name, data := range f.files {
		if name != path && !strings.HasPrefix(name, prefix) {
			continue
		}
		out = append(out, extio.FileInfo{Name: name, Size: uint64(len(data))})
	}
	return out, nil
}

var _ extio.RAMFilesystem = (*RAMFS)(nil)

// PIT is the demo extio.TimerLine: a host time.Ticker standing in for the
// 8254 Programmable Interval Timer, ticking a callback (normally
// sched.Scheduler.TimerTick) at the programmed frequency until masked.
type PIT struct {
	mu     sync.Mutex
	ticker *time.Ticker
	masked bool
	stopCh chan struct{}
	tick   func()
}

// NewPIT builds a timer line that invokes tick on every period once
// started; it starts unmasked at 0Hz (no ticking) until SetFrequencyHz.
func NewPIT(tick func()) *PIT {
	return &PIT{tick: tick}
}

func (p *PIT) SetFrequencyHz(hz uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ticker != nil {
		p.ticker.Stop()
		close(p.stopCh)
	}
	if hz == 0 {
		p.ticker = nil
		return
	}
	period := time.Second / time.Duration(hz)
	p.ticker = time.NewTicker(period)
	p.stopCh = make(chan struct{})
	go p.run(p.ticker, p.stopCh)
}

func (p *PIT) run(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			masked := p.masked
			p.mu.Unlock()
			if !masked && p.tick != nil {
				p.tick()
			}
		case <-stop:
			return
		}
	}
}

func (p *PIT) Mask(masked bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.masked = masked
}

var _ extio.TimerLine = (*PIT)(nil)

// IOAPIC is the demo extio.InterruptController, adapting internal/
// chipset's LineSet (the teacher's IOAPIC-facing line model) to the
// narrower RouteGSI/EndOfInterrupt shape the boot sequence's drivers
// phase calls.
type IOAPIC struct {
	lines *chipset.LineSet
}

// NewIOAPIC adapts lines to extio.InterruptController.
func NewIOAPIC(lines *chipset.LineSet) *IOAPIC {
	return &IOAPIC{lines: lines}
}

func (c *IOAPIC) RouteGSI(gsi uint32, vector uint8, levelTriggered bool) {
	c.lines.AllocateLine(uint8(gsi))
}

func (c *IOAPIC) EndOfInterrupt(vector uint8) {
	c.lines.BroadcastEOI(vector)
}

var _ extio.InterruptController = (*IOAPIC)(nil)

// PCI is the demo extio.PCIEnumerator: a fixed device list standing in
// for a real config-space walk, enough to exercise an optional-phase
// "enumerate PCI" boot step.
type PCI struct {
	devices []extio.PCIDevice
}

// NewPCI builds an enumerator reporting devices.
func NewPCI(devices []extio.PCIDevice) *PCI {
	return &PCI{devices: devices}
}

func (p *PCI) Enumerate() ([]extio.PCIDevice, error) {
	return append([]extio.PCIDevice(nil), p.devices...), nil
}

var _ extio.PCIEnumerator = (*PCI)(nil)
