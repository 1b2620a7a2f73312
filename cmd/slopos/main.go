// Command slopos boots the simulated kernel core end to end: it runs
// internal/bootseq's phased orchestrator over a YAML fixture (internal/
// bootcfg) or built-in defaults, wiring internal/memmap through internal/
// syscallabi, then drives a short interactive/demo session against the
// result using the concrete external collaborators in internal/demo.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fabbboy/slopos/internal/acpi"
	"github.com/fabbboy/slopos/internal/bootcfg"
	"github.com/fabbboy/slopos/internal/bootseq"
	"github.com/fabbboy/slopos/internal/chipset"
	"github.com/fabbboy/slopos/internal/debug"
	"github.com/fabbboy/slopos/internal/demo"
	"github.com/fabbboy/slopos/internal/interrupts"
	"github.com/fabbboy/slopos/internal/kheap"
	"github.com/fabbboy/slopos/internal/klog"
	"github.com/fabbboy/slopos/internal/memmap"
	"github.com/fabbboy/slopos/internal/pagealloc"
	"github.com/fabbboy/slopos/internal/paging"
	"github.com/fabbboy/slopos/internal/sched"
	"github.com/fabbboy/slopos/internal/syscallabi"
	"github.com/fabbboy/slopos/internal/task"
	"github.com/schollz/progressbar/v3"
)

// defaultFixture is used when -config names no file: a single usable
// region big enough for the demo boot, the BIOS low-memory reservation,
// and a topology whose MMIO bases Topology.Normalize fills in.
const defaultFixture = `
hhdm_base: 0xffff800000000000
usable:
  - base: 0x100000
    length: 0x4000000
    label: ram
reserved:
  - base: 0x0
    length: 0x100000
    type: bios
    label: bios-low-memory
    no_alloc: true
topology:
  num_cpus: 1
cmdline: "boot.debug=off demo=on"
`

// kernel holds every subsystem instance, wired together by the boot
// phases as each step runs; the optional demo session then drives it.
type kernel struct {
	cl        bootseq.Cmdline
	mmap      *memmap.Map
	alloc     *pagealloc.Allocator
	dir       *paging.Directory
	heap      *kheap.Heap
	topology  acpi.Topology
	lines     *chipset.LineSet
	core      *interrupts.Core
	tasks     *task.Manager
	scheduler *sched.Scheduler
	abi       *syscallabi.ABI

	console *demo.TermConsole
	ledger  *demo.WheelOfFate
	fs      *demo.RAMFS
	rng     *demo.PRNG
	pit     *demo.PIT

	idleTask       uint64
	gatekeeperTask uint64

	clock uint64
}

func (k *kernel) now() uint64 { k.clock++; return k.clock }

func main() {
	configPath := flag.String("config", "", "path to a bootcfg YAML fixture (defaults to a built-in one)")
	cmdlineOverride := flag.String("cmdline", "", "boot command line, overriding the fixture's own")
	flag.Parse()

	fixture, err := loadFixture(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "slopos: %v\n", err)
		os.Exit(1)
	}
	cmdline := fixture.Cmdline
	if *cmdlineOverride != "" {
		cmdline = *cmdlineOverride
	}

	k := &kernel{}
	o := bootseq.New()
	registerPhases(o, k, fixture, cmdline)

	if err := runBoot(o, k); err != nil {
		fmt.Fprintf(os.Stderr, "slopos: %v\n", err)
		for _, r := range debug.CrashTrace() {
			fmt.Fprintf(os.Stderr, "  trace: %s\n", r)
		}
		os.Exit(1)
	}
}

func loadFixture(path string) (bootcfg.Fixture, error) {
	if path == "" {
		return bootcfg.Parse([]byte(defaultFixture))
	}
	return bootcfg.Load(path)
}

// runBoot runs the orchestrator, converting a bootseq.FatalError panic
// into a returned error instead of letting it crash the process, since a
// real firmware panic has no Go caller left to report to.
func runBoot(o *bootseq.Orchestrator, k *kernel) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if fe, ok := r.(bootseq.FatalError); ok {
				err = fe
				return
			}
			panic(r)
		}
	}()
	o.Run(k.cl)
	return nil
}

func registerPhases(o *bootseq.Orchestrator, k *kernel, fixture bootcfg.Fixture, cmdline string) {
	log := klog.New("slopos")

	o.Register(bootseq.PhaseEarlyHW, bootseq.Step{
		Name: "parse-cmdline", Priority: 0,
		Run: func() error {
			k.cl = bootseq.ParseCmdline(cmdline)
			klog.SetVerbose(k.cl.Debug)
			log.Infof("boot command line parsed: debug=%v demo=%v video_off=%v", k.cl.Debug, k.cl.Demo, k.cl.VideoOff)
			return nil
		},
	})

	o.Register(bootseq.PhaseMemory, bootseq.Step{
		Name: "build-memmap", Priority: 0,
		Run: func() error {
			m, err := fixture.BuildMap()
			if err != nil {
				return err
			}
			k.mmap = m
			k.alloc = pagealloc.New(m, 0)
			dir, err := paging.NewKernel(k.alloc)
			if err != nil {
				return err
			}
			k.dir = dir
			k.heap = kheap.New(dir, k.alloc, 0xffffffffa0000000, 0xffffffffa0000000+16<<20)
			return nil
		},
	})
	o.Register(bootseq.PhaseMemory, bootseq.Step{
		Name: "acpi-topology", Priority: 1,
		Run: func() error {
			k.topology = fixture.BuildTopology()
			if err := k.mmap.Reserve(uint64(k.topology.LAPICBase), pagealloc.PageSize,
				memmap.FlagMMIO|memmap.FlagExcludeAllocators, "lapic", "local-apic"); err != nil {
				return err
			}
			if err := k.mmap.Reserve(uint64(k.topology.IOAPIC.Address), pagealloc.PageSize,
				memmap.FlagMMIO|memmap.FlagExcludeAllocators, "ioapic", "io-apic"); err != nil {
				return err
			}
			return nil
		},
	})

	o.Register(bootseq.PhaseDrivers, bootseq.Step{
		Name: "interrupt-core", Priority: 0,
		Run: func() error {
			k.lines = chipset.NewLineSet(nil)
			k.core = interrupts.New(k.lines)
			ioapic := demo.NewIOAPIC(k.lines)
			for _, ov := range k.topology.ISAOverrides {
				ioapic.RouteGSI(ov.GSI, irqBaseVector+ov.IRQ, ov.Flags&0x8 != 0)
			}
			return nil
		},
	})
	o.Register(bootseq.PhaseDrivers, bootseq.Step{
		Name: "pci-enumerate", Priority: 1, Optional: true,
		Run: func() error {
			pci := demo.NewPCI(nil)
			devs, err := pci.Enumerate()
			if err != nil {
				return err
			}
			log.Infof("pci: %d devices enumerated", len(devs))
			return nil
		},
	})

	o.Register(bootseq.PhaseServices, bootseq.Step{
		Name: "task-manager", Priority: 0,
		Run: func() error {
			k.tasks = task.New(16, k.dir, k.heap, k.alloc, k.now)
			return nil
		},
	})
	o.Register(bootseq.PhaseServices, bootseq.Step{
		Name: "scheduler", Priority: 1,
		Run: func() error {
			k.pit = demo.NewPIT(func() {
				if k.scheduler != nil {
					k.scheduler.TimerTick(nil)
				}
			})
			k.scheduler = sched.New(k.tasks, 16, k.pit, k.now)
			k.core.SetScheduler(k.scheduler)
			k.core.SetTaskTerminator(k.tasks)
			k.pit.SetFrequencyHz(100)
			return nil
		},
	})
	o.Register(bootseq.PhaseServices, bootseq.Step{
		Name: "syscall-abi", Priority: 2,
		Run: func() error {
			k.abi = syscallabi.New(k.tasks, k.scheduler, k.alloc, k.heap, k.now)
			k.console = demo.NewTermConsole()
			k.ledger = demo.NewWheelOfFate(7)
			k.fs = demo.NewRAMFS()
			k.rng = demo.NewPRNG(uint64(time.Now().UnixNano()))
			k.abi.SetConsole(k.console)
			k.abi.SetGamblingLedger(k.ledger)
			k.abi.SetFilesystem(k.fs)
			k.abi.SetRandomSource(k.rng)
			k.core.SetSyscallDispatcher(k.abi)
			return nil
		},
	})
	o.Register(bootseq.PhaseServices, bootseq.Step{
		Name: "idle-task", Priority: 3,
		Run: func() error {
			id, err := k.tasks.Create(task.CreateOpts{Name: "idle", Mode: task.ModeKernel, Entry: 0, DefaultQuantum: sched.DefaultQuantum})
			if err != nil {
				return err
			}
			k.idleTask = id
			k.scheduler.SetIdleTask(id)
			return nil
		},
	})
	o.Register(bootseq.PhaseServices, bootseq.Step{
		Name: "gatekeeper-task", Priority: 4,
		Run: func() error {
			id, err := k.tasks.Create(task.CreateOpts{Name: "gatekeeper", Mode: task.ModeUser, Entry: 0x400000, DefaultQuantum: sched.DefaultQuantum})
			if err != nil {
				return err
			}
			k.gatekeeperTask = id
			if !k.scheduler.Enqueue(id) {
				return fmt.Errorf("slopos: ready queue full at boot")
			}
			return nil
		},
	})

	o.Register(bootseq.PhaseOptional, bootseq.Step{
		Name: "demo-session", Priority: 0, Optional: true,
		Run: func() error { return runDemoSession(k) },
	})
}

// irqBaseVector is where IRQ 0 lands in the vector space (spec §4.F).
const irqBaseVector = 32

// runDemoSession exercises the booted kernel for a handful of scheduler
// ticks, printing a progress readout and a couple of roulette spins
// through the syscall ABI, the way a real gatekeeper session would via
// trapped syscalls rather than calling ABI methods directly — here we
// call Dispatch with hand-built frames to play the role of "user code
// trapping in", since there is no real CPU to trap from.
func runDemoSession(k *kernel) error {
	if !k.cl.Demo {
		return nil
	}
	defer k.console.Close()

	bar := progressbar.Default(5, "booting slopos")
	phases := []string{"early_hw", "memory", "drivers", "services", "optional"}
	for _, p := range phases {
		fmt.Fprintf(k.console, "\r\n[slopos] phase %s ready\r\n", p)
		_ = bar.Add(1)
		time.Sleep(30 * time.Millisecond)
	}
	_ = bar.Close()

	k.scheduler.Schedule()
	for range 3 {
		frame := &interrupts.Frame{RAX: uint64(syscallabi.RouletteSpin)}
		k.abi.Dispatch(frame)
		fmt.Fprintf(k.console, "[slopos] wheel of fate spin -> %d\r\n", frame.RAX)
		k.scheduler.Schedule()
	}

	info := k.abi.BuildSysInfo()
	fmt.Fprintf(k.console, "[slopos] frames=%d/%d heap_used=%d losses=%d\r\n",
		info.FreeFrames, info.TotalFrames, info.HeapUsed, k.ledger.Losses())

	return nil
}
