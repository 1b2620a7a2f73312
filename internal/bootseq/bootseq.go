// Package bootseq implements the phased boot orchestrator of spec §4.A:
// an ordered, registry-based init sequence (early_hw -> memory -> drivers
// -> services -> optional) where each step reports pass/fail, mandatory
// failures are fatal, optional failures are logged and skipped, and the
// whole optional phase can be gated off by a boot command-line token.
package bootseq

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fabbboy/slopos/internal/klog"
)

// Phase names the five boot phases, always run in this order.
type Phase string

const (
	PhaseEarlyHW  Phase = "early_hw"
	PhaseMemory   Phase = "memory"
	PhaseDrivers  Phase = "drivers"
	PhaseServices Phase = "services"
	PhaseOptional Phase = "optional"
)

// phaseOrder is the strict execution order spec §4.A names.
var phaseOrder = []Phase{PhaseEarlyHW, PhaseMemory, PhaseDrivers, PhaseServices, PhaseOptional}

// Step is one registered boot action. Steps within a phase run in
// ascending Priority order (stable, so equal-priority steps keep
// registration order).
type Step struct {
	Name     string
	Priority int
	Optional bool
	Run      func() error
}

// FatalError is panicked when a mandatory step fails, naming the phase
// and step so the panic handler can attribute it precisely.
type FatalError struct {
	Phase Phase
	Step  string
	Err   error
}

func (e FatalError) Error() string {
	return fmt.Sprintf("bootseq: fatal failure in phase=%s step=%q: %v", e.Phase, e.Step, e.Err)
}

func (e FatalError) Unwrap() error { return e.Err }

// Cmdline is the parsed boot command line (spec §6): recognized tokens
// toggle log verbosity and the optional-phase gate.
type Cmdline struct {
	Debug            bool
	Demo             bool
	VideoOff         bool
	OptionalDisabled bool
}

// ParseCmdline parses a space-separated ASCII token string (spec §6).
// Unrecognized tokens are ignored, matching "recognized tokens" being an
// allow-list rather than a strict grammar.
func ParseCmdline(line string) Cmdline {
	cl := Cmdline{Demo: true}
	for _, tok := range strings.Fields(line) {
		switch {
		case strings.HasPrefix(tok, "boot.debug="):
			cl.Debug = parseBoolToken(strings.TrimPrefix(tok, "boot.debug="))
		case strings.HasPrefix(tok, "bootdebug="):
			cl.Debug = parseBoolToken(strings.TrimPrefix(tok, "bootdebug="))
		case strings.HasPrefix(tok, "demo="):
			v := strings.TrimPrefix(tok, "demo=")
			cl.Demo = v == "on" || v == "enabled"
			if v == "off" || v == "disabled" {
				cl.OptionalDisabled = true
			}
		case tok == "video=off":
			cl.VideoOff = true
		case tok == "no-demo":
			cl.Demo = false
			cl.OptionalDisabled = true
		}
	}
	return cl
}

func parseBoolToken(s string) bool {
	switch s {
	case "on", "1", "true":
		return true
	default:
		return false
	}
}

// Orchestrator runs the registered steps phase by phase.
type Orchestrator struct {
	steps   map[Phase][]Step
	running bool
	log     *klog.Component
}

// New builds an empty orchestrator; callers Register steps before Run.
func New() *Orchestrator {
	return &Orchestrator{
		steps: make(map[Phase][]Step),
		log:   klog.New("bootseq"),
	}
}

// Register adds step to phase. Order of registration only matters among
// steps of equal Priority (spec §4.A "sorted by ascending priority,
// stable").
func (o *Orchestrator) Register(phase Phase, step Step) {
	o.steps[phase] = append(o.steps[phase], step)
}

// Run executes every phase in order. cl.OptionalDisabled skips the whole
// optional phase without invoking any of its steps (spec §4.A "a step may
// be skipped entirely when optional steps are globally disabled").
//
// Run panics with a FatalError when a mandatory step fails; it never
// re-enters itself (spec §4.A "the orchestrator never re-enters itself").
func (o *Orchestrator) Run(cl Cmdline) {
	if o.running {
		o.log.Fatalf("bootseq: Run invoked while already running")
	}
	o.running = true
	defer func() { o.running = false }()

	for _, phase := range phaseOrder {
		if phase == PhaseOptional && cl.OptionalDisabled {
			o.log.Infof("phase=%s skipped (optional steps globally disabled)", phase)
			continue
		}
		o.runPhase(phase)
	}
}

func (o *Orchestrator) runPhase(phase Phase) {
	steps := append([]Step(nil), o.steps[phase]...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Priority < steps[j].Priority })

	for _, step := range steps {
		if step.Optional && step.Run == nil {
			continue
		}
		err := step.Run()
		if err == nil {
			o.log.Infof("phase=%s step=%q ok", phase, step.Name)
			continue
		}
		if step.Optional {
			o.log.Warnf("phase=%s step=%q failed (optional, continuing): %v", phase, step.Name, err)
			continue
		}
		o.log.Warnf("phase=%s step=%q failed (mandatory): %v", phase, step.Name, err)
		panic(FatalError{Phase: phase, Step: step.Name, Err: err})
	}
}
