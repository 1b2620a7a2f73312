// Package klog is the verbosity-gated logging front-end every kernel-core
// package logs through. It fans out to gvisor's kernel logger (for leveled,
// formatted output) and to the adapted binary event log in internal/debug
// (for the serial-log / crash-trace ring the panic path dumps).
package klog

import (
	"fmt"
	"sync/atomic"

	"github.com/fabbboy/slopos/internal/debug"
	"gvisor.dev/gvisor/pkg/log"
)

// verbose mirrors the boot.debug / bootdebug command-line token (§6). It
// starts false: early_hw has not parsed the command line yet when the very
// first boot step logs its own start.
var verbose atomic.Bool

// SetVerbose is called by the early_hw boot step once the command line has
// been parsed.
func SetVerbose(v bool) {
	verbose.Store(v)
	if v {
		log.SetLevel(log.Debug)
	} else {
		log.SetLevel(log.Info)
	}
}

// Verbose reports the current boot.debug setting.
func Verbose() bool {
	return verbose.Load()
}

// Component is a named logging source, analogous to debug.WithSource.
type Component struct {
	name string
	sink debug.Debug
}

// New returns a Component tagged with name (e.g. "pagealloc", "sched").
func New(name string) *Component {
	return &Component{name: name, sink: debug.WithSource(name)}
}

// Infof logs at info level; always recorded to the crash-trace ring,
// printed to the serial console only when boot.debug is on.
func (c *Component) Infof(format string, args ...any) {
	c.sink.Writef(format, args...)
	if verbose.Load() {
		log.Infof("[%s] "+format, append([]any{c.name}, args...)...)
	}
}

// Debugf is like Infof but never printed unless boot.debug is on, even to
// the crash-trace ring — reserved for hot-path tracing that would otherwise
// flood the ring buffer.
func (c *Component) Debugf(format string, args ...any) {
	if !verbose.Load() {
		return
	}
	c.sink.Writef(format, args...)
	log.Debugf("[%s] "+format, append([]any{c.name}, args...)...)
}

// Warnf logs a recoverable, user-visible condition (§7 "optional subsystem
// failure" / "user misbehavior" buckets). Always recorded and always
// printed regardless of verbosity.
func (c *Component) Warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.sink.Warn(msg)
	log.Warningf("[%s] %s", c.name, msg)
}

// Fatalf records a fatal invariant violation (§7 first bucket) to the
// crash-trace ring and panics. Callers at a bootseq step boundary should
// prefer returning bootseq.FatalError instead so the orchestrator can
// attribute the phase/step name; Fatalf is for invariant checks deep inside
// a subsystem where there is no step boundary to unwind to.
func (c *Component) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.sink.Fatal(msg)
	log.Warningf("[%s] FATAL: %s", c.name, msg)
	for _, r := range debug.CrashTrace() {
		log.Warningf("  trace: %s", r)
	}
	panic(fmt.Sprintf("%s: %s", c.name, msg))
}
