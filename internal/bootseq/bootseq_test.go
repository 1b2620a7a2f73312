package bootseq

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCmdlineRecognizesAllTokens(t *testing.T) {
	cl := ParseCmdline("boot.debug=on demo=enabled video=off")
	require.True(t, cl.Debug)
	require.True(t, cl.Demo)
	require.True(t, cl.VideoOff)
	require.False(t, cl.OptionalDisabled)
}

func TestParseCmdlineBootdebugAlias(t *testing.T) {
	cl := ParseCmdline("bootdebug=on")
	require.True(t, cl.Debug)
}

func TestParseCmdlineNoDemoDisablesOptionalAndDemo(t *testing.T) {
	cl := ParseCmdline("no-demo")
	require.False(t, cl.Demo)
	require.True(t, cl.OptionalDisabled)
}

func TestParseCmdlineDemoOffDisablesOptional(t *testing.T) {
	cl := ParseCmdline("demo=off")
	require.False(t, cl.Demo)
	require.True(t, cl.OptionalDisabled)
}

func TestParseCmdlineDefaultsDemoOn(t *testing.T) {
	cl := ParseCmdline("")
	require.True(t, cl.Demo)
	require.False(t, cl.Debug)
	require.False(t, cl.OptionalDisabled)
}

func TestParseCmdlineIgnoresUnrecognizedTokens(t *testing.T) {
	cl := ParseCmdline("nonsense=1 garbage")
	require.False(t, cl.Debug)
	require.True(t, cl.Demo)
}

func TestRunExecutesPhasesInOrder(t *testing.T) {
	o := New()
	var order []string
	record := func(name string) func() error {
		return func() error {
			order = append(order, name)
			return nil
		}
	}
	o.Register(PhaseOptional, Step{Name: "opt", Priority: 0, Run: record("opt")})
	o.Register(PhaseEarlyHW, Step{Name: "hw", Priority: 0, Run: record("hw")})
	o.Register(PhaseServices, Step{Name: "svc", Priority: 0, Run: record("svc")})
	o.Register(PhaseMemory, Step{Name: "mem", Priority: 0, Run: record("mem")})
	o.Register(PhaseDrivers, Step{Name: "drv", Priority: 0, Run: record("drv")})

	o.Run(Cmdline{})

	require.Equal(t, []string{"hw", "mem", "drv", "svc", "opt"}, order)
}

func TestRunOrdersStepsWithinPhaseByPriority(t *testing.T) {
	o := New()
	var order []string
	step := func(name string, pri int) Step {
		return Step{Name: name, Priority: pri, Run: func() error {
			order = append(order, name)
			return nil
		}}
	}
	o.Register(PhaseDrivers, step("c", 10))
	o.Register(PhaseDrivers, step("a", 1))
	o.Register(PhaseDrivers, step("b", 5))

	o.Run(Cmdline{})

	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestRunStableForEqualPriority(t *testing.T) {
	o := New()
	var order []string
	step := func(name string) Step {
		return Step{Name: name, Priority: 1, Run: func() error {
			order = append(order, name)
			return nil
		}}
	}
	o.Register(PhaseDrivers, step("first"))
	o.Register(PhaseDrivers, step("second"))
	o.Register(PhaseDrivers, step("third"))

	o.Run(Cmdline{})

	require.Equal(t, []string{"first", "second", "third"}, order)
}

func TestRunSkipsOptionalPhaseWhenDisabled(t *testing.T) {
	o := New()
	ran := false
	o.Register(PhaseOptional, Step{Name: "demo", Run: func() error { ran = true; return nil }})

	o.Run(Cmdline{OptionalDisabled: true})

	require.False(t, ran)
}

func TestRunRunsOptionalPhaseWhenEnabled(t *testing.T) {
	o := New()
	ran := false
	o.Register(PhaseOptional, Step{Name: "demo", Run: func() error { ran = true; return nil }})

	o.Run(Cmdline{})

	require.True(t, ran)
}

func TestRunMandatoryFailurePanicsWithFatalError(t *testing.T) {
	o := New()
	o.Register(PhaseDrivers, Step{Name: "bad", Run: func() error { return errors.New("boom") }})

	defer func() {
		r := recover()
		require.NotNil(t, r)
		fe, ok := r.(FatalError)
		require.True(t, ok)
		require.Equal(t, PhaseDrivers, fe.Phase)
		require.Equal(t, "bad", fe.Step)
	}()
	o.Run(Cmdline{})
}

func TestRunOptionalStepFailureIsLoggedAndSkipped(t *testing.T) {
	o := New()
	after := false
	o.Register(PhaseDrivers, Step{Name: "bad", Optional: true, Run: func() error { return errors.New("boom") }})
	o.Register(PhaseDrivers, Step{Name: "good", Priority: 1, Run: func() error { after = true; return nil }})

	require.NotPanics(t, func() { o.Run(Cmdline{}) })
	require.True(t, after)
}

func TestRunPanicsOnReentry(t *testing.T) {
	o := New()
	o.Register(PhaseEarlyHW, Step{Name: "reenter", Run: func() error {
		o.Run(Cmdline{})
		return nil
	}})

	require.Panics(t, func() { o.Run(Cmdline{}) })
}
