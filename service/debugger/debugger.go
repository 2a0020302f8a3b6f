// Package debugger provides the in-process debug session: it owns the
// guest runtime, attaches the engine to it, runs the host script and
// exposes synchronous operations for protocol servers to call.
package debugger

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"

	"github.com/Laar/luadbg/pkg/config"
	"github.com/Laar/luadbg/pkg/engine"
	"github.com/Laar/luadbg/pkg/guest"
	"github.com/Laar/luadbg/pkg/logflags"
)

// Config is the session configuration.
type Config struct {
	// ScriptPath is the guest script executed by Run.
	ScriptPath string
	// ScriptArgs are passed to the script as varargs and through the
	// arg table.
	ScriptArgs []string
	// TickLimit bounds the tick loop that drives the script's on_tick
	// callback after the main chunk returns. Zero disables the loop,
	// negative runs unbounded.
	TickLimit int
	// Engine holds the engine options.
	Engine *config.Config
	// Output receives guest console output and signal frames. Defaults
	// to stdout.
	Output io.Writer
}

// Debugger is one debug session over one guest runtime. Run must be
// called on a dedicated goroutine; it becomes the guest goroutine.
// Every other method is safe to call from protocol servers.
type Debugger struct {
	config *Config
	log    *logrus.Entry
	rt     *guest.Runtime
	store  engine.Store
	engine *engine.Engine
}

// New creates the guest runtime and attaches the engine. The script is
// not loaded until Run.
func New(conf *Config) (*Debugger, error) {
	if conf.ScriptPath == "" {
		return nil, errors.New("no script to debug")
	}
	if _, err := os.Stat(conf.ScriptPath); err != nil {
		return nil, fmt.Errorf("script %s: %w", conf.ScriptPath, err)
	}
	if conf.Engine == nil {
		conf.Engine = config.Default()
	}
	out := conf.Output
	if out == nil {
		out = os.Stdout
	}

	d := &Debugger{
		config: conf,
		log:    logflags.DebuggerLogger(),
		rt:     guest.NewRuntime(),
		store:  engine.NewMapStore(),
	}
	d.engine = engine.Attach(d.store, d.rt, conf.Engine, out)
	d.installRemote()
	d.log.Debugf("session created for %s", conf.ScriptPath)
	return d, nil
}

// Engine exposes the underlying engine for event subscriptions.
func (d *Debugger) Engine() *engine.Engine { return d.engine }

// Close releases the guest runtime. Only call after Run has returned.
func (d *Debugger) Close() {
	d.rt.Close()
}

// Run executes the guest script and then drives its on_tick callback,
// if defined, for the configured number of ticks. It blocks for the
// lifetime of the guest and must run on its own goroutine.
func (d *Debugger) Run() error {
	fn, err := d.rt.LoadFile(d.config.ScriptPath)
	if err != nil {
		return err
	}
	L := d.rt.L
	argTbl := L.NewTable()
	argTbl.RawSetInt(0, lua.LString(d.config.ScriptPath))
	for i, a := range d.config.ScriptArgs {
		argTbl.RawSetInt(i+1, lua.LString(a))
	}
	L.SetGlobal("arg", argTbl)

	L.Push(fn)
	for _, a := range d.config.ScriptArgs {
		L.Push(lua.LString(a))
	}
	if err := L.PCall(len(d.config.ScriptArgs), 0, nil); err != nil {
		return fmt.Errorf("script error: %w", err)
	}
	return d.tickLoop()
}

func (d *Debugger) tickLoop() error {
	limit := d.config.TickLimit
	if limit == 0 {
		return nil
	}
	L := d.rt.L
	onTick, ok := L.GetGlobal("on_tick").(*lua.LFunction)
	if !ok {
		return nil
	}
	d.log.Debug("entering tick loop")
	for tick := 1; limit < 0 || tick <= limit; tick++ {
		L.Push(onTick)
		L.Push(lua.LNumber(tick))
		if err := L.PCall(1, 0, nil); err != nil {
			return fmt.Errorf("on_tick(%d): %w", tick, err)
		}
	}
	return nil
}

// installRemote publishes the remote table so scripts can register
// interfaces whose callbacks run with line events suspended.
func (d *Debugger) installRemote() {
	L := d.rt.L
	remote := L.NewTable()
	interfaces := L.NewTable()
	remote.RawSetString("interfaces", interfaces)

	remote.RawSetString("add_interface", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		tbl := L.CheckTable(2)
		iface := L.NewTable()
		tbl.ForEach(func(k, v lua.LValue) {
			ks, ok := k.(lua.LString)
			fn, okf := v.(*lua.LFunction)
			if !ok || !okf {
				return
			}
			iface.RawSetString(string(ks), d.engine.WrapRemote(name+"."+string(ks), fn))
		})
		interfaces.RawSetString(name, iface)
		return 0
	}))

	remote.RawSetString("call", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		method := L.CheckString(2)
		wrapped, ok := d.engine.Remote(name + "." + method)
		if !ok {
			L.RaiseError("no remote method %s.%s", name, method)
			return 0
		}
		top := L.GetTop()
		L.Push(wrapped)
		for i := 3; i <= top; i++ {
			L.Push(L.Get(i))
		}
		L.Call(top-2, lua.MultRet)
		return L.GetTop() - top
	}))

	L.SetGlobal("remote", remote)
}

// State describes the session for status reporting.
func (d *Debugger) State() string {
	switch {
	case d.engine.Detached():
		return "detached"
	case d.engine.IsPaused():
		return "paused"
	default:
		return "running"
	}
}

// Command routes a control request by name: continue, next, stepIn,
// stepOut, halt or disconnect.
func (d *Debugger) Command(name string) error {
	switch name {
	case "continue":
		return d.engine.Resume(engine.ActionContinue)
	case "next":
		return d.engine.Resume(engine.ActionStepOver)
	case "stepIn":
		return d.engine.Resume(engine.ActionStepInto)
	case "stepOut":
		return d.engine.Resume(engine.ActionStepOut)
	case "halt":
		d.engine.Interrupt()
		return nil
	case "disconnect":
		d.engine.Detach()
		return nil
	default:
		return fmt.Errorf("unknown command %q", name)
	}
}

// CreateBreakpoints replaces the breakpoints of one file.
func (d *Debugger) CreateBreakpoints(path string, reqs []engine.BreakpointRequest) []engine.Breakpoint {
	return d.engine.SetFileBreakpoints(path, reqs)
}

// Threads lists the known guest coroutines.
func (d *Debugger) Threads() []engine.ThreadInfo {
	return d.engine.Threads()
}

// Stacktrace reads the call stack of a paused thread.
func (d *Debugger) Stacktrace(threadID, start, levels int) ([]engine.StackFrame, int, error) {
	var frames []engine.StackFrame
	var total int
	err := d.engine.WhilePaused(func() error {
		var err error
		frames, total, err = d.engine.Stacktrace(threadID, start, levels)
		return err
	})
	return frames, total, err
}

// Scopes lists the variable scopes of one frame of a paused thread.
func (d *Debugger) Scopes(threadID, frameIndex int) ([]engine.Scope, error) {
	var scopes []engine.Scope
	err := d.engine.WhilePaused(func() error {
		var err error
		scopes, err = d.engine.Scopes(threadID, frameIndex)
		return err
	})
	return scopes, err
}

// Variables expands a variable reference from the current pause.
func (d *Debugger) Variables(ref int) ([]engine.Variable, error) {
	var vars []engine.Variable
	err := d.engine.WhilePaused(func() error {
		var err error
		vars, err = d.engine.Children(ref)
		return err
	})
	return vars, err
}

// Evaluate runs an expression in the scope of a paused frame.
func (d *Debugger) Evaluate(threadID, frameIndex int, expr string) (engine.Variable, error) {
	var v engine.Variable
	err := d.engine.WhilePaused(func() error {
		var err error
		v, err = d.engine.Evaluate(threadID, frameIndex, expr)
		return err
	})
	return v, err
}
