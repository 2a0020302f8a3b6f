package engine

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"

	"github.com/Laar/luadbg/pkg/config"
	"github.com/Laar/luadbg/pkg/guest"
	"github.com/Laar/luadbg/pkg/logflags"
)

// ErrNotPaused is returned by control operations when the guest is
// running.
var ErrNotPaused = errors.New("guest is not paused")

// StepState is the stepping mode of the engine. It is only touched on
// the guest goroutine, except for the transition out of Paused which
// happens while the guest is parked inside pause().
type StepState int

const (
	// Running executes freely until a breakpoint or interrupt.
	Running StepState = iota
	// Paused is parked in the pause rendezvous.
	Paused
	// StepInto stops at the next line event regardless of depth.
	StepInto
	// StepOver stops at the next line event at or above the recorded
	// depth.
	StepOver
	// StepOut stops at the next line event above the recorded depth.
	StepOut
)

// ResumeAction is a command delivered to a paused guest.
type ResumeAction int

const (
	ActionContinue ResumeAction = iota
	ActionStepInto
	ActionStepOver
	ActionStepOut
	ActionDisconnect
)

// StoppedEvent describes one transition into the paused state.
type StoppedEvent struct {
	// Reason is "breakpoint", "step", "pause" or "entry".
	Reason   string
	ThreadID int
	Source   string
	Line     int
	Text     string
}

type controlReq struct {
	inspect func() error
	action  ResumeAction
	err     error
	done    chan struct{}
}

// pauseSession is the rendezvous for one pause. reqs carries control
// requests to the parked guest goroutine; done closes when the pause
// ends, releasing senders that lost the race against a resume.
type pauseSession struct {
	reqs chan *controlReq
	done chan struct{}
}

// Engine drives one guest runtime: it owns the line hook, the stepping
// state machine and the pause rendezvous. The interpreter runs on a
// single goroutine (the host's); the engine parks that goroutine inside
// the hook when pausing, and every touch of interpreter state from
// other goroutines funnels through WhilePaused so it runs inline on the
// parked goroutine.
type Engine struct {
	cfg       *config.Config
	log       *logrus.Entry
	hookLog   *logrus.Entry
	rt        *guest.Runtime
	threads   *ThreadRegistry
	intercept *Interceptor
	bps       breakpointTable
	dispatch  dispatchTable

	// guest-goroutine state
	hookEnabled bool
	stepState   StepState
	stepDepth   int
	lineTick    int
	entryPause  bool
	stoppedCo   *lua.LState
	vars        varTable

	paused   int32
	pauseReq int32
	detached int32

	ctlmu   sync.Mutex
	session *pauseSession

	onStopped func(StoppedEvent)
}

// New builds an engine for rt without installing hooks; use Attach for
// the full install-once flow.
func New(rt *guest.Runtime, cfg *config.Config, out io.Writer) *Engine {
	e := &Engine{
		cfg:       cfg,
		log:       logflags.DebuggerLogger(),
		hookLog:   logflags.HookLogger(),
		rt:        rt,
		threads:   NewThreadRegistry(),
		intercept: NewInterceptor(out, cfg.HookLog, cfg.KeepOldLog),
		bps:       newBreakpointTable(),
		dispatch:  newDispatchTable(),
	}
	return e
}

// Runtime returns the guest runtime this engine drives.
func (e *Engine) Runtime() *guest.Runtime { return e.rt }

// Interceptor returns the console stream owner.
func (e *Engine) Interceptor() *Interceptor { return e.intercept }

// Threads returns a snapshot of known guest coroutines.
func (e *Engine) Threads() []ThreadInfo { return e.threads.Threads() }

// RetireThread drops a coroutine the host reports as collected; its id
// is never reused.
func (e *Engine) RetireThread(id int) { e.threads.Retire(id) }

// OnStopped registers fn to observe pause transitions. It runs on the
// guest goroutine while the guest is already parked, so it may call
// WhilePaused-style inspection only through the session channel.
func (e *Engine) OnStopped(fn func(StoppedEvent)) { e.onStopped = fn }

// IsPaused reports whether the guest is parked in a pause.
func (e *Engine) IsPaused() bool { return atomic.LoadInt32(&e.paused) == 1 }

// Detached reports whether the engine has been disconnected and gone
// passive.
func (e *Engine) Detached() bool { return atomic.LoadInt32(&e.detached) == 1 }

// Interrupt asks a running guest to pause at one of the next line
// events. It returns immediately; the stop is reported through
// OnStopped.
func (e *Engine) Interrupt() {
	atomic.StoreInt32(&e.pauseReq, 1)
}

// RequestEntryPause arms a stop at the first executed line. Must be
// called before guest execution starts.
func (e *Engine) RequestEntryPause() {
	e.stepState = StepInto
	e.entryPause = true
}

// Detach disconnects the debugger: breakpoints are cleared, the hook
// goes passive and a paused guest resumes.
func (e *Engine) Detach() {
	atomic.StoreInt32(&e.detached, 1)
	e.ClearBreakpoints()
	if err := e.Resume(ActionDisconnect); err != nil && err != ErrNotPaused {
		e.log.Warnf("detach resume: %v", err)
	}
	e.log.Info("detached, hook passive")
}

// WhilePaused runs fn inline on the parked guest goroutine. It is the
// only safe way to touch interpreter state from another goroutine.
// Returns ErrNotPaused when the guest is running or resumes before fn
// could be delivered.
func (e *Engine) WhilePaused(fn func() error) error {
	req := &controlReq{inspect: fn, done: make(chan struct{})}
	if err := e.deliver(req); err != nil {
		return err
	}
	return req.err
}

// Resume delivers a continue, step or disconnect command to a paused
// guest.
func (e *Engine) Resume(action ResumeAction) error {
	req := &controlReq{action: action, done: make(chan struct{})}
	return e.deliver(req)
}

func (e *Engine) deliver(req *controlReq) error {
	e.ctlmu.Lock()
	s := e.session
	e.ctlmu.Unlock()
	if s == nil {
		return ErrNotPaused
	}
	select {
	case s.reqs <- req:
	case <-s.done:
		return ErrNotPaused
	}
	<-req.done
	return nil
}

// lineHook receives every statement line event from the guest runtime.
func (e *Engine) lineHook(co *lua.LState, source string, line int) {
	if !e.hookEnabled || atomic.LoadInt32(&e.detached) == 1 {
		return
	}
	e.threads.Observe(co)
	if logflags.Hook() {
		e.hookLog.Debugf("line %s:%d state=%d", source, line, e.stepState)
	}

	switch e.stepState {
	case Running:
		e.lineTick++
		if e.lineTick >= e.cfg.RunningBreak {
			e.lineTick = 0
			if atomic.CompareAndSwapInt32(&e.pauseReq, 1, 0) {
				e.pause(co, "pause", source, line, "")
				return
			}
		}
		if bp := e.findBreakpoint(source, line); bp != nil && e.shouldStop(co, bp) {
			e.pause(co, "breakpoint", source, line, "")
		}
	case StepInto:
		reason := "step"
		if e.entryPause {
			e.entryPause = false
			reason = "entry"
		}
		e.pause(co, reason, source, line, "")
	case StepOver, StepOut:
		if bp := e.findBreakpoint(source, line); bp != nil && e.shouldStop(co, bp) {
			e.pause(co, "breakpoint", source, line, "")
			return
		}
		if e.rt.Depth(co) <= e.stepDepth {
			e.pause(co, "step", source, line, "")
		}
	}
}

// pause parks the guest goroutine and services control requests until a
// resume command arrives. Runs on the guest goroutine, inside the hook.
func (e *Engine) pause(co *lua.LState, reason, source string, line int, text string) {
	prevHook := e.hookEnabled
	e.hookEnabled = false
	e.stepState = Paused
	e.stoppedCo = co
	threadID := e.threads.Observe(co)

	s := &pauseSession{reqs: make(chan *controlReq), done: make(chan struct{})}
	e.ctlmu.Lock()
	e.session = s
	e.ctlmu.Unlock()
	atomic.StoreInt32(&e.paused, 1)

	ev := StoppedEvent{Reason: reason, ThreadID: threadID, Source: source, Line: line, Text: text}
	e.log.Debugf("paused: %s at %s:%d thread %d", reason, source, line, threadID)
	e.intercept.Signal("stopped", ev)
	if e.onStopped != nil {
		e.onStopped(ev)
	}

	for {
		req := <-s.reqs
		if req.inspect != nil {
			req.err = req.inspect()
			close(req.done)
			continue
		}

		// Leaving the pause invalidates every handle issued during it.
		e.vars.reset()
		depth := e.rt.Depth(co)
		switch req.action {
		case ActionContinue, ActionDisconnect:
			e.stepState = Running
		case ActionStepInto:
			e.stepState = StepInto
		case ActionStepOver:
			e.stepState = StepOver
			e.stepDepth = depth
		case ActionStepOut:
			e.stepState = StepOut
			e.stepDepth = depth - 1
		}
		if req.action == ActionDisconnect {
			atomic.StoreInt32(&e.detached, 1)
		}

		atomic.StoreInt32(&e.paused, 0)
		e.ctlmu.Lock()
		e.session = nil
		e.ctlmu.Unlock()
		close(req.done)
		close(s.done)
		break
	}

	e.stoppedCo = nil
	e.lineTick = 0
	e.hookEnabled = prevHook
	e.intercept.Signal("continued", map[string]interface{}{"threadId": threadID})
	e.log.Debug("resumed")
}

// shouldStop applies hit counting and the condition expression to bp.
func (e *Engine) shouldStop(co *lua.LState, bp *Breakpoint) bool {
	e.bps.mu.Lock()
	bp.HitCount++
	hits, target, cond, warned := bp.HitCount, bp.HitCond, bp.Cond, bp.condWarned
	e.bps.mu.Unlock()

	if target > 0 && hits < target {
		return false
	}
	if cond == "" {
		return true
	}
	ok, err := e.evalCondition(co, cond)
	if err != nil {
		if !warned {
			e.log.Warnf("breakpoint condition %q failed: %v", cond, err)
			e.bps.mu.Lock()
			bp.condWarned = true
			e.bps.mu.Unlock()
		}
		return false
	}
	return ok
}

func (e *Engine) evalCondition(co *lua.LState, cond string) (bool, error) {
	var res lua.LValue
	var err error
	e.withHookSuspended(func() {
		frames := e.rt.Frames(co, 1)
		var f *guest.Frame
		if len(frames) > 0 {
			f = &frames[0]
		}
		res, err = e.rt.EvalInFrame(co, f, cond)
	})
	if err != nil {
		return false, err
	}
	return lua.LVAsBool(res), nil
}

// withHookSuspended disables line events for the duration of fn, so
// debugger-initiated guest calls do not recurse into the hook.
func (e *Engine) withHookSuspended(fn func()) {
	prev := e.hookEnabled
	e.hookEnabled = false
	defer func() { e.hookEnabled = prev }()
	fn()
}
