package engine

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/Laar/luadbg/pkg/guest"
)

// StackFrame is the client-consumable view of one call frame.
type StackFrame struct {
	Index  int
	Name   string
	Source string
	Line   int
}

// The inspection operations below read live interpreter state and must
// run on the parked guest goroutine, through WhilePaused.

// Stacktrace returns up to levels frames of thread threadID starting at
// start, plus the total frame count. levels <= 0 means all.
func (e *Engine) Stacktrace(threadID, start, levels int) ([]StackFrame, int, error) {
	frames, err := e.liveFrames(threadID)
	if err != nil {
		return nil, 0, err
	}
	total := len(frames)
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if levels > 0 && start+levels < end {
		end = start + levels
	}
	out := make([]StackFrame, 0, end-start)
	for _, f := range frames[start:end] {
		out = append(out, StackFrame{Index: f.Index, Name: f.Name, Source: f.Source, Line: f.Line})
	}
	return out, total, nil
}

// Scopes returns the variable scopes of one frame, allocating handles
// for its locals and upvalues.
func (e *Engine) Scopes(threadID, frameIndex int) ([]Scope, error) {
	frame, err := e.liveFrame(threadID, frameIndex)
	if err != nil {
		return nil, err
	}
	f := frame
	return []Scope{
		{Name: "Locals", Ref: e.vars.create(&varEntry{kind: varScopeLocals, frame: f})},
		{Name: "Upvalues", Ref: e.vars.create(&varEntry{kind: varScopeUpvalues, frame: f})},
	}, nil
}

// Children expands a variable reference issued during the current
// pause.
func (e *Engine) Children(ref int) ([]Variable, error) {
	entry, ok := e.vars.get(ref)
	if !ok {
		return nil, ErrStaleHandle
	}
	switch entry.kind {
	case varScopeLocals:
		return e.convertAll(e.rt.Locals(entry.frame)), nil
	case varScopeUpvalues:
		return e.convertAll(e.rt.Upvalues(entry.frame)), nil
	default:
		if t, ok := entry.value.(*lua.LTable); ok {
			return e.tableChildren(t), nil
		}
		return nil, nil
	}
}

// Evaluate runs expr in the scope of the given frame of threadID. A
// negative frameIndex evaluates in the innermost frame.
func (e *Engine) Evaluate(threadID, frameIndex int, expr string) (Variable, error) {
	if !e.IsPaused() {
		return Variable{}, ErrNotPaused
	}
	co, err := e.threads.Resolve(threadID)
	if err != nil {
		return Variable{}, err
	}
	if frameIndex < 0 {
		frameIndex = 0
	}
	frames := e.rt.Frames(co, e.frameSkip(co))
	var f *guest.Frame
	if frameIndex < len(frames) {
		f = &frames[frameIndex]
	} else if len(frames) > 0 {
		return Variable{}, fmt.Errorf("no frame %d on thread %d", frameIndex, threadID)
	}

	var val Variable
	var evalErr error
	e.withHookSuspended(func() {
		res, err := e.rt.EvalInFrame(co, f, expr)
		if err != nil {
			evalErr = err
			return
		}
		val = e.convertVariable(expr, res)
	})
	return val, evalErr
}

func (e *Engine) convertAll(vals []guest.NamedValue) []Variable {
	out := make([]Variable, 0, len(vals))
	for _, nv := range vals {
		out = append(out, e.convertVariable(nv.Name, nv.Value))
	}
	return out
}

func (e *Engine) liveFrames(threadID int) ([]guest.Frame, error) {
	if !e.IsPaused() {
		return nil, ErrNotPaused
	}
	co, err := e.threads.Resolve(threadID)
	if err != nil {
		return nil, err
	}
	return e.rt.Frames(co, e.frameSkip(co)), nil
}

func (e *Engine) liveFrame(threadID, frameIndex int) (*guest.Frame, error) {
	frames, err := e.liveFrames(threadID)
	if err != nil {
		return nil, err
	}
	if frameIndex < 0 || frameIndex >= len(frames) {
		return nil, fmt.Errorf("no frame %d on thread %d", frameIndex, threadID)
	}
	f := frames[frameIndex]
	return &f, nil
}

// frameSkip hides the hook's own Go frame when walking the coroutine
// the guest stopped on. Other coroutines are suspended at a yield and
// have no hook frame.
func (e *Engine) frameSkip(co *lua.LState) int {
	if co == e.stoppedCo {
		return 1
	}
	return 0
}
