package engine

import (
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// dispatchTable records host-facing guest callbacks and their wrapped
// forms, so a host reload can re-wrap without leaking old entries.
type dispatchTable struct {
	mu      sync.Mutex
	entries map[string]dispatchEntry
}

type dispatchEntry struct {
	orig    *lua.LFunction
	wrapped *lua.LFunction
}

func newDispatchTable() dispatchTable {
	return dispatchTable{entries: make(map[string]dispatchEntry)}
}

// WrapRemote returns a function with the same guest signature as fn
// that suspends line events for the duration of the call and restores
// the previous hook state afterwards. Hosts use it when registering
// guest callbacks that may be invoked from foreign contexts, so those
// invocations neither trip breakpoints nor corrupt an in-progress step.
func (e *Engine) WrapRemote(name string, fn *lua.LFunction) *lua.LFunction {
	wrapped := e.rt.L.NewFunction(func(L *lua.LState) int {
		e.threads.Observe(L)
		nargs := L.GetTop()
		var nret int
		e.withHookSuspended(func() {
			L.Push(fn)
			for i := 1; i <= nargs; i++ {
				L.Push(L.Get(i))
			}
			L.Call(nargs, lua.MultRet)
			nret = L.GetTop() - nargs
		})
		return nret
	})
	e.dispatch.mu.Lock()
	e.dispatch.entries[name] = dispatchEntry{orig: fn, wrapped: wrapped}
	e.dispatch.mu.Unlock()
	e.log.Debugf("wrapped remote callback %s", name)
	return wrapped
}

// Remote returns the wrapped form of a previously registered callback.
func (e *Engine) Remote(name string) (*lua.LFunction, bool) {
	e.dispatch.mu.Lock()
	defer e.dispatch.mu.Unlock()
	entry, ok := e.dispatch.entries[name]
	if !ok {
		return nil, false
	}
	return entry.wrapped, true
}

// RemoteNames lists registered callback names.
func (e *Engine) RemoteNames() []string {
	e.dispatch.mu.Lock()
	defer e.dispatch.mu.Unlock()
	out := make([]string, 0, len(e.dispatch.entries))
	for name := range e.dispatch.entries {
		out = append(out, name)
	}
	return out
}
