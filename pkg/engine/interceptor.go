package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// Markers bracketing protocol frames on the shared console stream.
// U+FDD0 and U+FDD1 are Unicode noncharacters, guaranteed absent from
// well-formed guest output, so a reader can split debugger frames from
// ordinary print output without escaping.
const (
	MarkerStart = "﷐"
	MarkerEnd   = "﷑"
)

// Interceptor owns the console stream shared between guest output and
// debugger signal frames. All debugger frames go through Signal so they
// are serialized against guest writes.
type Interceptor struct {
	mu      sync.Mutex
	out     io.Writer
	enabled bool
	keepOld bool
	orig    lua.LValue
	onOut   func(category, text string)
}

func NewInterceptor(out io.Writer, hookLog, keepOldLog bool) *Interceptor {
	return &Interceptor{out: out, enabled: hookLog, keepOld: keepOldLog}
}

// OnOutput registers fn to observe guest output lines. Used by the
// adapter to forward them as output events.
func (i *Interceptor) OnOutput(fn func(category, text string)) {
	i.mu.Lock()
	i.onOut = fn
	i.mu.Unlock()
}

// GuestWrite emits one line of ordinary guest output.
func (i *Interceptor) GuestWrite(text string) {
	i.mu.Lock()
	out, fn := i.out, i.onOut
	i.mu.Unlock()
	if out != nil {
		fmt.Fprintln(out, text)
	}
	if fn != nil {
		fn("stdout", text)
	}
}

// Signal emits one marker-framed JSON event on the console stream.
// Nothing is written when output hooking is disabled.
func (i *Interceptor) Signal(event string, body interface{}) {
	if !i.enabled {
		return
	}
	frame := map[string]interface{}{"event": event}
	if body != nil {
		frame["body"] = body
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.out != nil {
		fmt.Fprintf(i.out, "%s%s%s\n", MarkerStart, data, MarkerEnd)
	}
}

// InstallPrint replaces the guest's print with one that routes through
// the interceptor. With keepOldLog set, the original print still runs
// afterwards.
func (i *Interceptor) InstallPrint(L *lua.LState) {
	i.orig = L.GetGlobal("print")
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for n := 1; n <= top; n++ {
			parts = append(parts, L.ToStringMeta(L.Get(n)).String())
		}
		i.GuestWrite(strings.Join(parts, "\t"))
		if i.keepOld && i.orig != lua.LNil && i.orig != nil {
			L.Push(i.orig)
			for n := 1; n <= top; n++ {
				L.Push(L.Get(n))
			}
			L.Call(top, 0)
		}
		return 0
	}))
}
