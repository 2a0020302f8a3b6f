package guest

import (
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// Frame is one live call frame of a guest coroutine. It is only valid
// while the interpreter is stopped; the dbg handle inside it points at
// live interpreter state.
type Frame struct {
	Index  int
	Name   string
	Source string
	Line   int

	co  *lua.LState
	dbg *lua.Debug
	fn  *lua.LFunction
}

// NamedValue pairs a variable name with its current value.
type NamedValue struct {
	Name  string
	Value lua.LValue
}

// Frames walks the live call frames of co, innermost first. skip drops
// that many innermost frames; pass 1 when walking from inside a hook
// callback so the hook's own frame is not reported.
func (r *Runtime) Frames(co *lua.LState, skip int) []Frame {
	var frames []Frame
	for lvl := skip; ; lvl++ {
		dbg, ok := co.GetStack(lvl)
		if !ok {
			break
		}
		fnv, err := co.GetInfo("Slnf", dbg, lua.LNil)
		if err != nil {
			break
		}
		fr := Frame{
			Index:  len(frames),
			Source: CleanSourceName(dbg.Source),
			Line:   dbg.CurrentLine,
			co:     co,
			dbg:    dbg,
		}
		if fn, ok := fnv.(*lua.LFunction); ok {
			fr.fn = fn
		}
		fr.Name = frameName(dbg, fr.fn)
		// Synthetic descriptors for frames without a real source file.
		if fr.fn != nil && fr.fn.IsG {
			fr.Source = "<native>"
		} else if fr.Source == "" {
			fr.Source = "<string>"
		}
		frames = append(frames, fr)
	}
	return frames
}

func frameName(dbg *lua.Debug, fn *lua.LFunction) string {
	if dbg.Name != "" {
		return dbg.Name
	}
	if dbg.What == "main" {
		return "main chunk"
	}
	if fn != nil && fn.IsG {
		return "[native]"
	}
	return "(anonymous)"
}

// Locals returns the named locals of f in declaration order. Compiler
// temporaries, whose names start with '(', are skipped.
func (r *Runtime) Locals(f *Frame) []NamedValue {
	var out []NamedValue
	for i := 1; ; i++ {
		name, val := f.co.GetLocal(f.dbg, i)
		if name == "" {
			break
		}
		if strings.HasPrefix(name, "(") {
			continue
		}
		out = append(out, NamedValue{Name: name, Value: val})
	}
	return out
}

// Upvalues returns the upvalues captured by the function executing in f.
func (r *Runtime) Upvalues(f *Frame) []NamedValue {
	if f.fn == nil || f.fn.IsG {
		return nil
	}
	var out []NamedValue
	for i := 1; ; i++ {
		name, val := f.co.GetUpvalue(f.fn, i)
		if name == "" {
			break
		}
		out = append(out, NamedValue{Name: name, Value: val})
	}
	return out
}
