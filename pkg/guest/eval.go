package guest

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

const exprChunkName = "expression"

// EvalInFrame evaluates expr in the lexical scope of f: locals shadow
// upvalues, which shadow globals. With a nil frame the expression sees
// only globals. Assignments inside expr fall through to the global
// table; locals are read-only snapshots.
func (r *Runtime) EvalInFrame(co *lua.LState, f *Frame, expr string) (lua.LValue, error) {
	fn, err := compileExpr(co, expr)
	if err != nil {
		return lua.LNil, err
	}

	env := co.NewTable()
	if f != nil {
		for _, uv := range r.Upvalues(f) {
			env.RawSetString(uv.Name, uv.Value)
		}
		for _, lv := range r.Locals(f) {
			env.RawSetString(lv.Name, lv.Value)
		}
	}
	mt := co.NewTable()
	mt.RawSetString("__index", co.Get(lua.GlobalsIndex))
	mt.RawSetString("__newindex", co.Get(lua.GlobalsIndex))
	co.SetMetatable(env, mt)
	co.SetFEnv(fn, env)

	top := co.GetTop()
	co.Push(fn)
	if err := co.PCall(0, lua.MultRet, nil); err != nil {
		co.SetTop(top)
		return lua.LNil, evalError(err)
	}
	ret := lua.LValue(lua.LNil)
	if co.GetTop() > top {
		ret = co.Get(top + 1)
	}
	co.SetTop(top)
	return ret, nil
}

// compileExpr tries expr as an expression first, then as a statement, so
// both "x + 1" and "x = 1" work.
func compileExpr(co *lua.LState, expr string) (*lua.LFunction, error) {
	fn, err := co.Load(strings.NewReader("return "+expr), exprChunkName)
	if err == nil {
		return fn, nil
	}
	if fn2, err2 := co.Load(strings.NewReader(expr), exprChunkName); err2 == nil {
		return fn2, nil
	}
	return nil, err
}

func evalError(err error) error {
	if api, ok := err.(*lua.ApiError); ok {
		return fmt.Errorf("%s", api.Object.String())
	}
	return err
}
