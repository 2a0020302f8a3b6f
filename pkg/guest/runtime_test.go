package guest

import (
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func TestLineHookFiresPerStatement(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()

	var lines []int
	rt.SetLineHook(func(co *lua.LState, source string, line int) {
		lines = append(lines, line)
	})
	err := rt.DoString("local a = 1\nlocal b = 2\nlocal c = a + b", "seq.lua")
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 3 {
		t.Fatalf("got %d line events %v, want 3", len(lines), lines)
	}
	for i, want := range []int{1, 2, 3} {
		if lines[i] != want {
			t.Errorf("event %d fired at line %d, want %d", i, lines[i], want)
		}
	}
}

func TestLineHookReportsSource(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()

	var sources []string
	rt.SetLineHook(func(co *lua.LState, source string, line int) {
		sources = append(sources, source)
	})
	if err := rt.DoString("local x = 1", "scripts/control.lua"); err != nil {
		t.Fatal(err)
	}
	if len(sources) != 1 || sources[0] != "scripts/control.lua" {
		t.Fatalf("got sources %v", sources)
	}
}

func TestLoadRegistersChunk(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()

	var loaded []string
	rt.OnLoad(func(c *Chunk) { loaded = append(loaded, c.Name) })
	if _, err := rt.Load("return 1", "@scripts/a.lua"); err != nil {
		t.Fatal(err)
	}
	c, ok := rt.Chunk("scripts/a.lua")
	if !ok {
		t.Fatal("chunk not registered")
	}
	if !c.Hooked {
		t.Error("chunk not hooked")
	}
	if len(loaded) != 1 || loaded[0] != "scripts/a.lua" {
		t.Errorf("onLoad saw %v", loaded)
	}
}

func TestDepthTracksCalls(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()

	depthAt := make(map[int]int)
	rt.SetLineHook(func(co *lua.LState, source string, line int) {
		depthAt[line] = rt.Depth(co)
	})
	src := `local function f()
	local x = 1
end
f()`
	if err := rt.DoString(src, "depth.lua"); err != nil {
		t.Fatal(err)
	}
	if depthAt[4] != 1 {
		t.Errorf("depth at call site = %d, want 1", depthAt[4])
	}
	if depthAt[2] != 2 {
		t.Errorf("depth inside f = %d, want 2", depthAt[2])
	}
}

func TestFramesAndLocals(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()

	type snapshot struct {
		frames []Frame
		locals []NamedValue
	}
	var snap *snapshot
	rt.SetLineHook(func(co *lua.LState, source string, line int) {
		if line != 3 || snap != nil {
			return
		}
		frames := rt.Frames(co, 1)
		s := &snapshot{frames: frames}
		if len(frames) > 0 {
			s.locals = rt.Locals(&frames[0])
		}
		snap = s
	})
	src := `local function greet(name)
	local msg = "hi " .. name
	local n = 2
	return msg
end
greet("bob")`
	if err := rt.DoString(src, "frames.lua"); err != nil {
		t.Fatal(err)
	}
	if snap == nil {
		t.Fatal("hook never reached line 3")
	}
	if len(snap.frames) != 2 {
		t.Fatalf("got %d frames, want 2 (greet + main chunk)", len(snap.frames))
	}
	if snap.frames[0].Name != "greet" {
		t.Errorf("innermost frame named %q, want greet", snap.frames[0].Name)
	}
	if snap.frames[1].Name != "main chunk" {
		t.Errorf("outermost frame named %q, want main chunk", snap.frames[1].Name)
	}
	byName := map[string]string{}
	for _, l := range snap.locals {
		byName[l.Name] = l.Value.String()
	}
	if byName["name"] != "bob" {
		t.Errorf("local name = %q, want bob", byName["name"])
	}
	if byName["msg"] != "hi bob" {
		t.Errorf("local msg = %q, want %q", byName["msg"], "hi bob")
	}
}

func TestEvalInFrameShadowing(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()

	rt.L.SetGlobal("x", lua.LNumber(100))
	var got lua.LValue
	var evalErr error
	rt.SetLineHook(func(co *lua.LState, source string, line int) {
		if line != 3 || got != nil {
			return
		}
		frames := rt.Frames(co, 1)
		got, evalErr = rt.EvalInFrame(co, &frames[0], "x + 1")
	})
	src := `local function f()
	local x = 5
	local y = 0
	return x
end
f()`
	if err := rt.DoString(src, "eval.lua"); err != nil {
		t.Fatal(err)
	}
	if evalErr != nil {
		t.Fatal(evalErr)
	}
	if n, ok := got.(lua.LNumber); !ok || n != 6 {
		t.Errorf("eval saw global x, got %v, want 6", got)
	}
}

func TestEvalInFrameRuntimeError(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()

	if _, err := rt.EvalInFrame(rt.L, nil, "nil + 1"); err == nil {
		t.Fatal("expected a runtime error")
	}
}

func TestEvalFallsBackToGlobals(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()

	rt.L.SetGlobal("answer", lua.LNumber(42))
	got, err := rt.EvalInFrame(rt.L, nil, "answer")
	if err != nil {
		t.Fatal(err)
	}
	if n, ok := got.(lua.LNumber); !ok || n != 42 {
		t.Errorf("got %v, want 42", got)
	}
}
