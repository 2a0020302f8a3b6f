package debugger_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	lua "github.com/yuin/gopher-lua"

	"github.com/Laar/luadbg/pkg/engine"
	"github.com/Laar/luadbg/service/debugger"
)

func newSession(t *testing.T, src string, conf debugger.Config) *debugger.Debugger {
	t.Helper()
	script := filepath.Join(t.TempDir(), "script.lua")
	if err := os.WriteFile(script, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	conf.ScriptPath = script
	if conf.Output == nil {
		conf.Output = io.Discard
	}
	d, err := debugger.New(&conf)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(d.Close)
	return d
}

func global(d *debugger.Debugger, name string) lua.LValue {
	return d.Engine().Runtime().L.GetGlobal(name)
}

func TestNewRequiresScript(t *testing.T) {
	if _, err := debugger.New(&debugger.Config{}); err == nil {
		t.Fatal("expected an error for a missing script path")
	}
	if _, err := debugger.New(&debugger.Config{ScriptPath: "/does/not/exist.lua"}); err == nil {
		t.Fatal("expected an error for a nonexistent script")
	}
}

func TestRunWithArgsAndTicks(t *testing.T) {
	d := newSession(t, `ticks = 0
function on_tick(n)
	ticks = ticks + n
end
first_arg = arg[1]`, debugger.Config{ScriptArgs: []string{"hello"}, TickLimit: 3})

	if err := d.Run(); err != nil {
		t.Fatal(err)
	}
	if got := global(d, "ticks"); got != lua.LNumber(6) {
		t.Errorf("ticks = %v, want 6", got)
	}
	if got := global(d, "first_arg"); got != lua.LString("hello") {
		t.Errorf("arg[1] = %v, want hello", got)
	}
}

func TestRemoteInterface(t *testing.T) {
	d := newSession(t, `remote.add_interface("calc", {
	double = function(x) return x * 2 end,
})
result = remote.call("calc", "double", 21)`, debugger.Config{})

	if err := d.Run(); err != nil {
		t.Fatal(err)
	}
	if got := global(d, "result"); got != lua.LNumber(42) {
		t.Errorf("remote.call result = %v, want 42", got)
	}
}

func TestRemoteCallUnknownMethod(t *testing.T) {
	d := newSession(t, `ok, err = pcall(function()
	return remote.call("nope", "missing")
end)`, debugger.Config{})

	if err := d.Run(); err != nil {
		t.Fatal(err)
	}
	if got := global(d, "ok"); got != lua.LFalse {
		t.Errorf("pcall succeeded unexpectedly: ok=%v err=%v", got, global(d, "err"))
	}
}

func TestScriptErrorIsReported(t *testing.T) {
	d := newSession(t, `error("boom")`, debugger.Config{})
	if err := d.Run(); err == nil {
		t.Fatal("expected the script error to propagate")
	}
}

func TestCommandRouting(t *testing.T) {
	d := newSession(t, `local x = 1`, debugger.Config{})

	if err := d.Command("bogus"); err == nil {
		t.Error("unknown command accepted")
	}
	if err := d.Command("continue"); err != engine.ErrNotPaused {
		t.Errorf("continue while running returned %v", err)
	}
	if got := d.State(); got != "running" {
		t.Errorf("state = %q, want running", got)
	}
	if err := d.Command("disconnect"); err != nil {
		t.Fatal(err)
	}
	if got := d.State(); got != "detached" {
		t.Errorf("state after disconnect = %q, want detached", got)
	}
}
