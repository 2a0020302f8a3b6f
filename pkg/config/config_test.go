package config

import "testing"

func TestDefaults(t *testing.T) {
	c := Default()
	if !c.HookLog {
		t.Error("hooklog should default to true")
	}
	if c.Instrument || c.NoHook || c.KeepOldLog {
		t.Error("boolean options other than hooklog should default to false")
	}
	if c.RunningBreak != DefaultRunningBreak {
		t.Errorf("runningbreak = %d, want %d", c.RunningBreak, DefaultRunningBreak)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LUADBG_HOOKLOG", "false")
	t.Setenv("LUADBG_NOHOOK", "1")
	t.Setenv("LUADBG_RUNNINGBREAK", "17")

	c := Default()
	c.applyEnv()
	if c.HookLog {
		t.Error("LUADBG_HOOKLOG=false not applied")
	}
	if !c.NoHook {
		t.Error("LUADBG_NOHOOK=1 not applied")
	}
	if c.RunningBreak != 17 {
		t.Errorf("runningbreak = %d, want 17", c.RunningBreak)
	}
}

func TestEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("LUADBG_INSTRUMENT", "banana")
	t.Setenv("LUADBG_RUNNINGBREAK", "-3")

	c := Default()
	c.applyEnv()
	if c.Instrument {
		t.Error("unparseable boolean should be ignored")
	}
	if c.RunningBreak != DefaultRunningBreak {
		t.Error("non-positive runningbreak should be ignored")
	}
}
