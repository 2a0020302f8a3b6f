// Package config holds the engine options resolved once at attach time.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path"
	"strconv"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".luadbg"
	configFile string = "config.yml"
)

// DefaultRunningBreak is the default number of line events between
// cooperative pause-flag polls while the guest is running.
const DefaultRunningBreak = 5000

// Config defines all options recognized by the instrumentation engine.
// A Config is resolved once, before the engine attaches to the guest
// runtime, and must not be mutated afterwards.
type Config struct {
	// Instrument marks instrumentation-mode startup: the engine announces
	// itself on the intercepted log stream when attaching.
	Instrument bool `yaml:"instrument"`
	// NoHook skips hook installation entirely; the engine attaches as a
	// passive pass-through and never pauses the guest.
	NoHook bool `yaml:"nohook"`
	// HookLog replaces the guest's print/log primitives with the
	// interceptor. Defaults to true.
	HookLog bool `yaml:"hooklog"`
	// KeepOldLog preserves the original unmodified output alongside the
	// intercepted copy.
	KeepOldLog bool `yaml:"keepoldlog"`
	// RunningBreak is the number of line events between checks of the
	// external pause flag while the guest runs a long synchronous stretch.
	RunningBreak int `yaml:"runningbreak"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		HookLog:      true,
		RunningBreak: DefaultRunningBreak,
	}
}

// LoadConfig populates a Config from defaults, the optional config.yml
// file and LUADBG_* environment variables, in that order.
func LoadConfig() *Config {
	c := Default()

	fullConfigFile, err := GetConfigFilePath(configFile)
	if err == nil {
		if data, err := os.ReadFile(fullConfigFile); err == nil {
			if err := yaml.Unmarshal(data, c); err != nil {
				fmt.Printf("Unable to decode config file: %v.\n", err)
			}
		}
	}

	c.applyEnv()
	if c.RunningBreak <= 0 {
		c.RunningBreak = DefaultRunningBreak
	}
	return c
}

func (c *Config) applyEnv() {
	if v, ok := envBool("LUADBG_INSTRUMENT"); ok {
		c.Instrument = v
	}
	if v, ok := envBool("LUADBG_NOHOOK"); ok {
		c.NoHook = v
	}
	if v, ok := envBool("LUADBG_HOOKLOG"); ok {
		c.HookLog = v
	}
	if v, ok := envBool("LUADBG_KEEPOLDLOG"); ok {
		c.KeepOldLog = v
	}
	if s := os.Getenv("LUADBG_RUNNINGBREAK"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			c.RunningBreak = n
		}
	}
}

func envBool(name string) (value, ok bool) {
	s := os.Getenv(name)
	if s == "" {
		return false, false
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, false
	}
	return v, true
}

// SaveConfig will marshal and save the config struct to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(path.Dir(fullConfigFile), 0700); err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}
	return os.WriteFile(fullConfigFile, out, 0644)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
