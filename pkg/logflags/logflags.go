// Package logflags configures per-layer logging for luadbg.
package logflags

import (
	"errors"
	"io"
	"log"
	"strings"

	"github.com/sirupsen/logrus"
)

var dap = false
var debugger = false
var hook = false
var guest = false

// Logger entries are shared: every caller of a *Logger function gets the
// same configured instance. Setup rebuilds them after parsing the flags.
var dapLogger *logrus.Entry
var debuggerLogger *logrus.Entry
var hookLogger *logrus.Entry
var guestLogger *logrus.Entry

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

func buildLoggers() {
	dapLogger = makeLogger(dap, logrus.Fields{"layer": "dap"})
	debuggerLogger = makeLogger(debugger, logrus.Fields{"layer": "debugger"})
	hookLogger = makeLogger(hook, logrus.Fields{"layer": "engine", "kind": "hook"})
	guestLogger = makeLogger(guest, logrus.Fields{"layer": "guest"})
}

// DAP returns true if the dap package should log.
func DAP() bool {
	return dap
}

// DAPLogger returns the logger for the dap package.
func DAPLogger() *logrus.Entry {
	if dapLogger == nil {
		buildLoggers()
	}
	return dapLogger
}

// Debugger returns true if the debugger service should log.
func Debugger() bool {
	return debugger
}

// DebuggerLogger returns the logger for the debugger service.
func DebuggerLogger() *logrus.Entry {
	if debuggerLogger == nil {
		buildLoggers()
	}
	return debuggerLogger
}

// Hook returns true if individual hook events should be logged. This is
// extremely verbose: one entry per executed guest line.
func Hook() bool {
	return hook
}

// HookLogger returns the logger for the stepping engine's hook callbacks.
func HookLogger() *logrus.Entry {
	if hookLogger == nil {
		buildLoggers()
	}
	return hookLogger
}

// Guest returns true if the guest runtime facade should log, including
// instrumentation fallbacks.
func Guest() bool {
	return guest
}

// GuestLogger returns the logger for the guest runtime facade.
func GuestLogger() *logrus.Entry {
	if guestLogger == nil {
		buildLoggers()
	}
	return guestLogger
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets logging flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		buildLoggers()
		return nil
	}
	if logstr == "" {
		logstr = "debugger"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "dap":
			dap = true
		case "debugger":
			debugger = true
		case "hook":
			hook = true
		case "guest":
			guest = true
		}
	}
	buildLoggers()
	return nil
}
