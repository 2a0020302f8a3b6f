package service

import (
	"net"

	"github.com/Laar/luadbg/pkg/config"
)

// Config bundles everything a server instance needs.
type Config struct {
	// Listener accepts the debugger client connection.
	Listener net.Listener
	// AcceptMulti keeps the server listening after a client disconnects
	// without detaching.
	AcceptMulti bool
	// Engine holds the engine options resolved from file, environment
	// and flags.
	Engine *config.Config
	// DisconnectChan is closed when the client disconnects, so the
	// process can decide whether to keep the guest running.
	DisconnectChan chan struct{}
}
