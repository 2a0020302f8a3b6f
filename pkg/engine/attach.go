package engine

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/Laar/luadbg/pkg/config"
	"github.com/Laar/luadbg/pkg/guest"
)

// StoreKey is the slot under which the attached engine is registered.
const StoreKey = "luadbg.engine"

// Store is a host-provided registry that survives guest environment
// resets. Attach uses it to recover an existing engine instead of
// installing a second hook.
type Store interface {
	Get(key string) (interface{}, bool)
	Put(key string, value interface{})
}

// MapStore is an in-memory Store for hosts without their own registry.
type MapStore struct {
	mu sync.Mutex
	m  map[string]interface{}
}

func NewMapStore() *MapStore {
	return &MapStore{m: make(map[string]interface{})}
}

func (s *MapStore) Get(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok
}

func (s *MapStore) Put(key string, value interface{}) {
	s.mu.Lock()
	s.m[key] = value
	s.mu.Unlock()
}

// Attach creates an engine for rt and installs its hooks, or recovers
// the engine a previous attach left in store. Recovery is a no-op
// beyond logging: hooks are never installed twice.
func Attach(store Store, rt *guest.Runtime, cfg *config.Config, out io.Writer) *Engine {
	if v, ok := store.Get(StoreKey); ok {
		if e, ok := v.(*Engine); ok {
			e.log.Info("already attached, recovering engine")
			atomic.StoreInt32(&e.detached, 0)
			return e
		}
	}

	e := New(rt, cfg, out)
	e.threads.ObserveNamed(rt.L, "main")
	rt.OnLoad(e.rebind)
	if cfg.NoHook {
		e.log.Info("attached passive, line hook disabled")
	} else {
		rt.SetLineHook(e.lineHook)
		e.hookEnabled = true
	}
	if cfg.HookLog {
		e.intercept.InstallPrint(rt.L)
	}
	if cfg.Instrument {
		e.log.Info("attached in instrumented mode")
		e.intercept.Signal("session", map[string]interface{}{"state": "attached"})
	}
	store.Put(StoreKey, e)
	return e
}
