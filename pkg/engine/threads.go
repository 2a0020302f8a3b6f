package engine

import (
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// ThreadInfo is the client-visible description of one guest coroutine.
type ThreadInfo struct {
	ID   int
	Name string
}

// ThreadRegistry assigns stable integer ids to guest coroutines as they
// are observed by the line hook. The main interpreter state always gets
// id 1. Ids are never reused.
type ThreadRegistry struct {
	mu     sync.Mutex
	next   int
	ids    map[*lua.LState]int
	names  map[int]string
	states map[int]*lua.LState
	order  []int
}

func NewThreadRegistry() *ThreadRegistry {
	return &ThreadRegistry{
		next:   1,
		ids:    make(map[*lua.LState]int),
		names:  make(map[int]string),
		states: make(map[int]*lua.LState),
	}
}

// Observe returns the id of co, registering it on first sight.
func (tr *ThreadRegistry) Observe(co *lua.LState) int {
	return tr.observe(co, "")
}

// ObserveNamed registers co under an explicit name. Used for the main
// state at attach time.
func (tr *ThreadRegistry) ObserveNamed(co *lua.LState, name string) int {
	return tr.observe(co, name)
}

func (tr *ThreadRegistry) observe(co *lua.LState, name string) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if id, ok := tr.ids[co]; ok {
		if name != "" {
			tr.names[id] = name
		}
		return id
	}
	id := tr.next
	tr.next++
	if name == "" {
		name = fmt.Sprintf("coroutine %d", id)
	}
	tr.ids[co] = id
	tr.names[id] = name
	tr.states[id] = co
	tr.order = append(tr.order, id)
	return id
}

// Threads returns a snapshot of all known coroutines in registration
// order.
func (tr *ThreadRegistry) Threads() []ThreadInfo {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]ThreadInfo, 0, len(tr.order))
	for _, id := range tr.order {
		out = append(out, ThreadInfo{ID: id, Name: tr.names[id]})
	}
	return out
}

// Resolve maps a thread id back to its interpreter state.
func (tr *ThreadRegistry) Resolve(id int) (*lua.LState, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	co, ok := tr.states[id]
	if !ok {
		return nil, fmt.Errorf("unknown thread id %d", id)
	}
	return co, nil
}

// Retire drops a coroutine the host reports as collected. The id stays
// burned; a reappearing state gets a fresh one.
func (tr *ThreadRegistry) Retire(id int) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	co, ok := tr.states[id]
	if !ok {
		return
	}
	delete(tr.states, id)
	delete(tr.names, id)
	delete(tr.ids, co)
	for i, other := range tr.order {
		if other == id {
			tr.order = append(tr.order[:i], tr.order[i+1:]...)
			break
		}
	}
}

// IDOf returns the id of co if it has been observed.
func (tr *ThreadRegistry) IDOf(co *lua.LState) (int, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	id, ok := tr.ids[co]
	return id, ok
}
