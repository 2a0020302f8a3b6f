package guest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"

	"github.com/Laar/luadbg/pkg/logflags"
)

// HookGlobal is the name of the global function the instrumented chunks
// call before every statement line. The prefix keeps it out of the way
// of sandboxed guest code.
const HookGlobal = "__luadbg_line"

const instrumentCacheSize = 128

// HookFunc receives one event per statement line executed by the guest.
// co is the coroutine the event fired on; source is the cleaned chunk
// name. It always runs on the guest goroutine.
type HookFunc func(co *lua.LState, source string, line int)

// Chunk describes one loaded piece of guest source.
type Chunk struct {
	Name   string
	Lines  map[int]bool
	Hooked bool
}

// Runtime wraps a single gopher-lua interpreter and is the only place
// that loads guest source. Loading goes through the instrumenter so that
// line events fire; prepared sources are cached so the host can reload
// the same files cheaply after an environment reset.
//
// All methods that touch the interpreter must run on the goroutine that
// owns it.
type Runtime struct {
	L   *lua.LState
	log *logrus.Entry

	mu     sync.Mutex
	chunks map[string]*Chunk

	hook         HookFunc
	hookInstalls int
	cache        *lru.Cache
	sources      *SourceIndex
	onLoad       func(*Chunk)
}

func NewRuntime() *Runtime {
	cache, _ := lru.New(instrumentCacheSize)
	return &Runtime{
		L:       lua.NewState(),
		log:     logflags.GuestLogger(),
		chunks:  make(map[string]*Chunk),
		cache:   cache,
		sources: NewSourceIndex(),
	}
}

func (r *Runtime) Close() {
	r.L.Close()
}

// Sources returns the index used to resolve client file paths to loaded
// chunk names.
func (r *Runtime) Sources() *SourceIndex { return r.sources }

// OnLoad registers fn to be called after every chunk load. Used to
// rebind breakpoints when a source appears late.
func (r *Runtime) OnLoad(fn func(*Chunk)) { r.onLoad = fn }

// SetLineHook installs fn as the statement line hook. The hook entry
// point is registered as a global so instrumented chunks can reach it.
func (r *Runtime) SetLineHook(fn HookFunc) {
	r.hook = fn
	r.hookInstalls++
	r.L.SetGlobal(HookGlobal, r.L.NewFunction(r.hookEntry))
}

// HookInstalls returns how many times a line hook has been installed on
// this runtime. Attach recovery checks it stays at one.
func (r *Runtime) HookInstalls() int { return r.hookInstalls }

func (r *Runtime) hookEntry(co *lua.LState) int {
	line := co.CheckInt(1)
	if r.hook == nil {
		return 0
	}
	src := ""
	if dbg, ok := co.GetStack(1); ok {
		if _, err := co.GetInfo("S", dbg, lua.LNil); err == nil {
			src = CleanSourceName(dbg.Source)
		}
	}
	r.hook(co, src, line)
	return 0
}

// Load compiles src under name, instrumenting it for line events. The
// instrumented text is cached by content hash, so reloading an unchanged
// file skips the parse and rewrite.
func (r *Runtime) Load(src, name string) (*lua.LFunction, error) {
	key := cacheKey(name, src)
	var inst *Instrumented
	if v, ok := r.cache.Get(key); ok {
		inst = v.(*Instrumented)
	} else {
		var err error
		inst, err = Instrument(src, name, HookGlobal)
		if err != nil {
			return nil, err
		}
		if !inst.Hooked {
			r.log.Warnf("cannot instrument %s, line events disabled for this chunk", name)
		}
		r.cache.Add(key, inst)
	}

	fn, err := r.L.Load(strings.NewReader(inst.Source), name)
	if err != nil {
		return nil, err
	}

	chunk := &Chunk{Name: CleanSourceName(name), Lines: inst.Lines, Hooked: inst.Hooked}
	r.mu.Lock()
	r.chunks[chunk.Name] = chunk
	r.mu.Unlock()
	r.sources.Add(chunk.Name)
	if r.onLoad != nil {
		r.onLoad(chunk)
	}
	return fn, nil
}

// LoadFile reads path and loads it under the conventional "@path" chunk
// name.
func (r *Runtime) LoadFile(path string) (*lua.LFunction, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return r.Load(string(b), "@"+path)
}

// DoString loads and runs src, discarding results.
func (r *Runtime) DoString(src, name string) error {
	fn, err := r.Load(src, name)
	if err != nil {
		return err
	}
	top := r.L.GetTop()
	r.L.Push(fn)
	if err := r.L.PCall(0, lua.MultRet, nil); err != nil {
		return err
	}
	r.L.SetTop(top)
	return nil
}

// Chunk returns the record for a loaded chunk name.
func (r *Runtime) Chunk(name string) (*Chunk, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chunks[name]
	return c, ok
}

// Depth returns the number of live Lua frames on co. The Go frame of a
// currently executing hook callback is not counted.
func (r *Runtime) Depth(co *lua.LState) int {
	n := 0
	for {
		if _, ok := co.GetStack(n); !ok {
			break
		}
		n++
	}
	if n > 0 {
		n--
	}
	return n
}

func cacheKey(name, src string) string {
	sum := sha256.Sum256([]byte(src))
	return fmt.Sprintf("%s\x00%s", name, hex.EncodeToString(sum[:8]))
}

// CleanSourceName strips the load-mode prefix gopher-lua keeps on chunk
// names and normalizes path separators.
func CleanSourceName(name string) string {
	name = strings.TrimPrefix(name, "@")
	name = strings.TrimPrefix(name, "=")
	name = strings.ReplaceAll(name, "\\", "/")
	return strings.TrimPrefix(name, "./")
}
