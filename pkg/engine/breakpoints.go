package engine

import (
	"sync"

	"github.com/Laar/luadbg/pkg/guest"
)

// BreakpointRequest is one breakpoint as requested by a client for a
// file. Setting breakpoints for a file replaces all previous ones in
// that file.
type BreakpointRequest struct {
	Line int
	// Cond is a guest expression; the breakpoint fires only when it
	// evaluates truthy in the stopped frame.
	Cond string
	// HitCond suppresses the breakpoint until it has been hit that many
	// times. Zero means fire on every hit.
	HitCond int
}

// Breakpoint is a requested stop location together with its resolution
// state.
type Breakpoint struct {
	ID       int
	File     string
	Line     int
	Cond     string
	HitCond  int
	HitCount int
	// Verified is true when the line maps to a statement in a loaded,
	// instrumented chunk.
	Verified bool

	chunk      string
	condWarned bool
}

type breakpointTable struct {
	mu     sync.Mutex
	nextID int
	byFile map[string][]*Breakpoint
	// index is consulted on every line event: chunk name -> line -> bp.
	index map[string]map[int]*Breakpoint
}

func newBreakpointTable() breakpointTable {
	return breakpointTable{
		nextID: 1,
		byFile: make(map[string][]*Breakpoint),
		index:  make(map[string]map[int]*Breakpoint),
	}
}

// SetFileBreakpoints atomically replaces all breakpoints for file and
// returns the new set with their verification state.
func (e *Engine) SetFileBreakpoints(file string, reqs []BreakpointRequest) []Breakpoint {
	e.bps.mu.Lock()
	defer e.bps.mu.Unlock()

	bps := make([]*Breakpoint, 0, len(reqs))
	for _, req := range reqs {
		bp := &Breakpoint{
			ID:      e.bps.nextID,
			File:    file,
			Line:    req.Line,
			Cond:    req.Cond,
			HitCond: req.HitCond,
		}
		e.bps.nextID++
		e.resolveLocked(bp)
		bps = append(bps, bp)
	}
	e.bps.byFile[file] = bps
	e.rebuildIndexLocked()

	out := make([]Breakpoint, len(bps))
	for i, bp := range bps {
		out[i] = *bp
	}
	e.log.Debugf("set %d breakpoints in %s", len(bps), file)
	return out
}

// Breakpoints returns a snapshot of every breakpoint across all files.
func (e *Engine) Breakpoints() []Breakpoint {
	e.bps.mu.Lock()
	defer e.bps.mu.Unlock()
	var out []Breakpoint
	for _, bps := range e.bps.byFile {
		for _, bp := range bps {
			out = append(out, *bp)
		}
	}
	return out
}

// ClearBreakpoints drops every breakpoint. Used on detach so a later
// reattach starts clean.
func (e *Engine) ClearBreakpoints() {
	e.bps.mu.Lock()
	defer e.bps.mu.Unlock()
	e.bps.byFile = make(map[string][]*Breakpoint)
	e.bps.index = make(map[string]map[int]*Breakpoint)
}

func (e *Engine) resolveLocked(bp *Breakpoint) {
	name, ok := e.rt.Sources().Resolve(bp.File)
	if !ok {
		bp.chunk = ""
		bp.Verified = false
		return
	}
	bp.chunk = name
	chunk, ok := e.rt.Chunk(name)
	bp.Verified = ok && chunk.Hooked && chunk.Lines[bp.Line]
}

func (e *Engine) rebuildIndexLocked() {
	idx := make(map[string]map[int]*Breakpoint)
	for _, bps := range e.bps.byFile {
		for _, bp := range bps {
			if bp.chunk == "" {
				continue
			}
			m := idx[bp.chunk]
			if m == nil {
				m = make(map[int]*Breakpoint)
				idx[bp.chunk] = m
			}
			m[bp.Line] = bp
		}
	}
	e.bps.index = idx
}

// rebind re-resolves breakpoints after a chunk load, so breakpoints set
// before their file was loaded become active.
func (e *Engine) rebind(c *guest.Chunk) {
	e.bps.mu.Lock()
	defer e.bps.mu.Unlock()
	changed := false
	for _, bps := range e.bps.byFile {
		for _, bp := range bps {
			if bp.chunk != "" {
				continue
			}
			e.resolveLocked(bp)
			if bp.chunk != "" {
				changed = true
			}
		}
	}
	if changed {
		e.rebuildIndexLocked()
	}
}

func (e *Engine) findBreakpoint(chunk string, line int) *Breakpoint {
	e.bps.mu.Lock()
	defer e.bps.mu.Unlock()
	m, ok := e.bps.index[chunk]
	if !ok {
		return nil
	}
	return m[line]
}
