package engine

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	lua "github.com/yuin/gopher-lua"

	"github.com/Laar/luadbg/pkg/guest"
)

// ErrStaleHandle is returned for variable references issued before the
// last resume. Handles are only valid for the pause that produced them.
var ErrStaleHandle = errors.New("variable reference not found or stale")

// Variable is the client-consumable view of one guest value.
type Variable struct {
	Name  string
	Value string
	Type  string
	// Ref is non-zero for structured values; pass it to Children to
	// expand.
	Ref int
}

// Scope groups the variables of one stack frame.
type Scope struct {
	Name string
	Ref  int
}

type varKind int

const (
	varValue varKind = iota
	varScopeLocals
	varScopeUpvalues
)

type varEntry struct {
	kind  varKind
	value lua.LValue
	frame *guest.Frame
}

// varTable issues integer handles for structured values during one
// pause. Handles start well away from zero so a zero reference always
// means "no children". The values are dropped on resume but the counter
// keeps climbing, so a handle from an earlier pause can never alias one
// issued later; it stays stale forever.
type varTable struct {
	next int
	vals map[int]*varEntry
}

const startHandle = 1000

func (vt *varTable) reset() {
	vt.vals = nil
}

func (vt *varTable) create(entry *varEntry) int {
	if vt.vals == nil {
		vt.vals = make(map[int]*varEntry)
	}
	if vt.next < startHandle {
		vt.next = startHandle
	}
	h := vt.next
	vt.next++
	vt.vals[h] = entry
	return h
}

func (vt *varTable) get(ref int) (*varEntry, bool) {
	entry, ok := vt.vals[ref]
	return entry, ok
}

// convertVariable renders v for the client, allocating a handle when it
// has expandable structure.
func (e *Engine) convertVariable(name string, v lua.LValue) Variable {
	out := Variable{Name: name, Type: v.Type().String()}
	switch v := v.(type) {
	case *lua.LTable:
		out.Value = fmt.Sprintf("table: %d entries", tableLen(v))
		out.Ref = e.vars.create(&varEntry{kind: varValue, value: v})
	case lua.LString:
		out.Value = strconv.Quote(string(v))
	case *lua.LFunction:
		if v.IsG {
			out.Value = "function: native"
		} else {
			out.Value = fmt.Sprintf("function: %s:%d", guest.CleanSourceName(v.Proto.SourceName), v.Proto.LineDefined)
		}
	default:
		out.Value = v.String()
	}
	return out
}

func tableLen(t *lua.LTable) int {
	n := 0
	t.ForEach(func(lua.LValue, lua.LValue) { n++ })
	return n
}

// tableChildren lists the entries of t, array part first in index
// order, then hash keys sorted by name.
func (e *Engine) tableChildren(t *lua.LTable) []Variable {
	var out []Variable
	maxn := t.MaxN()
	for idx := 1; idx <= maxn; idx++ {
		out = append(out, e.convertVariable("["+strconv.Itoa(idx)+"]", t.RawGetInt(idx)))
	}
	var hash []Variable
	t.ForEach(func(k, v lua.LValue) {
		if n, ok := k.(lua.LNumber); ok {
			f := float64(n)
			if f == math.Trunc(f) && f >= 1 && f <= float64(maxn) {
				return
			}
		}
		hash = append(hash, e.convertVariable(keyString(k), v))
	})
	sort.Slice(hash, func(i, j int) bool { return hash[i].Name < hash[j].Name })
	return append(out, hash...)
}

func keyString(k lua.LValue) string {
	if s, ok := k.(lua.LString); ok {
		return string(s)
	}
	return "[" + k.String() + "]"
}
