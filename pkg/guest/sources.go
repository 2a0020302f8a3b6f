package guest

import (
	"strings"
	"sync"

	"github.com/derekparker/trie"
)

// keySep joins reversed path segments into trie keys. Any byte that
// cannot occur inside a path segment works.
const keySep = "\x1f"

// SourceIndex resolves file paths as seen by a debugger client to the
// names of loaded chunks. Clients typically send absolute paths from
// their own filesystem while chunks are registered under host-relative
// names, so matching goes by trailing path segments: the index stores
// each chunk name with its segments reversed, and a lookup walks the
// reversed client path until the prefix narrows to a single chunk.
type SourceIndex struct {
	mu    sync.Mutex
	t     *trie.Trie
	names map[string]bool
}

func NewSourceIndex() *SourceIndex {
	return &SourceIndex{t: trie.New(), names: make(map[string]bool)}
}

// Add registers a loaded chunk name. Adding the same name twice is a
// no-op.
func (si *SourceIndex) Add(name string) {
	name = CleanSourceName(name)
	si.mu.Lock()
	defer si.mu.Unlock()
	if si.names[name] {
		return
	}
	si.names[name] = true
	si.t.Add(indexKey(name), name)
}

// Resolve maps path to the name of a loaded chunk. An exact name match
// wins; otherwise the longest suffix of path segments matching exactly
// one chunk does. Ambiguous or unknown paths resolve to false.
func (si *SourceIndex) Resolve(path string) (string, bool) {
	p := CleanSourceName(path)
	si.mu.Lock()
	defer si.mu.Unlock()
	if si.names[p] {
		return p, true
	}
	segs := reverseSegments(p)
	for i := 1; i <= len(segs); i++ {
		prefix := strings.Join(segs[:i], keySep)
		keys := si.t.PrefixSearch(prefix)
		switch len(keys) {
		case 0:
			return "", false
		case 1:
			node, ok := si.t.Find(keys[0])
			if !ok {
				return "", false
			}
			return node.Meta().(string), true
		}
		// still ambiguous, take another segment
	}
	return "", false
}

func indexKey(name string) string {
	return strings.Join(reverseSegments(name), keySep)
}

func reverseSegments(p string) []string {
	segs := strings.Split(p, "/")
	out := make([]string, 0, len(segs))
	for i := len(segs) - 1; i >= 0; i-- {
		if segs[i] != "" {
			out = append(out, segs[i])
		}
	}
	return out
}
