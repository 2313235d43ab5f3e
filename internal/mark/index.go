package mark

import (
	"sync"

	"golang.org/x/net/html"

	"markd/internal/dom"
)

// Index caches the marker elements of each highlight id. Entries are
// filled on first lookup by walking the tree and are dropped explicitly
// whenever markers for an id are created or removed.
type Index struct {
	mu    sync.Mutex
	root  *html.Node
	cache map[string][]*html.Node
}

// NewIndex returns an empty index over root.
func NewIndex(root *html.Node) *Index {
	return &Index{root: root, cache: make(map[string][]*html.Node)}
}

// Get returns the markers for id, walking the tree on a cache miss. Empty
// results are not cached, and cached markers that have left the tree are
// looked up again.
func (x *Index) Get(id string) []*html.Node {
	x.mu.Lock()
	defer x.mu.Unlock()

	if nodes, ok := x.cache[id]; ok && x.attached(nodes) {
		return nodes
	}
	nodes := Markers(x.root, id)
	if len(nodes) > 0 {
		x.cache[id] = nodes
	} else {
		delete(x.cache, id)
	}
	return nodes
}

func (x *Index) attached(nodes []*html.Node) bool {
	for _, n := range nodes {
		if dom.Root(n) != x.root {
			return false
		}
	}
	return true
}

// Invalidate drops the cached markers for id.
func (x *Index) Invalidate(id string) {
	x.mu.Lock()
	delete(x.cache, id)
	x.mu.Unlock()
}

// Reset drops every entry and, when root is non-nil, rebinds the index to
// a new tree.
func (x *Index) Reset(root *html.Node) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if root != nil {
		x.root = root
	}
	x.cache = make(map[string][]*html.Node)
}

// Len reports the number of cached ids.
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.cache)
}
