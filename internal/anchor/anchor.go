// Package anchor turns boundary points into durable positions and back.
//
// A Position is the list of child indices leading from the document root
// to a node, plus an offset into that node. It survives a re-parse of the
// same markup but not structural edits above the anchored node.
package anchor

import (
	"errors"
	"fmt"

	"golang.org/x/net/html"

	"markd/internal/dom"
)

var (
	// ErrDetached is returned when the node is not under the given root.
	ErrDetached = errors.New("anchor: node is not attached to root")

	// ErrUnresolvable is returned when a stored position no longer
	// addresses a node in the tree.
	ErrUnresolvable = errors.New("anchor: position does not resolve")
)

// Position is a structural address inside a document tree. Text records
// whether the addressed node was a text leaf; resolving to a node of the
// other kind fails.
type Position struct {
	Path   []int `json:"path" msgpack:"path"`
	Offset int   `json:"offset" msgpack:"offset"`
	Text   bool  `json:"text,omitempty" msgpack:"text,omitempty"`
}

// String renders the position as "/0/1/3:12".
func (p Position) String() string {
	s := ""
	for _, i := range p.Path {
		s += fmt.Sprintf("/%d", i)
	}
	if s == "" {
		s = "/"
	}
	return fmt.Sprintf("%s:%d", s, p.Offset)
}

// Equal compares two positions.
func (p Position) Equal(o Position) bool {
	if p.Offset != o.Offset || p.Text != o.Text || len(p.Path) != len(o.Path) {
		return false
	}
	for i := range p.Path {
		if p.Path[i] != o.Path[i] {
			return false
		}
	}
	return true
}

// Serialize records the path from root down to node.
func Serialize(root, node *html.Node, offset int) (Position, error) {
	var rev []int
	n := node
	for n != root {
		if n == nil || n.Parent == nil {
			return Position{}, ErrDetached
		}
		rev = append(rev, dom.Index(n))
		n = n.Parent
	}
	p := Position{Path: make([]int, len(rev)), Offset: offset, Text: dom.IsText(node)}
	for i, v := range rev {
		p.Path[len(rev)-1-i] = v
	}
	return p, nil
}

// Resolve walks the path from root. It reports false when any index is
// out of range or the node found is not of the recorded kind.
func Resolve(root *html.Node, p Position) (*html.Node, bool) {
	n := root
	for _, i := range p.Path {
		if n == nil {
			return nil, false
		}
		n = dom.ChildAt(n, i)
	}
	if n == nil || dom.IsText(n) != p.Text {
		return nil, false
	}
	return n, true
}

// ClampOffset limits offset to [0, dom.Length(n)].
func ClampOffset(n *html.Node, offset int) int {
	if offset < 0 {
		return 0
	}
	if max := dom.Length(n); offset > max {
		return max
	}
	return offset
}

// Codec converts ranges to stored positions and back. IndexPath is the
// only implementation; the interface keeps the Highlighter independent of
// the addressing scheme.
type Codec interface {
	Encode(root *html.Node, r dom.Range) (start, end Position, err error)
	Decode(root *html.Node, start, end Position) (dom.Range, error)
}

// IndexPath is the child-index-path Codec.
type IndexPath struct{}

// Encode serializes both boundaries of r.
func (IndexPath) Encode(root *html.Node, r dom.Range) (Position, Position, error) {
	start, err := Serialize(root, r.Start.Node, r.Start.Offset)
	if err != nil {
		return Position{}, Position{}, fmt.Errorf("serialize start: %w", err)
	}
	end, err := Serialize(root, r.End.Node, r.End.Offset)
	if err != nil {
		return Position{}, Position{}, fmt.Errorf("serialize end: %w", err)
	}
	return start, end, nil
}

// Decode resolves both positions, clamping offsets into the nodes found.
func (IndexPath) Decode(root *html.Node, start, end Position) (dom.Range, error) {
	sn, ok := Resolve(root, start)
	if !ok {
		return dom.Range{}, fmt.Errorf("start %s: %w", start, ErrUnresolvable)
	}
	en, ok := Resolve(root, end)
	if !ok {
		return dom.Range{}, fmt.Errorf("end %s: %w", end, ErrUnresolvable)
	}
	r, err := dom.NewRange(
		dom.Point{Node: sn, Offset: ClampOffset(sn, start.Offset)},
		dom.Point{Node: en, Offset: ClampOffset(en, end.Offset)},
	)
	if err != nil {
		return dom.Range{}, fmt.Errorf("%s..%s: %w", start, end, ErrUnresolvable)
	}
	return r, nil
}
