package dom

import (
	"errors"
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

// Point is a boundary point: a node and an offset into it.
type Point struct {
	Node   *html.Node
	Offset int
}

// Range is a pair of boundary points with Start at or before End.
type Range struct {
	Start Point
	End   Point
}

// ErrInvalidRange is returned by NewRange for detached or inverted points.
var ErrInvalidRange = errors.New("dom: invalid range")

// NewRange validates the two points and returns the range between them.
func NewRange(start, end Point) (Range, error) {
	if start.Node == nil || end.Node == nil {
		return Range{}, ErrInvalidRange
	}
	if Root(start.Node) != Root(end.Node) {
		return Range{}, ErrInvalidRange
	}
	if start.Offset < 0 || start.Offset > Length(start.Node) ||
		end.Offset < 0 || end.Offset > Length(end.Node) {
		return Range{}, ErrInvalidRange
	}
	if Compare(start, end) > 0 {
		return Range{}, ErrInvalidRange
	}
	return Range{Start: start, End: end}, nil
}

// Collapsed reports whether start and end are the same position.
func (r Range) Collapsed() bool {
	return Compare(r.Start, r.End) == 0
}

// CommonAncestor is the deepest node containing both boundary nodes.
func (r Range) CommonAncestor() *html.Node {
	return CommonAncestor(r.Start.Node, r.End.Node)
}

// Text returns the text covered by the range.
func (r Range) Text() string {
	var b strings.Builder
	for _, seg := range r.Segments() {
		b.WriteString(seg.Text())
	}
	return b.String()
}

// Blank reports whether the covered text is empty or whitespace.
func (r Range) Blank() bool {
	return strings.TrimFunc(r.Text(), unicode.IsSpace) == ""
}

// path lists child indices from the top-most ancestor down to n.
func path(n *html.Node) []int {
	var rev []int
	for ; n.Parent != nil; n = n.Parent {
		rev = append(rev, Index(n))
	}
	out := make([]int, len(rev))
	for i, v := range rev {
		out[len(rev)-1-i] = v
	}
	return out
}

// Compare orders two boundary points in document order, returning -1, 0
// or 1. The key of a point is the child-index path of its node followed by
// its offset; keys compare lexicographically and a proper prefix sorts
// first.
func Compare(a, b Point) int {
	if a.Node == b.Node {
		return cmpInt(a.Offset, b.Offset)
	}
	ka := append(path(a.Node), a.Offset)
	kb := append(path(b.Node), b.Offset)
	for i := 0; i < len(ka) && i < len(kb); i++ {
		if c := cmpInt(ka[i], kb[i]); c != 0 {
			return c
		}
	}
	return cmpInt(len(ka), len(kb))
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// CommonAncestor returns the deepest inclusive ancestor shared by a and b.
func CommonAncestor(a, b *html.Node) *html.Node {
	seen := make(map[*html.Node]struct{})
	for n := a; n != nil; n = n.Parent {
		seen[n] = struct{}{}
	}
	for n := b; n != nil; n = n.Parent {
		if _, ok := seen[n]; ok {
			return n
		}
	}
	return nil
}

// ChildContaining returns the child of ancestor that is an inclusive
// ancestor of n.
func ChildContaining(ancestor, n *html.Node) *html.Node {
	for ; n != nil; n = n.Parent {
		if n.Parent == ancestor {
			return n
		}
	}
	return nil
}

// Segment is the part of one text node covered by a range.
type Segment struct {
	Node       *html.Node
	Start, End int
}

// Text returns the covered slice of the node's data.
func (s Segment) Text() string {
	return runeSlice(s.Node.Data, s.Start, s.End)
}

// Segments returns, in document order, every text node that intersects
// the range together with the covered rune interval. Empty intersections
// are omitted.
func (r Range) Segments() []Segment {
	root := r.CommonAncestor()
	if root == nil {
		return nil
	}
	var segs []Segment
	Walk(root, func(n *html.Node) bool {
		if !IsText(n) {
			return true
		}
		length := Length(n)
		if Compare(Point{n, length}, r.Start) <= 0 {
			return true
		}
		if Compare(Point{n, 0}, r.End) >= 0 {
			return true
		}
		s, e := 0, length
		if n == r.Start.Node {
			s = r.Start.Offset
		}
		if n == r.End.Node {
			e = r.End.Offset
		}
		if s < e {
			segs = append(segs, Segment{Node: n, Start: s, End: e})
		}
		return true
	})
	return segs
}
