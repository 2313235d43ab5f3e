// Package mark renders highlights into a document tree as <mark> elements
// and removes them again.
package mark

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/net/html"

	"markd/internal/dom"
)

const (
	// Class is carried by every marker element.
	Class = "markd-highlight"

	// FlashClass is added for the duration of a focus pulse.
	FlashClass = "markd-highlight-flash"

	AttrID    = "data-markd-id"
	AttrColor = "data-markd-color"
)

var (
	ErrEmptyRange   = errors.New("mark: range has no visible text")
	ErrUnsplittable = errors.New("mark: boundary cannot be wrapped")
	ErrNoMarker     = errors.New("mark: no text node could be wrapped")
)

// IsMarker reports whether n is a marker element, optionally for id.
func IsMarker(n *html.Node, id string) bool {
	if !dom.IsElement(n, "mark") || !dom.HasClass(n, Class) {
		return false
	}
	if id == "" {
		return true
	}
	v, _ := dom.Attr(n, AttrID)
	return v == id
}

// ID returns the highlight id carried by marker n.
func ID(n *html.Node) string {
	v, _ := dom.Attr(n, AttrID)
	return v
}

func newMarker(id, color string) *html.Node {
	return dom.NewElement("mark",
		html.Attribute{Key: "class", Val: Class},
		html.Attribute{Key: AttrID, Val: id},
		html.Attribute{Key: AttrColor, Val: color},
		html.Attribute{Key: "style", Val: style(color)},
	)
}

func style(color string) string {
	return "background-color: " + color
}

// Apply wraps the text covered by r in marker elements for id and returns
// the first marker created. A range within a single block element is
// extracted into one marker; a range crossing blocks gets one marker per
// covered text node.
func Apply(r dom.Range, id, color string) (*html.Node, error) {
	if r.Blank() {
		return nil, ErrEmptyRange
	}
	if dom.Unsplittable(r.Start.Node) || dom.Unsplittable(r.End.Node) {
		return nil, ErrUnsplittable
	}

	if dom.BlockAncestor(r.Start.Node) == dom.BlockAncestor(r.End.Node) {
		return wrapSingle(r, id, color), nil
	}
	return wrapEach(r, id, color)
}

// boundary converts a text point into the equivalent container point,
// splitting the text node when the offset falls inside it.
func boundary(p dom.Point) (pt dom.Point, split bool) {
	if !dom.IsText(p.Node) || p.Node.Parent == nil {
		return p, false
	}
	parent, idx := p.Node.Parent, dom.Index(p.Node)
	switch {
	case p.Offset <= 0:
		return dom.Point{Node: parent, Offset: idx}, false
	case p.Offset >= dom.Length(p.Node):
		return dom.Point{Node: parent, Offset: idx + 1}, false
	}
	dom.SplitText(p.Node, p.Offset)
	return dom.Point{Node: parent, Offset: idx + 1}, true
}

func wrapSingle(r dom.Range, id, color string) *html.Node {
	end, _ := boundary(r.End)
	startText := r.Start.Node
	start, split := boundary(r.Start)
	// A split of the start node inserts a sibling that shifts the end
	// offset when both share the parent.
	if split && end.Node == start.Node && end.Offset > dom.Index(startText) {
		end.Offset++
	}

	// Step out of elements the range covers from an edge so they move whole
	// and no empty clones are left behind.
	for start.Node.Parent != nil && !dom.Contains(start.Node, end.Node) {
		if start.Offset == 0 {
			start = dom.Point{Node: start.Node.Parent, Offset: dom.Index(start.Node)}
		} else if start.Offset == dom.Length(start.Node) {
			start = dom.Point{Node: start.Node.Parent, Offset: dom.Index(start.Node) + 1}
		} else {
			break
		}
	}
	for end.Node.Parent != nil && !dom.Contains(end.Node, start.Node) {
		if end.Offset == 0 {
			end = dom.Point{Node: end.Node.Parent, Offset: dom.Index(end.Node)}
		} else if end.Offset == dom.Length(end.Node) {
			end = dom.Point{Node: end.Node.Parent, Offset: dom.Index(end.Node) + 1}
		} else {
			break
		}
	}

	marker := newMarker(id, color)
	at := extract(start, end, marker)
	dom.InsertAt(at.Node, marker, at.Offset)
	return marker
}

// extract moves the content between two container points into dst,
// shallow-cloning partially covered elements, and returns where the
// collapsed range ends up.
func extract(start, end dom.Point, dst *html.Node) dom.Point {
	if start.Node == end.Node {
		moveChildren(start.Node, start.Offset, end.Offset, dst)
		return start
	}

	common := dom.CommonAncestor(start.Node, end.Node)
	var first, last *html.Node
	if !dom.Contains(start.Node, end.Node) {
		first = dom.ChildContaining(common, start.Node)
	}
	if !dom.Contains(end.Node, start.Node) {
		last = dom.ChildContaining(common, end.Node)
	}

	from := start.Offset
	if first != nil {
		from = dom.Index(first) + 1
	}
	to := end.Offset
	if last != nil {
		to = dom.Index(last)
	}

	collapse := start
	if first != nil {
		collapse = dom.Point{Node: common, Offset: dom.Index(first) + 1}
	}

	if first != nil {
		clone := dom.ShallowClone(first)
		dst.AppendChild(clone)
		extract(start, dom.Point{Node: first, Offset: dom.Length(first)}, clone)
	}
	moveChildren(common, from, to, dst)
	if last != nil {
		clone := dom.ShallowClone(last)
		dst.AppendChild(clone)
		extract(dom.Point{Node: last, Offset: 0}, end, clone)
	}
	return collapse
}

func moveChildren(parent *html.Node, from, to int, dst *html.Node) {
	c := dom.ChildAt(parent, from)
	for i := from; i < to && c != nil; i++ {
		next := c.NextSibling
		parent.RemoveChild(c)
		dst.AppendChild(c)
		c = next
	}
}

func wrapEach(r dom.Range, id, color string) (*html.Node, error) {
	var segs []dom.Segment
	for _, s := range r.Segments() {
		if strings.TrimFunc(s.Node.Data, unicode.IsSpace) == "" || dom.Unsplittable(s.Node) {
			continue
		}
		segs = append(segs, s)
	}
	if len(segs) == 0 {
		return nil, ErrNoMarker
	}

	var first *html.Node
	for _, s := range segs {
		target := s.Node
		if s.End < dom.Length(target) {
			dom.SplitText(target, s.End)
		}
		if s.Start > 0 {
			target = dom.SplitText(target, s.Start)
		}
		m := newMarker(id, color)
		target.Parent.InsertBefore(m, target)
		target.Parent.RemoveChild(target)
		m.AppendChild(target)
		if first == nil {
			first = m
		}
	}
	return first, nil
}

// Markers returns every marker for id under root in document order.
func Markers(root *html.Node, id string) []*html.Node {
	var out []*html.Node
	dom.Walk(root, func(n *html.Node) bool {
		if IsMarker(n, id) {
			out = append(out, n)
		}
		return true
	})
	return out
}

// Remove unwraps every marker for id under root and normalizes each
// affected parent once. It returns the number of markers removed.
func Remove(root *html.Node, id string) int {
	markers := Markers(root, id)
	parents := make([]*html.Node, 0, len(markers))
	seen := make(map[*html.Node]bool, len(markers))
	for _, m := range markers {
		p := dom.Unwrap(m)
		if p != nil && !seen[p] {
			seen[p] = true
			parents = append(parents, p)
		}
	}
	for _, p := range parents {
		dom.Normalize(p)
	}
	return len(markers)
}

// RemoveAll unwraps every marker under root regardless of id.
func RemoveAll(root *html.Node) int {
	return Remove(root, "")
}

// Restyle updates the color of markers in place.
func Restyle(markers []*html.Node, color string) {
	for _, m := range markers {
		dom.SetAttr(m, AttrColor, color)
		dom.SetAttr(m, "style", style(color))
	}
}

// Flash toggles the focus pulse class on markers.
func Flash(markers []*html.Node, on bool) {
	for _, m := range markers {
		if on {
			dom.AddClass(m, FlashClass)
		} else {
			dom.RemoveClass(m, FlashClass)
		}
	}
}

// InnerHTML renders the content of a marker.
func InnerHTML(m *html.Node) (string, error) {
	s, err := dom.InnerHTML(m)
	if err != nil {
		return "", fmt.Errorf("marker %s: %w", ID(m), err)
	}
	return s, nil
}
