package dom

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

func runeSlice(s string, from, to int) string {
	if from >= to {
		return ""
	}
	start, end := -1, len(s)
	i := 0
	for b := range s {
		if i == from {
			start = b
		}
		if i == to {
			end = b
			break
		}
		i++
	}
	if start < 0 {
		return ""
	}
	return s[start:end]
}

func byteOffset(s string, runes int) int {
	i := 0
	for b := range s {
		if i == runes {
			return b
		}
		i++
	}
	return len(s)
}

// SplitText splits text node n at rune offset off. n keeps the head and the
// returned node, inserted as n's next sibling, holds the tail. The offset
// must be within the node; callers avoid splitting at either end when they
// do not want an empty node.
func SplitText(n *html.Node, off int) *html.Node {
	at := byteOffset(n.Data, off)
	tail := NewText(n.Data[at:])
	n.Data = n.Data[:at]
	if n.Parent != nil {
		n.Parent.InsertBefore(tail, n.NextSibling)
	}
	return tail
}

// Normalize merges adjacent text children and drops empty ones, for n
// and all of its descendants.
func Normalize(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if !IsText(c) {
			Normalize(c)
			c = next
			continue
		}
		for next != nil && IsText(next) {
			c.Data += next.Data
			after := next.NextSibling
			n.RemoveChild(next)
			next = after
		}
		if c.Data == "" {
			n.RemoveChild(c)
		}
		c = next
	}
}

// Unwrap replaces n with its children and returns n's former parent.
func Unwrap(n *html.Node) *html.Node {
	parent := n.Parent
	if parent == nil {
		return nil
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		parent.InsertBefore(c, n)
		c = next
	}
	parent.RemoveChild(n)
	return parent
}

var blockTags = map[atom.Atom]bool{
	atom.P: true, atom.Div: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Li: true, atom.Blockquote: true, atom.Pre: true,
	atom.Section: true, atom.Article: true, atom.Td: true, atom.Th: true,
}

// IsBlock reports whether n is one of the block-like elements used to
// decide between single and per-text-node wrapping.
func IsBlock(n *html.Node) bool {
	return n != nil && n.Type == html.ElementNode && n.Namespace == "" && blockTags[n.DataAtom]
}

// BlockAncestor returns the nearest inclusive block-like ancestor of n,
// falling back to <body> and then to the top of the tree.
func BlockAncestor(n *html.Node) *html.Node {
	var body, top *html.Node
	for c := n; c != nil; c = c.Parent {
		if IsBlock(c) {
			return c
		}
		if body == nil && c.DataAtom == atom.Body && c.Type == html.ElementNode {
			body = c
		}
		top = c
	}
	if body != nil {
		return body
	}
	return top
}

var rawTextTags = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Textarea: true, atom.Title: true,
	atom.Xmp: true, atom.Iframe: true, atom.Noembed: true, atom.Noframes: true,
	atom.Noscript: true, atom.Plaintext: true,
}

// Unsplittable reports whether n sits inside content that cannot take a
// wrapping element: raw-text elements or foreign (SVG, MathML) content.
func Unsplittable(n *html.Node) bool {
	for c := n; c != nil; c = c.Parent {
		if c.Type != html.ElementNode {
			continue
		}
		if c.Namespace != "" || rawTextTags[c.DataAtom] {
			return true
		}
	}
	return false
}

// FindText locates the n-th (zero based) occurrence of needle in the
// rendered text under root and returns the range covering it. Text inside
// raw-text and foreign elements is ignored. Matches may span text nodes.
func FindText(root *html.Node, needle string, occurrence int) (Range, bool) {
	if needle == "" || occurrence < 0 {
		return Range{}, false
	}

	type piece struct {
		node  *html.Node
		start int // rune offset of node within the flattened text
	}
	var (
		pieces []piece
		flat   strings.Builder
		total  int
	)
	Walk(root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && (n.Namespace != "" || rawTextTags[n.DataAtom]) {
			return false
		}
		if IsText(n) && n.Data != "" {
			pieces = append(pieces, piece{node: n, start: total})
			flat.WriteString(n.Data)
			total += utf8.RuneCountInString(n.Data)
		}
		return true
	})

	text := flat.String()
	from := 0
	for {
		i := strings.Index(text[from:], needle)
		if i < 0 {
			return Range{}, false
		}
		if occurrence == 0 {
			startRune := utf8.RuneCountInString(text[:from+i])
			endRune := startRune + utf8.RuneCountInString(needle)
			locate := func(r int, end bool) Point {
				for k := len(pieces) - 1; k >= 0; k-- {
					p := pieces[k]
					if r > p.start || (!end && r == p.start) {
						return Point{Node: p.node, Offset: r - p.start}
					}
				}
				return Point{Node: pieces[0].node, Offset: 0}
			}
			return Range{Start: locate(startRune, false), End: locate(endRune, true)}, true
		}
		occurrence--
		_, size := utf8.DecodeRuneInString(text[from+i:])
		from += i + size
	}
}
