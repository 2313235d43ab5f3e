package export

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"markd/internal/highlight"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

// sortOldestFirst returns items ordered by creation time, ties kept in
// collection order.
func sortOldestFirst(items []highlight.Collected) []highlight.Collected {
	out := append([]highlight.Collected(nil), items...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

func titleOr(p Page) string {
	if p.Title == "" {
		return "Untitled"
	}
	return p.Title
}

func urlOr(p Page) string {
	if p.URL == "" {
		return "Unknown"
	}
	return p.URL
}

// BuildMarkdown renders the highlights of one page, oldest first.
func BuildMarkdown(p Page, items []highlight.Collected, exported string) string {
	lines := []string{
		"# Highlights for " + titleOr(p),
		"",
		"- URL: " + urlOr(p),
		"- Exported: " + exported,
		"",
	}

	for i, item := range sortOldestFirst(items) {
		heading := fmt.Sprintf("## Highlight %d", i+1)
		if item.Color != "" {
			heading += " `" + item.Color + "`"
		}
		body := item.TextSnippet
		if item.HTMLContent != "" {
			body = HTMLToMarkdown(item.HTMLContent)
		}
		if body == "" {
			body = "_No text_"
		}
		lines = append(lines, heading, "", body, "")
	}

	return strings.TrimSpace(strings.Join(lines, "\n")) + "\n"
}

var (
	mdSpecial   = regexp.MustCompile("([_*`\\[\\]])")
	blankLines  = regexp.MustCompile(`\n{3,}`)
	fragmentCtx = &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
)

// HTMLToMarkdown converts a markup fragment to Markdown. Inline emphasis,
// code, links and lists are kept; other elements contribute their text.
func HTMLToMarkdown(s string) string {
	nodes, err := html.ParseFragment(strings.NewReader(s), fragmentCtx)
	if err != nil {
		return strings.TrimSpace(s)
	}

	var b strings.Builder
	for _, n := range nodes {
		b.WriteString(convert(n))
	}
	return strings.TrimSpace(blankLines.ReplaceAllString(b.String(), "\n\n"))
}

func convert(n *html.Node) string {
	switch n.Type {
	case html.TextNode:
		return mdSpecial.ReplaceAllString(n.Data, `\$1`)
	case html.ElementNode:
	default:
		return ""
	}

	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(convert(c))
	}
	children := b.String()

	switch n.DataAtom {
	case atom.Strong, atom.B:
		return wrapNonEmpty(children, "**")
	case atom.Em, atom.I:
		return wrapNonEmpty(children, "_")
	case atom.Code:
		return wrapNonEmpty(children, "`")
	case atom.Br:
		return "\n"
	case atom.A:
		href := attr(n, "href")
		if href == "" {
			return children
		}
		text := children
		if text == "" {
			text = href
		}
		return "[" + text + "](" + href + ")"
	case atom.Ul, atom.Ol:
		return list(n)
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Li:
		return "\n" + children + "\n"
	}
	return children
}

func wrapNonEmpty(s, marker string) string {
	if s == "" {
		return ""
	}
	return marker + s + marker
}

// list renders the element children of a ul or ol, one item per line.
func list(n *html.Node) string {
	var items []string
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		bullet := "- "
		if n.DataAtom == atom.Ol {
			bullet = fmt.Sprintf("%d. ", len(items)+1)
		}
		items = append(items, bullet+strings.TrimSpace(convert(c)))
	}
	return "\n" + strings.Join(items, "\n") + "\n"
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val
		}
	}
	return ""
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases text and joins its alphanumeric runs with dashes,
// capped at 60 bytes. Empty results become "page".
func Slugify(text string) string {
	if text == "" {
		text = "page"
	}
	s := slugInvalid.ReplaceAllString(strings.ToLower(text), "-")
	s = strings.TrimPrefix(s, "-")
	s = strings.TrimSuffix(s, "-")
	if len(s) > 60 {
		s = s[:60]
	}
	if s == "" {
		return "page"
	}
	return s
}
