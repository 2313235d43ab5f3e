package highlight

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"markd/internal/anchor"
)

// IDPrefix starts every generated highlight id.
const IDPrefix = "markd-"

// Record is the persisted form of one highlight.
type Record struct {
	ID          string          `json:"id" msgpack:"id"`
	Color       string          `json:"color" msgpack:"color"`
	Start       anchor.Position `json:"start" msgpack:"start"`
	End         anchor.Position `json:"end" msgpack:"end"`
	TextSnippet string          `json:"textSnippet" msgpack:"textSnippet"`
	CreatedAt   int64           `json:"createdAt" msgpack:"createdAt"`
}

// Collected is a record together with the markup its markers currently
// enclose.
type Collected struct {
	ID          string `json:"id" msgpack:"id"`
	Color       string `json:"color" msgpack:"color"`
	TextSnippet string `json:"textSnippet" msgpack:"textSnippet"`
	CreatedAt   int64  `json:"createdAt" msgpack:"createdAt"`
	HTMLContent string `json:"htmlContent" msgpack:"htmlContent"`
}

// NewID returns a fresh highlight id.
func NewID() string {
	return IDPrefix + uuid.NewString()
}

var spaces = regexp.MustCompile(`\s+`)

// Snippet collapses whitespace runs to one space and trims. Text longer
// than max runes is cut to max-3 runes followed by an ellipsis.
func Snippet(text string, max int) string {
	s := strings.TrimSpace(spaces.ReplaceAllString(text, " "))
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	keep := max - 3
	if keep < 0 {
		keep = 0
	}
	r := []rune(s)
	return string(r[:keep]) + "…"
}

// Sanitize escapes markup in s. Entities already present are decoded
// first, so sanitizing twice gives the same result as sanitizing once.
func Sanitize(s string) string {
	if s == "" {
		return ""
	}
	return html.EscapeString(html.UnescapeString(s))
}
