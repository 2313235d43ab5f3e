package export

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"markd/internal/highlight"
)

func fixedClock() time.Time {
	return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
}

func sampleItems() []highlight.Collected {
	return []highlight.Collected{
		{ID: "markd-b", Color: "#FFAAA5", CreatedAt: 2000, TextSnippet: "second", HTMLContent: "second"},
		{ID: "markd-a", Color: "#FFD3B6", CreatedAt: 1000, TextSnippet: "bold and it", HTMLContent: "<strong>bold</strong> and <em>it</em>"},
		{ID: "markd-c", CreatedAt: 3000},
	}
}

func TestBuildMarkdown(t *testing.T) {
	page := Page{Title: "Guide", URL: "https://example.com/guide"}
	got := BuildMarkdown(page, sampleItems(), "2026-01-02T03:04:05.000Z")

	want := "# Highlights for Guide\n" +
		"\n" +
		"- URL: https://example.com/guide\n" +
		"- Exported: 2026-01-02T03:04:05.000Z\n" +
		"\n" +
		"## Highlight 1 `#FFD3B6`\n" +
		"\n" +
		"**bold** and _it_\n" +
		"\n" +
		"## Highlight 2 `#FFAAA5`\n" +
		"\n" +
		"second\n" +
		"\n" +
		"## Highlight 3\n" +
		"\n" +
		"_No text_\n"
	assert.Equal(t, want, got)
}

func TestBuildMarkdownDefaults(t *testing.T) {
	got := BuildMarkdown(Page{}, nil, "now")
	assert.Equal(t, "# Highlights for Untitled\n\n- URL: Unknown\n- Exported: now\n", got)
}

func TestBuildMarkdownFallsBackToSnippet(t *testing.T) {
	items := []highlight.Collected{{Color: "#C5E1A5", TextSnippet: "only the snippet"}}
	got := BuildMarkdown(Page{Title: "T"}, items, "now")
	assert.Contains(t, got, "## Highlight 1 `#C5E1A5`\n\nonly the snippet\n")
}

func TestHTMLToMarkdown(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"escapes markdown characters", "a_b*c `d` [e]", "a\\_b\\*c \\`d\\` \\[e\\]"},
		{"decodes entities", "Tom &amp; Jerry", "Tom & Jerry"},
		{"strong and b", "<strong>x</strong> <b>y</b>", "**x** **y**"},
		{"em and i", "<em>x</em> <i>y</i>", "_x_ _y_"},
		{"empty emphasis dropped", "a<strong></strong>b", "ab"},
		{"code", "run <code>go</code>", "run `go`"},
		{"line break", "line<br>break", "line\nbreak"},
		{"link", `<a href="https://x.test/p">docs</a>`, "[docs](https://x.test/p)"},
		{"empty link uses href", `<a href="https://x.test"></a>`, "[https://x.test](https://x.test)"},
		{"anchor without href", "<a>plain</a>", "plain"},
		{"unordered list", "<ul><li>one</li><li>two</li></ul>", "- one\n- two"},
		{"ordered list", "<ol><li>one</li><li>two</li></ol>", "1. one\n2. two"},
		{"paragraphs", "<p>first</p><p>second</p>", "first\n\nsecond"},
		{"blank lines collapse", "<div><p>a</p></div><p>b</p>", "a\n\nb"},
		{"unknown elements keep text", "<span>in <mark>side</mark></span>", "in side"},
		{"comments dropped", "a<!-- note -->b", "ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTMLToMarkdown(tt.in))
		})
	}
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Hello, World!":          "hello-world",
		"":                       "page",
		"!!!":                    "page",
		"  Go 1.25 release notes": "go-1-25-release-notes",
		"Déjà vu":                "d-j-vu",
		strings.Repeat("a", 100): strings.Repeat("a", 60),
	}
	for in, want := range tests {
		assert.Equal(t, want, Slugify(in), "Slugify(%q)", in)
	}
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "my-page-highlights.md", FileName(Page{Title: "My Page"}, FormatMarkdown))
	assert.Equal(t, "page-highlights.json", FileName(Page{}, FormatJSON))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("md")
	require.NoError(t, err)
	assert.Equal(t, FormatMarkdown, f)

	f, err = ParseFormat("html")
	require.NoError(t, err)
	assert.Equal(t, FormatHTML, f)

	_, err = ParseFormat("pdf")
	assert.Error(t, err)
}

func TestSanitizeKeepsFormattingDropsScripts(t *testing.T) {
	assert.Equal(t, "<strong>ok</strong>", Sanitize(`<strong>ok</strong><script>alert(1)</script>`))
	assert.Equal(t, "<em>hi</em>", Sanitize(`<em onclick="steal()">hi</em>`))
	assert.Equal(t, "", Sanitize(""))
}

func TestGenerateMarkdownUsesClock(t *testing.T) {
	var buf bytes.Buffer
	g := NewGenerator(FormatMarkdown).WithClock(fixedClock)
	require.NoError(t, g.Generate(Page{Title: "Guide"}, sampleItems(), &buf))
	assert.Contains(t, buf.String(), "- Exported: 2026-01-02T03:04:05.000Z\n")
}

func TestGenerateJSON(t *testing.T) {
	var buf bytes.Buffer
	g := NewGenerator(FormatJSON).WithClock(fixedClock)
	require.NoError(t, g.Generate(Page{Title: "Guide", URL: "https://example.com"}, sampleItems(), &buf))

	var doc struct {
		Title      string                `json:"title"`
		URL        string                `json:"url"`
		Exported   time.Time             `json:"exported"`
		Highlights []highlight.Collected `json:"highlights"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "Guide", doc.Title)
	assert.True(t, doc.Exported.Equal(fixedClock()))
	require.Len(t, doc.Highlights, 3)
	assert.Equal(t, []string{"markd-a", "markd-b", "markd-c"},
		[]string{doc.Highlights[0].ID, doc.Highlights[1].ID, doc.Highlights[2].ID})
}

func TestGenerateText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewGenerator(FormatText).WithClock(fixedClock).Generate(Page{Title: "Guide"}, sampleItems(), &buf))
	out := buf.String()
	assert.Contains(t, out, "Highlights for Guide\n")
	assert.Contains(t, out, "[1] #FFD3B6")
	assert.Contains(t, out, "    bold and it\n")
	assert.Contains(t, out, "3 highlight(s)")
}

func TestGenerateHTMLSanitizes(t *testing.T) {
	items := []highlight.Collected{
		{Color: "#FFD3B6", CreatedAt: 1, HTMLContent: `<strong>bold</strong><script>alert(1)</script>`},
		{Color: "red;}body{display:none", CreatedAt: 2, TextSnippet: "plain"},
	}
	var buf bytes.Buffer
	require.NoError(t, NewGenerator(FormatHTML).WithClock(fixedClock).Generate(Page{Title: "<Guide>"}, items, &buf))
	out := buf.String()

	assert.Contains(t, out, "<strong>bold</strong>")
	assert.NotContains(t, out, "<script>")
	assert.Contains(t, out, "Highlights for &lt;Guide&gt;")
	assert.Contains(t, out, "border-color: #FFD3B6")
	assert.NotContains(t, out, "display:none")
	assert.Contains(t, out, ">plain</blockquote>")
}
