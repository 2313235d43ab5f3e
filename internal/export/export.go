// Package export renders collected highlights as Markdown, JSON, text or
// HTML documents.
package export

import (
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"time"

	"markd/internal/highlight"
)

// Format specifies the output format of an export.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
	FormatText     Format = "text"
	FormatHTML     Format = "html"
)

// ParseFormat maps a name or file extension to a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "markdown", "md", "":
		return FormatMarkdown, nil
	case "json":
		return FormatJSON, nil
	case "text", "txt":
		return FormatText, nil
	case "html":
		return FormatHTML, nil
	}
	return "", fmt.Errorf("unknown format: %s", s)
}

// Extension is the file extension used for the format.
func (f Format) Extension() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatText:
		return "txt"
	case FormatHTML:
		return "html"
	default:
		return "md"
	}
}

// Page identifies the exported document.
type Page struct {
	Title string `json:"title" msgpack:"title"`
	URL   string `json:"url" msgpack:"url"`
}

// FileName is the suggested download name for an export of p.
func FileName(p Page, f Format) string {
	return Slugify(p.Title) + "-highlights." + f.Extension()
}

// Generator writes exports in one format.
type Generator struct {
	format Format
	now    func() time.Time
}

// NewGenerator creates a generator for format.
func NewGenerator(format Format) *Generator {
	return &Generator{format: format, now: time.Now}
}

// WithClock replaces the export timestamp source.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Generate writes the export of items to w.
func (g *Generator) Generate(p Page, items []highlight.Collected, w io.Writer) error {
	exported := g.now().UTC()
	switch g.format {
	case FormatMarkdown:
		_, err := io.WriteString(w, BuildMarkdown(p, items, exported.Format(timestampLayout)))
		return err
	case FormatJSON:
		return g.generateJSON(p, items, exported, w)
	case FormatText:
		return g.generateText(p, items, exported, w)
	case FormatHTML:
		return g.generateHTML(p, items, exported, w)
	default:
		return fmt.Errorf("unknown format: %s", g.format)
	}
}

func (g *Generator) generateJSON(p Page, items []highlight.Collected, exported time.Time, w io.Writer) error {
	doc := struct {
		Page
		Exported   time.Time             `json:"exported"`
		Highlights []highlight.Collected `json:"highlights"`
	}{p, exported, sortOldestFirst(items)}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(doc)
}

func (g *Generator) generateText(p Page, items []highlight.Collected, exported time.Time, w io.Writer) error {
	fmt.Fprintf(w, "Highlights for %s\n", titleOr(p))
	fmt.Fprintf(w, "URL:      %s\n", urlOr(p))
	fmt.Fprintf(w, "Exported: %s\n", exported.Format(time.RFC3339))
	fmt.Fprintln(w)

	for i, item := range sortOldestFirst(items) {
		created := time.UnixMilli(item.CreatedAt).UTC().Format(time.RFC3339)
		fmt.Fprintf(w, "[%d] %-8s %s\n", i+1, item.Color, created)
		fmt.Fprintf(w, "    %s\n", item.TextSnippet)
	}
	_, err := fmt.Fprintf(w, "\n%d highlight(s)\n", len(items))
	return err
}

var htmlTemplate = template.Must(template.New("export").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Highlights for {{.Title}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; max-width: 760px; margin: 0 auto; padding: 20px; }
        blockquote { margin: 12px 0; padding: 8px 14px; border-left: 6px solid; border-radius: 3px; }
        .meta { color: #6c757d; }
    </style>
</head>
<body>
    <h1>Highlights for {{.Title}}</h1>
    <p class="meta">{{.URL}} &middot; exported {{.Exported}}</p>
    {{range .Items}}
    <blockquote style="border-color: {{.Color}}">{{.Body}}</blockquote>
    {{end}}
</body>
</html>
`))

type htmlItem struct {
	Color template.CSS
	Body  template.HTML
}

// generateHTML embeds each highlight's markup after passing it through
// the sanitizer policy.
func (g *Generator) generateHTML(p Page, items []highlight.Collected, exported time.Time, w io.Writer) error {
	view := struct {
		Title, URL, Exported string
		Items                []htmlItem
	}{Title: titleOr(p), URL: urlOr(p), Exported: exported.Format(time.RFC3339)}

	for _, item := range sortOldestFirst(items) {
		body := item.HTMLContent
		if body == "" {
			body = item.TextSnippet
		}
		view.Items = append(view.Items, htmlItem{
			Color: template.CSS(safeColor(item.Color)),
			Body:  template.HTML(Sanitize(body)),
		})
	}
	return htmlTemplate.Execute(w, view)
}
