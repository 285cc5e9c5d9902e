// ABOUTME: Embedded markdown help pages rendered to HTML with goldmark
// ABOUTME: Pages are rendered once at startup and served from memory

package helpdocs

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

//go:embed docs/*.md
var docsFS embed.FS

// DefaultTopic is shown at the index.
const DefaultTopic = "getting-started"

var topicOrder = map[string]int{
	"getting-started":    1,
	"share-links":        2,
	"sharing-with-users": 3,
	"two-factor":         4,
	"troubleshooting":    5,
}

var pageTmpl = template.Must(template.New("page").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}} · Hearth</title>
<style>
body{font-family:system-ui,sans-serif;max-width:52rem;margin:2rem auto;padding:0 1rem;display:flex;gap:2rem}
nav{min-width:12rem}nav a{display:block;padding:.2rem 0}nav a.active{font-weight:bold}
table{border-collapse:collapse}td,th{border:1px solid #ccc;padding:.3rem .6rem}
</style>
</head>
<body>
<nav>{{range .Topics}}<a href="/help/{{.Slug}}"{{if .Active}} class="active"{{end}}>{{.Title}}</a>{{end}}</nav>
<main>{{.Content}}</main>
</body>
</html>
`))

// Topic is one help page.
type Topic struct {
	Slug  string
	Title string
	html  template.HTML
}

// Docs serves the rendered help pages.
type Docs struct {
	topics []Topic
	bySlug map[string]int
	logger *slog.Logger
}

// Load renders every embedded page.
func Load(logger *slog.Logger) (*Docs, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return load(docsFS, "docs", logger.With("component", "helpdocs"))
}

func load(fsys fs.FS, dir string, logger *slog.Logger) (*Docs, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading help docs: %w", err)
	}

	md := goldmark.New(goldmark.WithExtensions(extension.Table, extension.Strikethrough))
	d := &Docs{bySlug: make(map[string]int), logger: logger}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		src, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		var buf bytes.Buffer
		if err := md.Convert(src, &buf); err != nil {
			return nil, fmt.Errorf("rendering %s: %w", e.Name(), err)
		}
		slug := strings.TrimSuffix(e.Name(), ".md")
		d.topics = append(d.topics, Topic{Slug: slug, Title: titleOf(slug, src), html: template.HTML(buf.String())})
	}

	sort.SliceStable(d.topics, func(i, j int) bool {
		oi, oj := orderOf(d.topics[i].Slug), orderOf(d.topics[j].Slug)
		if oi != oj {
			return oi < oj
		}
		return d.topics[i].Slug < d.topics[j].Slug
	})
	for i, t := range d.topics {
		d.bySlug[t.Slug] = i
	}
	return d, nil
}

func orderOf(slug string) int {
	if o, ok := topicOrder[slug]; ok {
		return o
	}
	return 100
}

// titleOf uses the first "# " heading, falling back to the slug.
func titleOf(slug string, src []byte) string {
	for _, line := range strings.Split(string(src), "\n") {
		if t, ok := strings.CutPrefix(line, "# "); ok {
			return strings.TrimSpace(t)
		}
	}
	return strings.ReplaceAll(slug, "-", " ")
}

// Topics lists the pages in display order.
func (d *Docs) Topics() []Topic {
	return append([]Topic(nil), d.topics...)
}

// Render writes the page for slug. It reports false when no such page exists.
func (d *Docs) Render(w http.ResponseWriter, slug string) bool {
	i, ok := d.bySlug[slug]
	if !ok {
		return false
	}

	type navItem struct {
		Slug, Title string
		Active      bool
	}
	nav := make([]navItem, len(d.topics))
	for j, t := range d.topics {
		nav[j] = navItem{Slug: t.Slug, Title: t.Title, Active: j == i}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := pageTmpl.Execute(w, struct {
		Title   string
		Topics  []navItem
		Content template.HTML
	}{d.topics[i].Title, nav, d.topics[i].html})
	if err != nil {
		d.logger.Error("rendering help page", "topic", slug, "error", err)
	}
	return true
}

// Index serves the default topic.
func (d *Docs) Index(w http.ResponseWriter, r *http.Request) {
	if !d.Render(w, DefaultTopic) {
		http.NotFound(w, r)
	}
}

// Topic serves /help/{topic}.
func (d *Docs) Topic(w http.ResponseWriter, r *http.Request) {
	if !d.Render(w, r.PathValue("topic")) {
		http.NotFound(w, r)
	}
}
