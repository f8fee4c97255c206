// Package content serves the static policy pages (terms, refunds, delivery)
// from markdown embedded in the binary.
package content

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"gopkg.in/yaml.v3"
)

//go:embed pages/*.md
var embeddedPages embed.FS

// ErrNotFound is returned for unknown slugs.
var ErrNotFound = errors.New("content: page not found")

// Page is one rendered policy page.
type Page struct {
	Slug      string
	Title     string
	Summary   string
	Body      template.HTML
	UpdatedAt time.Time
	Order     int
}

type frontMatter struct {
	Title     string `yaml:"title"`
	Summary   string `yaml:"summary"`
	UpdatedAt string `yaml:"updated_at"`
	Order     int    `yaml:"order"`
}

// Library holds every page, rendered once at load.
type Library struct {
	pages map[string]Page
	order []string
}

var (
	renderer  = goldmark.New(goldmark.WithExtensions(extension.GFM, extension.Typographer))
	sanitizer = bluemonday.UGCPolicy()
)

// Default loads the embedded pages.
func Default() (*Library, error) {
	sub, err := fs.Sub(embeddedPages, "pages")
	if err != nil {
		return nil, err
	}
	return Load(sub)
}

// Load reads every *.md file at the root of fsys.
func Load(fsys fs.FS) (*Library, error) {
	files, err := fs.Glob(fsys, "*.md")
	if err != nil {
		return nil, err
	}
	lib := &Library{pages: make(map[string]Page, len(files))}
	for _, name := range files {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("content: read %s: %w", name, err)
		}
		page, err := parsePage(strings.TrimSuffix(path.Base(name), ".md"), data)
		if err != nil {
			return nil, err
		}
		lib.pages[page.Slug] = page
		lib.order = append(lib.order, page.Slug)
	}
	sort.SliceStable(lib.order, func(i, j int) bool {
		a, b := lib.pages[lib.order[i]], lib.pages[lib.order[j]]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.Slug < b.Slug
	})
	return lib, nil
}

// Get returns the page for slug.
func (l *Library) Get(slug string) (Page, error) {
	page, ok := l.pages[sanitizeSlug(slug)]
	if !ok {
		return Page{}, ErrNotFound
	}
	return page, nil
}

// List returns every page in display order.
func (l *Library) List() []Page {
	out := make([]Page, 0, len(l.order))
	for _, slug := range l.order {
		out = append(out, l.pages[slug])
	}
	return out
}

func parsePage(slug string, data []byte) (Page, error) {
	fm, body := splitFrontMatter(string(data))
	front := frontMatter{}
	if strings.TrimSpace(fm) != "" {
		if err := yaml.Unmarshal([]byte(fm), &front); err != nil {
			return Page{}, fmt.Errorf("content: parse front matter %s: %w", slug, err)
		}
	}
	var buf bytes.Buffer
	if err := renderer.Convert([]byte(body), &buf); err != nil {
		return Page{}, fmt.Errorf("content: render %s: %w", slug, err)
	}
	page := Page{
		Slug:      slug,
		Title:     strings.TrimSpace(front.Title),
		Summary:   strings.TrimSpace(front.Summary),
		Body:      template.HTML(sanitizer.SanitizeBytes(buf.Bytes())),
		UpdatedAt: parseDate(front.UpdatedAt),
		Order:     front.Order,
	}
	if page.Title == "" {
		page.Title = prettifySlug(slug)
	}
	return page, nil
}

func splitFrontMatter(input string) (string, string) {
	input = strings.TrimLeft(input, "\ufeff")
	lines := strings.Split(input, "\n")
	if strings.TrimSpace(lines[0]) != "---" {
		return "", input
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			fm := strings.Join(lines[1:i], "\n")
			body := strings.Join(lines[i+1:], "\n")
			return fm, strings.TrimLeft(body, "\n\r")
		}
	}
	return "", input
}

func parseDate(v string) time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02", "2006/01/02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

func prettifySlug(slug string) string {
	parts := strings.Split(slug, "-")
	for i, part := range parts {
		if part == "" {
			continue
		}
		parts[i] = strings.ToUpper(part[:1]) + part[1:]
	}
	return strings.Join(parts, " ")
}

func sanitizeSlug(slug string) string {
	slug = strings.Trim(strings.TrimSpace(strings.ToLower(slug)), "/")
	if strings.Contains(slug, "..") || strings.ContainsRune(slug, '/') {
		return ""
	}
	return slug
}
