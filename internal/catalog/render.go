package catalog

import (
	"bytes"
	"html/template"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	markdown = goldmark.New(goldmark.WithExtensions(extension.Typographer))
	policy   = bluemonday.UGCPolicy()
)

// RenderDescription converts the markdown description to sanitised HTML.
func RenderDescription(item Item) template.HTML {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(item.Description), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(item.Description))
	}
	return template.HTML(policy.SanitizeBytes(buf.Bytes()))
}
