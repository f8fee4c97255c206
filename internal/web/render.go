package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"

	"go.uber.org/zap"

	"finitefield.org/ebookstore/internal/catalog"
	"finitefield.org/ebookstore/internal/content"
	"finitefield.org/ebookstore/internal/platform/requestctx"
)

//go:embed templates/*.tmpl templates/pages/*.tmpl
var templateFS embed.FS

// Renderer holds one parsed template set per view.
type Renderer struct {
	pages map[string]*template.Template
}

// layoutData is what the base layout sees; page templates reach the view
// through .View.
type layoutData struct {
	View          View
	Title         string
	StoreName     string
	CSRF          string
	UserName      string
	FavoriteCount int
	Policies      []content.Page
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"money": catalog.FormatPrice,
	}
}

// NewRenderer parses the embedded templates.
func NewRenderer() (*Renderer, error) {
	base, err := template.New("_root").Funcs(templateFuncs()).ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("web: parse layout: %w", err)
	}
	r := &Renderer{pages: make(map[string]*template.Template, len(viewNames))}
	for _, name := range viewNames {
		set, err := base.Clone()
		if err != nil {
			return nil, err
		}
		if _, err := set.ParseFS(templateFS, "templates/pages/"+name+".tmpl"); err != nil {
			return nil, fmt.Errorf("web: parse %s: %w", name, err)
		}
		r.pages[name] = set
	}
	return r, nil
}

// Page executes the base layout for data.View into a buffer so template errors
// never produce half-written responses.
func (r *Renderer) Page(data layoutData) ([]byte, error) {
	set, ok := r.pages[data.View.templateName()]
	if !ok {
		return nil, fmt.Errorf("web: no template for %T", data.View)
	}
	var buf bytes.Buffer
	if err := set.ExecuteTemplate(&buf, "base", data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Fragment executes a shared partial.
func (r *Renderer) Fragment(name string, data any) ([]byte, error) {
	var buf bytes.Buffer
	if err := r.pages["library"].ExecuteTemplate(&buf, name, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, view View) {
	ctx := r.Context()
	state := SessionFrom(ctx)
	data := layoutData{
		View:          view,
		Title:         view.pageTitle(),
		StoreName:     s.storeName,
		CSRF:          state.CSRFToken,
		FavoriteCount: s.favorites.Count(ctx, state.BrowserID),
		Policies:      s.content.List(),
	}
	if sess := state.Identity(); sess != nil {
		data.UserName = sess.Name()
	}
	body, err := s.renderer.Page(data)
	if err != nil {
		requestctx.Logger(ctx).Error("template render failed", zap.String("view", view.templateName()), zap.Error(err))
		http.Error(w, "template error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) renderFragment(w http.ResponseWriter, r *http.Request, name string, data any) {
	body, err := s.renderer.Fragment(name, data)
	if err != nil {
		requestctx.Logger(r.Context()).Error("fragment render failed", zap.String("fragment", name), zap.Error(err))
		http.Error(w, "template error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(body)
}

func (s *Server) renderError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	if wantsJSON(r) {
		writeJSONError(w, r, status, code, message)
		return
	}
	s.render(w, r, status, ErrorView{Status: status, Message: message})
}
