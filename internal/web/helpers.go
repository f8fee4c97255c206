package web

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"finitefield.org/ebookstore/internal/catalog"
	"finitefield.org/ebookstore/internal/platform/httpx"
	"finitefield.org/ebookstore/internal/platform/requestctx"
)

func wantsJSON(r *http.Request) bool { return httpx.WantsJSON(r) }

func writeJSONError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	httpx.WriteError(r.Context(), w, httpx.NewError(code, message, status))
}

// safeNext returns next when it is a local absolute path, otherwise fallback.
func safeNext(next, fallback string) string {
	next = strings.TrimSpace(next)
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return fallback
	}
	u, err := url.Parse(next)
	if err != nil || u.Host != "" || u.Scheme != "" {
		return fallback
	}
	return next
}

func redirect(w http.ResponseWriter, r *http.Request, target string) {
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (s *Server) card(ctx context.Context, item catalog.Item, favorite bool) ItemCard {
	return ItemCard{
		ID:       item.ID,
		Title:    item.Title,
		Price:    item.DisplayPrice(),
		Cover:    s.assetURL(ctx, item.Cover),
		Free:     item.Free,
		Favorite: favorite,
	}
}

func (s *Server) cards(ctx context.Context, items []catalog.Item) []ItemCard {
	favs := make(map[string]bool)
	for _, id := range s.favorites.List(ctx, requestctx.BrowserID(ctx)) {
		favs[id] = true
	}
	out := make([]ItemCard, 0, len(items))
	for _, item := range items {
		out = append(out, s.card(ctx, item, favs[item.ID]))
	}
	return out
}

// assetURL resolves a cover or preview reference; failures degrade to no URL.
func (s *Server) assetURL(ctx context.Context, ref string) string {
	if ref == "" {
		return ""
	}
	if s.assets == nil {
		return ref
	}
	u, err := s.assets.URL(ctx, ref)
	if err != nil {
		requestctx.Logger(ctx).Warn("asset url failed", zap.String("ref", ref), zap.Error(err))
		return ""
	}
	return u
}
