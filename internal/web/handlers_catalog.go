package web

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"finitefield.org/ebookstore/internal/catalog"
	"finitefield.org/ebookstore/internal/platform/httpx"
	"finitefield.org/ebookstore/internal/platform/requestctx"
)

const featuredCount = 6

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	var paid, free []catalog.Item
	for _, item := range s.catalog.Items() {
		if item.Free {
			free = append(free, item)
			continue
		}
		if len(paid) < featuredCount {
			paid = append(paid, item)
		}
	}
	s.render(w, r, http.StatusOK, HomeView{
		Featured: s.cards(r.Context(), paid),
		Free:     s.cards(r.Context(), free),
	})
}

func (s *Server) handleLibrary(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	s.render(w, r, http.StatusOK, LibraryView{
		Query: query,
		Items: s.cards(r.Context(), s.catalog.Filter(query)),
	})
}

// handleLibrarySearch answers live search. Requests superseded by a newer one
// from the same browser within the settle window get 204.
func (s *Server) handleLibrarySearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !s.debouncer.Wait(ctx, requestctx.BrowserID(ctx)) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	items := s.cards(ctx, s.catalog.Filter(r.URL.Query().Get("q")))
	if wantsJSON(r) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}
	s.renderFragment(w, r, "library_results", items)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	item, ok := s.lookupItem(w, r)
	if !ok {
		return
	}
	favorite := s.favorites.Has(ctx, requestctx.BrowserID(ctx), item.ID)
	s.render(w, r, http.StatusOK, PreviewView{
		Item:        s.card(ctx, item, favorite),
		Description: catalog.RenderDescription(item),
		PreviewURL:  s.assetURL(ctx, item.Preview),
	})
}

// handleFreeItem is where checkout sends free items: it redirects to the full
// readable asset.
func (s *Server) handleFreeItem(w http.ResponseWriter, r *http.Request) {
	item, ok := s.lookupItem(w, r)
	if !ok {
		return
	}
	if !item.Free {
		s.renderError(w, r, http.StatusNotFound, "not_free", "This book is not free.")
		return
	}
	target := s.assetURL(r.Context(), item.Preview)
	if target == "" {
		s.renderError(w, r, http.StatusServiceUnavailable, "asset_unavailable", "This book is not available right now. Please try again later.")
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) lookupItem(w http.ResponseWriter, r *http.Request) (catalog.Item, bool) {
	item, err := s.catalog.Get(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, catalog.ErrItemNotFound) {
			s.renderError(w, r, http.StatusNotFound, "item_not_found", "We could not find that book.")
		} else {
			s.renderError(w, r, http.StatusInternalServerError, "catalog_error", "Something went wrong. Please try again.")
		}
		return catalog.Item{}, false
	}
	return item, true
}
