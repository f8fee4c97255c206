package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"finitefield.org/ebookstore/internal/catalog"
	"finitefield.org/ebookstore/internal/platform/httpx"
	"finitefield.org/ebookstore/internal/platform/requestctx"
)

func (s *Server) handleFavorites(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var items []catalog.Item
	for _, id := range s.favorites.List(ctx, requestctx.BrowserID(ctx)) {
		item, err := s.catalog.Get(id)
		if err != nil {
			continue
		}
		items = append(items, item)
	}
	s.render(w, r, http.StatusOK, FavoritesView{Items: s.cards(ctx, items)})
}

func (s *Server) handleToggleFavorite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	item, ok := s.lookupItem(w, r)
	if !ok {
		return
	}
	browserID := requestctx.BrowserID(ctx)
	favorite, err := s.favorites.Toggle(ctx, browserID, item.ID)
	if err != nil {
		requestctx.Logger(ctx).Error("favorite toggle failed", zap.String("item_id", item.ID), zap.Error(err))
		s.renderError(w, r, http.StatusInternalServerError, "favorites_unavailable", "Could not update favorites. Please try again.")
		return
	}
	if wantsJSON(r) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"id":       item.ID,
			"favorite": favorite,
			"count":    s.favorites.Count(ctx, browserID),
		})
		return
	}
	redirect(w, r, safeNext(r.PostFormValue("next"), "/favorites"))
}

// handleFavoriteEvents streams favorite changes for this browser as
// Server-Sent Events until the client disconnects.
func (s *Server) handleFavoriteEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, r, http.StatusInternalServerError, "streaming_unsupported", "streaming is not supported")
		return
	}
	changes, cancel, err := s.favorites.Subscribe(ctx, requestctx.BrowserID(ctx))
	if err != nil {
		writeJSONError(w, r, http.StatusServiceUnavailable, "favorites_stream_unavailable", "live updates are not available")
		return
	}
	defer cancel()

	openStream(w, flusher)
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			if !sendEvent(w, flusher, "favorites", change) {
				return
			}
		}
	}
}

// openStream lifts the server write deadline and sends the event-stream
// preamble.
func openStream(w http.ResponseWriter, flusher http.Flusher) {
	// Writers without deadline support report http.ErrNotSupported.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()
}

// sendEvent writes one event and reports whether the client is still there.
func sendEvent(w http.ResponseWriter, flusher http.Flusher, name string, v any) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		return true
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
