package web

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"finitefield.org/ebookstore/internal/identity"
	"finitefield.org/ebookstore/internal/ledger"
	"finitefield.org/ebookstore/internal/platform/httpx"
	"finitefield.org/ebookstore/internal/platform/requestctx"
)

// ledgerOwner is the history partition for the current request: the user id
// when signed in, otherwise the browser's guest partition.
func ledgerOwner(state *SessionState) string {
	if state.UserID != "" {
		return state.UserID
	}
	return ledger.GuestPartition(state.BrowserID)
}

func (s *Server) requireSignIn(w http.ResponseWriter, r *http.Request, next string) (*SessionState, bool) {
	state := SessionFrom(r.Context())
	if state.UserID == "" {
		if wantsJSON(r) {
			writeJSONError(w, r, http.StatusUnauthorized, "unauthenticated", "Please sign in to continue.")
			return nil, false
		}
		redirect(w, r, "/auth/signin?next="+url.QueryEscape(next))
		return nil, false
	}
	return state, true
}

func (s *Server) profileView(r *http.Request, state *SessionState) ProfileView {
	ctx := r.Context()
	return ProfileView{
		Name:      state.Identity().Name(),
		Email:     state.Email,
		Favorites: s.favorites.Count(ctx, state.BrowserID),
		Purchases: len(s.ledger.ListFor(ctx, state.UserID).Success),
	}
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	state, ok := s.requireSignIn(w, r, "/profile")
	if !ok {
		return
	}
	s.render(w, r, http.StatusOK, s.profileView(r, state))
}

func (s *Server) handleProfileName(w http.ResponseWriter, r *http.Request) {
	state, ok := s.requireSignIn(w, r, "/profile")
	if !ok || !s.authAvailable(w, r) {
		return
	}
	name := strings.TrimSpace(r.PostFormValue("name"))
	if name == "" {
		view := s.profileView(r, state)
		view.Error = "Display name cannot be empty."
		s.render(w, r, http.StatusBadRequest, view)
		return
	}
	session, err := s.identity.UpdateDisplayName(r.Context(), state.Identity(), name)
	if err != nil {
		s.profileFailure(w, r, state, err)
		return
	}
	s.saveSignedIn(w, r, state, session)
	view := s.profileView(r, state)
	view.Notice = "Display name updated."
	s.render(w, r, http.StatusOK, view)
}

func (s *Server) handleProfilePassword(w http.ResponseWriter, r *http.Request) {
	state, ok := s.requireSignIn(w, r, "/profile")
	if !ok || !s.authAvailable(w, r) {
		return
	}
	current := r.PostFormValue("current_password")
	next := r.PostFormValue("new_password")
	var problem string
	switch {
	case current == "" || next == "":
		problem = "Please fill in all password fields."
	case len(next) < minPasswordLength:
		problem = "Password should be at least 6 characters."
	case next != r.PostFormValue("confirm_password"):
		problem = "New passwords do not match."
	}
	if problem != "" {
		view := s.profileView(r, state)
		view.Error = problem
		s.render(w, r, http.StatusBadRequest, view)
		return
	}
	session, err := s.identity.ChangePassword(r.Context(), state.Identity(), current, next)
	if err != nil {
		s.profileFailure(w, r, state, err)
		return
	}
	s.saveSignedIn(w, r, state, session)
	view := s.profileView(r, state)
	view.Notice = "Password changed."
	s.render(w, r, http.StatusOK, view)
}

// profileFailure signs the browser out when the provider reports an expired
// token; other errors are shown on the profile page.
func (s *Server) profileFailure(w http.ResponseWriter, r *http.Request, state *SessionState, err error) {
	if errors.Is(err, identity.ErrTokenExpired) || errors.Is(err, identity.ErrNotSignedIn) {
		state.SignOut()
		if saveErr := s.sessions.Save(w, state); saveErr != nil {
			requestctx.Logger(r.Context()).Error("session save failed", zap.Error(saveErr))
		}
		redirect(w, r, "/auth/signin?next="+url.QueryEscape("/profile"))
		return
	}
	status, msg := authMessage(err)
	if errors.Is(err, identity.ErrInvalidCredentials) {
		msg = "Current password is incorrect."
	}
	view := s.profileView(r, state)
	view.Error = msg
	s.render(w, r, status, view)
}

func (s *Server) saveSignedIn(w http.ResponseWriter, r *http.Request, state *SessionState, session *identity.Session) {
	if session == nil {
		return
	}
	csrf := state.CSRFToken
	state.SignIn(session)
	// Keep the token the rendered forms carry.
	state.CSRFToken = csrf
	if err := s.sessions.Save(w, state); err != nil {
		requestctx.Logger(r.Context()).Error("session save failed", zap.Error(err))
	}
}

func (s *Server) handlePurchases(w http.ResponseWriter, r *http.Request) {
	state := SessionFrom(r.Context())
	history := s.ledger.ListFor(r.Context(), ledgerOwner(state))
	tab := r.URL.Query().Get("tab")
	if tab != "failed" {
		tab = "success"
	}
	if wantsJSON(r) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"success": nonNil(history.Success),
			"failed":  nonNil(history.Failed),
		})
		return
	}
	s.render(w, r, http.StatusOK, PurchasesView{
		Tab:     tab,
		Success: history.Success,
		Failed:  history.Failed,
		Guest:   state.UserID == "",
	})
}

// handlePurchaseEvents streams records appended to this visitor's history so
// an open purchases page can refresh after a checkout in another tab.
func (s *Server) handlePurchaseEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, r, http.StatusInternalServerError, "streaming_unsupported", "streaming is not supported")
		return
	}
	records, cancel, err := s.ledger.Subscribe(ctx, ledgerOwner(SessionFrom(ctx)))
	if err != nil {
		writeJSONError(w, r, http.StatusServiceUnavailable, "purchases_stream_unavailable", "live updates are not available")
		return
	}
	defer cancel()

	openStream(w, flusher)
	for {
		select {
		case <-ctx.Done():
			return
		case record, ok := <-records:
			if !ok {
				return
			}
			if !sendEvent(w, flusher, "purchases", record) {
				return
			}
		}
	}
}

func nonNil(records []ledger.Record) []ledger.Record {
	if records == nil {
		return []ledger.Record{}
	}
	return records
}
