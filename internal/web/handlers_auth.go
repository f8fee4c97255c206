package web

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"finitefield.org/ebookstore/internal/identity"
	"finitefield.org/ebookstore/internal/platform/httpx"
	"finitefield.org/ebookstore/internal/platform/requestctx"
)

const minPasswordLength = 6

func authMessage(err error) (int, string) {
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		return http.StatusUnauthorized, "Invalid email or password."
	case errors.Is(err, identity.ErrEmailExists):
		return http.StatusConflict, "An account with this email already exists."
	case errors.Is(err, identity.ErrWeakPassword):
		return http.StatusBadRequest, "Password should be at least 6 characters."
	case errors.Is(err, identity.ErrTokenExpired):
		return http.StatusUnauthorized, "Your session has expired. Please sign in again."
	default:
		return http.StatusBadGateway, "Sign-in is unavailable right now. Please try again."
	}
}

func (s *Server) authAvailable(w http.ResponseWriter, r *http.Request) bool {
	if s.identity != nil {
		return true
	}
	s.renderError(w, r, http.StatusServiceUnavailable, "identity_unavailable", "Sign-in is not available right now.")
	return false
}

func (s *Server) handleSignInForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, AuthView{Mode: "signin", Next: safeNext(r.URL.Query().Get("next"), "")})
}

func (s *Server) handleSignUpForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, AuthView{Mode: "signup", Next: safeNext(r.URL.Query().Get("next"), "")})
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if !s.authAvailable(w, r) {
		return
	}
	view := AuthView{
		Mode:  "signin",
		Email: strings.TrimSpace(r.PostFormValue("email")),
		Next:  safeNext(r.PostFormValue("next"), ""),
	}
	password := r.PostFormValue("password")
	if view.Email == "" || password == "" {
		view.Error = "Please enter your email and password."
		s.render(w, r, http.StatusBadRequest, view)
		return
	}
	session, err := s.identity.SignInWithPassword(r.Context(), view.Email, password)
	if err != nil {
		status, msg := authMessage(err)
		view.Error = msg
		s.render(w, r, status, view)
		return
	}
	s.completeSignIn(w, r, session, view.Next)
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	if !s.authAvailable(w, r) {
		return
	}
	view := AuthView{
		Mode:  "signup",
		Email: strings.TrimSpace(r.PostFormValue("email")),
		Name:  strings.TrimSpace(r.PostFormValue("name")),
		Next:  safeNext(r.PostFormValue("next"), ""),
	}
	password := r.PostFormValue("password")
	switch {
	case view.Email == "" || view.Name == "":
		view.Error = "Please enter your name and email."
	case len(password) < minPasswordLength:
		view.Error = "Password should be at least 6 characters."
	case password != r.PostFormValue("confirm_password"):
		view.Error = "Passwords do not match."
	}
	if view.Error != "" {
		s.render(w, r, http.StatusBadRequest, view)
		return
	}
	session, err := s.identity.SignUp(r.Context(), view.Email, password, view.Name)
	if err != nil {
		status, msg := authMessage(err)
		view.Error = msg
		s.render(w, r, status, view)
		return
	}
	s.completeSignIn(w, r, session, view.Next)
}

func (s *Server) handleGoogleSignIn(w http.ResponseWriter, r *http.Request) {
	if !s.authAvailable(w, r) {
		return
	}
	token := strings.TrimSpace(r.PostFormValue("id_token"))
	next := safeNext(r.PostFormValue("next"), "")
	if token == "" {
		s.renderAuthFailure(w, r, AuthView{Mode: "signin", Next: next}, http.StatusBadRequest, "Google sign-in failed. Please try again.")
		return
	}
	session, err := s.identity.SignInWithGoogle(r.Context(), token)
	if err != nil {
		status, msg := authMessage(err)
		s.renderAuthFailure(w, r, AuthView{Mode: "signin", Next: next}, status, msg)
		return
	}
	s.completeSignIn(w, r, session, next)
}

func (s *Server) renderAuthFailure(w http.ResponseWriter, r *http.Request, view AuthView, status int, msg string) {
	if wantsJSON(r) {
		writeJSONError(w, r, status, "sign_in_failed", msg)
		return
	}
	view.Error = msg
	s.render(w, r, status, view)
}

func (s *Server) completeSignIn(w http.ResponseWriter, r *http.Request, session *identity.Session, next string) {
	state := SessionFrom(r.Context())
	state.SignIn(session)
	if err := s.sessions.Save(w, state); err != nil {
		requestctx.Logger(r.Context()).Error("session save failed", zap.Error(err))
		s.renderError(w, r, http.StatusInternalServerError, "session_error", "Could not sign you in. Please try again.")
		return
	}
	if wantsJSON(r) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"userId": session.UserID, "name": session.Name()})
		return
	}
	redirect(w, r, safeNext(next, "/"))
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	state := SessionFrom(ctx)
	if s.identity != nil {
		if err := s.identity.SignOut(ctx, state.Identity()); err != nil {
			requestctx.Logger(ctx).Warn("provider sign-out failed", zap.Error(err))
		}
	}
	state.SignOut()
	if err := s.sessions.Save(w, state); err != nil {
		requestctx.Logger(ctx).Error("session save failed", zap.Error(err))
	}
	redirect(w, r, "/")
}
