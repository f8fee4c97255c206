package web

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"finitefield.org/ebookstore/internal/contact"
	"finitefield.org/ebookstore/internal/content"
	"finitefield.org/ebookstore/internal/platform/httpx"
	"finitefield.org/ebookstore/internal/platform/requestctx"
)

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	page, err := s.content.Get(chi.URLParam(r, "slug"))
	if err != nil {
		if errors.Is(err, content.ErrNotFound) {
			s.renderError(w, r, http.StatusNotFound, "page_not_found", "The page you are looking for does not exist.")
			return
		}
		s.renderError(w, r, http.StatusInternalServerError, "content_error", "Something went wrong. Please try again.")
		return
	}
	s.render(w, r, http.StatusOK, PolicyView{Page: page})
}

func (s *Server) handleContactForm(w http.ResponseWriter, r *http.Request) {
	form := ContactForm{}
	if sess := SessionFrom(r.Context()).Identity(); sess != nil {
		form.Name = sess.Name()
		form.Email = sess.Email
	}
	s.render(w, r, http.StatusOK, ContactView{Form: form})
}

func (s *Server) handleContact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	msg := contact.Message{
		Name:    r.PostFormValue("name"),
		Email:   r.PostFormValue("email"),
		Subject: r.PostFormValue("subject"),
		Body:    r.PostFormValue("message"),
	}.Normalize()
	view := ContactView{Form: ContactForm{
		Name:    msg.Name,
		Email:   msg.Email,
		Subject: msg.Subject,
		Message: msg.Body,
	}}

	err := msg.Validate()
	if err == nil {
		err = s.contact.Send(ctx, msg)
	}
	var invalid *contact.ValidationError
	switch {
	case err == nil:
		if wantsJSON(r) {
			httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "sent"})
			return
		}
		s.render(w, r, http.StatusOK, ContactView{Sent: true})
	case errors.As(err, &invalid):
		if wantsJSON(r) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_message", "Please correct the highlighted fields.", http.StatusBadRequest).
				WithDetails(map[string]any{"fields": invalid.Fields}))
			return
		}
		view.Errors = invalid.Fields
		s.render(w, r, http.StatusBadRequest, view)
	default:
		requestctx.Logger(ctx).Error("contact send failed", zap.Error(err))
		if wantsJSON(r) {
			writeJSONError(w, r, http.StatusBadGateway, "send_failed", "Failed to send message. Please try again.")
			return
		}
		view.Error = "Failed to send message. Please try again."
		s.render(w, r, http.StatusBadGateway, view)
	}
}
