package web

import (
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"finitefield.org/ebookstore/internal/catalog"
	"finitefield.org/ebookstore/internal/checkout"
	"finitefield.org/ebookstore/internal/ledger"
	"finitefield.org/ebookstore/internal/platform/httpx"
	"finitefield.org/ebookstore/internal/platform/requestctx"
)

type beginResponse struct {
	Navigate string                  `json:"navigate,omitempty"`
	Widget   *checkout.WidgetOptions `json:"widget,omitempty"`
}

type completeResponse struct {
	Status      string        `json:"status"`
	DownloadURL string        `json:"downloadUrl,omitempty"`
	ExpiresAt   *time.Time    `json:"expiresAt,omitempty"`
	Record      ledger.Record `json:"record"`
}

func (s *Server) handleCheckoutBegin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	item, ok := s.lookupItem(w, r)
	if !ok {
		return
	}
	state := SessionFrom(ctx)
	result, err := s.checkout.Begin(ctx, state.BrowserID, item, state.Identity())
	if err != nil {
		s.checkoutBeginFailed(w, r, item, err)
		return
	}
	if wantsJSON(r) {
		httpx.WriteJSON(w, http.StatusOK, beginResponse{Navigate: result.Navigate, Widget: result.Widget})
		return
	}
	if result.Navigate != "" {
		redirect(w, r, result.Navigate)
		return
	}
	s.renderWidget(w, r, item, *result.Widget)
}

func (s *Server) checkoutBeginFailed(w http.ResponseWriter, r *http.Request, item catalog.Item, err error) {
	var (
		status int
		code   string
		msg    string
	)
	var cfgErr *checkout.ConfigError
	var stageErr *checkout.StageError
	switch {
	case errors.Is(err, checkout.ErrCheckoutInProgress):
		if widget, ok := s.checkout.OpenWidget(SessionFrom(r.Context()).BrowserID); ok && !wantsJSON(r) {
			s.renderWidget(w, r, item, widget)
			return
		}
		status, code, msg = http.StatusConflict, "checkout_in_progress", "A checkout is already in progress. Please finish or close it first."
	case errors.As(err, &cfgErr):
		status, code, msg = http.StatusServiceUnavailable, "checkout_not_configured", "Payment is not configured. Please try again later."
	case errors.As(err, &stageErr) && stageErr.Stage == checkout.StageScript:
		status, code, msg = http.StatusBadGateway, "gateway_unavailable", "Failed to load payment gateway. Please check your connection."
	case errors.As(err, &stageErr) && stageErr.Stage == checkout.StageOrder:
		status, code, msg = http.StatusBadGateway, "order_failed", "Unable to create order. Please try again."
	default:
		requestctx.Logger(r.Context()).Error("checkout begin failed", zap.Error(err))
		status, code, msg = http.StatusInternalServerError, "checkout_failed", "Something went wrong. Please try again."
	}
	if wantsJSON(r) {
		writeJSONError(w, r, status, code, msg)
		return
	}
	s.render(w, r, status, CheckoutView{Item: s.card(r.Context(), item, false), Error: msg})
}

func (s *Server) renderWidget(w http.ResponseWriter, r *http.Request, item catalog.Item, widget checkout.WidgetOptions) {
	raw, err := json.Marshal(widget)
	if err != nil {
		s.renderError(w, r, http.StatusInternalServerError, "checkout_failed", "Something went wrong. Please try again.")
		return
	}
	s.render(w, r, http.StatusOK, CheckoutView{
		Item:       s.card(r.Context(), item, false),
		Widget:     &widget,
		WidgetJSON: template.JS(raw),
	})
}

// handleCheckoutVerify receives the gateway callback fields posted by the
// widget handler.
func (s *Server) handleCheckoutVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	state := SessionFrom(ctx)
	result := checkout.PaymentResult{
		GatewayOrderID:   strings.TrimSpace(r.PostFormValue("razorpay_order_id")),
		GatewayPaymentID: strings.TrimSpace(r.PostFormValue("razorpay_payment_id")),
		GatewaySignature: strings.TrimSpace(r.PostFormValue("razorpay_signature")),
	}
	outcome, err := s.checkout.Complete(ctx, state.BrowserID, result)
	if err != nil {
		if errors.Is(err, checkout.ErrNoActiveCheckout) {
			s.renderError(w, r, http.StatusConflict, "no_active_checkout", "There is no payment waiting for confirmation.")
			return
		}
		requestctx.Logger(ctx).Error("checkout complete failed", zap.Error(err))
		s.renderError(w, r, http.StatusInternalServerError, "checkout_failed", "Something went wrong. Please try again.")
		return
	}

	if wantsJSON(r) {
		resp := completeResponse{Status: string(outcome.Record.Status), Record: outcome.Record}
		if ent := outcome.Entitlement; ent != nil {
			resp.DownloadURL = ent.DownloadURL
			resp.ExpiresAt = &ent.ExpiresAt
		}
		status := http.StatusOK
		if !outcome.Fulfilled() {
			status = http.StatusPaymentRequired
		}
		httpx.WriteJSON(w, status, resp)
		return
	}

	card := s.card(ctx, outcome.Item, false)
	if outcome.Fulfilled() {
		s.render(w, r, http.StatusOK, DownloadView{
			Item:        card,
			Entitlement: *outcome.Entitlement,
			Record:      outcome.Record,
		})
		return
	}
	failure := outcome.Record
	s.render(w, r, http.StatusPaymentRequired, CheckoutView{Item: card, Failure: &failure})
}

func (s *Server) handleCheckoutDismiss(w http.ResponseWriter, r *http.Request) {
	s.checkout.Dismiss(r.Context(), SessionFrom(r.Context()).BrowserID)
	if wantsJSON(r) || r.Header.Get(csrfHeader) != "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	redirect(w, r, safeNext(r.PostFormValue("next"), "/library"))
}

func (s *Server) handleGatewayScript(w http.ResponseWriter, r *http.Request) {
	if s.script == nil {
		http.NotFound(w, r)
		return
	}
	if err := s.script.Load(r.Context()); err != nil {
		requestctx.Logger(r.Context()).Warn("gateway script unavailable", zap.Error(err))
		http.Error(w, "payment gateway unavailable", http.StatusBadGateway)
		return
	}
	body, ok := s.script.Bytes()
	if !ok {
		http.Error(w, "payment gateway unavailable", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(body)
}
