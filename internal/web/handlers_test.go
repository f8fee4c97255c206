package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"finitefield.org/ebookstore/internal/checkout"
	"finitefield.org/ebookstore/internal/ledger"
)

func paymentForm(orderID string) url.Values {
	return url.Values{
		"razorpay_order_id":   {orderID},
		"razorpay_payment_id": {"pay_1"},
		"razorpay_signature":  {"sig_1"},
	}
}

type beginPayload struct {
	Navigate string                  `json:"navigate"`
	Widget   *checkout.WidgetOptions `json:"widget"`
}

type completePayload struct {
	Status      string        `json:"status"`
	DownloadURL string        `json:"downloadUrl"`
	Record      ledger.Record `json:"record"`
}

type purchasesPayload struct {
	Success []ledger.Record `json:"success"`
	Failed  []ledger.Record `json:"failed"`
}

func TestCheckoutGuestPurchase(t *testing.T) {
	env := newTestEnv(t)

	var begin beginPayload
	res := env.postJSON("/checkout/disc1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	decodeJSON(t, res, &begin)
	require.Empty(t, begin.Navigate)
	require.NotNil(t, begin.Widget)
	require.Equal(t, "order_1", begin.Widget.OrderID)
	require.Equal(t, "rzp_test_key", begin.Widget.Key)
	require.Equal(t, "Guest User", begin.Widget.Prefill.Name)
	require.Equal(t, "#7c3aed", begin.Widget.Theme.Color)

	res = env.postJSON("/checkout/focus1", nil)
	require.Equal(t, http.StatusConflict, res.StatusCode)
	var conflict map[string]any
	decodeJSON(t, res, &conflict)
	require.Equal(t, "checkout_in_progress", conflict["error"])

	var done completePayload
	res = env.postJSON("/checkout/verify", paymentForm("order_1"))
	require.Equal(t, http.StatusOK, res.StatusCode)
	decodeJSON(t, res, &done)
	require.Equal(t, "success", done.Status)
	require.Equal(t, "https://api.example.test/download/tok_1", done.DownloadURL)
	require.Equal(t, "pay_1", done.Record.PaymentID)

	res = env.postJSON("/checkout/verify", paymentForm("order_1"))
	require.Equal(t, http.StatusConflict, res.StatusCode)

	var history purchasesPayload
	decodeJSON(t, env.getJSON("/purchases"), &history)
	require.Len(t, history.Success, 1)
	require.Empty(t, history.Failed)
	require.Equal(t, "disc1", history.Success[0].ItemID)

	doc := env.doc(env.get("/purchases"))
	require.Equal(t, 1, doc.Find("#successful-transactions tbody tr[data-id]").Length())
	require.Contains(t, doc.Find(".notice").Text(), "not signed in")
}

func TestCheckoutHTMLFlow(t *testing.T) {
	env := newTestEnv(t)

	res := env.postForm("/checkout/life1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	doc := env.doc(res)
	require.Equal(t, 1, doc.Find("#widget-open").Length())
	require.Contains(t, doc.Find("script").Text(), `"order_id":"order_1"`)

	// A second begin re-renders the open widget.
	res = env.postForm("/checkout/life1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, 1, env.doc(res).Find("#widget-open").Length())

	res = env.postForm("/checkout/verify", paymentForm("order_1"))
	require.Equal(t, http.StatusOK, res.StatusCode)
	doc = env.doc(res)
	require.Equal(t, "https://api.example.test/download/tok_1", doc.Find("#download-link").AttrOr("href", ""))
	require.Equal(t, "pay_1", doc.Find("#payment-id").Text())
	require.Equal(t, "order_1", doc.Find("#order-id").Text())
}

func TestCheckoutFreeItemNavigates(t *testing.T) {
	env := newTestEnv(t)

	var begin beginPayload
	decodeJSON(t, env.postJSON("/checkout/starter1", nil), &begin)
	require.Equal(t, "/library/free/starter1", begin.Navigate)
	require.Nil(t, begin.Widget)

	res := env.postForm("/checkout/starter1", nil)
	require.Equal(t, http.StatusSeeOther, res.StatusCode)
	require.Equal(t, "/library/free/starter1", res.Header.Get("Location"))
	require.Zero(t, env.backend.orderCount())
}

func TestCheckoutVerificationFailureIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	env.backend.verifyFn = func(checkout.PaymentResult) (checkout.Verification, error) {
		return checkout.Verification{}, errors.New("connection reset")
	}

	res := env.postForm("/checkout/side1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res = env.postForm("/checkout/verify", paymentForm("order_1"))
	require.Equal(t, http.StatusPaymentRequired, res.StatusCode)
	require.Equal(t, 1, env.doc(res).Find("#payment-failed").Length())

	doc := env.doc(env.get("/purchases?tab=failed"))
	rows := doc.Find("#failed-transactions tbody tr[data-id]")
	require.Equal(t, 1, rows.Length())
	require.Contains(t, rows.Text(), checkout.ReasonVerificationError)
}

func TestCheckoutVerifyOutlivesRequestTimeout(t *testing.T) {
	env := newTestEnv(t, func(d *Deps, c *checkout.Config) {
		d.RequestTimeout = 200 * time.Millisecond
		c.VerifyTimeout = 5 * time.Second
	})
	env.backend.verifyFn = func(checkout.PaymentResult) (checkout.Verification, error) {
		time.Sleep(600 * time.Millisecond)
		return checkout.Verification{Success: true, DownloadToken: "tok_slow"}, nil
	}

	res := env.postJSON("/checkout/disc1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var done completePayload
	res = env.postJSON("/checkout/verify", paymentForm("order_1"))
	require.Equal(t, http.StatusOK, res.StatusCode)
	decodeJSON(t, res, &done)
	require.Equal(t, "success", done.Status)
	require.Equal(t, "https://api.example.test/download/tok_slow", done.DownloadURL)

	var history purchasesPayload
	decodeJSON(t, env.getJSON("/purchases"), &history)
	require.Len(t, history.Success, 1)
}

func TestPurchaseEventsStream(t *testing.T) {
	env := newTestEnv(t)
	env.csrf()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := env.openEvents(ctx, "/purchases/events")

	res := env.postJSON("/checkout/focus1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	res = env.postJSON("/checkout/verify", paymentForm("order_1"))
	require.Equal(t, http.StatusOK, res.StatusCode)

	event, data := readEvent(t, reader)
	require.Equal(t, "purchases", event)
	var record ledger.Record
	require.NoError(t, json.Unmarshal([]byte(data), &record))
	require.Equal(t, "focus1", record.ItemID)
	require.Equal(t, ledger.StatusSuccess, record.Status)

	doc := env.doc(env.get("/purchases"))
	require.Contains(t, doc.Find("script").Text(), `new EventSource("/purchases/events")`)
}

func TestCheckoutOrderMismatch(t *testing.T) {
	env := newTestEnv(t)

	decodeJSON(t, env.postJSON("/checkout/min1", nil), &beginPayload{})

	var done completePayload
	res := env.postJSON("/checkout/verify", paymentForm("order_other"))
	require.Equal(t, http.StatusPaymentRequired, res.StatusCode)
	decodeJSON(t, res, &done)
	require.Equal(t, "failed", done.Status)
	require.Equal(t, checkout.ReasonOrderMismatch, done.Record.Reason)
	require.Empty(t, done.DownloadURL)
}

func TestCheckoutDismiss(t *testing.T) {
	env := newTestEnv(t)

	decodeJSON(t, env.postJSON("/checkout/disc1", nil), &beginPayload{})

	res := env.postJSON("/checkout/dismiss", nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res = env.postJSON("/checkout/verify", paymentForm("order_1"))
	require.Equal(t, http.StatusConflict, res.StatusCode)

	var history purchasesPayload
	decodeJSON(t, env.getJSON("/purchases"), &history)
	require.Empty(t, history.Success)
	require.Empty(t, history.Failed)

	// The surface is idle again.
	res = env.postJSON("/checkout/disc1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
}

func TestCheckoutNotConfigured(t *testing.T) {
	env := newTestEnv(t, func(_ *Deps, cfg *checkout.Config) {
		cfg.GatewayKey = ""
	})

	res := env.postJSON("/checkout/disc1", nil)
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	var payload map[string]any
	decodeJSON(t, res, &payload)
	require.Equal(t, "checkout_not_configured", payload["error"])
	require.Equal(t, "Payment is not configured. Please try again later.", payload["message"])
	require.Zero(t, env.backend.orderCount())

	res = env.postForm("/checkout/disc1", nil)
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	require.Contains(t, env.doc(res).Find(".error").Text(), "Payment is not configured")
}

func TestGatewayScript(t *testing.T) {
	env := newTestEnv(t)
	res := env.get("/assets/gateway.js")
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, res.Header.Get("Content-Type"), "application/javascript")
}

func TestSignIn(t *testing.T) {
	env := newTestEnv(t)

	res := env.postForm("/auth/signin", url.Values{"email": {"reader@example.com"}, "password": {"wrong"}})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	require.Equal(t, "Invalid email or password.", strings.TrimSpace(env.doc(res).Find(".error").Text()))

	res = env.postForm("/auth/signin", url.Values{
		"email":    {"reader@example.com"},
		"password": {"secret1"},
		"next":     {"/purchases"},
	})
	require.Equal(t, http.StatusSeeOther, res.StatusCode)
	require.Equal(t, "/purchases", res.Header.Get("Location"))

	doc := env.doc(env.get("/"))
	require.Equal(t, "Reader", doc.Find("#profile-link").Text())

	doc = env.doc(env.get("/profile"))
	require.Equal(t, "Reader", doc.Find("#profile-name").Text())
	require.Equal(t, "reader@example.com", doc.Find("#profile-email").Text())

	res = env.postForm("/auth/signout", nil)
	require.Equal(t, http.StatusSeeOther, res.StatusCode)
	require.Equal(t, 1, env.doc(env.get("/")).Find("#signin-link").Length())
}

func TestSignUpValidation(t *testing.T) {
	env := newTestEnv(t)

	res := env.postForm("/auth/signup", url.Values{
		"name":             {"New"},
		"email":            {"new@example.com"},
		"password":         {"secret1"},
		"confirm_password": {"secret2"},
	})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	require.Contains(t, env.doc(res).Find(".error").Text(), "Passwords do not match")

	res = env.postForm("/auth/signup", url.Values{
		"name":             {"Dup"},
		"email":            {"reader@example.com"},
		"password":         {"secret1"},
		"confirm_password": {"secret1"},
	})
	require.Equal(t, http.StatusConflict, res.StatusCode)
	require.Contains(t, env.doc(res).Find(".error").Text(), "already exists")

	res = env.postForm("/auth/signup", url.Values{
		"name":             {"New"},
		"email":            {"new@example.com"},
		"password":         {"secret1"},
		"confirm_password": {"secret1"},
	})
	require.Equal(t, http.StatusSeeOther, res.StatusCode)
	require.Equal(t, "/", res.Header.Get("Location"))
}

func TestProfileRequiresSignIn(t *testing.T) {
	env := newTestEnv(t)
	res := env.get("/profile")
	require.Equal(t, http.StatusSeeOther, res.StatusCode)
	require.Equal(t, "/auth/signin?next=%2Fprofile", res.Header.Get("Location"))
}

func TestProfileUpdates(t *testing.T) {
	env := newTestEnv(t)
	env.postForm("/auth/signin", url.Values{"email": {"reader@example.com"}, "password": {"secret1"}})

	res := env.postForm("/profile/name", url.Values{"name": {"Avid Reader"}})
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "Avid Reader", env.doc(res).Find("#profile-name").Text())

	res = env.postForm("/profile/password", url.Values{
		"current_password": {"nope"},
		"new_password":     {"secret2"},
		"confirm_password": {"secret2"},
	})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	require.Contains(t, env.doc(res).Find(".error").Text(), "Current password is incorrect")

	res = env.postForm("/profile/password", url.Values{
		"current_password": {"secret1"},
		"new_password":     {"secret2"},
		"confirm_password": {"secret2"},
	})
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, env.doc(res).Find(".notice").Text(), "Password changed")
}

func TestSignedInPurchasesUseAccountHistory(t *testing.T) {
	env := newTestEnv(t)
	env.postForm("/auth/signin", url.Values{"email": {"reader@example.com"}, "password": {"secret1"}})

	var begin beginPayload
	decodeJSON(t, env.postJSON("/checkout/habit1", nil), &begin)
	require.Equal(t, "Reader", begin.Widget.Prefill.Name)
	require.Equal(t, "reader@example.com", begin.Widget.Prefill.Email)

	res := env.postJSON("/checkout/verify", paymentForm("order_1"))
	require.Equal(t, http.StatusOK, res.StatusCode)

	history := env.ledger.ListFor(context.Background(), "u1")
	require.Len(t, history.Success, 1)

	doc := env.doc(env.get("/purchases"))
	require.Zero(t, doc.Find(".notice").Length())
	require.Equal(t, 1, doc.Find("#successful-transactions tbody tr[data-id]").Length())
}
