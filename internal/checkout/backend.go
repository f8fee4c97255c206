package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultTimeout    = 15 * time.Second
	idempotencyHeader = "Idempotency-Key"
	guestEmail        = "guest@example.com"
)

// OrderRequest is the create-order payload.
type OrderRequest struct {
	EbookID        string
	UserEmail      string
	Amount         int64
	Currency       string
	IdempotencyKey string
}

// Order is the backend's answer to create-order.
type Order struct {
	OrderID  string
	Amount   int64
	Currency string
	// GatewayKey overrides the configured public key when set.
	GatewayKey string
}

// PaymentResult is what the gateway widget hands back on success.
type PaymentResult struct {
	GatewayOrderID   string
	GatewayPaymentID string
	GatewaySignature string
}

// Verification is the backend's answer to verify-payment.
type Verification struct {
	Success       bool
	DownloadToken string
	Message       string
}

// Backend is the order/verification service.
type Backend interface {
	CreateOrder(ctx context.Context, req OrderRequest) (Order, error)
	VerifyPayment(ctx context.Context, result PaymentResult) (Verification, error)
}

// Client talks to the order backend over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// NewClient constructs a backend client rooted at baseURL.
func NewClient(baseURL string, timeout time.Duration, opts ...ClientOption) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// CreateOrder posts to {base}/create-order.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (Order, error) {
	body := orderRequestPayload{
		EbookID:   req.EbookID,
		UserEmail: defaultString(req.UserEmail, guestEmail),
		Amount:    req.Amount,
		Currency:  req.Currency,
	}
	resp, err := c.post(ctx, "create-order", body, ensureIdempotencyKey(req.IdempotencyKey))
	if err != nil {
		return Order{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Order{}, &StatusError{Op: "create order", Status: resp.StatusCode, Body: drainError(resp.Body)}
	}

	var payload orderPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Order{}, fmt.Errorf("checkout: decode order: %w", err)
	}
	order := payload.toOrder(req)
	if order.OrderID == "" {
		return Order{}, ErrMissingOrderID
	}
	return order, nil
}

// VerifyPayment posts the gateway callback to {base}/verify-payment. Non-2xx
// answers are returned as *StatusError.
func (c *Client) VerifyPayment(ctx context.Context, result PaymentResult) (Verification, error) {
	body := verifyRequestPayload{
		OrderID:   result.GatewayOrderID,
		PaymentID: result.GatewayPaymentID,
		Signature: result.GatewaySignature,
	}
	resp, err := c.post(ctx, "verify-payment", body, "")
	if err != nil {
		return Verification{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Verification{}, &StatusError{Op: "verify payment", Status: resp.StatusCode, Body: drainError(resp.Body)}
	}

	var payload verifyPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Verification{}, fmt.Errorf("checkout: decode verification: %w", err)
	}
	return Verification{
		Success:       payload.Success,
		DownloadToken: strings.TrimSpace(payload.DownloadToken),
		Message:       strings.TrimSpace(payload.Message),
	}, nil
}

// DownloadURL is where an entitlement token is redeemed.
func (c *Client) DownloadURL(token string) string {
	return downloadURL(c.baseURL, token)
}

func (c *Client) post(ctx context.Context, path string, body any, idempotencyKey string) (*http.Response, error) {
	if c == nil || c.baseURL == "" {
		return nil, errors.New("checkout: backend base url is not configured")
	}
	endpoint, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if idempotencyKey != "" {
		httpReq.Header.Set(idempotencyHeader, idempotencyKey)
	}
	return c.http.Do(httpReq)
}

func downloadURL(base, token string) string {
	return strings.TrimRight(base, "/") + "/download/" + url.PathEscape(token)
}

type orderRequestPayload struct {
	EbookID   string `json:"ebookId"`
	UserEmail string `json:"userEmail"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

type orderPayload struct {
	OrderID     string      `json:"orderId"`
	ID          string      `json:"id"`
	Amount      json.Number `json:"amount"`
	Currency    string      `json:"currency"`
	RazorpayKey string      `json:"razorpayKey"`
}

func (p orderPayload) toOrder(req OrderRequest) Order {
	order := Order{
		OrderID:    defaultString(p.OrderID, p.ID),
		Amount:     req.Amount,
		Currency:   defaultString(p.Currency, req.Currency),
		GatewayKey: strings.TrimSpace(p.RazorpayKey),
	}
	if amount, err := strconv.ParseInt(p.Amount.String(), 10, 64); err == nil && amount > 0 {
		order.Amount = amount
	}
	return order
}

type verifyRequestPayload struct {
	OrderID   string `json:"razorpay_order_id"`
	PaymentID string `json:"razorpay_payment_id"`
	Signature string `json:"razorpay_signature"`
}

type verifyPayload struct {
	Success       bool   `json:"success"`
	DownloadToken string `json:"downloadToken"`
	Message       string `json:"message"`
}

func drainError(r io.Reader) string {
	if r == nil {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(r, 256))
	return strings.TrimSpace(string(b))
}

func ensureIdempotencyKey(key string) string {
	key = strings.TrimSpace(key)
	if key != "" {
		return key
	}
	return uuid.NewString()
}

func defaultString(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return strings.TrimSpace(fallback)
	}
	return strings.TrimSpace(val)
}
