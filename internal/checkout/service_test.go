package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"finitefield.org/ebookstore/internal/catalog"
	"finitefield.org/ebookstore/internal/events"
	"finitefield.org/ebookstore/internal/identity"
	"finitefield.org/ebookstore/internal/ledger"
	"finitefield.org/ebookstore/internal/platform/kv"
)

type fakeBackend struct {
	mu        sync.Mutex
	orders    int
	verifies  int
	lastOrder OrderRequest
	orderFn   func(context.Context, OrderRequest) (Order, error)
	verifyFn  func(context.Context, PaymentResult) (Verification, error)
}

func (b *fakeBackend) CreateOrder(ctx context.Context, req OrderRequest) (Order, error) {
	b.mu.Lock()
	b.orders++
	b.lastOrder = req
	fn := b.orderFn
	b.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return Order{OrderID: "order_1", Amount: req.Amount, Currency: req.Currency}, nil
}

func (b *fakeBackend) VerifyPayment(ctx context.Context, result PaymentResult) (Verification, error) {
	b.mu.Lock()
	b.verifies++
	fn := b.verifyFn
	b.mu.Unlock()
	if fn != nil {
		return fn(ctx, result)
	}
	return Verification{Success: true, DownloadToken: "tok_1"}, nil
}

func (b *fakeBackend) counts() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.orders, b.verifies
}

type scriptFunc func(context.Context) error

func (f scriptFunc) Load(ctx context.Context) error { return f(ctx) }

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type harness struct {
	svc       *Service
	backend   *fakeBackend
	ledger    *ledger.Ledger
	clock     *fakeClock
	published *recordingPublisher

	mu          sync.Mutex
	transitions []Transition
}

func (h *harness) path() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.transitions))
	for _, tr := range h.transitions {
		out = append(out, tr.From.String()+">"+tr.To.String())
	}
	return out
}

func newHarness(t *testing.T, mutate func(*Config), script ScriptEnsurer) *harness {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	l, err := ledger.New(kv.NewMemoryStore(), ledger.WithClock(clock.Now))
	require.NoError(t, err)

	cfg := Config{
		GatewayKey:   "rzp_test_key",
		APIBase:      "https://api.example.test/",
		MerchantName: "Vimal Library",
		ThemeColor:   "#7c3aed",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{backend: &fakeBackend{}, ledger: l, clock: clock, published: &recordingPublisher{}}
	svc, err := NewService(cfg, h.backend, script, l,
		WithClock(clock.Now),
		WithPublisher(h.published),
		WithTransitionHook(func(_ context.Context, tr Transition) {
			h.mu.Lock()
			h.transitions = append(h.transitions, tr)
			h.mu.Unlock()
		}),
	)
	require.NoError(t, err)
	h.svc = svc
	return h
}

var paidItem = catalog.Item{
	ID:        "disc1",
	Title:     "Discipline Is Destiny",
	Price:     900,
	Currency:  "INR",
	Cover:     "/static/covers/disc1.jpg",
	ProductID: "prod_disc1",
}

var reader = &identity.Session{UserID: "u1", Email: "reader@example.com", DisplayName: "Reader"}

func paymentFor(orderID string) PaymentResult {
	return PaymentResult{GatewayOrderID: orderID, GatewayPaymentID: "pay_1", GatewaySignature: "sig_1"}
}

func TestCheckoutSuccessfulPurchase(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	res, err := h.svc.Begin(ctx, "s1", paidItem, reader)
	require.NoError(t, err)
	require.Empty(t, res.Navigate)
	require.NotNil(t, res.Widget)
	require.Equal(t, WidgetOptions{
		Key:         "rzp_test_key",
		Amount:      900,
		Currency:    "INR",
		Name:        "Vimal Library",
		Description: "Discipline Is Destiny",
		OrderID:     "order_1",
		Prefill:     Prefill{Name: "Reader", Email: "reader@example.com"},
		Theme:       Theme{Color: "#7c3aed"},
	}, *res.Widget)
	require.Equal(t, StateWidgetOpen, h.svc.State("s1"))
	sent := h.backend.lastOrder
	require.NotEmpty(t, sent.IdempotencyKey)
	sent.IdempotencyKey = ""
	require.Equal(t, OrderRequest{EbookID: "prod_disc1", UserEmail: "reader@example.com", Amount: 900, Currency: "INR"}, sent)

	open, ok := h.svc.OpenWidget("s1")
	require.True(t, ok)
	require.Equal(t, "order_1", open.OrderID)

	outcome, err := h.svc.Complete(ctx, "s1", paymentFor("order_1"))
	require.NoError(t, err)
	require.True(t, outcome.Fulfilled())
	require.Equal(t, "tok_1", outcome.Entitlement.Token)
	require.Equal(t, "https://api.example.test/download/tok_1", outcome.Entitlement.DownloadURL)
	require.Equal(t, h.clock.Now().Add(10*time.Minute), outcome.Entitlement.ExpiresAt)
	require.Equal(t, StateIdle, h.svc.State("s1"))

	history := h.ledger.ListFor(ctx, "u1")
	require.Len(t, history.Success, 1)
	require.Empty(t, history.Failed)
	rec := history.Success[0]
	require.Equal(t, "pay_1", rec.PaymentID)
	require.Equal(t, "order_1", rec.OrderID)
	require.Equal(t, int64(900), rec.Price)
	require.Equal(t, "2025-06-01", rec.Date)

	require.Len(t, h.published.events, 1)
	require.Equal(t, events.TypeCheckoutOutcome, h.published.events[0].Type)
	require.Equal(t, "u1", h.published.events[0].Key)

	require.Equal(t, []string{
		"idle>creating_order",
		"creating_order>awaiting_gateway_widget",
		"awaiting_gateway_widget>widget_open",
		"widget_open>verifying_payment",
		"verifying_payment>fulfilled",
		"fulfilled>idle",
	}, h.path())
}

func TestCheckoutRejectedVerification(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	h.backend.verifyFn = func(context.Context, PaymentResult) (Verification, error) {
		return Verification{Success: false, Message: "signature mismatch"}, nil
	}

	_, err := h.svc.Begin(ctx, "s1", paidItem, reader)
	require.NoError(t, err)
	outcome, err := h.svc.Complete(ctx, "s1", paymentFor("order_1"))
	require.NoError(t, err)
	require.False(t, outcome.Fulfilled())
	require.Nil(t, outcome.Entitlement)

	history := h.ledger.ListFor(ctx, "u1")
	require.Empty(t, history.Success)
	require.Len(t, history.Failed, 1)
	require.Equal(t, ReasonRejected, history.Failed[0].Reason)
	require.Equal(t, "signature mismatch", history.Failed[0].ErrorCode)
	require.Equal(t, StateIdle, h.svc.State("s1"))
}

func TestCheckoutSuccessWithoutTokenIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	h.backend.verifyFn = func(context.Context, PaymentResult) (Verification, error) {
		return Verification{Success: true}, nil
	}
	_, err := h.svc.Begin(ctx, "s1", paidItem, reader)
	require.NoError(t, err)
	outcome, err := h.svc.Complete(ctx, "s1", paymentFor("order_1"))
	require.NoError(t, err)
	require.False(t, outcome.Fulfilled())
	require.Equal(t, ReasonRejected, outcome.Record.Reason)
}

func TestCheckoutDismissLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	h.svc.Dismiss(ctx, "s1")
	require.Equal(t, StateIdle, h.svc.State("s1"))

	_, err := h.svc.Begin(ctx, "s1", paidItem, reader)
	require.NoError(t, err)
	h.svc.Dismiss(ctx, "s1")
	require.Equal(t, StateIdle, h.svc.State("s1"))

	_, err = h.svc.Complete(ctx, "s1", paymentFor("order_1"))
	require.ErrorIs(t, err, ErrNoActiveCheckout)
	require.Equal(t, 0, h.ledger.ListFor(ctx, "u1").Len())
	_, verifies := h.backend.counts()
	require.Zero(t, verifies)
	require.Empty(t, h.published.events)

	_, err = h.svc.Begin(ctx, "s1", paidItem, reader)
	require.NoError(t, err)
}

func TestCheckoutFreeItemNavigates(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.GatewayKey = "" }, nil)
	free := catalog.Item{ID: "starter1", Title: "Starter", Free: true}

	res, err := h.svc.Begin(context.Background(), "s1", free, nil)
	require.NoError(t, err)
	require.Equal(t, "/library/free/starter1", res.Navigate)
	require.Nil(t, res.Widget)
	orders, _ := h.backend.counts()
	require.Zero(t, orders)
	require.Equal(t, StateIdle, h.svc.State("s1"))
}

func TestCheckoutSecondBeginWhileOpen(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	_, err := h.svc.Begin(ctx, "s1", paidItem, reader)
	require.NoError(t, err)
	_, err = h.svc.Begin(ctx, "s1", paidItem, reader)
	require.ErrorIs(t, err, ErrCheckoutInProgress)
	orders, _ := h.backend.counts()
	require.Equal(t, 1, orders)
	require.Equal(t, StateWidgetOpen, h.svc.State("s1"))

	_, err = h.svc.Begin(ctx, "s2", paidItem, reader)
	require.NoError(t, err)
}

func TestCheckoutConcurrentBeginMakesOneOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	h.backend.orderFn = func(_ context.Context, req OrderRequest) (Order, error) {
		close(started)
		<-release
		return Order{OrderID: "order_1", Amount: req.Amount, Currency: req.Currency}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.Begin(ctx, "s1", paidItem, reader)
		done <- err
	}()
	<-started
	require.Equal(t, StateCreatingOrder, h.svc.State("s1"))

	_, err := h.svc.Begin(ctx, "s1", paidItem, reader)
	require.ErrorIs(t, err, ErrCheckoutInProgress)

	close(release)
	require.NoError(t, <-done)
	orders, _ := h.backend.counts()
	require.Equal(t, 1, orders)
}

func TestCheckoutMissingConfiguration(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.GatewayKey = ""
		c.APIBase = ""
	}, scriptFunc(func(context.Context) error {
		t.Fatal("script must not load without configuration")
		return nil
	}))

	_, err := h.svc.Begin(context.Background(), "s1", paidItem, reader)
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, []string{"gateway key", "api base url"}, cfgErr.Missing)
	orders, _ := h.backend.counts()
	require.Zero(t, orders)
	require.Equal(t, StateIdle, h.svc.State("s1"))
}

func TestCheckoutScriptFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	calls := 0
	h := newHarness(t, nil, scriptFunc(func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("dns failure")
		}
		return nil
	}))

	_, err := h.svc.Begin(ctx, "s1", paidItem, reader)
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	require.Equal(t, StageScript, stageErr.Stage)
	require.Equal(t, StateIdle, h.svc.State("s1"))
	orders, _ := h.backend.counts()
	require.Zero(t, orders)

	_, err = h.svc.Begin(ctx, "s1", paidItem, reader)
	require.NoError(t, err)
}

func TestCheckoutOrderFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	h.backend.orderFn = func(context.Context, OrderRequest) (Order, error) {
		return Order{}, &StatusError{Op: "create order", Status: 500, Body: "boom"}
	}

	_, err := h.svc.Begin(ctx, "s1", paidItem, reader)
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	require.Equal(t, StageOrder, stageErr.Stage)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, StateIdle, h.svc.State("s1"))
	require.Equal(t, 0, h.ledger.ListFor(ctx, "u1").Len())
	require.Empty(t, h.published.events)
}

func TestCheckoutVerificationFailures(t *testing.T) {
	cases := []struct {
		name    string
		verify  func(context.Context, PaymentResult) (Verification, error)
		timeout time.Duration
		reason  string
		code    string
	}{
		{
			name: "non-2xx",
			verify: func(context.Context, PaymentResult) (Verification, error) {
				return Verification{}, &StatusError{Op: "verify payment", Status: 400, Body: "invalid signature"}
			},
			reason: ReasonRequestFailed,
			code:   "invalid signature",
		},
		{
			name: "transport",
			verify: func(context.Context, PaymentResult) (Verification, error) {
				return Verification{}, errors.New("connection reset")
			},
			reason: ReasonVerificationError,
			code:   "connection reset",
		},
		{
			name: "timeout",
			verify: func(ctx context.Context, _ PaymentResult) (Verification, error) {
				<-ctx.Done()
				return Verification{}, ctx.Err()
			},
			timeout: 20 * time.Millisecond,
			reason:  ReasonVerificationError,
			code:    context.DeadlineExceeded.Error(),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, func(c *Config) { c.VerifyTimeout = tc.timeout }, nil)
			h.backend.verifyFn = tc.verify

			_, err := h.svc.Begin(ctx, "s1", paidItem, reader)
			require.NoError(t, err)
			outcome, err := h.svc.Complete(ctx, "s1", paymentFor("order_1"))
			require.NoError(t, err)
			require.False(t, outcome.Fulfilled())

			history := h.ledger.ListFor(ctx, "u1")
			require.Len(t, history.Failed, 1)
			require.Equal(t, tc.reason, history.Failed[0].Reason)
			require.Equal(t, tc.code, history.Failed[0].ErrorCode)
			require.Equal(t, StateIdle, h.svc.State("s1"))
		})
	}
}

func TestCheckoutCancelledRequestStillRecords(t *testing.T) {
	t.Run("verification times out", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.VerifyTimeout = 100 * time.Millisecond }, nil)
		h.backend.verifyFn = func(ctx context.Context, _ PaymentResult) (Verification, error) {
			<-ctx.Done()
			return Verification{}, ctx.Err()
		}
		_, err := h.svc.Begin(context.Background(), "s1", paidItem, reader)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		outcome, err := h.svc.Complete(ctx, "s1", paymentFor("order_1"))
		require.NoError(t, err)
		require.False(t, outcome.Fulfilled())

		history := h.ledger.ListFor(context.Background(), "u1")
		require.Empty(t, history.Success)
		require.Len(t, history.Failed, 1)
		require.Equal(t, ReasonVerificationError, history.Failed[0].Reason)
		require.Equal(t, context.DeadlineExceeded.Error(), history.Failed[0].ErrorCode)
		require.Len(t, h.published.events, 1)
		require.Equal(t, StateIdle, h.svc.State("s1"))
	})

	t.Run("client gone before backend answers", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		ctx, cancel := context.WithCancel(context.Background())
		h.backend.verifyFn = func(vctx context.Context, _ PaymentResult) (Verification, error) {
			cancel()
			require.NoError(t, vctx.Err())
			return Verification{Success: true, DownloadToken: "tok_late"}, nil
		}
		_, err := h.svc.Begin(context.Background(), "s1", paidItem, reader)
		require.NoError(t, err)

		outcome, err := h.svc.Complete(ctx, "s1", paymentFor("order_1"))
		require.NoError(t, err)
		require.True(t, outcome.Fulfilled())
		require.Equal(t, "tok_late", outcome.Entitlement.Token)

		history := h.ledger.ListFor(context.Background(), "u1")
		require.Len(t, history.Success, 1)
		require.Empty(t, history.Failed)
	})
}

func TestCheckoutIdempotencyKeyPerAttempt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	var keys []string
	h.backend.orderFn = func(_ context.Context, req OrderRequest) (Order, error) {
		keys = append(keys, req.IdempotencyKey)
		return Order{OrderID: "order_1", Amount: req.Amount, Currency: req.Currency}, nil
	}

	_, err := h.svc.Begin(ctx, "s1", paidItem, reader)
	require.NoError(t, err)
	h.svc.Dismiss(ctx, "s1")
	_, err = h.svc.Begin(ctx, "s1", paidItem, reader)
	require.NoError(t, err)
	_, err = h.svc.Begin(ctx, "s2", paidItem, reader)
	require.NoError(t, err)

	require.Len(t, keys, 3)
	require.Contains(t, keys[0], "s1:")
	require.Contains(t, keys[1], "s1:")
	require.Contains(t, keys[2], "s2:")
	require.NotEqual(t, keys[0], keys[1])
	require.NotEqual(t, keys[1], keys[2])
}

func TestCheckoutOrderMismatchSkipsBackend(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	_, err := h.svc.Begin(ctx, "s1", paidItem, reader)
	require.NoError(t, err)
	outcome, err := h.svc.Complete(ctx, "s1", paymentFor("order_forged"))
	require.NoError(t, err)
	require.False(t, outcome.Fulfilled())
	require.Equal(t, ReasonOrderMismatch, outcome.Record.Reason)

	_, verifies := h.backend.counts()
	require.Zero(t, verifies)
	require.Len(t, h.ledger.ListFor(ctx, "u1").Failed, 1)
}

func TestCheckoutResetsAfterPanic(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	h.backend.verifyFn = func(context.Context, PaymentResult) (Verification, error) {
		panic("backend exploded")
	}

	_, err := h.svc.Begin(ctx, "s1", paidItem, reader)
	require.NoError(t, err)
	require.Panics(t, func() {
		_, _ = h.svc.Complete(ctx, "s1", paymentFor("order_1"))
	})
	require.Equal(t, StateIdle, h.svc.State("s1"))

	_, err = h.svc.Begin(ctx, "s1", paidItem, reader)
	require.NoError(t, err)
}

func TestCheckoutAbandonedWidgetExpires(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	_, err := h.svc.Begin(ctx, "s1", paidItem, reader)
	require.NoError(t, err)

	h.clock.Advance(29 * time.Minute)
	_, err = h.svc.Begin(ctx, "s1", paidItem, reader)
	require.ErrorIs(t, err, ErrCheckoutInProgress)

	h.clock.Advance(2 * time.Minute)
	_, err = h.svc.Begin(ctx, "s1", paidItem, reader)
	require.NoError(t, err)
	orders, _ := h.backend.counts()
	require.Equal(t, 2, orders)
	require.Equal(t, 0, h.ledger.ListFor(ctx, "u1").Len())
}

func TestCheckoutGuestPartition(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	res, err := h.svc.Begin(ctx, "browser-1", paidItem, nil)
	require.NoError(t, err)
	require.Equal(t, Prefill{Name: "Guest User", Email: "guest@example.com"}, res.Widget.Prefill)
	require.Equal(t, "guest@example.com", h.backend.lastOrder.UserEmail)

	_, err = h.svc.Complete(ctx, "browser-1", paymentFor("order_1"))
	require.NoError(t, err)
	require.Len(t, h.ledger.ListFor(ctx, ledger.GuestPartition("browser-1")).Success, 1)
	require.Equal(t, 0, h.ledger.ListFor(ctx, "u1").Len())
}

func TestCheckoutOrderKeyOverride(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.backend.orderFn = func(_ context.Context, req OrderRequest) (Order, error) {
		return Order{OrderID: "order_7", Amount: req.Amount, Currency: req.Currency, GatewayKey: "rzp_live_override"}, nil
	}
	res, err := h.svc.Begin(context.Background(), "s1", paidItem, reader)
	require.NoError(t, err)
	require.Equal(t, "rzp_live_override", res.Widget.Key)
	require.Equal(t, "order_7", res.Widget.OrderID)
}
