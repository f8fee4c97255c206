// Package checkout drives a purchase from order creation through the gateway
// widget to payment verification and the resulting download entitlement.
package checkout

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"finitefield.org/ebookstore/internal/catalog"
	"finitefield.org/ebookstore/internal/events"
	"finitefield.org/ebookstore/internal/identity"
	"finitefield.org/ebookstore/internal/ledger"
	"finitefield.org/ebookstore/internal/platform/config"
	"finitefield.org/ebookstore/internal/platform/requestctx"
)

// Failure reasons written to the ledger.
const (
	ReasonOrderMismatch     = "order mismatch"
	ReasonRequestFailed     = "verification request failed"
	ReasonRejected          = "verification rejected"
	ReasonVerificationError = "verification error"
)

const (
	instrumentationName = "finitefield.org/ebookstore/internal/checkout"

	defaultVerifyTimeout     = 30 * time.Second
	defaultWidgetTTL         = 30 * time.Minute
	defaultDownloadTTL       = 10 * time.Minute
	persistTimeout           = 5 * time.Second
	freeNavigationPathPrefix = "/library/free/"
)

// Config carries the checkout preconditions and limits.
type Config struct {
	GatewayKey    string
	APIBase       string
	MerchantName  string
	ThemeColor    string
	VerifyTimeout time.Duration
	WidgetTTL     time.Duration
	DownloadTTL   time.Duration
}

// ConfigFrom extracts the checkout settings from the application config.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		GatewayKey:    cfg.Gateway.Key,
		APIBase:       cfg.Backend.APIBase,
		MerchantName:  cfg.Gateway.MerchantName,
		ThemeColor:    cfg.Gateway.ThemeColor,
		VerifyTimeout: cfg.Backend.VerifyTimeout,
		WidgetTTL:     cfg.Gateway.WidgetTTL,
		DownloadTTL:   cfg.Backend.DownloadTTL,
	}
}

// ScriptEnsurer makes the gateway script available before the widget opens.
type ScriptEnsurer interface {
	Load(ctx context.Context) error
}

// Recorder persists verification outcomes.
type Recorder interface {
	Append(ctx context.Context, owner string, record ledger.Record) (ledger.Record, error)
}

// Result of Begin: either a navigation target (free items) or widget options.
type Result struct {
	Navigate string
	Widget   *WidgetOptions
}

// Entitlement grants a time-limited download. It is never persisted.
type Entitlement struct {
	Token       string
	DownloadURL string
	ExpiresAt   time.Time
}

// Outcome is the result of Complete.
type Outcome struct {
	Item        catalog.Item
	Record      ledger.Record
	Entitlement *Entitlement
}

// Fulfilled reports whether the payment was verified.
func (o Outcome) Fulfilled() bool {
	return o.Entitlement != nil
}

type attempt struct {
	state    State
	item     catalog.Item
	owner    string
	key      string
	order    Order
	widget   WidgetOptions
	openedAt time.Time
}

// Service keeps one checkout attempt per surface (browser session).
type Service struct {
	cfg       Config
	backend   Backend
	script    ScriptEnsurer
	recorder  Recorder
	publisher events.Publisher
	now       func() time.Time
	hook      func(context.Context, Transition)

	tracer      trace.Tracer
	transitions metric.Int64Counter
	outcomes    metric.Int64Counter

	mu       sync.Mutex
	attempts map[string]*attempt
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTransitionHook observes every state change. The hook runs without the
// service lock held.
func WithTransitionHook(fn func(context.Context, Transition)) Option {
	return func(s *Service) {
		s.hook = fn
	}
}

// WithPublisher emits a checkout.outcome event for every completed attempt.
func WithPublisher(publisher events.Publisher) Option {
	return func(s *Service) {
		s.publisher = publisher
	}
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) {
		if tp != nil {
			s.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) {
		if mp != nil {
			s.initMetrics(mp.Meter(instrumentationName))
		}
	}
}

// NewService wires the orchestrator. script may be nil when the widget script
// is served by other means.
func NewService(cfg Config, backend Backend, script ScriptEnsurer, recorder Recorder, opts ...Option) (*Service, error) {
	if backend == nil {
		return nil, errors.New("checkout: backend is required")
	}
	if recorder == nil {
		return nil, errors.New("checkout: recorder is required")
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = defaultVerifyTimeout
	}
	if cfg.WidgetTTL <= 0 {
		cfg.WidgetTTL = defaultWidgetTTL
	}
	if cfg.DownloadTTL <= 0 {
		cfg.DownloadTTL = defaultDownloadTTL
	}
	cfg.APIBase = strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	cfg.GatewayKey = strings.TrimSpace(cfg.GatewayKey)

	s := &Service{
		cfg:      cfg,
		backend:  backend,
		script:   script,
		recorder: recorder,
		now:      time.Now,
		tracer:   otel.Tracer(instrumentationName),
		attempts: make(map[string]*attempt),
	}
	s.initMetrics(otel.Meter(instrumentationName))
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *Service) initMetrics(meter metric.Meter) {
	transitions, err := meter.Int64Counter("checkout.transitions",
		metric.WithDescription("Checkout state transitions"))
	if err == nil {
		s.transitions = transitions
	}
	outcomes, err := meter.Int64Counter("checkout.outcomes",
		metric.WithDescription("Checkout attempts that reached verification"))
	if err == nil {
		s.outcomes = outcomes
	}
}

// State reports the surface's current state.
func (s *Service) State(surface string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.attempts[surface]; ok {
		return a.state
	}
	return StateIdle
}

// OpenWidget returns the options of the widget currently open on surface.
func (s *Service) OpenWidget(surface string) (WidgetOptions, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.attempts[surface]; ok && a.state == StateWidgetOpen {
		return a.widget, true
	}
	return WidgetOptions{}, false
}

// Begin starts a checkout for item on surface. Free items short-circuit to a
// navigation result.
func (s *Service) Begin(ctx context.Context, surface string, item catalog.Item, session *identity.Session) (Result, error) {
	if item.Free {
		return Result{Navigate: freeNavigationPathPrefix + url.PathEscape(item.ID)}, nil
	}
	if strings.TrimSpace(surface) == "" {
		return Result{}, errors.New("checkout: surface is required")
	}

	ctx, span := s.tracer.Start(ctx, "checkout.Begin", trace.WithAttributes(
		attribute.String("checkout.surface", surface),
		attribute.String("checkout.item_id", item.ID),
	))
	defer span.End()

	owner := ledger.GuestPartition(surface)
	if session != nil && session.UserID != "" {
		owner = session.UserID
	}

	current, err := s.claim(ctx, surface, item, owner)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	opened := false
	defer func() {
		if !opened {
			s.release(ctx, surface, current)
		}
	}()

	if missing := s.missingConfig(); len(missing) > 0 {
		err := &ConfigError{Missing: missing}
		s.logger(ctx).Warn("checkout not configured", zap.Strings("missing", missing))
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	if s.script != nil {
		if err := s.script.Load(ctx); err != nil {
			stageErr := &StageError{Stage: StageScript, Err: err}
			s.logger(ctx).Error("gateway script load failed", zap.Error(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, stageErr.Error())
			return Result{}, stageErr
		}
	}

	email := guestEmail
	name := guestName
	if session != nil {
		email = defaultString(session.Email, guestEmail)
		name = defaultString(session.Name(), guestName)
	}
	order, err := s.backend.CreateOrder(ctx, OrderRequest{
		EbookID:        item.ExternalID(),
		UserEmail:      email,
		Amount:         item.Price,
		Currency:       item.Currency,
		IdempotencyKey: current.key,
	})
	if err != nil {
		stageErr := &StageError{Stage: StageOrder, Err: err}
		s.logger(ctx).Error("create order failed", zap.String("item_id", item.ID), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, stageErr.Error())
		return Result{}, stageErr
	}
	span.SetAttributes(attribute.String("checkout.order_id", order.OrderID))

	s.advance(ctx, surface, current, StateAwaitingGatewayWidget, nil)

	widget := WidgetOptions{
		Key:         defaultString(order.GatewayKey, s.cfg.GatewayKey),
		Amount:      order.Amount,
		Currency:    defaultString(order.Currency, item.Currency),
		Name:        s.cfg.MerchantName,
		Description: item.Title,
		OrderID:     order.OrderID,
		Prefill:     Prefill{Name: name, Email: email},
		Theme:       Theme{Color: s.cfg.ThemeColor},
	}
	s.advance(ctx, surface, current, StateWidgetOpen, func(a *attempt) {
		a.order = order
		a.widget = widget
		a.openedAt = s.now()
	})
	opened = true
	return Result{Widget: &widget}, nil
}

// Dismiss closes the widget on surface without recording anything. Dismissing
// an idle surface, or one that is not showing the widget, is a no-op.
func (s *Service) Dismiss(ctx context.Context, surface string) {
	s.mu.Lock()
	a, ok := s.attempts[surface]
	if !ok || a.state != StateWidgetOpen {
		s.mu.Unlock()
		return
	}
	delete(s.attempts, surface)
	s.mu.Unlock()

	s.logger(ctx).Info("checkout dismissed", zap.String("surface", surface), zap.String("order_id", a.order.OrderID))
	s.observe(ctx, nil, surface, StateWidgetOpen, StateIdle)
}

// Complete verifies the gateway callback for the widget open on surface. It
// records exactly one ledger entry and always leaves the surface idle.
func (s *Service) Complete(ctx context.Context, surface string, result PaymentResult) (Outcome, error) {
	s.mu.Lock()
	a, ok := s.attempts[surface]
	if !ok || a.state != StateWidgetOpen {
		s.mu.Unlock()
		return Outcome{}, ErrNoActiveCheckout
	}
	a.state = StateVerifyingPayment
	snapshot := *a
	s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "checkout.Complete", trace.WithAttributes(
		attribute.String("checkout.surface", surface),
		attribute.String("checkout.item_id", snapshot.item.ID),
		attribute.String("checkout.order_id", snapshot.order.OrderID),
	))
	defer span.End()
	s.observe(ctx, span, surface, StateWidgetOpen, StateVerifyingPayment)

	// Verification and the ledger write outlive the caller so a dropped or
	// timed-out request still leaves its record.
	detached := context.WithoutCancel(ctx)

	final := StateFailed
	defer func() {
		s.release(ctx, surface, a)
	}()

	record := ledger.Record{
		ItemID:   snapshot.item.ID,
		Title:    snapshot.item.Title,
		Cover:    snapshot.item.Cover,
		Price:    snapshot.item.Price,
		Currency: snapshot.item.Currency,
	}
	outcome := Outcome{Item: snapshot.item}

	if strings.TrimSpace(result.GatewayOrderID) != snapshot.order.OrderID {
		record.Status = ledger.StatusFailed
		record.OrderID = snapshot.order.OrderID
		record.Reason = ReasonOrderMismatch
		record.ErrorCode = "expected " + snapshot.order.OrderID + ", got " + strings.TrimSpace(result.GatewayOrderID)
		s.logger(ctx).Warn("gateway order mismatch",
			zap.String("expected", snapshot.order.OrderID),
			zap.String("received", result.GatewayOrderID))
	} else {
		verification, err := s.verify(detached, result)

		var statusErr *StatusError
		switch {
		case errors.As(err, &statusErr):
			record.Status = ledger.StatusFailed
			record.Reason = ReasonRequestFailed
			record.ErrorCode = statusErr.Body
		case err != nil:
			record.Status = ledger.StatusFailed
			record.Reason = ReasonVerificationError
			record.ErrorCode = err.Error()
		case !verification.Success || verification.DownloadToken == "":
			record.Status = ledger.StatusFailed
			record.Reason = ReasonRejected
			record.ErrorCode = verification.Message
		default:
			record.Status = ledger.StatusSuccess
			record.PaymentID = result.GatewayPaymentID
			record.OrderID = snapshot.order.OrderID
			outcome.Entitlement = &Entitlement{
				Token:       verification.DownloadToken,
				DownloadURL: downloadURL(s.cfg.APIBase, verification.DownloadToken),
				ExpiresAt:   s.now().Add(s.cfg.DownloadTTL),
			}
			final = StateFulfilled
		}
		if err != nil {
			span.RecordError(err)
		}
	}
	if record.Status == ledger.StatusFailed && record.OrderID == "" {
		record.OrderID = snapshot.order.OrderID
	}

	persistCtx, cancel := context.WithTimeout(detached, persistTimeout)
	defer cancel()
	stored, err := s.recorder.Append(persistCtx, snapshot.owner, record.Stamp(s.now()))
	if err != nil {
		s.logger(ctx).Error("ledger append failed", zap.String("owner", snapshot.owner), zap.Error(err))
		stored = record.Stamp(s.now())
	}
	outcome.Record = stored

	s.advance(ctx, surface, a, final, nil)
	if final == StateFailed {
		span.SetStatus(codes.Error, record.Reason)
	}
	if s.outcomes != nil {
		s.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(record.Status))))
	}
	s.logger(ctx).Info("checkout completed",
		zap.String("surface", surface),
		zap.String("item_id", snapshot.item.ID),
		zap.String("order_id", snapshot.order.OrderID),
		zap.String("status", string(record.Status)),
		zap.String("reason", record.Reason))
	s.publish(persistCtx, snapshot.owner, stored)
	return outcome, nil
}

func (s *Service) verify(ctx context.Context, result PaymentResult) (Verification, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.VerifyTimeout)
	defer cancel()
	return s.backend.VerifyPayment(ctx, result)
}

// claim moves surface from Idle to CreatingOrder, resetting a widget left open
// longer than WidgetTTL.
func (s *Service) claim(ctx context.Context, surface string, item catalog.Item, owner string) (*attempt, error) {
	now := s.now()
	s.mu.Lock()
	stale := false
	if existing, ok := s.attempts[surface]; ok {
		if existing.state != StateWidgetOpen || now.Sub(existing.openedAt) <= s.cfg.WidgetTTL {
			state := existing.state
			s.mu.Unlock()
			s.logger(ctx).Info("checkout already in progress", zap.String("surface", surface), zap.Stringer("state", state))
			return nil, ErrCheckoutInProgress
		}
		stale = true
	}
	a := &attempt{state: StateCreatingOrder, item: item, owner: owner, key: surface + ":" + uuid.NewString()}
	s.attempts[surface] = a
	s.mu.Unlock()

	if stale {
		s.logger(ctx).Info("abandoned checkout reset", zap.String("surface", surface))
		s.observe(ctx, nil, surface, StateWidgetOpen, StateIdle)
	}
	s.observe(ctx, trace.SpanFromContext(ctx), surface, StateIdle, StateCreatingOrder)
	return a, nil
}

// advance moves a to next if it is still the surface's attempt.
func (s *Service) advance(ctx context.Context, surface string, a *attempt, next State, mutate func(*attempt)) {
	s.mu.Lock()
	if s.attempts[surface] != a {
		s.mu.Unlock()
		return
	}
	from := a.state
	a.state = next
	if mutate != nil {
		mutate(a)
	}
	s.mu.Unlock()
	s.observe(ctx, trace.SpanFromContext(ctx), surface, from, next)
}

// release returns surface to Idle if a is still its attempt.
func (s *Service) release(ctx context.Context, surface string, a *attempt) {
	s.mu.Lock()
	if s.attempts[surface] != a {
		s.mu.Unlock()
		return
	}
	from := a.state
	delete(s.attempts, surface)
	s.mu.Unlock()
	s.observe(ctx, trace.SpanFromContext(ctx), surface, from, StateIdle)
}

func (s *Service) observe(ctx context.Context, span trace.Span, surface string, from, to State) {
	attrs := []attribute.KeyValue{
		attribute.String("checkout.from", from.String()),
		attribute.String("checkout.to", to.String()),
	}
	if span != nil {
		span.AddEvent("checkout.transition", trace.WithAttributes(attrs...))
	}
	if s.transitions != nil {
		s.transitions.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	s.logger(ctx).Debug("checkout transition",
		zap.String("surface", surface),
		zap.Stringer("from", from),
		zap.Stringer("to", to))
	if s.hook != nil {
		s.hook(ctx, Transition{Surface: surface, From: from, To: to, At: s.now()})
	}
}

func (s *Service) missingConfig() []string {
	var missing []string
	if s.cfg.GatewayKey == "" {
		missing = append(missing, "gateway key")
	}
	if s.cfg.APIBase == "" {
		missing = append(missing, "api base url")
	}
	return missing
}

// OutcomePayload is the body of the checkout.outcome event.
type OutcomePayload struct {
	Owner     string `json:"owner"`
	Guest     bool   `json:"guest"`
	RecordID  string `json:"recordId"`
	ItemID    string `json:"itemId"`
	Status    string `json:"status"`
	OrderID   string `json:"orderId,omitempty"`
	PaymentID string `json:"paymentId,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

func (s *Service) publish(ctx context.Context, owner string, record ledger.Record) {
	if s.publisher == nil {
		return
	}
	payload := OutcomePayload{
		Owner:     owner,
		Guest:     ledger.IsGuest(owner),
		RecordID:  record.ID,
		ItemID:    record.ItemID,
		Status:    string(record.Status),
		OrderID:   record.OrderID,
		PaymentID: record.PaymentID,
		Reason:    record.Reason,
		Amount:    record.Price,
		Currency:  record.Currency,
	}
	event := events.New(events.TypeCheckoutOutcome, owner, payload).WithAttribute("status", string(record.Status))
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger(ctx).Warn("checkout outcome publish failed", zap.Error(err))
	}
}

func (s *Service) logger(ctx context.Context) *zap.Logger {
	return requestctx.Logger(ctx).Named("checkout")
}
