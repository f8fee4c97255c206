package identity

import (
	"context"
	"errors"
	"sync"
)

// EventKind names a session lifecycle transition.
type EventKind string

const (
	EventSignedIn       EventKind = "signed_in"
	EventSignedOut      EventKind = "signed_out"
	EventAccountCreated EventKind = "account_created"
	EventProfileUpdated EventKind = "profile_updated"
)

// Event is delivered to subscribers after a successful transition.
type Event struct {
	Kind    EventKind
	Session *Session
	// Method is "password" or "google" for sign-in events.
	Method string
}

// Manager wraps a Provider and fans lifecycle events out to subscribers.
// Listeners run synchronously on the caller's goroutine, in subscription order.
type Manager struct {
	provider Provider

	mu        sync.RWMutex
	nextID    int
	listeners map[int]func(context.Context, Event)
	order     []int
}

// NewManager constructs a Manager for provider.
func NewManager(provider Provider) (*Manager, error) {
	if provider == nil {
		return nil, errors.New("identity: provider is required")
	}
	return &Manager{provider: provider, listeners: make(map[int]func(context.Context, Event))}, nil
}

// Subscribe registers fn and returns a function that removes it.
func (m *Manager) Subscribe(fn func(context.Context, Event)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	m.order = append(m.order, id)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			for i, existing := range m.order {
				if existing == id {
					m.order = append(m.order[:i], m.order[i+1:]...)
					break
				}
			}
			m.mu.Unlock()
		})
	}
}

func (m *Manager) emit(ctx context.Context, event Event) {
	m.mu.RLock()
	fns := make([]func(context.Context, Event), 0, len(m.order))
	for _, id := range m.order {
		fns = append(fns, m.listeners[id])
	}
	m.mu.RUnlock()
	for _, fn := range fns {
		fn(ctx, event)
	}
}

func (m *Manager) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	session, err := m.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	m.emit(ctx, Event{Kind: EventSignedIn, Session: session, Method: "password"})
	return session, nil
}

func (m *Manager) SignInWithGoogle(ctx context.Context, googleIDToken string) (*Session, error) {
	session, err := m.provider.SignInWithGoogle(ctx, googleIDToken)
	if err != nil {
		return nil, err
	}
	m.emit(ctx, Event{Kind: EventSignedIn, Session: session, Method: "google"})
	return session, nil
}

func (m *Manager) SignUp(ctx context.Context, email, password, displayName string) (*Session, error) {
	session, err := m.provider.SignUp(ctx, email, password, displayName)
	if err != nil {
		return nil, err
	}
	m.emit(ctx, Event{Kind: EventAccountCreated, Session: session, Method: "password"})
	return session, nil
}

func (m *Manager) UpdateDisplayName(ctx context.Context, session *Session, name string) (*Session, error) {
	updated, err := m.provider.UpdateDisplayName(ctx, session, name)
	if err != nil {
		return nil, err
	}
	m.emit(ctx, Event{Kind: EventProfileUpdated, Session: updated})
	return updated, nil
}

func (m *Manager) ChangePassword(ctx context.Context, session *Session, current, next string) (*Session, error) {
	updated, err := m.provider.ChangePassword(ctx, session, current, next)
	if err != nil {
		return nil, err
	}
	m.emit(ctx, Event{Kind: EventProfileUpdated, Session: updated})
	return updated, nil
}

// SignOut always emits EventSignedOut for a non-nil session, even when the provider reports an error.
func (m *Manager) SignOut(ctx context.Context, session *Session) error {
	if session == nil {
		return nil
	}
	err := m.provider.SignOut(ctx, session)
	m.emit(ctx, Event{Kind: EventSignedOut, Session: session})
	return err
}

var _ Provider = (*Manager)(nil)
var _ Provider = (*FirebaseProvider)(nil)
