package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"finitefield.org/ebookstore/internal/identity"
	"finitefield.org/ebookstore/internal/platform/requestctx"
)

const (
	sessionCookieName = "storefront_session"
	sessionIssuer     = "storefront"
)

type ctxKey string

const ctxKeySession ctxKey = "session"

// SessionState is the per-browser state carried in the signed session cookie.
// BrowserID keys favorites and the checkout surface; the user fields are set
// while signed in.
type SessionState struct {
	BrowserID   string
	CSRFToken   string
	UserID      string
	Email       string
	DisplayName string
	IDToken     string
	TokenExpiry time.Time
	IssuedAt    time.Time
}

// Identity returns the signed-in session or nil for guests.
func (s *SessionState) Identity() *identity.Session {
	if s == nil || s.UserID == "" {
		return nil
	}
	return &identity.Session{
		UserID:      s.UserID,
		Email:       s.Email,
		DisplayName: s.DisplayName,
		IDToken:     s.IDToken,
		ExpiresAt:   s.TokenExpiry,
	}
}

// SignIn records session and rotates the CSRF token.
func (s *SessionState) SignIn(session *identity.Session) {
	if session == nil {
		return
	}
	s.UserID = session.UserID
	s.Email = session.Email
	s.DisplayName = session.DisplayName
	s.IDToken = session.IDToken
	s.TokenExpiry = session.ExpiresAt
	s.CSRFToken = newCSRFToken()
}

// SignOut clears the user fields, keeping the browser id.
func (s *SessionState) SignOut() {
	s.UserID = ""
	s.Email = ""
	s.DisplayName = ""
	s.IDToken = ""
	s.TokenExpiry = time.Time{}
	s.CSRFToken = newCSRFToken()
}

type sessionClaims struct {
	jwt.RegisteredClaims
	Browser     string `json:"bid"`
	CSRF        string `json:"csrf"`
	Email       string `json:"email,omitempty"`
	Name        string `json:"name,omitempty"`
	IDToken     string `json:"idt,omitempty"`
	TokenExpiry int64  `json:"idtexp,omitempty"`
}

// SessionManager signs and verifies the session cookie (HS256 JWT).
type SessionManager struct {
	key    []byte
	ttl    time.Duration
	secure bool
	now    func() time.Time
}

// NewSessionManager builds a manager. key must be at least 16 bytes.
func NewSessionManager(key string, ttl time.Duration, secure bool) (*SessionManager, error) {
	if len(strings.TrimSpace(key)) < 16 {
		return nil, errors.New("web: session signing key must be at least 16 bytes")
	}
	if ttl <= 0 {
		ttl = 14 * 24 * time.Hour
	}
	return &SessionManager{key: []byte(key), ttl: ttl, secure: secure, now: time.Now}, nil
}

// Middleware loads the session (or starts a new one) and stores it in the
// request context. New sessions are written before the handler runs.
func (m *SessionManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state, err := m.read(r)
		if err != nil {
			state = m.newState()
			if saveErr := m.Save(w, state); saveErr != nil {
				requestctx.Logger(r.Context()).Error("session: write cookie failed", zap.Error(saveErr))
			}
		}
		ctx := context.WithValue(r.Context(), ctxKeySession, state)
		ctx = requestctx.WithBrowserID(ctx, state.BrowserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Save writes state as the session cookie. Call before the response body.
func (m *SessionManager) Save(w http.ResponseWriter, state *SessionState) error {
	value, err := m.encode(state)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  m.now().Add(m.ttl),
	})
	return nil
}

func (m *SessionManager) newState() *SessionState {
	return &SessionState{
		BrowserID: ulid.Make().String(),
		CSRFToken: newCSRFToken(),
		IssuedAt:  m.now().UTC(),
	}
}

func (m *SessionManager) read(r *http.Request) (*SessionState, error) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil || c.Value == "" {
		return nil, errors.New("session: no cookie")
	}
	return m.decode(c.Value)
}

func (m *SessionManager) encode(state *SessionState) (string, error) {
	now := m.now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   state.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		Browser: state.BrowserID,
		CSRF:    state.CSRFToken,
		Email:   state.Email,
		Name:    state.DisplayName,
		IDToken: state.IDToken,
	}
	if !state.TokenExpiry.IsZero() {
		claims.TokenExpiry = state.TokenExpiry.Unix()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("session: sign: %w", err)
	}
	return signed, nil
}

func (m *SessionManager) decode(value string) (*SessionState, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(value, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.key, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("session: invalid cookie: %w", err)
	}
	if claims.Issuer != sessionIssuer || claims.Browser == "" || claims.CSRF == "" {
		return nil, errors.New("session: incomplete claims")
	}
	state := &SessionState{
		BrowserID:   claims.Browser,
		CSRFToken:   claims.CSRF,
		UserID:      claims.Subject,
		Email:       claims.Email,
		DisplayName: claims.Name,
		IDToken:     claims.IDToken,
	}
	if claims.IssuedAt != nil {
		state.IssuedAt = claims.IssuedAt.Time
	}
	if claims.TokenExpiry > 0 {
		state.TokenExpiry = time.Unix(claims.TokenExpiry, 0).UTC()
	}
	return state, nil
}

// SessionFrom returns the request's session. It is never nil inside the
// session middleware.
func SessionFrom(ctx context.Context) *SessionState {
	if s, ok := ctx.Value(ctxKeySession).(*SessionState); ok && s != nil {
		return s
	}
	return &SessionState{}
}

func userIDFromRequest(r *http.Request) string {
	return SessionFrom(r.Context()).UserID
}

func newCSRFToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
