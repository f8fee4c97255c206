// Package identity signs users in against Firebase and broadcasts session changes.
package identity

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrInvalidCredentials covers unknown emails and wrong passwords alike.
	ErrInvalidCredentials = errors.New("identity: invalid email or password")
	// ErrEmailExists is returned when signing up with a registered email.
	ErrEmailExists = errors.New("identity: email already registered")
	// ErrWeakPassword is returned when the provider rejects the password strength.
	ErrWeakPassword = errors.New("identity: password is too weak")
	// ErrTokenExpired means the session must be re-established by signing in again.
	ErrTokenExpired = errors.New("identity: session expired, sign in again")
	// ErrNotSignedIn is returned by operations that need a session.
	ErrNotSignedIn = errors.New("identity: not signed in")
)

// Session is the signed-in user. A nil *Session means anonymous.
type Session struct {
	UserID      string
	Email       string
	DisplayName string
	// IDToken authorises profile updates with the provider.
	IDToken   string
	ExpiresAt time.Time
}

// Name is the display name, falling back to the local part of the email.
func (s *Session) Name() string {
	if s == nil {
		return ""
	}
	if name := strings.TrimSpace(s.DisplayName); name != "" {
		return name
	}
	local, _, _ := strings.Cut(s.Email, "@")
	return local
}

// Provider is the identity backend contract.
type Provider interface {
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	// SignInWithGoogle exchanges a Google ID token obtained by the browser.
	SignInWithGoogle(ctx context.Context, googleIDToken string) (*Session, error)
	SignUp(ctx context.Context, email, password, displayName string) (*Session, error)
	UpdateDisplayName(ctx context.Context, session *Session, name string) (*Session, error)
	// ChangePassword re-authenticates with current before setting next.
	ChangePassword(ctx context.Context, session *Session, current, next string) (*Session, error)
	SignOut(ctx context.Context, session *Session) error
}
