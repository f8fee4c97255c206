package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	session *Session
	err     error
}

func (s stubProvider) SignInWithPassword(context.Context, string, string) (*Session, error) {
	return s.session, s.err
}
func (s stubProvider) SignInWithGoogle(context.Context, string) (*Session, error) {
	return s.session, s.err
}
func (s stubProvider) SignUp(context.Context, string, string, string) (*Session, error) {
	return s.session, s.err
}
func (s stubProvider) UpdateDisplayName(context.Context, *Session, string) (*Session, error) {
	return s.session, s.err
}
func (s stubProvider) ChangePassword(context.Context, *Session, string, string) (*Session, error) {
	return s.session, s.err
}
func (s stubProvider) SignOut(context.Context, *Session) error { return s.err }

func TestManagerEmitsLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	session := &Session{UserID: "u1", Email: "u1@example.com"}
	m, err := NewManager(stubProvider{session: session})
	require.NoError(t, err)

	var got []EventKind
	unsubscribe := m.Subscribe(func(_ context.Context, e Event) {
		require.Same(t, session, e.Session)
		got = append(got, e.Kind)
	})

	_, err = m.SignUp(ctx, "u1@example.com", "pw", "U")
	require.NoError(t, err)
	_, err = m.SignInWithPassword(ctx, "u1@example.com", "pw")
	require.NoError(t, err)
	_, err = m.UpdateDisplayName(ctx, session, "New")
	require.NoError(t, err)
	require.NoError(t, m.SignOut(ctx, session))

	require.Equal(t, []EventKind{EventAccountCreated, EventSignedIn, EventProfileUpdated, EventSignedOut}, got)

	unsubscribe()
	unsubscribe()
	_, err = m.SignInWithGoogle(ctx, "t")
	require.NoError(t, err)
	require.Len(t, got, 4)
}

func TestManagerDoesNotEmitOnFailure(t *testing.T) {
	m, err := NewManager(stubProvider{err: ErrInvalidCredentials})
	require.NoError(t, err)
	called := false
	m.Subscribe(func(context.Context, Event) { called = true })

	_, err = m.SignInWithPassword(context.Background(), "a", "b")
	require.True(t, errors.Is(err, ErrInvalidCredentials))
	require.False(t, called)

	require.NoError(t, m.SignOut(context.Background(), nil))
	require.False(t, called)
}

func TestSessionName(t *testing.T) {
	var nilSession *Session
	require.Equal(t, "", nilSession.Name())
	require.Equal(t, "Ann", (&Session{DisplayName: " Ann ", Email: "a@b"}).Name())
	require.Equal(t, "reader", (&Session{Email: "reader@example.com"}).Name())
}
