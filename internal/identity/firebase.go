package identity

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

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"finitefield.org/ebookstore/internal/platform/config"
	"finitefield.org/ebookstore/internal/platform/requestctx"
)

const (
	defaultIdentityEndpoint = "https://identitytoolkit.googleapis.com/v1"
	defaultAdminTimeout     = 5 * time.Second
	defaultRequestTimeout   = 10 * time.Second
	federatedRequestURI     = "http://localhost"
)

// TokenVerifier validates ID tokens and revokes refresh tokens. The Firebase
// Admin SDK client satisfies it through AdminVerifier.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
	RevokeRefreshTokens(ctx context.Context, uid string) error
}

// AdminVerifier bounds Admin SDK calls with a timeout.
type AdminVerifier struct {
	client  *firebaseauth.Client
	timeout time.Duration
}

// NewAdminVerifier initialises the Firebase Admin SDK for the configured project.
func NewAdminVerifier(ctx context.Context, cfg config.FirebaseConfig) (*AdminVerifier, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("identity: firebase project id is required")
	}
	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase auth client: %w", err)
	}
	return &AdminVerifier{client: client, timeout: defaultAdminTimeout}, nil
}

func (v *AdminVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	return v.client.VerifyIDToken(ctx, idToken)
}

func (v *AdminVerifier) RevokeRefreshTokens(ctx context.Context, uid string) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	return v.client.RevokeRefreshTokens(ctx, uid)
}

// FirebaseProvider implements Provider with the Identity Toolkit REST API.
type FirebaseProvider struct {
	apiKey   string
	endpoint string
	http     *http.Client
	verifier TokenVerifier
	now      func() time.Time
}

// FirebaseOption customises a FirebaseProvider.
type FirebaseOption func(*FirebaseProvider)

// WithEndpoint points the provider at a different Identity Toolkit base URL (e.g. the emulator).
func WithEndpoint(endpoint string) FirebaseOption {
	return func(p *FirebaseProvider) {
		if endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/"); endpoint != "" {
			p.endpoint = endpoint
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) FirebaseOption {
	return func(p *FirebaseProvider) {
		if client != nil {
			p.http = client
		}
	}
}

// WithVerifier sets the verifier used to validate every returned ID token.
// Without one, responses from the REST API are trusted as-is.
func WithVerifier(v TokenVerifier) FirebaseOption {
	return func(p *FirebaseProvider) {
		p.verifier = v
	}
}

// NewFirebaseProvider builds a provider for the given web API key.
func NewFirebaseProvider(apiKey string, opts ...FirebaseOption) (*FirebaseProvider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("identity: firebase api key is required")
	}
	p := &FirebaseProvider{
		apiKey:   strings.TrimSpace(apiKey),
		endpoint: defaultIdentityEndpoint,
		http: &http.Client{
			Timeout:   defaultRequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		now: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

type authResponse struct {
	LocalID     string `json:"localId"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	FullName    string `json:"fullName"`
	IDToken     string `json:"idToken"`
	ExpiresIn   string `json:"expiresIn"`
}

func (p *FirebaseProvider) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	var resp authResponse
	err := p.call(ctx, "accounts:signInWithPassword", map[string]any{
		"email":             strings.TrimSpace(email),
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return p.session(ctx, resp)
}

func (p *FirebaseProvider) SignInWithGoogle(ctx context.Context, googleIDToken string) (*Session, error) {
	if strings.TrimSpace(googleIDToken) == "" {
		return nil, ErrInvalidCredentials
	}
	postBody := url.Values{}
	postBody.Set("id_token", googleIDToken)
	postBody.Set("providerId", "google.com")

	var resp authResponse
	err := p.call(ctx, "accounts:signInWithIdp", map[string]any{
		"postBody":            postBody.Encode(),
		"requestUri":          federatedRequestURI,
		"returnSecureToken":   true,
		"returnIdpCredential": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.DisplayName == "" {
		resp.DisplayName = resp.FullName
	}
	return p.session(ctx, resp)
}

func (p *FirebaseProvider) SignUp(ctx context.Context, email, password, displayName string) (*Session, error) {
	var resp authResponse
	err := p.call(ctx, "accounts:signUp", map[string]any{
		"email":             strings.TrimSpace(email),
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	session, err := p.session(ctx, resp)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(displayName)
	if name == "" {
		return session, nil
	}
	// The account exists at this point; a missing name can be set from the
	// profile page later.
	named, err := p.UpdateDisplayName(ctx, session, name)
	if err != nil {
		requestctx.Logger(ctx).Warn("identity: set display name after sign up failed", zap.String("user_id", session.UserID), zap.Error(err))
		return session, nil
	}
	return named, nil
}

func (p *FirebaseProvider) UpdateDisplayName(ctx context.Context, session *Session, name string) (*Session, error) {
	if session == nil || session.IDToken == "" {
		return nil, ErrNotSignedIn
	}
	var resp authResponse
	err := p.call(ctx, "accounts:update", map[string]any{
		"idToken":           session.IDToken,
		"displayName":       strings.TrimSpace(name),
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	updated := *session
	updated.DisplayName = strings.TrimSpace(name)
	if resp.IDToken != "" {
		updated.IDToken = resp.IDToken
		updated.ExpiresAt = p.expiry(resp.ExpiresIn)
	}
	return &updated, nil
}

func (p *FirebaseProvider) ChangePassword(ctx context.Context, session *Session, current, next string) (*Session, error) {
	if session == nil || session.Email == "" {
		return nil, ErrNotSignedIn
	}
	reauth, err := p.SignInWithPassword(ctx, session.Email, current)
	if err != nil {
		return nil, err
	}
	var resp authResponse
	err = p.call(ctx, "accounts:update", map[string]any{
		"idToken":           reauth.IDToken,
		"password":          next,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	updated := *reauth
	if resp.IDToken != "" {
		updated.IDToken = resp.IDToken
		updated.ExpiresAt = p.expiry(resp.ExpiresIn)
	}
	if updated.DisplayName == "" {
		updated.DisplayName = session.DisplayName
	}
	return &updated, nil
}

// SignOut revokes refresh tokens when a verifier is configured. Failures are
// logged; the local session is dropped regardless.
func (p *FirebaseProvider) SignOut(ctx context.Context, session *Session) error {
	if session == nil || p.verifier == nil {
		return nil
	}
	if err := p.verifier.RevokeRefreshTokens(ctx, session.UserID); err != nil {
		requestctx.Logger(ctx).Warn("identity: revoke refresh tokens failed", zap.String("user_id", session.UserID), zap.Error(err))
	}
	return nil
}

func (p *FirebaseProvider) session(ctx context.Context, resp authResponse) (*Session, error) {
	if resp.IDToken == "" || resp.LocalID == "" {
		return nil, errors.New("identity: provider response missing token")
	}
	session := &Session{
		UserID:      resp.LocalID,
		Email:       resp.Email,
		DisplayName: resp.DisplayName,
		IDToken:     resp.IDToken,
		ExpiresAt:   p.expiry(resp.ExpiresIn),
	}
	if p.verifier == nil {
		return session, nil
	}
	token, err := p.verifier.VerifyIDToken(ctx, resp.IDToken)
	if err != nil {
		return nil, fmt.Errorf("identity: verify id token: %w", err)
	}
	if token.UID != resp.LocalID {
		return nil, errors.New("identity: verified token subject mismatch")
	}
	if token.Expires > 0 {
		session.ExpiresAt = time.Unix(token.Expires, 0)
	}
	return session, nil
}

func (p *FirebaseProvider) expiry(expiresIn string) time.Time {
	seconds, err := strconv.Atoi(strings.TrimSpace(expiresIn))
	if err != nil || seconds <= 0 {
		seconds = 3600
	}
	return p.now().Add(time.Duration(seconds) * time.Second)
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *FirebaseProvider) call(ctx context.Context, method string, body any, out any) error {
	endpoint := fmt.Sprintf("%s/%s?key=%s", p.endpoint, method, url.QueryEscape(p.apiKey))
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("identity: encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("identity: build %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("identity: %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("identity: read %s: %w", method, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		_ = json.Unmarshal(data, &apiErr)
		return mapProviderError(method, resp.StatusCode, apiErr.Error.Message)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("identity: decode %s: %w", method, err)
	}
	return nil
}

// mapProviderError translates Identity Toolkit error codes. Messages look like
// "WEAK_PASSWORD : Password should be at least 6 characters".
func mapProviderError(method string, status int, message string) error {
	code, _, _ := strings.Cut(message, " ")
	switch strings.TrimSpace(code) {
	case "EMAIL_NOT_FOUND", "INVALID_PASSWORD", "INVALID_LOGIN_CREDENTIALS", "INVALID_EMAIL", "USER_DISABLED", "INVALID_IDP_RESPONSE", "MISSING_PASSWORD":
		return ErrInvalidCredentials
	case "EMAIL_EXISTS":
		return ErrEmailExists
	case "WEAK_PASSWORD":
		return ErrWeakPassword
	case "TOKEN_EXPIRED", "INVALID_ID_TOKEN", "CREDENTIAL_TOO_OLD_LOGIN_AGAIN", "USER_NOT_FOUND":
		return ErrTokenExpired
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return fmt.Errorf("identity: %s failed (%d): %s", method, status, message)
}
