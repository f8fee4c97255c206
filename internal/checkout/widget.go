package checkout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	guestName         = "Guest User"
	maxScriptBytes    = 2 << 20
	defaultScriptWait = 20 * time.Second
)

// WidgetOptions is handed to the gateway widget in the browser.
type WidgetOptions struct {
	Key         string  `json:"key"`
	Amount      int64   `json:"amount"`
	Currency    string  `json:"currency"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	OrderID     string  `json:"order_id"`
	Prefill     Prefill `json:"prefill"`
	Theme       Theme   `json:"theme"`
}

type Prefill struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Theme struct {
	Color string `json:"color"`
}

// ScriptLoader fetches the gateway script once per process. A successful
// fetch is cached for the life of the process; a failed fetch is retried by
// the next caller.
type ScriptLoader struct {
	url  string
	http *http.Client
	// sem serialises fetches while letting waiters honour their context.
	sem  chan struct{}
	body []byte
}

// NewScriptLoader builds a loader for scriptURL. client may be nil.
func NewScriptLoader(scriptURL string, client *http.Client) *ScriptLoader {
	if client == nil {
		client = &http.Client{
			Timeout:   defaultScriptWait,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &ScriptLoader{
		url:  strings.TrimSpace(scriptURL),
		http: client,
		sem:  make(chan struct{}, 1),
	}
}

// Load ensures the script has been fetched.
func (l *ScriptLoader) Load(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.sem }()

	if l.body != nil {
		return nil
	}
	if l.url == "" {
		return errors.New("gateway script url is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.url, nil)
	if err != nil {
		return err
	}
	resp, err := l.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("gateway script status %d: %s", resp.StatusCode, drainError(resp.Body))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxScriptBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return errors.New("gateway script is empty")
	}
	l.body = body
	return nil
}

// Bytes returns the cached script, or false before the first successful Load.
func (l *ScriptLoader) Bytes() ([]byte, bool) {
	l.sem <- struct{}{}
	defer func() { <-l.sem }()
	return l.body, l.body != nil
}

// URL is the upstream script location.
func (l *ScriptLoader) URL() string { return l.url }
