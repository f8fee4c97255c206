package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"finitefield.org/ebookstore/internal/platform/requestctx"
)

func TestRequestLoggerMiddlewareLogsCompletion(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	r := chi.NewRouter()
	r.Use(InjectLoggerMiddleware(logger))
	r.Use(RequestLoggerMiddleware(func(*http.Request) string { return "user-1" }))
	r.Get("/library/{id}", func(w http.ResponseWriter, r *http.Request) {
		requestctx.Logger(r.Context()).Info("inside handler")
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/library/disc1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	completed := logs.FilterMessage("request completed").All()
	if len(completed) != 1 {
		t.Fatalf("expected one completion entry, got %d", len(completed))
	}
	entry := completed[0]
	if entry.Level != zapcore.WarnLevel {
		t.Errorf("expected warn level for 4xx, got %s", entry.Level)
	}
	ctx := entry.ContextMap()
	if ctx["user_id"] != "user-1" {
		t.Errorf("expected user_id field, got %v", ctx["user_id"])
	}
	if ctx["route"] != "/library/{id}" {
		t.Errorf("expected route pattern, got %v", ctx["route"])
	}
	if ctx["status"] != int64(http.StatusTeapot) {
		t.Errorf("expected status field, got %v", ctx["status"])
	}

	inside := logs.FilterMessage("inside handler").All()
	if len(inside) != 1 || inside[0].ContextMap()["user_id"] != "user-1" {
		t.Fatalf("expected handler logger to carry request fields: %+v", inside)
	}
}

func TestSanitizeMethod(t *testing.T) {
	cases := map[string]string{
		"get":   http.MethodGet,
		" POST": http.MethodPost,
		"BREW":  "OTHER",
		"":      "UNKNOWN",
	}
	for in, want := range cases {
		if got := SanitizeMethod(in); got != want {
			t.Errorf("SanitizeMethod(%q) = %q, want %q", in, got, want)
		}
	}
}
