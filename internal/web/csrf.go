package web

import (
	"crypto/subtle"
	"net/http"

	"finitefield.org/ebookstore/internal/platform/httpx"
)

const (
	csrfHeader    = "X-CSRF-Token"
	csrfFormField = "csrf_token"
)

// CSRF verifies that modifying requests echo the session's token, either in
// the X-CSRF-Token header (scripts) or the csrf_token form field (forms).
func CSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isSafeMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		token := SessionFrom(r.Context()).CSRFToken
		got := r.Header.Get(csrfHeader)
		if got == "" {
			got = r.PostFormValue(csrfFormField)
		}
		if token == "" || got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			if httpx.WantsJSON(r) {
				httpx.WriteError(r.Context(), w, httpx.NewError("invalid_csrf_token", "invalid CSRF token", http.StatusForbidden))
				return
			}
			http.Error(w, "invalid CSRF token", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isSafeMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
