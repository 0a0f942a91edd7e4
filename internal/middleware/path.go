package middleware

import (
	"net/http"
	"strings"
)

// FoldPath lower-cases the request path so routes match regardless of case.
// Routes must be registered in lower case.
func FoldPath(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.URL.Path = strings.ToLower(r.URL.Path)
		if r.URL.RawPath != "" {
			r.URL.RawPath = strings.ToLower(r.URL.RawPath)
		}
		next.ServeHTTP(w, r)
	})
}
