// Package server wires the HTTP surface: middleware, the login route and the
// catch-all 404 envelope.
package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ayush/mlportal-service/internal/middleware"
	"github.com/ayush/mlportal-service/internal/response"
)

type Options struct {
	BasePath       string
	AllowedOrigins []string
	Development    bool
}

// NewRouter exposes POST {BasePath}/login; every other path or method gets
// the 404 envelope. Paths match case-insensitively and a trailing slash is
// ignored.
func NewRouter(login http.HandlerFunc, log *zap.Logger, opts Options) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.FoldPath)
	r.Use(chimw.StripSlashes)
	r.Use(middleware.RequestLogger(log))
	r.Use(chimw.Recoverer)
	r.Use(middleware.SecureHeaders(opts.Development))
	r.Use(chimw.Compress(5))
	r.Use(middleware.CORS(opts.AllowedOrigins))

	r.Post(strings.ToLower(opts.BasePath)+"/login", login)

	notFound := notFoundHandler(log)
	r.NotFound(notFound)
	r.MethodNotAllowed(notFound)

	return r
}

func notFoundHandler(log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log.Error(response.Message(response.MsgNotFound)+" "+r.URL.Path,
			zap.String("method", r.Method),
			zap.String("occurred", "[server.NotFound]"),
		)
		response.Write(w, response.New(response.CodeNotFound, response.MsgNotFound))
	}
}
