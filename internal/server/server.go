// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/omniplexity/omniai/internal/auth"
	"github.com/omniplexity/omniai/internal/chat"
	"github.com/omniplexity/omniai/internal/generation"
	"github.com/omniplexity/omniai/internal/metrics"
	"github.com/omniplexity/omniai/internal/observability"
	obsmw "github.com/omniplexity/omniai/internal/observability/middleware"
	"github.com/omniplexity/omniai/internal/provider"
	"github.com/omniplexity/omniai/internal/quota"
	"github.com/omniplexity/omniai/internal/ratelimit"
	"github.com/omniplexity/omniai/internal/store"
)

// Canceler cancels a generation owned by userID, wherever it streams.
type Canceler interface {
	Cancel(ctx context.Context, generationID string, userID int64) (bool, error)
}

// Limits are the per-minute request budgets checked before a chat turn.
type Limits struct {
	IPPerMinute   int
	UserPerMinute int
}

// Deps are the collaborators the handlers need. Metrics may be nil.
type Deps struct {
	Store    *store.Store
	Registry *provider.Registry
	Manager  *generation.Manager
	Chat     *chat.Service
	Quota    *quota.Service
	Limiter  ratelimit.Limiter
	Limits   Limits
	Canceler Canceler
	Auth     *auth.Issuer
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	MaxRequestBytes int64
}

// Server holds the HTTP router and everything the handlers need.
type Server struct {
	Deps
	router   chi.Router
	validate *validator.Validate
}

// New creates a Server with routes and middleware wired, ready to use as
// an http.Handler.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &Server{
		Deps:     d,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()

	// Request id first so every log line for the request carries it; trace
	// context and propagation sit inside Logging so their attrs land on the
	// request log.
	r.Use(middleware.RealIP)
	r.Use(obsmw.RequestIDGeneration)
	r.Use(obsmw.Logging(s.Logger))
	r.Use(obsmw.RequestIDPropagation)
	r.Use(obsmw.TraceContextExtraction)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.Auth, writeError))
		r.Use(userLogAttrs)
		if s.MaxRequestBytes > 0 {
			r.Use(middleware.RequestSize(s.MaxRequestBytes))
		}

		r.Route("/providers", func(r chi.Router) {
			r.Get("/", s.handleListProviders)
			r.Get("/{id}/models", s.handleProviderModels)
			r.Get("/{id}/health", s.handleProviderHealth)
		})

		r.Route("/chat", func(r chi.Router) {
			r.Post("/stream", s.handleChatStream)
			r.Post("/cancel/{generation_id}", s.handleCancel)
			r.Get("/active", s.handleActive)
		})

		r.Get("/conversations", s.handleListConversations)
		r.Get("/conversations/{id}/messages", s.handleListMessages)
		r.Put("/me/defaults", s.handlePutDefaults)
		r.Post("/projects", s.handleCreateProject)
	})

	s.router = r
}

// userLogAttrs tags the request log, and every record logged under the
// request context, with the authenticated user.
func userLogAttrs(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.FromContext(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		attr := slog.Int64("user_id", id.UserID)
		obsmw.SetLogAttrs(r.Context(), attr)
		next.ServeHTTP(w, r.WithContext(observability.WithLogAttrs(r.Context(), attr)))
	})
}

// ServeHTTP delegates to the chi router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
