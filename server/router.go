package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the auth and user-management endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(SecurityHeadersMiddleware)

	r.Get("/", a.handleIndex)
	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())

	r.Route("/api/auth", func(r chi.Router) {
		r.With(a.LoginLimiter.Middleware).Post("/login", a.handleLogin)
		r.Post("/logout", a.handleLogout)
		r.Get("/authorize", a.handleAuthorize)
		r.Get("/callback", a.handleCallback)
		r.Get("/session", a.handleSession)
		r.Post("/handoff", a.handleHandoff)
		r.Get("/end-session", a.handleEndSession)
	})

	r.Route("/api/users", func(r chi.Router) {
		r.Get("/", a.handleListUsers)
		r.Get("/search", a.handleSearchUsers)
		r.Get("/{id}", a.handleGetUser)
		r.Get("/{id}/groups", a.handleUserGroups)
		r.Get("/{id}/roles", a.handleUserRoles)
	})

	return r
}
