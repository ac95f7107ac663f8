package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"shelfplay/internal/auth"
	"shelfplay/internal/geoip"
	"shelfplay/internal/notifier"
	"shelfplay/internal/session"
	"shelfplay/internal/store"
)

type Server struct {
	router chi.Router
	store  *store.Store

	manager *session.Manager
	hub     *notifier.Hub
	auth    *auth.Service

	geoResolver *geoip.Resolver
	streamsRoot string
	corsOrigin  string

	// lifetime outlives individual requests; transcodes are bound to it.
	lifetime context.Context
}

type Option func(*Server)

func WithCORSOrigin(origin string) Option {
	return func(s *Server) { s.corsOrigin = origin }
}

func WithGeoResolver(r *geoip.Resolver) Option {
	return func(s *Server) { s.geoResolver = r }
}

func WithStreamsRoot(dir string) Option {
	return func(s *Server) { s.streamsRoot = dir }
}

func WithLifetime(ctx context.Context) Option {
	return func(s *Server) { s.lifetime = ctx }
}

func NewServer(st *store.Store, mgr *session.Manager, hub *notifier.Hub, authSvc *auth.Service, opts ...Option) *Server {
	srv := &Server{
		router:   chi.NewRouter(),
		store:    st,
		manager:  mgr,
		hub:      hub,
		auth:     authSvc,
		lifetime: context.Background(),
	}
	for _, o := range opts {
		o(srv)
	}
	srv.router.Use(middleware.Logger)
	srv.router.Use(middleware.Recoverer)
	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.router.Get("/api/health", s.handleHealth)
	s.router.Post("/api/login", s.handleLogin)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(limitBody)
		r.Use(corsMiddleware(s.corsOrigin))
		r.Use(s.requireUser)

		r.Get("/me", s.handleMe)
		r.Get("/me/sessions", s.handleListOwnSessions)
		r.Get("/events", s.handleEvents)

		r.Post("/items/{id}/play", s.handlePlay)
		r.Post("/items/{id}/play/{episodeID}", s.handlePlay)
		r.Get("/items/{id}/file/{index}", s.handleItemFile)

		r.Post("/session/{id}/sync", s.handleSync)
		r.Post("/session/{id}/close", s.handleClose)

		// Offline clients retry aggressively when they come back online.
		r.With(httprate.Limit(30, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))).
			Post("/session/local", s.handleLocalSync)

		r.Group(func(ar chi.Router) {
			ar.Use(s.requireAdmin)
			ar.Get("/sessions", s.handleListSessions)
			ar.Post("/items", s.handleUpsertItem)
			ar.Post("/users", s.handleCreateUser)
		})
	})

	if s.streamsRoot != "" {
		fs := http.StripPrefix("/hls/", http.FileServer(http.Dir(s.streamsRoot)))
		s.router.With(s.requireUser).Get("/hls/*", fs.ServeHTTP)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
