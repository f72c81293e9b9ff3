package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/terra-clan/research-engine/internal/config"
	"github.com/terra-clan/research-engine/internal/health"
	"github.com/terra-clan/research-engine/internal/persistence"
	"github.com/terra-clan/research-engine/internal/session"
	"github.com/terra-clan/research-engine/internal/study"
	"github.com/terra-clan/research-engine/internal/submit"
)

const defaultFlushTimeout = 10 * time.Minute

// Services are the long-lived components the HTTP layer drives
type Services struct {
	Sessions    *session.Manager
	Hub         *session.Hub
	Recorder    *submit.Recorder
	Persistence *persistence.Service
	Studies     *study.Loader
	Health      *health.Registry
}

// Server represents the HTTP API server
type Server struct {
	config         config.ServerConfig
	router         *chi.Mux
	sessions       *session.Manager
	hub            *session.Hub
	recorder       *submit.Recorder
	store          *persistence.Service
	studies        *study.Loader
	health         *health.Registry
	authMiddleware *AuthMiddleware
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, svc Services) *Server {
	if svc.Health == nil {
		svc.Health = health.NewRegistry()
	}

	s := &Server{
		config:         cfg,
		sessions:       svc.Sessions,
		hub:            svc.Hub,
		recorder:       svc.Recorder,
		store:          svc.Persistence,
		studies:        svc.Studies,
		health:         svc.Health,
		authMiddleware: NewAuthMiddleware(svc.Persistence.Repository()),
	}
	s.setupRouter()
	return s
}

// Router returns the configured router
func (s *Server) Router() http.Handler {
	return s.router
}

// setupRouter configures all routes and middleware
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	timeout := middleware.Timeout(60 * time.Second)

	flushTimeout := s.config.FlushTimeout
	if flushTimeout <= 0 {
		flushTimeout = defaultFlushTimeout
	}

	// Health check (outside versioned API)
	r.With(timeout).Get("/health", s.handleHealth)
	r.With(timeout).Get("/ready", s.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		// Long-lived websocket, outside the request timeout
		r.Get("/sessions/{id}/stream", s.handleSessionStream)

		// A manual flush walks every chunk with backoff and outlives the request timeout
		r.With(middleware.Timeout(flushTimeout)).Post("/sessions/{id}/flush", s.handleFlush)

		r.Group(func(r chi.Router) {
			r.Use(timeout)

			r.Get("/study", s.handleGetStudy)

			r.Post("/participants", s.handleCreateParticipant)
			r.Post("/demographics", s.handleSaveDemographic)
			r.Post("/questionnaires", s.handleSaveQuestionnaire)
			r.Post("/results", s.handleSaveResults)

			// Sessions
			r.Post("/sessions", s.handleCreateSession)
			r.Get("/sessions/{id}", s.handleGetSession)
			r.Post("/sessions/{id}/select", s.handleSelect)
			r.Post("/sessions/{id}/deselect", s.handleDeselect)
			r.Post("/sessions/{id}/acknowledge", s.handleAcknowledge)
			r.Post("/sessions/{id}/advance", s.handleAdvance)
			r.Post("/sessions/{id}/reset", s.handleReset)
			r.Get("/sessions/{id}/submission", s.handleSubmissionStatus)

			// Admin API (protected by API key)
			r.Route("/admin", func(r chi.Router) {
				r.Use(s.authMiddleware.Authenticate)

				r.With(s.authMiddleware.RequirePermission("diagnostics:read")).Get("/diagnostics", s.handleDiagnostics)

				r.With(s.authMiddleware.RequirePermission("participants:read")).Get("/participants/{id}", s.handleAdminGetParticipant)
				r.With(s.authMiddleware.RequirePermission("participants:read")).Get("/participants/{id}/demographic", s.handleAdminGetDemographic)
				r.With(s.authMiddleware.RequirePermission("participants:read")).Get("/participants/{id}/questionnaire", s.handleAdminGetQuestionnaire)
				r.With(s.authMiddleware.RequirePermission("results:read")).Get("/participants/{id}/results", s.handleAdminListResults)
			})
		})
	})

	s.router = r
}

// loggingMiddleware logs HTTP requests using slog
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			slog.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
				"remote_addr", r.RemoteAddr,
			)
		}()

		next.ServeHTTP(ww, r)
	})
}
