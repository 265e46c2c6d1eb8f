package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/savegress/spendguard/internal/alerts"
	"github.com/savegress/spendguard/internal/detection"
)

// Server represents the API server
type Server struct {
	router   chi.Router
	handlers *Handlers
}

// NewServer creates a new API server
func NewServer(engine *detection.Engine, manager *alerts.Manager) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		handlers: NewHandlers(engine, manager),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handlers.HealthCheck)

	s.router.Route("/api/v1/spendguard", func(r chi.Router) {
		// Detection
		r.Post("/check", s.handlers.CheckRecord)
		r.Post("/check/bulk", s.handlers.BulkCheck)
		r.Post("/users/{id}/analyze", s.handlers.AnalyzeUser)

		// Alerts
		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.handlers.ListAlerts)
			r.Get("/stats", s.handlers.GetAlertStats)
			r.Get("/{id}", s.handlers.GetAlert)
			r.Post("/{id}/review", s.handlers.ReviewAlert)
		})

		// Settings
		r.Get("/settings", s.handlers.GetSettings)
		r.Put("/settings", s.handlers.UpdateSettings)
	})
}

// Router returns the chi router
func (s *Server) Router() http.Handler {
	return s.router
}
