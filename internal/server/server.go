package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lazypower/feedcal/internal/engine"
	"github.com/lazypower/feedcal/internal/logger"
	"github.com/lazypower/feedcal/internal/store"
)

// Server is the feedcal HTTP API server.
type Server struct {
	db      *store.DB
	cal     *engine.Calibrator
	trust   *engine.TrustPolicies
	log     *logger.Logger
	router  chi.Router
	version string
	started time.Time
}

// New creates a Server over the given engines. db is used only for health.
func New(db *store.DB, cal *engine.Calibrator, trust *engine.TrustPolicies, log *logger.Logger, version string) *Server {
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{
		db:      db,
		cal:     cal,
		trust:   trust,
		log:     log,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/feedback", s.handleFeedback)
		r.Post("/sources/{sourceID}/shown", s.handleItemShown)

		r.Route("/owners/{ownerID}", func(r chi.Router) {
			r.Get("/calibrations", s.handleGetCalibrations)
			r.Post("/calibrations/{sourceID}/reset", s.handleResetCalibration)
			r.Post("/score", s.handleScore)
		})

		r.Route("/sources/{sourceID}", func(r chi.Router) {
			r.Get("/policies", s.handleListPolicies)
			r.Post("/policies", s.handleUpsertPolicies)
			r.Get("/policies/{handle}", s.handleGetPolicy)
			r.Put("/policies/{handle}/mode", s.handleUpdateMode)
			r.Post("/policies/{handle}/reset", s.handleResetPolicy)
			r.Post("/policies/{handle}/recompute", s.handleRecomputePolicy)
			r.Post("/recompute", s.handleRecomputeSource)
		})
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.PingContext(r.Context()); err != nil {
		dbOK = false
	}
	schema, _ := s.db.SchemaVersion()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"driver":  s.db.Driver,
		"schema":  schema,
	})
}
