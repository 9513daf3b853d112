// Package server exposes the memory engine over HTTP: CRUD, search and
// context packing, relations and chain traversal, trust assessment,
// consolidation, sessions, and history.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/engramlabs/engram/internal/consolidate"
	"github.com/engramlabs/engram/internal/engine"
	"github.com/engramlabs/engram/internal/graph"
	"github.com/engramlabs/engram/internal/otel"
	"github.com/engramlabs/engram/internal/search"
	"github.com/engramlabs/engram/internal/trust"
)

const defaultTimeout = 60 * time.Second

// Server holds all dependencies for the HTTP API.
type Server struct {
	router       *chi.Mux
	engine       *engine.Engine
	searcher     *search.Searcher
	graph        *graph.Graph
	scorer       *trust.Scorer
	consolidator *consolidate.Consolidator
	startTime    time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithConsolidator enables the consolidation endpoint.
func WithConsolidator(c *consolidate.Consolidator) Option {
	return func(s *Server) { s.consolidator = c }
}

// NewServer builds a Server over the assembled components.
func NewServer(eng *engine.Engine, searcher *search.Searcher, g *graph.Graph, scorer *trust.Scorer, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		engine:    eng,
		searcher:  searcher,
		graph:     g,
		scorer:    scorer,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the configured http.Handler.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.Middleware())
	r.Use(middleware.Timeout(defaultTimeout))

	r.Get("/health", s.handleHealth)

	r.Route("/v1/memories", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Post("/batch", s.handleGetBatch)
		r.Get("/", s.handleTimeline)
		r.Get("/search", s.handleSearch)
		r.Get("/context", s.handleContext)
		r.Post("/reembed", s.handleReembed)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Patch("/", s.handleUpdate)
			r.Delete("/", s.handleDelete)
			r.Post("/touch", s.handleTouch)
			r.Post("/verify", s.handleVerify)
			r.Get("/history", s.handleHistory)
			r.Get("/assess", s.handleAssess)
			r.Get("/relations", s.handleRelations)
			r.Get("/chain", s.handleChain)
		})
	})

	r.Post("/v1/relations", s.handleAddRelation)
	r.Patch("/v1/relations", s.handleUpdateStrength)

	r.Post("/v1/sessions/{id}/summary", s.handleSessionSummary)
	r.Get("/v1/sessions/{id}", s.handleSessionGet)

	r.Post("/v1/consolidate", s.handleConsolidate)

	return r
}
