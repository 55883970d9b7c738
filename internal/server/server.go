package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lazypower/mnemo/internal/engine"
)

// Options configure a Server.
type Options struct {
	Logger *zap.Logger
	// Gatherer backs GET /metrics. nil serves the default registry.
	Gatherer prometheus.Gatherer
	// ShareRate limits share requests per second. 0 is unlimited.
	ShareRate  float64
	ShareBurst int
}

// Server is the mnemo HTTP API server.
type Server struct {
	engine  *engine.Engine
	router  chi.Router
	version string
	started time.Time
	log     *zap.Logger
	shares  *rate.Limiter
	metrics http.Handler
}

// New creates a Server over the engine.
func New(e *engine.Engine, version string, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	limit := rate.Inf
	if opts.ShareRate > 0 {
		limit = rate.Limit(opts.ShareRate)
	}
	burst := opts.ShareBurst
	if burst < 1 {
		burst = 1
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		engine:  e,
		version: version,
		started: time.Now(),
		log:     log,
		shares:  rate.NewLimiter(limit, burst),
		metrics: promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
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
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)

		r.Post("/interactions", s.handleStoreInteraction)
		r.Get("/records/{id}", s.handleGetRecord)
		r.Post("/records/{id}/access", s.handleRecordAccess)
		r.Post("/retrieve", s.handleRetrieve)

		r.Post("/consolidate", s.handleConsolidate)
		r.Get("/consolidate/runs", s.handleListRuns)

		r.Post("/patterns/discover", s.handleDiscover)
		r.Get("/patterns", s.handleListPatterns)
		r.Post("/patterns/{id}/votes", s.handleVote)
		r.Post("/patterns/share", s.handleShare)

		r.Post("/privacy/sessions", s.handleStartSession)
		r.Get("/privacy/budget", s.handleBudget)

		r.Get("/associations/{concept}", s.handleAssociations)
		r.Get("/associations/{concept}/traverse", s.handleTraverse)
	})
	r.Method(http.MethodGet, "/metrics", s.metrics)

	s.router = r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("server: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Duration("took", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.engine.DB.PingContext(r.Context()); err != nil {
		dbOK = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.engine.DB.Path,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
