package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/lazypower/lethe/internal/engine"
	"github.com/lazypower/lethe/internal/metrics"
	"github.com/lazypower/lethe/internal/store"
)

// Server is the lethe HTTP API server. It owns one engine and serialises
// every call into it.
type Server struct {
	mu         sync.Mutex
	engine     *engine.Engine
	policyText string

	profile engine.Profile
	topk    int
	clock   func() time.Time
	db      *store.DB
	metrics *metrics.Manager
	logger  *slog.Logger
	limiter *rate.Limiter

	router  chi.Router
	version string
	started time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithProfile selects the engine profile.
func WithProfile(p engine.Profile) Option {
	return func(s *Server) { s.profile = p }
}

// WithTopK sets the result count for requests that carry none. Zero
// defers to the policy's topk.
func WithTopK(n int) Option {
	return func(s *Server) { s.topk = n }
}

// WithStore enables run history.
func WithStore(db *store.DB) Option {
	return func(s *Server) { s.db = db }
}

// WithMetrics instruments the router and serves /metrics.
func WithMetrics(m *metrics.Manager) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger for requests and engine events.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRateLimit caps request throughput. A non-positive limit disables it.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond <= 0 {
			s.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithClock replaces the engine clock.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New builds a server around policyText.
func New(policyText, version string, opts ...Option) *Server {
	s := &Server{
		profile: engine.ProfileSimple,
		clock:   time.Now,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		version: version,
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = s.newEngine(policyText)
	s.policyText = policyText
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) newEngine(text string) *engine.Engine {
	return engine.New(text,
		engine.WithProfile(s.profile),
		engine.WithClock(s.clock),
		engine.WithLogger(s.logger))
}

// SetPolicy replaces the engine with one built from text. The audit log
// restarts with the new policy's parser entries, which are returned.
func (s *Server) SetPolicy(text, source string) *engine.Engine {
	e := s.newEngine(text)

	s.mu.Lock()
	s.engine = e
	s.policyText = text
	s.mu.Unlock()

	s.metrics.RecordPolicyReload(source)
	s.logger.Info("server: policy replaced", "source", source, "rules", len(e.Policy().Rules()))
	return e
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	if s.metrics != nil {
		r.Use(s.instrument)
	}
	if s.limiter != nil {
		r.Use(s.rateLimit)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/policy", s.handleGetPolicy)
		r.Put("/policy", s.handlePutPolicy)

		r.Post("/apply", s.handleApply)
		r.Post("/retrieve", s.handleRetrieve)
		r.Post("/decay", s.handleDecay)

		r.Get("/audit", s.handleGetAudit)
		r.Delete("/audit", s.handleDrainAudit)

		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Delete("/runs/{runID}", s.handleDeleteRun)
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := false
	dbPath := ""
	if s.db != nil {
		dbOK = s.db.Ping() == nil
		dbPath = s.db.Path
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"profile": s.profile,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": dbPath,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
