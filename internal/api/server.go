// Package api is the HTTP surface of the Pod Orchestrator: thin chi
// handlers under /po that translate requests into composer, repository
// and cleanup calls.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/flame-hub/pod-orchestrator/internal/composer"
	"github.com/flame-hub/pod-orchestrator/internal/hub"
	"github.com/flame-hub/pod-orchestrator/internal/metrics"
	"github.com/flame-hub/pod-orchestrator/internal/repository"
)

// Launcher is the Composer surface the handlers need.
type Launcher interface {
	Launch(ctx context.Context, req composer.LaunchRequest) (repository.AnalysisGeneration, error)
	Teardown(ctx context.Context, gen repository.AnalysisGeneration, log *repository.GenerationLog, finalStatus repository.AnalysisStatus, deleteClient bool) error
}

// LogSource reads live container logs from the cluster.
type LogSource interface {
	GetLogs(ctx context.Context, name string, podIDs []string, namespace string) ([]string, error)
}

// StatusReporter is the Hub surface the handlers need.
type StatusReporter interface {
	ResolveNodeID(ctx context.Context) (string, error)
	ResolveAnalysisNodeID(ctx context.Context, analysisID, nodeID string) (string, error)
	UpdateRunStatus(ctx context.Context, nodeAnalysisID string, status repository.AnalysisStatus, progress *int) error
	PostLog(ctx context.Context, analysisID, nodeID string, level hub.LogLevel, status, message string) error
}

// Cleaner runs the cleanup scopes and the manual unstick.
type Cleaner interface {
	Run(ctx context.Context, cleanupType string) map[string]string
	Unstuck(ctx context.Context, analysisID string) error
}

// Server holds the handler dependencies and assembles the router.
type Server struct {
	repo      repository.Repository
	launcher  Launcher
	logs      LogSource
	hub       StatusReporter
	cleaner   Cleaner
	verifier  TokenVerifier
	namespace string
	alive     func() bool

	validate *validator.Validate
	log      zerolog.Logger
}

// NewServer constructs a Server. alive reports the supervisor's liveness
// and backs /healthz; nil means always alive.
func NewServer(repo repository.Repository, launcher Launcher, logs LogSource, hubClient StatusReporter, cleaner Cleaner, verifier TokenVerifier, namespace string, alive func() bool, log zerolog.Logger) *Server {
	if alive == nil {
		alive = func() bool { return true }
	}
	return &Server{
		repo:      repo,
		launcher:  launcher,
		logs:      logs,
		hub:       hubClient,
		cleaner:   cleaner,
		verifier:  verifier,
		namespace: namespace,
		alive:     alive,
		validate:  validator.New(),
		log:       log.With().Str("component", "api").Logger(),
	}
}

// Router assembles the /po route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	r.Use(s.instrument)

	r.Route("/po", func(r chi.Router) {
		r.Get("/healthz", s.handleHealthz)

		r.Group(func(r chi.Router) {
			r.Use(requireBearer(s.verifier))

			r.Post("/", s.handleCreate)
			r.Get("/history", s.handleHistory)
			r.Get("/history/{analysis_id}", s.handleHistory)
			r.Get("/logs", s.handleLogs)
			r.Get("/logs/{analysis_id}", s.handleLogs)
			r.Get("/status", s.handleStatus)
			r.Get("/status/{analysis_id}", s.handleStatus)
			r.Get("/pods", s.handlePods)
			r.Get("/pods/{analysis_id}", s.handlePods)
			r.Put("/stop", s.handleStop)
			r.Put("/stop/{analysis_id}", s.handleStop)
			r.Delete("/delete", s.handleDelete)
			r.Delete("/delete/{analysis_id}", s.handleDelete)
			r.Delete("/cleanup/unstuck/{analysis_id}", s.handleUnstuck)
			r.Delete("/cleanup/{cleanup_type}", s.handleCleanup)
			r.Post("/stream_logs", s.handleStreamLogs)
		})
	})

	return r
}

// instrument records per-route request counts and latencies.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		statusClass := strconv.Itoa(ww.Status()/100) + "xx"
		metrics.APIRequestsTotal.WithLabelValues(route, statusClass).Inc()
		metrics.APIRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
