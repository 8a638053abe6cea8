// Package server exposes the core over two thin surfaces: a Resource API
// (HTTP/JSON) and a Tool API (JSON-RPC 2.0). Handlers validate, call the
// core, and translate errors; business logic lives below this layer.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"corpusd/internal/config"
	"corpusd/internal/indexer"
	"corpusd/internal/jobs"
	"corpusd/internal/logging"
	"corpusd/internal/retrieval"
	"corpusd/internal/store"
	"corpusd/internal/types"
)

// HealthChecker reports embedding backend reachability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HookRegistrar lets the server hand newly enabled hooks to a live watcher.
type HookRegistrar interface {
	AddHook(types.Hook) error
}

// Server wires the HTTP surfaces over the core.
type Server struct {
	cfg     config.Config
	store   *store.Store
	engine  *retrieval.Engine
	queue   *jobs.Queue
	indexer *indexer.Indexer
	health  HealthChecker // optional
	watcher HookRegistrar // optional

	metrics *metrics
}

// New builds a server. health and watcher may be nil.
func New(cfg config.Config, st *store.Store, engine *retrieval.Engine, queue *jobs.Queue, ix *indexer.Indexer, health HealthChecker, watcher HookRegistrar) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		engine:  engine,
		queue:   queue,
		indexer: ix,
		health:  health,
		watcher: watcher,
		metrics: newMetrics(),
	}
}

// Router assembles the chi mux.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.middleware)

	r.Route("/api", func(r chi.Router) {
		r.Post("/kb", s.handleCreateKB)
		r.Get("/kb", s.handleListKBs)
		r.Route("/kb/{name}", func(r chi.Router) {
			r.Delete("/", s.handleDeleteKB)
			r.Get("/stats", s.handleKBStats)
			r.Post("/upload", s.handleUpload)
			r.Post("/import", s.handleImport)
			r.Post("/embed-pending", s.handleEmbedPending)
			r.Post("/reindex-file", s.handleReindexFile)
			r.Post("/index-structural", s.handleIndexStructural)
			r.Post("/index-semantic", s.handleIndexSemantic)
			r.Get("/repo-map", s.handleRepoMap)
			r.Post("/chat", s.handleChat)
			r.Post("/query", s.handleQuery)
		})
		r.Post("/projects", s.handleCreateProject)
		r.Get("/projects", s.handleListProjects)
		r.Post("/projects/{id}/hooks/{role}/enable", s.handleEnableHook)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleJobStatus)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)
	})

	r.Post("/rpc", s.handleRPC(""))
	r.Post("/rpc/{slug}", s.handleRPCScoped)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	return r
}

// ListenAndServe runs the HTTP listener until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	logging.Server("listening on %s", s.cfg.Server.Addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ===== RESPONSE HELPERS =====

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses with the uniform
// {"detail": ...} failure body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch types.KindOf(err) {
	case types.KindValidation:
		status = http.StatusBadRequest
	case types.KindNotFound:
		status = http.StatusNotFound
	case types.KindConflict:
		status = http.StatusConflict
	case types.KindDependency:
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		logging.Get(logging.CategoryServer).Error("request failed: %v", err)
	}
	writeJSON(w, status, map[string]string{"detail": err.Error()})
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return types.Wrap(types.KindValidation, err, "invalid request body")
	}
	return nil
}
