// Package server is the HTTP API: authentication, table-state storage and
// runs executed on the hosted engine.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/user/aigrid/internal/auth"
	"github.com/user/aigrid/internal/backup"
	"github.com/user/aigrid/internal/observability"
	"github.com/user/aigrid/internal/persist"
	"github.com/user/aigrid/internal/statestore"
	"github.com/user/aigrid/internal/tablestore"
)

// StateRepository stores table states. *statestore.DB implements it.
type StateRepository interface {
	Create(ctx context.Context, r statestore.Record) (statestore.Record, error)
	Get(ctx context.Context, id string) (statestore.Record, error)
	List(ctx context.Context) ([]statestore.Record, error)
	Update(ctx context.Context, id string, p statestore.Patch) (statestore.Record, error)
	Save(ctx context.Context, r statestore.Record) (statestore.Record, error)
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// BackupStore copies table states to and from off-site storage.
// *backup.Store implements it.
type BackupStore interface {
	Export(ctx context.Context, src backup.Source, counter backup.Counter) (int, error)
	Restore(ctx context.Context, dst backup.Target, ids []string, counter backup.Counter) (int, error)
}

// Config wires the server's dependencies. Engine, Auth, Metrics and Backup
// are optional: without an engine the run endpoints are not mounted, without
// Auth every request is anonymous.
type Config struct {
	Bind      string
	States    StateRepository
	Engine    *tablestore.Store
	Auth      *auth.Authenticator
	Metrics   *observability.Metrics
	Backup    BackupStore
	RateLimit RateLimitConfig
	// Persist tunes how hosted runs write progress back to States.
	Persist persist.Config
}

// Server is the HTTP server for aigrid.
type Server struct {
	states  StateRepository
	engine  *tablestore.Store
	auth    *auth.Authenticator
	metrics *observability.Metrics
	backup  BackupStore
	limiter *rateLimiter
	runs    *runManager
	syncer  *persist.Syncer

	baseCtx    context.Context
	cancelBase context.CancelFunc
	httpServer *http.Server
	router     chi.Router
}

// New creates a new Server.
func New(cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		states:     cfg.States,
		engine:     cfg.Engine,
		auth:       cfg.Auth,
		metrics:    cfg.Metrics,
		backup:     cfg.Backup,
		baseCtx:    ctx,
		cancelBase: cancel,
	}
	if cfg.RateLimit.Enabled {
		srv.limiter = newRateLimiter(cfg.RateLimit)
	}
	if srv.engine != nil {
		srv.syncer = persist.New(srv.engine, hostedStates{cfg.States}, cfg.Persist)
		srv.runs = newRunManager(ctx, srv.engine, cfg.States, srv.syncer)
	}
	srv.router = srv.buildRouter()
	srv.httpServer = &http.Server{
		Addr:              cfg.Bind,
		Handler:           srv.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(structuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	if s.metrics != nil {
		r.Use(s.metricsMiddleware)
	}
	if s.limiter != nil {
		r.Use(s.rateLimitMiddleware)
	}

	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ping", s.handlePing)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Post("/auth/verify", s.handleVerify)

			r.Route("/table-state", func(r chi.Router) {
				r.Post("/", s.handleCreateState)
				r.Get("/", s.handleListStates)
				r.Get("/{id}", s.handleGetState)
				r.Put("/{id}", s.handleUpdateState)
				r.Delete("/{id}", s.handleDeleteState)
				if s.runs != nil {
					r.Post("/{id}/runs", s.handleStartRun)
				}
			})

			if s.runs != nil {
				r.Get("/runs/{id}", s.handleRunStatus)
				r.Get("/runs/{id}/progress", s.handleRunProgress)
				r.Post("/runs/{id}/cancel", s.handleCancelRun)
			}

			if s.backup != nil {
				r.Post("/admin/backup", s.handleBackup)
				r.Post("/admin/restore", s.handleRestore)
			}
		})
	})

	return r
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	slog.Info("HTTP server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server. Hosted runs are cancelled and their
// partial results saved.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("HTTP server shutting down")
	s.cancelBase()
	if s.runs != nil {
		s.runs.close()
	}
	err := s.httpServer.Shutdown(ctx)
	if s.syncer != nil {
		s.syncer.Stop()
	}
	return err
}

// Handler returns the http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// @Summary Health check
// @Tags System
// @Produce json
// @Success 200 {object} StatusResponse
// @Failure 503 {object} ErrorResponse
// @Router /healthz [get]
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.states != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.states.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable", "UNAVAILABLE")
			return
		}
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// @Summary Ping
// @Tags System
// @Produce json
// @Success 200 {object} StatusResponse
// @Router /api/v1/ping [get]
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: "pong"})
}

// JSON response helpers

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, code string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// Middleware

func structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
