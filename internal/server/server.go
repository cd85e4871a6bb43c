package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/user/pulldb/internal/bulk"
	"github.com/user/pulldb/internal/catalog"
	"github.com/user/pulldb/internal/config"
	"github.com/user/pulldb/internal/entity"
	"github.com/user/pulldb/internal/journal"
	"github.com/user/pulldb/internal/newissues"
	"github.com/user/pulldb/internal/pulls"
	"github.com/user/pulldb/internal/streams"
	"github.com/user/pulldb/internal/subscriptions"
)

// Deps are the engine components the server exposes. Journal may be nil.
type Deps struct {
	Catalog  *catalog.Catalog
	Registry *subscriptions.Registry
	Ledger   *pulls.Ledger
	Resolver *newissues.Resolver
	Streams  *streams.Registry
	Journal  *journal.Journal
}

// Server is the HTTP server for pulldb.
type Server struct {
	Deps
	auth       *authenticator
	limiter    *rateLimiter
	pageSize   int
	maxPage    int
	httpServer *http.Server
	router     chi.Router
}

// New creates a new Server.
func New(d Deps, cfg *config.Config) *Server {
	srv := &Server{
		Deps:     d,
		auth:     newAuthenticator(cfg.Auth),
		limiter:  newRateLimiter(cfg.RateLimit),
		pageSize: cfg.Engine.DefaultPageSize,
		maxPage:  cfg.Engine.MaxPageSize,
	}
	if srv.auth.secret == nil {
		slog.Warn("no jwt secret configured, identifying callers by header",
			"user_header", userHeader, "trusted_header_honoured", cfg.Auth.DevTrusted)
	}
	srv.router = srv.buildRouter()
	srv.httpServer = &http.Server{
		Addr:              cfg.Bind,
		Handler:           h2c.NewHandler(srv.router, &http2.Server{}),
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

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.rateLimitMiddleware)

		r.Route("/pulls", func(r chi.Router) {
			r.Post("/add", s.handleAddPulls)
			r.Post("/fetch", s.handleFetchPulls)
			r.Get("/{id}/get", s.handleGetPull)
			r.Post("/{id}/refresh", s.handleRefreshPull)
			r.Get("/list/{type}", s.handleListPulls)
			r.Post("/remove", s.handleRemovePulls)
			r.Get("/stats", s.handlePullStats)
			r.Post("/update", s.handleUpdatePulls)
			r.Post("/weigh", s.handleWeighPulls)
			r.Get("/new", s.handleNewIssues)
			r.Post("/materialize", s.handleMaterialize)
		})

		r.Route("/watches", func(r chi.Router) {
			r.Post("/add", s.handleAddWatches)
			r.Get("/list", s.handleListWatches)
			r.Get("/{ref}/pulls/{type}", s.handleWatchPulls)
			r.Post("/remove", s.handleRemoveWatches)
			r.Post("/update", s.handleUpdateWatches)
		})

		// Volume-only predecessor of /watches.
		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/add", s.handleAddSubscriptions)
			r.Get("/list", s.handleListSubscriptions)
			r.Post("/update", s.handleUpdateSubscriptions)
		})

		r.Route("/streams", func(r chi.Router) {
			r.Post("/add", s.handleAddStreams)
			r.Get("/list", s.handleListStreams)
			r.Post("/update", s.handleUpdateStreams)
			r.Get("/{name}/get", s.handleGetStream)
			r.Post("/{name}/refresh", s.handleRefreshStream)
			r.Post("/{name}/assign", s.handleAssignStream)
		})

		r.Get("/issues/{id}/get", s.handleGetIssue)
		r.Get("/volumes/list/{type}", s.handleListVolumes)
		r.Get("/volumes/stats", s.handleVolumeStats)
		r.Get("/volumes/{id}/get", s.handleGetVolume)
		r.Get("/volumes/{id}/list", s.handleVolumeIssues)
		r.With(s.requireTrusted).Post("/volumes/{id}/queue", s.handleQueueVolume)
		r.Get("/arcs/stats", s.handleArcStats)
		r.Get("/arcs/{id}/get", s.handleGetArc)
		r.Get("/arcs/{id}/list", s.handleArcIssues)
		r.With(s.requireTrusted).Post("/catalog/seed", s.handleSeedCatalog)

		r.Get("/activity", s.handleActivity)
	})

	r.Get("/healthz", s.handleHealthz)

	return r
}

// Start begins listening for HTTP/1.1 and cleartext HTTP/2 requests.
func (s *Server) Start() error {
	slog.Info("HTTP server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("HTTP server shutting down")
	s.limiter.close()
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: http.StatusOK, Message: "ok"})
}

// record journals a batch outcome. Journal failures never fail the request.
func (s *Server) record(r *http.Request, op string, res bulk.Results) {
	if s.Journal == nil {
		return
	}
	p := principalFromContext(r.Context())
	if err := s.Journal.Record(r.Context(), p.User, op, res); err != nil {
		slog.Warn("journal record failed", "op", op, "user_id", p.User, "error", err,
			"request_id", middleware.GetReqID(r.Context()))
	}
}

// JSON response helpers

// response is the envelope of every API reply.
type response struct {
	Status      int                   `json:"status"`
	Message     string                `json:"message,omitempty"`
	Code        string                `json:"code,omitempty"`
	Results     any                   `json:"results,omitempty"`
	NextCursor  string                `json:"next_cursor,omitempty"`
	MoreResults bool                  `json:"more_results,omitempty"`
	Count       *int                  `json:"count,omitempty"`
	Errors      []ValidationErrorItem `json:"validation_errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeResults(w http.ResponseWriter, msg string, results any) {
	writeJSON(w, http.StatusOK, response{Status: http.StatusOK, Message: msg, Results: results})
}

func writeError(w http.ResponseWriter, status int, msg string, code string) {
	writeJSON(w, status, response{Status: status, Message: msg, Code: code})
}

// writeEngineError maps engine errors onto HTTP statuses. Per-item problems
// never reach here; these are whole-request failures.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, bulk.ErrNoUser):
		writeError(w, http.StatusUnauthorized, "no user identity", "UNAUTHORIZED")
	case errors.Is(err, catalog.ErrInvalidID), errors.Is(err, catalog.ErrInvalidDate),
		errors.Is(err, subscriptions.ErrInvalidCollection), errors.Is(err, pulls.ErrUnknownOp),
		errors.Is(err, streams.ErrInvalidName), entity.IsInvalidCursor(err):
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_ARGUMENT")
	case errors.Is(err, streams.ErrStreamMissing):
		writeError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case entity.IsConflict(err):
		writeError(w, http.StatusConflict, "concurrent modification, retry the request", "CONFLICT")
	case entity.IsUnavailable(err):
		slog.Error("store unavailable", "path", r.URL.Path, "error", err, "request_id", middleware.GetReqID(r.Context()))
		writeError(w, http.StatusServiceUnavailable, "store unavailable", "STORE_UNAVAILABLE")
	default:
		slog.Error("request failed", "path", r.URL.Path, "error", err, "request_id", middleware.GetReqID(r.Context()))
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL")
	}
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
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+userHeader)
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
