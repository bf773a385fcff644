package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/Jabawack/bay-area-radar/internal/archive"
	"github.com/Jabawack/bay-area-radar/internal/metrics"
	"github.com/Jabawack/bay-area-radar/internal/relay"
	"github.com/Jabawack/bay-area-radar/internal/store"
)

const defaultRequestTimeout = 90 * time.Second

// FetchLimiter decides whether a client may start another fetch.
type FetchLimiter interface {
	Allow(key string) bool
	RetryAfter(key string) time.Duration
}

// LatestArchive serves archived results.
type LatestArchive interface {
	Latest(ctx context.Context) (archive.Snapshot, error)
}

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Options wires the server's collaborators. Only Fetcher is required.
type Options struct {
	Fetcher  relay.Fetcher
	Sessions store.SessionRepository
	Archive  LatestArchive
	Limiter  FetchLimiter
	Clock    relay.Clock
	Ready    map[string]ReadinessCheck

	// APIKey, when set, is required on every /api route.
	APIKey         string
	AllowedOrigins []string
	Keepalive      time.Duration
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Server routes HTTP requests to the fetch relay and history stores.
type Server struct {
	router   chi.Router
	opts     Options
	logger   *zap.Logger
	jobs     *JobsHandler
	sessions *SessionHandler
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("api server requires a fetcher")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	logger := opts.Logger.Named("api")
	s := &Server{
		opts:     opts,
		logger:   logger,
		jobs:     NewJobsHandler(opts.Fetcher, opts.Archive, opts.Limiter, opts.Clock, opts.Keepalive, logger),
		sessions: NewSessionHandler(opts.Sessions, logger),
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"X-API-Key", "Content-Type", "Cache-Control", "Last-Event-ID"},
		ExposedHeaders: []string{"X-Request-Id", "ETag"},
	}).Handler)

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		r.Get("/healthz", s.healthz)
		r.Get("/readyz", s.readyz)
		r.Handle("/metrics", metrics.Handler())
	})

	r.Route("/api", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		// The stream outlives any request timeout; the pipeline ceiling
		// bounds it instead.
		r.Get("/jobs/stream", s.jobs.Stream)
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(opts.RequestTimeout))
			r.Get("/jobs", s.jobs.Fetch)
			r.Get("/jobs/latest", s.jobs.Latest)
			r.Get("/sessions", s.sessions.ListSessions)
			r.Route("/sessions/{session_id}", func(r chi.Router) {
				r.Get("/", s.sessions.GetSession)
				r.Get("/stages", s.sessions.ListSessionStages)
			})
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.opts.Ready {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "mode": s.opts.Fetcher.Mode()})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", chimw.GetReqID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.String("request_id", chimw.GetReqID(r.Context())),
					zap.Stack("stack"),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out"}`)
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Warn("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
