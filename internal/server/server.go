// Package server exposes the callable executor over HTTP.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/koustreak/callsql/internal/callable"
	"github.com/koustreak/callsql/internal/config"
	"github.com/koustreak/callsql/internal/database"
	"github.com/koustreak/callsql/internal/filestore"
	"github.com/koustreak/callsql/internal/logger"
)

// Server routes call requests to a pool.
type Server struct {
	db   database.DB
	exec *callable.Executor
	log  *logger.Logger
	cfg  config.ServerConfig

	archive       filestore.Store
	archivePrefix string
	presignTTL    time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithArchive enables result archiving to store, under keys starting with
// cfg.Prefix. A positive cfg.PresignTTL adds a download URL to every archive
// reference.
func WithArchive(store filestore.Store, cfg filestore.Config) Option {
	return func(s *Server) {
		s.archive = store
		s.archivePrefix = cfg.Prefix
		s.presignTTL = cfg.PresignTTL
	}
}

// New returns a Server. db may be nil, in which case every call and health
// check answers 503.
func New(db database.DB, exec *callable.Executor, log *logger.Logger, cfg config.ServerConfig, opts ...Option) *Server {
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{db: db, exec: exec, log: log, cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/call", s.handleCall)
		r.Get("/archive/*", s.handleArchive)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found", "NOT_FOUND", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "METHOD_NOT_ALLOWED", nil)
	})
	return r
}

// HTTPServer wraps Routes in an *http.Server configured from cfg.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
}

// requestLogger logs every request once it has been served.
func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.Request(r.Method, r.URL.Path, status, time.Since(start), middleware.GetReqID(r.Context()))
		})
	}
}
