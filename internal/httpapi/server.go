package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/goliatone/go-repository-sync/entity"
	"github.com/goliatone/go-repository-sync/internal/telemetry"
	"github.com/goliatone/go-repository-sync/search"
)

// Mutator applies writes; coordinator.Coordinator satisfies it.
type Mutator interface {
	Mutate(ctx context.Context, m entity.Mutation) (entity.Entity, error)
}

// Reader serves single and batch reads; repositorycache.ReadRouter satisfies it.
type Reader interface {
	Read(ctx context.Context, id string) (entity.Entity, error)
	ReadMany(ctx context.Context, ids []string) ([]entity.Entity, error)
}

// Records is the slice of the record store used for listing and health.
type Records interface {
	List(ctx context.Context, offset, limit int) ([]entity.Entity, int, error)
	Ping(ctx context.Context) error
}

// Searcher runs full-text queries.
type Searcher interface {
	Search(ctx context.Context, q string, limit int) ([]search.Hit, error)
}

const (
	defaultPage  = 1
	defaultLimit = 10
	maxLimit     = 100

	maxBodyBytes = 1 << 20
)

// Server translates the notes REST API onto the coordinator and read router.
type Server struct {
	writes   Mutator
	reads    Reader
	records  Records
	searcher Searcher
	logger   *slog.Logger

	metricsPath string
	metrics     http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler mounts h at path.
func WithMetricsHandler(path string, h http.Handler) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.metrics = h
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = telemetry.OrDiscard(logger) }
}

// New builds a Server.
func New(writes Mutator, reads Reader, records Records, searcher Searcher, opts ...Option) *Server {
	s := &Server{
		writes:   writes,
		reads:    reads,
		records:  records,
		searcher: searcher,
		logger:   telemetry.OrDiscard(nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.logRequests)

	router.HandleFunc("/healthcheck", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil && s.metricsPath != "" {
		router.Handle(s.metricsPath, s.metrics).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/notes", s.handleCreateNote).Methods(http.MethodPost)
	api.HandleFunc("/notes", s.handleListNotes).Methods(http.MethodGet)
	api.HandleFunc("/notes/search", s.handleSearchNotes).Methods(http.MethodGet)
	api.HandleFunc("/notes/{id}", s.handleGetNote).Methods(http.MethodGet)
	api.HandleFunc("/notes/{id}", s.handleUpdateNote).Methods(http.MethodPatch)
	api.HandleFunc("/notes/{id}", s.handleDeleteNote).Methods(http.MethodDelete)

	return router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
