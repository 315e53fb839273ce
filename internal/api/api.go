package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/kylemclaren/patrol-tasks/internal/analysis"
	"github.com/kylemclaren/patrol-tasks/internal/db"
	"github.com/kylemclaren/patrol-tasks/internal/ingest"
	"github.com/kylemclaren/patrol-tasks/internal/recurrence"
	"github.com/kylemclaren/patrol-tasks/internal/stream"
)

// Server represents the API server
type Server struct {
	db          *db.DB
	analyzer    *analysis.Analyzer
	ingest      *ingest.Service
	streamMgr   *stream.Manager
	validate    *validator.Validate
	log         *logrus.Entry
	router      chi.Router
	now         func() time.Time
	corsOrigins []string
}

// Option configures a Server
type Option func(*Server)

// WithClock overrides the current time source
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithCORSOrigins sets the allowed origins, "*" allowing any
func WithCORSOrigins(origins string) Option {
	return func(s *Server) {
		s.corsOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				s.corsOrigins = append(s.corsOrigins, o)
			}
		}
	}
}

// NewServer creates a new API server
func NewServer(database *db.DB, streamMgr *stream.Manager, log logrus.FieldLogger, opts ...Option) *Server {
	if streamMgr == nil {
		streamMgr = stream.NewManager()
	}
	s := &Server{
		db:          database,
		streamMgr:   streamMgr,
		validate:    newValidator(),
		log:         log.WithField("component", "api"),
		router:      chi.NewRouter(),
		now:         time.Now,
		corsOrigins: []string{"*"},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.analyzer = analysis.New(database).WithClock(s.now)
	s.ingest = ingest.New(database, streamMgr, log, ingest.WithClock(s.now))
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(s.CORS)
	r.Use(Identity)

	// API routes - all at top level to avoid chi subrouter issues with multiple params
	r.Get("/api/v1/health", s.HealthCheck)

	// Tasks
	r.Get("/api/v1/tasks", s.ListTasks)
	r.Post("/api/v1/tasks", s.CreateTask)
	r.Get("/api/v1/tasks/{id}", s.GetTask)
	r.Put("/api/v1/tasks/{id}", s.UpdateTask)
	r.Delete("/api/v1/tasks/{id}", s.DeleteTask)
	r.Post("/api/v1/tasks/{id}/finish", s.FinishTask)

	// Recurrence
	r.Get("/api/v1/tasks/{id}/due", s.GetDue)
	r.Get("/api/v1/tasks/{id}/occurrences", s.ListOccurrences)

	// Execution
	r.Post("/api/v1/tasks/{id}/samples", s.RecordSamples)
	r.Get("/api/v1/tasks/{id}/analysis", s.GetAnalysis)
	r.Get("/api/v1/tasks/{id}/occurrences/{date}/stream", s.StreamOccurrence)

	// Settings
	r.Get("/api/v1/settings", s.GetSettings)
	r.Put("/api/v1/settings", s.UpdateSettings)
	r.Put("/api/v1/enterprises/{id}", s.UpsertEnterprise)
}

// Router returns the chi router for use with http.Server
func (s *Server) Router() http.Handler {
	return s.router
}

// CORS allows browser clients from the configured origins
func (s *Server) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-ID, X-Enterprise-ID")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.corsOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

type identityKey struct{}

// Caller is the identity forwarded by the authenticating proxy
type Caller struct {
	UserID       string
	EnterpriseID string
}

// Identity reads the caller identity headers into the request context
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := Caller{
			UserID:       strings.TrimSpace(r.Header.Get("X-User-ID")),
			EnterpriseID: strings.TrimSpace(r.Header.Get("X-Enterprise-ID")),
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, caller)))
	})
}

// CallerFrom returns the caller stored by Identity
func CallerFrom(ctx context.Context) Caller {
	caller, _ := ctx.Value(identityKey{}).(Caller)
	return caller
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("timeofday", func(fl validator.FieldLevel) bool {
		_, err := recurrence.ParseTimeOfDay(fl.Field().String())
		return err == nil
	})
	return v
}
