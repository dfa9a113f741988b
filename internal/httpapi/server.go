// Package httpapi exposes the DataHub internal endpoints and the Registry
// API over gorilla/mux servers sharing one middleware chain.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/markethub/internal/errs"
	"github.com/quantfold/markethub/internal/metrics"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// Config holds HTTP server settings.
type Config struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DefaultConfig returns local-only defaults.
func DefaultConfig(port int) Config {
	return Config{
		Host:         "127.0.0.1",
		Port:         port,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// HealthCheck reports one dependency's availability.
type HealthCheck func(ctx context.Context) error

type namedCheck struct {
	name  string
	check HealthCheck
}

// Server wraps a mux router with the shared middleware chain.
type Server struct {
	router *mux.Router
	server *http.Server
	log    zerolog.Logger
	checks []namedCheck
}

// NewServer builds a server; register routes on Router before Start.
func NewServer(cfg Config, m *metrics.Registry, component string) *Server {
	router := mux.NewRouter()
	s := &Server{
		router: router,
		log:    log.With().Str("component", component).Logger(),
	}

	router.Use(s.requestIDMiddleware)
	router.Use(s.loggingMiddleware)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Router exposes the underlying router for route registration.
func (s *Server) Router() *mux.Router { return s.router }

// AddHealthCheck registers a named dependency probe run on every /health call.
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checks = append(s.checks, namedCheck{name: name, check: check})
}

// Start serves until Shutdown. Blocks.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	overall := "healthy"
	results := make(map[string]string, len(s.checks))
	for _, c := range s.checks {
		if err := c.check(ctx); err != nil {
			results[c.name] = err.Error()
			overall = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		results[c.name] = "ok"
	}

	body := map[string]interface{}{
		"status":    overall,
		"timestamp": time.Now().UTC(),
	}
	if len(results) > 0 {
		body["checks"] = results
	}
	writeJSON(w, status, body)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		requestID, _ := r.Context().Value(requestIDKey).(string)
		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.status).
			Dur("elapsed", time.Since(start)).
			Msg("Request handled")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps structured core errors onto their HTTP status.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errs.HTTPStatus(err), map[string]string{"error": err.Error()})
}
