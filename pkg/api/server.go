// Package api implements the tenant-facing HTTP surface: job intake, status
// polling, listing, and cancellation.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/imagegate/imagegate/pkg/config"
	"github.com/imagegate/imagegate/pkg/errcode"
	"github.com/imagegate/imagegate/pkg/metrics"
	"github.com/imagegate/imagegate/pkg/models"
	"github.com/imagegate/imagegate/pkg/queue"
	"github.com/imagegate/imagegate/pkg/storage"
)

type ctxKey int

const tenantKey ctxKey = iota

// Server is the HTTP intake service.
type Server struct {
	jobs     storage.JobRepository
	tenants  storage.TenantRepository
	queue    *queue.Queue
	salt     string
	metrics  *metrics.Metrics
	logger   *zap.Logger
	validate *validator.Validate

	// Ready reports whether dependencies are reachable; wired by main.
	Ready func(ctx context.Context) error
}

// NewServer wires the HTTP service.
func NewServer(jobs storage.JobRepository, tenants storage.TenantRepository, q *queue.Queue, salt string, m *metrics.Metrics, logger *zap.Logger) *Server {
	return &Server{
		jobs:     jobs,
		tenants:  tenants,
		queue:    q,
		salt:     salt,
		metrics:  m,
		logger:   logger,
		validate: newValidator(),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-API-Key", "Idempotency-Key"},
		MaxAge:         300,
	}))
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/images/generate", s.handleGenerate)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Delete("/jobs/{jobID}", s.handleCancelJob)
	})

	return r
}

// requestLogger records one structured line and the HTTP metrics per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		elapsed := time.Since(start)
		s.metrics.HTTPRequests.WithLabelValues(r.Method, route, http.StatusText(ww.Status())).Inc()
		s.metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", elapsed),
			zap.String("remote", r.RemoteAddr))
	})
}

// authenticate resolves the tenant from the API key. The key itself is never
// stored or logged; lookup is by salted fingerprint.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := apiKeyFrom(r)
		if key == "" {
			s.respondError(w, http.StatusUnauthorized, errcode.New(errcode.Unauthorized, "missing API key"))
			return
		}
		hash := config.HashAPIKey(key, s.salt)
		tenant, err := s.tenants.GetByAPIKeyHash(r.Context(), hash)
		if err == storage.ErrNotFound {
			s.respondError(w, http.StatusUnauthorized, errcode.New(errcode.Unauthorized, "unknown API key"))
			return
		}
		if err != nil {
			s.logger.Error("tenant lookup failed", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, errcode.New(errcode.ServerError, "internal error"))
			return
		}
		// The lookup is by fingerprint; the final equality check is
		// constant-time.
		if subtle.ConstantTimeCompare([]byte(tenant.APIKeyHash), []byte(hash)) != 1 {
			s.respondError(w, http.StatusUnauthorized, errcode.New(errcode.Unauthorized, "unknown API key"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey, tenant)))
	})
}

func apiKeyFrom(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

func tenantFrom(ctx context.Context) *models.Tenant {
	t, _ := ctx.Value(tenantKey).(*models.Tenant)
	return t
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "reason": err.Error()})
			return
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// decodeJSON parses a request body strictly: unknown fields are rejected and
// the body is capped well above the largest legal inline image.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 8<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (s *Server) respondError(w http.ResponseWriter, status int, e *errcode.Error) {
	s.respondJSON(w, status, map[string]errorBody{
		"error": {Code: e.Code, Message: e.Message, Retryable: e.Retryable},
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", zap.Error(err))
	}
}
