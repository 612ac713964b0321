// Package api provides the HTTP server for ktstudio: the task query API,
// batch triggers, live task events and operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ktstudio/ktstudio/internal/app/batch"
	"github.com/ktstudio/ktstudio/internal/app/tasks"
	"github.com/ktstudio/ktstudio/internal/domain"
	"github.com/ktstudio/ktstudio/internal/health"
	"github.com/ktstudio/ktstudio/internal/infra/events"
)

// TaskService is the task surface the API exposes.
type TaskService interface {
	Create(ctx context.Context, kind domain.TaskKind, owner domain.Owner, payload domain.Payload) (*domain.Task, error)
	Get(ctx context.Context, id int64) (*domain.Task, error)
	List(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error)
	StatusOf(ctx context.Context, ids []int64) (map[int64]tasks.Status, error)
	Cancel(ctx context.Context, id int64) (bool, error)
	GlobalStop(ctx context.Context) ([]int64, error)
	ClearLogs(ctx context.Context, owner domain.Owner) (int64, error)
	ForceReset(ctx context.Context, owner domain.Owner) (int64, error)
}

// BatchRunner starts batch flows.
type BatchRunner interface {
	Run(ctx context.Context, flow batch.Flow, projectID int64) (batch.Report, error)
}

// Subscriber streams task events.
type Subscriber interface {
	Subscribe(ctx context.Context, taskID int64) (<-chan events.Event, error)
}

// LogReader reads the operator-visible system log.
type LogReader interface {
	ListLogs(ctx context.Context, limit int) ([]domain.SystemLog, error)
}

// HealthReporter exposes the latest health check results.
type HealthReporter interface {
	Statuses() []health.Status
	IsHealthy() bool
}

// Server is the ktstudio HTTP API server.
type Server struct {
	tasks          TaskService
	batch          BatchRunner
	events         Subscriber
	logs           LogReader
	health         HealthReporter
	log            *zap.Logger
	metricsEnabled bool
	corsOrigins    []string

	// background bounds batch runs started over HTTP.
	background context.Context
}

// NewServer creates a new API server.
func NewServer(svc TaskService, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{tasks: svc, log: log, background: context.Background()}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetBatch sets the batch supervisor.
func (s *Server) SetBatch(b BatchRunner) { s.batch = b }

// SetEvents sets the live event source for /api/tasks/{id}/events.
func (s *Server) SetEvents(sub Subscriber) { s.events = sub }

// SetLogs sets the system log reader.
func (s *Server) SetLogs(l LogReader) { s.logs = l }

// SetHealth sets the health reporter.
func (s *Server) SetHealth(h HealthReporter) { s.health = h }

// SetCORSOrigins restricts CORS to origins. Empty allows any origin.
func (s *Server) SetCORSOrigins(origins []string) { s.corsOrigins = origins }

// SetBackground sets the context batch runs inherit values and
// cancellation from. Request cancellation never reaches them.
func (s *Server) SetBackground(ctx context.Context) { s.background = ctx }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/tasks", func(r chi.Router) {
			// SSE streams outlive any request timeout.
			r.Get("/{id}/events", s.handleTaskEvents)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(30 * time.Second))
				r.Post("/", s.handleCreateTask)
				r.Get("/", s.handleListTasks)
				r.Delete("/", s.handleDeleteTasks)
				r.Get("/status", s.handleTaskStatus)
				r.Post("/stop", s.handleGlobalStop)
				r.Get("/{id}", s.handleGetTask)
				r.Post("/{id}/cancel", s.handleCancelTask)
			})
		})

		r.Route("/batch/{project}", func(r chi.Router) {
			r.Post("/base-images", s.handleBatch(batch.FlowBaseImages))
			r.Post("/complete", s.handleBatch(batch.FlowComplete))
			r.Post("/scenes", s.handleBatch(batch.FlowScenes))
		})

		r.Get("/system/logs", s.handleSystemLogs)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errorType(status),
		},
	})
}

// writeDomainError maps domain errors to HTTP status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrTaskNotFound), errors.Is(err, domain.ErrEntityNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidPayload), errors.Is(err, domain.ErrUnknownKind):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrPrecondition):
		status = http.StatusConflict
	default:
		s.log.Error("request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func errorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "error"
	}
}

// corsMiddleware adds CORS headers.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowOrigin(origin string) string {
	if len(s.corsOrigins) == 0 {
		return "*"
	}
	for _, o := range s.corsOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}
