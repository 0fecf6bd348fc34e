// Package httpserver exposes the broker's operational HTTP surface:
// health and readiness probes, Prometheus metrics, and a small task
// management API.
package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/workspace-broker/internal/config"
	"github.com/fairyhunter13/workspace-broker/internal/domain"
	"github.com/fairyhunter13/workspace-broker/internal/usecase"
)

// Server wires the HTTP handlers to the application services.
type Server struct {
	cfg        config.Config
	broker     domain.Broker
	scheduler  *usecase.Scheduler
	integrator *usecase.Integrator
	store      domain.Store // nil when the store service is not wired
}

// NewServer constructs a Server. integrator and store may be nil.
func NewServer(cfg config.Config, broker domain.Broker, scheduler *usecase.Scheduler, integrator *usecase.Integrator, store domain.Store) *Server {
	return &Server{
		cfg:        cfg,
		broker:     broker,
		scheduler:  scheduler,
		integrator: integrator,
		store:      store,
	}
}

// Router builds the chi router for the server.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleScheduleTask)
			r.Get("/{taskID}", s.handleTaskStatus)
			r.Post("/{taskID}/cancel", s.handleCancelTask)
		})
		r.Get("/services", s.handleServices)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports readiness: the broker must be connected and, when
// wired, the store service must answer its health probe.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	if s.broker.IsReady() {
		checks["broker"] = "ok"
	} else {
		checks["broker"] = "not ready"
		ready = false
	}
	if s.store != nil {
		if err := s.store.HealthCheck(r.Context()); err != nil {
			checks["store"] = err.Error()
			ready = false
		} else {
			checks["store"] = "ok"
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, checks)
}

// taskSubmission is the POST /api/tasks request body.
type taskSubmission struct {
	Type        domain.TaskType     `json:"type"`
	Inputs      []string            `json:"inputs"`
	Context     string              `json:"context,omitempty"`
	Instruction string              `json:"instruction,omitempty"`
	NodeID      string              `json:"node_id"`
	ProjectID   string              `json:"project_id"`
	UserID      string              `json:"user_id"`
	Priority    domain.Priority     `json:"priority,omitempty"`
	Metadata    domain.TaskMetadata `json:"metadata,omitempty"`
}

func (s *Server) handleScheduleTask(w http.ResponseWriter, r *http.Request) {
	var sub taskSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id, err := s.scheduler.ScheduleTask(r.Context(), usecase.TaskRequest{
		Type:        sub.Type,
		Inputs:      sub.Inputs,
		Context:     sub.Context,
		Instruction: sub.Instruction,
		NodeID:      sub.NodeID,
		ProjectID:   sub.ProjectID,
		UserID:      sub.UserID,
		Priority:    sub.Priority,
		Metadata:    sub.Metadata,
	})
	switch {
	case errors.Is(err, domain.ErrSchemaInvalid):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrNotReady), errors.Is(err, domain.ErrBackpressure):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.GetActiveTasks())
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	state, err := s.scheduler.GetTaskStatus(taskID)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	err := s.scheduler.CancelTask(r.Context(), taskID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": string(domain.StatusCancelled)})
	}
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"scheduler": s.scheduler.GetStats(),
		"broker": map[string]any{
			"ready": s.broker.IsReady(),
		},
	}
	if s.integrator != nil {
		resp["services"] = s.integrator.ServiceStatuses()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleServices(w http.ResponseWriter, _ *http.Request) {
	if s.integrator == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	type routeView struct {
		Name    string `json:"name"`
		Source  string `json:"source"`
		Target  string `json:"target"`
		Enabled bool   `json:"enabled"`
	}
	routes := make([]routeView, 0)
	for _, r := range s.integrator.Routes() {
		routes = append(routes, routeView{Name: r.Name, Source: r.Source, Target: r.Target, Enabled: r.Enabled})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"statuses": s.integrator.ServiceStatuses(),
		"routes":   routes,
	})
}
