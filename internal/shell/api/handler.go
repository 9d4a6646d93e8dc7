// Package api provides the HTTP command and query surface for stacks.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/quayside/stackd/internal/core/order"
	"github.com/quayside/stackd/internal/core/topology"
	"github.com/quayside/stackd/internal/shell/orchestrator"
	"github.com/quayside/stackd/internal/shell/runtime"
	"github.com/quayside/stackd/internal/shell/store"
)

// =============================================================================
// Handler
// =============================================================================

// Handler provides HTTP handlers for the API.
type Handler struct {
	orch   *orchestrator.Orchestrator
	rt     runtime.Runtime
	store  store.Store
	logger *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(orch *orchestrator.Orchestrator, rt runtime.Runtime, s store.Store, l *slog.Logger) *Handler {
	if l == nil {
		l = slog.Default()
	}
	return &Handler{
		orch:   orch,
		rt:     rt,
		store:  s,
		logger: l,
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.jsonContentType)
	r.Use(h.requestIDHeader)

	// Health endpoints
	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/stacks", func(r chi.Router) {
			r.Post("/", h.handleApplyStack)
			r.Get("/", h.handleListStacks)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", h.handleGetStack)
				r.Delete("/", h.handleTeardownStack)
				r.Get("/services", h.handleListServices)
				r.Get("/services/{service}/history", h.handleServiceHistory)
				r.Post("/services/{service}/restart", h.handleRestartService)
			})
		})
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)

	// The store was opened and migrated before the server came up.
	checks["database"] = "ok"

	if err := h.rt.Ping(r.Context()); err != nil {
		checks["runtime"] = "failed"
		h.writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status: "not_ready",
			Checks: checks,
		})
		return
	}
	checks["runtime"] = "ok"

	h.writeJSON(w, http.StatusOK, ReadyResponse{
		Status: "ready",
		Checks: checks,
	})
}

// =============================================================================
// Stack Handlers
// =============================================================================

func (h *Handler) handleApplyStack(w http.ResponseWriter, r *http.Request) {
	var req ApplyStackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}
	if req.Name == "" {
		h.writeError(w, http.StatusBadRequest, "name is required", "validation_error")
		return
	}
	if req.Declaration == "" {
		h.writeError(w, http.StatusBadRequest, "declaration is required", "validation_error")
		return
	}

	topo, err := topology.Parse(req.Name, req.Declaration)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), "invalid_declaration")
		return
	}

	status, err := h.orch.Apply(r.Context(), topo, req.Declaration)
	if err != nil {
		var verr *topology.ValidationError
		if errors.As(err, &verr) {
			h.writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
				Error:      "topology validation failed",
				Code:       "validation_error",
				Violations: violationMessages(verr),
			})
			return
		}
		var cerr *order.CycleError
		if errors.As(err, &cerr) {
			h.writeError(w, http.StatusUnprocessableEntity,
				fmt.Sprintf("dependency cycle: %v", cerr.Services), "dependency_cycle")
			return
		}
		var agg *orchestrator.AggregateError
		if errors.As(err, &agg) {
			h.logger.Error("apply failed", "stack", req.Name, "error", err)
			h.writeJSON(w, http.StatusBadGateway, ErrorResponse{
				Error:      "some entities failed to start",
				Code:       "apply_failed",
				Violations: failureMessages(agg),
			})
			return
		}
		h.logger.Error("failed to apply stack", "stack", req.Name, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to apply stack", "internal_error")
		return
	}

	h.writeJSON(w, http.StatusCreated, stackToResponse(status))
}

func (h *Handler) handleListStacks(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.ListStacks(r.Context())
	if err != nil {
		h.logger.Error("failed to list stacks", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list stacks", "internal_error")
		return
	}

	managed := make(map[string]bool)
	for _, name := range h.orch.StackNames() {
		managed[name] = true
	}

	out := make([]StackSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, StackSummary{
			Name:      rec.Name,
			ApplyID:   rec.ApplyID,
			Managed:   managed[rec.Name],
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		})
	}

	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetStack(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	status, err := h.orch.Status(name)
	if err != nil {
		if errors.Is(err, orchestrator.ErrStackNotFound) {
			h.writeError(w, http.StatusNotFound, "stack not found", "stack_not_found")
			return
		}
		h.logger.Error("failed to get stack", "stack", name, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get stack", "internal_error")
		return
	}

	h.writeJSON(w, http.StatusOK, stackToResponse(status))
}

func (h *Handler) handleTeardownStack(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	preserveVolumes := r.URL.Query().Get("preserve_volumes") == "true"

	err := h.orch.Teardown(r.Context(), name, orchestrator.TeardownOptions{
		PreserveVolumes: preserveVolumes,
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrStackNotFound) {
			h.writeError(w, http.StatusNotFound, "stack not found", "stack_not_found")
			return
		}
		var agg *orchestrator.AggregateError
		if errors.As(err, &agg) {
			h.logger.Error("teardown incomplete", "stack", name, "error", err)
			h.writeJSON(w, http.StatusBadGateway, ErrorResponse{
				Error:      "some entities failed to release",
				Code:       "teardown_failed",
				Violations: failureMessages(agg),
			})
			return
		}
		h.logger.Error("failed to tear down stack", "stack", name, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to tear down stack", "internal_error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Service Handlers
// =============================================================================

func (h *Handler) handleListServices(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	services, err := h.orch.ServiceStatuses(name)
	if err != nil {
		if errors.Is(err, orchestrator.ErrStackNotFound) {
			h.writeError(w, http.StatusNotFound, "stack not found", "stack_not_found")
			return
		}
		h.logger.Error("failed to list services", "stack", name, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list services", "internal_error")
		return
	}

	h.writeJSON(w, http.StatusOK, services)
}

func (h *Handler) handleServiceHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	service := chi.URLParam(r, "service")

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	phases, err := h.orch.History(r.Context(), name, service, limit)
	if err != nil {
		if errors.Is(err, orchestrator.ErrServiceNotFound) {
			h.writeError(w, http.StatusNotFound, "service not found", "service_not_found")
			return
		}
		h.logger.Error("failed to get history", "stack", name, "service", service, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get history", "internal_error")
		return
	}

	out := make([]PhaseResponse, 0, len(phases))
	for _, p := range phases {
		out = append(out, PhaseResponse{Phase: p.Phase, Detail: p.Detail, At: p.At})
	}

	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleRestartService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	service := chi.URLParam(r, "service")

	if err := h.orch.RestartService(r.Context(), name, service); err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrStackNotFound):
			h.writeError(w, http.StatusNotFound, "stack not found", "stack_not_found")
		case errors.Is(err, orchestrator.ErrServiceNotFound):
			h.writeError(w, http.StatusNotFound, "service not found", "service_not_found")
		default:
			h.logger.Error("failed to restart service", "stack", name, "service", service, "error", err)
			h.writeError(w, http.StatusBadGateway, "failed to restart service", "restart_failed")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "restarted"})
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func stackToResponse(s *orchestrator.StackStatus) StackResponse {
	return StackResponse{
		Name:       s.Name,
		ApplyID:    s.ApplyID,
		StartOrder: s.StartOrder,
		Services:   s.Services,
		Networks:   s.Networks,
		Volumes:    s.Volumes,
	}
}

func violationMessages(verr *topology.ValidationError) []string {
	out := make([]string, 0, len(verr.Violations))
	for _, v := range verr.Violations {
		out = append(out, fmt.Sprintf("%s: %s", v.Field, v.Message))
	}
	return out
}

func failureMessages(agg *orchestrator.AggregateError) []string {
	out := make([]string, 0, len(agg.Failures))
	for _, f := range agg.Failures {
		out = append(out, f.Error())
	}
	return out
}
