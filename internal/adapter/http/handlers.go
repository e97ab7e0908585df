package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ensembleworks/ensemble/internal/domain/swarm"
	"github.com/ensembleworks/ensemble/internal/port/eventstore"
	"github.com/ensembleworks/ensemble/internal/service"
)

// Handlers binds the orchestrator control surface to HTTP.
type Handlers struct {
	orch  *service.Orchestrator
	coord *service.SwarmCoordinator
}

// NewHandlers creates the handler set.
func NewHandlers(orch *service.Orchestrator, coord *service.SwarmCoordinator) *Handlers {
	return &Handlers{orch: orch, coord: coord}
}

type orchestrateRequest struct {
	Description string `json:"description"`
	Mode        string `json:"mode,omitempty"`
}

// Orchestrate runs a full orchestration and returns its result. The
// result is non-throwing: failures arrive as success=false with HTTP 200.
func (h *Handlers) Orchestrate(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[orchestrateRequest](w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Description) == "" {
		writeError(w, http.StatusBadRequest, "description is required")
		return
	}

	mode := service.ModeAdaptive
	if req.Mode != "" {
		mode = service.Mode(req.Mode)
	}
	res := h.orch.OrchestrateTask(r.Context(), req.Description, mode)
	writeJSON(w, http.StatusOK, res)
}

type decideRequest struct {
	Description string `json:"description"`
}

// Decide reports whether a description warrants orchestration.
func (h *Handlers) Decide(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[decideRequest](w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"orchestrate": h.orch.ShouldOrchestrate(req.Description),
	})
}

// CancelTask requests cooperative cancellation of an active task.
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled := h.orch.CancelTask(id)
	if !cancelled {
		writeError(w, http.StatusNotFound, "no active task with id "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// ListActiveTasks returns ids of currently running orchestrations.
func (h *Handlers) ListActiveTasks(w http.ResponseWriter, _ *http.Request) {
	ids := h.orch.ActiveTasks()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"active_tasks": ids})
}

// GetMetrics returns the orchestrator aggregates.
func (h *Handlers) GetMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.GetMetrics())
}

// ResetMetrics zeroes the orchestrator aggregates.
func (h *Handlers) ResetMetrics(w http.ResponseWriter, _ *http.Request) {
	h.orch.ResetMetrics()
	writeJSON(w, http.StatusOK, h.orch.GetMetrics())
}

// GetHealth returns the aggregate health snapshot.
func (h *Handlers) GetHealth(w http.ResponseWriter, _ *http.Request) {
	health := h.orch.HealthStatus()
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// GetConfig returns the runtime orchestration configuration.
func (h *Handlers) GetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.GetConfig())
}

// PatchConfig applies a partial configuration update.
func (h *Handlers) PatchConfig(w http.ResponseWriter, r *http.Request) {
	patch, ok := readJSON[service.ConfigPatch](w, r)
	if !ok {
		return
	}
	if err := h.orch.UpdateConfig(patch); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.orch.GetConfig())
}

// ListAgents returns a snapshot of registered agents.
func (h *Handlers) ListAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": h.coord.Agents()})
}

// GetSwarm returns the coordinator state and aggregate metrics.
func (h *Handlers) GetSwarm(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.coord.Metrics())
}

// PauseSwarm suspends orchestration admission.
func (h *Handlers) PauseSwarm(w http.ResponseWriter, r *http.Request) {
	if err := h.coord.Pause(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(h.coord.State())})
}

// ResumeSwarm returns a paused coordinator to executing.
func (h *Handlers) ResumeSwarm(w http.ResponseWriter, r *http.Request) {
	if err := h.coord.Resume(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(h.coord.State())})
}

// QueryEvents reads the swarm event trail with optional filters.
func (h *Handlers) QueryEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := eventstore.Filter{
		CorrelationID: q.Get("correlation_id"),
		Source:        q.Get("source"),
	}
	for _, t := range q["type"] {
		filter.Types = append(filter.Types, swarm.EventType(t))
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	events, err := h.coord.QueryHistory(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if events == nil {
		events = []swarm.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
