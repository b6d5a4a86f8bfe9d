package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/edvin/ordertrack/internal/api/middleware"
	"github.com/edvin/ordertrack/internal/api/request"
	"github.com/edvin/ordertrack/internal/api/response"
	"github.com/edvin/ordertrack/internal/tenant"
	"github.com/edvin/ordertrack/internal/workflow"
)

type Workflow struct {
	registry     *tenant.Registry
	engine       *workflow.Engine
	bootstrapper *workflow.Bootstrapper
}

func NewWorkflow(registry *tenant.Registry, engine *workflow.Engine, bootstrapper *workflow.Bootstrapper) *Workflow {
	return &Workflow{registry: registry, engine: engine, bootstrapper: bootstrapper}
}

// Get returns the workflow instance for an entity, or a synthesized "not
// started" instance when none exists yet.
func (h *Workflow) Get(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	entityID := chi.URLParam(r, "entityID")
	workflowType := chi.URLParam(r, "workflowType")

	handle, ok := resolveTenant(w, r, h.registry)
	if !ok {
		return
	}
	defer h.registry.Release(handle)

	inst, err := h.engine.GetOrDefault(r.Context(), handle.DB(), entityType, entityID, workflowType)
	if err != nil {
		if errors.Is(err, workflow.ErrDefinitionNotFound) {
			response.WriteError(w, http.StatusNotFound, "unknown workflow type")
			return
		}
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.WriteJSON(w, http.StatusOK, inst)
}

// SetStage moves the whole-entity workflow to the requested stage.
func (h *Workflow) SetStage(w http.ResponseWriter, r *http.Request) {
	var req request.SetStage
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	handle, ok := resolveTenant(w, r, h.registry)
	if !ok {
		return
	}
	defer h.registry.Release(handle)

	inst, err := h.engine.SetStage(r.Context(), handle.DB(), handle.RoutingKey(), workflow.StageUpdate{
		EntityType:   chi.URLParam(r, "entityType"),
		EntityID:     chi.URLParam(r, "entityID"),
		WorkflowType: chi.URLParam(r, "workflowType"),
		Stage:        req.Stage,
		UserID:       r.Header.Get(HeaderUserID),
		Notes:        req.Notes,
		Metadata:     req.Metadata,
	})
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, inst)
}

// SetFlags records per-sub-item stage flags and rederives the current stage.
func (h *Workflow) SetFlags(w http.ResponseWriter, r *http.Request) {
	var req request.SetSubStageFlags
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	handle, ok := resolveTenant(w, r, h.registry)
	if !ok {
		return
	}
	defer h.registry.Release(handle)

	inst, err := h.engine.SetSubStageFlags(r.Context(), handle.DB(), handle.RoutingKey(), workflow.FlagUpdate{
		EntityType:   chi.URLParam(r, "entityType"),
		EntityID:     chi.URLParam(r, "entityID"),
		WorkflowType: chi.URLParam(r, "workflowType"),
		SubKey:       req.SubKey,
		Flags:        req.Flags,
		UserID:       r.Header.Get(HeaderUserID),
		Notes:        req.Notes,
	})
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, inst)
}

// Initialize queues best-effort creation of missing workflow instances for
// an entity. The request is accepted regardless of bootstrap outcome.
func (h *Workflow) Initialize(w http.ResponseWriter, r *http.Request) {
	var req request.InitializeWorkflows
	if r.ContentLength > 0 {
		if err := request.Decode(r, &req); err != nil {
			response.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	key := mw.GetTenantKey(r.Context())
	if key == "" {
		response.WriteError(w, http.StatusBadRequest, "missing tenant routing key")
		return
	}

	userID := req.UserID
	if userID == "" {
		userID = r.Header.Get(HeaderUserID)
	}

	h.bootstrapper.Enqueue(workflow.BootstrapTask{
		TenantKey:  key,
		EntityType: chi.URLParam(r, "entityType"),
		EntityID:   chi.URLParam(r, "entityID"),
		UserID:     userID,
	})
	response.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func writeWorkflowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workflow.ErrUnknownStage):
		response.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, workflow.ErrDefinitionNotFound):
		response.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, workflow.ErrConcurrentUpdate):
		response.WriteError(w, http.StatusConflict, err.Error())
	default:
		response.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
