package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/trialgrid/crfengine/internal/lifecycle"
	"github.com/trialgrid/crfengine/internal/observability"
	"github.com/trialgrid/crfengine/model"
)

// WorkflowConfigStore reads and writes per-form workflow configuration.
// Both store backends satisfy it.
type WorkflowConfigStore interface {
	ReadWorkflowConfig(ctx context.Context, formID string) (model.WorkflowConfig, error)
	PutWorkflowConfig(ctx context.Context, cfg model.WorkflowConfig) error
}

// LifecycleHandler serves the lifecycle status, transition, lock, and
// workflow configuration endpoints.
type LifecycleHandler struct {
	machine *lifecycle.Machine
	guard   *lifecycle.LockGuard
	configs WorkflowConfigStore
	log     *zap.Logger
}

func NewLifecycleHandler(machine *lifecycle.Machine, guard *lifecycle.LockGuard, configs WorkflowConfigStore, log *zap.Logger) *LifecycleHandler {
	return &LifecycleHandler{machine: machine, guard: guard, configs: configs, log: log}
}

type lockRequest struct {
	ActorID string `json:"actor_id,omitempty"`
}

type transitionsResponse struct {
	FormInstanceID string        `json:"form_instance_id"`
	CurrentPhase   model.Phase   `json:"current_phase"`
	Transitions    []model.Phase `json:"transitions"`
}

// HandleStatus returns the derived lifecycle view of a form instance.
func (h *LifecycleHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceId")

	status, err := h.machine.Status(r.Context(), instanceID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// HandleTransitions enumerates the phases the instance can move to next.
func (h *LifecycleHandler) HandleTransitions(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceId")

	status, err := h.machine.Status(r.Context(), instanceID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, transitionsResponse{
		FormInstanceID: instanceID,
		CurrentPhase:   status.CurrentPhase,
		Transitions:    lifecycle.NextTransitions(status),
	})
}

// HandleLock attempts to lock a form instance. A refusal for unmet
// prerequisites is reported as a 409 with the reason in the body; only
// persistence failures surface as error envelopes.
func (h *LifecycleHandler) HandleLock(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceId")

	// The body is optional: authenticated callers carry the actor in
	// their token.
	var req lockRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, r, model.NewBadRequestError("invalid JSON body: "+err.Error()))
		return
	}

	actorID := req.ActorID
	if rctx := model.RequestContextFrom(r.Context()); rctx != nil && rctx.ActorID != "" {
		actorID = rctx.ActorID
	}
	if actorID == "" {
		WriteError(w, r, model.NewBadRequestError("actor_id is required"))
		return
	}

	result := h.guard.LockRecord(r.Context(), instanceID, actorID)
	if result.Success {
		WriteJSON(w, http.StatusOK, result)
		return
	}
	WriteJSON(w, http.StatusConflict, result)
}

// HandleGetWorkflowConfig returns the workflow configuration for a form.
// Forms without an explicit configuration get the zero config.
func (h *LifecycleHandler) HandleGetWorkflowConfig(w http.ResponseWriter, r *http.Request) {
	formID := chi.URLParam(r, "formId")

	cfg, err := h.configs.ReadWorkflowConfig(r.Context(), formID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if cfg.FormID == "" {
		cfg.FormID = formID
	}
	WriteJSON(w, http.StatusOK, cfg)
}

// HandlePutWorkflowConfig replaces the workflow configuration for a form.
func (h *LifecycleHandler) HandlePutWorkflowConfig(w http.ResponseWriter, r *http.Request) {
	formID := chi.URLParam(r, "formId")

	var cfg model.WorkflowConfig
	if err := decodeJSON(r, &cfg); err != nil {
		WriteError(w, r, err)
		return
	}
	cfg.FormID = formID

	if err := h.configs.PutWorkflowConfig(r.Context(), cfg); err != nil {
		WriteError(w, r, err)
		return
	}

	observability.RequestLogger(r.Context(), h.log).Info("workflow config updated",
		zap.String("form_id", formID),
		zap.Bool("requires_sdv", cfg.RequiresSDV),
		zap.Bool("requires_signature", cfg.RequiresSignature),
		zap.Bool("requires_dde", cfg.RequiresDDE))

	WriteJSON(w, http.StatusOK, cfg)
}
